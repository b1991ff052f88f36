package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Message is a single chat message in provider wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Client talks to an OpenAI-compatible API: /embeddings and /chat/completions.
type Client struct {
	baseURL    string
	apiKey     string
	embedModel string
	chatModel  string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey, embedModel, chatModel string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		embedModel: embedModel,
		chatModel:  chatModel,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embeddings embeds the given texts in one provider call. Vectors come back
// in input order regardless of the order the provider returned them.
func (c *Client) Embeddings(ctx context.Context, texts []string) ([][]float32, error) {
	var out embeddingsResponse
	if err := c.post(ctx, "/embeddings", embeddingsRequest{Model: c.embedModel, Input: texts}, &out); err != nil {
		return nil, err
	}
	if len(out.Data) != len(texts) {
		return nil, &ProviderError{
			Kind:    Fatal,
			Message: fmt.Sprintf("embeddings response has %d vectors for %d inputs", len(out.Data), len(texts)),
		}
	}

	vectors := make([][]float32, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, &ProviderError{Kind: Fatal, Message: fmt.Sprintf("embeddings response index %d out of range", d.Index)}
		}
		vectors[d.Index] = d.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			return nil, &ProviderError{Kind: Fatal, Message: fmt.Sprintf("embeddings response missing vector for input %d", i)}
		}
	}
	return vectors, nil
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// ChatCompletion returns the assistant's reply for the given conversation.
func (c *Client) ChatCompletion(ctx context.Context, messages []Message, temperature float64, maxTokens int) (string, error) {
	var out chatResponse
	req := chatRequest{Model: c.chatModel, Messages: messages, Temperature: temperature, MaxTokens: maxTokens}
	if err := c.post(ctx, "/chat/completions", req, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", &ProviderError{Kind: Fatal, Message: "chat response has no choices"}
	}
	return out.Choices[0].Message.Content, nil
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Cancellation is the caller's doing, not the provider's.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ProviderError{Kind: Transient, Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ProviderError{Kind: Transient, Message: fmt.Sprintf("reading response: %v", err)}
	}

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(data))
		var apiErr errorResponse
		if jerr := json.Unmarshal(data, &apiErr); jerr == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		return &ProviderError{Kind: Classify(resp.StatusCode), Status: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &ProviderError{Kind: Fatal, Message: fmt.Sprintf("decoding response: %v", err)}
	}
	return nil
}

// IsFatal reports whether err is a provider rejection that retrying cannot fix.
func IsFatal(err error) bool {
	var perr *ProviderError
	return errors.As(err, &perr) && perr.Kind == Fatal
}
