package rag

import (
	"context"
	"fmt"
	"strings"
	"time"

	"docchat/internal/llm"
	"docchat/internal/retrieval"
)

// RetrievalError means the answer failed before any generation happened.
type RetrievalError struct {
	Err error
}

func (e *RetrievalError) Error() string { return fmt.Sprintf("retrieving context: %v", e.Err) }
func (e *RetrievalError) Unwrap() error { return e.Err }

// GenerationError means context was assembled but the model call failed.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string { return fmt.Sprintf("generating answer: %v", e.Err) }
func (e *GenerationError) Unwrap() error { return e.Err }

// Citation points an answer back at a passage that was actually in the prompt.
type Citation struct {
	DocumentID string  `json:"document_id"`
	Filename   string  `json:"filename"`
	ChunkID    string  `json:"chunk_id"`
	Page       int     `json:"page"`
	Snippet    string  `json:"snippet"`
	Score      float32 `json:"score"`
}

// Answer is a complete response. Unsourced marks answers generated without
// any document context; those carry no citations.
type Answer struct {
	Text      string        `json:"text"`
	Citations []Citation    `json:"citations"`
	Unsourced bool          `json:"unsourced"`
	Duration  time.Duration `json:"duration"`
}

// PassageRetriever finds relevant passages; *retrieval.Retriever implements it.
type PassageRetriever interface {
	Retrieve(ctx context.Context, query string, k int, minScore float32) ([]retrieval.Passage, error)
}

// Generator produces the model reply; *llm.Client implements it.
type Generator interface {
	ChatCompletion(ctx context.Context, messages []llm.Message, temperature float64, maxTokens int) (string, error)
}

type Config struct {
	TopK          int
	MinScore      float32
	ContextTokens int
	Temperature   float64
	MaxTokens     int
	HistoryTurns  int
}

// Orchestrator runs the full answer flow: retrieve, budget, prompt, generate.
type Orchestrator struct {
	retriever PassageRetriever
	generator Generator
	cfg       Config
}

func NewOrchestrator(retriever PassageRetriever, generator Generator, cfg Config) *Orchestrator {
	return &Orchestrator{retriever: retriever, generator: generator, cfg: cfg}
}

const systemPrompt = `You are a helpful AI assistant that answers questions based on provided document context.

Guidelines:
- Use only the information provided in the context to answer questions
- If the context doesn't contain enough information to answer a question, say so clearly
- Be concise but comprehensive in your responses
- When referencing information, mention which document it came from when possible
- If multiple documents provide relevant information, synthesize the information appropriately
- Maintain a professional and helpful tone`

const noContextMarker = "No relevant source material was found in the uploaded documents."

// Answer answers query using retrieved passages and recent history. It either
// returns a complete answer or an error; never both, never a partial one.
// When nothing relevant is retrieved the model is still asked, with the
// prompt saying so explicitly, and the result is marked Unsourced.
func (o *Orchestrator) Answer(ctx context.Context, query string, history []llm.Message) (Answer, error) {
	start := time.Now()

	passages, err := o.retriever.Retrieve(ctx, query, o.cfg.TopK, o.cfg.MinScore)
	if err != nil {
		return Answer{}, &RetrievalError{Err: err}
	}

	if n := o.cfg.HistoryTurns; n > 0 && len(history) > n {
		history = history[len(history)-n:]
	}
	passages, history = o.fitBudget(query, passages, history)

	messages := buildMessages(query, passages, history)
	text, err := o.generator.ChatCompletion(ctx, messages, o.cfg.Temperature, o.cfg.MaxTokens)
	if err != nil {
		return Answer{}, &GenerationError{Err: err}
	}

	citations := make([]Citation, 0, len(passages))
	for _, p := range passages {
		citations = append(citations, Citation{
			DocumentID: p.DocumentID,
			Filename:   p.Filename,
			ChunkID:    p.ChunkID,
			Page:       p.Page,
			Snippet:    retrieval.Preview(p.Text),
			Score:      p.Score,
		})
	}

	return Answer{
		Text:      text,
		Citations: citations,
		Unsourced: len(passages) == 0,
		Duration:  time.Since(start),
	}, nil
}

// fitBudget shrinks the prompt until it fits ContextTokens: lowest-scored
// passages go first, then the oldest history turns. The question itself is
// never touched, so the prompt can end up over budget when the question alone
// exceeds it.
func (o *Orchestrator) fitBudget(query string, passages []retrieval.Passage, history []llm.Message) ([]retrieval.Passage, []llm.Message) {
	for promptTokens(query, passages, history) > o.cfg.ContextTokens {
		if len(passages) > 0 {
			// Passages arrive best-first; the last is the lowest-scored.
			passages = passages[:len(passages)-1]
			continue
		}
		if len(history) > 0 {
			history = history[1:]
			continue
		}
		break
	}
	return passages, history
}

func promptTokens(query string, passages []retrieval.Passage, history []llm.Message) int {
	total := 0
	for _, m := range buildMessages(query, passages, history) {
		total += llm.EstimateTokens(m.Content)
	}
	return total
}

func buildMessages(query string, passages []retrieval.Passage, history []llm.Message) []llm.Message {
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	messages = append(messages, history...)

	user := fmt.Sprintf(`Context from documents:
%s

Question: %s

Please answer the question based on the provided context. If the context doesn't contain sufficient information to answer the question, please state that clearly.`,
		contextText(passages), query)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: user})
	return messages
}

func contextText(passages []retrieval.Passage) string {
	if len(passages) == 0 {
		return noContextMarker
	}
	parts := make([]string, 0, len(passages))
	for _, p := range passages {
		parts = append(parts, fmt.Sprintf("[Document: %s, Page: %d, Relevance: %.3f]\n%s\n", p.Filename, p.Page, p.Score, p.Text))
	}
	return strings.Join(parts, "\n---\n")
}
