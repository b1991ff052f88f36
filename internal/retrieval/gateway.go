package retrieval

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"docchat/internal/llm"
)

// EmbeddingError is a batch embed failure, carrying the half-open input range
// [From, To) that could not be embedded.
type EmbeddingError struct {
	From int
	To   int
	Err  error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding inputs [%d:%d): %v", e.From, e.To, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// providerBatchSize caps how many texts go into one provider request.
const providerBatchSize = 100

// parallelBatches caps concurrent provider requests.
const parallelBatches = 4

// BatchEmbedder is one provider embeddings call; *llm.Client implements it.
type BatchEmbedder interface {
	Embeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// Gateway turns texts into vectors: it guards input sizes, splits work into
// provider-sized batches, fans them out, and retries transient failures.
type Gateway struct {
	client    BatchEmbedder
	policy    llm.Policy
	maxTokens int
}

func NewGateway(client BatchEmbedder, policy llm.Policy, maxTokens int) *Gateway {
	return &Gateway{client: client, policy: policy, maxTokens: maxTokens}
}

// EmbedBatch embeds texts preserving order: vector i belongs to text i. It
// either returns a vector for every input or an error; there are no partial
// results. Sub-batches that fail transiently are retried per policy;
// cancellation surfaces as ctx.Err().
func (g *Gateway) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := llm.CheckInputs(texts, g.maxTokens); err != nil {
		return nil, err
	}

	results := make([][]float32, len(texts))
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(parallelBatches)

	for from := 0; from < len(texts); from += providerBatchSize {
		from := from
		to := from + providerBatchSize
		if to > len(texts) {
			to = len(texts)
		}
		grp.Go(func() error {
			var vecs [][]float32
			err := llm.Retry(gctx, g.policy, func() error {
				v, err := g.client.Embeddings(gctx, texts[from:to])
				if err != nil {
					return err
				}
				vecs = v
				return nil
			})
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				return &EmbeddingError{From: from, To: to, Err: err}
			}
			if len(vecs) != to-from {
				return &EmbeddingError{From: from, To: to, Err: fmt.Errorf("got %d vectors for %d texts", len(vecs), to-from)}
			}
			copy(results[from:to], vecs)
			return nil
		})
	}

	if err := grp.Wait(); err != nil {
		return nil, err
	}

	dim := len(results[0])
	for i, v := range results {
		if len(v) != dim {
			return nil, &EmbeddingError{From: i, To: i + 1, Err: fmt.Errorf("vector dimension %d differs from %d", len(v), dim)}
		}
	}
	return results, nil
}

// EmbedQuery embeds a single text.
func (g *Gateway) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := g.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}
