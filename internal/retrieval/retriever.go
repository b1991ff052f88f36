package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"docchat/internal/storage"
)

// previewLen caps how much chunk text is carried inside the index itself.
// Full text is resolved from storage at retrieval time.
const previewLen = 200

// Preview returns the index-resident prefix of a chunk's text.
func Preview(text string) string {
	if len(text) <= previewLen {
		return text
	}
	return text[:previewLen]
}

// Passage is a retrieval result ready for prompt assembly: full chunk text
// with its provenance and similarity score.
type Passage struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Filename   string  `json:"filename"`
	Page       int     `json:"page"`
	Text       string  `json:"text"`
	Score      float32 `json:"score"`
}

// ChunkStore resolves index hits back to full rows.
type ChunkStore interface {
	GetChunk(id string) (storage.Chunk, error)
	GetDocument(id string) (storage.Document, error)
}

// QueryEmbedder embeds a query text; *Gateway implements it.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Retriever answers "which passages are relevant to this query".
type Retriever struct {
	embedder QueryEmbedder
	index    *Index
	store    ChunkStore
}

func NewRetriever(embedder QueryEmbedder, index *Index, store ChunkStore) *Retriever {
	return &Retriever{embedder: embedder, index: index, store: store}
}

// Retrieve embeds the query, searches the index, and resolves matches to full
// passages. A blank query is a no-op: nil result, no provider call. Index
// entries whose chunk row has vanished are skipped with a warning instead of
// failing the whole query.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int, minScore float32) ([]Passage, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	vec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	matches, err := r.index.Search(vec, k, minScore)
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}

	filenames := make(map[string]string)
	passages := make([]Passage, 0, len(matches))
	for _, m := range matches {
		chunk, err := r.store.GetChunk(m.ChunkID)
		if errors.Is(err, storage.ErrNotFound) {
			slog.Warn("index entry has no chunk row, skipping", "chunk_id", m.ChunkID, "document_id", m.DocumentID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loading chunk %s: %w", m.ChunkID, err)
		}

		filename, ok := filenames[m.DocumentID]
		if !ok {
			doc, err := r.store.GetDocument(m.DocumentID)
			if errors.Is(err, storage.ErrNotFound) {
				slog.Warn("index entry has no document row, skipping", "document_id", m.DocumentID)
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("loading document %s: %w", m.DocumentID, err)
			}
			filename = doc.Filename
			filenames[m.DocumentID] = filename
		}

		passages = append(passages, Passage{
			ChunkID:    m.ChunkID,
			DocumentID: m.DocumentID,
			Filename:   filename,
			Page:       chunk.Page,
			Text:       chunk.Content,
			Score:      m.Score,
		})
	}
	return passages, nil
}
