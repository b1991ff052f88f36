package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"docchat/internal/chunker"
	"docchat/internal/extract"
	"docchat/internal/llm"
	"docchat/internal/retrieval"
	"docchat/internal/storage"
)

// Job types handled by the worker.
const (
	JobDocumentProcess = "document_process"
	JobIndexRebuild    = "index_rebuild"
)

// JobStore abstracts the queue and document operations the worker needs.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) (bool, error)
	FailJobPermanently(id string, errMsg string) error
	GetDocument(id string) (storage.Document, error)
	ListDocuments() ([]storage.Document, error)
	SetDocumentStatus(id, status, errMsg string) error
	CompleteDocument(id string, chunkCount int) error
	ReplaceChunks(documentID string, chunks []storage.Chunk) error
	ListChunks(documentID string) ([]storage.Chunk, error)
}

// Embedder turns chunk texts into vectors; *retrieval.Gateway implements it.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorIndex is the slice of *retrieval.Index the worker writes to.
type VectorIndex interface {
	Add(entries []retrieval.Entry) error
	RemoveByDocument(documentID string) int
	Rebuild(entries []retrieval.Entry) error
	SaveFile(path string) error
}

// Config carries the processing parameters the worker applies per document.
type Config struct {
	ChunkSize    int
	ChunkOverlap int
	UploadsDir   string
	IndexPath    string
	PollInterval time.Duration
}

// Worker processes document and index jobs from the SQLite job queue. One
// document failing never affects another; each job is its own unit of work.
type Worker struct {
	store    JobStore
	embedder Embedder
	index    VectorIndex
	cfg      Config
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If cfg.PollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, embedder Embedder, index VectorIndex, cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		embedder: embedder,
		index:    index,
		cfg:      cfg,
		logger:   slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobDocumentProcess, JobIndexRebuild})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	var jobErr error
	switch job.Type {
	case JobDocumentProcess:
		jobErr = w.processDocument(ctx, job)
	case JobIndexRebuild:
		jobErr = w.rebuildIndex(ctx)
	default:
		jobErr = fmt.Errorf("unknown job type %q", job.Type)
	}

	if jobErr != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "type", job.Type, "error", jobErr)
		w.failJob(job, jobErr)
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// failJob records the failure. Permanent errors burn the job immediately;
// transient ones go back on the queue with backoff. Either way, once the job
// is out of attempts the document is marked failed with a readable message.
func (w *Worker) failJob(job *storage.Job, jobErr error) {
	final := false
	if isPermanent(jobErr) {
		final = true
		if err := w.store.FailJobPermanently(job.ID, jobErr.Error()); err != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", err)
		}
	} else {
		var err error
		final, err = w.store.FailJob(job.ID, jobErr.Error())
		if err != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", err)
		}
	}

	if final && job.Type == JobDocumentProcess {
		var payload processPayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err == nil && payload.DocumentID != "" {
			if err := w.store.SetDocumentStatus(payload.DocumentID, storage.StatusFailed, jobErr.Error()); err != nil {
				w.logger.Error("failed to mark document as failed", "document_id", payload.DocumentID, "error", err)
			}
		}
	}
}

// isPermanent reports whether retrying could possibly succeed. Bad PDFs, bad
// chunking parameters, and provider rejections stay broken no matter how
// often they run.
func isPermanent(err error) bool {
	var (
		eerr *extract.Error
		cerr *chunker.ConfigError
		lerr *llm.ConfigError
	)
	if errors.As(err, &eerr) || errors.As(err, &cerr) || errors.As(err, &lerr) {
		return true
	}
	return llm.IsFatal(err)
}

type processPayload struct {
	DocumentID string `json:"document_id"`
}

// ProcessPayload builds the payload JSON for a document_process job.
func ProcessPayload(documentID string) string {
	b, _ := json.Marshal(processPayload{DocumentID: documentID})
	return string(b)
}

func (w *Worker) processDocument(ctx context.Context, job *storage.Job) error {
	var payload processPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	doc, err := w.store.GetDocument(payload.DocumentID)
	if err != nil {
		return fmt.Errorf("loading document %s: %w", payload.DocumentID, err)
	}

	if err := w.store.SetDocumentStatus(doc.ID, storage.StatusProcessing, ""); err != nil {
		return fmt.Errorf("marking document processing: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(w.cfg.UploadsDir, doc.ID+".pdf"))
	if err != nil {
		return fmt.Errorf("reading stored file for %s: %w", doc.ID, err)
	}

	pages, err := extract.Pages(doc.Filename, data)
	if err != nil {
		return err
	}

	chunks, err := chunker.Chunk(doc.ID, pages, w.cfg.ChunkSize, w.cfg.ChunkOverlap)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return &extract.Error{Filename: doc.Filename, Err: fmt.Errorf("document produced no chunks")}
	}

	if err := w.store.ReplaceChunks(doc.ID, chunks); err != nil {
		return fmt.Errorf("saving chunks: %w", err)
	}

	entries, err := w.embedChunks(ctx, chunks)
	if err != nil {
		return err
	}

	// A retried job may have left vectors behind; replace, never duplicate.
	w.index.RemoveByDocument(doc.ID)
	if err := w.index.Add(entries); err != nil {
		return fmt.Errorf("indexing vectors: %w", err)
	}
	if err := w.index.SaveFile(w.cfg.IndexPath); err != nil {
		return fmt.Errorf("persisting index: %w", err)
	}

	if err := w.store.CompleteDocument(doc.ID, len(chunks)); err != nil {
		return fmt.Errorf("marking document completed: %w", err)
	}

	w.logger.Info("document processed", "document_id", doc.ID, "filename", doc.Filename, "chunks", len(chunks))
	return nil
}

// embedChunks embeds chunks in chunk_index order and pairs vectors back up
// with their chunks.
func (w *Worker) embedChunks(ctx context.Context, chunks []storage.Chunk) ([]retrieval.Entry, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	vectors, err := w.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding chunks: %w", err)
	}

	entries := make([]retrieval.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = retrieval.Entry{
			ChunkID:    c.ID,
			DocumentID: c.DocumentID,
			Page:       c.Page,
			Preview:    retrieval.Preview(c.Content),
			Vector:     vectors[i],
		}
	}
	return entries, nil
}

// rebuildIndex re-embeds every chunk of every completed document and swaps
// the result in. Searches keep hitting the old index until the swap.
func (w *Worker) rebuildIndex(ctx context.Context) error {
	docs, err := w.store.ListDocuments()
	if err != nil {
		return fmt.Errorf("listing documents: %w", err)
	}

	var staged []retrieval.Entry
	for _, doc := range docs {
		if doc.Status != storage.StatusCompleted {
			continue
		}
		chunks, err := w.store.ListChunks(doc.ID)
		if err != nil {
			return fmt.Errorf("listing chunks for %s: %w", doc.ID, err)
		}
		if len(chunks) == 0 {
			continue
		}
		entries, err := w.embedChunks(ctx, chunks)
		if err != nil {
			return fmt.Errorf("document %s: %w", doc.ID, err)
		}
		staged = append(staged, entries...)
	}

	if err := w.index.Rebuild(staged); err != nil {
		return fmt.Errorf("swapping index: %w", err)
	}
	if err := w.index.SaveFile(w.cfg.IndexPath); err != nil {
		return fmt.Errorf("persisting index: %w", err)
	}

	w.logger.Info("index rebuilt", "vectors", len(staged))
	return nil
}
