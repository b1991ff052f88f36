package ingest

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"docchat/internal/llm"
	"docchat/internal/retrieval"
	"docchat/internal/storage"
)

type mockEmbedder struct {
	calls   atomic.Int32
	embedFn func(ctx context.Context, texts []string) ([][]float32, error)
}

func (m *mockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	m.calls.Add(1)
	if m.embedFn != nil {
		return m.embedFn(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// writeTestPDF writes a single-page PDF containing text, with a correct xref
// table built from running byte offsets.
func writeTestPDF(t *testing.T, path, text string) {
	t.Helper()

	stream := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", text)
	objs := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 5 0 R >> >> /Contents 4 0 R >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs)+1)
	for i, o := range objs {
		offsets[i+1] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, o)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objs)+1)
	buf.WriteString("0000000000 65535 f \n")
	for i := 1; i <= len(objs); i++ {
		fmt.Fprintf(&buf, "%010d 00000 n \n", offsets[i])
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("writing test PDF: %v", err)
	}
}

func testWorker(t *testing.T, store *storage.Store, embedder Embedder) (*Worker, *retrieval.Index, Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		ChunkSize:    50,
		ChunkOverlap: 10,
		UploadsDir:   dir,
		IndexPath:    filepath.Join(dir, "index.bin"),
	}
	ix := retrieval.NewIndex()
	return NewWorker(store, embedder, ix, cfg), ix, cfg
}

func enqueueDocument(t *testing.T, store *storage.Store, cfg Config, docID, text string) {
	t.Helper()
	writeTestPDF(t, filepath.Join(cfg.UploadsDir, docID+".pdf"), text)
	if err := store.SaveDocument(storage.Document{
		ID:         docID,
		Filename:   docID + ".pdf",
		SizeBytes:  1,
		UploadedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}
	if err := store.EnqueueJob(storage.Job{
		ID:          "job-" + docID,
		Type:        JobDocumentProcess,
		PayloadJSON: ProcessPayload(docID),
	}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
}

// resetRunAfter sets run_after to now so the job is immediately claimable after FailJob backoff.
func resetRunAfter(t *testing.T, store *storage.Store, jobID string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := store.DB().Exec(`UPDATE jobs SET run_after = ? WHERE id = ?`, now, jobID)
	if err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func TestWorker_ProcessesDocument(t *testing.T) {
	store := openTestStore(t)
	embedder := &mockEmbedder{}
	w, ix, cfg := testWorker(t, store, embedder)
	enqueueDocument(t, store, cfg, "doc-1", "The quick brown fox jumps over the lazy dog repeatedly and happily.")

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}

	doc, err := store.GetDocument("doc-1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Status != storage.StatusCompleted {
		t.Errorf("Status = %q, want completed (error: %s)", doc.Status, doc.Error)
	}
	if doc.ChunkCount == 0 {
		t.Error("ChunkCount = 0 after processing")
	}

	chunks, err := store.ListChunks("doc-1")
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if len(chunks) != doc.ChunkCount {
		t.Errorf("stored %d chunks, document says %d", len(chunks), doc.ChunkCount)
	}
	if ix.Len() != len(chunks) {
		t.Errorf("index has %d vectors, want %d", ix.Len(), len(chunks))
	}

	// Index snapshot must exist on disk and load back.
	loaded := retrieval.NewIndex()
	if err := loaded.LoadFile(cfg.IndexPath); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if loaded.Len() != ix.Len() {
		t.Errorf("persisted index has %d vectors, want %d", loaded.Len(), ix.Len())
	}

	var status string
	if err := store.DB().QueryRow(`SELECT status FROM jobs WHERE id = 'job-doc-1'`).Scan(&status); err != nil {
		t.Fatalf("query job status: %v", err)
	}
	if status != "completed" {
		t.Errorf("job status = %q, want completed", status)
	}
}

func TestWorker_RetryOnTransientFailure(t *testing.T) {
	store := openTestStore(t)

	var calls atomic.Int32
	embedder := &mockEmbedder{embedFn: func(_ context.Context, texts []string) ([][]float32, error) {
		if calls.Add(1) <= 2 {
			return nil, &llm.ProviderError{Kind: llm.Transient, Status: 503, Message: "busy"}
		}
		out := make([][]float32, len(texts))
		for i := range out {
			out[i] = []float32{0.1, 0.2, 0.3}
		}
		return out, nil
	}}
	w, _, cfg := testWorker(t, store, embedder)
	enqueueDocument(t, store, cfg, "doc-r", "retry content for the worker to chew on across attempts")

	ctx := context.Background()

	// 1st attempt — fails, job goes back to pending with backoff.
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 1: didWork=%v err=%v", didWork, err)
	}
	var status1 string
	var attempts1 int
	if err := store.DB().QueryRow(`SELECT status, attempts FROM jobs WHERE id = 'job-doc-r'`).Scan(&status1, &attempts1); err != nil {
		t.Fatalf("query after 1st fail: %v", err)
	}
	if status1 != "pending" || attempts1 != 1 {
		t.Errorf("after 1st fail: status=%q attempts=%d, want pending/1", status1, attempts1)
	}

	// The document is still in flight, not failed.
	doc, _ := store.GetDocument("doc-r")
	if doc.Status == storage.StatusFailed {
		t.Error("document marked failed before attempts ran out")
	}

	resetRunAfter(t, store, "job-doc-r")

	// 2nd attempt — fails again.
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 2: didWork=%v err=%v", didWork, err)
	}
	resetRunAfter(t, store, "job-doc-r")

	// 3rd attempt — succeeds.
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 3: didWork=%v err=%v", didWork, err)
	}

	doc, err := store.GetDocument("doc-r")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Status != storage.StatusCompleted {
		t.Errorf("document status = %q, want completed", doc.Status)
	}
}

func TestWorker_MaxRetriesMarksDocumentFailed(t *testing.T) {
	store := openTestStore(t)

	embedder := &mockEmbedder{embedFn: func(_ context.Context, _ []string) ([][]float32, error) {
		return nil, &llm.ProviderError{Kind: llm.Transient, Status: 503, Message: "always busy"}
	}}
	w, _, cfg := testWorker(t, store, embedder)
	enqueueDocument(t, store, cfg, "doc-m", "content that will never get embedded")

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce %d error: %v", i, err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d returned false", i)
		}
		if i < 3 {
			resetRunAfter(t, store, "job-doc-m")
		}
	}

	var status string
	if err := store.DB().QueryRow(`SELECT status FROM jobs WHERE id = 'job-doc-m'`).Scan(&status); err != nil {
		t.Fatalf("query final job status: %v", err)
	}
	if status != "failed" {
		t.Errorf("job status = %q, want failed", status)
	}

	doc, err := store.GetDocument("doc-m")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Status != storage.StatusFailed {
		t.Errorf("document status = %q, want failed", doc.Status)
	}
	if doc.Error == "" {
		t.Error("document error message is empty")
	}
}

// TestWorker_PermanentErrorSkipsRetries feeds an unparseable PDF; the first
// attempt must burn the job and fail the document.
func TestWorker_PermanentErrorSkipsRetries(t *testing.T) {
	store := openTestStore(t)
	embedder := &mockEmbedder{}
	w, _, cfg := testWorker(t, store, embedder)

	docID := "doc-bad"
	if err := os.WriteFile(filepath.Join(cfg.UploadsDir, docID+".pdf"), []byte("%PDF-1.4 garbage"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := store.SaveDocument(storage.Document{ID: docID, Filename: "bad.pdf", UploadedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}
	if err := store.EnqueueJob(storage.Job{ID: "job-" + docID, Type: JobDocumentProcess, PayloadJSON: ProcessPayload(docID)}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	didWork, err := w.RunOnce(context.Background())
	if err != nil || !didWork {
		t.Fatalf("RunOnce: didWork=%v err=%v", didWork, err)
	}

	var status string
	if err := store.DB().QueryRow(`SELECT status FROM jobs WHERE id = 'job-doc-bad'`).Scan(&status); err != nil {
		t.Fatalf("query job status: %v", err)
	}
	if status != "failed" {
		t.Errorf("job status = %q after one attempt, want failed", status)
	}

	doc, _ := store.GetDocument(docID)
	if doc.Status != storage.StatusFailed {
		t.Errorf("document status = %q, want failed", doc.Status)
	}
	if embedder.calls.Load() != 0 {
		t.Errorf("embedder called %d times for a broken PDF", embedder.calls.Load())
	}
}

func TestWorker_IndexRebuild(t *testing.T) {
	store := openTestStore(t)
	embedder := &mockEmbedder{}
	w, ix, cfg := testWorker(t, store, embedder)

	// Process two documents, then drop one's vectors by hand to create drift.
	enqueueDocument(t, store, cfg, "doc-a", "alpha document body with enough words to produce chunks")
	enqueueDocument(t, store, cfg, "doc-b", "beta document body with enough words to produce chunks")

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
			t.Fatalf("RunOnce %d: didWork=%v err=%v", i, didWork, err)
		}
	}
	want := ix.Len()
	ix.RemoveByDocument("doc-a")

	if err := store.EnqueueJob(storage.Job{ID: uuid.New().String(), Type: JobIndexRebuild, PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob rebuild: %v", err)
	}
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce rebuild: didWork=%v err=%v", didWork, err)
	}

	if ix.Len() != want {
		t.Errorf("index has %d vectors after rebuild, want %d", ix.Len(), want)
	}
}

// TestWorker_ConcurrentEnqueue uploads documents from several goroutines and
// drains the queue, verifying every document completes independently.
func TestWorker_ConcurrentEnqueue(t *testing.T) {
	store := openTestStore(t)
	embedder := &mockEmbedder{}
	w, _, cfg := testWorker(t, store, embedder)

	const goroutines = 4
	const docsPerGoroutine = 5
	const total = goroutines * docsPerGoroutine

	// PDFs are written up front; the race is on rows and jobs.
	ids := make([]string, 0, total)
	for g := 0; g < goroutines; g++ {
		for j := 0; j < docsPerGoroutine; j++ {
			id := fmt.Sprintf("doc-%d-%d", g, j)
			ids = append(ids, id)
			writeTestPDF(t, filepath.Join(cfg.UploadsDir, id+".pdf"), fmt.Sprintf("content of document %s with some extra words", id))
		}
	}

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for j := 0; j < docsPerGoroutine; j++ {
				id := fmt.Sprintf("doc-%d-%d", g, j)
				if err := store.SaveDocument(storage.Document{ID: id, Filename: id + ".pdf", UploadedAt: time.Now().UTC()}); err != nil {
					t.Errorf("SaveDocument %s: %v", id, err)
					return
				}
				if err := store.EnqueueJob(storage.Job{ID: "job-" + id, Type: JobDocumentProcess, PayloadJSON: ProcessPayload(id)}); err != nil {
					t.Errorf("EnqueueJob %s: %v", id, err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	ctx := context.Background()
	deadline := time.After(10 * time.Second)
	processed := 0
	for processed < total {
		select {
		case <-deadline:
			t.Fatalf("timed out after processing %d/%d jobs", processed, total)
		default:
		}
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce error at job %d: %v", processed, err)
		}
		if didWork {
			processed++
		}
	}

	for _, id := range ids {
		doc, err := store.GetDocument(id)
		if err != nil {
			t.Errorf("GetDocument %s: %v", id, err)
			continue
		}
		if doc.Status != storage.StatusCompleted {
			t.Errorf("doc %s status = %q, want completed", id, doc.Status)
		}
	}
}
