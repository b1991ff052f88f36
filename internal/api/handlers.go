package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"docchat/internal/chat"
	"docchat/internal/extract"
	"docchat/internal/ingest"
	"docchat/internal/llm"
	"docchat/internal/rag"
	"docchat/internal/retrieval"
	"docchat/internal/storage"
)

const maxChatBodySize = 1 << 20 // 1MB

// multipartSlack covers multipart framing overhead on top of the file itself.
const multipartSlack = 1 << 20

// Searcher abstracts semantic retrieval for the API layer.
type Searcher interface {
	Retrieve(ctx context.Context, query string, k int, minScore float32) ([]retrieval.Passage, error)
}

// Answerer abstracts the RAG orchestrator for the API layer.
type Answerer interface {
	Answer(ctx context.Context, query string, history []llm.Message) (rag.Answer, error)
}

type AppDeps struct {
	Store        *storage.Store
	Index        *retrieval.Index
	Retriever    Searcher
	Orchestrator Answerer
	Sessions     *chat.Manager
	Token        string // empty disables auth
	UploadsDir   string
	IndexPath    string
	MaxFileSize  int64
	TopK         int
	MinScore     float32
	HistoryTurns int
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/documents", handleUploadDocument(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Get("/documents/{id}", handleGetDocument(deps))
		r.Delete("/documents/{id}", handleDeleteDocument(deps))
		r.Post("/index/rebuild", handleRebuildIndex(deps))
		r.Get("/search", handleSearch(deps))
		r.Post("/chat", handleChat(deps))
		r.Get("/chat/{id}", handleChatHistory(deps))
		r.Get("/stats", handleStats(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func handleUploadDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, deps.MaxFileSize+multipartSlack)
		defer r.Body.Close()

		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "multipart field %q is required: %v", "file", err)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading upload: %v", err)
			return
		}

		if err := extract.Validate(header.Filename, data, deps.MaxFileSize); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		docID := uuid.New().String()

		if err := os.MkdirAll(deps.UploadsDir, 0o755); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "preparing uploads dir: %v", err)
			return
		}
		path := filepath.Join(deps.UploadsDir, docID+".pdf")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "storing file: %v", err)
			return
		}

		doc := storage.Document{
			ID:         docID,
			Filename:   header.Filename,
			SizeBytes:  int64(len(data)),
			UploadedAt: time.Now().UTC(),
			Status:     storage.StatusPending,
		}
		if err := deps.Store.SaveDocument(doc); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saving document: %v", err)
			return
		}

		job := storage.Job{
			ID:          uuid.New().String(),
			Type:        ingest.JobDocumentProcess,
			PayloadJSON: ingest.ProcessPayload(docID),
		}
		if err := deps.Store.EnqueueJob(job); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "enqueueing job: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"id":     docID,
			"status": storage.StatusPending,
		})
	}
}

func handleListDocuments(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs, err := deps.Store.ListDocuments()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing documents: %v", err)
			return
		}
		if docs == nil {
			docs = []storage.Document{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(docs)
	}
}

func handleGetDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		doc, err := deps.Store.GetDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading document: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(doc)
	}
}

// handleDeleteDocument removes a document everywhere: vectors first, then the
// rows, then the stored file. The index is persisted before the rows go so a
// crash in between leaves orphaned rows, never dangling vectors.
func handleDeleteDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if _, err := deps.Store.GetDocument(id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "document not found")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "loading document: %v", err)
			return
		}

		if removed := deps.Index.RemoveByDocument(id); removed > 0 {
			if err := deps.Index.SaveFile(deps.IndexPath); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "persisting index: %v", err)
				return
			}
		}

		if err := deps.Store.DeleteDocument(id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusInternalServerError, "api_error", "deleting document: %v", err)
			return
		}

		_ = os.Remove(filepath.Join(deps.UploadsDir, id+".pdf"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

func handleRebuildIndex(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := storage.Job{
			ID:   uuid.New().String(),
			Type: ingest.JobIndexRebuild,
		}
		if err := deps.Store.EnqueueJob(job); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "enqueueing rebuild: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
	}
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query parameter %q is required", "q")
			return
		}
		k := parseIntParam(r, "k", deps.TopK, 50)

		passages, err := deps.Retriever.Retrieve(r.Context(), query, k, deps.MinScore)
		if err != nil {
			httpError(w, http.StatusBadGateway, "retrieval_failed", "search failed: %v", err)
			return
		}
		if passages == nil {
			passages = []retrieval.Passage{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(passages)
	}
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type chatResponse struct {
	SessionID string         `json:"session_id"`
	Answer    string         `json:"answer"`
	Sources   []rag.Citation `json:"sources"`
	Unsourced bool           `json:"unsourced"`
}

func handleChat(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxChatBodySize)
		defer r.Body.Close()

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Message == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
			return
		}

		session := deps.Sessions.GetOrCreate(req.SessionID)
		history := session.Recent(deps.HistoryTurns)

		answer, err := deps.Orchestrator.Answer(r.Context(), req.Message, history)
		if err != nil {
			var rerr *rag.RetrievalError
			var gerr *rag.GenerationError
			switch {
			case errors.As(err, &rerr):
				httpError(w, http.StatusBadGateway, "retrieval_failed", "could not retrieve context: %v", rerr.Err)
			case errors.As(err, &gerr):
				httpError(w, http.StatusBadGateway, "generation_failed", "could not generate an answer: %v", gerr.Err)
			default:
				httpError(w, http.StatusInternalServerError, "api_error", "chat failed: %v", err)
			}
			return
		}

		session.Append(chat.Turn{Role: llm.RoleUser, Content: req.Message})
		session.Append(chat.Turn{
			Role:      llm.RoleAssistant,
			Content:   answer.Text,
			Sources:   answer.Citations,
			Unsourced: answer.Unsourced,
		})

		sources := answer.Citations
		if sources == nil {
			sources = []rag.Citation{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatResponse{
			SessionID: session.ID,
			Answer:    answer.Text,
			Sources:   sources,
			Unsourced: answer.Unsourced,
		})
	}
}

func handleChatHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		session, ok := deps.Sessions.Get(id)
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"session_id": session.ID,
			"created_at": session.CreatedAt,
			"turns":      session.Turns(),
		})
	}
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs, err := deps.Store.ListDocuments()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing documents: %v", err)
			return
		}
		chunks, err := deps.Store.CountChunks()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "counting chunks: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{
			"documents": len(docs),
			"chunks":    chunks,
			"vectors":   deps.Index.Len(),
			"dimension": deps.Index.Dim(),
		})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
