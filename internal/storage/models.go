package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Document lifecycle statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

type Document struct {
	ID         string
	Filename   string
	SizeBytes  int64
	UploadedAt time.Time
	Status     string // pending, processing, completed, failed
	ChunkCount int
	Error      string
}

// Chunk is an immutable slice of a document's normalized text. Offsets refer
// to the whitespace-normalized concatenation of the document's pages.
type Chunk struct {
	ID         string
	DocumentID string
	ChunkIndex int
	Page       int
	Content    string
	StartChar  int
	EndChar    int
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
