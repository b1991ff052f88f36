package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"docchat/internal/llm"
	"docchat/internal/rag"
)

// Turn is one message of a conversation. Assistant turns carry the citations
// their answer was grounded on.
type Turn struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Sources   []rag.Citation `json:"sources,omitempty"`
	Unsourced bool           `json:"unsourced,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Session is an ordered conversation. Sessions live as long as the process;
// nothing about them is persisted.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`

	mu    sync.RWMutex
	turns []Turn
}

// Append adds a turn to the end of the conversation.
func (s *Session) Append(turn Turn) {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.turns = append(s.turns, turn)
	s.mu.Unlock()
}

// Turns returns a copy of the full conversation in order.
func (s *Session) Turns() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Recent returns the last n turns as provider messages, oldest first, ready
// to drop into a prompt.
func (s *Session) Recent(n int) []llm.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if n > 0 && len(s.turns) > n {
		start = len(s.turns) - n
	}
	out := make([]llm.Message, 0, len(s.turns)-start)
	for _, t := range s.turns[start:] {
		out = append(out, llm.Message{Role: t.Role, Content: t.Content})
	}
	return out
}

// Manager owns all live sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Create starts a new session with a fresh id.
func (m *Manager) Create() *Session {
	s := &Session{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

// Get looks up a session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// GetOrCreate returns the session with the given id, or a new one when id is
// empty or unknown.
func (m *Manager) GetOrCreate(id string) *Session {
	if id != "" {
		if s, ok := m.Get(id); ok {
			return s
		}
	}
	return m.Create()
}

// Len reports how many sessions are live.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
