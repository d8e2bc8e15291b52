package registry

import (
	"context"
	"sync"

	"github.com/Tyrowin/chatfanout/internal/chat"
)

// Memory is a process-local Registry used when no shared store is configured.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]chat.Session
	node     string
	clock    *clock
}

var _ Registry = (*Memory)(nil)

// NewMemory returns an empty registry owned by node.
func NewMemory(node string) *Memory {
	return &Memory{
		sessions: make(map[string]chat.Session),
		node:     node,
		clock:    newClock(),
	}
}

// Register adds or replaces the session.
func (m *Memory) Register(_ context.Context, s chat.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.Node == "" {
		s.Node = m.node
	}
	if s.RegisteredAt.IsZero() {
		s.RegisteredAt = m.clock.next()
	}
	m.sessions[s.ID] = s
	return nil
}

// Unregister removes the session; unknown ids are ignored.
func (m *Memory) Unregister(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

// ListAll returns a snapshot ordered by registration time.
func (m *Memory) ListAll(_ context.Context) ([]chat.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]chat.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sortByRegistration(out)
	return out, nil
}
