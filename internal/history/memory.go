package history

import (
	"context"
	"sort"
	"sync"

	"github.com/ZanzyTHEbar/breezeflow"
)

// MemoryStore keeps histories in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]breezeflow.History
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]breezeflow.History)}
}

func (s *MemoryStore) Load(_ context.Context, sessionID string) (breezeflow.History, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[sessionID].Clone(), nil
}

func (s *MemoryStore) Append(ctx context.Context, sessionID string, expectedLen int, msgs []breezeflow.Message) (breezeflow.History, error) {
	if err := ctx.Err(); err != nil {
		return nil, breezeflow.NewCancelledError("appending", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.sessions[sessionID]
	if len(current) != expectedLen {
		return nil, conflict(sessionID, expectedLen, len(current))
	}
	next := make(breezeflow.History, 0, len(current)+len(msgs))
	next = append(next, current...)
	next = append(next, breezeflow.History(msgs).Clone()...)
	s.sessions[sessionID] = next
	return next.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *MemoryStore) Sessions(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Close() error { return nil }
