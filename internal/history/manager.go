// Package history stores conversation histories per session and serialises
// the turns of each session.
package history

import (
	"context"
	"fmt"
	"sync"

	"github.com/ZanzyTHEbar/breezeflow"
	"goa.design/clue/log"
)

// Store persists session histories.
type Store interface {
	// Load returns the stored history of sessionID; unknown sessions are empty.
	Load(ctx context.Context, sessionID string) (breezeflow.History, error)
	// Append stores msgs atomically provided the stored length equals
	// expectedLen, and returns the new history. A length mismatch or a
	// concurrent writer fails with HistoryWriteConflict.
	Append(ctx context.Context, sessionID string, expectedLen int, msgs []breezeflow.Message) (breezeflow.History, error)
	// Delete removes a session.
	Delete(ctx context.Context, sessionID string) error
	// Sessions lists the known session IDs.
	Sessions(ctx context.Context) ([]string, error)
	Close() error
}

type sessionLock struct {
	ch   chan struct{}
	refs int
}

// Manager implements breezeflow.ConversationManager on top of a Store.
type Manager struct {
	store Store

	mu    sync.Mutex
	locks map[string]*sessionLock
}

var _ breezeflow.ConversationManager = (*Manager)(nil)

// NewManager creates a manager backed by store.
func NewManager(store Store) *Manager {
	return &Manager{store: store, locks: make(map[string]*sessionLock)}
}

// GetHistory returns a copy of the session's stored history.
func (m *Manager) GetHistory(ctx context.Context, sessionID string) (breezeflow.History, error) {
	if sessionID == "" {
		return nil, breezeflow.NewValidationError("history", "session ID is required", nil)
	}
	h, err := m.store.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history for session %s: %w", sessionID, err)
	}
	return h.Clone(), nil
}

// AppendTurn stores one turn as user, tools, assistant. Either the whole turn
// is stored or nothing is.
func (m *Manager) AppendTurn(ctx context.Context, sessionID string, expectedLen int, user, assistant breezeflow.Message, tools []breezeflow.Message) (breezeflow.History, error) {
	if sessionID == "" {
		return nil, breezeflow.NewValidationError("appending", "session ID is required", nil)
	}
	if user.Role != breezeflow.RoleUser || assistant.Role != breezeflow.RoleAssistant {
		return nil, breezeflow.NewValidationError("appending", "a turn must start with a user message and end with an assistant message", nil)
	}

	msgs := make([]breezeflow.Message, 0, len(tools)+2)
	msgs = append(msgs, user)
	for _, t := range tools {
		if t.Role != breezeflow.RoleTool || t.ToolCallID == "" {
			return nil, breezeflow.NewValidationError("appending", "tool messages must reference a tool call", nil)
		}
		msgs = append(msgs, t)
	}
	msgs = append(msgs, assistant)
	msgs = breezeflow.History(msgs).Clone()

	h, err := m.store.Append(ctx, sessionID, expectedLen, msgs)
	if err != nil {
		log.Warn(ctx,
			log.KV{K: "msg", V: "history append failed"},
			log.KV{K: "session_id", V: sessionID},
			log.KV{K: "expected_len", V: expectedLen},
			log.KV{K: "err", V: err.Error()})
		return nil, err
	}

	log.Debug(ctx,
		log.KV{K: "msg", V: "turn appended"},
		log.KV{K: "session_id", V: sessionID},
		log.KV{K: "messages", V: len(msgs)},
		log.KV{K: "history_length", V: len(h)})
	return h.Clone(), nil
}

// Lock waits until no other turn holds sessionID. The returned func
// releases the lock and must be called exactly once.
func (m *Manager) Lock(ctx context.Context, sessionID string) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sessionLock{ch: make(chan struct{}, 1)}
		m.locks[sessionID] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		m.unref(sessionID, l)
		return nil, breezeflow.NewCancelledError("history", ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			m.unref(sessionID, l)
		})
	}, nil
}

func (m *Manager) unref(sessionID string, l *sessionLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, sessionID)
	}
}

// Reset deletes the stored history of sessionID.
func (m *Manager) Reset(ctx context.Context, sessionID string) error {
	release, err := m.Lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer release()
	return m.store.Delete(ctx, sessionID)
}

// Sessions lists known session IDs.
func (m *Manager) Sessions(ctx context.Context) ([]string, error) {
	return m.store.Sessions(ctx)
}

// Close closes the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}

func conflict(sessionID string, expected, actual int) error {
	return breezeflow.NewHistoryWriteConflictError(sessionID,
		fmt.Errorf("expected %d stored messages, found %d", expected, actual))
}
