package breezeflow

import (
	"context"
	"fmt"
	"strings"
)

// DefaultMaxHistoryItems bounds sanitized caller-supplied history.
const DefaultMaxHistoryItems = 20

// RoleLabels are the speaker labels used when history is rendered as a transcript.
var RoleLabels = map[Role]string{
	RoleUser:      "使用者",
	RoleAssistant: "助理",
}

// History is an ordered, append-only conversation for one session.
type History []Message

// Clone returns a deep copy so callers never share backing arrays.
func (h History) Clone() History {
	if h == nil {
		return History{}
	}
	out := make(History, len(h))
	for i, m := range h {
		if m.ToolCalls != nil {
			calls := make([]ToolCallRequest, len(m.ToolCalls))
			copy(calls, m.ToolCalls)
			m.ToolCalls = calls
		}
		out[i] = m
	}
	return out
}

// Window returns the trailing n messages of h.
func (h History) Window(n int) History {
	if n <= 0 || len(h) <= n {
		return h
	}
	return h[len(h)-n:]
}

// Transcript renders the user and assistant turns of h as labelled lines.
func (h History) Transcript() string {
	var b strings.Builder
	for _, m := range h {
		label, ok := RoleLabels[m.Role]
		if !ok {
			continue
		}
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", label, content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Validate checks role tags and that every tool message answers a call made
// by an assistant message of the same turn.
func (h History) Validate() error {
	turnStart := 0
	for i, m := range h {
		if !m.Role.Valid() {
			return NewValidationError("history", fmt.Sprintf("message %d has unknown role %q", i, m.Role), nil)
		}
		if m.Role == RoleUser {
			turnStart = i
		}
		if m.Role != RoleTool {
			continue
		}
		if m.ToolCallID == "" {
			return NewValidationError("history", fmt.Sprintf("tool message %d has no tool_call_id", i), nil)
		}
		if !turnHasCall(h, turnStart, m.ToolCallID) {
			return NewValidationError("history", fmt.Sprintf("tool message %d references unknown call %q", i, m.ToolCallID), nil)
		}
	}
	return nil
}

// turnHasCall scans the turn beginning at start for an assistant call with id.
func turnHasCall(h History, start int, id string) bool {
	for j := start; j < len(h); j++ {
		if j > start && h[j].Role == RoleUser {
			break
		}
		if h[j].Role != RoleAssistant {
			continue
		}
		for _, c := range h[j].ToolCalls {
			if c.ID == id {
				return true
			}
		}
	}
	return false
}

// SanitizeHistory keeps only user and assistant text, trims it, drops empty
// entries and keeps the last maxItems. It is meant for history handed in by
// foreign callers; stored history is never pruned.
func SanitizeHistory(h History, maxItems int) History {
	cleaned := make(History, 0, len(h))
	for _, m := range h {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			continue
		}
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		cleaned = append(cleaned, Message{Role: m.Role, Content: content})
	}
	if maxItems > 0 && len(cleaned) > maxItems {
		cleaned = cleaned[len(cleaned)-maxItems:]
	}
	return cleaned
}

// HistorySink receives the messages of a completed turn and returns the
// resulting history.
type HistorySink interface {
	AppendTurn(ctx context.Context, user, assistant Message, tools []Message) (History, error)
}

// localSink appends to a private copy of caller-supplied history.
type localSink struct {
	base History
}

func (s *localSink) AppendTurn(_ context.Context, user, assistant Message, tools []Message) (History, error) {
	out := s.base.Clone()
	out = append(out, user)
	out = append(out, tools...)
	out = append(out, assistant)
	return out, nil
}

// sessionSink appends through a ConversationManager, guarding against
// concurrent writers with the length observed when the turn began.
type sessionSink struct {
	manager     ConversationManager
	sessionID   string
	expectedLen int
}

func (s *sessionSink) AppendTurn(ctx context.Context, user, assistant Message, tools []Message) (History, error) {
	return s.manager.AppendTurn(ctx, s.sessionID, s.expectedLen, user, assistant, tools)
}
