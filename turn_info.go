package breezeflow

import "context"

type turnInfoKey struct{}

// TurnInfo identifies the turn a context belongs to. Components that publish
// events tag them with it so subscribers can filter by session.
type TurnInfo struct {
	TurnID    string
	SessionID string
}

// Metadata returns the event metadata for the turn.
func (ti TurnInfo) Metadata() map[string]any {
	return map[string]any{
		"turn_id":    ti.TurnID,
		"session_id": ti.SessionID,
	}
}

// WithTurnInfo returns a copy of ctx carrying info.
func WithTurnInfo(ctx context.Context, info TurnInfo) context.Context {
	return context.WithValue(ctx, turnInfoKey{}, info)
}

// TurnInfoFrom returns the turn carried by ctx, or the zero value.
func TurnInfoFrom(ctx context.Context) TurnInfo {
	info, _ := ctx.Value(turnInfoKey{}).(TurnInfo)
	return info
}
