package main

import (
	"context"
	"net/http"

	"github.com/ZanzyTHEbar/breezeflow"
	"github.com/ZanzyTHEbar/breezeflow/internal/eventbus"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"goa.design/clue/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// frame is one message written to a stream client.
type frame struct {
	Type      string         `json:"type"`
	Payload   any            `json:"payload,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

type streamRequest struct {
	Query string `json:"query"`
}

// stream upgrades to a WebSocket that relays the session's pipeline events.
// Clients may send {"query": "..."} to run a turn on the session. When the
// model streams, the answer text arrives piecewise in "answer_delta" frames;
// the complete answer always arrives as an "answer" frame. Other events are
// dropped while the client lags.
func (s *server) stream(c *gin.Context) {
	sessionID := c.Param("id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error(c.Request.Context(), err, log.KV{K: "msg", V: "websocket upgrade failed"})
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()

	out := make(chan frame, 64)
	subID, err := s.b.Subscribe(func(_ context.Context, e eventbus.Event) error {
		if sid, _ := e.Metadata()["session_id"].(string); sid != sessionID {
			return nil
		}
		f := frame{Type: string(e.Type()), Payload: e.Payload(), Metadata: e.Metadata(), Timestamp: e.Timestamp()}
		if e.Type() == eventbus.EventSynthesisDelta {
			// Deltas are never dropped.
			select {
			case out <- f:
			case <-ctx.Done():
			}
			return nil
		}
		select {
		case out <- f:
		default:
			log.Debug(ctx, log.KV{K: "msg", V: "stream event dropped"}, log.KV{K: "event_type", V: string(e.Type())})
		}
		return nil
	})
	if err != nil {
		_ = conn.WriteJSON(frame{Type: "error", Payload: breezeflow.Detail(err)})
		return
	}
	defer func() { _ = s.b.Unsubscribe(subID) }()

	log.Info(ctx, log.KV{K: "msg", V: "stream opened"}, log.KV{K: "session_id", V: sessionID})

	go func() {
		defer cancel()
		for {
			var req streamRequest
			if err := conn.ReadJSON(&req); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn(ctx, log.KV{K: "msg", V: "stream read failed"}, log.KV{K: "err", V: err.Error()})
				}
				return
			}
			if req.Query == "" {
				continue
			}
			go s.runStreamTurn(ctx, sessionID, req.Query, out)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info(ctx, log.KV{K: "msg", V: "stream closed"}, log.KV{K: "session_id", V: sessionID})
			return
		case f := <-out:
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		}
	}
}

func (s *server) runStreamTurn(ctx context.Context, sessionID, query string, out chan<- frame) {
	answer, err := s.b.AnswerSession(ctx, sessionID, query)
	f := frame{Type: "answer", Payload: answer}
	if err != nil {
		f = frame{Type: "error", Payload: gin.H{"error": breezeflow.CodeOf(err), "message": breezeflow.Detail(err)}}
	}
	select {
	case out <- f:
	case <-ctx.Done():
	}
}
