package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/breezeflow"
	"github.com/ZanzyTHEbar/breezeflow/pkg/breeze"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// echoGateway plans one echo call per turn and answers every other prompt
// with a fixed reply.
var echoGateway = breezeflow.GatewayFunc(func(ctx context.Context, msgs []breezeflow.Message, tools []breezeflow.ToolSchema, opts breezeflow.CompletionOptions) (breezeflow.Message, error) {
	if len(tools) > 0 {
		return breezeflow.NewAssistantMessage("", breezeflow.ToolCallRequest{
			ID:        "call_1",
			ToolName:  "echo",
			Arguments: map[string]any{"text": "hi"},
		}), nil
	}
	return breezeflow.NewAssistantMessage("final"), nil
})

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := breeze.DefaultConfig()
	b, err := breeze.New(context.Background(), cfg, breeze.WithGateway(echoGateway))
	require.NoError(t, err)
	ts := httptest.NewServer(newServer(b, cfg).routes())
	t.Cleanup(func() {
		ts.Close()
		b.Close()
	})
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func TestHealthAndTools(t *testing.T) {
	ts := newTestServer(t)

	code, body := do(t, ts, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["status"])

	code, body = do(t, ts, http.MethodGet, "/v1/tools", nil)
	require.Equal(t, http.StatusOK, code)
	var names []string
	for _, tool := range body["tools"].([]any) {
		names = append(names, tool.(map[string]any)["name"].(string))
	}
	require.Contains(t, names, "echo")
}

func TestStatelessAnswer(t *testing.T) {
	ts := newTestServer(t)

	code, body := do(t, ts, http.MethodPost, "/v1/answer", map[string]any{
		"query": "say hi",
		"history": []map[string]any{
			{"role": "user", "content": "hello"},
			{"role": "assistant", "content": "hi there"},
		},
	})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "final", body["answer"])
	require.Len(t, body["history"], 5)

	code, body = do(t, ts, http.MethodPost, "/v1/answer", map[string]any{})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, breezeflow.ErrCodeValidation, body["error"])
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t)

	code, body := do(t, ts, http.MethodPost, "/v1/sessions/s1/turns", map[string]any{"query": "say hi"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "final", body["answer"])

	code, body = do(t, ts, http.MethodGet, "/v1/sessions/s1/history", nil)
	require.Equal(t, http.StatusOK, code)
	history := body["history"].([]any)
	require.Len(t, history, 3)
	require.Equal(t, "echo: hi", history[1].(map[string]any)["content"])

	code, body = do(t, ts, http.MethodGet, "/v1/sessions", nil)
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body["sessions"], "s1")

	code, _ = do(t, ts, http.MethodDelete, "/v1/sessions/s1", nil)
	require.Equal(t, http.StatusNoContent, code)

	_, body = do(t, ts, http.MethodGet, "/v1/sessions/s1/history", nil)
	require.Empty(t, body["history"])
}

func TestAsyncTurns(t *testing.T) {
	ts := newTestServer(t)

	code, body := do(t, ts, http.MethodPost, "/v1/turns", map[string]any{"session_id": "s2", "query": "say hi"})
	require.Equal(t, http.StatusAccepted, code)
	id := body["turn_id"].(string)
	require.NotEmpty(t, id)

	code, body = do(t, ts, http.MethodGet, "/v1/turns/"+id+"/result?wait=2s", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "final", body["answer"])

	code, body = do(t, ts, http.MethodGet, "/v1/turns/"+id, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["is_complete"])

	code, body = do(t, ts, http.MethodDelete, "/v1/turns/"+id, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, body["cancelled"])

	code, _ = do(t, ts, http.MethodGet, "/v1/turns/missing", nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestStream(t *testing.T) {
	ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/s3/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"query": "say hi"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	seen := map[string]bool{}
	for !seen["answer"] {
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		seen[f.Type] = true
		if f.Type == "answer" {
			require.Equal(t, "final", f.Payload)
		}
		if f.Type != "answer" && f.Type != "error" {
			require.Equal(t, "s3", f.Metadata["session_id"])
		}
	}
	require.True(t, seen["turn_started"])
}

type streamingEchoGateway struct{ breezeflow.GatewayFunc }

func (g streamingEchoGateway) CompleteStream(ctx context.Context, msgs []breezeflow.Message, tools []breezeflow.ToolSchema, opts breezeflow.CompletionOptions, onDelta func(string)) (breezeflow.Message, error) {
	reply, err := g.Complete(ctx, msgs, tools, opts)
	if err == nil && reply.Content != "" {
		onDelta("fi")
		onDelta("nal")
	}
	return reply, err
}

func TestStream_AnswerDeltas(t *testing.T) {
	cfg := breeze.DefaultConfig()
	b, err := breeze.New(context.Background(), cfg, breeze.WithGateway(streamingEchoGateway{echoGateway}))
	require.NoError(t, err)
	ts := httptest.NewServer(newServer(b, cfg).routes())
	defer func() {
		ts.Close()
		b.Close()
	}()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/s4/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"query": "say hi"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	var streamed strings.Builder
	answered := false
	for !answered || streamed.String() != "final" {
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		switch f.Type {
		case "answer_delta":
			streamed.WriteString(f.Payload.(string))
			require.Equal(t, "s4", f.Metadata["session_id"])
		case "answer":
			require.Equal(t, "final", f.Payload)
			answered = true
		}
	}

	h, err := b.History(context.Background(), "s4")
	require.NoError(t, err)
	require.Equal(t, "final", h[len(h)-1].Content)
}

func TestStatusOf(t *testing.T) {
	require.Equal(t, http.StatusBadRequest, statusOf(breezeflow.NewValidationError("x", "bad", nil)))
	require.Equal(t, http.StatusConflict, statusOf(breezeflow.NewHistoryWriteConflictError("s", nil)))
	require.Equal(t, http.StatusServiceUnavailable, statusOf(breezeflow.NewGatewayUnavailableError("planning", nil)))
	require.Equal(t, http.StatusInternalServerError, statusOf(context.Canceled))
}
