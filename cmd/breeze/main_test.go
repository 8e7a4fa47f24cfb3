package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/ZanzyTHEbar/breezeflow"
	"github.com/ZanzyTHEbar/breezeflow/internal/eventbus"
	"github.com/ZanzyTHEbar/breezeflow/pkg/breeze"
	"github.com/stretchr/testify/require"
)

func TestREPL(t *testing.T) {
	gw := breezeflow.GatewayFunc(func(ctx context.Context, msgs []breezeflow.Message, tools []breezeflow.ToolSchema, opts breezeflow.CompletionOptions) (breezeflow.Message, error) {
		if len(tools) > 0 {
			return breezeflow.NewAssistantMessage("", breezeflow.ToolCallRequest{ID: "call_1", ToolName: "echo", Arguments: map[string]any{"text": "hi"}}), nil
		}
		return breezeflow.NewAssistantMessage("final"), nil
	})
	b, err := breeze.New(context.Background(), breeze.DefaultConfig(), breeze.WithGateway(gw))
	require.NoError(t, err)
	defer b.Close()

	var out bytes.Buffer
	c := &client{b: b, session: "repl", out: &out}
	c.repl(context.Background(), strings.NewReader("/tools\nsay hi\n/history\n/reset\n/history\n/bogus\n/exit\nnever asked\n"))

	text := out.String()
	require.Contains(t, text, "echo")
	require.Contains(t, text, "final\n")
	require.Contains(t, text, "[tool] echo: hi")
	require.Contains(t, text, "[assistant] final (tools: echo)")
	require.Contains(t, text, "session cleared")
	require.Contains(t, text, "unknown command /bogus")
	require.NotContains(t, text, "never asked")
}

func TestProgressPrinter(t *testing.T) {
	var out bytes.Buffer
	handle := progressPrinter(&out, "s1")

	ctx := context.Background()
	require.NoError(t, handle(ctx, eventbus.NewEvent(eventbus.EventStageEntered, "planning", "test", map[string]any{"session_id": "s1"})))
	require.NoError(t, handle(ctx, eventbus.NewEvent(eventbus.EventToolCallStarted, nil, "test", map[string]any{"session_id": "s1", "tool": "echo"})))
	require.NoError(t, handle(ctx, eventbus.NewEvent(eventbus.EventStageEntered, "executing", "test", map[string]any{"session_id": "other"})))

	require.Equal(t, "  … planning\n  → echo\n", out.String())
}

type streamingGateway struct{ breezeflow.GatewayFunc }

func (g streamingGateway) CompleteStream(ctx context.Context, msgs []breezeflow.Message, tools []breezeflow.ToolSchema, opts breezeflow.CompletionOptions, onDelta func(string)) (breezeflow.Message, error) {
	onDelta("明天")
	onDelta("多雲")
	return breezeflow.NewAssistantMessage("明天多雲"), nil
}

func TestAsk_PrintsStreamedAnswerOnce(t *testing.T) {
	gw := streamingGateway{breezeflow.GatewayFunc(func(ctx context.Context, msgs []breezeflow.Message, tools []breezeflow.ToolSchema, opts breezeflow.CompletionOptions) (breezeflow.Message, error) {
		if len(tools) > 0 {
			return breezeflow.NewAssistantMessage("", breezeflow.ToolCallRequest{ID: "call_1", ToolName: "echo", Arguments: map[string]any{"text": "hi"}}), nil
		}
		return breezeflow.NewAssistantMessage("明天多雲"), nil
	})}
	b, err := breeze.New(context.Background(), breeze.DefaultConfig(), breeze.WithGateway(gw))
	require.NoError(t, err)
	defer b.Close()

	var out bytes.Buffer
	c := &client{b: b, session: "stream", out: &out}
	require.NoError(t, c.ask(context.Background(), "明天天氣？"))
	require.Equal(t, "明天多雲\n", out.String())

	h, err := b.History(context.Background(), "stream")
	require.NoError(t, err)
	require.Equal(t, "明天多雲", h[len(h)-1].Content)
}
