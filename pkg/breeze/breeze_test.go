package breeze

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/breezeflow"
	"github.com/ZanzyTHEbar/breezeflow/internal/eventbus"
)

// scriptedGateway answers each pipeline stage by recognising its prompt.
type scriptedGateway struct {
	plan func(ctx context.Context) (breezeflow.Message, error)

	mu          sync.Mutex
	planCalls   int
	synthPrompt string
	metaPrompt  string
}

func (g *scriptedGateway) Complete(ctx context.Context, msgs []breezeflow.Message, tools []breezeflow.ToolSchema, opts breezeflow.CompletionOptions) (breezeflow.Message, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	text := msgs[len(msgs)-1].Content

	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case len(tools) > 0:
		g.planCalls++
		if g.plan == nil {
			return breezeflow.NewAssistantMessage("no tools needed"), nil
		}
		return g.plan(ctx)
	case strings.Contains(text, "背景資料"):
		g.synthPrompt = text
		return breezeflow.NewAssistantMessage("final answer"), nil
	case strings.Contains(text, "正在回答關於你自己"):
		g.metaPrompt = text
		return breezeflow.NewAssistantMessage("我是AI助理。"), nil
	default:
		for _, line := range strings.Split(text, "\n") {
			if q, ok := strings.CutPrefix(strings.TrimSpace(line), "原始問句："); ok {
				return breezeflow.NewAssistantMessage(q), nil
			}
		}
		return breezeflow.NewAssistantMessage(""), nil
	}
}

func toolCalls(calls ...breezeflow.ToolCallRequest) func(context.Context) (breezeflow.Message, error) {
	return func(context.Context) (breezeflow.Message, error) {
		return breezeflow.NewAssistantMessage("", calls...), nil
	}
}

func newTestBreeze(t *testing.T, gw breezeflow.Gateway, mutate func(*Config), opts ...Option) *Breeze {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Gateway.Timeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	b, err := New(context.Background(), cfg, append([]Option{WithGateway(gw)}, opts...)...)
	if err != nil {
		t.Fatalf("failed to assemble: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func historyLen(t *testing.T, b *Breeze, session string) int {
	t.Helper()
	h, err := b.History(context.Background(), session)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	return len(h)
}

func TestAnswerSession_DirectAnswer(t *testing.T) {
	gw := &scriptedGateway{}
	b := newTestBreeze(t, gw, nil)

	answer, err := b.AnswerSession(context.Background(), "s-a", "今天天氣如何？")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer != "final answer" {
		t.Errorf("unexpected answer %q", answer)
	}
	if !strings.Contains(gw.synthPrompt, "（無）") {
		t.Errorf("synthesis should run with no results:\n%s", gw.synthPrompt)
	}

	h, _ := b.History(context.Background(), "s-a")
	if len(h) != 2 || h[0].Role != breezeflow.RoleUser || h[1].Role != breezeflow.RoleAssistant {
		t.Fatalf("expected user+assistant, got %+v", h)
	}
	if h[0].Content != "今天天氣如何？" || len(h[1].ToolCalls) != 0 {
		t.Errorf("unexpected stored turn: %+v", h)
	}
}

func TestAnswerSession_EchoTool(t *testing.T) {
	gw := &scriptedGateway{plan: toolCalls(breezeflow.ToolCallRequest{ID: "call_1", ToolName: "echo", Arguments: map[string]any{"text": "hi"}})}
	b := newTestBreeze(t, gw, nil)

	if _, err := b.AnswerSession(context.Background(), "s-b", "say hi"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(gw.synthPrompt, "1. echo: hi") {
		t.Errorf("tool result missing from synthesis prompt:\n%s", gw.synthPrompt)
	}

	h, _ := b.History(context.Background(), "s-b")
	if len(h) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(h))
	}
	tool, assistant := h[1], h[2]
	if tool.Role != breezeflow.RoleTool || tool.ToolCallID != "call_1" || tool.Content != "echo: hi" || tool.Name != "echo" {
		t.Errorf("unexpected tool message: %+v", tool)
	}
	if len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].ID != "call_1" {
		t.Errorf("assistant must carry the turn's calls: %+v", assistant)
	}
	if err := h.Validate(); err != nil {
		t.Errorf("stored history invalid: %v", err)
	}
	if m := b.ExecutorMetrics(); m.CallsSuccessful != 1 {
		t.Errorf("unexpected metrics: %+v", m)
	}
}

func TestAnswerSession_UnknownToolDegrades(t *testing.T) {
	gw := &scriptedGateway{plan: toolCalls(breezeflow.ToolCallRequest{ID: "call_x", ToolName: "nonexistent"})}
	b := newTestBreeze(t, gw, nil)

	answer, err := b.AnswerSession(context.Background(), "s-c", "do the impossible")
	if err != nil {
		t.Fatalf("unknown tool must not be fatal: %v", err)
	}
	if answer == "" {
		t.Error("expected a degraded answer")
	}
	if !strings.Contains(gw.synthPrompt, "[ToolError] ToolNotFound: tool 'nonexistent' not found") {
		t.Errorf("error result missing from synthesis prompt:\n%s", gw.synthPrompt)
	}

	h, _ := b.History(context.Background(), "s-c")
	if len(h) != 3 || !strings.HasPrefix(h[1].Content, breezeflow.ToolErrorPrefix) {
		t.Errorf("unexpected history: %+v", h)
	}
}

func TestAnswerSession_PlanningTimeout(t *testing.T) {
	gw := &scriptedGateway{plan: func(ctx context.Context) (breezeflow.Message, error) {
		<-ctx.Done()
		return breezeflow.Message{}, breezeflow.NewGatewayUnavailableError("gateway", ctx.Err())
	}}
	var mu sync.Mutex
	var trail []breezeflow.TurnState
	hook := func(tc *breezeflow.TurnContext, from, to breezeflow.TurnState) {
		mu.Lock()
		trail = append(trail, to)
		mu.Unlock()
	}
	b := newTestBreeze(t, gw, func(c *Config) { c.Gateway.Timeout = 50 * time.Millisecond }, WithTransitionHook(hook))

	_, err := b.AnswerSession(context.Background(), "s-d", "台北天氣")
	if !errors.Is(err, breezeflow.ErrGatewayUnavailable) {
		t.Fatalf("expected gateway unavailable, got %v", err)
	}
	if n := historyLen(t, b, "s-d"); n != 0 {
		t.Errorf("history must be unchanged, has %d messages", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(trail) == 0 || trail[len(trail)-1] != breezeflow.StateErrored {
		t.Errorf("expected turn to end errored, trail %v", trail)
	}
}

func TestMetaRouting(t *testing.T) {
	gw := &scriptedGateway{}
	b := newTestBreeze(t, gw, func(c *Config) { c.Orchestrator.EnableMetaRouting = true })

	answer, err := b.AnswerSession(context.Background(), "s-m", "你是誰？")
	if err != nil {
		t.Fatal(err)
	}
	if answer != "我是AI助理。" || gw.planCalls != 0 {
		t.Errorf("meta question must skip planning: answer %q, plan calls %d", answer, gw.planCalls)
	}
	if !strings.Contains(gw.metaPrompt, "- echo:") {
		t.Errorf("meta prompt should list tools:\n%s", gw.metaPrompt)
	}
	if n := historyLen(t, b, "s-m"); n != 2 {
		t.Errorf("expected 2 messages, got %d", n)
	}
}

func TestEventsCarrySession(t *testing.T) {
	gw := &scriptedGateway{plan: toolCalls(breezeflow.ToolCallRequest{ID: "call_1", ToolName: "echo", Arguments: map[string]any{"text": "hi"}})}
	b := newTestBreeze(t, gw, nil)

	var mu sync.Mutex
	sessions := map[eventbus.EventType]string{}
	done := make(chan struct{})
	var once sync.Once
	id, err := b.Subscribe(func(ctx context.Context, e eventbus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		sessions[e.Type()], _ = e.Metadata()["session_id"].(string)
		if e.Type() == eventbus.EventTurnCompleted {
			once.Do(func() { close(done) })
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Unsubscribe(id)

	if _, err := b.AnswerSession(context.Background(), "s-e", "say hi"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("turn_completed not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, et := range []eventbus.EventType{eventbus.EventRewriteSuccess, eventbus.EventToolCallSuccess, eventbus.EventTurnCompleted} {
		if sessions[et] != "s-e" {
			t.Errorf("%s missing session_id: %q", et, sessions[et])
		}
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gateway.HostType = "unknown"
	if _, err := New(context.Background(), cfg, WithGateway(&scriptedGateway{})); !errors.Is(err, &breezeflow.BreezeError{Code: breezeflow.ErrCodeConfiguration}) {
		t.Errorf("expected configuration error, got %v", err)
	}
}
