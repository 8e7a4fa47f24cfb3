package synthesis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/breezeflow"
	"github.com/ZanzyTHEbar/breezeflow/internal/eventbus"
	"github.com/ZanzyTHEbar/breezeflow/internal/prompt"
)

type fakeGateway struct {
	reply string
	err   error
	text  string
}

func (g *fakeGateway) Complete(ctx context.Context, msgs []breezeflow.Message, tools []breezeflow.ToolSchema, opts breezeflow.CompletionOptions) (breezeflow.Message, error) {
	g.text = msgs[len(msgs)-1].Content
	if g.err != nil {
		return breezeflow.Message{}, g.err
	}
	return breezeflow.NewAssistantMessage(g.reply), nil
}

func result(id, tool, payload string) breezeflow.ToolCallResult {
	return breezeflow.NewOKResult(breezeflow.ToolCallRequest{ID: id, ToolName: tool}, payload, 0)
}

func TestSynthesize_SingleTool(t *testing.T) {
	gw := &fakeGateway{reply: " 明天臺北多雲。 "}
	g := New(gw, prompt.MustDefault())

	answer, err := g.Synthesize(context.Background(), breezeflow.SynthesisInput{
		OriginalQuery:  "那明天呢？",
		RewrittenQuery: "臺北市明天的天氣如何？",
		Results:        []breezeflow.ToolCallResult{result("c1", "get_weather", `{"weather":"多雲"}`)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer != "明天臺北多雲。" {
		t.Errorf("unexpected answer %q", answer)
	}

	expert, _ := prompt.MustDefault().Expert("get_weather")
	for _, want := range []string{"原始問題：臺北市明天的天氣如何？", `1. {"weather":"多雲"}`, expert} {
		if !strings.Contains(gw.text, want) {
			t.Errorf("prompt missing %q:\n%s", want, gw.text)
		}
	}
	if strings.Contains(gw.text, prompt.MustDefault().MultiTool()) {
		t.Error("single tool prompt must not ask for integration")
	}
}

func TestSynthesize_MultiToolAndErrors(t *testing.T) {
	gw := &fakeGateway{reply: "ok"}
	failed := breezeflow.NewErrorResult(breezeflow.ToolCallRequest{ID: "c2", ToolName: "stock_price"},
		breezeflow.NewToolNotFoundError("planning", "stock_price"), 0)

	_, err := New(gw, prompt.MustDefault()).Synthesize(context.Background(), breezeflow.SynthesisInput{
		OriginalQuery: "台北天氣和台積電股價",
		Results: []breezeflow.ToolCallResult{
			result("c1", "get_weather", "晴"),
			failed,
			result("c3", "get_weather", "雨"),
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{
		prompt.MustDefault().MultiTool(),
		"1. 晴",
		"2. [ToolError] ToolNotFound: tool 'stock_price' not found",
		"3. 雨",
		"原始問題：台北天氣和台積電股價",
	} {
		if !strings.Contains(gw.text, want) {
			t.Errorf("prompt missing %q:\n%s", want, gw.text)
		}
	}
}

func TestSynthesize_NoResults(t *testing.T) {
	gw := &fakeGateway{reply: "你好！"}
	answer, err := New(gw, prompt.MustDefault()).Synthesize(context.Background(), breezeflow.SynthesisInput{OriginalQuery: "你好"})
	if err != nil || answer != "你好！" {
		t.Fatalf("unexpected outcome %q, %v", answer, err)
	}
}

func TestSynthesize_Meta(t *testing.T) {
	gw := &fakeGateway{reply: "我是助理。"}
	_, err := New(gw, prompt.MustDefault()).Synthesize(context.Background(), breezeflow.SynthesisInput{
		OriginalQuery: "你是誰？",
		Meta:          true,
		Tools:         []breezeflow.ToolSchema{{Name: "calculator", Description: "Evaluate arithmetic"}},
		History:       breezeflow.History{breezeflow.NewUserMessage("你好"), breezeflow.NewAssistantMessage("嗨")},
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"- calculator: Evaluate arithmetic", "你是誰？", "使用者: 你好"} {
		if !strings.Contains(gw.text, want) {
			t.Errorf("meta prompt missing %q:\n%s", want, gw.text)
		}
	}
}

func TestSynthesize_GatewayFailures(t *testing.T) {
	_, err := New(&fakeGateway{err: errors.New("down")}, prompt.MustDefault()).Synthesize(context.Background(), breezeflow.SynthesisInput{OriginalQuery: "q"})
	if !errors.Is(err, breezeflow.ErrGatewayUnavailable) {
		t.Errorf("expected gateway unavailable, got %v", err)
	}

	_, err = New(&fakeGateway{reply: "  "}, prompt.MustDefault()).Synthesize(context.Background(), breezeflow.SynthesisInput{OriginalQuery: "q"})
	if !errors.Is(err, breezeflow.ErrGatewayMalformedOutput) {
		t.Errorf("expected malformed output for empty answer, got %v", err)
	}
}

type streamingGateway struct {
	fakeGateway
	chunks []string
}

func (g *streamingGateway) CompleteStream(ctx context.Context, msgs []breezeflow.Message, tools []breezeflow.ToolSchema, opts breezeflow.CompletionOptions, onDelta func(string)) (breezeflow.Message, error) {
	for _, c := range g.chunks {
		onDelta(c)
	}
	return breezeflow.NewAssistantMessage(strings.Join(g.chunks, "")), nil
}

func TestSynthesize_StreamsDeltas(t *testing.T) {
	bus := eventbus.NewChannelEventBus()
	defer bus.Close()

	var mu sync.Mutex
	var got []string
	var turns []string
	var wg sync.WaitGroup
	wg.Add(3)
	_, err := bus.Subscribe([]eventbus.EventType{eventbus.EventSynthesisDelta}, func(ctx context.Context, e eventbus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Payload().(string))
		turns = append(turns, eventbus.TurnID(e))
		wg.Done()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	gw := &streamingGateway{chunks: []string{"明天", "臺北", "多雲。 "}}
	ctx := breezeflow.WithTurnInfo(context.Background(), breezeflow.TurnInfo{TurnID: "t1", SessionID: "s1"})
	answer, err := New(gw, prompt.MustDefault(), WithEventBus(bus)).Synthesize(ctx, breezeflow.SynthesisInput{
		OriginalQuery: "明天天氣？",
		Results:       []breezeflow.ToolCallResult{result("c1", "get_weather", `{"weather":"多雲"}`)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer != "明天臺北多雲。" {
		t.Errorf("unexpected answer %q", answer)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deltas not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(got, "|") != "明天|臺北|多雲。 " {
		t.Errorf("unexpected deltas %q", got)
	}
	for _, id := range turns {
		if id != "t1" {
			t.Errorf("delta missing turn metadata: %v", turns)
		}
	}
}

func TestSynthesize_NoBusDoesNotStream(t *testing.T) {
	gw := &streamingGateway{fakeGateway: fakeGateway{reply: "plain"}, chunks: []string{"streamed"}}
	answer, err := New(gw, prompt.MustDefault()).Synthesize(context.Background(), breezeflow.SynthesisInput{OriginalQuery: "q"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer != "plain" {
		t.Errorf("expected the non-streaming path, got %q", answer)
	}
}
