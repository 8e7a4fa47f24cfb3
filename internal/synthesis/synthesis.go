// Package synthesis turns tool results into the final answer.
package synthesis

import (
	"context"
	"strings"

	"github.com/ZanzyTHEbar/breezeflow"
	"github.com/ZanzyTHEbar/breezeflow/internal/eventbus"
	"github.com/ZanzyTHEbar/breezeflow/internal/prompt"
	"goa.design/clue/log"
)

const stage = "synthesizing"

// Generator makes one gateway call per turn.
type Generator struct {
	gateway breezeflow.Gateway
	prompts *prompt.Registry
	opts    breezeflow.CompletionOptions
	window  int
	bus     eventbus.EventBus
}

var _ breezeflow.Synthesizer = (*Generator)(nil)

// Option configures a Generator.
type Option func(*Generator)

// WithCompletionOptions sets the options of the synthesis call.
func WithCompletionOptions(opts breezeflow.CompletionOptions) Option {
	return func(g *Generator) {
		g.opts = opts
	}
}

// WithHistoryWindow bounds the transcript shown for meta questions.
func WithHistoryWindow(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.window = n
		}
	}
}

// WithEventBus streams the answer as answer_delta events when the gateway
// supports streaming. Only the final text is returned either way.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(g *Generator) {
		g.bus = bus
	}
}

// New creates a synthesis generator.
func New(gateway breezeflow.Gateway, prompts *prompt.Registry, opts ...Option) *Generator {
	g := &Generator{
		gateway: gateway,
		prompts: prompts,
		opts:    breezeflow.DefaultCompletionOptions(),
		window:  10,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Synthesize implements breezeflow.Synthesizer.
func (g *Generator) Synthesize(ctx context.Context, in breezeflow.SynthesisInput) (string, error) {
	text, err := g.Prompt(in)
	if err != nil {
		return "", err
	}

	reply, err := g.complete(ctx, []breezeflow.Message{breezeflow.NewUserMessage(text)})
	if err != nil {
		if breezeflow.IsBreezeError(err) {
			return "", err
		}
		return "", breezeflow.NewGatewayUnavailableError(stage, err)
	}

	answer := strings.TrimSpace(reply.Content)
	if answer == "" {
		return "", breezeflow.NewGatewayMalformedOutputError(stage, "model returned an empty answer", nil)
	}
	log.Debug(ctx,
		log.KV{K: "msg", V: "answer synthesized"},
		log.KV{K: "results", V: len(in.Results)},
		log.KV{K: "meta", V: in.Meta})
	return answer, nil
}

func (g *Generator) complete(ctx context.Context, messages []breezeflow.Message) (breezeflow.Message, error) {
	sg, ok := g.gateway.(breezeflow.StreamingGateway)
	if !ok || g.bus == nil {
		return g.gateway.Complete(ctx, messages, nil, g.opts)
	}

	meta := breezeflow.TurnInfoFrom(ctx).Metadata()
	seq := 0
	return sg.CompleteStream(ctx, messages, nil, g.opts, func(chunk string) {
		m := map[string]any{"seq": seq}
		for k, v := range meta {
			m[k] = v
		}
		seq++
		if err := g.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventSynthesisDelta, chunk, "Synthesizer", m)); err != nil {
			log.Debug(ctx, log.KV{K: "msg", V: "answer delta not published"}, log.KV{K: "err", V: err.Error()})
		}
	})
}

// Prompt renders the synthesis prompt for in.
func (g *Generator) Prompt(in breezeflow.SynthesisInput) (string, error) {
	query := in.RewrittenQuery
	if strings.TrimSpace(query) == "" {
		query = in.OriginalQuery
	}

	if in.Meta {
		return g.prompts.Render(prompt.Meta, prompt.MetaData{
			Tools:   in.Tools,
			History: in.History.Window(g.window).Transcript(),
			Query:   query,
		})
	}

	results := make([]string, 0, len(in.Results))
	for _, r := range in.Results {
		results = append(results, r.Text())
	}
	return g.prompts.Render(prompt.Synthesize, prompt.SynthesisData{
		Instructions: g.instructions(usedTools(in.Results)),
		Query:        query,
		Results:      results,
	})
}

// instructions joins the common prompts, the multi-tool instruction and the
// expert prompt of every tool used.
func (g *Generator) instructions(tools []string) string {
	parts := g.prompts.Common()
	if len(tools) > 1 {
		parts = append(parts, g.prompts.MultiTool(), "")
	}
	for _, t := range tools {
		if expert, ok := g.prompts.Expert(t); ok {
			parts = append(parts, expert, "")
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// usedTools returns the distinct tool names of results in first-seen order.
func usedTools(results []breezeflow.ToolCallResult) []string {
	seen := make(map[string]bool, len(results))
	var out []string
	for _, r := range results {
		if r.ToolName == "" || seen[r.ToolName] {
			continue
		}
		seen[r.ToolName] = true
		out = append(out, r.ToolName)
	}
	return out
}
