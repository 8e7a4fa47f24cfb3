// Package planner asks the model which tools to call for a query and
// normalises its reply into a Plan.
package planner

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/ZanzyTHEbar/breezeflow"
	"github.com/ZanzyTHEbar/breezeflow/internal/cache"
	"github.com/ZanzyTHEbar/breezeflow/internal/prompt"
	"github.com/google/uuid"
	"goa.design/clue/log"
)

const stage = "planning"

// ToolPlanner produces a Plan from one structured-generation request.
type ToolPlanner struct {
	gateway breezeflow.Gateway
	prompts *prompt.Registry
	opts    breezeflow.CompletionOptions
	cache   breezeflow.Cache
	window  int
}

var _ breezeflow.Planner = (*ToolPlanner)(nil)

// Option configures a ToolPlanner.
type Option func(*ToolPlanner)

// WithCache reuses plans for the same query and tool set.
func WithCache(c breezeflow.Cache) Option {
	return func(p *ToolPlanner) {
		p.cache = c
	}
}

// WithCompletionOptions sets the options of the planning call.
func WithCompletionOptions(opts breezeflow.CompletionOptions) Option {
	return func(p *ToolPlanner) {
		p.opts = opts
	}
}

// WithHistoryWindow bounds the transcript included in the planning prompt.
func WithHistoryWindow(n int) Option {
	return func(p *ToolPlanner) {
		if n > 0 {
			p.window = n
		}
	}
}

// New creates a planner.
func New(gateway breezeflow.Gateway, prompts *prompt.Registry, opts ...Option) *ToolPlanner {
	p := &ToolPlanner{
		gateway: gateway,
		prompts: prompts,
		opts:    breezeflow.DefaultCompletionOptions(),
		window:  10,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan implements breezeflow.Planner. Gateway failures and malformed tool
// calls are returned; unknown tool names end up in Plan.Rejected.
func (p *ToolPlanner) Plan(ctx context.Context, query string, tools []breezeflow.ToolSchema, history breezeflow.History) (breezeflow.Plan, error) {
	transcript := history.Window(p.window).Transcript()
	key := p.cacheKey(query, tools, transcript)
	if plan, ok := p.cached(ctx, key); ok {
		log.Debug(ctx, log.KV{K: "msg", V: "plan cache hit"}, log.KV{K: "calls", V: plan.Size()})
		return plan, nil
	}

	system, err := p.prompts.Render(prompt.Plan, prompt.PlanData{
		Tools:   tools,
		History: transcript,
		Query:   query,
	})
	if err != nil {
		return breezeflow.Plan{}, err
	}
	messages := []breezeflow.Message{
		breezeflow.NewSystemMessage(system),
		breezeflow.NewUserMessage(query),
	}

	reply, err := p.gateway.Complete(ctx, messages, tools, p.opts)
	if err != nil {
		if breezeflow.IsBreezeError(err) {
			return breezeflow.Plan{}, err
		}
		return breezeflow.Plan{}, breezeflow.NewGatewayUnavailableError(stage, err)
	}

	plan := Normalize(reply, tools)
	log.Info(ctx,
		log.KV{K: "msg", V: "plan generated"},
		log.KV{K: "calls", V: plan.Size()},
		log.KV{K: "rejected", V: len(plan.Rejected)})

	p.store(ctx, key, plan)
	return plan, nil
}

// Normalize turns a model reply into a Plan: every call gets a unique ID
// and non-nil arguments, and calls naming unregistered tools are pre-failed.
// A reply without tool calls yields an empty plan carrying the text.
func Normalize(reply breezeflow.Message, tools []breezeflow.ToolSchema) breezeflow.Plan {
	known := make(map[string]bool, len(tools))
	for _, t := range tools {
		known[t.Name] = true
	}

	plan := breezeflow.Plan{}
	seen := make(map[string]bool, len(reply.ToolCalls))
	for _, c := range reply.ToolCalls {
		call := breezeflow.ToolCallRequest{
			ID:        strings.TrimSpace(c.ID),
			ToolName:  strings.TrimSpace(c.ToolName),
			Arguments: c.Arguments,
		}
		if call.ID == "" || seen[call.ID] {
			call.ID = newCallID()
		}
		seen[call.ID] = true
		if call.Arguments == nil {
			call.Arguments = map[string]any{}
		}
		plan.Calls = append(plan.Calls, call)

		if !known[call.ToolName] {
			if plan.Rejected == nil {
				plan.Rejected = make(map[string]breezeflow.ToolCallResult)
			}
			plan.Rejected[call.ID] = breezeflow.NewErrorResult(call, breezeflow.NewToolNotFoundError(stage, call.ToolName), 0)
		}
	}

	if plan.IsEmpty() {
		plan.Direct = strings.TrimSpace(reply.Content)
	}
	return plan
}

func newCallID() string {
	return "call_" + uuid.New().String()
}

// cacheKey covers everything the planning prompt depends on.
func (p *ToolPlanner) cacheKey(query string, tools []breezeflow.ToolSchema, transcript string) string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return cache.Key("plan", query, strings.Join(names, ","), transcript)
}

func (p *ToolPlanner) cached(ctx context.Context, key string) (breezeflow.Plan, bool) {
	if p.cache == nil {
		return breezeflow.Plan{}, false
	}
	v, err := p.cache.Get(ctx, key)
	if err != nil {
		return breezeflow.Plan{}, false
	}
	raw, ok := v.(string)
	if !ok {
		return breezeflow.Plan{}, false
	}
	var plan breezeflow.Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		log.Debug(ctx, log.KV{K: "msg", V: "discarding unreadable cached plan"}, log.KV{K: "err", V: err.Error()})
		return breezeflow.Plan{}, false
	}
	return refresh(plan), true
}

func (p *ToolPlanner) store(ctx context.Context, key string, plan breezeflow.Plan) {
	if p.cache == nil {
		return
	}
	b, err := json.Marshal(plan)
	if err != nil {
		return
	}
	if err := p.cache.Set(ctx, key, string(b)); err != nil {
		log.Debug(ctx, log.KV{K: "msg", V: "plan not cached"}, log.KV{K: "err", V: err.Error()})
	}
}

// refresh gives a cached plan fresh call IDs so they never repeat across turns.
func refresh(plan breezeflow.Plan) breezeflow.Plan {
	out := breezeflow.Plan{Direct: plan.Direct}
	for _, c := range plan.Calls {
		old := c.ID
		c.ID = newCallID()
		if c.Arguments == nil {
			c.Arguments = map[string]any{}
		}
		out.Calls = append(out.Calls, c)
		if rejected, ok := plan.Rejected[old]; ok {
			if out.Rejected == nil {
				out.Rejected = make(map[string]breezeflow.ToolCallResult)
			}
			rejected.RequestID = c.ID
			out.Rejected[c.ID] = rejected
		}
	}
	return out
}
