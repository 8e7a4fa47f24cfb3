// Package router decides whether a query is a meta question about the
// assistant or the conversation, which is answered without tools.
package router

import (
	"context"
	"strings"

	"github.com/ZanzyTHEbar/breezeflow"
	"github.com/ZanzyTHEbar/breezeflow/internal/prompt"
	"goa.design/clue/log"
)

// DefaultKeywords mark a query as meta without asking the model.
var DefaultKeywords = []string{
	"你是誰", "你的能力", "怎麼使用", "如何使用", "總結對話", "重述",
	"解釋你的步驟", "為什麼這樣回答", "系統說明", "關於你", "幫我摘要",
	"幫我規劃", "請推薦", "請建議", "假如", "假設性問題",
}

// MetaRouter matches keywords first and optionally asks the model to
// classify the remaining queries as META or TASK.
type MetaRouter struct {
	keywords []string
	gateway  breezeflow.Gateway
	prompts  *prompt.Registry
	opts     breezeflow.CompletionOptions
}

var _ breezeflow.MetaRouter = (*MetaRouter)(nil)

// Option configures a MetaRouter.
type Option func(*MetaRouter)

// WithKeywords replaces the keyword list.
func WithKeywords(keywords ...string) Option {
	return func(r *MetaRouter) {
		r.keywords = keywords
	}
}

// WithLLMCheck classifies queries without a keyword hit through gateway.
func WithLLMCheck(gateway breezeflow.Gateway, prompts *prompt.Registry) Option {
	return func(r *MetaRouter) {
		r.gateway = gateway
		r.prompts = prompts
	}
}

// WithCompletionOptions sets the options of the classification call.
func WithCompletionOptions(opts breezeflow.CompletionOptions) Option {
	return func(r *MetaRouter) {
		r.opts = opts
	}
}

// New creates a router using the default keywords and no model check.
func New(opts ...Option) *MetaRouter {
	r := &MetaRouter{
		keywords: DefaultKeywords,
		opts:     breezeflow.CompletionOptions{Timeout: breezeflow.DefaultCompletionOptions().Timeout, MaxOutputTokens: 8, Temperature: 0},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsMeta reports whether query is about the assistant itself. Classification
// failures count as TASK.
func (r *MetaRouter) IsMeta(ctx context.Context, query string) bool {
	q := strings.TrimSpace(query)
	if q == "" {
		return false
	}
	for _, k := range r.keywords {
		if k != "" && strings.Contains(q, k) {
			log.Debug(ctx, log.KV{K: "msg", V: "meta keyword matched"}, log.KV{K: "keyword", V: k})
			return true
		}
	}
	if r.gateway == nil || r.prompts == nil {
		return false
	}

	text, err := r.prompts.Render(prompt.MetaCheck, prompt.MetaData{Query: q})
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "meta check prompt failed"})
		return false
	}
	reply, err := r.gateway.Complete(ctx, []breezeflow.Message{breezeflow.NewUserMessage(text)}, nil, r.opts)
	if err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "meta check failed, treating query as task"}, log.KV{K: "err", V: err.Error()})
		return false
	}
	label := strings.ToUpper(strings.TrimSpace(reply.Content))
	return strings.HasPrefix(label, "META")
}
