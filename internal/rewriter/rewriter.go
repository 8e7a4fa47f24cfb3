// Package rewriter turns a follow-up utterance into a standalone query using
// the recent conversation.
package rewriter

import (
	"context"
	"strings"

	"github.com/ZanzyTHEbar/breezeflow"
	"github.com/ZanzyTHEbar/breezeflow/internal/cache"
	"github.com/ZanzyTHEbar/breezeflow/internal/prompt"
	"goa.design/clue/log"
)

// DefaultWindow is the number of trailing history messages shown to the model.
const DefaultWindow = 6

// QueryRewriter asks the model once per turn to rewrite the raw query. It
// never fails: any problem yields the raw query unchanged.
type QueryRewriter struct {
	gateway breezeflow.Gateway
	prompts *prompt.Registry
	window  int
	opts    breezeflow.CompletionOptions
	cache   breezeflow.Cache
}

var _ breezeflow.Rewriter = (*QueryRewriter)(nil)

// Option configures a QueryRewriter.
type Option func(*QueryRewriter)

// WithWindow sets how many trailing history messages are used.
func WithWindow(n int) Option {
	return func(r *QueryRewriter) {
		if n > 0 {
			r.window = n
		}
	}
}

// WithCache memoises rewrites by history window and query.
func WithCache(c breezeflow.Cache) Option {
	return func(r *QueryRewriter) {
		r.cache = c
	}
}

// WithCompletionOptions sets the options of the rewrite call.
func WithCompletionOptions(opts breezeflow.CompletionOptions) Option {
	return func(r *QueryRewriter) {
		r.opts = opts
	}
}

// New creates a rewriter.
func New(gateway breezeflow.Gateway, prompts *prompt.Registry, opts ...Option) *QueryRewriter {
	r := &QueryRewriter{
		gateway: gateway,
		prompts: prompts,
		window:  DefaultWindow,
		opts:    breezeflow.DefaultCompletionOptions(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rewrite returns a standalone version of raw. History is only read.
func (r *QueryRewriter) Rewrite(ctx context.Context, raw string, history breezeflow.History) (string, error) {
	raw = strings.TrimSpace(raw)
	transcript := history.Window(r.window).Transcript()

	key := cache.Key("rewrite", transcript, raw)
	if r.cache != nil {
		if v, err := r.cache.Get(ctx, key); err == nil {
			if s, ok := v.(string); ok && s != "" {
				log.Debug(ctx, log.KV{K: "msg", V: "rewrite cache hit"})
				return s, nil
			}
		}
	}

	text, err := r.prompts.Render(prompt.Rewrite, prompt.RewriteData{History: transcript, Query: raw})
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "rewrite prompt failed, keeping raw query"})
		return raw, nil
	}

	reply, err := r.gateway.Complete(ctx, []breezeflow.Message{breezeflow.NewUserMessage(text)}, nil, r.opts)
	if err != nil {
		log.Warn(ctx,
			log.KV{K: "msg", V: "rewrite failed, keeping raw query"},
			log.KV{K: "err", V: err.Error()})
		return raw, nil
	}

	rewritten := clean(reply.Content)
	if rewritten == "" {
		log.Warn(ctx, log.KV{K: "msg", V: "rewrite returned empty text, keeping raw query"})
		return raw, nil
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, key, rewritten); err != nil {
			log.Debug(ctx, log.KV{K: "msg", V: "rewrite not cached"}, log.KV{K: "err", V: err.Error()})
		}
	}
	log.Debug(ctx,
		log.KV{K: "msg", V: "query rewritten"},
		log.KV{K: "raw", V: raw},
		log.KV{K: "rewritten", V: rewritten})
	return rewritten, nil
}

// clean strips whitespace and a single pair of wrapping quotes.
func clean(s string) string {
	s = strings.TrimSpace(s)
	for _, pair := range [][2]string{{`"`, `"`}, {"「", "」"}, {"“", "”"}, {"'", "'"}} {
		if len(s) >= len(pair[0])+len(pair[1]) && strings.HasPrefix(s, pair[0]) && strings.HasSuffix(s, pair[1]) {
			s = strings.TrimSpace(s[len(pair[0]) : len(s)-len(pair[1])])
			break
		}
	}
	return s
}
