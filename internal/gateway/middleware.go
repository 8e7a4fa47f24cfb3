package gateway

import (
	"context"
	"time"

	"github.com/ZanzyTHEbar/breezeflow"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
	"golang.org/x/time/rate"
)

// Middleware wraps a gateway with additional behavior.
type Middleware func(breezeflow.Gateway) breezeflow.Gateway

// Chain applies middlewares so that the first one is outermost. Streaming
// support of g survives the chain.
func Chain(g breezeflow.Gateway, middlewares ...Middleware) breezeflow.Gateway {
	for i := len(middlewares) - 1; i >= 0; i-- {
		g = middlewares[i](g)
	}
	return g
}

// around runs invoke, the wrapped completion, with extra behavior.
type around func(ctx context.Context, messages []breezeflow.Message, tools []breezeflow.ToolSchema, invoke func(context.Context) (breezeflow.Message, error)) (breezeflow.Message, error)

// wrap builds a gateway that applies fn to every completion of next. The
// result streams whenever next does.
func wrap(next breezeflow.Gateway, fn around) breezeflow.Gateway {
	w := &wrapped{next: next, fn: fn}
	if _, ok := next.(breezeflow.StreamingGateway); ok {
		return streamingWrapped{w}
	}
	return w
}

type wrapped struct {
	next breezeflow.Gateway
	fn   around
}

func (w *wrapped) Complete(ctx context.Context, messages []breezeflow.Message, tools []breezeflow.ToolSchema, opts breezeflow.CompletionOptions) (breezeflow.Message, error) {
	return w.fn(ctx, messages, tools, func(ctx context.Context) (breezeflow.Message, error) {
		return w.next.Complete(ctx, messages, tools, opts)
	})
}

type streamingWrapped struct{ *wrapped }

func (w streamingWrapped) CompleteStream(ctx context.Context, messages []breezeflow.Message, tools []breezeflow.ToolSchema, opts breezeflow.CompletionOptions, onDelta func(string)) (breezeflow.Message, error) {
	next := w.next.(breezeflow.StreamingGateway)
	return w.fn(ctx, messages, tools, func(ctx context.Context) (breezeflow.Message, error) {
		return next.CompleteStream(ctx, messages, tools, opts, onDelta)
	})
}

// RateLimited blocks callers until the limiter admits the request. A
// non-positive rps disables limiting.
func RateLimited(rps float64, burst int) Middleware {
	return func(next breezeflow.Gateway) breezeflow.Gateway {
		if rps <= 0 {
			return next
		}
		if burst <= 0 {
			burst = 1
		}
		limiter := rate.NewLimiter(rate.Limit(rps), burst)
		return wrap(next, func(ctx context.Context, _ []breezeflow.Message, _ []breezeflow.ToolSchema, invoke func(context.Context) (breezeflow.Message, error)) (breezeflow.Message, error) {
			if err := limiter.Wait(ctx); err != nil {
				return breezeflow.Message{}, breezeflow.NewGatewayUnavailableError(stage, err)
			}
			return invoke(ctx)
		})
	}
}

// Traced records a span per completion.
func Traced(model string) Middleware {
	tracer := otel.Tracer("github.com/ZanzyTHEbar/breezeflow/internal/gateway")
	return func(next breezeflow.Gateway) breezeflow.Gateway {
		return wrap(next, func(ctx context.Context, messages []breezeflow.Message, tools []breezeflow.ToolSchema, invoke func(context.Context) (breezeflow.Message, error)) (breezeflow.Message, error) {
			ctx, span := tracer.Start(ctx, "gateway.complete",
				trace.WithSpanKind(trace.SpanKindClient),
				trace.WithAttributes(
					attribute.String("gateway.model", model),
					attribute.Int("gateway.messages", len(messages)),
					attribute.Int("gateway.tools", len(tools)),
				),
			)
			defer span.End()

			reply, err := invoke(ctx)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "completion failed")
				return reply, err
			}
			span.SetAttributes(attribute.Int("gateway.tool_calls", len(reply.ToolCalls)))
			return reply, nil
		})
	}
}

// Logged writes one debug line per completion and a warning per failure.
func Logged() Middleware {
	return func(next breezeflow.Gateway) breezeflow.Gateway {
		return wrap(next, func(ctx context.Context, messages []breezeflow.Message, tools []breezeflow.ToolSchema, invoke func(context.Context) (breezeflow.Message, error)) (breezeflow.Message, error) {
			start := time.Now()
			reply, err := invoke(ctx)
			if err != nil {
				log.Warn(ctx,
					log.KV{K: "msg", V: "completion failed"},
					log.KV{K: "err", V: err.Error()},
					log.KV{K: "duration_ms", V: time.Since(start).Milliseconds()},
				)
				return reply, err
			}
			log.Debug(ctx,
				log.KV{K: "msg", V: "completion"},
				log.KV{K: "messages", V: len(messages)},
				log.KV{K: "tools", V: len(tools)},
				log.KV{K: "tool_calls", V: len(reply.ToolCalls)},
				log.KV{K: "duration_ms", V: time.Since(start).Milliseconds()},
			)
			return reply, nil
		})
	}
}
