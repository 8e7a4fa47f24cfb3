package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/breezeflow"
	"github.com/stretchr/testify/require"
)

func staticGateway(content string) breezeflow.Gateway {
	return breezeflow.GatewayFunc(func(ctx context.Context, messages []breezeflow.Message, tools []breezeflow.ToolSchema, opts breezeflow.CompletionOptions) (breezeflow.Message, error) {
		return breezeflow.NewAssistantMessage(content), nil
	})
}

func TestChain_Order(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next breezeflow.Gateway) breezeflow.Gateway {
			return breezeflow.GatewayFunc(func(ctx context.Context, messages []breezeflow.Message, tools []breezeflow.ToolSchema, opts breezeflow.CompletionOptions) (breezeflow.Message, error) {
				order = append(order, name)
				return next.Complete(ctx, messages, tools, opts)
			})
		}
	}

	gw := Chain(staticGateway("ok"), mark("outer"), mark("inner"))
	reply, err := gw.Complete(context.Background(), nil, nil, breezeflow.CompletionOptions{})
	require.NoError(t, err)
	require.Equal(t, "ok", reply.Content)
	require.Equal(t, []string{"outer", "inner"}, order)
}

func TestRateLimited(t *testing.T) {
	gw := RateLimited(0.001, 1)(staticGateway("ok"))

	_, err := gw.Complete(context.Background(), nil, nil, breezeflow.CompletionOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = gw.Complete(ctx, nil, nil, breezeflow.CompletionOptions{})
	require.ErrorIs(t, err, breezeflow.ErrGatewayUnavailable)
}

func TestRateLimited_Disabled(t *testing.T) {
	inner := staticGateway("ok")
	gw := RateLimited(0, 0)(inner)
	for i := 0; i < 5; i++ {
		_, err := gw.Complete(context.Background(), nil, nil, breezeflow.CompletionOptions{})
		require.NoError(t, err)
	}
}

func TestTracedAndLogged_PassThrough(t *testing.T) {
	gw := Chain(staticGateway("ok"), Logged(), Traced("m"))
	reply, err := gw.Complete(context.Background(), []breezeflow.Message{breezeflow.NewUserMessage("q")}, nil, breezeflow.CompletionOptions{})
	require.NoError(t, err)
	require.Equal(t, "ok", reply.Content)
}
