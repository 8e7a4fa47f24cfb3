// Package gateway implements breezeflow.Gateway on top of model-serving
// backends: OpenAI-compatible chat completion servers (OpenAI, Ollama, vLLM)
// and Genkit.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/ZanzyTHEbar/breezeflow"
	openai "github.com/sashabaranov/go-openai"
)

// ChatClient captures the subset of the go-openai client used by the gateway.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// StreamClient is implemented by chat clients that support server-sent
// completion streams. The go-openai client does.
type StreamClient interface {
	CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// OpenAIOptions configures an OpenAI-compatible gateway.
type OpenAIOptions struct {
	// Client overrides the go-openai client; BaseURL, APIKey and HTTPClient are
	// ignored when it is set.
	Client     ChatClient
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

// OpenAIGateway talks to any server implementing the chat completions API.
type OpenAIGateway struct {
	chat  ChatClient
	model string
}

// NewOpenAI builds an OpenAI-compatible gateway.
func NewOpenAI(opts OpenAIOptions) (*OpenAIGateway, error) {
	if opts.Model == "" {
		return nil, breezeflow.NewConfigurationError("model is required", nil)
	}
	chat := opts.Client
	if chat == nil {
		cfg := openai.DefaultConfig(opts.APIKey)
		if opts.BaseURL != "" {
			cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
		}
		if opts.HTTPClient != nil {
			cfg.HTTPClient = opts.HTTPClient
		}
		chat = openai.NewClientWithConfig(cfg)
	}
	return &OpenAIGateway{chat: chat, model: opts.Model}, nil
}

// Model returns the model name requests are sent to.
func (g *OpenAIGateway) Model() string {
	return g.model
}

var _ breezeflow.StreamingGateway = (*OpenAIGateway)(nil)

func (g *OpenAIGateway) request(messages []breezeflow.Message, tools []breezeflow.ToolSchema, opts breezeflow.CompletionOptions) (openai.ChatCompletionRequest, error) {
	if len(messages) == 0 {
		return openai.ChatCompletionRequest{}, breezeflow.NewValidationError(stage, "messages are required", nil)
	}
	request := openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    encodeMessages(messages),
		MaxTokens:   opts.MaxOutputTokens,
		Temperature: float32(opts.Temperature),
	}
	encoded, err := encodeTools(tools)
	if err != nil {
		return openai.ChatCompletionRequest{}, breezeflow.NewValidationError(stage, "invalid tool schema", err)
	}
	if len(encoded) > 0 {
		request.Tools = encoded
		request.ToolChoice = "auto"
	}
	return request, nil
}

// Complete implements breezeflow.Gateway.
func (g *OpenAIGateway) Complete(ctx context.Context, messages []breezeflow.Message, tools []breezeflow.ToolSchema, opts breezeflow.CompletionOptions) (breezeflow.Message, error) {
	request, err := g.request(messages, tools, opts)
	if err != nil {
		return breezeflow.Message{}, err
	}

	callCtx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	response, err := g.chat.CreateChatCompletion(callCtx, request)
	if err != nil {
		return breezeflow.Message{}, classify(err)
	}
	if len(response.Choices) == 0 {
		return breezeflow.Message{}, breezeflow.NewGatewayMalformedOutputError(stage, "completion has no choices", nil)
	}
	return decodeMessage(response.Choices[0].Message)
}

// CompleteStream implements breezeflow.StreamingGateway. Clients without
// stream support fall back to Complete and report the reply as one chunk.
func (g *OpenAIGateway) CompleteStream(ctx context.Context, messages []breezeflow.Message, tools []breezeflow.ToolSchema, opts breezeflow.CompletionOptions, onDelta func(string)) (breezeflow.Message, error) {
	sc, ok := g.chat.(StreamClient)
	if !ok {
		reply, err := g.Complete(ctx, messages, tools, opts)
		if err == nil && reply.Content != "" && onDelta != nil {
			onDelta(reply.Content)
		}
		return reply, err
	}

	request, err := g.request(messages, tools, opts)
	if err != nil {
		return breezeflow.Message{}, err
	}

	callCtx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	stream, err := sc.CreateChatCompletionStream(callCtx, request)
	if err != nil {
		return breezeflow.Message{}, classify(err)
	}
	defer stream.Close()

	var (
		content strings.Builder
		calls   = map[int]*openai.ToolCall{}
		chunks  int
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return breezeflow.Message{}, classify(err)
		}
		chunks++
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			content.WriteString(delta.Content)
			if onDelta != nil {
				onDelta(delta.Content)
			}
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			acc, ok := calls[idx]
			if !ok {
				acc = &openai.ToolCall{Type: openai.ToolTypeFunction}
				calls[idx] = acc
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Function.Name = tc.Function.Name
			}
			acc.Function.Arguments += tc.Function.Arguments
		}
	}
	if chunks == 0 {
		return breezeflow.Message{}, breezeflow.NewGatewayMalformedOutputError(stage, "completion stream was empty", nil)
	}

	msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content.String()}
	indexes := make([]int, 0, len(calls))
	for i := range calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		msg.ToolCalls = append(msg.ToolCalls, *calls[i])
	}
	return decodeMessage(msg)
}

func encodeMessages(messages []breezeflow.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
		switch m.Role {
		case breezeflow.RoleTool:
			msg.ToolCallID = m.ToolCallID
			msg.Name = m.Name
		case breezeflow.RoleAssistant:
			for _, call := range m.ToolCalls {
				args, _ := json.Marshal(call.Arguments)
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.ToolName,
						Arguments: string(args),
					},
				})
			}
		}
		out = append(out, msg)
	}
	return out
}

func encodeTools(schemas []breezeflow.ToolSchema) ([]openai.Tool, error) {
	if len(schemas) == 0 {
		return nil, nil
	}
	tools := make([]openai.Tool, 0, len(schemas))
	for _, s := range schemas {
		params, err := json.Marshal(s.Parameters)
		if err != nil {
			return nil, fmt.Errorf("marshal tool %s schema: %w", s.Name, err)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return tools, nil
}

func decodeMessage(msg openai.ChatCompletionMessage) (breezeflow.Message, error) {
	out := breezeflow.Message{
		Role:    breezeflow.RoleAssistant,
		Content: msg.Content,
	}
	for _, call := range msg.ToolCalls {
		args, err := breezeflow.ParseArguments(call.Function.Arguments)
		if err != nil {
			return breezeflow.Message{}, breezeflow.NewGatewayMalformedOutputError(stage,
				fmt.Sprintf("tool call %q has malformed arguments", call.Function.Name), err)
		}
		out.ToolCalls = append(out.ToolCalls, breezeflow.ToolCallRequest{
			ID:        call.ID,
			ToolName:  call.Function.Name,
			Arguments: args,
		})
	}
	return out, nil
}

// classify maps backend failures onto the gateway error taxonomy.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return breezeflow.NewError(breezeflow.ErrCodeGatewayUnavailable, stage,
			fmt.Sprintf("backend returned status %d", apiErr.HTTPStatusCode), err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return breezeflow.NewError(breezeflow.ErrCodeGatewayUnavailable, stage,
			fmt.Sprintf("backend request failed with status %d", reqErr.HTTPStatusCode), err)
	}
	return breezeflow.NewGatewayUnavailableError(stage, err)
}
