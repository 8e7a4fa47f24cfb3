package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/ZanzyTHEbar/breezeflow"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// GenkitGateway generates through a Genkit instance. Tools are declared to
// Genkit so the model can request them, but Genkit never runs them: tool
// requests are returned to the planner.
type GenkitGateway struct {
	g     *genkit.Genkit
	model string

	mu    sync.Mutex
	tools map[string]ai.Tool
}

// NewGenkit wraps an initialized Genkit instance. model is a fully
// qualified model name such as "googleai/gemini-2.0-flash".
func NewGenkit(g *genkit.Genkit, model string) (*GenkitGateway, error) {
	if g == nil {
		return nil, breezeflow.NewConfigurationError("genkit instance is required", nil)
	}
	if model == "" {
		return nil, breezeflow.NewConfigurationError("model is required", nil)
	}
	return &GenkitGateway{g: g, model: model, tools: make(map[string]ai.Tool)}, nil
}

// Complete implements breezeflow.Gateway.
func (gw *GenkitGateway) Complete(ctx context.Context, messages []breezeflow.Message, tools []breezeflow.ToolSchema, opts breezeflow.CompletionOptions) (breezeflow.Message, error) {
	if len(messages) == 0 {
		return breezeflow.Message{}, breezeflow.NewValidationError(stage, "messages are required", nil)
	}

	genOpts := []ai.GenerateOption{
		ai.WithModelName(gw.model),
		ai.WithMessages(toGenkitMessages(messages)...),
		ai.WithConfig(&ai.GenerationCommonConfig{
			MaxOutputTokens: opts.MaxOutputTokens,
			Temperature:     opts.Temperature,
		}),
	}
	if len(tools) > 0 {
		refs := make([]ai.ToolRef, 0, len(tools))
		for _, schema := range tools {
			refs = append(refs, gw.declareTool(schema))
		}
		genOpts = append(genOpts, ai.WithTools(refs...), ai.WithReturnToolRequests(true))
	}

	callCtx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	resp, err := genkit.Generate(callCtx, gw.g, genOpts...)
	if err != nil {
		return breezeflow.Message{}, breezeflow.NewGatewayUnavailableError(stage, err)
	}

	out := breezeflow.Message{Role: breezeflow.RoleAssistant, Content: resp.Text()}
	for _, req := range resp.ToolRequests() {
		args, err := breezeflow.ParseArguments(req.Input)
		if err != nil {
			return breezeflow.Message{}, breezeflow.NewGatewayMalformedOutputError(stage,
				fmt.Sprintf("tool request %q has malformed input", req.Name), err)
		}
		out.ToolCalls = append(out.ToolCalls, breezeflow.ToolCallRequest{
			ID:        req.Ref,
			ToolName:  req.Name,
			Arguments: args,
		})
	}
	return out, nil
}

// declareTool defines schema as a Genkit tool once per name. Genkit panics on
// duplicate registrations.
func (gw *GenkitGateway) declareTool(schema breezeflow.ToolSchema) ai.Tool {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	if t, ok := gw.tools[schema.Name]; ok {
		return t
	}

	description := schema.Description
	if params, err := json.Marshal(schema.Parameters); err == nil && len(schema.Parameters) > 0 {
		description = fmt.Sprintf("%s\nArguments JSON schema: %s", description, params)
	}
	t := genkit.DefineTool(gw.g, schema.Name, description,
		func(ctx *ai.ToolContext, input map[string]any) (any, error) {
			return nil, fmt.Errorf("tool %s is executed by the breezeflow executor", schema.Name)
		},
	)
	gw.tools[schema.Name] = t
	return t
}

func toGenkitMessages(messages []breezeflow.Message) []*ai.Message {
	out := make([]*ai.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case breezeflow.RoleSystem:
			out = append(out, ai.NewSystemTextMessage(m.Content))
		case breezeflow.RoleUser:
			out = append(out, ai.NewUserTextMessage(m.Content))
		case breezeflow.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, ai.NewModelTextMessage(m.Content))
				continue
			}
			parts := make([]*ai.Part, 0, len(m.ToolCalls)+1)
			if strings.TrimSpace(m.Content) != "" {
				parts = append(parts, ai.NewTextPart(m.Content))
			}
			for _, call := range m.ToolCalls {
				parts = append(parts, ai.NewToolRequestPart(&ai.ToolRequest{
					Name:  call.ToolName,
					Ref:   call.ID,
					Input: call.Arguments,
				}))
			}
			out = append(out, ai.NewMessage(ai.RoleModel, nil, parts...))
		case breezeflow.RoleTool:
			out = append(out, ai.NewMessage(ai.RoleTool, nil, ai.NewToolResponsePart(&ai.ToolResponse{
				Name:   m.Name,
				Ref:    m.ToolCallID,
				Output: m.Content,
			})))
		}
	}
	return out
}
