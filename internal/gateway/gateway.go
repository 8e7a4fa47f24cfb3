package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ZanzyTHEbar/breezeflow"
)

const stage = "gateway"

// Backend names a model-serving host type.
type Backend string

const (
	BackendOllama Backend = "ollama"
	BackendVLLM   Backend = "vllm"
	BackendOpenAI Backend = "openai"
	BackendGenkit Backend = "genkit"
)

// DefaultBaseURL returns the conventional endpoint of an OpenAI-compatible backend.
func DefaultBaseURL(b Backend) string {
	switch b {
	case BackendOllama:
		return "http://localhost:11434/v1"
	case BackendVLLM:
		return "http://localhost:6667/v1"
	case BackendOpenAI:
		return "https://api.openai.com/v1"
	}
	return ""
}

// Options selects and configures an OpenAI-compatible backend.
type Options struct {
	Backend    Backend
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

// New builds the gateway for an OpenAI-compatible backend. Genkit gateways
// need a Genkit instance and are built with NewGenkit.
func New(opts Options) (breezeflow.Gateway, error) {
	switch opts.Backend {
	case BackendOllama, BackendVLLM, BackendOpenAI:
	case BackendGenkit:
		return nil, breezeflow.NewConfigurationError("genkit backend must be built with NewGenkit", nil)
	default:
		return nil, breezeflow.NewConfigurationError(fmt.Sprintf("unsupported backend %q", opts.Backend), nil)
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL(opts.Backend)
	}
	apiKey := opts.APIKey
	if apiKey == "" && opts.Backend != BackendOpenAI {
		// Local servers accept any bearer token.
		apiKey = string(opts.Backend)
	}
	if apiKey == "" {
		return nil, breezeflow.NewConfigurationError("API key is required for the openai backend", nil)
	}

	return NewOpenAI(OpenAIOptions{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		Model:      opts.Model,
		HTTPClient: opts.HTTPClient,
	})
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
