package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ZanzyTHEbar/breezeflow/internal/adapters"
)

// maxResponseBytes caps how much of a response body is returned to the model.
const maxResponseBytes = 64 << 10

var allowedMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}

type httpRequester struct {
	client *http.Client
}

func newHTTPRequestTool(h *httpRequester) *adapters.FuncTool {
	return adapters.NewFuncTool("http_request", h.do,
		adapters.WithDescription("Sends an HTTP request and returns the status code and body. JSON bodies are decoded."),
		adapters.WithCategory("Web"),
		adapters.WithProperty("url", "string", "Absolute http or https URL", true),
		adapters.WithEnumProperty("method", "HTTP method, defaults to GET", allowedMethods, false),
		adapters.WithProperty("query_params", "object", "Query string parameters", false),
		adapters.WithProperty("headers", "object", "Request headers", false),
		adapters.WithProperty("json_body", "object", "JSON request body", false),
		adapters.WithValidator(validateHTTPInput),
	)
}

func (h *httpRequester) do(ctx context.Context, input map[string]any) (any, error) {
	method, _ := input["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	target, err := url.Parse(input["url"].(string))
	if err != nil {
		return nil, err
	}

	if params, ok := input["query_params"].(map[string]any); ok {
		q := target.Query()
		for k, v := range params {
			q.Set(k, fmt.Sprint(v))
		}
		target.RawQuery = q.Encode()
	}

	var body io.Reader
	if payload, ok := input["json_body"]; ok && payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("json_body is not serializable: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := input["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	out := map[string]any{
		"status_code":  resp.StatusCode,
		"content_type": resp.Header.Get("Content-Type"),
	}
	var decoded any
	if strings.Contains(resp.Header.Get("Content-Type"), "json") && json.Unmarshal(raw, &decoded) == nil {
		out["response_body"] = decoded
	} else {
		out["response_body"] = string(raw)
	}
	if resp.StatusCode >= 400 {
		out["error"] = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return out, nil
}

func validateHTTPInput(input map[string]any) error {
	raw, _ := input["url"].(string)
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be an absolute http(s) URL, got %q", raw)
	}
	if method, ok := input["method"].(string); ok && method != "" {
		for _, m := range allowedMethods {
			if method == m {
				return nil
			}
		}
		return fmt.Errorf("unsupported method %q", method)
	}
	return nil
}
