// Package openai adapts the teacher's internal/llm/providers/openai adapter
// down to what NeuraReport's pipeline stages need: a single structured
// (json_schema response_format) completion per call against the Responses
// API, no tool calls, no streaming.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/neurareport/core/internal/llm"
)

// Adapter talks to an OpenAI-compatible Responses API endpoint.
type Adapter struct {
	provider string
	apiKey   string
	baseURL  string
	client   *http.Client
}

// New constructs an Adapter. baseURL defaults to https://api.openai.com when empty.
func New(apiKey, baseURL string) *Adapter {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = "https://api.openai.com"
	}
	return &Adapter{
		provider: "openai",
		apiKey:   strings.TrimSpace(apiKey),
		baseURL:  base,
		// Rely on the caller's context deadline, not a client-level timeout.
		client: &http.Client{Timeout: 0},
	}
}

func (a *Adapter) Name() string { return a.provider }

func (a *Adapter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	instructions, inputItems := toResponsesInput(req.Messages)

	body := map[string]any{
		"model":        req.Model,
		"instructions": instructions,
		"input":        inputItems,
		"store":        false,
		"response_format": map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   nonEmpty(req.JSONSchemaName, "neurareport_structured_output"),
				"schema": req.JSONSchema,
				"strict": true,
			},
		},
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		body["max_output_tokens"] = *req.MaxTokens
	}

	b, err := json.Marshal(body)
	if err != nil {
		return llm.Response{}, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/responses", bytes.NewReader(b))
	if err != nil {
		return llm.Response{}, fmt.Errorf("openai: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return llm.Response{}, llm.NewRequestTimeoutError(a.Name(), err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	var raw map[string]any
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return llm.Response{}, fmt.Errorf("openai: decode response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retryAfter := llm.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return llm.Response{}, llm.ErrorFromHTTPStatus(a.Name(), resp.StatusCode, fmt.Sprintf("responses.create failed: %v", raw), retryAfter)
	}

	return fromResponses(a.Name(), raw, req.Model), nil
}

func nonEmpty(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func toResponsesInput(msgs []llm.Message) (instructions string, items []any) {
	var instrParts []string
	for _, m := range msgs {
		if m.Role == "system" {
			if t := strings.TrimSpace(m.Content); t != "" {
				instrParts = append(instrParts, t)
			}
		}
	}
	instructions = strings.Join(instrParts, "\n\n")

	for _, m := range msgs {
		if m.Role == "system" {
			continue
		}
		items = append(items, map[string]any{
			"type": "message",
			"role": m.Role,
			"content": []any{
				map[string]any{"type": "input_text", "text": m.Content},
			},
		})
	}
	return instructions, items
}

func fromResponses(provider string, raw map[string]any, requestedModel string) llm.Response {
	resp := llm.Response{Provider: provider, Model: requestedModel}
	if m, _ := raw["model"].(string); m != "" {
		resp.Model = m
	}

	if out, ok := raw["output"].([]any); ok {
		for _, itemAny := range out {
			item, ok := itemAny.(map[string]any)
			if !ok || item["type"] != "message" {
				continue
			}
			content, ok := item["content"].([]any)
			if !ok {
				continue
			}
			for _, cAny := range content {
				c, ok := cAny.(map[string]any)
				if !ok || c["type"] != "output_text" {
					continue
				}
				if text, _ := c["text"].(string); text != "" {
					resp.Content += text
				}
			}
		}
	}

	if reason, _ := raw["status"].(string); reason != "" {
		resp.FinishReason = reason
	}
	if u, ok := raw["usage"].(map[string]any); ok {
		resp.PromptTokens = intFromAny(u["input_tokens"])
		resp.OutputTokens = intFromAny(u["output_tokens"])
	}
	return resp
}

func intFromAny(v any) int {
	switch x := v.(type) {
	case json.Number:
		n, _ := x.Int64()
		return int(n)
	case float64:
		return int(x)
	case int:
		return x
	default:
		return 0
	}
}
