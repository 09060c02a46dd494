// Package llm implements C4: a structured-completion client used by the
// mapping pipeline's LLM-assisted stages (Verify, AutoMap, Corrections). It is
// a deliberately narrowed descendant of the teacher's internal/llm package --
// the teacher supports multi-turn tool-calling across four providers; every
// NeuraReport call is a single-shot structured completion against one
// OpenAI-compatible endpoint, so the tool-call plumbing, streaming, and the
// other three provider adapters are not carried forward (see DESIGN.md).
package llm

import (
	"context"
	"errors"
)

// Message is one turn of a chat-style completion request.
type Message struct {
	Role    string // "system" or "user"
	Content string
}

// Request is a single structured-completion call.
type Request struct {
	Model           string
	Messages        []Message
	Temperature     *float64
	MaxTokens       *int
	JSONSchemaName  string
	JSONSchema      map[string]any
	CorrelationID   string
}

// Validate enforces the minimal shape every provider adapter can rely on.
func (r Request) Validate() error {
	if r.Model == "" {
		return errors.New("llm: request.Model is required")
	}
	if len(r.Messages) == 0 {
		return errors.New("llm: request.Messages must be non-empty")
	}
	if r.JSONSchema == nil {
		return errors.New("llm: request.JSONSchema is required (NeuraReport calls are structured-output only)")
	}
	return nil
}

// Response is a provider-agnostic structured-completion result.
type Response struct {
	Provider     string
	Model        string
	Content      string // raw JSON text satisfying the requested schema
	FinishReason string
	PromptTokens int
	OutputTokens int
}

// ProviderAdapter is implemented by each wire-level provider client.
type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}
