package llm

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/zeebo/blake3"

	"github.com/neurareport/core/internal/neuraerr"
)

// Client wraps a single ProviderAdapter with transport-level retry. Unlike a
// multi-provider, tool-calling client, this one never picks between
// providers at call time: NeuraReport is configured with exactly one
// OpenAI-compatible endpoint (spec §6).
type Client struct {
	adapter        ProviderAdapter
	transportRetry backoff.BackOff

	// DebugDir, when set, makes every Complete call also write the request and
	// response bodies to <DebugDir>/<blake3-of-request>.{req,resp}.txt --
	// content-addressed so repeated identical prompts (common across a pipeline
	// stage's cache-hit path) overwrite the same pair of files instead of
	// accumulating duplicates.
	DebugDir string
}

// NewClient builds a Client around adapter. A fresh exponential backoff is
// built per Complete call by newTransportBackoff so concurrent calls don't
// share cursor state.
func NewClient(adapter ProviderAdapter) *Client {
	return &Client{adapter: adapter}
}

// blake3Hex hashes raw bytes with blake3, used only for naming debug log
// files -- the spec-mandated cache keys and checksums stay sha256 (§6).
func blake3Hex(raw []byte) string {
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func (c *Client) writeDebugLog(req Request, resp Response) {
	if c.DebugDir == "" {
		return
	}
	key := blake3Hex([]byte(fmt.Sprintf("%s|%v", req.Model, req.Messages)))
	if err := os.MkdirAll(c.DebugDir, 0o755); err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(c.DebugDir, key+".req.txt"), []byte(fmt.Sprintf("%+v", req)), 0o644)
	_ = os.WriteFile(filepath.Join(c.DebugDir, key+".resp.txt"), []byte(resp.Content), 0o644)
}

func newTransportBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 20 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	return b
}

// Complete issues req against the configured provider, retrying errors that
// ErrorFromHTTPStatus marks retryable (408, 429, 5xx and any status it does not
// list) with exponential backoff via cenkalti/backoff/v4. Non-retryable errors
// (400, 401, 403, 422, and a failed round trip) return immediately.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	if c == nil || c.adapter == nil {
		return Response{}, &ConfigurationError{Message: "llm client has no provider adapter configured"}
	}
	if err := req.Validate(); err != nil {
		return Response{}, err
	}

	var resp Response
	op := func() error {
		var err error
		resp, err = c.adapter.Complete(ctx, req)
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(newTransportBackoff(), ctx))
	if err != nil {
		return Response{}, neuraerr.Wrap(neuraerr.CodeMappingLLMFailed, req.CorrelationID, fmt.Errorf("llm: %s: %w", c.adapter.Name(), err))
	}
	c.writeDebugLog(req, resp)
	return resp, nil
}

// Validator is run against a structured-completion's raw JSON content. A
// non-nil error becomes feedback appended as a new user turn on the next
// attempt (spec §4.4's validator-feedback loop).
type Validator func(content string) error

// ValidateAndRetry drives the mapping pipeline's LLM-stage retry shape: call
// the model, validate its structured output, and on failure append the
// validator's complaint as a corrective user message before retrying, up to
// maxAttempts times. Modeled on agent/session.go's turn loop combined with
// engine/backoff.go's DelayForAttempt, generalized from "agent tool turns" to
// "one structured completion per attempt".
func (c *Client) ValidateAndRetry(ctx context.Context, req Request, maxAttempts int, validate Validator) (Response, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	var lastResp Response
	messages := append([]Message(nil), req.Messages...)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptReq := req
		attemptReq.Messages = messages

		resp, err := c.Complete(ctx, attemptReq)
		if err != nil {
			lastErr = err
			if attempt == maxAttempts {
				break
			}
			if d := delayForAttempt(attempt); d > 0 {
				select {
				case <-ctx.Done():
					return Response{}, ctx.Err()
				case <-time.After(d):
				}
			}
			continue
		}
		lastResp = resp

		if verr := validate(resp.Content); verr != nil {
			lastErr = verr
			if attempt == maxAttempts {
				break
			}
			messages = append(messages,
				Message{Role: "assistant", Content: resp.Content},
				Message{Role: "user", Content: "Your previous response was invalid: " + verr.Error() + ". Reply again with corrected output satisfying the schema."},
			)
			continue
		}
		return resp, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("llm: exhausted %d attempts with no response", maxAttempts)
	}
	return lastResp, neuraerr.Wrap(neuraerr.CodeMappingLLMInvalid, req.CorrelationID, lastErr)
}

// delayForAttempt mirrors engine/backoff.go's DelayForAttempt shape (initial
// 200ms, factor 2, cap 5s) for the validator-feedback loop, which is bounded
// by a handful of attempts rather than network retries.
func delayForAttempt(attempt int) time.Duration {
	const (
		initial = 200 * time.Millisecond
		factor  = 2.0
		cap_    = 5 * time.Second
	)
	d := initial
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * factor)
		if d > cap_ {
			d = cap_
			break
		}
	}
	return d
}
