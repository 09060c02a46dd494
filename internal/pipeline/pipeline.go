// Package pipeline implements C6: the five-stage template pipeline (Verify,
// Auto-Map, Corrections, Contract Build, Generator Assets). Each stage is a
// pure transform with a deterministic cache key, a strict system+user LLM
// prompt (validated against a JSON schema with a validator-feedback retry
// loop), and atomic artifact writes under the template lock: a stage executes,
// produces artifacts, and updates state, in a fixed five-step sequence
// (DESIGN.md).
package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/neurareport/core/internal/artifactstore"
	"github.com/neurareport/core/internal/config"
	"github.com/neurareport/core/internal/ids"
	"github.com/neurareport/core/internal/llm"
	"github.com/neurareport/core/internal/model"
	"github.com/neurareport/core/internal/render"
	"github.com/neurareport/core/internal/schemaval"
	"github.com/neurareport/core/internal/statestore"
	"github.com/neurareport/core/internal/templatelock"
)

// PromptVersion is embedded in every stage's cache key (spec §6): bumping it
// invalidates every cached artifact produced under a prior prompt.
const PromptVersion = "v1"

// Deps bundles every collaborator a pipeline stage needs.
type Deps struct {
	LLM        *llm.Client
	Schema     *schemaval.Validator
	Artifacts  *artifactstore.Store
	Store      *statestore.Store
	Browser    render.HeadlessBrowser
	Rasterizer render.PDFRasterizer
	Config     *config.Config
	Log        *zap.Logger
	Model      string
}

// sha256Hex hashes raw bytes.
func sha256Hex(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// computeCacheKey hashes the canonical JSON of inputs -- the same
// "deterministic sha256 over declared inputs" shape spec §6 normatively
// requires for Auto-Map and Corrections, generalized to every stage.
func computeCacheKey(inputs map[string]any) (string, error) {
	canon, err := schemaval.CanonicalSHA256(inputs)
	if err != nil {
		return "", fmt.Errorf("pipeline: compute cache key: %w", err)
	}
	return canon, nil
}

// cacheRecord is the small envelope every stage persists alongside its real
// artifacts so a later call with identical inputs can short-circuit the LLM
// call entirely (spec §4.4: "loads cached outputs if the key matches").
type cacheRecord struct {
	CacheKey string `json:"cache_key"`
}

func loadCacheKey(dir, name string) (string, bool, error) {
	var rec cacheRecord
	found, err := artifactstore.ReadJSON(dir, name, &rec)
	if err != nil {
		return "", false, err
	}
	return rec.CacheKey, found, nil
}

func writeCacheKey(dir, name, key string) error {
	return artifactstore.WriteJSONAtomic(dir, name, cacheRecord{CacheKey: key})
}

// runWithLock acquires the template lock for the duration of fn, the way
// every multi-step LLM/IO stage sequence must (spec §4.3).
func runWithLock(templateDir, reason, correlationID string, fn func() error) error {
	return templatelock.WithLock(templateDir, reason, correlationID, fn)
}

// extractJSON pulls the first top-level JSON object/array out of raw model
// output, tolerating a surrounding markdown code fence the way real
// completions sometimes wrap structured output despite response_format
// requests.
func extractJSON(raw string) string {
	start := -1
	for i, r := range raw {
		if r == '{' || r == '[' {
			start = i
			break
		}
	}
	if start < 0 {
		return raw
	}
	end := -1
	for i := len(raw) - 1; i >= start; i-- {
		if raw[i] == '}' || raw[i] == ']' {
			end = i
			break
		}
	}
	if end < start {
		return raw
	}
	return raw[start : end+1]
}

func decodeInto(raw string, v any) error {
	text := extractJSON(raw)
	if err := json.Unmarshal([]byte(text), v); err != nil {
		return fmt.Errorf("pipeline: decode structured output: %w", err)
	}
	return nil
}

func newCorrelationID() string { return ids.NewCorrelationID() }

func templateDirFor(d *Deps, kind model.TemplateKind, templateID string) (string, error) {
	return d.Artifacts.EnsureTemplateDir(kind, templateID)
}

func sqlDialectHint(kind model.ConnectionKind) string {
	switch kind {
	case model.ConnectionPostgres:
		return "postgres"
	case model.ConnectionMySQL:
		return "mysql"
	default:
		return "sqlite"
	}
}

func messagesFor(systemPrompt, userPrompt string) []llm.Message {
	return []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}
}

// dirJoin is a tiny readability helper for generator/ sub-paths (spec §6).
func dirJoin(dir, sub string) string { return filepath.Join(dir, sub) }

// readBytes reads one artifact file from a template directory; unlike
// artifactstore.ReadJSON, a missing file is an error.
func readBytes(dir, name string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("pipeline: required artifact %s not found in %s", name, dir)
		}
		return nil, fmt.Errorf("pipeline: read %s: %w", name, err)
	}
	return raw, nil
}

// readText is readBytes with a string result, for the HTML/markdown/plain
// text artifacts stages read back in.
func readText(dir, name string) (string, error) {
	raw, err := readBytes(dir, name)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// StageError records which stage failed for callers translating to spec §7
// codes; kept distinct from neuraerr.Error since the codes are already
// stage-specific (mapping_llm_failed vs mapping_llm_invalid) -- this just
// adds the stage name for logs.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("pipeline: stage %s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }
