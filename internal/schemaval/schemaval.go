// Package schemaval is the single JSON-schema validator re-run at every
// boundary spec.md §9 calls for: file loads, HTTP input, and LLM structured
// output. It generalizes agent/tool_registry.go's compileSchema (which
// compiles one tool's parameter schema) into a small cache of compiled
// schemas keyed by their content hash, so the pipeline's five stages and the
// contract loader all share one compile-and-validate path instead of each
// hand-rolling its own.
package schemaval

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator compiles and caches JSON schemas, validating arbitrary decoded
// JSON values (maps, slices, scalars -- whatever encoding/json.Unmarshal into
// `any` produces) against them.
type Validator struct {
	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

// New returns an empty Validator.
func New() *Validator {
	return &Validator{schemas: make(map[string]*jsonschema.Schema)}
}

// compile mirrors agent/tool_registry.go's compileSchema: marshal the schema
// definition, hand it to a fresh compiler under a synthetic resource name,
// and compile. Compiled schemas are cached by the sha256 of their JSON text
// so repeated validation against the same stage-output schema (e.g. every
// Auto-Map attempt) doesn't recompile.
func (v *Validator) compile(schema map[string]any) (*jsonschema.Schema, string, error) {
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, "", fmt.Errorf("schemaval: marshal schema: %w", err)
	}
	sum := sha256.Sum256(b)
	key := hex.EncodeToString(sum[:])

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.schemas[key]; ok {
		return cached, key, nil
	}

	c := jsonschema.NewCompiler()
	resourceName := "schema-" + key + ".json"
	if err := c.AddResource(resourceName, strings.NewReader(string(b))); err != nil {
		return nil, "", fmt.Errorf("schemaval: add resource: %w", err)
	}
	compiled, err := c.Compile(resourceName)
	if err != nil {
		return nil, "", fmt.Errorf("schemaval: compile: %w", err)
	}
	v.schemas[key] = compiled
	return compiled, key, nil
}

// ValidateJSON validates raw JSON text against schema.
func (v *Validator) ValidateJSON(schema map[string]any, raw []byte) error {
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("schemaval: decode candidate: %w", err)
	}
	return v.Validate(schema, data)
}

// Validate validates an already-decoded value against schema.
func (v *Validator) Validate(schema map[string]any, data any) error {
	compiled, _, err := v.compile(schema)
	if err != nil {
		return err
	}
	if err := compiled.Validate(data); err != nil {
		return fmt.Errorf("schemaval: validation failed: %w", err)
	}
	return nil
}

// CanonicalSHA256 returns sha256(canonical-JSON(v)) over v's keys sorted, for
// use as schema_sha / catalog_sha cache-key inputs (spec §6). A nil v hashes
// "null", matching the spec's explicit "null -> sha256(\"null\")" rule.
func CanonicalSHA256(v any) (string, error) {
	data, err := canonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON marshals v with map keys sorted, by round-tripping through
// encoding/json (which already sorts map[string]any keys) after normalizing
// v into that representation.
func canonicalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	// Round-trip so arbitrary struct values are normalized into
	// map[string]any / []any / scalars, which encoding/json marshals with
	// sorted map keys -- giving us a stable, canonical byte representation.
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("schemaval: marshal for canonicalization: %w", err)
	}
	var generic any
	if err := json.Unmarshal(intermediate, &generic); err != nil {
		return nil, fmt.Errorf("schemaval: decode for canonicalization: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("schemaval: re-marshal canonical: %w", err)
	}
	return out, nil
}
