// Package artifactstore implements C1: per-template directory management with
// atomic writes and a checksummed manifest of produced files. Every write is
// temp-then-rename so a crash mid-write never leaves a partial file in place:
// a reader tolerates an absent artifact but never a partially written one.
package artifactstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/neurareport/core/internal/model"
)

// ErrPathEscapesRoot is returned when a resolved path would leave the uploads root.
var ErrPathEscapesRoot = errors.New("artifactstore: path escapes uploads root")

// Store roots all per-template directories under a single uploads directory.
type Store struct {
	root string
}

// New constructs a Store rooted at root. root is created if missing.
func New(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("artifactstore: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("artifactstore: create root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute uploads root.
func (s *Store) Root() string { return s.root }

// TemplateDir resolves a template's directory, validating that the result stays
// under the uploads root (path-traversal defense per spec §4.1).
func (s *Store) TemplateDir(kind model.TemplateKind, templateID string) (string, error) {
	rel := filepath.Join(string(kind), templateID)
	dir := filepath.Join(s.root, rel)
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("artifactstore: resolve dir: %w", err)
	}
	if !strings.HasPrefix(absDir, s.root+string(filepath.Separator)) && absDir != s.root {
		return "", ErrPathEscapesRoot
	}
	return absDir, nil
}

// EnsureTemplateDir creates and returns a template's directory.
func (s *Store) EnsureTemplateDir(kind model.TemplateKind, templateID string) (string, error) {
	dir, err := s.TemplateDir(kind, templateID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("artifactstore: mkdir: %w", err)
	}
	return dir, nil
}

// RemoveTemplateDir atomically removes a template's entire directory tree.
func (s *Store) RemoveTemplateDir(kind model.TemplateKind, templateID string) error {
	dir, err := s.TemplateDir(kind, templateID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// atomicWrite writes data to <dir>/<name> via temp-then-rename. On failure the
// partial temp file is removed so no half-written file is ever observable.
func atomicWrite(dir, name string, data []byte, perm os.FileMode) (retErr error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("artifactstore: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("artifactstore: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if retErr != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("artifactstore: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("artifactstore: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("artifactstore: close temp: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("artifactstore: chmod temp: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("artifactstore: rename: %w", err)
	}
	return nil
}

// WriteTextAtomic writes raw text content to <dir>/<name>.
func WriteTextAtomic(dir, name, content string) error {
	return atomicWrite(dir, name, []byte(content), 0o644)
}

// WriteBytesAtomic writes raw bytes to <dir>/<name>.
func WriteBytesAtomic(dir, name string, content []byte) error {
	return atomicWrite(dir, name, content, 0o644)
}

// WriteJSONAtomic marshals v as indented JSON and writes it to <dir>/<name>.
func WriteJSONAtomic(dir, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("artifactstore: marshal %s: %w", name, err)
	}
	return atomicWrite(dir, name, data, 0o644)
}

// ReadJSON reads <dir>/<name> into v. A missing file is not an error: *found
// is false and v is left untouched, the way runstate.applyFinalOutcome treats
// a missing final.json as "no outcome yet" rather than a failure.
func ReadJSON(dir, name string, v any) (found bool, err error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("artifactstore: read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("artifactstore: decode %s: %w", name, err)
	}
	return true, nil
}

// sha256Hex returns the hex-encoded sha256 of data (spec §6: checksums are sha256).
func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// WriteArtifactManifest computes sha256 over each named file's bytes (relative to
// dir) and writes artifact_manifest.json atomically.
func WriteArtifactManifest(dir string, files map[string]string, step string, inputs []string, correlationID string) (*model.ArtifactManifest, error) {
	checksums := make(map[string]string, len(files))
	for name, rel := range files {
		data, err := os.ReadFile(filepath.Join(dir, rel))
		if err != nil {
			return nil, fmt.Errorf("artifactstore: manifest checksum %s: %w", name, err)
		}
		checksums[name] = sha256Hex(data)
	}
	manifest := &model.ArtifactManifest{
		Files:         files,
		FileChecksums: checksums,
		ProducedAt:    time.Now().UTC(),
		Step:          step,
		Inputs:        inputs,
		CorrelationID: correlationID,
	}
	if err := WriteJSONAtomic(dir, "artifact_manifest.json", manifest); err != nil {
		return nil, err
	}
	return manifest, nil
}

// LoadManifest reads a template directory's manifest, tolerating absence
// (returns nil, nil if no manifest has ever been written).
func LoadManifest(dir string) (*model.ArtifactManifest, error) {
	var m model.ArtifactManifest
	found, err := ReadJSON(dir, "artifact_manifest.json", &m)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &m, nil
}

// VerifyManifest checks the invariant from spec §3: every file the manifest
// lists exists on disk at the recorded checksum.
func VerifyManifest(dir string, m *model.ArtifactManifest) error {
	if m == nil {
		return nil
	}
	for name, rel := range m.Files {
		data, err := os.ReadFile(filepath.Join(dir, rel))
		if err != nil {
			return fmt.Errorf("artifactstore: manifest file %s missing: %w", name, err)
		}
		want := m.FileChecksums[name]
		got := sha256Hex(data)
		if want != "" && want != got {
			return fmt.Errorf("artifactstore: manifest file %s checksum mismatch", name)
		}
	}
	return nil
}

// ListOrphanedTemplateDirs walks the uploads root for template directories that
// have no artifact_manifest.json, using a glob so callers can scope the scan
// (e.g. by kind) without an extra filepath.Walk.
func (s *Store) ListOrphanedTemplateDirs(kindGlob string) ([]string, error) {
	pattern := filepath.ToSlash(filepath.Join(s.root, kindGlob, "*"))
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("artifactstore: glob: %w", err)
	}
	var orphans []string
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || !info.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(m, "artifact_manifest.json")); errors.Is(err, os.ErrNotExist) {
			orphans = append(orphans, m)
		}
	}
	return orphans, nil
}
