// Package ids generates the identifiers used across the state store: ULIDs for
// jobs, runs, and correlation ids (monotonic, sortable, filesystem-safe) and UUIDs
// for templates whose identity isn't a human-chosen slug.
package ids

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a new lexically-sortable ULID string. Monotonic within the
// same millisecond so ids generated back-to-back still sort in creation order.
func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewCorrelationID returns a ULID prefixed for log grep-ability.
func NewCorrelationID() string {
	return "cid_" + strings.ToLower(NewULID())
}

// NewJobID returns a ULID prefixed for job rows.
func NewJobID() string {
	return "job_" + strings.ToLower(NewULID())
}

// NewRunID returns a ULID prefixed for report-run rows.
func NewRunID() string {
	return "run_" + strings.ToLower(NewULID())
}

// NewScheduleID returns a ULID prefixed for schedule rows.
func NewScheduleID() string {
	return "sched_" + strings.ToLower(NewULID())
}

// NewTemplateUUID returns a fresh random (v4) UUID for templates that aren't
// created with an explicit slug.
func NewTemplateUUID() string {
	return uuid.NewString()
}

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{2,180}$`)

// ValidTemplateID reports whether id is either a valid UUID or a slug matching
// the pattern from spec §3.
func ValidTemplateID(id string) bool {
	if id == "" {
		return false
	}
	if _, err := uuid.Parse(id); err == nil {
		return true
	}
	return slugPattern.MatchString(id)
}

// FormatValidationError renders a stable message for an invalid template id.
func FormatValidationError(id string) error {
	return fmt.Errorf("invalid template id %q: must be a UUID or match ^[a-z0-9][a-z0-9_-]{2,180}$", id)
}
