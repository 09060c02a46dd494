// Package config binds the environment variables from spec.md §6 into a typed
// Config, resolved once at process start the way RunOptions.applyDefaults resolves
// kilroy's run defaults before a pipeline starts.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config is the authoritative set of tunables from spec.md §6.
type Config struct {
	// LLM access.
	OpenAIAPIKey       string
	OpenAIModel        string
	AllowMissingOpenAI bool

	// Filesystem roots.
	UploadRoot string

	// State store.
	StateDir    string
	StateSecret string

	// Job pool.
	JobMaxWorkers int

	// Verify-stage tunables.
	MaxVerifyPDFBytes       int64 // 0 means unlimited
	PDFDPI                  int
	MaxFixPasses            int
	VerifyFixHTMLEnabled    bool
	PhotocopyTargetSSIM     float64
	PhotocopyFixAcceptPatch bool

	// PDF->DOCX converter.
	PDF2DOCXTimeout time.Duration

	// Schema introspection cache.
	SchemaCacheTTL        time.Duration
	SchemaCacheMaxEntries int

	// Database fallback.
	DefaultDB string
	DBPath    string

	// LLMDebugDir, when non-empty, makes the LLM client mirror every
	// prompt/response pair to disk under this directory (content-addressed by
	// blake3, see internal/llm.Client.DebugDir).
	LLMDebugDir string

	// Scheduler dispatcher (spec §4.9), started by `neurareport serve`.
	SchedulerPollInterval time.Duration
	JobRecoveryMax        int
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "":
		return def
	case "1", "true", "yes", "y":
		return true
	case "0", "false", "no", "n":
		return false
	default:
		return def
	}
}

// Load resolves Config from the environment, applying the defaults spec.md §6
// implies (job pool size = logical CPU count, schema cache TTL 30s/32 entries,
// scheduler-independent PDF2DOCX timeout of 120s, etc).
func Load() (*Config, error) {
	c := &Config{
		OpenAIAPIKey:       os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:        getenv("OPENAI_MODEL", "gpt-4o"),
		AllowMissingOpenAI: getenvBool("NEURA_ALLOW_MISSING_OPENAI", false),

		UploadRoot: getenv("UPLOAD_ROOT", "./data/uploads"),

		StateDir:    getenv("NEURA_STATE_DIR", "./data/state"),
		StateSecret: os.Getenv("NEURA_STATE_SECRET"),

		JobMaxWorkers: getenvInt("NEURA_JOB_MAX_WORKERS", runtime.NumCPU()),

		MaxVerifyPDFBytes:       getenvInt64("NEURA_MAX_VERIFY_PDF_BYTES", 0),
		PDFDPI:                  getenvInt("PDF_DPI", 400),
		MaxFixPasses:            getenvInt("MAX_FIX_PASSES", 1),
		VerifyFixHTMLEnabled:    getenvBool("VERIFY_FIX_HTML_ENABLED", true),
		PhotocopyTargetSSIM:     getenvFloat("PHOTOCOPY_TARGET_SSIM", 0.92),
		PhotocopyFixAcceptPatch: getenvBool("PHOTOCOPY_FIX_ACCEPT_PATCH_ONLY", false),

		PDF2DOCXTimeout: time.Duration(getenvInt("NEURA_PDF2DOCX_TIMEOUT", 120)) * time.Second,

		SchemaCacheTTL:        time.Duration(getenvInt("NR_SCHEMA_CACHE_TTL_SECONDS", 30)) * time.Second,
		SchemaCacheMaxEntries: getenvInt("NR_SCHEMA_CACHE_MAX_ENTRIES", 32),

		DefaultDB: os.Getenv("NR_DEFAULT_DB"),
		DBPath:    os.Getenv("DB_PATH"),

		LLMDebugDir: os.Getenv("NEURA_LLM_DEBUG_DIR"),

		SchedulerPollInterval: time.Duration(getenvInt("NEURA_SCHEDULER_POLL_SECONDS", 60)) * time.Second,
		JobRecoveryMax:        getenvInt("NEURA_JOB_RECOVERY_MAX", 100),
	}

	if c.JobMaxWorkers < 1 {
		c.JobMaxWorkers = 1
	}
	if c.OpenAIAPIKey == "" && !c.AllowMissingOpenAI {
		return nil, fmt.Errorf("OPENAI_API_KEY is required unless NEURA_ALLOW_MISSING_OPENAI=true")
	}
	return c, nil
}
