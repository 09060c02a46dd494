package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	for _, key := range []string{
		"OPENAI_MODEL", "NEURA_ALLOW_MISSING_OPENAI", "UPLOAD_ROOT", "NEURA_STATE_DIR",
		"NEURA_STATE_SECRET", "NEURA_JOB_MAX_WORKERS", "NEURA_LLM_DEBUG_DIR",
		"NEURA_SCHEDULER_POLL_SECONDS", "NEURA_JOB_RECOVERY_MAX",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "gpt-4o", cfg.OpenAIModel)
	require.Equal(t, "", cfg.LLMDebugDir)
	require.Equal(t, 120*time.Second, cfg.PDF2DOCXTimeout)
	require.GreaterOrEqual(t, cfg.JobMaxWorkers, 1)
	require.Equal(t, 60*time.Second, cfg.SchedulerPollInterval)
	require.Equal(t, 100, cfg.JobRecoveryMax)
}

func TestLoadRequiresAPIKeyUnlessAllowed(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("NEURA_ALLOW_MISSING_OPENAI", "false")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("NEURA_ALLOW_MISSING_OPENAI", "true")
	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.AllowMissingOpenAI)
}

func TestLoadBindsLLMDebugDir(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("NEURA_LLM_DEBUG_DIR", "/tmp/neura-debug")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/tmp/neura-debug", cfg.LLMDebugDir)
}
