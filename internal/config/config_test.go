package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CONFIG_FILE", "DATA_DIR", "HTTP_ADDR", "QUEUE_CONCURRENCY", "QUEUE_MAX_ATTEMPTS",
		"QUEUE_BACKOFF_BASE", "QUEUE_REPORT_SCHEDULE", "RECOGNITION_TIMEOUT",
		"USE_LANGEXTRACT", "VECTOR_SERVICE_URL", "WS_PATH", "INTAKE_DIR", "INTAKE_SCHEDULE",
	} {
		t.Setenv(key, "")
	}
}

func TestNewFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := NewFromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "/ws/document-process", cfg.HTTP.WSPath)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Queue.BackoffBase)
	assert.Equal(t, 100, cfg.Queue.KeepCompleted)
	assert.True(t, cfg.Services.UseLangExtract)
	assert.Equal(t, filepath.Join("/app/data", "pipeline.db"), cfg.DBPath())

	assert.Greater(t, cfg.Services.RecognitionTimeout, cfg.Services.VectorTimeout)
	assert.Greater(t, cfg.Services.RecognitionTimeout, cfg.Services.GraphTimeout)
}

func TestNewFromEnv_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATA_DIR", "/tmp/pipeline-data")
	t.Setenv("QUEUE_CONCURRENCY", "4")
	t.Setenv("QUEUE_BACKOFF_BASE", "500ms")
	t.Setenv("RECOGNITION_TIMEOUT", "240")
	t.Setenv("USE_LANGEXTRACT", "false")
	t.Setenv("VECTOR_SERVICE_URL", "http://vectors:9000")

	cfg, err := NewFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/pipeline-data", cfg.System.DataDir)
	assert.Equal(t, 4, cfg.Queue.Concurrency)
	assert.Equal(t, 500*time.Millisecond, cfg.Queue.BackoffBase)
	assert.Equal(t, 240*time.Second, cfg.Services.RecognitionTimeout)
	assert.False(t, cfg.Services.UseLangExtract)
	assert.Equal(t, "http://vectors:9000", cfg.Services.VectorURL)
}

func TestLoad_YAMLFileThenEnvThenOptions(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
queue:
  concurrency: 6
  max_attempts: 5
  backoff_base: 1s
http:
  addr: ":9090"
services:
  graph_timeout: 45s
`), 0o644))
	t.Setenv("QUEUE_MAX_ATTEMPTS", "7")

	cfg, err := Load(path, WithHTTPAddr(":7070"), WithDataDir("/srv/pipeline"))
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Queue.Concurrency)
	assert.Equal(t, 7, cfg.Queue.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Queue.BackoffBase)
	assert.Equal(t, 45*time.Second, cfg.Services.GraphTimeout)
	assert.Equal(t, ":7070", cfg.HTTP.Addr)
	assert.Equal(t, filepath.Join("/srv/pipeline", "pipeline.lock"), cfg.LockPath())
	// untouched keys keep defaults
	assert.Equal(t, 100, cfg.Queue.KeepCompleted)
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	clearEnv(t)

	_, err := NewFromEnv(WithConcurrency(0))
	require.Error(t, err)

	t.Setenv("QUEUE_REPORT_SCHEDULE", "bad cron")
	_, err = NewFromEnv()
	require.Error(t, err)

	t.Setenv("QUEUE_REPORT_SCHEDULE", "")
	t.Setenv("WS_PATH", "ws")
	_, err = NewFromEnv()
	require.Error(t, err)
}

func TestIntakeConfig(t *testing.T) {
	clearEnv(t)

	cfg, err := NewFromEnv()
	require.NoError(t, err)
	assert.False(t, cfg.Intake.Enabled())
	assert.Contains(t, cfg.Intake.Extensions, ".pdf")

	t.Setenv("INTAKE_DIR", "/srv/inbox")
	t.Setenv("INTAKE_SCHEDULE", "*/10 * * * *")
	cfg, err = NewFromEnv()
	require.NoError(t, err)
	assert.True(t, cfg.Intake.Enabled())
	assert.Equal(t, "*/10 * * * *", cfg.Intake.Schedule)

	t.Setenv("INTAKE_SCHEDULE", "whenever")
	_, err = NewFromEnv()
	require.Error(t, err)
}
