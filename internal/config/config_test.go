package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/llmgate/internal/errors"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []string{"claude", "openai", "gemini"}, cfg.BackupChain)
	assert.Equal(t, 30*time.Second, cfg.Stream.IdleTimeout)
	assert.Equal(t, 50, cfg.History.MaxMessages)

	policy := cfg.RetryPolicy()
	assert.Equal(t, 3, policy.MaxAttempts)
	assert.Equal(t, 2*time.Second, policy.InitialInterval)
	assert.Equal(t, 60*time.Second, policy.MaxInterval)
}

func TestParse(t *testing.T) {
	t.Setenv("LLMGATE_TEST_DB", "/var/lib/llmgate/state.db")

	cfg, err := Parse([]byte(`
backup_chain: [openai, claude]
retry:
  initial: 500ms
  max: 5s
  attempts: 5
stream:
  idle_timeout: 1m
store:
  driver: sqlite
  dsn: ${LLMGATE_TEST_DB}
logging:
  level: debug
`))
	require.NoError(t, err)

	assert.Equal(t, []string{"openai", "claude"}, cfg.BackupChain)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.Initial)
	assert.Equal(t, 5, cfg.Retry.Attempts)
	assert.Equal(t, float64(2), cfg.Retry.Multiplier, "unset keys keep defaults")
	assert.Equal(t, time.Minute, cfg.Stream.IdleTimeout)
	assert.Equal(t, "/var/lib/llmgate/state.db", cfg.Store.DSN)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Len(t, cfg.Providers, 3)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		code errors.ErrorCode
	}{
		{"not yaml", "retry: [", errors.ErrCodeConfigRead},
		{"unknown chain member", "backup_chain: [claude, mistral]", errors.ErrCodeConfigInvalid},
		{"empty chain", "backup_chain: []", errors.ErrCodeConfigInvalid},
		{"zero attempts", "retry: {attempts: 0}", errors.ErrCodeConfigInvalid},
		{"max below initial", "retry: {initial: 10s, max: 1s}", errors.ErrCodeConfigInvalid},
		{"negative idle", "stream: {idle_timeout: -1s}", errors.ErrCodeConfigInvalid},
		{"zero history", "history: {max_messages: 0}", errors.ErrCodeConfigInvalid},
		{"bad address", "server: {address: nowhere}", errors.ErrCodeConfigInvalid},
		{"bad driver", "store: {driver: redis}", errors.ErrCodeConfigInvalid},
		{"sample rate", "tracing: {sample_rate: 1.5}", errors.ErrCodeConfigInvalid},
		{"bad provider", "providers: [{id: x, vendor: cohere, model: m, credential_ref: K}]", errors.ErrCodeConfigInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.CodeOf(err))
		})
	}
}

func TestLoad(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, errors.ErrCodeConfigRead, errors.CodeOf(err))

	path := filepath.Join(t.TempDir(), "llmgate.yaml")
	data, err := DefaultConfig().Marshal()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestSetPort(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.SetPort(8080))
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Address)
}
