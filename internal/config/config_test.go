package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8787", cfg.ListenAddr)
	assert.Equal(t, "ws", cfg.PushTransport)
	assert.Equal(t, 250*time.Millisecond, cfg.RefetchDebounce)
	assert.Equal(t, 0, cfg.ReconnectMaxAttempts)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("PUSH_TRANSPORT", "nats")
	t.Setenv("REFETCH_DEBOUNCE", "1s")
	t.Setenv("RECONNECT_MAX_ATTEMPTS", "7")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "nats", cfg.PushTransport)
	assert.Equal(t, time.Second, cfg.RefetchDebounce)
	assert.Equal(t, 7, cfg.ReconnectMaxAttempts)
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := map[string]string{
		"PUSH_TRANSPORT":         "carrier-pigeon",
		"REST_TIMEOUT":           "soon",
		"RECONNECT_MAX_ATTEMPTS": "-1",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("LISTEN_ADDR=127.0.0.1:9999\nSESSION_TOKEN=from-file\n"), 0o600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	t.Setenv("SESSION_TOKEN", "from-env")
	// Registered so t.Setenv restores it after the file sets it.
	t.Setenv("LISTEN_ADDR", "")
	require.NoError(t, os.Unsetenv("LISTEN_ADDR"))

	require.NoError(t, LoadDotEnv())
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.SessionToken)
	assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)
}
