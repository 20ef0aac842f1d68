package settings

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zhangyunhao116/taskjail"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func noEnv(string) (string, bool) { return "", false }

func TestDefault(t *testing.T) {
	s := Default()
	assert.Equal(t, "/data", s.JailRoot)
	assert.Equal(t, 2, s.MaxAttempts)
	assert.Equal(t, 60*time.Second, s.AttemptTimeout)
	assert.Equal(t, 20*time.Second, s.OracleTimeout)
	assert.Equal(t, "strict", s.Sandbox.Fallback)
	assert.Equal(t, "gpt-4o-mini", s.Oracle.Model)
	assert.Equal(t, ":8000", s.Server.Addr)
	assert.NotEmpty(t, s.AllowedTools)

	cfg, err := s.Config(nil)
	require.NoError(t, err)
	assert.Equal(t, taskjail.FallbackStrict, cfg.Sandbox.FallbackPolicy)
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().MaxAttempts, s.MaxAttempts)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskjail.yaml")
	writeFile(t, path, `
jail_root: /srv/data
max_attempts: 3
attempt_timeout: 90s
allowed_tools: [jq, sqlite3]
sandbox:
  fallback: warn
  block_network: true
  readable_roots: [/opt/venv]
  resource_limits:
    max_processes: 32
    max_memory_bytes: 536870912
interpreters:
  python: /opt/venv/bin/python
oracle:
  backend: gemini
  model: gemini-2.0-flash
  token_env: MY_KEY
server:
  max_concurrent: 8
`)
	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/data", s.JailRoot)
	assert.Equal(t, 3, s.MaxAttempts)
	assert.Equal(t, 90*time.Second, s.AttemptTimeout)
	assert.Equal(t, 20*time.Second, s.OracleTimeout, "unset keys keep defaults")
	assert.Equal(t, []string{"jq", "sqlite3"}, s.AllowedTools)
	assert.Equal(t, "bash", s.Interpreters.Shell)
	assert.Equal(t, "gemini", s.Oracle.Backend)
	assert.Equal(t, "MY_KEY", s.Oracle.TokenEnv)
	assert.Equal(t, int64(8), s.Server.MaxConcurrent)

	cfg, err := s.Config(nil)
	require.NoError(t, err)
	assert.Equal(t, taskjail.FallbackWarn, cfg.Sandbox.FallbackPolicy)
	assert.True(t, cfg.Sandbox.BlockNetwork)
	assert.Equal(t, []string{"/opt/venv"}, cfg.Sandbox.ReadableRoots)
	assert.Equal(t, 32, cfg.Sandbox.ResourceLimits.MaxProcesses)
	assert.Equal(t, "/opt/venv/bin/python", cfg.Interpreters.Python)
}

func TestLoad_UnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskjail.yaml")
	writeFile(t, path, "jail_rot: /data\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jail_rot")
}

func TestLoad_EmptyAllowListDisables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskjail.yaml")
	writeFile(t, path, "allowed_tools: []\n")
	s, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, s.AllowedTools)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvJailRoot:     "/mnt/jail",
		EnvMaxAttempts:  "5",
		EnvAllowedTools: "jq, prettier ,",
		EnvFallback:     "warn",
		EnvEndpoint:     "http://proxy/v1",
		EnvBackend:      "openai",
		EnvAddr:         "127.0.0.1:9000",
	}
	s := Default()
	require.NoError(t, s.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))
	assert.Equal(t, "/mnt/jail", s.JailRoot)
	assert.Equal(t, 5, s.MaxAttempts)
	assert.Equal(t, []string{"jq", "prettier"}, s.AllowedTools)
	assert.Equal(t, "warn", s.Sandbox.Fallback)
	assert.Equal(t, "http://proxy/v1", s.Oracle.Endpoint)
	assert.Equal(t, "127.0.0.1:9000", s.Server.Addr)
}

func TestApplyEnv_BadNumber(t *testing.T) {
	s := Default()
	err := s.ApplyEnv(func(k string) (string, bool) {
		if k == EnvMaxAttempts {
			return "two", true
		}
		return "", false
	})
	require.ErrorIs(t, err, taskjail.ErrConfigInvalid)
}

func TestApplyEnv_NothingSet(t *testing.T) {
	s := Default()
	require.NoError(t, s.ApplyEnv(noEnv))
	assert.Equal(t, Default(), s)
}

func TestConfig_Invalid(t *testing.T) {
	s := Default()
	s.JailRoot = "relative"
	_, err := s.Config(nil)
	require.ErrorIs(t, err, taskjail.ErrConfigInvalid)

	s = Default()
	s.Sandbox.Fallback = "sometimes"
	_, err = s.Config(nil)
	require.ErrorIs(t, err, taskjail.ErrConfigInvalid)
}

func TestOracleConfig(t *testing.T) {
	s := Default()
	s.Oracle.Timeout = 0
	s.OracleTimeout = 7 * time.Second
	assert.Equal(t, 7*time.Second, s.OracleConfig(nil).Timeout)
}

func TestWatch_Reloads(t *testing.T) {
	orig := debounce
	debounce = 10 * time.Millisecond
	t.Cleanup(func() { debounce = orig })

	path := filepath.Join(t.TempDir(), "taskjail.yaml")
	writeFile(t, path, "max_attempts: 2\n")

	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan *Settings, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, nil, func(s *Settings) { changes <- s })
	}()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	// The watcher may not be registered yet; keep writing until it sees a change.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case s := <-changes:
			assert.Equal(t, 4, s.MaxAttempts)
			return
		case <-tick.C:
			writeFile(t, path, "max_attempts: 4\n")
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}
