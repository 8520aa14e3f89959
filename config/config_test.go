package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
listen: ":9090"
health_interval_ms: 2000
backends:
  - name: time
    command: uvx
    args: ["mcp-server-time"]
    env:
      API_KEY: secret
    auto_restart: true
    max_restarts: 3
    restart_backoff_ms: 250
  - name: search
    transport: http
    url: http://127.0.0.1:7001/mcp
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoader_Load(t *testing.T) {
	cfg, err := NewLoader(writeConfig(t, sampleConfig)).Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Equal(t, 2*time.Second, cfg.HealthInterval())
	assert.Equal(t, DefaultFailureThreshold, cfg.FailureThreshold)
	require.Len(t, cfg.Backends, 2)

	tm := cfg.Backends[0]
	assert.Equal(t, TransportStdio, tm.Transport)
	assert.Equal(t, "secret", tm.Env["API_KEY"], "env keys keep their case")
	assert.Equal(t, 250*time.Millisecond, tm.RestartBackoff())
	assert.Equal(t, DefaultTimeoutMs, tm.TimeoutMs)
	assert.True(t, tm.Managed())

	search, ok := cfg.Backend("search")
	require.True(t, ok)
	host, port, err := search.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.Equal(t, 7001, port)
	assert.False(t, search.Managed())
}

func TestLoader_EnvOverride(t *testing.T) {
	t.Setenv("TOOLPROXY_LISTEN", ":7070")
	cfg, err := NewLoader(writeConfig(t, sampleConfig)).Load()
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Listen)
}

func TestLoader_UnknownField(t *testing.T) {
	_, err := NewLoader(writeConfig(t, "listen: \":1\"\nbogus: true\n")).Load()
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		backend Backend
		wantErr error
	}{
		{"missing name", Backend{Command: "x"}, ErrInvalidConfig},
		{"bad name", Backend{Name: "a/b", Command: "x"}, ErrInvalidConfig},
		{"reserved name", Backend{Name: "proxy", Command: "x"}, ErrInvalidConfig},
		{"stdio without command", Backend{Name: "a"}, ErrInvalidConfig},
		{"unknown transport", Backend{Name: "a", Command: "x", Transport: "ws"}, ErrInvalidTransport},
		{"http without url", Backend{Name: "a", Transport: TransportHTTP}, ErrInvalidConfig},
		{"http bad scheme", Backend{Name: "a", Transport: TransportSSE, URL: "ftp://h:1/"}, ErrInvalidConfig},
		{"ok stdio", Backend{Name: "a", Command: "x"}, nil},
		{"ok remote", Backend{Name: "a", Transport: TransportSSE, URL: "http://h:1/sse"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.backend.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestConfig_DuplicateBackend(t *testing.T) {
	cfg := Config{Backends: []Backend{{Name: "a", Command: "x"}, {Name: "a", Command: "y"}}}
	cfg.ApplyDefaults()
	assert.ErrorIs(t, cfg.Validate(), ErrDuplicateBackend)
}

func TestBackend_Equal(t *testing.T) {
	a := Backend{Name: "a", Command: "x", Env: map[string]string{"K": "v"}}
	b := a
	b.Env = map[string]string{"K": "v"}
	assert.True(t, a.Equal(b))
	b.Args = []string{"--flag"}
	assert.False(t, a.Equal(b))
}

func TestBackend_ApplyDefaults_MaxRestarts(t *testing.T) {
	tests := []struct {
		name string
		in   Backend
		want int
	}{
		{"auto restart without budget", Backend{AutoRestart: true}, DefaultMaxRestarts},
		{"explicit budget kept", Backend{AutoRestart: true, MaxRestarts: 7}, 7},
		{"no auto restart", Backend{}, 0},
		{"negative clamped", Backend{AutoRestart: true, MaxRestarts: -1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.in
			b.ApplyDefaults()
			assert.Equal(t, tt.want, b.MaxRestarts)
		})
	}
}
