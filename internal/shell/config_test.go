package shell

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := ParseConfig([]byte("server:\n  origin: http://127.0.0.1:5000/\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "http://127.0.0.1:5000", cfg.Server.Origin)
	assert.Equal(t, "garuda-app-v1", cfg.Cache.Version)
	assert.Equal(t, DefaultManifest, cfg.Cache.Manifest)
	assert.Equal(t, int64(8<<20), cfg.MaxEntryBytes())
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 3*time.Second, cfg.FallbackDelay())
	assert.Equal(t, 5*time.Second, cfg.ToastDuration())
	assert.Zero(t, cfg.StatsEvery())
	assert.Equal(t, "127.0.0.1:5000", cfg.OriginURL().Host)
}

func TestLoadConfigFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "garuda.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
  origin: https://garuda.example
cache:
  version: garuda-app-v2
  manifest: ["/", "/static/css/style.css"]
  maxEntry: 512kb
  bypassWhenCookies: [" session ", ""]
storage:
  driver: leveldb
install:
  retryInitial: 250ms
logging:
  statsEvery: 30s
pwa:
  fallbackDelay: 1s
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "garuda-app-v2", cfg.Cache.Version)
	assert.Equal(t, []string{"/", "/static/css/style.css"}, cfg.Cache.Manifest)
	assert.Equal(t, int64(512<<10), cfg.MaxEntryBytes())
	assert.Equal(t, []string{"session"}, cfg.Cache.BypassWhenCookies)
	assert.Equal(t, "./data/cache", cfg.Storage.Path)
	assert.Equal(t, 250*time.Millisecond, cfg.Install.retryInitialDur)
	assert.Equal(t, 30*time.Second, cfg.StatsEvery())
	assert.Equal(t, time.Second, cfg.FallbackDelay())
}

func TestParseConfigErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing origin", "server: {port: 1}", "server.origin is required"},
		{"relative origin", "server: {origin: localhost:5000}", "server.origin"},
		{"cross-origin manifest entry", "server: {origin: http://a.test}\ncache: {manifest: [\"https://cdn.test/x.js\"]}", "cache.manifest[0]"},
		{"bad size", "server: {origin: http://a.test}\ncache: {maxEntry: lots}", "cache.maxEntry"},
		{"bad duration", "server: {origin: http://a.test}\npwa: {fallbackDelay: soon}", "pwa.fallbackDelay"},
		{"negative duration", "server: {origin: http://a.test}\ninstall: {retryMax: -1s}", "install.retryMax"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseConfig([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
