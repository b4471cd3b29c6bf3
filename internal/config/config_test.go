package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, int64(1<<20), cfg.Limits.MaxMarkdownBytes)
	assert.Equal(t, 2*time.Second, cfg.Hub.PersistenceDebounce)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9999"
  origin_allow_list:
    - https://notes.example.com
hub:
  persistence_debounce: 500ms
  drain_grace: 3s
limits:
  max_markdown_bytes: 2048
  max_html_bytes: 4096
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, []string{"https://notes.example.com"}, cfg.Server.OriginAllowList)
	assert.Equal(t, 500*time.Millisecond, cfg.Hub.PersistenceDebounce)
	assert.Equal(t, 3*time.Second, cfg.Hub.DrainGrace)
	assert.Equal(t, int64(2048), cfg.Limits.MaxMarkdownBytes)
	// Unset fields keep their defaults.
	assert.Equal(t, "mongodb://localhost:27017", cfg.Storage.URL)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NOTESHARE_ADDR", ":7777")
	t.Setenv("NOTESHARE_STORAGE_URL", "mongodb://db.internal:27017")
	t.Setenv("NOTESHARE_ORIGIN_ALLOW_LIST", "https://a.example, https://b.example")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Server.Addr)
	assert.Equal(t, "mongodb://db.internal:27017", cfg.Storage.URL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.OriginAllowList)
}

func TestEnvOverridesLimitsAndHubTuning(t *testing.T) {
	t.Setenv("NOTESHARE_MAX_MARKDOWN_BYTES", "4096")
	t.Setenv("NOTESHARE_MAX_HTML_BYTES", "8192")
	t.Setenv("NOTESHARE_SHARE_RATE_PER_MINUTE", "5")
	t.Setenv("NOTESHARE_PERSISTENCE_DEBOUNCE", "750ms")
	t.Setenv("NOTESHARE_AWARENESS_TIMEOUT", "45s")
	t.Setenv("NOTESHARE_DRAIN_GRACE", "20s")
	t.Setenv("NOTESHARE_MAX_LIVE_DOCUMENTS", "42")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, int64(4096), cfg.Limits.MaxMarkdownBytes)
	assert.Equal(t, int64(8192), cfg.Limits.MaxHTMLBytes)
	assert.Equal(t, 5, cfg.Limits.ShareRatePerMinute)
	assert.Equal(t, 750*time.Millisecond, cfg.Hub.PersistenceDebounce)
	assert.Equal(t, 45*time.Second, cfg.Hub.AwarenessTimeout)
	assert.Equal(t, 20*time.Second, cfg.Hub.DrainGrace)
	assert.Equal(t, 42, cfg.Hub.MaxLiveDocuments)
}

func TestEnvOverrideIgnoresMalformedValues(t *testing.T) {
	t.Setenv("NOTESHARE_MAX_MARKDOWN_BYTES", "lots")
	t.Setenv("NOTESHARE_PERSISTENCE_DEBOUNCE", "soon")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), cfg.Limits.MaxMarkdownBytes)
	assert.Equal(t, 2*time.Second, cfg.Hub.PersistenceDebounce)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Limits.MaxMarkdownBytes = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Limits.MaxHTMLBytes = cfg.Limits.MaxMarkdownBytes - 1
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Hub.SendQueueSize = 0
	assert.Error(t, cfg.Validate())
}
