// Package config loads server configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Cache   CacheConfig   `yaml:"cache"`
	Limits  LimitsConfig  `yaml:"limits"`
	Hub     HubConfig     `yaml:"hub"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig covers the HTTP/WebSocket listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// BaseURL is the externally visible prefix used to build view and
	// collaborative URLs, e.g. "https://notes.example.com".
	BaseURL string `yaml:"base_url"`
	// OriginAllowList restricts WebSocket upgrades; empty allows any origin.
	OriginAllowList []string      `yaml:"origin_allow_list"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`
}

// StorageConfig covers the document store.
type StorageConfig struct {
	URL        string        `yaml:"url"`
	Database   string        `yaml:"database"`
	Collection string        `yaml:"collection"`
	OpTimeout  time.Duration `yaml:"op_timeout"`
}

// CacheConfig covers the coordination cache.
type CacheConfig struct {
	URL      string        `yaml:"url"`
	StateTTL time.Duration `yaml:"state_ttl"`
}

// LimitsConfig bounds request payloads and rates.
type LimitsConfig struct {
	MaxMarkdownBytes int64 `yaml:"max_markdown_bytes"`
	MaxHTMLBytes     int64 `yaml:"max_html_bytes"`
	MaxTitleLength   int   `yaml:"max_title_length"`
	// ShareRatePerMinute throttles document creation per client address.
	ShareRatePerMinute int `yaml:"share_rate_per_minute"`
	// TrustProxyHeader keys the share rate limiter on X-Forwarded-For.
	// Enable only when a trusted edge proxy overwrites the header.
	TrustProxyHeader bool `yaml:"trust_proxy_header"`
}

// HubConfig tunes the collaboration hub.
type HubConfig struct {
	PersistenceDebounce time.Duration `yaml:"persistence_debounce"`
	AwarenessTimeout    time.Duration `yaml:"awareness_timeout"`
	DrainGrace          time.Duration `yaml:"drain_grace"`
	PingInterval        time.Duration `yaml:"ping_interval"`
	// PerConnectionUpdateRate is the sustained UPDATE frames/second allowed
	// per connection before throttling kicks in.
	PerConnectionUpdateRate float64 `yaml:"per_connection_update_rate"`
	UpdateBurst             int     `yaml:"update_burst"`
	MaxLiveDocuments        int     `yaml:"max_live_documents_per_instance"`
	// MaxReplicaBytes is the per-document memory ceiling; beyond it new
	// edits are rejected until the document is compacted.
	MaxReplicaBytes uint64 `yaml:"max_replica_bytes"`
	SendQueueSize   int    `yaml:"send_queue_size"`
}

// LoggingConfig selects log verbosity and encoding.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// DefaultConfig returns the configuration used when no file is supplied.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          ":8080",
			BaseURL:       "http://localhost:8080",
			ShutdownGrace: 10 * time.Second,
		},
		Storage: StorageConfig{
			URL:        "mongodb://localhost:27017",
			Database:   "noteshare",
			Collection: "documents",
			OpTimeout:  5 * time.Second,
		},
		Cache: CacheConfig{
			URL:      "redis://localhost:6379/0",
			StateTTL: 10 * time.Minute,
		},
		Limits: LimitsConfig{
			MaxMarkdownBytes:   1 << 20, // 1 MiB
			MaxHTMLBytes:       5 << 20, // 5 MiB
			MaxTitleLength:     512,
			ShareRatePerMinute: 30,
		},
		Hub: HubConfig{
			PersistenceDebounce:     2 * time.Second,
			AwarenessTimeout:        30 * time.Second,
			DrainGrace:              10 * time.Second,
			PingInterval:            30 * time.Second,
			PerConnectionUpdateRate: 50,
			UpdateBurst:             200,
			MaxLiveDocuments:        1000,
			MaxReplicaBytes:         50 << 20, // 50 MiB
			SendQueueSize:           256,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from an optional YAML file, then applies
// environment overrides. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("NOTESHARE_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("NOTESHARE_BASE_URL"); v != "" {
		c.Server.BaseURL = v
	}
	if v := os.Getenv("NOTESHARE_ORIGIN_ALLOW_LIST"); v != "" {
		c.Server.OriginAllowList = splitAndTrim(v)
	}
	if v := os.Getenv("NOTESHARE_STORAGE_URL"); v != "" {
		c.Storage.URL = v
	}
	if v := os.Getenv("NOTESHARE_CACHE_URL"); v != "" {
		c.Cache.URL = v
	}
	if v := os.Getenv("NOTESHARE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if n, ok := envInt64("NOTESHARE_MAX_MARKDOWN_BYTES"); ok {
		c.Limits.MaxMarkdownBytes = n
	}
	if n, ok := envInt64("NOTESHARE_MAX_HTML_BYTES"); ok {
		c.Limits.MaxHTMLBytes = n
	}
	if n, ok := envInt("NOTESHARE_SHARE_RATE_PER_MINUTE"); ok {
		c.Limits.ShareRatePerMinute = n
	}
	if d, ok := envDuration("NOTESHARE_PERSISTENCE_DEBOUNCE"); ok {
		c.Hub.PersistenceDebounce = d
	}
	if d, ok := envDuration("NOTESHARE_AWARENESS_TIMEOUT"); ok {
		c.Hub.AwarenessTimeout = d
	}
	if d, ok := envDuration("NOTESHARE_DRAIN_GRACE"); ok {
		c.Hub.DrainGrace = d
	}
	if n, ok := envInt("NOTESHARE_MAX_LIVE_DOCUMENTS"); ok {
		c.Hub.MaxLiveDocuments = n
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

func envInt64(name string) (int64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return n, err == nil
}

// envDuration reads a Go duration string, e.g. "2s" or "500ms".
func envDuration(name string) (time.Duration, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	return d, err == nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.Limits.MaxMarkdownBytes <= 0 {
		return fmt.Errorf("limits.max_markdown_bytes must be positive")
	}
	if c.Limits.MaxHTMLBytes < c.Limits.MaxMarkdownBytes {
		return fmt.Errorf("limits.max_html_bytes must be at least limits.max_markdown_bytes")
	}
	if c.Hub.PersistenceDebounce <= 0 {
		return fmt.Errorf("hub.persistence_debounce must be positive")
	}
	if c.Hub.DrainGrace < 0 {
		return fmt.Errorf("hub.drain_grace must not be negative")
	}
	if c.Hub.SendQueueSize <= 0 {
		return fmt.Errorf("hub.send_queue_size must be positive")
	}
	if c.Hub.MaxLiveDocuments <= 0 {
		return fmt.Errorf("hub.max_live_documents_per_instance must be positive")
	}
	return nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
