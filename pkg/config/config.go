package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig is one upstream DNS provider.
type ProviderConfig struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	Region    string   `yaml:"region"`
	Protocols []string `yaml:"protocols"`
	DoHURL    string   `yaml:"doh_url"`
	DoTAddr   string   `yaml:"dot_addr"`
	UDPAddr   string   `yaml:"udp_addr"`
}

// Config is the application configuration
type Config struct {
	Server struct {
		HTTP string `yaml:"http"`
	} `yaml:"server"`

	Storage struct {
		Backend    string `yaml:"backend"` // file | sqlite | redis | memory
		DataDir    string `yaml:"data_dir"`
		SQLiteFile string `yaml:"sqlite_file"`
		RedisURL   string `yaml:"redis_url"`
		RedisKey   string `yaml:"redis_prefix"`
	} `yaml:"storage"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Output string `yaml:"output"`
	} `yaml:"logging"`

	Health struct {
		Interval   int              `yaml:"interval"` // seconds
		Timeout    int              `yaml:"timeout"`  // seconds
		TestDomain string           `yaml:"test_domain"`
		Providers  []ProviderConfig `yaml:"providers"`
	} `yaml:"health"`

	Ingest struct {
		BatchSize    int `yaml:"batch_size"`
		DebounceMs   int `yaml:"debounce_ms"`
		DedupWindow  int `yaml:"dedup_window_ms"`
		MaxLogs      int `yaml:"max_logs"`
		MaxViewLogs  int `yaml:"max_view_logs"`
		QueueSize    int `yaml:"queue_size"`
		StatsKeepDay int `yaml:"stats_keep_days"`
	} `yaml:"ingest"`

	Rules struct {
		GeneralFile string `yaml:"general_file"`
		ChildFile   string `yaml:"child_file"`
		Watch       bool   `yaml:"watch"`
	} `yaml:"rules"`

	Admin struct {
		Token        string  `yaml:"token"`
		JWTSecret    string  `yaml:"jwt_secret"`
		PasswordHash string  `yaml:"password_hash"` // bcrypt
		TokenTTL     int     `yaml:"token_ttl"`     // minutes
		RateLimit    float64 `yaml:"rate_limit"`    // requests per second
	} `yaml:"admin"`

	Tunnel struct {
		Mode     string `yaml:"mode"` // local | none
		Listen   string `yaml:"listen"`
		Fallback string `yaml:"fallback_upstream"`
	} `yaml:"tunnel"`
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	if path == "" {
		path = getDefaultConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes YAML config bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func getDefaultConfigPath() string {
	paths := []string{
		"configs/config.yaml",
		"config.yaml",
		"/etc/dnsguard/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return "configs/config.yaml"
}

func validateConfig(c *Config) error {
	switch c.GetStorageBackend() {
	case "file", "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Storage.Backend)
	}
	if c.GetStorageBackend() == "redis" && c.Storage.RedisURL == "" {
		return fmt.Errorf("storage.redis_url is required for the redis backend")
	}

	switch c.GetTunnelMode() {
	case "local", "none":
	default:
		return fmt.Errorf("unknown tunnel mode: %s", c.Tunnel.Mode)
	}

	if c.Logging.Level != "" && !isValidLogLevel(c.Logging.Level) {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	seen := make(map[string]bool)
	for _, p := range c.Health.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider without id")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id: %s", p.ID)
		}
		seen[p.ID] = true
		if len(p.Protocols) == 0 {
			return fmt.Errorf("provider %s has no protocols", p.ID)
		}
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error", "fatal":
		return true
	}
	return false
}

// Save writes the config to path.
func Save(c *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// GetHTTPListen returns the admin HTTP address.
func (c *Config) GetHTTPListen() string {
	if c.Server.HTTP == "" {
		return ":8080"
	}
	return c.Server.HTTP
}

// GetStorageBackend returns the store backend name.
func (c *Config) GetStorageBackend() string {
	if c.Storage.Backend == "" {
		return "file"
	}
	return strings.ToLower(c.Storage.Backend)
}

// GetDataDir returns the data directory.
func (c *Config) GetDataDir() string {
	if c.Storage.DataDir == "" {
		return "./data"
	}
	return c.Storage.DataDir
}

// GetSQLiteFile returns the SQLite database path, relative to the data dir unless absolute.
func (c *Config) GetSQLiteFile() string {
	f := c.Storage.SQLiteFile
	if f == "" {
		f = "dnsguard.db"
	}
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(c.GetDataDir(), f)
}

// GetRedisPrefix returns the key prefix for the redis backend.
func (c *Config) GetRedisPrefix() string {
	if c.Storage.RedisKey == "" {
		return "dnsguard:"
	}
	return c.Storage.RedisKey
}

// GetHealthInterval returns the periodic health check interval.
func (c *Config) GetHealthInterval() time.Duration {
	if c.Health.Interval <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Health.Interval) * time.Second
}

// GetHealthTimeout returns the per-probe timeout.
func (c *Config) GetHealthTimeout() time.Duration {
	if c.Health.Timeout <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Health.Timeout) * time.Second
}

// GetTestDomain returns the domain queried by health probes.
func (c *Config) GetTestDomain() string {
	if c.Health.TestDomain == "" {
		return "google.com"
	}
	return c.Health.TestDomain
}

// GetProviders returns configured providers, or the built-in set when none are configured.
func (c *Config) GetProviders() []ProviderConfig {
	if len(c.Health.Providers) > 0 {
		return c.Health.Providers
	}
	return DefaultProviders()
}

// DefaultProviders is the built-in provider registry.
func DefaultProviders() []ProviderConfig {
	return []ProviderConfig{
		{ID: "cloudflare", Name: "Cloudflare", Region: "global", Protocols: []string{"doh", "dot", "udp"},
			DoHURL: "https://cloudflare-dns.com/dns-query", DoTAddr: "1.1.1.1:853", UDPAddr: "1.1.1.1:53"},
		{ID: "google", Name: "Google", Region: "global", Protocols: []string{"doh", "dot", "udp"},
			DoHURL: "https://dns.google/dns-query", DoTAddr: "8.8.8.8:853", UDPAddr: "8.8.8.8:53"},
		{ID: "quad9", Name: "Quad9", Region: "global", Protocols: []string{"doh", "dot", "udp"},
			DoHURL: "https://dns.quad9.net/dns-query", DoTAddr: "9.9.9.9:853", UDPAddr: "9.9.9.9:53"},
		{ID: "adguard-family", Name: "AdGuard Family", Region: "global", Protocols: []string{"doh", "dot", "udp"},
			DoHURL: "https://family.adguard-dns.com/dns-query", DoTAddr: "94.140.14.15:853", UDPAddr: "94.140.14.15:53"},
	}
}

// GetBatchSize returns the flush threshold.
func (c *Config) GetBatchSize() int {
	if c.Ingest.BatchSize <= 0 {
		return 10
	}
	return c.Ingest.BatchSize
}

// GetDebounce returns the quiet period before a flush.
func (c *Config) GetDebounce() time.Duration {
	if c.Ingest.DebounceMs <= 0 {
		return 300 * time.Millisecond
	}
	return time.Duration(c.Ingest.DebounceMs) * time.Millisecond
}

// GetDedupWindow returns how long a dedup key stays live.
func (c *Config) GetDedupWindow() time.Duration {
	if c.Ingest.DedupWindow <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Ingest.DedupWindow) * time.Millisecond
}

// GetMaxLogs returns the persisted log cap.
func (c *Config) GetMaxLogs() int {
	if c.Ingest.MaxLogs <= 0 {
		return 10000
	}
	return c.Ingest.MaxLogs
}

// GetMaxViewLogs returns the in-memory view cap.
func (c *Config) GetMaxViewLogs() int {
	if c.Ingest.MaxViewLogs <= 0 {
		return 1000
	}
	return c.Ingest.MaxViewLogs
}

// GetQueueSize returns the event queue capacity.
func (c *Config) GetQueueSize() int {
	if c.Ingest.QueueSize <= 0 {
		return 1024
	}
	return c.Ingest.QueueSize
}

// GetStatsKeepDays returns how many days of daily buckets are retained.
func (c *Config) GetStatsKeepDays() int {
	if c.Ingest.StatsKeepDay <= 0 {
		return 30
	}
	return c.Ingest.StatsKeepDay
}

// GetTokenTTL returns the admin JWT lifetime.
func (c *Config) GetTokenTTL() time.Duration {
	if c.Admin.TokenTTL <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Admin.TokenTTL) * time.Minute
}

// GetRateLimit returns the admin API request rate.
func (c *Config) GetRateLimit() float64 {
	if c.Admin.RateLimit <= 0 {
		return 50
	}
	return c.Admin.RateLimit
}

// GetTunnelListen returns the local tunnel DNS address.
func (c *Config) GetTunnelListen() string {
	if c.Tunnel.Listen == "" {
		return "127.0.0.1:5353"
	}
	return c.Tunnel.Listen
}

// GetFallbackUpstream is used by the local tunnel when no provider is healthy.
func (c *Config) GetFallbackUpstream() string {
	if c.Tunnel.Fallback == "" {
		return "1.1.1.1:53"
	}
	return c.Tunnel.Fallback
}

// GetTunnelMode returns "local" unless the tunnel is disabled with "none".
func (c *Config) GetTunnelMode() string {
	if c.Tunnel.Mode == "" {
		return "local"
	}
	return strings.ToLower(c.Tunnel.Mode)
}
