package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  http: \":9000\"\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.GetHTTPListen() != ":9000" {
		t.Errorf("http listen = %q", cfg.GetHTTPListen())
	}
	if cfg.GetStorageBackend() != "file" {
		t.Errorf("backend = %q, want file", cfg.GetStorageBackend())
	}
	if cfg.GetBatchSize() != 10 {
		t.Errorf("batch size = %d, want 10", cfg.GetBatchSize())
	}
	if cfg.GetDebounce() != 300*time.Millisecond {
		t.Errorf("debounce = %v", cfg.GetDebounce())
	}
	if cfg.GetDedupWindow() != 2*time.Second {
		t.Errorf("dedup window = %v", cfg.GetDedupWindow())
	}
	if cfg.GetMaxLogs() != 10000 || cfg.GetMaxViewLogs() != 1000 {
		t.Errorf("caps = %d/%d", cfg.GetMaxLogs(), cfg.GetMaxViewLogs())
	}
	if cfg.GetHealthTimeout() != 5*time.Second {
		t.Errorf("health timeout = %v", cfg.GetHealthTimeout())
	}
	if len(cfg.GetProviders()) == 0 {
		t.Error("expected built-in providers")
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad backend", "storage:\n  backend: mongo\n"},
		{"redis without url", "storage:\n  backend: redis\n"},
		{"bad level", "logging:\n  level: loud\n"},
		{"bad tunnel mode", "tunnel:\n  mode: vpn\n"},
		{"provider without protocols", "health:\n  providers:\n    - id: a\n"},
		{"duplicate provider", "health:\n  providers:\n    - id: a\n      protocols: [udp]\n    - id: a\n      protocols: [udp]\n"},
	}

	for _, tt := range tests {
		if _, err := Parse([]byte(tt.yaml)); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	cfg, err := Parse([]byte("storage:\n  backend: sqlite\n  data_dir: /var/lib/dnsguard\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.GetSQLiteFile() != "/var/lib/dnsguard/dnsguard.db" {
		t.Errorf("sqlite file = %q", loaded.GetSQLiteFile())
	}
}
