package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadJSONDefaults(t *testing.T) {
	path := writeFile(t, "config.json", `{"basic_config":{"api_base_url":"http://localhost:8000/api"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := cfg.BasicConfig
	if b.APIBaseURL != "http://localhost:8000/api/" {
		t.Fatalf("expected trailing slash, got %q", b.APIBaseURL)
	}
	if b.PollInterval() != 5*time.Second {
		t.Fatalf("expected 5s poll interval, got %s", b.PollInterval())
	}
	if b.MaxPollAttempts != 0 || b.PollTimeout() != 0 {
		t.Fatalf("expected unbounded polling by default")
	}
	if b.AllowConcurrentSubmissions {
		t.Fatalf("expected in-flight guard on by default")
	}
	dsn := cfg.Databases["sqlite3"].DSN
	if !filepath.IsAbs(dsn) || filepath.Dir(dsn) != filepath.Dir(path) {
		t.Fatalf("expected sqlite dsn next to config, got %q", dsn)
	}
	if cfg.Redis.Addr() != "" {
		t.Fatalf("expected relay disabled without redis host")
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
basic_config:
  api_base_url: https://circad.example.com/api/
  poll_interval_seconds: 2
  max_poll_attempts: 10
redis:
  host: 127.0.0.1
databases:
  sqlite3:
    dsn: ":memory:"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BasicConfig.PollInterval() != 2*time.Second {
		t.Fatalf("unexpected interval %s", cfg.BasicConfig.PollInterval())
	}
	if cfg.BasicConfig.MaxPollAttempts != 10 {
		t.Fatalf("unexpected max attempts %d", cfg.BasicConfig.MaxPollAttempts)
	}
	if cfg.Redis.Addr() != "127.0.0.1:6379" {
		t.Fatalf("unexpected redis addr %q", cfg.Redis.Addr())
	}
	if cfg.Databases["sqlite3"].DSN != ":memory:" {
		t.Fatalf("memory dsn should be kept as is")
	}
}

func TestLoadRejectsMissingBaseURL(t *testing.T) {
	path := writeFile(t, "config.json", `{"basic_config":{}}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for missing api_base_url")
	}
	path = writeFile(t, "bad.json", `{"basic_config":{"api_base_url":"not a url"}}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for relative api_base_url")
	}
}
