package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents runtime configuration for the client.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	Redis       RedisConfig               `json:"redis" yaml:"redis"`
	Log         LogConfig                 `json:"log" yaml:"log"`
	Archive     ArchiveConfig             `json:"archive" yaml:"archive"`
}

type BasicConfig struct {
	APIBaseURL                 string `json:"api_base_url" yaml:"api_base_url"`
	WebSocketURL               string `json:"ws_url" yaml:"ws_url"`
	ServerAddress              string `json:"server_address" yaml:"server_address"`
	RequestTimeoutSeconds      int    `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`
	PollIntervalSeconds        int    `json:"poll_interval_seconds" yaml:"poll_interval_seconds"`
	MaxPollAttempts            int    `json:"max_poll_attempts" yaml:"max_poll_attempts"`
	PollTimeoutSeconds         int    `json:"poll_timeout_seconds" yaml:"poll_timeout_seconds"`
	AllowConcurrentSubmissions bool   `json:"allow_concurrent_submissions" yaml:"allow_concurrent_submissions"`
	ExportDir                  string `json:"export_dir" yaml:"export_dir"`
	TrendWindow                int    `json:"trend_window" yaml:"trend_window"`
	ResultsCacheSeconds        int    `json:"results_cache_seconds" yaml:"results_cache_seconds"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"dbname" yaml:"dbname"`
	Params   string `json:"params" yaml:"params"`
}

// RedisConfig enables the cross-process event relay when Host is set.
type RedisConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Channel  string `json:"channel" yaml:"channel"`
}

type LogConfig struct {
	FilePath   string `json:"file_path" yaml:"file_path"`
	Production bool   `json:"production" yaml:"production"`
}

// ArchiveConfig enables report archiving to object storage when Endpoint is set.
type ArchiveConfig struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Region    string `json:"region" yaml:"region"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	UseSSL    bool   `json:"use_ssl" yaml:"use_ssl"`
}

// Load reads configuration from the provided path (defaults to config.json).
// Files ending in .yaml or .yml are decoded as YAML.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.normalize(filepath.Dir(absPath)); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize(baseDir string) error {
	b := &c.BasicConfig
	if b.APIBaseURL == "" {
		return fmt.Errorf("api_base_url must be configured")
	}
	u, err := url.Parse(b.APIBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("api_base_url %q is not an absolute url", b.APIBaseURL)
	}
	if !strings.HasSuffix(b.APIBaseURL, "/") {
		b.APIBaseURL += "/"
	}
	if b.ServerAddress == "" {
		b.ServerAddress = "127.0.0.1:8090"
	}
	if b.RequestTimeoutSeconds <= 0 {
		b.RequestTimeoutSeconds = 30
	}
	if b.PollIntervalSeconds <= 0 {
		b.PollIntervalSeconds = 5
	}
	if b.MaxPollAttempts < 0 {
		return fmt.Errorf("max_poll_attempts must not be negative")
	}
	if b.PollTimeoutSeconds < 0 {
		return fmt.Errorf("poll_timeout_seconds must not be negative")
	}
	if b.TrendWindow <= 0 {
		b.TrendWindow = 3
	}
	if b.ResultsCacheSeconds <= 0 {
		b.ResultsCacheSeconds = 30
	}
	if b.ExportDir == "" {
		b.ExportDir = "exports"
	}
	if !filepath.IsAbs(b.ExportDir) {
		b.ExportDir = filepath.Join(baseDir, b.ExportDir)
	}

	if c.Databases == nil {
		c.Databases = map[string]DatabaseConfig{}
	}
	if _, ok := c.Databases["sqlite3"]; !ok {
		c.Databases["sqlite3"] = DatabaseConfig{DSN: "circad.db"}
	}
	for name, db := range c.Databases {
		if isSQLite(name) && db.DSN != "" && db.DSN != ":memory:" && !strings.HasPrefix(db.DSN, "file:") && !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(baseDir, db.DSN)
			c.Databases[name] = db
		}
	}

	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "circad:events"
	}
	if c.Log.FilePath != "" && !filepath.IsAbs(c.Log.FilePath) {
		c.Log.FilePath = filepath.Join(baseDir, c.Log.FilePath)
	}
	return nil
}

func isSQLite(name string) bool {
	n := strings.ToLower(name)
	return n == "sqlite" || n == "sqlite3"
}

func (b BasicConfig) RequestTimeout() time.Duration {
	return time.Duration(b.RequestTimeoutSeconds) * time.Second
}

func (b BasicConfig) PollInterval() time.Duration {
	return time.Duration(b.PollIntervalSeconds) * time.Second
}

// PollTimeout returns zero when polling is unbounded in time.
func (b BasicConfig) PollTimeout() time.Duration {
	return time.Duration(b.PollTimeoutSeconds) * time.Second
}

func (b BasicConfig) ResultsCacheTTL() time.Duration {
	return time.Duration(b.ResultsCacheSeconds) * time.Second
}

// Addr returns the redis address, or "" when the relay is disabled.
func (r RedisConfig) Addr() string {
	if r.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
