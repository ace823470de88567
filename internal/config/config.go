package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir       string `json:"data_dir" yaml:"data_dir"`
	LogLevel      string `json:"log_level" yaml:"log_level"`
	MaxConcurrent int    `json:"max_concurrent" yaml:"max_concurrent"`
	LLM           struct {
		Provider         string  `json:"provider" yaml:"provider"`
		BaseURL          string  `json:"base_url" yaml:"base_url"`
		APIKey           string  `json:"api_key" yaml:"api_key"`
		Model            string  `json:"model" yaml:"model"`
		MaxTokens        int     `json:"max_tokens" yaml:"max_tokens"`
		Temperature      float32 `json:"temperature" yaml:"temperature"`
		MaxContextTokens int     `json:"max_context_tokens" yaml:"max_context_tokens"`
		OutputReserve    int     `json:"output_reserve" yaml:"output_reserve"`
	} `json:"llm" yaml:"llm"`
	Runtime struct {
		MaxSteps         int `json:"max_steps" yaml:"max_steps"`
		ToolResultTokens int `json:"tool_result_tokens" yaml:"tool_result_tokens"`
	} `json:"runtime" yaml:"runtime"`
	Search struct {
		Provider string `json:"provider" yaml:"provider"`
		Serper   struct {
			APIKey string `json:"api_key" yaml:"api_key"`
		} `json:"serper" yaml:"serper"`
		Brave struct {
			APIKey string `json:"api_key" yaml:"api_key"`
		} `json:"brave" yaml:"brave"`
	} `json:"search" yaml:"search"`
	Crawler struct {
		Concurrency      int     `json:"concurrency" yaml:"concurrency"`
		TimeoutSeconds   int     `json:"timeout_seconds" yaml:"timeout_seconds"`
		MaxAttempts      int     `json:"max_attempts" yaml:"max_attempts"`
		MaxChars         int     `json:"max_chars" yaml:"max_chars"`
		UserAgent        string  `json:"user_agent" yaml:"user_agent"`
		RobotsTTLMinutes int     `json:"robots_ttl_minutes" yaml:"robots_ttl_minutes"`
		CacheTTLMinutes  int     `json:"cache_ttl_minutes" yaml:"cache_ttl_minutes"`
		CacheBackend     string  `json:"cache_backend" yaml:"cache_backend"`
		PerHostRPS       float64 `json:"per_host_rps" yaml:"per_host_rps"`
		SweepSchedule    string  `json:"sweep_schedule" yaml:"sweep_schedule"`
	} `json:"crawler" yaml:"crawler"`
	Redis struct {
		Addr     string `json:"addr" yaml:"addr"`
		Password string `json:"password" yaml:"password"`
		DB       int    `json:"db" yaml:"db"`
	} `json:"redis" yaml:"redis"`
	Database struct {
		Driver string `json:"driver" yaml:"driver"`
		DSN    string `json:"dsn" yaml:"dsn"`
	} `json:"database" yaml:"database"`
	Quota struct {
		DailyLimit int    `json:"daily_limit" yaml:"daily_limit"`
		Timezone   string `json:"timezone" yaml:"timezone"`
	} `json:"quota" yaml:"quota"`
	Chat struct {
		Placeholder string `json:"placeholder" yaml:"placeholder"`
	} `json:"chat" yaml:"chat"`
	HTTP struct {
		Listen string `json:"listen" yaml:"listen"`
	} `json:"http" yaml:"http"`
	Auth struct {
		JWTSecret string   `json:"jwt_secret" yaml:"jwt_secret"`
		Admins    []string `json:"admins" yaml:"admins"`
	} `json:"auth" yaml:"auth"`
	Telemetry struct {
		Enabled     bool    `json:"enabled" yaml:"enabled"`
		ServiceName string  `json:"service_name" yaml:"service_name"`
		Endpoint    string  `json:"endpoint" yaml:"endpoint"`
		Insecure    bool    `json:"insecure" yaml:"insecure"`
		SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio"`
	} `json:"telemetry" yaml:"telemetry"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".deepsearch"),
		MaxConcurrent: 8,
	}
	cfg.LogLevel = "info"
	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxTokens = 2000
	cfg.LLM.Temperature = 0.3
	cfg.LLM.MaxContextTokens = 128000
	cfg.LLM.OutputReserve = 4096
	cfg.Runtime.MaxSteps = 10
	cfg.Runtime.ToolResultTokens = 4000
	cfg.Search.Provider = "serper"
	cfg.Crawler.Concurrency = 5
	cfg.Crawler.TimeoutSeconds = 15
	cfg.Crawler.MaxAttempts = 3
	cfg.Crawler.MaxChars = 50000
	cfg.Crawler.UserAgent = "DeepSearchBot/1.0"
	cfg.Crawler.RobotsTTLMinutes = 60
	cfg.Crawler.CacheTTLMinutes = 60
	cfg.Crawler.CacheBackend = "memory"
	cfg.Crawler.PerHostRPS = 2
	cfg.Crawler.SweepSchedule = "@every 10m"
	cfg.Database.Driver = "sqlite"
	cfg.Quota.DailyLimit = 50
	cfg.Quota.Timezone = "Local"
	cfg.Chat.Placeholder = "prompt"
	cfg.HTTP.Listen = ":8080"
	cfg.Telemetry.ServiceName = "deepsearch"
	cfg.Telemetry.SampleRatio = 1
	return cfg
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func decode(path string, data []byte, v any) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

func encode(path string, v any) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(v)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Load reads the config file at path, writing defaults there if it does not
// exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = filepath.Join(cfg.DataDir, "deepsearch.db")
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Missing files are skipped and existing variables win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Override from env (highest precedence)
func applyEnv(cfg *Config) {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("SERPER_API_KEY"); v != "" {
		cfg.Search.Serper.APIKey = v
	}
	if v := os.Getenv("BRAVE_API_KEY"); v != "" {
		cfg.Search.Brave.APIKey = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
		if strings.HasPrefix(v, "postgres://") || strings.HasPrefix(v, "postgresql://") {
			cfg.Database.Driver = "postgres"
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("DEEPSEARCH_LISTEN"); v != "" {
		cfg.HTTP.Listen = v
	}
}

// Validate checks values that would otherwise fail deep inside startup.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	switch c.Search.Provider {
	case "serper", "brave":
	default:
		return fmt.Errorf("search.provider must be serper or brave, got %q", c.Search.Provider)
	}
	switch c.Crawler.CacheBackend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("crawler.cache_backend is redis but redis.addr is empty")
		}
	default:
		return fmt.Errorf("crawler.cache_backend must be memory or redis, got %q", c.Crawler.CacheBackend)
	}
	switch c.Chat.Placeholder {
	case "", "prompt", "empty":
	default:
		return fmt.Errorf("chat.placeholder must be prompt or empty, got %q", c.Chat.Placeholder)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Quota.DailyLimit <= 0 {
		return fmt.Errorf("quota.daily_limit must be positive, got %d", c.Quota.DailyLimit)
	}
	return nil
}

// Location resolves quota.timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Quota.Timezone == "" || c.Quota.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Quota.Timezone)
	if err != nil {
		return nil, fmt.Errorf("quota.timezone: %w", err)
	}
	return loc, nil
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	data, err := encode(path, cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg into a generic nested map using its JSON field names.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns every config value keyed by dotted path, optionally
// with secrets masked.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := leaves(m)
	if mask {
		maskSecrets(flat)
	}
	return flat, nil
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := map[string]any{}
	if err := decode(path, data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

// GetValue returns the value stored in the config file under a dotted key.
// The file is created with defaults if missing.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := leaves(raw)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under a dotted key in an existing config file.
// Values that parse as JSON (numbers, booleans, arrays) keep their type;
// anything else is stored as a string.
func SetValue(path, key, value string) error {
	raw, err := readRaw(path)
	if err != nil {
		return err
	}
	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}
	setPath(raw, key, parsed)
	data, err := encode(path, raw)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}
