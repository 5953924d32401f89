package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	JWT       JWTConfig       `yaml:"jwt"`
	Redis     RedisConfig     `yaml:"redis"`
	Log       LogConfig       `yaml:"log"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Source    SourceConfig    `yaml:"source"`
	LLM       LLMConfig       `yaml:"llm"`
	Security  SecurityConfig  `yaml:"security"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           string   `yaml:"port"`
	Mode           string   `yaml:"mode"` // debug, release, test
	AllowedOrigins []string `yaml:"allowed_origins"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, postgres
	DSN    string `yaml:"dsn"`
}

type JWTConfig struct {
	Secret     string `yaml:"secret"`
	ExpireHour int    `yaml:"expire_hour"`
}

// RedisConfig for optional async manual-run queue
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// SchedulerConfig controls the report tick loop.
type SchedulerConfig struct {
	Enabled             bool          `yaml:"enabled"`
	Spec                string        `yaml:"spec"` // robfig/cron spec for the outer tick
	Workers             int           `yaml:"workers"`
	ItemTimeout         time.Duration `yaml:"item_timeout"`
	LockTTL             time.Duration `yaml:"lock_ttl"`
	DefaultMonthlyLimit int           `yaml:"default_monthly_limit"`
}

type DeliveryConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	UserAgent  string        `yaml:"user_agent"`
}

type SourceConfig struct {
	GitHubAPIURL string        `yaml:"github_api_url"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxPages     int           `yaml:"max_pages"`
}

// LLMConfig selects the summarization provider. An empty APIKey (except for
// ollama) disables the LLM and the plain digest is used instead.
type LLMConfig struct {
	Provider        string  `yaml:"provider"` // openai, azure, anthropic, ollama, gemini
	BaseURL         string  `yaml:"base_url"`
	APIKey          string  `yaml:"api_key"`
	Model           string  `yaml:"model"`
	MaxTokens       int     `yaml:"max_tokens"`
	Temperature     float64 `yaml:"temperature"`
	CostPer1KTokens float64 `yaml:"cost_per_1k_tokens"`
}

type SecurityConfig struct {
	CredentialKey string `yaml:"credential_key"`
}

// Load reads configPath (config.yaml when empty) over DefaultConfig and then
// applies environment overrides. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configPath, err)
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	cfg.overrideFromEnv()
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           "8080",
			Mode:           "debug",
			AllowedOrigins: []string{"*"},
			RateLimitRPS:   5,
			RateLimitBurst: 20,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "commit-digest.db",
		},
		JWT: JWTConfig{
			Secret:     "commit-digest-secret-key-change-in-production",
			ExpireHour: 24,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Log:   LogConfig{Level: "info"},
		Scheduler: SchedulerConfig{
			Enabled:             true,
			Spec:                "@hourly",
			Workers:             4,
			ItemTimeout:         10 * time.Minute,
			LockTTL:             30 * time.Minute,
			DefaultMonthlyLimit: 30,
		},
		Delivery: DeliveryConfig{
			Timeout:    10 * time.Second,
			MaxRetries: 2,
			UserAgent:  "CommitDigest-Webhook/1.0",
		},
		Source: SourceConfig{
			GitHubAPIURL: "https://api.github.com",
			Timeout:      60 * time.Second,
			MaxPages:     10,
		},
		LLM: LLMConfig{
			Provider:        "openai",
			BaseURL:         "https://api.openai.com/v1",
			Model:           "gpt-4o-mini",
			MaxTokens:       2048,
			Temperature:     0.3,
			CostPer1KTokens: 0.0006,
		},
	}
}

func (c *Config) overrideFromEnv() {
	strs := map[string]*string{
		"SERVER_HOST":    &c.Server.Host,
		"SERVER_PORT":    &c.Server.Port,
		"SERVER_MODE":    &c.Server.Mode,
		"DB_DRIVER":      &c.Database.Driver,
		"DB_DSN":         &c.Database.DSN,
		"JWT_SECRET":     &c.JWT.Secret,
		"LOG_LEVEL":      &c.Log.Level,
		"SCHEDULER_SPEC": &c.Scheduler.Spec,
		"LLM_PROVIDER":   &c.LLM.Provider,
		"LLM_BASE_URL":   &c.LLM.BaseURL,
		"LLM_API_KEY":    &c.LLM.APIKey,
		"LLM_MODEL":      &c.LLM.Model,
		"CREDENTIAL_KEY": &c.Security.CredentialKey,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("SCHEDULER_ENABLED"); v != "" {
		c.Scheduler.Enabled = v == "true" || v == "1"
	}
	if n, err := strconv.Atoi(os.Getenv("DEFAULT_MONTHLY_LIMIT")); err == nil {
		c.Scheduler.DefaultMonthlyLimit = n
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.Enabled = true
		c.parseRedisURL(v)
	}
}

// parseRedisURL applies redis://[:password@]host:port[/db]. Unparseable
// input is used as a bare address.
func (c *Config) parseRedisURL(raw string) {
	if !strings.Contains(raw, "://") {
		raw = "redis://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		c.Redis.Addr = strings.TrimPrefix(raw, "redis://")
		return
	}

	c.Redis.Addr = u.Host
	if pw, ok := u.User.Password(); ok {
		c.Redis.Password = pw
	}
	if db, err := strconv.Atoi(strings.TrimPrefix(u.Path, "/")); err == nil {
		c.Redis.DB = db
	}
}
