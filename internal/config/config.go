package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the transport probing engine
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Probe      ProbeConfig      `yaml:"probe"`
	Retry      RetryConfig      `yaml:"retry"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Redis      RedisConfig      `yaml:"redis"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// DiscoveryConfig holds candidate generation and DNS settings
type DiscoveryConfig struct {
	ExtraPrefixes     []string `yaml:"extra_prefixes"`
	DNSTimeoutSeconds int      `yaml:"dns_timeout_seconds"`
	CacheTTLSeconds   int      `yaml:"cache_ttl_seconds"`
	CacheMaxEntries   int      `yaml:"cache_max_entries"`
}

// DNSTimeout returns the configured DNS lookup timeout as a duration
func (c DiscoveryConfig) DNSTimeout() time.Duration {
	return time.Duration(c.DNSTimeoutSeconds) * time.Second
}

// CacheTTL returns the configured DNS cache TTL as a duration
func (c DiscoveryConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// ProbeConfig holds connection probe settings
type ProbeConfig struct {
	ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds"`
	CommandTimeoutSeconds int    `yaml:"command_timeout_seconds"`
	HelloDomain           string `yaml:"hello_domain"`
	AllowInsecure         bool   `yaml:"allow_insecure"`
	MaxConcurrent         int    `yaml:"max_concurrent"`
}

// ConnectTimeout returns the TCP connect timeout as a duration
func (c ProbeConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// CommandTimeout returns the per-command protocol timeout as a duration
func (c ProbeConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSeconds) * time.Second
}

// RetryConfig holds transient-failure retry settings
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseSeconds int `yaml:"base_seconds"`
	CapSeconds  int `yaml:"cap_seconds"`
}

// Base returns the first backoff delay as a duration
func (c RetryConfig) Base() time.Duration {
	return time.Duration(c.BaseSeconds) * time.Second
}

// Cap returns the backoff ceiling as a duration
func (c RetryConfig) Cap() time.Duration {
	return time.Duration(c.CapSeconds) * time.Second
}

// RateLimitConfig holds token bucket settings.
// Rate is tokens replenished per second, Capacity the burst ceiling.
type RateLimitConfig struct {
	Rate     float64 `yaml:"rate"`
	Capacity float64 `yaml:"capacity"`
}

// RedisConfig holds the optional shared-limiter backend.
// When disabled the engine uses the in-process token bucket.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DeadLetterConfig holds the exhausted-failure store settings
type DeadLetterConfig struct {
	Path string `yaml:"path"`
}

// Default returns the baseline configuration used when no file is given
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Discovery.DNSTimeoutSeconds == 0 {
		cfg.Discovery.DNSTimeoutSeconds = 5
	}
	if cfg.Discovery.CacheTTLSeconds == 0 {
		cfg.Discovery.CacheTTLSeconds = 600
	}
	if cfg.Discovery.CacheMaxEntries == 0 {
		cfg.Discovery.CacheMaxEntries = 1024
	}
	if cfg.Probe.ConnectTimeoutSeconds == 0 {
		cfg.Probe.ConnectTimeoutSeconds = 10
	}
	if cfg.Probe.CommandTimeoutSeconds == 0 {
		cfg.Probe.CommandTimeoutSeconds = 5
	}
	if cfg.Probe.HelloDomain == "" {
		cfg.Probe.HelloDomain = "localhost"
	}
	if cfg.Probe.MaxConcurrent == 0 {
		cfg.Probe.MaxConcurrent = 10
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BaseSeconds == 0 {
		cfg.Retry.BaseSeconds = 2
	}
	if cfg.Retry.CapSeconds == 0 {
		cfg.Retry.CapSeconds = 30
	}
	if cfg.RateLimit.Rate == 0 {
		cfg.RateLimit.Rate = 5
	}
	if cfg.RateLimit.Capacity == 0 {
		cfg.RateLimit.Capacity = 10
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.DeadLetter.Path == "" {
		cfg.DeadLetter.Path = "dead_letters.json"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if level := os.Getenv("PROBE_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if domain := os.Getenv("PROBE_HELLO_DOMAIN"); domain != "" {
		cfg.Probe.HelloDomain = domain
	}
	if v := os.Getenv("PROBE_ALLOW_INSECURE"); v != "" {
		if allow, err := strconv.ParseBool(v); err == nil {
			cfg.Probe.AllowInsecure = allow
		}
	}
	if addr := os.Getenv("PROBE_REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
		cfg.Redis.Enabled = true
	}
	if password := os.Getenv("PROBE_REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if path := os.Getenv("PROBE_DEAD_LETTER_PATH"); path != "" {
		cfg.DeadLetter.Path = path
	}

	return cfg, nil
}
