package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration.
// Every tunable the engine reads flows from here; components never
// consult the environment mid-operation.
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Storage  StorageConfig  `yaml:"storage" envconfig:"STORAGE"`
	Security SecurityConfig `yaml:"security" envconfig:"SECURITY"`
	License  LicenseConfig  `yaml:"license" envconfig:"LICENSE"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	BaseURL         string        `yaml:"base_url" envconfig:"BASE_URL" default:"http://localhost:8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" default:"10s"`
}

// StorageConfig selects and configures the durable license store and the
// ephemeral rate-limit window store.
type StorageConfig struct {
	// Driver is "memory" or "postgres".
	Driver      string `yaml:"driver" envconfig:"DRIVER" default:"memory"`
	PostgresDSN string `yaml:"postgres_dsn" envconfig:"POSTGRES_DSN"`
	// RedisAddr, when set, backs the rate limiter with Redis instead of
	// process-local memory. Loss of this store is tolerated; the limiter
	// fails open.
	RedisAddr     string `yaml:"redis_addr" envconfig:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" envconfig:"REDIS_DB" default:"0"`
}

// SecurityConfig contains secrets location and abuse-control configuration
type SecurityConfig struct {
	// SecretFile holds the master secret from which the key salt, the key
	// verification secret and the URL-signing secret are all derived.
	// Provisioned at startup; the server refuses to boot without one.
	SecretFile string `yaml:"secret_file" envconfig:"SECRET_FILE" default:"keygate.secret"`
	// ExemptBypassGrace controls whether exempt (developer) domains are
	// also allowed through when a license sits past its grace window.
	ExemptBypassGrace bool `yaml:"exempt_bypass_grace" envconfig:"EXEMPT_BYPASS_GRACE" default:"false"`

	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration. GlobalRPS/Burst
// drive the router-wide token bucket; the per-action policies drive the
// sliding-window limiter in front of the engine endpoints.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	GlobalRPS     float64       `yaml:"global_rps" envconfig:"GLOBAL_RPS" default:"100"`
	GlobalBurst   int           `yaml:"global_burst" envconfig:"GLOBAL_BURST" default:"50"`
	BlockDuration time.Duration `yaml:"block_duration" envconfig:"BLOCK_DURATION" default:"15m"`

	Activate RatePolicy `yaml:"activate" envconfig:"ACTIVATE"`
	Validate RatePolicy `yaml:"validate" envconfig:"VALIDATE"`
	Download RatePolicy `yaml:"download" envconfig:"DOWNLOAD"`
	Admin    RatePolicy `yaml:"admin" envconfig:"ADMIN"`
}

// RatePolicy is one (limit, window) pair for a named action.
type RatePolicy struct {
	Limit  int           `yaml:"limit" envconfig:"LIMIT"`
	Window time.Duration `yaml:"window" envconfig:"WINDOW"`
}

// LicenseConfig contains engine policy configuration
type LicenseConfig struct {
	// ExemptDomains are extra allow-list patterns on top of the built-in
	// developer set (localhost, *.local, *.test). Newline or comma
	// separated, matching the admin-facing storage format.
	ExemptDomains string `yaml:"exempt_domains" envconfig:"EXEMPT_DOMAINS"`
	// DownloadTokenTTL bounds the validity of signed download URLs.
	DownloadTokenTTL time.Duration `yaml:"download_token_ttl" envconfig:"DOWNLOAD_TOKEN_TTL" default:"300s"`
	// ReleaseBaseURL, when set, is where verified download requests are
	// redirected ({base}/{releaseID}). Empty means the server answers
	// with an authorization receipt instead of a redirect.
	ReleaseBaseURL string `yaml:"release_base_url" envconfig:"RELEASE_BASE_URL"`
	// KeyGenerationRetries bounds collision retries during key generation.
	KeyGenerationRetries int `yaml:"key_generation_retries" envconfig:"KEY_GENERATION_RETRIES" default:"10"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output string `yaml:"output" envconfig:"OUTPUT" default:"console"`
}

// Load loads configuration from environment variables and an optional
// YAML file (KEYGATE_CONFIG or ./keygate.yaml). Environment and
// defaults apply first; the file overlays them.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("KEYGATE", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	configFile := os.Getenv("KEYGATE_CONFIG")
	if configFile == "" {
		configFile = "keygate.yaml"
	}
	if _, err := os.Stat(configFile); err == nil {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyDefaults fills the per-action rate policies that envconfig's default
// tags cannot express as struct values.
func (c *Config) applyDefaults() {
	fill := func(p *RatePolicy, limit int, window time.Duration) {
		if p.Limit == 0 {
			p.Limit = limit
		}
		if p.Window == 0 {
			p.Window = window
		}
	}
	fill(&c.Security.RateLimit.Activate, DefaultActivateLimit, DefaultActivateWindow)
	fill(&c.Security.RateLimit.Validate, DefaultValidateLimit, DefaultValidateWindow)
	fill(&c.Security.RateLimit.Download, DefaultDownloadLimit, DefaultDownloadWindow)
	fill(&c.Security.RateLimit.Admin, DefaultAdminLimit, DefaultAdminWindow)
	if c.Security.RateLimit.BlockDuration == 0 {
		c.Security.RateLimit.BlockDuration = DefaultBlockDuration
	}
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage driver postgres requires a DSN")
		}
	default:
		return fmt.Errorf("unknown storage driver: %q", c.Storage.Driver)
	}
	if c.Security.SecretFile == "" {
		return fmt.Errorf("security secret_file must not be empty")
	}
	if c.License.DownloadTokenTTL <= 0 {
		return fmt.Errorf("download token TTL must be positive")
	}
	for _, p := range []struct {
		name   string
		policy RatePolicy
	}{
		{"activate", c.Security.RateLimit.Activate},
		{"validate", c.Security.RateLimit.Validate},
		{"download", c.Security.RateLimit.Download},
		{"admin", c.Security.RateLimit.Admin},
	} {
		if p.policy.Limit <= 0 || p.policy.Window <= 0 {
			return fmt.Errorf("rate policy %s must have positive limit and window", p.name)
		}
	}
	return nil
}
