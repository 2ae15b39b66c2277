// Package config provides application configuration management.
// Configuration is loaded from environment variables following 12-factor principles.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Event pipelines.
const (
	PipelineDirect = "direct"
	PipelineStream = "stream"
)

// Config holds all application configuration.
type Config struct {
	// Application settings
	AppEnv  string `env:"APP_ENV" envDefault:"development"`
	AppPort int    `env:"APP_PORT" envDefault:"8080"`

	// Database (PostgreSQL)
	DatabaseURL    string `env:"DATABASE_URL,required"`
	MigrateOnStart bool   `env:"MIGRATE_ON_START" envDefault:"false"`

	// Cache (Redis)
	RedisURL     string        `env:"REDIS_URL,required"`
	RuleCacheTTL time.Duration `env:"RULE_CACHE_TTL" envDefault:"30s"`

	// BaseURL prefixes tracking URLs (BASE_URL/t/{code}).
	BaseURL string `env:"BASE_URL" envDefault:"http://localhost:8080"`
	// APIKeyEnv selects the tr_live_ or tr_test_ prefix of issued keys.
	APIKeyEnv string `env:"API_KEY_ENV" envDefault:"live"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Server timeouts
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Rate limiting
	RateLimitAPIEnabled      bool    `env:"RATE_LIMIT_API_ENABLED" envDefault:"true"`
	RateLimitRedirectEnabled bool    `env:"RATE_LIMIT_REDIRECT_ENABLED" envDefault:"true"`
	RateLimitRedirectRPS     float64 `env:"RATE_LIMIT_REDIRECT_RPS" envDefault:"100"`
	RateLimitRedirectBurst   int     `env:"RATE_LIMIT_REDIRECT_BURST" envDefault:"20"`

	// Comma-separated origins allowed to call the management API from a browser.
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:""`

	MaxRequestBodySize int64 `env:"MAX_REQUEST_BODY_SIZE" envDefault:"1048576"`

	// Event pipeline
	EventPipeline          string        `env:"EVENT_PIPELINE" envDefault:"direct"`
	AnalyticsWorkerEnabled bool          `env:"ANALYTICS_WORKER_ENABLED" envDefault:"true"`
	StatsRetryMaxElapsed   time.Duration `env:"STATS_RETRY_MAX_ELAPSED" envDefault:"5s"`

	// Visitor enrichment
	GeoIPDBPath string `env:"GEOIP_DB_PATH"`
	// TrustedProxies lists the peer IPs or CIDRs whose CF-Connecting-IP,
	// CF-IPCountry, X-Forwarded-For, X-Real-IP and X-Forwarded-Proto headers
	// are believed. Empty trusts nobody.
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`

	// Pixel and postback dispatch
	DispatchMaxConcurrent       int64         `env:"DISPATCH_MAX_CONCURRENT" envDefault:"64"`
	DispatchTimeout             time.Duration `env:"DISPATCH_TIMEOUT" envDefault:"5s"`
	DispatchRateLimit           float64       `env:"DISPATCH_RATE_LIMIT" envDefault:"200"`
	DispatchBurst               int           `env:"DISPATCH_BURST" envDefault:"50"`
	DispatchAllowPrivateTargets bool          `env:"DISPATCH_ALLOW_PRIVATE_TARGETS" envDefault:"false"`

	// Conversion formulas
	FormulaCostLimit uint64 `env:"FORMULA_COST_LIMIT" envDefault:"1000"`
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// UseStream reports whether clicks go through the Redis stream pipeline.
func (c *Config) UseStream() bool {
	return c.EventPipeline == PipelineStream
}

// GetCORSAllowedOrigins parses the comma-separated origins string into a slice.
func (c *Config) GetCORSAllowedOrigins() []string {
	if c.CORSAllowedOrigins == "" {
		return nil
	}

	origins := strings.Split(c.CORSAllowedOrigins, ",")
	result := make([]string, 0, len(origins))
	for _, origin := range origins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// Validate checks values the struct tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	switch c.EventPipeline {
	case PipelineDirect, PipelineStream:
	default:
		errs = append(errs, fmt.Errorf("EVENT_PIPELINE must be %q or %q, got %q", PipelineDirect, PipelineStream, c.EventPipeline))
	}
	if c.APIKeyEnv != "live" && c.APIKeyEnv != "test" {
		errs = append(errs, fmt.Errorf("API_KEY_ENV must be \"live\" or \"test\", got %q", c.APIKeyEnv))
	}
	if c.AppPort <= 0 || c.AppPort > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT out of range: %d", c.AppPort))
	}
	if c.RateLimitRedirectRPS < 0 || c.RateLimitRedirectBurst < 0 {
		errs = append(errs, errors.New("redirect rate limits must not be negative"))
	}
	if c.MaxRequestBodySize <= 0 {
		errs = append(errs, errors.New("MAX_REQUEST_BODY_SIZE must be positive"))
	}
	for _, entry := range c.TrustedProxies {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if _, err := netip.ParsePrefix(entry); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(entry); err != nil {
			errs = append(errs, fmt.Errorf("TRUSTED_PROXIES entry %q is not an IP or CIDR", entry))
		}
	}
	if c.FormulaCostLimit == 0 {
		errs = append(errs, errors.New("FORMULA_COST_LIMIT must be positive"))
	}
	return errors.Join(errs...)
}

// Load parses environment variables and returns a validated Config.
// Returns an error if required variables are missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
