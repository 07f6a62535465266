package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Fallback token lifetimes, used when the configured value is absent or
// does not parse. Issuance must never fail on a bad lifetime string.
const (
	DefaultAccessLifetime  = 15 * time.Minute
	DefaultRefreshLifetime = 7 * 24 * time.Hour
)

// Config holds the gateway runtime configuration, loaded from environment
// variables. Secrets are never logged.
type Config struct {
	ListenAddr     string `env:"SENTRA_LISTEN_ADDR" envDefault:":8080"`
	GRPCListenAddr string `env:"SENTRA_GRPC_LISTEN_ADDR" envDefault:":9090"`

	PostgresDSN string `env:"SENTRA_PG_DSN"`

	RedisAddr     string `env:"SENTRA_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"SENTRA_REDIS_PASSWORD"`
	RedisDB       int    `env:"SENTRA_REDIS_DB" envDefault:"0"`

	AccessSecret  string `env:"SENTRA_ACCESS_SECRET"`
	RefreshSecret string `env:"SENTRA_REFRESH_SECRET"`

	// Token lifetimes in the <integer><unit> grammar (s, m, h, d).
	AccessLifetime  string `env:"SENTRA_ACCESS_LIFETIME" envDefault:"15m"`
	RefreshLifetime string `env:"SENTRA_REFRESH_LIFETIME" envDefault:"7d"`

	Issuer string `env:"SENTRA_TOKEN_ISSUER" envDefault:"sentra"`

	// Shared secret for trusted service-to-service calls. The header name is
	// configuration, not a constant. With no secret set, internal-tier HTTP
	// routes are denied.
	InternalTrustHeader string `env:"SENTRA_INTERNAL_TRUST_HEADER" envDefault:"X-Internal-Auth"`
	InternalTrustSecret string `env:"SENTRA_INTERNAL_TRUST_SECRET"`

	// Bound on every downstream round trip (identity lookup, cache op).
	CallTimeout time.Duration `env:"SENTRA_CALL_TIMEOUT" envDefault:"3s"`
}

// Load parses configuration from the environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the invariants the rest of the service relies on.
func (c Config) Validate() error {
	if strings.TrimSpace(c.AccessSecret) == "" {
		return errors.New("config: access token secret is required")
	}
	if strings.TrimSpace(c.RefreshSecret) == "" {
		return errors.New("config: refresh token secret is required")
	}
	// Distinct secrets are an isolation boundary between the token types.
	if c.AccessSecret == c.RefreshSecret {
		return errors.New("config: access and refresh secrets must differ")
	}
	if c.CallTimeout <= 0 {
		return errors.New("config: call timeout must be positive")
	}
	return nil
}

// AccessTTL returns the parsed access token lifetime.
func (c Config) AccessTTL() time.Duration {
	return ParseLifetime(c.AccessLifetime, DefaultAccessLifetime)
}

// RefreshTTL returns the parsed refresh token lifetime.
func (c Config) RefreshTTL() time.Duration {
	return ParseLifetime(c.RefreshLifetime, DefaultRefreshLifetime)
}

// ParseLifetime parses a lifetime string in the <integer><unit> grammar where
// unit is one of s, m, h, d. Unparsable or non-positive values fall back to
// the supplied default instead of failing.
func ParseLifetime(s string, fallback time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return fallback
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return fallback
	}
	switch s[len(s)-1] {
	case 's':
		return time.Duration(n) * time.Second
	case 'm':
		return time.Duration(n) * time.Minute
	case 'h':
		return time.Duration(n) * time.Hour
	case 'd':
		return time.Duration(n) * 24 * time.Hour
	default:
		return fallback
	}
}
