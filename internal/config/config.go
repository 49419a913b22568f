// Package config loads gateway configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is populated from environment variables. Defaults come from the
// struct tags.
type Config struct {
	Port           int    `env:"PORT,default=8080"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS"`
	FallbackOrigin string `env:"FALLBACK_ORIGIN"`
	LogLevel       string `env:"LOG_LEVEL,default=info"`
	LogFormat      string `env:"LOG_FORMAT,default=json"`
	AppVersion     string `env:"APP_VERSION,default=dev"`

	IdleTimeoutMS              int `env:"IDLE_TIMEOUT_MS,default=60000"`
	HelloTimeoutMS             int `env:"HELLO_TIMEOUT_MS,default=5000"`
	SSEHeartbeatMS             int `env:"SSE_HEARTBEAT_MS,default=30000"`
	DrainDeadlineMS            int `env:"DRAIN_DEADLINE_MS,default=30000"`
	MaxSessions                int `env:"MAX_SESSIONS,default=10000"`
	MaxSessionsPerIdentity     int `env:"MAX_SESSIONS_PER_IDENTITY,default=16"`
	MaxSubscriptionsPerSession int `env:"MAX_SUBSCRIPTIONS_PER_SESSION,default=64"`
	MaxChannels                int `env:"MAX_CHANNELS,default=10000"`
	OutboundQueueSize          int `env:"OUTBOUND_QUEUE_SIZE,default=256"`
	RetentionSize              int `env:"RETENTION_SIZE,default=16"`

	CacheDefaultTTLMS int `env:"CACHE_DEFAULT_TTL_MS,default=300000"`
	CacheMaxEntries   int `env:"CACHE_MAX_ENTRIES,default=50000"`

	UpstreamTimeoutMS       int `env:"UPSTREAM_TIMEOUT_MS,default=5000"`
	UpstreamMaxRetries      int `env:"UPSTREAM_MAX_RETRIES,default=2"`
	UpstreamMaxPerHost      int `env:"UPSTREAM_MAX_PER_HOST,default=32"`
	BreakerFailureThreshold int `env:"BREAKER_FAILURE_THRESHOLD,default=5"`
	BreakerWindowMS         int `env:"BREAKER_WINDOW_MS,default=30000"`
	BreakerCooldownMS       int `env:"BREAKER_COOLDOWN_MS,default=30000"`

	AuthVerifierURL string `env:"AUTH_VERIFIER_URL"`
	OIDCIssuer      string `env:"OIDC_ISSUER"`
	OIDCAudience    string `env:"OIDC_AUDIENCE"`
	OIDCJWKSURL     string `env:"OIDC_JWKS_URL"`
	APIKeys         string `env:"API_KEYS"`
	AdminToken      string `env:"ADMIN_TOKEN"`

	SportsUpstreamURL string `env:"SPORTS_UPSTREAM_URL"`
	StaticDataDir     string `env:"STATIC_DATA_DIR"`
	RedisAddr         string `env:"REDIS_ADDR"`
}

// Load decodes the environment and validates the result.
func Load() (Config, error) {
	var c Config
	if err := envdecode.Decode(&c); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects settings the gateway cannot run with.
func (c Config) Validate() error {
	var errs []error
	positive := map[string]int{
		"PORT":                          c.Port,
		"IDLE_TIMEOUT_MS":               c.IdleTimeoutMS,
		"HELLO_TIMEOUT_MS":              c.HelloTimeoutMS,
		"SSE_HEARTBEAT_MS":              c.SSEHeartbeatMS,
		"DRAIN_DEADLINE_MS":             c.DrainDeadlineMS,
		"MAX_SESSIONS":                  c.MaxSessions,
		"MAX_SESSIONS_PER_IDENTITY":     c.MaxSessionsPerIdentity,
		"MAX_SUBSCRIPTIONS_PER_SESSION": c.MaxSubscriptionsPerSession,
		"MAX_CHANNELS":                  c.MaxChannels,
		"OUTBOUND_QUEUE_SIZE":           c.OutboundQueueSize,
		"CACHE_DEFAULT_TTL_MS":          c.CacheDefaultTTLMS,
		"CACHE_MAX_ENTRIES":             c.CacheMaxEntries,
		"UPSTREAM_TIMEOUT_MS":           c.UpstreamTimeoutMS,
		"UPSTREAM_MAX_PER_HOST":         c.UpstreamMaxPerHost,
		"BREAKER_FAILURE_THRESHOLD":     c.BreakerFailureThreshold,
		"BREAKER_WINDOW_MS":             c.BreakerWindowMS,
		"BREAKER_COOLDOWN_MS":           c.BreakerCooldownMS,
	}
	for _, name := range slices.Sorted(maps.Keys(positive)) {
		if positive[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, positive[name]))
		}
	}
	if c.UpstreamMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("UPSTREAM_MAX_RETRIES must not be negative, got %d", c.UpstreamMaxRetries))
	}
	if c.RetentionSize < 0 || c.RetentionSize > 32 {
		errs = append(errs, fmt.Errorf("RETENTION_SIZE must be between 0 and 32, got %d", c.RetentionSize))
	}
	// SSE sessions are only kept alive by their heartbeat.
	if c.IdleTimeoutMS > 0 && c.SSEHeartbeatMS > 0 && c.IdleTimeoutMS <= c.SSEHeartbeatMS {
		errs = append(errs, fmt.Errorf("IDLE_TIMEOUT_MS (%d) must exceed SSE_HEARTBEAT_MS (%d)", c.IdleTimeoutMS, c.SSEHeartbeatMS))
	}
	if (c.OIDCIssuer == "") != (c.OIDCAudience == "") {
		errs = append(errs, errors.New("OIDC_ISSUER and OIDC_AUDIENCE must be set together"))
	}
	return errors.Join(errs...)
}

// Origins returns the parsed ALLOWED_ORIGINS list.
func (c Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Fallback returns the origin sent to callers outside the allow-list: the
// configured fallback, else the first allowed origin.
func (c Config) Fallback() string {
	if c.FallbackOrigin != "" {
		return c.FallbackOrigin
	}
	if o := c.Origins(); len(o) > 0 {
		return o[0]
	}
	return ""
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (c Config) IdleTimeout() time.Duration { return ms(c.IdleTimeoutMS) }
func (c Config) HelloTimeout() time.Duration { return ms(c.HelloTimeoutMS) }
func (c Config) SSEHeartbeat() time.Duration { return ms(c.SSEHeartbeatMS) }
func (c Config) DrainDeadline() time.Duration { return ms(c.DrainDeadlineMS) }
func (c Config) CacheDefaultTTL() time.Duration { return ms(c.CacheDefaultTTLMS) }
func (c Config) UpstreamTimeout() time.Duration { return ms(c.UpstreamTimeoutMS) }
func (c Config) BreakerWindow() time.Duration { return ms(c.BreakerWindowMS) }
func (c Config) BreakerCooldown() time.Duration { return ms(c.BreakerCooldownMS) }
