package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds every server-level option for the dashboard process.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Upstream  UpstreamConfig  `koanf:"upstream"`
	Poller    PollerConfig    `koanf:"poller"`
	Notifier  NotifierConfig  `koanf:"notifier"`
	RateLimit RateLimitConfig `koanf:"rateLimit"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle agent.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
	Cache   CacheConfig   `koanf:"cache"`
	Auth    AuthConfig    `koanf:"auth"`
}

// AuthConfig holds the shared token the auth endpoint checks. An empty token
// rejects every attempt.
type AuthConfig struct {
	Token string `koanf:"token"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CacheConfig selects the cache backend and its retention behavior.
type CacheConfig struct {
	Backend      string       `koanf:"backend"`
	TTLSeconds   int          `koanf:"ttlSeconds"`
	SweepSeconds int          `koanf:"sweepSeconds"`
	Valkey       ValkeyConfig `koanf:"valkey"`
}

// ValkeyConfig carries connection settings for the shared cache backend.
type ValkeyConfig struct {
	Address  string          `koanf:"address"`
	Username string          `koanf:"username"`
	Password string          `koanf:"password"`
	DB       int             `koanf:"db"`
	TLS      ValkeyTLSConfig `koanf:"tls"`
}

// ValkeyTLSConfig toggles TLS and pins an optional CA bundle.
type ValkeyTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// UpstreamConfig points at the monitoring API the poller reads from.
type UpstreamConfig struct {
	URL            string `koanf:"url"`
	Username       string `koanf:"username"`
	Password       string `koanf:"password"`
	TimeoutSeconds int    `koanf:"timeoutSeconds"`
}

// Timeout returns the per-request upstream timeout.
func (c UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PollerConfig drives the poll-diff-publish cycle cadence.
type PollerConfig struct {
	IntervalSeconds int `koanf:"intervalSeconds"`
	DeadlineSeconds int `koanf:"deadlineSeconds"`
}

// Interval returns the cycle cadence.
func (c PollerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Deadline returns the per-cycle abandonment deadline.
func (c PollerConfig) Deadline() time.Duration {
	return time.Duration(c.DeadlineSeconds) * time.Second
}

// NotifierConfig controls which events reach the outbound chat sink.
type NotifierConfig struct {
	Enabled     bool           `koanf:"enabled"`
	MinSeverity int            `koanf:"minSeverity"`
	Filter      string         `koanf:"filter"`
	RulesFile   string         `koanf:"rulesFile"`
	Telegram    TelegramConfig `koanf:"telegram"`
}

// TelegramConfig carries bot credentials for the outbound sink.
type TelegramConfig struct {
	Token  string `koanf:"token"`
	ChatID string `koanf:"chatId"`
}

// RateLimitConfig names the three request policies the limiter enforces.
type RateLimitConfig struct {
	General PolicyConfig `koanf:"general"`
	Auth    PolicyConfig `koanf:"auth"`
	API     PolicyConfig `koanf:"api"`
}

// PolicyConfig is one fixed-window policy; BlockSeconds of zero disables the
// escalating lockout.
type PolicyConfig struct {
	Max           int `koanf:"max"`
	WindowSeconds int `koanf:"windowSeconds"`
	BlockSeconds  int `koanf:"blockSeconds"`
}

// DefaultConfig seeds the koanf stack before file and env overrides apply.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen:  ListenConfig{Address: "0.0.0.0", Port: 8080},
			Logging: LoggingConfig{Level: "info", Format: "json"},
			Cache: CacheConfig{
				Backend:      "memory",
				TTLSeconds:   60,
				SweepSeconds: 30,
			},
		},
		Upstream: UpstreamConfig{TimeoutSeconds: 10},
		Poller:   PollerConfig{IntervalSeconds: 30, DeadlineSeconds: 20},
		Notifier: NotifierConfig{MinSeverity: 4},
		RateLimit: RateLimitConfig{
			General: PolicyConfig{Max: 100, WindowSeconds: 60},
			Auth:    PolicyConfig{Max: 5, WindowSeconds: 60, BlockSeconds: 900},
			API:     PolicyConfig{Max: 60, WindowSeconds: 60},
		},
	}
}

// Validate rejects configurations the runtime cannot honor.
func (c Config) Validate() error {
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen port %d out of range", c.Server.Listen.Port)
	}
	switch strings.ToLower(strings.TrimSpace(c.Server.Cache.Backend)) {
	case "", "memory":
	case "valkey":
		if c.Server.Cache.Valkey.Address == "" {
			return fmt.Errorf("config: valkey cache backend requires an address")
		}
	default:
		return fmt.Errorf("config: unsupported cache backend %q", c.Server.Cache.Backend)
	}
	if c.Server.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("config: cache ttlSeconds must be positive")
	}
	if c.Upstream.URL != "" {
		if _, err := url.Parse(c.Upstream.URL); err != nil {
			return fmt.Errorf("config: upstream url: %w", err)
		}
	}
	if c.Poller.IntervalSeconds <= 0 {
		return fmt.Errorf("config: poller intervalSeconds must be positive")
	}
	if c.Poller.DeadlineSeconds <= 0 || c.Poller.DeadlineSeconds > c.Poller.IntervalSeconds {
		return fmt.Errorf("config: poller deadlineSeconds must be positive and at most the interval")
	}
	if c.Notifier.MinSeverity < 0 || c.Notifier.MinSeverity > 5 {
		return fmt.Errorf("config: notifier minSeverity %d out of range 0..5", c.Notifier.MinSeverity)
	}
	if c.Notifier.Enabled && c.Notifier.Telegram.Token == "" {
		return fmt.Errorf("config: notifier enabled without telegram token")
	}
	for name, policy := range map[string]PolicyConfig{
		"general": c.RateLimit.General,
		"auth":    c.RateLimit.Auth,
		"api":     c.RateLimit.API,
	} {
		if policy.Max <= 0 {
			return fmt.Errorf("config: rateLimit.%s.max must be positive", name)
		}
		if policy.WindowSeconds <= 0 {
			return fmt.Errorf("config: rateLimit.%s.windowSeconds must be positive", name)
		}
		if policy.BlockSeconds < 0 {
			return fmt.Errorf("config: rateLimit.%s.blockSeconds cannot be negative", name)
		}
	}
	return nil
}
