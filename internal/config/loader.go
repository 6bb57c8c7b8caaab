package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot so the lifecycle agent can make decisions using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.cache.ttlseconds":       "server.cache.ttlSeconds",
			"server.cache.sweepseconds":     "server.cache.sweepSeconds",
			"server.cache.valkey.tls.cafile": "server.cache.valkey.tls.caFile",
			"upstream.timeoutseconds":       "upstream.timeoutSeconds",
			"poller.intervalseconds":        "poller.intervalSeconds",
			"poller.deadlineseconds":        "poller.deadlineSeconds",
			"notifier.minseverity":          "notifier.minSeverity",
			"notifier.rulesfile":            "notifier.rulesFile",
			"notifier.telegram.chatid":      "notifier.telegram.chatId",
			"ratelimit":                     "rateLimit",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			if head, tail, found := strings.Cut(lower, "."); found {
				if mapped, ok := canonical[head]; ok {
					return mapped + "." + mapSegments(canonical, tail)
				}
			}
			// Single underscores are removed so LISTEN_PORT collapses into listenport when callers
			// choose not to use double underscores for object nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func mapSegments(canonical map[string]string, tail string) string {
	parts := strings.Split(tail, ".")
	for i, part := range parts {
		if mapped, ok := canonical[part]; ok {
			parts[i] = mapped
		}
	}
	return strings.Join(parts, ".")
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	policy := func(p PolicyConfig) map[string]any {
		return map[string]any{
			"max":           p.Max,
			"windowSeconds": p.WindowSeconds,
			"blockSeconds":  p.BlockSeconds,
		}
	}
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
			"cache": map[string]any{
				"backend":      cfg.Server.Cache.Backend,
				"ttlSeconds":   cfg.Server.Cache.TTLSeconds,
				"sweepSeconds": cfg.Server.Cache.SweepSeconds,
				"valkey": map[string]any{
					"address":  cfg.Server.Cache.Valkey.Address,
					"username": cfg.Server.Cache.Valkey.Username,
					"password": cfg.Server.Cache.Valkey.Password,
					"db":       cfg.Server.Cache.Valkey.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Cache.Valkey.TLS.Enabled,
						"caFile":  cfg.Server.Cache.Valkey.TLS.CAFile,
					},
				},
			},
			"auth": map[string]any{
				"token": cfg.Server.Auth.Token,
			},
		},
		"upstream": map[string]any{
			"url":            cfg.Upstream.URL,
			"username":       cfg.Upstream.Username,
			"password":       cfg.Upstream.Password,
			"timeoutSeconds": cfg.Upstream.TimeoutSeconds,
		},
		"poller": map[string]any{
			"intervalSeconds": cfg.Poller.IntervalSeconds,
			"deadlineSeconds": cfg.Poller.DeadlineSeconds,
		},
		"notifier": map[string]any{
			"enabled":     cfg.Notifier.Enabled,
			"minSeverity": cfg.Notifier.MinSeverity,
			"filter":      cfg.Notifier.Filter,
			"rulesFile":   cfg.Notifier.RulesFile,
			"telegram": map[string]any{
				"token":  cfg.Notifier.Telegram.Token,
				"chatId": cfg.Notifier.Telegram.ChatID,
			},
		},
		"rateLimit": map[string]any{
			"general": policy(cfg.RateLimit.General),
			"auth":    policy(cfg.RateLimit.Auth),
			"api":     policy(cfg.RateLimit.API),
		},
	}
}
