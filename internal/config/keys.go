package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	account string // secret store account for secret keys
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "chat.api_endpoint", typ: kString, env: "CHATLINE_API_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Chat.APIEndpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.APIEndpoint },
	},
	{
		key: "chat.api_token", typ: kString, env: "CHATLINE_API_TOKEN",
		secret: true, account: "chat_api_token",
		apply:   func(cfg *Config, v any) { cfg.Chat.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.APIToken },
	},
	{
		key: "chat.request_timeout", typ: kDuration, env: "CHATLINE_REQUEST_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Chat.RequestTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Chat.RequestTimeout },
	},
	{
		key: "health.interval", typ: kDuration, env: "CHATLINE_HEALTH_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Health.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Health.Interval },
	},
	{
		key: "health.timeout", typ: kDuration, env: "CHATLINE_HEALTH_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Health.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Health.Timeout },
	},
	{
		key: "retry.max_attempts", typ: kInt, env: "CHATLINE_RETRY_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Retry.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Retry.MaxAttempts },
	},
	{
		key: "retry.base_delay", typ: kDuration, env: "CHATLINE_RETRY_BASE_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Retry.BaseDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retry.BaseDelay },
	},
	{
		key: "retry.max_delay", typ: kDuration, env: "CHATLINE_RETRY_MAX_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Retry.MaxDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retry.MaxDelay },
	},
	{
		key: "retry.rate_limit_delay", typ: kDuration, env: "CHATLINE_RETRY_RATE_LIMIT_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Retry.RateLimitDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retry.RateLimitDelay },
	},
	{
		key: "poll.interval", typ: kDuration, env: "CHATLINE_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Poll.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Poll.Interval },
	},
	{
		key: "poll.max_duration", typ: kDuration, env: "CHATLINE_POLL_MAX_DURATION",
		apply:   func(cfg *Config, v any) { cfg.Poll.MaxDuration = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Poll.MaxDuration },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CHATLINE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "CHATLINE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "server.port", typ: kInt, env: "CHATLINE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.backend", typ: kString, env: "CHATLINE_SERVER_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Server.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Backend },
	},
	{
		key: "server.chunk_delay", typ: kDuration, env: "CHATLINE_SERVER_CHUNK_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Server.ChunkDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Server.ChunkDelay },
	},
	{
		key: "server.api_token", typ: kString, env: "CHATLINE_SERVER_API_TOKEN",
		secret: true, account: "server_api_token",
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "ollama.base_url", typ: kString, env: "CHATLINE_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.model", typ: kString, env: "CHATLINE_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.Model },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := parseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := parseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}

// applySecrets fills secrets that neither the environment nor the backend set.
func applySecrets(cfg *Config, kc keychain) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg) != "" {
			continue
		}
		if v, err := kc.Get(keychainService, s.account); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}

// parseDuration accepts Go durations ("1.5s") and bare seconds ("30").
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative duration")
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration")
	}
	return d, nil
}
