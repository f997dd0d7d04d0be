package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

type Config struct {
	Chat    ChatConfig
	Health  HealthConfig
	Retry   RetryConfig
	Poll    PollConfig
	Storage StorageConfig
	Log     LogConfig
	Server  ServerConfig
	Ollama  OllamaConfig
}

type ChatConfig struct {
	APIEndpoint    string
	APIToken       string
	RequestTimeout time.Duration
}

type HealthConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

type RetryConfig struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RateLimitDelay time.Duration
}

type PollConfig struct {
	Interval    time.Duration
	MaxDuration time.Duration
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

// ServerConfig configures the development chat service (`chatline serve`).
type ServerConfig struct {
	Port       int
	Backend    string
	ChunkDelay time.Duration
	APIToken   string
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

func defaults() Config {
	return Config{
		Chat: ChatConfig{
			APIEndpoint:    "http://127.0.0.1:4100",
			RequestTimeout: 120 * time.Second,
		},
		Health: HealthConfig{
			Interval: 30 * time.Second,
			Timeout:  5 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			BaseDelay:      time.Second,
			MaxDelay:       10 * time.Second,
			RateLimitDelay: 5 * time.Second,
		},
		Poll: PollConfig{
			Interval:    2 * time.Second,
			MaxDuration: 2 * time.Minute,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "warn",
		},
		Server: ServerConfig{
			Port:       4100,
			Backend:    "echo",
			ChunkDelay: 60 * time.Millisecond,
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
			Model:   "phi3.5",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.chatline.app) and
// secrets fall back to the macOS Keychain (service: chatline).
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/chatline/config.json
// and secrets fall back to $XDG_DATA_HOME/chatline/secrets.json.
//
// Environment variables (CHATLINE_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

const keychainService = "chatline"

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, kc)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first setting that makes the client unusable.
func Validate(cfg Config) error {
	u, err := url.Parse(cfg.Chat.APIEndpoint)
	if cfg.Chat.APIEndpoint == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid chat.api_endpoint %q: want an http(s) URL. Set it via environment variable CHATLINE_API_ENDPOINT or `chatline config set chat.api_endpoint <url>`", cfg.Chat.APIEndpoint)
	}
	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("invalid retry.max_attempts %d: must be at least 1", cfg.Retry.MaxAttempts)
	}
	switch cfg.Server.Backend {
	case "echo", "ollama":
	default:
		return fmt.Errorf("invalid server.backend %q: want echo or ollama", cfg.Server.Backend)
	}
	return nil
}

// SlogLevel maps log.level to a slog level. Unknown names mean warn.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// keychainReader reads secrets from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
