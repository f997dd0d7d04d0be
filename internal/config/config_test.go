package config

import (
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

// mockKeychain is a test double for the keychain interface.
type mockKeychain struct {
	values map[string]string
	err    error
}

func (m mockKeychain) Get(service, account string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	if service != keychainService {
		return "", errors.New("unknown service")
	}
	v, ok := m.values[account]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

// mapBackend is an in-memory ConfigBackend.
type mapBackend struct {
	strings map[string]string
	ints    map[string]int
	getErr  error
}

func newMapBackend() *mapBackend {
	return &mapBackend{strings: map[string]string{}, ints: map[string]int{}}
}

func (b *mapBackend) GetString(key string) (string, bool, error) {
	if b.getErr != nil {
		return "", false, b.getErr
	}
	v, ok := b.strings[key]
	return v, ok, nil
}

func (b *mapBackend) GetInt(key string) (int, bool, error) {
	if b.getErr != nil {
		return 0, false, b.getErr
	}
	v, ok := b.ints[key]
	return v, ok, nil
}

func (b *mapBackend) SetString(key, val string) error {
	b.strings[key] = val
	return nil
}

func (b *mapBackend) SetInt(key string, val int) error {
	b.ints[key] = val
	return nil
}

func (b *mapBackend) Delete(key string) error {
	delete(b.strings, key)
	delete(b.ints, key)
	return nil
}

func TestDefaults(t *testing.T) {
	cfg, err := loadWith(newMapBackend(), mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Chat.APIEndpoint != "http://127.0.0.1:4100" {
		t.Errorf("Chat.APIEndpoint = %q, want %q", cfg.Chat.APIEndpoint, "http://127.0.0.1:4100")
	}
	if cfg.Chat.APIToken != "" {
		t.Errorf("Chat.APIToken = %q, want empty", cfg.Chat.APIToken)
	}
	if cfg.Chat.RequestTimeout != 120*time.Second {
		t.Errorf("Chat.RequestTimeout = %v, want 2m0s", cfg.Chat.RequestTimeout)
	}
	if cfg.Health.Interval != 30*time.Second || cfg.Health.Timeout != 5*time.Second {
		t.Errorf("Health = %+v, want 30s/5s", cfg.Health)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("Retry.MaxAttempts = %d, want 3", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.BaseDelay != time.Second || cfg.Retry.MaxDelay != 10*time.Second || cfg.Retry.RateLimitDelay != 5*time.Second {
		t.Errorf("Retry = %+v, want 1s/10s/5s", cfg.Retry)
	}
	if cfg.Poll.Interval != 2*time.Second || cfg.Poll.MaxDuration != 2*time.Minute {
		t.Errorf("Poll = %+v, want 2s/2m", cfg.Poll)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Server.Backend != "echo" {
		t.Errorf("Server.Backend = %q, want %q", cfg.Server.Backend, "echo")
	}
	if cfg.Ollama.Model != "phi3.5" {
		t.Errorf("Ollama.Model = %q, want %q", cfg.Ollama.Model, "phi3.5")
	}
	if cfg.Storage.DataDir == "" {
		t.Error("Storage.DataDir is empty")
	}
}

func TestBackendValues(t *testing.T) {
	b := newMapBackend()
	b.strings["chat.api_endpoint"] = "https://chat.example.com"
	b.strings["poll.interval"] = "500ms"
	b.strings["health.interval"] = "10"
	b.ints["retry.max_attempts"] = 5
	b.strings["storage.data_dir"] = "/tmp/chatline-test"

	cfg, err := loadWith(b, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Chat.APIEndpoint != "https://chat.example.com" {
		t.Errorf("Chat.APIEndpoint = %q, want %q", cfg.Chat.APIEndpoint, "https://chat.example.com")
	}
	if cfg.Poll.Interval != 500*time.Millisecond {
		t.Errorf("Poll.Interval = %v, want 500ms", cfg.Poll.Interval)
	}
	if cfg.Health.Interval != 10*time.Second {
		t.Errorf("Health.Interval = %v, want 10s", cfg.Health.Interval)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("Retry.MaxAttempts = %d, want 5", cfg.Retry.MaxAttempts)
	}
	if cfg.Storage.DataDir != "/tmp/chatline-test" {
		t.Errorf("Storage.DataDir = %q, want %q", cfg.Storage.DataDir, "/tmp/chatline-test")
	}
}

func TestBackendInvalidDurationKeepsDefault(t *testing.T) {
	b := newMapBackend()
	b.strings["poll.interval"] = "soon"

	cfg, err := loadWith(b, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Poll.Interval != 2*time.Second {
		t.Errorf("Poll.Interval = %v, want 2s", cfg.Poll.Interval)
	}
}

func TestBackendError(t *testing.T) {
	b := newMapBackend()
	b.getErr = errors.New("defaults unavailable")

	if _, err := loadWith(b, mockKeychain{}); err == nil {
		t.Fatal("expected error from failing backend")
	}
}

func TestEnvOverride(t *testing.T) {
	b := newMapBackend()
	b.strings["chat.api_endpoint"] = "http://backend:1"

	t.Setenv("CHATLINE_API_ENDPOINT", "http://env:2")
	t.Setenv("CHATLINE_RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("CHATLINE_REQUEST_TIMEOUT", "45s")

	cfg, err := loadWith(b, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Chat.APIEndpoint != "http://env:2" {
		t.Errorf("Chat.APIEndpoint = %q, want %q", cfg.Chat.APIEndpoint, "http://env:2")
	}
	if cfg.Retry.MaxAttempts != 7 {
		t.Errorf("Retry.MaxAttempts = %d, want 7", cfg.Retry.MaxAttempts)
	}
	if cfg.Chat.RequestTimeout != 45*time.Second {
		t.Errorf("Chat.RequestTimeout = %v, want 45s", cfg.Chat.RequestTimeout)
	}
}

func TestEnvInvalidIntKeepsDefault(t *testing.T) {
	t.Setenv("CHATLINE_SERVER_PORT", "not-a-port")

	cfg, err := loadWith(newMapBackend(), mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
}

func TestSecretsFromKeychain(t *testing.T) {
	kc := mockKeychain{values: map[string]string{
		"chat_api_token":   "kc-chat",
		"server_api_token": "kc-server",
	}}

	cfg, err := loadWith(newMapBackend(), kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Chat.APIToken != "kc-chat" {
		t.Errorf("Chat.APIToken = %q, want %q", cfg.Chat.APIToken, "kc-chat")
	}
	if cfg.Server.APIToken != "kc-server" {
		t.Errorf("Server.APIToken = %q, want %q", cfg.Server.APIToken, "kc-server")
	}
}

func TestSecretEnvBeatsKeychain(t *testing.T) {
	t.Setenv("CHATLINE_API_TOKEN", "env-token")
	kc := mockKeychain{values: map[string]string{"chat_api_token": "kc-token"}}

	cfg, err := loadWith(newMapBackend(), kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Chat.APIToken != "env-token" {
		t.Errorf("Chat.APIToken = %q, want %q", cfg.Chat.APIToken, "env-token")
	}
}

func TestSecretNotReadFromBackend(t *testing.T) {
	b := newMapBackend()
	b.strings["chat.api_token"] = "plaintext"

	cfg, err := loadWith(b, mockKeychain{err: errors.New("locked")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Chat.APIToken != "" {
		t.Errorf("Chat.APIToken = %q, want empty", cfg.Chat.APIToken)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"empty endpoint", func(c *Config) { c.Chat.APIEndpoint = "" }, "chat.api_endpoint"},
		{"no scheme", func(c *Config) { c.Chat.APIEndpoint = "localhost:4100" }, "chat.api_endpoint"},
		{"bad scheme", func(c *Config) { c.Chat.APIEndpoint = "ftp://host" }, "chat.api_endpoint"},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry.max_attempts"},
		{"unknown backend", func(c *Config) { c.Server.Backend = "gpt" }, "server.backend"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(&cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadRejectsInvalidEndpoint(t *testing.T) {
	t.Setenv("CHATLINE_API_ENDPOINT", "::bad")
	if _, err := loadWith(newMapBackend(), mockKeychain{}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelWarn,
	}
	for in, want := range tests {
		if got := (LogConfig{Level: in}).SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30", 30 * time.Second, false},
		{"1.5s", 1500 * time.Millisecond, false},
		{"2m", 2 * time.Minute, false},
		{"-1s", 0, true},
		{"-3", 0, true},
		{"later", 0, true},
	}
	for _, tt := range tests {
		got, err := parseDuration(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseDuration(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
