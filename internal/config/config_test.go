package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate points every config source at an empty temp directory
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvBaseURL, "")
	t.Setenv(EnvModel, "")
	t.Setenv(EnvProvider, "")
	return dir
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:   "defaults",
			mutate: func(c *Config) {},
		},
		{
			name: "compatible provider with base url",
			mutate: func(c *Config) {
				c.Transcription.Provider = "compatible"
				c.Transcription.BaseURL = "http://localhost:9000/v1"
			},
		},
		{
			name:        "compatible provider without base url",
			mutate:      func(c *Config) { c.Transcription.Provider = "compatible" },
			expectError: true,
			errorMsg:    "base_url is required",
		},
		{
			name:        "unknown provider",
			mutate:      func(c *Config) { c.Transcription.Provider = "google" },
			expectError: true,
			errorMsg:    "provider must be",
		},
		{
			name:        "sample rate too low",
			mutate:      func(c *Config) { c.Audio.SampleRate = 4000 },
			expectError: true,
			errorMsg:    "sample_rate",
		},
		{
			name:        "no channels",
			mutate:      func(c *Config) { c.Audio.Channels = 0 },
			expectError: true,
			errorMsg:    "channels",
		},
		{
			name:        "zero chunk duration",
			mutate:      func(c *Config) { c.Chunking.MaxChunkSeconds = 0 },
			expectError: true,
			errorMsg:    "max_chunk_seconds must be positive",
		},
		{
			name:        "negative chunk size",
			mutate:      func(c *Config) { c.Chunking.MaxChunkMB = -1 },
			expectError: true,
			errorMsg:    "max_chunk_mb must be positive",
		},
		{
			name:        "empty model",
			mutate:      func(c *Config) { c.Transcription.Model = "" },
			expectError: true,
			errorMsg:    "model cannot be empty",
		},
		{
			name:        "zero attempts",
			mutate:      func(c *Config) { c.Transcription.MaxAttempts = 0 },
			expectError: true,
			errorMsg:    "max_attempts",
		},
		{
			name:        "backoff ceiling below start",
			mutate:      func(c *Config) { c.Transcription.MaxBackoff = 0.5 },
			expectError: true,
			errorMsg:    "max_backoff",
		},
		{
			name: "invalid http port",
			mutate: func(c *Config) {
				c.HTTP.Enabled = true
				c.HTTP.Port = 70000
			},
			expectError: true,
			errorMsg:    "http port must be between 1 and 65535",
		},
		{
			name:        "origin without scheme",
			mutate:      func(c *Config) { c.HTTP.AllowedOrigins = []string{"localhost:3000"} },
			expectError: true,
			errorMsg:    "allowed_origins",
		},
		{
			name:        "invalid log level",
			mutate:      func(c *Config) { c.Logging.Level = "trace" },
			expectError: true,
			errorMsg:    "level must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			tt.mutate(config)

			err := config.Validate()
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	tempDir := isolate(t)

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
		check       func(*testing.T, *Config)
	}{
		{
			name: "partial file keeps defaults",
			configYAML: `
audio:
  sample_rate: 48000
  channels: 2
chunking:
  max_chunk_seconds: 300
transcription:
  language: "en"
storage:
  cleanup_after_transcription: false
`,
			check: func(t *testing.T, c *Config) {
				if c.Audio.SampleRate != 48000 || c.Audio.Channels != 2 {
					t.Errorf("Expected 48000/2, got %d/%d", c.Audio.SampleRate, c.Audio.Channels)
				}
				if c.Chunking.GetMaxChunkDuration() != 5*time.Minute {
					t.Errorf("Expected 5m chunks, got %s", c.Chunking.GetMaxChunkDuration())
				}
				if c.Chunking.MaxChunkMB != 24 {
					t.Errorf("Expected default 24MB, got %g", c.Chunking.MaxChunkMB)
				}
				if c.Transcription.Model != "whisper-1" || c.Transcription.Language != "en" {
					t.Errorf("Unexpected transcription config %+v", c.Transcription)
				}
				if c.Storage.CleanupAfterTranscription {
					t.Error("Expected cleanup to be disabled")
				}
			},
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
audio:
  sample_rate: invalid_number
`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "invalid values",
			configYAML: `
transcription:
  provider: "compatible"
`,
			expectError: true,
			errorMsg:    "base_url is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tempDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.configYAML), 0644); err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			config, err := Load(configPath)
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if config.Path != configPath {
				t.Errorf("Expected path %s, got %s", configPath, config.Path)
			}
			tt.check(t, config)
		})
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	isolate(t)

	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Fatal("Expected error for nonexistent file but got none")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestConfigSearchPath(t *testing.T) {
	dir := isolate(t)

	config, err := Load("")
	if err != nil {
		t.Fatalf("Load without files failed: %v", err)
	}
	if config.Path != "" || config.Audio.SampleRate != 16000 {
		t.Errorf("Expected defaults, got path=%q rate=%d", config.Path, config.Audio.SampleRate)
	}

	home := filepath.Join(dir, ".voicedeck.yaml")
	if err := os.WriteFile(home, []byte("audio:\n  sample_rate: 22050\n"), 0644); err != nil {
		t.Fatal(err)
	}
	config, err = Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if config.Path != home || config.Audio.SampleRate != 22050 {
		t.Errorf("Expected home file, got path=%q rate=%d", config.Path, config.Audio.SampleRate)
	}

	xdg := filepath.Join(dir, "xdg", "voicedeck", "config.yaml")
	if err := os.MkdirAll(filepath.Dir(xdg), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(xdg, []byte("audio:\n  sample_rate: 44100\n"), 0644); err != nil {
		t.Fatal(err)
	}
	config, err = Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if config.Path != xdg || config.Audio.SampleRate != 44100 {
		t.Errorf("Expected XDG file to win, got path=%q rate=%d", config.Path, config.Audio.SampleRate)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	isolate(t)
	t.Setenv(EnvProvider, "Compatible")
	t.Setenv(EnvBaseURL, "http://localhost:9000/v1")
	t.Setenv(EnvModel, "large-v3")

	config, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	tc := config.Transcription
	if tc.Provider != "compatible" || tc.BaseURL != "http://localhost:9000/v1" || tc.Model != "large-v3" {
		t.Errorf("Expected environment overrides, got %+v", tc)
	}
}

func TestLoadDotEnv(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("VOICEDECK_TEST_DOTENV=from-file\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VOICEDECK_TEST_DOTENV", "")
	os.Unsetenv("VOICEDECK_TEST_DOTENV")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv failed: %v", err)
	}
	if got := os.Getenv("VOICEDECK_TEST_DOTENV"); got != "from-file" {
		t.Errorf("Expected value from .env, got %q", got)
	}

	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("Expected missing .env to be ignored, got %v", err)
	}
}

func TestDurationHelpers(t *testing.T) {
	chunking := ChunkingConfig{MaxChunkSeconds: 1.5, MaxChunkMB: 24}
	if chunking.GetMaxChunkDuration() != 1500*time.Millisecond {
		t.Errorf("Expected 1.5 seconds, got %v", chunking.GetMaxChunkDuration())
	}
	if chunking.GetMaxChunkBytes() != 24*1024*1024 {
		t.Errorf("Expected 24MiB, got %d", chunking.GetMaxChunkBytes())
	}

	transcription := TranscriptionConfig{
		Timeout:            30,
		InitialBackoff:     0.5,
		MaxBackoff:         30,
		ProviderMaxMB:      25,
		ProviderMaxSeconds: 1500,
	}
	if transcription.GetTimeoutDuration() != 30*time.Second {
		t.Errorf("Expected 30 seconds, got %v", transcription.GetTimeoutDuration())
	}
	if transcription.GetInitialBackoff() != 500*time.Millisecond {
		t.Errorf("Expected 0.5 seconds, got %v", transcription.GetInitialBackoff())
	}
	if transcription.GetMaxBackoff() != 30*time.Second {
		t.Errorf("Expected 30 seconds, got %v", transcription.GetMaxBackoff())
	}
	if transcription.GetProviderMaxBytes() != 25*1024*1024 {
		t.Errorf("Expected 25MiB, got %d", transcription.GetProviderMaxBytes())
	}
	if transcription.GetProviderMaxDuration() != 25*time.Minute {
		t.Errorf("Expected 25 minutes, got %v", transcription.GetProviderMaxDuration())
	}

	http := HTTPConfig{Address: "127.0.0.1", Port: 8765}
	if http.GetListenAddress() != "127.0.0.1:8765" {
		t.Errorf("Unexpected listen address %s", http.GetListenAddress())
	}
}

func TestSanitized(t *testing.T) {
	config := Default()
	config.Transcription.APIKey = "sk-secret"

	out := config.Sanitized()
	if out.Transcription.APIKey != "***" {
		t.Errorf("Expected masked key, got %q", out.Transcription.APIKey)
	}
	if config.Transcription.APIKey != "sk-secret" {
		t.Error("Sanitized must not modify the original")
	}
}

func TestLoggingConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config LoggingConfig
		valid  bool
	}{
		{"valid json logging", LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, true},
		{"valid text logging", LoggingConfig{Level: "debug", Format: "text", Output: "stderr"}, true},
		{"file output", LoggingConfig{Level: "warn", Format: "json", Output: "/var/log/voicedeck.log"}, true},
		{"invalid level", LoggingConfig{Level: "invalid", Format: "json", Output: "stdout"}, false},
		{"invalid format", LoggingConfig{Level: "info", Format: "xml", Output: "stdout"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.valid && err != nil {
				t.Errorf("Expected valid config but got error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Errorf("Expected invalid config but got no error")
			}
		})
	}
}
