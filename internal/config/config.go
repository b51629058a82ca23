package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables read on top of the configuration file
const (
	EnvAPIKey   = "OPENAI_API_KEY"
	EnvBaseURL  = "OPENAI_BASE_URL"
	EnvModel    = "VOICEDECK_STT_MODEL"
	EnvProvider = "VOICEDECK_STT_PROVIDER"
)

// Config represents the complete application configuration
type Config struct {
	Audio         AudioConfig         `yaml:"audio"`
	Chunking      ChunkingConfig      `yaml:"chunking"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Storage       StorageConfig       `yaml:"storage"`
	Journal       JournalConfig       `yaml:"journal"`
	HTTP          HTTPConfig          `yaml:"http"`
	Logging       LoggingConfig       `yaml:"logging"`

	// Path is the file the configuration was read from, empty for defaults
	Path string `yaml:"-" json:"path,omitempty"`
}

// AudioConfig contains capture parameters
type AudioConfig struct {
	SampleRate int    `yaml:"sample_rate" json:"sample_rate"`
	Channels   int    `yaml:"channels" json:"channels"`
	Device     string `yaml:"device" json:"device"` // empty selects the default input
}

// ChunkingConfig contains the chunk size limits
type ChunkingConfig struct {
	MaxChunkSeconds float64 `yaml:"max_chunk_seconds" json:"max_chunk_seconds"`
	MaxChunkMB      float64 `yaml:"max_chunk_mb" json:"max_chunk_mb"`
}

// TranscriptionConfig contains speech-to-text provider configuration
type TranscriptionConfig struct {
	Provider           string  `yaml:"provider" json:"provider"`
	Model              string  `yaml:"model" json:"model"`
	BaseURL            string  `yaml:"base_url" json:"base_url"`
	APIKey             string  `yaml:"api_key" json:"api_key"`
	Language           string  `yaml:"language" json:"language"`
	Prompt             string  `yaml:"prompt" json:"prompt"`
	Timeout            int     `yaml:"timeout" json:"timeout"` // seconds
	MaxAttempts        int     `yaml:"max_attempts" json:"max_attempts"`
	InitialBackoff     float64 `yaml:"initial_backoff" json:"initial_backoff"` // seconds
	MaxBackoff         float64 `yaml:"max_backoff" json:"max_backoff"`         // seconds
	ProviderMaxMB      float64 `yaml:"provider_max_mb" json:"provider_max_mb"`
	ProviderMaxSeconds float64 `yaml:"provider_max_seconds" json:"provider_max_seconds"`
}

// StorageConfig contains chunk file settings
type StorageConfig struct {
	TempDir                   string `yaml:"temp_dir" json:"temp_dir"`
	CleanupAfterTranscription bool   `yaml:"cleanup_after_transcription" json:"cleanup_after_transcription"`
}

// JournalConfig contains the session journal settings
type JournalConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// HTTPConfig contains control API server configuration
type HTTPConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	Address        string   `yaml:"address" json:"address"`
	Port           int      `yaml:"port" json:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// Default returns the configuration used when no file is found
func Default() *Config {
	return &Config{
		Audio: AudioConfig{
			SampleRate: 16000,
			Channels:   1,
		},
		Chunking: ChunkingConfig{
			MaxChunkSeconds: 600,
			MaxChunkMB:      24,
		},
		Transcription: TranscriptionConfig{
			Provider:           "openai",
			Model:              "whisper-1",
			Timeout:            120,
			MaxAttempts:        3,
			InitialBackoff:     1,
			MaxBackoff:         30,
			ProviderMaxMB:      25,
			ProviderMaxSeconds: 1500,
		},
		Storage: StorageConfig{
			CleanupAfterTranscription: true,
		},
		Journal: JournalConfig{
			Enabled: true,
		},
		HTTP: HTTPConfig{
			Address:        "127.0.0.1",
			Port:           8765,
			AllowedOrigins: []string{"http://localhost:5173"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// SearchPaths returns the locations Load tries, in order, when no path is
// given.
func SearchPaths() []string {
	var paths []string
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		paths = append(paths, filepath.Join(dir, "voicedeck", "config.yaml"))
	} else if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "voicedeck", "config.yaml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".voicedeck.yaml"))
	}
	return append(paths, "config.yaml")
}

// Load reads the configuration file at path, or the first file found in
// SearchPaths when path is empty. Values from the file override defaults,
// and environment variables override both. A .env file in the working
// directory is loaded first.
func Load(path string) (*Config, error) {
	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	config := Default()
	if path == "" {
		for _, candidate := range SearchPaths() {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		config.Path = path
	}

	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// LoadDotEnv loads KEY=value pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides transcription settings from the environment. The API
// key is not copied; credentials read OPENAI_API_KEY at request time.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvBaseURL); v != "" {
		c.Transcription.BaseURL = v
	}
	if v := os.Getenv(EnvModel); v != "" {
		c.Transcription.Model = v
	}
	if v := os.Getenv(EnvProvider); v != "" {
		c.Transcription.Provider = strings.ToLower(v)
	}
}

// Validate performs validation of every section
func (c *Config) Validate() error {
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Chunking.Validate(); err != nil {
		return fmt.Errorf("chunking config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Journal.Validate(); err != nil {
		return fmt.Errorf("journal config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 192000 {
		return fmt.Errorf("sample_rate must be between 8000 and 192000 Hz, got %d", a.SampleRate)
	}

	if a.Channels < 1 || a.Channels > 8 {
		return fmt.Errorf("channels must be between 1 and 8, got %d", a.Channels)
	}

	return nil
}

// Validate validates chunking configuration
func (c *ChunkingConfig) Validate() error {
	if c.MaxChunkSeconds <= 0 {
		return fmt.Errorf("max_chunk_seconds must be positive, got %g", c.MaxChunkSeconds)
	}

	if c.MaxChunkMB <= 0 {
		return fmt.Errorf("max_chunk_mb must be positive, got %g", c.MaxChunkMB)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	switch t.Provider {
	case "openai":
	case "compatible":
		if t.BaseURL == "" {
			return fmt.Errorf("base_url is required for the compatible provider")
		}
	default:
		return fmt.Errorf("provider must be 'openai' or 'compatible', got '%s'", t.Provider)
	}

	if t.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", t.MaxAttempts)
	}

	if t.InitialBackoff < 0 {
		return fmt.Errorf("initial_backoff cannot be negative, got %g", t.InitialBackoff)
	}

	if t.MaxBackoff < t.InitialBackoff {
		return fmt.Errorf("max_backoff (%g) must not be below initial_backoff (%g)", t.MaxBackoff, t.InitialBackoff)
	}

	if t.ProviderMaxMB < 0 {
		return fmt.Errorf("provider_max_mb cannot be negative, got %g", t.ProviderMaxMB)
	}

	if t.ProviderMaxSeconds < 0 {
		return fmt.Errorf("provider_max_seconds cannot be negative, got %g", t.ProviderMaxSeconds)
	}

	return nil
}

// Validate validates journal configuration
func (j *JournalConfig) Validate() error {
	if j.Enabled && j.Path != "" && strings.HasSuffix(j.Path, string(filepath.Separator)) {
		return fmt.Errorf("path must be a file, got directory '%s'", j.Path)
	}
	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	for _, origin := range h.AllowedOrigins {
		if origin != "*" && !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return fmt.Errorf("allowed_origins entries must start with http:// or https://, got '%s'", origin)
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// Sanitized returns a copy safe to expose over the API
func (c *Config) Sanitized() Config {
	out := *c
	if out.Transcription.APIKey != "" {
		out.Transcription.APIKey = "***"
	}
	out.HTTP.AllowedOrigins = append([]string(nil), c.HTTP.AllowedOrigins...)
	return out
}

// GetMaxChunkDuration returns the maximum chunk duration as a time.Duration
func (c *ChunkingConfig) GetMaxChunkDuration() time.Duration {
	return time.Duration(c.MaxChunkSeconds * float64(time.Second))
}

// GetMaxChunkBytes returns the maximum chunk file size in bytes
func (c *ChunkingConfig) GetMaxChunkBytes() int64 {
	return int64(c.MaxChunkMB * 1024 * 1024)
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetInitialBackoff returns the first retry backoff as a time.Duration
func (t *TranscriptionConfig) GetInitialBackoff() time.Duration {
	return time.Duration(t.InitialBackoff * float64(time.Second))
}

// GetMaxBackoff returns the retry backoff ceiling as a time.Duration
func (t *TranscriptionConfig) GetMaxBackoff() time.Duration {
	return time.Duration(t.MaxBackoff * float64(time.Second))
}

// GetProviderMaxBytes returns the provider payload ceiling, zero if unlimited
func (t *TranscriptionConfig) GetProviderMaxBytes() int64 {
	return int64(t.ProviderMaxMB * 1024 * 1024)
}

// GetProviderMaxDuration returns the provider duration ceiling, zero if unlimited
func (t *TranscriptionConfig) GetProviderMaxDuration() time.Duration {
	return time.Duration(t.ProviderMaxSeconds * float64(time.Second))
}

// GetListenAddress returns the host:port the control API binds to
func (h *HTTPConfig) GetListenAddress() string {
	return fmt.Sprintf("%s:%d", h.Address, h.Port)
}
