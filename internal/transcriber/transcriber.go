package transcriber

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/RomanSlack/VoiceDeck/internal/audio"
	"github.com/RomanSlack/VoiceDeck/internal/chunkstore"
	"github.com/RomanSlack/VoiceDeck/internal/failure"
)

// Supported providers
const (
	ProviderOpenAI     = "openai"
	ProviderCompatible = "compatible"
)

// Fragment is the text of one chunk
type Fragment struct {
	Index   int           `json:"index"`
	Text    string        `json:"text"`
	Model   string        `json:"model"`
	Latency time.Duration `json:"latency"`
}

// Limits are the largest chunk a provider accepts. Zero means unlimited.
type Limits struct {
	MaxBytes    int64         `json:"max_bytes"`
	MaxDuration time.Duration `json:"max_duration"`
}

// Transcriber converts one closed chunk into text. Implementations return
// *failure.Error values of kind TranscriptionRejected,
// TranscriptionUnavailable or AuthenticationFailed.
type Transcriber interface {
	Transcribe(ctx context.Context, chunk chunkstore.Chunk) (Fragment, error)
	Name() string
	Limits() Limits
}

// Config selects and configures a provider
type Config struct {
	Provider string
	Model    string
	BaseURL  string
	Language string
	Prompt   string
	Timeout  time.Duration
	Limits   Limits
}

// New creates the transcriber for cfg.Provider
func New(cfg Config, creds Credentials, logger *slog.Logger) (Transcriber, error) {
	if cfg.Model == "" {
		return nil, failure.New(failure.KindInvalidConfiguration, "create transcriber", fmt.Errorf("model cannot be empty"))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}

	switch strings.ToLower(cfg.Provider) {
	case ProviderOpenAI, "":
		return NewOpenAI(cfg, creds, logger), nil
	case ProviderCompatible:
		if cfg.BaseURL == "" {
			return nil, failure.New(failure.KindInvalidConfiguration, "create transcriber",
				fmt.Errorf("base_url is required for the %s provider", ProviderCompatible))
		}
		return NewCompatible(cfg, creds, logger), nil
	default:
		return nil, failure.New(failure.KindInvalidConfiguration, "create transcriber",
			fmt.Errorf("unsupported STT provider %q (supported: %s, %s)", cfg.Provider, ProviderOpenAI, ProviderCompatible))
	}
}

// CheckChunk rejects chunks larger than the provider limits, and segment
// files whose WAV header is unreadable or disagrees with the chunk size,
// before any network call is made.
func CheckChunk(t Transcriber, chunk chunkstore.Chunk) error {
	limits := t.Limits()
	if limits.MaxBytes > 0 && chunk.Size > limits.MaxBytes {
		return failure.ForChunk(failure.KindTranscriptionRejected, "transcribe", chunk.Index,
			fmt.Errorf("chunk is %d bytes, %s accepts at most %d", chunk.Size, t.Name(), limits.MaxBytes))
	}
	if limits.MaxDuration > 0 && chunk.Duration > limits.MaxDuration {
		return failure.ForChunk(failure.KindTranscriptionRejected, "transcribe", chunk.Index,
			fmt.Errorf("chunk is %s long, %s accepts at most %s", chunk.Duration, t.Name(), limits.MaxDuration))
	}

	info, err := audio.ReadWAVInfo(chunk.Path)
	if err != nil {
		return failure.ForChunk(failure.KindTranscriptionRejected, "transcribe", chunk.Index, err)
	}
	if chunk.Size > 0 && int64(info.DataSize)+audio.WAVHeaderSize != chunk.Size {
		return failure.ForChunk(failure.KindTranscriptionRejected, "transcribe", chunk.Index,
			fmt.Errorf("WAV header declares %d data bytes, chunk holds %d", info.DataSize, chunk.Size-audio.WAVHeaderSize))
	}
	return nil
}

// ClassifyStatus maps an HTTP status code from a provider to an error kind
func ClassifyStatus(status int) failure.Kind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return failure.KindAuthenticationFailed
	case status == http.StatusRequestTimeout,
		status == http.StatusConflict,
		status == http.StatusTooManyRequests,
		status >= 500:
		return failure.KindTranscriptionUnavailable
	case status >= 400:
		return failure.KindTranscriptionRejected
	default:
		// Unexpected informational or redirect responses
		return failure.KindTranscriptionUnavailable
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
