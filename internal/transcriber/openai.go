package transcriber

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/RomanSlack/VoiceDeck/internal/chunkstore"
	"github.com/RomanSlack/VoiceDeck/internal/failure"
)

// OpenAI transcribes chunks with the OpenAI audio transcription API
type OpenAI struct {
	config     Config
	creds      Credentials
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAI creates an OpenAI transcriber. BaseURL may point at any server
// that speaks the OpenAI API.
func NewOpenAI(cfg Config, creds Credentials, logger *slog.Logger) *OpenAI {
	return &OpenAI{
		config:     cfg,
		creds:      creds,
		httpClient: newHTTPClient(cfg.Timeout),
		logger:     logger,
	}
}

func (o *OpenAI) Name() string {
	return ProviderOpenAI
}

func (o *OpenAI) Limits() Limits {
	return o.config.Limits
}

func (o *OpenAI) client(ctx context.Context) (*openai.Client, error) {
	if o.creds == nil {
		return nil, ErrNoCredential
	}
	key, err := o.creds.APIKey(ctx)
	if err != nil {
		return nil, err
	}

	cfg := openai.DefaultConfig(key)
	if o.config.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(o.config.BaseURL, "/")
	}
	cfg.HTTPClient = o.httpClient
	return openai.NewClientWithConfig(cfg), nil
}

// Transcribe uploads the chunk file and returns the provider text verbatim
func (o *OpenAI) Transcribe(ctx context.Context, chunk chunkstore.Chunk) (Fragment, error) {
	if err := CheckChunk(o, chunk); err != nil {
		return Fragment{}, err
	}

	client, err := o.client(ctx)
	if err != nil {
		return Fragment{}, failure.ForChunk(failure.KindAuthenticationFailed, "transcribe", chunk.Index, err)
	}

	start := time.Now()
	resp, err := client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    o.config.Model,
		FilePath: chunk.Path,
		Language: o.config.Language,
		Prompt:   o.config.Prompt,
		Format:   openai.AudioResponseFormatJSON,
	})
	latency := time.Since(start)
	if err != nil {
		kind := classifyOpenAIError(err)
		o.logger.Debug("OpenAI transcription failed",
			slog.String("session_id", chunk.SessionID),
			slog.Int("chunk_index", chunk.Index),
			slog.String("kind", kind.Code()),
			slog.Duration("latency", latency))
		return Fragment{}, failure.ForChunk(kind, "transcribe", chunk.Index, err)
	}

	return Fragment{
		Index:   chunk.Index,
		Text:    resp.Text,
		Model:   o.config.Model,
		Latency: latency,
	}, nil
}

func classifyOpenAIError(err error) failure.Kind {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return ClassifyStatus(apiErr.HTTPStatusCode)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return ClassifyStatus(reqErr.HTTPStatusCode)
	}

	return classifyTransportError(err)
}

// classifyTransportError maps errors that carry no HTTP status
func classifyTransportError(err error) failure.Kind {
	var pathErr *fs.PathError
	switch {
	case errors.Is(err, context.Canceled):
		return failure.KindCancelled
	case errors.As(err, &pathErr):
		// The chunk file is unreadable; sending it again will not help.
		return failure.KindTranscriptionRejected
	default:
		// Timeouts, refused connections, resets and truncated bodies
		return failure.KindTranscriptionUnavailable
	}
}
