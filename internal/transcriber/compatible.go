package transcriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/RomanSlack/VoiceDeck/internal/chunkstore"
	"github.com/RomanSlack/VoiceDeck/internal/failure"
)

const maxErrorBody = 2048

// Compatible posts chunks as multipart/form-data to an OpenAI-compatible
// /audio/transcriptions endpoint, such as a self-hosted Whisper server.
// An API key is optional.
type Compatible struct {
	config     Config
	creds      Credentials
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

// transcriptionResponse is the JSON body returned by the endpoint
type transcriptionResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// NewCompatible creates a transcriber for cfg.BaseURL
func NewCompatible(cfg Config, creds Credentials, logger *slog.Logger) *Compatible {
	return &Compatible{
		config:     cfg,
		creds:      creds,
		endpoint:   strings.TrimRight(cfg.BaseURL, "/") + "/audio/transcriptions",
		httpClient: newHTTPClient(cfg.Timeout),
		logger:     logger,
	}
}

func (c *Compatible) Name() string {
	return ProviderCompatible
}

func (c *Compatible) Limits() Limits {
	return c.config.Limits
}

// CredentialsOptional reports that local servers may run without a key
func (c *Compatible) CredentialsOptional() bool {
	return true
}

// Transcribe sends a single request for the chunk
func (c *Compatible) Transcribe(ctx context.Context, chunk chunkstore.Chunk) (Fragment, error) {
	if err := CheckChunk(c, chunk); err != nil {
		return Fragment{}, err
	}

	var apiKey string
	if c.creds != nil {
		key, err := c.creds.APIKey(ctx)
		if err != nil && !errors.Is(err, ErrNoCredential) {
			return Fragment{}, failure.ForChunk(failure.KindAuthenticationFailed, "transcribe", chunk.Index, err)
		}
		apiKey = key
	}

	start := time.Now()
	text, err := c.doRequest(ctx, chunk, apiKey)
	latency := time.Since(start)
	if err != nil {
		c.logger.Debug("Transcription request failed",
			slog.String("session_id", chunk.SessionID),
			slog.Int("chunk_index", chunk.Index),
			slog.String("kind", failure.KindOf(err).Code()),
			slog.Duration("latency", latency))
		return Fragment{}, err
	}

	return Fragment{
		Index:   chunk.Index,
		Text:    text,
		Model:   c.config.Model,
		Latency: latency,
	}, nil
}

// doRequest performs a single HTTP request to the transcription endpoint
func (c *Compatible) doRequest(ctx context.Context, chunk chunkstore.Chunk, apiKey string) (string, error) {
	file, err := os.Open(chunk.Path)
	if err != nil {
		return "", failure.ForChunk(failure.KindTranscriptionRejected, "transcribe", chunk.Index, err)
	}
	defer file.Close()

	// Stream the multipart body so the chunk is never held in memory.
	body, writer := io.Pipe()
	form := multipart.NewWriter(writer)
	go func() {
		writer.CloseWithError(c.writeForm(form, file, filepath.Base(chunk.Path)))
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		body.Close()
		return "", failure.ForChunk(failure.KindTranscriptionRejected, "transcribe", chunk.Index,
			fmt.Errorf("failed to create HTTP request: %w", err))
	}

	httpReq.Header.Set("Content-Type", form.FormDataContentType())
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "VoiceDeck/1.0")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		body.Close()
		return "", failure.ForChunk(classifyTransportError(err), "transcribe", chunk.Index,
			fmt.Errorf("HTTP request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", failure.ForChunk(ClassifyStatus(resp.StatusCode), "transcribe", chunk.Index,
			fmt.Errorf("HTTP error %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	var parsed transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		// A cut-off body is a transport problem, not bad input.
		return "", failure.ForChunk(failure.KindTranscriptionUnavailable, "transcribe", chunk.Index,
			fmt.Errorf("failed to parse response JSON: %w", err))
	}

	return parsed.Text, nil
}

// writeForm writes the multipart/form-data body
func (c *Compatible) writeForm(form *multipart.Writer, audio io.Reader, filename string) error {
	fields := map[string]string{
		"model":           c.config.Model,
		"response_format": "json",
	}
	if c.config.Language != "" {
		fields["language"] = c.config.Language
	}
	if c.config.Prompt != "" {
		fields["prompt"] = c.config.Prompt
	}

	for key, value := range fields {
		if err := form.WriteField(key, value); err != nil {
			return fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, audio); err != nil {
		return fmt.Errorf("failed to write audio data: %w", err)
	}

	if err := form.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return nil
}
