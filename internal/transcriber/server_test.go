package transcriber

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/RomanSlack/VoiceDeck/internal/audio"
	"github.com/RomanSlack/VoiceDeck/internal/chunkstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// reply is one scripted provider response
type reply struct {
	status int
	body   string
}

// received describes a request seen by the fake provider
type received struct {
	path      string
	auth      string
	model     string
	language  string
	format    string
	filename  string
	audioSize int
	validWAV  bool
}

// provider is an httptest server that mimics /v1/audio/transcriptions
type provider struct {
	*httptest.Server

	mu       sync.Mutex
	replies  []reply
	requests []received
}

func newProvider(t *testing.T, replies ...reply) *provider {
	t.Helper()
	p := &provider{replies: replies}
	p.Server = httptest.NewServer(http.HandlerFunc(p.transcribeHandler))
	t.Cleanup(p.Close)
	return p
}

func (p *provider) transcribeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	p.mu.Lock()
	p.requests = append(p.requests, received{
		path:      r.URL.Path,
		auth:      r.Header.Get("Authorization"),
		model:     r.FormValue("model"),
		language:  r.FormValue("language"),
		format:    r.FormValue("response_format"),
		filename:  header.Filename,
		audioSize: len(data),
		validWAV:  audio.ValidateWAV(data) == nil,
	})
	next := reply{status: http.StatusOK, body: `{"text":"ok"}`}
	if len(p.replies) > 0 {
		next = p.replies[0]
		p.replies = p.replies[1:]
	}
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(next.status)
	io.WriteString(w, next.body)
}

func (p *provider) seen() []received {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]received(nil), p.requests...)
}

func openAIError(message, typ string) string {
	b, _ := json.Marshal(map[string]any{
		"error": map[string]any{"message": message, "type": typ},
	})
	return string(b)
}

// chunkFile writes a small WAV chunk and returns its descriptor
func chunkFile(t *testing.T, index int, d time.Duration) chunkstore.Chunk {
	t.Helper()

	format := audio.Format{SampleRate: 8000, Channels: 1}
	path := filepath.Join(t.TempDir(), "chunk.wav")
	w, err := audio.CreateWAV(path, format)
	if err != nil {
		t.Fatalf("CreateWAV failed: %v", err)
	}
	if _, err := w.Write(make([]byte, format.BytesFor(d))); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	return chunkstore.Chunk{
		Index:     index,
		SessionID: "s1",
		Path:      path,
		Duration:  d,
		Size:      w.Size(),
	}
}
