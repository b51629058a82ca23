package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/RomanSlack/VoiceDeck/internal/capture/capturetest"
	"github.com/RomanSlack/VoiceDeck/internal/chunkstore"
	"github.com/RomanSlack/VoiceDeck/internal/config"
	"github.com/RomanSlack/VoiceDeck/internal/journal"
	"github.com/RomanSlack/VoiceDeck/internal/metrics"
	"github.com/RomanSlack/VoiceDeck/internal/session"
	"github.com/RomanSlack/VoiceDeck/internal/transcriber"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type echoTranscriber struct{}

func (echoTranscriber) Transcribe(ctx context.Context, chunk chunkstore.Chunk) (transcriber.Fragment, error) {
	return transcriber.Fragment{Index: chunk.Index, Text: fmt.Sprintf("<%d>", chunk.Index), Model: "echo"}, nil
}

func (echoTranscriber) Name() string {
	return "echo"
}

func (echoTranscriber) Limits() transcriber.Limits {
	return transcriber.Limits{}
}

type testServer struct {
	engine  http.Handler
	backend *capturetest.Backend
	manager *session.Manager
	config  *config.Config
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	appConfig := config.Default()
	appConfig.Transcription.APIKey = "sk-secret"
	appConfig.Audio.SampleRate = 1000
	appConfig.Audio.Device = capturetest.DefaultDeviceID

	j, err := journal.Open(journal.MemoryPath, testLogger())
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)
	backend := capturetest.New()

	cfg := session.DefaultConfig()
	cfg.StorageDir = t.TempDir()
	manager, err := session.NewManager(cfg, backend, echoTranscriber{}, transcriber.StaticKey("test-key"), j, m, testLogger())
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.Shutdown(ctx)
	})

	h := NewHTTPServer(appConfig, manager, m, registry, testLogger())
	return &testServer{engine: h.Handler(), backend: backend, manager: manager, config: appConfig}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v (%s)", err, rec.Body.String())
	}
	return body
}

func (ts *testServer) startSession(t *testing.T) string {
	t.Helper()

	rec := ts.do(t, http.MethodPost, "/sessions", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	id, _ := decode(t, rec)["id"].(string)
	if id == "" {
		t.Fatalf("expected a session id, body=%s", rec.Body.String())
	}
	return id
}

func (ts *testServer) finish(t *testing.T, id string) {
	t.Helper()

	s, ok := ts.manager.Get(id)
	if !ok {
		t.Fatalf("session %s not found", id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.Wait(ctx); err != nil {
		t.Fatalf("session did not finish: %v", err)
	}
}

func TestHealthHandler(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	body := decode(t, rec)
	if body["status"] != "healthy" {
		t.Fatalf("expected healthy, body=%v", body)
	}
	components, _ := body["components"].(map[string]any)
	manager, _ := components["session_manager"].(map[string]any)
	if recording, _ := manager["recording"].(bool); recording {
		t.Errorf("expected no active recording, body=%v", body)
	}
}

func TestConfigHandlerMasksKey(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodGet, "/config", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "sk-secret") {
		t.Fatalf("API key leaked in %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "***") {
		t.Errorf("expected masked key, body=%s", rec.Body.String())
	}
}

func TestDevicesHandler(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodGet, "/devices", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), capturetest.DefaultDeviceID) {
		t.Errorf("expected default device listed, body=%s", rec.Body.String())
	}
}

func TestSessionLifecycle(t *testing.T) {
	ts := setupTestServer(t)
	id := ts.startSession(t)

	rec := ts.do(t, http.MethodPost, "/sessions", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a second session, got %d", rec.Code)
	}
	if kind := decode(t, rec)["kind"]; kind != "session_active" {
		t.Errorf("expected session_active, got %v", kind)
	}

	rec = ts.do(t, http.MethodDelete, "/sessions/"+id, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 removing a running session, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/sessions/"+id+"/level", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for level, got %d", rec.Code)
	}

	if !ts.backend.Device().FeedTone(20*time.Second, 10*time.Second, 3000) {
		t.Fatal("feed failed")
	}

	rec = ts.do(t, http.MethodPost, "/sessions/"+id+"/stop", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for stop, got %d", rec.Code)
	}
	ts.finish(t, id)

	rec = ts.do(t, http.MethodGet, "/sessions/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decode(t, rec)
	if body["state"] != "completed" || body["transcript"] != "<0>" {
		t.Errorf("unexpected snapshot %v", body)
	}

	rec = ts.do(t, http.MethodGet, "/sessions", "")
	if total, _ := decode(t, rec)["total"].(float64); total != 1 {
		t.Errorf("expected one listed session, got %v", total)
	}

	rec = ts.do(t, http.MethodDelete, "/sessions/"+id, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	// Removed sessions are still served from the journal.
	rec = ts.do(t, http.MethodGet, "/sessions/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected journaled session, got %d", rec.Code)
	}
	if state := decode(t, rec)["state"]; state != "completed" {
		t.Errorf("expected journaled state completed, got %v", state)
	}

	rec = ts.do(t, http.MethodGet, "/history?limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for history, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), id) {
		t.Errorf("expected %s in history, body=%s", id, rec.Body.String())
	}
}

func TestStartSessionOptions(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{name: "malformed json", body: `{"sample_rate":`, status: http.StatusBadRequest},
		{name: "invalid format", body: `{"sample_rate": 0, "channels": 0}`, status: http.StatusBadRequest},
		{name: "unknown device", body: `{"device_id": "missing"}`, status: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.status == http.StatusServiceUnavailable {
				ts.backend.OpenErr = fmt.Errorf("no such device")
			}
			rec := ts.do(t, http.MethodPost, "/sessions", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCancelSession(t *testing.T) {
	ts := setupTestServer(t)
	id := ts.startSession(t)

	rec := ts.do(t, http.MethodPost, "/sessions/"+id+"/cancel", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	ts.finish(t, id)

	rec = ts.do(t, http.MethodGet, "/sessions/"+id, "")
	if state := decode(t, rec)["state"]; state != "cancelled" {
		t.Errorf("expected cancelled, got %v", state)
	}
}

func TestUnknownSession(t *testing.T) {
	ts := setupTestServer(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/sessions/nope"},
		{http.MethodDelete, "/sessions/nope"},
		{http.MethodPost, "/sessions/nope/stop"},
		{http.MethodPost, "/sessions/nope/cancel"},
		{http.MethodGet, "/sessions/nope/level"},
		{http.MethodGet, "/sessions/nope/events"},
	}

	for _, p := range paths {
		rec := ts.do(t, p.method, p.path, "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s %s: expected 404, got %d", p.method, p.path, rec.Code)
		}
	}
}

func TestHistoryLimitValidation(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodGet, "/history?limit=zero", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestEventsStream(t *testing.T) {
	ts := setupTestServer(t)
	srv := httptest.NewServer(ts.engine)
	defer srv.Close()

	id := ts.startSession(t)

	resp, err := http.Get(srv.URL + "/sessions/" + id + "/events")
	if err != nil {
		t.Fatalf("events request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	ts.backend.Device().FeedTone(10*time.Second, 10*time.Second, 3000)
	s, _ := ts.manager.Get(id)
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// The stream ends after the terminal event.
	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event:") {
			events = append(events, strings.TrimSpace(strings.TrimPrefix(line, "event:")))
		}
		if strings.HasPrefix(line, "data:") && strings.Contains(line, `"state":"completed"`) && strings.Contains(line, `"kind":"state"`) {
			return
		}
	}
	t.Fatalf("stream ended without a completed event, saw %v (%v)", events, scanner.Err())
}

func TestMetricsEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	ts.do(t, http.MethodGet, "/health", "")
	rec := ts.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "voicedeck_http_requests_total") {
		t.Errorf("expected HTTP metrics, body=%s", rec.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := setupTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/sessions", nil)
	req.Header.Set("Origin", ts.config.HTTP.AllowedOrigins[0])
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != ts.config.HTTP.AllowedOrigins[0] {
		t.Errorf("expected allowed origin header, got %q", got)
	}
}
