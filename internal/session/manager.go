package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/RomanSlack/VoiceDeck/internal/audio"
	"github.com/RomanSlack/VoiceDeck/internal/capture"
	"github.com/RomanSlack/VoiceDeck/internal/chunkstore"
	"github.com/RomanSlack/VoiceDeck/internal/failure"
	"github.com/RomanSlack/VoiceDeck/internal/journal"
	"github.com/RomanSlack/VoiceDeck/internal/metrics"
	"github.com/RomanSlack/VoiceDeck/internal/transcriber"
)

// Config contains the settings shared by every session of a Manager
type Config struct {
	Policy audio.ChunkingPolicy
	Retry  RetryPolicy

	// CallTimeout bounds each transcription request. Zero leaves it to the
	// transcriber's own HTTP timeout.
	CallTimeout time.Duration

	// StorageDir is where session directories are created; empty means the
	// system temp directory.
	StorageDir string

	// AutoDelete removes chunk files after a Completed or Cancelled session.
	// Failed sessions always keep their files.
	AutoDelete bool

	// EventBuffer is the per-subscriber channel capacity
	EventBuffer int
}

// DefaultConfig returns the default session settings
func DefaultConfig() Config {
	return Config{
		Policy:      audio.DefaultChunkingPolicy(),
		Retry:       DefaultRetryPolicy(),
		CallTimeout: 120 * time.Second,
		AutoDelete:  true,
		EventBuffer: 64,
	}
}

// StartOptions selects the capture device and format of a new session
type StartOptions struct {
	DeviceID   string `json:"device_id"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// Manager creates sessions and allows one of them to record at a time
type Manager struct {
	config      Config
	backend     capture.Backend
	transcriber transcriber.Transcriber
	creds       transcriber.Credentials
	journal     *journal.Journal
	metrics     *metrics.Metrics
	logger      *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	active   *Session
	closed   bool
}

// NewManager creates a session manager. The journal and metrics may be nil.
func NewManager(config Config, backend capture.Backend, tr transcriber.Transcriber, creds transcriber.Credentials,
	j *journal.Journal, m *metrics.Metrics, logger *slog.Logger) (*Manager, error) {
	if backend == nil {
		return nil, failure.New(failure.KindInvalidConfiguration, "create manager", errors.New("capture backend is required"))
	}
	if tr == nil {
		return nil, failure.New(failure.KindInvalidConfiguration, "create manager", errors.New("transcriber is required"))
	}
	if err := config.Policy.Validate(); err != nil {
		return nil, failure.New(failure.KindInvalidConfiguration, "create manager", err)
	}
	if err := config.Retry.Validate(); err != nil {
		return nil, failure.New(failure.KindInvalidConfiguration, "create manager", err)
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = 64
	}

	return &Manager{
		config:      config,
		backend:     backend,
		transcriber: tr,
		creds:       creds,
		journal:     j,
		metrics:     m,
		logger:      logger,
		sessions:    make(map[string]*Session),
	}, nil
}

// Start validates the configuration against the transcriber, opens the
// capture device and begins recording. Nothing is captured when a check
// fails. Only one session may be recording or transcribing at a time.
func (m *Manager) Start(ctx context.Context, opts StartOptions) (*Session, error) {
	lim := m.transcriber.Limits()
	if err := m.config.Policy.CheckLimits(lim.MaxDuration, lim.MaxBytes); err != nil {
		return nil, failure.New(failure.KindInvalidConfiguration, "start session",
			fmt.Errorf("%s: %w", m.transcriber.Name(), err))
	}
	if transcriber.RequiresCredentials(m.transcriber) {
		if err := transcriber.CheckCredentials(ctx, m.creds); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, failure.New(failure.KindInvalidConfiguration, "start session", errors.New("manager is shut down"))
	}
	if m.active != nil && !m.active.State().Terminal() {
		return nil, failure.New(failure.KindSessionActive, "start session",
			fmt.Errorf("session %s is %s", m.active.ID(), m.active.State()))
	}

	id := uuid.NewString()
	logger := m.logger.With(slog.String("session_id", id))

	store, err := chunkstore.Open(m.config.StorageDir, id, logger)
	if err != nil {
		return nil, err
	}

	s := newSession(id, m, store, opts, logger)
	s.recorder = capture.NewRecorder(m.backend, store, capture.Config{
		Policy:  m.config.Policy,
		OnChunk: s.onChunk,
		OnError: s.onCaptureError,
	}, logger)

	if err := s.recorder.Start(opts.DeviceID, opts.SampleRate, opts.Channels); err != nil {
		if cerr := store.Cleanup(); cerr != nil {
			logger.Warn("Failed to remove session directory", slog.String("error", cerr.Error()))
		}
		return nil, err
	}

	if err := m.journal.SessionStarted(ctx, journal.SessionRecord{
		ID:         id,
		StartedAt:  s.startedAt,
		State:      StateRecording.String(),
		SampleRate: opts.SampleRate,
		Channels:   opts.Channels,
		Device:     opts.DeviceID,
		Provider:   m.transcriber.Name(),
		Dir:        store.Dir(),
	}); err != nil {
		logger.Warn("Failed to journal session start", slog.String("error", err.Error()))
	}
	m.metrics.RecordSessionStarted()

	m.sessions[id] = s
	m.active = s
	s.setState(StateRecording)
	go s.run()

	logger.Info("Session started",
		slog.String("device", opts.DeviceID),
		slog.Int("sample_rate", opts.SampleRate),
		slog.Int("channels", opts.Channels),
		slog.String("provider", m.transcriber.Name()),
		slog.String("dir", store.Dir()))

	return s, nil
}

// Get returns the session with the given id
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	return s, ok
}

// Active returns the session that is currently recording or transcribing
func (m *Manager) Active() (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.active == nil || m.active.State().Terminal() {
		return nil, false
	}
	return m.active, true
}

// List returns all known sessions, oldest first
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].startedAt.Before(out[j].startedAt)
	})
	return out
}

// Remove deletes a finished session's chunk files and forgets it. Sessions
// that have not reached a terminal state cannot be removed.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session %s not found", id)
	}
	if !s.State().Terminal() {
		m.mu.Unlock()
		return failure.New(failure.KindSessionActive, "remove session", fmt.Errorf("session %s is %s", id, s.State()))
	}
	delete(m.sessions, id)
	if m.active == s {
		m.active = nil
	}
	m.mu.Unlock()

	if err := s.store.Cleanup(); err != nil {
		return err
	}
	m.logger.Info("Session removed", slog.String("session_id", id))
	return nil
}

// Shutdown cancels every unfinished session and waits for them to settle or
// for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if !s.State().Terminal() {
			s.Cancel()
		}
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.logger.Info("Session manager stopped", slog.Int("sessions", len(sessions)))
	return nil
}

// Journal returns the manager's journal, which may be nil
func (m *Manager) Journal() *journal.Journal {
	return m.journal
}

// Backend returns the capture backend
func (m *Manager) Backend() capture.Backend {
	return m.backend
}

// Transcriber returns the transcriber shared by all sessions
func (m *Manager) Transcriber() transcriber.Transcriber {
	return m.transcriber
}
