package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/RomanSlack/VoiceDeck/internal/capture"
	"github.com/RomanSlack/VoiceDeck/internal/chunkstore"
	"github.com/RomanSlack/VoiceDeck/internal/failure"
	"github.com/RomanSlack/VoiceDeck/internal/journal"
	"github.com/RomanSlack/VoiceDeck/internal/transcriber"
)

// Result is the final outcome of a session
type Result struct {
	SessionID  string             `json:"session_id"`
	State      State              `json:"state"`
	Transcript string             `json:"transcript"`
	Chunks     []chunkstore.Chunk `json:"chunks"`
	// FailedChunk is the index of the chunk that failed, or failure.NoChunk
	FailedChunk int          `json:"failed_chunk"`
	ErrorKind   failure.Kind `json:"error_kind"`
	Err         error        `json:"-"`
}

// Snapshot is a point-in-time view of a session
type Snapshot struct {
	ID         string             `json:"id"`
	State      State              `json:"state"`
	StartedAt  time.Time          `json:"started_at"`
	EndedAt    *time.Time         `json:"ended_at,omitempty"`
	DeviceID   string             `json:"device_id"`
	SampleRate int                `json:"sample_rate"`
	Channels   int                `json:"channels"`
	Captured   time.Duration      `json:"captured"`
	Level      float64            `json:"level"`
	Dir        string             `json:"dir"`
	Chunks     []chunkstore.Chunk `json:"chunks"`
	Transcript string             `json:"transcript,omitempty"`
	ErrorKind  string             `json:"error_kind,omitempty"`
	Error      string             `json:"error,omitempty"`
	// FailedChunk is only set for a Failed session tied to a chunk
	FailedChunk *int `json:"failed_chunk,omitempty"`
}

// Session is one record, stop and transcribe cycle
type Session struct {
	id        string
	opts      StartOptions
	startedAt time.Time
	manager   *Manager
	store     *chunkstore.Store
	recorder  *capture.Recorder
	logger    *slog.Logger

	// ctx ends on Cancel. Dispatch observes it between chunks, before each
	// attempt and during backoff, never during a network call.
	ctx    context.Context
	cancel context.CancelFunc

	// haltMu serialises Stop and Abort calls on the recorder so the store is
	// sealed before either returns.
	haltMu sync.Mutex

	mu         sync.Mutex
	state      State
	endedAt    time.Time
	attempts   map[int]int
	subs       map[chan Event]struct{}
	captureErr error
	result     *Result
	done       chan struct{}
}

func newSession(id string, m *Manager, store *chunkstore.Store, opts StartOptions, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:        id,
		opts:      opts,
		startedAt: time.Now(),
		manager:   m,
		store:     store,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		state:     StateIdle,
		attempts:  make(map[int]int),
		subs:      make(map[chan Event]struct{}),
		done:      make(chan struct{}),
	}
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the session reaches a terminal state
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ReadLevel returns the latest input level in the 0-1 range
func (s *Session) ReadLevel() float64 {
	level := s.recorder.ReadLevel()
	s.manager.metrics.SetInputLevel(level)
	return level
}

// Stop ends capture. The in-progress chunk is closed and the session keeps
// transcribing until every chunk is processed. Calling Stop on a session
// that is no longer recording does nothing.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state != StateRecording || s.ctx.Err() != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	s.setState(StateStopping)

	err := s.halt(false)

	s.mu.Lock()
	draining := s.state == StateStopping
	s.mu.Unlock()
	if draining {
		s.setState(StateDraining)
	}

	s.logger.Info("Recording stopped", slog.Int("chunks", s.store.Len()))
	return err
}

// Cancel abandons the session from any non-terminal state. Capture stops
// before Cancel returns and no further transcription requests are started.
// A request already in flight runs out on its own timeout, after which the
// session becomes Cancelled and chunk files are removed when auto-delete is
// enabled.
func (s *Session) Cancel() {
	if s.State().Terminal() {
		return
	}
	s.logger.Info("Session cancel requested")
	// The context goes first so the dispatcher reads the sealed store as a
	// cancellation rather than the end of a recording.
	s.cancel()
	if err := s.halt(true); err != nil {
		s.logger.Debug("Capture ended with error during cancel", slog.String("error", err.Error()))
	}
}

// Wait blocks until the session finishes or ctx ends
func (s *Session) Wait(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
		r, _ := s.Result()
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the final result once the session has finished
func (s *Session) Result() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.result == nil {
		return Result{}, false
	}
	return *s.result, true
}

// Subscribe returns a channel of progress events and a function that ends
// the subscription. Events are dropped for subscribers that fall behind.
// The channel is closed after the terminal state event.
func (s *Session) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, s.manager.config.EventBuffer)

	s.mu.Lock()
	if s.state.Terminal() {
		ch <- Event{SessionID: s.id, Kind: EventState, State: s.state, ChunkIndex: failure.NoChunk, Time: s.endedAt}
		close(ch)
		s.mu.Unlock()
		return ch, func() {}
	}
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
	}
}

// Snapshot returns the session's current state and chunk statuses
func (s *Session) Snapshot() Snapshot {
	stats := s.recorder.Stats()

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:         s.id,
		State:      s.state,
		StartedAt:  s.startedAt,
		DeviceID:   s.opts.DeviceID,
		SampleRate: s.opts.SampleRate,
		Channels:   s.opts.Channels,
		Captured:   stats.Captured,
		Level:      stats.Level,
		Dir:        s.store.Dir(),
		Chunks:     s.store.Chunks(),
	}
	if !s.endedAt.IsZero() {
		ended := s.endedAt
		snap.EndedAt = &ended
	}
	if r := s.result; r != nil {
		snap.Transcript = r.Transcript
		if r.Err != nil {
			snap.ErrorKind = r.ErrorKind.Code()
			snap.Error = r.Err.Error()
		}
		if r.FailedChunk != failure.NoChunk {
			idx := r.FailedChunk
			snap.FailedChunk = &idx
		}
	}
	return snap
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state == state || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.publishLocked(Event{Kind: EventState, State: state, ChunkIndex: failure.NoChunk})
	s.mu.Unlock()

	s.logger.Debug("Session state changed", slog.String("state", state.String()))
	if !state.Terminal() {
		if err := s.manager.journal.SessionState(context.Background(), s.id, state.String()); err != nil {
			s.logger.Warn("Failed to journal state", slog.String("error", err.Error()))
		}
	}
}

// publishLocked delivers ev to every subscriber without blocking
func (s *Session) publishLocked(ev Event) {
	ev.SessionID = s.id
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.Kind != EventState {
		ev.State = s.state
	}
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *Session) publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLocked(ev)
}

// halt stops the recorder, discarding the in-progress chunk when abort is set
func (s *Session) halt(abort bool) error {
	s.haltMu.Lock()
	defer s.haltMu.Unlock()

	if abort {
		return s.recorder.Abort()
	}
	return s.recorder.Stop()
}

// onChunk runs on the capture path and must not block
func (s *Session) onChunk(c chunkstore.Chunk) {
	m := s.manager
	m.metrics.RecordChunkClosed(c.Duration.Seconds(), c.Size)
	s.publish(Event{Kind: EventChunkClosed, ChunkIndex: c.Index, Status: c.Status})
	s.journalChunk(c, 0, "")
}

// onCaptureError runs on the capture path. Stopping the device from the
// callback would deadlock, so the recorder is halted asynchronously.
func (s *Session) onCaptureError(err error) {
	s.mu.Lock()
	if s.captureErr == nil {
		s.captureErr = err
	}
	s.mu.Unlock()

	go func() {
		if herr := s.halt(true); herr != nil && !errors.Is(herr, err) {
			s.logger.Warn("Failed to halt capture", slog.String("error", herr.Error()))
		}
	}()
}

// run dispatches chunks in index order until the store is sealed and
// drained, a chunk fails permanently, or the session is cancelled.
func (s *Session) run() {
	cursor := s.store.Cursor()
	var fragments []string

	for {
		s.manager.metrics.SetBacklog(s.store.Len() - cursor.Position())

		chunk, err := cursor.Next(s.ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.finishCancelled()
			return
		}

		frag, err := s.transcribe(chunk)
		if err != nil {
			if failure.KindOf(err) == failure.KindCancelled {
				s.finishCancelled()
				return
			}
			s.finishFailed(err)
			return
		}
		fragments = append(fragments, frag.Text)
	}

	if s.ctx.Err() != nil {
		s.finishCancelled()
		return
	}

	s.mu.Lock()
	captureErr := s.captureErr
	s.mu.Unlock()
	if captureErr == nil {
		captureErr = s.recorder.Err()
	}
	if captureErr != nil {
		s.finishFailed(captureErr)
		return
	}

	// Fragments keep the provider's spacing; only the outer edges are tidied.
	s.finishCompleted(strings.TrimSpace(strings.Join(fragments, "")))
}

// transcribe runs the attempt loop for one chunk
func (s *Session) transcribe(chunk chunkstore.Chunk) (transcriber.Fragment, error) {
	m := s.manager
	retry := m.config.Retry

	for attempt := 1; ; attempt++ {
		if err := s.ctx.Err(); err != nil {
			return transcriber.Fragment{}, failure.ForChunk(failure.KindCancelled, "transcribe", chunk.Index, err)
		}

		s.markChunk(chunk, chunkstore.StatusTranscribing, "", attempt, "")
		frag, err := s.attempt(chunk)
		if err == nil {
			s.markChunk(chunk, chunkstore.StatusTranscribed, frag.Text, attempt, "")
			s.logger.Info("Chunk transcribed",
				slog.Int("chunk_index", chunk.Index),
				slog.Int("attempt", attempt),
				slog.Duration("latency", frag.Latency),
				slog.Int("text_length", len(frag.Text)))
			return frag, nil
		}

		if cerr := s.ctx.Err(); cerr != nil {
			s.markChunk(chunk, chunkstore.StatusPending, "", attempt, err.Error())
			return transcriber.Fragment{}, failure.ForChunk(failure.KindCancelled, "transcribe", chunk.Index, cerr)
		}

		if !failure.IsRetryable(err) || attempt >= retry.MaxAttempts {
			s.markChunk(chunk, chunkstore.StatusFailed, "", attempt, err.Error())
			s.logger.Error("Chunk transcription failed",
				slog.Int("chunk_index", chunk.Index),
				slog.Int("attempt", attempt),
				slog.String("kind", failure.KindOf(err).Code()),
				slog.String("error", err.Error()))
			return transcriber.Fragment{}, err
		}

		wait := retry.Backoff(attempt)
		m.metrics.RecordTranscriptionRetry()
		s.publish(Event{Kind: EventRetry, ChunkIndex: chunk.Index, Status: chunkstore.StatusTranscribing,
			Attempt: attempt, Backoff: wait, Error: err.Error()})
		s.logger.Warn("Chunk transcription failed, retrying",
			slog.Int("chunk_index", chunk.Index),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()))

		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return transcriber.Fragment{}, failure.ForChunk(failure.KindCancelled, "transcribe", chunk.Index, s.ctx.Err())
		case <-timer.C:
		}
	}
}

// attempt makes one transcription request. The request is detached from
// session cancellation and bounded by the call timeout.
func (s *Session) attempt(chunk chunkstore.Chunk) (transcriber.Fragment, error) {
	m := s.manager
	if err := transcriber.CheckChunk(m.transcriber, chunk); err != nil {
		m.metrics.RecordTranscriptionFailure(failure.KindOf(err).Code(), 0)
		return transcriber.Fragment{}, err
	}

	ctx := context.WithoutCancel(s.ctx)
	if m.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.CallTimeout)
		defer cancel()
	}

	m.metrics.RecordTranscriptionRequest(m.transcriber.Name())
	start := time.Now()
	frag, err := m.transcriber.Transcribe(ctx, chunk)
	elapsed := time.Since(start)

	if err != nil {
		kind := failure.KindOf(err)
		if kind == failure.KindUnknown || failure.ChunkOf(err) == failure.NoChunk {
			if kind == failure.KindUnknown {
				kind = failure.KindTranscriptionUnavailable
			}
			err = failure.ForChunk(kind, "transcribe", chunk.Index, err)
		}
		m.metrics.RecordTranscriptionFailure(kind.Code(), elapsed.Seconds())
		return transcriber.Fragment{}, err
	}

	m.metrics.RecordTranscriptionSuccess(elapsed.Seconds())
	frag.Index = chunk.Index
	if frag.Latency == 0 {
		frag.Latency = elapsed
	}
	return frag, nil
}

func (s *Session) markChunk(c chunkstore.Chunk, status chunkstore.Status, text string, attempt int, errMsg string) {
	if err := s.store.MarkStatus(c.Index, status, text); err != nil {
		s.logger.Warn("Failed to update chunk status",
			slog.Int("chunk_index", c.Index),
			slog.String("error", err.Error()))
	}

	s.mu.Lock()
	s.attempts[c.Index] = attempt
	s.publishLocked(Event{Kind: EventChunkStatus, ChunkIndex: c.Index, Status: status, Attempt: attempt, Error: errMsg})
	s.mu.Unlock()

	c.Status = status
	c.Text = text
	s.journalChunk(c, attempt, errMsg)
}

func (s *Session) journalChunk(c chunkstore.Chunk, attempts int, errMsg string) {
	err := s.manager.journal.ChunkUpdated(context.Background(), journal.ChunkRecord{
		SessionID: s.id,
		Index:     c.Index,
		Duration:  c.Duration,
		Size:      c.Size,
		Path:      c.Path,
		Status:    c.Status.String(),
		Text:      c.Text,
		Attempts:  attempts,
		Error:     errMsg,
	})
	if err != nil {
		s.logger.Warn("Failed to journal chunk",
			slog.Int("chunk_index", c.Index),
			slog.String("error", err.Error()))
	}
}

func (s *Session) finishCompleted(transcript string) {
	s.finish(&Result{
		State:       StateCompleted,
		Transcript:  transcript,
		FailedChunk: failure.NoChunk,
	})
}

func (s *Session) finishFailed(err error) {
	if herr := s.halt(true); herr != nil && !errors.Is(herr, err) {
		s.logger.Warn("Failed to halt capture", slog.String("error", herr.Error()))
	}
	s.finish(&Result{
		State:       StateFailed,
		FailedChunk: failure.ChunkOf(err),
		ErrorKind:   failure.KindOf(err),
		Err:         err,
	})
}

func (s *Session) finishCancelled() {
	if err := s.halt(true); err != nil {
		s.logger.Debug("Capture ended with error during cancel", slog.String("error", err.Error()))
	}
	s.finish(&Result{
		State:       StateCancelled,
		FailedChunk: failure.NoChunk,
		ErrorKind:   failure.KindCancelled,
		Err:         failure.New(failure.KindCancelled, "session", context.Canceled),
	})
}

func (s *Session) finish(r *Result) {
	m := s.manager

	if m.config.AutoDelete && r.State != StateFailed {
		if err := s.store.Cleanup(); err != nil {
			s.logger.Warn("Failed to remove chunk files", slog.String("error", err.Error()))
		}
	}

	r.SessionID = s.id
	r.Chunks = s.store.Chunks()
	ended := time.Now()

	s.mu.Lock()
	s.result = r
	s.endedAt = ended
	s.state = r.State
	s.publishLocked(Event{Kind: EventState, State: r.State, ChunkIndex: r.FailedChunk, Time: ended})
	for ch := range s.subs {
		close(ch)
	}
	s.subs = make(map[chan Event]struct{})
	s.mu.Unlock()

	s.cancel()
	close(s.done)

	out := journal.Outcome{
		State:      r.State.String(),
		EndedAt:    ended,
		Transcript: r.Transcript,
		ErrorChunk: r.FailedChunk,
	}
	if r.Err != nil {
		out.ErrorKind = r.ErrorKind.Code()
		out.ErrorMessage = r.Err.Error()
	}
	if err := m.journal.SessionFinished(context.Background(), s.id, out); err != nil {
		s.logger.Warn("Failed to journal session result", slog.String("error", err.Error()))
	}
	m.metrics.RecordSessionFinished(r.State.String(), ended.Sub(s.startedAt).Seconds())
	m.metrics.SetBacklog(0)

	attrs := []any{
		slog.String("state", r.State.String()),
		slog.Int("chunks", len(r.Chunks)),
		slog.Duration("elapsed", ended.Sub(s.startedAt)),
	}
	if r.Err != nil {
		attrs = append(attrs,
			slog.String("kind", r.ErrorKind.Code()),
			slog.Int("failed_chunk", r.FailedChunk),
			slog.String("error", r.Err.Error()))
		s.logger.Warn("Session finished", attrs...)
		return
	}
	s.logger.Info("Session finished", attrs...)
}
