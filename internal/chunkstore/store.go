package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/RomanSlack/VoiceDeck/internal/audio"
	"github.com/RomanSlack/VoiceDeck/internal/failure"
)

// Status is the transcription status of a chunk
type Status int

const (
	StatusPending Status = iota
	StatusTranscribing
	StatusTranscribed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusTranscribing:
		return "transcribing"
	case StatusTranscribed:
		return "transcribed"
	case StatusFailed:
		return "failed"
	default:
		return "pending"
	}
}

// MarshalText encodes the status as its name
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Chunk is a closed segment of a session's audio. Everything but Status and
// Text is fixed once the chunk is appended.
type Chunk struct {
	Index     int           `json:"index"`
	SessionID string        `json:"session_id"`
	Path      string        `json:"path"`
	Duration  time.Duration `json:"duration"`
	Size      int64         `json:"size_bytes"`
	ClosedAt  time.Time     `json:"closed_at"`
	Status    Status        `json:"status"`
	Text      string        `json:"text,omitempty"`
}

var (
	errSealed  = errors.New("store is sealed")
	errRemoved = errors.New("store has been cleaned up")
)

// Store is the append-only chunk sequence of one session
type Store struct {
	dir       string
	sessionID string
	logger    *slog.Logger

	mu      sync.RWMutex
	chunks  []Chunk
	sealed  bool
	removed bool
	// notify is closed and replaced whenever chunks are appended or the
	// store is sealed.
	notify chan struct{}
}

// Open creates the session directory under root and returns an empty store
func Open(root, sessionID string, logger *slog.Logger) (*Store, error) {
	if sessionID == "" {
		return nil, failure.New(failure.KindInvalidConfiguration, "open chunk store", errors.New("empty session id"))
	}
	if root == "" {
		root = os.TempDir()
	}

	dir := filepath.Join(root, "voicedeck-"+sessionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, failure.New(failure.KindStorageFailed, "open chunk store", err)
	}

	logger.Debug("Chunk store opened",
		slog.String("session_id", sessionID),
		slog.String("dir", dir))

	return &Store{
		dir:       dir,
		sessionID: sessionID,
		logger:    logger,
		notify:    make(chan struct{}),
	}, nil
}

// Dir returns the session directory
func (s *Store) Dir() string {
	return s.dir
}

// SessionID returns the owning session's id
func (s *Store) SessionID() string {
	return s.sessionID
}

// SegmentPath returns the file location for the chunk with the given index
func (s *Store) SegmentPath(index int) string {
	return filepath.Join(s.dir, fmt.Sprintf("chunk_%04d.wav", index))
}

// CreateSegment opens the WAV file for the next chunk. The index must be the
// one Append will assign.
func (s *Store) CreateSegment(index int, format audio.Format) (*audio.WAVWriter, error) {
	s.mu.RLock()
	next, sealed, removed := len(s.chunks), s.sealed, s.removed
	s.mu.RUnlock()

	switch {
	case removed:
		return nil, failure.ForChunk(failure.KindStorageFailed, "create segment", index, errRemoved)
	case sealed:
		return nil, failure.ForChunk(failure.KindStorageFailed, "create segment", index, errSealed)
	case index != next:
		return nil, failure.ForChunk(failure.KindDuplicateIndex, "create segment", index,
			fmt.Errorf("expected index %d", next))
	}

	w, err := audio.CreateWAV(s.SegmentPath(index), format)
	if err != nil {
		return nil, failure.ForChunk(failure.KindStorageFailed, "create segment", index, err)
	}
	return w, nil
}

// Append adds a closed chunk. The chunk's Index must be the next sequence
// index; anything else fails with a DuplicateIndex error. The stored copy
// starts out Pending.
func (s *Store) Append(c Chunk) (Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.removed:
		return Chunk{}, failure.ForChunk(failure.KindStorageFailed, "append", c.Index, errRemoved)
	case s.sealed:
		return Chunk{}, failure.ForChunk(failure.KindStorageFailed, "append", c.Index, errSealed)
	case c.Index != len(s.chunks):
		return Chunk{}, failure.ForChunk(failure.KindDuplicateIndex, "append", c.Index,
			fmt.Errorf("expected index %d", len(s.chunks)))
	}

	c.SessionID = s.sessionID
	c.Status = StatusPending
	c.Text = ""
	if c.Path == "" {
		c.Path = s.SegmentPath(c.Index)
	}
	if c.ClosedAt.IsZero() {
		c.ClosedAt = time.Now()
	}

	s.chunks = append(s.chunks, c)
	s.broadcastLocked()

	s.logger.Debug("Chunk appended",
		slog.String("session_id", s.sessionID),
		slog.Int("chunk_index", c.Index),
		slog.Duration("duration", c.Duration),
		slog.Int64("size_bytes", c.Size))

	return c, nil
}

// Seal marks the end of the sequence. Cursors return io.EOF once they have
// consumed every chunk of a sealed store.
func (s *Store) Seal() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return
	}
	s.sealed = true
	s.broadcastLocked()
}

// Sealed reports whether the store accepts more chunks
func (s *Store) Sealed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed
}

func (s *Store) broadcastLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

// Len returns the number of chunks appended so far
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

// Get returns the chunk with the given index
func (s *Store) Get(index int) (Chunk, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index < 0 || index >= len(s.chunks) {
		return Chunk{}, false
	}
	return s.chunks[index], true
}

// Chunks returns a copy of all chunks in index order
func (s *Store) Chunks() []Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Chunk, len(s.chunks))
	copy(out, s.chunks)
	return out
}

// Iterate yields the chunks in index order. It is lazy: chunks appended while
// iteration is in progress are yielded too, and each chunk is yielded at
// most once per call. Iteration stops at the current end of the store.
func (s *Store) Iterate() iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		for i := 0; ; i++ {
			c, ok := s.Get(i)
			if !ok || !yield(c) {
				return
			}
		}
	}
}

// MarkStatus updates the status and text of a chunk
func (s *Store) MarkStatus(index int, status Status, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.chunks) {
		return failure.ForChunk(failure.KindStorageFailed, "mark status", index, errors.New("no such chunk"))
	}
	s.chunks[index].Status = status
	s.chunks[index].Text = text
	return nil
}

// Cleanup deletes all chunk files of the session. Calling it again is a
// no-op. Chunk metadata stays readable afterwards.
func (s *Store) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed {
		return nil
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return failure.New(failure.KindStorageFailed, "cleanup", err)
	}
	s.removed = true
	if !s.sealed {
		s.sealed = true
		s.broadcastLocked()
	}

	s.logger.Debug("Chunk store cleaned up",
		slog.String("session_id", s.sessionID),
		slog.Int("chunks", len(s.chunks)))
	return nil
}

// Removed reports whether Cleanup has run
func (s *Store) Removed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.removed
}

// Cursor returns a reader positioned at the first chunk
func (s *Store) Cursor() *Cursor {
	return &Cursor{store: s}
}

// Cursor reads chunks in index order, waiting for new ones to be appended
type Cursor struct {
	store *Store
	next  int
}

// Next returns the next chunk, blocking until one is appended. It returns
// io.EOF after the last chunk of a sealed store, or the context error if ctx
// ends first.
func (c *Cursor) Next(ctx context.Context) (Chunk, error) {
	for {
		c.store.mu.RLock()
		if c.next < len(c.store.chunks) {
			chunk := c.store.chunks[c.next]
			c.store.mu.RUnlock()
			c.next++
			return chunk, nil
		}
		sealed := c.store.sealed
		wait := c.store.notify
		c.store.mu.RUnlock()

		if sealed {
			return Chunk{}, io.EOF
		}

		select {
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		case <-wait:
		}
	}
}

// Position returns the index of the chunk Next will return
func (c *Cursor) Position() int {
	return c.next
}
