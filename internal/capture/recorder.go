package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RomanSlack/VoiceDeck/internal/audio"
	"github.com/RomanSlack/VoiceDeck/internal/chunkstore"
	"github.com/RomanSlack/VoiceDeck/internal/failure"
)

// Config contains recorder settings and hooks
type Config struct {
	Policy audio.ChunkingPolicy

	// OnChunk is called after a chunk has been appended to the store. It
	// runs on the capture path and must not block.
	OnChunk func(chunkstore.Chunk)

	// OnError is called at most once, when capture fails after Start
	// returned successfully.
	OnError func(error)
}

type recorderState int

const (
	stateIdle recorderState = iota
	stateRecording
	stateStopping
	stateStopped
)

// Stats is a snapshot of recorder progress
type Stats struct {
	Recording bool          `json:"recording"`
	StartedAt time.Time     `json:"started_at"`
	Chunks    int           `json:"chunks"`
	Bytes     int64         `json:"bytes"`
	Captured  time.Duration `json:"captured"`
	Level     float64       `json:"level"`
}

// Recorder streams one device into a session's chunk store
type Recorder struct {
	backend Backend
	store   *chunkstore.Store
	config  Config
	logger  *slog.Logger

	level audio.LevelMeter

	mu        sync.Mutex
	state     recorderState
	device    Device
	planner   *audio.Planner
	format    audio.Format
	writer    *audio.WAVWriter
	next      int
	carry     []byte
	captured  int64
	err       error
	startedAt time.Time
}

// NewRecorder creates a recorder that writes into store
func NewRecorder(backend Backend, store *chunkstore.Store, config Config, logger *slog.Logger) *Recorder {
	return &Recorder{
		backend: backend,
		store:   store,
		config:  config,
		logger:  logger.With(slog.String("session_id", store.SessionID())),
	}
}

// Start opens the device and begins capturing. A device that cannot be
// opened or started fails with a DeviceUnavailable error and leaves the
// recorder ready for another Start.
func (r *Recorder) Start(deviceID string, sampleRate, channels int) error {
	format := audio.Format{SampleRate: sampleRate, Channels: channels}
	planner, err := audio.NewPlanner(r.config.Policy, format)
	if err != nil {
		return failure.New(failure.KindInvalidConfiguration, "start capture", err)
	}

	r.mu.Lock()
	if r.state != stateIdle {
		r.mu.Unlock()
		return failure.New(failure.KindSessionActive, "start capture", errors.New("recorder already started"))
	}
	r.planner = planner
	r.format = format
	r.state = stateRecording
	r.startedAt = time.Now()
	r.mu.Unlock()

	device, err := r.backend.Open(DeviceConfig{DeviceID: deviceID, Format: format}, Callbacks{
		Data:    r.handleData,
		Stopped: r.handleStopped,
	})
	if err != nil {
		r.reset()
		return failure.New(failure.KindDeviceUnavailable, "start capture", err)
	}

	r.mu.Lock()
	r.device = device
	r.mu.Unlock()

	if err := device.Start(); err != nil {
		if cerr := device.Close(); cerr != nil {
			r.logger.Warn("Failed to close device", slog.String("error", cerr.Error()))
		}
		r.reset()
		return failure.New(failure.KindDeviceUnavailable, "start capture", err)
	}

	r.logger.Info("Capture started",
		slog.String("device", deviceID),
		slog.Int("sample_rate", sampleRate),
		slog.Int("channels", channels),
		slog.Duration("max_chunk_duration", planner.Policy().MaxDuration),
		slog.Int64("max_chunk_bytes", planner.Policy().MaxBytes),
		slog.Int64("chunk_capacity_bytes", planner.Capacity()))

	return nil
}

func (r *Recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = stateIdle
	r.device = nil
}

// ReadLevel returns the most recent input level in the 0-1 range. It never
// blocks and may skip values.
func (r *Recorder) ReadLevel() float64 {
	return r.level.Level()
}

// Format returns the capture format, valid after Start
func (r *Recorder) Format() audio.Format {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.format
}

// Stats returns recorder progress
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Stats{
		Recording: r.state == stateRecording,
		StartedAt: r.startedAt,
		Chunks:    r.next,
		Bytes:     r.captured,
		Captured:  r.format.Duration(r.captured),
		Level:     r.level.Level(),
	}
}

// Err returns the error that ended capture early, if any
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Recorder) handleData(pcm []byte) {
	r.mu.Lock()
	if (r.state != stateRecording && r.state != stateStopping) || r.err != nil {
		r.mu.Unlock()
		return
	}
	r.level.Update(pcm)
	closed, err := r.writeLocked(pcm)
	if err != nil {
		r.err = err
	}
	r.mu.Unlock()

	r.emit(closed)
	if err != nil {
		r.logger.Error("Capture failed",
			slog.Int("chunk_index", failure.ChunkOf(err)),
			slog.String("error", err.Error()))
		if r.config.OnError != nil {
			r.config.OnError(err)
		}
	}
}

// writeLocked appends whole frames to the current segment, closing segments
// as the planner demands. A trailing partial frame is carried into the next
// call.
func (r *Recorder) writeLocked(pcm []byte) ([]chunkstore.Chunk, error) {
	data := pcm
	if len(r.carry) > 0 {
		data = append(r.carry, pcm...)
		r.carry = nil
	}
	aligned := r.format.AlignDown(int64(len(data)))
	if rest := data[aligned:]; len(rest) > 0 {
		r.carry = append([]byte(nil), rest...)
	}
	data = data[:aligned]
	r.captured += aligned

	var closed []chunkstore.Chunk
	for len(data) > 0 {
		if r.writer == nil {
			w, err := r.store.CreateSegment(r.next, r.format)
			if err != nil {
				return closed, err
			}
			r.writer = w
		}

		n := r.planner.Room(r.writer.DataSize())
		if n > int64(len(data)) {
			n = int64(len(data))
		}
		if _, err := r.writer.Write(data[:n]); err != nil {
			return closed, failure.ForChunk(failure.KindStorageFailed, "write segment", r.next, err)
		}
		data = data[n:]

		if r.planner.ObserveBytes(r.writer.DataSize()) == audio.CloseChunk {
			c, err := r.closeSegmentLocked()
			if err != nil {
				return closed, err
			}
			closed = append(closed, c)
		}
	}
	return closed, nil
}

func (r *Recorder) closeSegmentLocked() (chunkstore.Chunk, error) {
	w := r.writer
	r.writer = nil

	if err := w.Close(); err != nil {
		return chunkstore.Chunk{}, failure.ForChunk(failure.KindStorageFailed, "close segment", r.next, err)
	}

	c, err := r.store.Append(chunkstore.Chunk{
		Index:    r.next,
		Path:     w.Path(),
		Duration: r.format.Duration(w.DataSize()),
		Size:     w.Size(),
		ClosedAt: time.Now(),
	})
	if err != nil {
		return chunkstore.Chunk{}, err
	}
	r.next++

	r.logger.Debug("Chunk closed",
		slog.Int("chunk_index", c.Index),
		slog.Duration("duration", c.Duration),
		slog.Int64("size_bytes", c.Size))

	return c, nil
}

func (r *Recorder) emit(closed []chunkstore.Chunk) {
	if r.config.OnChunk == nil {
		return
	}
	for _, c := range closed {
		r.config.OnChunk(c)
	}
}

func (r *Recorder) handleStopped(err error) {
	if err == nil {
		return
	}

	r.mu.Lock()
	if r.state != stateRecording || r.err != nil {
		r.mu.Unlock()
		return
	}
	ferr := failure.New(failure.KindDeviceUnavailable, "capture", err)
	r.err = ferr
	r.mu.Unlock()

	r.logger.Error("Capture device stopped unexpectedly", slog.String("error", err.Error()))
	if r.config.OnError != nil {
		r.config.OnError(ferr)
	}
}

// Stop stops the device, closes the in-progress chunk and seals the store.
// A chunk with no captured frames is discarded rather than stored. Stop
// returns the error that ended capture early, if any.
func (r *Recorder) Stop() error {
	return r.finish(false)
}

// Abort stops the device and discards the in-progress chunk
func (r *Recorder) Abort() error {
	return r.finish(true)
}

func (r *Recorder) finish(discard bool) error {
	r.mu.Lock()
	switch r.state {
	case stateIdle:
		r.mu.Unlock()
		return fmt.Errorf("recorder not started")
	case stateStopping, stateStopped:
		err := r.err
		r.mu.Unlock()
		return err
	}
	r.state = stateStopping
	device := r.device
	r.mu.Unlock()

	// Blocks until in-flight callbacks return, so the device must be
	// stopped without holding the lock.
	if device != nil {
		if err := device.Stop(); err != nil {
			r.logger.Warn("Failed to stop device", slog.String("error", err.Error()))
		}
		if err := device.Close(); err != nil {
			r.logger.Warn("Failed to close device", slog.String("error", err.Error()))
		}
	}

	r.mu.Lock()
	r.state = stateStopped
	r.carry = nil
	err := r.err

	var closed []chunkstore.Chunk
	if r.writer != nil {
		if discard || err != nil || r.writer.DataSize() == 0 {
			if derr := r.writer.Discard(); derr != nil {
				r.logger.Warn("Failed to discard segment", slog.String("error", derr.Error()))
			}
			r.writer = nil
		} else {
			c, cerr := r.closeSegmentLocked()
			if cerr != nil {
				err = cerr
				r.err = cerr
			} else {
				closed = append(closed, c)
			}
		}
	}
	chunks := r.next
	captured := r.format.Duration(r.captured)
	r.mu.Unlock()

	// Hooks see the final chunk before cursors can observe the seal.
	r.emit(closed)
	r.store.Seal()
	r.level.Reset()

	r.logger.Info("Capture stopped",
		slog.Bool("aborted", discard),
		slog.Int("chunks", chunks),
		slog.Duration("captured", captured))

	return err
}
