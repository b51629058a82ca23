package audio

import (
	"fmt"
	"time"
)

// Default chunk ceilings, kept under the limits of the hosted Whisper API.
const (
	DefaultMaxChunkDuration = 600 * time.Second
	DefaultMaxChunkBytes    = 24 * 1024 * 1024
)

// ChunkingPolicy bounds every chunk of a recording session
type ChunkingPolicy struct {
	MaxDuration time.Duration `json:"max_duration"`
	MaxBytes    int64         `json:"max_bytes"` // includes the WAV header
}

// DefaultChunkingPolicy returns the 600s / 24MB policy
func DefaultChunkingPolicy() ChunkingPolicy {
	return ChunkingPolicy{
		MaxDuration: DefaultMaxChunkDuration,
		MaxBytes:    DefaultMaxChunkBytes,
	}
}

// Validate checks that both limits are positive
func (p ChunkingPolicy) Validate() error {
	if p.MaxDuration <= 0 {
		return fmt.Errorf("max chunk duration must be positive, got %s", p.MaxDuration)
	}
	if p.MaxBytes <= WAVHeaderSize {
		return fmt.Errorf("max chunk size must exceed the %d byte WAV header, got %d", WAVHeaderSize, p.MaxBytes)
	}
	return nil
}

// CheckLimits reports an error when the policy allows chunks larger or longer
// than a provider accepts. Zero provider limits are treated as unlimited.
func (p ChunkingPolicy) CheckLimits(maxDuration time.Duration, maxBytes int64) error {
	if maxBytes > 0 && p.MaxBytes > maxBytes {
		return fmt.Errorf("max chunk size %d bytes exceeds provider limit of %d bytes", p.MaxBytes, maxBytes)
	}
	if maxDuration > 0 && p.MaxDuration > maxDuration {
		return fmt.Errorf("max chunk duration %s exceeds provider limit of %s", p.MaxDuration, maxDuration)
	}
	return nil
}

// Decision is the outcome of a planner observation
type Decision int

const (
	Continue Decision = iota
	CloseChunk
)

func (d Decision) String() string {
	if d == CloseChunk {
		return "close_chunk"
	}
	return "continue"
}

// Planner decides where chunk boundaries fall. It is stateless between
// observations and safe for concurrent use.
type Planner struct {
	policy   ChunkingPolicy
	format   Format
	capacity int64
}

// NewPlanner creates a planner for audio in the given format
func NewPlanner(policy ChunkingPolicy, format Format) (*Planner, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if err := format.Validate(); err != nil {
		return nil, err
	}

	capacity := format.BytesFor(policy.MaxDuration)
	if bySize := format.AlignDown(policy.MaxBytes - WAVHeaderSize); bySize < capacity {
		capacity = bySize
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("chunking policy %s / %d bytes cannot hold a single %s frame",
			policy.MaxDuration, policy.MaxBytes, format)
	}

	return &Planner{
		policy:   policy,
		format:   format,
		capacity: capacity,
	}, nil
}

// Observe decides whether the current chunk must be closed, given the PCM
// bytes written and the audio time elapsed since the chunk started.
// Either limit being reached closes the chunk.
func (p *Planner) Observe(bytes int64, elapsed time.Duration) Decision {
	switch {
	case elapsed >= p.policy.MaxDuration:
		return CloseChunk
	case bytes+WAVHeaderSize >= p.policy.MaxBytes:
		return CloseChunk
	case p.Room(bytes) == 0:
		// Not even one more frame fits under the limits.
		return CloseChunk
	}
	return Continue
}

// ObserveBytes is Observe with elapsed time derived from the byte count
func (p *Planner) ObserveBytes(bytes int64) Decision {
	return p.Observe(bytes, p.format.Duration(bytes))
}

// Room returns how many more PCM bytes fit in a chunk that already holds
// bytes. The result is always a whole number of frames.
func (p *Planner) Room(bytes int64) int64 {
	if bytes >= p.capacity {
		return 0
	}
	return p.format.AlignDown(p.capacity - bytes)
}

// Capacity returns the largest PCM payload of a single chunk
func (p *Planner) Capacity() int64 {
	return p.capacity
}

// Policy returns the planner's chunking policy
func (p *Planner) Policy() ChunkingPolicy {
	return p.policy
}

// Format returns the audio format the planner was built for
func (p *Planner) Format() Format {
	return p.format
}
