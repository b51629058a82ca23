package session

import (
	"time"

	"github.com/RomanSlack/VoiceDeck/internal/chunkstore"
)

// State is the lifecycle state of a session
type State int

const (
	StateIdle State = iota
	StateRecording
	StateStopping
	StateDraining
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	case StateDraining:
		return "transcribing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "idle"
	}
}

// MarshalText encodes the state as its name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transitions can happen
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// EventKind identifies what an Event reports
type EventKind int

const (
	// EventState reports a session state transition
	EventState EventKind = iota
	// EventChunkClosed reports a chunk appended by the recorder
	EventChunkClosed
	// EventChunkStatus reports a chunk transcription status change
	EventChunkStatus
	// EventRetry reports a retry scheduled after a retryable failure
	EventRetry
)

func (k EventKind) String() string {
	switch k {
	case EventChunkClosed:
		return "chunk_closed"
	case EventChunkStatus:
		return "chunk_status"
	case EventRetry:
		return "retry"
	default:
		return "state"
	}
}

// MarshalText encodes the kind as its name
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is a progress notification for UI consumption
type Event struct {
	SessionID  string            `json:"session_id"`
	Kind       EventKind         `json:"kind"`
	State      State             `json:"state"`
	ChunkIndex int               `json:"chunk_index"`
	Status     chunkstore.Status `json:"status"`
	Attempt    int               `json:"attempt,omitempty"`
	Backoff    time.Duration     `json:"backoff,omitempty"`
	Error      string            `json:"error,omitempty"`
	Time       time.Time         `json:"time"`
}
