package failure

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure
type Kind int

const (
	KindUnknown Kind = iota
	KindDeviceUnavailable
	KindDuplicateIndex
	KindTranscriptionRejected
	KindTranscriptionUnavailable
	KindAuthenticationFailed
	KindInvalidConfiguration
	KindStorageFailed
	KindSessionActive
	KindCancelled
)

// Sentinels for errors.Is matching against a Kind.
var (
	ErrDeviceUnavailable        = &Error{Kind: KindDeviceUnavailable}
	ErrDuplicateIndex           = &Error{Kind: KindDuplicateIndex}
	ErrTranscriptionRejected    = &Error{Kind: KindTranscriptionRejected}
	ErrTranscriptionUnavailable = &Error{Kind: KindTranscriptionUnavailable}
	ErrAuthenticationFailed     = &Error{Kind: KindAuthenticationFailed}
	ErrInvalidConfiguration     = &Error{Kind: KindInvalidConfiguration}
	ErrStorageFailed            = &Error{Kind: KindStorageFailed}
	ErrSessionActive            = &Error{Kind: KindSessionActive}
	ErrCancelled                = &Error{Kind: KindCancelled}
)

// NoChunk is the ChunkIndex of errors not tied to a chunk.
const NoChunk = -1

// Error is a classified pipeline error
type Error struct {
	Kind       Kind
	Op         string
	ChunkIndex int
	Err        error
}

// New creates a classified error for op, optionally wrapping a cause
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, ChunkIndex: NoChunk, Err: err}
}

// ForChunk creates a classified error tied to a chunk sequence index
func ForChunk(kind Kind, op string, index int, err error) *Error {
	return &Error{Kind: kind, Op: op, ChunkIndex: index, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.ChunkIndex >= 0 && e.Op != "" {
		msg = fmt.Sprintf("%s (chunk %d)", msg, e.ChunkIndex)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, which lets the package sentinels
// work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether the operation that produced this error may be
// attempted again.
func (e *Error) Retryable() bool {
	return e.Kind == KindTranscriptionUnavailable
}

// KindOf returns the kind of the first *Error in err's chain
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// ChunkOf returns the chunk index recorded in err's chain, or NoChunk.
func ChunkOf(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.ChunkIndex
	}
	return NoChunk
}

// IsRetryable reports whether err is a retryable pipeline error
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return false
}

func (k Kind) String() string {
	switch k {
	case KindDeviceUnavailable:
		return "device unavailable"
	case KindDuplicateIndex:
		return "duplicate chunk index"
	case KindTranscriptionRejected:
		return "transcription rejected"
	case KindTranscriptionUnavailable:
		return "transcription unavailable"
	case KindAuthenticationFailed:
		return "authentication failed"
	case KindInvalidConfiguration:
		return "invalid configuration"
	case KindStorageFailed:
		return "storage failed"
	case KindSessionActive:
		return "session already active"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Code returns a stable snake_case identifier for APIs and persistence
func (k Kind) Code() string {
	switch k {
	case KindDeviceUnavailable:
		return "device_unavailable"
	case KindDuplicateIndex:
		return "duplicate_index"
	case KindTranscriptionRejected:
		return "transcription_rejected"
	case KindTranscriptionUnavailable:
		return "transcription_unavailable"
	case KindAuthenticationFailed:
		return "authentication_failed"
	case KindInvalidConfiguration:
		return "invalid_configuration"
	case KindStorageFailed:
		return "storage_failed"
	case KindSessionActive:
		return "session_active"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind as its Code
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.Code()), nil
}
