package failure

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := ForChunk(KindTranscriptionUnavailable, "transcribe", 3, io.ErrUnexpectedEOF)
	wrapped := fmt.Errorf("dispatch: %w", err)

	if !errors.Is(wrapped, ErrTranscriptionUnavailable) {
		t.Error("expected wrapped error to match ErrTranscriptionUnavailable")
	}
	if errors.Is(wrapped, ErrAuthenticationFailed) {
		t.Error("did not expect match with ErrAuthenticationFailed")
	}
	if !errors.Is(wrapped, io.ErrUnexpectedEOF) {
		t.Error("expected cause to remain reachable")
	}
	if KindOf(wrapped) != KindTranscriptionUnavailable {
		t.Errorf("expected kind %v, got %v", KindTranscriptionUnavailable, KindOf(wrapped))
	}
	if ChunkOf(wrapped) != 3 {
		t.Errorf("expected chunk 3, got %d", ChunkOf(wrapped))
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		kind      Kind
		retryable bool
	}{
		{KindTranscriptionUnavailable, true},
		{KindTranscriptionRejected, false},
		{KindAuthenticationFailed, false},
		{KindStorageFailed, false},
		{KindDeviceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(tt.kind.Code(), func(t *testing.T) {
			err := New(tt.kind, "op", nil)
			if IsRetryable(err) != tt.retryable {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.kind, !tt.retryable, tt.retryable)
			}
		})
	}

	if IsRetryable(errors.New("plain")) {
		t.Error("untyped errors must not be retryable")
	}
}

func TestUntypedErrorHasNoChunk(t *testing.T) {
	err := errors.New("plain")
	if KindOf(err) != KindUnknown {
		t.Errorf("expected unknown kind, got %v", KindOf(err))
	}
	if ChunkOf(err) != NoChunk {
		t.Errorf("expected NoChunk, got %d", ChunkOf(err))
	}
}

func TestErrorMessage(t *testing.T) {
	err := ForChunk(KindTranscriptionRejected, "transcribe", 2, errors.New("HTTP 400"))
	want := "transcribe: transcription rejected (chunk 2): HTTP 400"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}
