// Package failure defines the error kinds that cross component boundaries
// in the recording and transcription pipeline.
//
// Low-level I/O, device and network errors are wrapped into an *Error with a
// Kind before they leave the capture, chunk store or transcriber packages, so
// callers can branch on the kind instead of inspecting error strings.
package failure
