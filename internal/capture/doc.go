// Package capture records audio from an input device into chunk files.
//
// A Recorder owns one device stream for the lifetime of a recording. Every
// block the device delivers is metered, split at frame-aligned chunk
// boundaries chosen by an audio.Planner and appended to the session's WAV
// segment on disk, so memory use stays bounded by a single capture block no
// matter how long the recording runs. Closed segments are handed to a
// chunkstore.Store for the transcription side to consume.
//
// Backends abstract the audio API. MalgoBackend drives real microphones
// through miniaudio; capturetest provides a scriptable backend for tests.
package capture
