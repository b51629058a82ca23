// Package metrics exposes Prometheus collectors for recording sessions,
// chunking, transcription requests and the control API.
package metrics
