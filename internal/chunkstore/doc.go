// Package chunkstore keeps the ordered, closed audio chunks of one recording
// session on disk. The recorder appends chunks while the transcription
// orchestrator reads them through a blocking cursor, so capture never waits
// on transcription.
package chunkstore
