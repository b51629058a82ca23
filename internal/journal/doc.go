// Package journal records recording sessions and per-chunk transcription
// status in a local SQLite database, so partial progress survives a failed
// session and past transcripts can be listed.
package journal
