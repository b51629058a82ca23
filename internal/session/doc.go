// Package session runs recording sessions: it starts capture into a chunk
// store, dispatches closed chunks to a transcriber one at a time with
// bounded retry, and assembles the ordered transcript.
package session
