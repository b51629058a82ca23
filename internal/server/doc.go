// Package server implements the local HTTP control API: starting, stopping
// and cancelling recording sessions, streaming their progress as server-sent
// events, and monitoring endpoints for health, configuration and metrics.
package server
