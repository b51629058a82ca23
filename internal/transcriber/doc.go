// Package transcriber converts audio chunks into text through a remote
// speech-to-text provider.
//
// Transcriber is the capability every provider implements. OpenAI uses the
// go-openai SDK; Compatible speaks the same multipart protocol over plain
// HTTP for self-hosted servers. Both classify failures into the pipeline's
// error kinds so the orchestrator can decide whether to retry. Retrying is
// left to the caller.
package transcriber
