// Package audio handles PCM format arithmetic, WAV encoding and chunk planning.
// It writes captured PCM incrementally to WAV files, meters input levels, and
// decides where a long recording is split so that no chunk exceeds the
// configured duration and size ceilings.
package audio
