package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// WAVHeaderSize is the size of the canonical PCM WAV header
const WAVHeaderSize = 44

// WAVHeader represents the header structure of a WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

func newWAVHeader(format Format, dataSize uint32) WAVHeader {
	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   uint16(format.Channels),
		SampleRate:    uint32(format.SampleRate),
		ByteRate:      uint32(format.ByteRate()),
		BlockAlign:    uint16(format.FrameSize()),
		BitsPerSample: BitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// WAVWriter appends PCM data to a WAV file on disk. The header is written
// with zero sizes on creation and patched on Close, so memory use does not
// depend on how much audio is written.
type WAVWriter struct {
	file     *os.File
	path     string
	format   Format
	dataSize int64
	closed   bool
}

// CreateWAV creates a new WAV file at path. It fails if the file exists.
func CreateWAV(path string, format Format) (*WAVWriter, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAV file %s: %w", path, err)
	}

	header := newWAVHeader(format, 0)
	if err := binary.Write(file, binary.LittleEndian, header); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	return &WAVWriter{file: file, path: path, format: format}, nil
}

// Write appends raw little-endian PCM bytes
func (w *WAVWriter) Write(pcm []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("write to closed WAV file %s", w.path)
	}
	if w.dataSize+int64(len(pcm)) > int64(^uint32(0))-36 {
		return 0, fmt.Errorf("WAV data would exceed 4 GiB")
	}
	n, err := w.file.Write(pcm)
	w.dataSize += int64(n)
	if err != nil {
		return n, fmt.Errorf("failed to write audio data: %w", err)
	}
	return n, nil
}

// DataSize returns the number of PCM bytes written so far
func (w *WAVWriter) DataSize() int64 {
	return w.dataSize
}

// Size returns the size of the file including its header
func (w *WAVWriter) Size() int64 {
	return WAVHeaderSize + w.dataSize
}

// Path returns the file location
func (w *WAVWriter) Path() string {
	return w.path
}

// Close patches the header sizes, syncs and closes the file
func (w *WAVWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	header := newWAVHeader(w.format, uint32(w.dataSize))
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to rewind WAV file: %w", err)
	}
	if err := binary.Write(w.file, binary.LittleEndian, header); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to finalize WAV header: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to sync WAV file: %w", err)
	}
	return w.file.Close()
}

// Discard closes and removes the file
func (w *WAVWriter) Discard() error {
	if !w.closed {
		w.closed = true
		w.file.Close()
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove WAV file %s: %w", w.path, err)
	}
	return nil
}

// ValidateWAV validates a WAV header without reading the audio data
func ValidateWAV(data []byte) error {
	if len(data) < WAVHeaderSize {
		return fmt.Errorf("WAV data too short: need at least %d bytes, got %d", WAVHeaderSize, len(data))
	}

	if string(data[0:4]) != "RIFF" {
		return fmt.Errorf("invalid WAV file: missing RIFF header")
	}

	if string(data[8:12]) != "WAVE" {
		return fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	if string(data[12:16]) != "fmt " {
		return fmt.Errorf("invalid WAV file: missing fmt chunk")
	}

	if string(data[36:40]) != "data" {
		return fmt.Errorf("invalid WAV file: missing data chunk")
	}

	return nil
}

// WAVInfo describes a PCM WAV file
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumFrames     uint32  `json:"num_frames"`
}

// GetWAVInfo extracts metadata from a WAV header
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	if err := ValidateWAV(data); err != nil {
		return nil, err
	}

	var header WAVHeader
	if err := binary.Read(bytes.NewReader(data[:WAVHeaderSize]), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}

	if header.AudioFormat != 1 {
		return nil, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", header.AudioFormat)
	}
	if header.SampleRate == 0 || header.BlockAlign == 0 {
		return nil, fmt.Errorf("invalid WAV header: sample rate %d, block align %d", header.SampleRate, header.BlockAlign)
	}

	numFrames := header.Subchunk2Size / uint32(header.BlockAlign)

	return &WAVInfo{
		SampleRate:    header.SampleRate,
		Channels:      header.NumChannels,
		BitsPerSample: header.BitsPerSample,
		Duration:      float64(numFrames) / float64(header.SampleRate),
		DataSize:      header.Subchunk2Size,
		NumFrames:     numFrames,
	}, nil
}

// ReadWAVInfo reads the header of the WAV file at path
func ReadWAVInfo(path string) (*WAVInfo, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAV file %s: %w", path, err)
	}
	defer file.Close()

	header := make([]byte, WAVHeaderSize)
	if _, err := io.ReadFull(file, header); err != nil {
		return nil, fmt.Errorf("failed to read WAV header from %s: %w", path, err)
	}
	return GetWAVInfo(header)
}
