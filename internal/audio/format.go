package audio

import (
	"fmt"
	"time"
)

// BitsPerSample is the sample width of all captured audio (signed 16-bit PCM)
const BitsPerSample = 16

// Format describes interleaved PCM-16 audio
type Format struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
}

// Validate checks that the format can be captured and encoded
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > 8 {
		return fmt.Errorf("channels must be between 1 and 8, got %d", f.Channels)
	}
	return nil
}

// FrameSize returns the number of bytes in one sample frame (one sample per channel)
func (f Format) FrameSize() int {
	return f.Channels * BitsPerSample / 8
}

// ByteRate returns the number of bytes produced per second of audio
func (f Format) ByteRate() int64 {
	return int64(f.SampleRate) * int64(f.FrameSize())
}

// Duration returns the audio duration of n bytes of PCM data
func (f Format) Duration(n int64) time.Duration {
	rate := f.ByteRate()
	if rate <= 0 {
		return 0
	}
	frames := n / int64(f.FrameSize())
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// BytesFor returns the number of whole-frame bytes covering at most d of audio
func (f Format) BytesFor(d time.Duration) int64 {
	if d <= 0 || f.SampleRate <= 0 {
		return 0
	}
	frames := int64(d) / int64(time.Second) * int64(f.SampleRate)
	frames += int64(d) % int64(time.Second) * int64(f.SampleRate) / int64(time.Second)
	return frames * int64(f.FrameSize())
}

// AlignDown truncates n to a whole number of frames
func (f Format) AlignDown(n int64) int64 {
	fs := int64(f.FrameSize())
	if fs <= 0 {
		return 0
	}
	return n - n%fs
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/s16le", f.SampleRate, f.Channels)
}
