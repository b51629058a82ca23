package audio

import (
	"encoding/binary"
	"math"
	"sync/atomic"
)

// levelReference is the RMS amplitude reported as full scale
const levelReference = 10000.0

// RMSLevel returns the RMS energy of little-endian PCM-16 data normalised to
// the 0-1 range. A trailing odd byte is ignored.
func RMSLevel(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}

	var energy float64
	for i := 0; i < n; i++ {
		sample := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		energy += sample * sample
	}
	energy = math.Sqrt(energy / float64(n))

	level := energy / levelReference
	if level > 1.0 {
		level = 1.0
	}
	return level
}

// LevelMeter holds the most recent input level. Readers never block the
// writer and may miss intermediate values.
type LevelMeter struct {
	bits atomic.Uint64
}

// Update computes and stores the level of a block of PCM data
func (m *LevelMeter) Update(pcm []byte) float64 {
	level := RMSLevel(pcm)
	m.bits.Store(math.Float64bits(level))
	return level
}

// Level returns the last stored level
func (m *LevelMeter) Level() float64 {
	return math.Float64frombits(m.bits.Load())
}

// Reset sets the level back to silence
func (m *LevelMeter) Reset() {
	m.bits.Store(0)
}
