package capture

import (
	"github.com/RomanSlack/VoiceDeck/internal/audio"
)

// DeviceInfo describes an input device
type DeviceInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Default bool   `json:"default"`
}

// DeviceConfig selects a device and the PCM format to capture in. An empty
// DeviceID selects the default input device.
type DeviceConfig struct {
	DeviceID string
	Format   audio.Format
}

// Callbacks receive device events. Data is called with interleaved
// little-endian PCM-16 and must not retain the slice. Stopped is called when
// the device stops, with a non-nil error if it stopped on its own.
type Callbacks struct {
	Data    func(pcm []byte)
	Stopped func(err error)
}

// Backend opens input devices
type Backend interface {
	Devices() ([]DeviceInfo, error)
	Open(cfg DeviceConfig, cb Callbacks) (Device, error)
}

// Device is an opened input stream
type Device interface {
	Start() error
	Stop() error
	Close() error
}
