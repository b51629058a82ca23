// Package capturetest provides a scriptable capture backend. Tests push PCM
// blocks into the opened device and the recorder receives them synchronously.
package capturetest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RomanSlack/VoiceDeck/internal/audio"
	"github.com/RomanSlack/VoiceDeck/internal/capture"
)

// DefaultDeviceID is the id of the device every new Backend exposes
const DefaultDeviceID = "test-mic"

// Backend is an in-memory capture.Backend
type Backend struct {
	// OpenErr and StartErr, when set, make the next Open or Start fail.
	OpenErr  error
	StartErr error

	mu      sync.Mutex
	devices []capture.DeviceInfo
	last    *Device
	opened  chan *Device
}

// New returns a backend with a single default device
func New() *Backend {
	return &Backend{
		devices: []capture.DeviceInfo{{ID: DefaultDeviceID, Name: "Test Microphone", Default: true}},
		opened:  make(chan *Device, 16),
	}
}

// AddDevice registers another input device
func (b *Backend) AddDevice(info capture.DeviceInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices = append(b.devices, info)
}

func (b *Backend) Devices() ([]capture.DeviceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]capture.DeviceInfo, len(b.devices))
	copy(out, b.devices)
	return out, nil
}

func (b *Backend) Open(cfg capture.DeviceConfig, cb capture.Callbacks) (capture.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.OpenErr; err != nil {
		b.OpenErr = nil
		return nil, err
	}

	found := cfg.DeviceID == ""
	for _, d := range b.devices {
		if d.ID == cfg.DeviceID || d.Name == cfg.DeviceID {
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("capture device %q not found", cfg.DeviceID)
	}

	d := &Device{config: cfg, callbacks: cb, startErr: b.StartErr}
	b.StartErr = nil
	b.last = d
	select {
	case b.opened <- d:
	default:
	}
	return d, nil
}

// Device returns the most recently opened device
func (b *Backend) Device() *Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// WaitDevice waits for the next Open call and returns its device
func (b *Backend) WaitDevice(timeout time.Duration) (*Device, error) {
	select {
	case d := <-b.opened:
		return d, nil
	case <-time.After(timeout):
		return nil, errors.New("no device opened")
	}
}

// Device is an opened test device
type Device struct {
	config    capture.DeviceConfig
	callbacks capture.Callbacks
	startErr  error

	mu      sync.Mutex
	started bool
	stopped bool
	closed  bool
}

// Config returns the configuration the device was opened with
func (d *Device) Config() capture.DeviceConfig {
	return d.config
}

func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.startErr != nil {
		return d.startErr
	}
	d.started = true
	return nil
}

func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Closed reports whether the device was closed
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Feed delivers one block of PCM to the recorder. It reports false if the
// device is not running.
func (d *Device) Feed(pcm []byte) bool {
	d.mu.Lock()
	running := d.started && !d.stopped
	d.mu.Unlock()

	if !running {
		return false
	}
	d.callbacks.Data(pcm)
	return true
}

// FeedTone delivers duration worth of a constant-amplitude signal in blocks
// of the given length.
func (d *Device) FeedTone(duration, block time.Duration, amplitude int16) bool {
	format := d.config.Format
	total := format.BytesFor(duration)
	blockBytes := format.BytesFor(block)
	if blockBytes <= 0 {
		blockBytes = int64(format.FrameSize())
	}

	buf := Tone(format, blockBytes, amplitude)
	for total > 0 {
		n := blockBytes
		if n > total {
			n = total
		}
		if !d.Feed(buf[:n]) {
			return false
		}
		total -= n
	}
	return true
}

// Disconnect simulates the device going away
func (d *Device) Disconnect(err error) {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	if d.callbacks.Stopped != nil {
		d.callbacks.Stopped(err)
	}
}

// Tone returns n bytes of PCM holding a square wave of the given amplitude
func Tone(format audio.Format, n int64, amplitude int16) []byte {
	pcm := make([]byte, n)
	frameSize := int64(format.FrameSize())
	for off := int64(0); off+1 < n; off += 2 {
		sample := amplitude
		if (off/frameSize/8)%2 == 1 {
			sample = -amplitude
		}
		binary.LittleEndian.PutUint16(pcm[off:], uint16(sample))
	}
	return pcm
}
