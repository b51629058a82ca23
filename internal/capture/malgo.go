package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"
)

var errDeviceStopped = errors.New("device stopped")

// MalgoBackend captures from system audio devices through miniaudio
type MalgoBackend struct {
	ctx    *malgo.AllocatedContext
	logger *slog.Logger

	mu sync.Mutex
}

// NewMalgoBackend initialises the audio context. Close releases it.
func NewMalgoBackend(logger *slog.Logger) (*MalgoBackend, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug("miniaudio", slog.String("message", message))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialise audio context: %w", err)
	}

	return &MalgoBackend{ctx: ctx, logger: logger}, nil
}

// Close releases the audio context
func (b *MalgoBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ctx == nil {
		return nil
	}
	err := b.ctx.Uninit()
	b.ctx.Free()
	b.ctx = nil
	return err
}

// Devices lists capture devices
func (b *MalgoBackend) Devices() ([]DeviceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ctx == nil {
		return nil, errors.New("audio context closed")
	}

	infos, err := b.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate capture devices: %w", err)
	}

	devices := make([]DeviceInfo, 0, len(infos))
	for _, info := range infos {
		devices = append(devices, DeviceInfo{
			ID:      info.ID.String(),
			Name:    info.Name(),
			Default: info.IsDefault != 0,
		})
	}
	return devices, nil
}

// Open initialises a capture device. deviceID may be a device id or name.
func (b *MalgoBackend) Open(cfg DeviceConfig, cb Callbacks) (Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ctx == nil {
		return nil, errors.New("audio context closed")
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(cfg.Format.Channels)
	deviceConfig.SampleRate = uint32(cfg.Format.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	d := &malgoDevice{}
	if cfg.DeviceID != "" {
		infos, err := b.ctx.Devices(malgo.Capture)
		if err != nil {
			return nil, fmt.Errorf("failed to enumerate capture devices: %w", err)
		}
		for i := range infos {
			if infos[i].ID.String() == cfg.DeviceID || infos[i].Name() == cfg.DeviceID {
				d.info = infos[i]
				break
			}
		}
		if d.info.Name() == "" {
			return nil, fmt.Errorf("capture device %q not found", cfg.DeviceID)
		}
		deviceConfig.Capture.DeviceID = d.info.ID.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			if cb.Data != nil {
				cb.Data(input)
			}
		},
		Stop: func() {
			if cb.Stopped != nil && !d.stopping() {
				cb.Stopped(errDeviceStopped)
			}
		},
	}

	device, err := malgo.InitDevice(b.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture device: %w", err)
	}
	d.device = device

	b.logger.Debug("Capture device opened",
		slog.String("device", cfg.DeviceID),
		slog.String("format", cfg.Format.String()))

	return d, nil
}

type malgoDevice struct {
	device *malgo.Device
	info   malgo.DeviceInfo

	mu      sync.Mutex
	halting bool
}

func (d *malgoDevice) stopping() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.halting
}

func (d *malgoDevice) Start() error {
	return d.device.Start()
}

func (d *malgoDevice) Stop() error {
	d.mu.Lock()
	d.halting = true
	d.mu.Unlock()
	return d.device.Stop()
}

func (d *malgoDevice) Close() error {
	d.mu.Lock()
	d.halting = true
	d.mu.Unlock()
	d.device.Uninit()
	return nil
}
