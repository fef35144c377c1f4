package audio

import (
	"context"
	"log/slog"
	"sync"
)

// DevicePermission answers microphone permission by probing the capture
// backend. The answer is cached until the next Request.
type DevicePermission struct {
	source Source
	logger *slog.Logger

	mu      sync.Mutex
	granted bool
}

func NewDevicePermission(source Source, logger *slog.Logger) *DevicePermission {
	if logger == nil {
		logger = slog.Default()
	}
	return &DevicePermission{source: source, logger: logger}
}

func (p *DevicePermission) Granted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.granted
}

// Request checks the device. A failed check is a denial, not an error.
func (p *DevicePermission) Request(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	err := p.source.CheckDevice(ctx)

	p.mu.Lock()
	p.granted = err == nil
	granted := p.granted
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("microphone unavailable", "error", err)
	}
	return granted, nil
}
