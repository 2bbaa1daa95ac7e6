// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package interfaces defines abstract interfaces for core system components.
// This package promotes loose coupling and testability by allowing
// dependency injection and easy mocking in tests.
package interfaces

import (
	"context"

	"github.com/soothill/circuitiq-sync/meter"
)

// PullTransport is the request/response channel the core actively calls to
// fetch state or issue commands. Implementations own their timeouts; the
// core imposes none.
type PullTransport interface {
	// ListDevices returns every device known to the gateway.
	ListDevices(ctx context.Context) ([]meter.DeviceInfo, error)

	// GetDevice returns a single device, including its embedded current
	// reading when the gateway has one.
	GetDevice(ctx context.Context, id string) (*meter.DeviceInfo, error)

	// GetReadings returns up to limit historical readings, newest first.
	// limit=1 yields the single most recent reading.
	GetReadings(ctx context.Context, id string, limit int) ([]meter.Reading, error)

	// GetStatistics returns the per-device aggregate, or nil when the
	// gateway has none (absence is not an error).
	GetStatistics(ctx context.Context, id string) (meter.Statistics, error)

	// SetRelay switches a relay channel (or all channels for RelayAll).
	SetRelay(ctx context.Context, id string, on bool, channel meter.RelayChannel) error

	// SendCommand sends a named device command with optional parameters.
	SendCommand(ctx context.Context, id, name string, params map[string]string) error

	// SystemReset performs a factory reset of the device.
	SystemReset(ctx context.Context, id string) error

	// SystemRestart reboots the device.
	SystemRestart(ctx context.Context, id string) error

	// SetConfig writes one configuration parameter.
	SetConfig(ctx context.Context, id, param string, value meter.ConfigValue) error

	// GenerateMockData asks the device to emit count synthetic readings.
	GenerateMockData(ctx context.Context, id string, count int) error
}

// PushHandler receives readings delivered asynchronously by the push
// transport.
type PushHandler func(reading *meter.Reading)

// PushTransport is a persistent channel that delivers readings without
// being polled. Connect and Disconnect are explicit, caller-driven
// operations; reconnection policy belongs to the implementation's caller.
type PushTransport interface {
	// Connect establishes the persistent connection to the given URL.
	Connect(ctx context.Context, url string) error

	// Disconnect tears the connection down.
	Disconnect() error

	// IsConnected reports whether a live connection exists.
	IsConnected() bool

	// Subscribe registers a handler for delivered readings and returns a
	// function that removes it.
	Subscribe(handler PushHandler) (unsubscribe func())

	// SendCommand mirrors a command over the push channel, fire-and-forget.
	SendCommand(id, text string) error
}
