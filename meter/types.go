// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package meter defines the value types shared by the CircuitIQ
// synchronization core: readings, device descriptions, statistics and
// typed configuration values.
package meter

import (
	"fmt"
	"strconv"
	"time"
)

// DeviceTypeCircuitIQ is the device type this client supports. The catalog
// drops devices of any other type at load time.
const DeviceTypeCircuitIQ = "circuitiq"

// RelayChannel identifies a relay output on the device.
type RelayChannel int

const (
	// RelayAll addresses every relay channel at once.
	RelayAll RelayChannel = 0
	// RelayChannel1 is the first measured channel.
	RelayChannel1 RelayChannel = 1
	// RelayChannel2 is the second measured channel.
	RelayChannel2 RelayChannel = 2
)

// ChannelReading holds the per-channel electrical measurements.
type ChannelReading struct {
	Current float64 `json:"current"` // Current in amperes
	Power   float64 `json:"power"`   // Power in watts
}

// Reading is a single telemetry sample from a CircuitIQ device. It is an
// immutable value once constructed; the reconciler replaces readings
// wholesale and never mutates one in place.
type Reading struct {
	DeviceID   string         `json:"device_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Voltage    float64        `json:"voltage"` // Line voltage in volts
	Channel1   ChannelReading `json:"channel1"`
	Channel2   ChannelReading `json:"channel2"`
	TotalPower float64        `json:"total_power"` // Combined power in watts
}

// DeviceInfo describes a device known to the gateway. CurrentReading is the
// gateway's embedded latest sample and may be nil when the device has not
// reported yet.
type DeviceInfo struct {
	ID             string   `json:"id"`
	Type           string   `json:"type"`
	Label          string   `json:"label"`
	Firmware       string   `json:"firmware,omitempty"`
	Address        string   `json:"address,omitempty"`
	CurrentReading *Reading `json:"current_reading,omitempty"`
}

// Statistics is the opaque per-device aggregate fetched from the gateway.
// It is replaced wholesale on every fetch, never merged.
type Statistics map[string]float64

// ConfigValueKind discriminates the variants of a ConfigValue.
type ConfigValueKind int

const (
	// ConfigString is a string-valued parameter.
	ConfigString ConfigValueKind = iota
	// ConfigNumber is a numeric parameter.
	ConfigNumber
	// ConfigBool is a boolean parameter.
	ConfigBool
)

// ConfigValue is a tagged variant for device configuration writes.
type ConfigValue struct {
	Kind ConfigValueKind
	Str  string
	Num  float64
	Bool bool
}

// StringValue creates a string-valued ConfigValue.
func StringValue(s string) ConfigValue {
	return ConfigValue{Kind: ConfigString, Str: s}
}

// NumberValue creates a numeric ConfigValue.
func NumberValue(n float64) ConfigValue {
	return ConfigValue{Kind: ConfigNumber, Num: n}
}

// BoolValue creates a boolean ConfigValue.
func BoolValue(b bool) ConfigValue {
	return ConfigValue{Kind: ConfigBool, Bool: b}
}

// String returns the wire encoding of the value.
func (v ConfigValue) String() string {
	switch v.Kind {
	case ConfigNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case ConfigBool:
		return strconv.FormatBool(v.Bool)
	default:
		return v.Str
	}
}

// Interface returns the value as its native Go type, for JSON encoding.
func (v ConfigValue) Interface() any {
	switch v.Kind {
	case ConfigNumber:
		return v.Num
	case ConfigBool:
		return v.Bool
	default:
		return v.Str
	}
}

// Validate checks that a reading carries the minimum required fields.
func (r *Reading) Validate() error {
	if r == nil {
		return fmt.Errorf("reading cannot be nil")
	}
	if r.DeviceID == "" {
		return fmt.Errorf("device ID cannot be empty")
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("timestamp cannot be zero")
	}
	return nil
}
