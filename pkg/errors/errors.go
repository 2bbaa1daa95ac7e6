// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package errors provides structured error types for CircuitIQ Sync.
//
// This package defines custom error types that provide better error handling,
// inspection, and debugging capabilities compared to plain string errors.
//
// # Error Taxonomy
//
// The synchronization core distinguishes three classes of failure:
//
//   - PreconditionError: an operation was invoked without a selected device.
//     It short-circuits with no side effects.
//   - TransportError: a pull or push transport call failed. Primary fetches
//     surface it through the session's last error; secondary fetches only
//     log it.
//   - ErrNoData: an empty result from a fallback fetch. This is a valid
//     state ("no data yet"), not a failure.
//
// # Example Usage
//
//	err := errors.NewTransportError("pull", "get device", "meter-1", cause)
//	if errors.IsTransportError(err) {
//	    log.Printf("transport failed: %v", err)
//	}
package errors

import (
	"errors"
	"fmt"
)

// PreconditionError indicates an operation that requires a selected device
// was invoked while no device was selected.
type PreconditionError struct {
	Op string // Operation being performed (e.g., "control relay")
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: no device selected", e.Op)
}

// Unwrap returns ErrNoDeviceSelected so callers can match with errors.Is.
func (e *PreconditionError) Unwrap() error {
	return ErrNoDeviceSelected
}

// NewPreconditionError creates a new precondition error.
func NewPreconditionError(op string) *PreconditionError {
	return &PreconditionError{Op: op}
}

// IsPreconditionError checks if an error is a PreconditionError.
func IsPreconditionError(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

// TransportError represents a failed pull or push transport call.
type TransportError struct {
	Transport string // "pull" or "push"
	Op        string // Operation being performed (e.g., "list devices")
	DeviceID  string // Device involved, if any
	Err       error  // Underlying error
}

func (e *TransportError) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("%s transport %s (device=%s): %v", e.Transport, e.Op, e.DeviceID, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s transport %s: %v", e.Transport, e.Op, e.Err)
	}
	return fmt.Sprintf("%s transport %s failed", e.Transport, e.Op)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a new transport error.
func NewTransportError(transport, op, deviceID string, err error) *TransportError {
	return &TransportError{Transport: transport, Op: op, DeviceID: deviceID, Err: err}
}

// IsTransportError checks if an error is a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field string // Configuration field that caused the error
	Value string // Invalid value (optional, may be redacted for sensitive fields)
	Err   error  // Underlying error or description
}

func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("config error in field %q (value=%q): %v", e.Field, e.Value, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("config error in field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("config error in field %q", e.Field)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new configuration error.
func NewConfigError(field string, value string, err error) *ConfigError {
	return &ConfigError{Field: field, Value: value, Err: err}
}

// IsConfigError checks if an error is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// DiscoveryError represents an error during gateway discovery operations.
type DiscoveryError struct {
	Op  string // Operation being performed (e.g., "mDNS scan")
	Err error  // Underlying error
}

func (e *DiscoveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("discovery %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("discovery %s failed", e.Op)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// NewDiscoveryError creates a new discovery error.
func NewDiscoveryError(op string, err error) *DiscoveryError {
	return &DiscoveryError{Op: op, Err: err}
}

// IsDiscoveryError checks if an error is a DiscoveryError.
func IsDiscoveryError(err error) bool {
	var de *DiscoveryError
	return errors.As(err, &de)
}

// PrefsError represents an error reading or writing persisted preferences.
type PrefsError struct {
	Op  string // Operation being performed ("load", "save")
	Key string // Preference key involved, if any
	Err error  // Underlying error
}

func (e *PrefsError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("prefs %s (key=%s): %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("prefs %s: %v", e.Op, e.Err)
}

func (e *PrefsError) Unwrap() error {
	return e.Err
}

// NewPrefsError creates a new preferences error.
func NewPrefsError(op, key string, err error) *PrefsError {
	return &PrefsError{Op: op, Key: key, Err: err}
}

// IsPrefsError checks if an error is a PrefsError.
func IsPrefsError(err error) bool {
	var pe *PrefsError
	return errors.As(err, &pe)
}

// Sentinel errors for common conditions
var (
	// ErrNoDeviceSelected indicates an operation that requires a selection
	ErrNoDeviceSelected = errors.New("no device selected")

	// ErrNoData indicates a fallback fetch returned nothing; a valid state
	ErrNoData = errors.New("no data available yet")

	// ErrNotConnected indicates the push transport has no live connection
	ErrNotConnected = errors.New("push transport not connected")

	// ErrDeviceNotFound indicates a device was not found in the catalog
	ErrDeviceNotFound = errors.New("device not found")

	// ErrCircuitBreakerOpen indicates the pull transport breaker is open
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")
)
