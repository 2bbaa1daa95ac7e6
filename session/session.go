// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package session implements the CircuitIQ state-synchronization core: the
// reconciliation of push- and pull-delivered readings into one authoritative
// current reading, bounded chart history, and the command surface with
// confirmation-by-refresh semantics.
//
// A DeviceSession owns a DeviceCatalog, a ChartBuffer, a reading reconciler
// and a command executor for the lifetime of the session. The pull and push
// transports are supplied, not owned, and may be swapped at runtime with
// UpdateServices.
//
// # Concurrency
//
// Push deliveries arrive on transport goroutines and race against
// pull-triggered refreshes and delayed confirmation refreshes. The session
// serializes all state mutation behind one mutex and applies two guards:
//
//   - a timestamp guard that stops a stale pull result from overwriting a
//     newer push-delivered reading, and
//   - an epoch counter, incremented on every selection change, that delayed
//     refreshes capture at schedule time and re-check before applying.
//
// Subscribers are notified outside the lock, once per logical state
// transition.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/soothill/circuitiq-sync/catalog"
	"github.com/soothill/circuitiq-sync/history"
	"github.com/soothill/circuitiq-sync/meter"
	errs "github.com/soothill/circuitiq-sync/pkg/errors"
	"github.com/soothill/circuitiq-sync/pkg/interfaces"
	"github.com/soothill/circuitiq-sync/pkg/logger"
	"github.com/soothill/circuitiq-sync/pkg/metrics"
)

const (
	defaultRelaySettleDelay = 500 * time.Millisecond
	defaultMockSettleDelay  = 300 * time.Millisecond

	prefsKeyLastDevice = "last_device"
)

// Config carries the explicit session configuration. Zero values fall back
// to the defaults documented on each field.
type Config struct {
	// DeviceType is the device type this client supports; catalog loads
	// drop everything else. Defaults to meter.DeviceTypeCircuitIQ.
	DeviceType string

	// MaxDataPoints bounds each chart series. Defaults to
	// history.DefaultCapacity.
	MaxDataPoints int

	// RelaySettleDelay is the wait between a relay or state-affecting
	// command and its confirmation refresh. The physical device needs time
	// to actuate and report back. Defaults to 500ms.
	RelaySettleDelay time.Duration

	// MockSettleDelay is the shorter wait used after synthetic data
	// injection. Defaults to 300ms.
	MockSettleDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.DeviceType == "" {
		c.DeviceType = meter.DeviceTypeCircuitIQ
	}
	if c.MaxDataPoints <= 0 {
		c.MaxDataPoints = history.DefaultCapacity
	}
	if c.RelaySettleDelay <= 0 {
		c.RelaySettleDelay = defaultRelaySettleDelay
	}
	if c.MockSettleDelay <= 0 {
		c.MockSettleDelay = defaultMockSettleDelay
	}
	return c
}

// State is the observable snapshot handed to subscribers.
type State struct {
	IsLoading      bool
	LastError      error
	IsConnected    bool
	SelectedDevice string
	CurrentReading *meter.Reading
	Devices        []meter.DeviceInfo
	Statistics     meter.Statistics
}

// DeviceSession orchestrates the catalog, reconciler and command executor
// for the active device selection.
type DeviceSession struct {
	cfg   Config
	prefs interfaces.Prefs

	mu          sync.Mutex
	pull        interfaces.PullTransport
	push        interfaces.PushTransport
	unsubscribe func()

	catalog    *catalog.DeviceCatalog
	reconciler *readingReconciler
	executor   *commandExecutor

	stats     meter.Statistics
	isLoading bool
	lastError error

	// epoch increments on every selection change or clear; delayed
	// refreshes capture it at schedule time and re-check before applying.
	epoch uint64

	subMu   sync.Mutex
	subs    map[int]func(State)
	nextSub int
}

// New creates a DeviceSession using the supplied transports and preferences.
// The transports are borrowed, not owned; prefs may be nil when nothing
// should be remembered across sessions.
func New(cfg Config, pull interfaces.PullTransport, push interfaces.PushTransport, prefs interfaces.Prefs) *DeviceSession {
	cfg = cfg.withDefaults()

	s := &DeviceSession{
		cfg:     cfg,
		prefs:   prefs,
		pull:    pull,
		push:    push,
		catalog: catalog.New(cfg.DeviceType),
		subs:    make(map[int]func(State)),
	}
	s.reconciler = newReadingReconciler(s, history.New(cfg.MaxDataPoints))
	s.executor = newCommandExecutor(s)

	if push != nil {
		s.unsubscribe = push.Subscribe(s.handlePush)
	}
	return s
}

// Subscribe registers a state observer and returns a function that removes
// it. The observer receives one snapshot per logical state transition.
func (s *DeviceSession) Subscribe(fn func(State)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

// snapshotLocked builds a State; callers must hold s.mu.
func (s *DeviceSession) snapshotLocked() State {
	connected := false
	if s.push != nil {
		connected = s.push.IsConnected()
	}
	return State{
		IsLoading:      s.isLoading,
		LastError:      s.lastError,
		IsConnected:    connected,
		SelectedDevice: s.catalog.Selected(),
		CurrentReading: s.reconciler.current,
		Devices:        s.catalog.All(),
		Statistics:     s.stats,
	}
}

// notify publishes the given snapshot to every subscriber. It must be
// called without holding s.mu so subscribers can call back into the
// session.
func (s *DeviceSession) notify(state State) {
	s.subMu.Lock()
	subs := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()

	for _, fn := range subs {
		fn(state)
	}
}

// pullTransport returns the current pull transport; it may be swapped at
// runtime by UpdateServices.
func (s *DeviceSession) pullTransport() interfaces.PullTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pull
}

// Chart exposes the rolling history for the presentation layer.
func (s *DeviceSession) Chart() *history.ChartBuffer {
	return s.reconciler.chart
}

// Devices returns the known devices, ordered by ID.
func (s *DeviceSession) Devices() []meter.DeviceInfo {
	return s.catalog.All()
}

// SelectedDevice returns the active device ID, or "" when none.
func (s *DeviceSession) SelectedDevice() string {
	return s.catalog.Selected()
}

// CurrentReading returns the authoritative reading, or nil when no data has
// been received for the current selection.
func (s *DeviceSession) CurrentReading() *meter.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconciler.current
}

// LastError returns the most recent primary-operation failure, or nil.
func (s *DeviceSession) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// IsLoading reports whether a catalog load or device selection is in
// flight. Individual commands never toggle it.
func (s *DeviceSession) IsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isLoading
}

// IsConnected mirrors the push transport's live status.
func (s *DeviceSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.push == nil {
		return false
	}
	return s.push.IsConnected()
}

// Statistics returns the last fetched per-device aggregate, or nil.
func (s *DeviceSession) Statistics() meter.Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// LoadDevices fetches the device list and replaces the catalog wholesale.
// Devices of an unsupported type are dropped.
func (s *DeviceSession) LoadDevices(ctx context.Context) error {
	s.mu.Lock()
	s.isLoading = true
	s.lastError = nil
	state := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(state)

	devices, err := s.pullTransport().ListDevices(ctx)

	s.mu.Lock()
	s.isLoading = false
	if err != nil {
		s.lastError = err
		logger.Error().Err(err).Msg("Failed to load device list")
	} else {
		kept := s.catalog.Replace(devices)
		logger.Info().Int("total", len(devices)).Int("kept", kept).
			Str("device_type", s.cfg.DeviceType).Msg("Device catalog loaded")
	}
	state = s.snapshotLocked()
	s.mu.Unlock()
	s.notify(state)

	return err
}

// SelectDevice makes id the active device, discarding the previous
// selection's reading and history, and performs the initial pull refresh.
// On fetch failure the selection is retained and the error surfaced.
func (s *DeviceSession) SelectDevice(ctx context.Context, id string) error {
	s.mu.Lock()
	s.epoch++
	s.catalog.Select(id)
	s.reconciler.reset()
	s.stats = nil
	s.isLoading = true
	s.lastError = nil
	state := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(state)

	logger.Info().Str("device_id", id).Msg("Device selected")

	err := s.refreshFromPull(ctx, id)

	s.mu.Lock()
	s.isLoading = false
	if err != nil {
		s.lastError = err
	} else if s.prefs != nil {
		if prefErr := s.prefs.Set(prefsKeyLastDevice, id); prefErr != nil {
			logger.Warn().Err(prefErr).Msg("Failed to remember selected device")
		}
	}
	state = s.snapshotLocked()
	s.mu.Unlock()
	s.notify(state)

	return err
}

// RefreshDevice re-fetches the selected device's state without changing the
// selection.
func (s *DeviceSession) RefreshDevice(ctx context.Context) error {
	id := s.catalog.Selected()
	if id == "" {
		return s.failPrecondition("refresh device")
	}

	s.mu.Lock()
	s.isLoading = true
	s.lastError = nil
	state := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(state)

	err := s.refreshFromPull(ctx, id)

	s.mu.Lock()
	s.isLoading = false
	if err != nil {
		s.lastError = err
	}
	state = s.snapshotLocked()
	s.mu.Unlock()
	s.notify(state)

	return err
}

// LoadStatistics fetches the per-device aggregate for the selection and
// replaces the held one wholesale. An absent aggregate is not an error.
func (s *DeviceSession) LoadStatistics(ctx context.Context) error {
	id := s.catalog.Selected()
	if id == "" {
		return s.failPrecondition("load statistics")
	}

	s.mu.Lock()
	s.lastError = nil
	s.mu.Unlock()

	stats, err := s.pullTransport().GetStatistics(ctx, id)

	s.mu.Lock()
	if err != nil {
		s.lastError = err
		logger.Error().Err(err).Str("device_id", id).Msg("Failed to load statistics")
	} else {
		s.stats = stats
	}
	state := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(state)

	return err
}

// ClearData returns the session to the unselected state: reading, chart
// history, statistics and selection are all discarded. In-flight delayed
// refreshes for the previous selection become no-ops.
func (s *DeviceSession) ClearData() {
	s.mu.Lock()
	s.epoch++
	s.catalog.ClearSelection()
	s.reconciler.reset()
	s.stats = nil
	s.lastError = nil
	s.isLoading = false
	state := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(state)

	logger.Info().Msg("Session data cleared")
}

// UpdateServices swaps the transports at runtime; a nil argument leaves
// that transport unchanged. When a new push transport is supplied the
// subscription is re-pointed to it. Selection and history are untouched.
func (s *DeviceSession) UpdateServices(pull interfaces.PullTransport, push interfaces.PushTransport) {
	s.mu.Lock()
	if pull != nil {
		s.pull = pull
	}
	if push != nil {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.push = push
		s.unsubscribe = push.Subscribe(s.handlePush)
	}
	state := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(state)

	logger.Info().Msg("Session transports updated")
}

// Connect establishes the push transport connection. The caller owns
// reconnection policy.
func (s *DeviceSession) Connect(ctx context.Context, url string) error {
	s.mu.Lock()
	push := s.push
	s.mu.Unlock()

	if push == nil {
		return nil
	}
	err := push.Connect(ctx, url)

	s.mu.Lock()
	if err != nil {
		s.lastError = err
	}
	if push.IsConnected() {
		metrics.PushConnected.Set(1)
	} else {
		metrics.PushConnected.Set(0)
	}
	state := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(state)

	return err
}

// Disconnect tears the push transport connection down.
func (s *DeviceSession) Disconnect() {
	s.mu.Lock()
	push := s.push
	s.mu.Unlock()

	if push == nil {
		return
	}
	if err := push.Disconnect(); err != nil {
		logger.Warn().Err(err).Msg("Push transport disconnect failed")
	}
	metrics.PushConnected.Set(0)

	s.mu.Lock()
	state := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(state)
}

// handlePush is the push transport subscription callback.
func (s *DeviceSession) handlePush(reading *meter.Reading) {
	s.mu.Lock()
	applied := s.reconciler.onPush(reading)
	var state State
	if applied {
		state = s.snapshotLocked()
	}
	s.mu.Unlock()

	if applied {
		s.notify(state)
	}
}

// refreshFromPull runs the reconciler's pull path and returns the primary
// fetch error, if any. Callers own flag handling and notification.
func (s *DeviceSession) refreshFromPull(ctx context.Context, id string) error {
	metrics.PullRefreshesTotal.Inc()
	pull := s.pullTransport()

	info, err := pull.GetDevice(ctx, id)
	if err != nil {
		metrics.PullRefreshErrors.Inc()
		logger.Error().Err(err).Str("device_id", id).Msg("Primary device fetch failed")
		return err
	}

	s.mu.Lock()
	s.catalog.Update(*info)
	applied := false
	if info.CurrentReading != nil {
		applied = s.reconciler.onPull(info.CurrentReading)
	}
	s.mu.Unlock()

	if applied || info.CurrentReading != nil {
		return nil
	}

	// No embedded reading: try the single most recent historical reading.
	// Failure here is swallowed; the push transport may still deliver data
	// independently, and absence of data is a valid state.
	readings, err := pull.GetReadings(ctx, id, 1)
	if err != nil {
		logger.Warn().Err(err).Str("device_id", id).Msg("Fallback reading fetch failed")
		return nil
	}
	if len(readings) == 0 {
		logger.Debug().Str("device_id", id).Msg("No readings available yet")
		return nil
	}

	s.mu.Lock()
	s.reconciler.onPull(&readings[0])
	s.mu.Unlock()
	return nil
}

// failPrecondition records nothing and notifies nobody; a missing selection
// short-circuits with no side effects.
func (s *DeviceSession) failPrecondition(op string) error {
	logger.Debug().Str("op", op).Msg("Operation skipped: no device selected")
	return errs.NewPreconditionError(op)
}
