// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package session

import (
	"context"
	"fmt"
	"time"

	"github.com/soothill/circuitiq-sync/meter"
	"github.com/soothill/circuitiq-sync/pkg/interfaces"
	"github.com/soothill/circuitiq-sync/pkg/logger"
	"github.com/soothill/circuitiq-sync/pkg/metrics"
)

// stateAffectingCommands name the device commands whose effect is visible
// in a subsequent reading and therefore warrant a confirmation refresh.
var stateAffectingCommands = map[string]bool{
	"status":      true,
	"test":        true,
	"diagnostics": true,
}

// commandExecutor issues control, configuration and system commands through
// the pull transport, optionally mirrors them through the push transport
// for a low-latency echo, and schedules delayed confirmation refreshes.
//
// Every mutating operation follows write -> (optional echo) -> delayed
// confirm. The returned boolean reports the success of the write only;
// confirmation refresh failures are logged, never propagated.
type commandExecutor struct {
	session *DeviceSession
}

func newCommandExecutor(s *DeviceSession) *commandExecutor {
	return &commandExecutor{session: s}
}

// run wraps the common shape of a command: precondition check, lastError
// reset, transport call, failure recording, one notification. It returns
// the device ID captured at issue time so callers schedule confirmation
// refreshes against it, not against whatever is selected later.
func (e *commandExecutor) run(op string, fn func(pull interfaces.PullTransport, id string) error) (string, bool) {
	s := e.session

	id := s.catalog.Selected()
	if id == "" {
		_ = s.failPrecondition(op)
		return "", false
	}

	// The transports may be swapped concurrently by UpdateServices; fn
	// receives the pull transport captured here.
	s.mu.Lock()
	s.lastError = nil
	pull := s.pull
	s.mu.Unlock()

	metrics.CommandsTotal.WithLabelValues(op).Inc()
	err := fn(pull, id)

	s.mu.Lock()
	if err != nil {
		s.lastError = err
		metrics.CommandErrors.WithLabelValues(op).Inc()
		logger.Error().Err(err).Str("op", op).Str("device_id", id).Msg("Command failed")
	}
	state := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(state)

	return id, err == nil
}

// scheduleSettleRefresh arranges a pull refresh of deviceID after delay.
// The session epoch is captured now; if the selection changes before the
// timer fires, the refresh result is discarded rather than applied to the
// new selection.
func (e *commandExecutor) scheduleSettleRefresh(deviceID string, delay time.Duration) {
	s := e.session

	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	metrics.SettleRefreshesScheduled.Inc()
	logger.Debug().Str("device_id", deviceID).Dur("delay", delay).Msg("Confirmation refresh scheduled")

	time.AfterFunc(delay, func() {
		s.mu.Lock()
		stale := epoch != s.epoch || s.catalog.Selected() != deviceID
		s.mu.Unlock()

		if stale {
			metrics.SettleRefreshesDropped.Inc()
			logger.Debug().Str("device_id", deviceID).Msg("Dropping delayed refresh; selection changed")
			return
		}

		// Refresh failures here are confirmation failures, not command
		// failures: log only, never touch lastError.
		if err := s.refreshFromPull(context.Background(), deviceID); err != nil {
			logger.Warn().Err(err).Str("device_id", deviceID).Msg("Confirmation refresh failed")
			return
		}

		s.mu.Lock()
		stale = epoch != s.epoch || s.catalog.Selected() != deviceID
		state := s.snapshotLocked()
		s.mu.Unlock()
		if !stale {
			s.notify(state)
		}
	})
}

// ControlRelay switches one relay channel, or all channels for
// meter.RelayAll. On a successful write a confirmation refresh is scheduled
// after the settle delay.
func (s *DeviceSession) ControlRelay(ctx context.Context, channel meter.RelayChannel, on bool) bool {
	e := s.executor
	id, ok := e.run("control relay", func(pull interfaces.PullTransport, id string) error {
		return pull.SetRelay(ctx, id, on, channel)
	})
	if ok {
		e.scheduleSettleRefresh(id, s.cfg.RelaySettleDelay)
	}
	return ok
}

// SendCommand sends a named device command over the pull transport and, on
// success, mirrors it over the push transport as a best-effort echo.
// State-affecting commands additionally get a confirmation refresh after
// the settle delay.
func (s *DeviceSession) SendCommand(ctx context.Context, name string, params map[string]string) bool {
	e := s.executor
	id, ok := e.run("send command", func(pull interfaces.PullTransport, id string) error {
		return pull.SendCommand(ctx, id, name, params)
	})
	if !ok {
		return false
	}

	// Fire-and-forget echo; a failed mirror is not checked beyond logging.
	s.mu.Lock()
	push := s.push
	s.mu.Unlock()
	if push != nil && push.IsConnected() {
		if err := push.SendCommand(id, name); err != nil {
			logger.Debug().Err(err).Str("command", name).Msg("Push mirror failed")
		}
	}

	if stateAffectingCommands[name] {
		e.scheduleSettleRefresh(id, s.cfg.RelaySettleDelay)
	}
	return true
}

// SystemReset performs a factory reset. On success the authoritative
// reading is dropped immediately; a refresh would race the reboot.
func (s *DeviceSession) SystemReset(ctx context.Context) bool {
	return s.systemCommand(ctx, "system reset", func(pull interfaces.PullTransport, id string) error {
		return pull.SystemReset(ctx, id)
	})
}

// SystemRestart reboots the device. On success the authoritative reading is
// dropped immediately; a refresh would race the reboot.
func (s *DeviceSession) SystemRestart(ctx context.Context) bool {
	return s.systemCommand(ctx, "system restart", func(pull interfaces.PullTransport, id string) error {
		return pull.SystemRestart(ctx, id)
	})
}

func (s *DeviceSession) systemCommand(ctx context.Context, op string, fn func(pull interfaces.PullTransport, id string) error) bool {
	e := s.executor
	_, ok := e.run(op, func(pull interfaces.PullTransport, id string) error {
		if err := fn(pull, id); err != nil {
			return err
		}
		// The device is about to become unreachable.
		s.mu.Lock()
		s.reconciler.dropReading()
		s.mu.Unlock()
		return nil
	})
	return ok
}

// SetConfig writes one configuration parameter. Config changes are not
// expected to be visible in a reading, so no refresh is scheduled.
func (s *DeviceSession) SetConfig(ctx context.Context, param string, value meter.ConfigValue) bool {
	_, ok := s.executor.run("set config", func(pull interfaces.PullTransport, id string) error {
		logger.Info().Str("device_id", id).Str("param", param).
			Str("value", value.String()).Msg("Writing device configuration")
		return pull.SetConfig(ctx, id, param, value)
	})
	return ok
}

// GenerateMockData asks the device to emit synthetic readings, then
// schedules a shorter confirmation refresh (the data is synthetic, the
// device does not need actuation time).
func (s *DeviceSession) GenerateMockData(ctx context.Context, count int) bool {
	e := s.executor
	id, ok := e.run("generate mock data", func(pull interfaces.PullTransport, id string) error {
		if count <= 0 {
			return fmt.Errorf("count must be positive, got %d", count)
		}
		return pull.GenerateMockData(ctx, id, count)
	})
	if ok {
		e.scheduleSettleRefresh(id, s.cfg.MockSettleDelay)
	}
	return ok
}
