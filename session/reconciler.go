// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package session

import (
	"github.com/soothill/circuitiq-sync/history"
	"github.com/soothill/circuitiq-sync/meter"
	"github.com/soothill/circuitiq-sync/pkg/logger"
	"github.com/soothill/circuitiq-sync/pkg/metrics"
)

// readingReconciler merges push- and pull-delivered readings for the
// selected device into the single authoritative current reading and feeds
// the chart buffer.
//
// Precedence: push always wins. A push-delivered reading replaces the held
// reading unconditionally; a pull-delivered reading is applied only when it
// is newer than a held push-delivered reading (timestamp guard), so a slow
// pull response cannot roll the state back behind a push event that landed
// while it was in flight.
//
// All methods require the owning session's mutex to be held.
type readingReconciler struct {
	session *DeviceSession
	chart   *history.ChartBuffer

	current *meter.Reading
	// fromPush marks the held reading as push-delivered; only then does
	// the timestamp guard apply to pull results.
	fromPush bool
}

func newReadingReconciler(s *DeviceSession, chart *history.ChartBuffer) *readingReconciler {
	return &readingReconciler{session: s, chart: chart}
}

// onPush applies a push-delivered reading. Readings for non-selected
// devices are ignored; there is no background buffering. Returns whether
// the reading was applied.
func (r *readingReconciler) onPush(reading *meter.Reading) bool {
	if err := reading.Validate(); err != nil {
		logger.Warn().Err(err).Msg("Dropping malformed push reading")
		return false
	}

	selected := r.session.catalog.Selected()
	if selected == "" || reading.DeviceID != selected {
		metrics.PushReadingsIgnored.Inc()
		logger.Trace().Str("device_id", reading.DeviceID).Str("selected", selected).
			Msg("Ignoring push reading for non-selected device")
		return false
	}

	metrics.PushReadingsTotal.Inc()
	r.apply(reading, true)
	return true
}

// onPull applies a pull-delivered reading for the selected device, unless
// the timestamp guard rejects it as stale. Returns whether it was applied.
func (r *readingReconciler) onPull(reading *meter.Reading) bool {
	if err := reading.Validate(); err != nil {
		logger.Warn().Err(err).Msg("Dropping malformed pull reading")
		return false
	}

	selected := r.session.catalog.Selected()
	if selected == "" || reading.DeviceID != selected {
		return false
	}

	if r.fromPush && r.current != nil && !reading.Timestamp.After(r.current.Timestamp) {
		metrics.StalePullsDiscarded.Inc()
		logger.Debug().Str("device_id", reading.DeviceID).
			Time("pull_ts", reading.Timestamp).Time("held_ts", r.current.Timestamp).
			Msg("Discarding stale pull reading; newer push reading held")
		return false
	}

	r.apply(reading, false)
	return true
}

// apply installs the reading as authoritative and appends it to the chart.
func (r *readingReconciler) apply(reading *meter.Reading, fromPush bool) {
	r.current = reading
	r.fromPush = fromPush

	r.chart.Append(reading.Timestamp,
		reading.Voltage,
		reading.Channel1.Current, reading.Channel2.Current,
		reading.Channel1.Power, reading.Channel2.Power,
		reading.TotalPower)

	metrics.CurrentVoltage.WithLabelValues(reading.DeviceID).Set(reading.Voltage)
	metrics.CurrentTotalPower.WithLabelValues(reading.DeviceID).Set(reading.TotalPower)

	logger.Debug().
		Str("device_id", reading.DeviceID).
		Bool("from_push", fromPush).
		Float64("voltage_v", reading.Voltage).
		Float64("total_power_w", reading.TotalPower).
		Msg("Authoritative reading updated")
}

// dropReading discards the authoritative reading without touching the
// chart. Used when the device is about to reboot.
func (r *readingReconciler) dropReading() {
	r.current = nil
	r.fromPush = false
}

// reset clears the reading and the chart history together; readings and
// history are per-selection, never retained across selections.
func (r *readingReconciler) reset() {
	r.current = nil
	r.fromPush = false
	r.chart.Clear()
}
