// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package history provides the bounded rolling history used for charting.
//
// A ChartBuffer holds six timestamped series (voltage, per-channel current,
// per-channel power, total power) that move in lockstep: every append adds
// one point to all six, and once the shared capacity is exceeded the single
// oldest point is evicted from all six. Eviction is strict FIFO by insertion
// order; there is no reordering, interpolation or downsampling.
package history

import (
	"sync"
	"time"

	"github.com/soothill/circuitiq-sync/pkg/metrics"
)

// Point is one timestamped scalar sample in a chart series.
type Point struct {
	Timestamp time.Time
	Value     float64
}

// Series identifies one of the six chart series.
type Series int

const (
	// SeriesVoltage is the line voltage series.
	SeriesVoltage Series = iota
	// SeriesChannel1Current is channel 1 current in amperes.
	SeriesChannel1Current
	// SeriesChannel2Current is channel 2 current in amperes.
	SeriesChannel2Current
	// SeriesChannel1Power is channel 1 power in watts.
	SeriesChannel1Power
	// SeriesChannel2Power is channel 2 power in watts.
	SeriesChannel2Power
	// SeriesTotalPower is the combined power in watts.
	SeriesTotalPower

	seriesCount = 6
)

// ChartBuffer is a thread-safe fixed-capacity sliding window over the six
// chart series. All six series always have equal length.
type ChartBuffer struct {
	mu       sync.RWMutex
	capacity int
	series   [seriesCount][]Point
}

// DefaultCapacity is the number of points retained per series when no
// explicit capacity is configured.
const DefaultCapacity = 60

// New creates a ChartBuffer retaining up to capacity points per series.
// A non-positive capacity falls back to DefaultCapacity.
func New(capacity int) *ChartBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	cb := &ChartBuffer{capacity: capacity}
	for i := range cb.series {
		cb.series[i] = make([]Point, 0, capacity)
	}
	return cb
}

// Append pushes one point onto each of the six series. If the shared
// capacity is exceeded the oldest point is evicted from every series.
func (cb *ChartBuffer) Append(ts time.Time, voltage, ch1Current, ch2Current, ch1Power, ch2Power, totalPower float64) {
	values := [seriesCount]float64{voltage, ch1Current, ch2Current, ch1Power, ch2Power, totalPower}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	for i := range cb.series {
		cb.series[i] = append(cb.series[i], Point{Timestamp: ts, Value: values[i]})
		if len(cb.series[i]) > cb.capacity {
			// Shift rather than re-slice so the evicted point does not pin
			// the backing array.
			copy(cb.series[i], cb.series[i][1:])
			cb.series[i] = cb.series[i][:cb.capacity]
		}
	}

	metrics.ChartPoints.Set(float64(len(cb.series[0])))
}

// Clear empties all six series.
func (cb *ChartBuffer) Clear() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	for i := range cb.series {
		cb.series[i] = cb.series[i][:0]
	}
	metrics.ChartPoints.Set(0)
}

// Get returns a copy of the requested series, ordered oldest to newest.
func (cb *ChartBuffer) Get(s Series) []Point {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	out := make([]Point, len(cb.series[s]))
	copy(out, cb.series[s])
	return out
}

// Len returns the current number of points held in each series.
func (cb *ChartBuffer) Len() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return len(cb.series[0])
}

// Capacity returns the shared per-series capacity.
func (cb *ChartBuffer) Capacity() int {
	return cb.capacity
}
