// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package metrics provides Prometheus metrics for CircuitIQ Sync.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PushReadingsTotal tracks readings delivered over the push transport
	PushReadingsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circuitiq_push_readings_total",
		Help: "Total number of readings delivered over the push transport",
	})

	// PushReadingsIgnored tracks push readings for non-selected devices
	PushReadingsIgnored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circuitiq_push_readings_ignored_total",
		Help: "Push readings ignored because they target a non-selected device",
	})

	// StalePullsDiscarded tracks pull readings dropped by the timestamp guard
	StalePullsDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circuitiq_stale_pulls_discarded_total",
		Help: "Pull-delivered readings discarded because a newer push reading was already held",
	})

	// PullRefreshesTotal tracks refreshes performed over the pull transport
	PullRefreshesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circuitiq_pull_refreshes_total",
		Help: "Total number of pull-transport refreshes",
	})

	// PullRefreshErrors tracks failed pull refreshes
	PullRefreshErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circuitiq_pull_refresh_errors_total",
		Help: "Total number of failed pull-transport refreshes",
	})

	// CommandsTotal tracks device commands issued, by command name
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circuitiq_commands_total",
		Help: "Total number of device commands issued",
	}, []string{"command"})

	// CommandErrors tracks failed device commands, by command name
	CommandErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circuitiq_command_errors_total",
		Help: "Total number of failed device commands",
	}, []string{"command"})

	// SettleRefreshesScheduled tracks confirmation refreshes scheduled after commands
	SettleRefreshesScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circuitiq_settle_refreshes_scheduled_total",
		Help: "Confirmation refreshes scheduled after a settle delay",
	})

	// SettleRefreshesDropped tracks delayed refreshes discarded after a selection change
	SettleRefreshesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circuitiq_settle_refreshes_dropped_total",
		Help: "Delayed refreshes discarded because the device selection changed",
	})

	// PushConnected mirrors the push transport connection status
	PushConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "circuitiq_push_connected",
		Help: "Whether the push transport has a live connection (1) or not (0)",
	})

	// ChartPoints tracks the number of points currently held per chart series
	ChartPoints = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "circuitiq_chart_points",
		Help: "Number of points currently held in each chart series",
	})

	// CurrentVoltage exposes the authoritative reading's voltage per device
	CurrentVoltage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuitiq_current_voltage_volts",
		Help: "Line voltage of the authoritative reading in volts",
	}, []string{"device_id"})

	// CurrentTotalPower exposes the authoritative reading's total power per device
	CurrentTotalPower = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuitiq_current_total_power_watts",
		Help: "Total power of the authoritative reading in watts",
	}, []string{"device_id"})

	// PullRequestDuration tracks how long pull transport calls take
	PullRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "circuitiq_pull_request_duration_seconds",
		Help:    "Duration of pull transport requests in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// DiscoveryDuration tracks how long gateway discovery takes
	DiscoveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "circuitiq_discovery_duration_seconds",
		Help:    "Duration of gateway discovery in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// GatewaysDiscovered tracks the number of CircuitIQ gateways found via mDNS
	GatewaysDiscovered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "circuitiq_gateways_discovered_total",
		Help: "Total number of CircuitIQ gateways discovered",
	})
)
