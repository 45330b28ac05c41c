// Chamberlink - Cultivation Chamber Edge Gateway
// Copyright 2026 Mycelio Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mycelio/chamberlink

// Package metrics exposes prometheus instrumentation for the gateway:
// serial link health, local store throughput, per-channel sync outcomes,
// and in-process queue depths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Serial link metrics

	SerialConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "serial_link_connected",
			Help: "1 when the serial link to the microcontroller is open",
		},
	)

	SerialReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "serial_link_reconnects_total",
			Help: "Total number of serial reconnect attempts",
		},
	)

	SerialFramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "serial_frames_received_total",
			Help: "Inbound serial frames by kind",
		},
		[]string{"kind"}, // "telemetry", "watchdog", "diagnostic", "malformed"
	)

	SerialCommandsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "serial_commands_sent_total",
			Help: "Outbound serial command frames by result",
		},
		[]string{"result"}, // "ok", "not_connected", "error"
	)

	SerialRelaysReplayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "serial_relays_replayed_total",
			Help: "Relay states replayed after reconnect or watchdog recovery",
		},
	)

	SerialKeepalives = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "serial_keepalives_sent_total",
			Help: "Keepalive frames sent to hold off the device watchdog",
		},
	)

	SerialBufferDiscards = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "serial_buffer_discards_total",
			Help: "Inbound buffer discards due to backlog over the threshold",
		},
	)

	// Local store metrics

	StoreReadingsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_readings_recorded_total",
			Help: "Sensor readings written to the local store",
		},
		[]string{"room"},
	)

	StoreWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "store_write_errors_total",
			Help: "Local store write failures",
		},
	)

	// Sync metrics

	SyncCycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_cycles_total",
			Help: "Completed sync cycles",
		},
	)

	SyncReadingsSynced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_readings_synced_total",
			Help: "Readings accepted by a downstream channel",
		},
		[]string{"channel"},
	)

	SyncFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_failures_total",
			Help: "Sync attempts that failed",
		},
		[]string{"channel"},
	)

	ChannelOnline = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "channel_online",
			Help: "1 when the channel is connected and eligible to send",
		},
		[]string{"channel"},
	)

	ChannelConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "channel_consecutive_failures",
			Help: "Consecutive failures driving the channel's backoff schedule",
		},
		[]string{"channel"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_queue_depth",
			Help: "Depth of the in-process sync queues",
		},
		[]string{"queue"}, // "sensor", "alert", "command"
	)

	RemoteCommandsForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remote_commands_forwarded_total",
			Help: "Remote commands forwarded to the serial link by result",
		},
		[]string{"result"}, // "ok", "not_connected", "invalid"
	)

	BrokerPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_publishes_total",
			Help: "Broker publish attempts by topic kind and result",
		},
		[]string{"kind", "result"},
	)
)
