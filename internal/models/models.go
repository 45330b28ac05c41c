// Chamberlink - Cultivation Chamber Edge Gateway
// Copyright 2026 Mycelio Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mycelio/chamberlink

// Package models defines the domain types shared across the gateway:
// rooms, actuators, sensor readings, device commands, alerts, and the
// connectivity snapshots exposed to the operational HTTP surface.
package models

import (
	"fmt"
	"time"
)

// Room identifies one physically distinct cultivation chamber.
type Room string

const (
	RoomFruiting Room = "fruiting"
	RoomSpawning Room = "spawning"
)

// Rooms lists every known chamber. Telemetry for an unknown room is a
// protocol fault and is dropped at the serial boundary.
var Rooms = []Room{RoomFruiting, RoomSpawning}

// Valid reports whether r names a known chamber.
func (r Room) Valid() bool {
	switch r {
	case RoomFruiting, RoomSpawning:
		return true
	}
	return false
}

// Actuator is the stable wire name of one controllable device. The set is
// closed and mirrors the microcontroller firmware; names are constructed
// once at the protocol boundary and never re-derived from strings.
type Actuator string

const (
	ActuatorMistMaker          Actuator = "MIST_MAKER"
	ActuatorHumidifierFan      Actuator = "HUMIDIFIER_FAN"
	ActuatorFruitingExhaustFan Actuator = "FRUITING_EXHAUST_FAN"
	ActuatorFruitingIntakeFan  Actuator = "FRUITING_INTAKE_FAN"
	ActuatorSpawningExhaustFan Actuator = "SPAWNING_EXHAUST_FAN"
	ActuatorDeviceExhaustFan   Actuator = "DEVICE_EXHAUST_FAN"
	ActuatorFruitingLED        Actuator = "FRUITING_LED"
)

// Actuators lists every actuator the firmware recognizes.
var Actuators = []Actuator{
	ActuatorMistMaker,
	ActuatorHumidifierFan,
	ActuatorFruitingExhaustFan,
	ActuatorFruitingIntakeFan,
	ActuatorSpawningExhaustFan,
	ActuatorDeviceExhaustFan,
	ActuatorFruitingLED,
}

// ParseActuator validates a wire-format actuator name.
func ParseActuator(s string) (Actuator, error) {
	for _, a := range Actuators {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown actuator %q", s)
}

// Measurement identifies one sensed quantity within a room.
type Measurement string

const (
	MeasurementTemperature Measurement = "temp"
	MeasurementHumidity    Measurement = "humidity"
	MeasurementCO2         Measurement = "co2"
)

// Measurements lists every measurement a room reports.
var Measurements = []Measurement{MeasurementTemperature, MeasurementHumidity, MeasurementCO2}

// CommandSource records which collaborator decided an actuator change.
type CommandSource string

const (
	SourceManual     CommandSource = "manual"
	SourceAutomation CommandSource = "automation"
	SourceBackend    CommandSource = "backend"
	SourceBroker     CommandSource = "broker"
)

// SensorReading is one timestamped measurement triple for a room.
// At most one reading exists per (room, timestamp); re-insertion with the
// same key updates values in place. The Synced flag only ever transitions
// false -> true.
type SensorReading struct {
	ID          int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Room        Room       `gorm:"size:16;not null;uniqueIndex:idx_room_ts" json:"room"`
	Timestamp   time.Time  `gorm:"not null;uniqueIndex:idx_room_ts;index:idx_synced_ts,priority:2" json:"timestamp"`
	Temperature float64    `gorm:"not null" json:"temperature"`
	Humidity    float64    `gorm:"not null" json:"humidity"`
	CO2         float64    `gorm:"not null" json:"co2"`
	Synced      bool       `gorm:"not null;default:false;index:idx_synced_ts,priority:1" json:"synced"`
	SyncedAt    *time.Time `json:"synced_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// DeviceCommand is the append-only audit record of one actuator decision.
type DeviceCommand struct {
	ID         int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	Actuator   Actuator      `gorm:"size:32;not null;index" json:"actuator"`
	On         bool          `gorm:"not null" json:"on"`
	Source     CommandSource `gorm:"size:16;not null" json:"source"`
	RemoteID   string        `gorm:"size:64" json:"remote_id,omitempty"`
	Timestamp  time.Time     `gorm:"not null;index" json:"timestamp"`
	Executed   bool          `gorm:"not null;default:false" json:"executed"`
	ExecutedAt *time.Time    `json:"executed_at,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// AlertSeverity grades an alert for display and routing.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "INFO"
	SeverityWarning  AlertSeverity = "WARNING"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// ActiveAlert is one currently-true alert condition, keyed by (room, type).
// Resolution deletes the row; history lives in AlertEvent.
type ActiveAlert struct {
	ID             int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	Room           Room          `gorm:"size:16;not null;uniqueIndex:idx_room_type" json:"room"`
	Type           string        `gorm:"size:64;not null;uniqueIndex:idx_room_type" json:"type"`
	Severity       AlertSeverity `gorm:"size:16;not null" json:"severity"`
	Message        string        `gorm:"not null" json:"message"`
	Acknowledged   bool          `gorm:"not null;default:false" json:"acknowledged"`
	AcknowledgedAt *time.Time    `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// AlertEvent is the immutable history record written on every alert upsert.
type AlertEvent struct {
	ID        int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	Room      Room          `gorm:"size:16;not null;index" json:"room"`
	Type      string        `gorm:"size:64;not null" json:"type"`
	Severity  AlertSeverity `gorm:"size:16;not null" json:"severity"`
	Message   string        `gorm:"not null" json:"message"`
	CreatedAt time.Time     `gorm:"index" json:"created_at"`
}

// SensorMapping translates a local (room, measurement) pair into the
// backend's sensor identifier. Upserted by catalog reconciliation.
type SensorMapping struct {
	ID          int64       `gorm:"primaryKey;autoIncrement" json:"id"`
	Room        Room        `gorm:"size:16;not null;uniqueIndex:idx_room_meas" json:"room"`
	Measurement Measurement `gorm:"size:16;not null;uniqueIndex:idx_room_meas" json:"measurement"`
	BackendID   string      `gorm:"size:64;not null" json:"backend_id"`
	DisplayName string      `gorm:"size:128" json:"display_name"`
	Unit        string      `gorm:"size:16" json:"unit"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// RelayState is a read-only snapshot of the last states instructed to the
// microcontroller, keyed by actuator. The serial link owns the live map.
type RelayState map[Actuator]bool

// ChannelStatus is a point-in-time view of one downstream channel's health.
type ChannelStatus struct {
	Name                string     `json:"name"`
	Connected           bool       `json:"connected"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	RetryIn             string     `json:"retry_in,omitempty"`
}

// SyncStats aggregates the sync manager's counters for the status surface.
type SyncStats struct {
	LastCycle         *time.Time      `json:"last_cycle,omitempty"`
	TotalSynced       int64           `json:"total_synced"`
	FailedSyncs       int64           `json:"failed_syncs"`
	PendingReadings   int             `json:"pending_readings"`
	SensorQueueDepth  int             `json:"sensor_queue_depth"`
	AlertQueueDepth   int             `json:"alert_queue_depth"`
	CommandQueueDepth int             `json:"command_queue_depth"`
	Channels          []ChannelStatus `json:"channels"`
}
