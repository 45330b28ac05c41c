// Chamberlink - Cultivation Chamber Edge Gateway
// Copyright 2026 Mycelio Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mycelio/chamberlink

// Package config loads and validates the gateway configuration.
//
// Configuration is layered via Koanf v2 (highest priority wins):
//  1. Built-in defaults
//  2. Optional YAML config file
//  3. Environment variables
//
// All components receive their configuration explicitly at construction;
// there is no process-global mutable settings object.
package config

import (
	"time"
)

// Config is the root configuration for the gateway process.
type Config struct {
	Device  DeviceConfig  `koanf:"device"`
	Serial  SerialConfig  `koanf:"serial"`
	Store   StoreConfig   `koanf:"store"`
	Backend BackendConfig `koanf:"backend"`
	Mirror  MirrorConfig  `koanf:"mirror"`
	Broker  BrokerConfig  `koanf:"broker"`
	Sync    SyncConfig    `koanf:"sync"`
	Server  ServerConfig  `koanf:"server"`
	Logging LoggingConfig `koanf:"logging"`
}

// DeviceConfig identifies this gateway to every downstream channel.
type DeviceConfig struct {
	ID           string `koanf:"id" validate:"required"`
	Name         string `koanf:"name"`
	SerialNumber string `koanf:"serial_number"`
}

// SerialConfig controls the microcontroller link.
type SerialConfig struct {
	// Port is the fallback device path when auto-discovery finds nothing.
	Port     string `koanf:"port" validate:"required"`
	BaudRate int    `koanf:"baud_rate" validate:"gt=0"`

	// VendorID is the USB vendor ID preferred during port discovery.
	VendorID string `koanf:"vendor_id"`

	// SettleDelay is the wait after opening the port; the microcontroller
	// resets on connection and emits boot noise that must not be parsed.
	SettleDelay    time.Duration `koanf:"settle_delay"`
	RetryInterval  time.Duration `koanf:"retry_interval" validate:"gt=0"`
	ReadTimeout    time.Duration `koanf:"read_timeout" validate:"gt=0"`
	MaxReadErrors  int           `koanf:"max_read_errors" validate:"gt=0"`
	DiscardOver    int           `koanf:"discard_over" validate:"gt=0"`
	CommandsPerSec float64       `koanf:"commands_per_sec" validate:"gt=0"`

	// HeartbeatInterval must stay at or below half of WatchdogTimeout so
	// the device-side safety watchdog never trips on a healthy link.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" validate:"gt=0"`
	WatchdogTimeout   time.Duration `koanf:"watchdog_timeout" validate:"gt=0"`
}

// StoreConfig locates the local sqlite database.
type StoreConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// BackendConfig configures the REST backend channel. Exactly one credential
// mode applies: a pre-issued static token, or email/password exchanged for
// a refreshable token pair.
type BackendConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url" validate:"omitempty,url"`

	StaticToken string `koanf:"static_token"`
	Email       string `koanf:"email"`
	Password    string `koanf:"password"`

	Timeout           time.Duration `koanf:"timeout" validate:"gt=0"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" validate:"gt=0"`
	RefreshMargin     time.Duration `koanf:"refresh_margin" validate:"gt=0"`
}

// MirrorConfig configures the real-time key/value mirror channel.
type MirrorConfig struct {
	Enabled bool          `koanf:"enabled"`
	URL     string        `koanf:"url" validate:"omitempty,url"`
	Secret  string        `koanf:"secret"`
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
}

// BrokerConfig configures the publish/subscribe channel (NATS JetStream).
type BrokerConfig struct {
	Enabled       bool          `koanf:"enabled"`
	URL           string        `koanf:"url"`
	StreamName    string        `koanf:"stream_name"`
	DurableName   string        `koanf:"durable_name"`
	QueueGroup    string        `koanf:"queue_group"`
	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait" validate:"gt=0"`
	AckWait       time.Duration `koanf:"ack_wait" validate:"gt=0"`
	CloseTimeout  time.Duration `koanf:"close_timeout" validate:"gt=0"`
}

// SyncConfig controls the periodic drain of the local store.
type SyncConfig struct {
	Interval         time.Duration `koanf:"interval" validate:"gt=0"`
	BatchSize        int           `koanf:"batch_size" validate:"gt=0"`
	CommandQueueSize int           `koanf:"command_queue_size" validate:"gt=0"`
	SensorQueueSize  int           `koanf:"sensor_queue_size" validate:"gt=0"`
	AlertQueueSize   int           `koanf:"alert_queue_size" validate:"gt=0"`

	// MappingInterval is the period of sensor-catalog reconciliation
	// against the backend.
	MappingInterval time.Duration `koanf:"mapping_interval" validate:"gt=0"`
}

// ServerConfig configures the operational HTTP listener.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port" validate:"gt=0,lte=65535"`
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error fatal disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with every default applied. Defaults are
// loaded first, then overridden by the config file and environment.
func defaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			ID:   "chamberlink-001",
			Name: "Chamberlink Gateway",
		},
		Serial: SerialConfig{
			Port:              "/dev/ttyACM0",
			BaudRate:          9600,
			VendorID:          "2341", // Arduino
			SettleDelay:       2 * time.Second,
			RetryInterval:     5 * time.Second,
			ReadTimeout:       time.Second,
			MaxReadErrors:     3,
			DiscardOver:       1024,
			CommandsPerSec:    5,
			HeartbeatInterval: 15 * time.Second,
			WatchdogTimeout:   60 * time.Second,
		},
		Store: StoreConfig{
			Path: "/data/chamberlink.db",
		},
		Backend: BackendConfig{
			Enabled:           false,
			Timeout:           10 * time.Second,
			HeartbeatInterval: 5 * time.Minute,
			RefreshMargin:     5 * time.Minute,
		},
		Mirror: MirrorConfig{
			Enabled: false,
			Timeout: 10 * time.Second,
		},
		Broker: BrokerConfig{
			Enabled:       false,
			URL:           "nats://127.0.0.1:4222",
			StreamName:    "DEVICES",
			DurableName:   "chamberlink",
			QueueGroup:    "gateways",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			AckWait:       30 * time.Second,
			CloseTimeout:  10 * time.Second,
		},
		Sync: SyncConfig{
			Interval:         60 * time.Second,
			BatchSize:        50,
			CommandQueueSize: 64,
			SensorQueueSize:  256,
			AlertQueueSize:   64,
			MappingInterval:  6 * time.Hour,
		},
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8612,
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
