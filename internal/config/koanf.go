// Chamberlink - Cultivation Chamber Edge Gateway
// Copyright 2026 Mycelio Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mycelio/chamberlink

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/chamberlink/config.yaml",
	"/etc/chamberlink/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// Load builds the configuration from defaults, an optional YAML file, and
// environment variables, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first existing config file path, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps environment variable names onto koanf config paths.
// Unmapped variables are skipped so unrelated environment entries cannot
// pollute the configuration.
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		"device_id":     "device.id",
		"device_name":   "device.name",
		"device_serial": "device.serial_number",

		"serial_port":               "serial.port",
		"serial_baud_rate":          "serial.baud_rate",
		"serial_vendor_id":          "serial.vendor_id",
		"serial_settle_delay":       "serial.settle_delay",
		"serial_retry_interval":     "serial.retry_interval",
		"serial_read_timeout":       "serial.read_timeout",
		"serial_max_read_errors":    "serial.max_read_errors",
		"serial_discard_over":       "serial.discard_over",
		"serial_commands_per_sec":   "serial.commands_per_sec",
		"serial_heartbeat_interval": "serial.heartbeat_interval",
		"serial_watchdog_timeout":   "serial.watchdog_timeout",

		"store_path": "store.path",

		"backend_enabled":            "backend.enabled",
		"backend_url":                "backend.url",
		"backend_static_token":       "backend.static_token",
		"backend_email":              "backend.email",
		"backend_password":           "backend.password",
		"backend_timeout":            "backend.timeout",
		"backend_heartbeat_interval": "backend.heartbeat_interval",
		"backend_refresh_margin":     "backend.refresh_margin",

		"mirror_enabled": "mirror.enabled",
		"mirror_url":     "mirror.url",
		"mirror_secret":  "mirror.secret",
		"mirror_timeout": "mirror.timeout",

		"broker_enabled":        "broker.enabled",
		"broker_url":            "broker.url",
		"broker_stream_name":    "broker.stream_name",
		"broker_durable_name":   "broker.durable_name",
		"broker_queue_group":    "broker.queue_group",
		"broker_max_reconnects": "broker.max_reconnects",
		"broker_reconnect_wait": "broker.reconnect_wait",
		"broker_ack_wait":       "broker.ack_wait",
		"broker_close_timeout":  "broker.close_timeout",

		"sync_interval":           "sync.interval",
		"sync_batch_size":         "sync.batch_size",
		"sync_command_queue_size": "sync.command_queue_size",
		"sync_sensor_queue_size":  "sync.sensor_queue_size",
		"sync_alert_queue_size":   "sync.alert_queue_size",
		"sync_mapping_interval":   "sync.mapping_interval",

		"http_host":    "server.host",
		"http_port":    "server.port",
		"http_timeout": "server.timeout",

		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
