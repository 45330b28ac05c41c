// Chamberlink - Cultivation Chamber Edge Gateway
// Copyright 2026 Mycelio Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mycelio/chamberlink

package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field-level constraints via struct tags and the
// cross-field invariants that tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if err := c.validateSerial(); err != nil {
		return err
	}
	if err := c.validateBackend(); err != nil {
		return err
	}
	if err := c.validateMirror(); err != nil {
		return err
	}
	return c.validateBroker()
}

// validateSerial enforces the heartbeat/watchdog relationship. The
// microcontroller forces all actuators off when it sees no serial traffic
// for WatchdogTimeout, so the keepalive must fire at least twice per
// watchdog window.
func (c *Config) validateSerial() error {
	if c.Serial.HeartbeatInterval > c.Serial.WatchdogTimeout/2 {
		return fmt.Errorf(
			"SERIAL_HEARTBEAT_INTERVAL (%s) must be at most half of SERIAL_WATCHDOG_TIMEOUT (%s)",
			c.Serial.HeartbeatInterval, c.Serial.WatchdogTimeout,
		)
	}
	return nil
}

func (c *Config) validateBackend() error {
	if !c.Backend.Enabled {
		return nil
	}
	if c.Backend.URL == "" {
		return fmt.Errorf("BACKEND_URL is required when BACKEND_ENABLED=true")
	}
	hasStatic := c.Backend.StaticToken != ""
	hasCredentials := c.Backend.Email != "" && c.Backend.Password != ""
	if !hasStatic && !hasCredentials {
		return fmt.Errorf("backend channel needs BACKEND_STATIC_TOKEN or BACKEND_EMAIL/BACKEND_PASSWORD")
	}
	if hasStatic && hasCredentials {
		return fmt.Errorf("backend channel accepts either a static token or credentials, not both")
	}
	return nil
}

func (c *Config) validateMirror() error {
	if c.Mirror.Enabled && c.Mirror.URL == "" {
		return fmt.Errorf("MIRROR_URL is required when MIRROR_ENABLED=true")
	}
	return nil
}

func (c *Config) validateBroker() error {
	if c.Broker.Enabled && c.Broker.URL == "" {
		return fmt.Errorf("BROKER_URL is required when BROKER_ENABLED=true")
	}
	return nil
}
