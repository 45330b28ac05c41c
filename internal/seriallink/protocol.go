// Chamberlink - Cultivation Chamber Edge Gateway
// Copyright 2026 Mycelio Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mycelio/chamberlink

package seriallink

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/mycelio/chamberlink/internal/models"
)

// The microcontroller speaks newline-delimited JSON. Inbound frames are a
// single-key object: either a room keyed to its measurement triple, a room
// keyed to an error string, or the watchdog-recovered notice. Outbound
// frames are actuator commands and the keepalive.

// Telemetry is one decoded measurement frame. At is the gateway arrival
// time; the microcontroller has no clock of its own.
type Telemetry struct {
	Room        models.Room
	Temperature float64
	Humidity    float64
	CO2         float64
	At          time.Time
}

// Diagnostic is a sensor fault reported by the firmware for one room.
type Diagnostic struct {
	Room    models.Room
	Message string
	At      time.Time
}

// watchdogRecovered marks the firmware's notice that its safety watchdog
// fired and all relays were forced off.
type watchdogRecovered struct{}

const watchdogKey = "watchdog"

type roomPayload struct {
	Temperature *float64 `json:"temp"`
	Humidity    *float64 `json:"humidity"`
	CO2         *float64 `json:"co2"`
	Error       *string  `json:"error"`
}

// parseFrame decodes one inbound line into Telemetry, Diagnostic, or
// watchdogRecovered. Unknown rooms and malformed payloads are protocol
// faults; the caller drops them.
func parseFrame(line []byte, at time.Time) (any, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if len(raw) != 1 {
		return nil, fmt.Errorf("frame has %d keys, want 1", len(raw))
	}

	for key, payload := range raw {
		if key == watchdogKey {
			var status string
			if err := json.Unmarshal(payload, &status); err != nil {
				return nil, fmt.Errorf("malformed watchdog frame: %w", err)
			}
			if status != "recovered" {
				return nil, fmt.Errorf("unknown watchdog status %q", status)
			}
			return watchdogRecovered{}, nil
		}

		room := models.Room(key)
		if !room.Valid() {
			return nil, fmt.Errorf("unknown room %q", key)
		}

		var body roomPayload
		if err := json.Unmarshal(payload, &body); err != nil {
			return nil, fmt.Errorf("malformed payload for room %s: %w", room, err)
		}

		if body.Error != nil {
			return Diagnostic{Room: room, Message: *body.Error, At: at}, nil
		}
		if body.Temperature == nil || body.Humidity == nil || body.CO2 == nil {
			return nil, fmt.Errorf("incomplete telemetry for room %s", room)
		}
		return Telemetry{
			Room:        room,
			Temperature: *body.Temperature,
			Humidity:    *body.Humidity,
			CO2:         *body.CO2,
			At:          at,
		}, nil
	}

	return nil, fmt.Errorf("empty frame")
}

type commandFrame struct {
	Actuator models.Actuator `json:"actuator"`
	State    string          `json:"state"`
}

type keepaliveFrame struct {
	Keepalive bool `json:"keepalive"`
}

// encodeCommand builds one newline-terminated actuator command.
func encodeCommand(a models.Actuator, on bool) ([]byte, error) {
	state := "OFF"
	if on {
		state = "ON"
	}
	b, err := json.Marshal(commandFrame{Actuator: a, State: state})
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// encodeKeepalive builds the newline-terminated keepalive frame that feeds
// the firmware's communication watchdog.
func encodeKeepalive() ([]byte, error) {
	b, err := json.Marshal(keepaliveFrame{Keepalive: true})
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
