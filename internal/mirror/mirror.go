// Chamberlink - Cultivation Chamber Edge Gateway
// Copyright 2026 Mycelio Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mycelio/chamberlink

// Package mirror pushes the gateway's latest state into a path-addressed
// key/value service so dashboards can watch live values without polling
// the backend. The mirror holds only current state, never history; a
// missed write is simply superseded by the next one.
package mirror

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/mycelio/chamberlink/internal/config"
	"github.com/mycelio/chamberlink/internal/logging"
	"github.com/mycelio/chamberlink/internal/models"
)

// Client writes to the key/value mirror. Paths are rooted at the device
// namespace: devices/<id>/rooms/<room>/latest, devices/<id>/relays, and
// devices/<id>/alerts/<room>_<type>.
type Client struct {
	cfg      config.MirrorConfig
	deviceID string
	http     *http.Client
	log      zerolog.Logger
}

// New creates a mirror client.
func New(cfg config.MirrorConfig, deviceID string) *Client {
	return &Client{
		cfg:      cfg,
		deviceID: deviceID,
		http:     &http.Client{Timeout: cfg.Timeout},
		log:      logging.With().Str("component", "mirror").Logger(),
	}
}

type mirrorReading struct {
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	CO2         float64   `json:"co2"`
	Timestamp   time.Time `json:"timestamp"`
}

// MirrorReading overwrites the room's latest measurement triple.
func (c *Client) MirrorReading(ctx context.Context, r models.SensorReading) error {
	path := fmt.Sprintf("devices/%s/rooms/%s/latest", c.deviceID, r.Room)
	return c.put(ctx, path, mirrorReading{
		Temperature: r.Temperature,
		Humidity:    r.Humidity,
		CO2:         r.CO2,
		Timestamp:   r.Timestamp,
	})
}

// MirrorRelayState overwrites the full actuator state map.
func (c *Client) MirrorRelayState(ctx context.Context, state models.RelayState) error {
	path := fmt.Sprintf("devices/%s/relays", c.deviceID)
	return c.put(ctx, path, state)
}

type mirrorAlert struct {
	Severity  models.AlertSeverity `json:"severity"`
	Message   string               `json:"message"`
	Timestamp time.Time            `json:"timestamp"`
}

// MirrorAlert publishes one active alert under its (room, type) key.
func (c *Client) MirrorAlert(ctx context.Context, a models.ActiveAlert) error {
	path := fmt.Sprintf("devices/%s/alerts/%s_%s", c.deviceID, a.Room, a.Type)
	return c.put(ctx, path, mirrorAlert{
		Severity:  a.Severity,
		Message:   a.Message,
		Timestamp: a.CreatedAt,
	})
}

// ClearAlert removes a resolved alert from the mirror.
func (c *Client) ClearAlert(ctx context.Context, room models.Room, alertType string) error {
	path := fmt.Sprintf("devices/%s/alerts/%s_%s", c.deviceID, room, alertType)
	return c.send(ctx, http.MethodDelete, path, nil)
}

// MirrorStatus overwrites the device's lifecycle status string.
func (c *Client) MirrorStatus(ctx context.Context, status string) error {
	path := fmt.Sprintf("devices/%s/status", c.deviceID)
	return c.put(ctx, path, status)
}

func (c *Client) put(ctx context.Context, path string, value any) error {
	return c.send(ctx, http.MethodPut, path, value)
}

func (c *Client) send(ctx context.Context, method, path string, value any) error {
	target, err := c.endpoint(path)
	if err != nil {
		return err
	}

	var body io.Reader = http.NoBody
	if value != nil {
		payload, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("mirror: encode %s: %w", path, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("mirror: create request: %w", err)
	}
	if value != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("mirror: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("mirror: %s %s: status %d", method, path, resp.StatusCode)
	}
	return nil
}

// endpoint builds `<base>/<path>.json`, with the shared secret as the auth
// query parameter when configured.
func (c *Client) endpoint(path string) (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("mirror: parse base url: %w", err)
	}
	u.Path, err = url.JoinPath(u.Path, path+".json")
	if err != nil {
		return "", fmt.Errorf("mirror: join path: %w", err)
	}
	if c.cfg.Secret != "" {
		q := u.Query()
		q.Set("auth", c.cfg.Secret)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
