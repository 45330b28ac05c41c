// Chamberlink - Cultivation Chamber Edge Gateway
// Copyright 2026 Mycelio Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mycelio/chamberlink

// Package backend is the REST client for the primary cloud backend: device
// registration, session heartbeats, batched reading uploads, alert
// delivery, and the pending-command poll.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/mycelio/chamberlink/internal/config"
	"github.com/mycelio/chamberlink/internal/logging"
	"github.com/mycelio/chamberlink/internal/models"
)

// ErrDeviceUnknown is returned when the backend no longer recognizes this
// device ID. The caller re-registers once and retries.
var ErrDeviceUnknown = errors.New("backend: device unknown")

// Client calls the backend REST API. All methods are safe for concurrent
// use; authentication is handled transparently by the embedded session.
type Client struct {
	cfg     config.BackendConfig
	device  config.DeviceConfig
	http    *http.Client
	session *session
	log     zerolog.Logger
}

// New creates a backend client. The HTTP timeout bounds every call so a
// hung backend cannot stall a sync cycle.
func New(cfg config.BackendConfig, device config.DeviceConfig) *Client {
	log := logging.With().Str("component", "backend").Logger()
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		cfg:     cfg,
		device:  device,
		http:    httpClient,
		session: newSession(cfg, httpClient, log),
		log:     log,
	}
}

// RegisterDevice announces this gateway to the backend. Registration is
// idempotent; the backend upserts on device ID.
func (c *Client) RegisterDevice(ctx context.Context) error {
	body := map[string]string{
		"device_id":     c.device.ID,
		"name":          c.device.Name,
		"serial_number": c.device.SerialNumber,
	}
	return c.do(ctx, http.MethodPost, "/api/v1/devices", body, nil)
}

// UpdateDeviceStatus reports the gateway's lifecycle state, typically
// ONLINE at startup and OFFLINE during graceful shutdown.
func (c *Client) UpdateDeviceStatus(ctx context.Context, status string) error {
	body := map[string]string{"status": status}
	return c.do(ctx, http.MethodPost, "/api/v1/devices/"+c.device.ID+"/status", body, nil)
}

// Heartbeat tells the backend this device is alive. ErrDeviceUnknown means
// the backend lost the registration; the caller re-registers once.
func (c *Client) Heartbeat(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/api/v1/devices/"+c.device.ID+"/heartbeat", nil, nil)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.status == http.StatusNotFound {
		return ErrDeviceUnknown
	}
	return err
}

// Logout revokes the session's refresh token. No-op in static token mode.
func (c *Client) Logout(ctx context.Context) error {
	return c.session.logout(ctx)
}

type batchReading struct {
	ID          int64     `json:"id"`
	Room        string    `json:"room"`
	Timestamp   time.Time `json:"timestamp"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	CO2         float64   `json:"co2"`
}

type batchResponse struct {
	Accepted []int64 `json:"accepted"`
}

// SendReadingBatch uploads readings and returns the IDs the backend
// accepted. A response without an accepted list means the whole batch was
// taken; anything else lets the caller retry just the rejected rows.
func (c *Client) SendReadingBatch(ctx context.Context, readings []models.SensorReading) ([]int64, error) {
	if len(readings) == 0 {
		return nil, nil
	}

	items := make([]batchReading, 0, len(readings))
	for _, r := range readings {
		items = append(items, batchReading{
			ID:          r.ID,
			Room:        string(r.Room),
			Timestamp:   r.Timestamp,
			Temperature: r.Temperature,
			Humidity:    r.Humidity,
			CO2:         r.CO2,
		})
	}

	body := map[string]any{"readings": items}
	var resp batchResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/devices/"+c.device.ID+"/readings/batch", body, &resp); err != nil {
		return nil, err
	}

	if resp.Accepted == nil {
		accepted := make([]int64, 0, len(readings))
		for _, r := range readings {
			accepted = append(accepted, r.ID)
		}
		return accepted, nil
	}
	return resp.Accepted, nil
}

// RemoteCommand is one actuator instruction issued through the backend UI.
type RemoteCommand struct {
	ID       string          `json:"id"`
	Actuator models.Actuator `json:"actuator"`
	State    string          `json:"state"`
}

// On reports whether the command turns its actuator on.
func (rc RemoteCommand) On() bool { return rc.State == "ON" }

// PendingCommands fetches actuator commands queued for this device.
func (c *Client) PendingCommands(ctx context.Context) ([]RemoteCommand, error) {
	var resp struct {
		Commands []RemoteCommand `json:"commands"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/devices/"+c.device.ID+"/commands?status=pending", nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Commands, nil
}

// AcknowledgeCommand reports the execution outcome of a remote command.
func (c *Client) AcknowledgeCommand(ctx context.Context, commandID string, executed bool) error {
	body := map[string]bool{"executed": executed}
	return c.do(ctx, http.MethodPost, "/api/v1/commands/"+commandID+"/ack", body, nil)
}

// TriggerAlert delivers one alert to the backend's notification pipeline.
func (c *Client) TriggerAlert(ctx context.Context, a models.ActiveAlert) error {
	body := map[string]string{
		"room":     string(a.Room),
		"type":     a.Type,
		"severity": string(a.Severity),
		"message":  a.Message,
	}
	return c.do(ctx, http.MethodPost, "/api/v1/devices/"+c.device.ID+"/alerts", body, nil)
}

// CatalogSensor is one backend-side sensor definition for this device.
type CatalogSensor struct {
	ID          string `json:"id"`
	Room        string `json:"room"`
	Measurement string `json:"measurement"`
	DisplayName string `json:"display_name"`
	Unit        string `json:"unit"`
}

// DeviceSensors fetches the backend's sensor catalog for this device,
// used to reconcile the local sensor-mapping table.
func (c *Client) DeviceSensors(ctx context.Context) ([]CatalogSensor, error) {
	var resp struct {
		Sensors []CatalogSensor `json:"sensors"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/devices/"+c.device.ID+"/sensors", nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Sensors, nil
}

type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("backend: status %d: %s", e.status, e.body)
}

// do executes one authenticated request, decoding the JSON response into
// out when non-nil. A 401 invalidates the cached token and retries once.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	retried := false
	for {
		token, err := c.session.token(ctx)
		if err != nil {
			return err
		}

		status, body, err := c.execute(ctx, method, path, in, token)
		if err != nil {
			return err
		}

		if status == http.StatusUnauthorized && !retried && c.cfg.StaticToken == "" {
			retried = true
			c.session.invalidate()
			continue
		}
		if status < 200 || status >= 300 {
			return &apiError{status: status, body: truncate(body, 200)}
		}

		if out != nil && len(body) > 0 {
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("backend: decode %s %s: %w", method, path, err)
			}
		}
		return nil
	}
}

func (c *Client) execute(ctx context.Context, method, path string, in any, token string) (int, []byte, error) {
	var reqBody io.Reader = http.NoBody
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return 0, nil, fmt.Errorf("backend: encode request: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.URL+path, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("backend: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("backend: read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
