// Chamberlink - Cultivation Chamber Edge Gateway
// Copyright 2026 Mycelio Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mycelio/chamberlink

// Package api is the gateway's local operational surface: health, metrics,
// a status snapshot, active alerts, and a manual actuator override. It
// binds to the LAN only and carries no authentication; field access control
// is the network's job.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mycelio/chamberlink/internal/config"
	"github.com/mycelio/chamberlink/internal/logging"
	"github.com/mycelio/chamberlink/internal/models"
	"github.com/mycelio/chamberlink/internal/syncer"
)

// AlertStore reads alert and reading state for the status endpoints.
type AlertStore interface {
	ListActiveAlerts(ctx context.Context) ([]models.ActiveAlert, error)
	RecentAlertEvents(ctx context.Context, limit int) ([]models.AlertEvent, error)
	AcknowledgeAlert(ctx context.Context, id int64) error
	LatestReadings(ctx context.Context) (map[models.Room]models.SensorReading, error)
	SensorMappings(ctx context.Context) ([]models.SensorMapping, error)
}

// DeviceLink exposes the serial link's health to the status endpoint.
type DeviceLink interface {
	Connected() bool
	PortName() string
	RelaySnapshot() models.RelayState
}

// Syncer exposes the sync pipeline to the API.
type Syncer interface {
	Stats() models.SyncStats
	EnqueueCommand(cmd syncer.Command) error
}

// Server is the operational HTTP server.
type Server struct {
	cfg    config.ServerConfig
	device config.DeviceConfig
	store  AlertStore
	link   DeviceLink
	sync   Syncer
	log    zerolog.Logger

	http *http.Server
}

// New builds the server and its routes.
func New(cfg config.ServerConfig, device config.DeviceConfig, store AlertStore, link DeviceLink, sync Syncer) *Server {
	s := &Server{
		cfg:    cfg,
		device: device,
		store:  store,
		link:   link,
		sync:   sync,
		log:    logging.With().Str("component", "api").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Timeout))

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/alerts", s.handleAlerts)
		r.Get("/alerts/history", s.handleAlertHistory)
		r.Post("/alerts/{id}/ack", s.handleAcknowledgeAlert)
		r.Get("/sensors", s.handleSensors)
		r.Post("/commands", s.handleCommand)
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) String() string { return "api" }

// Serve runs the listener until ctx is cancelled, then drains in-flight
// requests.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.http.Addr).Msg("http server listening")
		if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	DeviceID string                     `json:"device_id"`
	Name     string                     `json:"name"`
	Serial   serialStatus               `json:"serial"`
	Relays   models.RelayState          `json:"relays"`
	Rooms    map[models.Room]roomStatus `json:"rooms"`
	Sync     models.SyncStats           `json:"sync"`
}

type serialStatus struct {
	Connected bool   `json:"connected"`
	Port      string `json:"port,omitempty"`
}

type roomStatus struct {
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	CO2         float64   `json:"co2"`
	Timestamp   time.Time `json:"timestamp"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	latest, err := s.store.LatestReadings(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	rooms := make(map[models.Room]roomStatus, len(latest))
	for room, reading := range latest {
		rooms[room] = roomStatus{
			Temperature: reading.Temperature,
			Humidity:    reading.Humidity,
			CO2:         reading.CO2,
			Timestamp:   reading.Timestamp,
		}
	}

	s.writeJSON(w, http.StatusOK, statusResponse{
		DeviceID: s.device.ID,
		Name:     s.device.Name,
		Serial: serialStatus{
			Connected: s.link.Connected(),
			Port:      s.link.PortName(),
		},
		Relays: s.link.RelaySnapshot(),
		Rooms:  rooms,
		Sync:   s.sync.Stats(),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.store.ListActiveAlerts(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if alerts == nil {
		alerts = []models.ActiveAlert{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

// handleAlertHistory serves the append-only alert event log. Events remain
// after their active alert resolves.
func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("limit must be 1-500"))
			return
		}
		limit = parsed
	}

	events, err := s.store.RecentAlertEvents(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []models.AlertEvent{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	var id int64
	if _, err := fmt.Sscanf(chi.URLParam(r, "id"), "%d", &id); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid alert id"))
		return
	}
	if err := s.store.AcknowledgeAlert(r.Context(), id); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

// handleSensors serves the reconciled sensor catalog: per (room, measurement)
// the backend sensor ID, display name, and unit.
func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	mappings, err := s.store.SensorMappings(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if mappings == nil {
		mappings = []models.SensorMapping{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sensors": mappings})
}

type commandRequest struct {
	Actuator string `json:"actuator"`
	State    string `json:"state"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}

	actuator, err := models.ParseActuator(req.Actuator)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.State != "ON" && req.State != "OFF" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("state must be ON or OFF"))
		return
	}

	err = s.sync.EnqueueCommand(syncer.Command{
		Actuator: actuator,
		On:       req.State == "ON",
		Source:   models.SourceManual,
	})
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
