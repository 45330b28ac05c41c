// Chamberlink - Cultivation Chamber Edge Gateway
// Copyright 2026 Mycelio Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mycelio/chamberlink

// Package syncer drains the local store into the downstream channels and
// forwards live events. Everything runs on one goroutine: readings, alerts,
// commands, and the periodic sync cycle are serialized, so an actuator can
// never receive interleaved instructions from two remote sources.
package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/mycelio/chamberlink/internal/backend"
	"github.com/mycelio/chamberlink/internal/channel"
	"github.com/mycelio/chamberlink/internal/config"
	"github.com/mycelio/chamberlink/internal/logging"
	"github.com/mycelio/chamberlink/internal/metrics"
	"github.com/mycelio/chamberlink/internal/models"
)

// Store is the persistence surface the syncer needs.
type Store interface {
	RecordReading(ctx context.Context, r *models.SensorReading) error
	UnsyncedReadings(ctx context.Context, limit int) ([]models.SensorReading, error)
	LatestReadings(ctx context.Context) (map[models.Room]models.SensorReading, error)
	MarkSynced(ctx context.Context, ids []int64) error
	PendingReadings(ctx context.Context) (int64, error)
	RecordCommand(ctx context.Context, cmd *models.DeviceCommand) error
	MarkExecuted(ctx context.Context, id int64) error
	UpsertSensorMapping(ctx context.Context, m *models.SensorMapping) error
}

// BackendChannel is the REST backend surface used during sync cycles.
type BackendChannel interface {
	SendReadingBatch(ctx context.Context, readings []models.SensorReading) ([]int64, error)
	PendingCommands(ctx context.Context) ([]backend.RemoteCommand, error)
	AcknowledgeCommand(ctx context.Context, commandID string, executed bool) error
	TriggerAlert(ctx context.Context, a models.ActiveAlert) error
	DeviceSensors(ctx context.Context) ([]backend.CatalogSensor, error)
}

// MirrorChannel is the live key/value mirror surface.
type MirrorChannel interface {
	MirrorReading(ctx context.Context, r models.SensorReading) error
	MirrorRelayState(ctx context.Context, state models.RelayState) error
	MirrorAlert(ctx context.Context, a models.ActiveAlert) error
}

// BrokerChannel is the publish side of the broker.
type BrokerChannel interface {
	PublishReading(r models.SensorReading) error
	PublishAlert(a models.ActiveAlert) error
}

// CommandSink executes actuator commands; the serial link in production.
type CommandSink interface {
	Send(ctx context.Context, a models.Actuator, on bool) error
	RelaySnapshot() models.RelayState
}

// Command is one queued actuator instruction with its provenance.
type Command struct {
	Actuator models.Actuator
	On       bool
	Source   models.CommandSource

	// RemoteID is the backend's command ID, set only for backend-sourced
	// commands that need acknowledgement.
	RemoteID string
}

// Channels bundles the three downstream clients with their health states.
// Any client may be nil when its channel is disabled; the paired state must
// be non-nil whenever the client is.
type Channels struct {
	Backend      BackendChannel
	BackendState *channel.State
	Mirror       MirrorChannel
	MirrorState  *channel.State
	Broker       BrokerChannel
	BrokerState  *channel.State
}

// Manager owns the offline-first sync pipeline.
type Manager struct {
	cfg      config.SyncConfig
	store    Store
	channels Channels
	sink     CommandSink
	log      zerolog.Logger

	readings chan models.SensorReading
	alerts   chan models.ActiveAlert
	commands chan Command

	stats stats
}

// New creates a sync manager.
func New(cfg config.SyncConfig, store Store, channels Channels, sink CommandSink) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    store,
		channels: channels,
		sink:     sink,
		log:      logging.With().Str("component", "syncer").Logger(),
		readings: make(chan models.SensorReading, cfg.SensorQueueSize),
		alerts:   make(chan models.ActiveAlert, cfg.AlertQueueSize),
		commands: make(chan Command, cfg.CommandQueueSize),
	}
}

func (m *Manager) String() string { return "syncer" }

// EnqueueReading accepts one reading for persistence and live forwarding.
// Never blocks; when the queue is full the reading is dropped here and
// recovered later from whoever recorded it upstream, or lost if nobody did.
func (m *Manager) EnqueueReading(r models.SensorReading) {
	select {
	case m.readings <- r:
		metrics.QueueDepth.WithLabelValues("sensor").Set(float64(len(m.readings)))
	default:
		m.log.Warn().Str("room", string(r.Room)).Msg("sensor queue full, dropping reading")
	}
}

// EnqueueAlert accepts one alert for fan-out to every channel.
func (m *Manager) EnqueueAlert(a models.ActiveAlert) {
	select {
	case m.alerts <- a:
		metrics.QueueDepth.WithLabelValues("alert").Set(float64(len(m.alerts)))
	default:
		m.log.Warn().Str("type", a.Type).Msg("alert queue full, dropping alert")
	}
}

// EnqueueCommand accepts one actuator instruction. Commands are executed
// strictly in arrival order by the manager's single goroutine.
func (m *Manager) EnqueueCommand(cmd Command) error {
	select {
	case m.commands <- cmd:
		metrics.QueueDepth.WithLabelValues("command").Set(float64(len(m.commands)))
		return nil
	default:
		return errors.New("syncer: command queue full")
	}
}

// Serve runs the pipeline until ctx is cancelled. One final sync cycle is
// attempted on shutdown so a clean restart leaves as little backlog as
// possible.
func (m *Manager) Serve(ctx context.Context) error {
	syncTicker := time.NewTicker(m.cfg.Interval)
	defer syncTicker.Stop()
	mappingTicker := time.NewTicker(m.cfg.MappingInterval)
	defer mappingTicker.Stop()

	// Reconcile the catalog and drain any backlog left from the previous
	// run before settling into the periodic cadence.
	m.reconcileMappings(ctx)
	m.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			m.finalCycle()
			return ctx.Err()

		case r := <-m.readings:
			metrics.QueueDepth.WithLabelValues("sensor").Set(float64(len(m.readings)))
			m.handleReading(ctx, r)

		case a := <-m.alerts:
			metrics.QueueDepth.WithLabelValues("alert").Set(float64(len(m.alerts)))
			m.deliverAlert(ctx, a)

		case cmd := <-m.commands:
			metrics.QueueDepth.WithLabelValues("command").Set(float64(len(m.commands)))
			m.executeCommand(ctx, cmd)

		case <-syncTicker.C:
			m.runCycle(ctx)

		case <-mappingTicker.C:
			m.reconcileMappings(ctx)
		}
	}
}

// handleReading persists the reading, then forwards it live to the mirror
// and broker. Live forwards are best-effort; the durable copy reaches the
// backend through the next sync cycle regardless.
func (m *Manager) handleReading(ctx context.Context, r models.SensorReading) {
	if err := m.store.RecordReading(ctx, &r); err != nil {
		m.log.Error().Err(err).Str("room", string(r.Room)).Msg("reading not persisted")
		return
	}

	if m.channels.Mirror != nil && m.channels.MirrorState.Eligible() {
		if err := m.channels.Mirror.MirrorReading(ctx, r); err != nil {
			m.channels.MirrorState.RecordFailure()
			m.log.Debug().Err(err).Msg("live mirror forward failed")
		} else {
			m.channels.MirrorState.RecordSuccess()
		}
	}
	if m.channels.Broker != nil && m.channels.BrokerState.Eligible() {
		if err := m.channels.Broker.PublishReading(r); err != nil {
			m.channels.BrokerState.RecordFailure()
			m.log.Debug().Err(err).Msg("live broker forward failed")
		} else {
			m.channels.BrokerState.RecordSuccess()
		}
	}
}

// deliverAlert fans one alert out to every eligible channel. A channel
// failure is recorded but never blocks the other channels.
func (m *Manager) deliverAlert(ctx context.Context, a models.ActiveAlert) {
	if m.channels.Backend != nil && m.channels.BackendState.Eligible() {
		if err := m.channels.Backend.TriggerAlert(ctx, a); err != nil {
			m.channels.BackendState.RecordFailure()
			m.log.Warn().Err(err).Str("type", a.Type).Msg("backend alert delivery failed")
		} else {
			m.channels.BackendState.RecordSuccess()
		}
	}
	if m.channels.Mirror != nil && m.channels.MirrorState.Eligible() {
		if err := m.channels.Mirror.MirrorAlert(ctx, a); err != nil {
			m.channels.MirrorState.RecordFailure()
		} else {
			m.channels.MirrorState.RecordSuccess()
		}
	}
	if m.channels.Broker != nil && m.channels.BrokerState.Eligible() {
		if err := m.channels.Broker.PublishAlert(a); err != nil {
			m.channels.BrokerState.RecordFailure()
		} else {
			m.channels.BrokerState.RecordSuccess()
		}
	}
}

// executeCommand records, executes, and acknowledges one actuator command.
// The audit row is written before the serial send so a crash mid-command
// leaves evidence of the decision.
func (m *Manager) executeCommand(ctx context.Context, cmd Command) {
	record := &models.DeviceCommand{
		Actuator: cmd.Actuator,
		On:       cmd.On,
		Source:   cmd.Source,
		RemoteID: cmd.RemoteID,
	}
	if err := m.store.RecordCommand(ctx, record); err != nil {
		m.log.Error().Err(err).Str("actuator", string(cmd.Actuator)).Msg("command not recorded")
	}

	err := m.sink.Send(ctx, cmd.Actuator, cmd.On)
	executed := err == nil
	if err != nil {
		metrics.RemoteCommandsForwarded.WithLabelValues("not_connected").Inc()
		m.log.Warn().Err(err).Str("actuator", string(cmd.Actuator)).Msg("command execution failed")
	} else {
		metrics.RemoteCommandsForwarded.WithLabelValues("ok").Inc()
		if record.ID != 0 {
			if err := m.store.MarkExecuted(ctx, record.ID); err != nil {
				m.log.Warn().Err(err).Int64("id", record.ID).Msg("command not marked executed")
			}
		}
	}

	if cmd.RemoteID != "" && cmd.Source == models.SourceBackend &&
		m.channels.Backend != nil && m.channels.BackendState.Eligible() {
		if err := m.channels.Backend.AcknowledgeCommand(ctx, cmd.RemoteID, executed); err != nil {
			m.channels.BackendState.RecordFailure()
			m.log.Warn().Err(err).Str("command", cmd.RemoteID).Msg("command ack failed")
		} else {
			m.channels.BackendState.RecordSuccess()
		}
	}

	// Mirror the new actuator state so dashboards follow along.
	if executed && m.channels.Mirror != nil && m.channels.MirrorState.Eligible() {
		if err := m.channels.Mirror.MirrorRelayState(ctx, m.sink.RelaySnapshot()); err != nil {
			m.channels.MirrorState.RecordFailure()
		} else {
			m.channels.MirrorState.RecordSuccess()
		}
	}
}

// runCycle performs one periodic sync pass: drain the unsynced backlog to
// the backend, then poll it for pending remote commands.
func (m *Manager) runCycle(ctx context.Context) {
	metrics.SyncCycles.Inc()
	defer m.stats.markCycle(time.Now().UTC())

	m.drainBacklog(ctx)
	m.refreshMirror(ctx)
	m.pollRemoteCommands(ctx)

	if pending, err := m.store.PendingReadings(ctx); err == nil {
		m.stats.setPending(int(pending))
	}
}

// refreshMirror rewrites each room's latest document. The live forward in
// handleReading covers the healthy path; this pass heals the mirror after
// an outage that outlived the last reading.
func (m *Manager) refreshMirror(ctx context.Context) {
	if m.channels.Mirror == nil || !m.channels.MirrorState.Eligible() {
		return
	}

	latest, err := m.store.LatestReadings(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("latest readings query failed")
		return
	}
	for _, r := range latest {
		if err := m.channels.Mirror.MirrorReading(ctx, r); err != nil {
			m.channels.MirrorState.RecordFailure()
			metrics.SyncFailures.WithLabelValues("mirror").Inc()
			m.log.Warn().Err(err).Str("room", string(r.Room)).Msg("mirror refresh failed")
			return
		}
		m.channels.MirrorState.RecordSuccess()
		metrics.SyncReadingsSynced.WithLabelValues("mirror").Inc()
	}
}

// drainBacklog uploads unsynced readings in oldest-first batches until the
// backlog is empty, a batch fails, or the backend stops accepting rows.
func (m *Manager) drainBacklog(ctx context.Context) {
	if m.channels.Backend == nil || errors.Is(ctx.Err(), context.Canceled) {
		return
	}

	for m.channels.BackendState.Eligible() {
		batch, err := m.store.UnsyncedReadings(ctx, m.cfg.BatchSize)
		if err != nil {
			m.log.Error().Err(err).Msg("backlog query failed")
			return
		}
		if len(batch) == 0 {
			return
		}

		accepted, err := m.channels.Backend.SendReadingBatch(ctx, batch)
		if err != nil {
			m.channels.BackendState.RecordFailure()
			m.stats.addFailure()
			metrics.SyncFailures.WithLabelValues("backend").Inc()
			m.log.Warn().Err(err).Int("batch", len(batch)).Msg("batch upload failed")
			return
		}
		m.channels.BackendState.RecordSuccess()

		if err := m.store.MarkSynced(ctx, accepted); err != nil {
			m.log.Error().Err(err).Msg("accepted readings not marked synced")
			return
		}
		m.stats.addSynced(int64(len(accepted)))
		metrics.SyncReadingsSynced.WithLabelValues("backend").Add(float64(len(accepted)))

		m.log.Debug().Int("accepted", len(accepted)).Int("batch", len(batch)).Msg("batch synced")

		// A partially accepted batch means the remainder needs attention
		// server-side; retry it next cycle rather than spinning on it now.
		if len(accepted) < len(batch) {
			return
		}
		if len(batch) < m.cfg.BatchSize {
			return
		}
	}
}

// pollRemoteCommands fetches backend-issued commands and queues them for
// execution.
func (m *Manager) pollRemoteCommands(ctx context.Context) {
	if m.channels.Backend == nil || !m.channels.BackendState.Eligible() {
		return
	}

	cmds, err := m.channels.Backend.PendingCommands(ctx)
	if err != nil {
		m.channels.BackendState.RecordFailure()
		m.log.Warn().Err(err).Msg("pending command poll failed")
		return
	}
	m.channels.BackendState.RecordSuccess()

	for _, rc := range cmds {
		if _, err := models.ParseActuator(string(rc.Actuator)); err != nil {
			metrics.RemoteCommandsForwarded.WithLabelValues("invalid").Inc()
			m.log.Warn().Err(err).Str("command", rc.ID).Msg("dropping remote command")
			continue
		}
		err := m.EnqueueCommand(Command{
			Actuator: rc.Actuator,
			On:       rc.On(),
			Source:   models.SourceBackend,
			RemoteID: rc.ID,
		})
		if err != nil {
			m.log.Warn().Err(err).Str("command", rc.ID).Msg("remote command not queued")
		}
	}
}

// reconcileMappings refreshes the local sensor-mapping table from the
// backend's catalog.
func (m *Manager) reconcileMappings(ctx context.Context) {
	if m.channels.Backend == nil || !m.channels.BackendState.Eligible() {
		return
	}

	sensors, err := m.channels.Backend.DeviceSensors(ctx)
	if err != nil {
		m.channels.BackendState.RecordFailure()
		m.log.Warn().Err(err).Msg("sensor catalog fetch failed")
		return
	}
	m.channels.BackendState.RecordSuccess()

	for _, s := range sensors {
		room := models.Room(s.Room)
		if !room.Valid() {
			continue
		}
		mapping := &models.SensorMapping{
			Room:        room,
			Measurement: models.Measurement(s.Measurement),
			BackendID:   s.ID,
			DisplayName: s.DisplayName,
			Unit:        s.Unit,
		}
		if err := m.store.UpsertSensorMapping(ctx, mapping); err != nil {
			m.log.Warn().Err(err).Str("sensor", s.ID).Msg("mapping upsert failed")
		}
	}
	m.log.Debug().Int("sensors", len(sensors)).Msg("sensor mappings reconciled")
}

// finalCycle makes one last drain attempt with its own deadline during
// shutdown.
func (m *Manager) finalCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m.drainBacklog(ctx)
}

// Stats returns a snapshot of the pipeline counters and channel health.
func (m *Manager) Stats() models.SyncStats {
	st := m.stats.snapshot()
	st.SensorQueueDepth = len(m.readings)
	st.AlertQueueDepth = len(m.alerts)
	st.CommandQueueDepth = len(m.commands)

	for _, cs := range []*channel.State{
		m.channels.BackendState,
		m.channels.MirrorState,
		m.channels.BrokerState,
	} {
		if cs != nil {
			st.Channels = append(st.Channels, cs.Status())
		}
	}
	return st
}
