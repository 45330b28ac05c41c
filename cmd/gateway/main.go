// Chamberlink - Cultivation Chamber Edge Gateway
// Copyright 2026 Mycelio Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mycelio/chamberlink

// Package main is the entry point for the Chamberlink gateway.
//
// Chamberlink runs on an edge device physically attached to a cultivation
// chamber controller over USB serial. It ingests room telemetry, persists
// every reading locally, drives the controller's relays, and synchronizes
// state with up to three independent remote channels.
//
// # Application Architecture
//
// The gateway initializes components in the following order:
//
//  1. Configuration: layered load from defaults, YAML file, and environment (Koanf v2)
//  2. Store: local SQLite database, the durable source of truth
//  3. Channels: REST backend, key/value mirror, and NATS broker (each optional)
//  4. Serial link: discovery, session management, and relay replay
//  5. Sync manager: offline-first drain of the local backlog
//  6. HTTP server: local operational API on port 8612
//
// Everything runs under a suture supervisor tree with three layers (device,
// sync, api) so a crash in one layer never takes the serial link down.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins): environment variables, config file, built-in defaults.
// Every remote channel is disabled by default; the gateway is fully
// functional offline.
//
// # Signal Handling
//
// On SIGINT or SIGTERM the gateway commands every actuator off, flushes
// the sync backlog once, reports itself offline on each enabled channel,
// and exits.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mycelio/chamberlink/internal/api"
	"github.com/mycelio/chamberlink/internal/backend"
	"github.com/mycelio/chamberlink/internal/broker"
	"github.com/mycelio/chamberlink/internal/channel"
	"github.com/mycelio/chamberlink/internal/config"
	"github.com/mycelio/chamberlink/internal/logging"
	"github.com/mycelio/chamberlink/internal/mirror"
	"github.com/mycelio/chamberlink/internal/models"
	"github.com/mycelio/chamberlink/internal/seriallink"
	"github.com/mycelio/chamberlink/internal/store"
	"github.com/mycelio/chamberlink/internal/supervisor"
	"github.com/mycelio/chamberlink/internal/syncer"
)

// sensorFaultAlert is the alert type raised when the controller reports a
// sensor read error for a room, and resolved on the next good reading.
const sensorFaultAlert = "sensor_fault"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logging.Fatal().Err(err).Msg("Invalid configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("device_id", cfg.Device.ID).
		Str("db_path", cfg.Store.Path).
		Bool("backend", cfg.Backend.Enabled).
		Bool("mirror", cfg.Mirror.Enabled).
		Bool("broker", cfg.Broker.Enabled).
		Msg("Starting Chamberlink gateway")

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open local store")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing local store")
		}
	}()

	// Build the enabled channels. A disabled channel stays a nil interface
	// and the sync manager skips it entirely.
	var channels syncer.Channels
	var presence *backend.Presence
	if cfg.Backend.Enabled {
		state := channel.New("backend")
		client := backend.New(cfg.Backend, cfg.Device)
		channels.Backend = client
		channels.BackendState = state
		presence = backend.NewPresence(client, state)
		logging.Info().Str("url", cfg.Backend.URL).Msg("Backend channel enabled")
	}

	var mirrorClient *mirror.Client
	if cfg.Mirror.Enabled {
		mirrorClient = mirror.New(cfg.Mirror, cfg.Device.ID)
		channels.Mirror = mirrorClient
		channels.MirrorState = channel.New("mirror")
		logging.Info().Str("url", cfg.Mirror.URL).Msg("Mirror channel enabled")
	}

	var publisher *broker.Publisher
	if cfg.Broker.Enabled {
		publisher, err = broker.NewPublisher(cfg.Broker, cfg.Device.ID)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to connect broker publisher")
		}
		defer func() {
			if err := publisher.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing broker publisher")
			}
		}()
		channels.Broker = publisher
		channels.BrokerState = channel.New("broker")
		logging.Info().Str("url", cfg.Broker.URL).Msg("Broker channel enabled")
	}

	// The serial hooks close over the sync manager and trackers, which are
	// constructed right after the link. Nothing fires until the supervisor
	// tree starts serving.
	var (
		syncMgr  *syncer.Manager
		faults   *faultTracker
		notifier *statusNotifier
	)

	hooks := seriallink.Hooks{
		OnTelemetry: func(t seriallink.Telemetry) {
			syncMgr.EnqueueReading(models.SensorReading{
				Room:        t.Room,
				Timestamp:   t.At,
				Temperature: t.Temperature,
				Humidity:    t.Humidity,
				CO2:         t.CO2,
			})
			faults.clear(t.Room)
		},
		OnDiagnostic: func(d seriallink.Diagnostic) {
			faults.raise(d)
		},
		OnConnect:    func() { notifier.notify("online") },
		OnDisconnect: func() { notifier.notify("offline") },
		OnRecovered:  func() { notifier.notify("recovered") },
	}

	link := seriallink.New(cfg.Serial, seriallink.SystemOpener(cfg.Serial), hooks)
	syncMgr = syncer.New(cfg.Sync, db, channels, link)
	faults = newFaultTracker(db, syncMgr, mirrorClient)
	notifier = &statusNotifier{pub: publisher, mirror: mirrorClient, link: link}

	var commands *broker.Commands
	if cfg.Broker.Enabled {
		commands, err = broker.NewCommands(cfg.Broker, cfg.Device.ID, func(_ context.Context, cmd broker.Command) error {
			return syncMgr.EnqueueCommand(syncer.Command{
				Actuator: cmd.Actuator,
				On:       cmd.On(),
				Source:   models.SourceBroker,
				RemoteID: cmd.ID,
			})
		})
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to connect broker subscriber")
		}
	}

	apiServer := api.New(cfg.Server, cfg.Device, db, link, syncMgr)

	// Bridge zerolog to slog for sutureslog compatibility.
	slogLogger := logging.NewSlogLogger()
	tree := supervisor.NewTree(slogLogger, supervisor.DefaultTreeConfig())

	tree.AddDeviceService(link)
	tree.AddSyncService(syncMgr)
	if presence != nil {
		tree.AddSyncService(presence)
	}
	if commands != nil {
		tree.AddSyncService(commands)
	}
	tree.AddAPIService(apiServer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	// Best-effort offline notices after the tree is down. The backend
	// presence service already reported itself offline during shutdown.
	if mirrorClient != nil {
		offCtx, offCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := mirrorClient.MirrorStatus(offCtx, "offline"); err != nil {
			logging.Debug().Err(err).Msg("Mirror offline notice failed")
		}
		offCancel()
	}
	if publisher != nil {
		if err := publisher.PublishStatus("offline", link.RelaySnapshot()); err != nil {
			logging.Debug().Err(err).Msg("Broker offline notice failed")
		}
	}

	logging.Info().Msg("Gateway stopped")
}

// faultTracker turns controller sensor diagnostics into alerts. A fault is
// raised once per room and resolved on the next good reading from that room;
// the tracker keeps the raised set in memory so the telemetry hot path never
// touches the database.
type faultTracker struct {
	store  *store.Store
	sync   *syncer.Manager
	mirror *mirror.Client

	mu      sync.Mutex
	faulted map[models.Room]bool
}

func newFaultTracker(db *store.Store, syncMgr *syncer.Manager, mirrorClient *mirror.Client) *faultTracker {
	return &faultTracker{
		store:   db,
		sync:    syncMgr,
		mirror:  mirrorClient,
		faulted: make(map[models.Room]bool),
	}
}

// raise records a sensor fault and fans the alert out. Called from the
// serial read goroutine, so the store write happens off to the side.
func (f *faultTracker) raise(d seriallink.Diagnostic) {
	f.mu.Lock()
	f.faulted[d.Room] = true
	f.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		alert := models.ActiveAlert{
			Room:     d.Room,
			Type:     sensorFaultAlert,
			Severity: models.SeverityCritical,
			Message:  d.Message,
		}
		created, err := f.store.UpsertActiveAlert(ctx, &alert)
		if err != nil {
			logging.Error().Err(err).Str("room", string(d.Room)).Msg("Failed to record sensor fault")
			return
		}
		if created {
			f.sync.EnqueueAlert(alert)
		}
	}()
}

// clear resolves the room's sensor fault if one was raised. No-op on the
// common path where the room is healthy.
func (f *faultTracker) clear(room models.Room) {
	f.mu.Lock()
	was := f.faulted[room]
	delete(f.faulted, room)
	f.mu.Unlock()
	if !was {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := f.store.ResolveAlert(ctx, room, sensorFaultAlert); err != nil {
			logging.Error().Err(err).Str("room", string(room)).Msg("Failed to resolve sensor fault")
			return
		}
		logging.Info().Str("room", string(room)).Msg("Sensor fault resolved")
		if f.mirror != nil {
			if err := f.mirror.ClearAlert(ctx, room, sensorFaultAlert); err != nil {
				logging.Debug().Err(err).Msg("Mirror alert clear failed")
			}
		}
	}()
}

// statusNotifier pushes serial link lifecycle transitions to the channels
// that carry a live device status. Deliveries are best effort; the serial
// state machine never waits on a remote.
type statusNotifier struct {
	pub    *broker.Publisher
	mirror *mirror.Client
	link   *seriallink.Manager
}

func (n *statusNotifier) notify(status string) {
	go func() {
		if n.pub != nil {
			if err := n.pub.PublishStatus(status, n.link.RelaySnapshot()); err != nil {
				logging.Debug().Err(err).Str("status", status).Msg("Broker status publish failed")
			}
		}
		if n.mirror != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := n.mirror.MirrorStatus(ctx, status); err != nil {
				logging.Debug().Err(err).Str("status", status).Msg("Mirror status update failed")
			}
		}
	}()
}
