// Chamberlink - Cultivation Chamber Edge Gateway
// Copyright 2026 Mycelio Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mycelio/chamberlink

// Package store is the durable local buffer backing the offline-first sync
// pipeline. Every sensor reading, command, and alert is written here before
// any network delivery is attempted, so a multi-day outage loses nothing.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mycelio/chamberlink/internal/logging"
	"github.com/mycelio/chamberlink/internal/metrics"
	"github.com/mycelio/chamberlink/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Store wraps the embedded SQLite database. Writes are serialized through
// an internal mutex because the sqlite driver rejects concurrent writers.
type Store struct {
	db *gorm.DB

	writeMu sync.Mutex
}

// Open opens (creating if needed) the database at path and migrates the
// schema. The busy timeout covers the window where a checkpoint holds the
// write lock.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	return open(dsn)
}

// OpenInMemory opens a private in-memory database. Each call gets its own
// namespace so parallel tests never see each other's rows.
func OpenInMemory() (*Store, error) {
	return open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
}

func open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	db.Exec("PRAGMA foreign_keys = ON")

	if err := db.AutoMigrate(
		&models.SensorReading{},
		&models.DeviceCommand{},
		&models.ActiveAlert{},
		&models.AlertEvent{},
		&models.SensorMapping{},
	); err != nil {
		return nil, fmt.Errorf("store: migrate schema: %w", err)
	}

	logging.Debug().Str("dsn", dsn).Msg("store opened")

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordReading persists one reading. Re-insertion with the same
// (room, timestamp) key updates the values in place and never resets the
// synced flag, so a duplicate serial frame cannot resurrect a synced row.
func (s *Store) RecordReading(ctx context.Context, r *models.SensorReading) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "room"}, {Name: "timestamp"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"temperature", "humidity", "co2",
		}),
	}).Create(r).Error
	if err != nil {
		metrics.StoreWriteErrors.Inc()
		return fmt.Errorf("store: record reading: %w", err)
	}

	// On the DO UPDATE branch sqlite's last_insert_rowid is stale, so the ID
	// gorm back-filled may belong to an unrelated row. Re-select by key.
	var row struct{ ID int64 }
	err = s.db.WithContext(ctx).
		Model(&models.SensorReading{}).
		Select("id").
		Where("room = ? AND timestamp = ?", r.Room, r.Timestamp).
		Take(&row).Error
	if err != nil {
		metrics.StoreWriteErrors.Inc()
		return fmt.Errorf("store: record reading: resolve id: %w", err)
	}
	r.ID = row.ID

	metrics.StoreReadingsRecorded.WithLabelValues(string(r.Room)).Inc()
	return nil
}

// UnsyncedReadings returns up to limit unsynced readings, oldest first.
// Oldest-first ordering keeps downstream dashboards causally consistent
// while a backlog drains.
func (s *Store) UnsyncedReadings(ctx context.Context, limit int) ([]models.SensorReading, error) {
	var readings []models.SensorReading
	err := s.db.WithContext(ctx).
		Where("synced = ?", false).
		Order("timestamp ASC").
		Limit(limit).
		Find(&readings).Error
	if err != nil {
		return nil, fmt.Errorf("store: list unsynced: %w", err)
	}
	return readings, nil
}

// MarkSynced flips the synced flag for the given reading IDs. Only called
// with IDs the backend explicitly accepted, so a partially accepted batch
// retries just its rejected rows.
func (s *Store) MarkSynced(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC()
	err := s.db.WithContext(ctx).
		Model(&models.SensorReading{}).
		Where("id IN ?", ids).
		Updates(map[string]any{"synced": true, "synced_at": now}).Error
	if err != nil {
		metrics.StoreWriteErrors.Inc()
		return fmt.Errorf("store: mark synced: %w", err)
	}
	return nil
}

// PendingReadings counts rows still awaiting backend delivery.
func (s *Store) PendingReadings(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&models.SensorReading{}).
		Where("synced = ?", false).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("store: count pending: %w", err)
	}
	return n, nil
}

// LatestReadings returns the most recent reading per room. Rooms with no
// readings yet are absent from the map.
func (s *Store) LatestReadings(ctx context.Context) (map[models.Room]models.SensorReading, error) {
	latest := make(map[models.Room]models.SensorReading, len(models.Rooms))
	for _, room := range models.Rooms {
		var r models.SensorReading
		err := s.db.WithContext(ctx).
			Where("room = ?", room).
			Order("timestamp DESC").
			First(&r).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("store: latest reading for %s: %w", room, err)
		}
		latest[room] = r
	}
	return latest, nil
}

// RecordCommand appends one actuator decision to the audit log.
func (s *Store) RecordCommand(ctx context.Context, cmd *models.DeviceCommand) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(cmd).Error; err != nil {
		metrics.StoreWriteErrors.Inc()
		return fmt.Errorf("store: record command: %w", err)
	}
	return nil
}

// MarkExecuted records that a command reached the microcontroller.
func (s *Store) MarkExecuted(ctx context.Context, id int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC()
	result := s.db.WithContext(ctx).
		Model(&models.DeviceCommand{}).
		Where("id = ?", id).
		Updates(map[string]any{"executed": true, "executed_at": now})
	if result.Error != nil {
		metrics.StoreWriteErrors.Inc()
		return fmt.Errorf("store: mark executed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertActiveAlert raises or refreshes the alert keyed by (room, type).
// Every call also appends an AlertEvent history row in the same
// transaction. Returns true when the alert was newly raised.
func (s *Store) UpsertActiveAlert(ctx context.Context, a *models.ActiveAlert) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.ActiveAlert
		err := tx.Where("room = ? AND type = ?", a.Room, a.Type).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(a).Error; err != nil {
				return err
			}
			created = true
		case err != nil:
			return err
		default:
			// A refreshed alert keeps its acknowledged state; only the
			// message and severity may move.
			existing.Severity = a.Severity
			existing.Message = a.Message
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
			*a = existing
		}

		return tx.Create(&models.AlertEvent{
			Room:     a.Room,
			Type:     a.Type,
			Severity: a.Severity,
			Message:  a.Message,
		}).Error
	})
	if err != nil {
		metrics.StoreWriteErrors.Inc()
		return false, fmt.Errorf("store: upsert alert: %w", err)
	}
	return created, nil
}

// ResolveAlert clears the active alert keyed by (room, type). Resolving an
// alert that is not active is a no-op, not an error.
func (s *Store) ResolveAlert(ctx context.Context, room models.Room, alertType string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.db.WithContext(ctx).
		Where("room = ? AND type = ?", room, alertType).
		Delete(&models.ActiveAlert{}).Error
	if err != nil {
		metrics.StoreWriteErrors.Inc()
		return fmt.Errorf("store: resolve alert: %w", err)
	}
	return nil
}

// ListActiveAlerts returns every currently raised alert, newest first.
func (s *Store) ListActiveAlerts(ctx context.Context) ([]models.ActiveAlert, error) {
	var alerts []models.ActiveAlert
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Find(&alerts).Error
	if err != nil {
		return nil, fmt.Errorf("store: list alerts: %w", err)
	}
	return alerts, nil
}

// RecentAlertEvents returns up to limit history rows, newest first. Events
// outlive resolution of the active alert that produced them.
func (s *Store) RecentAlertEvents(ctx context.Context, limit int) ([]models.AlertEvent, error) {
	var events []models.AlertEvent
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("store: list alert events: %w", err)
	}
	return events, nil
}

// AcknowledgeAlert marks an active alert as seen by an operator.
func (s *Store) AcknowledgeAlert(ctx context.Context, id int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC()
	result := s.db.WithContext(ctx).
		Model(&models.ActiveAlert{}).
		Where("id = ?", id).
		Updates(map[string]any{"acknowledged": true, "acknowledged_at": now})
	if result.Error != nil {
		metrics.StoreWriteErrors.Inc()
		return fmt.Errorf("store: acknowledge alert: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertSensorMapping stores the backend identifier for one
// (room, measurement) pair, written by catalog reconciliation.
func (s *Store) UpsertSensorMapping(ctx context.Context, m *models.SensorMapping) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "room"}, {Name: "measurement"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"backend_id", "display_name", "unit", "updated_at",
		}),
	}).Create(m).Error
	if err != nil {
		metrics.StoreWriteErrors.Inc()
		return fmt.Errorf("store: upsert mapping: %w", err)
	}
	return nil
}

// SensorMappings returns every stored mapping.
func (s *Store) SensorMappings(ctx context.Context) ([]models.SensorMapping, error) {
	var mappings []models.SensorMapping
	if err := s.db.WithContext(ctx).Find(&mappings).Error; err != nil {
		return nil, fmt.Errorf("store: list mappings: %w", err)
	}
	return mappings, nil
}

// SensorMappingFor resolves the backend identifier for one pair.
func (s *Store) SensorMappingFor(ctx context.Context, room models.Room, m models.Measurement) (*models.SensorMapping, error) {
	var mapping models.SensorMapping
	err := s.db.WithContext(ctx).
		Where("room = ? AND measurement = ?", room, m).
		First(&mapping).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: mapping for %s/%s: %w", room, m, err)
	}
	return &mapping, nil
}
