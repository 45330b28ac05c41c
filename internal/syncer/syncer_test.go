// Chamberlink - Cultivation Chamber Edge Gateway
// Copyright 2026 Mycelio Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mycelio/chamberlink

package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mycelio/chamberlink/internal/backend"
	"github.com/mycelio/chamberlink/internal/channel"
	"github.com/mycelio/chamberlink/internal/config"
	"github.com/mycelio/chamberlink/internal/models"
)

type fakeStore struct {
	mu       sync.Mutex
	readings []models.SensorReading
	synced   map[int64]bool
	commands []*models.DeviceCommand
	executed map[int64]bool
	mappings []*models.SensorMapping
	nextID   int64

	recordErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		synced:   make(map[int64]bool),
		executed: make(map[int64]bool),
	}
}

func (f *fakeStore) RecordReading(_ context.Context, r *models.SensorReading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return f.recordErr
	}
	f.nextID++
	r.ID = f.nextID
	f.readings = append(f.readings, *r)
	return nil
}

func (f *fakeStore) UnsyncedReadings(_ context.Context, limit int) ([]models.SensorReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.SensorReading
	for _, r := range f.readings {
		if !f.synced[r.ID] {
			out = append(out, r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) LatestReadings(_ context.Context) (map[models.Room]models.SensorReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	latest := make(map[models.Room]models.SensorReading)
	for _, r := range f.readings {
		if cur, ok := latest[r.Room]; !ok || r.Timestamp.After(cur.Timestamp) {
			latest[r.Room] = r
		}
	}
	return latest, nil
}

func (f *fakeStore) MarkSynced(_ context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.synced[id] = true
	}
	return nil
}

func (f *fakeStore) PendingReadings(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, r := range f.readings {
		if !f.synced[r.ID] {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) RecordCommand(_ context.Context, cmd *models.DeviceCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	cmd.ID = f.nextID
	f.commands = append(f.commands, cmd)
	return nil
}

func (f *fakeStore) MarkExecuted(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed[id] = true
	return nil
}

func (f *fakeStore) UpsertSensorMapping(_ context.Context, m *models.SensorMapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mappings = append(f.mappings, m)
	return nil
}

type fakeBackend struct {
	acceptAll  bool
	acceptIDs  []int64
	batchErr   error
	batches    [][]models.SensorReading
	pending    []backend.RemoteCommand
	pendingErr error
	acks       map[string]bool
	alerts     []models.ActiveAlert
	sensors    []backend.CatalogSensor
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{acceptAll: true, acks: make(map[string]bool)}
}

func (f *fakeBackend) SendReadingBatch(_ context.Context, readings []models.SensorReading) ([]int64, error) {
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	f.batches = append(f.batches, readings)
	if f.acceptAll {
		ids := make([]int64, 0, len(readings))
		for _, r := range readings {
			ids = append(ids, r.ID)
		}
		return ids, nil
	}
	return f.acceptIDs, nil
}

func (f *fakeBackend) PendingCommands(_ context.Context) ([]backend.RemoteCommand, error) {
	if f.pendingErr != nil {
		return nil, f.pendingErr
	}
	return f.pending, nil
}

func (f *fakeBackend) AcknowledgeCommand(_ context.Context, id string, executed bool) error {
	f.acks[id] = executed
	return nil
}

func (f *fakeBackend) TriggerAlert(_ context.Context, a models.ActiveAlert) error {
	f.alerts = append(f.alerts, a)
	return nil
}

func (f *fakeBackend) DeviceSensors(_ context.Context) ([]backend.CatalogSensor, error) {
	return f.sensors, nil
}

type fakeMirror struct {
	readings []models.SensorReading
	relays   []models.RelayState
	alerts   []models.ActiveAlert
	err      error
}

func (f *fakeMirror) MirrorReading(_ context.Context, r models.SensorReading) error {
	if f.err != nil {
		return f.err
	}
	f.readings = append(f.readings, r)
	return nil
}

func (f *fakeMirror) MirrorRelayState(_ context.Context, s models.RelayState) error {
	if f.err != nil {
		return f.err
	}
	f.relays = append(f.relays, s)
	return nil
}

func (f *fakeMirror) MirrorAlert(_ context.Context, a models.ActiveAlert) error {
	if f.err != nil {
		return f.err
	}
	f.alerts = append(f.alerts, a)
	return nil
}

type fakeBroker struct {
	mu       sync.Mutex
	readings []models.SensorReading
	alerts   []models.ActiveAlert
	err      error
}

func (f *fakeBroker) PublishReading(r models.SensorReading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.readings = append(f.readings, r)
	return nil
}

func (f *fakeBroker) PublishAlert(a models.ActiveAlert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.alerts = append(f.alerts, a)
	return nil
}

func (f *fakeBroker) readingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.readings)
}

type fakeSink struct {
	sends []Command
	err   error
}

func (f *fakeSink) Send(_ context.Context, a models.Actuator, on bool) error {
	if f.err != nil {
		return f.err
	}
	f.sends = append(f.sends, Command{Actuator: a, On: on})
	return nil
}

func (f *fakeSink) RelaySnapshot() models.RelayState {
	state := models.RelayState{}
	for _, s := range f.sends {
		state[s.Actuator] = s.On
	}
	return state
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		Interval:         time.Minute,
		BatchSize:        2,
		CommandQueueSize: 4,
		SensorQueueSize:  8,
		AlertQueueSize:   4,
		MappingInterval:  time.Hour,
	}
}

type fixture struct {
	m       *Manager
	store   *fakeStore
	backend *fakeBackend
	mirror  *fakeMirror
	broker  *fakeBroker
	sink    *fakeSink
}

func newFixture() *fixture {
	store := newFakeStore()
	be := newFakeBackend()
	mi := &fakeMirror{}
	br := &fakeBroker{}
	sink := &fakeSink{}

	m := New(testSyncConfig(), store, Channels{
		Backend:      be,
		BackendState: channel.New("backend"),
		Mirror:       mi,
		MirrorState:  channel.New("mirror"),
		Broker:       br,
		BrokerState:  channel.New("broker"),
	}, sink)

	return &fixture{m: m, store: store, backend: be, mirror: mi, broker: br, sink: sink}
}

func seedReadings(f *fixture, n int) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		f.store.RecordReading(context.Background(), &models.SensorReading{
			Room:      models.RoomFruiting,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}
}

func TestHandleReadingPersistsAndForwards(t *testing.T) {
	f := newFixture()

	f.m.handleReading(context.Background(), models.SensorReading{
		Room:        models.RoomFruiting,
		Timestamp:   time.Now().UTC(),
		Temperature: 21.5,
	})

	if len(f.store.readings) != 1 {
		t.Fatalf("store has %d readings, want 1", len(f.store.readings))
	}
	if len(f.mirror.readings) != 1 {
		t.Errorf("mirror got %d readings, want 1", len(f.mirror.readings))
	}
	if len(f.broker.readings) != 1 {
		t.Errorf("broker got %d readings, want 1", len(f.broker.readings))
	}
}

func TestHandleReadingSkipsForwardWhenNotPersisted(t *testing.T) {
	f := newFixture()
	f.store.recordErr = errors.New("disk full")

	f.m.handleReading(context.Background(), models.SensorReading{Room: models.RoomFruiting})

	if len(f.mirror.readings) != 0 || len(f.broker.readings) != 0 {
		t.Error("unpersisted reading was forwarded")
	}
}

func TestDrainBacklogFullAcceptance(t *testing.T) {
	f := newFixture()
	seedReadings(f, 5)

	f.m.runCycle(context.Background())

	pending, _ := f.store.PendingReadings(context.Background())
	if pending != 0 {
		t.Errorf("pending = %d after drain, want 0", pending)
	}
	// Batch size 2: expect 3 batches (2+2+1).
	if len(f.backend.batches) != 3 {
		t.Errorf("got %d batches, want 3", len(f.backend.batches))
	}

	st := f.m.Stats()
	if st.TotalSynced != 5 {
		t.Errorf("TotalSynced = %d, want 5", st.TotalSynced)
	}
	if st.LastCycle == nil {
		t.Error("LastCycle not set")
	}
}

func TestDrainBacklogPartialAcceptance(t *testing.T) {
	f := newFixture()
	seedReadings(f, 2)
	f.backend.acceptAll = false
	f.backend.acceptIDs = []int64{1}

	f.m.runCycle(context.Background())

	if f.store.synced[1] != true {
		t.Error("accepted reading not marked synced")
	}
	if f.store.synced[2] {
		t.Error("rejected reading was marked synced")
	}
	// Partial acceptance stops the drain for this cycle.
	if len(f.backend.batches) != 1 {
		t.Errorf("got %d batches, want 1", len(f.backend.batches))
	}
}

func TestDrainBacklogFailureBacksOff(t *testing.T) {
	f := newFixture()
	seedReadings(f, 3)
	f.backend.batchErr = errors.New("backend unreachable")

	f.m.runCycle(context.Background())

	pending, _ := f.store.PendingReadings(context.Background())
	if pending != 3 {
		t.Errorf("pending = %d, want 3 (nothing marked)", pending)
	}
	if f.m.channels.BackendState.Eligible() {
		t.Error("backend still eligible after failure, want backoff")
	}

	// The next cycle inside the backoff window must not touch the backend.
	f.backend.batchErr = nil
	f.m.runCycle(context.Background())
	if len(f.backend.batches) != 0 {
		t.Errorf("backend called during backoff window, %d batches", len(f.backend.batches))
	}
}

func TestChannelIndependence(t *testing.T) {
	f := newFixture()
	// Backend is in backoff, the live channels keep working.
	f.m.channels.BackendState.RecordFailure()

	f.m.handleReading(context.Background(), models.SensorReading{
		Room:      models.RoomSpawning,
		Timestamp: time.Now().UTC(),
	})

	if len(f.mirror.readings) != 1 {
		t.Errorf("mirror got %d readings, want 1", len(f.mirror.readings))
	}
	if len(f.broker.readings) != 1 {
		t.Errorf("broker got %d readings, want 1", len(f.broker.readings))
	}
}

func TestRefreshMirrorWritesLatestPerRoom(t *testing.T) {
	f := newFixture()
	seedReadings(f, 3)

	f.m.runCycle(context.Background())

	if len(f.mirror.readings) != 1 {
		t.Fatalf("mirror got %d readings, want 1 (latest per room)", len(f.mirror.readings))
	}
	want := time.Date(2026, 3, 1, 12, 2, 0, 0, time.UTC)
	if !f.mirror.readings[0].Timestamp.Equal(want) {
		t.Errorf("mirrored timestamp = %v, want %v", f.mirror.readings[0].Timestamp, want)
	}
}

func TestRefreshMirrorSkippedDuringBackoff(t *testing.T) {
	f := newFixture()
	seedReadings(f, 1)
	f.m.channels.MirrorState.RecordFailure()

	f.m.runCycle(context.Background())

	if len(f.mirror.readings) != 0 {
		t.Errorf("mirror got %d readings during backoff, want 0", len(f.mirror.readings))
	}
}

func TestAlertFanOut(t *testing.T) {
	f := newFixture()
	a := models.ActiveAlert{
		Room:     models.RoomFruiting,
		Type:     "high_co2",
		Severity: models.SeverityWarning,
		Message:  "co2 above 1200 ppm",
	}

	f.m.deliverAlert(context.Background(), a)

	if len(f.backend.alerts) != 1 || len(f.mirror.alerts) != 1 || len(f.broker.alerts) != 1 {
		t.Errorf("fan-out = backend:%d mirror:%d broker:%d, want 1 each",
			len(f.backend.alerts), len(f.mirror.alerts), len(f.broker.alerts))
	}
}

func TestAlertFanOutSurvivesOneBadChannel(t *testing.T) {
	f := newFixture()
	f.mirror.err = errors.New("mirror down")

	f.m.deliverAlert(context.Background(), models.ActiveAlert{Room: models.RoomFruiting, Type: "t"})

	if len(f.backend.alerts) != 1 || len(f.broker.alerts) != 1 {
		t.Error("mirror failure blocked other channels")
	}
	if f.m.channels.MirrorState.Eligible() {
		t.Error("mirror still eligible after failure")
	}
}

func TestExecuteBackendCommand(t *testing.T) {
	f := newFixture()

	f.m.executeCommand(context.Background(), Command{
		Actuator: models.ActuatorMistMaker,
		On:       true,
		Source:   models.SourceBackend,
		RemoteID: "cmd-7",
	})

	if len(f.sink.sends) != 1 || f.sink.sends[0].Actuator != models.ActuatorMistMaker {
		t.Fatalf("sink sends = %+v", f.sink.sends)
	}
	if len(f.store.commands) != 1 {
		t.Fatalf("store has %d command records, want 1", len(f.store.commands))
	}
	if !f.store.executed[f.store.commands[0].ID] {
		t.Error("command not marked executed")
	}
	if executed, ok := f.backend.acks["cmd-7"]; !ok || !executed {
		t.Errorf("ack = %v/%v, want executed=true", executed, ok)
	}
	if len(f.mirror.relays) != 1 {
		t.Errorf("relay state mirrored %d times, want 1", len(f.mirror.relays))
	}
}

func TestExecuteCommandSerialDown(t *testing.T) {
	f := newFixture()
	f.sink.err = errors.New("not connected")

	f.m.executeCommand(context.Background(), Command{
		Actuator: models.ActuatorFruitingLED,
		On:       true,
		Source:   models.SourceBackend,
		RemoteID: "cmd-8",
	})

	if executed, ok := f.backend.acks["cmd-8"]; !ok || executed {
		t.Errorf("ack = %v/%v, want executed=false", executed, ok)
	}
	if len(f.store.commands) != 1 {
		t.Error("failed command not recorded for audit")
	}
	if f.store.executed[f.store.commands[0].ID] {
		t.Error("failed command marked executed")
	}
	if len(f.mirror.relays) != 0 {
		t.Error("relay state mirrored despite failed execution")
	}
}

func TestPollRemoteCommands(t *testing.T) {
	f := newFixture()
	f.backend.pending = []backend.RemoteCommand{
		{ID: "cmd-1", Actuator: models.ActuatorHumidifierFan, State: "ON"},
		{ID: "cmd-2", Actuator: "TOASTER", State: "ON"},
	}

	f.m.pollRemoteCommands(context.Background())

	select {
	case cmd := <-f.m.commands:
		if cmd.RemoteID != "cmd-1" || cmd.Source != models.SourceBackend {
			t.Errorf("queued command = %+v", cmd)
		}
	default:
		t.Fatal("valid remote command not queued")
	}
	select {
	case cmd := <-f.m.commands:
		t.Errorf("invalid actuator command queued: %+v", cmd)
	default:
	}
}

func TestReconcileMappings(t *testing.T) {
	f := newFixture()
	f.backend.sensors = []backend.CatalogSensor{
		{ID: "s-1", Room: "fruiting", Measurement: "temp", Unit: "C"},
		{ID: "s-2", Room: "cellar", Measurement: "temp", Unit: "C"},
		{ID: "s-3", Room: "spawning", Measurement: "co2", Unit: "ppm"},
	}

	f.m.reconcileMappings(context.Background())

	if len(f.store.mappings) != 2 {
		t.Fatalf("got %d mappings, want 2 (unknown room skipped)", len(f.store.mappings))
	}
	if f.store.mappings[0].BackendID != "s-1" || f.store.mappings[1].BackendID != "s-3" {
		t.Errorf("mappings = %+v", f.store.mappings)
	}
}

func TestServeLifecycle(t *testing.T) {
	f := newFixture()
	seedReadings(f, 1)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- f.m.Serve(ctx) }()

	// Startup cycle drains the seeded backlog.
	deadline := time.After(2 * time.Second)
	for {
		pending, _ := f.store.PendingReadings(context.Background())
		if pending == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("startup cycle never drained the backlog")
		case <-time.After(10 * time.Millisecond):
		}
	}

	f.m.EnqueueReading(models.SensorReading{Room: models.RoomFruiting, Timestamp: time.Now().UTC()})

	deadline = time.After(2 * time.Second)
	for f.broker.readingCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("enqueued reading never forwarded")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-served:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}
