// Chamberlink - Cultivation Chamber Edge Gateway
// Copyright 2026 Mycelio Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mycelio/chamberlink

package seriallink

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mycelio/chamberlink/internal/config"
	"github.com/mycelio/chamberlink/internal/models"
)

// fakePort is an in-memory serial port: inbound frames arrive over a
// channel and writes are captured for assertions.
type fakePort struct {
	inbound chan []byte
	done    chan struct{}

	mu     sync.Mutex
	writes []string
	closed bool
}

func newFakePort() *fakePort {
	return &fakePort{
		inbound: make(chan []byte, 16),
		done:    make(chan struct{}),
	}
}

func (p *fakePort) Read(b []byte) (int, error) {
	select {
	case data := <-p.inbound:
		return copy(b, data), nil
	case <-p.done:
		return 0, errors.New("port closed")
	case <-time.After(20 * time.Millisecond):
		return 0, nil // read timeout
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("port closed")
	}
	p.writes = append(p.writes, string(b))
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	return nil
}

func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }
func (p *fakePort) ResetInputBuffer() error            { return nil }

func (p *fakePort) written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.writes...)
}

func (p *fakePort) countWrites(substr string) int {
	n := 0
	for _, w := range p.written() {
		if strings.Contains(w, substr) {
			n++
		}
	}
	return n
}

func testSerialConfig() config.SerialConfig {
	return config.SerialConfig{
		Port:              "/dev/ttyACM0",
		BaudRate:          9600,
		RetryInterval:     10 * time.Millisecond,
		ReadTimeout:       20 * time.Millisecond,
		MaxReadErrors:     3,
		DiscardOver:       1024,
		CommandsPerSec:    1000,
		HeartbeatInterval: time.Hour,
		WatchdogTimeout:   2 * time.Hour,
	}
}

// startManager runs Serve against a single fake port and waits for the
// session to come up.
func startManager(t *testing.T, port *fakePort, hooks Hooks) (*Manager, context.CancelFunc, chan error) {
	t.Helper()
	return startManagerWithConfig(t, testSerialConfig(), port, hooks)
}

func startManagerWithConfig(t *testing.T, cfg config.SerialConfig, port *fakePort, hooks Hooks) (*Manager, context.CancelFunc, chan error) {
	t.Helper()

	connected := make(chan struct{}, 1)
	userConnect := hooks.OnConnect
	hooks.OnConnect = func() {
		select {
		case connected <- struct{}{}:
		default:
		}
		if userConnect != nil {
			userConnect()
		}
	}

	opener := func(ctx context.Context) (Port, string, error) {
		port.mu.Lock()
		closed := port.closed
		port.mu.Unlock()
		if closed {
			// Single-session fixture: block further opens.
			<-ctx.Done()
			return nil, "", ctx.Err()
		}
		return port, "/dev/ttyTEST0", nil
	}

	m := New(cfg, opener, hooks)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- m.Serve(ctx) }()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("manager never connected")
	}

	return m, cancel, served
}

func waitServed(t *testing.T, cancel context.CancelFunc, served chan error) {
	t.Helper()
	cancel()
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestSendWritesCommand(t *testing.T) {
	port := newFakePort()
	m, cancel, served := startManager(t, port, Hooks{})
	defer waitServed(t, cancel, served)

	if err := m.Send(context.Background(), models.ActuatorHumidifierFan, true); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if got := port.countWrites(`"actuator":"HUMIDIFIER_FAN","state":"ON"`); got != 1 {
		t.Errorf("got %d HUMIDIFIER_FAN ON writes, want 1", got)
	}

	snap := m.RelaySnapshot()
	if !snap[models.ActuatorHumidifierFan] {
		t.Error("relay snapshot missing commanded state")
	}
}

func TestSendNotConnected(t *testing.T) {
	m := New(testSerialConfig(), func(ctx context.Context) (Port, string, error) {
		return nil, "", errors.New("no device")
	}, Hooks{})

	err := m.Send(context.Background(), models.ActuatorMistMaker, true)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}
}

func TestTelemetryDispatch(t *testing.T) {
	telemetry := make(chan Telemetry, 1)
	port := newFakePort()
	_, cancel, served := startManager(t, port, Hooks{
		OnTelemetry: func(tel Telemetry) { telemetry <- tel },
	})
	defer waitServed(t, cancel, served)

	port.inbound <- []byte(`{"fruiting":{"temp":21.5,"humidity":88.0,"co2":850}}` + "\n")

	select {
	case tel := <-telemetry:
		if tel.Room != models.RoomFruiting || tel.CO2 != 850 {
			t.Errorf("unexpected telemetry %+v", tel)
		}
		if tel.At.IsZero() {
			t.Error("telemetry arrival time not stamped")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("telemetry never dispatched")
	}
}

func TestDiagnosticDispatch(t *testing.T) {
	diags := make(chan Diagnostic, 1)
	port := newFakePort()
	_, cancel, served := startManager(t, port, Hooks{
		OnDiagnostic: func(d Diagnostic) { diags <- d },
	})
	defer waitServed(t, cancel, served)

	port.inbound <- []byte(`{"spawning":{"error":"sensor timeout"}}` + "\n")

	select {
	case d := <-diags:
		if d.Room != models.RoomSpawning || d.Message != "sensor timeout" {
			t.Errorf("unexpected diagnostic %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("diagnostic never dispatched")
	}
}

func TestMalformedFrameDropped(t *testing.T) {
	telemetry := make(chan Telemetry, 2)
	port := newFakePort()
	_, cancel, served := startManager(t, port, Hooks{
		OnTelemetry: func(tel Telemetry) { telemetry <- tel },
	})
	defer waitServed(t, cancel, served)

	port.inbound <- []byte("garbage\n")
	port.inbound <- []byte(`{"attic":{"temp":1,"humidity":2,"co2":3}}` + "\n")
	port.inbound <- []byte(`{"fruiting":{"temp":20,"humidity":80,"co2":700}}` + "\n")

	select {
	case tel := <-telemetry:
		if tel.Room != models.RoomFruiting {
			t.Errorf("Room = %s, malformed frame leaked through", tel.Room)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame after garbage never dispatched")
	}
}

func TestWatchdogRecoveryReplaysState(t *testing.T) {
	recovered := make(chan struct{}, 1)
	port := newFakePort()
	m, cancel, served := startManager(t, port, Hooks{
		OnRecovered: func() { recovered <- struct{}{} },
	})
	defer waitServed(t, cancel, served)

	if err := m.Send(context.Background(), models.ActuatorMistMaker, true); err != nil {
		t.Fatal(err)
	}
	if err := m.Send(context.Background(), models.ActuatorFruitingLED, false); err != nil {
		t.Fatal(err)
	}

	port.inbound <- []byte(`{"watchdog":"recovered"}` + "\n")

	select {
	case <-recovered:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog recovery never dispatched")
	}

	// Original command plus the replay after recovery.
	if got := port.countWrites(`"actuator":"MIST_MAKER","state":"ON"`); got != 2 {
		t.Errorf("got %d MIST_MAKER ON writes, want 2", got)
	}
	if got := port.countWrites(`"actuator":"FRUITING_LED","state":"OFF"`); got != 2 {
		t.Errorf("got %d FRUITING_LED OFF writes, want 2", got)
	}
	// Never-commanded actuators are not replayed.
	if got := port.countWrites(`"actuator":"DEVICE_EXHAUST_FAN"`); got != 0 {
		t.Errorf("got %d DEVICE_EXHAUST_FAN writes, want 0", got)
	}
}

func TestReconnectReplaysRelayState(t *testing.T) {
	port1 := newFakePort()
	port2 := newFakePort()

	var mu sync.Mutex
	opens := 0
	opener := func(ctx context.Context) (Port, string, error) {
		mu.Lock()
		defer mu.Unlock()
		opens++
		switch opens {
		case 1:
			return port1, "/dev/ttyTEST0", nil
		case 2:
			return port2, "/dev/ttyTEST1", nil
		default:
			<-ctx.Done()
			return nil, "", ctx.Err()
		}
	}

	connects := make(chan struct{}, 4)
	telemetry := make(chan Telemetry, 1)
	m := New(testSerialConfig(), opener, Hooks{
		OnConnect:   func() { connects <- struct{}{} },
		OnTelemetry: func(tel Telemetry) { telemetry <- tel },
	})
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- m.Serve(ctx) }()
	defer waitServed(t, cancel, served)

	select {
	case <-connects:
	case <-time.After(2 * time.Second):
		t.Fatal("first session never connected")
	}

	if err := m.Send(context.Background(), models.ActuatorMistMaker, true); err != nil {
		t.Fatal(err)
	}
	if err := m.Send(context.Background(), models.ActuatorFruitingExhaustFan, false); err != nil {
		t.Fatal(err)
	}

	// Kill the port: every subsequent read fails, crossing the consecutive
	// read error threshold and tearing the session down.
	port1.Close()

	select {
	case <-connects:
	case <-time.After(2 * time.Second):
		t.Fatal("manager never reconnected")
	}

	if got := m.PortName(); got != "/dev/ttyTEST1" {
		t.Errorf("PortName = %q, want /dev/ttyTEST1", got)
	}

	// Exactly one replay frame per previously commanded actuator, on the
	// new port, before any new telemetry is consumed.
	if got := port2.countWrites(`"actuator":"MIST_MAKER","state":"ON"`); got != 1 {
		t.Errorf("got %d MIST_MAKER ON replays on new port, want 1", got)
	}
	if got := port2.countWrites(`"actuator":"FRUITING_EXHAUST_FAN","state":"OFF"`); got != 1 {
		t.Errorf("got %d FRUITING_EXHAUST_FAN OFF replays on new port, want 1", got)
	}
	if got := port2.countWrites(`"actuator":"SPAWNING_EXHAUST_FAN"`); got != 0 {
		t.Errorf("got %d SPAWNING_EXHAUST_FAN writes, never commanded", got)
	}

	// The new session accepts telemetry after the replay.
	port2.inbound <- []byte(`{"fruiting":{"temp":20,"humidity":80,"co2":700}}` + "\n")
	select {
	case <-telemetry:
	case <-time.After(2 * time.Second):
		t.Fatal("telemetry never dispatched after reconnect")
	}
}

func TestKeepaliveOnlyAfterWriteSilence(t *testing.T) {
	cfg := testSerialConfig()
	cfg.HeartbeatInterval = 250 * time.Millisecond
	cfg.WatchdogTimeout = time.Second

	port := newFakePort()
	m, cancel, served := startManagerWithConfig(t, cfg, port, Hooks{})
	defer waitServed(t, cancel, served)

	// Steady command traffic keeps the write side busy, so no keepalive
	// is due even across several heartbeat check ticks.
	for i := 0; i < 5; i++ {
		if err := m.Send(context.Background(), models.ActuatorMistMaker, i%2 == 0); err != nil {
			t.Fatal(err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if got := port.countWrites(`"keepalive":true`); got != 0 {
		t.Errorf("got %d keepalives during steady traffic, want 0", got)
	}

	// A full interval of silence makes one due.
	deadline := time.After(2 * time.Second)
	for port.countWrites(`"keepalive":true`) == 0 {
		select {
		case <-deadline:
			t.Fatal("no keepalive after write silence")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestShutdownCommandsAllOff(t *testing.T) {
	port := newFakePort()
	m, cancel, served := startManager(t, port, Hooks{})

	if err := m.Send(context.Background(), models.ActuatorMistMaker, true); err != nil {
		t.Fatal(err)
	}

	waitServed(t, cancel, served)

	for _, a := range models.Actuators {
		if got := port.countWrites(`"actuator":"` + string(a) + `","state":"OFF"`); got < 1 {
			t.Errorf("no OFF command for %s on shutdown", a)
		}
	}
}

func TestLineReaderDiscardsOversized(t *testing.T) {
	port := newFakePort()
	defer port.Close()
	lr := newLineReader(port, 32)

	long := strings.Repeat("x", 100) + "\n"
	port.inbound <- []byte(long[:50])
	port.inbound <- []byte(long[50:])
	port.inbound <- []byte(`{"ok":1}` + "\n")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	line, err := lr.next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if string(line) != `{"ok":1}` {
		t.Errorf("next = %q, want the frame after the oversized line", line)
	}
}

func TestLineReaderAssemblesSplitFrames(t *testing.T) {
	port := newFakePort()
	defer port.Close()
	lr := newLineReader(port, 1024)

	port.inbound <- []byte(`{"fruiting":{"temp":21.5,`)
	port.inbound <- []byte(`"humidity":88.0,"co2":850}}` + "\n")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	line, err := lr.next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	want := `{"fruiting":{"temp":21.5,"humidity":88.0,"co2":850}}`
	if string(line) != want {
		t.Errorf("next = %q, want %q", line, want)
	}
}
