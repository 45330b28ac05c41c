// Chamberlink - Cultivation Chamber Edge Gateway
// Copyright 2026 Mycelio Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mycelio/chamberlink

// Package seriallink owns the USB serial session with the chamber
// microcontroller: connecting, framing, keepalives, and actuator state
// replay. It is the single writer to the port; every other component
// changes relays only through Send.
package seriallink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mycelio/chamberlink/internal/config"
	"github.com/mycelio/chamberlink/internal/logging"
	"github.com/mycelio/chamberlink/internal/metrics"
	"github.com/mycelio/chamberlink/internal/models"
)

// ErrNotConnected is returned by Send while no serial session is up.
// Callers treat it as retryable; the desired state is replayed on
// reconnect anyway.
var ErrNotConnected = errors.New("seriallink: not connected")

// Hooks are the manager's outbound notifications. All hooks are invoked
// from the manager's read goroutine and must not block.
type Hooks struct {
	OnTelemetry  func(Telemetry)
	OnDiagnostic func(Diagnostic)
	OnRecovered  func()
	OnConnect    func()
	OnDisconnect func()
}

// Manager runs the serial session state machine. Serve reconnects forever
// until its context is cancelled; commands sent while disconnected fail
// fast with ErrNotConnected.
type Manager struct {
	cfg     config.SerialConfig
	open    OpenFunc
	hooks   Hooks
	limiter *rate.Limiter
	log     zerolog.Logger

	mu        sync.Mutex
	port      Port
	portName  string
	connected bool
	relay     map[models.Actuator]bool
	lastWrite time.Time
}

// New creates a Manager. open is typically SystemOpener(cfg); tests pass
// an opener backed by an in-memory port.
func New(cfg config.SerialConfig, open OpenFunc, hooks Hooks) *Manager {
	return &Manager{
		cfg:     cfg,
		open:    open,
		hooks:   hooks,
		limiter: rate.NewLimiter(rate.Limit(cfg.CommandsPerSec), 1),
		log:     logging.With().Str("component", "seriallink").Logger(),
		relay:   make(map[models.Actuator]bool),
	}
}

func (m *Manager) String() string { return "seriallink" }

// Serve runs the connect/read/reconnect loop until ctx is cancelled. On
// cancellation it commands every actuator off before closing the port, so
// a gateway restart never leaves the mist maker running unsupervised.
func (m *Manager) Serve(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		port, name, err := m.open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.Warn().Err(err).Msg("serial open failed")
			if err := sleepCtx(ctx, m.cfg.RetryInterval); err != nil {
				return err
			}
			continue
		}

		m.session(ctx, port, name)
		metrics.SerialReconnects.Inc()

		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sleepCtx(ctx, m.cfg.RetryInterval); err != nil {
			return err
		}
	}
}

// session runs one connected serial session to completion.
func (m *Manager) session(ctx context.Context, port Port, name string) {
	m.mu.Lock()
	m.port = port
	m.portName = name
	m.connected = true
	m.lastWrite = time.Now()
	m.mu.Unlock()

	metrics.SerialConnected.Set(1)
	m.log.Info().Str("port", name).Msg("serial connected")

	m.replayRelayState("connect")
	if m.hooks.OnConnect != nil {
		m.hooks.OnConnect()
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.heartbeatLoop(stop)
	}()

	m.readLoop(ctx, port)

	close(stop)
	wg.Wait()

	m.mu.Lock()
	m.connected = false
	m.port = nil
	m.mu.Unlock()
	metrics.SerialConnected.Set(0)

	if ctx.Err() != nil {
		m.writeAllOff(port)
	}
	port.Close()

	m.log.Warn().Str("port", name).Msg("serial disconnected")
	if m.hooks.OnDisconnect != nil {
		m.hooks.OnDisconnect()
	}
}

// readLoop consumes frames until the context ends or consecutive read
// errors cross the reconnect threshold.
func (m *Manager) readLoop(ctx context.Context, port Port) {
	lr := newLineReader(port, m.cfg.DiscardOver)
	readErrors := 0

	for {
		line, err := lr.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			readErrors++
			m.log.Warn().Err(err).Int("consecutive", readErrors).Msg("serial read error")
			if readErrors >= m.cfg.MaxReadErrors {
				m.log.Error().Msg("read error threshold reached, reconnecting")
				return
			}
			continue
		}
		readErrors = 0
		m.dispatch(line)
	}
}

func (m *Manager) dispatch(line []byte) {
	frame, err := parseFrame(line, time.Now().UTC())
	if err != nil {
		metrics.SerialFramesReceived.WithLabelValues("malformed").Inc()
		m.log.Debug().Err(err).Bytes("line", line).Msg("dropping frame")
		return
	}

	switch f := frame.(type) {
	case Telemetry:
		metrics.SerialFramesReceived.WithLabelValues("telemetry").Inc()
		if m.hooks.OnTelemetry != nil {
			m.hooks.OnTelemetry(f)
		}
	case Diagnostic:
		metrics.SerialFramesReceived.WithLabelValues("diagnostic").Inc()
		m.log.Warn().Str("room", string(f.Room)).Str("error", f.Message).Msg("sensor fault reported")
		if m.hooks.OnDiagnostic != nil {
			m.hooks.OnDiagnostic(f)
		}
	case watchdogRecovered:
		metrics.SerialFramesReceived.WithLabelValues("watchdog").Inc()
		m.log.Warn().Msg("firmware watchdog recovered, replaying actuator state")
		m.replayRelayState("watchdog")
		if m.hooks.OnRecovered != nil {
			m.hooks.OnRecovered()
		}
	}
}

// heartbeatLoop feeds the firmware's communication watchdog: whenever the
// write side has been silent for a full heartbeat interval, it sends a
// keepalive. Real commands count as traffic and push the next keepalive out.
func (m *Manager) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval / 4)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		due := m.connected && time.Since(m.lastWrite) >= m.cfg.HeartbeatInterval
		if due {
			if err := m.writeLocked(mustEncodeKeepalive()); err != nil {
				m.log.Warn().Err(err).Msg("keepalive write failed")
			} else {
				metrics.SerialKeepalives.Inc()
			}
		}
		m.mu.Unlock()
	}
}

// Send commands one actuator. The rate limiter spaces commands out so a
// burst of automation decisions cannot overrun the firmware's read buffer.
// The desired state is remembered and replayed after any firmware reset.
func (m *Manager) Send(ctx context.Context, a models.Actuator, on bool) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}

	payload, err := encodeCommand(a, on)
	if err != nil {
		return fmt.Errorf("seriallink: encode command: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		metrics.SerialCommandsSent.WithLabelValues("not_connected").Inc()
		return ErrNotConnected
	}
	if err := m.writeLocked(payload); err != nil {
		metrics.SerialCommandsSent.WithLabelValues("error").Inc()
		return fmt.Errorf("seriallink: write command: %w", err)
	}

	m.relay[a] = on
	metrics.SerialCommandsSent.WithLabelValues("ok").Inc()
	m.log.Debug().Str("actuator", string(a)).Bool("on", on).Msg("command sent")
	return nil
}

// replayRelayState re-sends every previously instructed actuator state.
// Used on both reconnect and firmware watchdog recovery, since in both
// cases the firmware booted with all relays off.
func (m *Manager) replayRelayState(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected || len(m.relay) == 0 {
		return
	}

	for _, a := range models.Actuators {
		on, known := m.relay[a]
		if !known {
			continue
		}
		payload, err := encodeCommand(a, on)
		if err != nil {
			continue
		}
		if err := m.writeLocked(payload); err != nil {
			m.log.Warn().Err(err).Str("actuator", string(a)).Msg("relay replay write failed")
			return
		}
		metrics.SerialRelaysReplayed.Inc()
	}

	m.log.Info().Str("reason", reason).Int("actuators", len(m.relay)).Msg("relay state replayed")
}

// writeAllOff best-effort commands every actuator off. Shutdown path only.
func (m *Manager) writeAllOff(port Port) {
	for _, a := range models.Actuators {
		payload, err := encodeCommand(a, false)
		if err != nil {
			continue
		}
		if _, err := port.Write(payload); err != nil {
			m.log.Warn().Err(err).Str("actuator", string(a)).Msg("shutdown off-command failed")
			return
		}
	}
	m.mu.Lock()
	for _, a := range models.Actuators {
		m.relay[a] = false
	}
	m.mu.Unlock()
	m.log.Info().Msg("all actuators commanded off")
}

// writeLocked writes one frame. Callers hold m.mu.
func (m *Manager) writeLocked(payload []byte) error {
	if m.port == nil {
		return ErrNotConnected
	}
	if _, err := m.port.Write(payload); err != nil {
		return err
	}
	m.lastWrite = time.Now()
	return nil
}

// Connected reports whether a serial session is currently up.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// PortName returns the device path of the current or last session.
func (m *Manager) PortName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.portName
}

// RelaySnapshot returns a copy of the last instructed actuator states.
func (m *Manager) RelaySnapshot() models.RelayState {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := make(models.RelayState, len(m.relay))
	for a, on := range m.relay {
		snap[a] = on
	}
	return snap
}

func mustEncodeKeepalive() []byte {
	b, err := encodeKeepalive()
	if err != nil {
		panic(err)
	}
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// lineReader assembles newline-delimited frames from a port whose reads
// may return short or empty (timeout) chunks. A line that exceeds max
// bytes without a newline is discarded through to its terminator so a
// corrupt stream cannot grow the buffer without bound.
type lineReader struct {
	port       Port
	max        int
	pending    []byte
	chunk      []byte
	discarding bool
}

func newLineReader(port Port, max int) *lineReader {
	return &lineReader{
		port:  port,
		max:   max,
		chunk: make([]byte, 256),
	}
}

// next returns the next complete non-empty line, without its terminator.
func (lr *lineReader) next(ctx context.Context) ([]byte, error) {
	for {
		if i := bytes.IndexByte(lr.pending, '\n'); i >= 0 {
			line := bytes.TrimRight(lr.pending[:i], "\r")
			lr.pending = lr.pending[i+1:]
			if lr.discarding {
				lr.discarding = false
				continue
			}
			if len(line) == 0 {
				continue
			}
			return line, nil
		}

		if lr.discarding {
			lr.pending = lr.pending[:0]
		} else if len(lr.pending) > lr.max {
			lr.pending = lr.pending[:0]
			lr.discarding = true
			metrics.SerialBufferDiscards.Inc()
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Empty reads are timeouts, used as cancellation poll points.
		n, err := lr.port.Read(lr.chunk)
		if err != nil {
			return nil, err
		}
		lr.pending = append(lr.pending, lr.chunk[:n]...)
	}
}
