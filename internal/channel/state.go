// Chamberlink - Cultivation Chamber Edge Gateway
// Copyright 2026 Mycelio Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mycelio/chamberlink

// Package channel implements the per-channel connectivity state machine
// shared by the backend, mirror, and broker clients. Each downstream
// channel owns one State; the sync manager only asks Eligible() before
// attempting work, so a broker outage can never block backend delivery.
package channel

import (
	"sync"
	"time"

	"github.com/mycelio/chamberlink/internal/metrics"
	"github.com/mycelio/chamberlink/internal/models"
)

// DefaultSchedule is the escalating retry schedule. The delay for the n-th
// consecutive failure is Schedule[min(n-1, len-1)]; a single success resets
// the counter to zero and clears backoff immediately.
var DefaultSchedule = []time.Duration{
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
	5 * time.Minute,
	10 * time.Minute,
}

// State tracks one channel's health: connected flag, consecutive-failure
// count, and the earliest time the next attempt is allowed.
type State struct {
	name     string
	schedule []time.Duration
	now      func() time.Time

	mu          sync.Mutex
	connected   bool
	failures    int
	lastFailure time.Time
	lastSuccess time.Time
	nextAttempt time.Time
}

// New creates a State using the default schedule.
func New(name string) *State {
	return NewWithSchedule(name, DefaultSchedule)
}

// NewWithSchedule creates a State with a custom schedule. The schedule must
// be non-empty; delays past the end are capped at the last value.
func NewWithSchedule(name string, schedule []time.Duration) *State {
	s := &State{
		name:     name,
		schedule: schedule,
		now:      time.Now,
	}
	metrics.ChannelOnline.WithLabelValues(name).Set(0)
	metrics.ChannelConsecutiveFailures.WithLabelValues(name).Set(0)
	return s
}

// SetClock overrides the time source. Test hook.
func (s *State) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Name returns the channel name.
func (s *State) Name() string { return s.name }

// Eligible reports whether the channel may attempt a network call now.
// A channel with no recorded failures is always eligible; a channel in
// backoff becomes eligible once its retry delay has elapsed.
func (s *State) Eligible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures == 0 {
		return true
	}
	return !s.now().Before(s.nextAttempt)
}

// Connected reports whether the last attempt on this channel succeeded.
func (s *State) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// TimeUntilRetry returns how long until the channel is eligible again.
// Zero means it is eligible now. Callers use this to sleep instead of
// busy-polling Eligible.
func (s *State) TimeUntilRetry() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures == 0 {
		return 0
	}
	d := s.nextAttempt.Sub(s.now())
	if d < 0 {
		return 0
	}
	return d
}

// RecordSuccess marks the channel healthy: the failure counter resets to
// zero and backoff clears immediately, with no gradual recovery.
func (s *State) RecordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	s.failures = 0
	s.lastSuccess = s.now()
	s.nextAttempt = time.Time{}
	metrics.ChannelOnline.WithLabelValues(s.name).Set(1)
	metrics.ChannelConsecutiveFailures.WithLabelValues(s.name).Set(0)
}

// RecordFailure marks the channel unhealthy and advances the backoff
// schedule. Delays are non-decreasing and cap at the schedule's last entry.
func (s *State) RecordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.failures++
	s.lastFailure = s.now()

	idx := s.failures - 1
	if idx >= len(s.schedule) {
		idx = len(s.schedule) - 1
	}
	s.nextAttempt = s.lastFailure.Add(s.schedule[idx])

	metrics.ChannelOnline.WithLabelValues(s.name).Set(0)
	metrics.ChannelConsecutiveFailures.WithLabelValues(s.name).Set(float64(s.failures))
}

// Failures returns the consecutive-failure count.
func (s *State) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Status returns a snapshot for the operational HTTP surface.
func (s *State) Status() models.ChannelStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := models.ChannelStatus{
		Name:                s.name,
		Connected:           s.connected,
		ConsecutiveFailures: s.failures,
	}
	if !s.lastFailure.IsZero() {
		t := s.lastFailure
		st.LastFailure = &t
	}
	if !s.lastSuccess.IsZero() {
		t := s.lastSuccess
		st.LastSuccess = &t
	}
	if s.failures > 0 {
		if d := s.nextAttempt.Sub(s.now()); d > 0 {
			st.RetryIn = d.Round(time.Second).String()
		}
	}
	return st
}
