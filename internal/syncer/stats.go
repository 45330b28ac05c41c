// Chamberlink - Cultivation Chamber Edge Gateway
// Copyright 2026 Mycelio Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mycelio/chamberlink

package syncer

import (
	"sync"
	"time"

	"github.com/mycelio/chamberlink/internal/models"
)

// stats holds the manager's counters. Separate from the manager so the
// status endpoint can read them without touching the pipeline goroutine.
type stats struct {
	mu          sync.Mutex
	lastCycle   time.Time
	totalSynced int64
	failedSyncs int64
	pending     int
}

func (s *stats) markCycle(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCycle = t
}

func (s *stats) addSynced(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalSynced += n
}

func (s *stats) addFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedSyncs++
}

func (s *stats) setPending(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = n
}

func (s *stats) snapshot() models.SyncStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := models.SyncStats{
		TotalSynced:     s.totalSynced,
		FailedSyncs:     s.failedSyncs,
		PendingReadings: s.pending,
	}
	if !s.lastCycle.IsZero() {
		t := s.lastCycle
		st.LastCycle = &t
	}
	return st
}
