// Chamberlink - Cultivation Chamber Edge Gateway
// Copyright 2026 Mycelio Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mycelio/chamberlink

package backend

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/mycelio/chamberlink/internal/channel"
	"github.com/mycelio/chamberlink/internal/logging"
)

// Presence keeps the backend's view of this device current: registration
// and ONLINE status at startup, periodic heartbeats while running, and an
// OFFLINE status on graceful shutdown. Heartbeat outcomes feed the shared
// backend channel state so sync backoff and presence agree on health.
type Presence struct {
	client   *Client
	state    *channel.State
	interval time.Duration
	log      zerolog.Logger
}

// NewPresence creates the presence service around an authenticated client.
func NewPresence(client *Client, state *channel.State) *Presence {
	return &Presence{
		client:   client,
		state:    state,
		interval: client.cfg.HeartbeatInterval,
		log:      logging.With().Str("component", "backend.presence").Logger(),
	}
}

func (p *Presence) String() string { return "backend.presence" }

// Serve announces the device and heartbeats until ctx is cancelled, then
// reports OFFLINE on a short grace timeout.
func (p *Presence) Serve(ctx context.Context) error {
	p.announce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.goOffline()
			return ctx.Err()
		case <-ticker.C:
			p.beat(ctx)
		}
	}
}

// announce registers the device and marks it ONLINE. Failures are left to
// the next heartbeat; the gateway never blocks startup on the backend.
func (p *Presence) announce(ctx context.Context) {
	if !p.state.Eligible() {
		return
	}
	if err := p.client.RegisterDevice(ctx); err != nil {
		p.state.RecordFailure()
		p.log.Warn().Err(err).Msg("device registration failed")
		return
	}
	if err := p.client.UpdateDeviceStatus(ctx, "ONLINE"); err != nil {
		p.state.RecordFailure()
		p.log.Warn().Err(err).Msg("online status update failed")
		return
	}
	p.state.RecordSuccess()
	p.log.Info().Msg("device registered and online")
}

func (p *Presence) beat(ctx context.Context) {
	if errors.Is(ctx.Err(), context.Canceled) {
		return
	}
	if !p.state.Eligible() {
		return
	}

	err := p.client.Heartbeat(ctx)
	if errors.Is(err, ErrDeviceUnknown) {
		// Backend lost the registration, re-register once and retry.
		p.log.Warn().Msg("device unknown to backend, re-registering")
		if err := p.client.RegisterDevice(ctx); err != nil {
			p.state.RecordFailure()
			p.log.Warn().Err(err).Msg("re-registration failed")
			return
		}
		err = p.client.Heartbeat(ctx)
	}
	if err != nil {
		p.state.RecordFailure()
		p.log.Warn().Err(err).Msg("heartbeat failed")
		return
	}
	p.state.RecordSuccess()
}

// goOffline best-effort reports OFFLINE with its own deadline, since the
// process context is already cancelled.
func (p *Presence) goOffline() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.client.UpdateDeviceStatus(ctx, "OFFLINE"); err != nil {
		p.log.Warn().Err(err).Msg("offline status update failed")
		return
	}
	if err := p.client.Logout(ctx); err != nil {
		p.log.Warn().Err(err).Msg("session logout failed")
	}
	p.log.Info().Msg("device reported offline")
}
