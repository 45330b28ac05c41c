// Chamberlink - Cultivation Chamber Edge Gateway
// Copyright 2026 Mycelio Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mycelio/chamberlink

package seriallink

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/mycelio/chamberlink/internal/config"
	"github.com/mycelio/chamberlink/internal/logging"
)

// Port is the subset of a serial port the manager needs. go.bug.st/serial's
// Port satisfies it; tests inject an in-memory fake.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// OpenFunc opens a ready-to-read port and returns it with its device path.
// Implementations handle discovery, open, and any settle delay.
type OpenFunc func(ctx context.Context) (Port, string, error)

// DiscoverPort finds the microcontroller's device path. USB ports with the
// configured vendor ID win; otherwise the first ttyACM/ttyUSB device; the
// configured fallback path is used when enumeration finds nothing.
func DiscoverPort(cfg config.SerialConfig) string {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		logging.Warn().Err(err).Msg("serial port enumeration failed, using configured port")
		return cfg.Port
	}

	for _, p := range ports {
		if p.IsUSB && cfg.VendorID != "" && strings.EqualFold(p.VID, cfg.VendorID) {
			logging.Debug().Str("port", p.Name).Str("vid", p.VID).Msg("discovered port by vendor ID")
			return p.Name
		}
	}
	for _, p := range ports {
		base := filepath.Base(p.Name)
		if strings.HasPrefix(base, "ttyACM") || strings.HasPrefix(base, "ttyUSB") {
			logging.Debug().Str("port", p.Name).Msg("discovered port by device name")
			return p.Name
		}
	}

	return cfg.Port
}

// SystemOpener returns an OpenFunc backed by real hardware. Opening toggles
// DTR which resets the microcontroller, so the opener waits out the settle
// delay and flushes boot noise before handing the port over.
func SystemOpener(cfg config.SerialConfig) OpenFunc {
	return func(ctx context.Context) (Port, string, error) {
		name := DiscoverPort(cfg)

		p, err := serial.Open(name, &serial.Mode{BaudRate: cfg.BaudRate})
		if err != nil {
			return nil, "", fmt.Errorf("open %s: %w", name, err)
		}

		select {
		case <-time.After(cfg.SettleDelay):
		case <-ctx.Done():
			p.Close()
			return nil, "", ctx.Err()
		}

		if err := p.ResetInputBuffer(); err != nil {
			p.Close()
			return nil, "", fmt.Errorf("flush %s: %w", name, err)
		}
		if err := p.SetReadTimeout(cfg.ReadTimeout); err != nil {
			p.Close()
			return nil, "", fmt.Errorf("set read timeout on %s: %w", name, err)
		}

		return p, name, nil
	}
}
