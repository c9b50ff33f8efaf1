// KlipperLCD Core
// Copyright (c) 2026 The KlipperLCD Project Contributors.
// SPDX-License-Identifier: GPL-3.0-or-later
//
// This file is part of KlipperLCD Core.
//
// KlipperLCD Core is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// KlipperLCD Core is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with KlipperLCD Core.  If not, see <http://www.gnu.org/licenses/>.

// Package supervisor owns the lifecycle of the bridge's three external links.
// Each link reconnects independently with exponential backoff; one link's
// failure never blocks or restarts the other two.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Link identifies one of the bridge's external connections.
type Link string

const (
	LinkSerial   Link = "serial"
	LinkFirmware Link = "firmware-socket"
	LinkJobAPI   Link = "job-api"
)

// Status is the health of a single link.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	// Degraded means the link works partially, e.g. the job API answers
	// HTTP requests but its event stream is down.
	Degraded
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Change is a published link status transition.
type Change struct {
	Link   Link
	Status Status
}

// ConnectFunc establishes a link and blocks for as long as it stays healthy.
// It must call up() once the connection is usable and return an error when
// the connection is lost. Returning nil means the context was canceled.
type ConnectFunc func(ctx context.Context, up func()) error

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
	// sustainedReset: a connection that held this long resets the backoff
	// to its minimum, so a stable link that drops reconnects fast.
	sustainedReset = time.Minute
)

// Supervisor tracks per-link status and runs reconnect loops.
type Supervisor struct {
	clock    clockwork.Clock
	statuses map[Link]Status
	subs     []chan Change
	mu       sync.RWMutex
}

func New(clock clockwork.Clock) *Supervisor {
	return &Supervisor{
		clock:    clock,
		statuses: make(map[Link]Status),
	}
}

// Subscribe returns a channel of status transitions. Subscribers must drain
// it; publishing never blocks and drops on a full buffer.
func (s *Supervisor) Subscribe() <-chan Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Change, 32)
	s.subs = append(s.subs, ch)
	return ch
}

// Status returns the last published status of a link.
func (s *Supervisor) Status(link Link) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statuses[link]
}

// MarkDegraded flags a connected link as partially working. Used by clients
// that lose an optional sub-channel without losing the link itself.
func (s *Supervisor) MarkDegraded(link Link) {
	s.set(link, Degraded)
}

func (s *Supervisor) set(link Link, st Status) {
	s.mu.Lock()
	if s.statuses[link] == st {
		s.mu.Unlock()
		return
	}
	s.statuses[link] = st
	subs := make([]chan Change, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	log.Info().Str("link", string(link)).Stringer("status", st).Msg("link status changed")
	for _, ch := range subs {
		select {
		case ch <- Change{Link: link, Status: st}:
		default:
			log.Warn().Str("link", string(link)).Msg("dropping link status change, subscriber not draining")
		}
	}
}

// Run drives one link's connect/reconnect loop until ctx is canceled. The
// delay grows exponentially up to a ceiling and resets to its minimum after
// a sustained period of connectivity.
func (s *Supervisor) Run(ctx context.Context, link Link, connect ConnectFunc) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialBackoff
	bo.MaxInterval = maxBackoff

	for {
		if ctx.Err() != nil {
			s.set(link, Disconnected)
			return
		}

		s.set(link, Connecting)

		var upAt time.Time
		err := connect(ctx, func() {
			upAt = s.clock.Now()
			s.set(link, Connected)
		})

		s.set(link, Disconnected)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warn().Err(err).Str("link", string(link)).Msg("link lost")
		}

		if !upAt.IsZero() && s.clock.Since(upAt) >= sustainedReset {
			bo.Reset()
		}

		delay := bo.NextBackOff()
		log.Debug().Str("link", string(link)).Dur("delay", delay).Msg("waiting before reconnect")
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(delay):
		}
	}
}
