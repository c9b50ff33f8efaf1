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

// Package state folds firmware and job-API deltas into a single coherent
// printer snapshot. One goroutine owns the snapshot; everything else talks
// to it via channels and receives immutable copies.
package state

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/klipperlcd/core/pkg/supervisor"
)

// SyncPhase is the aggregator's own lifecycle, distinct from the printer's
// Phase.
type SyncPhase int

const (
	// Cold: no link has ever come up.
	Cold SyncPhase = iota
	// Syncing: firmware socket connected, initial full-state fetch in
	// flight.
	Syncing
	// Live: steady state, consuming incremental deltas.
	Live
	// Degraded: the firmware link dropped; the last snapshot is kept but
	// flagged stale.
	Degraded
)

func (p SyncPhase) String() string {
	switch p {
	case Cold:
		return "cold"
	case Syncing:
		return "syncing"
	case Live:
		return "live"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Aggregator is the bridge's central state machine.
type Aggregator struct {
	clock    clockwork.Clock
	deltas   chan Delta
	links    chan supervisor.Change
	updates  chan PrinterState
	resync   chan struct{}
	snapshot chan chan PrinterState
	phaseReq chan chan SyncPhase

	interval int64 // milliseconds, render tick

	state PrinterState
	phase SyncPhase
	dirty bool
}

// New builds an aggregator that coalesces deltas into at most one outgoing
// snapshot per render tick of the given interval (in milliseconds).
func New(clock clockwork.Clock, intervalMs int) *Aggregator {
	return &Aggregator{
		clock:    clock,
		interval: int64(intervalMs),
		deltas:   make(chan Delta, 64),
		links:    make(chan supervisor.Change, 16),
		updates:  make(chan PrinterState, 4),
		resync:   make(chan struct{}, 1),
		snapshot: make(chan chan PrinterState),
		phaseReq: make(chan chan SyncPhase),
	}
}

// Deltas is where link clients push partial updates.
func (a *Aggregator) Deltas() chan<- Delta { return a.deltas }

// Links receives link status transitions from the supervisor.
func (a *Aggregator) Links() chan<- supervisor.Change { return a.links }

// Updates emits one coalesced snapshot per render tick when anything
// changed.
func (a *Aggregator) Updates() <-chan PrinterState { return a.updates }

// Resync signals that the firmware link (re)connected and a full-state
// query plus re-subscribe is needed. The service layer performs the fetch
// and answers with a Delta{Full: true}.
func (a *Aggregator) Resync() <-chan struct{} { return a.resync }

// Snapshot returns a copy of the current state via the owning goroutine.
func (a *Aggregator) Snapshot(ctx context.Context) (PrinterState, error) {
	reply := make(chan PrinterState, 1)
	select {
	case a.snapshot <- reply:
	case <-ctx.Done():
		return PrinterState{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return PrinterState{}, ctx.Err()
	}
}

// Phase returns the aggregator's sync phase via the owning goroutine.
func (a *Aggregator) Phase(ctx context.Context) (SyncPhase, error) {
	reply := make(chan SyncPhase, 1)
	select {
	case a.phaseReq <- reply:
	case <-ctx.Done():
		return Cold, ctx.Err()
	}
	select {
	case p := <-reply:
		return p, nil
	case <-ctx.Done():
		return Cold, ctx.Err()
	}
}

// Run owns the snapshot until ctx is canceled. It is the only goroutine
// that ever mutates PrinterState.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := a.clock.NewTicker(a.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-a.deltas:
			a.applyDelta(d)
		case c := <-a.links:
			a.applyLink(c)
		case <-ticker.Chan():
			a.flush()
		case reply := <-a.snapshot:
			reply <- a.state.clone()
		case reply := <-a.phaseReq:
			reply <- a.phase
		}
	}
}

func (a *Aggregator) tickInterval() time.Duration {
	return time.Duration(a.interval) * time.Millisecond
}

func (a *Aggregator) applyDelta(d Delta) {
	switch a.phase {
	case Syncing:
		if !d.Full {
			// Incremental deltas from before the gap cannot be trusted
			// against a half-built snapshot.
			log.Debug().Msg("discarding incremental delta while syncing")
			return
		}
		a.state.merge(d)
		a.state.Stale = false
		a.setPhase(Live)
		a.dirty = true
	case Live:
		if a.state.merge(d) {
			a.dirty = true
		}
	case Cold, Degraded:
		log.Debug().Stringer("phase", a.phase).Msg("dropping delta outside sync")
	}
}

func (a *Aggregator) applyLink(c supervisor.Change) {
	// Only the firmware socket is required for printer-state liveness. A
	// dropped serial cable or job API must not alter the snapshot.
	if c.Link != supervisor.LinkFirmware {
		return
	}

	switch c.Status {
	case supervisor.Connected:
		// Fresh sync from scratch; missed deltas make the old snapshot
		// untrustworthy.
		a.state = PrinterState{}
		a.setPhase(Syncing)
		a.dirty = false
		select {
		case a.resync <- struct{}{}:
		default:
		}
	case supervisor.Disconnected, supervisor.Degraded:
		if a.phase == Live || a.phase == Syncing {
			a.setPhase(Degraded)
			a.state.Stale = true
			a.dirty = true
			a.flush()
		}
	case supervisor.Connecting:
	}
}

func (a *Aggregator) setPhase(p SyncPhase) {
	if a.phase == p {
		return
	}
	log.Info().Stringer("from", a.phase).Stringer("to", p).Msg("aggregator phase change")
	a.phase = p
}

// flush emits at most one snapshot per render tick, coalescing every delta
// that arrived since the last one.
func (a *Aggregator) flush() {
	if !a.dirty {
		return
	}
	a.dirty = false
	select {
	case a.updates <- a.state.clone():
	default:
		log.Warn().Msg("dropping state update, consumer not draining")
	}
}
