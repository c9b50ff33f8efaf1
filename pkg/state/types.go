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

package state

import "encoding/json"

// Phase is the machine's top-level print phase as reported by the firmware.
type Phase string

const (
	PhaseUnknown   Phase = ""
	PhaseIdle      Phase = "standby"
	PhasePrinting  Phase = "printing"
	PhasePausing   Phase = "pausing"
	PhasePaused    Phase = "paused"
	PhaseComplete  Phase = "complete"
	PhaseCancelled Phase = "cancelled"
	PhaseError     Phase = "error"
	PhaseShutdown  Phase = "shutdown"
)

// Terminal reports whether the phase ends a job. A new job reference is only
// attached after a terminal (or unknown) phase has been replaced.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseComplete, PhaseCancelled, PhaseError, PhaseShutdown:
		return true
	default:
		return false
	}
}

// Active reports whether a job is in flight.
func (p Phase) Active() bool {
	return p == PhasePrinting || p == PhasePausing || p == PhasePaused
}

// Heater is one current/target temperature pair.
type Heater struct {
	Current float64
	Target  float64
}

// Position is the toolhead position in machine coordinates.
type Position struct {
	X float64
	Y float64
	Z float64
	E float64
}

// Homed tracks which axes have been homed since startup.
type Homed struct {
	X bool
	Y bool
	Z bool
}

// Limits mirrors the firmware's velocity/acceleration limits shown on the
// panel's advanced settings page. MinCruiseRatio is kept as a percent
// (0..100) because that is the unit the panel displays and adjusts.
type Limits struct {
	MaxVelocity          float64
	MaxAccel             float64
	MinCruiseRatio       int
	SquareCornerVelocity float64
}

// PrinterState is the single coherent snapshot folded together from firmware
// and job-API deltas. It is mutated only by the Aggregator; every consumer
// receives a deep copy.
type PrinterState struct {
	Heaters         map[string]Heater
	JobName         string
	MachineSize     string
	FirmwareVersion string
	Position        Position
	Limits          Limits
	Progress        float64
	Duration        float64
	ZOffset         float64
	FanPercent      int
	SpeedFactor     int
	FlowFactor      int
	Phase           Phase
	Homed           Homed
	Stale           bool
}

// Remaining estimates seconds left from progress and elapsed duration.
func (s *PrinterState) Remaining() float64 {
	if s.Progress <= 0 {
		return 0
	}
	total := s.Duration / s.Progress
	return total - s.Duration
}

// Heater returns the named heater pair, zero if unseen.
func (s *PrinterState) Heater(name string) Heater {
	return s.Heaters[name]
}

// clone deep-copies the snapshot so receivers never share the heater map.
func (s *PrinterState) clone() PrinterState {
	out := *s
	out.Heaters = make(map[string]Heater, len(s.Heaters))
	for k, v := range s.Heaters {
		out.Heaters[k] = v
	}
	return out
}

// Delta is a partial state update naming only the objects that changed.
// Objects are keyed by firmware object name (print_stats, toolhead, ...).
// Full marks the response of an initial full-state query: it completes a
// sync and transitions the aggregator to Live.
type Delta struct {
	Objects map[string]json.RawMessage
	Full    bool
}
