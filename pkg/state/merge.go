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

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog/log"
)

// Partial decode targets: pointer fields distinguish "absent from delta"
// from zero values, which is what gives merges their partial-update
// semantics.

type printStatsDelta struct {
	State         *string  `json:"state"`
	Filename      *string  `json:"filename"`
	PrintDuration *float64 `json:"print_duration"`
}

type virtualSDDelta struct {
	Progress *float64 `json:"progress"`
	IsActive *bool    `json:"is_active"`
}

type heaterDelta struct {
	Temperature *float64 `json:"temperature"`
	Target      *float64 `json:"target"`
}

type fanDelta struct {
	Speed *float64 `json:"speed"`
}

type toolheadDelta struct {
	Position             []float64 `json:"position"`
	AxisMaximum          []float64 `json:"axis_maximum"`
	HomedAxes            *string   `json:"homed_axes"`
	MaxVelocity          *float64  `json:"max_velocity"`
	MaxAccel             *float64  `json:"max_accel"`
	MinimumCruiseRatio   *float64  `json:"minimum_cruise_ratio"`
	SquareCornerVelocity *float64  `json:"square_corner_velocity"`
}

type gcodeMoveDelta struct {
	HomingOrigin  []float64 `json:"homing_origin"`
	SpeedFactor   *float64  `json:"speed_factor"`
	ExtrudeFactor *float64  `json:"extrude_factor"`
}

// merge applies one delta to the snapshot in place and reports whether any
// visible field changed. Fields absent from the delta keep their prior
// values. A phase change always replaces the phase and, when the new phase
// is active, attaches the job reference from the same delta so the two never
// split across merges.
func (s *PrinterState) merge(d Delta) bool {
	changed := false
	for name, raw := range d.Objects {
		switch {
		case name == "print_stats":
			changed = s.mergePrintStats(raw) || changed
		case name == "virtual_sdcard":
			changed = s.mergeVirtualSD(raw) || changed
		case name == "extruder" || name == "heater_bed" ||
			strings.HasPrefix(name, "heater_generic "):
			changed = s.mergeHeater(name, raw) || changed
		case name == "fan":
			changed = s.mergeFan(raw) || changed
		case name == "toolhead":
			changed = s.mergeToolhead(raw) || changed
		case name == "gcode_move":
			changed = s.mergeGCodeMove(raw) || changed
		case name == "printer_info":
			changed = s.mergeInfo(raw) || changed
		default:
			log.Debug().Str("object", name).Msg("ignoring delta for unknown object")
		}
	}
	return changed
}

func (s *PrinterState) mergePrintStats(raw json.RawMessage) bool {
	var d printStatsDelta
	if err := json.Unmarshal(raw, &d); err != nil {
		log.Warn().Err(err).Msg("malformed print_stats delta")
		return false
	}

	changed := false
	if d.State != nil {
		phase := Phase(*d.State)
		if phase != s.Phase {
			s.Phase = phase
			changed = true
		}
		// Job attach rides the same delta as the phase replace.
		if d.Filename != nil && *d.Filename != s.JobName {
			s.JobName = *d.Filename
			changed = true
		}
		// Back to standby clears the job reference so a terminal phase
		// never leaks its job into the next print.
		if phase == PhaseIdle && d.Filename == nil && s.JobName != "" {
			s.JobName = ""
			changed = true
		}
	} else if d.Filename != nil && !s.Phase.Terminal() && *d.Filename != s.JobName {
		// A bare filename never attaches across a terminal phase.
		s.JobName = *d.Filename
		changed = true
	}

	if d.PrintDuration != nil && *d.PrintDuration != s.Duration {
		s.Duration = *d.PrintDuration
		changed = true
	}
	return changed
}

func (s *PrinterState) mergeVirtualSD(raw json.RawMessage) bool {
	var d virtualSDDelta
	if err := json.Unmarshal(raw, &d); err != nil {
		log.Warn().Err(err).Msg("malformed virtual_sdcard delta")
		return false
	}

	changed := false
	if d.Progress != nil && *d.Progress != s.Progress {
		s.Progress = *d.Progress
		changed = true
	}
	return changed
}

func (s *PrinterState) mergeHeater(name string, raw json.RawMessage) bool {
	var d heaterDelta
	if err := json.Unmarshal(raw, &d); err != nil {
		log.Warn().Err(err).Str("heater", name).Msg("malformed heater delta")
		return false
	}

	if s.Heaters == nil {
		s.Heaters = make(map[string]Heater)
	}
	h := s.Heaters[name]
	changed := false
	// Sub-degree jitter is folded away so the panel is not refreshed for
	// sensor noise.
	if d.Temperature != nil && int(math.Round(*d.Temperature)) != int(math.Round(h.Current)) {
		changed = true
	}
	if d.Temperature != nil {
		h.Current = *d.Temperature
	}
	if d.Target != nil && *d.Target != h.Target {
		h.Target = *d.Target
		changed = true
	}
	s.Heaters[name] = h
	return changed
}

func (s *PrinterState) mergeFan(raw json.RawMessage) bool {
	var d fanDelta
	if err := json.Unmarshal(raw, &d); err != nil {
		log.Warn().Err(err).Msg("malformed fan delta")
		return false
	}

	if d.Speed == nil {
		return false
	}
	pct := int(*d.Speed*100 + 0.5)
	if pct == s.FanPercent {
		return false
	}
	s.FanPercent = pct
	return true
}

func (s *PrinterState) mergeToolhead(raw json.RawMessage) bool {
	var d toolheadDelta
	if err := json.Unmarshal(raw, &d); err != nil {
		log.Warn().Err(err).Msg("malformed toolhead delta")
		return false
	}

	changed := false
	if len(d.Position) >= 4 {
		pos := Position{X: d.Position[0], Y: d.Position[1], Z: d.Position[2], E: d.Position[3]}
		if pos != s.Position {
			s.Position = pos
			changed = true
		}
	}
	if d.HomedAxes != nil {
		homed := Homed{
			X: strings.Contains(*d.HomedAxes, "x"),
			Y: strings.Contains(*d.HomedAxes, "y"),
			Z: strings.Contains(*d.HomedAxes, "z"),
		}
		if homed != s.Homed {
			s.Homed = homed
			changed = true
		}
	}
	if len(d.AxisMaximum) >= 3 {
		size := machineSize(d.AxisMaximum)
		if size != s.MachineSize {
			s.MachineSize = size
			changed = true
		}
	}
	if d.MaxVelocity != nil && *d.MaxVelocity != s.Limits.MaxVelocity {
		s.Limits.MaxVelocity = *d.MaxVelocity
		changed = true
	}
	if d.MaxAccel != nil && *d.MaxAccel != s.Limits.MaxAccel {
		s.Limits.MaxAccel = *d.MaxAccel
		changed = true
	}
	if d.MinimumCruiseRatio != nil {
		pct := int(*d.MinimumCruiseRatio*100 + 0.5)
		if pct != s.Limits.MinCruiseRatio {
			s.Limits.MinCruiseRatio = pct
			changed = true
		}
	}
	if d.SquareCornerVelocity != nil && *d.SquareCornerVelocity != s.Limits.SquareCornerVelocity {
		s.Limits.SquareCornerVelocity = *d.SquareCornerVelocity
		changed = true
	}
	return changed
}

type infoDelta struct {
	SoftwareVersion *string `json:"software_version"`
}

func (s *PrinterState) mergeInfo(raw json.RawMessage) bool {
	var d infoDelta
	if err := json.Unmarshal(raw, &d); err != nil {
		log.Warn().Err(err).Msg("malformed printer_info delta")
		return false
	}
	if d.SoftwareVersion == nil || *d.SoftwareVersion == s.FirmwareVersion {
		return false
	}
	s.FirmwareVersion = *d.SoftwareVersion
	return true
}

func machineSize(axisMax []float64) string {
	return fmt.Sprintf("%dx%dx%d", int(axisMax[0]), int(axisMax[1]), int(axisMax[2]))
}

func (s *PrinterState) mergeGCodeMove(raw json.RawMessage) bool {
	var d gcodeMoveDelta
	if err := json.Unmarshal(raw, &d); err != nil {
		log.Warn().Err(err).Msg("malformed gcode_move delta")
		return false
	}

	changed := false
	if len(d.HomingOrigin) >= 3 && d.HomingOrigin[2] != s.ZOffset {
		s.ZOffset = d.HomingOrigin[2]
		changed = true
	}
	if d.SpeedFactor != nil {
		pct := int(*d.SpeedFactor*100 + 0.5)
		if pct != s.SpeedFactor {
			s.SpeedFactor = pct
			changed = true
		}
	}
	if d.ExtrudeFactor != nil {
		pct := int(*d.ExtrudeFactor*100 + 0.5)
		if pct != s.FlowFactor {
			s.FlowFactor = pct
			changed = true
		}
	}
	return changed
}
