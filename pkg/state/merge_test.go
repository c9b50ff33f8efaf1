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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func delta(objects map[string]string) Delta {
	d := Delta{Objects: make(map[string]json.RawMessage, len(objects))}
	for k, v := range objects {
		d.Objects[k] = json.RawMessage(v)
	}
	return d
}

func TestMergePartialUpdateRetainsPriorFields(t *testing.T) {
	t.Parallel()

	var s PrinterState
	s.merge(delta(map[string]string{
		"print_stats": `{"state":"printing","filename":"bench.gcode"}`,
	}))
	s.merge(delta(map[string]string{
		"virtual_sdcard": `{"progress":0.42}`,
	}))
	s.merge(delta(map[string]string{
		"extruder": `{"temperature":210.3,"target":215.0}`,
	}))

	assert.Equal(t, PhasePrinting, s.Phase)
	assert.Equal(t, "bench.gcode", s.JobName)
	assert.InDelta(t, 0.42, s.Progress, 1e-9)
	assert.InDelta(t, 210.3, s.Heater("extruder").Current, 1e-9)
	assert.InDelta(t, 215.0, s.Heater("extruder").Target, 1e-9)
}

func TestMergePhaseAndJobAttachTogether(t *testing.T) {
	t.Parallel()

	var s PrinterState
	changed := s.merge(delta(map[string]string{
		"print_stats": `{"state":"printing","filename":"cube.gcode"}`,
	}))
	require.True(t, changed)
	assert.Equal(t, PhasePrinting, s.Phase)
	assert.Equal(t, "cube.gcode", s.JobName)
}

func TestMergeBareFilenameNeverCrossesTerminalPhase(t *testing.T) {
	t.Parallel()

	s := PrinterState{Phase: PhaseComplete, JobName: "old.gcode"}
	s.merge(delta(map[string]string{
		"print_stats": `{"filename":"next.gcode"}`,
	}))
	assert.Equal(t, "old.gcode", s.JobName)

	// Attaching with a phase replace in the same delta is allowed.
	s.merge(delta(map[string]string{
		"print_stats": `{"state":"printing","filename":"next.gcode"}`,
	}))
	assert.Equal(t, "next.gcode", s.JobName)
}

func TestMergeStandbyClearsJob(t *testing.T) {
	t.Parallel()

	s := PrinterState{Phase: PhaseComplete, JobName: "done.gcode"}
	s.merge(delta(map[string]string{
		"print_stats": `{"state":"standby"}`,
	}))
	assert.Equal(t, PhaseIdle, s.Phase)
	assert.Empty(t, s.JobName)
}

func TestMergeHeaterJitterNotReportedAsChange(t *testing.T) {
	t.Parallel()

	var s PrinterState
	s.merge(delta(map[string]string{"extruder": `{"temperature":200.1}`}))

	changed := s.merge(delta(map[string]string{"extruder": `{"temperature":200.4}`}))
	assert.False(t, changed)
	// The raw value still updates even when no visible change is reported.
	assert.InDelta(t, 200.4, s.Heater("extruder").Current, 1e-9)

	changed = s.merge(delta(map[string]string{"extruder": `{"temperature":201.6}`}))
	assert.True(t, changed)
}

func TestMergeGenericHeater(t *testing.T) {
	t.Parallel()

	var s PrinterState
	s.merge(delta(map[string]string{
		"heater_generic chamber": `{"temperature":41.0,"target":60.0}`,
	}))
	assert.InDelta(t, 60.0, s.Heater("heater_generic chamber").Target, 1e-9)
}

func TestMergeToolhead(t *testing.T) {
	t.Parallel()

	var s PrinterState
	changed := s.merge(delta(map[string]string{
		"toolhead": `{"position":[10.0,20.0,0.2,33.0],"homed_axes":"xy",
			"axis_maximum":[220.0,220.0,250.0,0.0],
			"max_velocity":300.0,"max_accel":3000.0,
			"minimum_cruise_ratio":0.5,"square_corner_velocity":5.0}`,
	}))
	require.True(t, changed)
	assert.Equal(t, Position{X: 10, Y: 20, Z: 0.2, E: 33}, s.Position)
	assert.Equal(t, Homed{X: true, Y: true}, s.Homed)
	assert.Equal(t, "220x220x250", s.MachineSize)
	assert.Equal(t, 50, s.Limits.MinCruiseRatio)
	assert.InDelta(t, 3000.0, s.Limits.MaxAccel, 1e-9)
}

func TestMergeGCodeMoveFactorsAsPercent(t *testing.T) {
	t.Parallel()

	var s PrinterState
	s.merge(delta(map[string]string{
		"gcode_move": `{"speed_factor":1.25,"extrude_factor":0.95,"homing_origin":[0.0,0.0,-0.05]}`,
	}))
	assert.Equal(t, 125, s.SpeedFactor)
	assert.Equal(t, 95, s.FlowFactor)
	assert.InDelta(t, -0.05, s.ZOffset, 1e-9)
}

func TestMergeMalformedObjectDropped(t *testing.T) {
	t.Parallel()

	s := PrinterState{Phase: PhasePrinting}
	changed := s.merge(delta(map[string]string{
		"print_stats": `{"state":42}`,
	}))
	assert.False(t, changed)
	assert.Equal(t, PhasePrinting, s.Phase)
}

func TestMergeUnknownObjectIgnored(t *testing.T) {
	t.Parallel()

	var s PrinterState
	changed := s.merge(delta(map[string]string{
		"filament_switch_sensor runout": `{"enabled":true}`,
	}))
	assert.False(t, changed)
}

func TestMergeFanPercent(t *testing.T) {
	t.Parallel()

	var s PrinterState
	s.merge(delta(map[string]string{"fan": `{"speed":0.637}`}))
	assert.Equal(t, 64, s.FanPercent)
}

func TestMergePrinterInfo(t *testing.T) {
	t.Parallel()

	var s PrinterState
	s.merge(delta(map[string]string{
		"printer_info": `{"software_version":"v0.12.0-128"}`,
	}))
	assert.Equal(t, "v0.12.0-128", s.FirmwareVersion)
}

func TestRemaining(t *testing.T) {
	t.Parallel()

	s := PrinterState{Progress: 0.25, Duration: 600}
	assert.InDelta(t, 1800, s.Remaining(), 1e-9)

	s = PrinterState{Progress: 0, Duration: 600}
	assert.Zero(t, s.Remaining())
}

func TestCloneDoesNotShareHeaterMap(t *testing.T) {
	t.Parallel()

	s := PrinterState{Heaters: map[string]Heater{"extruder": {Current: 20}}}
	c := s.clone()
	c.Heaters["extruder"] = Heater{Current: 200}
	assert.InDelta(t, 20.0, s.Heater("extruder").Current, 1e-9)
}
