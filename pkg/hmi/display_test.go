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

package hmi

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klipperlcd/core/pkg/console"
	"github.com/klipperlcd/core/pkg/state"
)

func heaters(nozzleCur, nozzleTgt, bedCur, bedTgt float64) map[string]state.Heater {
	return map[string]state.Heater{
		"extruder":   {Current: nozzleCur, Target: nozzleTgt},
		"heater_bed": {Current: bedCur, Target: bedTgt},
	}
}

func TestUpdateWritesTemps(t *testing.T) {
	p, d := newTestPanel()

	p.Update(state.PrinterState{Heaters: heaters(195.4, 210, 58.2, 60)})
	assert.Contains(t, d.cmds, `main.nozzletemp.txt="195 / 210"`)
	assert.Contains(t, d.cmds, `main.bedtemp.txt="58 / 60"`)
	d.reset()

	// sub-degree drift does not repaint
	p.Update(state.PrinterState{Heaters: heaters(195.9, 210, 58.7, 60)})
	assert.Empty(t, d.cmds)

	p.Update(state.PrinterState{Heaters: heaters(196.1, 210, 58.7, 60)})
	assert.Contains(t, d.cmds, `main.nozzletemp.txt="196 / 210"`)
}

func TestUpdatePrintStartSwitchesPage(t *testing.T) {
	p, d := newTestPanel()
	p.Update(state.PrinterState{Phase: state.PhaseIdle})
	d.reset()

	got := p.Update(state.PrinterState{
		Phase:    state.PhasePrinting,
		JobName:  "benchy.gcode",
		Progress: 0.05,
	})
	assert.Equal(t, []Intent{RequestThumbnail{}}, got)
	assert.Contains(t, d.cmds, "page printpause")
	assert.Contains(t, d.cmds, "restFlag2=1")
	assert.Contains(t, d.cmds, `printpause.t0.txt="benchy"`)
	assert.Contains(t, d.cmds, `printpause.printvalue.txt="5"`)
}

func TestUpdateCompleteShowsFinishPage(t *testing.T) {
	p, d := newTestPanel()
	p.Update(state.PrinterState{Phase: state.PhasePrinting, JobName: "a.gcode"})
	d.reset()

	p.Update(state.PrinterState{Phase: state.PhaseComplete, JobName: "a.gcode", Progress: 1})
	assert.Contains(t, d.cmds, "page printfinish")
}

func TestUpdatePauseSetsRestFlag(t *testing.T) {
	p, d := newTestPanel()
	p.Update(state.PrinterState{Phase: state.PhasePrinting})
	d.reset()

	p.Update(state.PrinterState{Phase: state.PhasePaused})
	assert.Contains(t, d.cmds, "restFlag1=1")
}

func TestUpdateStaleShowsBootPage(t *testing.T) {
	p, d := newTestPanel()
	p.Update(state.PrinterState{Phase: state.PhasePrinting, Heaters: heaters(200, 210, 60, 60)})
	d.reset()

	p.Update(state.PrinterState{Phase: state.PhasePrinting, Stale: true})
	assert.Contains(t, d.cmds, "page boot")
	d.reset()

	// nothing is painted while stale
	p.Update(state.PrinterState{Phase: state.PhasePrinting, Stale: true})
	assert.Empty(t, d.cmds)

	// recovery forces a full repaint
	p.Update(state.PrinterState{Phase: state.PhasePrinting, Heaters: heaters(200, 210, 60, 60)})
	assert.Contains(t, d.cmds, `main.nozzletemp.txt="200 / 210"`)
}

func TestUpdateProgressAndRemaining(t *testing.T) {
	p, d := newTestPanel()
	p.Update(state.PrinterState{Phase: state.PhasePrinting})
	d.reset()

	p.Update(state.PrinterState{Phase: state.PhasePrinting, Progress: 0.5, Duration: 3600})
	assert.Contains(t, d.cmds, `printpause.printvalue.txt="50"`)
	assert.Contains(t, d.cmds, "printpause.printprocess.val=50")
	assert.Contains(t, d.cmds, `printpause.printtime.txt="1h 0m"`)
}

func TestUpdateNewJobResetsThumbnail(t *testing.T) {
	p, _ := newTestPanel()
	p.Update(state.PrinterState{Phase: state.PhaseIdle})
	p.WriteThumbnail([]byte("xx"))
	require.True(t, p.thumbShown)

	p.Update(state.PrinterState{Phase: state.PhaseIdle, JobName: "next.gcode"})
	assert.False(t, p.thumbShown)
}

func TestProbeModeTracksZ(t *testing.T) {
	p, d := newTestPanel()
	p.Update(state.PrinterState{})
	p.ProbeModeStart()
	assert.Contains(t, d.cmds, "page leveldata_36")
	d.reset()

	p.Update(state.PrinterState{Position: state.Position{Z: 0.15}})
	assert.Contains(t, d.cmds, "leveldata.z_offset.val=15")
}

func TestBootSequenceWrites(t *testing.T) {
	p, d := newTestPanel()
	p.StartupScreen()
	assert.Contains(t, d.cmds, "page boot")
	assert.Contains(t, d.cmds, "com_star")
	d.reset()

	p.BootProgress(140)
	assert.Contains(t, d.cmds, "boot.j0.val=100")
}

func TestAboutMachine(t *testing.T) {
	p, d := newTestPanel()
	p.AboutMachine("220x220x250", "v0.12.0-89")
	assert.Contains(t, d.cmds, `information.size.txt="220x220x250"`)
	assert.Contains(t, d.cmds, `information.sversion.txt="v0.12.0-89"`)
}

func TestWriteConsoleNewestFirst(t *testing.T) {
	p, d := newTestPanel()
	p.WriteConsole(console.Entry{Text: "G28", Dir: console.Sent})

	require.Len(t, d.cmds, 3)
	assert.Equal(t, "console.buf.txt=\"> G28\r\n\"", d.cmds[0])
	assert.Equal(t, "console.buf.txt+=console.slt0.txt", d.cmds[1])
	assert.Equal(t, "console.slt0.txt=console.buf.txt", d.cmds[2])
}

func TestWriteConsoleHistoryClearsFirst(t *testing.T) {
	p, d := newTestPanel()
	p.WriteConsoleHistory([]console.Entry{
		{Text: "M115", Dir: console.Sent},
		{Text: "ok", Dir: console.Received},
	})
	assert.Equal(t, `console.buf.txt=""`, d.cmds[0])
	assert.Contains(t, d.cmds, "console.buf.txt=\"< ok\r\n\"")
}

func TestWriteMacrosLastHasNoLineBreak(t *testing.T) {
	p, d := newTestPanel()
	p.WriteMacros([]string{"CLEAN_NOZZLE", "LOAD_FILAMENT"})

	require.Len(t, d.cmds, 2)
	assert.Equal(t, "macro.cb0.path+=\"CLEAN_NOZZLE\r\n\"", d.cmds[0])
	assert.Equal(t, `macro.cb0.path+="LOAD_FILAMENT"`, d.cmds[1])
}

func TestWriteThumbnailChunks(t *testing.T) {
	p, d := newTestPanel()
	data := []byte(strings.Repeat("a", 1100))
	p.WriteThumbnail(data)

	var chunkWrites int
	for _, c := range d.cmds {
		if strings.HasPrefix(c, `printpause.va0.txt="a`) {
			chunkWrites++
		}
	}
	assert.Equal(t, 3, chunkWrites)
	assert.Equal(t, "printpause.cp0.write(printpause.va1.txt)", d.cmds[len(d.cmds)-1])
	assert.Contains(t, d.cmds, "printpause.cp0.aph=127")
}

func TestWriteThumbnailTargetsAskprintPage(t *testing.T) {
	p, d := newTestPanel()
	p.ShowFiles([]string{"a.gcode"})
	p.HandleFrame(touch(regSelectFile, 0x01))
	d.reset()

	p.WriteThumbnail([]byte("zz"))
	assert.Contains(t, d.cmds, `askprint.va0.txt="zz"`)
	assert.Contains(t, d.cmds, "askprint.cp0.write(askprint.va1.txt)")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0h 0m", formatDuration(0))
	assert.Equal(t, "0h 59m", formatDuration(3599))
	assert.Equal(t, "2h 5m", formatDuration(7500))
	assert.Equal(t, "0h 0m", formatDuration(-10))
}
