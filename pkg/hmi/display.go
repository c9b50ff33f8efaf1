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
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/klipperlcd/core/pkg/console"
	"github.com/klipperlcd/core/pkg/state"
	"github.com/klipperlcd/core/pkg/thumbnail"
)

// thumbnailChunk is the largest text payload the panel's va0 variable
// accepts in one write.
const thumbnailChunk = 512

// cmdLF writes a quoted-text command with CRLF folded in before the
// closing quote. The panel's multi-line text widgets require the line
// break inside the string, not after it.
func (p *Panel) cmdLF(format string, args ...any) {
	s := fmt.Sprintf(format, args...)
	if len(s) > 0 {
		s = s[:len(s)-1] + "\r\n" + s[len(s)-1:]
	}
	if err := p.w.WriteCommand(s); err != nil {
		log.Error().Err(err).Msg("display write failed")
	}
}

// StartupScreen puts the panel on the boot page while the printer links
// come up.
func (p *Panel) StartupScreen() {
	p.cmd("page boot")
	p.cmd("com_star")
	p.cmd("main.va0.val=1")
	p.cmd("boot.j0.val=1")
	p.cmd(`boot.t0.txt="Starting..."`)
}

// BootProgress advances the boot page's progress bar.
func (p *Panel) BootProgress(percent int) {
	p.cmd("boot.j0.val=%d", clamp(percent, 0, 100))
	p.cmd(`boot.t0.txt="Waiting for printer... %d%%"`, clamp(percent, 0, 100))
}

// ShowMain leaves the boot page once the printer is live.
func (p *Panel) ShowMain() {
	p.cmd("page main")
}

// AboutMachine fills the information page.
func (p *Panel) AboutMachine(size, firmware string) {
	p.machineSize = size
	p.cmd(`information.size.txt="%s"`, safeText(size))
	p.cmd(`information.sversion.txt="%s"`, safeText(firmware))
}

// ProbeModeStart switches the panel into live z-offset probing after the
// firmware reports the probe sequence has begun.
func (p *Panel) ProbeModeStart() {
	p.probeMode = true
	p.cmd("leveldata.z_offset.val=%d", int(p.shown.Position.Z*100))
	p.cmd("page leveldata_36")
	p.cmd("leveling.tm0.en=0")
}

// ShowFiles renders the listing returned for the last RefreshFiles
// intent. Names are shown without the .gcode suffix.
func (p *Panel) ShowFiles(names []string) {
	p.files = names
	p.filePage = 1
	p.selected = -1
	p.askPrint = false
	if len(names) == 0 {
		p.cmd("page nosdcard")
		return
	}
	p.renderFilePage()
}

func (p *Panel) filePageCount() int {
	if len(p.files) == 0 {
		return 1
	}
	return (len(p.files) + filesPerPage - 1) / filesPerPage
}

func (p *Panel) renderFilePage() {
	page := clamp(p.filePage, 1, p.filePageCount())
	p.filePage = page
	p.cmd("page file%d", page)
	base := (page - 1) * filesPerPage
	for slot := 0; slot < filesPerPage; slot++ {
		name := ""
		if base+slot < len(p.files) {
			name = displayName(p.files[base+slot])
		}
		p.cmd(`file%d.t%d.txt="%s"`, page, slot, safeText(name))
	}
}

// displayName strips the directory and .gcode suffix for listing rows.
func displayName(filename string) string {
	name := path.Base(filename)
	return strings.TrimSuffix(name, ".gcode")
}

// WriteMacros fills the macro picker's dropdown.
func (p *Panel) WriteMacros(macros []string) {
	for i, m := range macros {
		if i < len(macros)-1 {
			p.cmdLF(`macro.cb0.path+="%s"`, safeText(m))
		} else {
			p.cmd(`macro.cb0.path+="%s"`, safeText(m))
		}
	}
}

// ClearConsole empties both console text buffers.
func (p *Panel) ClearConsole() {
	p.cmd(`console.buf.txt=""`)
	p.cmd(`console.slt0.txt=""`)
}

// WriteConsole prepends one entry to the console view, newest first.
func (p *Panel) WriteConsole(e console.Entry) {
	prefix := "< "
	if e.Dir == console.Sent {
		prefix = "> "
	}
	p.cmdLF(`console.buf.txt="%s%s"`, prefix, safeText(e.Text))
	p.cmd("console.buf.txt+=console.slt0.txt")
	p.cmd("console.slt0.txt=console.buf.txt")
}

// WriteConsoleHistory replaces the console view with a preloaded log,
// oldest entry written first so it ends up at the bottom.
func (p *Panel) WriteConsoleHistory(entries []console.Entry) {
	p.ClearConsole()
	for _, e := range entries {
		p.WriteConsole(e)
	}
}

// WriteThumbnail streams an encoded preview image into the picture
// widget of whichever page is showing one.
func (p *Panel) WriteThumbnail(data []byte) {
	page := "printpause"
	if p.askPrint {
		page = "askprint"
	}
	p.cmd("%s.cp0.close()", page)
	p.cmd("%s.cp0.aph=0", page)
	p.cmd(`%s.va0.txt=""`, page)
	p.cmd(`%s.va1.txt=""`, page)
	for _, chunk := range thumbnail.Chunks(data, thumbnailChunk) {
		p.cmd(`%s.va0.txt=""`, page)
		p.cmd(`%s.va0.txt="%s"`, page, chunk)
		p.cmd("%s.va1.txt+=%s.va0.txt", page, page)
	}
	p.cmd("%s.cp0.aph=127", page)
	p.cmd("%s.cp0.write(%s.va1.txt)", page, page)
	p.thumbShown = true
}

// Update diffs a fresh snapshot against the last rendered one and writes
// only the fields that changed. It returns follow-up intents, currently
// only a thumbnail request when a job becomes active.
func (p *Panel) Update(s state.PrinterState) []Intent {
	var intents []Intent

	if !p.haveShown {
		p.shown = zeroShown()
		p.haveShown = true
	}
	prev := p.shown
	p.shown = s

	if s.Stale != prev.Stale {
		if s.Stale {
			p.cmd(`boot.t0.txt="Connection to printer lost..."`)
			p.cmd("boot.j0.val=0")
			p.cmd("page boot")
			return nil
		}
		// Reconnect; the boot sequence redrives the page from the
		// service, so fall through and repaint everything.
		prev = zeroShown()
	}
	if s.Stale {
		return nil
	}

	if s.JobName != prev.JobName {
		p.thumbShown = false
		p.cmd(`printpause.t0.txt="%s"`, safeText(displayName(s.JobName)))
	}

	if s.Phase != prev.Phase {
		intents = append(intents, p.phaseChange(s, prev)...)
	}

	p.writeTemps(s, prev)

	if s.Phase.Active() {
		p.writeJobStatsDiff(s, prev)
	}

	if p.probeMode && s.Position.Z != prev.Position.Z {
		p.cmd("leveldata.z_offset.val=%d", int(s.Position.Z*100))
	}

	if p.adjustingMax {
		p.writeLimitsDiff(s.Limits, prev.Limits)
	}

	switch p.speedAdjusting {
	case speedPrint:
		if s.SpeedFactor != prev.SpeedFactor {
			p.cmd("adjustspeed.targetspeed.val=%d", s.SpeedFactor)
		}
	case speedFlow:
		if s.FlowFactor != prev.FlowFactor {
			p.cmd("adjustspeed.targetspeed.val=%d", s.FlowFactor)
		}
	case speedFan:
		if s.FanPercent != prev.FanPercent {
			p.cmd("adjustspeed.targetspeed.val=%d", s.FanPercent)
		}
	}

	if s.MachineSize != prev.MachineSize || s.FirmwareVersion != prev.FirmwareVersion {
		p.AboutMachine(s.MachineSize, s.FirmwareVersion)
	}

	return intents
}

// zeroShown is a sentinel the diff never matches, forcing a full repaint.
func zeroShown() state.PrinterState {
	return state.PrinterState{
		SpeedFactor: -1,
		FlowFactor:  -1,
		FanPercent:  -1,
		Progress:    -1,
		Duration:    -1,
		Phase:       "never",
	}
}

func (p *Panel) phaseChange(s, prev state.PrinterState) []Intent {
	switch s.Phase {
	case state.PhasePrinting:
		p.cmd("page printpause")
		p.cmd("restFlag1=0")
		p.cmd("restFlag2=1")
		p.writeJobStats()
		if !p.thumbShown {
			return []Intent{RequestThumbnail{}}
		}
	case state.PhasePaused, state.PhasePausing:
		p.cmd("page printpause")
		p.cmd("restFlag1=1")
	case state.PhaseCancelled:
		p.cmd("page main")
	case state.PhaseComplete:
		if prev.Phase.Active() {
			p.cmd("page printfinish")
		}
	case state.PhaseError, state.PhaseShutdown:
		p.cmd(`boot.t0.txt="Printer reported an error. Check the console."`)
	case state.PhaseIdle:
		if prev.Phase.Active() {
			p.cmd("page main")
		}
	}
	return nil
}

func (p *Panel) writeTemps(s, prev state.PrinterState) {
	hot, hotPrev := s.Heater("extruder"), prev.Heater("extruder")
	bed, bedPrev := s.Heater("heater_bed"), prev.Heater("heater_bed")

	if int(hot.Current) != int(hotPrev.Current) || int(hot.Target) != int(hotPrev.Target) {
		p.cmd(`main.nozzletemp.txt="%d / %d"`, int(hot.Current), int(hot.Target))
	}
	if int(hot.Target) != int(hotPrev.Target) {
		p.cmd(`pretemp.nozzle.txt="%d"`, int(hot.Target))
		if p.adjusting == adjustHotend {
			p.cmd("adjusttemp.targettemp.val=%d", int(hot.Target))
		}
	}
	if int(bed.Current) != int(bedPrev.Current) || int(bed.Target) != int(bedPrev.Target) {
		p.cmd(`main.bedtemp.txt="%d / %d"`, int(bed.Current), int(bed.Target))
	}
	if int(bed.Target) != int(bedPrev.Target) {
		p.cmd(`pretemp.bed.txt="%d"`, int(bed.Target))
		if p.adjusting == adjustBed {
			p.cmd("adjusttemp.targettemp.val=%d", int(bed.Target))
		}
	}
}

func (p *Panel) writeJobStatsDiff(s, prev state.PrinterState) {
	if int(s.Progress*100) != int(prev.Progress*100) {
		p.writeProgress()
	}
	if int(s.Duration) != int(prev.Duration) || int(s.Progress*100) != int(prev.Progress*100) {
		p.cmd(`printpause.printtime.txt="%s"`, formatDuration(s.Remaining()))
	}
	if s.SpeedFactor != prev.SpeedFactor {
		p.cmd("printpause.printspeed.val=%d", s.SpeedFactor)
	}
	if s.FanPercent != prev.FanPercent {
		p.cmd("printpause.fanspeed.val=%d", s.FanPercent)
	}
	if s.Position.Z != prev.Position.Z {
		p.cmd("printpause.zvalue.val=%d", int(s.Position.Z*10))
	}
}

// writeJobStats repaints all the printpause numbers unconditionally,
// used on page entry and on the panel's periodic poll.
func (p *Panel) writeJobStats() {
	s := p.shown
	p.writeProgress()
	p.cmd(`printpause.printtime.txt="%s"`, formatDuration(s.Remaining()))
	p.cmd("printpause.printspeed.val=%d", s.SpeedFactor)
	p.cmd("printpause.fanspeed.val=%d", s.FanPercent)
	p.cmd("printpause.zvalue.val=%d", int(s.Position.Z*10))
}

func (p *Panel) writeProgress() {
	pct := int(p.shown.Progress * 100)
	p.cmd(`printpause.printvalue.txt="%d"`, pct)
	p.cmd("printpause.printprocess.val=%d", pct)
}

func (p *Panel) writeLimitsDiff(l, prev state.Limits) {
	if l.MaxAccel != prev.MaxAccel {
		p.cmd("speed_settings.accel.val=%d", int(l.MaxAccel))
	}
	if l.MinCruiseRatio != prev.MinCruiseRatio {
		p.cmd("speed_settings.accel_to_decel.val=%d", l.MinCruiseRatio)
	}
	if l.MaxVelocity != prev.MaxVelocity {
		p.cmd("speed_settings.velocity.val=%d", int(l.MaxVelocity))
	}
	if l.SquareCornerVelocity != prev.SquareCornerVelocity {
		p.cmd("speed_settings.sqr_crnr_vel.val=%d", int(l.SquareCornerVelocity*10))
	}
}

// formatDuration renders remaining seconds the way the stock panel
// firmware shows them.
func formatDuration(seconds float64) string {
	total := int(seconds)
	if total < 0 {
		total = 0
	}
	h := total / 3600
	m := (total % 3600) / 60
	return fmt.Sprintf("%dh %dm", h, m)
}
