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

// Package hmi adapts the touchscreen's register protocol: inbound touch
// frames become Intents, printer snapshots become display field writes.
// The panel firmware is stateful and quirky; all per-page session state
// (step sizes, selected heater, file paging, preset edits) lives here.
package hmi

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/klipperlcd/core/pkg/lcdserial"
	"github.com/klipperlcd/core/pkg/state"
)

// Writer sends one display command. Satisfied by the serial driver.
type Writer interface {
	WriteCommand(cmd string) error
}

// Material preset slots, edited on the preheat settings page.
const (
	presetPLA = iota
	presetABS
	presetPETG
	presetTPU
	presetProbe
	presetCount
)

type preset struct {
	nozzle int
	bed    int
}

var defaultPresets = [presetCount]preset{
	{nozzle: 200, bed: 60},  // PLA
	{nozzle: 210, bed: 100}, // ABS
	{nozzle: 240, bed: 80},  // PETG
	{nozzle: 230, bed: 50},  // TPU
	{nozzle: 150, bed: 60},  // probe heat soak
}

// heater selection on the adjust page
type adjustTarget int

const (
	adjustNone adjustTarget = iota
	adjustHotend
	adjustBed
)

// slider selection on the speed page
type speedTarget int

const (
	speedNone speedTarget = iota
	speedPrint
	speedFlow
	speedFan
)

// Panel is the protocol adapter for one screen. Not safe for concurrent
// use; the service's panel loop is the only caller.
type Panel struct {
	w Writer

	// step sizes selected on the unit row
	tempUnit    int
	speedUnit   int
	accelUnit   int
	moveUnit    float64
	zOffsetUnit float64

	adjusting      adjustTarget
	speedAdjusting speedTarget
	adjustingMax   bool
	probeMode      bool

	presets     [presetCount]preset
	presetIndex int

	files       []string
	filePage    int
	selected    int
	askPrint    bool
	light       bool
	thumbShown  bool
	loadLen     int
	loadSpeed   int
	machineSize string

	// last rendered snapshot, for diff writes
	shown     state.PrinterState
	haveShown bool
}

// NewPanel builds a panel writing through w.
func NewPanel(w Writer) *Panel {
	return &Panel{
		w:           w,
		tempUnit:    10,
		speedUnit:   10,
		accelUnit:   100,
		moveUnit:    1,
		zOffsetUnit: 0.1,
		presets:     defaultPresets,
		filePage:    1,
		loadLen:     50,
		loadSpeed:   300,
	}
}

func (p *Panel) cmd(format string, args ...any) {
	if err := p.w.WriteCommand(fmt.Sprintf(format, args...)); err != nil {
		log.Error().Err(err).Msg("display write failed")
	}
}

// safeText keeps a value usable inside the display's quoted string syntax.
func safeText(v string) string {
	return strings.ReplaceAll(v, `"`, "'")
}

// HandleFrame decodes one inbound frame and returns the intents it
// produced. Unknown registers and codes are logged and dropped.
func (p *Panel) HandleFrame(f lcdserial.Frame) []Intent {
	switch f.Cmd {
	case cmdReadVar:
		addr, words, ok := decodeReadVar(f.Payload)
		if !ok {
			log.Warn().Int("len", len(f.Payload)).Msg("short touch frame")
			return nil
		}
		return p.handleTouch(addr, words)
	case cmdConsole:
		if len(f.Payload) < 4 {
			log.Warn().Msg("short console frame")
			return nil
		}
		addr := int(f.Payload[0])<<8 | int(f.Payload[1])
		return p.handleConsole(addr, f.Payload[3:])
	case cmdWriteVar:
		// The panel should not initiate writes; keep them visible for
		// protocol exploration.
		log.Warn().Hex("payload", f.Payload).Msg("unexpected writevar from display")
		return nil
	default:
		log.Warn().Uint8("cmd", f.Cmd).Msg("unrecognised display command")
		return nil
	}
}

// decodeReadVar splits a touch report into register address and data
// words. Layout: addr(2) count(1) then big-endian 16-bit words. Panels
// report the count as either bytes or words, so any partial word still
// yields one full word as long as both bytes are present.
func decodeReadVar(payload []byte) (addr int, words []uint16, ok bool) {
	if len(payload) < 5 {
		return 0, nil, false
	}
	addr = int(payload[0])<<8 | int(payload[1])
	count := int(payload[2])
	for i := 0; i < count && 4+i < len(payload); i += 2 {
		words = append(words, uint16(payload[3+i])<<8|uint16(payload[4+i]))
	}
	if len(words) == 0 {
		return 0, nil, false
	}
	return addr, words, true
}

// byteswap flips the numeric-entry word the panel sends little-endian.
func byteswap(w uint16) int {
	return int(w&0xFF)<<8 | int(w>>8)
}

func (p *Panel) handleTouch(addr int, words []uint16) []Intent {
	code := int(words[0])
	switch addr {
	case regMainPage:
		return p.mainPage(code)
	case regAdjustment:
		return p.adjustment(code)
	case regStopPrint:
		return p.stopPrint(code)
	case regPausePrint:
		return p.pausePrint(code)
	case regResumePrint:
		return p.resumePrint(code)
	case regTempScreen:
		return p.tempScreen(code)
	case regCoolScreen:
		return p.coolScreen(code)
	case regNozzleEnter:
		return []Intent{SetNozzleTemp{Target: byteswap(words[0])}}
	case regBedEnter:
		return []Intent{SetBedTemp{Target: byteswap(words[0])}}
	case regSettings:
		return p.settings(code)
	case regSettingsBack:
		return p.settingsBack(code)
	case regBedLevel:
		return p.bedLevel(code)
	case regAxisSelect:
		return p.axisSelect(code)
	case regMoveX:
		return p.jog("X", code, 4000)
	case regMoveY:
		return p.jog("Y", code, 4000)
	case regMoveZ:
		return p.jog("Z", code, 600)
	case regLoadLenEnter:
		p.loadLen = byteswap(words[0])
		return nil
	case regLoadFeedrate:
		p.loadSpeed = byteswap(words[0])
		return nil
	case regFilament:
		return p.filament(code)
	case regPrintFile:
		return p.printFile(code)
	case regFileCompat:
		return p.fileCompat(code)
	case regSelectFile:
		return p.selectFile(code)
	case regPresetNozzle:
		return p.presetAdjust(code, true)
	case regPresetBed:
		return p.presetAdjust(code, false)
	case regHardwareTest:
		// Polled on every main page load.
		return nil
	case regConsole:
		if code == 0x01 {
			p.leaveConsole()
		}
		return nil
	case regPrintSpeed, regZOffset:
		log.Debug().Int("addr", addr).Int("code", code).Msg("inert register")
		return nil
	default:
		log.Warn().Int("addr", addr).Int("code", code).Msg("unknown touch register")
		return nil
	}
}

func (p *Panel) handleConsole(addr int, text []byte) []Intent {
	if addr != regConsole {
		log.Warn().Int("addr", addr).Msg("console input on unexpected register")
		return nil
	}
	if len(text) == 1 && text[0] == 0x01 {
		p.leaveConsole()
		return nil
	}
	script := strings.TrimRight(string(text), "\x00 \r\n")
	if script == "" {
		return nil
	}
	return []Intent{SendCommand{Script: script}}
}

func (p *Panel) leaveConsole() {
	if p.shown.Phase.Active() {
		p.cmd("page printpause")
	} else {
		p.cmd("page main")
	}
}

func (p *Panel) mainPage(code int) []Intent {
	switch code {
	case 0x01:
		// Listing is fetched upstream; ShowFiles renders when it lands.
		return []Intent{RefreshFiles{}}
	case 0x02:
		log.Info().Msg("abort from main page not supported")
		return nil
	default:
		return p.unknown("main", code)
	}
}

func (p *Panel) adjustment(code int) []Intent {
	switch code {
	case 0x01: // filament tab
		p.cmd("adjusttemp.targettemp.val=%d", p.hotendTarget())
		p.cmd("adjusttemp.va0.val=1")
		p.cmd("adjusttemp.va1.val=3")
		p.adjusting = adjustHotend
		p.tempUnit = 10
		p.moveUnit = 1
		return nil
	case 0x02:
		p.cmd("page printpause")
		return nil
	case 0x03: // fan toggle
		if p.shown.FanPercent > 0 {
			return []Intent{SetFan{Percent: 0}}
		}
		return []Intent{SetFan{Percent: 100}}
	case 0x05: // temp tab
		p.speedAdjusting = speedNone
		p.cmd("page adjusttemp")
		return nil
	case 0x06: // speed tab
		p.speedAdjusting = speedPrint
		p.cmd("adjustspeed.targetspeed.val=%d", p.shown.SpeedFactor)
		p.cmd("page adjustspeed")
		return nil
	case 0x07: // z offset tab
		p.zOffsetUnit = 0.1
		p.speedAdjusting = speedNone
		p.cmd("adjustzoffset.zoffset_value.val=2")
		p.cmd("adjustzoffset.z_offset.val=%d", int(p.shown.ZOffset*100))
		p.cmd("page adjustzoffset")
		return nil
	case 0x08:
		p.cmd("adjustspeed.targetspeed.val=%d", 100)
		return []Intent{SetPrintSpeed{Percent: 100}}
	case 0x09:
		p.cmd("adjustspeed.targetspeed.val=%d", 100)
		return []Intent{SetFlow{Percent: 100}}
	case 0x0A:
		p.cmd("adjustspeed.targetspeed.val=%d", 100)
		return []Intent{SetFan{Percent: 100}}
	default:
		return p.unknown("adjustment", code)
	}
}

func (p *Panel) stopPrint(code int) []Intent {
	switch code {
	case 0x01, 0xF1:
		p.cmd(`resumeconfirm.t1.txt="Stopping print. Please wait!"`)
		return []Intent{JobControl{Action: JobCancel}}
	case 0xF0:
		if p.shown.Phase == state.PhasePrinting {
			p.cmd("page printpause")
		}
		return nil
	default:
		return p.unknown("stop", code)
	}
}

func (p *Panel) pausePrint(code int) []Intent {
	switch code {
	case 0x01:
		if p.shown.Phase == state.PhasePrinting {
			p.cmd("page pauseconfirm")
		}
		return nil
	case 0xF1:
		p.cmd("page printpause")
		return []Intent{JobControl{Action: JobPause}}
	default:
		return p.unknown("pause", code)
	}
}

func (p *Panel) resumePrint(code int) []Intent {
	if code != 0x01 {
		return p.unknown("resume", code)
	}
	p.cmd("page printpause")
	if p.shown.Phase == state.PhasePaused || p.shown.Phase == state.PhasePausing {
		return []Intent{JobControl{Action: JobResume}}
	}
	return nil
}

func (p *Panel) hotendTarget() int { return int(p.shown.Heater("extruder").Target) }
func (p *Panel) bedTarget() int    { return int(p.shown.Heater("heater_bed").Target) }

func (p *Panel) tempScreen(code int) []Intent {
	switch code {
	case 0x01:
		p.cmd("adjusttemp.targettemp.val=%d", p.hotendTarget())
		p.adjusting = adjustHotend
		return nil
	case 0x03:
		p.cmd("adjusttemp.targettemp.val=%d", p.bedTarget())
		p.adjusting = adjustBed
		return nil
	case 0x04:
		return nil
	case 0x05: // small step
		p.tempUnit, p.speedUnit, p.moveUnit, p.accelUnit = 1, 1, 0.1, 10
		return nil
	case 0x06: // medium step
		p.tempUnit, p.speedUnit, p.moveUnit, p.accelUnit = 5, 5, 1, 50
		return nil
	case 0x07: // large step
		p.tempUnit, p.speedUnit, p.moveUnit, p.accelUnit = 10, 10, 10, 100
		return nil
	case 0x08:
		return p.bumpTemp(p.tempUnit)
	case 0x09:
		return p.bumpTemp(-p.tempUnit)
	case 0x0A:
		p.speedAdjusting = speedPrint
		p.cmd("adjustspeed.targetspeed.val=%d", p.shown.SpeedFactor)
		return nil
	case 0x0B:
		p.speedAdjusting = speedFlow
		p.cmd("adjustspeed.targetspeed.val=%d", p.shown.FlowFactor)
		return nil
	case 0x0C:
		p.speedAdjusting = speedFan
		p.cmd("adjustspeed.targetspeed.val=%d", p.shown.FanPercent)
		return nil
	case 0x0D:
		return p.bumpSpeed(p.speedUnit)
	case 0x0E:
		return p.bumpSpeed(-p.speedUnit)
	case 0x42: // open advanced limits
		p.speedUnit = 10
		p.accelUnit = 100
		p.adjustingMax = true
		p.cmd("speed_settings.t4.font=0")
		p.cmd("speed_settings.accel.val=%d", int(p.shown.Limits.MaxAccel))
		p.cmd("speed_settings.accel_to_decel.val=%d", p.shown.Limits.MinCruiseRatio)
		p.cmd("speed_settings.velocity.val=%d", int(p.shown.Limits.MaxVelocity))
		p.cmd("speed_settings.sqr_crnr_vel.val=%d", int(p.shown.Limits.SquareCornerVelocity*10))
		return nil
	case 0x43:
		p.adjustingMax = false
		return nil
	case 0x11, 0x15:
		unit := p.accelUnit
		if code == 0x11 {
			unit = -unit
		}
		val := p.shown.Limits.MaxAccel + float64(unit)
		p.shown.Limits.MaxAccel = val
		p.cmd("speed_settings.accel.val=%d", int(val))
		return []Intent{SetLimit{Field: LimitAccel, Value: val}}
	case 0x12, 0x16:
		unit := p.speedUnit
		if code == 0x12 {
			unit = -unit
		}
		val := clamp(p.shown.Limits.MinCruiseRatio+unit, 0, 100)
		p.shown.Limits.MinCruiseRatio = val
		p.cmd("speed_settings.accel_to_decel.val=%d", val)
		return []Intent{SetLimit{Field: LimitCruiseRatio, Value: float64(val)}}
	case 0x13, 0x17:
		unit := p.speedUnit
		if code == 0x13 {
			unit = -unit
		}
		val := p.shown.Limits.MaxVelocity + float64(unit)
		p.shown.Limits.MaxVelocity = val
		p.cmd("speed_settings.velocity.val=%d", int(val))
		return []Intent{SetLimit{Field: LimitVelocity, Value: val}}
	case 0x14, 0x18:
		unit := float64(p.speedUnit) / 10
		if code == 0x14 {
			unit = -unit
		}
		val := p.shown.Limits.SquareCornerVelocity + unit
		p.shown.Limits.SquareCornerVelocity = val
		p.cmd("speed_settings.sqr_crnr_vel.val=%d", int(val*10))
		return []Intent{SetLimit{Field: LimitSquareCorner, Value: val}}
	default:
		return p.unknown("temp", code)
	}
}

func (p *Panel) bumpTemp(delta int) []Intent {
	switch p.adjusting {
	case adjustHotend:
		target := p.hotendTarget() + delta
		p.setShownTarget("extruder", target)
		p.cmd("adjusttemp.targettemp.val=%d", target)
		return []Intent{SetNozzleTemp{Target: target}}
	case adjustBed:
		target := p.bedTarget() + delta
		p.setShownTarget("heater_bed", target)
		p.cmd("adjusttemp.targettemp.val=%d", target)
		return []Intent{SetBedTemp{Target: target}}
	default:
		return nil
	}
}

// setShownTarget keeps repeated +/- taps cumulative before the next
// snapshot lands.
func (p *Panel) setShownTarget(heater string, target int) {
	if p.shown.Heaters == nil {
		p.shown.Heaters = make(map[string]state.Heater)
	}
	h := p.shown.Heaters[heater]
	h.Target = float64(target)
	p.shown.Heaters[heater] = h
}

func (p *Panel) bumpSpeed(delta int) []Intent {
	switch p.speedAdjusting {
	case speedPrint:
		p.shown.SpeedFactor += delta
		p.cmd("adjustspeed.targetspeed.val=%d", p.shown.SpeedFactor)
		return []Intent{SetPrintSpeed{Percent: p.shown.SpeedFactor}}
	case speedFlow:
		p.shown.FlowFactor += delta
		p.cmd("adjustspeed.targetspeed.val=%d", p.shown.FlowFactor)
		return []Intent{SetFlow{Percent: p.shown.FlowFactor}}
	case speedFan:
		p.shown.FanPercent = clamp(p.shown.FanPercent+delta, 0, 100)
		p.cmd("adjustspeed.targetspeed.val=%d", p.shown.FanPercent)
		return []Intent{SetFan{Percent: p.shown.FanPercent}}
	default:
		log.Debug().Msg("speed adjust with no slider selected")
		return nil
	}
}

func (p *Panel) coolScreen(code int) []Intent {
	switch code {
	case 0x01: // nozzle off
		if p.shown.Phase == state.PhasePrinting {
			p.cmd("adjusttemp.targettemp.val=%d", p.hotendTarget())
			return nil
		}
		return []Intent{SetNozzleTemp{Target: 0}}
	case 0x02:
		return []Intent{SetBedTemp{Target: 0}}
	case 0x09, 0x0A, 0x0B, 0x0C:
		idx := map[int]int{0x09: presetPLA, 0x0A: presetABS, 0x0B: presetPETG, 0x0C: presetTPU}[code]
		pr := p.presets[idx]
		p.cmd(`pretemp.nozzle.txt="%d"`, pr.nozzle)
		p.cmd(`pretemp.bed.txt="%d"`, pr.bed)
		return []Intent{SetNozzleTemp{Target: pr.nozzle}, SetBedTemp{Target: pr.bed}}
	case 0x0D, 0x0E, 0x0F, 0x10, 0x11:
		idx := map[int]int{0x0D: presetPLA, 0x0E: presetABS, 0x0F: presetPETG, 0x10: presetTPU, 0x11: presetProbe}[code]
		p.presetIndex = idx
		p.cmd("tempsetvalue.nozzletemp.val=%d", p.presets[idx].nozzle)
		p.cmd("tempsetvalue.bedtemp.val=%d", p.presets[idx].bed)
		p.cmd("page tempsetvalue")
		return nil
	default:
		return p.unknown("cool", code)
	}
}

func (p *Panel) settings(code int) []Intent {
	switch code {
	case 0x01:
		p.cmd("page autohome")
		p.cmd("leveling.va1.val=1")
		return []Intent{ProbeCalibrate{}}
	case 0x06:
		return []Intent{MotorsOff{}}
	case 0x07, 0x08:
		return nil
	case 0x09:
		p.cmd("page pretemp")
		p.cmd(`pretemp.nozzle.txt="%d"`, p.hotendTarget())
		p.cmd(`pretemp.bed.txt="%d"`, p.bedTarget())
		return nil
	case 0x0A:
		p.cmd("page prefilament")
		p.cmd(`prefilament.filamentlength.txt="%d"`, p.loadLen)
		p.cmd(`prefilament.filamentspeed.txt="%d"`, p.loadSpeed)
		return nil
	case 0x0B:
		p.cmd("page set")
		return nil
	case 0x0C:
		p.cmd("page warn_rdlevel")
		return nil
	case 0x0D:
		p.cmd("multiset.plrbutton.val=1")
		p.cmd("page multiset")
		return nil
	default:
		return p.unknown("settings", code)
	}
}

func (p *Panel) settingsBack(code int) []Intent {
	if code != 0x01 {
		return p.unknown("settings back", code)
	}
	if p.probeMode {
		p.probeMode = false
		return []Intent{ProbeFinish{Accept: false}}
	}
	return nil
}

func (p *Panel) bedLevel(code int) []Intent {
	switch code {
	case 0x02, 0x03:
		unit := p.zOffsetUnit
		if code == 0x03 {
			unit = -unit
		}
		if p.probeMode {
			p.cmd("leveldata.z_offset.val=%d", int((p.shown.Position.Z+unit)*100))
			return []Intent{ProbeAdjust{Delta: unit}}
		}
		offset := p.shown.ZOffset + unit
		p.shown.ZOffset = offset
		p.cmd("adjustzoffset.z_offset.val=%d", int(offset*100))
		return []Intent{SetZOffset{Offset: offset}}
	case 0x04:
		p.zOffsetUnit = 0.01
		p.cmd("adjustzoffset.zoffset_value.val=1")
		return nil
	case 0x05:
		p.zOffsetUnit = 0.1
		p.cmd("adjustzoffset.zoffset_value.val=2")
		return nil
	case 0x06:
		p.zOffsetUnit = 1
		p.cmd("adjustzoffset.zoffset_value.val=3")
		return nil
	case 0x07:
		return nil
	case 0x08: // light toggle
		p.light = !p.light
		if p.light {
			p.cmd("status_led2=1")
			return []Intent{SetLight{On: true}}
		}
		p.cmd("status_led2=0")
		return []Intent{SetLight{On: false}}
	case 0x09: // accept probe result, then mesh the bed
		p.cmd("page leveldata_36")
		p.cmd("leveling_36.tm0.en=0")
		p.cmd("leveling.tm0.en=0")
		p.probeMode = false
		return []Intent{ProbeFinish{Accept: true}, BedMesh{}}
	case 0x0A: // print page stats poll
		p.writeJobStats()
		return nil
	case 0x0B, 0x0C:
		return nil
	case 0x16:
		p.cmd("main.va0.val=1")
		p.cmd(`printpause.t0.txt="%s"`, safeText(p.shown.JobName))
		p.writeProgress()
		return nil
	default:
		return p.unknown("bed level", code)
	}
}

func (p *Panel) axisSelect(code int) []Intent {
	switch code {
	case 0x04:
		return []Intent{Home{Axes: "X Y Z"}}
	case 0x05:
		return []Intent{Home{Axes: "X"}}
	case 0x06:
		return []Intent{Home{Axes: "Y"}}
	case 0x07:
		return []Intent{Home{Axes: "Z"}}
	default:
		return p.unknown("axis", code)
	}
}

func (p *Panel) jog(axis string, code int, feedrate int) []Intent {
	switch code {
	case 0x01:
		return []Intent{Move{Axis: axis, Distance: p.moveUnit, Feedrate: feedrate}}
	case 0x02:
		return []Intent{Move{Axis: axis, Distance: -p.moveUnit, Feedrate: feedrate}}
	default:
		return p.unknown("jog "+axis, code)
	}
}

func (p *Panel) filament(code int) []Intent {
	switch code {
	case 0x01, 0x02:
		if p.shown.Phase == state.PhasePrinting {
			p.cmd("page warn1_filament")
			return nil
		}
		dist := float64(p.loadLen)
		if code == 0x01 { // load retracts toward the nozzle
			dist = -dist
		}
		return []Intent{Move{Axis: "E", Distance: dist, Feedrate: p.loadSpeed}}
	case 0x05, 0x06: // temp warning dialog
		return nil
	case 0x0A:
		p.cmd("page main")
		return nil
	default:
		return p.unknown("filament", code)
	}
}

func (p *Panel) printFile(code int) []Intent {
	switch code {
	case 0x01: // start selected file
		if p.selected < 0 || p.selected >= len(p.files) {
			log.Warn().Int("selected", p.selected).Msg("start with no valid selection")
			return nil
		}
		p.cmd("file%d.t%d.pco=65504", p.selected/filesPerPage+1, p.selected%filesPerPage)
		p.cmd(`printpause.printvalue.txt="0"`)
		p.cmd("printpause.printprocess.val=0")
		p.cmd("adjustzoffset.z_offset.val=%d", int(p.shown.ZOffset*100))
		p.cmd("page printpause")
		p.cmd("restFlag2=1")
		p.askPrint = false
		return []Intent{StartPrint{Filename: p.files[p.selected]}}
	case 0x02, 0x04, 0x06, 0x08, 0x09: // next page (+ repeat noise)
		if code == 0x02 && p.filePage < p.filePageCount() {
			p.filePage++
			p.renderFilePage()
		}
		return nil
	case 0x03, 0x05, 0x07: // previous page (+ repeat noise)
		if code == 0x03 && p.filePage > 1 {
			p.filePage--
			p.renderFilePage()
		}
		return nil
	case 0x0A: // back
		if p.askPrint {
			p.askPrint = false
			p.renderFilePage()
		} else {
			p.cmd("page main")
		}
		return nil
	default:
		return p.unknown("file", code)
	}
}

func (p *Panel) fileCompat(code int) []Intent {
	switch code {
	case 0x01, 0x03:
		if p.filePage > 1 {
			p.filePage--
			p.renderFilePage()
		}
		return nil
	case 0x0A:
		p.cmd("page main")
		return nil
	default:
		return p.unknown("file compat", code)
	}
}

func (p *Panel) selectFile(code int) []Intent {
	if len(p.files) == 0 {
		log.Warn().Msg("file select with no listing")
		return nil
	}

	idx := -1
	if code >= 1 && code <= filesPerPage {
		candidate := (p.filePage-1)*filesPerPage + code - 1
		if candidate < len(p.files) {
			idx = candidate
		}
	} else if code >= 1 && code <= len(p.files) {
		// Some firmware revisions report an absolute 1-based index.
		idx = code - 1
	}
	if idx < 0 {
		return p.unknown("file select", code)
	}

	p.selected = idx
	p.filePage = idx/filesPerPage + 1
	name := safeText(p.files[idx])
	p.cmd(`askprint.t0.txt="%s"`, name)
	p.cmd(`printpause.t0.txt="%s"`, name)
	p.cmd("askprint.cp0.close()")
	p.cmd("askprint.cp0.aph=0")
	p.cmd("page askprint")
	p.askPrint = true
	return []Intent{RequestThumbnail{}}
}

func (p *Panel) presetAdjust(code int, nozzle bool) []Intent {
	pr := &p.presets[p.presetIndex]
	field := &pr.bed
	if nozzle {
		field = &pr.nozzle
	}
	switch code {
	case 0x01:
		*field += p.tempUnit
	case 0x02:
		*field -= p.tempUnit
	default:
		return p.unknown("preset", code)
	}
	if nozzle {
		p.cmd("tempsetvalue.nozzletemp.val=%d", pr.nozzle)
	} else {
		p.cmd("tempsetvalue.bedtemp.val=%d", pr.bed)
	}
	return nil
}

// CurrentFile is the job whose preview the panel is showing: the file
// under the start-print prompt if one is selected, else the active job.
func (p *Panel) CurrentFile() string {
	if p.askPrint && p.selected >= 0 && p.selected < len(p.files) {
		return p.files[p.selected]
	}
	return p.shown.JobName
}

func (p *Panel) unknown(page string, code int) []Intent {
	log.Warn().Str("page", page).Int("code", code).Msg("unrecognised touch code")
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
