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

// Intent is a decoded user interaction that needs something from the
// printer. Pure page navigation never produces one; the panel handles
// that locally.
type Intent interface{ isIntent() }

// Home homes the given axes ("X", "Y", "Z", or "X Y Z").
type Home struct{ Axes string }

// Move jogs one axis by a relative distance at the given feedrate.
type Move struct {
	Axis     string
	Distance float64
	Feedrate int
}

// SetNozzleTemp sets the hotend target in degrees.
type SetNozzleTemp struct{ Target int }

// SetBedTemp sets the bed target in degrees.
type SetBedTemp struct{ Target int }

// SetFan sets the part fan duty in percent.
type SetFan struct{ Percent int }

// SetLight switches the chamber light.
type SetLight struct{ On bool }

// SetPrintSpeed sets the speed factor in percent.
type SetPrintSpeed struct{ Percent int }

// SetFlow sets the extrusion factor in percent.
type SetFlow struct{ Percent int }

// SetZOffset applies a new gcode z offset.
type SetZOffset struct{ Offset float64 }

// LimitField names one motion limit on the advanced settings page.
type LimitField int

const (
	LimitAccel LimitField = iota
	LimitCruiseRatio
	LimitVelocity
	LimitSquareCorner
)

// SetLimit adjusts one motion limit.
type SetLimit struct {
	Field LimitField
	Value float64
}

// ProbeCalibrate starts the z probe calibration flow.
type ProbeCalibrate struct{}

// ProbeAdjust babysteps the probe test height.
type ProbeAdjust struct{ Delta float64 }

// ProbeFinish accepts the probe result and leaves the flow. Accept is set
// when the user continues into mesh calibration; backing out instead
// persists the new offset to the firmware config.
type ProbeFinish struct{ Accept bool }

// BedMesh runs a full bed mesh calibration.
type BedMesh struct{}

// MotorsOff releases the steppers.
type MotorsOff struct{}

// JobAction is a control operation on the running job.
type JobAction int

const (
	JobPause JobAction = iota
	JobResume
	JobCancel
)

// JobControl pauses, resumes, or cancels the running job.
type JobControl struct{ Action JobAction }

// StartPrint begins printing the named file.
type StartPrint struct{ Filename string }

// SendCommand runs a raw gcode script: console input or a macro.
type SendCommand struct{ Script string }

// RefreshFiles asks for a fresh file listing before the browse page shows.
type RefreshFiles struct{}

// RequestThumbnail asks for the current job's preview to be uploaded.
type RequestThumbnail struct{}

func (Home) isIntent()             {}
func (Move) isIntent()             {}
func (SetNozzleTemp) isIntent()    {}
func (SetBedTemp) isIntent()       {}
func (SetFan) isIntent()           {}
func (SetLight) isIntent()         {}
func (SetPrintSpeed) isIntent()    {}
func (SetFlow) isIntent()          {}
func (SetZOffset) isIntent()       {}
func (SetLimit) isIntent()         {}
func (ProbeCalibrate) isIntent()   {}
func (ProbeAdjust) isIntent()      {}
func (ProbeFinish) isIntent()      {}
func (BedMesh) isIntent()          {}
func (MotorsOff) isIntent()        {}
func (JobControl) isIntent()       {}
func (StartPrint) isIntent()       {}
func (SendCommand) isIntent()      {}
func (RefreshFiles) isIntent()     {}
func (RequestThumbnail) isIntent() {}
