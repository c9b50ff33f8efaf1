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

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/klipperlcd/core/pkg/console"
	"github.com/klipperlcd/core/pkg/hmi"
	"github.com/klipperlcd/core/pkg/thumbnail"
)

// dispatch routes one panel intent. It runs on the UI goroutine, so
// anything that blocks is pushed onto the worker queue; the queue keeps
// dispatch order.
func (s *Service) dispatch(in hmi.Intent) {
	switch v := in.(type) {
	case hmi.Home:
		s.runGCode("G28 " + v.Axes)
	case hmi.Move:
		s.runGCode(formatMove(v))
	case hmi.SetNozzleTemp:
		s.runGCode(fmt.Sprintf("M104 T0 S%d", v.Target))
	case hmi.SetBedTemp:
		s.runGCode(fmt.Sprintf("M140 S%d", v.Target))
	case hmi.SetFan:
		s.runGCode(fmt.Sprintf("M106 S%d", v.Percent*255/100))
	case hmi.SetLight:
		if v.On {
			s.runGCode("SET_LED LED=top_LEDs WHITE=0.5 SYNC=0 TRANSMIT=1")
		} else {
			s.runGCode("SET_LED LED=top_LEDs WHITE=0 SYNC=0 TRANSMIT=1")
		}
	case hmi.SetPrintSpeed:
		s.runGCode(fmt.Sprintf("M220 S%d", v.Percent))
	case hmi.SetFlow:
		s.runGCode(fmt.Sprintf("M221 S%d", v.Percent))
	case hmi.SetZOffset:
		s.runGCode(fmt.Sprintf("SET_GCODE_OFFSET Z=%.3f MOVE=1", v.Offset))
	case hmi.SetLimit:
		s.runGCode(formatLimit(v))
	case hmi.MotorsOff:
		s.runGCode("M18")

	case hmi.ProbeCalibrate:
		s.probeWait = true
		s.enqueue(func(ctx context.Context) {
			snap, err := s.agg.Snapshot(ctx)
			if err == nil && !(snap.Homed.X && snap.Homed.Y && snap.Homed.Z) {
				s.runGCodeNow(ctx, "G28")
			}
			s.runGCodeNow(ctx, "PROBE_CALIBRATE")
			s.runGCodeNow(ctx, "G1 Z0.0")
		})
	case hmi.ProbeAdjust:
		s.runGCode(fmt.Sprintf("TESTZ Z=%g", v.Delta))
	case hmi.ProbeFinish:
		s.enqueue(func(ctx context.Context) {
			s.runGCodeNow(ctx, "ACCEPT")
			s.runGCodeNow(ctx, "G1 F1000 Z15.0")
			if !v.Accept {
				s.runGCodeNow(ctx, "SAVE_CONFIG")
			}
		})
	case hmi.BedMesh:
		s.runGCode("BED_MESH_CALIBRATE PROFILE=default METHOD=automatic")

	case hmi.JobControl:
		s.jobControl(v.Action)
	case hmi.StartPrint:
		s.enqueue(func(ctx context.Context) {
			// Re-slicing a file keeps its name; never serve the old preview.
			s.thumbs.Invalidate()
			if err := s.api.StartPrint(ctx, v.Filename); err != nil {
				log.Error().Err(err).Str("file", v.Filename).Msg("print start failed")
			}
		})

	case hmi.SendCommand:
		s.sendCommand(v.Script)

	case hmi.RefreshFiles:
		s.enqueue(func(ctx context.Context) {
			files, err := s.api.ListFiles(ctx)
			if err != nil {
				log.Error().Err(err).Msg("file listing failed")
				s.post(func() { s.panel.ShowFiles(nil) })
				return
			}
			names := make([]string, 0, len(files))
			for _, f := range files {
				names = append(names, f.Path)
			}
			s.post(func() { s.panel.ShowFiles(names) })
		})

	case hmi.RequestThumbnail:
		// CurrentFile must be read here, while still on the UI goroutine.
		file := s.panel.CurrentFile()
		s.enqueue(func(ctx context.Context) {
			data, err := s.thumbs.Get(ctx, file)
			if err != nil {
				if !errors.Is(err, thumbnail.ErrNoThumbnail) {
					log.Warn().Err(err).Str("file", file).Msg("thumbnail fetch failed")
				}
				return
			}
			s.post(func() { s.panel.WriteThumbnail(data) })
		})

	default:
		log.Warn().Type("intent", in).Msg("unhandled panel intent")
	}
}

// runGCode queues a script through the job API's gcode endpoint, the
// same path the panel's physical predecessor used for UI actions.
func (s *Service) runGCode(script string) {
	if script == "" {
		return
	}
	s.enqueue(func(ctx context.Context) { s.runGCodeNow(ctx, script) })
}

func (s *Service) runGCodeNow(ctx context.Context, script string) {
	if err := s.api.RunGCode(ctx, script); err != nil {
		log.Error().Err(err).Str("script", script).Msg("gcode dispatch failed")
	}
}

func (s *Service) jobControl(action hmi.JobAction) {
	s.enqueue(func(ctx context.Context) {
		var err error
		switch action {
		case hmi.JobPause:
			err = s.api.PauseJob(ctx)
		case hmi.JobResume:
			err = s.api.ResumeJob(ctx)
		case hmi.JobCancel:
			err = s.api.CancelJob(ctx)
		}
		if err != nil {
			log.Error().Err(err).Int("action", int(action)).Msg("job control failed")
		}
	})
}

// sendCommand runs free text from the panel's console through the
// firmware socket so the command and its response land in the log.
// M112 bypasses the gcode queue entirely.
func (s *Service) sendCommand(script string) {
	if strings.EqualFold(strings.TrimSpace(script), "M112") {
		s.enqueue(func(ctx context.Context) {
			if err := s.fw.EmergencyStop(ctx); err != nil {
				log.Error().Err(err).Msg("emergency stop failed")
			}
		})
		return
	}
	s.enqueue(func(ctx context.Context) {
		err := s.cons.Send(ctx, script)
		s.post(func() {
			s.panel.WriteConsole(console.Entry{Text: script, Dir: console.Sent})
			if err != nil {
				s.panel.WriteConsole(console.Entry{Text: "!! " + err.Error(), Dir: console.Received})
			}
		})
	})
}

func formatMove(v hmi.Move) string {
	return fmt.Sprintf("G91\nG1 %s%g F%d\nG90", v.Axis, v.Distance, v.Feedrate)
}

func formatLimit(v hmi.SetLimit) string {
	switch v.Field {
	case hmi.LimitAccel:
		return fmt.Sprintf("SET_VELOCITY_LIMIT ACCEL=%d", int(v.Value))
	case hmi.LimitCruiseRatio:
		return fmt.Sprintf("SET_VELOCITY_LIMIT MINIMUM_CRUISE_RATIO=%.2f", v.Value/100)
	case hmi.LimitVelocity:
		return fmt.Sprintf("SET_VELOCITY_LIMIT VELOCITY=%d", int(v.Value))
	case hmi.LimitSquareCorner:
		return fmt.Sprintf("SET_VELOCITY_LIMIT SQUARE_CORNER_VELOCITY=%.1f", v.Value)
	default:
		return ""
	}
}
