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

// Package service assembles the bridge: three supervised links, the state
// aggregator between them and the panel adapter on top. All panel access
// is confined to a single UI goroutine; blocking work runs on a serial
// worker queue and posts its results back to the UI goroutine.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/klipperlcd/core/pkg/config"
	"github.com/klipperlcd/core/pkg/console"
	"github.com/klipperlcd/core/pkg/firmware"
	"github.com/klipperlcd/core/pkg/hmi"
	"github.com/klipperlcd/core/pkg/lcdserial"
	"github.com/klipperlcd/core/pkg/moonraker"
	"github.com/klipperlcd/core/pkg/state"
	"github.com/klipperlcd/core/pkg/supervisor"
	"github.com/klipperlcd/core/pkg/thumbnail"
)

const (
	// gcodeStorePreload is how much console history to replay on boot.
	gcodeStorePreload = 50

	resyncTimeout = 10 * time.Second
	taskTimeout   = 8 * time.Minute
)

// Service owns every component of one bridge instance.
type Service struct {
	cfg    *config.Instance
	sup    *supervisor.Supervisor
	agg    *state.Aggregator
	fw     *firmware.Client
	api    *moonraker.Client
	stream *moonraker.Stream
	serial *lcdserial.Driver
	panel  *hmi.Panel
	cons   *console.Console

	thumbs *thumbnail.Cache

	frames  chan lcdserial.Frame
	lines   chan string
	tasks   chan func(context.Context)
	uiTasks chan func()

	// UI-goroutine state
	serialUp  bool
	booted    bool
	probeWait bool
}

// New assembles a service from configuration. Nothing connects until Run.
func New(cfg *config.Instance) *Service {
	fw := firmware.NewClient(cfg.SocketPath())
	api := moonraker.NewClient(cfg.APIURL(), cfg.APIKey())
	serial := lcdserial.NewDriver(cfg.SerialCRC())
	width, height := cfg.ThumbnailSize()

	return &Service{
		cfg:     cfg,
		sup:     supervisor.New(clockwork.NewRealClock()),
		agg:     state.New(clockwork.NewRealClock(), int(cfg.UpdateInterval()/time.Millisecond)),
		fw:      fw,
		api:     api,
		stream:  moonraker.NewStream(cfg.APIURL(), cfg.APIKey()),
		serial:  serial,
		panel:   hmi.NewPanel(serial),
		cons:    console.New(cfg.ConsoleCapacity(), fw),
		thumbs:  thumbnail.NewCache(api, width, height),
		frames:  make(chan lcdserial.Frame, 16),
		lines:   make(chan string, 32),
		tasks:   make(chan func(context.Context), 32),
		uiTasks: make(chan func(), 32),
	}
}

// Run starts every component and blocks until ctx is canceled or a
// component fails unrecoverably. Link failures are not unrecoverable.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	linkEvents := s.sup.Subscribe()

	g.Go(func() error { s.agg.Run(ctx); return nil })

	g.Go(func() error {
		s.sup.Run(ctx, supervisor.LinkSerial, s.serialConnect)
		return nil
	})
	g.Go(func() error {
		s.sup.Run(ctx, supervisor.LinkFirmware, s.fw.Connect)
		return nil
	})
	g.Go(func() error {
		s.sup.Run(ctx, supervisor.LinkJobAPI, s.stream.Connect)
		return nil
	})

	g.Go(func() error { return s.routeDeltas(ctx) })
	g.Go(func() error { return s.routeGCode(ctx) })
	g.Go(func() error { return s.resyncLoop(ctx) })
	g.Go(func() error { return s.workerLoop(ctx) })
	g.Go(func() error { return s.uiLoop(ctx, linkEvents) })

	return g.Wait()
}

// serialConnect is the panel link's ConnectFunc: open the device and pump
// frames until the port dies.
func (s *Service) serialConnect(ctx context.Context, up func()) error {
	frames, err := s.serial.Open(s.cfg.SerialPort(), s.cfg.Baud())
	if err != nil {
		return err
	}
	defer func() { _ = s.serial.Close() }()
	up()

	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				return fmt.Errorf("%w: device gone", lcdserial.ErrLink)
			}
			select {
			case s.frames <- f:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// routeDeltas fans both delta sources into the aggregator.
func (s *Service) routeDeltas(ctx context.Context) error {
	for {
		var d state.Delta
		select {
		case <-ctx.Done():
			return nil
		case d = <-s.fw.Deltas():
		case d = <-s.stream.Deltas():
		}
		select {
		case s.agg.Deltas() <- d:
		case <-ctx.Done():
			return nil
		}
	}
}

// routeGCode fans firmware and job-API gcode responses into one stream.
// Both sources report the same lines when both links are up; the console
// filter drops the periodic temperature chatter either way.
func (s *Service) routeGCode(ctx context.Context) error {
	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case line = <-s.fw.GCode():
		case line = <-s.stream.GCode():
		}
		select {
		case s.lines <- line:
		case <-ctx.Done():
			return nil
		}
	}
}

// resyncLoop answers the aggregator's full-state requests after a
// firmware reconnect.
func (s *Service) resyncLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.agg.Resync():
		}
		rctx, cancel := context.WithTimeout(ctx, resyncTimeout)
		if err := s.fw.QueryObjects(rctx, firmware.StatusObjects()); err != nil {
			log.Error().Err(err).Msg("full state query failed")
		}
		if err := s.fw.Info(rctx); err != nil {
			log.Warn().Err(err).Msg("firmware info query failed")
		}
		cancel()
	}
}

// workerLoop executes queued blocking work one task at a time so gcode
// dispatch order matches button-press order.
func (s *Service) workerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case task := <-s.tasks:
			tctx, cancel := context.WithTimeout(ctx, taskTimeout)
			task(tctx)
			cancel()
		}
	}
}

// enqueue hands blocking work to the worker. Dropped with a warning if
// the queue is saturated; the panel can re-press.
func (s *Service) enqueue(task func(context.Context)) {
	select {
	case s.tasks <- task:
	default:
		log.Warn().Msg("worker queue full, dropping request")
	}
}

// post schedules fn on the UI goroutine.
func (s *Service) post(fn func()) {
	select {
	case s.uiTasks <- fn:
	default:
		log.Warn().Msg("ui queue full, dropping update")
	}
}

// uiLoop is the only goroutine allowed to touch the panel.
func (s *Service) uiLoop(ctx context.Context, linkEvents <-chan supervisor.Change) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case f := <-s.frames:
			for _, in := range s.panel.HandleFrame(f) {
				s.dispatch(in)
			}

		case snap := <-s.agg.Updates():
			for _, in := range s.panel.Update(snap) {
				s.dispatch(in)
			}
			s.afterSnapshot(snap)

		case line := <-s.lines:
			if text, ok := console.FormatResponse(line); ok {
				s.cons.Observe(line)
				s.panel.WriteConsole(console.Entry{
					Time: time.Now(),
					Text: text,
					Dir:  console.Received,
				})
			}

		case c := <-linkEvents:
			s.applyLink(ctx, c)

		case fn := <-s.uiTasks:
			fn()
		}
	}
}

func (s *Service) applyLink(ctx context.Context, c supervisor.Change) {
	select {
	case s.agg.Links() <- c:
	case <-ctx.Done():
		return
	}

	if c.Link != supervisor.LinkSerial {
		return
	}
	switch c.Status {
	case supervisor.Connected:
		s.serialUp = true
		s.booted = false
		s.panel.StartupScreen()
		s.panel.BootProgress(20)
	case supervisor.Disconnected:
		s.serialUp = false
	}
}

// afterSnapshot handles work keyed off fresh printer state: finishing the
// boot sequence and detecting the end of probe homing.
func (s *Service) afterSnapshot(snap state.PrinterState) {
	if s.probeWait && snap.Homed.X && snap.Homed.Y && snap.Homed.Z {
		s.probeWait = false
		s.panel.ProbeModeStart()
	}

	if s.serialUp && !s.booted && !snap.Stale {
		s.booted = true
		s.panel.BootProgress(60)
		s.enqueue(s.finishBoot)
	}
}

// finishBoot preloads everything the panel shows besides live state:
// machine info, console history and the macro list. Runs on the worker;
// panel writes are posted back to the UI goroutine.
func (s *Service) finishBoot(ctx context.Context) {
	info, err := s.api.PrinterInfo(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("printer info preload failed")
	}

	var history []console.Entry
	entries, err := s.api.GCodeStore(ctx, gcodeStorePreload)
	if err != nil {
		log.Warn().Err(err).Msg("console history preload failed")
	}
	for _, e := range entries {
		dir := console.Received
		text := e.Message
		if e.Type == "command" {
			dir = console.Sent
		} else if formatted, ok := console.FormatResponse(e.Message); ok {
			text = formatted
		} else {
			continue
		}
		history = append(history, console.Entry{
			Time: time.Unix(int64(e.Time), 0),
			Text: text,
			Dir:  dir,
		})
	}
	s.cons.Preload(history)

	macros, err := s.api.Macros(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("macro preload failed")
	}

	s.post(func() {
		snap, serr := s.agg.Snapshot(context.Background())
		if serr == nil {
			s.panel.AboutMachine(snap.MachineSize, info.SoftwareVersion)
		}
		s.panel.WriteConsoleHistory(history)
		s.panel.WriteMacros(macros)
		s.panel.BootProgress(100)
		s.panel.ShowMain()
		log.Info().Str("firmware", info.SoftwareVersion).Msg("panel boot complete")
	})
}
