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

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/klipperlcd/core/pkg/config"
	"github.com/klipperlcd/core/pkg/helpers"
	"github.com/klipperlcd/core/pkg/service"
)

// Exit codes. A distinct code for bad configuration keeps the service
// manager from endlessly restarting a process that cannot be fixed by
// restarting.
const (
	exitFatal  = 1
	exitConfig = 2
)

func main() {
	configPath := flag.String("config", "/etc/klipperlcd.toml", "path to the configuration file")
	logDir := flag.String("logdir", "/var/log/klipperlcd", "directory for rotated log files")
	verbose := flag.Bool("verbose", false, "also log to stderr")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}

	var extra []io.Writer
	if *verbose {
		extra = append(extra, zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if err := helpers.InitLogging(*logDir, cfg.LogLevel(), extra...); err != nil {
		fmt.Fprintln(os.Stderr, "logging setup failed:", err)
		os.Exit(exitFatal)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("config", cfg.Path()).Msg("starting klipperlcd bridge")

	if err := service.New(cfg).Run(ctx); err != nil {
		log.Error().Err(err).Msg("bridge terminated")
		os.Exit(exitFatal)
	}
	log.Info().Msg("bridge stopped")
}
