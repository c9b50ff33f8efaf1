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

// Package helpers holds small shared plumbing with no domain logic.
package helpers

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/klipperlcd/core/pkg/config"
)

// InitLogging routes the global logger to a size-rotated file in logDir,
// plus any extra writers (a console writer when running interactively).
func InitLogging(logDir string, level zerolog.Level, extra ...io.Writer) error {
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return err
	}

	writers := []io.Writer{&lumberjack.Logger{
		Filename:   filepath.Join(logDir, config.LogFile),
		MaxSize:    1,
		MaxBackups: 2,
	}}
	writers = append(writers, extra...)

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(io.MultiWriter(writers...)).
		With().Timestamp().Caller().Logger()

	return nil
}
