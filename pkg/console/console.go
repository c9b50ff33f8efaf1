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

// Package console keeps the gcode console the panel renders: a bounded
// history of sent commands and firmware responses.
package console

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Direction tags an entry as something we sent or something the firmware
// said.
type Direction int

const (
	Sent Direction = iota
	Received
)

// Entry is one console line.
type Entry struct {
	Time time.Time
	Text string
	Dir  Direction
}

// Runner executes a gcode script. Satisfied by the firmware client.
type Runner interface {
	RunScript(ctx context.Context, script string) error
}

// Console is a fixed-capacity gcode history with FIFO eviction. Safe for
// concurrent use.
type Console struct {
	now     func() time.Time
	runner  Runner
	mu      sync.Mutex
	entries []Entry
	cap     int
}

// New builds a console holding at most capacity entries that dispatches
// commands through runner.
func New(capacity int, runner Runner) *Console {
	return &Console{
		cap:    capacity,
		runner: runner,
		now:    time.Now,
	}
}

// Send records the command, dispatches it, and returns the dispatch error.
// The command stays in the history whether or not the firmware accepted
// it, mirroring what the user actually typed.
func (c *Console) Send(ctx context.Context, command string) error {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil
	}
	c.append(Entry{Time: c.now(), Dir: Sent, Text: command})

	err := c.runner.RunScript(ctx, command)
	if err != nil {
		log.Warn().Err(err).Str("command", command).Msg("console dispatch failed")
		c.append(Entry{Time: c.now(), Dir: Received, Text: "!! " + err.Error()})
	}
	return err
}

// Observe feeds one firmware response line into the history. Temperature
// report chatter is dropped, comment and echo prefixes stripped.
func (c *Console) Observe(line string) {
	text, ok := FormatResponse(line)
	if !ok {
		return
	}
	c.append(Entry{Time: c.now(), Dir: Received, Text: text})
}

// Preload seeds history from persisted lines, oldest first. Used once at
// startup with the job API's gcode store.
func (c *Console) Preload(entries []Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		c.entries = append(c.entries, e)
	}
	c.evictLocked()
}

// Entries returns the history oldest first.
func (c *Console) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

func (c *Console) append(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	c.evictLocked()
}

func (c *Console) evictLocked() {
	if over := len(c.entries) - c.cap; over > 0 {
		c.entries = append(c.entries[:0], c.entries[over:]...)
	}
}

// FormatResponse normalizes one firmware response line for display.
// Returns false for lines that should not reach the panel.
func FormatResponse(line string) (string, bool) {
	// Periodic temperature reports would drown everything else out.
	if strings.Contains(line, "B:") && strings.Contains(line, "T0:") {
		return "", false
	}
	line = strings.ReplaceAll(line, "// ", "")
	line = strings.ReplaceAll(line, "echo: ", "")
	// Firmware renders unknown glyphs as runs of question marks.
	line = strings.ReplaceAll(line, "??????", "?")
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}
	return line, true
}
