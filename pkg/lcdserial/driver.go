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

package lcdserial

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

// ErrLink marks a connection-level serial failure (open, read or write).
// Recovery is owned by the link supervisor, not by this driver.
var ErrLink = errors.New("serial link failure")

// commandTerminator closes every outbound text command to the panel.
var commandTerminator = []byte{0xFF, 0xFF, 0xFF}

// Port defines the serial port operations the driver needs (for mocking in
// tests).
type Port interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error
	SetReadTimeout(t time.Duration) error
}

// PortFactory creates a serial port connection.
type PortFactory func(path string, mode *serial.Mode) (Port, error)

// DefaultPortFactory is the default factory that opens real serial ports.
func DefaultPortFactory(path string, mode *serial.Mode) (Port, error) {
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port: %w", err)
	}
	return port, nil
}

// Driver owns exclusive access to the panel's serial device for the lifetime
// of one connection. It performs byte-accurate framing only; protocol
// semantics live in the hmi package.
type Driver struct {
	port        Port
	portFactory PortFactory
	frames      chan Frame
	crc         bool
	mu          sync.Mutex
	open        bool
}

func NewDriver(crc bool) *Driver {
	return &Driver{
		portFactory: DefaultPortFactory,
		crc:         crc,
	}
}

// Open acquires the device and starts the read loop. The returned channel
// carries inbound frames until the link fails or Close is called, at which
// point it is closed; a subsequent Open yields a fresh channel.
func (d *Driver) Open(path string, baud int) (<-chan Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.open {
		return nil, fmt.Errorf("%w: device already open", ErrLink)
	}

	port, err := d.portFactory(path, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrLink, path, err)
	}
	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("%w: set read timeout: %w", ErrLink, err)
	}

	d.port = port
	d.open = true
	d.frames = make(chan Frame, 16)

	go d.readLoop(port, d.frames)

	return d.frames, nil
}

func (d *Driver) readLoop(port Port, frames chan<- Frame) {
	defer close(frames)

	df := newDeframer(d.crc)
	buf := make([]byte, 256)
	for {
		n, err := port.Read(buf)
		if err != nil {
			d.mu.Lock()
			wasOpen := d.open
			d.mu.Unlock()
			if wasOpen {
				log.Error().Err(err).Msg("serial read failed")
				_ = d.Close()
			}
			return
		}
		if n == 0 {
			// Read timeout with no data; keep polling so Close is noticed.
			continue
		}
		for _, f := range df.feed(buf[:n]) {
			frames <- f
		}
	}
}

// WriteCommand sends a text command terminated with the panel's 0xFF 0xFF
// 0xFF end-of-command marker.
func (d *Driver) WriteCommand(cmd string) error {
	buf := make([]byte, 0, len(cmd)+len(commandTerminator))
	buf = append(buf, cmd...)
	buf = append(buf, commandTerminator...)
	return d.WriteRaw(buf)
}

// WriteRaw sends bytes without any framing. Used for streaming thumbnail
// chunk payloads where the terminator is managed by the caller.
func (d *Driver) WriteRaw(data []byte) error {
	d.mu.Lock()
	port := d.port
	open := d.open
	d.mu.Unlock()

	if !open || port == nil {
		return fmt.Errorf("%w: device not open", ErrLink)
	}
	if _, err := port.Write(data); err != nil {
		return fmt.Errorf("%w: write: %w", ErrLink, err)
	}
	return nil
}

// Connected reports whether the device is currently held open.
func (d *Driver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// Close releases the device. Safe to call multiple times.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return nil
	}
	d.open = false
	if err := d.port.Close(); err != nil {
		return fmt.Errorf("%w: close: %w", ErrLink, err)
	}
	return nil
}
