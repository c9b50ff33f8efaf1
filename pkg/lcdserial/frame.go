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

	"github.com/rs/zerolog/log"
)

// Inbound frame layout: 0x5A 0xA5 | len | cmd | payload. len counts every
// byte after itself, including the two CRC16 bytes when CRC is enabled on
// the panel.
const (
	HeaderOne = 0x5A
	HeaderTwo = 0xA5

	// minFrameLen is cmd alone; maxFrameLen bounds len so a corrupt length
	// byte cannot stall the deframer waiting for data that never comes.
	minFrameLen = 1
	maxFrameLen = 255
)

// ErrFrame marks a single-frame protocol violation (bad checksum, short
// length). Frames failing with it are dropped and the stream continues.
var ErrFrame = errors.New("invalid serial frame")

// Frame is one validated message from the panel. Payload excludes the CRC
// trailer.
type Frame struct {
	Payload []byte
	Cmd     byte
}

type rxState int

const (
	rxIdle rxState = iota
	rxHeader
	rxLen
	rxData
)

// deframer is a byte-at-a-time state machine. It owns no I/O; the driver
// feeds it raw reads and collects completed frames.
type deframer struct {
	buf      []byte
	frameLen int
	state    rxState
	crc      bool
}

func newDeframer(crc bool) *deframer {
	return &deframer{crc: crc}
}

// feed consumes a chunk of raw bytes and returns any frames completed by it.
func (d *deframer) feed(data []byte) []Frame {
	var frames []Frame
	for _, b := range data {
		if f := d.feedByte(b); f != nil {
			frames = append(frames, *f)
		}
	}
	return frames
}

func (d *deframer) feedByte(b byte) *Frame {
	switch d.state {
	case rxIdle:
		if b == HeaderOne {
			d.state = rxHeader
		} else {
			log.Debug().Uint8("byte", b).Msg("discarding byte outside frame")
		}
	case rxHeader:
		if b == HeaderTwo {
			d.state = rxLen
		} else {
			log.Warn().Uint8("byte", b).Msg("unexpected second header byte")
			d.reset()
		}
	case rxLen:
		if int(b) < d.minLen() {
			log.Warn().Uint8("len", b).Msg("dropping frame with short length")
			d.reset()
			return nil
		}
		d.frameLen = int(b)
		d.buf = d.buf[:0]
		d.state = rxData
	case rxData:
		d.buf = append(d.buf, b)
		if len(d.buf) >= d.frameLen {
			f, err := d.complete()
			d.reset()
			if err != nil {
				log.Warn().Err(err).Msg("dropping corrupt serial frame")
				return nil
			}
			return f
		}
	}
	return nil
}

func (d *deframer) minLen() int {
	if d.crc {
		return minFrameLen + 2
	}
	return minFrameLen
}

func (d *deframer) complete() (*Frame, error) {
	body := d.buf
	if d.crc {
		want := uint16(body[len(body)-2]) | uint16(body[len(body)-1])<<8
		body = body[:len(body)-2]
		if got := crc16(body); got != want {
			return nil, errors.Join(ErrFrame, errors.New("checksum mismatch"))
		}
	}
	f := &Frame{Cmd: body[0]}
	if len(body) > 1 {
		f.Payload = append([]byte(nil), body[1:]...)
	}
	return f, nil
}

func (d *deframer) reset() {
	d.state = rxIdle
	d.frameLen = 0
	d.buf = d.buf[:0]
}

// crc16 is CRC16-Modbus, the checksum the panel firmware appends when its
// CRC option is enabled.
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
