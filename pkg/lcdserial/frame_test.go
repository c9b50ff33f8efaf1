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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameBytes(cmd byte, payload ...byte) []byte {
	body := append([]byte{cmd}, payload...)
	out := []byte{HeaderOne, HeaderTwo, byte(len(body))}
	return append(out, body...)
}

func frameBytesCRC(cmd byte, payload ...byte) []byte {
	body := append([]byte{cmd}, payload...)
	sum := crc16(body)
	out := []byte{HeaderOne, HeaderTwo, byte(len(body) + 2)}
	out = append(out, body...)
	return append(out, byte(sum&0xFF), byte(sum>>8))
}

func TestDeframer_SingleFrame(t *testing.T) {
	t.Parallel()

	df := newDeframer(false)
	frames := df.feed(frameBytes(0x83, 0x10, 0x02, 0x01, 0x00, 0x01))

	require.Len(t, frames, 1)
	assert.Equal(t, byte(0x83), frames[0].Cmd)
	assert.Equal(t, []byte{0x10, 0x02, 0x01, 0x00, 0x01}, frames[0].Payload)
}

func TestDeframer_FrameSplitAcrossReads(t *testing.T) {
	t.Parallel()

	raw := frameBytes(0x83, 0x10, 0x02, 0x01)
	df := newDeframer(false)

	frames := df.feed(raw[:3])
	assert.Empty(t, frames)

	frames = df.feed(raw[3:])
	require.Len(t, frames, 1)
	assert.Equal(t, byte(0x83), frames[0].Cmd)
}

func TestDeframer_SkipsGarbageBetweenFrames(t *testing.T) {
	t.Parallel()

	var raw []byte
	raw = append(raw, 0x00, 0x12, 0xFF)
	raw = append(raw, frameBytes(0x42, 0x42, 0x01, 0x02, 0x61)...)
	raw = append(raw, 0x99)
	raw = append(raw, frameBytes(0x83, 0x10, 0x02, 0x01, 0x00, 0x01)...)

	df := newDeframer(false)
	frames := df.feed(raw)

	require.Len(t, frames, 2)
	assert.Equal(t, byte(0x42), frames[0].Cmd)
	assert.Equal(t, byte(0x83), frames[1].Cmd)
}

func TestDeframer_ValidCRCAccepted(t *testing.T) {
	t.Parallel()

	df := newDeframer(true)
	frames := df.feed(frameBytesCRC(0x83, 0x10, 0x02, 0x01, 0x00, 0x01))

	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0x10, 0x02, 0x01, 0x00, 0x01}, frames[0].Payload)
}

func TestDeframer_BadCRCDropped(t *testing.T) {
	t.Parallel()

	raw := frameBytesCRC(0x83, 0x10, 0x02, 0x01, 0x00, 0x01)
	raw[len(raw)-1] ^= 0xFF

	df := newDeframer(true)
	frames := df.feed(raw)
	assert.Empty(t, frames)

	// The stream recovers on the next good frame.
	frames = df.feed(frameBytesCRC(0x42, 0x42, 0x01, 0x02, 0x61))
	require.Len(t, frames, 1)
	assert.Equal(t, byte(0x42), frames[0].Cmd)
}

func TestDeframer_ShortLengthDropped(t *testing.T) {
	t.Parallel()

	df := newDeframer(true)
	// len=1 cannot hold cmd + CRC trailer.
	frames := df.feed([]byte{HeaderOne, HeaderTwo, 0x01, 0x83})
	assert.Empty(t, frames)
}

func TestCRC16_KnownVector(t *testing.T) {
	t.Parallel()

	// Standard CRC16-Modbus check value for "123456789".
	assert.Equal(t, uint16(0x4B37), crc16([]byte("123456789")))
}
