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
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

// mockPort replays scripted reads and records writes.
type mockPort struct {
	readErr error
	reads   [][]byte
	writes  [][]byte
	mu      sync.Mutex
	closed  bool
}

func (m *mockPort) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.reads) > 0 {
		n := copy(p, m.reads[0])
		m.reads = m.reads[1:]
		return n, nil
	}
	if m.readErr != nil {
		return 0, m.readErr
	}
	if m.closed {
		return 0, io.ErrClosedPipe
	}
	// Simulate a poll timeout with no data.
	return 0, nil
}

func (m *mockPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, io.ErrClosedPipe
	}
	m.writes = append(m.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (m *mockPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (*mockPort) SetReadTimeout(time.Duration) error { return nil }

func newTestDriver(port *mockPort) *Driver {
	d := NewDriver(false)
	d.portFactory = func(string, *serial.Mode) (Port, error) {
		return port, nil
	}
	return d
}

func TestDriver_OpenFailureIsLinkError(t *testing.T) {
	t.Parallel()

	d := NewDriver(false)
	d.portFactory = func(string, *serial.Mode) (Port, error) {
		return nil, errors.New("no such device")
	}

	_, err := d.Open("/dev/ttyAMA0", 115200)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrLink)
	assert.False(t, d.Connected())
}

func TestDriver_DeliversFramesFromPort(t *testing.T) {
	t.Parallel()

	port := &mockPort{reads: [][]byte{frameBytes(0x83, 0x10, 0x02, 0x01, 0x00, 0x01)}}
	d := newTestDriver(port)

	frames, err := d.Open("/dev/ttyAMA0", 115200)
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	select {
	case f := <-frames:
		assert.Equal(t, byte(0x83), f.Cmd)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestDriver_ReadErrorClosesFrameChannel(t *testing.T) {
	t.Parallel()

	port := &mockPort{readErr: errors.New("device unplugged")}
	d := newTestDriver(port)

	frames, err := d.Open("/dev/ttyAMA0", 115200)
	require.NoError(t, err)

	select {
	case _, ok := <-frames:
		assert.False(t, ok, "channel should close on read error")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
	assert.False(t, d.Connected())
}

func TestDriver_WriteCommandAppendsTerminator(t *testing.T) {
	t.Parallel()

	port := &mockPort{}
	d := newTestDriver(port)

	_, err := d.Open("/dev/ttyAMA0", 115200)
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	require.NoError(t, d.WriteCommand("page main"))

	port.mu.Lock()
	defer port.mu.Unlock()
	require.Len(t, port.writes, 1)
	assert.Equal(t, append([]byte("page main"), 0xFF, 0xFF, 0xFF), port.writes[0])
}

func TestDriver_WriteWhenClosedIsLinkError(t *testing.T) {
	t.Parallel()

	d := NewDriver(false)
	err := d.WriteCommand("page main")
	require.ErrorIs(t, err, ErrLink)
}

func TestDriver_ReopenYieldsFreshChannel(t *testing.T) {
	t.Parallel()

	port := &mockPort{}
	d := newTestDriver(port)

	first, err := d.Open("/dev/ttyAMA0", 115200)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	select {
	case _, ok := <-first:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first channel to close")
	}

	second := &mockPort{}
	d.portFactory = func(string, *serial.Mode) (Port, error) { return second, nil }

	frames, err := d.Open("/dev/ttyAMA0", 115200)
	require.NoError(t, err)
	defer func() { _ = d.Close() }()
	assert.NotNil(t, frames)
}
