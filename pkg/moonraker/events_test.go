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

package moonraker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startEventServer runs a websocket endpoint that sends each frame in
// order after the client connects.
func startEventServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, wsPath, r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		for _, frame := range frames {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
		}
		// Keep the socket open until the client walks away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamNormalizesStatusUpdates(t *testing.T) {
	t.Parallel()

	srv := startEventServer(t, []string{
		`{"jsonrpc":"2.0","method":"notify_status_update","params":[{"virtual_sdcard":{"progress":0.5}},123.4]}`,
		`{"jsonrpc":"2.0","method":"notify_gcode_response","params":["B: something"]}`,
	})

	stream := NewStream(srv.URL, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- stream.Connect(ctx, func() {}) }()

	select {
	case d := <-stream.Deltas():
		assert.Contains(t, d.Objects, "virtual_sdcard")
		assert.False(t, d.Full)
	case <-time.After(time.Second):
		t.Fatal("no delta from status notification")
	}
	select {
	case line := <-stream.GCode():
		assert.Equal(t, "B: something", line)
	case <-time.After(time.Second):
		t.Fatal("no console line from notification")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestStreamShutdownNotificationBecomesPhaseDelta(t *testing.T) {
	t.Parallel()

	srv := startEventServer(t, []string{
		`{"jsonrpc":"2.0","method":"notify_klippy_shutdown","params":[]}`,
	})

	stream := NewStream(srv.URL, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = stream.Connect(ctx, func() {}) }()

	select {
	case d := <-stream.Deltas():
		assert.JSONEq(t, `{"state":"shutdown"}`, string(d.Objects["print_stats"]))
	case <-time.After(time.Second):
		t.Fatal("no shutdown delta")
	}
}

func TestStreamMalformedFrameSurvives(t *testing.T) {
	t.Parallel()

	srv := startEventServer(t, []string{
		`this is not json`,
		`{"jsonrpc":"2.0","method":"notify_gcode_response","params":["ok"]}`,
	})

	stream := NewStream(srv.URL, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = stream.Connect(ctx, func() {}) }()

	select {
	case line := <-stream.GCode():
		assert.Equal(t, "ok", line)
	case <-time.After(time.Second):
		t.Fatal("stream did not survive malformed frame")
	}
}

func TestStreamServerGoneIsError(t *testing.T) {
	t.Parallel()

	// Hijacked connections outlive CloseClientConnections, so the
	// handler has to drop the socket itself.
	drop := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		<-drop
		conn.Close()
	}))
	t.Cleanup(srv.Close)

	stream := NewStream(srv.URL, "")
	up := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- stream.Connect(context.Background(), func() { close(up) })
	}()
	<-up
	close(drop)

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("server close not surfaced")
	}
}
