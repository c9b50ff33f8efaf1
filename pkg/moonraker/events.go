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
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/klipperlcd/core/pkg/state"
)

const (
	wsPath         = "/websocket"
	wsPingInterval = 20 * time.Second
	wsReadLimit    = 1 << 20
)

// notification is the JSON-RPC frame the server pushes. Notifications have
// no id; params shape depends on the method.
type notification struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// Stream consumes the job-API event socket and turns the pushes the panel
// cares about into the aggregator's delta type. It is an optional second
// source: the firmware socket stays authoritative, the stream just lowers
// latency for job events.
type Stream struct {
	dialer  *websocket.Dialer
	baseURL string
	apiKey  string
	deltas  chan state.Delta
	gcode   chan string
}

// NewStream builds an event stream for the server at baseURL.
func NewStream(baseURL, apiKey string) *Stream {
	return &Stream{
		dialer:  websocket.DefaultDialer,
		baseURL: baseURL,
		apiKey:  apiKey,
		deltas:  make(chan state.Delta, 64),
		gcode:   make(chan string, 64),
	}
}

// Deltas carries normalized status updates.
func (s *Stream) Deltas() <-chan state.Delta { return s.deltas }

// GCode carries console response lines.
func (s *Stream) GCode() <-chan string { return s.gcode }

// Connect dials the event socket and pumps notifications until the socket
// dies or ctx is canceled. Matches the supervisor's ConnectFunc shape.
func (s *Stream) Connect(ctx context.Context, up func()) error {
	wsURL, err := s.socketURL()
	if err != nil {
		return err
	}

	header := http.Header{}
	if s.apiKey != "" {
		header.Set("X-Api-Key", s.apiKey)
	}
	conn, resp, err := s.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s: %w", wsURL, resp.Status, err)
		}
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Debug().Err(err).Msg("closing event socket")
		}
	}()
	conn.SetReadLimit(wsReadLimit)
	up()

	// Reader unblocks on conn.Close when ctx fires.
	done := make(chan error, 1)
	go func() { done <- s.readLoop(conn) }()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			<-done
			return ctx.Err()
		case err := <-done:
			return err
		case <-ping.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = conn.Close()
				<-done
				return fmt.Errorf("event socket ping: %w", err)
			}
		}
	}
}

func (s *Stream) socketURL() (string, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = wsPath
	return u.String(), nil
}

func (s *Stream) readLoop(conn *websocket.Conn) error {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("event socket read: %w", err)
		}
		s.dispatch(message)
	}
}

func (s *Stream) dispatch(message []byte) {
	var n notification
	if err := json.Unmarshal(message, &n); err != nil {
		log.Warn().Err(err).Msg("dropping malformed event frame")
		return
	}

	switch n.Method {
	case "notify_status_update":
		if len(n.Params) == 0 {
			return
		}
		var objects map[string]json.RawMessage
		if err := json.Unmarshal(n.Params[0], &objects); err != nil {
			log.Warn().Err(err).Msg("dropping malformed status notification")
			return
		}
		select {
		case s.deltas <- state.Delta{Objects: objects}:
		default:
			log.Warn().Msg("dropping job api delta, consumer not draining")
		}
	case "notify_gcode_response":
		if len(n.Params) == 0 {
			return
		}
		var line string
		if err := json.Unmarshal(n.Params[0], &line); err != nil {
			return
		}
		select {
		case s.gcode <- line:
		default:
		}
	case "notify_klippy_shutdown":
		s.phaseDelta(state.PhaseShutdown)
	case "notify_klippy_ready":
		// The firmware socket resync handles the real refresh.
		log.Info().Msg("job api reports firmware ready")
	case "":
		// Responses to our own requests; the stream sends none.
	default:
		log.Debug().Str("method", n.Method).Msg("ignoring event notification")
	}
}

func (s *Stream) phaseDelta(phase state.Phase) {
	raw, _ := json.Marshal(map[string]string{"state": string(phase)})
	delta := state.Delta{Objects: map[string]json.RawMessage{
		"print_stats": raw,
	}}
	select {
	case s.deltas <- delta:
	default:
	}
}
