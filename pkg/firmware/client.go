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

// Package firmware speaks the firmware host's local API socket: a unix
// stream of compact JSON documents, each terminated by a 0x03 byte.
// Requests carry a correlation id that the host echoes back; subscription
// pushes arrive without one.
package firmware

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/klipperlcd/core/pkg/state"
)

// frameDelimiter terminates every document in both directions.
const frameDelimiter = 0x03

const (
	defaultCallTimeout = 5 * time.Second
	// maxCallStrikes consecutive Call timeouts are treated as a dead
	// socket even when the kernel still reports it open.
	maxCallStrikes = 3
)

var (
	// ErrCallTimeout marks a single unanswered request. The link itself
	// may still be healthy.
	ErrCallTimeout = errors.New("firmware: call timed out")
	// ErrDisconnected marks a dead link; the supervisor owns the retry.
	ErrDisconnected = errors.New("firmware: disconnected")
)

// DialFunc opens the transport. Swapped for net.Pipe in tests.
type DialFunc func(ctx context.Context, path string) (net.Conn, error)

func defaultDial(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", path)
}

type request struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type envelope struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Params json.RawMessage `json:"params"`
}

type rpcError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("firmware: rpc error %d: %s", e.Code, e.Message)
}

// push is the body of a subscription notification.
type push struct {
	Status   map[string]json.RawMessage `json:"status"`
	Response *string                    `json:"response"`
}

// Client is one logical connection to the firmware socket. A Client is
// reusable across reconnects; each Connect call owns one transport
// session.
type Client struct {
	path        string
	dial        DialFunc
	callTimeout time.Duration

	deltas chan state.Delta
	gcode  chan string

	mu      sync.Mutex
	conn    net.Conn
	pending map[string]chan envelope
	strikes int
	dead    chan struct{}
}

// NewClient builds a client for the socket at path.
func NewClient(path string) *Client {
	return &Client{
		path:        path,
		dial:        defaultDial,
		callTimeout: defaultCallTimeout,
		deltas:      make(chan state.Delta, 64),
		gcode:       make(chan string, 64),
		pending:     make(map[string]chan envelope),
	}
}

// SetDialFunc overrides the transport dialer. Test hook.
func (c *Client) SetDialFunc(dial DialFunc) { c.dial = dial }

// Deltas carries decoded status updates, full query results included.
func (c *Client) Deltas() <-chan state.Delta { return c.deltas }

// GCode carries console response lines from gcode/subscribe_output.
func (c *Client) GCode() <-chan string { return c.gcode }

// Connect dials the socket, subscribes, reports the link up, then blocks
// until the session dies or ctx is canceled. It matches the supervisor's
// ConnectFunc shape; the error return is what the supervisor backs off on.
func (c *Client) Connect(ctx context.Context, up func()) error {
	conn, err := c.dial(ctx, c.path)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.path, err)
	}

	dead := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.strikes = 0
	c.dead = dead
	c.mu.Unlock()

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(conn) }()

	if err := c.subscribe(ctx); err != nil {
		c.teardown(conn)
		<-readErr
		return fmt.Errorf("subscribe: %w", err)
	}
	up()

	select {
	case <-ctx.Done():
		c.teardown(conn)
		<-readErr
		return ctx.Err()
	case err := <-readErr:
		c.teardown(conn)
		return err
	case <-dead:
		c.teardown(conn)
		<-readErr
		return fmt.Errorf("%w: %d consecutive call timeouts", ErrDisconnected, maxCallStrikes)
	}
}

// StatusObjects is the object set the panel renders from. Used for both
// the subscription and full resync queries.
func StatusObjects() map[string]any {
	return map[string]any{
		"print_stats":    nil,
		"virtual_sdcard": nil,
		"extruder":       nil,
		"heater_bed":     nil,
		"fan":            nil,
		"toolhead":       nil,
		"gcode_move":     nil,
	}
}

// subscribe registers for object status pushes and console output.
func (c *Client) subscribe(ctx context.Context) error {
	if _, err := c.Call(ctx, "objects/subscribe", map[string]any{
		"objects":           StatusObjects(),
		"response_template": map[string]any{},
	}); err != nil {
		return err
	}
	_, err := c.Call(ctx, "gcode/subscribe_output", map[string]any{
		"response_template": map[string]any{},
	})
	return err
}

// Call sends one request and waits for the matching response. A timeout
// returns ErrCallTimeout; the response, should it still arrive, is
// discarded. Repeated timeouts kill the session.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := uuid.NewString()
	reply := make(chan envelope, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrDisconnected
	}
	c.pending[id] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(conn, request{ID: id, Method: method, Params: params}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()
	select {
	case env := <-reply:
		c.resetStrikes()
		if env.Error != nil {
			return nil, env.Error
		}
		return env.Result, nil
	case <-timer.C:
		c.strike(method)
		return nil, fmt.Errorf("%w: %s", ErrCallTimeout, method)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// QueryObjects performs a full-state query. The result is also decoded and
// delivered on Deltas as a full snapshot, which is how a resync completes.
func (c *Client) QueryObjects(ctx context.Context, objects map[string]any) error {
	result, err := c.Call(ctx, "objects/query", map[string]any{"objects": objects})
	if err != nil {
		return err
	}
	var body push
	if err := json.Unmarshal(result, &body); err != nil {
		return fmt.Errorf("decode objects/query result: %w", err)
	}
	c.emitDelta(state.Delta{Objects: body.Status, Full: true})
	return nil
}

// RunScript submits a gcode script for execution. The call blocks until
// the firmware acknowledges it, so long-running scripts should use a
// generous ctx.
func (c *Client) RunScript(ctx context.Context, script string) error {
	_, err := c.Call(ctx, "gcode/script", map[string]any{"script": script})
	return err
}

// Info fetches the firmware build description and forwards the software
// version as a delta.
func (c *Client) Info(ctx context.Context) error {
	result, err := c.Call(ctx, "info", nil)
	if err != nil {
		return err
	}
	c.emitDelta(state.Delta{Objects: map[string]json.RawMessage{"printer_info": result}})
	return nil
}

// EmergencyStop fires the firmware's emergency stop. No response is
// expected to arrive before the host shuts down, so timeouts are not
// treated as strikes here.
func (c *Client) EmergencyStop(ctx context.Context) error {
	_, err := c.Call(ctx, "emergency_stop", nil)
	if errors.Is(err, ErrCallTimeout) {
		return nil
	}
	return err
}

func (c *Client) send(conn net.Conn, req request) error {
	buf, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	buf = append(buf, frameDelimiter)
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("%w: write: %w", ErrDisconnected, err)
	}
	return nil
}

func (c *Client) readLoop(conn net.Conn) error {
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes(frameDelimiter)
		if err != nil {
			return fmt.Errorf("%w: read: %w", ErrDisconnected, err)
		}
		c.dispatch(line[:len(line)-1])
	}
}

func (c *Client) dispatch(line []byte) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		log.Warn().Err(err).Int("len", len(line)).Msg("dropping malformed firmware line")
		return
	}

	if env.ID != "" {
		c.mu.Lock()
		reply, ok := c.pending[env.ID]
		c.mu.Unlock()
		if !ok {
			// Late answer to a call that already timed out.
			log.Debug().Str("id", env.ID).Msg("discarding unmatched firmware response")
			return
		}
		reply <- env
		return
	}

	if env.Params == nil {
		return
	}
	var body push
	if err := json.Unmarshal(env.Params, &body); err != nil {
		log.Warn().Err(err).Msg("dropping malformed firmware notification")
		return
	}
	if body.Status != nil {
		c.emitDelta(state.Delta{Objects: body.Status})
	}
	if body.Response != nil {
		select {
		case c.gcode <- *body.Response:
		default:
			log.Warn().Msg("dropping console line, consumer not draining")
		}
	}
}

func (c *Client) emitDelta(d state.Delta) {
	select {
	case c.deltas <- d:
	default:
		log.Warn().Msg("dropping status delta, consumer not draining")
	}
}

func (c *Client) resetStrikes() {
	c.mu.Lock()
	c.strikes = 0
	c.mu.Unlock()
}

func (c *Client) strike(method string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strikes++
	log.Warn().Str("method", method).Int("strikes", c.strikes).Msg("firmware call timed out")
	if c.strikes >= maxCallStrikes && c.dead != nil {
		select {
		case <-c.dead:
		default:
			close(c.dead)
		}
	}
}

func (c *Client) teardown(conn net.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	if err := conn.Close(); err != nil {
		log.Debug().Err(err).Msg("closing firmware socket")
	}
}
