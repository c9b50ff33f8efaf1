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

package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectUntil(t *testing.T, ch <-chan Change, want int) []Change {
	t.Helper()
	var got []Change
	timeout := time.After(2 * time.Second)
	for len(got) < want {
		select {
		case c := <-ch:
			got = append(got, c)
		case <-timeout:
			t.Fatalf("timed out after %d of %d changes", len(got), want)
		}
	}
	return got
}

func TestRun_PublishesConnectingThenConnected(t *testing.T) {
	t.Parallel()

	s := New(clockwork.NewRealClock())
	sub := s.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx, LinkSerial, func(ctx context.Context, up func()) error {
			up()
			<-ctx.Done()
			return nil
		})
	}()

	changes := collectUntil(t, sub, 2)
	assert.Equal(t, Change{Link: LinkSerial, Status: Connecting}, changes[0])
	assert.Equal(t, Change{Link: LinkSerial, Status: Connected}, changes[1])

	cancel()
	<-done
	assert.Equal(t, Disconnected, s.Status(LinkSerial))
}

func TestRun_RetriesWithBackoffAfterFailure(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s := New(clock)

	var attempts atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx, LinkFirmware, func(context.Context, func()) error {
			if attempts.Add(1) >= 3 {
				cancel()
				return nil
			}
			return errors.New("connection refused")
		})
	}()

	// Each failed attempt parks the loop in a backoff wait; release it twice.
	for range 2 {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(maxBackoff)
	}
	<-done

	assert.GreaterOrEqual(t, attempts.Load(), int32(3))
	assert.Equal(t, Disconnected, s.Status(LinkFirmware))
}

func TestRun_IndependentLinks(t *testing.T) {
	t.Parallel()

	s := New(clockwork.NewRealClock())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serialUp := make(chan struct{})
	go s.Run(ctx, LinkSerial, func(ctx context.Context, up func()) error {
		up()
		close(serialUp)
		<-ctx.Done()
		return nil
	})

	// The firmware link failing forever must not disturb the serial link.
	go s.Run(ctx, LinkFirmware, func(context.Context, func()) error {
		return errors.New("socket missing")
	})

	select {
	case <-serialUp:
	case <-time.After(2 * time.Second):
		t.Fatal("serial link never came up")
	}
	assert.Equal(t, Connected, s.Status(LinkSerial))
}

func TestMarkDegraded(t *testing.T) {
	t.Parallel()

	s := New(clockwork.NewRealClock())
	sub := s.Subscribe()

	s.MarkDegraded(LinkJobAPI)

	change := collectUntil(t, sub, 1)[0]
	assert.Equal(t, Change{Link: LinkJobAPI, Status: Degraded}, change)
	assert.Equal(t, Degraded, s.Status(LinkJobAPI))
}

func TestSet_SuppressesDuplicateTransitions(t *testing.T) {
	t.Parallel()

	s := New(clockwork.NewRealClock())
	sub := s.Subscribe()

	s.MarkDegraded(LinkJobAPI)
	s.MarkDegraded(LinkJobAPI)

	collectUntil(t, sub, 1)
	select {
	case c := <-sub:
		t.Fatalf("unexpected duplicate change: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}
