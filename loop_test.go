// Copyright (c) 2020 The Reactor Authors. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd

package reactor

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errorx "github.com/webreactor/reactor/pkg/errors"
	"github.com/webreactor/reactor/pkg/netpoll"
)

func newTestLoop(t *testing.T, opts ...Option) *Loop {
	t.Helper()
	opts = append([]Option{WithDNSServer("127.0.0.1:53"), WithTempDir(t.TempDir())}, opts...)
	l, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// runUntil ticks l until cond holds, failing the test after a few seconds.
func runUntil(t *testing.T, l *Loop, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		require.NoError(t, l.OneTick(5*time.Millisecond))
	}
}

func tick(t *testing.T, l *Loop, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, l.OneTick(time.Millisecond))
	}
}

func listenerPort(t *testing.T, l *Loop, id ID) int {
	t.Helper()
	info, ok := l.Info(id)
	require.True(t, ok)
	addr, ok := info.LocalAddr.(*net.TCPAddr)
	require.True(t, ok, "listener %d is not bound to a TCP address", id)
	return addr.Port
}

func listenerAddr(t *testing.T, l *Loop, id ID) string {
	t.Helper()
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(listenerPort(t, l, id)))
}

func TestNewWithEveryBackend(t *testing.T) {
	for _, b := range netpoll.Available() {
		t.Run(string(b), func(t *testing.T) {
			l := newTestLoop(t, WithPollerBackend(b))
			assert.Equal(t, b, l.Backend())
			assert.Zero(t, l.CountConnections())
			require.NoError(t, l.OneTick(0))
		})
	}
}

func TestClosedLoopRejectsCalls(t *testing.T) {
	l, err := New(WithDNSServer("127.0.0.1"))
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	assert.ErrorIs(t, l.OneTick(0), errorx.ErrLoopClosed)
	_, err = l.Listen(ListenOptions{Address: "127.0.0.1"})
	assert.ErrorIs(t, err, errorx.ErrLoopClosed)
	_, err = l.Connect(ConnectOptions{Address: "127.0.0.1", Port: 1})
	assert.ErrorIs(t, err, errorx.ErrLoopClosed)
	assert.ErrorIs(t, l.Write(1, []byte("x"), nil), errorx.ErrLoopClosed)
}

func TestTimerFiresWithinOneTick(t *testing.T) {
	l := newTestLoop(t)
	fired := 0
	id := l.Timer(50*time.Millisecond, func(_ *Loop, _ ID) error {
		fired++
		return nil
	})
	assert.NotZero(t, id)

	start := time.Now()
	require.NoError(t, l.OneTick(200*time.Millisecond))
	assert.Equal(t, 1, fired)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	assert.Empty(t, l.timers)
	assert.Empty(t, l.timerByID)

	tick(t, l, 3)
	assert.Equal(t, 1, fired)
}

func TestTimersNeverFireEarly(t *testing.T) {
	l := newTestLoop(t)
	delays := []time.Duration{30 * time.Millisecond, time.Millisecond, 0, 12 * time.Millisecond, 5 * time.Millisecond}
	var order []time.Duration
	for _, d := range delays {
		created := time.Now()
		l.Timer(d, func(_ *Loop, _ ID) error {
			assert.GreaterOrEqual(t, time.Since(created), d)
			order = append(order, d)
			return nil
		})
	}
	runUntil(t, l, func() bool { return len(order) == len(delays) })
	assert.Equal(t, []time.Duration{0, time.Millisecond, 5 * time.Millisecond, 12 * time.Millisecond, 30 * time.Millisecond}, order)
}

func TestDropTimer(t *testing.T) {
	l := newTestLoop(t)
	fired := false
	id := l.Timer(5*time.Millisecond, func(_ *Loop, _ ID) error {
		fired = true
		return nil
	})
	l.Drop(id)
	l.Drop(id)
	time.Sleep(10 * time.Millisecond)
	tick(t, l, 2)
	assert.False(t, fired)
	assert.Empty(t, l.timers)
}

func TestTimerDroppedByEarlierTimerOfSameBatch(t *testing.T) {
	l := newTestLoop(t)
	var second ID
	secondFired := false
	l.Timer(0, func(l *Loop, _ ID) error {
		l.Drop(second)
		return nil
	})
	second = l.Timer(0, func(_ *Loop, _ ID) error {
		secondFired = true
		return nil
	})
	tick(t, l, 2)
	assert.False(t, secondFired)
}

func TestTimerScheduledByTimerWaitsForNextTick(t *testing.T) {
	l := newTestLoop(t)
	var fired []string
	l.Timer(0, func(l *Loop, _ ID) error {
		fired = append(fired, "outer")
		l.Timer(0, func(_ *Loop, _ ID) error {
			fired = append(fired, "inner")
			return nil
		})
		return nil
	})
	require.NoError(t, l.OneTick(0))
	assert.Equal(t, []string{"outer"}, fired)
	require.NoError(t, l.OneTick(0))
	assert.Equal(t, []string{"outer", "inner"}, fired)
}

func TestPanickingTimerDoesNotStopTheLoop(t *testing.T) {
	l := newTestLoop(t)
	fired := false
	l.Timer(0, func(_ *Loop, _ ID) error { panic("boom") })
	l.Timer(0, func(_ *Loop, _ ID) error {
		fired = true
		return nil
	})
	require.NoError(t, l.OneTick(0))
	assert.True(t, fired)
}

func TestTickAndIdleHooks(t *testing.T) {
	l := newTestLoop(t)
	ticks, idles := 0, 0
	l.OnTick(func(_ *Loop, _ ID) error {
		ticks++
		return nil
	})
	idle := l.OnIdle(func(_ *Loop, _ ID) error {
		idles++
		return nil
	})

	require.NoError(t, l.OneTick(0))
	assert.Equal(t, 1, ticks)
	assert.Equal(t, 1, idles)

	// A tick that fires a timer is not idle.
	l.Timer(0, nil)
	require.NoError(t, l.OneTick(0))
	assert.Equal(t, 2, ticks)
	assert.Equal(t, 1, idles)

	l.Drop(idle)
	require.NoError(t, l.OneTick(0))
	assert.Equal(t, 3, ticks)
	assert.Equal(t, 1, idles)
	assert.Len(t, l.idleHooks.hooks, 0)
}

func TestHookDropsItself(t *testing.T) {
	l := newTestLoop(t)
	runs := 0
	l.OnTick(func(l *Loop, id ID) error {
		runs++
		l.Drop(id)
		return nil
	})
	tick(t, l, 3)
	assert.Equal(t, 1, runs)
	assert.Empty(t, l.hooks)
}

func TestHooksRunInRegistrationOrder(t *testing.T) {
	l := newTestLoop(t)
	var order []int
	for i := 0; i < 4; i++ {
		l.OnTick(func(_ *Loop, _ ID) error {
			order = append(order, i)
			return nil
		})
	}
	require.NoError(t, l.OneTick(0))
	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestIdleSuppressedByHangup(t *testing.T) {
	l := newTestLoop(t, WithIdleTimeout(20*time.Millisecond))
	idles := 0
	hungUp := false
	lid, err := l.Listen(ListenOptions{
		Address: "127.0.0.1",
		Handlers: Handlers{OnHangup: func(_ *Loop, _ ID) error {
			hungUp = true
			return nil
		}},
	})
	require.NoError(t, err)
	c, err := net.Dial("tcp", listenerAddr(t, l, lid))
	require.NoError(t, err)
	defer c.Close()
	runUntil(t, l, func() bool { return l.CountConnections() == 1 })

	l.OnIdle(func(_ *Loop, _ ID) error {
		idles++
		return nil
	})
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, l.OneTick(0))
	assert.True(t, hungUp)
	assert.Zero(t, idles)
}

func TestRunReturnsWhenNoConnectionIsAdmitted(t *testing.T) {
	l := newTestLoop(t)
	_, err := l.Listen(ListenOptions{Address: "127.0.0.1"})
	require.NoError(t, err)
	l.SetMaxConnections(0)

	done := make(chan error, 1)
	go func() { done <- l.Run() }()
	select {
	case err = <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestStopFromAnotherGoroutine(t *testing.T) {
	l := newTestLoop(t, WithTickTimeout(-1))
	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	time.Sleep(20 * time.Millisecond)
	l.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.False(t, l.stopped.Load())
}

func TestWakeupDoesNotCountAsActivity(t *testing.T) {
	l := newTestLoop(t)
	idles := 0
	l.OnIdle(func(_ *Loop, _ ID) error {
		idles++
		return nil
	})
	l.wakeup()
	l.wakeup()
	require.NoError(t, l.OneTick(50*time.Millisecond))
	assert.Equal(t, 1, idles)
	assert.False(t, l.woken.Load())
}

func TestPollTimeoutCappedByTimers(t *testing.T) {
	l := newTestLoop(t)
	assert.Equal(t, time.Second, l.pollTimeout(time.Second))
	assert.Equal(t, time.Duration(-1), l.pollTimeout(-1))

	l.Timer(100*time.Millisecond, nil)
	d := l.pollTimeout(time.Second)
	assert.LessOrEqual(t, d, 100*time.Millisecond)
	assert.Greater(t, d, time.Duration(0))
	assert.LessOrEqual(t, l.pollTimeout(-1), 100*time.Millisecond)
	assert.Equal(t, time.Duration(0), l.pollTimeout(0))
}

func TestIDsAreNeverReused(t *testing.T) {
	l := newTestLoop(t)
	seen := make(map[ID]bool)
	for i := 0; i < 10; i++ {
		id := l.Timer(0, nil)
		assert.False(t, seen[id])
		seen[id] = true
		h := l.OnTick(func(_ *Loop, _ ID) error { return nil })
		assert.False(t, seen[h])
		seen[h] = true
		l.Drop(h)
	}
	assert.False(t, seen[0])
}
