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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	errorx "github.com/webreactor/reactor/pkg/errors"
	"github.com/webreactor/reactor/pkg/socket"
)

func TestListenRejectsBadAddress(t *testing.T) {
	l := newTestLoop(t)
	_, err := l.Listen(ListenOptions{Address: "not-an-ip"})
	assert.ErrorIs(t, err, errorx.ErrInvalidNetworkAddress)
	assert.Empty(t, l.listeners)

	lid, err := l.Listen(ListenOptions{Address: "127.0.0.1"})
	require.NoError(t, err)
	_, err = l.Listen(ListenOptions{Address: "127.0.0.1", Port: listenerPort(t, l, lid)})
	assert.Error(t, err)
}

func TestListenReusePort(t *testing.T) {
	l := newTestLoop(t)
	first, err := l.Listen(ListenOptions{Address: "127.0.0.1", ReusePort: true})
	require.NoError(t, err)
	port := listenerPort(t, l, first)
	_, err = l.Listen(ListenOptions{Address: "127.0.0.1", Port: port, ReusePort: true})
	assert.NoError(t, err)
}

func TestListenKeepAlive(t *testing.T) {
	l := newTestLoop(t)
	var accepted ID
	lid, err := l.Listen(ListenOptions{
		Address:   "127.0.0.1",
		KeepAlive: true,
		Handlers: Handlers{OnAccept: func(_ *Loop, id ID, _ ID) error {
			accepted = id
			return nil
		}},
	})
	require.NoError(t, err)

	c, err := net.Dial("tcp", listenerAddr(t, l, lid))
	require.NoError(t, err)
	defer c.Close()
	runUntil(t, l, func() bool { return accepted != 0 })

	v, err := unix.GetsockoptInt(l.conns[accepted].fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE)
	require.NoError(t, err)
	assert.NotZero(t, v)
}

func TestListenersAreNotConnections(t *testing.T) {
	l := newTestLoop(t)
	lid, err := l.Listen(ListenOptions{Address: "127.0.0.1"})
	require.NoError(t, err)
	assert.Zero(t, l.CountConnections())

	info, ok := l.Info(lid)
	require.True(t, ok)
	assert.True(t, info.Listener)
	assert.False(t, info.TLS)

	// Registered with the poller by the next tick only.
	assert.False(t, l.listeners[lid].registered)
	require.NoError(t, l.OneTick(0))
	assert.True(t, l.listeners[lid].registered)

	l.Drop(lid)
	_, ok = l.Info(lid)
	assert.False(t, ok)
	l.Drop(lid)
}

func TestExportListeners(t *testing.T) {
	l := newTestLoop(t)
	lid, err := l.Listen(ListenOptions{Address: "127.0.0.1"})
	require.NoError(t, err)
	_, err = l.Listen(ListenOptions{File: t.TempDir() + "/skip.sock"})
	require.NoError(t, err)

	exported, err := l.ExportListeners()
	require.NoError(t, err)
	fds, err := socket.ParseInheritedFDs(exported)
	require.NoError(t, err)
	port := listenerPort(t, l, lid)
	require.Len(t, fds, 1)
	fd := fds[port]
	assert.Equal(t, l.listeners[lid].fd, fd)

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	require.NoError(t, err)
	assert.Zero(t, flags&unix.FD_CLOEXEC)
}

func TestAdoptInheritedListener(t *testing.T) {
	fd, addr, err := socket.TCPListen("127.0.0.1:0", 0)
	require.NoError(t, err)
	port := addr.(*net.TCPAddr).Port

	l := newTestLoop(t, WithInheritedFDs(map[int]int{port: fd}))
	accepted := 0
	lid, err := l.Listen(ListenOptions{
		Address: "127.0.0.1",
		Port:    port,
		Handlers: Handlers{OnAccept: func(_ *Loop, _ ID, _ ID) error {
			accepted++
			return nil
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, fd, l.listeners[lid].fd)
	assert.True(t, l.listeners[lid].inheritedFD)
	assert.Empty(t, l.inherited)

	c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer c.Close()
	runUntil(t, l, func() bool { return accepted == 1 })
}

func TestUnclaimedInheritedListenerClosedWithLoop(t *testing.T) {
	fd, _, err := socket.TCPListen("127.0.0.1:0", 0)
	require.NoError(t, err)

	l, err := New(WithDNSServer("127.0.0.1"), WithInheritedFDs(map[int]int{1: fd}))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	_, err = unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	assert.ErrorIs(t, err, unix.EBADF)
}
