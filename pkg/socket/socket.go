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

// Package socket provides the non-blocking socket primitives the event-loop is built on:
// every descriptor returned here has O_NONBLOCK and FD_CLOEXEC set.
package socket

import (
	"net"
	"os"

	"golang.org/x/sys/unix"

	errorx "github.com/webreactor/reactor/pkg/errors"
)

// TCPListen creates a TCP socket bound to addr and listening with the given backlog,
// a non-positive backlog means the system maximum.
func TCPListen(addr string, backlog int, sockOpts ...Option) (fd int, netAddr net.Addr, err error) {
	var (
		family   int
		ipv6only bool
		sa       unix.Sockaddr
	)
	if sa, family, netAddr, ipv6only, err = getTCPSockaddr("tcp", addr); err != nil {
		return
	}
	if fd, err = sysSocket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP); err != nil {
		return
	}
	defer func() {
		if err != nil {
			_ = unix.Close(fd)
		}
	}()

	if family == unix.AF_INET6 && ipv6only {
		if err = SetIPv6Only(fd, 1); err != nil {
			return
		}
	}
	if err = SetReuseAddr(fd, 1); err != nil {
		return
	}
	for _, opt := range sockOpts {
		if err = opt.SetSockOpt(fd, opt.Opt); err != nil {
			return
		}
	}
	if err = os.NewSyscallError("bind", unix.Bind(fd, sa)); err != nil {
		return
	}
	if err = os.NewSyscallError("listen", unix.Listen(fd, normalizeBacklog(backlog))); err != nil {
		return
	}
	netAddr = LocalAddr(fd, "tcp")
	return
}

// UnixListen creates a UNIX stream socket bound to path, a stale socket file is removed first.
func UnixListen(path string, backlog int) (fd int, netAddr net.Addr, err error) {
	if path == "" {
		return -1, nil, errorx.ErrInvalidNetworkAddress
	}
	if fi, statErr := os.Lstat(path); statErr == nil && fi.Mode()&os.ModeSocket != 0 {
		_ = os.Remove(path)
	}
	if fd, err = sysSocket(unix.AF_UNIX, unix.SOCK_STREAM, 0); err != nil {
		return
	}
	defer func() {
		if err != nil {
			_ = unix.Close(fd)
		}
	}()
	if err = os.NewSyscallError("bind", unix.Bind(fd, &unix.SockaddrUnix{Name: path})); err != nil {
		return
	}
	if err = os.NewSyscallError("listen", unix.Listen(fd, normalizeBacklog(backlog))); err != nil {
		return
	}
	netAddr = &net.UnixAddr{Name: path, Net: "unix"}
	return
}

// TCPConnect starts a non-blocking connect to addr, which must hold an IP literal.
// The returned descriptor becomes writable once the connect has completed, check SocketError then.
func TCPConnect(addr string) (fd int, err error) {
	sa, family, _, _, err := getTCPSockaddr("tcp", addr)
	if err != nil {
		return -1, err
	}
	return connect(family, unix.SOCK_STREAM, unix.IPPROTO_TCP, sa)
}

// UDPConnect creates a UDP socket whose default peer is addr.
func UDPConnect(addr string) (fd int, err error) {
	sa, family, err := getUDPSockaddr(addr)
	if err != nil {
		return -1, err
	}
	return connect(family, unix.SOCK_DGRAM, unix.IPPROTO_UDP, sa)
}

// UnixConnect starts a non-blocking connect to the UNIX stream socket at path.
func UnixConnect(path string) (fd int, err error) {
	if path == "" {
		return -1, errorx.ErrInvalidNetworkAddress
	}
	return connect(unix.AF_UNIX, unix.SOCK_STREAM, 0, &unix.SockaddrUnix{Name: path})
}

func connect(family, sotype, proto int, sa unix.Sockaddr) (fd int, err error) {
	if fd, err = sysSocket(family, sotype, proto); err != nil {
		return -1, err
	}
	switch err = unix.Connect(fd, sa); err {
	case nil, unix.EINPROGRESS, unix.EINTR:
		return fd, nil
	default:
		_ = unix.Close(fd)
		return -1, os.NewSyscallError("connect", err)
	}
}

// Accept accepts the next incoming socket along with setting
// O_NONBLOCK and O_CLOEXEC flags on it.
func Accept(fd int) (int, unix.Sockaddr, error) {
	return sysAccept(fd)
}

// SocketError fetches and clears the pending error of fd, it tells the outcome of a non-blocking connect.
func SocketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	if errno != 0 {
		return os.NewSyscallError("connect", unix.Errno(errno))
	}
	return nil
}

// LocalAddr returns the address fd is bound to, network is "tcp", "udp" or "unix".
func LocalAddr(fd int, network string) net.Addr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil
	}
	return SockaddrToAddr(sa, network)
}

// PeerAddr returns the address of the peer fd is connected to.
func PeerAddr(fd int, network string) net.Addr {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil
	}
	return SockaddrToAddr(sa, network)
}

// IsTemporary tells whether err only means the operation would have blocked.
func IsTemporary(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR
}

func normalizeBacklog(backlog int) int {
	if backlog <= 0 || backlog > listenerBacklogMaxSize {
		return listenerBacklogMaxSize
	}
	return backlog
}
