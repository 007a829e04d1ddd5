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

	"golang.org/x/sys/unix"

	errorx "github.com/webreactor/reactor/pkg/errors"
	"github.com/webreactor/reactor/pkg/socket"
)

// Listen creates a listening socket. It is registered with the poller by the next tick,
// as long as the loop is below its connection ceiling and holds the admission lock.
func (l *Loop) Listen(opts ListenOptions) (ID, error) {
	if l.closed {
		return 0, errorx.ErrLoopClosed
	}
	lc := &conn{
		listener:    true,
		network:     "tcp",
		handlers:    opts.Handlers,
		idleTimeout: l.idleTimeoutFor(opts.IdleTimeout),
		file:        opts.File,
		keepAlive:   opts.KeepAlive,
	}
	if opts.TLS {
		cfg, err := l.serverTLSConfig(opts.TLSConfig, opts.CertFile, opts.KeyFile)
		if err != nil {
			return 0, err
		}
		lc.tlsConfig = cfg
		lc.handshakeTimeout = opts.HandshakeTimeout
	}

	var (
		fd   int
		addr net.Addr
		err  error
	)
	inheritedFD, inherited := l.inherited[opts.Port]
	switch {
	case opts.File != "":
		lc.network = "unix"
		fd, addr, err = socket.UnixListen(opts.File, opts.Backlog)
	case opts.Port > 0 && inherited:
		if err = socket.Adopt(inheritedFD); err == nil {
			fd, addr = inheritedFD, socket.LocalAddr(inheritedFD, "tcp")
			lc.inheritedFD = true
			delete(l.inherited, opts.Port)
			l.logger.Infof("adopted inherited listener fd %d for port %d", fd, opts.Port)
		}
	case opts.Address != "" && net.ParseIP(opts.Address) == nil:
		err = errorx.ErrInvalidNetworkAddress
	default:
		var sockOpts []socket.Option
		if opts.ReusePort {
			sockOpts = append(sockOpts, socket.Option{SetSockOpt: socket.SetReusePort, Opt: 1})
		}
		fd, addr, err = socket.TCPListen(net.JoinHostPort(opts.Address, strconv.Itoa(opts.Port)), opts.Backlog, sockOpts...)
	}
	if err != nil {
		return 0, err
	}

	lc.id = l.allocID()
	lc.fd = fd
	lc.localAddr = addr
	l.listeners[lc.id] = lc
	l.fds[fd] = lc.id
	l.logger.Debugf("listener %d bound to %s", lc.id, addr)
	return lc.id, nil
}

// ExportListeners clears close-on-exec on the TCP listeners and returns their "fd:port,fd:port"
// mapping, to be handed to a re-executed process through REACTOR_INHERIT_FDS.
func (l *Loop) ExportListeners() (string, error) {
	fds := make(map[int]int, len(l.listeners))
	for _, lc := range l.listeners {
		addr, ok := lc.localAddr.(*net.TCPAddr)
		if !ok {
			continue
		}
		if err := socket.ClearCloseOnExec(lc.fd); err != nil {
			return "", err
		}
		fds[addr.Port] = lc.fd
	}
	return socket.FormatInheritedFDs(fds), nil
}

// closeInherited closes the inherited descriptors no Listen call claimed.
func (l *Loop) closeInherited() {
	for port, fd := range l.inherited {
		l.logger.Warnf("closing unclaimed inherited listener fd %d for port %d", fd, port)
		_ = unix.Close(fd)
		delete(l.inherited, port)
	}
}
