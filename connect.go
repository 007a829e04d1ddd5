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

	"github.com/pkg/errors"

	errorx "github.com/webreactor/reactor/pkg/errors"
	"github.com/webreactor/reactor/pkg/socket"
)

// Connect starts an outgoing connection and returns its id right away. A host name is
// resolved by the loop first. OnConnect fires once connected, or OnError with the reason.
func (l *Loop) Connect(opts ConnectOptions) (ID, error) {
	if l.closed {
		return 0, errorx.ErrLoopClosed
	}
	network := opts.Proto
	if network == "" {
		network = "tcp"
	}
	if opts.File != "" {
		network = "unix"
	}
	switch network {
	case "tcp", "udp", "unix":
	default:
		return 0, errorx.ErrUnsupportedProtocol
	}
	if opts.TLS && network == "udp" {
		return 0, errorx.ErrUnsupportedProtocol
	}

	host := opts.Address
	if host == "" {
		host = "127.0.0.1"
	}
	var tlsConfig = opts.TLSConfig
	if opts.TLS {
		cfg, err := l.clientTLSConfig(opts.TLSConfig, opts.ServerName, opts.InsecureSkipVerify, host)
		if err != nil {
			return 0, err
		}
		tlsConfig = cfg
	}

	c := l.newConn(-1, network)
	c.handlers = opts.Handlers
	c.idleTimeout = l.idleTimeoutFor(opts.IdleTimeout)
	if opts.TLS {
		c.clientTLS = tlsConfig
	}
	if opts.Timeout > 0 {
		c.connectTimer = l.Timer(opts.Timeout, func(l *Loop, _ ID) error {
			c.connectTimer = 0
			if !c.closed && (c.flags&(flagConnecting|flagResolving|flagTLSConnect) != 0 || c.clientTLS != nil) {
				l.fail(c, errorx.ErrConnectTimeout)
			}
			return nil
		})
	}

	if network == "unix" {
		c.remoteAddr = &net.UnixAddr{Name: opts.File, Net: "unix"}
		if err := l.dial(c, opts.File); err != nil {
			l.destroy(c)
			return 0, err
		}
		return c.id, nil
	}

	port := strconv.Itoa(opts.Port)
	if net.ParseIP(host) != nil {
		if err := l.dial(c, net.JoinHostPort(host, port)); err != nil {
			l.destroy(c)
			return 0, err
		}
		return c.id, nil
	}

	c.flags |= flagResolving
	l.Lookup(host, func(l *Loop, addr string, err error) {
		if c.closed {
			return
		}
		c.flags &^= flagResolving
		if err != nil {
			l.fail(c, errors.Wrapf(errorx.ErrResolve, "%s: %v", host, err))
			return
		}
		if err = l.dial(c, net.JoinHostPort(addr, port)); err != nil {
			l.fail(c, err)
		}
	})
	return c.id, nil
}

// dial opens the socket of c and waits for it to become writable.
func (l *Loop) dial(c *conn, addr string) error {
	var (
		fd  int
		err error
	)
	switch c.network {
	case "tcp":
		fd, err = socket.TCPConnect(addr)
	case "udp":
		fd, err = socket.UDPConnect(addr)
	case "unix":
		fd, err = socket.UnixConnect(addr)
	}
	if err != nil {
		return err
	}
	l.attach(c, fd)
	c.flags |= flagConnecting
	l.syncInterest(c)
	return nil
}
