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
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/webreactor/reactor/pkg/netpoll"
	"github.com/webreactor/reactor/pkg/socket"
)

func isPeerReset(err error) bool {
	return err == unix.ECONNRESET || err == unix.EPIPE || err == unix.ENOTCONN
}

// socketError fetches the pending error behind an error condition reported by the poller.
func socketError(fd int) error {
	if err := socket.SocketError(fd); err != nil {
		return err
	}
	return os.NewSyscallError("poll", unix.EIO)
}

func (l *Loop) read(c *conn) {
	if c.fd < 0 || c.flags&flagConnecting != 0 {
		return
	}
	n, err := unix.Read(c.fd, l.buf)
	if err != nil {
		switch {
		case socket.IsTemporary(err):
		case isPeerReset(err):
			l.hangup(c)
		default:
			l.fail(c, os.NewSyscallError("read", err))
		}
		return
	}
	if n == 0 && c.network != "udp" {
		l.hangup(c)
		return
	}
	c.lastActive = time.Now()

	if c.tls != nil {
		l.readTLS(c, l.buf[:n])
		return
	}
	if c.flags&flagFinish != 0 || c.handlers.OnRead == nil {
		return
	}
	data := l.buf[:n]
	_ = l.invoke("read", c.id, func() error { return c.handlers.OnRead(l, c.id, data) })
}

func (l *Loop) write(c *conn) {
	if c.flags&flagConnecting != 0 {
		l.completeConnect(c)
		return
	}
	l.flush(c)
}

// flush writes the buffer until it is empty or the socket would block.
func (l *Loop) flush(c *conn) {
	for !c.out.IsEmpty() {
		front := c.out.Front()
		n, err := unix.Write(c.fd, front)
		if err != nil {
			switch {
			case socket.IsTemporary(err):
				return
			case isPeerReset(err):
				l.hangup(c)
			default:
				l.fail(c, os.NewSyscallError("write", err))
			}
			return
		}
		l.busy = true
		c.lastActive = time.Now()
		c.out.Discard(n)
		if n < len(front) {
			return
		}
	}
	c.flags &^= flagWriting
	c.flags |= flagReadOnly
	if c.tls != nil && c.tls.pending.Len() > 0 {
		// Plaintext held until the handshake completes is still to be sent.
		return
	}
	l.fireDrains(c)
}

func (l *Loop) fireDrains(c *conn) {
	if len(c.drains) == 0 {
		return
	}
	drains := c.drains
	c.drains = nil
	for _, fn := range drains {
		if c.closed {
			return
		}
		_ = l.invoke("drain", c.id, func() error { return fn(l, c.id) })
	}
}

func (l *Loop) completeConnect(c *conn) {
	if err := socket.SocketError(c.fd); err != nil {
		l.fail(c, err)
		return
	}
	c.flags &^= flagConnecting
	c.lastActive = time.Now()
	c.localAddr = socket.LocalAddr(c.fd, c.network)
	if c.remoteAddr == nil {
		c.remoteAddr = socket.PeerAddr(c.fd, c.network)
	}
	if c.network == "tcp" {
		_ = socket.SetNoDelay(c.fd, 1)
	}
	switch {
	case c.clientTLS != nil:
		cfg := c.clientTLS
		c.clientTLS = nil
		l.startTLS(c, cfg, false, 0)
	case c.flags&flagFinish != 0:
	default:
		l.connected(c)
	}
	if !c.closed {
		if !c.out.IsEmpty() {
			l.flush(c)
		}
		l.syncInterest(c)
	}
}

func (l *Loop) connected(c *conn) {
	l.cancelTimer(c.connectTimer)
	c.connectTimer = 0
	if c.handlers.OnConnect == nil {
		return
	}
	_ = l.invoke("connect", c.id, func() error { return c.handlers.OnConnect(l, c.id) })
}

func (l *Loop) accepted(c *conn, listener ID) {
	if c.handlers.OnAccept == nil {
		return
	}
	_ = l.invoke("accept", c.id, func() error { return c.handlers.OnAccept(l, c.id, listener) })
}

// fail reports err to the error handler and destroys c whatever the handler does.
func (l *Loop) fail(c *conn, err error) {
	if c.closed {
		return
	}
	l.busy = true
	if c.handlers.OnError != nil {
		_ = l.invoke("error", c.id, func() error { return c.handlers.OnError(l, c.id, err) })
	} else {
		l.logger.Debugf("%s %d failed: %v", c.kind(), c.id, err)
	}
	l.destroy(c)
}

// hangup reports that the peer is gone and destroys c.
func (l *Loop) hangup(c *conn) {
	if c.closed {
		return
	}
	l.busy = true
	if c.handlers.OnHangup != nil {
		_ = l.invoke("hangup", c.id, func() error { return c.handlers.OnHangup(l, c.id) })
	}
	l.destroy(c)
}

// accept takes one pending connection off lc.
func (l *Loop) accept(lc *conn) {
	nfd, sa, err := socket.Accept(lc.fd)
	if err != nil {
		if !socket.IsTemporary(err) && err != unix.ECONNABORTED {
			l.logger.Errorf("failed to accept on listener %d: %v", lc.id, os.NewSyscallError("accept", err))
		}
		return
	}
	if lc.network == "tcp" {
		_ = socket.SetNoDelay(nfd, 1)
		if lc.keepAlive {
			_ = socket.SetKeepAlive(nfd, 1)
		}
	}
	c := l.newConn(nfd, lc.network)
	c.handlers = lc.handlers
	c.idleTimeout = lc.idleTimeout
	c.localAddr = socket.LocalAddr(nfd, lc.network)
	c.remoteAddr = socket.SockaddrToAddr(sa, lc.network)
	acceptedTotal.Inc()

	if l.active >= l.maxConns {
		l.unregisterListeners()
	}
	if lc.tlsConfig != nil {
		c.acceptedBy = lc.id
		l.startTLS(c, lc.tlsConfig, true, lc.handshakeTimeout)
	} else {
		l.syncInterest(c)
		l.accepted(c, lc.id)
	}
}

func (l *Loop) registerListeners() {
	for _, lc := range l.listeners {
		if lc.registered {
			continue
		}
		if err := l.poller.Register(lc.fd, netpoll.InterestRead); err != nil {
			l.logger.Errorf("failed to register listener %d: %v", lc.id, err)
			continue
		}
		lc.registered, lc.interest = true, netpoll.InterestRead
	}
}

func (l *Loop) unregisterListeners() {
	for _, lc := range l.listeners {
		if !lc.registered {
			continue
		}
		if err := l.poller.Unregister(lc.fd); err != nil {
			l.logger.Warnf("failed to unregister listener %d: %v", lc.id, err)
		}
		lc.registered = false
	}
}
