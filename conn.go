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
	"bytes"
	"crypto/tls"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/webreactor/reactor/pkg/buffer/outbound"
	errorx "github.com/webreactor/reactor/pkg/errors"
	"github.com/webreactor/reactor/pkg/netpoll"
)

type connFlags uint16

const (
	flagConnecting connFlags = 1 << iota // non-blocking connect in progress
	flagWriting                          // output pending, write interest wanted
	flagReadOnly                         // drained, interest to be demoted by the next prepare
	flagTLSAccept                        // server-side handshake in progress
	flagTLSConnect                       // client-side handshake in progress
	flagFinish                           // dropped, torn down once the buffer drains
	flagResolving                        // waiting for the host name lookup, no descriptor yet
)

type conn struct {
	id       ID
	fd       int
	network  string
	listener bool
	flags    connFlags
	closed   bool
	born     uint64

	out    outbound.Buffer
	drains []DrainHandler

	lastActive  time.Time
	idleTimeout time.Duration
	handlers    Handlers

	registered bool
	interest   netpoll.Interest

	localAddr  net.Addr
	remoteAddr net.Addr

	tls          *tlsState
	clientTLS    *tls.Config  // started once connected
	early        bytes.Buffer // plaintext written before clientTLS started
	connectTimer ID
	acceptedBy   ID

	// listener fields
	file             string
	inheritedFD      bool
	keepAlive        bool
	tlsConfig        *tls.Config
	handshakeTimeout time.Duration
}

// hasOutput reports bytes still to be sent, including those held until a connect
// or a handshake completes.
func (c *conn) hasOutput() bool {
	return !c.out.IsEmpty() || c.early.Len() > 0 || (c.tls != nil && c.tls.pending.Len() > 0)
}

// settling reports a connection whose output cannot reach the socket yet.
func (c *conn) settling() bool {
	return c.clientTLS != nil || c.flags&(flagResolving|flagConnecting|flagTLSAccept|flagTLSConnect) != 0
}

func (c *conn) wantInterest() netpoll.Interest {
	switch {
	case c.listener:
		return netpoll.InterestRead
	case c.flags&flagConnecting != 0:
		return netpoll.InterestWrite
	case c.flags&flagWriting != 0 || !c.out.IsEmpty():
		return netpoll.InterestReadWrite
	default:
		return netpoll.InterestRead
	}
}

func (c *conn) kind() string {
	if c.listener {
		return "listener"
	}
	return "connection"
}

// newConn registers a connection in the registry, fd may be -1 until the connect starts.
func (l *Loop) newConn(fd int, network string) *conn {
	c := &conn{
		id:          l.allocID(),
		fd:          -1,
		network:     network,
		born:        l.pollSeq,
		lastActive:  time.Now(),
		idleTimeout: l.opts.IdleTimeout,
	}
	l.conns[c.id] = c
	l.active++
	connectionsActive.Inc()
	if fd >= 0 {
		l.attach(c, fd)
	}
	return c
}

func (l *Loop) attach(c *conn, fd int) {
	c.fd = fd
	c.born = l.pollSeq
	l.fds[fd] = c.id
}

func (l *Loop) idleTimeoutFor(d time.Duration) time.Duration {
	switch {
	case d < 0:
		return 0
	case d == 0:
		return l.opts.IdleTimeout
	default:
		return d
	}
}

// syncInterest makes the poller registration of c match its state.
func (l *Loop) syncInterest(c *conn) {
	if c.fd < 0 || c.closed {
		return
	}
	want := c.wantInterest()
	if !c.registered {
		if err := l.poller.Register(c.fd, want); err != nil {
			l.fail(c, err)
			return
		}
		c.registered, c.interest = true, want
		return
	}
	if want == c.interest {
		return
	}
	if err := l.poller.Update(c.fd, want); err != nil {
		l.fail(c, err)
		return
	}
	c.interest = want
}

// destroy tears c down: poller registration, descriptor, registry entries and sibling timers.
// It runs once per connection, later calls are no-ops.
func (l *Loop) destroy(c *conn) {
	if c.closed {
		return
	}
	c.closed = true
	if c.fd >= 0 {
		if c.registered {
			_ = l.poller.Unregister(c.fd)
			c.registered = false
		}
		delete(l.fds, c.fd)
		if err := unix.Close(c.fd); err != nil {
			l.logger.Warnf("failed to close the descriptor of %s %d: %v", c.kind(), c.id, os.NewSyscallError("close", err))
		}
		c.fd = -1
	}
	if c.listener {
		delete(l.listeners, c.id)
		if c.file != "" && !c.inheritedFD {
			_ = os.Remove(c.file)
		}
	} else {
		delete(l.conns, c.id)
		l.active--
		connectionsActive.Dec()
	}
	if c.tls != nil {
		c.tls.tr.Close()
		delete(l.handshaking, c.id)
		l.cancelTimer(c.tls.timer)
	}
	l.cancelTimer(c.connectTimer)
	c.out.Release()
	c.drains = nil
}

// Write queues p on connection id, bytes leave in call order. drain, when not nil,
// fires once the buffer holding p is empty.
func (l *Loop) Write(id ID, p []byte, drain DrainHandler) error {
	if l.closed {
		return errorx.ErrLoopClosed
	}
	c, ok := l.conns[id]
	if !ok {
		if _, ok = l.listeners[id]; ok {
			return errorx.ErrNotListener
		}
		return errorx.ErrInvalidConn
	}
	if c.flags&flagFinish != 0 {
		return errorx.ErrInvalidConn
	}
	switch {
	case c.tls != nil:
		if err := l.writeTLS(c, p); err != nil {
			return err
		}
	case c.clientTLS != nil:
		c.early.Write(p)
	case c.network == "udp":
		c.out.PushBackMessage(p)
	default:
		c.out.PushBack(p)
	}
	if drain != nil {
		c.drains = append(c.drains, drain)
	}
	c.flags |= flagWriting
	l.syncInterest(c)
	return nil
}

// Drop removes a listener, connection, timer or hook. A connection with pending output no longer
// delivers reads and is torn down once drained, output held during a lookup, a connect or a TLS
// handshake included. Dropping an unknown or already dropped id does nothing.
func (l *Loop) Drop(id ID) {
	if c, ok := l.conns[id]; ok {
		l.drop(c)
		return
	}
	if lc, ok := l.listeners[id]; ok {
		l.destroy(lc)
		return
	}
	if _, ok := l.timerByID[id]; ok {
		l.cancelTimer(id)
		return
	}
	if h, ok := l.hooks[id]; ok {
		h.dead = true
		delete(l.hooks, id)
	}
}

func (l *Loop) drop(c *conn) {
	if c.closed || c.flags&flagFinish != 0 {
		return
	}
	l.closeNotify(c)
	if !c.hasOutput() {
		l.destroy(c)
		return
	}
	c.flags |= flagFinish
	l.syncInterest(c)
}

// SetTimeout changes the idle timeout of connection id, 0 disables it.
func (l *Loop) SetTimeout(id ID, d time.Duration) error {
	c, ok := l.conns[id]
	if !ok {
		if _, ok = l.listeners[id]; ok {
			return errorx.ErrNotListener
		}
		return errorx.ErrInvalidConn
	}
	if d < 0 {
		d = 0
	}
	c.idleTimeout = d
	c.lastActive = time.Now()
	return nil
}

// Info returns a snapshot of listener or connection id.
func (l *Loop) Info(id ID) (ConnInfo, bool) {
	c, ok := l.conns[id]
	if !ok {
		if c, ok = l.listeners[id]; !ok {
			return ConnInfo{}, false
		}
	}
	info := ConnInfo{
		ID:          c.id,
		Listener:    c.listener,
		Network:     c.network,
		LocalAddr:   c.localAddr,
		RemoteAddr:  c.remoteAddr,
		Connecting:  c.flags&(flagConnecting|flagResolving) != 0,
		TLS:         c.tls != nil || c.tlsConfig != nil || c.clientTLS != nil,
		Handshaking: c.flags&(flagTLSAccept|flagTLSConnect) != 0,
		Finishing:   c.flags&flagFinish != 0,
		Buffered:    c.out.Buffered(),
		IdleTimeout: c.idleTimeout,
		LastActive:  c.lastActive,
	}
	return info, true
}
