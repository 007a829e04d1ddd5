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
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/webreactor/reactor/internal/rescue"
	errorx "github.com/webreactor/reactor/pkg/errors"
	"github.com/webreactor/reactor/pkg/netpoll"
	"github.com/webreactor/reactor/pkg/pool/goroutine"
)

// errWouldBlock is what the memory transport returns when no ciphertext is buffered.
// crypto/tls does not latch temporary errors, the read is retried once more bytes arrive.
var errWouldBlock error = wouldBlockError{}

type wouldBlockError struct{}

func (wouldBlockError) Error() string   { return "reactor: tls transport would block" }
func (wouldBlockError) Timeout() bool   { return true }
func (wouldBlockError) Temporary() bool { return true }

// memTransport is the net.Conn a tls.Conn runs over: ciphertext read from the socket is fed
// into in, ciphertext the TLS layer writes piles up in out until the loop moves it to the
// connection's write buffer.
//
// While blocking, Read waits for input, it is the mode the handshake helper goroutine runs in.
// Afterwards only the loop touches the tls.Conn and Read never waits.
type memTransport struct {
	mu       sync.Mutex
	cond     *sync.Cond
	in       bytes.Buffer
	out      bytes.Buffer
	blocking bool
	closed   bool
	wake     func()

	local, remote net.Addr
}

func newMemTransport(local, remote net.Addr, wake func()) *memTransport {
	tr := &memTransport{blocking: true, wake: wake, local: local, remote: remote}
	tr.cond = sync.NewCond(&tr.mu)
	return tr
}

func (tr *memTransport) Read(p []byte) (int, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for tr.blocking && tr.in.Len() == 0 && !tr.closed {
		tr.cond.Wait()
	}
	if tr.in.Len() > 0 {
		return tr.in.Read(p)
	}
	if tr.closed {
		return 0, io.EOF
	}
	return 0, errWouldBlock
}

func (tr *memTransport) Write(p []byte) (int, error) {
	tr.mu.Lock()
	if tr.closed {
		tr.mu.Unlock()
		return 0, net.ErrClosed
	}
	tr.out.Write(p)
	blocking := tr.blocking
	tr.mu.Unlock()
	if blocking && tr.wake != nil {
		tr.wake()
	}
	return len(p), nil
}

// feed appends ciphertext read from the socket.
func (tr *memTransport) feed(p []byte) {
	tr.mu.Lock()
	tr.in.Write(p)
	tr.cond.Signal()
	tr.mu.Unlock()
}

// takeOut removes and returns the pending ciphertext.
func (tr *memTransport) takeOut() []byte {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.out.Len() == 0 {
		return nil
	}
	p := bytes.Clone(tr.out.Bytes())
	tr.out.Reset()
	return p
}

func (tr *memTransport) setNonblocking() {
	tr.mu.Lock()
	tr.blocking = false
	tr.cond.Broadcast()
	tr.mu.Unlock()
}

func (tr *memTransport) Close() error {
	tr.mu.Lock()
	tr.closed = true
	tr.cond.Broadcast()
	tr.mu.Unlock()
	return nil
}

func (tr *memTransport) LocalAddr() net.Addr                { return tr.local }
func (tr *memTransport) RemoteAddr() net.Addr               { return tr.remote }
func (tr *memTransport) SetDeadline(_ time.Time) error      { return nil }
func (tr *memTransport) SetReadDeadline(_ time.Time) error  { return nil }
func (tr *memTransport) SetWriteDeadline(_ time.Time) error { return nil }

type tlsState struct {
	conn   *tls.Conn
	tr     *memTransport
	server bool

	done atomic.Bool
	err  error // written by the helper before done is set

	established bool
	closing     bool
	pending     bytes.Buffer // plaintext written during the handshake
	timer       ID
}

// StartTLS layers a TLS session over the plain connection id, keeping its id. The connection
// leaves the poller, gets wrapped and is re-registered for write interest to drive the handshake.
// OnAccept (server side) or OnConnect (client side) fires once the handshake completes.
func (l *Loop) StartTLS(id ID, opts TLSOptions) (ID, error) {
	if l.closed {
		return 0, errorx.ErrLoopClosed
	}
	if l.opts.DisableTLS {
		return 0, errorx.ErrTLSDisabled
	}
	c, ok := l.conns[id]
	if !ok {
		if _, ok = l.listeners[id]; ok {
			return 0, errorx.ErrNotListener
		}
		return 0, errorx.ErrInvalidConn
	}
	if c.tls != nil || c.clientTLS != nil {
		return 0, errorx.ErrAlreadyTLS
	}
	if c.network == "udp" {
		return 0, errorx.ErrUnsupportedProtocol
	}
	if c.fd < 0 || c.flags&(flagConnecting|flagResolving|flagFinish) != 0 {
		return 0, errorx.ErrInvalidConn
	}

	var (
		cfg *tls.Config
		err error
	)
	if opts.Server {
		cfg, err = l.serverTLSConfig(opts.Config, opts.CertFile, opts.KeyFile)
	} else {
		cfg, err = l.clientTLSConfig(opts.Config, opts.ServerName, opts.InsecureSkipVerify, hostOf(c.remoteAddr))
	}
	if err != nil {
		return 0, err
	}

	if c.registered {
		if err = l.poller.Unregister(c.fd); err != nil {
			return 0, err
		}
		c.registered = false
	}
	if opts.Server {
		c.acceptedBy = 0
	}
	l.startTLS(c, cfg, opts.Server, opts.Timeout)
	return c.id, nil
}

// startTLS wraps c and hands the handshake to a helper goroutine, the loop shuttles
// ciphertext between the socket and the transport until the helper is done.
func (l *Loop) startTLS(c *conn, cfg *tls.Config, server bool, timeout time.Duration) {
	tr := newMemTransport(c.localAddr, c.remoteAddr, l.wakeup)
	st := &tlsState{tr: tr, server: server}
	if server {
		st.conn = tls.Server(tr, cfg)
		c.flags |= flagTLSAccept
	} else {
		st.conn = tls.Client(tr, cfg)
		c.flags |= flagTLSConnect
	}
	if c.early.Len() > 0 {
		st.pending.Write(c.early.Bytes())
		c.early.Reset()
	}
	c.tls = st
	l.handshaking[c.id] = c
	if timeout > 0 {
		st.timer = l.Timer(timeout, func(l *Loop, _ ID) error {
			st.timer = 0
			if !c.closed && !st.established {
				l.fail(c, errorx.ErrHandshakeTimeout)
			}
			return nil
		})
	}

	goroutine.Go(l.pool, func() {
		defer rescue.HandleCrash()
		defer l.wakeup()
		defer st.done.Store(true)
		// A panicking certificate or verification callback fails the handshake.
		st.err = rescue.Call(st.conn.Handshake)
	})

	c.flags |= flagWriting | flagReadOnly
	if c.registered {
		l.syncInterest(c)
		return
	}
	if err := l.poller.Register(c.fd, netpoll.InterestReadWrite); err != nil {
		l.fail(c, err)
		return
	}
	c.registered, c.interest = true, netpoll.InterestReadWrite
}

func (l *Loop) pumpHandshakes() {
	for _, c := range l.handshaking {
		l.pumpHandshake(c)
	}
}

// pumpHandshake moves the handshake output to the write buffer and completes the
// connection once the helper is done.
func (l *Loop) pumpHandshake(c *conn) {
	st := c.tls
	finished := st.done.Load()
	l.moveCiphertext(c)
	if !finished || c.closed {
		return
	}

	delete(l.handshaking, c.id)
	c.flags &^= flagTLSAccept | flagTLSConnect
	l.cancelTimer(st.timer)
	st.timer = 0
	if st.err != nil {
		l.fail(c, pkgerrors.Wrap(st.err, "tls handshake"))
		return
	}
	st.tr.setNonblocking()
	st.established = true

	if st.pending.Len() > 0 {
		_, err := st.conn.Write(st.pending.Bytes())
		st.pending.Reset()
		if err != nil {
			l.fail(c, err)
			return
		}
		l.moveCiphertext(c)
	}
	if c.flags&flagFinish != 0 {
		// Dropped while handshaking, only the held output is left to deliver.
		l.closeNotify(c)
		return
	}
	if st.server {
		l.accepted(c, c.acceptedBy)
	} else {
		l.connected(c)
	}
	if !c.closed {
		// Application data may have arrived along with the last handshake flight.
		l.decrypt(c)
	}
}

// closeNotify queues the close_notify alert of an established session once.
func (l *Loop) closeNotify(c *conn) {
	st := c.tls
	if st == nil || !st.established || st.closing {
		return
	}
	st.closing = true
	if err := st.conn.CloseWrite(); err == nil {
		l.moveCiphertext(c)
	}
}

// moveCiphertext appends what the TLS layer produced to the write buffer.
func (l *Loop) moveCiphertext(c *conn) {
	p := c.tls.tr.takeOut()
	if len(p) == 0 || c.closed {
		return
	}
	c.out.PushBack(p)
	c.flags |= flagWriting
	l.syncInterest(c)
}

func (l *Loop) writeTLS(c *conn, p []byte) error {
	st := c.tls
	if !st.established {
		st.pending.Write(p)
		return nil
	}
	if _, err := st.conn.Write(p); err != nil {
		return err
	}
	l.moveCiphertext(c)
	return nil
}

func (l *Loop) readTLS(c *conn, ciphertext []byte) {
	c.tls.tr.feed(ciphertext)
	if !c.tls.established {
		l.pumpHandshake(c)
		return
	}
	l.decrypt(c)
}

// decrypt hands every complete record buffered in the transport to the read handler.
func (l *Loop) decrypt(c *conn) {
	st := c.tls
	for !c.closed {
		n, err := st.conn.Read(l.buf)
		if n > 0 && c.flags&flagFinish == 0 && c.handlers.OnRead != nil {
			data := l.buf[:n]
			_ = l.invoke("read", c.id, func() error { return c.handlers.OnRead(l, c.id, data) })
		}
		if err == nil {
			continue
		}
		if c.closed {
			return
		}
		l.moveCiphertext(c)
		switch {
		case errors.Is(err, errWouldBlock):
		case errors.Is(err, io.EOF):
			l.hangup(c)
		default:
			l.fail(c, err)
		}
		return
	}
}

func (l *Loop) serverTLSConfig(cfg *tls.Config, certFile, keyFile string) (*tls.Config, error) {
	if l.opts.DisableTLS {
		return nil, errorx.ErrTLSDisabled
	}
	if cfg != nil {
		return cfg, nil
	}
	if certFile == "" && keyFile == "" {
		var err error
		if certFile, keyFile, err = selfSignedFiles(l.opts.TempDir); err != nil {
			return nil, err
		}
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "load key pair %s, %s", certFile, keyFile)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

func (l *Loop) clientTLSConfig(cfg *tls.Config, serverName string, insecure bool, host string) (*tls.Config, error) {
	if l.opts.DisableTLS {
		return nil, errorx.ErrTLSDisabled
	}
	if cfg != nil {
		return cfg, nil
	}
	if serverName == "" {
		serverName = host
	}
	return &tls.Config{ServerName: serverName, InsecureSkipVerify: insecure, MinVersion: tls.VersionTLS12}, nil //nolint:gosec
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return ""
	}
	return host
}
