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
	"crypto/tls"
	"net"
	"time"

	"github.com/webreactor/reactor/pkg/dns"
)

// ID identifies a listener, a connection, a timer or a hook for its whole lifetime.
// IDs are never reused within a Loop and the zero ID is never handed out.
type ID uint64

type (
	// AcceptHandler fires once an accepted connection is ready for traffic,
	// that is after its TLS handshake when the listener is TLS-enabled.
	AcceptHandler func(l *Loop, id ID, listener ID) error

	// ConnectHandler fires once an outgoing connection is established (TLS included).
	ConnectHandler func(l *Loop, id ID) error

	// ReadHandler receives the bytes read from the connection, data is only valid during the call.
	ReadHandler func(l *Loop, id ID, data []byte) error

	// ErrorHandler is told about a hard I/O error, the connection is destroyed right after.
	ErrorHandler func(l *Loop, id ID, err error) error

	// HangupHandler is told that the peer went away or the connection idled out,
	// the connection is destroyed right after.
	HangupHandler func(l *Loop, id ID) error

	// DrainHandler fires once the write buffer holding the associated payload is empty.
	DrainHandler func(l *Loop, id ID) error

	// TimerHandler fires once when its timer expires.
	TimerHandler func(l *Loop, id ID) error

	// HookHandler runs on every tick (OnTick) or on every idle tick (OnIdle).
	HookHandler func(l *Loop, id ID) error

	// ResolveHandler receives the decoded answers of a DNS query,
	// an empty slice on timeout, transport error or malformed reply.
	ResolveHandler func(l *Loop, records []dns.Record)

	// LookupHandler receives the address a host name resolved to.
	LookupHandler func(l *Loop, addr string, err error)

	// LockHandler tries to take the cross-process admission lock guarding the shared listeners.
	// blocking hints that the caller has nothing else to do and may wait for the lock.
	LockHandler func(blocking bool) bool

	// UnlockHandler releases the admission lock taken by LockHandler.
	UnlockHandler func()
)

// Handlers groups the callbacks bound to a connection. Accepted connections
// inherit the handlers of their listener.
type Handlers struct {
	OnAccept  AcceptHandler
	OnConnect ConnectHandler
	OnRead    ReadHandler
	OnError   ErrorHandler
	OnHangup  HangupHandler
}

// ListenOptions describes a listening socket.
type ListenOptions struct {
	Handlers

	// Address is the IP to bind, empty means every IPv4 interface.
	Address string
	// Port is the TCP port to bind, 0 picks an ephemeral one.
	Port int
	// File is the path of a UNIX socket, it takes precedence over Address and Port.
	File string
	// Backlog is the listen backlog, 0 means the system maximum.
	Backlog int
	// ReusePort sets SO_REUSEPORT so several processes can share the port.
	ReusePort bool
	// KeepAlive enables TCP keepalive probes on accepted connections.
	KeepAlive bool

	// TLS wraps every accepted connection in a server-side TLS session.
	TLS bool
	// TLSConfig is used as is when set.
	TLSConfig *tls.Config
	// CertFile and KeyFile hold a PEM key pair, when both are empty a self-signed
	// certificate is generated and written to the loop's temp dir.
	CertFile string
	KeyFile  string
	// HandshakeTimeout bounds the TLS handshake of accepted connections, 0 disables it.
	HandshakeTimeout time.Duration

	// IdleTimeout overrides the loop's idle timeout for accepted connections, negative disables it.
	IdleTimeout time.Duration
}

// ConnectOptions describes an outgoing connection.
type ConnectOptions struct {
	Handlers

	// Address is an IP literal or a host name, host names are resolved by the loop first.
	Address string
	Port    int
	// File is the path of a UNIX socket, it takes precedence over Address and Port.
	File string
	// Proto is "tcp" (default) or "udp".
	Proto string

	// TLS starts a client-side TLS session once connected, OnConnect fires after the handshake.
	TLS                bool
	TLSConfig          *tls.Config
	ServerName         string
	InsecureSkipVerify bool

	// Timeout bounds connecting, TLS handshake included, 0 disables it.
	Timeout time.Duration
	// IdleTimeout overrides the loop's idle timeout, negative disables it.
	IdleTimeout time.Duration
}

// TLSOptions describes the TLS session StartTLS layers over a plain connection.
type TLSOptions struct {
	// Server selects the server side of the handshake.
	Server bool
	Config *tls.Config
	// CertFile and KeyFile are used on the server side when Config is nil,
	// a self-signed certificate is used when they are empty too.
	CertFile string
	KeyFile  string
	// ServerName and InsecureSkipVerify are used on the client side when Config is nil.
	ServerName         string
	InsecureSkipVerify bool
	// Timeout bounds the handshake, 0 disables it.
	Timeout time.Duration
}

// ConnInfo is a snapshot of a listener or connection.
type ConnInfo struct {
	ID          ID
	Listener    bool
	Network     string
	LocalAddr   net.Addr
	RemoteAddr  net.Addr
	Connecting  bool
	TLS         bool
	Handshaking bool
	Finishing   bool
	Buffered    int
	IdleTimeout time.Duration
	LastActive  time.Time
}
