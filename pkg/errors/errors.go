// Copyright (c) 2019 The Reactor Authors. All rights reserved.
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

// Package errors defines common errors for reactor.
package errors

import "errors"

var (
	// ErrLoopClosed occurs when trying to use a loop that has been closed.
	ErrLoopClosed = errors.New("reactor: the event-loop is closed")
	// ErrInvalidConn occurs when the given id does not refer to a live connection.
	ErrInvalidConn = errors.New("reactor: invalid or destroyed connection")
	// ErrNotListener occurs when an operation that needs a connection is applied to a listener.
	ErrNotListener = errors.New("reactor: operation is not permitted on a listener")
	// ErrUnsupportedProtocol occurs when trying to use protocol that is not supported.
	ErrUnsupportedProtocol = errors.New("reactor: only tcp, udp and unix are supported")
	// ErrUnsupportedBackend occurs when the requested poller backend is not available on this platform.
	ErrUnsupportedBackend = errors.New("reactor: poller backend is not supported on this platform")
	// ErrInvalidNetworkAddress occurs when the network address is invalid.
	ErrInvalidNetworkAddress = errors.New("reactor: invalid network address")
	// ErrTLSDisabled occurs when TLS is requested while it has been disabled.
	ErrTLSDisabled = errors.New("reactor: TLS is disabled")
	// ErrAlreadyTLS occurs when starting TLS on a connection that is already TLS-wrapped.
	ErrAlreadyTLS = errors.New("reactor: connection is already TLS-wrapped")
	// ErrConnectTimeout occurs when a connection is not established in time.
	ErrConnectTimeout = errors.New("reactor: connect timed out")
	// ErrHandshakeTimeout occurs when a TLS handshake does not complete in time.
	ErrHandshakeTimeout = errors.New("reactor: TLS handshake timed out")
	// ErrResolve occurs when a host name cannot be resolved.
	ErrResolve = errors.New("reactor: failed to resolve host")
	// ErrDNSMalformed occurs when a DNS message is truncated or otherwise malformed.
	ErrDNSMalformed = errors.New("reactor: malformed DNS message")
	// ErrDNSNameTooLong occurs when a DNS name exceeds 255 octets.
	ErrDNSNameTooLong = errors.New("reactor: DNS name is too long")
	// ErrInvalidInheritedFDs occurs when the inherited descriptor mapping cannot be parsed.
	ErrInvalidInheritedFDs = errors.New("reactor: invalid inherited descriptor mapping")
)
