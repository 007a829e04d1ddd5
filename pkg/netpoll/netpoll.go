// Copyright (c) 2025 The Reactor Authors. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd

/*
Package netpoll provides a portable readiness-notification interface for file descriptors.

Three backends implement the same Poller contract:
  - kqueue on *BSD/Darwin - https://man.freebsd.org/cgi/man.cgi?kqueue
  - epoll on Linux - https://man7.org/linux/man-pages/man7/epoll.7.html
  - poll(2) everywhere, as the portable fallback

Open probes them in that order of preference unless a backend is named explicitly:

	poller, err := netpoll.Open(netpoll.BackendAuto)
	if err != nil {
		// handle error
	}
	defer poller.Close()

	if err := poller.Register(fd, netpoll.InterestRead); err != nil {
		// handle error
	}

	events, err := poller.Poll(10 * time.Millisecond)
	for _, ev := range events {
		if ev.Flags.Readable() {
			// read from ev.FD
		}
	}

Every poller keeps a private, never-ready descriptor registered, so Poll honors its
timeout even when no other descriptor is registered.
*/
package netpoll

import (
	"os"
	"time"

	"golang.org/x/sys/unix"

	errorx "github.com/webreactor/reactor/pkg/errors"
)

// Interest is the set of readiness conditions a descriptor is watched for.
type Interest uint8

const (
	// InterestRead watches for readability.
	InterestRead Interest = 1 << iota
	// InterestWrite watches for writability.
	InterestWrite
	// InterestReadWrite watches for both.
	InterestReadWrite = InterestRead | InterestWrite
)

func (in Interest) String() string {
	switch in {
	case InterestRead:
		return "read"
	case InterestWrite:
		return "write"
	case InterestReadWrite:
		return "read+write"
	default:
		return "none"
	}
}

// Flags classifies what happened to a descriptor.
type Flags uint8

const (
	// FlagRead means the descriptor can be read without blocking.
	FlagRead Flags = 1 << iota
	// FlagWrite means the descriptor can be written without blocking.
	FlagWrite
	// FlagError means an error condition is pending on the descriptor.
	FlagError
	// FlagHangup means the peer has hung up.
	FlagHangup
)

// Readable reports whether FlagRead is set.
func (f Flags) Readable() bool { return f&FlagRead != 0 }

// Writable reports whether FlagWrite is set.
func (f Flags) Writable() bool { return f&FlagWrite != 0 }

// Errored reports whether FlagError is set.
func (f Flags) Errored() bool { return f&FlagError != 0 }

// HungUp reports whether FlagHangup is set.
func (f Flags) HungUp() bool { return f&FlagHangup != 0 }

// Event is one ready descriptor.
type Event struct {
	FD    int
	Flags Flags
}

// Backend names a readiness-notification mechanism.
type Backend string

const (
	// BackendAuto lets Open probe for the best available backend.
	BackendAuto Backend = ""
	// BackendKqueue is the kqueue(2) event queue.
	BackendKqueue Backend = "kqueue"
	// BackendEpoll is the epoll(7) readiness list.
	BackendEpoll Backend = "epoll"
	// BackendPoll is the portable poll(2) bitmask interface.
	BackendPoll Backend = "poll"
)

// probeOrder ranks backends from most to least efficient.
var probeOrder = []Backend{BackendKqueue, BackendEpoll, BackendPoll}

// Poller watches descriptors for readiness.
//
// A Poller is not safe for concurrent use, it belongs to exactly one event-loop.
type Poller interface {
	// Register starts watching fd with the given interest.
	Register(fd int, interest Interest) error
	// Update replaces the interest of an already registered fd.
	Update(fd int, interest Interest) error
	// Unregister stops watching fd.
	Unregister(fd int) error
	// Poll blocks up to timeout and returns the ready descriptors, a negative timeout blocks
	// indefinitely and a zero timeout never blocks. The returned slice is reused by the next call.
	Poll(timeout time.Duration) ([]Event, error)
	// Backend tells which mechanism backs this poller.
	Backend() Backend
	// Close releases the poller.
	Close() error
}

// Open creates a poller of the given backend, or of the best available one for BackendAuto.
func Open(backend Backend) (Poller, error) {
	if backend != BackendAuto {
		return open(backend)
	}
	var lastErr error
	for _, b := range probeOrder {
		p, err := open(b)
		if err == nil {
			return p, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Available probes every backend and returns those usable on this host, best first.
func Available() []Backend {
	var backends []Backend
	for _, b := range probeOrder {
		if p, err := open(b); err == nil {
			_ = p.Close()
			backends = append(backends, b)
		}
	}
	return backends
}

// ParseBackend converts a backend name, the empty string and "auto" both mean BackendAuto.
func ParseBackend(name string) (Backend, error) {
	switch Backend(name) {
	case BackendAuto, "auto":
		return BackendAuto, nil
	case BackendKqueue, BackendEpoll, BackendPoll:
		return Backend(name), nil
	}
	return BackendAuto, errorx.ErrUnsupportedBackend
}

func open(b Backend) (Poller, error) {
	switch b {
	case BackendKqueue:
		return openKqueue()
	case BackendEpoll:
		return openEpoll()
	case BackendPoll:
		return openPoll()
	}
	return nil, errorx.ErrUnsupportedBackend
}

// dummy is a pipe whose write end is never written, so its read end never becomes ready.
type dummy struct {
	r, w int
}

func openDummy() (d dummy, err error) {
	p := make([]int, 2)
	if err = unix.Pipe(p); err != nil {
		return d, os.NewSyscallError("pipe", err)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err = unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(p[0])
			_ = unix.Close(p[1])
			return d, os.NewSyscallError("fcntl nonblock", err)
		}
	}
	return dummy{r: p[0], w: p[1]}, nil
}

func (d dummy) close() {
	_ = unix.Close(d.r)
	_ = unix.Close(d.w)
}

// msec converts a poll timeout into milliseconds, rounding sub-millisecond waits up.
func msec(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	ms := timeout / time.Millisecond
	if timeout%time.Millisecond != 0 {
		ms++
	}
	return int(ms)
}
