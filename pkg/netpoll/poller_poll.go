// Copyright (c) 2025 The Reactor Authors. All rights reserved.
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

package netpoll

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const (
	pollReadEvents  = unix.POLLIN | unix.POLLPRI
	pollWriteEvents = unix.POLLOUT
)

// pollPoller is the portable fallback: the whole interest set is handed to poll(2) on every call.
type pollPoller struct {
	fds   []unix.PollFd
	index map[int]int // fd -> position in fds
	dummy dummy
	ready []Event
}

func openPoll() (Poller, error) {
	d, err := openDummy()
	if err != nil {
		return nil, err
	}
	p := &pollPoller{
		index: make(map[int]int),
		dummy: d,
	}
	if err = p.Register(d.r, InterestRead); err != nil {
		d.close()
		return nil, err
	}
	return p, nil
}

func (p *pollPoller) Backend() Backend {
	return BackendPoll
}

func pollEvents(interest Interest) (ev int16) {
	if interest&InterestRead != 0 {
		ev |= pollReadEvents
	}
	if interest&InterestWrite != 0 {
		ev |= pollWriteEvents
	}
	return
}

func (p *pollPoller) Register(fd int, interest Interest) error {
	if _, ok := p.index[fd]; ok {
		return os.NewSyscallError("poll add", unix.EEXIST)
	}
	p.index[fd] = len(p.fds)
	p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: pollEvents(interest)})
	return nil
}

func (p *pollPoller) Update(fd int, interest Interest) error {
	pos, ok := p.index[fd]
	if !ok {
		return os.NewSyscallError("poll mod", unix.ENOENT)
	}
	p.fds[pos].Events = pollEvents(interest)
	return nil
}

func (p *pollPoller) Unregister(fd int) error {
	pos, ok := p.index[fd]
	if !ok {
		return os.NewSyscallError("poll delete", unix.ENOENT)
	}
	last := len(p.fds) - 1
	if pos != last {
		p.fds[pos] = p.fds[last]
		p.index[int(p.fds[pos].Fd)] = pos
	}
	p.fds = p.fds[:last]
	delete(p.index, fd)
	return nil
}

func (p *pollPoller) Poll(timeout time.Duration) ([]Event, error) {
	p.ready = p.ready[:0]
	for i := range p.fds {
		p.fds[i].Revents = 0
	}
	n, err := unix.Poll(p.fds, msec(timeout))
	if err != nil {
		if err == unix.EINTR {
			return p.ready, nil
		}
		return nil, os.NewSyscallError("poll", err)
	}
	for i := 0; i < len(p.fds) && n > 0; i++ {
		pfd := &p.fds[i]
		if pfd.Revents == 0 {
			continue
		}
		n--
		if int(pfd.Fd) == p.dummy.r {
			continue
		}
		var f Flags
		if pfd.Revents&pollReadEvents != 0 {
			f |= FlagRead
		}
		if pfd.Revents&pollWriteEvents != 0 {
			f |= FlagWrite
		}
		if pfd.Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			f |= FlagError
		}
		if pfd.Revents&unix.POLLHUP != 0 {
			f |= FlagHangup
		}
		p.ready = append(p.ready, Event{FD: int(pfd.Fd), Flags: f})
	}
	return p.ready, nil
}

func (p *pollPoller) Close() error {
	p.dummy.close()
	p.fds, p.index = nil, nil
	return nil
}
