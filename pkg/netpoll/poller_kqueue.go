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

//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package netpoll

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// kqueuePoller keeps the interest of every descriptor because kqueue
// tracks the read and write filters as two independent registrations.
type kqueuePoller struct {
	fd        int // kqueue fd
	dummy     dummy
	interests map[int]Interest
	changes   []unix.Kevent_t
	el        *eventList
	index     map[int]int // fd -> position in ready, rebuilt on every Poll
	ready     []Event
}

func openKqueue() (Poller, error) {
	p := &kqueuePoller{
		interests: make(map[int]Interest),
		index:     make(map[int]int),
	}
	var err error
	if p.fd, err = unix.Kqueue(); err != nil {
		return nil, os.NewSyscallError("kqueue", err)
	}
	unix.CloseOnExec(p.fd)
	if p.dummy, err = openDummy(); err != nil {
		_ = unix.Close(p.fd)
		return nil, err
	}
	if err = p.Register(p.dummy.r, InterestRead); err != nil {
		p.dummy.close()
		_ = unix.Close(p.fd)
		return nil, err
	}
	p.el = newEventList(InitPollEventsCap)
	p.ready = make([]Event, 0, InitPollEventsCap)
	return p, nil
}

func (p *kqueuePoller) Backend() Backend {
	return BackendKqueue
}

func (p *kqueuePoller) change(fd, filter, flags int) {
	var ev unix.Kevent_t
	unix.SetKevent(&ev, fd, filter, flags)
	p.changes = append(p.changes, ev)
}

func (p *kqueuePoller) apply(op string) error {
	defer func() { p.changes = p.changes[:0] }()
	if len(p.changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.fd, p.changes, nil, nil)
	return os.NewSyscallError(op, err)
}

func (p *kqueuePoller) Register(fd int, interest Interest) error {
	if interest&InterestRead != 0 {
		p.change(fd, unix.EVFILT_READ, unix.EV_ADD)
	}
	if interest&InterestWrite != 0 {
		p.change(fd, unix.EVFILT_WRITE, unix.EV_ADD)
	}
	if err := p.apply("kevent add"); err != nil {
		return err
	}
	p.interests[fd] = interest
	return nil
}

func (p *kqueuePoller) Update(fd int, interest Interest) error {
	old, ok := p.interests[fd]
	if !ok {
		return os.NewSyscallError("kevent mod", unix.ENOENT)
	}
	added, removed := interest&^old, old&^interest
	if added&InterestRead != 0 {
		p.change(fd, unix.EVFILT_READ, unix.EV_ADD)
	}
	if added&InterestWrite != 0 {
		p.change(fd, unix.EVFILT_WRITE, unix.EV_ADD)
	}
	if removed&InterestRead != 0 {
		p.change(fd, unix.EVFILT_READ, unix.EV_DELETE)
	}
	if removed&InterestWrite != 0 {
		p.change(fd, unix.EVFILT_WRITE, unix.EV_DELETE)
	}
	if err := p.apply("kevent mod"); err != nil {
		return err
	}
	p.interests[fd] = interest
	return nil
}

func (p *kqueuePoller) Unregister(fd int) error {
	old, ok := p.interests[fd]
	if !ok {
		return os.NewSyscallError("kevent delete", unix.ENOENT)
	}
	delete(p.interests, fd)
	if old&InterestRead != 0 {
		p.change(fd, unix.EVFILT_READ, unix.EV_DELETE)
	}
	if old&InterestWrite != 0 {
		p.change(fd, unix.EVFILT_WRITE, unix.EV_DELETE)
	}
	return p.apply("kevent delete")
}

func (p *kqueuePoller) Poll(timeout time.Duration) ([]Event, error) {
	p.ready = p.ready[:0]
	var tsp *unix.Timespec
	if timeout >= 0 {
		ts := unix.NsecToTimespec(int64(timeout))
		tsp = &ts
	}
	n, err := unix.Kevent(p.fd, nil, p.el.events, tsp)
	if err != nil {
		if err == unix.EINTR {
			return p.ready, nil
		}
		return nil, os.NewSyscallError("kevent wait", err)
	}
	clear(p.index)
	for i := 0; i < n; i++ {
		ev := &p.el.events[i]
		fd := int(ev.Ident)
		if fd == p.dummy.r {
			continue
		}
		var f Flags
		switch {
		case ev.Flags&unix.EV_ERROR != 0:
			f = FlagError
		case ev.Filter == unix.EVFILT_READ:
			// EOF on the read filter surfaces through read(2) returning zero.
			f = FlagRead
		case ev.Filter == unix.EVFILT_WRITE:
			f = FlagWrite
			if ev.Flags&unix.EV_EOF != 0 {
				f |= FlagHangup
			}
		}
		if pos, ok := p.index[fd]; ok {
			p.ready[pos].Flags |= f
			continue
		}
		p.index[fd] = len(p.ready)
		p.ready = append(p.ready, Event{FD: fd, Flags: f})
	}
	if n == p.el.size {
		p.el.expand()
	} else if n < p.el.size>>1 {
		p.el.shrink()
	}
	return p.ready, nil
}

func (p *kqueuePoller) Close() error {
	p.dummy.close()
	return os.NewSyscallError("close", unix.Close(p.fd))
}
