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

//go:build linux

package netpoll

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

type epollPoller struct {
	fd    int // epoll fd
	dummy dummy
	el    *eventList
	ready []Event
}

func openEpoll() (Poller, error) {
	p := new(epollPoller)
	var err error
	if p.fd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC); err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
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

func (p *epollPoller) Backend() Backend {
	return BackendEpoll
}

func (p *epollPoller) Register(fd int, interest Interest) error {
	return os.NewSyscallError("epoll_ctl add",
		unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: epollEvents(interest)}))
}

func (p *epollPoller) Update(fd int, interest Interest) error {
	return os.NewSyscallError("epoll_ctl mod",
		unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: epollEvents(interest)}))
}

func (p *epollPoller) Unregister(fd int) error {
	return os.NewSyscallError("epoll_ctl del", unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil))
}

func (p *epollPoller) Poll(timeout time.Duration) ([]Event, error) {
	p.ready = p.ready[:0]
	n, err := unix.EpollWait(p.fd, p.el.events, msec(timeout))
	if err != nil {
		if err == unix.EINTR {
			return p.ready, nil
		}
		return nil, os.NewSyscallError("epoll_wait", err)
	}
	for i := 0; i < n; i++ {
		ev := &p.el.events[i]
		if int(ev.Fd) == p.dummy.r {
			continue
		}
		p.ready = append(p.ready, Event{FD: int(ev.Fd), Flags: epollFlags(ev.Events)})
	}
	if n == p.el.size {
		p.el.expand()
	} else if n < p.el.size>>1 {
		p.el.shrink()
	}
	return p.ready, nil
}

func (p *epollPoller) Close() error {
	p.dummy.close()
	return os.NewSyscallError("close", unix.Close(p.fd))
}
