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
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/webreactor/reactor/internal/rescue"
	errorx "github.com/webreactor/reactor/pkg/errors"
	"github.com/webreactor/reactor/pkg/logging"
	"github.com/webreactor/reactor/pkg/netpoll"
	"github.com/webreactor/reactor/pkg/pool/goroutine"
)

// Loop is a single-threaded event-loop. Except for Stop, its methods must be called from the
// goroutine driving it, handlers included.
type Loop struct {
	opts   *Options
	logger logging.Logger
	poller netpoll.Poller
	pool   *goroutine.Pool

	nextID  ID
	pollSeq uint64 // bumped after every poll, tells stale events apart

	conns     map[ID]*conn // connections, listeners excluded
	listeners map[ID]*conn
	fds       map[int]ID // non-owning fd -> id index
	active    int
	maxConns  int
	locked    bool

	timers    timerHeap
	timerByID map[ID]*timer
	tickHooks hookList
	idleHooks hookList
	hooks     map[ID]*hook

	handshaking map[ID]*conn
	inherited   map[int]int
	dnsServer   string

	buf  []byte
	busy bool // a write, error or hangup happened during the current tick

	wakeR, wakeW int
	wakeMu       sync.Mutex
	wakeClosed   bool
	woken        atomic.Bool
	stopped      atomic.Bool
	closed       bool
}

var (
	defaultLoop     *Loop
	defaultLoopOnce sync.Once
)

// Default returns the shared loop, created on first use from the environment.
// Failing to create it is fatal.
func Default() *Loop {
	defaultLoopOnce.Do(func() {
		l, err := New()
		if err != nil {
			logging.Fatalf("failed to create the default event-loop: %v", err)
		}
		defaultLoop = l
	})
	return defaultLoop
}

// New creates an event-loop, the environment knobs are applied before options.
func New(options ...Option) (*Loop, error) {
	opts, err := initOptions(options...)
	if err != nil {
		return nil, err
	}
	dnsServer, err := normalizeDNSServer(opts.DNSServer)
	if err != nil {
		return nil, err
	}
	poller, err := netpoll.Open(opts.PollerBackend)
	if err != nil {
		return nil, err
	}

	inherited := make(map[int]int, len(opts.InheritedFDs))
	for port, fd := range opts.InheritedFDs {
		inherited[port] = fd
	}
	l := &Loop{
		opts:        opts,
		logger:      opts.Logger,
		poller:      poller,
		pool:        goroutine.Default(),
		conns:       make(map[ID]*conn),
		listeners:   make(map[ID]*conn),
		fds:         make(map[int]ID),
		maxConns:    opts.MaxConnections,
		timerByID:   make(map[ID]*timer),
		hooks:       make(map[ID]*hook),
		handshaking: make(map[ID]*conn),
		inherited:   inherited,
		dnsServer:   dnsServer,
		buf:         make([]byte, opts.ReadBufferCap),
		wakeR:       -1,
		wakeW:       -1,
	}
	if err = l.openWakeup(); err != nil {
		_ = poller.Close()
		l.pool.Release()
		return nil, err
	}
	l.logger.Debugf("event-loop created with the %s poller, resolver %s", poller.Backend(), dnsServer)
	return l, nil
}

func (l *Loop) allocID() ID {
	l.nextID++
	return l.nextID
}

// Backend tells which poller backend the loop runs on.
func (l *Loop) Backend() netpoll.Backend {
	return l.poller.Backend()
}

// CountConnections returns the number of live connections, listeners excluded.
func (l *Loop) CountConnections() int {
	return l.active
}

// SetMaxConnections changes the connection ceiling, 0 makes Run return once the last connection is gone.
func (l *Loop) SetMaxConnections(n int) {
	l.maxConns = n
}

// Run ticks until Stop is called or, with a ceiling of 0, no connection is left.
func (l *Loop) Run() error {
	defer l.stopped.Store(false)
	for !l.stopped.Load() {
		if err := l.OneTick(l.opts.TickTimeout); err != nil {
			return err
		}
		if l.maxConns == 0 && l.active == 0 {
			l.logger.Debugf("event-loop stopping: no connection left and no more admitted")
			return nil
		}
	}
	return nil
}

// Stop makes Run return after the current tick, it is safe to call from any goroutine.
func (l *Loop) Stop() {
	l.stopped.Store(true)
	l.wakeup()
}

// OneTick runs a single iteration of the loop, polling for at most timeout.
// A zero timeout never blocks, a negative one blocks until an event or a timer is due.
func (l *Loop) OneTick(timeout time.Duration) error {
	if l.closed {
		return errorx.ErrLoopClosed
	}
	ticksTotal.Inc()
	l.busy = false

	l.prepareListeners()
	l.prepareConns(time.Now())
	l.pumpHandshakes()

	events, err := l.poller.Poll(l.pollTimeout(timeout))
	l.pollSeq++
	if err != nil {
		return err
	}

	activity := false
	for _, ev := range events {
		if ev.FD == l.wakeR {
			l.drainWakeup()
			l.pumpHandshakes()
			continue
		}
		activity = true
		l.dispatch(ev)
	}

	if l.locked {
		l.unregisterListeners()
		l.locked = false
		if l.opts.Unlock != nil {
			l.opts.Unlock()
		}
	}

	fired := l.runTimers(time.Now())
	l.runHooks(&l.tickHooks)
	if !activity && fired == 0 && !l.busy {
		l.runHooks(&l.idleHooks)
	}
	return nil
}

// pollTimeout caps timeout by the next timer deadline.
func (l *Loop) pollTimeout(timeout time.Duration) time.Duration {
	if len(l.timers) == 0 {
		return timeout
	}
	d := time.Until(l.timers[0].when)
	if d < 0 {
		d = 0
	}
	if timeout < 0 || d < timeout {
		return d
	}
	return timeout
}

func (l *Loop) prepareListeners() {
	if len(l.listeners) == 0 {
		return
	}
	if l.active >= l.maxConns {
		l.unregisterListeners()
		return
	}
	if l.opts.Lock != nil {
		if !l.opts.Lock(l.active == 0) {
			return
		}
		l.locked = true
	}
	l.registerListeners()
}

func (l *Loop) prepareConns(now time.Time) {
	for _, c := range l.conns {
		if c.closed {
			continue
		}
		if c.flags&flagFinish != 0 && !c.hasOutput() && !c.settling() {
			l.destroy(c)
			continue
		}
		if c.flags&flagReadOnly != 0 {
			c.flags &^= flagReadOnly
			l.syncInterest(c)
		}
		if c.idleTimeout > 0 && now.Sub(c.lastActive) > c.idleTimeout {
			l.logger.Debugf("connection %d idle for %v, hanging up", c.id, now.Sub(c.lastActive))
			l.hangup(c)
		}
	}
}

func (l *Loop) dispatch(ev netpoll.Event) {
	id, ok := l.fds[ev.FD]
	if !ok {
		return
	}
	if lc, ok := l.listeners[id]; ok {
		if ev.Flags&(netpoll.FlagRead|netpoll.FlagError|netpoll.FlagHangup) != 0 {
			l.accept(lc)
		}
		return
	}
	c := l.conns[id]
	if c == nil || c.born == l.pollSeq {
		// The descriptor was reused by a connection created during this dispatch.
		return
	}
	if ev.Flags.Readable() {
		l.read(c)
	}
	if ev.Flags.Writable() && !c.closed {
		l.write(c)
	}
	if ev.Flags.Errored() && !c.closed {
		err := socketError(c.fd)
		l.fail(c, err)
	}
	if ev.Flags.HungUp() && !c.closed {
		l.hangup(c)
	}
}

// invoke runs a handler behind the panic guard, failures are logged and counted.
func (l *Loop) invoke(kind string, id ID, fn func() error) error {
	err := rescue.Call(fn)
	if err == nil {
		return nil
	}
	callbackFailures.WithLabelValues(kind).Inc()
	var pe *rescue.PanicError
	if errors.As(err, &pe) {
		l.logger.Errorf("%s handler of %d panicked: %v\n%s", kind, id, pe.Value, pe.Stack)
	} else {
		l.logger.Warnf("%s handler of %d failed: %v", kind, id, err)
	}
	return err
}

// Close destroys every listener and connection without running their handlers,
// then releases the poller. The loop is unusable afterwards.
func (l *Loop) Close() error {
	if l.closed {
		return nil
	}
	for _, c := range l.conns {
		l.destroy(c)
	}
	for _, lc := range l.listeners {
		l.destroy(lc)
	}
	l.closeInherited()
	l.timers = nil
	l.timerByID = make(map[ID]*timer)
	l.tickHooks.reset()
	l.idleHooks.reset()
	l.hooks = make(map[ID]*hook)

	l.wakeMu.Lock()
	l.wakeClosed = true
	_ = unix.Close(l.wakeW)
	l.wakeMu.Unlock()
	_ = l.poller.Unregister(l.wakeR)
	_ = unix.Close(l.wakeR)

	l.pool.Release()
	l.closed = true
	return l.poller.Close()
}

func (l *Loop) openWakeup() error {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return os.NewSyscallError("pipe", err)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(p[0])
			_ = unix.Close(p[1])
			return os.NewSyscallError("setnonblock", err)
		}
	}
	if err := l.poller.Register(p[0], netpoll.InterestRead); err != nil {
		_ = unix.Close(p[0])
		_ = unix.Close(p[1])
		return err
	}
	l.wakeR, l.wakeW = p[0], p[1]
	return nil
}

var wakeByte = []byte{1}

// wakeup interrupts a blocking poll, it is safe to call from any goroutine.
func (l *Loop) wakeup() {
	if !l.woken.CompareAndSwap(false, true) {
		return
	}
	l.wakeMu.Lock()
	defer l.wakeMu.Unlock()
	if l.wakeClosed {
		return
	}
	for {
		_, err := unix.Write(l.wakeW, wakeByte)
		if err != unix.EINTR {
			return
		}
	}
}

func (l *Loop) drainWakeup() {
	l.woken.Store(false)
	var b [64]byte
	for {
		n, err := unix.Read(l.wakeR, b[:])
		if n <= 0 || err != nil {
			return
		}
	}
}
