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
	"container/heap"
	"time"
)

type timer struct {
	id    ID
	when  time.Time
	fn    TimerHandler
	index int
}

// timerHeap is a min-heap of timers ordered by deadline, then by creation.
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].id < h[j].id
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Timer schedules fn to run once, no earlier than delay from now.
// The returned id can be passed to Drop to cancel it.
func (l *Loop) Timer(delay time.Duration, fn TimerHandler) ID {
	if delay < 0 {
		delay = 0
	}
	t := &timer{id: l.allocID(), when: time.Now().Add(delay), fn: fn}
	heap.Push(&l.timers, t)
	l.timerByID[t.id] = t
	return t.id
}

func (l *Loop) cancelTimer(id ID) {
	if id == 0 {
		return
	}
	t, ok := l.timerByID[id]
	if !ok {
		return
	}
	delete(l.timerByID, id)
	if t.index >= 0 {
		heap.Remove(&l.timers, t.index)
	}
}

// runTimers fires every timer due at now and returns how many fired. Timers created
// by the handlers are left for the next tick.
func (l *Loop) runTimers(now time.Time) int {
	var due []*timer
	for len(l.timers) > 0 && !l.timers[0].when.After(now) {
		due = append(due, heap.Pop(&l.timers).(*timer))
	}
	fired := 0
	for _, t := range due {
		if _, ok := l.timerByID[t.id]; !ok {
			// dropped by an earlier handler of this batch
			continue
		}
		delete(l.timerByID, t.id)
		fired++
		if t.fn != nil {
			_ = l.invoke("timer", t.id, func() error { return t.fn(l, t.id) })
		}
	}
	return fired
}

type hook struct {
	id   ID
	fn   HookHandler
	dead bool
}

// hookList keeps hooks in registration order, dropped hooks are compacted lazily.
type hookList struct {
	hooks []*hook
}

func (hl *hookList) add(h *hook) {
	hl.hooks = append(hl.hooks, h)
}

func (hl *hookList) reset() {
	for _, h := range hl.hooks {
		h.dead = true
	}
	hl.hooks = nil
}

// OnIdle registers fn to run at the end of every tick that saw no event, no timer,
// no write, no error and no hangup.
func (l *Loop) OnIdle(fn HookHandler) ID {
	return l.addHook(&l.idleHooks, fn)
}

// OnTick registers fn to run at the end of every tick.
func (l *Loop) OnTick(fn HookHandler) ID {
	return l.addHook(&l.tickHooks, fn)
}

func (l *Loop) addHook(hl *hookList, fn HookHandler) ID {
	h := &hook{id: l.allocID(), fn: fn}
	hl.add(h)
	l.hooks[h.id] = h
	return h.id
}

func (l *Loop) runHooks(hl *hookList) {
	for _, h := range hl.hooks {
		if h.dead {
			continue
		}
		_ = l.invoke("hook", h.id, func() error { return h.fn(l, h.id) })
	}
	live := hl.hooks[:0]
	for _, h := range hl.hooks {
		if !h.dead {
			live = append(live, h)
		}
	}
	for i := len(live); i < len(hl.hooks); i++ {
		hl.hooks[i] = nil
	}
	hl.hooks = live
}
