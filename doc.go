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
// Package reactor implements a single-threaded, non-blocking I/O event-loop.
//
// A Loop multiplexes listening sockets, TCP, UDP and UNIX connections (optionally TLS-wrapped),
// one-shot timers and per-tick hooks over a single poller. All state is owned by the goroutine
// that drives the loop through Run or OneTick. Handlers run on that goroutine, receive the loop
// and the id they are bound to, and must never block.
//
// Each tick the loop
//
//   - registers its listeners when it is below the connection ceiling and holds the admission lock,
//   - tears down finished connections, demotes drained ones to read interest and hangs up idle ones,
//   - polls for readiness, bounded by the tick timeout and the next timer deadline,
//   - dispatches read, write, error and hangup conditions in that order,
//   - fires expired timers, then tick hooks, then idle hooks when nothing else happened.
//
// Writes are buffered: Write appends to the connection's FIFO buffer which is flushed as the
// socket becomes writable. Drop on a connection with pending output stops reading and defers the
// teardown until the buffer has drained.
package reactor
