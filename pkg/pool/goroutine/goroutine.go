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
// Package goroutine provides the worker pool that runs the blocking helpers of the event-loop,
// TLS handshakes being the only such helpers today.
package goroutine

import (
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/webreactor/reactor/pkg/logging"
)

const (
	// DefaultPoolSize caps the number of concurrently running helpers, 16 * 1024.
	DefaultPoolSize = 1 << 14

	// ExpiryDuration is the interval time to clean up those expired workers.
	ExpiryDuration = 10 * time.Second

	// Nonblocking makes Submit fail with ants.ErrPoolOverload rather than wait for a free worker.
	Nonblocking = true
)

func init() {
	// It releases the default pool from ants.
	ants.Release()
}

// Pool is the alias of ants.Pool.
type Pool = ants.Pool

// Default instantiates a non-blocking *Pool with the capacity of DefaultPoolSize.
func Default() *Pool {
	options := ants.Options{
		ExpiryDuration: ExpiryDuration,
		Nonblocking:    Nonblocking,
		PanicHandler: func(v any) {
			logging.Errorf("helper goroutine panicked: %v", v)
		},
	}
	pool, _ := ants.NewPool(DefaultPoolSize, ants.WithOptions(options))
	return pool
}

// Go runs task on p, or on a fresh goroutine when p is nil, overloaded or released.
// The task always runs.
func Go(p *Pool, task func()) {
	if p != nil {
		if err := p.Submit(task); err == nil {
			return
		}
	}
	go task()
}
