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
// Package rescue turns panics raised by user callbacks into ordinary errors.
package rescue

import (
	"fmt"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/webreactor/reactor/pkg/logging"
)

var panicTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "reactor",
		Name:      "panic_total",
		Help:      "callbacks and helpers that panicked",
	},
)

// PanicError carries a recovered panic value and the stack it was raised on.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	if err, ok := e.Value.(error); ok {
		return "panic: " + err.Error()
	}
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes a panicked error value to errors.Is and errors.As.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

func stack() []byte {
	const size = 64 << 10
	buf := make([]byte, size)
	return buf[:runtime.Stack(buf, false)]
}

// Call runs fn and converts a panic into a *PanicError.
func Call(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			panicTotal.Inc()
			err = &PanicError{Value: r, Stack: stack()}
		}
	}()
	return fn()
}

// HandleCrash is deferred at the top of helper goroutines, it logs and swallows the panic.
func HandleCrash() {
	if r := recover(); r != nil {
		panicTotal.Inc()
		logging.Errorf("Observed a panic: %v\n%s", r, stack())
	}
}
