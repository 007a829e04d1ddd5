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
package goroutine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGoRunsEveryTask(t *testing.T) {
	p := Default()
	defer p.Release()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		n  int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		Go(p, func() {
			defer wg.Done()
			mu.Lock()
			n++
			mu.Unlock()
		})
	}
	wg.Wait()
	assert.Equal(t, 100, n)
}

func TestGoWithoutPool(t *testing.T) {
	done := make(chan struct{})
	Go(nil, func() { close(done) })
	<-done

	p := Default()
	p.Release()
	done = make(chan struct{})
	Go(p, func() { close(done) })
	<-done
}
