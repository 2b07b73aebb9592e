// Copyright 2021 FerretDB Inc.
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

// Package teststress provides a helper for concurrency tests.
package teststress

import (
	"runtime"
	"sync"
	"testing"
)

// Stress runs function f in many goroutines at once.
//
// Function f should do a needed setup, send a message to ready channel when it is ready to start,
// wait for start channel to be closed, and then do the actual work.
// It is called GOMAXPROCS*10 times so that goroutines are still being started
// while others already run.
func Stress(tb testing.TB, f func(ready chan<- struct{}, start <-chan struct{})) {
	tb.Helper()

	n := runtime.GOMAXPROCS(-1) * 10

	ready := make(chan struct{}, n)
	start := make(chan struct{})

	var wg sync.WaitGroup

	wg.Add(n)

	for range n {
		go func() {
			defer wg.Done()

			f(ready, start)
		}()
	}

	for range n {
		<-ready
	}

	close(start)

	wg.Wait()
}
