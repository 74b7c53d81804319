// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs CPU bound tasks, like per-image data augmentation, on a bounded number of goroutines.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool limits the number of tasks running in parallel.
type Pool struct {
	// maxParallelism: 0 runs tasks inline, < 0 means unlimited.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning is decreased.
	numRunning int
}

// New returns a Pool with the given parallelism. If maxParallelism is 0 tasks are run inline in the caller's
// goroutine, and if it is negative parallelism is unlimited.
func New(maxParallelism int) *Pool {
	p := &Pool{maxParallelism: maxParallelism}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// NewDefault returns a Pool with parallelism runtime.NumCPU().
func NewDefault() *Pool {
	return New(runtime.NumCPU())
}

// MaxParallelism returns the configured parallelism.
func (p *Pool) MaxParallelism() int {
	return p.maxParallelism
}

// WaitToStart waits until a worker is available and runs task in a new goroutine.
// It's up to the caller to synchronize the end of the task.
//
// If parallelism is disabled the task is run inline, and WaitToStart only returns when it is finished.
func (p *Pool) WaitToStart(task func()) {
	switch {
	case p.maxParallelism < 0:
		go task()
		return
	case p.maxParallelism == 0:
		task()
		return
	}
	p.mu.Lock()
	for p.numRunning >= p.maxParallelism {
		p.cond.Wait()
	}
	p.numRunning++
	p.mu.Unlock()
	go func() {
		defer func() {
			p.mu.Lock()
			p.numRunning--
			p.cond.Signal()
			p.mu.Unlock()
		}()
		task()
	}()
}

// ForEach calls fn(i) for i in [0, n) using the pool, and waits for all calls to finish.
func (p *Pool) ForEach(n int, fn func(i int)) {
	var wg sync.WaitGroup
	wg.Add(n)
	for i := range n {
		p.WaitToStart(func() {
			defer wg.Done()
			fn(i)
		})
	}
	wg.Wait()
}
