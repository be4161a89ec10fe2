// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Limit(t *testing.T) {
	pool := NewWithParallelism(2)
	var running, maxRunning atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		pool.WaitToStart(func() {
			defer wg.Done()
			n := running.Add(1)
			for {
				m := maxRunning.Load()
				if n <= m || maxRunning.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
		})
	}
	wg.Wait()
	assert.LessOrEqual(t, maxRunning.Load(), int32(2))
	assert.Equal(t, int32(0), running.Load())
}

func TestPool_Asleep(t *testing.T) {
	// A single worker blocked on something outside the pool must not prevent the task that unblocks it.
	pool := NewWithParallelism(1)
	unblock := make(chan struct{})
	done := make(chan struct{})
	pool.WaitToStart(func() {
		pool.WorkerIsAsleep()
		<-unblock
		pool.WorkerRestarted()
		close(done)
	})
	pool.WaitToStart(func() { close(unblock) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		require.Fail(t, "pool deadlocked with a sleeping worker")
	}
}

func TestPool_Unlimited(t *testing.T) {
	pool := NewWithParallelism(-1)
	assert.True(t, pool.IsUnlimited())
	var count atomic.Int32
	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		pool.WaitToStart(func() { count.Add(1); wg.Done() })
	}
	wg.Wait()
	assert.Equal(t, int32(5), count.Load())
}
