// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"sync"

	"github.com/pkg/errors"
)

// DynamicWaitGroup is a WaitGroup-like synchronization primitive that allows the count
// to be changed (new values added) while someone is waiting for it.
//
// It also keeps the first error reported with Done, so a waiter learns whether any of the
// tracked operations failed.
type DynamicWaitGroup struct {
	mu       sync.Mutex
	cond     *sync.Cond
	count    int64
	firstErr error
}

// NewDynamicWaitGroup creates a new DynamicWaitGroup.
func NewDynamicWaitGroup() *DynamicWaitGroup {
	wg := &DynamicWaitGroup{}
	wg.cond = sync.NewCond(&wg.mu)
	return wg
}

// Add one pending operation.
func (wg *DynamicWaitGroup) Add() {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	wg.count++
}

// Done marks one pending operation as finished with the given result.
// It panics if there are no pending operations.
func (wg *DynamicWaitGroup) Done(err error) {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	wg.count--
	if wg.count < 0 {
		panic(errors.Errorf("DynamicWaitGroup: negative counter"))
	}
	if err != nil && wg.firstErr == nil {
		wg.firstErr = err
	}
	if wg.count == 0 {
		wg.cond.Broadcast()
	}
}

// Wait blocks until there are no pending operations, and returns the first error reported since
// the previous Wait. The error is cleared, so each failure is reported only once.
func (wg *DynamicWaitGroup) Wait() error {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	for wg.count > 0 {
		wg.cond.Wait()
	}
	err := wg.firstErr
	wg.firstErr = nil
	return err
}
