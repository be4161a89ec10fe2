// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements some extra synchronization tools.
package xsync

import "sync"

// Latch implements a "latch" synchronization mechanism that carries the error (or nil) it was triggered with.
//
// A Latch is a signal that can be waited for until it is triggered.
// Once triggered it never changes state, it's forever triggered: later calls to Trigger are ignored.
type Latch struct {
	once sync.Once
	wait chan struct{}
	err  error
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{wait: make(chan struct{})}
}

// Trigger latch with the given result. Only the first call has any effect.
func (l *Latch) Trigger(err error) {
	l.once.Do(func() {
		l.err = err
		close(l.wait)
	})
}

// Wait waits for the latch to be triggered and returns the error it was triggered with.
func (l *Latch) Wait() error {
	<-l.wait
	return l.err
}

// Test checks whether the latch has been triggered.
func (l *Latch) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}

// WaitChan returns the channel that one can use on a `select` to check when
// the latch triggers.
// The returned channel is closed when the latch is triggered.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.wait
}
