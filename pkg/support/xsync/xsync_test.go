// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	assert.False(t, l.Test())
	go l.Trigger(errors.New("first"))
	select {
	case <-l.WaitChan():
	case <-time.After(time.Second):
		t.Fatal("latch never triggered")
	}
	l.Trigger(nil)
	assert.True(t, l.Test())
	require.EqualError(t, l.Wait(), "first")
}

func TestDynamicWaitGroup(t *testing.T) {
	wg := NewDynamicWaitGroup()
	require.NoError(t, wg.Wait())

	for range 3 {
		wg.Add()
	}
	go func() {
		wg.Done(nil)
		wg.Add()
		wg.Done(errors.New("boom"))
		wg.Done(errors.New("ignored"))
		wg.Done(nil)
	}()
	require.EqualError(t, wg.Wait(), "boom")
	require.NoError(t, wg.Wait())
	assert.Panics(t, func() { wg.Done(nil) })
}
