// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package clemu

import (
	"encoding/binary"
	"math"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/frt/internal/workerspool"
	"github.com/x448/float16"
)

// Invocation gives an emulated kernel access to the arguments it was enqueued with, by local argument index.
//
// Accessors panic (with exceptions.Panicf) if the argument is not set or has the wrong kind:
// the panic fails the task's event.
type Invocation struct {
	kernel  string
	pool    *workerspool.Pool
	scalars map[int][]byte
	buffers map[int]*Buffer
	streams map[int]*Stream
}

// Kernel returns the name of the kernel being run.
func (inv *Invocation) Kernel() string { return inv.kernel }

// Scalar returns the raw little-endian bytes of a scalar argument.
func (inv *Invocation) Scalar(index int) []byte {
	v, found := inv.scalars[index]
	if !found {
		exceptions.Panicf("kernel %q: scalar argument #%d not set", inv.kernel, index)
	}
	return v
}

// Uint32 returns the scalar argument interpreted as a little-endian uint32.
func (inv *Invocation) Uint32(index int) uint32 {
	v := inv.Scalar(index)
	if len(v) != 4 {
		exceptions.Panicf("kernel %q: scalar argument #%d has %d bytes, wanted 4", inv.kernel, index, len(v))
	}
	return binary.LittleEndian.Uint32(v)
}

// Uint64 returns the scalar argument interpreted as a little-endian uint64.
func (inv *Invocation) Uint64(index int) uint64 {
	v := inv.Scalar(index)
	if len(v) != 8 {
		exceptions.Panicf("kernel %q: scalar argument #%d has %d bytes, wanted 8", inv.kernel, index, len(v))
	}
	return binary.LittleEndian.Uint64(v)
}

// Float32 returns the scalar argument interpreted as a float32.
func (inv *Invocation) Float32(index int) float32 {
	return math.Float32frombits(inv.Uint32(index))
}

// Float16 returns the scalar argument interpreted as a half-precision float.
func (inv *Invocation) Float16(index int) float16.Float16 {
	v := inv.Scalar(index)
	if len(v) != 2 {
		exceptions.Panicf("kernel %q: scalar argument #%d has %d bytes, wanted 2", inv.kernel, index, len(v))
	}
	return float16.Frombits(binary.LittleEndian.Uint16(v))
}

// Buffer returns the device memory of a buffer argument.
func (inv *Invocation) Buffer(index int) []byte {
	b, found := inv.buffers[index]
	if !found {
		exceptions.Panicf("kernel %q: buffer argument #%d not set", inv.kernel, index)
	}
	return b.device
}

// View returns the device memory of a buffer argument as a slice of T.
// Trailing bytes that don't fill a whole element are not included.
func View[T any](inv *Invocation, index int) []T {
	data := inv.Buffer(index)
	var zero T
	n := len(data) / int(unsafe.Sizeof(zero))
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&data[0])), n)
}

// Stream returns the kernel end of a stream argument.
func (inv *Invocation) Stream(index int) *KernelStream {
	s, found := inv.streams[index]
	if !found {
		exceptions.Panicf("kernel %q: stream argument #%d not attached", inv.kernel, index)
	}
	return &KernelStream{stream: s, pool: inv.pool}
}
