// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package frt

import (
	"encoding/binary"
	"unsafe"

	"github.com/gomlx/frt/devices"
	"github.com/x448/float16"
)

// ScalarType are the Go types that can be given as scalar arguments or used as elements of buffers and
// streams. Platform dependent sized types (int, uint) are not included.
type ScalarType interface {
	bool | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float32 | float64 | float16.Float16
}

// ArgKind is the category of an argument given to an Instance.
type ArgKind int

const (
	ArgScalar ArgKind = iota
	ArgBuffer
	ArgStream
)

// String implements fmt.Stringer.
func (k ArgKind) String() string {
	switch k {
	case ArgScalar:
		return "scalar"
	case ArgBuffer:
		return "buffer"
	case ArgStream:
		return "stream"
	}
	return "unknown"
}

// Arg is one positional argument of an invocation, created with Scalar, WriteOnly, ReadOnly, ReadWrite,
// NewReadStream or NewWriteStream.
type Arg interface {
	// Kind of the argument.
	Kind() ArgKind
}

// ScalarArg is a plain value argument, see Scalar.
type ScalarArg struct {
	value []byte
}

// Kind implements Arg.
func (ScalarArg) Kind() ArgKind { return ArgScalar }

// Bytes returns the little-endian encoding of the value, as given to the kernel.
func (s ScalarArg) Bytes() []byte { return s.value }

// Scalar creates a scalar argument with the value v.
func Scalar[T ScalarType](v T) ScalarArg {
	value, err := binary.Append(nil, binary.LittleEndian, v)
	if err != nil {
		// Not reachable: all ScalarType have a fixed size.
		panic(err)
	}
	return ScalarArg{value: value}
}

// BufferArg is a buffer argument, see WriteOnly, ReadOnly and ReadWrite.
//
// The buffer refers to the caller's memory, which must be kept valid (and not modified by anyone else)
// until the invocation is finished.
type BufferArg struct {
	direction devices.Direction
	buffer    devices.BufferArg
}

// Kind implements Arg.
func (BufferArg) Kind() ArgKind { return ArgBuffer }

// Direction of the transfers of the buffer.
func (b BufferArg) Direction() devices.Direction { return b.direction }

// SizeInBytes of the buffer.
func (b BufferArg) SizeInBytes() int { return b.buffer.SizeInBytes() }

// bytesOf returns the memory of data, without copying it.
func bytesOf[T ScalarType](data []T) []byte {
	if len(data) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(data))), uintptr(len(data))*unsafe.Sizeof(zero))
}

func newBufferArg[T ScalarType](direction devices.Direction, data []T) BufferArg {
	var zero T
	return BufferArg{
		direction: direction,
		buffer:    devices.BufferArg{Data: bytesOf(data), ElemSize: int(unsafe.Sizeof(zero))},
	}
}

// Buffers are named from the host's perspective, like streams.

// WriteOnly is a buffer the host writes for the kernels: it is transferred to the device before compute.
func WriteOnly[T ScalarType](data []T) BufferArg {
	return newBufferArg(devices.DirectionInput, data)
}

// ReadOnly is a buffer the host reads back from the kernels: it is transferred to the host after compute.
func ReadOnly[T ScalarType](data []T) BufferArg {
	return newBufferArg(devices.DirectionOutput, data)
}

// ReadWrite is a buffer transferred to the device before compute, and back to the host after it.
func ReadWrite[T ScalarType](data []T) BufferArg {
	return newBufferArg(devices.DirectionBoth, data)
}
