// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package devices defines the Device capability interface, implemented by the vendor backends, and the
// registry used to pick the backend of a bitstream.
//
// A Device drives one bitstream on one physical (or simulated) accelerator through the three stages of an
// invocation: load (WriteToDevice), compute (Exec) and store (ReadFromDevice). Arguments are addressed by their
// global index: the position in the flattened argument list of all kernels.
//
// Backends register themselves during initialization with Register. To have all the standard ones available
// import the default package:
//
//	import _ "github.com/gomlx/frt/devices/default"
package devices

import (
	"fmt"
	"time"

	"github.com/gomlx/frt/pkg/bitstream"
	"github.com/gomlx/frt/pkg/cl"
)

// ArgInfo describes one argument of the bitstream.
type ArgInfo = bitstream.Arg

// Direction of a buffer or stream argument, from the host's perspective.
type Direction int

const (
	// DirectionInput data goes from the host to the device: buffers take part in the load stage.
	DirectionInput Direction = iota + 1

	// DirectionOutput data goes from the device to the host: buffers take part in the store stage.
	DirectionOutput

	// DirectionBoth is only valid for buffers: they take part in the load and store stages.
	DirectionBoth
)

func (d Direction) String() string {
	switch d {
	case DirectionInput:
		return "input"
	case DirectionOutput:
		return "output"
	case DirectionBoth:
		return "both"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// Loads returns whether buffers with this direction are transferred to the device before compute.
func (d Direction) Loads() bool { return d == DirectionInput || d == DirectionBoth }

// Stores returns whether buffers with this direction are transferred back to the host after compute.
func (d Direction) Stores() bool { return d == DirectionOutput || d == DirectionBoth }

// MemFlags returns the buffer access flags, from the device's perspective.
func (d Direction) MemFlags() cl.MemFlags {
	switch d {
	case DirectionInput:
		return cl.MemReadOnly
	case DirectionOutput:
		return cl.MemWriteOnly
	}
	return cl.MemReadWrite
}

// BufferArg is the host memory region bound to a buffer argument. It is owned by the caller, who must keep it
// valid (and not modify it) while the pipeline runs.
type BufferArg struct {
	Data []byte

	// ElemSize is the size in bytes of one element.
	ElemSize int
}

// SizeInBytes of the host region.
func (b BufferArg) SizeInBytes() int { return len(b.Data) }

// Count returns the number of elements of the host region.
func (b BufferArg) Count() int {
	if b.ElemSize <= 0 {
		return len(b.Data)
	}
	return len(b.Data) / b.ElemSize
}

// StreamChannel is the host end of a persistent stream, attached by Device.SetStreamArg.
type StreamChannel interface {
	// Name used to tag the transfers for diagnostics.
	Name() string

	// Attach the channel to the stream created for a kernel argument. It replaces any previous attachment.
	Attach(stream cl.Stream) error
}

// Device is the capability interface of a vendor backend, bound to one bitstream.
//
// Calls on a Device are not safe for concurrent use, except for the transfers on stream channels.
type Device interface {
	// SetScalarArg binds the raw little-endian bytes of a scalar argument.
	SetScalarArg(index int, value []byte) error

	// SetBufferArg allocates a device buffer for the host region, registers it in the load and/or store
	// stages according to direction, and binds it to the argument.
	SetBufferArg(index int, direction Direction, arg BufferArg) error

	// SetStreamArg attaches the channel to the argument. Streams don't take part in the load and store stages.
	// Backends without streams support fail with ErrStreamingUnsupported.
	SetStreamArg(index int, direction Direction, channel StreamChannel) error

	// SuspendBuffer removes the buffer argument from the load and store stages,
	// and returns whether it was in any of them.
	SuspendBuffer(index int) bool

	// WriteToDevice starts the load stage. It is a no-op if there are no buffers to load.
	WriteToDevice() error

	// Exec starts all kernels, after the load stage completes.
	Exec() error

	// ReadFromDevice starts the store stage, after the compute stage completes.
	ReadFromDevice() error

	// Finish blocks until all the operations issued complete.
	Finish() error

	// ArgsInfo returns the argument table sorted by index.
	ArgsInfo() []ArgInfo

	// LoadTime, ComputeTime and StoreTime return the duration of the last run of each stage.
	// Stages without operations take 0.
	LoadTime() (time.Duration, error)
	ComputeTime() (time.Duration, error)
	StoreTime() (time.Duration, error)

	// LoadBytes and StoreBytes return the number of bytes moved by the load and store stages.
	LoadBytes() int64
	StoreBytes() int64

	// Release all the device resources. The Device can't be used afterward.
	Release() error
}

// ThroughputGbps returns the throughput in GB/s (bytes per nanosecond), or 0 if the duration is not positive.
func ThroughputGbps(bytes int64, duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}
	return float64(bytes) / float64(duration.Nanoseconds())
}
