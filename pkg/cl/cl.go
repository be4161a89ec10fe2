// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cl defines the accelerator API consumed by the FPGA runtime: platform and device enumeration,
// contexts, command queues, programs, kernels, buffers, events with profiling timestamps, and the
// persistent kernel streams extension.
//
// It follows the OpenCL 1.2 object model (plus the vendor extensions used by FPGA toolchains), so a binding
// to a native OpenCL ICD loader can implement it directly. Implementations register themselves with Register
// during initialization, see package clemu for a pure Go emulated implementation.
//
// All enqueue operations are asynchronous and return an Event, except when explicitly blocking.
// Errors that come from the accelerator API are *Error values, carrying the originating call and status code.
package cl

// DeviceType selects which devices of a platform to enumerate.
type DeviceType uint64

const (
	DeviceTypeDefault     DeviceType = 1 << 0
	DeviceTypeCPU         DeviceType = 1 << 1
	DeviceTypeGPU         DeviceType = 1 << 2
	DeviceTypeAccelerator DeviceType = 1 << 3
	DeviceTypeAll         DeviceType = 0xFFFFFFFF
)

// Runtime is the entry point of an accelerator API implementation.
type Runtime interface {
	// Name of the implementation, as given to Register.
	Name() string

	// Platforms enumerates the available platforms.
	//
	// The env holds process-level signals (like XCL_EMULATION_MODE) that change which devices the vendor
	// runtimes expose. They are passed explicitly instead of being read from the process environment.
	Platforms(env Env) ([]Platform, error)
}

// Platform is one vendor installation (ICD).
type Platform interface {
	Name() (string, error)
	Devices(deviceType DeviceType) ([]Device, error)
}

// Device is one physical (or emulated) accelerator.
type Device interface {
	Name() (string, error)

	// CreateContext returns an error with status DeviceNotAvailable if the device is in use or otherwise unavailable.
	CreateContext() (Context, error)

	// CreateStream creates a persistent stream attached to argument argIndex (local to the kernel) of kernel.
	// The flags are given from the kernel's perspective: StreamReadOnly means the kernel reads from it.
	//
	// Implementations without support for streams return an error with status InvalidOperation.
	CreateStream(flags StreamFlags, kernel Kernel, argIndex int) (Stream, error)
}

// Context owns the device-side objects.
type Context interface {
	CreateCommandQueue(properties QueueProperties) (CommandQueue, error)
	CreateProgramWithBinary(binaries [][]byte) (Program, error)

	// CreateBuffer allocates a device buffer of size bytes.
	// host must be nil unless flags include MemUseHostPtr or MemCopyHostPtr.
	// If flags include MemExtPtrXilinx, ext must be given and ext.Obj is used as the host pointer.
	CreateBuffer(flags MemFlags, size int, host []byte, ext *MemExtPtr) (Buffer, error)

	Release() error
}

// Program holds the kernels of a bitstream.
type Program interface {
	Build() error
	CreateKernel(name string) (Kernel, error)
	Release() error
}

// Kernel is one compute unit entry point.
type Kernel interface {
	Name() string

	// SetArg sets a scalar argument to the given raw (little-endian) bytes.
	SetArg(index int, value []byte) error

	// SetArgBuffer binds a buffer to the argument.
	SetArgBuffer(index int, buffer Buffer) error

	Release() error
}

// Buffer is a device memory object.
type Buffer interface {
	// Size in bytes.
	Size() int
	Release() error
}

// Event is the completion handle of an enqueued command.
type Event interface {
	// ProfilingInfo returns the timestamp in nanoseconds. The queue must have been created with
	// QueueProfilingEnable and the command must be complete, otherwise it returns an error with status
	// ProfilingInfoNotAvailable.
	ProfilingInfo(info ProfilingInfo) (int64, error)

	// Wait blocks until the command completes and returns its error, if any.
	Wait() error
}

// CommandQueue receives the asynchronous commands.
type CommandQueue interface {
	// EnqueueMigrateMemObjects migrates the buffers to the device, or to the host if flags include MigrateToHost.
	EnqueueMigrateMemObjects(buffers []Buffer, flags MigrateFlags, waitList []Event) (Event, error)

	// EnqueueWriteBuffer copies src into the buffer starting at offset.
	EnqueueWriteBuffer(buffer Buffer, blocking bool, offset int, src []byte, waitList []Event) (Event, error)

	// EnqueueReadBuffer copies the buffer starting at offset into dst.
	EnqueueReadBuffer(buffer Buffer, blocking bool, offset int, dst []byte, waitList []Event) (Event, error)

	// EnqueueTask launches a single work-item of kernel, with the arguments set at the time of the call.
	EnqueueTask(kernel Kernel, waitList []Event) (Event, error)

	Flush() error

	// Finish blocks until all commands issued to the queue complete.
	Finish() error

	Release() error
}

// StreamXferReq describes one chunk transfer on a persistent stream.
type StreamXferReq struct {
	// EOT marks the last chunk of a transfer.
	EOT bool

	// Tag is a free-form identification of the transfer used for diagnostics.
	Tag string
}

// Stream is a persistent kernel stream.
// Read and Write block until the chunk has been transferred.
type Stream interface {
	Read(dst []byte, req StreamXferReq) error
	Write(src []byte, req StreamXferReq) error
	Release() error
}
