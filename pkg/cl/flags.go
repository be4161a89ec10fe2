// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cl

// MemFlags used when creating buffers.
type MemFlags uint64

const (
	MemReadWrite    MemFlags = 1 << 0
	MemWriteOnly    MemFlags = 1 << 1
	MemReadOnly     MemFlags = 1 << 2
	MemUseHostPtr   MemFlags = 1 << 3
	MemAllocHostPtr MemFlags = 1 << 4
	MemCopyHostPtr  MemFlags = 1 << 5

	// MemHeterogeneousIntelFPGA lets the Intel FPGA runtime place the buffer in any memory it deems fit.
	MemHeterogeneousIntelFPGA MemFlags = 1 << 19

	// MemExtPtrXilinx indicates the host pointer argument is a *MemExtPtr.
	MemExtPtrXilinx MemFlags = 1 << 31
)

// Has returns whether all bits of flag are set.
func (f MemFlags) Has(flag MemFlags) bool { return f&flag == flag }

// MemExtPtr is the Xilinx extended pointer: it carries the memory bank flags along the host pointer.
type MemExtPtr struct {
	// Flags with the memory bank, e.g. ExtDDRBank0.
	Flags uint32

	// Obj is the host memory.
	Obj []byte

	// Param is vendor specific (e.g. the kernel, for streams).
	Param any
}

// Memory bank flags for MemExtPtr.Flags.
const (
	ExtDDRBank0 uint32 = 1 << 0
	ExtDDRBank1 uint32 = 1 << 1
	ExtDDRBank2 uint32 = 1 << 2
	ExtDDRBank3 uint32 = 1 << 3
)

// MigrateFlags for EnqueueMigrateMemObjects.
type MigrateFlags uint64

const (
	// MigrateToHost migrates the buffers from the device to the host. Without it, they go to the device.
	MigrateToHost MigrateFlags = 1 << 0

	// MigrateContentUndefined migrates without copying the contents.
	MigrateContentUndefined MigrateFlags = 1 << 1
)

// QueueProperties for CreateCommandQueue.
type QueueProperties uint64

const (
	QueueOutOfOrderExecModeEnable QueueProperties = 1 << 0
	QueueProfilingEnable          QueueProperties = 1 << 1
)

// StreamFlags from the kernel's perspective.
type StreamFlags uint64

const (
	// StreamReadOnly streams are read by the kernel: the host writes to them.
	StreamReadOnly StreamFlags = 1 << 0

	// StreamWriteOnly streams are written by the kernel: the host reads from them.
	StreamWriteOnly StreamFlags = 1 << 1
)

// ProfilingInfo selects one of the timestamps of an Event.
type ProfilingInfo int

const (
	ProfilingQueued ProfilingInfo = iota
	ProfilingSubmit
	ProfilingStart
	ProfilingEnd
)

func (p ProfilingInfo) String() string {
	switch p {
	case ProfilingQueued:
		return "queued"
	case ProfilingSubmit:
		return "submit"
	case ProfilingStart:
		return "start"
	case ProfilingEnd:
		return "end"
	}
	return "unknown"
}
