// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xilinx implements the backend for Xilinx "xclbin" bitstreams.
//
// Buffers are created over the caller's host memory (zero-copy), pinned to the memory bank of the argument
// when the bitstream connects it to one. The load and store stages are one batched migration each.
// Stream arguments are supported.
//
// It registers itself as "xilinx" with devices.Register.
package xilinx

import (
	"github.com/gomlx/frt/devices"
	"github.com/gomlx/frt/devices/opencl"
	"github.com/gomlx/frt/pkg/bitstream"
	"github.com/gomlx/frt/pkg/cl"
	"k8s.io/klog/v2"
)

// BackendName used to register the backend.
const BackendName = "xilinx"

func init() {
	devices.Register(BackendName, devices.PriorityXilinx, Recognize, New)
}

// Recognize accepts xclbin containers.
func Recognize(format bitstream.Format) bool {
	return format == bitstream.FormatXclbin
}

// New creates a Device for a Xilinx bitstream.
func New(segments [][]byte, metadata *bitstream.Metadata, config *devices.Config) (devices.Device, error) {
	device, err := opencl.New(Vendor{}, segments, metadata, config)
	if err != nil {
		return nil, err
	}
	return device, nil
}

// Vendor implements opencl.Vendor for Xilinx devices.
type Vendor struct{}

var _ opencl.Vendor = Vendor{}

// Name implements opencl.Vendor.
func (Vendor) Name() string { return "Xilinx OpenCL" }

// bankFlags maps memory tags to the extended pointer bank flags.
var bankFlags = map[string]uint32{
	"bank0":  cl.ExtDDRBank0,
	"bank1":  cl.ExtDDRBank1,
	"bank2":  cl.ExtDDRBank2,
	"bank3":  cl.ExtDDRBank3,
	"DDR[0]": cl.ExtDDRBank0,
	"DDR[1]": cl.ExtDDRBank1,
	"DDR[2]": cl.ExtDDRBank2,
	"DDR[3]": cl.ExtDDRBank3,
}

// BankFlags returns the bank flags for a memory tag. Unknown tags are logged and get no flags.
func BankFlags(tag string) uint32 {
	if tag == "" {
		return 0
	}
	flags, found := bankFlags[tag]
	if !found {
		klog.Warningf("Unknown argument memory tag: %q", tag)
	}
	return flags
}

// CreateBuffer implements opencl.Vendor: the buffer uses the host memory directly.
func (Vendor) CreateBuffer(context cl.Context, flags cl.MemFlags, arg devices.ArgInfo, host []byte) (cl.Buffer, error) {
	ext := &cl.MemExtPtr{Flags: BankFlags(arg.Tag), Obj: host}
	return context.CreateBuffer(flags|cl.MemUseHostPtr|cl.MemExtPtrXilinx, len(host), nil, ext)
}

// Load implements opencl.Vendor with one migration of all buffers.
func (Vendor) Load(queue cl.CommandQueue, bindings []opencl.Binding) ([]cl.Event, error) {
	event, err := queue.EnqueueMigrateMemObjects(opencl.Buffers(bindings), 0, nil)
	if err != nil {
		return nil, err
	}
	return []cl.Event{event}, nil
}

// Store implements opencl.Vendor with one migration of all buffers.
func (Vendor) Store(queue cl.CommandQueue, bindings []opencl.Binding, after []cl.Event) ([]cl.Event, error) {
	event, err := queue.EnqueueMigrateMemObjects(opencl.Buffers(bindings), cl.MigrateToHost, after)
	if err != nil {
		return nil, err
	}
	return []cl.Event{event}, nil
}

// SupportsStreams implements opencl.Vendor.
func (Vendor) SupportsStreams() bool { return true }
