// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package intel implements the backend for Intel FPGA ELF bitstreams.
//
// Device buffers are anonymous: the host memory of each argument is kept in a side table, and the load and
// store stages issue one explicit write or read per buffer. Stream arguments are not supported.
//
// It registers itself as "intel" with devices.Register.
package intel

import (
	"sync"

	"github.com/gomlx/frt/devices"
	"github.com/gomlx/frt/devices/opencl"
	"github.com/gomlx/frt/pkg/bitstream"
	"github.com/gomlx/frt/pkg/cl"
	"github.com/pkg/errors"
)

// BackendName used to register the backend.
const BackendName = "intel"

func init() {
	devices.Register(BackendName, devices.PriorityIntel, Recognize, New)
}

// Recognize accepts ELF files. 64 bits ones are rejected later, when parsing the metadata.
func Recognize(format bitstream.Format) bool {
	return format == bitstream.FormatELF32 || format == bitstream.FormatELF64
}

// New creates a Device for an Intel bitstream.
func New(segments [][]byte, metadata *bitstream.Metadata, config *devices.Config) (devices.Device, error) {
	device, err := opencl.New(NewVendor(), segments, metadata, config)
	if err != nil {
		return nil, err
	}
	return device, nil
}

// Vendor implements opencl.Vendor for Intel devices.
type Vendor struct {
	mu        sync.Mutex
	hostTable map[int][]byte
}

var _ opencl.Vendor = (*Vendor)(nil)

// NewVendor returns a Vendor with an empty host memory table.
func NewVendor() *Vendor {
	return &Vendor{hostTable: make(map[int][]byte)}
}

// Name implements opencl.Vendor.
func (v *Vendor) Name() string { return "Intel OpenCL" }

// CreateBuffer implements opencl.Vendor: the buffer is not associated with the host memory,
// which is kept for the transfers.
func (v *Vendor) CreateBuffer(context cl.Context, flags cl.MemFlags, arg devices.ArgInfo, host []byte) (cl.Buffer, error) {
	buffer, err := context.CreateBuffer(flags|cl.MemHeterogeneousIntelFPGA, len(host), nil, nil)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.hostTable[arg.Index] = host
	return buffer, nil
}

func (v *Vendor) host(index int) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	host, found := v.hostTable[index]
	if !found {
		return nil, errors.Errorf("no host memory for buffer argument #%d", index)
	}
	return host, nil
}

// Load implements opencl.Vendor with one write per buffer.
func (v *Vendor) Load(queue cl.CommandQueue, bindings []opencl.Binding) ([]cl.Event, error) {
	events := make([]cl.Event, 0, len(bindings))
	for _, b := range bindings {
		host, err := v.host(b.Index)
		if err != nil {
			return nil, err
		}
		event, err := queue.EnqueueWriteBuffer(b.Buffer, false, 0, host, nil)
		if err != nil {
			return nil, errors.WithMessagef(err, "buffer argument #%d", b.Index)
		}
		events = append(events, event)
	}
	return events, nil
}

// Store implements opencl.Vendor with one read per buffer.
func (v *Vendor) Store(queue cl.CommandQueue, bindings []opencl.Binding, after []cl.Event) ([]cl.Event, error) {
	events := make([]cl.Event, 0, len(bindings))
	for _, b := range bindings {
		host, err := v.host(b.Index)
		if err != nil {
			return nil, err
		}
		event, err := queue.EnqueueReadBuffer(b.Buffer, false, 0, host, after)
		if err != nil {
			return nil, errors.WithMessagef(err, "buffer argument #%d", b.Index)
		}
		events = append(events, event)
	}
	return events, nil
}

// SupportsStreams implements opencl.Vendor.
func (v *Vendor) SupportsStreams() bool { return false }
