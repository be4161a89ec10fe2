// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package opencl implements the parts of a devices.Device shared by the backends that run on an OpenCL-style
// accelerator API (package cl): device selection, the kernel table, the load/store participation sets and
// the stage timing from event profiling.
//
// The vendor specific policy (how buffers are created and transferred) is given by a Vendor.
package opencl

import (
	"maps"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/frt/devices"
	"github.com/gomlx/frt/pkg/bitstream"
	"github.com/gomlx/frt/pkg/cl"
	"github.com/gomlx/frt/pkg/support/sets"
	"github.com/gomlx/frt/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Binding of a buffer argument.
type Binding struct {
	Index  int
	Arg    devices.ArgInfo
	Buffer cl.Buffer
}

// Buffers returns the buffers of the bindings, in the same order.
func Buffers(bindings []Binding) []cl.Buffer {
	return xslices.Map(bindings, func(b Binding) cl.Buffer { return b.Buffer })
}

// Vendor implements the vendor specific policies of a Device.
type Vendor interface {
	// Name of the backend, used in messages.
	Name() string

	// CreateBuffer allocates the device buffer for the host memory of the argument.
	CreateBuffer(context cl.Context, flags cl.MemFlags, arg devices.ArgInfo, host []byte) (cl.Buffer, error)

	// Load enqueues the transfer of the buffers to the device. There is at least one buffer.
	Load(queue cl.CommandQueue, bindings []Binding) ([]cl.Event, error)

	// Store enqueues the transfer of the buffers to the host, after the given events complete.
	// There is at least one buffer.
	Store(queue cl.CommandQueue, bindings []Binding, after []cl.Event) ([]cl.Event, error)

	// SupportsStreams returns whether stream arguments can be bound.
	SupportsStreams() bool
}

// Device implements devices.Device on top of the accelerator API.
type Device struct {
	vendor   Vendor
	metadata *bitstream.Metadata

	device  cl.Device
	context cl.Context
	queue   cl.CommandQueue
	program cl.Program

	// kernels are in the same order as metadata.Kernels.
	kernels []cl.Kernel

	buffers    map[int]Binding
	loadIndex  sets.Set[int]
	storeIndex sets.Set[int]

	loadEvents, computeEvents, storeEvents []cl.Event
	released                               bool
}

var _ devices.Device = (*Device)(nil)

// New selects the device targeted by the bitstream, loads the program and creates its kernels.
func New(vendor Vendor, segments [][]byte, metadata *bitstream.Metadata, config *devices.Config) (*Device, error) {
	runtime, err := config.OpenRuntime()
	if err != nil {
		return nil, err
	}
	env := config.Env.WithDefaults(metadata.Env)
	d := &Device{
		vendor:     vendor,
		metadata:   metadata,
		buffers:    make(map[int]Binding),
		loadIndex:  sets.Make[int](),
		storeIndex: sets.Make[int](),
	}
	d.device, d.context, err = SelectDevice(runtime, env, metadata.Vendor, metadata.Target, config.NameRules())
	if err != nil {
		return nil, err
	}
	if err = d.initialize(segments); err != nil {
		_ = d.Release()
		return nil, err
	}
	return d, nil
}

func (d *Device) initialize(segments [][]byte) error {
	var err error
	d.queue, err = d.context.CreateCommandQueue(cl.QueueOutOfOrderExecModeEnable | cl.QueueProfilingEnable)
	if err != nil {
		return err
	}
	d.program, err = d.context.CreateProgramWithBinary(segments)
	if err != nil {
		return err
	}
	if err = d.program.Build(); err != nil {
		return err
	}
	d.kernels = make([]cl.Kernel, 0, len(d.metadata.Kernels))
	for _, k := range d.metadata.Kernels {
		kernel, err := d.program.CreateKernel(k.Name)
		if err != nil {
			return errors.WithMessagef(err, "failed to create kernel %q", k.Name)
		}
		d.kernels = append(d.kernels, kernel)
	}
	return nil
}

// SelectDevice enumerates the platforms named vendor and returns the first available device matching target,
// with its context. Devices that are not available are skipped.
func SelectDevice(runtime cl.Runtime, env cl.Env, vendor, target string, rules *devices.DeviceNameRules) (cl.Device, cl.Context, error) {
	platforms, err := runtime.Platforms(env)
	if err != nil {
		return nil, nil, err
	}
	var platformFound bool
	for _, platform := range platforms {
		platformName, err := platform.Name()
		if err != nil {
			return nil, nil, err
		}
		klog.Infof("Found platform: %s", platformName)
		if platformName != vendor {
			continue
		}
		platformFound = true
		candidates, err := platform.Devices(cl.DeviceTypeAccelerator)
		if err != nil {
			if status, _ := cl.StatusOf(err); status == cl.DeviceNotFound {
				continue
			}
			return nil, nil, err
		}
		for _, device := range candidates {
			deviceName, err := device.Name()
			if err != nil {
				return nil, nil, err
			}
			klog.Infof("Found device: %s", deviceName)
			if !rules.Matches(platformName, target, deviceName) {
				continue
			}
			klog.Infof("Using %s", deviceName)
			context, err := device.CreateContext()
			if err != nil {
				if status, _ := cl.StatusOf(err); status == cl.DeviceNotAvailable {
					klog.Warningf("Device %q not available", deviceName)
					continue
				}
				return nil, nil, err
			}
			return device, context, nil
		}
	}
	if !platformFound {
		return nil, nil, errors.Wrapf(devices.ErrPlatformNotFound, "target platform %q not found", vendor)
	}
	return nil, nil, errors.Wrapf(devices.ErrDeviceNotFound, "target device %q not found", target)
}

// Metadata of the bitstream.
func (d *Device) Metadata() *bitstream.Metadata { return d.metadata }

// ClDevice returns the accelerator API device in use.
func (d *Device) ClDevice() cl.Device { return d.device }

// kernelFor returns the kernel and the local index of the argument.
func (d *Device) kernelFor(index int) (cl.Kernel, int, error) {
	k, local, err := d.metadata.Resolve(index)
	if err != nil {
		return nil, 0, err
	}
	return d.kernels[k], local, nil
}

func (d *Device) checkValid() error {
	if d.released {
		return errors.Errorf("%s device already released", d.vendor.Name())
	}
	return nil
}

// SetScalarArg implements devices.Device.
func (d *Device) SetScalarArg(index int, value []byte) error {
	if err := d.checkValid(); err != nil {
		return err
	}
	if _, err := devices.CheckArg(d.metadata.Args, index, bitstream.CategoryScalar); err != nil {
		return err
	}
	kernel, local, err := d.kernelFor(index)
	if err != nil {
		return err
	}
	return errors.WithMessagef(kernel.SetArg(local, value), "failed to set scalar argument #%d", index)
}

// SetBufferArg implements devices.Device.
func (d *Device) SetBufferArg(index int, direction devices.Direction, arg devices.BufferArg) error {
	if err := d.checkValid(); err != nil {
		return err
	}
	info, err := devices.CheckArg(d.metadata.Args, index, bitstream.CategoryMemoryMapped)
	if err != nil {
		return err
	}
	if direction != devices.DirectionInput && direction != devices.DirectionOutput && direction != devices.DirectionBoth {
		return errors.Errorf("invalid direction %s for buffer argument #%d", direction, index)
	}
	kernel, local, err := d.kernelFor(index)
	if err != nil {
		return err
	}
	klog.V(1).Infof("SetBufferArg called with index = %d (%s, %s)", index, direction, humanize.Bytes(uint64(arg.SizeInBytes())))
	buffer, err := d.vendor.CreateBuffer(d.context, direction.MemFlags(), info, arg.Data)
	if err != nil {
		return errors.WithMessagef(err, "failed to create buffer for argument #%d %q", index, info.Name)
	}
	if previous, found := d.buffers[index]; found {
		if err := previous.Buffer.Release(); err != nil {
			klog.Warningf("failed to release previous buffer of argument #%d: %v", index, err)
		}
	}
	d.buffers[index] = Binding{Index: index, Arg: info, Buffer: buffer}
	d.loadIndex.Remove(index)
	d.storeIndex.Remove(index)
	if direction.Loads() {
		d.loadIndex.Insert(index)
	}
	if direction.Stores() {
		d.storeIndex.Insert(index)
	}
	return errors.WithMessagef(kernel.SetArgBuffer(local, buffer), "failed to bind buffer argument #%d", index)
}

// SetStreamArg implements devices.Device.
func (d *Device) SetStreamArg(index int, direction devices.Direction, channel devices.StreamChannel) error {
	if err := d.checkValid(); err != nil {
		return err
	}
	if !d.vendor.SupportsStreams() {
		return errors.Wrapf(devices.ErrStreamingUnsupported, "%s device does not support streaming", d.vendor.Name())
	}
	info, err := devices.CheckArg(d.metadata.Args, index, bitstream.CategoryStream)
	if err != nil {
		return err
	}
	var flags cl.StreamFlags
	switch direction {
	case devices.DirectionInput:
		flags = cl.StreamReadOnly
	case devices.DirectionOutput:
		flags = cl.StreamWriteOnly
	default:
		return errors.Errorf("invalid direction %s for stream argument #%d %q", direction, index, info.Name)
	}
	kernel, local, err := d.kernelFor(index)
	if err != nil {
		return err
	}
	stream, err := d.device.CreateStream(flags, kernel, local)
	if err != nil {
		return errors.WithMessagef(err, "failed to create stream for argument #%d %q", index, info.Name)
	}
	klog.V(1).Infof("Stream %q attached to argument #%d", channel.Name(), index)
	return channel.Attach(stream)
}

// SuspendBuffer implements devices.Device.
func (d *Device) SuspendBuffer(index int) bool {
	loaded := d.loadIndex.Remove(index)
	stored := d.storeIndex.Remove(index)
	return loaded || stored
}

func (d *Device) bindings(indices sets.Set[int]) []Binding {
	bindings := make([]Binding, 0, len(indices))
	for _, index := range indices.Sorted() {
		bindings = append(bindings, d.buffers[index])
	}
	return bindings
}

// LoadBindings returns the buffers that take part in the load stage, sorted by index.
func (d *Device) LoadBindings() []Binding { return d.bindings(d.loadIndex) }

// StoreBindings returns the buffers that take part in the store stage, sorted by index.
func (d *Device) StoreBindings() []Binding { return d.bindings(d.storeIndex) }

// WriteToDevice implements devices.Device.
func (d *Device) WriteToDevice() error {
	if err := d.checkValid(); err != nil {
		return err
	}
	d.loadEvents = nil
	bindings := d.LoadBindings()
	if len(bindings) == 0 {
		return nil
	}
	events, err := d.vendor.Load(d.queue, bindings)
	if err != nil {
		return errors.WithMessagef(err, "failed to write %d buffers to device", len(bindings))
	}
	d.loadEvents = events
	return nil
}

// Exec implements devices.Device.
func (d *Device) Exec() error {
	if err := d.checkValid(); err != nil {
		return err
	}
	d.computeEvents = make([]cl.Event, 0, len(d.kernels))
	for i, kernel := range d.kernels {
		event, err := d.queue.EnqueueTask(kernel, d.loadEvents)
		if err != nil {
			return errors.WithMessagef(err, "failed to launch kernel %q", d.metadata.Kernels[i].Name)
		}
		d.computeEvents = append(d.computeEvents, event)
	}
	return nil
}

// ReadFromDevice implements devices.Device.
func (d *Device) ReadFromDevice() error {
	if err := d.checkValid(); err != nil {
		return err
	}
	d.storeEvents = nil
	bindings := d.StoreBindings()
	if len(bindings) == 0 {
		return nil
	}
	events, err := d.vendor.Store(d.queue, bindings, d.computeEvents)
	if err != nil {
		return errors.WithMessagef(err, "failed to read %d buffers from device", len(bindings))
	}
	d.storeEvents = events
	return nil
}

// Finish implements devices.Device.
func (d *Device) Finish() error {
	if err := d.checkValid(); err != nil {
		return err
	}
	if err := d.queue.Flush(); err != nil {
		return err
	}
	return d.queue.Finish()
}

// ArgsInfo implements devices.Device.
func (d *Device) ArgsInfo() []devices.ArgInfo {
	return append([]devices.ArgInfo(nil), d.metadata.Args...)
}

func stageTime(events []cl.Event) (time.Duration, error) {
	ns, err := cl.SpanNanoseconds(events)
	if err != nil {
		return 0, err
	}
	return time.Duration(ns), nil
}

// LoadTime implements devices.Device.
func (d *Device) LoadTime() (time.Duration, error) { return stageTime(d.loadEvents) }

// ComputeTime implements devices.Device.
func (d *Device) ComputeTime() (time.Duration, error) { return stageTime(d.computeEvents) }

// StoreTime implements devices.Device.
func (d *Device) StoreTime() (time.Duration, error) { return stageTime(d.storeEvents) }

// Events returns the events of the last run of the load, compute and store stages.
func (d *Device) Events() (load, compute, store []cl.Event) {
	return d.loadEvents, d.computeEvents, d.storeEvents
}

func (d *Device) totalBytes(indices sets.Set[int]) int64 {
	var total int64
	for index := range indices {
		if binding, found := d.buffers[index]; found {
			total += int64(binding.Buffer.Size())
		}
	}
	return total
}

// LoadBytes implements devices.Device.
func (d *Device) LoadBytes() int64 { return d.totalBytes(d.loadIndex) }

// StoreBytes implements devices.Device.
func (d *Device) StoreBytes() int64 { return d.totalBytes(d.storeIndex) }

// Release implements devices.Device. It waits for pending operations, and returns the first error,
// but releases everything it can.
func (d *Device) Release() error {
	if d.released {
		return nil
	}
	d.released = true
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.queue != nil {
		keep(d.queue.Finish())
	}
	for _, index := range slices.Sorted(maps.Keys(d.buffers)) {
		keep(d.buffers[index].Buffer.Release())
	}
	d.buffers = nil
	for _, kernel := range d.kernels {
		keep(kernel.Release())
	}
	if d.program != nil {
		keep(d.program.Release())
	}
	if d.queue != nil {
		keep(d.queue.Release())
	}
	if d.context != nil {
		keep(d.context.Release())
	}
	return firstErr
}

