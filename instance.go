// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package frt

import (
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/frt/devices"
	"github.com/gomlx/frt/pkg/bitstream"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Instance of a bitstream loaded on a device. It owns the device until released.
//
// An Instance is not safe for concurrent use, except for the streams bound to it, which are meant to be
// driven concurrently.
type Instance struct {
	device   devices.Device
	metadata *bitstream.Metadata

	// streams attached by the instance, detached on Release.
	streams []interface{ Release() error }
}

// New loads the bitstream, given by one or more files, on the device it targets, using the default configuration.
// See NewWithConfig.
func New(paths ...string) (*Instance, error) {
	return NewWithConfig(devices.Config{}, paths...)
}

// NewWithConfig loads the bitstream, given by one or more files, on the device it targets.
//
// The bitstream format is detected from its contents, and the first registered backend (see devices.Register)
// that recognizes it is used.
func NewWithConfig(config devices.Config, paths ...string) (*Instance, error) {
	if len(paths) == 0 {
		return nil, errors.New("frt.NewWithConfig requires the path to the bitstream")
	}
	segments, err := bitstream.ReadFiles(paths...)
	if err != nil {
		return nil, err
	}
	return NewFromBytes(config, segments...)
}

// NewFromBytes loads the bitstream, given by the contents of its segments, on the device it targets.
func NewFromBytes(config devices.Config, segments ...[]byte) (*Instance, error) {
	device, metadata, err := devices.New(segments, config)
	if err != nil {
		return nil, err
	}
	return &Instance{device: device, metadata: metadata}, nil
}

// Invoke loads the bitstream in path with the default configuration and invokes it with args.
// See Instance.Invoke.
//
// The returned instance must be released by the caller. If the arguments include streams, the caller also
// waits for the invocation to complete with Instance.Finish.
func Invoke(path string, args ...Arg) (*Instance, error) {
	instance, err := New(path)
	if err != nil {
		return nil, err
	}
	if err = instance.Invoke(args...); err != nil {
		_ = instance.Release()
		return nil, err
	}
	return instance, nil
}

// IsValid returns whether the instance can still be used.
func (i *Instance) IsValid() bool {
	return i != nil && i.device != nil
}

// CheckValid returns an error if the instance is nil or already released.
func (i *Instance) CheckValid() error {
	if i == nil {
		return errors.New("frt.Instance is nil")
	}
	if i.device == nil {
		return errors.New("frt.Instance already released")
	}
	return nil
}

// AssertValid panics if the instance is nil or already released.
func (i *Instance) AssertValid() {
	if err := i.CheckValid(); err != nil {
		exceptions.Panicf("%v", err)
	}
}

// Device returns the device the instance runs on.
func (i *Instance) Device() devices.Device {
	i.AssertValid()
	return i.device
}

// Metadata of the bitstream.
func (i *Instance) Metadata() *bitstream.Metadata {
	i.AssertValid()
	return i.metadata
}

func checkArgs(args []Arg) (hasStream bool, err error) {
	for index, arg := range args {
		if arg == nil {
			return false, errors.Errorf("argument #%d is nil", index)
		}
		if arg.Kind() == ArgStream {
			hasStream = true
		}
	}
	return
}

// setArg binds one argument to the device.
func (i *Instance) setArg(index int, arg Arg) error {
	switch a := arg.(type) {
	case ScalarArg:
		return i.device.SetScalarArg(index, a.value)
	case BufferArg:
		return i.device.SetBufferArg(index, a.direction, a.buffer)
	case *ReadStream:
		return i.setStreamArg(index, a, &a.channel)
	case *WriteStream:
		return i.setStreamArg(index, a, &a.channel)
	}
	return errors.Errorf("argument #%d has unsupported type %T", index, arg)
}

func (i *Instance) setStreamArg(index int, arg Arg, c *channel) error {
	if err := i.device.SetStreamArg(index, streamDirection(arg), arg.(devices.StreamChannel)); err != nil {
		return err
	}
	if !slices.Contains(i.streams, interface{ Release() error }(c)) {
		i.streams = append(i.streams, c)
	}
	return nil
}

func (i *Instance) setArgs(args []Arg, kinds ...ArgKind) error {
	for index, arg := range args {
		kind := arg.Kind()
		for _, want := range kinds {
			if kind != want {
				continue
			}
			if err := i.setArg(index, arg); err != nil {
				return errors.WithMessagef(err, "failed to set %s argument #%d", kind, index)
			}
		}
	}
	return nil
}

func (i *Instance) warnArgsCount(count int) {
	if want := len(i.metadata.Args); count < want {
		klog.Warningf("%d arguments given, but the kernels of the bitstream take %d", count, want)
	}
}

// SetArgs binds args to the kernel arguments, in order. It doesn't transfer any data.
func (i *Instance) SetArgs(args ...Arg) error {
	if err := i.CheckValid(); err != nil {
		return err
	}
	if _, err := checkArgs(args); err != nil {
		return err
	}
	i.warnArgsCount(len(args))
	return i.setArgs(args, ArgBuffer, ArgScalar, ArgStream)
}

// Invoke binds args to the kernel arguments, in order, and runs the kernels: buffers are bound and
// transferred to the device, scalars and streams are bound, the kernels are executed and the buffers
// are transferred back to the host.
//
// If there are no stream arguments it waits for everything to complete. Otherwise, it returns once the
// kernels are launched: the caller drives the streams and then waits with Finish.
func (i *Instance) Invoke(args ...Arg) error {
	if err := i.CheckValid(); err != nil {
		return err
	}
	hasStream, err := checkArgs(args)
	if err != nil {
		return err
	}
	i.warnArgsCount(len(args))
	if err = i.setArgs(args, ArgBuffer); err != nil {
		return err
	}
	if err = i.device.WriteToDevice(); err != nil {
		return err
	}
	if err = i.setArgs(args, ArgScalar, ArgStream); err != nil {
		return err
	}
	if err = i.device.Exec(); err != nil {
		return err
	}
	if err = i.device.ReadFromDevice(); err != nil {
		return err
	}
	if hasStream {
		return nil
	}
	if err = i.device.Finish(); err != nil {
		return err
	}
	if klog.V(1).Enabled() {
		klog.Infof("Invocation finished: %s loaded, %s stored",
			humanize.Bytes(uint64(i.device.LoadBytes())), humanize.Bytes(uint64(i.device.StoreBytes())))
	}
	return nil
}

// WriteToDevice transfers the buffers bound for reading by the kernels to the device.
func (i *Instance) WriteToDevice() error {
	if err := i.CheckValid(); err != nil {
		return err
	}
	return i.device.WriteToDevice()
}

// Exec launches the kernels, after the transfers to the device complete.
func (i *Instance) Exec() error {
	if err := i.CheckValid(); err != nil {
		return err
	}
	return i.device.Exec()
}

// ReadFromDevice transfers the buffers bound for writing by the kernels back to the host, after the kernels complete.
func (i *Instance) ReadFromDevice() error {
	if err := i.CheckValid(); err != nil {
		return err
	}
	return i.device.ReadFromDevice()
}

// Finish blocks until all the operations issued complete.
func (i *Instance) Finish() error {
	if err := i.CheckValid(); err != nil {
		return err
	}
	return i.device.Finish()
}

// SuspendBuffer excludes the buffer argument index from the transfers, until it is bound again.
// It returns whether the buffer took part in any.
func (i *Instance) SuspendBuffer(index int) bool {
	i.AssertValid()
	return i.device.SuspendBuffer(index)
}

// ArgsInfo returns the arguments of the kernels of the bitstream, sorted by index.
func (i *Instance) ArgsInfo() []devices.ArgInfo {
	i.AssertValid()
	return i.device.ArgsInfo()
}

// LoadTime returns the duration of the last transfer to the device.
func (i *Instance) LoadTime() (time.Duration, error) {
	if err := i.CheckValid(); err != nil {
		return 0, err
	}
	return i.device.LoadTime()
}

// ComputeTime returns the duration of the last execution of the kernels.
func (i *Instance) ComputeTime() (time.Duration, error) {
	if err := i.CheckValid(); err != nil {
		return 0, err
	}
	return i.device.ComputeTime()
}

// StoreTime returns the duration of the last transfer to the host.
func (i *Instance) StoreTime() (time.Duration, error) {
	if err := i.CheckValid(); err != nil {
		return 0, err
	}
	return i.device.StoreTime()
}

// LoadBytes returns the number of bytes transferred to the device by each load.
func (i *Instance) LoadBytes() int64 {
	i.AssertValid()
	return i.device.LoadBytes()
}

// StoreBytes returns the number of bytes transferred to the host by each store.
func (i *Instance) StoreBytes() int64 {
	i.AssertValid()
	return i.device.StoreBytes()
}

// LoadThroughputGbps returns the throughput of the last transfer to the device in GB/s.
func (i *Instance) LoadThroughputGbps() (float64, error) {
	d, err := i.LoadTime()
	if err != nil {
		return 0, err
	}
	return devices.ThroughputGbps(i.device.LoadBytes(), d), nil
}

// StoreThroughputGbps returns the throughput of the last transfer to the host in GB/s.
func (i *Instance) StoreThroughputGbps() (float64, error) {
	d, err := i.StoreTime()
	if err != nil {
		return 0, err
	}
	return devices.ThroughputGbps(i.device.StoreBytes(), d), nil
}

// Release detaches the streams bound by the instance and releases the device.
// It is a no-op if the instance was already released.
func (i *Instance) Release() error {
	if !i.IsValid() {
		return nil
	}
	for _, stream := range i.streams {
		if err := stream.Release(); err != nil {
			klog.Warningf("failed to release stream: %v", err)
		}
	}
	i.streams = nil
	err := i.device.Release()
	i.device = nil
	return err
}
