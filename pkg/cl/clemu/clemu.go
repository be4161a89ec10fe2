// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package clemu implements the accelerator API of package cl in pure Go, emulating FPGA devices.
//
// Platforms, devices and kernels are declared programmatically: kernels are Go functions that receive an
// *Invocation with their arguments. Commands run asynchronously on a pool of workers, waiting on their
// wait lists, and record profiling timestamps from a strictly increasing clock, so the ordering
// guarantees of a real command queue can be observed.
//
// It registers itself in package cl as "emulator", with the runtime returned by Default.
// Tests and tools declare the hardware they need on Default, or create their own with New.
package clemu

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/frt/internal/workerspool"
	"github.com/gomlx/frt/pkg/cl"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RuntimeName used to register the emulated runtime in package cl.
const RuntimeName = "emulator"

func init() {
	cl.Register(RuntimeName, func() (cl.Runtime, error) { return Default(), nil })
}

var (
	defaultRuntime     *Runtime
	defaultRuntimeOnce sync.Once
)

// Default returns the process-wide emulated runtime, the one registered in package cl.
func Default() *Runtime {
	defaultRuntimeOnce.Do(func() {
		defaultRuntime = New(RuntimeName)
	})
	return defaultRuntime
}

// Runtime implements cl.Runtime.
type Runtime struct {
	name string
	pool *workerspool.Pool

	mu        sync.Mutex
	platforms []*Platform

	lastTimestamp    atomic.Int64
	bytesTransferred atomic.Int64
	platformsCalls   atomic.Int64
}

// Compile time check that Runtime implements cl.Runtime.
var _ cl.Runtime = (*Runtime)(nil)

// New creates an emulated runtime with no platforms.
//
// Commands run with unlimited parallelism: emulated kernels often block on streams waiting for the host.
func New(name string) *Runtime {
	return &Runtime{
		name: name,
		pool: workerspool.NewWithParallelism(-1),
	}
}

// SetParallelism limits the number of commands running concurrently. Negative means unlimited.
// It must be called before any command is enqueued.
func (r *Runtime) SetParallelism(n int) {
	r.pool = workerspool.NewWithParallelism(n)
}

// Name implements cl.Runtime.
func (r *Runtime) Name() string { return r.name }

// AddPlatform declares a new platform with the given name.
func (r *Runtime) AddPlatform(name string) *Platform {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := &Platform{runtime: r, name: name}
	r.platforms = append(r.platforms, p)
	return p
}

// Platform returns the declared platform with the given name, or nil.
func (r *Runtime) Platform(name string) *Platform {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.platforms {
		if p.name == name {
			return p
		}
	}
	return nil
}

// Platforms implements cl.Runtime.
// Devices that require environment signals are only listed if env has them.
func (r *Runtime) Platforms(env cl.Env) ([]cl.Platform, error) {
	r.platformsCalls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	platforms := make([]cl.Platform, 0, len(r.platforms))
	for _, p := range r.platforms {
		platforms = append(platforms, &platformView{Platform: p, env: env.Clone()})
	}
	return platforms, nil
}

// PlatformsCalls returns how many times the platforms were enumerated.
func (r *Runtime) PlatformsCalls() int64 { return r.platformsCalls.Load() }

// BytesTransferred returns the total number of bytes moved between host and device memory,
// by migrations and explicit buffer reads and writes.
func (r *Runtime) BytesTransferred() int64 { return r.bytesTransferred.Load() }

// now returns a strictly increasing timestamp in nanoseconds.
func (r *Runtime) now() int64 {
	for {
		last := r.lastTimestamp.Load()
		t := max(time.Now().UnixNano(), last+1)
		if r.lastTimestamp.CompareAndSwap(last, t) {
			return t
		}
	}
}

// Platform is an emulated vendor installation.
type Platform struct {
	runtime *Runtime
	name    string

	mu      sync.Mutex
	devices []*Device
}

// DeviceOption configures a Device created with Platform.AddDevice.
type DeviceOption func(d *Device)

// Unavailable makes context creation on the device fail with cl.DeviceNotAvailable, as if it were in use.
func Unavailable() DeviceOption {
	return func(d *Device) { d.unavailable = true }
}

// RequireEnv makes the device visible only when the environment given to cl.Runtime.Platforms has key=value.
// This is how vendor runtimes expose emulated devices (e.g. XCL_EMULATION_MODE=sw_emu).
func RequireEnv(key, value string) DeviceOption {
	return func(d *Device) { d.requiredEnv[key] = value }
}

// WithDeviceType sets the type of the device. The default is cl.DeviceTypeAccelerator.
func WithDeviceType(deviceType cl.DeviceType) DeviceOption {
	return func(d *Device) { d.deviceType = deviceType }
}

// AddDevice declares a new device on the platform.
func (p *Platform) AddDevice(name string, options ...DeviceOption) *Device {
	d := &Device{
		runtime:     p.runtime,
		name:        name,
		deviceType:  cl.DeviceTypeAccelerator,
		requiredEnv: make(cl.Env),
		kernels:     make(map[string]KernelFunc),
	}
	for _, option := range options {
		option(d)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices = append(p.devices, d)
	return d
}

// Name of the platform.
func (p *Platform) Name() string { return p.name }

// platformView is a Platform as seen with a given environment.
type platformView struct {
	*Platform
	env cl.Env
}

// Name implements cl.Platform.
func (v *platformView) Name() (string, error) { return v.name, nil }

// Devices implements cl.Platform.
func (v *platformView) Devices(deviceType cl.DeviceType) ([]cl.Device, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var devices []cl.Device
	for _, d := range v.devices {
		if d.deviceType&deviceType == 0 || !d.visibleWith(v.env) {
			continue
		}
		devices = append(devices, d)
	}
	if len(devices) == 0 {
		return nil, cl.NewError("clGetDeviceIDs", cl.DeviceNotFound)
	}
	return devices, nil
}

// KernelFunc implements an emulated kernel. A returned error (or a panic) fails the task's event.
type KernelFunc func(inv *Invocation) error

// Device is an emulated accelerator.
type Device struct {
	runtime     *Runtime
	name        string
	deviceType  cl.DeviceType
	unavailable bool
	requiredEnv cl.Env

	mu       sync.Mutex
	kernels  map[string]KernelFunc
	contexts int
}

// Compile time check that Device implements cl.Device.
var _ cl.Device = (*Device)(nil)

// AddKernel makes a kernel available to programs built for the device. It returns the device, so calls can be chained.
func (d *Device) AddKernel(name string, fn KernelFunc) *Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kernels[name] = fn
	return d
}

// Name implements cl.Device.
func (d *Device) Name() (string, error) { return d.name, nil }

// NumContexts returns how many contexts were created on the device.
func (d *Device) NumContexts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.contexts
}

func (d *Device) visibleWith(env cl.Env) bool {
	for key, value := range d.requiredEnv {
		if env.Get(key) != value {
			return false
		}
	}
	return true
}

// CreateContext implements cl.Device.
func (d *Device) CreateContext() (cl.Context, error) {
	if d.unavailable {
		return nil, cl.NewError("clCreateContext", cl.DeviceNotAvailable)
	}
	d.mu.Lock()
	d.contexts++
	d.mu.Unlock()
	klog.V(2).Infof("clemu: context created on %q", d.name)
	return &Context{device: d}, nil
}

// CreateStream implements cl.Device.
func (d *Device) CreateStream(flags cl.StreamFlags, kernel cl.Kernel, argIndex int) (cl.Stream, error) {
	k, ok := kernel.(*Kernel)
	if !ok || k.program.context.device != d {
		return nil, cl.NewError("clCreateStream", cl.InvalidKernel)
	}
	if argIndex < 0 {
		return nil, cl.NewError("clCreateStream", cl.InvalidArgIndex)
	}
	if flags != cl.StreamReadOnly && flags != cl.StreamWriteOnly {
		return nil, errors.WithMessagef(cl.NewError("clCreateStream", cl.InvalidValue),
			"stream flags must be exactly one of read-only or write-only, got %d", flags)
	}
	s := newStream(d.runtime, flags, k.name, argIndex)
	k.attachStream(argIndex, s)
	return s, nil
}

// deviceKernel returns the kernel function with the given name.
func (d *Device) deviceKernel(name string) (KernelFunc, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn, found := d.kernels[name]
	return fn, found
}

// sortedKernelNames is used in error messages.
func (d *Device) sortedKernelNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.kernels))
	for name := range d.kernels {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
