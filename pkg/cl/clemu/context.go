// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package clemu

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/frt/pkg/cl"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Context implements cl.Context.
type Context struct {
	device   *Device
	released bool
}

var _ cl.Context = (*Context)(nil)

// Device returns the device the context was created on.
func (c *Context) Device() *Device { return c.device }

// CreateCommandQueue implements cl.Context.
func (c *Context) CreateCommandQueue(properties cl.QueueProperties) (cl.CommandQueue, error) {
	if c.released {
		return nil, cl.NewError("clCreateCommandQueue", cl.InvalidContext)
	}
	return newQueue(c, properties), nil
}

// CreateProgramWithBinary implements cl.Context. The binary contents are not interpreted,
// the kernels come from the device declaration.
func (c *Context) CreateProgramWithBinary(binaries [][]byte) (cl.Program, error) {
	if c.released {
		return nil, cl.NewError("clCreateProgramWithBinary", cl.InvalidContext)
	}
	if len(binaries) == 0 {
		return nil, cl.NewError("clCreateProgramWithBinary", cl.InvalidValue)
	}
	for _, binary := range binaries {
		if len(binary) == 0 {
			return nil, cl.NewError("clCreateProgramWithBinary", cl.InvalidBinary)
		}
	}
	return &Program{context: c}, nil
}

// CreateBuffer implements cl.Context.
func (c *Context) CreateBuffer(flags cl.MemFlags, size int, host []byte, ext *cl.MemExtPtr) (cl.Buffer, error) {
	const call = "clCreateBuffer"
	if c.released {
		return nil, cl.NewError(call, cl.InvalidContext)
	}
	if size <= 0 {
		return nil, cl.NewError(call, cl.InvalidBufferSize)
	}
	b := &Buffer{context: c, flags: flags, size: size}
	if flags.Has(cl.MemExtPtrXilinx) {
		if ext == nil {
			return nil, errors.WithMessagef(cl.NewError(call, cl.InvalidValue), "extended pointer flag given without extension")
		}
		if host != nil {
			return nil, errors.WithMessagef(cl.NewError(call, cl.InvalidHostPtr), "host pointer must be given in the extension")
		}
		host = ext.Obj
		b.bank = ext.Flags
	}
	usesHost := flags.Has(cl.MemUseHostPtr) || flags.Has(cl.MemCopyHostPtr)
	switch {
	case usesHost && len(host) < size:
		return nil, errors.WithMessagef(cl.NewError(call, cl.InvalidHostPtr),
			"host memory has %d bytes, buffer requires %d", len(host), size)
	case !usesHost && host != nil:
		return nil, errors.WithMessagef(cl.NewError(call, cl.InvalidHostPtr),
			"host pointer given without use-host-ptr or copy-host-ptr flags")
	}
	b.device = make([]byte, size)
	if flags.Has(cl.MemUseHostPtr) {
		b.host = host[:size]
	}
	if flags.Has(cl.MemCopyHostPtr) {
		copy(b.device, host)
	}
	klog.V(2).Infof("clemu: created buffer of %s (flags=0x%x, bank=0x%x)", humanize.Bytes(uint64(size)), uint64(flags), b.bank)
	return b, nil
}

// Release implements cl.Context.
func (c *Context) Release() error {
	if c.released {
		return cl.NewError("clReleaseContext", cl.InvalidContext)
	}
	c.released = true
	return nil
}

// Buffer implements cl.Buffer.
//
// Device memory is always separate from the host memory: buffers created with cl.MemUseHostPtr are associated
// with the host memory, which is the source and destination of migrations.
type Buffer struct {
	context *Context
	flags   cl.MemFlags
	size    int
	bank    uint32

	mu     sync.Mutex
	host   []byte
	device []byte
}

var _ cl.Buffer = (*Buffer)(nil)

// Size implements cl.Buffer.
func (b *Buffer) Size() int { return b.size }

// Flags the buffer was created with.
func (b *Buffer) Flags() cl.MemFlags { return b.flags }

// Bank returns the memory bank flags given with the extended pointer, or 0.
func (b *Buffer) Bank() uint32 { return b.bank }

// Release implements cl.Buffer.
func (b *Buffer) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.host = nil
	return nil
}

// migrate copies between the associated host memory and the device memory.
// It returns the number of bytes moved: buffers without host memory are not moved.
func (b *Buffer) migrate(toHost, contentUndefined bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.host == nil || contentUndefined {
		return 0
	}
	if toHost {
		return copy(b.host, b.device)
	}
	return copy(b.device, b.host)
}

func (b *Buffer) write(offset int, src []byte) error {
	if offset < 0 || offset+len(src) > b.size {
		return errors.WithMessagef(cl.NewError("clEnqueueWriteBuffer", cl.InvalidValue),
			"writing %d bytes at offset %d into buffer of %d bytes", len(src), offset, b.size)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(b.device[offset:], src)
	return nil
}

func (b *Buffer) read(offset int, dst []byte) error {
	if offset < 0 || offset+len(dst) > b.size {
		return errors.WithMessagef(cl.NewError("clEnqueueReadBuffer", cl.InvalidValue),
			"reading %d bytes at offset %d from buffer of %d bytes", len(dst), offset, b.size)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(dst, b.device[offset:])
	return nil
}

// Program implements cl.Program.
type Program struct {
	context *Context
	built   bool
}

var _ cl.Program = (*Program)(nil)

// Build implements cl.Program.
func (p *Program) Build() error {
	p.built = true
	return nil
}

// CreateKernel implements cl.Program.
func (p *Program) CreateKernel(name string) (cl.Kernel, error) {
	if !p.built {
		return nil, cl.NewError("clCreateKernel", cl.InvalidProgram)
	}
	fn, found := p.context.device.deviceKernel(name)
	if !found {
		return nil, errors.WithMessagef(cl.NewError("clCreateKernel", cl.InvalidKernelName),
			"kernel %q not available in device %q, kernels: %q", name, p.context.device.name, p.context.device.sortedKernelNames())
	}
	return &Kernel{
		program: p,
		name:    name,
		fn:      fn,
		scalars: make(map[int][]byte),
		buffers: make(map[int]*Buffer),
		streams: make(map[int]*Stream),
	}, nil
}

// Release implements cl.Program.
func (p *Program) Release() error { return nil }

// Kernel implements cl.Kernel.
type Kernel struct {
	program *Program
	name    string
	fn      KernelFunc

	mu      sync.Mutex
	scalars map[int][]byte
	buffers map[int]*Buffer
	streams map[int]*Stream
}

var _ cl.Kernel = (*Kernel)(nil)

// Name implements cl.Kernel.
func (k *Kernel) Name() string { return k.name }

// SetArg implements cl.Kernel.
func (k *Kernel) SetArg(index int, value []byte) error {
	if index < 0 {
		return cl.NewError("clSetKernelArg", cl.InvalidArgIndex)
	}
	if len(value) == 0 {
		return cl.NewError("clSetKernelArg", cl.InvalidArgSize)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.buffers, index)
	k.scalars[index] = append([]byte(nil), value...)
	return nil
}

// SetArgBuffer implements cl.Kernel.
func (k *Kernel) SetArgBuffer(index int, buffer cl.Buffer) error {
	if index < 0 {
		return cl.NewError("clSetKernelArg", cl.InvalidArgIndex)
	}
	b, ok := buffer.(*Buffer)
	if !ok || b.context != k.program.context {
		return cl.NewError("clSetKernelArg", cl.InvalidMemObject)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.scalars, index)
	k.buffers[index] = b
	return nil
}

// Release implements cl.Kernel.
func (k *Kernel) Release() error { return nil }

func (k *Kernel) attachStream(index int, s *Stream) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.streams[index] = s
}

// snapshot returns the arguments as set at this moment, as a task enqueue captures them.
func (k *Kernel) snapshot() *Invocation {
	k.mu.Lock()
	defer k.mu.Unlock()
	inv := &Invocation{
		kernel:  k.name,
		pool:    k.program.context.device.runtime.pool,
		scalars: make(map[int][]byte, len(k.scalars)),
		buffers: make(map[int]*Buffer, len(k.buffers)),
		streams: make(map[int]*Stream, len(k.streams)),
	}
	for i, v := range k.scalars {
		inv.scalars[i] = v
	}
	for i, b := range k.buffers {
		inv.buffers[i] = b
	}
	for i, s := range k.streams {
		inv.streams[i] = s
	}
	return inv
}
