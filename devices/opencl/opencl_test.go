// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package opencl

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/gomlx/frt/devices"
	"github.com/gomlx/frt/pkg/bitstream"
	"github.com/gomlx/frt/pkg/bitstream/bitstreamtest"
	"github.com/gomlx/frt/pkg/cl"
	"github.com/gomlx/frt/pkg/cl/clemu"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

const u250 = "xilinx_u250_gen3x16_xdma_shell_3_1"

// migrateVendor transfers buffers aliasing host memory with migrations.
type migrateVendor struct{}

func (migrateVendor) Name() string { return "test" }

func (migrateVendor) CreateBuffer(context cl.Context, flags cl.MemFlags, arg devices.ArgInfo, host []byte) (cl.Buffer, error) {
	return context.CreateBuffer(flags|cl.MemUseHostPtr, len(host), host, nil)
}

func (migrateVendor) Load(queue cl.CommandQueue, bindings []Binding) ([]cl.Event, error) {
	event, err := queue.EnqueueMigrateMemObjects(Buffers(bindings), 0, nil)
	if err != nil {
		return nil, err
	}
	return []cl.Event{event}, nil
}

func (migrateVendor) Store(queue cl.CommandQueue, bindings []Binding, after []cl.Event) ([]cl.Event, error) {
	event, err := queue.EnqueueMigrateMemObjects(Buffers(bindings), cl.MigrateToHost, after)
	if err != nil {
		return nil, err
	}
	return []cl.Event{event}, nil
}

func (migrateVendor) SupportsStreams() bool { return true }

func vadd(inv *clemu.Invocation) error {
	a, b, c := clemu.View[uint32](inv, 0), clemu.View[uint32](inv, 1), clemu.View[uint32](inv, 2)
	for i := range int(inv.Uint64(3)) {
		c[i] = a[i] + b[i]
	}
	return nil
}

func vaddBitstream(platform string) ([][]byte, *bitstream.Metadata) {
	data := bitstreamtest.Xclbin{
		Platform: platform,
		Kernels: []bitstreamtest.Kernel{{Name: "vadd", Args: []bitstreamtest.Arg{
			{Name: "a", Type: "uint32_t*", Code: 1},
			{Name: "b", Type: "uint32_t*", Code: 1},
			{Name: "c", Type: "uint32_t*", Code: 1},
			{Name: "n", Type: "uint64_t", Code: 0},
		}}},
	}.Bytes()
	segments := [][]byte{data}
	return segments, must.M1(bitstream.Parse(segments...))
}

func uint32Bytes(values []uint32) []byte {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], v)
	}
	return data
}

func TestSelectDevice(t *testing.T) {
	r := clemu.New(t.Name())
	xilinx := r.AddPlatform(bitstream.VendorXilinx)
	busy := xilinx.AddDevice(u250, clemu.Unavailable())
	xilinx.AddDevice("xilinx_u280_gen3x16_xdma_base_1")
	free := xilinx.AddDevice(u250)
	r.AddPlatform(bitstream.VendorIntel).AddDevice("pac_a10 : Intel PAC Platform (pac_ee00000)")
	rules := devices.DefaultDeviceNameRules()

	// Unavailable devices are skipped.
	device, context, err := SelectDevice(r, nil, bitstream.VendorXilinx, u250, rules)
	require.NoError(t, err)
	assert.Same(t, free, device)
	assert.NotNil(t, context)
	assert.Equal(t, 0, busy.NumContexts())
	assert.Equal(t, 1, free.NumContexts())

	// Aliases.
	device, _, err = SelectDevice(r, nil, bitstream.VendorXilinx, "xilinx_u250_gen3x16_xdma_3_1_202020_1", rules)
	require.NoError(t, err)
	assert.Same(t, free, device)

	// Prefixes.
	device, _, err = SelectDevice(r, nil, bitstream.VendorIntel, "pac_a10", rules)
	require.NoError(t, err)
	assert.Equal(t, "pac_a10 : Intel PAC Platform (pac_ee00000)", must.M1(device.Name()))

	_, _, err = SelectDevice(r, nil, "Unknown Vendor", u250, rules)
	require.ErrorIs(t, err, devices.ErrPlatformNotFound)
	_, _, err = SelectDevice(r, nil, bitstream.VendorXilinx, "xilinx_vck5000_gen4x8_xdma_2_202210_1", rules)
	require.ErrorIs(t, err, devices.ErrDeviceNotFound)
	_, _, err = SelectDevice(r, nil, bitstream.VendorIntel, "s10", rules)
	require.ErrorIs(t, err, devices.ErrDeviceNotFound)
}

func TestSelectDeviceEnv(t *testing.T) {
	r := clemu.New(t.Name())
	r.AddPlatform(bitstream.VendorXilinx).AddDevice(u250, clemu.RequireEnv(cl.XclEmulationMode, "sw_emu"))
	_, _, err := SelectDevice(r, nil, bitstream.VendorXilinx, u250, devices.DefaultDeviceNameRules())
	require.ErrorIs(t, err, devices.ErrDeviceNotFound)
	_, _, err = SelectDevice(r, cl.Env{cl.XclEmulationMode: "sw_emu"}, bitstream.VendorXilinx, u250, devices.DefaultDeviceNameRules())
	require.NoError(t, err)
}

func newVAddDevice(t *testing.T) (*clemu.Runtime, *Device) {
	r := clemu.New(t.Name())
	r.AddPlatform(bitstream.VendorXilinx).AddDevice(u250).AddKernel("vadd", vadd)
	segments, metadata := vaddBitstream(u250)
	d, err := New(migrateVendor{}, segments, metadata, &devices.Config{Runtime: r})
	require.NoError(t, err)
	return r, d
}

func TestVectorAdd(t *testing.T) {
	r, d := newVAddDevice(t)
	const n = 256
	a, b := make([]uint32, n), make([]uint32, n)
	want := make([]uint32, n)
	for i := range n {
		a[i], b[i] = uint32(3*i), uint32(i+7)
		want[i] = a[i] + b[i]
	}
	c := make([]byte, 4*n)

	// Empty stages take no time.
	loadTime, err := d.LoadTime()
	require.NoError(t, err)
	assert.Zero(t, loadTime)

	require.NoError(t, d.SetBufferArg(0, devices.DirectionInput, devices.BufferArg{Data: uint32Bytes(a), ElemSize: 4}))
	require.NoError(t, d.SetBufferArg(1, devices.DirectionInput, devices.BufferArg{Data: uint32Bytes(b), ElemSize: 4}))
	require.NoError(t, d.SetBufferArg(2, devices.DirectionOutput, devices.BufferArg{Data: c, ElemSize: 4}))
	require.NoError(t, d.WriteToDevice())
	require.NoError(t, d.SetScalarArg(3, binary.LittleEndian.AppendUint64(nil, n)))
	require.NoError(t, d.Exec())
	require.NoError(t, d.ReadFromDevice())
	require.NoError(t, d.Finish())
	assert.Equal(t, uint32Bytes(want), c)

	assert.Equal(t, int64(8*n), d.LoadBytes())
	assert.Equal(t, int64(4*n), d.StoreBytes())
	assert.Equal(t, int64(12*n), r.BytesTransferred())
	assert.Len(t, d.LoadBindings(), 2)
	assert.Equal(t, 2, d.StoreBindings()[0].Index)

	// Stages are ordered: compute starts after all loads end, and stores start after compute ends.
	load, compute, store := d.Events()
	loadEnd := must.M1(cl.Latest(load, cl.ProfilingEnd))
	computeStart := must.M1(cl.Earliest(compute, cl.ProfilingStart))
	computeEnd := must.M1(cl.Latest(compute, cl.ProfilingEnd))
	storeStart := must.M1(cl.Earliest(store, cl.ProfilingStart))
	assert.LessOrEqual(t, loadEnd, computeStart)
	assert.LessOrEqual(t, computeEnd, storeStart)
	for _, stage := range []func() (time.Duration, error){d.LoadTime, d.ComputeTime, d.StoreTime} {
		duration, err := stage()
		require.NoError(t, err)
		assert.Greater(t, int64(duration), int64(0))
	}
	require.NoError(t, d.Release())
	require.NoError(t, d.Release())
	require.Error(t, d.Exec())
}

func TestSuspendBuffer(t *testing.T) {
	_, d := newVAddDevice(t)
	defer func() { require.NoError(t, d.Release()) }()
	data := make([]byte, 64)
	require.NoError(t, d.SetBufferArg(0, devices.DirectionBoth, devices.BufferArg{Data: data, ElemSize: 4}))
	require.NoError(t, d.SetBufferArg(1, devices.DirectionInput, devices.BufferArg{Data: data, ElemSize: 4}))
	assert.Equal(t, int64(128), d.LoadBytes())
	assert.Equal(t, int64(64), d.StoreBytes())

	assert.True(t, d.SuspendBuffer(0))
	assert.False(t, d.SuspendBuffer(0))
	assert.False(t, d.SuspendBuffer(3))
	assert.Equal(t, int64(64), d.LoadBytes())
	assert.Zero(t, d.StoreBytes())

	// Binding again restores participation, with the new direction.
	require.NoError(t, d.SetBufferArg(0, devices.DirectionOutput, devices.BufferArg{Data: data, ElemSize: 4}))
	assert.Equal(t, int64(64), d.LoadBytes())
	assert.Equal(t, int64(64), d.StoreBytes())

	// Nothing to store.
	require.NoError(t, d.SetBufferArg(0, devices.DirectionInput, devices.BufferArg{Data: data, ElemSize: 4}))
	require.NoError(t, d.ReadFromDevice())
	storeTime, err := d.StoreTime()
	require.NoError(t, err)
	assert.Zero(t, storeTime)
}

func TestArgErrors(t *testing.T) {
	_, d := newVAddDevice(t)
	defer func() { require.NoError(t, d.Release()) }()
	require.ErrorIs(t, d.SetScalarArg(0, []byte{1, 2, 3, 4}), devices.ErrCategoryMismatch)
	require.ErrorIs(t, d.SetScalarArg(4, []byte{1, 2, 3, 4}), devices.ErrArgIndexOutOfRange)
	require.ErrorIs(t, d.SetBufferArg(3, devices.DirectionInput, devices.BufferArg{Data: make([]byte, 8), ElemSize: 8}),
		devices.ErrCategoryMismatch)
	require.ErrorIs(t, d.SetStreamArg(0, devices.DirectionInput, nil), devices.ErrCategoryMismatch)
	assert.Len(t, d.ArgsInfo(), 4)
}

func TestMissingKernel(t *testing.T) {
	r := clemu.New(t.Name())
	r.AddPlatform(bitstream.VendorXilinx).AddDevice(u250)
	segments, metadata := vaddBitstream(u250)
	_, err := New(migrateVendor{}, segments, metadata, &devices.Config{Runtime: r})
	status, ok := cl.StatusOf(err)
	require.True(t, ok)
	assert.Equal(t, cl.InvalidKernelName, status)
}
