// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bitstream_test

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/gomlx/frt/pkg/bitstream"
	"github.com/gomlx/frt/pkg/bitstream/bitstreamtest"
	"github.com/gomlx/frt/pkg/cl"
	"github.com/google/go-cmp/cmp"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

const u250 = "xilinx_u250_gen3x16_xdma_3_1_202020_1"

func twoKernels() []bitstreamtest.Kernel {
	return []bitstreamtest.Kernel{
		{Name: "vadd", Args: []bitstreamtest.Arg{
			{Name: "a", Type: "const uint32_t*", Code: 1},
			{Name: "b", Type: "const uint32_t*", Code: 1},
			{Name: "c", Type: "uint32_t*", Code: 1},
			{Name: "n", Type: "uint64_t", Code: 0},
		}},
		{Name: "copy", Args: []bitstreamtest.Arg{
			{Name: "in", Type: "hls::stream<ap_uint<512>>&", Code: 4},
			{Name: "out", Type: "hls::stream<ap_uint<512>>&", Code: 4},
			{Name: "weird", Type: "int", Code: 3},
		}},
	}
}

func TestSniff(t *testing.T) {
	for _, tc := range []struct {
		data   []byte
		format Format
	}{
		{bitstreamtest.Xclbin{}.Bytes(), FormatXclbin},
		{bitstreamtest.ELF{Board: "pac_a10"}.Bytes(), FormatELF32},
		{bitstreamtest.ELF{Is64: true}.Bytes(), FormatELF64},
		{bitstreamtest.XO{}.Bytes(), FormatXO},
	} {
		format, err := Sniff(tc.data)
		require.NoError(t, err)
		assert.Equal(t, tc.format, format)
	}

	for _, data := range [][]byte{nil, []byte("xclbin1\x00......."), []byte("#!/bin/bash\n")} {
		_, err := Sniff(data)
		assert.True(t, errors.Is(err, ErrUnrecognizedContainer), "got %v", err)
		_, err = Parse(data)
		assert.True(t, errors.Is(err, ErrUnrecognizedContainer), "got %v", err)
	}
	_, err := Parse()
	assert.True(t, errors.Is(err, ErrUnrecognizedContainer))
}

func TestXclbin(t *testing.T) {
	data := bitstreamtest.Xclbin{
		Platform: u250,
		Mode:     XclbinFlat,
		Target:   "hw",
		Kernels:  twoKernels(),
		Memories: []bitstreamtest.Memory{{Tag: "bank0", Used: true}, {Tag: "bank1", Used: false}, {Tag: "DDR[2]", Used: true}},
		Connections: []bitstreamtest.Connection{
			{ArgIndex: 0, MemIndex: 0},
			{ArgIndex: 1, MemIndex: 1}, // Unused memory: no tag.
			{ArgIndex: 2, MemIndex: 2},
			{ArgIndex: 3, MemIndex: 0}, // Scalar: no tag.
			{ArgIndex: 99, MemIndex: 0},
		},
	}.Bytes()
	m, err := Parse(data)
	require.NoError(t, err)
	want := &Metadata{
		Format: FormatXclbin,
		Vendor: VendorXilinx,
		Target: u250,
		Mode:   ModeHardware,
		Env:    cl.Env{},
		Kernels: []Kernel{
			{Name: "vadd", BaseArgIndex: 0, NumArgs: 4},
			{Name: "copy", BaseArgIndex: 4, NumArgs: 3},
		},
		Args: []Arg{
			{Index: 0, Name: "a", Type: "const uint32_t*", Category: CategoryMemoryMapped, Tag: "bank0"},
			{Index: 1, Name: "b", Type: "const uint32_t*", Category: CategoryMemoryMapped},
			{Index: 2, Name: "c", Type: "uint32_t*", Category: CategoryMemoryMapped, Tag: "DDR[2]"},
			{Index: 3, Name: "n", Type: "uint64_t", Category: CategoryScalar},
			{Index: 4, Name: "in", Type: "hls::stream<ap_uint<512>>&", Category: CategoryStream},
			{Index: 5, Name: "out", Type: "hls::stream<ap_uint<512>>&", Category: CategoryStream},
			{Index: 6, Name: "weird", Type: "int", Category: CategoryUnknown},
		},
	}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Errorf("unexpected metadata (-want +got):\n%s", diff)
	}

	// Determinism.
	m2, err := Parse(data)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(m, m2))
}

func TestResolve(t *testing.T) {
	m := must.M1(Parse(bitstreamtest.Xclbin{
		Platform: u250,
		Kernels: append([]bitstreamtest.Kernel{{Name: "empty"}}, append(twoKernels(),
			bitstreamtest.Kernel{Name: "last", Args: []bitstreamtest.Arg{{Name: "x", Code: 0}}})...),
	}.Bytes()))
	require.Len(t, m.Args, 8)
	for i, arg := range m.Args {
		assert.Equal(t, i, arg.Index, "indices must be dense")
		k, local, err := m.Resolve(i)
		require.NoError(t, err)
		kernel := m.Kernels[k]
		assert.Equal(t, i, kernel.BaseArgIndex+local)
		assert.Less(t, local, kernel.NumArgs)
		assert.NotEqual(t, "empty", kernel.Name)
	}
	k, local := must.M2(m.Resolve(5))
	assert.Equal(t, "copy", m.Kernels[k].Name)
	assert.Equal(t, 1, local)
	k, local = must.M2(m.Resolve(7))
	assert.Equal(t, "last", m.Kernels[k].Name)
	assert.Equal(t, 0, local)

	for _, index := range []int{-1, 8} {
		_, _, err := m.Resolve(index)
		assert.True(t, errors.Is(err, ErrArgIndexOutOfRange), "got %v", err)
	}
}

func TestXclbinModes(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mode   XclbinMode
		target string
		want   Mode
	}{
		{"hardware", XclbinFlat, "hw", ModeHardware},
		{"header hw_emu", XclbinHardwareEmulation, "hw", ModeHardwareEmulation},
		{"header sw_emu", XclbinSoftwareEmulation, "", ModeSoftwareEmulation},
		{"metadata csim wins", XclbinHardwareEmulation, "csim", ModeSoftwareEmulation},
		{"metadata csim over hardware header", XclbinFlat, "csim", ModeSoftwareEmulation},
		{"metadata hw_em wins", XclbinSoftwareEmulation, "hw_em", ModeHardwareEmulation},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, err := Parse(bitstreamtest.Xclbin{Platform: u250, Mode: tc.mode, Target: tc.target, Kernels: twoKernels()}.Bytes())
			require.NoError(t, err)
			assert.Equal(t, tc.want, m.Mode)
			if tc.want == ModeHardware {
				assert.Empty(t, m.Env)
			} else {
				assert.Equal(t, cl.Env{cl.XclEmulationMode: tc.want.String()}, m.Env)
			}
		})
	}
}

func TestXclbinUnknownMode(t *testing.T) {
	for _, target := range []string{"hw", "csim"} {
		_, err := Parse(bitstreamtest.Xclbin{Platform: u250, Mode: XclbinMode(42), Target: target, Kernels: twoKernels()}.Bytes())
		assert.True(t, errors.Is(err, ErrInvalidMetadata), "target %q: got %v", target, err)
	}
}

func TestParseSegments(t *testing.T) {
	scale := bitstreamtest.Kernel{Name: "scale", Args: []bitstreamtest.Arg{
		{Name: "x", Type: "const float*", Code: 1},
		{Name: "y", Type: "float*", Code: 1},
	}}
	first := bitstreamtest.Xclbin{
		Platform:    u250,
		Target:      "hw",
		Kernels:     twoKernels()[:1],
		Memories:    []bitstreamtest.Memory{{Tag: "bank0", Used: true}},
		Connections: []bitstreamtest.Connection{{ArgIndex: 0, MemIndex: 0}},
	}
	second := bitstreamtest.Xclbin{
		Platform:    u250,
		Target:      "hw",
		Kernels:     []bitstreamtest.Kernel{scale},
		Memories:    []bitstreamtest.Memory{{Tag: "DDR[1]", Used: true}},
		Connections: []bitstreamtest.Connection{{ArgIndex: 1, MemIndex: 0}},
	}
	m, err := Parse(first.Bytes(), second.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []Kernel{
		{Name: "vadd", BaseArgIndex: 0, NumArgs: 4},
		{Name: "scale", BaseArgIndex: 4, NumArgs: 2},
	}, m.Kernels)
	require.Len(t, m.Args, 6)
	for i, arg := range m.Args {
		assert.Equal(t, i, arg.Index, "indices must be dense across segments")
	}
	assert.Equal(t, "bank0", m.Args[0].Tag)
	assert.Empty(t, m.Args[4].Tag)
	// Connectivity indices count from the start of their own segment.
	assert.Equal(t, Arg{Index: 5, Name: "y", Type: "float*", Category: CategoryMemoryMapped, Tag: "DDR[1]"}, m.Args[5])
	k, local := must.M2(m.Resolve(5))
	assert.Equal(t, "scale", m.Kernels[k].Name)
	assert.Equal(t, 1, local)

	// Every segment must be recognized.
	_, err = Parse(first.Bytes(), []byte("garbage"))
	assert.True(t, errors.Is(err, ErrUnrecognizedContainer), "got %v", err)
	_, err = SniffSegments(first.Bytes(), []byte("garbage"))
	assert.True(t, errors.Is(err, ErrUnrecognizedContainer), "got %v", err)
	_, err = SniffSegments()
	assert.True(t, errors.Is(err, ErrUnrecognizedContainer), "got %v", err)

	// Formats can't be mixed.
	xo := bitstreamtest.XO{Kernel: twoKernels()[0]}.Bytes()
	_, err = Parse(first.Bytes(), xo)
	assert.True(t, errors.Is(err, ErrUnrecognizedContainer), "got %v", err)

	// Nor target devices.
	other := second
	other.Platform = "xilinx_u280_gen3x16_xdma_base_1"
	_, err = Parse(first.Bytes(), other.Bytes())
	assert.True(t, errors.Is(err, ErrInvalidMetadata), "got %v", err)

	// Errors in later segments are reported.
	_, err = Parse(first.Bytes(), bitstreamtest.Xclbin{Platform: u250, Kernels: twoKernels(), OmitMetadata: true}.Bytes())
	assert.True(t, errors.Is(err, ErrMetadataMissing), "got %v", err)
}

func TestXclbinMetadataMissing(t *testing.T) {
	_, err := Parse(bitstreamtest.Xclbin{Platform: u250, Kernels: twoKernels(), OmitMetadata: true}.Bytes())
	assert.True(t, errors.Is(err, ErrMetadataMissing), "got %v", err)

	// Truncated container.
	data := bitstreamtest.Xclbin{Platform: u250, Kernels: twoKernels()}.Bytes()
	_, err = Parse(data[:500])
	assert.True(t, errors.Is(err, ErrInvalidMetadata), "got %v", err)
	_, err = Parse(data[:100])
	assert.True(t, errors.Is(err, ErrInvalidMetadata), "got %v", err)
}

func TestELF(t *testing.T) {
	data := bitstreamtest.ELF{
		Board: "pac_a10",
		Kernels: []bitstreamtest.Kernel{
			{Name: "vadd", Args: []bitstreamtest.Arg{
				{Name: "a", Type: "uint*", Code: 2},
				{Name: "n", Type: "ulong", Code: 0},
				{Name: "s", Type: "channel", Code: 4},
			}},
		},
	}.Bytes()
	m, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, FormatELF32, m.Format)
	assert.Equal(t, VendorIntel, m.Vendor)
	assert.Equal(t, "pac_a10", m.Target)
	assert.Equal(t, ModeHardware, m.Mode)
	assert.Empty(t, m.Env)
	require.Len(t, m.Args, 3)
	assert.Equal(t, CategoryMemoryMapped, m.Args[0].Category)
	assert.Equal(t, "uint*", m.Args[0].Type)
	assert.Equal(t, CategoryScalar, m.Args[1].Category)
	assert.Equal(t, CategoryUnknown, m.Args[2].Category, "no stream category in ELF bitstreams")
	assert.Equal(t, []Kernel{{Name: "vadd", NumArgs: 3}}, m.Kernels)

	m = must.M1(Parse(bitstreamtest.ELF{Board: BoardEmulator, Kernels: twoKernels()}.Bytes()))
	assert.Equal(t, cl.Env{cl.IntelEmulatorDevice: "1"}, m.Env)
	assert.Equal(t, ModeSoftwareEmulation, m.Mode)
	m = must.M1(Parse(bitstreamtest.ELF{Board: BoardSimulator, Kernels: twoKernels()}.Bytes()))
	assert.Equal(t, cl.Env{cl.IntelSimulatorDevice: "1"}, m.Env)

	_, err = Parse(bitstreamtest.ELF{Board: "pac_a10"}.Bytes())
	assert.True(t, errors.Is(err, ErrMetadataMissing), "got %v", err)
	_, err = Parse(bitstreamtest.ELF{Is64: true}.Bytes())
	assert.True(t, errors.Is(err, ErrUnsupportedFormat), "got %v", err)
}

func TestXO(t *testing.T) {
	kernel := twoKernels()[0]
	m, err := Parse(bitstreamtest.XO{Kernel: kernel}.Bytes())
	require.NoError(t, err)
	assert.Equal(t, FormatXO, m.Format)
	assert.Equal(t, VendorCosim, m.Vendor)
	assert.Equal(t, []Kernel{{Name: "vadd", NumArgs: 4}}, m.Kernels)
	require.Len(t, m.Args, 4)
	assert.Equal(t, Arg{Index: 3, Name: "n", Type: "uint64_t", Category: CategoryScalar}, m.Args[3])

	_, err = Parse(bitstreamtest.XO{Kernel: kernel, IDs: []string{"0", "2"}}.Bytes())
	assert.True(t, errors.Is(err, ErrInvalidMetadata), "got %v", err)
	_, err = Parse(bitstreamtest.XO{Kernel: kernel, OmitDescriptor: true}.Bytes())
	assert.True(t, errors.Is(err, ErrMetadataMissing), "got %v", err)
}

func TestReadFiles(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "kernel.xclbin")
	require.NoError(t, os.WriteFile(first, bitstreamtest.Xclbin{Platform: u250, Kernels: twoKernels()}.Bytes(), 0o644))
	second := filepath.Join(dir, "extra.bin")
	require.NoError(t, os.WriteFile(second, []byte{1, 2, 3}, 0o644))

	segments, err := ReadFiles(first, second)
	require.NoError(t, err)
	require.Len(t, segments, 2)
	m, err := Parse(segments...)
	require.NoError(t, err)
	assert.Equal(t, u250, m.Target)

	_, err = ReadFiles(filepath.Join(dir, "missing"))
	require.Error(t, err)
	_, err = ReadFiles()
	require.Error(t, err)
}
