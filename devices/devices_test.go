// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package devices

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/frt/pkg/bitstream"
	"github.com/gomlx/frt/pkg/bitstream/bitstreamtest"
	"github.com/gomlx/frt/pkg/cl"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func TestDirection(t *testing.T) {
	assert.True(t, DirectionInput.Loads())
	assert.False(t, DirectionInput.Stores())
	assert.False(t, DirectionOutput.Loads())
	assert.True(t, DirectionOutput.Stores())
	assert.True(t, DirectionBoth.Loads())
	assert.True(t, DirectionBoth.Stores())
	assert.Equal(t, cl.MemReadOnly, DirectionInput.MemFlags())
	assert.Equal(t, cl.MemReadWrite, DirectionBoth.MemFlags())
	assert.Equal(t, "Direction(0)", Direction(0).String())
}

func TestBufferArg(t *testing.T) {
	arg := BufferArg{Data: make([]byte, 4096), ElemSize: 4}
	assert.Equal(t, 4096, arg.SizeInBytes())
	assert.Equal(t, 1024, arg.Count())
}

func TestThroughputGbps(t *testing.T) {
	assert.Equal(t, 0.0, ThroughputGbps(1000, 0))
	assert.Equal(t, 2.0, ThroughputGbps(2000, time.Microsecond))
}

func TestCheckArg(t *testing.T) {
	args := []ArgInfo{
		{Index: 0, Name: "a", Category: bitstream.CategoryMemoryMapped},
		{Index: 1, Name: "n", Category: bitstream.CategoryScalar},
		{Index: 2, Name: "x", Category: bitstream.CategoryUnknown},
	}
	arg, err := CheckArg(args, 0, bitstream.CategoryMemoryMapped)
	require.NoError(t, err)
	assert.Equal(t, "a", arg.Name)
	_, err = CheckArg(args, 1, bitstream.CategoryMemoryMapped)
	assert.True(t, errors.Is(err, ErrCategoryMismatch), "got %v", err)
	_, err = CheckArg(args, 2, bitstream.CategoryStream)
	assert.NoError(t, err, "uncategorized arguments accept any binding")
	_, err = CheckArg(args, 3, bitstream.CategoryScalar)
	assert.True(t, errors.Is(err, ErrArgIndexOutOfRange), "got %v", err)
}

func TestDeviceNameRules(t *testing.T) {
	rules := DefaultDeviceNameRules()
	const target = "xilinx_u250_gen3x16_xdma_3_1_202020_1"
	assert.True(t, rules.Matches(bitstream.VendorXilinx, target, target))
	assert.True(t, rules.Matches(bitstream.VendorXilinx, target, "xilinx_u250_gen3x16_xdma_shell_3_1"))
	assert.False(t, rules.Matches(bitstream.VendorXilinx, target, "xilinx_u280_xdma_201920_3"))
	assert.True(t, rules.Matches(bitstream.VendorIntel, "pac_a10", "pac_a10 : Intel PAC Platform (pac_ec00000)"))
	assert.False(t, rules.Matches(bitstream.VendorXilinx, "pac_a10", "pac_a10 : Intel PAC Platform (pac_ec00000)"))
	assert.False(t, rules.Matches(bitstream.VendorIntel, "pac_a10", "pac_a10_x"))

	path := filepath.Join(t.TempDir(), "names.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
aliases:
  - target: my_target
    device: my_device
prefixes:
  - separator: " / "
`), 0o644))
	rules, err := LoadDeviceNameRules(path)
	require.NoError(t, err)
	assert.Len(t, rules.Aliases, 2)
	assert.True(t, rules.Matches("any", "my_target", "my_device"))
	assert.True(t, rules.Matches("any", "board", "board / details"))
	assert.True(t, rules.Matches(bitstream.VendorXilinx, target, "xilinx_u250_gen3x16_xdma_shell_3_1"), "defaults are kept")

	_, err = ParseDeviceNameRules([]byte("aliases:\n  - target: only_target\n"))
	require.Error(t, err)
	_, err = ParseDeviceNameRules([]byte("aliases: [unclosed"))
	require.Error(t, err)
}

type fakeDevice struct {
	Device
	segments [][]byte
	metadata *bitstream.Metadata
}

func TestRegistry(t *testing.T) {
	var constructed []string
	fake := func(name string) Constructor {
		return func(segments [][]byte, metadata *bitstream.Metadata, config *Config) (Device, error) {
			constructed = append(constructed, name)
			return &fakeDevice{segments: segments, metadata: metadata}, nil
		}
	}
	Register("fake_low", PriorityCosim, func(format bitstream.Format) bool { return true }, fake("fake_low"))
	Register("fake_high", PriorityXilinx, func(format bitstream.Format) bool { return format == bitstream.FormatXclbin }, fake("fake_high"))
	assert.Equal(t, []string{"fake_high", "fake_low"}, List())

	xclbin := bitstreamtest.Xclbin{Platform: "u250", Kernels: []bitstreamtest.Kernel{{Name: "k"}}}.Bytes()
	name, err := Recognize([][]byte{xclbin}, Config{})
	require.NoError(t, err)
	assert.Equal(t, "fake_high", name)
	name, err = Recognize([][]byte{xclbin}, Config{Backend: "fake_low"})
	require.NoError(t, err)
	assert.Equal(t, "fake_low", name)

	device, metadata, err := New([][]byte{xclbin}, Config{})
	require.NoError(t, err)
	assert.Equal(t, []string{"fake_high"}, constructed)
	assert.Equal(t, "u250", metadata.Target)
	assert.Same(t, metadata, device.(*fakeDevice).metadata)

	// Unrecognized bitstreams never reach a constructor.
	_, _, err = New([][]byte{[]byte("not a bitstream")}, Config{})
	assert.True(t, errors.Is(err, ErrUnrecognizedBitstream), "got %v", err)
	_, _, err = New(nil, Config{})
	assert.True(t, errors.Is(err, ErrUnrecognizedBitstream), "got %v", err)
	_, err = Recognize([][]byte{xclbin, []byte("not a bitstream")}, Config{})
	assert.True(t, errors.Is(err, ErrUnrecognizedBitstream), "got %v", err)
	_, err = Recognize([][]byte{xclbin, bitstreamtest.XO{}.Bytes()}, Config{})
	assert.True(t, errors.Is(err, ErrUnrecognizedBitstream), "got %v", err)
	_, err = Recognize([][]byte{bitstreamtest.XO{}.Bytes()}, Config{Backend: "fake_high"})
	assert.True(t, errors.Is(err, ErrUnrecognizedBitstream), "got %v", err)

	// Metadata errors are reported before any device is constructed.
	_, _, err = New([][]byte{bitstreamtest.Xclbin{Platform: "u250", OmitMetadata: true}.Bytes()}, Config{})
	assert.True(t, errors.Is(err, bitstream.ErrMetadataMissing), "got %v", err)
	assert.Len(t, constructed, 1)
}
