// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cosim

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/frt/devices"
	"github.com/gomlx/frt/pkg/bitstream"
	"github.com/gomlx/frt/pkg/bitstream/bitstreamtest"
	"github.com/gomlx/frt/pkg/cl"
	"github.com/gomlx/frt/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

const (
	helperEnvVar = "FRT_COSIM_HELPER"
	signalEnvVar = "FRT_COSIM_TEST_SIGNAL"
)

// TestHelperSimulator is not a real test: it is the simulator process launched by the other tests.
// It adds the vectors of arguments 0 and 1 into argument 2, with length given by scalar argument 3.
func TestHelperSimulator(t *testing.T) {
	mode := os.Getenv(helperEnvVar)
	if mode == "" {
		return
	}
	if mode == "fail" {
		os.Exit(3)
	}
	var configPath string
	var launched bool
	for _, arg := range os.Args {
		if value, found := strings.CutPrefix(arg, "--config_path="); found {
			configPath = value
		}
		if arg == "--launch_simulation" {
			launched = true
		}
	}
	if configPath == "" || !launched || os.Getenv(signalEnvVar) != "on" {
		os.Exit(4)
	}
	var config Config
	must.M(json.Unmarshal(must.M1(os.ReadFile(configPath)), &config))
	if _, err := os.Stat(config.XOPath); err != nil {
		os.Exit(5)
	}
	n := must.M1(strconv.ParseUint(strings.TrimPrefix(config.ScalarToVal["3"], "'h"), 16, 64))
	if int(n) > config.AxiToCArraySize["2"] {
		os.Exit(6)
	}
	a := must.M1(os.ReadFile(config.AxiToDataFile["0"]))
	b := must.M1(os.ReadFile(config.AxiToDataFile["1"]))
	c := make([]byte, 4*config.AxiToCArraySize["2"])
	for i := range int(n) {
		sum := binary.LittleEndian.Uint32(a[4*i:]) + binary.LittleEndian.Uint32(b[4*i:])
		binary.LittleEndian.PutUint32(c[4*i:], sum)
	}
	must.M(os.WriteFile(OutputDataPath(filepath.Dir(configPath), 2), c, 0o644))
	os.Exit(0)
}

func vaddXO() []byte {
	return bitstreamtest.XO{Kernel: bitstreamtest.Kernel{Name: "VecAdd", Args: []bitstreamtest.Arg{
		{Name: "a", Type: "uint32_t*", Code: 1},
		{Name: "b", Type: "uint32_t*", Code: 1},
		{Name: "c", Type: "uint32_t*", Code: 1},
		{Name: "n", Type: "uint64_t", Code: 0},
	}}}.Bytes()
}

func helperConfig(mode string) devices.Config {
	return devices.Config{
		Backend: BackendName,
		Env:     cl.Env{signalEnvVar: "on", helperEnvVar: mode},
		Cosim: devices.CosimConfig{
			Command: []string{os.Args[0], "-test.run=^TestHelperSimulator$", "--"},
		},
	}
}

func uint32Bytes(values []uint32) []byte {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], v)
	}
	return data
}

func TestRecognize(t *testing.T) {
	assert.True(t, Recognize(bitstream.FormatXO))
	assert.False(t, Recognize(bitstream.FormatXclbin))
	assert.False(t, Recognize(bitstream.FormatELF32))
}

func TestScalarValue(t *testing.T) {
	assert.Equal(t, "'h00000201", ScalarValue([]byte{0x01, 0x02, 0x00, 0x00}))
	assert.Equal(t, "'hff", ScalarValue([]byte{0xff}))
}

func TestArgValidation(t *testing.T) {
	device, _, err := devices.New([][]byte{vaddXO()}, helperConfig("ok"))
	require.NoError(t, err)
	defer func() { require.NoError(t, device.Release()) }()

	err = device.SetScalarArg(0, []byte{1, 0, 0, 0})
	require.ErrorIs(t, err, devices.ErrCategoryMismatch)
	err = device.SetBufferArg(3, devices.DirectionInput, devices.BufferArg{Data: make([]byte, 8), ElemSize: 8})
	require.ErrorIs(t, err, devices.ErrCategoryMismatch)
	err = device.SetScalarArg(4, []byte{1})
	require.ErrorIs(t, err, devices.ErrArgIndexOutOfRange)
	err = device.SetStreamArg(0, devices.DirectionInput, nil)
	require.ErrorIs(t, err, devices.ErrStreamingUnsupported)
	assert.Len(t, device.ArgsInfo(), 4)
}

func TestVectorAdd(t *testing.T) {
	const n = 64
	a, b, want := make([]uint32, n), make([]uint32, n), make([]uint32, n)
	for i := range n {
		a[i], b[i] = uint32(i), uint32(1000*i)
		want[i] = a[i] + b[i]
	}
	c := make([]byte, 4*n)

	device, metadata, err := devices.New([][]byte{vaddXO()}, helperConfig("ok"))
	require.NoError(t, err)
	assert.Equal(t, bitstream.VendorCosim, metadata.Vendor)
	workDir := device.(*Device).WorkDir()

	require.NoError(t, device.SetBufferArg(0, devices.DirectionInput, devices.BufferArg{Data: uint32Bytes(a), ElemSize: 4}))
	require.NoError(t, device.SetBufferArg(1, devices.DirectionInput, devices.BufferArg{Data: uint32Bytes(b), ElemSize: 4}))
	require.NoError(t, device.SetBufferArg(2, devices.DirectionOutput, devices.BufferArg{Data: c, ElemSize: 4}))
	require.NoError(t, device.SetScalarArg(3, binary.LittleEndian.AppendUint64(nil, n)))
	require.NoError(t, device.WriteToDevice())

	// Output-only buffers get a zero-filled data file.
	zeros, err := os.ReadFile(InputDataPath(workDir, 2))
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 4*n), zeros)

	require.NoError(t, device.Exec())
	require.NoError(t, device.ReadFromDevice())
	require.NoError(t, device.Finish())
	assert.Equal(t, uint32Bytes(want), c)

	var config Config
	require.NoError(t, json.Unmarshal(must.M1(os.ReadFile(filepath.Join(workDir, ConfigFileName))), &config))
	assert.Equal(t, map[string]string{"3": "'h0000000000000040"}, config.ScalarToVal)
	assert.Equal(t, map[string]int{"0": n, "1": n, "2": n}, config.AxiToCArraySize)
	assert.Equal(t, InputDataPath(workDir, 1), config.AxiToDataFile["1"])
	assert.Equal(t, filepath.Join(workDir, XOFileName), config.XOPath)

	assert.Equal(t, int64(8*n), device.LoadBytes())
	assert.Equal(t, int64(4*n), device.StoreBytes())
	computeTime, err := device.ComputeTime()
	require.NoError(t, err)
	assert.Greater(t, int64(computeTime), int64(0))

	// Suspended buffers are left out of the transfer totals.
	assert.True(t, device.SuspendBuffer(1))
	assert.False(t, device.SuspendBuffer(1))
	assert.Equal(t, int64(4*n), device.LoadBytes())

	// The temporary work directory is removed on release.
	require.NoError(t, device.Release())
	exists, err := fsutil.FileExists(workDir)
	require.NoError(t, err)
	assert.False(t, exists)
	require.NoError(t, device.Release())
	require.Error(t, device.WriteToDevice())
}

func TestSimulationFailure(t *testing.T) {
	config := helperConfig("fail")
	config.Cosim.WorkDir = filepath.Join(t.TempDir(), "cosim")
	device, _, err := devices.New([][]byte{vaddXO()}, config)
	require.NoError(t, err)
	require.NoError(t, device.SetScalarArg(3, make([]byte, 8)))
	require.NoError(t, device.WriteToDevice())
	require.Error(t, device.Exec())

	// Results are missing.
	require.NoError(t, device.SetBufferArg(2, devices.DirectionOutput, devices.BufferArg{Data: make([]byte, 16), ElemSize: 4}))
	require.Error(t, device.ReadFromDevice())

	// User given work directories are kept.
	require.NoError(t, device.Release())
	exists, err := fsutil.FileExists(filepath.Join(config.Cosim.WorkDir, XOFileName))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestStageTimesAfterFailure(t *testing.T) {
	const n = 16
	device, _, err := devices.New([][]byte{vaddXO()}, helperConfig("ok"))
	require.NoError(t, err)
	defer func() { require.NoError(t, device.Release()) }()
	require.NoError(t, device.SetBufferArg(0, devices.DirectionInput, devices.BufferArg{Data: make([]byte, 4*n), ElemSize: 4}))
	require.NoError(t, device.SetBufferArg(1, devices.DirectionInput, devices.BufferArg{Data: make([]byte, 4*n), ElemSize: 4}))
	require.NoError(t, device.SetBufferArg(2, devices.DirectionOutput, devices.BufferArg{Data: make([]byte, 4*n), ElemSize: 4}))
	require.NoError(t, device.SetScalarArg(3, binary.LittleEndian.AppendUint64(nil, n)))
	require.NoError(t, device.WriteToDevice())
	require.NoError(t, device.Exec())
	require.NoError(t, device.ReadFromDevice())
	computeTime := must.M1(device.ComputeTime())
	assert.Greater(t, int64(computeTime), int64(0))
	assert.Greater(t, int64(must.M1(device.StoreTime())), int64(0))

	// The simulator rejects a length larger than the vectors: the times of the previous run are not reported.
	require.NoError(t, device.SetScalarArg(3, binary.LittleEndian.AppendUint64(nil, 2*n)))
	require.NoError(t, device.WriteToDevice())
	require.Error(t, device.Exec())
	assert.Equal(t, time.Duration(0), must.M1(device.ComputeTime()))
	assert.Equal(t, time.Duration(0), must.M1(device.StoreTime()))
}
