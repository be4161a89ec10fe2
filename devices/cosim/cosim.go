// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cosim implements the software co-simulation backend, for Xilinx object (".xo") bitstreams.
//
// No accelerator is used: the arguments are written to a work directory, one "<index>.bin" file per buffer and
// a "config.json" descriptor with the scalars, and an external simulation process (TAPA fast cosim by default)
// is launched against it. Results are read back from "<index>_out.bin" files. Timings are wall-clock.
//
// It registers itself as "cosim" with devices.Register.
package cosim

import (
	"encoding/hex"
	"encoding/json"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/frt/devices"
	"github.com/gomlx/frt/pkg/bitstream"
	"github.com/gomlx/frt/pkg/cl"
	"github.com/gomlx/frt/pkg/support/fsutil"
	"github.com/gomlx/frt/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName used to register the backend.
const BackendName = "cosim"

func init() {
	devices.Register(BackendName, devices.PriorityCosim, Recognize, New)
}

// Recognize accepts ".xo" zip archives.
func Recognize(format bitstream.Format) bool {
	return format == bitstream.FormatXO
}

// Names of the files in the work directory.
const (
	ConfigFileName = "config.json"
	XOFileName     = "kernel.xo"
	OutputDirName  = "output"
)

// InputDataPath returns the path of the file with the contents of buffer argument index.
func InputDataPath(workDir string, index int) string {
	return filepath.Join(workDir, strconv.Itoa(index)+".bin")
}

// OutputDataPath returns the path of the file with the results of buffer argument index.
func OutputDataPath(workDir string, index int) string {
	return filepath.Join(workDir, strconv.Itoa(index)+"_out.bin")
}

// Config is the descriptor document read by the simulator.
type Config struct {
	XOPath          string            `json:"xo_path"`
	ScalarToVal     map[string]string `json:"scalar_to_val"`
	AxiToCArraySize map[string]int    `json:"axi_to_c_array_size"`
	AxiToDataFile   map[string]string `json:"axi_to_data_file"`
}

// ScalarValue formats the little-endian bytes of a scalar as the simulator expects: "'h" followed by
// the hexadecimal digits, most significant byte first.
func ScalarValue(value []byte) string {
	reversed := slices.Clone(value)
	slices.Reverse(reversed)
	return "'h" + hex.EncodeToString(reversed)
}

// Device implements devices.Device with a co-simulation.
type Device struct {
	metadata *bitstream.Metadata
	config   devices.CosimConfig
	env      cl.Env

	workDir   string
	temporary bool
	xoPath    string

	scalars    map[int]string
	buffers    map[int]devices.BufferArg
	loadIndex  sets.Set[int]
	storeIndex sets.Set[int]

	loadTime, computeTime, storeTime time.Duration
	released                         bool
}

var _ devices.Device = (*Device)(nil)

// New creates a co-simulation Device: the work directory is created and the ".xo" archive copied into it.
func New(segments [][]byte, metadata *bitstream.Metadata, config *devices.Config) (devices.Device, error) {
	workDir, temporary, err := fsutil.MakeWorkDir(config.Cosim.WorkDir, "tapa-fast-cosim.*")
	if err != nil {
		return nil, err
	}
	d := &Device{
		metadata:   metadata,
		config:     config.Cosim,
		env:        config.Env.WithDefaults(metadata.Env),
		workDir:    workDir,
		temporary:  temporary,
		xoPath:     filepath.Join(workDir, XOFileName),
		scalars:    make(map[int]string),
		buffers:    make(map[int]devices.BufferArg),
		loadIndex:  sets.Make[int](),
		storeIndex: sets.Make[int](),
	}
	if err = os.WriteFile(d.xoPath, segments[0], 0o644); err != nil {
		_ = d.Release()
		return nil, errors.Wrapf(err, "failed to write %q", d.xoPath)
	}
	klog.Infof("Running hardware simulation with TAPA fast cosim in %q", workDir)
	return d, nil
}

// WorkDir returns the work directory of the simulation.
func (d *Device) WorkDir() string { return d.workDir }

func (d *Device) checkValid() error {
	if d.released {
		return errors.New("co-simulation device already released")
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
	d.scalars[index] = ScalarValue(value)
	return nil
}

// SetBufferArg implements devices.Device.
func (d *Device) SetBufferArg(index int, direction devices.Direction, arg devices.BufferArg) error {
	if err := d.checkValid(); err != nil {
		return err
	}
	if _, err := devices.CheckArg(d.metadata.Args, index, bitstream.CategoryMemoryMapped); err != nil {
		return err
	}
	d.buffers[index] = arg
	d.loadIndex.Remove(index)
	d.storeIndex.Remove(index)
	if direction.Loads() {
		d.loadIndex.Insert(index)
	}
	if direction.Stores() {
		d.storeIndex.Insert(index)
	}
	return nil
}

// SetStreamArg implements devices.Device: streams are not supported.
func (d *Device) SetStreamArg(index int, direction devices.Direction, channel devices.StreamChannel) error {
	return errors.Wrapf(devices.ErrStreamingUnsupported, "TAPA fast cosim device does not support streaming (argument #%d)", index)
}

// SuspendBuffer implements devices.Device.
func (d *Device) SuspendBuffer(index int) bool {
	loaded := d.loadIndex.Remove(index)
	stored := d.storeIndex.Remove(index)
	return loaded || stored
}

// WriteToDevice implements devices.Device. Buffers in the load stage are written to their data files.
// The simulator needs a data file for every buffer, so the others get a zero-filled one if they have none yet.
func (d *Device) WriteToDevice() error {
	if err := d.checkValid(); err != nil {
		return err
	}
	// A new invocation starts: stage times of the previous one no longer apply.
	d.loadTime, d.computeTime, d.storeTime = 0, 0, 0
	start := time.Now()
	for _, index := range slices.Sorted(maps.Keys(d.buffers)) {
		path := InputDataPath(d.workDir, index)
		arg := d.buffers[index]
		if !d.loadIndex.Has(index) {
			exists, err := fsutil.FileExists(path)
			if err != nil {
				return err
			}
			if exists {
				continue
			}
			if err = os.WriteFile(path, make([]byte, arg.SizeInBytes()), 0o644); err != nil {
				return errors.Wrapf(err, "failed to write %q", path)
			}
			continue
		}
		if err := os.WriteFile(path, arg.Data, 0o644); err != nil {
			return errors.Wrapf(err, "failed to write %q", path)
		}
	}
	d.loadTime = time.Since(start)
	return nil
}

// Exec implements devices.Device: it writes the descriptor and runs the simulation, blocking until it exits.
func (d *Device) Exec() error {
	if err := d.checkValid(); err != nil {
		return err
	}
	d.computeTime, d.storeTime = 0, 0
	start := time.Now()
	config := Config{
		XOPath:          d.xoPath,
		ScalarToVal:     make(map[string]string, len(d.scalars)),
		AxiToCArraySize: make(map[string]int, len(d.buffers)),
		AxiToDataFile:   make(map[string]string, len(d.buffers)),
	}
	for index, value := range d.scalars {
		config.ScalarToVal[strconv.Itoa(index)] = value
	}
	for index, arg := range d.buffers {
		config.AxiToCArraySize[strconv.Itoa(index)] = arg.Count()
		config.AxiToDataFile[strconv.Itoa(index)] = InputDataPath(d.workDir, index)
	}
	contents, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s", ConfigFileName)
	}
	configPath := filepath.Join(d.workDir, ConfigFileName)
	if err = os.WriteFile(configPath, contents, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %q", configPath)
	}

	argv := slices.Clone(d.config.Command)
	if len(argv) == 0 {
		argv = slices.Clone(devices.DefaultCosimCommand)
	}
	argv = append(argv,
		"--config_path="+configPath,
		"--tb_output_dir="+filepath.Join(d.workDir, OutputDirName),
		"--launch_simulation")
	if d.config.StartGUI {
		argv = append(argv, "--start_gui")
	}
	if d.config.SaveWaveform {
		argv = append(argv, "--save_waveform")
	}
	klog.V(1).Infof("Launching simulation: %q", argv)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), d.env.List()...)
	cmd.Dir = d.workDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err = cmd.Run(); err != nil {
		return errors.Wrapf(err, "TAPA fast cosim failed")
	}
	d.computeTime = time.Since(start)
	return nil
}

// ReadFromDevice implements devices.Device: buffers in the store stage are read from their result files.
func (d *Device) ReadFromDevice() error {
	if err := d.checkValid(); err != nil {
		return err
	}
	d.storeTime = 0
	start := time.Now()
	for _, index := range d.storeIndex.Sorted() {
		arg := d.buffers[index]
		path := OutputDataPath(d.workDir, index)
		contents, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "failed to read results of argument #%d", index)
		}
		if len(contents) < arg.SizeInBytes() {
			return errors.Errorf("results of argument #%d in %q have %s, expected %s", index, path,
				humanize.Bytes(uint64(len(contents))), humanize.Bytes(uint64(arg.SizeInBytes())))
		}
		copy(arg.Data, contents)
	}
	d.storeTime = time.Since(start)
	return nil
}

// Finish implements devices.Device. All stages are synchronous, so there is nothing to wait for.
func (d *Device) Finish() error {
	return d.checkValid()
}

// ArgsInfo implements devices.Device.
func (d *Device) ArgsInfo() []devices.ArgInfo {
	return slices.Clone(d.metadata.Args)
}

// LoadTime implements devices.Device.
func (d *Device) LoadTime() (time.Duration, error) { return d.loadTime, nil }

// ComputeTime implements devices.Device.
func (d *Device) ComputeTime() (time.Duration, error) { return d.computeTime, nil }

// StoreTime implements devices.Device.
func (d *Device) StoreTime() (time.Duration, error) { return d.storeTime, nil }

func (d *Device) totalBytes(indices sets.Set[int]) int64 {
	var total int64
	for index := range indices {
		total += int64(d.buffers[index].SizeInBytes())
	}
	return total
}

// LoadBytes implements devices.Device.
func (d *Device) LoadBytes() int64 { return d.totalBytes(d.loadIndex) }

// StoreBytes implements devices.Device.
func (d *Device) StoreBytes() int64 { return d.totalBytes(d.storeIndex) }

// Release implements devices.Device. A temporary work directory is removed, unless configured to keep it.
func (d *Device) Release() error {
	if d.released {
		return nil
	}
	d.released = true
	if !d.temporary || d.config.KeepWorkDir {
		return nil
	}
	if err := os.RemoveAll(d.workDir); err != nil {
		return errors.Wrapf(err, "failed to remove work directory %q", d.workDir)
	}
	return nil
}
