// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package bitstream parses the metadata of compiled accelerator bitstreams.
//
// The container format is detected by its magic bytes, never by the file extension:
//
//   - Xilinx "xclbin2" containers: an embedded XML metadata section, plus optional memory topology and
//     connectivity sections used to recover the memory bank of each memory-mapped argument.
//   - Intel FPGA ELF objects: the ".acl.board" and ".acl.kernel_arg_info.xml" sections. Only 32 bits ELF
//     files are supported: 64 bits ones (the fast emulator) are recognized and rejected.
//   - Xilinx object (".xo") zip archives, used for software co-simulation, with a "kernel.xml" descriptor.
//
// The result is a Metadata with the target device, the kernels and the flattened argument table.
package bitstream

import (
	"fmt"
	"maps"
	"sort"

	"github.com/gomlx/frt/pkg/cl"
	"github.com/gomlx/frt/pkg/support/fsutil"
	"github.com/pkg/errors"
)

var (
	// ErrUnrecognizedContainer is returned when the magic bytes don't match any known container format.
	ErrUnrecognizedContainer = errors.New("unrecognized bitstream container")

	// ErrMetadataMissing is returned when a recognized container lacks the sections holding the kernels metadata.
	ErrMetadataMissing = errors.New("bitstream metadata missing")

	// ErrInvalidMetadata is returned when the metadata is present but can't be interpreted.
	ErrInvalidMetadata = errors.New("invalid bitstream metadata")

	// ErrUnsupportedFormat is returned for recognized container variants that are not supported.
	ErrUnsupportedFormat = errors.New("unsupported bitstream format")

	// ErrArgIndexOutOfRange is returned when resolving an argument index not in the argument table.
	ErrArgIndexOutOfRange = errors.New("argument index out of range")
)

// Format of the bitstream container.
type Format int

const (
	FormatUnknown Format = iota
	FormatXclbin
	FormatELF32
	FormatELF64
	FormatXO
)

var formatNames = []string{"unknown", "xclbin", "elf32", "elf64", "xo"}

func (f Format) String() string {
	if f < 0 || int(f) >= len(formatNames) {
		return fmt.Sprintf("Format(%d)", int(f))
	}
	return formatNames[f]
}

// Platform (vendor) names, as reported by the accelerator API.
const (
	VendorXilinx         = "Xilinx"
	VendorIntel          = "Intel(R) FPGA SDK for OpenCL(TM)"
	VendorIntelEmulation = "Intel(R) FPGA Emulation Platform for OpenCL(TM)"
	VendorCosim          = "TAPA fast cosim"
)

// Mode in which the bitstream is meant to run.
type Mode int

const (
	ModeHardware Mode = iota
	ModeHardwareEmulation
	ModeSoftwareEmulation
)

func (m Mode) String() string {
	switch m {
	case ModeHardware:
		return "hw"
	case ModeHardwareEmulation:
		return "hw_emu"
	case ModeSoftwareEmulation:
		return "sw_emu"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Category of a kernel argument.
type Category int

const (
	// CategoryUnknown is used for argument codes not known: they are logged and left uncategorized.
	CategoryUnknown Category = iota
	CategoryScalar
	CategoryMemoryMapped
	CategoryStream
)

func (c Category) String() string {
	switch c {
	case CategoryScalar:
		return "scalar"
	case CategoryMemoryMapped:
		return "mmap"
	case CategoryStream:
		return "stream"
	}
	return "unknown"
}

// Arg describes one kernel argument.
type Arg struct {
	// Index in the flattened argument list of all kernels, in declaration order.
	Index int

	Name string

	// Type as declared in the kernel source, informational only.
	Type string

	Category Category

	// Tag is the memory bank the argument is connected to (e.g. "bank0" or "DDR[1]"), if known.
	Tag string
}

// Kernel describes one kernel of the bitstream.
type Kernel struct {
	Name string

	// BaseArgIndex is the global index of the kernel's first argument.
	BaseArgIndex int

	// NumArgs is the number of arguments of the kernel.
	NumArgs int
}

// Metadata extracted from a bitstream.
type Metadata struct {
	Format Format

	// Vendor is the name of the platform that runs the bitstream.
	Vendor string

	// Target is the device identity: the platform VBNV for Xilinx, the board name for Intel.
	Target string

	Mode Mode

	// Env holds the environment signals implied by the bitstream, that make the vendor runtime
	// expose the emulated devices.
	Env cl.Env

	Kernels []Kernel
	Args    []Arg
}

// Resolve the global argument index to its kernel (the position in Kernels) and the argument position
// within the kernel.
func (m *Metadata) Resolve(index int) (kernel int, local int, err error) {
	if index < 0 || index >= len(m.Args) {
		return 0, 0, errors.Wrapf(ErrArgIndexOutOfRange, "argument #%d: there are only %d arguments", index, len(m.Args))
	}
	// First kernel with base > index, the one before it is the greatest base <= index.
	kernel = sort.Search(len(m.Kernels), func(i int) bool { return m.Kernels[i].BaseArgIndex > index }) - 1
	if kernel < 0 {
		return 0, 0, errors.Wrapf(ErrArgIndexOutOfRange, "argument #%d is not in any kernel", index)
	}
	return kernel, index - m.Kernels[kernel].BaseArgIndex, nil
}

// builder accumulates kernels and arguments in declaration order.
type builder struct {
	m *Metadata
}

func (b *builder) addKernel(name string) {
	b.m.Kernels = append(b.m.Kernels, Kernel{Name: name, BaseArgIndex: len(b.m.Args)})
}

func (b *builder) addArg(name, typeName string, category Category) {
	b.m.Args = append(b.m.Args, Arg{Index: len(b.m.Args), Name: name, Type: typeName, Category: category})
	b.m.Kernels[len(b.m.Kernels)-1].NumArgs++
}

const (
	xclbinMagic = "xclbin2\x00"
	elfMagic    = "\x7fELF"
	zipMagic    = "PK\x03\x04"
)

// Sniff returns the container format of data, based on its magic bytes.
// It returns an error wrapping ErrUnrecognizedContainer if no format matches.
func Sniff(data []byte) (Format, error) {
	const elfClassOffset = 4
	switch {
	case hasPrefix(data, xclbinMagic):
		return FormatXclbin, nil
	case hasPrefix(data, elfMagic) && len(data) > elfClassOffset:
		switch data[elfClassOffset] {
		case 1:
			return FormatELF32, nil
		case 2:
			return FormatELF64, nil
		}
		return FormatUnknown, errors.Wrapf(ErrUnrecognizedContainer, "ELF file with unknown class %d", data[elfClassOffset])
	case hasPrefix(data, zipMagic):
		return FormatXO, nil
	}
	prefix := data[:min(len(data), 8)]
	return FormatUnknown, errors.Wrapf(ErrUnrecognizedContainer, "magic bytes %q", prefix)
}

func hasPrefix(data []byte, magic string) bool {
	return len(data) >= len(magic) && string(data[:len(magic)]) == magic
}

// SniffSegments returns the container format shared by all the segments of a bitstream.
// Every segment must be recognized, and all of them must have the same format.
func SniffSegments(segments ...[]byte) (Format, error) {
	if len(segments) == 0 {
		return FormatUnknown, errors.Wrapf(ErrUnrecognizedContainer, "empty bitstream")
	}
	format := FormatUnknown
	for i, data := range segments {
		segmentFormat, err := Sniff(data)
		if err != nil {
			return FormatUnknown, errors.WithMessagef(err, "bitstream segment #%d", i)
		}
		if i > 0 && segmentFormat != format {
			return FormatUnknown, errors.Wrapf(ErrUnrecognizedContainer, "bitstream segment #%d is %s, but segment #0 is %s",
				i, segmentFormat, format)
		}
		format = segmentFormat
	}
	return format, nil
}

// Parse the metadata of a bitstream given as one or more segments.
//
// The kernels and arguments of each segment are appended in order, so argument indices are dense across
// all segments. The segments must share the format, the target device and the mode.
func Parse(segments ...[]byte) (*Metadata, error) {
	format, err := SniffSegments(segments...)
	if err != nil {
		return nil, err
	}
	var m *Metadata
	for i, data := range segments {
		segment, err := parseSegment(format, data)
		if err != nil {
			if len(segments) > 1 {
				err = errors.WithMessagef(err, "bitstream segment #%d", i)
			}
			return nil, err
		}
		if m == nil {
			m = segment
			continue
		}
		if segment.Target != m.Target || segment.Mode != m.Mode {
			return nil, errors.Wrapf(ErrInvalidMetadata, "bitstream segment #%d targets %q (%s), but segment #0 targets %q (%s)",
				i, segment.Target, segment.Mode, m.Target, m.Mode)
		}
		b := builder{m: m}
		for _, kernel := range segment.Kernels {
			b.addKernel(kernel.Name)
			for _, arg := range segment.Args[kernel.BaseArgIndex : kernel.BaseArgIndex+kernel.NumArgs] {
				b.addArg(arg.Name, arg.Type, arg.Category)
				m.Args[len(m.Args)-1].Tag = arg.Tag
			}
		}
		maps.Copy(m.Env, segment.Env)
	}
	return m, nil
}

func parseSegment(format Format, data []byte) (*Metadata, error) {
	switch format {
	case FormatXclbin:
		return ParseXclbin(data)
	case FormatELF32, FormatELF64:
		return ParseELF(data)
	case FormatXO:
		return ParseXO(data)
	}
	return nil, errors.Wrapf(ErrUnrecognizedContainer, "format %s", format)
}

// ReadFiles reads the segments of a bitstream, one per file. A leading "~" in the paths is expanded.
func ReadFiles(paths ...string) ([][]byte, error) {
	if len(paths) == 0 {
		return nil, errors.New("no bitstream file given")
	}
	segments := make([][]byte, 0, len(paths))
	for _, path := range paths {
		data, err := fsutil.ReadFile(path)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to load bitstream")
		}
		segments = append(segments, data)
	}
	return segments, nil
}
