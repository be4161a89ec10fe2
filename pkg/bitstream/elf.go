// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bitstream

import (
	"bytes"
	"debug/elf"
	"encoding/xml"
	"strings"

	"github.com/gomlx/frt/pkg/cl"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Names of the ELF sections of Intel FPGA bitstreams.
const (
	ELFSectionBoard   = ".acl.board"
	ELFSectionArgInfo = ".acl.kernel_arg_info.xml"
)

// Boards that make the Intel runtime expose emulated devices.
const (
	BoardEmulator  = "EmulatorDevice"
	BoardSimulator = "SimulatorDevice"
)

// intelBoard is the kernel argument info XML document.
type intelBoard struct {
	Kernels []struct {
		Name string `xml:"name,attr"`
		Args []struct {
			Name       string `xml:"name,attr"`
			TypeName   string `xml:"type_name,attr"`
			AccessType string `xml:"opencl_access_type,attr"`
		} `xml:"argument"`
	} `xml:"kernel"`
}

// ParseELF parses the metadata of an Intel FPGA ELF bitstream.
//
// 64 bits ELF files, produced for the fast emulator, fail with ErrUnsupportedFormat.
func ParseELF(data []byte) (*Metadata, error) {
	format, err := Sniff(data)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatELF32:
	case FormatELF64:
		return nil, errors.Wrapf(ErrUnsupportedFormat, "64 bits ELF bitstream for platform %q: the fast emulator is not supported",
			VendorIntelEmulation)
	default:
		return nil, errors.Wrapf(ErrUnrecognizedContainer, "not an ELF file")
	}

	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidMetadata, "failed to read ELF bitstream: %v", err)
	}
	defer func() { _ = f.Close() }()

	m := &Metadata{
		Format: FormatELF32,
		Vendor: VendorIntel,
		Mode:   ModeHardware,
		Env:    make(cl.Env),
	}
	if section := f.Section(ELFSectionBoard); section != nil {
		board, err := section.Data()
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidMetadata, "failed to read section %s: %v", ELFSectionBoard, err)
		}
		m.Target = strings.TrimRight(string(board), "\x00")
	}
	switch m.Target {
	case BoardEmulator:
		m.Mode = ModeSoftwareEmulation
		m.Env[cl.IntelEmulatorDevice] = "1"
	case BoardSimulator:
		m.Mode = ModeHardwareEmulation
		m.Env[cl.IntelSimulatorDevice] = "1"
	}

	if section := f.Section(ELFSectionArgInfo); section != nil {
		contents, err := section.Data()
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidMetadata, "failed to read section %s: %v", ELFSectionArgInfo, err)
		}
		var board intelBoard
		if err = xml.Unmarshal(bytes.TrimRight(contents, "\x00"), &board); err != nil {
			return nil, errors.Wrapf(ErrInvalidMetadata, "failed to parse %s: %v", ELFSectionArgInfo, err)
		}
		b := builder{m: m}
		for _, kernel := range board.Kernels {
			b.addKernel(kernel.Name)
			for _, arg := range kernel.Args {
				b.addArg(arg.Name, arg.TypeName, intelCategory(arg.AccessType))
			}
		}
	}
	if len(m.Kernels) == 0 || m.Target == "" {
		return nil, errors.Wrapf(ErrMetadataMissing, "ELF bitstream needs sections %s and %s with at least one kernel",
			ELFSectionBoard, ELFSectionArgInfo)
	}
	return m, nil
}

// intelCategory maps the OpenCL access type. There is no stream category in this format.
func intelCategory(code string) Category {
	switch categoryCode(code) {
	case 0:
		return CategoryScalar
	case 2:
		return CategoryMemoryMapped
	}
	klog.Warningf("unknown argument category: %q", code)
	return CategoryUnknown
}
