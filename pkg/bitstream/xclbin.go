// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bitstream

import (
	"bytes"
	"encoding/binary"
	"encoding/xml"
	"strconv"

	"github.com/gomlx/frt/pkg/cl"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Layout of the xclbin ("axlf") container, all little-endian.
const (
	axlfModeOffset         = 332
	axlfPlatformVBNVOffset = 352
	axlfPlatformVBNVSize   = 64
	axlfNumSectionsOffset  = 448
	axlfSectionsOffset     = 456
	axlfSectionHeaderSize  = 40

	// Within a section header.
	sectionKindOffset   = 0
	sectionOffsetOffset = 24
	sectionSizeOffset   = 32

	// Within the memory topology section.
	memTopologyDataOffset = 8
	memDataSize           = 40
	memDataUsedOffset     = 1
	memDataTagOffset      = 24
	memDataTagSize        = 16

	// Within the connectivity section.
	connectivityDataOffset  = 4
	connectionSize          = 12
	connectionMemDataOffset = 8
)

// SectionKind identifies a section of an xclbin container.
type SectionKind uint32

const (
	SectionEmbeddedMetadata SectionKind = 2
	SectionMemTopology      SectionKind = 6
	SectionConnectivity     SectionKind = 7
)

// XclbinMode is the mode field of the xclbin header.
type XclbinMode uint16

const (
	XclbinFlat               XclbinMode = 0
	XclbinPR                 XclbinMode = 1
	XclbinTandemStage2       XclbinMode = 2
	XclbinTandemStage2WithPR XclbinMode = 3
	XclbinHardwareEmulation  XclbinMode = 4
	XclbinSoftwareEmulation  XclbinMode = 5
)

// xclbinProject is the embedded metadata XML document.
type xclbinProject struct {
	Cores []struct {
		Target  string `xml:"target,attr"`
		Kernels []struct {
			Name string `xml:"name,attr"`
			Args []struct {
				Name             string `xml:"name,attr"`
				Type             string `xml:"type,attr"`
				AddressQualifier string `xml:"addressQualifier,attr"`
			} `xml:"arg"`
		} `xml:"kernel"`
	} `xml:"platform>device>core"`
}

type xclbinSections struct {
	data []byte
}

// find returns the contents of the first section of the given kind, or nil if there is none.
func (s xclbinSections) find(kind SectionKind) ([]byte, error) {
	data := s.data
	numSections := int(binary.LittleEndian.Uint32(data[axlfNumSectionsOffset:]))
	for i := range numSections {
		header := axlfSectionsOffset + i*axlfSectionHeaderSize
		if header+axlfSectionHeaderSize > len(data) {
			return nil, errors.Wrapf(ErrInvalidMetadata, "xclbin section header #%d beyond end of file", i)
		}
		if SectionKind(binary.LittleEndian.Uint32(data[header+sectionKindOffset:])) != kind {
			continue
		}
		offset := binary.LittleEndian.Uint64(data[header+sectionOffsetOffset:])
		size := binary.LittleEndian.Uint64(data[header+sectionSizeOffset:])
		if offset > uint64(len(data)) || size > uint64(len(data))-offset {
			return nil, errors.Wrapf(ErrInvalidMetadata, "xclbin section #%d (kind %d) beyond end of file", i, kind)
		}
		return data[offset : offset+size], nil
	}
	return nil, nil
}

// ParseXclbin parses the metadata of a Xilinx xclbin container.
func ParseXclbin(data []byte) (*Metadata, error) {
	if !hasPrefix(data, xclbinMagic) {
		return nil, errors.Wrapf(ErrUnrecognizedContainer, "missing xclbin magic")
	}
	if len(data) < axlfSectionsOffset {
		return nil, errors.Wrapf(ErrInvalidMetadata, "xclbin of %d bytes is shorter than its header", len(data))
	}
	m := &Metadata{
		Format: FormatXclbin,
		Vendor: VendorXilinx,
		Target: cString(data[axlfPlatformVBNVOffset : axlfPlatformVBNVOffset+axlfPlatformVBNVSize]),
		Env:    make(cl.Env),
	}
	switch mode := XclbinMode(binary.LittleEndian.Uint16(data[axlfModeOffset:])); mode {
	case XclbinFlat, XclbinPR, XclbinTandemStage2, XclbinTandemStage2WithPR:
		m.Mode = ModeHardware
	case XclbinHardwareEmulation:
		m.Mode = ModeHardwareEmulation
	case XclbinSoftwareEmulation:
		m.Mode = ModeSoftwareEmulation
	default:
		return nil, errors.Wrapf(ErrInvalidMetadata, "unknown xclbin mode %d", mode)
	}

	sections := xclbinSections{data: data}
	metadataXML, err := sections.find(SectionEmbeddedMetadata)
	if err != nil {
		return nil, err
	}
	if metadataXML == nil {
		return nil, errors.Wrapf(ErrMetadataMissing, "xclbin has no embedded metadata, can't determine the kernels")
	}
	var project xclbinProject
	if err = xml.Unmarshal(bytes.TrimRight(metadataXML, "\x00"), &project); err != nil {
		return nil, errors.Wrapf(ErrInvalidMetadata, "failed to parse xclbin embedded metadata: %v", err)
	}
	if len(project.Cores) == 0 {
		return nil, errors.Wrapf(ErrInvalidMetadata, "xclbin embedded metadata has no project/platform/device/core element")
	}
	core := project.Cores[0]
	b := builder{m: m}
	for _, kernel := range core.Kernels {
		b.addKernel(kernel.Name)
		for _, arg := range kernel.Args {
			b.addArg(arg.Name, arg.Type, xclbinCategory(arg.AddressQualifier))
		}
	}

	// The header mode is not always reliable: the target of the metadata takes precedence.
	switch core.Target {
	case "hw_em":
		m.Mode = ModeHardwareEmulation
	case "csim":
		m.Mode = ModeSoftwareEmulation
	}
	if m.Mode != ModeHardware {
		m.Env[cl.XclEmulationMode] = m.Mode.String()
	}

	if err = resolveMemoryTags(m, sections); err != nil {
		return nil, err
	}
	return m, nil
}

func xclbinCategory(code string) Category {
	switch categoryCode(code) {
	case 0:
		return CategoryScalar
	case 1:
		return CategoryMemoryMapped
	case 4:
		return CategoryStream
	}
	klog.Warningf("unknown argument category: %q", code)
	return CategoryUnknown
}

// resolveMemoryTags sets the tag of memory-mapped arguments from the connectivity and memory topology sections.
// Connections refer to arguments by their global index.
func resolveMemoryTags(m *Metadata, sections xclbinSections) error {
	topology, err := sections.find(SectionMemTopology)
	if err != nil || topology == nil {
		return err
	}
	connectivity, err := sections.find(SectionConnectivity)
	if err != nil || connectivity == nil {
		return err
	}

	if len(topology) < memTopologyDataOffset {
		return errors.Wrapf(ErrInvalidMetadata, "memory topology section too short")
	}
	count := int(int32(binary.LittleEndian.Uint32(topology)))
	if count < 0 || memTopologyDataOffset+count*memDataSize > len(topology) {
		return errors.Wrapf(ErrInvalidMetadata, "memory topology with %d entries doesn't fit in %d bytes", count, len(topology))
	}
	tags := make(map[int]string, count)
	for i := range count {
		entry := topology[memTopologyDataOffset+i*memDataSize:]
		if entry[memDataUsedOffset] != 0 {
			tags[i] = cString(entry[memDataTagOffset : memDataTagOffset+memDataTagSize])
		}
	}

	if len(connectivity) < connectivityDataOffset {
		return errors.Wrapf(ErrInvalidMetadata, "connectivity section too short")
	}
	count = int(int32(binary.LittleEndian.Uint32(connectivity)))
	if count < 0 || connectivityDataOffset+count*connectionSize > len(connectivity) {
		return errors.Wrapf(ErrInvalidMetadata, "connectivity with %d entries doesn't fit in %d bytes", count, len(connectivity))
	}
	for i := range count {
		entry := connectivity[connectivityDataOffset+i*connectionSize:]
		argIndex := int(int32(binary.LittleEndian.Uint32(entry)))
		memIndex := int(int32(binary.LittleEndian.Uint32(entry[connectionMemDataOffset:])))
		tag, used := tags[memIndex]
		if !used || argIndex < 0 || argIndex >= len(m.Args) || m.Args[argIndex].Category != CategoryMemoryMapped {
			continue
		}
		m.Args[argIndex].Tag = tag
	}
	return nil
}

// cString returns the NUL terminated string at the start of data.
func cString(data []byte) string {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	return string(data)
}

// categoryCode parses a numeric metadata code, returning -1 if not a number.
func categoryCode(code string) int {
	n, err := strconv.Atoi(code)
	if err != nil {
		return -1
	}
	return n
}
