// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package bitstreamtest writes synthetic bitstream containers (xclbin, Intel ELF and ".xo" archives)
// with just the metadata the runtime reads. They carry no real kernel images.
package bitstreamtest

import (
	"archive/zip"
	"bytes"
	"debug/elf"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"strconv"

	"github.com/gomlx/frt/pkg/bitstream"
	"github.com/janpfeifer/must"
)

// Arg of a kernel.
type Arg struct {
	Name string
	Type string

	// Code is the vendor category code: the address qualifier for xclbin and .xo files (0 scalar, 1 mmap, 4 stream),
	// the OpenCL access type for ELF files (0 scalar, 2 mmap).
	Code int
}

// Kernel and its arguments.
type Kernel struct {
	Name string
	Args []Arg
}

// Memory is one entry of the xclbin memory topology.
type Memory struct {
	Tag  string
	Used bool
}

// Connection of an argument (global index) to a memory topology entry.
type Connection struct {
	ArgIndex, MemIndex int
}

// Xclbin describes a Xilinx container.
type Xclbin struct {
	// Platform is the VBNV of the target device.
	Platform string
	Mode     bitstream.XclbinMode

	// Target attribute of the metadata core element, e.g. "hw", "hw_em" or "csim".
	Target  string
	Kernels []Kernel

	Memories    []Memory
	Connections []Connection

	// OmitMetadata leaves out the embedded metadata section.
	OmitMetadata bool
}

func escape(s string) string {
	var buf bytes.Buffer
	must.M(xml.EscapeText(&buf, []byte(s)))
	return buf.String()
}

func (x Xclbin) metadataXML() []byte {
	var buf bytes.Buffer
	_, _ = fmt.Fprintf(&buf, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<project name=\"test\">\n"+
		"  <platform vendor=\"xilinx\">\n    <device name=\"fpga0\">\n      <core name=\"OCL_REGION_0\" target=\"%s\">\n",
		escape(x.Target))
	for _, kernel := range x.Kernels {
		_, _ = fmt.Fprintf(&buf, "        <kernel name=\"%s\" language=\"c\">\n", escape(kernel.Name))
		for i, arg := range kernel.Args {
			_, _ = fmt.Fprintf(&buf, "          <arg name=\"%s\" addressQualifier=\"%d\" id=\"%d\" type=\"%s\"/>\n",
				escape(arg.Name), arg.Code, i, escape(arg.Type))
		}
		buf.WriteString("        </kernel>\n")
	}
	buf.WriteString("      </core>\n    </device>\n  </platform>\n</project>\n\x00")
	return buf.Bytes()
}

type section struct {
	kind bitstream.SectionKind
	data []byte
}

// Bytes returns the container.
func (x Xclbin) Bytes() []byte {
	var sections []section
	if !x.OmitMetadata {
		sections = append(sections, section{bitstream.SectionEmbeddedMetadata, x.metadataXML()})
	}
	if len(x.Memories) > 0 {
		data := make([]byte, 8+40*len(x.Memories))
		binary.LittleEndian.PutUint32(data, uint32(len(x.Memories)))
		for i, mem := range x.Memories {
			entry := data[8+40*i:]
			if mem.Used {
				entry[1] = 1
			}
			copy(entry[24:40], mem.Tag)
		}
		sections = append(sections, section{bitstream.SectionMemTopology, data})
	}
	if len(x.Connections) > 0 {
		data := make([]byte, 4+12*len(x.Connections))
		binary.LittleEndian.PutUint32(data, uint32(len(x.Connections)))
		for i, conn := range x.Connections {
			entry := data[4+12*i:]
			binary.LittleEndian.PutUint32(entry, uint32(int32(conn.ArgIndex)))
			binary.LittleEndian.PutUint32(entry[8:], uint32(int32(conn.MemIndex)))
		}
		sections = append(sections, section{bitstream.SectionConnectivity, data})
	}

	headerSize := 456 + 40*len(sections)
	out := make([]byte, headerSize)
	copy(out, "xclbin2\x00")
	binary.LittleEndian.PutUint16(out[332:], uint16(x.Mode))
	copy(out[352:416], x.Platform)
	binary.LittleEndian.PutUint32(out[448:], uint32(len(sections)))
	for i, s := range sections {
		header := out[456+40*i:]
		binary.LittleEndian.PutUint32(header, uint32(s.kind))
		copy(header[4:20], fmt.Sprintf("section%d", i))
		binary.LittleEndian.PutUint64(header[24:], uint64(len(out)))
		binary.LittleEndian.PutUint64(header[32:], uint64(len(s.data)))
		out = append(out, s.data...)
	}
	binary.LittleEndian.PutUint64(out[304:], uint64(len(out)))
	return out
}

// ELF describes an Intel FPGA bitstream.
type ELF struct {
	// Board name, the target device.
	Board   string
	Kernels []Kernel

	// Is64 produces a 64 bits ELF header only, as the fast emulator does.
	Is64 bool
}

func (e ELF) argInfoXML() []byte {
	var buf bytes.Buffer
	buf.WriteString("<board>\n")
	for _, kernel := range e.Kernels {
		_, _ = fmt.Fprintf(&buf, "  <kernel name=\"%s\">\n", escape(kernel.Name))
		for _, arg := range kernel.Args {
			_, _ = fmt.Fprintf(&buf, "    <argument name=\"%s\" type_name=\"%s\" opencl_access_type=\"%d\"/>\n",
				escape(arg.Name), escape(arg.Type), arg.Code)
		}
		buf.WriteString("  </kernel>\n")
	}
	buf.WriteString("</board>\n")
	return buf.Bytes()
}

// Bytes returns the ELF file.
func (e ELF) Bytes() []byte {
	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	if e.Is64 {
		ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
		out := make([]byte, 64)
		copy(out, ident[:])
		return out
	}
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)

	type entry struct {
		name string
		typ  elf.SectionType
		data []byte
	}
	entries := []entry{
		{".shstrtab", elf.SHT_STRTAB, nil},
		{bitstream.ELFSectionBoard, elf.SHT_PROGBITS, []byte(e.Board)},
		{bitstream.ELFSectionArgInfo, elf.SHT_PROGBITS, e.argInfoXML()},
	}
	shstrtab := []byte{0}
	nameOffsets := make([]uint32, len(entries))
	for i, en := range entries {
		nameOffsets[i] = uint32(len(shstrtab))
		shstrtab = append(append(shstrtab, en.name...), 0)
	}
	entries[0].data = shstrtab

	const headerSize = 52
	const sectionHeaderSize = 40
	var data bytes.Buffer
	offsets := make([]uint32, len(entries))
	for i, en := range entries {
		offsets[i] = uint32(headerSize + data.Len())
		data.Write(en.data)
	}
	for (headerSize+data.Len())%4 != 0 {
		data.WriteByte(0)
	}
	shoff := uint32(headerSize + data.Len())

	var out bytes.Buffer
	must.M(binary.Write(&out, binary.LittleEndian, elf.Header32{
		Ident:     ident,
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(elf.EM_NONE),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shoff,
		Ehsize:    headerSize,
		Shentsize: sectionHeaderSize,
		Shnum:     uint16(len(entries) + 1),
		Shstrndx:  1,
	}))
	out.Write(data.Bytes())
	must.M(binary.Write(&out, binary.LittleEndian, elf.Section32{}))
	for i, en := range entries {
		must.M(binary.Write(&out, binary.LittleEndian, elf.Section32{
			Name:      nameOffsets[i],
			Type:      uint32(en.typ),
			Off:       offsets[i],
			Size:      uint32(len(en.data)),
			Addralign: 1,
		}))
	}
	return out.Bytes()
}

// XO describes a ".xo" archive used for co-simulation.
type XO struct {
	Kernel Kernel

	// IDs overrides the argument ids written, by default their position.
	IDs []string

	// OmitDescriptor leaves out the kernel.xml file.
	OmitDescriptor bool
}

// Bytes returns the zip archive.
func (x XO) Bytes() []byte {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	readme := must.M1(w.Create("README"))
	_ = must.M1(readme.Write([]byte("synthetic .xo archive\n")))
	if !x.OmitDescriptor {
		f := must.M1(w.Create(x.Kernel.Name + "/kernel.xml"))
		var doc bytes.Buffer
		_, _ = fmt.Fprintf(&doc, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<root versionMajor=\"1\" versionMinor=\"6\">\n"+
			"  <kernel name=\"%s\" language=\"c\">\n    <args>\n", escape(x.Kernel.Name))
		for i, arg := range x.Kernel.Args {
			id := strconv.Itoa(i)
			if i < len(x.IDs) {
				id = x.IDs[i]
			}
			_, _ = fmt.Fprintf(&doc, "      <arg name=\"%s\" addressQualifier=\"%d\" id=\"%s\" type=\"%s\"/>\n",
				escape(arg.Name), arg.Code, escape(id), escape(arg.Type))
		}
		doc.WriteString("    </args>\n  </kernel>\n</root>\n")
		_ = must.M1(f.Write(doc.Bytes()))
	}
	must.M(w.Close())
	return buf.Bytes()
}
