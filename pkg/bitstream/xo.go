// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bitstream

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"io"
	"strconv"
	"strings"

	"github.com/gomlx/frt/pkg/cl"
	"github.com/pkg/errors"
)

// XOKernelDescriptor is the name suffix of the kernel descriptor inside a ".xo" archive.
const XOKernelDescriptor = "/kernel.xml"

type xoRoot struct {
	Kernel struct {
		Name string `xml:"name,attr"`
		Args []struct {
			ID               string `xml:"id,attr"`
			Name             string `xml:"name,attr"`
			Type             string `xml:"type,attr"`
			AddressQualifier string `xml:"addressQualifier,attr"`
		} `xml:"args>arg"`
	} `xml:"kernel"`
}

// ParseXO parses the kernel descriptor of a Xilinx object (".xo") archive, used for software co-simulation.
// The argument ids must follow their declaration order.
func ParseXO(data []byte) (*Metadata, error) {
	if !hasPrefix(data, zipMagic) {
		return nil, errors.Wrapf(ErrUnrecognizedContainer, "not a zip archive")
	}
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidMetadata, "failed to open .xo archive: %v", err)
	}
	var descriptor []byte
	for _, file := range archive.File {
		if !strings.HasSuffix(file.Name, XOKernelDescriptor) {
			continue
		}
		r, err := file.Open()
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidMetadata, "failed to open %q in .xo archive: %v", file.Name, err)
		}
		descriptor, err = io.ReadAll(r)
		_ = r.Close()
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidMetadata, "failed to read %q in .xo archive: %v", file.Name, err)
		}
		break
	}
	if len(descriptor) == 0 {
		return nil, errors.Wrapf(ErrMetadataMissing, "missing %q in .xo archive", XOKernelDescriptor[1:])
	}

	var root xoRoot
	if err = xml.Unmarshal(descriptor, &root); err != nil {
		return nil, errors.Wrapf(ErrInvalidMetadata, "failed to parse %s: %v", XOKernelDescriptor[1:], err)
	}
	m := &Metadata{
		Format: FormatXO,
		Vendor: VendorCosim,
		Target: root.Kernel.Name,
		Mode:   ModeHardwareEmulation,
		Env:    make(cl.Env),
	}
	b := builder{m: m}
	b.addKernel(root.Kernel.Name)
	for i, arg := range root.Kernel.Args {
		id, err := strconv.Atoi(arg.ID)
		if err != nil || id != i {
			return nil, errors.Wrapf(ErrInvalidMetadata, "expecting argument #%d, got argument id %q in the metadata", i, arg.ID)
		}
		b.addArg(arg.Name, arg.Type, xclbinCategory(arg.AddressQualifier))
	}
	return m, nil
}
