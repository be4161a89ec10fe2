// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package devices

import (
	"slices"
	"sync"

	"github.com/gomlx/frt/pkg/bitstream"
	"github.com/gomlx/frt/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Priorities of the standard backends: lower values are tried first.
const (
	PriorityXilinx = 10
	PriorityIntel  = 20
	PriorityCosim  = 30
)

// Recognizer returns whether a backend accepts bitstreams of the given container format.
type Recognizer func(format bitstream.Format) bool

// Constructor creates the Device of a backend for a recognized bitstream.
// The segments are the raw bitstream, metadata was parsed from them.
type Constructor func(segments [][]byte, metadata *bitstream.Metadata, config *Config) (Device, error)

type registration struct {
	name        string
	priority    int
	recognize   Recognizer
	constructor Constructor
}

var (
	muRegistry    sync.Mutex
	registrations []registration
)

// Register a backend with the given name. Backends are tried in order of priority (lower first),
// and the first one whose recognizer accepts the bitstream is used.
//
// To be safe, call Register during initialization of a package.
func Register(name string, priority int, recognize Recognizer, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	registrations = slices.DeleteFunc(registrations, func(r registration) bool { return r.name == name })
	registrations = append(registrations, registration{name, priority, recognize, constructor})
	slices.SortStableFunc(registrations, func(a, b registration) int { return a.priority - b.priority })
}

// List the names of the registered backends, in priority order.
func List() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	return names(registrations)
}

// Recognize returns the name of the backend that would run the bitstream, in priority order.
// It fails with ErrUnrecognizedBitstream if no backend recognizes it.
func Recognize(segments [][]byte, config Config) (string, error) {
	r, err := recognize(segments, &config)
	if err != nil {
		return "", err
	}
	return r.name, nil
}

func recognize(segments [][]byte, config *Config) (registration, error) {
	format, err := bitstream.SniffSegments(segments...)
	if err != nil {
		return registration{}, err
	}
	only := config.backendName()
	muRegistry.Lock()
	defer muRegistry.Unlock()
	for _, r := range registrations {
		if only != "" && r.name != only {
			continue
		}
		if r.recognize(format) {
			return r, nil
		}
	}
	if only != "" {
		return registration{}, errors.Wrapf(ErrUnrecognizedBitstream, "backend %q doesn't recognize %s bitstreams (registered backends: %q)",
			only, format, names(registrations))
	}
	return registration{}, errors.Wrapf(ErrUnrecognizedBitstream, "no backend recognizes %s bitstreams (registered backends: %q)",
		format, names(registrations))
}

func names(rs []registration) []string {
	return xslices.Map(rs, func(r registration) string { return r.name })
}

// New creates the Device for the bitstream, given as one or more segments, with the first backend that
// recognizes it. It returns the parsed metadata along with the device.
//
// No device is enumerated if the bitstream is not recognized or its metadata can't be parsed.
func New(segments [][]byte, config Config) (Device, *bitstream.Metadata, error) {
	r, err := recognize(segments, &config)
	if err != nil {
		return nil, nil, err
	}
	metadata, err := bitstream.Parse(segments...)
	if err != nil {
		return nil, nil, err
	}
	klog.V(1).Infof("bitstream recognized by backend %q: vendor %q, target %q, mode %s, %d kernels, %d arguments",
		r.name, metadata.Vendor, metadata.Target, metadata.Mode, len(metadata.Kernels), len(metadata.Args))
	device, err := r.constructor(segments, metadata, &config)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "backend %q failed to create device", r.name)
	}
	return device, metadata, nil
}
