// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package devices

import (
	_ "embed"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/frt/pkg/cl"
	"github.com/gomlx/frt/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// BackendEnvVar is the environment variable that restricts the backend used, if Config.Backend is not set.
const BackendEnvVar = "FRT_BACKEND"

// Config of the device creation. The zero value is valid and uses the defaults.
type Config struct {
	// Runtime is the accelerator API implementation to use.
	// If nil, the runtime registered as RuntimeName (see cl.Open) is used.
	Runtime     cl.Runtime
	RuntimeName string

	// Backend restricts the device to the backend registered with this name.
	// If empty, the value of $FRT_BACKEND is used, and if that is not set any backend that recognizes the bitstream.
	Backend string

	// Env are the environment signals given to the accelerator runtime, e.g. XCL_EMULATION_MODE.
	// The signals implied by the bitstream are added to it, but never overwrite the ones given here.
	Env cl.Env

	// DeviceNames used to match target and device names. If nil, DefaultDeviceNameRules is used.
	DeviceNames *DeviceNameRules

	// Cosim configures the co-simulation backend.
	Cosim CosimConfig
}

// CosimConfig configures the co-simulation backend.
type CosimConfig struct {
	// WorkDir where the arguments and results are stored. If empty, a temporary directory is created,
	// and removed when the device is released (unless KeepWorkDir is set).
	WorkDir     string
	KeepWorkDir bool

	// Command to launch the simulation, to which the configuration flags are appended.
	// Defaults to DefaultCosimCommand.
	Command []string

	// StartGUI starts the Vivado GUI for the simulation.
	StartGUI bool

	// SaveWaveform saves the waveform in the work directory.
	SaveWaveform bool
}

// DefaultCosimCommand launches the TAPA fast co-simulation.
var DefaultCosimCommand = []string{"python3", "-m", "tapa_fast_cosim.main"}

// OpenRuntime returns the configured accelerator runtime.
func (c *Config) OpenRuntime() (cl.Runtime, error) {
	if c.Runtime != nil {
		return c.Runtime, nil
	}
	return cl.Open(c.RuntimeName)
}

// NameRules returns the device name rules configured, or the default ones.
func (c *Config) NameRules() *DeviceNameRules {
	if c.DeviceNames != nil {
		return c.DeviceNames
	}
	return DefaultDeviceNameRules()
}

// backendName returns the configured backend restriction.
func (c *Config) backendName() string {
	if c.Backend != "" {
		return c.Backend
	}
	return os.Getenv(BackendEnvVar)
}

// DeviceAlias states that devices reported as Device run bitstreams targeting Target.
type DeviceAlias struct {
	Target string `yaml:"target"`
	Device string `yaml:"device"`
}

// DevicePrefixRule matches devices of Platform whose name is the target followed by Separator.
type DevicePrefixRule struct {
	Platform  string `yaml:"platform"`
	Separator string `yaml:"separator"`
}

// DeviceNameRules match the target identity of a bitstream to the names reported by the vendor runtimes.
type DeviceNameRules struct {
	Aliases  []DeviceAlias      `yaml:"aliases"`
	Prefixes []DevicePrefixRule `yaml:"prefixes"`
}

//go:embed device_names.yaml
var defaultDeviceNamesYAML []byte

// DefaultDeviceNameRules returns a fresh copy of the built-in rules.
func DefaultDeviceNameRules() *DeviceNameRules {
	rules, err := ParseDeviceNameRules(defaultDeviceNamesYAML)
	if err != nil {
		panic(errors.WithMessagef(err, "embedded device_names.yaml is invalid"))
	}
	return rules
}

// ParseDeviceNameRules parses the YAML document with the rules.
func ParseDeviceNameRules(contents []byte) (*DeviceNameRules, error) {
	rules := &DeviceNameRules{}
	if err := yaml.Unmarshal(contents, rules); err != nil {
		return nil, errors.Wrapf(err, "failed to parse device name rules")
	}
	for i, alias := range rules.Aliases {
		if alias.Target == "" || alias.Device == "" {
			return nil, errors.Errorf("device name alias #%d must have both target and device", i)
		}
	}
	for i, prefix := range rules.Prefixes {
		if prefix.Separator == "" {
			return nil, errors.Errorf("device name prefix rule #%d must have a separator", i)
		}
	}
	return rules, nil
}

// LoadDeviceNameRules reads the rules from a YAML file, and appends them to the default ones.
func LoadDeviceNameRules(path string) (*DeviceNameRules, error) {
	contents, err := fsutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rules, err := ParseDeviceNameRules(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "in %q", path)
	}
	defaults := DefaultDeviceNameRules()
	rules.Aliases = slices.Concat(defaults.Aliases, rules.Aliases)
	rules.Prefixes = slices.Concat(defaults.Prefixes, rules.Prefixes)
	return rules, nil
}

// Matches returns whether device, reported by platform, is the target of a bitstream.
func (r *DeviceNameRules) Matches(platform, target, device string) bool {
	if device == target {
		return true
	}
	for _, alias := range r.Aliases {
		if alias.Target == target && alias.Device == device {
			return true
		}
	}
	for _, prefix := range r.Prefixes {
		if (prefix.Platform == "" || prefix.Platform == platform) && strings.HasPrefix(device, target+prefix.Separator) {
			return true
		}
	}
	return false
}
