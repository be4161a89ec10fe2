// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cl

import (
	"maps"
	"slices"
)

// Environment variables used by the vendor runtimes to switch to emulated devices.
const (
	// XclEmulationMode is read by the Xilinx runtime: "hw_emu" or "sw_emu". Unset means hardware.
	XclEmulationMode = "XCL_EMULATION_MODE"

	// IntelEmulatorDevice is read by the Intel FPGA runtime to expose the emulator device.
	IntelEmulatorDevice = "CL_CONTEXT_EMULATOR_DEVICE_INTELFPGA"

	// IntelSimulatorDevice is read by the Intel FPGA runtime to expose the simulator device.
	IntelSimulatorDevice = "CL_CONTEXT_MPSIM_DEVICE_INTELFPGA"
)

// Env is a set of process-level signals given explicitly to the runtime.
// A nil Env is valid and empty for reading.
type Env map[string]string

// Get returns the value for key, or "" if not set.
func (e Env) Get(key string) string {
	return e[key]
}

// SetDefault sets key to value only if key is not yet set, and returns whether it was set.
func (e Env) SetDefault(key, value string) bool {
	if _, found := e[key]; found {
		return false
	}
	e[key] = value
	return true
}

// Clone returns a copy of e, never nil.
func (e Env) Clone() Env {
	e2 := make(Env, len(e))
	maps.Copy(e2, e)
	return e2
}

// WithDefaults returns a copy of e with the keys of defaults that are not set in e.
func (e Env) WithDefaults(defaults Env) Env {
	merged := e.Clone()
	for _, key := range slices.Sorted(maps.Keys(defaults)) {
		merged.SetDefault(key, defaults[key])
	}
	return merged
}

// List returns "KEY=VALUE" entries sorted by key, the format used by os/exec.
func (e Env) List() []string {
	list := make([]string, 0, len(e))
	for _, key := range slices.Sorted(maps.Keys(e)) {
		list = append(list, key+"="+e[key])
	}
	return list
}
