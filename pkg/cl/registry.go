// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cl

import (
	"os"
	"slices"
	"sync"

	"github.com/pkg/errors"
)

// Constructor returns a new Runtime.
type Constructor func() (Runtime, error)

var (
	muRegistry             sync.Mutex
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// RuntimeEnvVar is the environment variable with the name of the runtime to use by default.
const RuntimeEnvVar = "FRT_OPENCL_RUNTIME"

// Register runtime implementation with the given name.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List the names of the registered runtimes, sorted.
func List() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Open returns the runtime registered with the given name.
//
// If name is empty, the environment variable FRT_OPENCL_RUNTIME is used, and if that is not set
// the first registered runtime is used.
func Open(name string) (Runtime, error) {
	if name == "" {
		name = os.Getenv(RuntimeEnvVar)
	}
	muRegistry.Lock()
	if len(registeredConstructors) == 0 {
		muRegistry.Unlock()
		return nil, errors.Errorf("no accelerator runtime registered -- maybe import the emulated one with "+
			"import _ %q, or a native OpenCL binding?", "github.com/gomlx/frt/pkg/cl/clemu")
	}
	if name == "" {
		name = firstRegistered
	}
	constructor, found := registeredConstructors[name]
	muRegistry.Unlock()
	if !found {
		return nil, errors.Errorf("can't find accelerator runtime %q, registered runtimes: %q", name, List())
	}
	return constructor()
}
