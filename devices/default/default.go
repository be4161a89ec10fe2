// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package _default includes the default device backends, namely Xilinx, Intel and co-simulation.
//
// To use it simply include:
//
//	import _ "github.com/gomlx/frt/devices/default"
//
// If you add the tag `nocosim` it will not include the co-simulation backend, which launches external processes.
package _default

import (
	_ "github.com/gomlx/frt/devices/intel"
	_ "github.com/gomlx/frt/devices/xilinx"
)
