// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package frt is a host-side runtime for FPGA accelerators: it loads a compiled bitstream, selects the
// device it targets, binds positional arguments to its kernels and runs the load, compute and store stages.
//
// Example:
//
//	import (
//		"github.com/gomlx/frt"
//		_ "github.com/gomlx/frt/devices/default"
//	)
//
//	func VecAdd(a, b, c []float32) error {
//		instance, err := frt.Invoke("vadd.xclbin", frt.WriteOnly(a), frt.WriteOnly(b), frt.ReadOnly(c), frt.Scalar(uint64(len(c))))
//		if err != nil {
//			return err
//		}
//		defer func() { _ = instance.Release() }()
//		elapsed, err := instance.ComputeTime()
//		if err != nil {
//			return err
//		}
//		fmt.Printf("Computed in %s\n", elapsed)
//		return nil
//	}
//
// The bitstream format is detected from its contents, and the backend (package devices) that recognizes it
// is used: Xilinx xclbin containers, Intel ELF bitstreams or ".xo" archives for co-simulation.
// Backends register themselves when imported: importing devices/default includes all of them.
//
// Arguments are given in order, one per kernel argument across all kernels of the bitstream:
//
//   - Scalar: plain values.
//   - WriteOnly, ReadOnly and ReadWrite: buffers, named from the host's perspective. They are transferred to
//     the device before compute, back to the host after compute, or both.
//   - *ReadStream and *WriteStream: persistent streams, driven by the caller concurrently with the kernel.
//
// The accelerator API used by the hardware backends is selected with devices.Config (see NewWithConfig),
// and defaults to the runtime registered in package cl.
package frt
