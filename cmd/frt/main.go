// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// frt inspects FPGA bitstreams: the kernels and arguments they declare, and the emulation signals they imply.
package main

import (
	"flag"
	"os"

	"github.com/gomlx/frt/devices"
	_ "github.com/gomlx/frt/devices/default"
	"github.com/gomlx/frt/pkg/bitstream"
	_ "github.com/gomlx/frt/pkg/cl/clemu"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var rootCmd = &cobra.Command{
	Use:   "frt",
	Short: "Inspect FPGA bitstreams used by the frt runtime",
	Long: "frt reads Xilinx xclbin, Intel ELF and co-simulation \".xo\" bitstreams and reports the kernels\n" +
		"and arguments they declare, as the runtime sees them.",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	goFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(goFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(goFlags)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(envCmd)
	rootCmd.AddCommand(backendsCmd)
}

// loadMetadata reads the bitstream segments and parses their metadata.
func loadMetadata(paths []string) (*bitstream.Metadata, string, error) {
	segments, err := bitstream.ReadFiles(paths...)
	if err != nil {
		return nil, "", err
	}
	backend, err := devices.Recognize(segments, devices.Config{})
	if err != nil {
		return nil, "", err
	}
	metadata, err := bitstream.Parse(segments...)
	if err != nil {
		return nil, "", err
	}
	return metadata, backend, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		klog.Errorf("%v", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}
