// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/gomlx/frt/devices"
	"github.com/gomlx/frt/pkg/cl"
	"github.com/spf13/cobra"
)

var envCmd = &cobra.Command{
	Use:   "env <bitstream> [<more segments>...]",
	Short: "Print the emulation signals implied by a bitstream, as KEY=VALUE lines",
	Long: "Print the emulation signals implied by a bitstream, as KEY=VALUE lines.\n" +
		"Vendor runtimes only expose emulated devices when these are set, e.g.:\n\n" +
		"  export $(frt env vadd.xclbin)",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		metadata, _, err := loadMetadata(args)
		if err != nil {
			return err
		}
		for _, entry := range metadata.Env.List() {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), entry)
		}
		return nil
	},
}

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List the registered device backends and accelerator runtimes",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "backends: %s\n", strings.Join(devices.List(), ", "))
		_, _ = fmt.Fprintf(out, "runtimes: %s\n", strings.Join(cl.List(), ", "))
	},
}
