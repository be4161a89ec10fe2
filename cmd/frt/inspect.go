// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/frt/pkg/bitstream"
	"github.com/janpfeifer/must"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var inspectFlags struct {
	yaml bool
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <bitstream> [<more segments>...]",
	Short: "List the kernels and arguments of a bitstream",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runInspect,
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectFlags.yaml, "yaml", false, "Output the metadata as YAML instead of tables.")
}

// argDoc and metadataDoc are the YAML rendering of the metadata.
type argDoc struct {
	Index    int    `yaml:"index"`
	Kernel   string `yaml:"kernel"`
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Category string `yaml:"category"`
	Tag      string `yaml:"tag,omitempty"`
}

type metadataDoc struct {
	Backend string            `yaml:"backend"`
	Format  string            `yaml:"format"`
	Vendor  string            `yaml:"vendor"`
	Target  string            `yaml:"target"`
	Mode    string            `yaml:"mode"`
	Env     map[string]string `yaml:"env,omitempty"`
	Args    []argDoc          `yaml:"args"`
}

// kernelOf returns the name of the kernel of each argument.
func kernelOf(metadata *bitstream.Metadata, index int) string {
	k, _, err := metadata.Resolve(index)
	if err != nil {
		return "?"
	}
	return metadata.Kernels[k].Name
}

func newMetadataDoc(metadata *bitstream.Metadata, backend string) metadataDoc {
	doc := metadataDoc{
		Backend: backend,
		Format:  metadata.Format.String(),
		Vendor:  metadata.Vendor,
		Target:  metadata.Target,
		Mode:    metadata.Mode.String(),
		Env:     metadata.Env,
	}
	for _, arg := range metadata.Args {
		doc.Args = append(doc.Args, argDoc{
			Index:    arg.Index,
			Kernel:   kernelOf(metadata, arg.Index),
			Name:     arg.Name,
			Type:     arg.Type,
			Category: arg.Category.String(),
			Tag:      arg.Tag,
		})
	}
	return doc
}

func runInspect(cmd *cobra.Command, args []string) error {
	metadata, backend, err := loadMetadata(args)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if inspectFlags.yaml {
		encoder := yaml.NewEncoder(out)
		encoder.SetIndent(2)
		must.M(encoder.Encode(newMetadataDoc(metadata, backend)))
		return encoder.Close()
	}
	report(out, args, metadata, backend)
	return nil
}

func report(out io.Writer, paths []string, metadata *bitstream.Metadata, backend string) {
	_, _ = fmt.Fprintln(out, titleStyle.Render("Bitstream"))
	table := newTable()
	for _, path := range paths {
		size := "?"
		if info, err := os.Stat(path); err == nil {
			size = humanize.Bytes(uint64(info.Size()))
		}
		table.Row("file", fmt.Sprintf("%s (%s)", path, size))
	}
	table.Row("backend", backend)
	table.Row("format", metadata.Format.String())
	table.Row("vendor", metadata.Vendor)
	table.Row("target", metadata.Target)
	table.Row("mode", metadata.Mode.String())
	if len(metadata.Env) > 0 {
		table.Row("environment", strings.Join(metadata.Env.List(), " "))
	}
	_, _ = fmt.Fprintln(out, table.Render())

	_, _ = fmt.Fprintln(out, titleStyle.Render("Kernels"))
	table = newTable("Kernel", "Base index", "# arguments")
	for _, kernel := range metadata.Kernels {
		table.Row(kernel.Name, strconv.Itoa(kernel.BaseArgIndex), strconv.Itoa(kernel.NumArgs))
	}
	_, _ = fmt.Fprintln(out, table.Render())

	_, _ = fmt.Fprintln(out, titleStyle.Render("Arguments"))
	table = newTable("Index", "Kernel", "Name", "Type", "Category", "Memory")
	for _, arg := range metadata.Args {
		table.Row(strconv.Itoa(arg.Index), kernelOf(metadata, arg.Index), arg.Name, arg.Type,
			arg.Category.String(), arg.Tag)
	}
	_, _ = fmt.Fprintln(out, table.Render())
}
