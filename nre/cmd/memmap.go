// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"nre.dev/nre/nre/config"
)

// MemMap implements subcommands.Command for the "memmap" command.
type MemMap struct{}

// Name implements subcommands.Command.Name.
func (*MemMap) Name() string {
	return "memmap"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*MemMap) Synopsis() string {
	return "print the memory map of every child of a boot configuration"
}

// Usage implements subcommands.Command.Usage.
func (*MemMap) Usage() string {
	return `memmap [flags] <boot config> - load the children into a private machine and print their memory maps.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*MemMap) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*MemMap) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	flagSet := args[1].(*flag.FlagSet)

	bc, err := loadBootConfig(conf, flagSet, f.Arg(0))
	if err != nil {
		Fatalf("%v", err)
	}
	if err := memMap(ctx, conf, bc, os.Stdout); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

// memMap starts the children of bc and writes their memory maps to w.
func memMap(ctx context.Context, conf *config.Config, bc *config.BootConfig, w io.Writer) error {
	images, err := readImages(bc)
	if err != nil {
		return err
	}
	mc, err := newMachine(conf, bc, images)
	if err != nil {
		return err
	}
	defer mc.close()
	defer mc.shutdown()

	if err := mc.startLog(ctx, false); err != nil {
		return err
	}
	if err := mc.run(ctx); err != nil {
		return err
	}
	for _, b := range mc.started() {
		virt, phys := b.c.MemUsage()
		fmt.Fprintf(w, "%s (%v): %d KiB virtual, %d KiB physical\n%s", b.cfg.Name, b.c.ID(), virt>>10, phys>>10, b.c.MemoryMap())
	}
	fmt.Fprintf(w, "root: %v\n", mc.mem)
	return nil
}
