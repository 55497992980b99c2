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
	"nre.dev/nre/pkg/child"
)

// Check implements subcommands.Command for the "check" command.
type Check struct{}

// Name implements subcommands.Command.Name.
func (*Check) Name() string {
	return "check"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Check) Synopsis() string {
	return "validate a boot configuration and the images it names"
}

// Usage implements subcommands.Command.Usage.
func (*Check) Usage() string {
	return `check [flags] <boot config> - validate the configuration and every ELF image without starting anything.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Check) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Check) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
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
	if err := check(bc, os.Stdout); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

// check validates the image of every child of bc and describes it on w.
func check(bc *config.BootConfig, w io.Writer) error {
	images, err := readImages(bc)
	if err != nil {
		return err
	}
	for i, image := range images {
		cc := &bc.Children[i]
		entry, segs, err := child.CheckImage(image)
		if err != nil {
			return fmt.Errorf("child %q: image %q: %w", cc.Name, bc.Path(cc), err)
		}
		fmt.Fprintf(w, "%s: %s, entry %#x, %d bytes\n", cc.Name, bc.Path(cc), entry, len(image))
		for _, s := range segs {
			fmt.Fprintf(w, "\t%#x..%#x\n", s.Addr, s.End())
		}
	}
	return nil
}
