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
	"path/filepath"
	"text/tabwriter"

	"github.com/gofrs/flock"
	"github.com/google/subcommands"

	"nre.dev/nre/nre/config"
	"nre.dev/nre/pkg/log"
)

// lockName is the lock file boot holds in the root directory.
const lockName = "nre.lock"

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	// color wraps the lines of each log client in its own color.
	color bool

	// keep leaves the children running until they all died or the
	// command is interrupted.
	keep bool
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot the children of a boot configuration"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] <boot config> - load and start every child of the configuration, then report their state.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&b.color, "color", false, "color log lines by client")
	f.BoolVar(&b.keep, "keep", false, "keep the children until they died or the command is interrupted")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	flagSet := args[1].(*flag.FlagSet)

	lock, err := lockRoot(conf.RootDir)
	if err != nil {
		Fatalf("%v", err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.Warningf("Unlocking %q: %v", lock.Path(), err)
		}
	}()

	bc, err := loadBootConfig(conf, flagSet, f.Arg(0))
	if err != nil {
		Fatalf("%v", err)
	}
	conf.Log()
	if err := b.boot(ctx, conf, bc, os.Stdout); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

// lockRoot creates the root directory and locks it for this process.
func lockRoot(root string) (*flock.Flock, error) {
	if err := os.MkdirAll(root, 0o711); err != nil {
		return nil, fmt.Errorf("creating root directory %q: %w", root, err)
	}
	lock := flock.New(filepath.Join(root, lockName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %q: %w", lock.Path(), err)
	}
	if !ok {
		return nil, fmt.Errorf("root directory %q is in use by another nre", root)
	}
	return lock, nil
}

// loadBootConfig reads the boot configuration at path, applies its flag
// overrides to conf and validates it.
func loadBootConfig(conf *config.Config, flagSet *flag.FlagSet, path string) (*config.BootConfig, error) {
	bc, err := config.LoadBootConfig(path)
	if err != nil {
		return nil, err
	}
	if err := bc.Apply(conf, flagSet); err != nil {
		return nil, err
	}
	if err := bc.Validate(conf.CPUs); err != nil {
		return nil, fmt.Errorf("invalid boot configuration %q: %w", path, err)
	}
	return bc, nil
}

func (b *Boot) boot(ctx context.Context, conf *config.Config, bc *config.BootConfig, w io.Writer) error {
	images, err := readImages(bc)
	if err != nil {
		return err
	}
	mc, err := newMachine(conf, bc, images)
	if err != nil {
		return err
	}
	defer mc.close()

	if err := mc.startLog(ctx, b.color); err != nil {
		return err
	}
	free := mc.mem.Free()
	runErr := mc.run(ctx)
	report(w, mc)
	if runErr == nil && b.keep {
		mc.wait(ctx)
	}

	mc.shutdown()
	if after := mc.mem.Free(); after < free {
		log.Warningf("%d bytes of root memory were not released", free-after)
	}
	return runErr
}

// report writes the state of every child and the machine's usage to w.
func report(w io.Writer, mc *machine) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprint(tw, "ID\tNAME\tSTATE\tCPU\tVIRT\tPHYS\n")
	for _, b := range mc.started() {
		virt, phys := b.c.MemUsage()
		fmt.Fprintf(tw, "%v\t%s\t%v\t%d\t%d KiB\t%d KiB\n", b.c.ID(), b.cfg.Name, b.c.State(), b.cfg.CPU, virt>>10, phys>>10)
	}
	_ = tw.Flush()

	virt, phys := mc.m.MemUsage()
	fmt.Fprintf(w, "\n%d children, %d KiB virtual, %d KiB physical, %d KiB of %d KiB root memory free\n",
		mc.m.Count(), virt>>10, phys>>10, mc.mem.Free()>>10, mc.mem.Size()>>10)
	for _, s := range mc.m.Registry().All() {
		fmt.Fprintf(w, "service %v\n", s)
	}
	if mc.logs != nil {
		fmt.Fprintf(w, "%d log sessions open\n", mc.logs.Sessions())
	}
}
