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

package config

import (
	"flag"
	"fmt"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"nre.dev/nre/pkg/bitmap"
	"nre.dev/nre/pkg/child"
)

// BootConfig lists the children the root loads at boot.
//
// Example:
//
//	[flags]
//	fault-prefetch = "4"
//
//	[[child]]
//	name = "console"
//	path = "bin/console"
//	cmdline = "console -vga"
//	provides = ["console"]
//
//	[[child]]
//	name = "shell"
//	path = "bin/shell"
//	cpu = 1
//	cpus = [1]
//	waits = ["console", "log"]
//	module_access = "following"
type BootConfig struct {
	// Flags override flags of Config, see Config.Override.
	Flags map[string]string `toml:"flags"`

	Children []ChildConfig `toml:"child"`

	// dir is the directory relative paths are resolved against.
	dir string
}

// ChildConfig describes one child of a BootConfig.
type ChildConfig struct {
	Name    string `toml:"name"`
	Path    string `toml:"path"`
	Cmdline string `toml:"cmdline"`

	// CPU runs the main thread.
	CPU int `toml:"cpu"`

	// CPUs restricts the child to these CPUs. Empty means every CPU.
	CPUs []int `toml:"cpus"`

	// Waits are services that must be registered before the child
	// starts.
	Waits []string `toml:"waits"`

	// Provides are services the child registers once it runs.
	Provides []string `toml:"provides"`

	// ModuleAccess is one of "none", "own" or "following".
	ModuleAccess string `toml:"module_access"`

	// Prefault maps every region of the child before it runs.
	Prefault bool `toml:"prefault"`
}

var moduleAccess = map[string]child.ModuleAccess{
	"":          child.NoModules,
	"none":      child.NoModules,
	"own":       child.OwnModule,
	"following": child.FollowingModules,
}

// LoadBootConfig reads the boot configuration at path. Relative child
// paths are resolved against the directory of path.
func LoadBootConfig(path string) (*BootConfig, error) {
	bc := &BootConfig{}
	md, err := toml.DecodeFile(path, bc)
	if err != nil {
		return nil, fmt.Errorf("reading boot configuration %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys in boot configuration %q: %v", path, undecoded)
	}
	bc.dir = filepath.Dir(path)
	return bc, nil
}

// DecodeBootConfig parses a boot configuration from data.
func DecodeBootConfig(data string) (*BootConfig, error) {
	bc := &BootConfig{}
	if _, err := toml.Decode(data, bc); err != nil {
		return nil, fmt.Errorf("decoding boot configuration: %w", err)
	}
	return bc, nil
}

// Apply overrides the flags of conf listed in bc.
func (bc *BootConfig) Apply(conf *Config, flagSet *flag.FlagSet) error {
	for name, value := range bc.Flags {
		if err := conf.Override(flagSet, name, value); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks bc against a machine with the given number of CPUs.
func (bc *BootConfig) Validate(cpus int) error {
	if len(bc.Children) == 0 {
		return fmt.Errorf("no children to boot")
	}
	names := make(map[string]struct{})
	provided := make(map[string]string)
	for i, c := range bc.Children {
		if c.Name == "" {
			return fmt.Errorf("child %d has no name", i)
		}
		if _, ok := names[c.Name]; ok {
			return fmt.Errorf("child %q defined twice", c.Name)
		}
		names[c.Name] = struct{}{}
		if c.Path == "" {
			return fmt.Errorf("child %q has no path", c.Name)
		}
		if c.CPU < 0 || c.CPU >= cpus {
			return fmt.Errorf("child %q: cpu %d out of range [0, %d)", c.Name, c.CPU, cpus)
		}
		if len(c.CPUs) > 0 {
			ok := false
			for _, cpu := range c.CPUs {
				if cpu < 0 || cpu >= cpus {
					return fmt.Errorf("child %q: cpus entry %d out of range [0, %d)", c.Name, cpu, cpus)
				}
				ok = ok || cpu == c.CPU
			}
			if !ok {
				return fmt.Errorf("child %q: cpu %d is not in cpus %v", c.Name, c.CPU, c.CPUs)
			}
		}
		if _, ok := moduleAccess[c.ModuleAccess]; !ok {
			return fmt.Errorf("child %q: invalid module_access %q, must be 'none', 'own' or 'following'", c.Name, c.ModuleAccess)
		}
		for _, p := range c.Provides {
			if other, ok := provided[p]; ok {
				return fmt.Errorf("service %q provided by %q and %q", p, other, c.Name)
			}
			provided[p] = c.Name
		}
	}
	for _, c := range bc.Children {
		for _, w := range c.Waits {
			if _, ok := provided[w]; !ok && !bc.rootService(w) {
				return fmt.Errorf("child %q waits for %q, which nobody provides", c.Name, w)
			}
			if provided[w] == c.Name {
				return fmt.Errorf("child %q waits for its own service %q", c.Name, w)
			}
		}
	}
	return nil
}

// RootServices are the services the root registers itself.
var RootServices = []string{"log"}

func (bc *BootConfig) rootService(name string) bool {
	for _, s := range RootServices {
		if s == name {
			return true
		}
	}
	return false
}

// Path returns the image path of c.
func (bc *BootConfig) Path(c *ChildConfig) string {
	if filepath.IsAbs(c.Path) || bc.dir == "" {
		return c.Path
	}
	return filepath.Join(bc.dir, c.Path)
}

// ChildConfig converts c into the child manager's configuration. module
// is the index of c's boot module.
func (c *ChildConfig) ChildConfig(cpus, module int) child.Config {
	cfg := child.Config{
		Name:    c.Name,
		Cmdline: c.Cmdline,
		CPU:     c.CPU,
		Module:  module,
		Access:  moduleAccess[c.ModuleAccess],
		Waits:   c.Waits,
	}
	if len(c.CPUs) > 0 {
		cfg.CPUs = bitmap.New(uint32(cpus))
		for _, cpu := range c.CPUs {
			cfg.CPUs.Add(uint32(cpu))
		}
	}
	if cfg.Cmdline == "" {
		cfg.Cmdline = c.Name
	}
	return cfg
}
