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

// Package config provides basic infrastructure to set configuration settings
// for nre. Each setting is a flag of the command line, and the children to
// boot are described by a BootConfig file.
package config

import (
	"fmt"
	"time"

	"nre.dev/nre/pkg/child"
	"nre.dev/nre/pkg/hv"
	"nre.dev/nre/pkg/log"
)

// Config holds configuration that is not part of the boot configuration.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name.
//  3. Register a new flag in flags.go, with name and description.
//  4. Add any necessary validation into validate().
type Config struct {
	// RootDir is the state directory. boot locks it while it runs.
	RootDir string `flag:"root"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// DebugLog is the path to log debug information to, if not empty. It
	// may contain %TIMESTAMP% and %COMMAND%.
	DebugLog string `flag:"debug-log"`

	// DebugLogFormat is the log format for debug.
	DebugLogFormat string `flag:"debug-log-format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// CPUs is the number of CPUs of the machine.
	CPUs int `flag:"cpus"`

	// MemoryMB is the amount of RAM of the root in MiB.
	MemoryMB uint64 `flag:"mem"`

	// FaultPrefetch is the number of pages mapped per page fault.
	FaultPrefetch int `flag:"fault-prefetch"`

	// FaultRetries is the number of identical faults tolerated before a
	// child is killed.
	FaultRetries int `flag:"fault-retries"`

	// MaxChilds bounds the number of children.
	MaxChilds int `flag:"max-childs"`

	// ServiceTimeout bounds how long a child waits for its services.
	ServiceTimeout time.Duration `flag:"service-timeout"`

	// AllowFlagOverride lets the boot configuration override any flag.
	AllowFlagOverride bool `flag:"allow-flag-override"`
}

func (c *Config) validate() error {
	if c.CPUs <= 0 || c.CPUs > hv.MaxCPUs {
		return fmt.Errorf("--cpus must be between 1 and %d, got %d", hv.MaxCPUs, c.CPUs)
	}
	if c.MemoryMB == 0 {
		return fmt.Errorf("--mem must be positive")
	}
	if c.FaultPrefetch < 0 {
		return fmt.Errorf("--fault-prefetch must be positive, got %d", c.FaultPrefetch)
	}
	if c.FaultRetries < 0 {
		return fmt.Errorf("--fault-retries must be positive, got %d", c.FaultRetries)
	}
	if c.MaxChilds < 0 || c.MaxChilds > child.MaxChilds {
		return fmt.Errorf("--max-childs must be between 0 and %d, got %d", child.MaxChilds, c.MaxChilds)
	}
	if c.ServiceTimeout < 0 {
		return fmt.Errorf("--service-timeout must not be negative, got %v", c.ServiceTimeout)
	}
	for _, f := range []struct{ name, value string }{
		{"log-format", c.LogFormat},
		{"debug-log-format", c.DebugLogFormat},
	} {
		if f.value != "text" && f.value != "json" {
			return fmt.Errorf("invalid --%s %q, must be 'text' or 'json'", f.name, f.value)
		}
	}
	return nil
}

// MemoryBytes returns the amount of RAM in bytes.
func (c *Config) MemoryBytes() uint64 {
	return c.MemoryMB << 20
}

// ChildOptions returns the child manager settings of c.
func (c *Config) ChildOptions() child.Options {
	return child.Options{
		MaxChilds:      c.MaxChilds,
		FaultPrefetch:  c.FaultPrefetch,
		FaultRetries:   c.FaultRetries,
		ServiceTimeout: c.ServiceTimeout,
	}
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config: %d CPUs, %d MiB, root %q", c.CPUs, c.MemoryMB, c.RootDir)
	log.Infof("Children: max %d, prefetch %d pages, %d fault retries, service timeout %v",
		c.MaxChilds, c.FaultPrefetch, c.FaultRetries, c.ServiceTimeout)
	log.Debugf("Flags: %v", c.ToFlags())
}
