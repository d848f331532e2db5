// Copyright 2026 The KOS Authors.
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
// for kos. Settings come from flags and, optionally, a TOML or YAML file named
// by --config. Flags given explicitly on the command line take precedence over
// the file.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"
	"kos.dev/kos/pkg/errors/kerr"
	"kos.dev/kos/pkg/log"
	"kos.dev/kos/pkg/sentry/kernel/sched"
	"kos.dev/kos/pkg/sentry/kernel/tunable"
	"kos.dev/kos/pkg/sentry/page"
	"kos.dev/kos/pkg/sentry/pgalloc"
)

// Config holds configuration that is not part of the workload itself.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name, and file keys if the field may be
//     set from a config file.
//  3. Register the flag in flags.go.
type Config struct {
	// NumCPUs is the number of simulated CPUs.
	NumCPUs int `flag:"cpus" toml:"cpus" yaml:"cpus"`

	// MemoryPages is the number of physical frames.
	MemoryPages uint64 `flag:"memory-pages" toml:"memory_pages" yaml:"memory_pages"`

	// DMAPages is the number of frames, from frame 0, in ZoneDMA.
	DMAPages uint64 `flag:"dma-pages" toml:"dma_pages" yaml:"dma_pages"`

	// HighMemPages is the number of frames, at the top of memory, in
	// ZoneHighMem.
	HighMemPages uint64 `flag:"highmem-pages" toml:"highmem_pages" yaml:"highmem_pages"`

	// TickPeriod is the simulated time per scheduler tick.
	TickPeriod time.Duration `flag:"tick" toml:"tick" yaml:"tick"`

	// TickInterval is the real time between ticks when running in real
	// time. Zero means TickPeriod.
	TickInterval time.Duration `flag:"tick-interval" toml:"tick_interval" yaml:"tick_interval"`

	// StormThreshold is the number of interrupts per tick that is reported
	// as an interrupt storm.
	StormThreshold int `flag:"storm-threshold" toml:"storm_threshold" yaml:"storm_threshold"`

	// StackSize is the stack size of new processes.
	StackSize uint64 `flag:"stack-size" toml:"stack_size" yaml:"stack_size"`

	// Debug enables debug logging and makes detected corruption panic.
	Debug bool `flag:"debug" toml:"debug" yaml:"debug"`

	// LogFilename is the file logs are appended to. Empty means stderr.
	LogFilename string `flag:"log" toml:"log" yaml:"log"`

	// LogFormat is the log format: text, json, json-k8s or logrus.
	LogFormat string `flag:"log-format" toml:"log_format" yaml:"log_format"`

	// Tunables are initial values of runtime tunables.
	Tunables TunableMap `flag:"tunable" toml:"tunables" yaml:"tunables"`

	// ConfigFile is the file the rest of the config was read from.
	ConfigFile string `flag:"config" toml:"-" yaml:"-"`
}

func (c *Config) validate() error {
	switch {
	case c.NumCPUs < 1 || c.NumCPUs > sched.MaxCPUs:
		return fmt.Errorf("cpus=%d: want [1, %d]: %w", c.NumCPUs, sched.MaxCPUs, kerr.EINVAL)
	case c.MemoryPages == 0:
		return fmt.Errorf("memory-pages must be positive: %w", kerr.EINVAL)
	case c.DMAPages+c.HighMemPages > c.MemoryPages:
		return fmt.Errorf("dma-pages=%d and highmem-pages=%d exceed memory-pages=%d: %w", c.DMAPages, c.HighMemPages, c.MemoryPages, kerr.EINVAL)
	case c.TickPeriod < 0 || c.TickInterval < 0 || c.StormThreshold < 0:
		return fmt.Errorf("tick, tick-interval and storm-threshold must not be negative: %w", kerr.EINVAL)
	case c.StackSize == 0:
		return fmt.Errorf("stack-size must be positive: %w", kerr.EINVAL)
	}
	switch c.LogFormat {
	case "text", "json", "json-k8s", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', 'json-k8s' or 'logrus': %w", c.LogFormat, kerr.EINVAL)
	}
	if _, err := c.Registry(); err != nil {
		return err
	}
	return nil
}

// ZoneLayout returns the zone boundaries described by c.
func (c *Config) ZoneLayout() pgalloc.ZoneLayout {
	l := pgalloc.ZoneLayout{
		DMAEnd:    page.PFN(c.DMAPages),
		NormalEnd: page.NoPFN,
	}
	if c.HighMemPages > 0 {
		l.NormalEnd = page.PFN(c.MemoryPages - c.HighMemPages)
	}
	return l
}

// Registry returns a tunable registry with c.Tunables applied.
func (c *Config) Registry() (*tunable.Registry, error) {
	r := tunable.NewRegistry()
	if err := r.SetAll(c.Tunables); err != nil {
		return nil, err
	}
	return r, nil
}

// Copy returns a deep copy of c. The copy shares nothing with c.
func (c *Config) Copy() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config: cpus %d, memory %d pages (dma %d, highmem %d), tick %v", c.NumCPUs, c.MemoryPages, c.DMAPages, c.HighMemPages, c.TickPeriod)
	if c.ConfigFile != "" {
		log.Infof("Config file: %s", c.ConfigFile)
	}
	for _, f := range c.ToFlags() {
		log.Debugf("Config flag: %s", f)
	}
}

// load decodes the file at path into c. The format is chosen by the file
// extension. Keys that match no field are an error.
func (c *Config) load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		md, err := toml.Decode(string(data), c)
		if err != nil {
			return fmt.Errorf("parsing %s: %v: %w", path, err, kerr.EINVAL)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("parsing %s: unknown keys %v: %w", path, undecoded, kerr.EINVAL)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil {
			return fmt.Errorf("parsing %s: %v: %w", path, err, kerr.EINVAL)
		}
	default:
		return fmt.Errorf("config file %s: unknown format %q, want .toml, .yaml or .yml: %w", path, ext, kerr.EINVAL)
	}
	return nil
}

// TunableMap holds tunable assignments. As a flag it accepts name=value,
// either repeated or comma separated.
type TunableMap map[string]int64

// String implements flag.Value.String.
func (m *TunableMap) String() string {
	if m == nil || len(*m) == 0 {
		return ""
	}
	names := make([]string, 0, len(*m))
	for name := range *m {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", name, (*m)[name]))
	}
	return strings.Join(parts, ",")
}

// Get implements flag.Getter.Get.
func (m *TunableMap) Get() any {
	out := make(TunableMap, len(*m))
	for name, v := range *m {
		out[name] = v
	}
	return out
}

// Set implements flag.Value.Set.
func (m *TunableMap) Set(s string) error {
	if *m == nil {
		*m = make(TunableMap)
	}
	for _, a := range strings.Split(s, ",") {
		name, value, ok := strings.Cut(a, "=")
		if !ok {
			return fmt.Errorf("invalid tunable %q, want name=value", a)
		}
		v, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid tunable %q: %v", a, err)
		}
		(*m)[strings.TrimSpace(name)] = v
	}
	return nil
}
