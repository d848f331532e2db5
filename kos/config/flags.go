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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"
	"time"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	// Machine.
	flagSet.Int("cpus", 4, "number of simulated CPUs.")
	flagSet.Uint64("memory-pages", 16384, "number of physical page frames.")
	flagSet.Uint64("dma-pages", 4096, "number of frames, from frame 0, in the DMA zone.")
	flagSet.Uint64("highmem-pages", 0, "number of frames, at the top of memory, in the HighMem zone.")
	flagSet.Uint64("stack-size", 128<<10, "stack size of new processes, in bytes.")

	// Scheduler.
	flagSet.Duration("tick", time.Millisecond, "simulated time per scheduler tick.")
	flagSet.Duration("tick-interval", 0, "real time between ticks when running in real time. Zero means --tick.")
	flagSet.Int("storm-threshold", 1000, "interrupts per tick reported as an interrupt storm.")
	flagSet.Var(new(TunableMap), "tunable", "initial tunable value as name=value; may be repeated or comma separated.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging and panic on detected corruption.")
	flagSet.String("log", "", "file path where logs are appended, default is stderr.")
	flagSet.String("log-format", "text", "log format: text (default), json, json-k8s, or logrus.")

	flagSet.String("config", "", "TOML or YAML file with configuration. Flags given explicitly override it.")
}

// NewFromFlags creates a new Config with values coming from command line flags
// and the file named by --config.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	if err := conf.setFromFlags(flagSet, nil); err != nil {
		return nil, err
	}

	if conf.ConfigFile != "" {
		if err := conf.load(conf.ConfigFile); err != nil {
			return nil, err
		}
		explicit := make(map[string]bool)
		flagSet.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
		if err := conf.setFromFlags(flagSet, explicit); err != nil {
			return nil, err
		}
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// setFromFlags copies flag values into the fields tagged with their names. If
// only is non-nil, just the flags it names are copied, and tunables are
// merged into the existing map instead of replacing it.
func (c *Config) setFromFlags(flagSet *flag.FlagSet, only map[string]bool) error {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		if only != nil && !only[name] {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		getter, ok := fl.Value.(flag.Getter)
		if !ok {
			return fmt.Errorf("flag %q has no getter", name)
		}
		v := getter.Get()
		if m, ok := v.(TunableMap); ok && only != nil {
			if c.Tunables == nil {
				c.Tunables = make(TunableMap)
			}
			for k, v := range m {
				c.Tunables[k] = v
			}
			continue
		}
		obj.Field(i).Set(reflect.ValueOf(v))
	}
	return nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		flag := flagSet.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
