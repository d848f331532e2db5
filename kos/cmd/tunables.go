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

package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"kos.dev/kos/pkg/sentry/kernel/tunable"
)

// Tunables implements subcommands.Command for the "tunables" command.
type Tunables struct {
	quiet bool
}

// Name implements subcommands.Command.Name.
func (*Tunables) Name() string {
	return "tunables"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Tunables) Synopsis() string {
	return "list runtime tunables and validate assignments"
}

// Usage implements subcommands.Command.Usage.
func (*Tunables) Usage() string {
	return `tunables [flags] [name=value...] - applies the assignments, in order, on top
of the values from --tunable and --config, then lists every tunable. Fails if
an assignment is out of range or names an unknown tunable.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (t *Tunables) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&t.quiet, "q", false, "only validate, do not list.")
}

// Execute implements subcommands.Command.Execute.
func (t *Tunables) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := configFromArgs(args)
	reg, err := conf.Registry()
	if err != nil {
		Fatalf("%v", err)
	}
	if err := applyTunables(reg, f.Args()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	if t.quiet {
		return subcommands.ExitSuccess
	}
	if err := writeTunables(os.Stdout, reg); err != nil {
		Fatalf("writing tunables: %v", err)
	}
	return subcommands.ExitSuccess
}

// applyTunables applies each name=value assignment to reg and returns every
// failure.
func applyTunables(reg *tunable.Registry, assignments []string) error {
	var errs []error
	for _, a := range assignments {
		if err := reg.Apply(a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// writeTunables prints every tunable in reg as a table.
func writeTunables(w io.Writer, reg *tunable.Registry) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVALUE\tDEFAULT\tRANGE\tDESCRIPTION")
	for _, i := range reg.All() {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", i.Name, i.Value, i.Default, i.Range(), i.Doc)
	}
	return tw.Flush()
}
