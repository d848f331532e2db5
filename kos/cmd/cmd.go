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

// Package cmd holds implementations of the kos commands.
package cmd

import (
	"fmt"
	"os"

	"kos.dev/kos/kos/config"
	"kos.dev/kos/pkg/log"
)

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	s := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", s)
	fmt.Fprintf(os.Stderr, "kos: %s\n", s)
	os.Exit(128)
}

// configFromArgs returns the Config passed to Execute by the command line
// entry point.
func configFromArgs(args []any) *config.Config {
	if len(args) == 0 {
		Fatalf("no configuration passed to command")
	}
	conf, ok := args[0].(*config.Config)
	if !ok {
		Fatalf("unexpected command argument %T", args[0])
	}
	return conf
}
