// This file is part of Arthook project, available at https://github.com/qrdl/arthook
// Copyright (c) 2024 Ilya Caramishev. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at https://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux

// artlayout inspects the memory layout of running Android VMs. It resolves
// the runtime and class linker offsets the hook engine depends on without
// modifying the target process.
package main

import (
	"context"
	"errors"
	"flag"
	"os"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"
)

func main() {
	log.SetReportCaller(false)
	log.SetFormatter(&log.TextFormatter{})

	var verbose bool
	set := flag.NewFlagSet("artlayout", flag.ExitOnError)
	set.BoolVar(&verbose, "v", false, "Enable debug logging")

	root := ffcli.Command{
		Name:       "artlayout",
		ShortUsage: "artlayout [-v] <subcommand> [flags]",
		ShortHelp:  "Inspect Android VM memory layouts",
		FlagSet:    set,
		Options:    []ff.Option{ff.WithEnvVarPrefix("ARTLAYOUT")},
		Subcommands: []*ffcli.Command{
			newMapsCmd(),
			newResolveCmd(),
			newProfilesCmd(),
			newDisasmCmd(),
		},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}

	if err := root.Parse(os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			log.Fatalf("%v", err)
		}
		return
	}
	if verbose {
		log.SetLevel(log.DebugLevel)
	}
	if err := root.Run(context.Background()); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			log.Fatalf("%v", err)
		}
	}
}
