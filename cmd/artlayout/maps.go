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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/qrdl/arthook"
)

type mapsCmd struct {
	pid    int
	module string
	all    bool
}

func newMapsCmd() *ffcli.Command {
	cmd := mapsCmd{}
	set := flag.NewFlagSet("maps", flag.ExitOnError)
	set.IntVar(&cmd.pid, "pid", 0, "Process to inspect (0 for self)")
	set.StringVar(&cmd.module, "module", "", "Only print the executable range of this module")
	set.BoolVar(&cmd.all, "all", false, "Include non-executable mappings")
	return &ffcli.Command{
		Name:       "maps",
		ShortUsage: "maps [flags]",
		ShortHelp:  "List the mappings of a process",
		FlagSet:    set,
		Exec:       cmd.exec,
	}
}

func (cmd *mapsCmd) exec(context.Context, []string) error {
	mappings, err := arthook.ReadMappings(cmd.pid)
	if err != nil {
		return err
	}
	if cmd.module != "" {
		r, err := arthook.ModuleRange(mappings, cmd.module)
		if err != nil {
			return err
		}
		fmt.Printf("%#x-%#x %s\n", r.Start, r.End, cmd.module)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for i := range mappings {
		m := &mappings[i]
		if !cmd.all && !m.IsExecutable() {
			continue
		}
		fmt.Fprintf(w, "%#x-%#x\t%s\t%#x\t%s\n", m.Start, m.End, m.Perms, m.FileOffset, m.Path)
	}
	return w.Flush()
}
