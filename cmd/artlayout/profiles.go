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
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"
	"gopkg.in/yaml.v3"

	"github.com/qrdl/arthook"
)

type profilesCmd struct {
	file string
}

func newProfilesCmd() *ffcli.Command {
	cmd := profilesCmd{}
	set := flag.NewFlagSet("profiles", flag.ExitOnError)
	set.StringVar(&cmd.file, "file", "", "Load and validate this profile file instead of the built-in table")
	return &ffcli.Command{
		Name:       "profiles",
		ShortUsage: "profiles [flags]",
		ShortHelp:  "Print layout profiles as YAML",
		FlagSet:    set,
		Exec:       cmd.exec,
	}
}

func (cmd *profilesCmd) exec(context.Context, []string) error {
	table := arthook.DefaultProfiles()
	if cmd.file != "" {
		f, err := os.Open(cmd.file)
		if err != nil {
			return err
		}
		defer f.Close()
		if table, err = arthook.LoadProfiles(f); err != nil {
			return err
		}
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(table); err != nil {
		return err
	}
	return enc.Close()
}
