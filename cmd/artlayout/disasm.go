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
	"strconv"

	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/qrdl/arthook"
)

type disasmCmd struct {
	pid   int
	count int
}

func newDisasmCmd() *ffcli.Command {
	cmd := disasmCmd{}
	set := flag.NewFlagSet("disasm", flag.ExitOnError)
	set.IntVar(&cmd.pid, "pid", 0, "Process to read from (required)")
	set.IntVar(&cmd.count, "n", 16, "Number of instructions")
	return &ffcli.Command{
		Name:       "disasm",
		ShortUsage: "disasm -pid <pid> [flags] <address>",
		ShortHelp:  "Disassemble A64 code of a process, e.g. an installed trampoline",
		FlagSet:    set,
		Exec:       cmd.exec,
	}
}

func (cmd *disasmCmd) exec(_ context.Context, args []string) error {
	if cmd.pid == 0 || len(args) != 1 {
		return flag.ErrHelp
	}
	addr, err := strconv.ParseUint(args[0], 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", args[0], err)
	}
	code := make([]byte, 4*cmd.count)
	if _, err := (arthook.ProcessMemory{Pid: cmd.pid}).ReadAt(code, int64(addr)); err != nil {
		return err
	}
	for _, line := range arthook.Disassemble(code, uintptr(addr)) {
		fmt.Println(line)
	}
	return nil
}
