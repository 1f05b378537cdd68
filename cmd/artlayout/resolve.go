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
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/qrdl/arthook"
)

// runtimeInstanceSymbol is art::Runtime::instance_.
const runtimeInstanceSymbol = "_ZN3art7Runtime9instance_E"

type resolveCmd struct {
	api      int
	ptrSize  int
	profiles string
	runtime  string
	jobs     int
}

type inspectResult struct {
	pid         int
	vm          arthook.VMHandle
	runtime     arthook.RuntimeOffsets
	classLinker arthook.ClassLinkerOffsets
}

func newResolveCmd() *ffcli.Command {
	cmd := resolveCmd{}
	set := flag.NewFlagSet("resolve", flag.ExitOnError)
	set.IntVar(&cmd.api, "api", 0, "API level of the device (required)")
	set.IntVar(&cmd.ptrSize, "ptr", 8, "Pointer size of the target processes")
	set.StringVar(&cmd.profiles, "profiles", "", "YAML file with layout profile overrides")
	set.StringVar(&cmd.runtime, "runtime", "",
		"Runtime object address, if art::Runtime::instance_ cannot be resolved")
	set.IntVar(&cmd.jobs, "jobs", 4, "Number of processes inspected concurrently")
	return &ffcli.Command{
		Name:       "resolve",
		ShortUsage: "resolve -api <level> [flags] <pid>...",
		ShortHelp:  "Resolve runtime and class linker offsets of running VMs",
		FlagSet:    set,
		Exec:       cmd.exec,
	}
}

func (cmd *resolveCmd) profile() (arthook.Profile, error) {
	table := arthook.DefaultProfiles()
	if cmd.profiles != "" {
		f, err := os.Open(cmd.profiles)
		if err != nil {
			return arthook.Profile{}, err
		}
		defer f.Close()
		if table, err = arthook.LoadProfiles(f); err != nil {
			return arthook.Profile{}, err
		}
	}
	return table.Lookup(arthook.Build{APILevel: cmd.api, PointerSize: cmd.ptrSize})
}

func (cmd *resolveCmd) exec(ctx context.Context, args []string) error {
	if cmd.api == 0 || len(args) == 0 {
		return flag.ErrHelp
	}
	p, err := cmd.profile()
	if err != nil {
		return err
	}
	log.Debugf("Using profile %s", p.Name)

	var runtime uintptr
	if cmd.runtime != "" {
		v, err := strconv.ParseUint(cmd.runtime, 0, 64)
		if err != nil {
			return fmt.Errorf("invalid runtime address %q: %w", cmd.runtime, err)
		}
		runtime = uintptr(v)
	}

	pids := make([]int, len(args))
	for i, arg := range args {
		if pids[i], err = strconv.Atoi(arg); err != nil {
			return fmt.Errorf("invalid pid %q", arg)
		}
	}

	results := make([]*inspectResult, len(pids))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(cmd.jobs)
	for i, pid := range pids {
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			res, err := inspect(pid, runtime, p)
			if err != nil {
				return fmt.Errorf("pid %d: %w", pid, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PID\tRUNTIME\tJAVAVM\tCLASS_LINKER\tINTERN_TABLE\tTHREAD_LIST\tHEAP\tGENERIC_JNI\tINTERP_BRIDGE")
	for _, r := range results {
		fmt.Fprintf(w, "%d\t%#x\t%#x\t%d\t%d\t%d\t%d\t%d\t%d\n", r.pid, r.vm.Runtime, r.vm.JavaVM,
			r.runtime.ClassLinker, r.runtime.InternTable, r.runtime.ThreadList, r.runtime.Heap,
			r.classLinker.GenericJNITrampoline, r.classLinker.InterpreterBridgeTrampoline)
	}
	return w.Flush()
}

func inspect(pid int, runtime uintptr, p arthook.Profile) (*inspectResult, error) {
	mem := arthook.ProcessMemory{Pid: pid}
	if runtime == 0 {
		mappings, err := arthook.ReadMappings(pid)
		if err != nil {
			return nil, err
		}
		instance, err := arthook.ELFSymbols{Mappings: mappings}.Resolve(p.RuntimeModule, runtimeInstanceSymbol)
		if err != nil {
			return nil, err
		}
		if runtime, err = readPtr(mem, instance, p.PointerSize); err != nil {
			return nil, fmt.Errorf("reading %s: %w", runtimeInstanceSymbol, err)
		}
		if runtime == 0 {
			return nil, errors.New("runtime is not initialized")
		}
	}

	javaVM, err := arthook.FindVMHandle(mem, runtime, p)
	if err != nil {
		return nil, err
	}
	res := &inspectResult{pid: pid, vm: arthook.VMHandle{JavaVM: javaVM, Runtime: runtime}}
	if res.runtime, err = arthook.ResolveRuntime(mem, res.vm, p); err != nil {
		return nil, err
	}
	if res.classLinker, err = arthook.ResolveClassLinker(mem, runtime, res.runtime, p); err != nil {
		return nil, err
	}
	return res, nil
}

func readPtr(mem arthook.Memory, addr uintptr, size int) (uintptr, error) {
	var buf [8]byte
	if _, err := mem.ReadAt(buf[:size], int64(addr)); err != nil {
		return 0, err
	}
	if size == 4 {
		return uintptr(binary.LittleEndian.Uint32(buf[:4])), nil
	}
	return uintptr(binary.LittleEndian.Uint64(buf[:])), nil
}
