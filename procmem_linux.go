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

package arthook

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ProcessMemory accesses the memory of another process through
// process_vm_readv and process_vm_writev. It is used by tooling that
// inspects a running VM from outside.
type ProcessMemory struct {
	Pid int
}

func (pm ProcessMemory) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	local := []unix.Iovec{{Base: &p[0]}}
	local[0].SetLen(len(p))
	remote := []unix.RemoteIovec{{Base: uintptr(off), Len: len(p)}}
	n, err := unix.ProcessVMReadv(pm.Pid, local, remote, 0)
	if err != nil {
		err = fmt.Errorf("failed to read PID %v at 0x%x: %w", pm.Pid, off, err)
	} else if n != len(p) {
		err = fmt.Errorf("failed to read PID %v at 0x%x: got only %d of %d", pm.Pid, off, n, len(p))
	}
	return n, err
}

func (pm ProcessMemory) WriteAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	local := []unix.Iovec{{Base: &p[0]}}
	local[0].SetLen(len(p))
	remote := []unix.RemoteIovec{{Base: uintptr(off), Len: len(p)}}
	n, err := unix.ProcessVMWritev(pm.Pid, local, remote, 0)
	if err != nil {
		err = fmt.Errorf("failed to write PID %v at 0x%x: %w", pm.Pid, off, err)
	} else if n != len(p) {
		err = fmt.Errorf("failed to write PID %v at 0x%x: wrote only %d of %d", pm.Pid, off, n, len(p))
	}
	return n, err
}
