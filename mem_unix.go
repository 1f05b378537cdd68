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

//go:build unix

package arthook

import (
	"encoding/binary"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// LocalMemory accesses the address space of the current process. Aligned
// 4- and 8-byte writes are single atomic stores, so a concurrently running
// VM thread never observes a torn entry point.
type LocalMemory struct{}

var fenceWord atomic.Uint64

// ReadAt copies from an absolute address. A fault on an unmapped or
// unreadable address is returned as an error wrapping unix.EFAULT.
func (LocalMemory) ReadAt(p []byte, off int64) (n int, err error) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer recoverFault(off, &err)

	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(off))), len(p))
	return copy(p, src), nil
}

func (LocalMemory) WriteAt(p []byte, off int64) (n int, err error) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer recoverFault(off, &err)

	addr := uintptr(off)
	switch {
	case len(p) == 8 && addr%8 == 0:
		atomic.StoreUint64((*uint64)(unsafe.Pointer(addr)), binary.LittleEndian.Uint64(p))
	case len(p) == 4 && addr%4 == 0:
		atomic.StoreUint32((*uint32)(unsafe.Pointer(addr)), binary.LittleEndian.Uint32(p))
	default:
		copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(p)), p)
	}
	return len(p), nil
}

func recoverFault(off int64, err *error) {
	r := recover()
	if r == nil {
		return
	}
	if _, ok := r.(interface{ Addr() uintptr }); !ok {
		panic(r)
	}
	*err = fmt.Errorf("access at 0x%x: %w (%v)", off, unix.EFAULT, r)
}

// Fence issues a full barrier. Go atomics are sequentially consistent, so a
// read-modify-write on a private word orders every preceding store.
func (LocalMemory) Fence() {
	fenceWord.Add(1)
}

// Unprotect makes the pages spanning [addr, addr+size) writable, keeping
// them readable and executable.
func (LocalMemory) Unprotect(addr uintptr, size int) error {
	start, sz := calcBoundaries(unsafe.Pointer(addr), size)

	page := unsafe.Slice((*uint8)(start), sz)
	return unix.Mprotect(page, unix.PROT_WRITE|unix.PROT_READ|unix.PROT_EXEC)
}

func calcBoundaries(ptr unsafe.Pointer, size int) (unsafe.Pointer, uintptr) {
	pageSize := uintptr(os.Getpagesize())
	areaStart := unsafe.Pointer(uintptr(ptr) &^ (pageSize - 1))
	areaSize := (uintptr(ptr) + uintptr(size)) - uintptr(areaStart)

	return areaStart, areaSize
}

// MmapPages maps anonymous read-write-execute pages for the arena.
type MmapPages struct {
	mu   sync.Mutex
	maps map[uintptr][]byte
}

func (m *MmapPages) MapPages(size int) (uintptr, error) {
	buf, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, err
	}
	addr := uintptr(unsafe.Pointer(&buf[0]))

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maps == nil {
		m.maps = make(map[uintptr][]byte)
	}
	m.maps[addr] = buf
	return addr, nil
}

func (m *MmapPages) UnmapPages(addr uintptr, _ int) error {
	m.mu.Lock()
	buf, ok := m.maps[addr]
	delete(m.maps, addr)
	m.mu.Unlock()

	if !ok {
		return unix.EINVAL
	}
	return unix.Munmap(buf)
}

// FlushCache invalidates the instruction cache for freshly written code.
func (m *MmapPages) FlushCache(addr uintptr, size int) {
	flushInstructionCache(addr, size)
}
