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

package arthook

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
)

// Memory gives access to the address space holding the VM structures.
// Offsets passed to ReadAt/WriteAt are absolute addresses.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// fencer is implemented by memories that need an explicit barrier to publish
// descriptor writes to other threads.
type fencer interface {
	Fence()
}

// view reads and writes native-sized values through a Memory.
type view struct {
	mem     Memory
	ptrSize int
}

func (v view) read(addr uintptr, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := v.mem.ReadAt(buf, int64(addr)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (v view) ptr(addr uintptr) (uintptr, error) {
	var buf [8]byte
	if _, err := v.mem.ReadAt(buf[:v.ptrSize], int64(addr)); err != nil {
		return 0, err
	}
	if v.ptrSize == 4 {
		return uintptr(binary.LittleEndian.Uint32(buf[:4])), nil
	}
	return uintptr(binary.LittleEndian.Uint64(buf[:])), nil
}

func (v view) uint32(addr uintptr) (uint32, error) {
	var buf [4]byte
	if _, err := v.mem.ReadAt(buf[:], int64(addr)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (v view) putPtr(addr, val uintptr) error {
	var buf [8]byte
	if v.ptrSize == 4 {
		binary.LittleEndian.PutUint32(buf[:4], uint32(val))
	} else {
		binary.LittleEndian.PutUint64(buf[:], uint64(val))
	}
	_, err := v.mem.WriteAt(buf[:v.ptrSize], int64(addr))
	return err
}

func (v view) putUint32(addr uintptr, val uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	_, err := v.mem.WriteAt(buf[:], int64(addr))
	return err
}

func (v view) fence() {
	if f, ok := v.mem.(fencer); ok {
		f.Fence()
	}
}

// Image is a sparse synthetic address space. It stands in for VM memory when
// inspecting dumps and in tests, and can hand out arena pages.
type Image struct {
	// MapBase is the address the next MapPages call maps at.
	MapBase uintptr

	mu      sync.Mutex
	regions []imageRegion
	reads   atomic.Int64
	writes  atomic.Int64
}

type imageRegion struct {
	base uintptr
	data []byte
}

// NewImage returns an empty image that maps arena pages from mapBase upwards.
func NewImage(mapBase uintptr) *Image {
	return &Image{MapBase: mapBase}
}

// Map adds a zeroed region at base and returns its backing slice.
func (im *Image) Map(base uintptr, size int) []byte {
	im.mu.Lock()
	defer im.mu.Unlock()

	data := make([]byte, size)
	im.regions = append(im.regions, imageRegion{base: base, data: data})
	sort.Slice(im.regions, func(i, j int) bool { return im.regions[i].base < im.regions[j].base })
	return data
}

// Reads returns the number of ReadAt calls served so far.
func (im *Image) Reads() int64 {
	return im.reads.Load()
}

// Writes returns the number of WriteAt calls served so far.
func (im *Image) Writes() int64 {
	return im.writes.Load()
}

func (im *Image) lookup(addr uintptr, n int) ([]byte, error) {
	im.mu.Lock()
	defer im.mu.Unlock()

	for _, r := range im.regions {
		if addr >= r.base && addr+uintptr(n) <= r.base+uintptr(len(r.data)) {
			start := addr - r.base
			return r.data[start : start+uintptr(n)], nil
		}
	}
	return nil, fmt.Errorf("address 0x%x+%d is not mapped", addr, n)
}

func (im *Image) ReadAt(p []byte, off int64) (int, error) {
	im.reads.Add(1)
	buf, err := im.lookup(uintptr(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, buf), nil
}

func (im *Image) WriteAt(p []byte, off int64) (int, error) {
	im.writes.Add(1)
	buf, err := im.lookup(uintptr(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(buf, p), nil
}

// MapPages implements PageMapper by mapping a fresh region at MapBase.
func (im *Image) MapPages(size int) (uintptr, error) {
	im.mu.Lock()
	base := im.MapBase
	im.MapBase += uintptr(size)
	im.mu.Unlock()

	im.Map(base, size)
	return base, nil
}

// UnmapPages implements PageMapper.
func (im *Image) UnmapPages(addr uintptr, size int) error {
	im.mu.Lock()
	defer im.mu.Unlock()

	for i, r := range im.regions {
		if r.base == addr && len(r.data) == size {
			im.regions = append(im.regions[:i], im.regions[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no mapping of %d bytes at 0x%x", size, addr)
}
