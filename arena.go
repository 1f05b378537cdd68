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
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

const blockAlign = 16

// PageMapper provides page-granular executable mappings to an Arena.
type PageMapper interface {
	MapPages(size int) (uintptr, error)
	UnmapPages(addr uintptr, size int) error
}

type cacheFlusher interface {
	FlushCache(addr uintptr, size int)
}

// Arena carves blocks for trampolines, hook info records and descriptor
// backups out of read-write-execute pages. It is safe for concurrent use.
type Arena struct {
	mu       sync.Mutex
	mapper   PageMapper
	mem      Memory
	pageSize int
	pages    []*arenaPage
	cur      *arenaPage
}

type arenaPage struct {
	base uintptr
	size int
	used int
	live int
}

// Block is a piece of arena memory. It stays mapped until released.
type Block struct {
	page *arenaPage
	addr uintptr
	size int
}

// NewArena returns an arena mapping pages through mapper and writing code
// through mem, which must address the same memory.
func NewArena(mapper PageMapper, mem Memory, pageSize int) *Arena {
	return &Arena{mapper: mapper, mem: mem, pageSize: pageSize}
}

func roundUp(n, to int) int {
	return (n + to - 1) / to * to
}

// Allocate reserves size bytes, mapping fresh pages when the current page
// is exhausted.
func (a *Arena) Allocate(size int) (*Block, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid size %d", ErrAllocationFailed, size)
	}
	size = roundUp(size, blockAlign)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cur == nil || a.cur.used+size > a.cur.size {
		mapSize := roundUp(size, a.pageSize)
		base, err := a.mapper.MapPages(mapSize)
		if err != nil {
			return nil, fmt.Errorf("%w: mapping %d bytes: %v", ErrAllocationFailed, mapSize, err)
		}
		if old := a.cur; old != nil && old.live == 0 {
			if err := a.drop(old); err != nil {
				log.Warnf("Unable to unmap empty arena page %#x: %v", old.base, err)
			}
		}
		a.cur = &arenaPage{base: base, size: mapSize}
		a.pages = append(a.pages, a.cur)
	}

	b := &Block{page: a.cur, addr: a.cur.base + uintptr(a.cur.used), size: size}
	a.cur.used += size
	a.cur.live++
	return b, nil
}

// CopyIn writes code into the block and makes it visible to instruction
// fetch.
func (a *Arena) CopyIn(b *Block, code []byte) error {
	if len(code) > b.size {
		return fmt.Errorf("%d bytes do not fit into %d byte block", len(code), b.size)
	}
	if _, err := a.mem.WriteAt(code, int64(b.addr)); err != nil {
		return err
	}
	if f, ok := a.mapper.(cacheFlusher); ok {
		f.FlushCache(b.addr, len(code))
	}
	return nil
}

// EntryPoint returns the address of the first byte of the block.
func (b *Block) EntryPoint() uintptr {
	return b.addr
}

// Size returns the usable size of the block.
func (b *Block) Size() int {
	return b.size
}

// Contains reports whether addr falls into any page of the arena.
func (a *Arena) Contains(addr uintptr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range a.pages {
		if addr >= p.base && addr < p.base+uintptr(p.size) {
			return true
		}
	}
	return false
}

// Release returns the block to the arena. A page is unmapped once all of its
// blocks are released, except the allocation page, which is rewound for reuse.
func (a *Arena) Release(b *Block) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := b.page
	if p == nil {
		return nil
	}
	b.page = nil
	p.live--
	switch {
	case p.live > 0:
		return nil
	case p == a.cur:
		p.used = 0
		return nil
	}
	return a.drop(p)
}

// drop unmaps p and forgets it. Must be called with a.mu held.
func (a *Arena) drop(p *arenaPage) error {
	for i, q := range a.pages {
		if q == p {
			a.pages = append(a.pages[:i], a.pages[i+1:]...)
			break
		}
	}
	return a.mapper.UnmapPages(p.base, p.size)
}

// Mapped returns the number of bytes currently mapped by the arena.
func (a *Arena) Mapped() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	total := 0
	for _, p := range a.pages {
		total += p.size
	}
	return total
}
