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
	"sync"
	"sync/atomic"
	"time"
)

// dispatchTable maps hook info addresses to hooks. It is package-level
// because trampolines enter Go through a single exported function.
var dispatchTable sync.Map // uintptr -> *Hook

var nextHookID atomic.Uint64

func lookupHook(info uintptr) (*Hook, bool) {
	h, ok := dispatchTable.Load(info)
	if !ok {
		return nil, false
	}
	return h.(*Hook), true
}

// registry tracks the hooks of one engine by target descriptor.
type registry struct {
	mu      sync.Mutex
	active  map[uintptr]*Hook
	retired []*Hook
}

func (r *registry) get(target uintptr) (*Hook, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.active[target]
	return h, ok
}

func (r *registry) add(h *Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		r.active = make(map[uintptr]*Hook)
	}
	r.active[h.target] = h
	dispatchTable.Store(h.info.EntryPoint(), h)
}

// drop forgets a hook whose descriptor was never switched over.
func (r *registry) drop(h *Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, h.target)
	dispatchTable.Delete(h.info.EntryPoint())
}

// retire moves a hook out of the active set. It stays dispatchable until
// reclaimed, since threads may still run inside its trampoline.
func (r *registry) retire(h *Hook, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, h.target)
	h.retiredAt = now
	r.retired = append(r.retired, h)
}

// quiescent removes and returns retired hooks with no dispatch in flight
// that were retired at least grace ago.
func (r *registry) quiescent(now time.Time, grace time.Duration) []*Hook {
	r.mu.Lock()
	defer r.mu.Unlock()

	var done []*Hook
	kept := r.retired[:0]
	for _, h := range r.retired {
		if h.active.Load() == 0 && now.Sub(h.retiredAt) >= grace {
			dispatchTable.Delete(h.info.EntryPoint())
			done = append(done, h)
			continue
		}
		kept = append(kept, h)
	}
	r.retired = kept
	return done
}

func (r *registry) list() []*Hook {
	r.mu.Lock()
	defer r.mu.Unlock()
	hooks := make([]*Hook, 0, len(r.active))
	for _, h := range r.active {
		hooks = append(hooks, h)
	}
	return hooks
}

// keyedMutex serializes work per descriptor address.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uintptr]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key uintptr) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[uintptr]*keyedEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
