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
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultReclaimGrace is how long a retired hook's memory is kept after its
// last observed dispatch.
const DefaultReclaimGrace = 5 * time.Second

// Config describes the VM process an Engine patches.
type Config struct {
	// Memory addresses the VM; Pages maps arena pages in the same space.
	Memory   Memory
	Pages    PageMapper
	PageSize int

	VM    VMHandle
	Build Build
	// Profiles defaults to DefaultProfiles.
	Profiles ProfileTable

	// Mappings lists the process mappings, used to locate the reference
	// module and, when Symbols is nil, exported runtime symbols.
	Mappings func() ([]Mapping, error)
	// ReferenceMethod returns the descriptor address of the profile's
	// reference native method.
	ReferenceMethod func(p Profile) (uintptr, error)
	Symbols         SymbolResolver

	// Dispatcher is the native entry point every trampoline calls.
	Dispatcher uintptr
	// Handler is used for hooks whose context carries no handler. With no
	// handler at all calls go to Invoker.
	Handler Handler
	Invoker Invoker
	// OnFailure observes contained handler failures.
	OnFailure func(h *Hook, err error)

	// UnprotectDescriptors makes descriptor pages writable before patching.
	UnprotectDescriptors bool
	ReclaimGrace         time.Duration
}

// Layout is the resolved memory layout of one VM process.
type Layout struct {
	Profile     Profile
	Runtime     RuntimeOffsets
	ClassLinker ClassLinkerOffsets
	Method      MethodDescriptorSpec

	// GenericJNITrampoline is the VM's stub for calling native code.
	GenericJNITrampoline uintptr
	// InterpreterBridge is the interpreter-to-compiled-code bridge; zero
	// when the profile has no interpreter entry point.
	InterpreterBridge uintptr
}

// Engine owns the resolved layout, the executable arena and the hooks of one
// VM process.
type Engine struct {
	cfg     Config
	profile Profile
	mem     view
	arena   *Arena
	gen     *TrampolineGenerator

	layoutMu sync.Mutex
	layout   *Layout

	locks keyedMutex
	hooks registry
}

// Hook is an installed interception of one method descriptor.
type Hook struct {
	id      uint64
	engine  *Engine
	target  uintptr
	ctx     context.Context
	handler Handler

	info, trampoline, backup *Block
	saved                    savedFields

	calls     atomic.Int64
	active    atomic.Int64
	failures  atomic.Int64
	retiredAt time.Time
}

type savedFields struct {
	flags              uint32
	jni, quick, interp uintptr
}

// Target returns the hooked descriptor address.
func (h *Hook) Target() uintptr { return h.target }

// Trampoline returns the trampoline entry point written into the descriptor.
func (h *Hook) Trampoline() uintptr { return h.trampoline.EntryPoint() }

// Info returns the address of the hook info block.
func (h *Hook) Info() uintptr { return h.info.EntryPoint() }

// Original returns the backup descriptor used to reach the original body.
func (h *Hook) Original() uintptr { return h.backup.EntryPoint() }

// Context returns the auxiliary context.
func (h *Hook) Context() context.Context { return h.ctx }

// Calls returns the number of intercepted calls.
func (h *Hook) Calls() int64 { return h.calls.Load() }

// Failures returns the number of calls whose handler failed.
func (h *Hook) Failures() int64 { return h.failures.Load() }

// New validates cfg and returns an engine. Layout resolution is deferred to
// the first Install or Layout call.
func New(cfg Config) (*Engine, error) {
	var err error
	switch {
	case cfg.Memory == nil:
		err = errors.New("no memory")
	case cfg.Pages == nil:
		err = errors.New("no page mapper")
	case cfg.Dispatcher == 0:
		err = errors.New("no dispatcher address")
	case cfg.Mappings == nil:
		err = errors.New("no mappings source")
	case cfg.ReferenceMethod == nil:
		err = errors.New("no reference method lookup")
	case cfg.VM.JavaVM == 0:
		err = errors.New("no JavaVM handle")
	}
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if cfg.Profiles == nil {
		cfg.Profiles = DefaultProfiles()
	}
	profile, err := cfg.Profiles.Lookup(cfg.Build)
	if err != nil {
		return nil, err
	}
	if err = profile.Validate(); err != nil {
		return nil, err
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = os.Getpagesize()
	}
	if cfg.ReclaimGrace <= 0 {
		cfg.ReclaimGrace = DefaultReclaimGrace
	}
	if err = SelfTest(); err != nil {
		return nil, err
	}
	if cfg.VM.Runtime == 0 {
		if cfg.VM.Runtime, err = RuntimeFromVM(cfg.Memory, cfg.VM.JavaVM, profile.PointerSize); err != nil {
			return nil, err
		}
	}

	arena := NewArena(cfg.Pages, cfg.Memory, cfg.PageSize)
	e := &Engine{
		cfg:     cfg,
		profile: profile,
		mem:     view{cfg.Memory, profile.PointerSize},
		arena:   arena,
		gen:     NewTrampolineGenerator(arena, cfg.Dispatcher),
	}
	log.Debugf("Using layout profile %s for %v", profile.Name, cfg.Build)
	return e, nil
}

// Profile returns the profile selected for the VM build.
func (e *Engine) Profile() Profile {
	return e.profile
}

// Layout resolves the VM layout on first use and returns the cached result
// afterwards. A failed resolution is not cached.
func (e *Engine) Layout() (*Layout, error) {
	e.layoutMu.Lock()
	defer e.layoutMu.Unlock()

	if e.layout != nil {
		return e.layout, nil
	}
	l, err := e.resolve()
	if err != nil {
		return nil, err
	}
	e.layout = l
	return l, nil
}

func (e *Engine) resolve() (*Layout, error) {
	p := e.profile
	vm := e.cfg.VM

	ro, err := ResolveRuntime(e.cfg.Memory, vm, p)
	if err != nil {
		return nil, fmt.Errorf("resolving runtime layout: %w", err)
	}
	co, err := ResolveClassLinker(e.cfg.Memory, vm.Runtime, ro, p)
	if err != nil {
		return nil, fmt.Errorf("resolving class linker layout: %w", err)
	}

	mappings, err := e.cfg.Mappings()
	if err != nil {
		return nil, fmt.Errorf("reading mappings: %w", err)
	}
	module, err := ModuleRange(mappings, p.ReferenceModule)
	if err != nil {
		return nil, err
	}
	reference, err := e.cfg.ReferenceMethod(p)
	if err != nil {
		return nil, fmt.Errorf("looking up %s.%s: %w", p.ReferenceClass, p.ReferenceMethod, err)
	}
	spec, err := ResolveMethod(e.cfg.Memory, reference, module, p)
	if err != nil {
		return nil, fmt.Errorf("resolving method layout: %w", err)
	}

	classLinker, err := e.mem.ptr(vm.Runtime + uintptr(ro.ClassLinker))
	if err != nil {
		return nil, err
	}
	genericJNI, err := e.mem.ptr(classLinker + uintptr(co.GenericJNITrampoline))
	if err != nil {
		return nil, fmt.Errorf("reading generic JNI trampoline: %w", err)
	}
	if genericJNI == 0 {
		return nil, fmt.Errorf("%w: generic JNI trampoline is null", ErrLayoutNotFound)
	}

	l := &Layout{
		Profile:              p,
		Runtime:              ro,
		ClassLinker:          co,
		Method:               spec,
		GenericJNITrampoline: genericJNI,
	}
	if p.InterpreterEntry {
		syms := e.cfg.Symbols
		if syms == nil {
			syms = ELFSymbols{Mappings: mappings}
		}
		if l.InterpreterBridge, err = syms.Resolve(p.RuntimeModule, p.InterpreterBridgeSymbol); err != nil {
			return nil, fmt.Errorf("resolving interpreter bridge: %w", err)
		}
	}

	log.WithFields(log.Fields{
		"profile":      p.Name,
		"class_linker": ro.ClassLinker,
		"intern_table": ro.InternTable,
		"thread_list":  ro.ThreadList,
		"heap":         ro.Heap,
		"generic_jni":  co.GenericJNITrampoline,
		"jni_code":     spec.JNICode,
		"quick_code":   spec.QuickCode,
		"access_flags": spec.AccessFlags,
	}).Info("Resolved VM layout")
	return l, nil
}

// Hooks returns the active hooks.
func (e *Engine) Hooks() []*Hook {
	return e.hooks.list()
}

// ReadMemory copies size bytes at addr out of the VM address space.
func (e *Engine) ReadMemory(addr uintptr, size int) ([]byte, error) {
	return e.mem.read(addr, size)
}

// WriteMemory copies data into the VM address space at addr.
func (e *Engine) WriteMemory(addr uintptr, data []byte) error {
	_, err := e.cfg.Memory.WriteAt(data, int64(addr))
	return err
}
