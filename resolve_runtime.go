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
)

// VMHandle anchors layout resolution. JavaVM is the embedding handle the
// runtime keeps a back-pointer to; Runtime is the runtime object itself.
type VMHandle struct {
	JavaVM  uintptr
	Runtime uintptr
}

// RuntimeOffsets are byte offsets of fields within the runtime object.
type RuntimeOffsets struct {
	ClassLinker int
	Heap        int
	InternTable int
	ThreadList  int
}

// ClassLinkerOffsets are byte offsets of trampoline fields within the class
// linker.
type ClassLinkerOffsets struct {
	ResolutionTrampoline        int
	GenericJNITrampoline        int
	InterpreterBridgeTrampoline int
}

// RuntimeFromVM reads the runtime pointer stored right after the function
// table of a JavaVM handle.
func RuntimeFromVM(mem Memory, javaVM uintptr, ptrSize int) (uintptr, error) {
	runtime, err := view{mem, ptrSize}.ptr(javaVM + uintptr(ptrSize))
	if err != nil {
		return 0, fmt.Errorf("reading runtime of JavaVM 0x%x: %w", javaVM, err)
	}
	if !plausiblePointer(runtime, ptrSize) {
		return 0, fmt.Errorf("%w: JavaVM 0x%x holds runtime 0x%x", ErrLayoutNotFound, javaVM, runtime)
	}
	return runtime, nil
}

// FindVMHandle searches the runtime's scan window for a JavaVM whose
// runtime field points back at the runtime.
func FindVMHandle(mem Memory, runtime uintptr, p Profile) (uintptr, error) {
	v := view{mem, p.PointerSize}
	for i := 0; i < p.RuntimeScanSlots; i++ {
		off := p.RuntimeScanStart + i*p.PointerSize
		candidate, err := v.ptr(runtime + uintptr(off))
		if err != nil {
			return 0, fmt.Errorf("%w: reading runtime+%d: %v", ErrLayoutNotFound, off, err)
		}
		if !plausiblePointer(candidate, p.PointerSize) {
			continue
		}
		back, err := v.ptr(candidate + uintptr(p.PointerSize))
		if err == nil && back == runtime {
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("%w: no JavaVM back-reference within runtime+[%d,%d)",
		ErrLayoutNotFound, p.RuntimeScanStart, p.RuntimeScanStart+p.RuntimeScanSlots*p.PointerSize)
}

func plausiblePointer(val uintptr, ptrSize int) bool {
	return val >= 0x1000 && val%uintptr(ptrSize) == 0
}

// verifyPointerField checks that base+off holds a readable, aligned pointer.
func verifyPointerField(v view, base uintptr, off int, what string) (uintptr, error) {
	val, err := v.ptr(base + uintptr(off))
	if err != nil {
		return 0, fmt.Errorf("%w: reading %s at +%d: %v", ErrLayoutNotFound, what, off, err)
	}
	if !plausiblePointer(val, v.ptrSize) {
		return 0, fmt.Errorf("%w: %s at +%d holds 0x%x", ErrLayoutNotFound, what, off, val)
	}
	if _, err := v.ptr(val); err != nil {
		return 0, fmt.Errorf("%w: %s 0x%x is not readable: %v", ErrLayoutNotFound, what, val, err)
	}
	return val, nil
}

// ResolveRuntime locates the runtime's java_vm_ field and derives the class
// linker, intern table, thread list and heap offsets from it. The class
// linker and intern table fields must hold readable pointers.
func ResolveRuntime(mem Memory, vm VMHandle, p Profile) (RuntimeOffsets, error) {
	v := view{mem, p.PointerSize}
	ptr := p.PointerSize

	anchor := -1
	for i := 0; i < p.RuntimeScanSlots; i++ {
		off := p.RuntimeScanStart + i*ptr
		val, err := v.ptr(vm.Runtime + uintptr(off))
		if err != nil {
			return RuntimeOffsets{}, fmt.Errorf("%w: reading runtime+%d: %v", ErrLayoutNotFound, off, err)
		}
		if val == vm.JavaVM {
			anchor = off
			break
		}
	}
	if anchor < 0 {
		return RuntimeOffsets{}, fmt.Errorf("%w: JavaVM 0x%x not referenced within runtime+[%d,%d)",
			ErrLayoutNotFound, vm.JavaVM, p.RuntimeScanStart, p.RuntimeScanStart+p.RuntimeScanSlots*ptr)
	}

	// class_linker_, signal_catcher_ and stack_trace_file_ precede java_vm_.
	ro := RuntimeOffsets{ClassLinker: anchor - p.StdStringSize - 2*ptr}
	ro.InternTable = ro.ClassLinker - ptr
	ro.ThreadList = ro.InternTable - ptr
	ro.Heap = ro.ThreadList - p.HeapBackSlots*ptr
	if ro.Heap < 0 {
		return RuntimeOffsets{}, fmt.Errorf("%w: java_vm_ at +%d leaves no room for heap_", ErrLayoutNotFound, anchor)
	}

	if _, err := verifyPointerField(v, vm.Runtime, ro.ClassLinker, "class linker"); err != nil {
		return RuntimeOffsets{}, err
	}
	if _, err := verifyPointerField(v, vm.Runtime, ro.InternTable, "intern table"); err != nil {
		return RuntimeOffsets{}, err
	}
	return ro, nil
}

// ResolveClassLinker finds the intern table pointer inside the class linker
// and returns the trampoline field offsets that follow it.
func ResolveClassLinker(mem Memory, runtime uintptr, ro RuntimeOffsets, p Profile) (ClassLinkerOffsets, error) {
	v := view{mem, p.PointerSize}
	ptr := p.PointerSize

	classLinker, err := verifyPointerField(v, runtime, ro.ClassLinker, "class linker")
	if err != nil {
		return ClassLinkerOffsets{}, err
	}
	internTable, err := verifyPointerField(v, runtime, ro.InternTable, "intern table")
	if err != nil {
		return ClassLinkerOffsets{}, err
	}

	for i := 0; i < p.ClassLinkerScanSlots; i++ {
		off := p.ClassLinkerScanStart + i*ptr
		val, err := v.ptr(classLinker + uintptr(off))
		if err != nil {
			return ClassLinkerOffsets{}, fmt.Errorf("%w: reading class linker+%d: %v", ErrLayoutNotFound, off, err)
		}
		if val == internTable {
			return ClassLinkerOffsets{
				ResolutionTrampoline:        off + p.ResolutionSlot*ptr,
				GenericJNITrampoline:        off + p.GenericJNISlot*ptr,
				InterpreterBridgeTrampoline: off + p.InterpreterBridgeSlot*ptr,
			}, nil
		}
	}
	return ClassLinkerOffsets{}, fmt.Errorf("%w: intern table 0x%x not referenced within class linker+[%d,%d)",
		ErrLayoutNotFound, internTable, p.ClassLinkerScanStart, p.ClassLinkerScanStart+p.ClassLinkerScanSlots*ptr)
}
