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
	"testing"

	"github.com/stretchr/testify/require"
)

// Addresses of the synthetic VM image used by the engine tests.
const (
	fakeRuntime     = 0x10000
	fakeJavaVM      = 0x20000
	fakeClassLinker = 0x30000
	fakeInternTable = 0x40000
	fakeGenericJNI  = 0x50000
	fakeBridge      = 0x58000
	fakeCompiled    = 0x60000
	fakeModule      = 0x80000
	fakeReference   = 0xa0000
	fakeMethods     = 0xb0000
	fakeDispatcher  = 0x100000
	fakeArena       = 0x200000

	fakeAnchorSlot = 10
	fakeInternSlot = 5
	methodStride   = 0x100
)

// fakeVM lays out a runtime, class linker and reference method the way the
// profile for build expects them.
type fakeVM struct {
	img     *Image
	build   Build
	profile Profile
	v       view

	symbolCalls int
}

func newFakeVM(t *testing.T, b Build) *fakeVM {
	t.Helper()
	p, err := DefaultProfiles().Lookup(b)
	require.NoError(t, err)

	img := NewImage(fakeArena)
	fv := &fakeVM{img: img, build: b, profile: p, v: view{img, p.PointerSize}}
	for _, base := range []uintptr{fakeRuntime, fakeClassLinker, fakeMethods} {
		fv.img.Map(base, 0x1000)
	}
	for _, base := range []uintptr{fakeJavaVM, fakeInternTable, fakeGenericJNI, fakeReference} {
		fv.img.Map(base, 0x100)
	}

	ptr := p.PointerSize
	anchor := p.RuntimeScanStart + fakeAnchorSlot*ptr
	classLinker := anchor - p.StdStringSize - 2*ptr
	fv.put(t, fakeJavaVM+uintptr(ptr), fakeRuntime)
	fv.put(t, fakeRuntime+uintptr(anchor), fakeJavaVM)
	fv.put(t, fakeRuntime+uintptr(classLinker), fakeClassLinker)
	fv.put(t, fakeRuntime+uintptr(classLinker-ptr), fakeInternTable)

	internOff := p.ClassLinkerScanStart + fakeInternSlot*ptr
	fv.put(t, fakeClassLinker+uintptr(internOff), fakeInternTable)
	fv.put(t, fakeClassLinker+uintptr(internOff+p.GenericJNISlot*ptr), fakeGenericJNI)

	k := p.Known
	fv.put(t, fakeReference+uintptr(k.JNICode), fakeModule+0x1234)
	require.NoError(t, fv.v.putUint32(fakeReference+uintptr(k.AccessFlags), p.ReferenceFlags))
	return fv
}

func (fv *fakeVM) put(t *testing.T, addr, val uintptr) {
	t.Helper()
	require.NoError(t, fv.v.putPtr(addr, val))
}

// method writes the i-th target descriptor and returns its address.
func (fv *fakeVM) method(t *testing.T, i int, flags uint32) uintptr {
	t.Helper()
	k := fv.profile.Known
	addr := uintptr(fakeMethods + i*methodStride)
	require.NoError(t, fv.v.putUint32(addr+uintptr(k.AccessFlags), flags))
	fv.put(t, addr+uintptr(k.JNICode), 0)
	fv.put(t, addr+uintptr(k.QuickCode), fakeCompiled+uintptr(i)*0x40)
	if fv.profile.InterpreterEntry {
		fv.put(t, addr+uintptr(k.JNICode-fv.profile.EntryPointSize), fakeCompiled+0x8000)
	}
	return addr
}

func (fv *fakeVM) snapshot(t *testing.T, addr uintptr) []byte {
	t.Helper()
	buf, err := fv.v.read(addr, methodStride)
	require.NoError(t, err)
	return buf
}

// ptrIn decodes the pointer at off of a descriptor snapshot.
func (fv *fakeVM) ptrIn(buf []byte, off int) uintptr {
	if fv.profile.PointerSize == 4 {
		return uintptr(binary.LittleEndian.Uint32(buf[off:]))
	}
	return uintptr(binary.LittleEndian.Uint64(buf[off:]))
}

func (fv *fakeVM) mappings() []Mapping {
	return []Mapping{
		{AddressRange: AddressRange{Start: fakeModule - 0x1000, End: fakeModule}, Perms: "r--p",
			Path: fv.profile.ReferenceModule},
		{AddressRange: AddressRange{Start: fakeModule, End: fakeModule + 0x10000}, Perms: "r-xp",
			FileOffset: 0x1000, Path: fv.profile.ReferenceModule},
	}
}

func (fv *fakeVM) Resolve(module, symbol string) (uintptr, error) {
	fv.symbolCalls++
	return fakeBridge, nil
}

func (fv *fakeVM) vm() VMHandle {
	return VMHandle{JavaVM: fakeJavaVM, Runtime: fakeRuntime}
}

func (fv *fakeVM) config() Config {
	return Config{
		Memory:          fv.img,
		Pages:           fv.img,
		PageSize:        4096,
		VM:              fv.vm(),
		Build:           fv.build,
		Mappings:        func() ([]Mapping, error) { return fv.mappings(), nil },
		ReferenceMethod: func(Profile) (uintptr, error) { return fakeReference, nil },
		Symbols:         fv,
		Dispatcher:      fakeDispatcher,
	}
}

func (fv *fakeVM) engine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(fv.config())
	require.NoError(t, err)
	return e
}
