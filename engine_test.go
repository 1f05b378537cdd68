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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesConfig(t *testing.T) {
	fv := newFakeVM(t, Build{26, 8})

	tests := map[string]func(c *Config){
		"memory":     func(c *Config) { c.Memory = nil },
		"pages":      func(c *Config) { c.Pages = nil },
		"dispatcher": func(c *Config) { c.Dispatcher = 0 },
		"mappings":   func(c *Config) { c.Mappings = nil },
		"reference":  func(c *Config) { c.ReferenceMethod = nil },
		"vm":         func(c *Config) { c.VM = VMHandle{} },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := fv.config()
			mutate(&cfg)
			_, err := New(cfg)
			require.Error(t, err)
		})
	}

	cfg := fv.config()
	cfg.Build = Build{APILevel: 30, PointerSize: 8}
	_, err := New(cfg)
	require.ErrorIs(t, err, ErrUnsupportedBuild)
}

func TestNewDerivesRuntime(t *testing.T) {
	fv := newFakeVM(t, Build{26, 8})
	cfg := fv.config()
	cfg.VM.Runtime = 0

	e, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "oreo-64", e.Profile().Name)

	l, err := e.Layout()
	require.NoError(t, err)
	assert.Equal(t, uintptr(fakeGenericJNI), l.GenericJNITrampoline)
}

func TestLayoutIsCached(t *testing.T) {
	fv := newFakeVM(t, Build{23, 8})
	e := fv.engine(t)

	l1, err := e.Layout()
	require.NoError(t, err)
	reads := fv.img.Reads()

	l2, err := e.Layout()
	require.NoError(t, err)
	assert.Same(t, l1, l2)
	assert.Equal(t, reads, fv.img.Reads())
	assert.Equal(t, 1, fv.symbolCalls)

	assert.Equal(t, uintptr(fakeGenericJNI), l1.GenericJNITrampoline)
	assert.Equal(t, uintptr(fakeBridge), l1.InterpreterBridge)
	assert.Equal(t, MethodDescriptorSpec{Size: 56, InterpreterCode: 32, QuickCode: 48, JNICode: 40, AccessFlags: 12},
		l1.Method)
}

func TestLayoutFailureIsRetried(t *testing.T) {
	fv := newFakeVM(t, Build{26, 8})
	anchor := fakeRuntime + uintptr(fv.profile.RuntimeScanStart+fakeAnchorSlot*8)
	fv.put(t, anchor, 0)
	e := fv.engine(t)

	_, err := e.Layout()
	require.ErrorIs(t, err, ErrLayoutNotFound)

	fv.put(t, anchor, fakeJavaVM)
	_, err = e.Layout()
	require.NoError(t, err)
}

func TestLayoutNoInterpreterEntry(t *testing.T) {
	fv := newFakeVM(t, Build{24, 8})
	e := fv.engine(t)

	l, err := e.Layout()
	require.NoError(t, err)
	assert.Zero(t, l.InterpreterBridge)
	assert.Zero(t, fv.symbolCalls)
}

func TestLayoutMissingModule(t *testing.T) {
	fv := newFakeVM(t, Build{26, 8})
	cfg := fv.config()
	cfg.Mappings = func() ([]Mapping, error) { return nil, nil }
	e, err := New(cfg)
	require.NoError(t, err)

	_, err = e.Layout()
	require.ErrorIs(t, err, ErrLayoutNotFound)

	cfg.Mappings = func() ([]Mapping, error) { return nil, errors.New("no procfs") }
	e, err = New(cfg)
	require.NoError(t, err)
	_, err = e.Layout()
	require.Error(t, err)
}

func TestLayoutNullGenericJNI(t *testing.T) {
	fv := newFakeVM(t, Build{26, 8})
	p := fv.profile
	fv.put(t, fakeClassLinker+uintptr(p.ClassLinkerScanStart+(fakeInternSlot+p.GenericJNISlot)*8), 0)

	_, err := fv.engine(t).Layout()
	require.ErrorIs(t, err, ErrLayoutNotFound)
}

func TestEngineMemoryAccess(t *testing.T) {
	fv := newFakeVM(t, Build{26, 8})
	e := fv.engine(t)

	require.NoError(t, e.WriteMemory(fakeMethods, []byte{1, 2, 3}))
	got, err := e.ReadMemory(fakeMethods, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)

	_, err = e.ReadMemory(0x900000, 8)
	require.Error(t, err)
	assert.Nil(t, e.LookupContext(fakeMethods))
	assert.Empty(t, e.Hooks())
}
