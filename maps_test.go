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
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMaps = `12c00000-32c00000 rw-p 00000000 00:04 9283       /dev/ashmem/dalvik-main space (region space) (deleted)
7f7a1c2000-7f7a1e4000 r--p 00000000 fd:00 1234      /system/lib64/libandroid_runtime.so
7f7a1e4000-7f7a2f0000 r-xp 00022000 fd:00 1234      /system/lib64/libandroid_runtime.so
7f7b000000-7f7b100000 r-xp 00000000 fd:00 1240      /system/lib64/libart.so
7f7c000000-7f7c001000 ---p 00000000 00:00 0
garbage line
7f7d000000-zzzz r-xp 00000000 00:00 0 /bad
`

func TestParseMappings(t *testing.T) {
	mappings, numParseErrors, err := ParseMappings(strings.NewReader(sampleMaps))
	require.NoError(t, err)
	assert.Equal(t, 2, numParseErrors)
	require.Len(t, mappings, 5)

	assert.Equal(t, "/dev/ashmem/dalvik-main space (region space)", mappings[0].Path)
	assert.False(t, mappings[0].IsExecutable())
	assert.Equal(t, Mapping{
		AddressRange: AddressRange{Start: 0x7f7a1e4000, End: 0x7f7a2f0000},
		Perms:        "r-xp",
		FileOffset:   0x22000,
		Path:         "/system/lib64/libandroid_runtime.so",
	}, mappings[2])
	assert.Empty(t, mappings[4].Path)
}

func TestModuleRange(t *testing.T) {
	mappings, _, err := ParseMappings(strings.NewReader(sampleMaps))
	require.NoError(t, err)

	r, err := ModuleRange(mappings, "/system/lib64/libandroid_runtime.so")
	require.NoError(t, err)
	assert.Equal(t, AddressRange{Start: 0x7f7a1e4000, End: 0x7f7a2f0000}, r)
	assert.True(t, r.Contains(0x7f7a1e4000))
	assert.False(t, r.Contains(0x7f7a2f0000))

	r, err = ModuleRange(mappings, "libart.so")
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x7f7b000000), r.Start)

	_, err = ModuleRange(mappings, "art.so")
	require.ErrorIs(t, err, ErrLayoutNotFound)
	_, err = ModuleRange(mappings, "/system/lib/libandroid_runtime.so")
	require.ErrorIs(t, err, ErrLayoutNotFound)
}

func TestModuleBase(t *testing.T) {
	mappings, _, err := ParseMappings(strings.NewReader(sampleMaps))
	require.NoError(t, err)

	base, path, err := ModuleBase(mappings, "libandroid_runtime.so")
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x7f7a1c2000), base)
	assert.Equal(t, "/system/lib64/libandroid_runtime.so", path)

	_, _, err = ModuleBase(mappings, "libc.so")
	require.ErrorIs(t, err, ErrLayoutNotFound)
}

func TestReadMappingsSelf(t *testing.T) {
	if _, err := os.Stat("/proc/self/maps"); err != nil {
		t.Skip("no procfs")
	}
	mappings, err := ReadMappings(0)
	require.NoError(t, err)

	exe, err := os.Executable()
	require.NoError(t, err)
	found := false
	for i := range mappings {
		if mappings[i].IsExecutable() && mappings[i].Path == exe {
			found = true
		}
	}
	assert.True(t, found, "no executable mapping of %s", exe)
}

func TestELFSymbolsUnmapped(t *testing.T) {
	_, err := ELFSymbols{}.Resolve("/system/lib64/libart.so", "artInterpreterToCompiledCodeBridge")
	require.ErrorIs(t, err, ErrLayoutNotFound)
}
