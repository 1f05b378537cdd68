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
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Access flag bits of a method descriptor.
const (
	AccPublic     = 0x0001
	AccPrivate    = 0x0002
	AccProtected  = 0x0004
	AccStatic     = 0x0008
	AccFinal      = 0x0010
	AccNative     = 0x0100
	AccAbstract   = 0x0400
	AccFastNative = 0x00080000
)

// Build identifies a VM build family.
type Build struct {
	APILevel    int
	PointerSize int
}

func (b Build) String() string {
	return fmt.Sprintf("API %d/%d-bit", b.APILevel, b.PointerSize*8)
}

// KnownOffsets are descriptor offsets published for a build. They are only
// used to cross-check scan results.
type KnownOffsets struct {
	JNICode     int `yaml:"jni_code"`
	QuickCode   int `yaml:"quick_code"`
	AccessFlags int `yaml:"access_flags"`
}

// Profile holds every scanning constant of one VM build family.
type Profile struct {
	Name        string `yaml:"name"`
	MinAPI      int    `yaml:"min_api"`
	MaxAPI      int    `yaml:"max_api"`
	PointerSize int    `yaml:"pointer_size"`

	// Runtime object: java_vm_ back-pointer search.
	RuntimeScanStart int `yaml:"runtime_scan_start"`
	RuntimeScanSlots int `yaml:"runtime_scan_slots"`
	StdStringSize    int `yaml:"std_string_size"`
	HeapBackSlots    int `yaml:"heap_back_slots"`

	// Class linker: intern_table_ search and trampoline slots past it.
	ClassLinkerScanStart  int `yaml:"class_linker_scan_start"`
	ClassLinkerScanSlots  int `yaml:"class_linker_scan_slots"`
	ResolutionSlot        int `yaml:"resolution_slot"`
	GenericJNISlot        int `yaml:"generic_jni_slot"`
	InterpreterBridgeSlot int `yaml:"interpreter_bridge_slot"`

	// Method descriptor: reference method scan.
	ReferenceModule    string `yaml:"reference_module"`
	ReferenceClass     string `yaml:"reference_class"`
	ReferenceMethod    string `yaml:"reference_method"`
	ReferenceSignature string `yaml:"reference_signature"`
	ReferenceFlags     uint32 `yaml:"reference_flags"`
	MethodScanBytes    int    `yaml:"method_scan_bytes"`
	EntryPointSize     int    `yaml:"entry_point_size"`
	InterpreterEntry   bool   `yaml:"interpreter_entry"`

	RuntimeModule           string        `yaml:"runtime_module"`
	InterpreterBridgeSymbol string        `yaml:"interpreter_bridge_symbol"`
	Known                   *KnownOffsets `yaml:"known,omitempty"`
}

// Matches reports whether the profile covers build.
func (p *Profile) Matches(b Build) bool {
	return b.PointerSize == p.PointerSize && b.APILevel >= p.MinAPI && b.APILevel <= p.MaxAPI
}

// Validate checks the profile for values that would make a scan meaningless.
func (p *Profile) Validate() error {
	switch {
	case p.PointerSize != 4 && p.PointerSize != 8:
		return fmt.Errorf("profile %s: pointer size %d", p.Name, p.PointerSize)
	case p.RuntimeScanSlots <= 0 || p.ClassLinkerScanSlots <= 0 || p.MethodScanBytes <= 0:
		return fmt.Errorf("profile %s: empty scan window", p.Name)
	case p.RuntimeScanStart%p.PointerSize != 0 || p.ClassLinkerScanStart%p.PointerSize != 0:
		return fmt.Errorf("profile %s: scan start not pointer aligned", p.Name)
	case p.EntryPointSize != 4 && p.EntryPointSize != 8:
		return fmt.Errorf("profile %s: entry point size %d", p.Name, p.EntryPointSize)
	case p.GenericJNISlot <= 0 || p.InterpreterBridgeSlot <= 0 || p.ResolutionSlot <= 0:
		return fmt.Errorf("profile %s: class linker slots must follow the intern table", p.Name)
	case p.ReferenceModule == "" || p.ReferenceFlags == 0:
		return fmt.Errorf("profile %s: no reference method", p.Name)
	}
	return nil
}

// ProfileTable is an ordered set of profiles; the first match wins.
type ProfileTable []Profile

// Lookup returns the profile for build.
func (t ProfileTable) Lookup(b Build) (Profile, error) {
	for _, p := range t {
		if p.Matches(b) {
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("%w: %v", ErrUnsupportedBuild, b)
}

// LoadProfiles reads a YAML list of profiles. Omitted fields inherit from
// the built-in profile with the same pointer size and API range, so a file
// only needs to spell out what differs.
func LoadProfiles(r io.Reader) (ProfileTable, error) {
	var raw []yaml.Node
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding profiles: %w", err)
	}

	table := make(ProfileTable, 0, len(raw))
	defaults := DefaultProfiles()
	for i := range raw {
		var head struct {
			MinAPI      int `yaml:"min_api"`
			PointerSize int `yaml:"pointer_size"`
		}
		if err := raw[i].Decode(&head); err != nil {
			return nil, fmt.Errorf("profile %d: %w", i, err)
		}
		p, err := defaults.Lookup(Build{APILevel: head.MinAPI, PointerSize: head.PointerSize})
		if err != nil {
			p = Profile{}
		}
		p.Known = nil
		if err := raw[i].Decode(&p); err != nil {
			return nil, fmt.Errorf("profile %d: %w", i, err)
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		table = append(table, p)
	}
	return table, nil
}

// DefaultProfiles returns the built-in table for API levels 21 to 27.
func DefaultProfiles() ProfileTable {
	type row struct {
		name           string
		minAPI, maxAPI int
		heapBack       int
		slots          [3]int // resolution, generic JNI, interpreter bridge
		interpreter    bool
		wideEntries    bool
		known32        KnownOffsets
		known64        KnownOffsets
	}
	rows := []row{
		{"lollipop", 21, 21, 4, [3]int{2, 5, 6}, true, true,
			KnownOffsets{32, 40, 56}, KnownOffsets{32, 40, 56}},
		{"lollipop-mr1", 22, 22, 4, [3]int{2, 5, 6}, true, false,
			KnownOffsets{40, 44, 20}, KnownOffsets{44, 52, 20}},
		{"marshmallow", 23, 23, 7, [3]int{1, 3, 4}, true, false,
			KnownOffsets{32, 36, 12}, KnownOffsets{40, 48, 12}},
		{"nougat", 24, 25, 8, [3]int{1, 3, 4}, false, false,
			KnownOffsets{28, 32, 4}, KnownOffsets{40, 48, 4}},
		{"oreo", 26, 27, 8, [3]int{1, 3, 4}, false, false,
			KnownOffsets{24, 28, 4}, KnownOffsets{32, 40, 4}},
	}

	var table ProfileTable
	for _, ptrSize := range []int{4, 8} {
		for _, r := range rows {
			p := Profile{
				Name:                    fmt.Sprintf("%s-%d", r.name, ptrSize*8),
				MinAPI:                  r.minAPI,
				MaxAPI:                  r.maxAPI,
				PointerSize:             ptrSize,
				RuntimeScanStart:        200,
				RuntimeScanSlots:        100,
				StdStringSize:           12,
				HeapBackSlots:           r.heapBack,
				ClassLinkerScanStart:    100,
				ClassLinkerScanSlots:    100,
				ResolutionSlot:          r.slots[0],
				GenericJNISlot:          r.slots[1],
				InterpreterBridgeSlot:   r.slots[2],
				ReferenceModule:         "/system/lib/libandroid_runtime.so",
				ReferenceClass:          "android/os/Process",
				ReferenceMethod:         "setArgV0",
				ReferenceSignature:      "(Ljava/lang/String;)V",
				ReferenceFlags:          AccPublic | AccStatic | AccFinal | AccNative,
				MethodScanBytes:         64,
				EntryPointSize:          ptrSize,
				InterpreterEntry:        r.interpreter,
				RuntimeModule:           "/system/lib/libart.so",
				InterpreterBridgeSymbol: "artInterpreterToCompiledCodeBridge",
			}
			known := r.known32
			if ptrSize == 8 {
				p.RuntimeScanStart = 384
				p.StdStringSize = 24
				p.ClassLinkerScanStart = 200
				p.ReferenceModule = "/system/lib64/libandroid_runtime.so"
				p.RuntimeModule = "/system/lib64/libart.so"
				known = r.known64
			}
			if r.wideEntries {
				p.EntryPointSize = 8
			}
			p.Known = &known
			table = append(table, p)
		}
	}
	return table
}

// ParseBuildProp extracts ro.build.version.sdk from a build.prop file.
func ParseBuildProp(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok || strings.TrimSpace(key) != "ro.build.version.sdk" {
			continue
		}
		level, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, fmt.Errorf("invalid SDK level %q: %w", value, err)
		}
		return level, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("%w: ro.build.version.sdk not found", ErrUnsupportedBuild)
}
