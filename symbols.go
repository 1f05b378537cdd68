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

	"github.com/Binject/debug/elf"
)

// SymbolResolver finds the run-time address of an exported symbol.
type SymbolResolver interface {
	Resolve(module, symbol string) (uintptr, error)
}

// ELFSymbols resolves dynamic symbols of modules listed in Mappings by
// reading their ELF files from disk.
type ELFSymbols struct {
	Mappings []Mapping
}

func (s ELFSymbols) Resolve(module, symbol string) (uintptr, error) {
	base, path, err := ModuleBase(s.Mappings, module)
	if err != nil {
		return 0, err
	}

	f, err := elf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var bias uint64
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD {
			bias = p.Vaddr
			if p.Align > 1 {
				bias &^= p.Align - 1
			}
			break
		}
	}

	syms, err := f.DynamicSymbols()
	if err != nil {
		return 0, fmt.Errorf("reading dynamic symbols of %s: %w", path, err)
	}
	for _, sym := range syms {
		if sym.Name == symbol && sym.Value != 0 {
			return base + uintptr(sym.Value-bias), nil
		}
	}
	return 0, fmt.Errorf("%w: symbol %s not exported by %s", ErrLayoutNotFound, symbol, path)
}
