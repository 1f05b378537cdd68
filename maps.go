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
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// AddressRange is a half-open address interval [Start, End).
type AddressRange struct {
	Start, End uintptr
}

// Contains reports whether addr lies within the range.
func (r AddressRange) Contains(addr uintptr) bool {
	return addr >= r.Start && addr < r.End
}

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	AddressRange
	Perms      string
	FileOffset uint64
	Path       string
}

// IsExecutable reports whether the mapping is executable.
func (m *Mapping) IsExecutable() bool {
	return len(m.Perms) > 2 && m.Perms[2] == 'x'
}

// ParseMappings parses a maps file. Malformed lines are skipped and counted.
func ParseMappings(r io.Reader) ([]Mapping, int, error) {
	var mappings []Mapping
	numParseErrors := 0

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 8192), 8192)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			numParseErrors++
			continue
		}
		start, end, ok := strings.Cut(fields[0], "-")
		if !ok {
			numParseErrors++
			continue
		}
		vaddr, err := strconv.ParseUint(start, 16, 64)
		if err != nil {
			log.Debugf("vaddr: failed to convert %s to uint64: %v", start, err)
			numParseErrors++
			continue
		}
		vend, err := strconv.ParseUint(end, 16, 64)
		if err != nil {
			log.Debugf("vend: failed to convert %s to uint64: %v", end, err)
			numParseErrors++
			continue
		}
		fileOffset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			log.Debugf("fileOffset: failed to convert %s to uint64: %v", fields[2], err)
			numParseErrors++
			continue
		}

		var path string
		if len(fields) > 5 {
			path = strings.TrimSuffix(strings.Join(fields[5:], " "), " (deleted)")
		}
		mappings = append(mappings, Mapping{
			AddressRange: AddressRange{Start: uintptr(vaddr), End: uintptr(vend)},
			Perms:        fields[1],
			FileOffset:   fileOffset,
			Path:         path,
		})
	}
	return mappings, numParseErrors, scanner.Err()
}

// ReadMappings parses /proc/<pid>/maps; pid 0 means the current process.
func ReadMappings(pid int) ([]Mapping, error) {
	path := "/proc/self/maps"
	if pid != 0 {
		path = fmt.Sprintf("/proc/%d/maps", pid)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	mappings, numParseErrors, err := ParseMappings(f)
	if numParseErrors > 0 {
		log.Warnf("Failed to parse %d lines of %s", numParseErrors, path)
	}
	return mappings, err
}

func matchModule(path, module string) bool {
	return path == module || strings.HasSuffix(path, "/"+strings.TrimPrefix(module, "/"))
}

// ModuleRange returns the executable segment of module. Module matches a
// mapping path exactly or as a trailing path component sequence.
func ModuleRange(mappings []Mapping, module string) (AddressRange, error) {
	for i := range mappings {
		m := &mappings[i]
		if m.IsExecutable() && matchModule(m.Path, module) {
			return m.AddressRange, nil
		}
	}
	return AddressRange{}, fmt.Errorf("%w: no executable mapping of %s", ErrLayoutNotFound, module)
}

// ModuleBase returns the load address of module, i.e. the start of its
// mapping at file offset zero.
func ModuleBase(mappings []Mapping, module string) (uintptr, string, error) {
	for i := range mappings {
		m := &mappings[i]
		if m.FileOffset == 0 && matchModule(m.Path, module) {
			return m.Start, m.Path, nil
		}
	}
	return 0, "", fmt.Errorf("%w: %s is not mapped", ErrLayoutNotFound, module)
}
