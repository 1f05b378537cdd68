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

//go:build linux && arm64 && cgo

package arthook

import (
	"fmt"
	"os"
)

// BuildPropPath is where the device build properties are read from.
var BuildPropPath = "/system/build.prop"

// LocalBuild reads the API level of the running device.
func LocalBuild() (Build, error) {
	f, err := os.Open(BuildPropPath)
	if err != nil {
		return Build{}, err
	}
	defer f.Close()

	api, err := ParseBuildProp(f)
	if err != nil {
		return Build{}, fmt.Errorf("%s: %w", BuildPropPath, err)
	}
	return Build{APILevel: api, PointerSize: 8}, nil
}

// NewLocal creates an engine hooking methods of the VM this process runs
// in. cfg only needs the VM handle, the reference method lookup and the
// handling side; the rest is filled in for the current process.
func NewLocal(cfg Config) (*Engine, error) {
	if cfg.Memory == nil {
		cfg.Memory = LocalMemory{}
	}
	if cfg.Pages == nil {
		cfg.Pages = &MmapPages{}
	}
	if cfg.Dispatcher == 0 {
		cfg.Dispatcher = DispatcherAddress()
	}
	if cfg.Mappings == nil {
		cfg.Mappings = func() ([]Mapping, error) { return ReadMappings(0) }
	}
	if cfg.Build.APILevel == 0 {
		b, err := LocalBuild()
		if err != nil {
			return nil, fmt.Errorf("detecting build: %w", err)
		}
		cfg.Build = b
	}
	cfg.UnprotectDescriptors = true
	return New(cfg)
}
