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

import "errors"

var (
	// ErrLayoutNotFound is returned when a layout scan exhausts its window
	// without a match, or when a matched anchor fails verification.
	ErrLayoutNotFound = errors.New("layout not found")
	// ErrAlreadyHooked is returned by Install for a descriptor that already
	// dispatches through a trampoline.
	ErrAlreadyHooked = errors.New("method already hooked")
	// ErrAllocationFailed is returned when executable memory cannot be mapped.
	ErrAllocationFailed = errors.New("executable memory allocation failed")
	// ErrEncodingInvalid is returned when a branch or literal target cannot be
	// encoded at the given source address.
	ErrEncodingInvalid = errors.New("invalid instruction encoding")
	// ErrInvalidDescriptor is returned when the target's access flags do not
	// look like a method descriptor.
	ErrInvalidDescriptor = errors.New("implausible method descriptor")
	// ErrNotHooked is returned by Uninstall for a descriptor with no active hook.
	ErrNotHooked = errors.New("method not hooked")
	// ErrUnsupportedBuild is returned when no profile matches the VM build.
	ErrUnsupportedBuild = errors.New("unsupported VM build")
)
