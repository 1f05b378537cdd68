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

/*
#include <stdint.h>

extern uint64_t arthookDispatch(void *regs, uintptr_t info);

static uintptr_t arthook_dispatcher(void) {
	return (uintptr_t)&arthookDispatch;
}
*/
import "C"

// DispatcherAddress returns the address trampolines in this process call.
func DispatcherAddress() uintptr {
	return uintptr(C.arthook_dispatcher())
}
