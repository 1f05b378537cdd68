// Copyright (c) 2024 Ilya Caramishev. All rights reserved.
//
// This work is licensed under the terms of the Apache License, Version 2.0
// For a copy, see <https://opensource.org/license/apache-2-0>.

//go:build cgo

package arthook

/*
// ARM doesn't automatically invalidate instruction cache so manual flushing needed
// after writing code into executable pages

#include <stdint.h>
#include <stddef.h>
void flush_cache(uint64_t addr, size_t len) {
	char *target = (char *)addr;
	__builtin___clear_cache(target, target + len);
}
*/
import "C"

func flushInstructionCache(addr uintptr, size int) {
	C.flush_cache(C.uint64_t(addr), C.size_t(size))
}
