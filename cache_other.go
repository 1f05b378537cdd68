// Copyright (c) 2024 Ilya Caramishev. All rights reserved.
//
// This work is licensed under the terms of the Apache License, Version 2.0
// For a copy, see <https://opensource.org/license/apache-2-0>.

//go:build !arm64 || !cgo

package arthook

// x86 keeps instruction and data caches coherent. Without cgo on arm64 the
// arena cannot flush and only synthetic images are usable.
func flushInstructionCache(uintptr, int) {}
