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

	log "github.com/sirupsen/logrus"
)

// MethodDescriptorSpec holds the offsets of the dispatch fields shared by
// every method descriptor of a build.
type MethodDescriptorSpec struct {
	Size            int
	InterpreterCode int
	QuickCode       int
	JNICode         int
	AccessFlags     int
}

// ResolveMethod scans the descriptor of a reference native method. The
// first pointer into the module implementing it is the JNI entry point; the
// first word equal to the profile's reference flags is the access flags
// field. The remaining fields follow the JNI entry point in fixed order.
func ResolveMethod(mem Memory, reference uintptr, module AddressRange, p Profile) (MethodDescriptorSpec, error) {
	v := view{mem, p.PointerSize}

	jni, flags := -1, -1
	remaining := 2
	for off := 0; off < p.MethodScanBytes && remaining > 0; off += 4 {
		addr := reference + uintptr(off)
		if jni < 0 && off+p.PointerSize <= p.MethodScanBytes {
			val, err := v.ptr(addr)
			if err != nil {
				return MethodDescriptorSpec{}, fmt.Errorf("%w: reading reference method+%d: %v",
					ErrLayoutNotFound, off, err)
			}
			if module.Contains(val) {
				jni = off
				remaining--
			}
		}
		if flags < 0 {
			val, err := v.uint32(addr)
			if err != nil {
				return MethodDescriptorSpec{}, fmt.Errorf("%w: reading reference method+%d: %v",
					ErrLayoutNotFound, off, err)
			}
			if val == p.ReferenceFlags {
				flags = off
				remaining--
			}
		}
	}
	switch {
	case jni < 0:
		return MethodDescriptorSpec{}, fmt.Errorf("%w: no entry point into [0x%x,0x%x) within %d bytes",
			ErrLayoutNotFound, module.Start, module.End, p.MethodScanBytes)
	case flags < 0:
		return MethodDescriptorSpec{}, fmt.Errorf("%w: no access flags 0x%x within %d bytes",
			ErrLayoutNotFound, p.ReferenceFlags, p.MethodScanBytes)
	}

	entry := p.EntryPointSize
	spec := MethodDescriptorSpec{
		JNICode:         jni,
		QuickCode:       jni + entry,
		Size:            jni + 2*entry,
		InterpreterCode: jni - entry,
		AccessFlags:     flags,
	}
	if p.InterpreterEntry && spec.InterpreterCode < 0 {
		return MethodDescriptorSpec{}, fmt.Errorf("%w: entry point at +%d leaves no interpreter field",
			ErrLayoutNotFound, jni)
	}

	if k := p.Known; k != nil && (k.JNICode != spec.JNICode || k.QuickCode != spec.QuickCode ||
		k.AccessFlags != spec.AccessFlags) {
		log.Warnf("Scanned descriptor layout jni=%d quick=%d flags=%d differs from %s (jni=%d quick=%d flags=%d)",
			spec.JNICode, spec.QuickCode, spec.AccessFlags, p.Name, k.JNICode, k.QuickCode, k.AccessFlags)
	}
	return spec, nil
}
