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

/*
Package arthook redirects calls of Java methods running on the Android
Runtime (ART, API levels 21 to 27) to Go handlers.

A method is hooked by rewriting its in-memory method descriptor so the VM
believes it is a fast native method whose native code is a small trampoline.
The trampoline saves all integer registers and calls a single dispatcher,
which finds the hook and runs its [Handler]. Nothing in the VM's own code is
modified.

# Platforms supported

Hooks can only be installed in-process on Linux/ARM64 (64-bit Android) with
cgo enabled, see [NewLocal]. Layout resolution and instruction encoding are
portable and work on any memory implementing [Memory], which is how the
artlayout tool inspects other processes through [ProcessMemory].

# The concept

The descriptor layout differs between VM builds and is not exported, so the
engine discovers it at run time:

  - The runtime object is scanned for its back-pointer to the JavaVM handle.
    The class linker, intern table, thread list and heap fields sit at fixed
    distances before it.
  - The class linker is scanned for the intern table pointer. Its trampoline
    fields, including the generic JNI trampoline, follow it.
  - The descriptor of a known native method, android.os.Process.setArgV0, is
    scanned for its access flags and its JNI entry point. The entry point
    fields of every descriptor follow from those offsets.

Scanning constants come from a [Profile] selected by API level and pointer
size. The built-in table from [DefaultProfiles] can be overridden with
[LoadProfiles] for vendor builds that move fields around.

Layout is resolved once per [Engine]; a failed resolution is retried on the
next call. Installing a hook writes the JNI entry point, the access flags,
the quick entry point and, up to API 23, the interpreter entry point, in that
order, followed by a full barrier. [Engine.Uninstall] restores them in
reverse order. The trampoline and its bookkeeping stay mapped until
[Engine.Reclaim] finds no dispatch in flight.

Handlers never unwind into the VM. An error or panic in a handler is logged,
reported to [Config.OnFailure] and turned into a zero return value.

Typical use, from a library loaded into the app process:

	e, err := arthook.NewLocal(arthook.Config{
	    VM:              arthook.VMHandle{JavaVM: vm},
	    ReferenceMethod: lookupSetArgV0, // e.g. via JNI GetStaticMethodID
	    Invoker:         invoker,
	})
	if err != nil {
	    return err
	}

	ctx := arthook.WithHandler(context.Background(), arthook.HandlerFunc(func(c *arthook.Call) (uint64, error) {
	    text, _ := c.Arg(0)
	    log.Infof("setText(%#x) call #%d", text, c.RunNumber())
	    return c.InvokeOriginal()
	}))
	h, err := e.Install(setTextMethod, ctx, arthook.AccPublic|arthook.AccFinal)
*/
package arthook
