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
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// ErrNoInvoker is returned by Call.InvokeOriginal when the engine was built
// without an Invoker.
var ErrNoInvoker = errors.New("no invoker configured")

// registerArgs is the number of JNI call arguments passed in x2..x7.
const registerArgs = 6

// Handler runs in place of a hooked method. The returned value is handed to
// the caller in x0.
type Handler interface {
	Handle(c *Call) (uint64, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(c *Call) (uint64, error)

func (f HandlerFunc) Handle(c *Call) (uint64, error) {
	return f(c)
}

// Invoker calls the original body of a hooked method through the VM, using
// c.Original() as the method handle and the arguments of c.
type Invoker interface {
	InvokeOriginal(c *Call) (uint64, error)
}

// Call describes one intercepted invocation.
type Call struct {
	hook *Hook
	run  int
	// Regs is the register block saved by the trampoline.
	Regs *Registers
}

// Hook returns the hook that intercepted the call.
func (c *Call) Hook() *Hook {
	return c.hook
}

// Context returns the auxiliary context the hook was installed with.
func (c *Call) Context() context.Context {
	return c.hook.ctx
}

// RunNumber returns how many calls the hook intercepted before this one.
func (c *Call) RunNumber() int {
	return c.run
}

// Env returns the JNIEnv pointer of the calling thread.
func (c *Call) Env() uintptr {
	return uintptr(c.Regs.X[0])
}

// Receiver returns the receiver object, or the class for static methods.
func (c *Call) Receiver() uintptr {
	return uintptr(c.Regs.X[1])
}

// Arg returns the raw value of the i-th declared argument. Arguments past
// the sixth are read from the caller's stack.
func (c *Call) Arg(i int) (uint64, error) {
	if i < 0 {
		return 0, fmt.Errorf("invalid argument index %d", i)
	}
	if i < registerArgs {
		return c.Regs.X[2+i], nil
	}
	v := view{c.hook.engine.cfg.Memory, 8}
	addr := c.Regs.StackPointer() + uintptr(i-registerArgs)*8
	buf, err := v.read(addr, 8)
	if err != nil {
		return 0, fmt.Errorf("reading stack argument %d: %w", i, err)
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// Original returns the handle of the original method body, a copy of the
// descriptor taken before it was patched.
func (c *Call) Original() uintptr {
	return c.hook.backup.EntryPoint()
}

// InvokeOriginal runs the original method body with the call's arguments.
func (c *Call) InvokeOriginal() (uint64, error) {
	inv := c.hook.engine.cfg.Invoker
	if inv == nil {
		return 0, ErrNoInvoker
	}
	return inv.InvokeOriginal(c)
}

// dispatch is entered from every trampoline with the saved registers and
// the hook info block. It never lets a handler failure escape into the VM
// thread: panics and errors yield the default return value.
func dispatch(regs *Registers, info uintptr) uint64 {
	h, ok := lookupHook(info)
	if !ok {
		log.Errorf("Trampoline called with unknown hook info %#x", info)
		return 0
	}
	h.active.Add(1)
	defer h.active.Add(-1)

	c := &Call{hook: h, run: int(h.calls.Add(1) - 1), Regs: regs}
	ret, err := h.handle(c)
	if err != nil {
		h.fail(err)
		return 0
	}
	return ret
}

func (h *Hook) handle(c *Call) (ret uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	if h.handler == nil {
		return c.InvokeOriginal()
	}
	return h.handler.Handle(c)
}

func (h *Hook) fail(err error) {
	h.failures.Add(1)
	log.WithFields(log.Fields{
		"target": fmt.Sprintf("%#x", h.target),
		"hook":   h.id,
	}).Errorf("Hook handler failed, returning default value: %v", err)
	if cb := h.engine.cfg.OnFailure; cb != nil {
		cb(h, err)
	}
}
