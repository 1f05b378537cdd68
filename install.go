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
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	hookInfoMagic = 0x6b6f6f6874726121 // "!arthook"
	hookInfoSize  = 4 * 8
)

type unprotector interface {
	Unprotect(addr uintptr, size int) error
}

// Install switches the method descriptor at target over to a trampoline
// calling the dispatcher. The new access flags are the current flags masked
// by preserveFlags, plus native and fast-native. On error the descriptor is
// left untouched.
func (e *Engine) Install(target uintptr, aux context.Context, preserveFlags uint32) (*Hook, error) {
	unlock := e.locks.lock(target)
	defer unlock()

	l, err := e.Layout()
	if err != nil {
		return nil, err
	}
	spec := l.Method

	if _, ok := e.hooks.get(target); ok {
		return nil, fmt.Errorf("%w: descriptor 0x%x", ErrAlreadyHooked, target)
	}
	snapshot, err := e.mem.read(target, spec.Size)
	if err != nil {
		return nil, fmt.Errorf("reading descriptor 0x%x: %w", target, err)
	}
	saved, err := e.readFields(target, l)
	if err != nil {
		return nil, err
	}
	if err = e.checkDescriptor(target, saved); err != nil {
		return nil, err
	}

	if aux == nil {
		aux = context.Background()
	}
	h := &Hook{
		id:      nextHookID.Add(1),
		engine:  e,
		target:  target,
		ctx:     aux,
		handler: e.cfg.Handler,
		saved:   saved,
	}
	if hd, ok := handlerFrom(aux); ok {
		h.handler = hd
	}

	if err = e.prepare(h, snapshot); err != nil {
		return nil, err
	}

	// From here the dispatcher must find the hook: the trampoline becomes
	// reachable with the first descriptor write.
	e.hooks.add(h)
	if err = e.patch(target, l, h, preserveFlags); err != nil {
		e.hooks.drop(h)
		e.release(h)
		return nil, err
	}

	log.WithFields(log.Fields{
		"target":     fmt.Sprintf("%#x", target),
		"trampoline": fmt.Sprintf("%#x", h.Trampoline()),
		"original":   fmt.Sprintf("%#x", h.Original()),
	}).Info("Installed method hook")
	return h, nil
}

func (e *Engine) readFields(target uintptr, l *Layout) (savedFields, error) {
	var (
		s   savedFields
		err error
	)
	spec := l.Method
	if s.flags, err = e.mem.uint32(target + uintptr(spec.AccessFlags)); err != nil {
		return s, err
	}
	if s.jni, err = e.mem.ptr(target + uintptr(spec.JNICode)); err != nil {
		return s, err
	}
	if s.quick, err = e.mem.ptr(target + uintptr(spec.QuickCode)); err != nil {
		return s, err
	}
	if l.Profile.InterpreterEntry {
		if s.interp, err = e.mem.ptr(target + uintptr(spec.InterpreterCode)); err != nil {
			return s, err
		}
	}
	return s, nil
}

// checkDescriptor is a best-effort sanity check; the keyed lock is what
// excludes concurrent installation on one descriptor.
func (e *Engine) checkDescriptor(target uintptr, s savedFields) error {
	switch {
	case s.flags&AccAbstract != 0:
		return fmt.Errorf("%w: descriptor 0x%x is abstract", ErrInvalidDescriptor, target)
	case s.flags&AccNative != 0 && e.arena.Contains(s.jni):
		return fmt.Errorf("%w: descriptor 0x%x already enters trampoline 0x%x", ErrAlreadyHooked, target, s.jni)
	}
	return nil
}

// prepare allocates the backup descriptor, the hook info block and the
// trampoline. Nothing VM-owned is modified.
func (e *Engine) prepare(h *Hook, snapshot []byte) error {
	var err error
	if h.backup, err = e.arena.Allocate(len(snapshot)); err != nil {
		return err
	}
	if err = e.arena.CopyIn(h.backup, snapshot); err != nil {
		e.release(h)
		return err
	}

	if h.info, err = e.arena.Allocate(hookInfoSize); err != nil {
		e.release(h)
		return err
	}
	var info [hookInfoSize]byte
	binary.LittleEndian.PutUint64(info[0:], hookInfoMagic)
	binary.LittleEndian.PutUint64(info[8:], h.id)
	binary.LittleEndian.PutUint64(info[16:], uint64(h.backup.EntryPoint()))
	binary.LittleEndian.PutUint64(info[24:], uint64(h.target))
	if err = e.arena.CopyIn(h.info, info[:]); err != nil {
		e.release(h)
		return err
	}

	if h.trampoline, err = e.gen.Generate(h.info.EntryPoint()); err != nil {
		e.release(h)
		return err
	}
	return nil
}

func (e *Engine) release(h *Hook) {
	for _, b := range []*Block{h.trampoline, h.info, h.backup} {
		if b == nil {
			continue
		}
		if err := e.arena.Release(b); err != nil {
			log.Warnf("Failed to release arena block %#x: %v", b.EntryPoint(), err)
		}
	}
}

type fieldWrite struct {
	off   int
	val   uintptr
	flags bool
}

// patch writes the entry point before the native flag so no caller sees a
// native method whose entry point is still the old one.
func (e *Engine) patch(target uintptr, l *Layout, h *Hook, preserveFlags uint32) error {
	spec := l.Method
	flags := h.saved.flags&preserveFlags | AccNative | AccFastNative

	writes := []fieldWrite{
		{off: spec.JNICode, val: h.Trampoline()},
		{off: spec.AccessFlags, val: uintptr(flags), flags: true},
		{off: spec.QuickCode, val: l.GenericJNITrampoline},
	}
	if l.Profile.InterpreterEntry {
		writes = append(writes, fieldWrite{off: spec.InterpreterCode, val: l.InterpreterBridge})
	}
	undo := e.undoWrites(h, l)

	if u, ok := e.cfg.Memory.(unprotector); ok && e.cfg.UnprotectDescriptors {
		if err := u.Unprotect(target, spec.Size); err != nil {
			return fmt.Errorf("unprotecting descriptor 0x%x: %w", target, err)
		}
	}
	for i, w := range writes {
		if err := e.write(target, w); err != nil {
			// Roll back what was written, newest first.
			for j := i - 1; j >= 0; j-- {
				if rerr := e.write(target, undo[len(undo)-1-j]); rerr != nil {
					err = errors.Join(err, rerr)
				}
			}
			e.mem.fence()
			return fmt.Errorf("patching descriptor 0x%x: %w", target, err)
		}
	}
	e.mem.fence()
	return nil
}

// undoWrites returns the writes restoring the saved fields, in the reverse
// of patch order.
func (e *Engine) undoWrites(h *Hook, l *Layout) []fieldWrite {
	spec := l.Method
	var undo []fieldWrite
	if l.Profile.InterpreterEntry {
		undo = append(undo, fieldWrite{off: spec.InterpreterCode, val: h.saved.interp})
	}
	return append(undo,
		fieldWrite{off: spec.QuickCode, val: h.saved.quick},
		fieldWrite{off: spec.AccessFlags, val: uintptr(h.saved.flags), flags: true},
		fieldWrite{off: spec.JNICode, val: h.saved.jni},
	)
}

func (e *Engine) write(target uintptr, w fieldWrite) error {
	addr := target + uintptr(w.off)
	if w.flags {
		return e.mem.putUint32(addr, uint32(w.val))
	}
	return e.mem.putPtr(addr, w.val)
}

// Uninstall restores the fields Install changed, in reverse order. The
// hook's memory stays mapped until Reclaim finds it quiescent.
func (e *Engine) Uninstall(target uintptr) error {
	unlock := e.locks.lock(target)
	defer unlock()

	h, ok := e.hooks.get(target)
	if !ok {
		return fmt.Errorf("%w: descriptor 0x%x", ErrNotHooked, target)
	}
	l, err := e.Layout()
	if err != nil {
		return err
	}

	for _, w := range e.undoWrites(h, l) {
		if err := e.write(target, w); err != nil {
			e.mem.fence()
			return fmt.Errorf("restoring descriptor 0x%x: %w", target, err)
		}
	}
	e.mem.fence()
	e.hooks.retire(h, time.Now())

	log.WithField("target", fmt.Sprintf("%#x", target)).Info("Uninstalled method hook")
	return nil
}

// Reclaim releases the memory of uninstalled hooks that have had no
// dispatch in flight for the grace period. It returns the number of hooks
// reclaimed.
func (e *Engine) Reclaim() int {
	return e.reclaim(time.Now())
}

func (e *Engine) reclaim(now time.Time) int {
	done := e.hooks.quiescent(now, e.cfg.ReclaimGrace)
	for _, h := range done {
		e.release(h)
	}
	if len(done) > 0 {
		log.Debugf("Reclaimed %d retired hooks", len(done))
	}
	return len(done)
}
