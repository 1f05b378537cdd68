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
	"errors"
	"fmt"
	"strings"
	"unsafe"

	log "github.com/sirupsen/logrus"
)

const (
	savedRegs      = 31  // x0..x30
	frameSize      = 256 // savedRegs slots plus padding, keeps SP 16-byte aligned
	lrSlot         = 30 * 8
	trampolineSize = 256
)

// Registers is the register block saved by a trampoline, in slot order
// x0..x30. The dispatcher's return value is written back into X[0].
type Registers struct {
	X [savedRegs]uint64
	_ uint64
}

// StackPointer returns SP as it was on entry to the trampoline. It is only
// meaningful for a Registers value living in the trampoline frame.
func (r *Registers) StackPointer() uintptr {
	return uintptr(unsafe.Pointer(r)) + frameSize
}

// trampolineProgram returns the instruction sequence that saves registers,
// calls dispatcher(frame, info) and returns its result to the caller.
func trampolineProgram(info, dispatcher uintptr, near bool) []Inst {
	prog := []Inst{{Op: OpSubImm, Rt: SP, Rn: SP, Imm: frameSize}}
	for r := Reg(0); r < LR; r += 2 {
		prog = append(prog, Inst{Op: OpStp, Rt: r, Rt2: r + 1, Rn: SP, Imm: int64(r) * 8})
	}
	prog = append(prog,
		Inst{Op: OpStr, Rt: LR, Rn: SP, Imm: lrSlot},
		Inst{Op: OpAddImm, Rt: X0, Rn: SP},
		Inst{Op: OpLdrLit, Rt: X1, Label: "info"},
	)
	if near {
		prog = append(prog, Inst{Op: OpBl, Target: dispatcher})
	} else {
		prog = append(prog,
			Inst{Op: OpLdrLit, Rt: X16, Label: "dispatcher"},
			Inst{Op: OpBlr, Rn: X16},
		)
	}
	prog = append(prog,
		Inst{Op: OpStr, Rt: X0, Rn: SP},
		Inst{Op: OpLdr, Rt: LR, Rn: SP, Imm: lrSlot},
	)
	for r := Reg(28); ; r -= 2 {
		prog = append(prog, Inst{Op: OpLdp, Rt: r, Rt2: r + 1, Rn: SP, Imm: int64(r) * 8})
		if r == 0 {
			break
		}
	}
	prog = append(prog,
		Inst{Op: OpAddImm, Rt: SP, Rn: SP, Imm: frameSize},
		Inst{Op: OpRet, Rn: LR},
		Inst{Op: OpLiteral, Label: "info", Imm: int64(info)},
	)
	if !near {
		prog = append(prog, Inst{Op: OpLiteral, Label: "dispatcher", Imm: int64(dispatcher)})
	}
	return prog
}

// TrampolineGenerator emits trampolines into an arena. Every trampoline
// transfers control to the same dispatcher entry point.
type TrampolineGenerator struct {
	arena      *Arena
	dispatcher uintptr
}

// NewTrampolineGenerator returns a generator calling dispatcher.
func NewTrampolineGenerator(arena *Arena, dispatcher uintptr) *TrampolineGenerator {
	return &TrampolineGenerator{arena: arena, dispatcher: dispatcher}
}

// Generate emits a trampoline bound to the hook info block at info. The
// dispatcher is called with BL when within reach, through X16 otherwise.
func (g *TrampolineGenerator) Generate(info uintptr) (*Block, error) {
	blk, err := g.arena.Allocate(trampolineSize)
	if err != nil {
		return nil, err
	}

	pc := blk.EntryPoint()
	code, err := Assemble(trampolineProgram(info, g.dispatcher, true), pc)
	if errors.Is(err, ErrEncodingInvalid) {
		code, err = Assemble(trampolineProgram(info, g.dispatcher, false), pc)
	}
	if err == nil && len(code) > blk.Size() {
		err = fmt.Errorf("%w: trampoline of %d bytes exceeds block", ErrEncodingInvalid, len(code))
	}
	if err == nil {
		err = g.arena.CopyIn(blk, code)
	}
	if err != nil {
		_ = g.arena.Release(blk)
		return nil, err
	}

	if log.IsLevelEnabled(log.DebugLevel) {
		log.Debugf("Trampoline at %#x for hook info %#x:\n%s",
			pc, info, strings.Join(Disassemble(code, pc), "\n"))
	}
	return blk, nil
}
