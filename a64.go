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
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

// Reg is an A64 general purpose register number. 31 encodes SP in the
// addressing forms used here.
type Reg uint8

const (
	X0  Reg = 0
	X1  Reg = 1
	X16 Reg = 16 // IP0, free to clobber across a call
	LR  Reg = 30
	SP  Reg = 31
)

// Op is an instruction kind understood by the assembler.
type Op uint8

const (
	OpAddImm  Op = iota // Rt = Rn + Imm
	OpSubImm            // Rt = Rn - Imm
	OpStp               // store Rt, Rt2 to [Rn, #Imm]
	OpLdp               // load Rt, Rt2 from [Rn, #Imm]
	OpStr               // store Rt to [Rn, #Imm]
	OpLdr               // load Rt from [Rn, #Imm]
	OpLdrLit            // load Rt from literal Label
	OpBl                // branch with link to absolute Target
	OpBlr               // branch with link to Rn
	OpRet               // return to Rn
	OpLiteral           // 8-byte data word Imm, defines Label
)

var opNames = [...]string{"add", "sub", "stp", "ldp", "str", "ldr", "ldr=", "bl", "blr", "ret", ".quad"}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Inst is one record of a declarative instruction sequence.
type Inst struct {
	Op          Op
	Rt, Rt2, Rn Reg
	Imm         int64
	Target      uintptr
	Label       string
}

const (
	instrLength = 4
	nopInstr    = 0xD503201F

	opB  = 0x14000000
	opBL = 0x94000000

	branchImmBits  = 26
	literalImmBits = 19

	// MaxBranchReach is the largest forward displacement of B/BL.
	MaxBranchReach = (1<<(branchImmBits-1) - 1) * instrLength
	// MinBranchReach is the largest backward displacement of B/BL.
	MinBranchReach = -(1 << (branchImmBits - 1)) * instrLength
)

func encodePCRel(src, dst uintptr, bits int) (uint32, error) {
	offset := int64(dst) - int64(src)
	if offset%instrLength != 0 {
		return 0, fmt.Errorf("%w: target 0x%x is not word aligned relative to 0x%x",
			ErrEncodingInvalid, dst, src)
	}
	imm := offset / instrLength
	if imm < -(1<<(bits-1)) || imm > 1<<(bits-1)-1 {
		return 0, fmt.Errorf("%w: target 0x%x out of reach from 0x%x", ErrEncodingInvalid, dst, src)
	}
	return uint32(imm) & (1<<bits - 1), nil
}

func decodePCRel(imm uint32, src uintptr, bits int) uintptr {
	signed := int64(imm<<(32-bits)) << 32 >> (64 - bits)
	return uintptr(int64(src) + signed*instrLength)
}

// EncodeBranch encodes B (link=false) or BL (link=true) located at src and
// jumping to dst.
func EncodeBranch(src, dst uintptr, link bool) (uint32, error) {
	imm, err := encodePCRel(src, dst, branchImmBits)
	if err != nil {
		return 0, err
	}
	if link {
		return opBL | imm, nil
	}
	return opB | imm, nil
}

// DecodeBranch returns the destination of the B/BL instruction word located
// at src.
func DecodeBranch(word uint32, src uintptr) (dst uintptr, link bool, err error) {
	switch word & 0xFC000000 {
	case opB:
	case opBL:
		link = true
	default:
		return 0, false, fmt.Errorf("%w: 0x%08x is not B/BL", ErrEncodingInvalid, word)
	}
	return decodePCRel(word&(1<<branchImmBits-1), src, branchImmBits), link, nil
}

// EncodeLiteralLoad encodes LDR Xt, <literal> located at src loading from dst.
func EncodeLiteralLoad(rt Reg, src, dst uintptr) (uint32, error) {
	imm, err := encodePCRel(src, dst, literalImmBits)
	if err != nil {
		return 0, err
	}
	return 0x58000000 | imm<<5 | uint32(rt), nil
}

// DecodeLiteralLoad returns the register and literal address of an
// LDR Xt, <literal> word located at src.
func DecodeLiteralLoad(word uint32, src uintptr) (Reg, uintptr, error) {
	if word&0xFF000000 != 0x58000000 {
		return 0, 0, fmt.Errorf("%w: 0x%08x is not LDR literal", ErrEncodingInvalid, word)
	}
	imm := (word >> 5) & (1<<literalImmBits - 1)
	return Reg(word & 0x1F), decodePCRel(imm, src, literalImmBits), nil
}

func checkReg(r Reg) error {
	if r > SP {
		return fmt.Errorf("%w: register %d", ErrEncodingInvalid, r)
	}
	return nil
}

func scaledImm(imm int64, scale int64, bits uint, signed bool) (uint32, error) {
	if imm%scale != 0 {
		return 0, fmt.Errorf("%w: offset %d not a multiple of %d", ErrEncodingInvalid, imm, scale)
	}
	v := imm / scale
	lo, hi := int64(0), int64(1)<<bits-1
	if signed {
		lo, hi = -(1 << (bits - 1)), 1<<(bits-1)-1
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("%w: offset %d out of range", ErrEncodingInvalid, imm)
	}
	return uint32(v) & (1<<bits - 1), nil
}

func encodeInst(in Inst, pc uintptr, labels map[string]uintptr) (uint32, error) {
	for _, r := range []Reg{in.Rt, in.Rt2, in.Rn} {
		if err := checkReg(r); err != nil {
			return 0, err
		}
	}
	rt, rt2, rn := uint32(in.Rt), uint32(in.Rt2), uint32(in.Rn)

	switch in.Op {
	case OpAddImm, OpSubImm:
		imm, err := scaledImm(in.Imm, 1, 12, false)
		if err != nil {
			return 0, err
		}
		base := uint32(0x91000000)
		if in.Op == OpSubImm {
			base = 0xD1000000
		}
		return base | imm<<10 | rn<<5 | rt, nil
	case OpStp, OpLdp:
		imm, err := scaledImm(in.Imm, 8, 7, true)
		if err != nil {
			return 0, err
		}
		base := uint32(0xA9000000)
		if in.Op == OpLdp {
			base = 0xA9400000
		}
		return base | imm<<15 | rt2<<10 | rn<<5 | rt, nil
	case OpStr, OpLdr:
		imm, err := scaledImm(in.Imm, 8, 12, false)
		if err != nil {
			return 0, err
		}
		base := uint32(0xF9000000)
		if in.Op == OpLdr {
			base = 0xF9400000
		}
		return base | imm<<10 | rn<<5 | rt, nil
	case OpLdrLit:
		dst, ok := labels[in.Label]
		if !ok {
			return 0, fmt.Errorf("%w: undefined literal %q", ErrEncodingInvalid, in.Label)
		}
		return EncodeLiteralLoad(in.Rt, pc, dst)
	case OpBl:
		return EncodeBranch(pc, in.Target, true)
	case OpBlr:
		return 0xD63F0000 | rn<<5, nil
	case OpRet:
		return 0xD65F0000 | rn<<5, nil
	}
	return 0, fmt.Errorf("%w: unknown op %v", ErrEncodingInvalid, in.Op)
}

// Assemble encodes prog for execution at pc. Literals are 8-byte aligned,
// padded with NOPs.
func Assemble(prog []Inst, pc uintptr) ([]byte, error) {
	if pc%instrLength != 0 {
		return nil, fmt.Errorf("%w: code address 0x%x not word aligned", ErrEncodingInvalid, pc)
	}

	addrs := make([]uintptr, len(prog))
	labels := make(map[string]uintptr)
	at := pc
	for i, in := range prog {
		if in.Op == OpLiteral {
			if at%8 != 0 {
				at += instrLength
			}
			if _, dup := labels[in.Label]; dup {
				return nil, fmt.Errorf("%w: duplicate literal %q", ErrEncodingInvalid, in.Label)
			}
			labels[in.Label] = at
			addrs[i] = at
			at += 8
			continue
		}
		addrs[i] = at
		at += instrLength
	}

	code := make([]byte, at-pc)
	for i := range code[:len(code)/instrLength] {
		binary.LittleEndian.PutUint32(code[i*instrLength:], nopInstr)
	}
	for i, in := range prog {
		off := addrs[i] - pc
		if in.Op == OpLiteral {
			binary.LittleEndian.PutUint64(code[off:], uint64(in.Imm))
			continue
		}
		word, err := encodeInst(in, addrs[i], labels)
		if err != nil {
			return nil, fmt.Errorf("instruction %d (%v): %w", i, in.Op, err)
		}
		binary.LittleEndian.PutUint32(code[off:], word)
	}
	return code, nil
}

// Disassemble renders code located at pc, one line per word. Words that do
// not decode, such as literal data, are shown raw.
func Disassemble(code []byte, pc uintptr) []string {
	var lines []string
	for off := 0; off+instrLength <= len(code); off += instrLength {
		addr := pc + uintptr(off)
		inst, err := arm64asm.Decode(code[off:])
		if err != nil {
			lines = append(lines, fmt.Sprintf("%#x: .word %#08x",
				addr, binary.LittleEndian.Uint32(code[off:])))
			continue
		}
		lines = append(lines, fmt.Sprintf("%#x: %v", addr, inst))
	}
	return lines
}

// SelfTest round-trips branch and literal encodings at their reach limits.
func SelfTest() error {
	const src = uintptr(0x40000000)
	for _, delta := range []int64{0, instrLength, -instrLength, MaxBranchReach, MinBranchReach} {
		dst := uintptr(int64(src) + delta)
		for _, link := range []bool{false, true} {
			word, err := EncodeBranch(src, dst, link)
			if err != nil {
				return err
			}
			got, gotLink, err := DecodeBranch(word, src)
			if err != nil {
				return err
			}
			if got != dst || gotLink != link {
				return fmt.Errorf("%w: branch to 0x%x decoded as 0x%x", ErrEncodingInvalid, dst, got)
			}
		}
	}
	for _, delta := range []int64{8, -8, (1<<(literalImmBits-1) - 1) * instrLength, -(1 << (literalImmBits - 1)) * instrLength} {
		dst := uintptr(int64(src) + delta)
		word, err := EncodeLiteralLoad(X16, src, dst)
		if err != nil {
			return err
		}
		if reg, got, err := DecodeLiteralLoad(word, src); err != nil || got != dst || reg != X16 {
			return fmt.Errorf("%w: literal load of 0x%x decoded as 0x%x", ErrEncodingInvalid, dst, got)
		}
	}
	return nil
}
