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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/arm64/arm64asm"
)

func TestBranchRoundTrip(t *testing.T) {
	const src = uintptr(0x7000_0000)
	tests := map[string]int64{
		"self":         0,
		"next":         4,
		"previous":     -4,
		"forward":      0x1234,
		"backward":     -0x10000,
		"max forward":  MaxBranchReach,
		"max backward": MinBranchReach,
	}
	for name, delta := range tests {
		t.Run(name, func(t *testing.T) {
			dst := uintptr(int64(src) + delta)
			for _, link := range []bool{false, true} {
				word, err := EncodeBranch(src, dst, link)
				require.NoError(t, err)

				got, gotLink, err := DecodeBranch(word, src)
				require.NoError(t, err)
				assert.Equal(t, dst, got)
				assert.Equal(t, link, gotLink)

				var code [4]byte
				binary.LittleEndian.PutUint32(code[:], word)
				inst, err := arm64asm.Decode(code[:])
				require.NoError(t, err)
				if link {
					assert.Equal(t, arm64asm.BL, inst.Op)
				} else {
					assert.Equal(t, arm64asm.B, inst.Op)
				}
				assert.Equal(t, arm64asm.PCRel(delta), inst.Args[0])
			}
		})
	}
}

func TestBranchOutOfReach(t *testing.T) {
	const src = uintptr(0x7000_0000)
	for _, delta := range []int64{MaxBranchReach + 4, MinBranchReach - 4, 1 << 40} {
		_, err := EncodeBranch(src, uintptr(int64(src)+delta), false)
		require.ErrorIs(t, err, ErrEncodingInvalid)
	}
	_, err := EncodeBranch(src, src+2, true)
	require.ErrorIs(t, err, ErrEncodingInvalid)
}

func TestDecodeBranchRejectsOtherInstructions(t *testing.T) {
	_, _, err := DecodeBranch(nopInstr, 0x1000)
	require.ErrorIs(t, err, ErrEncodingInvalid)
}

func TestLiteralLoad(t *testing.T) {
	const src = uintptr(0x4000)
	word, err := EncodeLiteralLoad(X16, src, src+0x80)
	require.NoError(t, err)

	reg, dst, err := DecodeLiteralLoad(word, src)
	require.NoError(t, err)
	assert.Equal(t, X16, reg)
	assert.Equal(t, src+0x80, dst)

	var code [4]byte
	binary.LittleEndian.PutUint32(code[:], word)
	inst, err := arm64asm.Decode(code[:])
	require.NoError(t, err)
	assert.Equal(t, arm64asm.LDR, inst.Op)
	assert.Equal(t, arm64asm.PCRel(0x80), inst.Args[1])

	_, err = EncodeLiteralLoad(X1, src, src+1<<21)
	require.ErrorIs(t, err, ErrEncodingInvalid)
}

func TestAssemble(t *testing.T) {
	const pc = uintptr(0x10000)
	prog := []Inst{
		{Op: OpSubImm, Rt: SP, Rn: SP, Imm: 16},
		{Op: OpStp, Rt: X0, Rt2: X1, Rn: SP},
		{Op: OpLdrLit, Rt: X16, Label: "value"},
		{Op: OpStr, Rt: X16, Rn: SP, Imm: 8},
		{Op: OpLdp, Rt: X0, Rt2: X1, Rn: SP},
		{Op: OpAddImm, Rt: SP, Rn: SP, Imm: 16},
		{Op: OpRet, Rn: LR},
		{Op: OpLiteral, Label: "value", Imm: 0x1122334455667788},
	}
	code, err := Assemble(prog, pc)
	require.NoError(t, err)
	// seven instructions, one pad word, one literal
	require.Len(t, code, 7*4+4+8)

	want := []arm64asm.Op{arm64asm.SUB, arm64asm.STP, arm64asm.LDR, arm64asm.STR, arm64asm.LDP, arm64asm.ADD, arm64asm.RET, arm64asm.NOP}
	for i, op := range want {
		inst, err := arm64asm.Decode(code[i*4:])
		require.NoError(t, err, "word %d", i)
		assert.Equal(t, op, inst.Op, "word %d", i)
	}

	_, lit, err := DecodeLiteralLoad(binary.LittleEndian.Uint32(code[8:]), pc+8)
	require.NoError(t, err)
	assert.Equal(t, pc+32, lit)
	assert.Equal(t, uint64(0x1122334455667788), binary.LittleEndian.Uint64(code[lit-pc:]))

	lines := Disassemble(code, pc)
	require.Len(t, lines, len(code)/4)
	assert.Contains(t, lines[6], "RET")
}

func TestAssembleErrors(t *testing.T) {
	tests := map[string][]Inst{
		"undefined literal": {{Op: OpLdrLit, Rt: X0, Label: "missing"}},
		"duplicate literal": {{Op: OpLiteral, Label: "a"}, {Op: OpLiteral, Label: "a"}},
		"misaligned pair":   {{Op: OpStp, Rt: X0, Rt2: X1, Rn: SP, Imm: 4}},
		"pair out of range": {{Op: OpLdp, Rt: X0, Rt2: X1, Rn: SP, Imm: 512}},
		"immediate range":   {{Op: OpAddImm, Rt: X0, Rn: SP, Imm: 4096}},
		"bad register":      {{Op: OpRet, Rn: 32}},
		"unknown op":        {{Op: Op(99)}},
	}
	for name, prog := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Assemble(prog, 0x1000)
			require.ErrorIs(t, err, ErrEncodingInvalid)
		})
	}

	_, err := Assemble([]Inst{{Op: OpRet, Rn: LR}}, 0x1002)
	require.ErrorIs(t, err, ErrEncodingInvalid)
}

func TestSelfTest(t *testing.T) {
	require.NoError(t, SelfTest())
}
