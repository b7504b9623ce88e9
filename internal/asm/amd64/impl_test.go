package amd64

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/protonos/ciljit/internal/asm"
)

func TestAssemblerImpl_encode(t *testing.T) {
	tests := []struct {
		name string
		emit func(a Assembler)
		exp  []byte
	}{
		{
			name: "ret",
			emit: func(a Assembler) { a.CompileStandAlone(RET) },
			exp:  []byte{0xc3},
		},
		{
			name: "int3",
			emit: func(a Assembler) { a.CompileStandAlone(INT3) },
			exp:  []byte{0xcc},
		},
		{
			name: "int 0x2e",
			emit: func(a Assembler) { a.CompileInterrupt(0x2e) },
			exp:  []byte{0xcd, 0x2e},
		},
		{
			name: "cqo",
			emit: func(a Assembler) { a.CompileStandAlone(CQO) },
			exp:  []byte{0x48, 0x99},
		},
		{
			name: "rep movsb",
			emit: func(a Assembler) { a.CompileStandAlone(REPMOVSB) },
			exp:  []byte{0xf3, 0xa4},
		},
		{
			name: "rep stosb",
			emit: func(a Assembler) { a.CompileStandAlone(REPSTOSB) },
			exp:  []byte{0xf3, 0xaa},
		},
		{
			name: "push rax",
			emit: func(a Assembler) { a.CompileRegisterToNone(PUSHQ, REG_AX) },
			exp:  []byte{0x50},
		},
		{
			name: "push r12",
			emit: func(a Assembler) { a.CompileRegisterToNone(PUSHQ, REG_R12) },
			exp:  []byte{0x41, 0x54},
		},
		{
			name: "push qword [rsp+8]",
			emit: func(a Assembler) { a.CompileMemoryToNone(PUSHQ, REG_SP, 8) },
			exp:  []byte{0xff, 0x74, 0x24, 0x08},
		},
		{
			name: "pop rbp",
			emit: func(a Assembler) { a.CompileNoneToRegister(POPQ, REG_BP) },
			exp:  []byte{0x5d},
		},
		{
			name: "mov rax, imm64",
			emit: func(a Assembler) { a.CompileConstToRegister(MOVQ, 0x1122334455667788, REG_AX) },
			exp:  []byte{0x48, 0xb8, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11},
		},
		{
			name: "mov rcx, -1 (sign-extended imm32)",
			emit: func(a Assembler) { a.CompileConstToRegister(MOVQ, -1, REG_CX) },
			exp:  []byte{0x48, 0xc7, 0xc1, 0xff, 0xff, 0xff, 0xff},
		},
		{
			name: "mov eax, 42",
			emit: func(a Assembler) { a.CompileConstToRegister(MOVL, 42, REG_AX) },
			exp:  []byte{0xb8, 0x2a, 0x00, 0x00, 0x00},
		},
		{
			name: "xor eax, eax",
			emit: func(a Assembler) { a.CompileRegisterToRegister(XORL, REG_AX, REG_AX) },
			exp:  []byte{0x31, 0xc0},
		},
		{
			name: "add rax, rcx",
			emit: func(a Assembler) { a.CompileRegisterToRegister(ADDQ, REG_CX, REG_AX) },
			exp:  []byte{0x48, 0x01, 0xc8},
		},
		{
			name: "add rax, 3",
			emit: func(a Assembler) { a.CompileConstToRegister(ADDQ, 3, REG_AX) },
			exp:  []byte{0x48, 0x83, 0xc0, 0x03},
		},
		{
			name: "sub rsp, 0x20",
			emit: func(a Assembler) { a.CompileConstToRegister(SUBQ, 0x20, REG_SP) },
			exp:  []byte{0x48, 0x83, 0xec, 0x20},
		},
		{
			name: "imul rax, rcx",
			emit: func(a Assembler) { a.CompileRegisterToRegister(IMULQ, REG_CX, REG_AX) },
			exp:  []byte{0x48, 0x0f, 0xaf, 0xc1},
		},
		{
			name: "imul rcx, rcx, 24",
			emit: func(a Assembler) { a.CompileConstToRegister(IMULQ, 24, REG_CX) },
			exp:  []byte{0x48, 0x6b, 0xc9, 0x18},
		},
		{
			name: "idiv rcx",
			emit: func(a Assembler) { a.CompileRegisterToNone(IDIVQ, REG_CX) },
			exp:  []byte{0x48, 0xf7, 0xf9},
		},
		{
			name: "neg rax",
			emit: func(a Assembler) { a.CompileNoneToRegister(NEGQ, REG_AX) },
			exp:  []byte{0x48, 0xf7, 0xd8},
		},
		{
			name: "not rax",
			emit: func(a Assembler) { a.CompileNoneToRegister(NOTQ, REG_AX) },
			exp:  []byte{0x48, 0xf7, 0xd0},
		},
		{
			name: "shl rax, cl",
			emit: func(a Assembler) { a.CompileRegisterToRegister(SHLQ, REG_CX, REG_AX) },
			exp:  []byte{0x48, 0xd3, 0xe0},
		},
		{
			name: "shr rcx, 1",
			emit: func(a Assembler) { a.CompileConstToRegister(SHRQ, 1, REG_CX) },
			exp:  []byte{0x48, 0xd1, 0xe9},
		},
		{
			name: "mov rax, [rbp+0x10]",
			emit: func(a Assembler) { a.CompileMemoryToRegister(MOVQ, REG_BP, 0x10, REG_AX) },
			exp:  []byte{0x48, 0x8b, 0x45, 0x10},
		},
		{
			name: "mov [rsp], rax",
			emit: func(a Assembler) { a.CompileRegisterToMemory(MOVQ, REG_AX, REG_SP, 0) },
			exp:  []byte{0x48, 0x89, 0x04, 0x24},
		},
		{
			name: "movzx eax, byte [rax]",
			emit: func(a Assembler) { a.CompileMemoryToRegister(MOVBLZX, REG_AX, 0, REG_AX) },
			exp:  []byte{0x0f, 0xb6, 0x00},
		},
		{
			name: "movsx rax, dword [rbp-8]",
			emit: func(a Assembler) { a.CompileMemoryToRegister(MOVLQSX, REG_BP, -8, REG_AX) },
			exp:  []byte{0x48, 0x63, 0x45, 0xf8},
		},
		{
			name: "lea rax, [rbp-8]",
			emit: func(a Assembler) { a.CompileMemoryToRegister(LEAQ, REG_BP, -8, REG_AX) },
			exp:  []byte{0x48, 0x8d, 0x45, 0xf8},
		},
		{
			name: "lea rax, [rax+rcx*8+0x10]",
			emit: func(a Assembler) { a.CompileMemoryWithIndexToRegister(LEAQ, REG_AX, 0x10, REG_CX, 8, REG_AX) },
			exp:  []byte{0x48, 0x8d, 0x44, 0xc8, 0x10},
		},
		{
			name: "cmp rax, 5",
			emit: func(a Assembler) { a.CompileRegisterToConst(CMPQ, REG_AX, 5) },
			exp:  []byte{0x48, 0x83, 0xf8, 0x05},
		},
		{
			name: "cmp qword [r11], 0",
			emit: func(a Assembler) { a.CompileMemoryToConst(CMPQ, REG_R11, 0, 0) },
			exp:  []byte{0x49, 0x83, 0x3b, 0x00},
		},
		{
			name: "sete al + movzx",
			emit: func(a Assembler) {
				a.CompileNoneToRegister(SETEQ, REG_AX)
				a.CompileRegisterToRegister(MOVBLZX, REG_AX, REG_AX)
			},
			exp: []byte{0x0f, 0x94, 0xc0, 0x0f, 0xb6, 0xc0},
		},
		{
			name: "call rax",
			emit: func(a Assembler) { a.CompileNoneToRegister(CALL, REG_AX) },
			exp:  []byte{0xff, 0xd0},
		},
		{
			name: "call [r11]",
			emit: func(a Assembler) { a.CompileJumpToMemory(CALL, REG_R11, 0) },
			exp:  []byte{0x41, 0xff, 0x13},
		},
		{
			name: "jmp rax",
			emit: func(a Assembler) { a.CompileJumpToRegister(JMP, REG_AX) },
			exp:  []byte{0xff, 0xe0},
		},
		{
			name: "movsd [rsp], xmm0",
			emit: func(a Assembler) { a.CompileRegisterToMemory(MOVSD, REG_X0, REG_SP, 0) },
			exp:  []byte{0xf2, 0x0f, 0x11, 0x04, 0x24},
		},
		{
			name: "movss xmm0, [rbp+0x10]",
			emit: func(a Assembler) { a.CompileMemoryToRegister(MOVSS, REG_BP, 0x10, REG_X0) },
			exp:  []byte{0xf3, 0x0f, 0x10, 0x45, 0x10},
		},
		{
			name: "addsd xmm0, xmm1",
			emit: func(a Assembler) { a.CompileRegisterToRegister(ADDSD, REG_X1, REG_X0) },
			exp:  []byte{0xf2, 0x0f, 0x58, 0xc1},
		},
		{
			name: "ucomisd xmm0, xmm1",
			emit: func(a Assembler) { a.CompileRegisterToRegister(UCOMISD, REG_X1, REG_X0) },
			exp:  []byte{0x66, 0x0f, 0x2e, 0xc1},
		},
		{
			name: "cvtsi2sd xmm0, rax",
			emit: func(a Assembler) { a.CompileRegisterToRegister(CVTSQ2SD, REG_AX, REG_X0) },
			exp:  []byte{0xf2, 0x48, 0x0f, 0x2a, 0xc0},
		},
		{
			name: "cvttsd2si rax, xmm0",
			emit: func(a Assembler) { a.CompileRegisterToRegister(CVTTSD2SQ, REG_X0, REG_AX) },
			exp:  []byte{0xf2, 0x48, 0x0f, 0x2c, 0xc0},
		},
		{
			name: "movq xmm0, rax",
			emit: func(a Assembler) { a.CompileRegisterToRegister(MOVQ, REG_AX, REG_X0) },
			exp:  []byte{0x66, 0x48, 0x0f, 0x6e, 0xc0},
		},
		{
			name: "movq rax, xmm0",
			emit: func(a Assembler) { a.CompileRegisterToRegister(MOVQ, REG_X0, REG_AX) },
			exp:  []byte{0x66, 0x48, 0x0f, 0x7e, 0xc0},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			a := NewAssembler()
			tc.emit(a)
			code, err := a.Assemble()
			require.NoError(t, err)
			require.Equal(t, tc.exp, code)
		})
	}
}

func TestAssemblerImpl_relativeJumps(t *testing.T) {
	t.Run("short forward", func(t *testing.T) {
		a := NewAssembler()
		j := a.CompileJump(JMP)
		a.CompileStandAlone(INT3)
		a.SetJumpTargetOnNext(j)
		a.CompileStandAlone(RET)
		code, err := a.Assemble()
		require.NoError(t, err)
		require.Equal(t, []byte{0xeb, 0x01, 0xcc, 0xc3}, code)
	})

	t.Run("short backward", func(t *testing.T) {
		a := NewAssembler()
		target := a.CompileStandAlone(RET)
		j := a.CompileJump(JMP)
		j.AssignJumpTarget(target)
		code, err := a.Assemble()
		require.NoError(t, err)
		require.Equal(t, []byte{0xc3, 0xeb, 0xfd}, code)
	})

	t.Run("conditional forward", func(t *testing.T) {
		a := NewAssembler()
		j := a.CompileJump(JEQ)
		a.CompileStandAlone(INT3)
		a.SetJumpTargetOnNext(j)
		a.CompileStandAlone(RET)
		code, err := a.Assemble()
		require.NoError(t, err)
		require.Equal(t, []byte{0x74, 0x01, 0xcc, 0xc3}, code)
	})

	t.Run("forward growing past 8-bit forces reassembly", func(t *testing.T) {
		a := NewAssembler()
		j := a.CompileJump(JMP)
		for i := 0; i < 200; i++ {
			a.CompileStandAlone(INT3)
		}
		a.SetJumpTargetOnNext(j)
		a.CompileStandAlone(RET)
		code, err := a.Assemble()
		require.NoError(t, err)
		// Long form: E9 rel32 (five bytes), then the 200 INT3s, then RET.
		require.Equal(t, byte(0xe9), code[0])
		require.Equal(t, 5+200+1, len(code))
		require.Equal(t, byte(0xc3), code[len(code)-1])
	})

	t.Run("call never uses the short form", func(t *testing.T) {
		a := NewAssembler()
		j := a.CompileJump(CALL)
		a.SetJumpTargetOnNext(j)
		a.CompileStandAlone(RET)
		code, err := a.Assemble()
		require.NoError(t, err)
		require.Equal(t, []byte{0xe8, 0x00, 0x00, 0x00, 0x00, 0xc3}, code)
	})
}

func TestAssemblerImpl_unsupported(t *testing.T) {
	a := NewAssembler()
	a.CompileRegisterToRegister(REPMOVSB, REG_AX, REG_CX)
	_, err := a.Assemble()
	require.Error(t, err)
}

func TestNodeImpl_String(t *testing.T) {
	a := NewAssemblerImpl()
	n := a.CompileConstToRegister(MOVQ, 0x10, REG_AX)
	require.Equal(t, "MOVQ 0x10, AX", n.String())
}

func TestRegister3Bits(t *testing.T) {
	for _, tc := range []struct {
		reg    asm.Register
		bits   byte
		prefix rexPrefix
	}{
		{REG_AX, 0b000, rexPrefixNone},
		{REG_SP, 0b100, rexPrefixNone},
		{REG_R8, 0b000, rexPrefixB},
		{REG_R15, 0b111, rexPrefixB},
		{REG_X0, 0b000, rexPrefixNone},
		{REG_X15, 0b111, rexPrefixB},
	} {
		bits, prefix, err := register3bits(tc.reg, registerSpecifierPositionModRMFieldRM)
		require.NoError(t, err)
		require.Equal(t, tc.bits, bits, registerName(tc.reg))
		require.Equal(t, tc.prefix, prefix, registerName(tc.reg))
	}
}
