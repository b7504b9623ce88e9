package amd64_debug

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/protonos/ciljit/internal/asm/amd64"
)

// TestDebugAssembler_agreesWithGolangAsm runs a representative prolog/body
// sequence through both encoders; Assemble fails if a single byte diverges.
func TestDebugAssembler_agreesWithGolangAsm(t *testing.T) {
	a, err := NewDebugAssembler()
	require.NoError(t, err)

	a.CompileRegisterToNone(amd64.PUSHQ, amd64.REG_BP)
	a.CompileRegisterToRegister(amd64.MOVQ, amd64.REG_SP, amd64.REG_BP)
	a.CompileConstToRegister(amd64.SUBQ, 0x20, amd64.REG_SP)
	a.CompileMemoryToRegister(amd64.MOVQ, amd64.REG_BP, 0x10, amd64.REG_AX)
	a.CompileRegisterToRegister(amd64.ADDQ, amd64.REG_CX, amd64.REG_AX)
	a.CompileRegisterToMemory(amd64.MOVQ, amd64.REG_AX, amd64.REG_BP, -8)
	a.CompileRegisterToRegister(amd64.MOVQ, amd64.REG_BP, amd64.REG_SP)
	a.CompileNoneToRegister(amd64.POPQ, amd64.REG_BP)
	a.CompileStandAlone(amd64.RET)

	code, err := a.Assemble()
	require.NoError(t, err)
	require.NotEmpty(t, code)
}
