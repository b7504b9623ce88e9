package amd64

import "github.com/protonos/ciljit/internal/asm"

// AMD64-specific instructions.
// https://www.felixcloutier.com/x86/index.html
//
// Note: this is not all of amd64; only the instructions the Tier-0 compiler
// emits are defined. The naming convention is the same as Go's assembler:
// https://go.dev/doc/asm
const (
	NONE asm.Instruction = iota
	ADDL
	ADDQ
	ADDSD
	ADDSS
	ANDL
	ANDQ
	CALL
	CDQ
	CMPB
	CMPL
	CMPQ
	CQO
	CVTSD2SS
	CVTSL2SD
	CVTSL2SS
	CVTSQ2SD
	CVTSQ2SS
	CVTSS2SD
	CVTTSD2SL
	CVTTSD2SQ
	CVTTSS2SL
	CVTTSS2SQ
	DIVL
	DIVQ
	DIVSD
	DIVSS
	IDIVL
	IDIVQ
	IMULQ
	INT3
	INT
	JCC
	JCS
	JEQ
	JGE
	JGT
	JHI
	JLE
	JLS
	JLT
	JMI
	JMP
	JNE
	JOC
	JOS
	JPC
	JPL
	JPS
	LEAQ
	MOVB
	MOVBLSX
	MOVBLZX
	MOVBQSX
	MOVBQZX
	MOVL
	MOVLQSX
	MOVLQZX
	MOVQ
	MOVSD
	MOVSS
	MOVW
	MOVWLSX
	MOVWLZX
	MOVWQSX
	MOVWQZX
	MULL
	MULQ
	MULSD
	MULSS
	NEGL
	NEGQ
	NOP
	NOTL
	NOTQ
	ORL
	ORQ
	POPQ
	PUSHQ
	REPMOVSB
	REPSTOSB
	RET
	SARL
	SARQ
	SETCC
	SETCS
	SETEQ
	SETGE
	SETGT
	SETHI
	SETLE
	SETLS
	SETLT
	SETMI
	SETNE
	SETOC
	SETOS
	SETPC
	SETPS
	SHLL
	SHLQ
	SHRL
	SHRQ
	SUBL
	SUBQ
	SUBSD
	SUBSS
	TESTL
	TESTQ
	UCOMISD
	UCOMISS
	XORL
	XORPD
	XORPS
	XORQ
)

var instructionNames = map[asm.Instruction]string{
	NONE:      "NONE",
	ADDL:      "ADDL",
	ADDQ:      "ADDQ",
	ADDSD:     "ADDSD",
	ADDSS:     "ADDSS",
	ANDL:      "ANDL",
	ANDQ:      "ANDQ",
	CALL:      "CALL",
	CDQ:       "CDQ",
	CMPB:      "CMPB",
	CMPL:      "CMPL",
	CMPQ:      "CMPQ",
	CQO:       "CQO",
	CVTSD2SS:  "CVTSD2SS",
	CVTSL2SD:  "CVTSL2SD",
	CVTSL2SS:  "CVTSL2SS",
	CVTSQ2SD:  "CVTSQ2SD",
	CVTSQ2SS:  "CVTSQ2SS",
	CVTSS2SD:  "CVTSS2SD",
	CVTTSD2SL: "CVTTSD2SL",
	CVTTSD2SQ: "CVTTSD2SQ",
	CVTTSS2SL: "CVTTSS2SL",
	CVTTSS2SQ: "CVTTSS2SQ",
	DIVL:      "DIVL",
	DIVQ:      "DIVQ",
	DIVSD:     "DIVSD",
	DIVSS:     "DIVSS",
	IDIVL:     "IDIVL",
	IDIVQ:     "IDIVQ",
	IMULQ:     "IMULQ",
	INT3:      "INT3",
	INT:       "INT",
	JCC:       "JCC",
	JCS:       "JCS",
	JEQ:       "JEQ",
	JGE:       "JGE",
	JGT:       "JGT",
	JHI:       "JHI",
	JLE:       "JLE",
	JLS:       "JLS",
	JLT:       "JLT",
	JMI:       "JMI",
	JMP:       "JMP",
	JNE:       "JNE",
	JOC:       "JOC",
	JOS:       "JOS",
	JPC:       "JPC",
	JPL:       "JPL",
	JPS:       "JPS",
	LEAQ:      "LEAQ",
	MOVB:      "MOVB",
	MOVBLSX:   "MOVBLSX",
	MOVBLZX:   "MOVBLZX",
	MOVBQSX:   "MOVBQSX",
	MOVBQZX:   "MOVBQZX",
	MOVL:      "MOVL",
	MOVLQSX:   "MOVLQSX",
	MOVLQZX:   "MOVLQZX",
	MOVQ:      "MOVQ",
	MOVSD:     "MOVSD",
	MOVSS:     "MOVSS",
	MOVW:      "MOVW",
	MOVWLSX:   "MOVWLSX",
	MOVWLZX:   "MOVWLZX",
	MOVWQSX:   "MOVWQSX",
	MOVWQZX:   "MOVWQZX",
	MULL:      "MULL",
	MULQ:      "MULQ",
	MULSD:     "MULSD",
	MULSS:     "MULSS",
	NEGL:      "NEGL",
	NEGQ:      "NEGQ",
	NOP:       "NOP",
	NOTL:      "NOTL",
	NOTQ:      "NOTQ",
	ORL:       "ORL",
	ORQ:       "ORQ",
	POPQ:      "POPQ",
	PUSHQ:     "PUSHQ",
	REPMOVSB:  "REPMOVSB",
	REPSTOSB:  "REPSTOSB",
	RET:       "RET",
	SARL:      "SARL",
	SARQ:      "SARQ",
	SETCC:     "SETCC",
	SETCS:     "SETCS",
	SETEQ:     "SETEQ",
	SETGE:     "SETGE",
	SETGT:     "SETGT",
	SETHI:     "SETHI",
	SETLE:     "SETLE",
	SETLS:     "SETLS",
	SETLT:     "SETLT",
	SETMI:     "SETMI",
	SETNE:     "SETNE",
	SETOC:     "SETOC",
	SETOS:     "SETOS",
	SETPC:     "SETPC",
	SETPS:     "SETPS",
	SHLL:      "SHLL",
	SHLQ:      "SHLQ",
	SHRL:      "SHRL",
	SHRQ:      "SHRQ",
	SUBL:      "SUBL",
	SUBQ:      "SUBQ",
	SUBSD:     "SUBSD",
	SUBSS:     "SUBSS",
	TESTL:     "TESTL",
	TESTQ:     "TESTQ",
	UCOMISD:   "UCOMISD",
	UCOMISS:   "UCOMISS",
	XORL:      "XORL",
	XORPD:     "XORPD",
	XORPS:     "XORPS",
	XORQ:      "XORQ",
}

func instructionName(instruction asm.Instruction) string {
	return instructionNames[instruction]
}

// AMD64-specific registers.
// https://wiki.osdev.org/X86-64_Instruction_Encoding#Registers
const (
	// REG_AX is the RAX register, the compiler's accumulator.
	REG_AX asm.Register = asm.NilRegister + 1 + iota
	REG_CX
	REG_DX
	REG_BX
	REG_SP
	REG_BP
	REG_SI
	REG_DI
	REG_R8
	REG_R9
	REG_R10
	REG_R11
	REG_R12
	REG_R13
	REG_R14
	REG_R15
	REG_X0
	REG_X1
	REG_X2
	REG_X3
	REG_X4
	REG_X5
	REG_X6
	REG_X7
	REG_X8
	REG_X9
	REG_X10
	REG_X11
	REG_X12
	REG_X13
	REG_X14
	REG_X15
)

var registerNames = []string{
	"nil",
	"AX", "CX", "DX", "BX", "SP", "BP", "SI", "DI",
	"R8", "R9", "R10", "R11", "R12", "R13", "R14", "R15",
	"X0", "X1", "X2", "X3", "X4", "X5", "X6", "X7",
	"X8", "X9", "X10", "X11", "X12", "X13", "X14", "X15",
}

func registerName(reg asm.Register) string {
	if int(reg) < len(registerNames) {
		return registerNames[reg]
	}
	return "invalid"
}
