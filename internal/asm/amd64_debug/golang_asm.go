package amd64_debug

import (
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/protonos/ciljit/internal/asm"
	"github.com/protonos/ciljit/internal/asm/amd64"
	"github.com/protonos/ciljit/internal/asm/golang_asm"
)

// assemblerGoAsmImpl implements amd64.Assembler for the golang-asm library.
type assemblerGoAsmImpl struct {
	*golang_asm.GolangAsmBaseAssembler
}

func newGolangAsmAssembler() (*assemblerGoAsmImpl, error) {
	g, err := golang_asm.NewGolangAsmBaseAssembler("amd64")
	return &assemblerGoAsmImpl{GolangAsmBaseAssembler: g}, err
}

// castAsGolangAsmRegister maps our registers to golang-asm's.
var castAsGolangAsmRegister = [...]int16{
	amd64.REG_AX:  x86.REG_AX,
	amd64.REG_CX:  x86.REG_CX,
	amd64.REG_DX:  x86.REG_DX,
	amd64.REG_BX:  x86.REG_BX,
	amd64.REG_SP:  x86.REG_SP,
	amd64.REG_BP:  x86.REG_BP,
	amd64.REG_SI:  x86.REG_SI,
	amd64.REG_DI:  x86.REG_DI,
	amd64.REG_R8:  x86.REG_R8,
	amd64.REG_R9:  x86.REG_R9,
	amd64.REG_R10: x86.REG_R10,
	amd64.REG_R11: x86.REG_R11,
	amd64.REG_R12: x86.REG_R12,
	amd64.REG_R13: x86.REG_R13,
	amd64.REG_R14: x86.REG_R14,
	amd64.REG_R15: x86.REG_R15,
	amd64.REG_X0:  x86.REG_X0,
	amd64.REG_X1:  x86.REG_X1,
	amd64.REG_X2:  x86.REG_X2,
	amd64.REG_X3:  x86.REG_X3,
	amd64.REG_X4:  x86.REG_X4,
	amd64.REG_X5:  x86.REG_X5,
	amd64.REG_X6:  x86.REG_X6,
	amd64.REG_X7:  x86.REG_X7,
	amd64.REG_X8:  x86.REG_X8,
	amd64.REG_X9:  x86.REG_X9,
	amd64.REG_X10: x86.REG_X10,
	amd64.REG_X11: x86.REG_X11,
	amd64.REG_X12: x86.REG_X12,
	amd64.REG_X13: x86.REG_X13,
	amd64.REG_X14: x86.REG_X14,
	amd64.REG_X15: x86.REG_X15,
}

// castAsGolangAsmInstruction maps our instructions to golang-asm's. The
// naming convention is shared with Go's assembler, so the mapping is
// mechanical.
var castAsGolangAsmInstruction = [...]obj.As{
	amd64.NOP:       obj.ANOP,
	amd64.RET:       obj.ARET,
	amd64.JMP:       obj.AJMP,
	amd64.CALL:      obj.ACALL,
	amd64.ADDL:      x86.AADDL,
	amd64.ADDQ:      x86.AADDQ,
	amd64.ADDSD:     x86.AADDSD,
	amd64.ADDSS:     x86.AADDSS,
	amd64.ANDL:      x86.AANDL,
	amd64.ANDQ:      x86.AANDQ,
	amd64.CDQ:       x86.ACDQ,
	amd64.CMPL:      x86.ACMPL,
	amd64.CMPQ:      x86.ACMPQ,
	amd64.CQO:       x86.ACQO,
	amd64.CVTSD2SS:  x86.ACVTSD2SS,
	amd64.CVTSL2SD:  x86.ACVTSL2SD,
	amd64.CVTSL2SS:  x86.ACVTSL2SS,
	amd64.CVTSQ2SD:  x86.ACVTSQ2SD,
	amd64.CVTSQ2SS:  x86.ACVTSQ2SS,
	amd64.CVTSS2SD:  x86.ACVTSS2SD,
	amd64.CVTTSD2SL: x86.ACVTTSD2SL,
	amd64.CVTTSD2SQ: x86.ACVTTSD2SQ,
	amd64.CVTTSS2SL: x86.ACVTTSS2SL,
	amd64.CVTTSS2SQ: x86.ACVTTSS2SQ,
	amd64.DIVL:      x86.ADIVL,
	amd64.DIVQ:      x86.ADIVQ,
	amd64.DIVSD:     x86.ADIVSD,
	amd64.DIVSS:     x86.ADIVSS,
	amd64.IDIVL:     x86.AIDIVL,
	amd64.IDIVQ:     x86.AIDIVQ,
	amd64.IMULQ:     x86.AIMULQ,
	amd64.INT:       x86.AINT,
	amd64.JCC:       x86.AJCC,
	amd64.JCS:       x86.AJCS,
	amd64.JEQ:       x86.AJEQ,
	amd64.JGE:       x86.AJGE,
	amd64.JGT:       x86.AJGT,
	amd64.JHI:       x86.AJHI,
	amd64.JLE:       x86.AJLE,
	amd64.JLS:       x86.AJLS,
	amd64.JLT:       x86.AJLT,
	amd64.JMI:       x86.AJMI,
	amd64.JNE:       x86.AJNE,
	amd64.JOC:       x86.AJOC,
	amd64.JOS:       x86.AJOS,
	amd64.JPC:       x86.AJPC,
	amd64.JPL:       x86.AJPL,
	amd64.JPS:       x86.AJPS,
	amd64.LEAQ:      x86.ALEAQ,
	amd64.MOVB:      x86.AMOVB,
	amd64.MOVBLSX:   x86.AMOVBLSX,
	amd64.MOVBLZX:   x86.AMOVBLZX,
	amd64.MOVBQSX:   x86.AMOVBQSX,
	amd64.MOVBQZX:   x86.AMOVBQZX,
	amd64.MOVL:      x86.AMOVL,
	amd64.MOVLQSX:   x86.AMOVLQSX,
	amd64.MOVLQZX:   x86.AMOVLQZX,
	amd64.MOVQ:      x86.AMOVQ,
	amd64.MOVSD:     x86.AMOVSD,
	amd64.MOVSS:     x86.AMOVSS,
	amd64.MOVW:      x86.AMOVW,
	amd64.MOVWLSX:   x86.AMOVWLSX,
	amd64.MOVWLZX:   x86.AMOVWLZX,
	amd64.MOVWQSX:   x86.AMOVWQSX,
	amd64.MOVWQZX:   x86.AMOVWQZX,
	amd64.MULL:      x86.AMULL,
	amd64.MULQ:      x86.AMULQ,
	amd64.MULSD:     x86.AMULSD,
	amd64.MULSS:     x86.AMULSS,
	amd64.NEGL:      x86.ANEGL,
	amd64.NEGQ:      x86.ANEGQ,
	amd64.NOTL:      x86.ANOTL,
	amd64.NOTQ:      x86.ANOTQ,
	amd64.ORL:       x86.AORL,
	amd64.ORQ:       x86.AORQ,
	amd64.POPQ:      x86.APOPQ,
	amd64.PUSHQ:     x86.APUSHQ,
	amd64.SARL:      x86.ASARL,
	amd64.SARQ:      x86.ASARQ,
	amd64.SETCC:     x86.ASETCC,
	amd64.SETCS:     x86.ASETCS,
	amd64.SETEQ:     x86.ASETEQ,
	amd64.SETGE:     x86.ASETGE,
	amd64.SETGT:     x86.ASETGT,
	amd64.SETHI:     x86.ASETHI,
	amd64.SETLE:     x86.ASETLE,
	amd64.SETLS:     x86.ASETLS,
	amd64.SETLT:     x86.ASETLT,
	amd64.SETMI:     x86.ASETMI,
	amd64.SETNE:     x86.ASETNE,
	amd64.SETOC:     x86.ASETOC,
	amd64.SETOS:     x86.ASETOS,
	amd64.SETPC:     x86.ASETPC,
	amd64.SETPS:     x86.ASETPS,
	amd64.SHLL:      x86.ASHLL,
	amd64.SHLQ:      x86.ASHLQ,
	amd64.SHRL:      x86.ASHRL,
	amd64.SHRQ:      x86.ASHRQ,
	amd64.SUBL:      x86.ASUBL,
	amd64.SUBQ:      x86.ASUBQ,
	amd64.SUBSD:     x86.ASUBSD,
	amd64.SUBSS:     x86.ASUBSS,
	amd64.TESTL:     x86.ATESTL,
	amd64.TESTQ:     x86.ATESTQ,
	amd64.UCOMISD:   x86.AUCOMISD,
	amd64.UCOMISS:   x86.AUCOMISS,
	amd64.XORL:      x86.AXORL,
	amd64.XORPD:     x86.AXORPD,
	amd64.XORPS:     x86.AXORPS,
	amd64.XORQ:      x86.AXORQ,
	amd64.INT3:      x86.AINT, // INT3 is INT $3 in Go's assembler; handled specially below.
	amd64.REPMOVSB:  x86.AMOVSB,
	amd64.REPSTOSB:  x86.ASTOSB,
}

// CompileStandAlone implements asm.AssemblerBase.CompileStandAlone.
func (a *assemblerGoAsmImpl) CompileStandAlone(instruction asm.Instruction) asm.Node {
	switch instruction {
	case amd64.INT3:
		p := a.NewProg()
		p.As = x86.AINT
		p.From.Type = obj.TYPE_CONST
		p.From.Offset = 3
		a.AddInstruction(p)
		return golang_asm.NewGolangAsmNode(p)
	case amd64.REPMOVSB, amd64.REPSTOSB:
		rep := a.NewProg()
		rep.As = x86.AREP
		a.AddInstruction(rep)
	}
	p := a.NewProg()
	p.As = castAsGolangAsmInstruction[instruction]
	a.AddInstruction(p)
	return golang_asm.NewGolangAsmNode(p)
}

// CompileConstToRegister implements asm.AssemblerBase.CompileConstToRegister.
func (a *assemblerGoAsmImpl) CompileConstToRegister(instruction asm.Instruction, value asm.ConstantValue, destinationReg asm.Register) asm.Node {
	p := a.NewProg()
	p.As = castAsGolangAsmInstruction[instruction]
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = value
	p.To.Type = obj.TYPE_REG
	p.To.Reg = castAsGolangAsmRegister[destinationReg]
	a.AddInstruction(p)
	return golang_asm.NewGolangAsmNode(p)
}

// CompileRegisterToRegister implements asm.AssemblerBase.CompileRegisterToRegister.
func (a *assemblerGoAsmImpl) CompileRegisterToRegister(instruction asm.Instruction, from, to asm.Register) {
	p := a.NewProg()
	p.As = castAsGolangAsmInstruction[instruction]
	p.From.Type = obj.TYPE_REG
	p.From.Reg = castAsGolangAsmRegister[from]
	p.To.Type = obj.TYPE_REG
	p.To.Reg = castAsGolangAsmRegister[to]
	a.AddInstruction(p)
}

// CompileMemoryToRegister implements asm.AssemblerBase.CompileMemoryToRegister.
func (a *assemblerGoAsmImpl) CompileMemoryToRegister(instruction asm.Instruction, sourceBaseReg asm.Register, sourceOffsetConst asm.ConstantValue, destinationReg asm.Register) {
	p := a.NewProg()
	p.As = castAsGolangAsmInstruction[instruction]
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = castAsGolangAsmRegister[sourceBaseReg]
	p.From.Offset = sourceOffsetConst
	p.To.Type = obj.TYPE_REG
	p.To.Reg = castAsGolangAsmRegister[destinationReg]
	a.AddInstruction(p)
}

// CompileRegisterToMemory implements asm.AssemblerBase.CompileRegisterToMemory.
func (a *assemblerGoAsmImpl) CompileRegisterToMemory(instruction asm.Instruction, sourceRegister, destinationBaseRegister asm.Register, destinationOffsetConst asm.ConstantValue) {
	p := a.NewProg()
	p.As = castAsGolangAsmInstruction[instruction]
	p.From.Type = obj.TYPE_REG
	p.From.Reg = castAsGolangAsmRegister[sourceRegister]
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = castAsGolangAsmRegister[destinationBaseRegister]
	p.To.Offset = destinationOffsetConst
	a.AddInstruction(p)
}

// CompileJump implements asm.AssemblerBase.CompileJump.
func (a *assemblerGoAsmImpl) CompileJump(jmpInstruction asm.Instruction) asm.Node {
	p := a.NewProg()
	p.As = castAsGolangAsmInstruction[jmpInstruction]
	p.To.Type = obj.TYPE_BRANCH
	a.AddInstruction(p)
	return golang_asm.NewGolangAsmNode(p)
}

// CompileJumpToMemory implements asm.AssemblerBase.CompileJumpToMemory.
func (a *assemblerGoAsmImpl) CompileJumpToMemory(jmpInstruction asm.Instruction, baseReg asm.Register, offset asm.ConstantValue) {
	p := a.NewProg()
	p.As = castAsGolangAsmInstruction[jmpInstruction]
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = castAsGolangAsmRegister[baseReg]
	p.To.Offset = offset
	a.AddInstruction(p)
}

// CompileJumpToRegister implements asm.AssemblerBase.CompileJumpToRegister.
func (a *assemblerGoAsmImpl) CompileJumpToRegister(jmpInstruction asm.Instruction, reg asm.Register) {
	p := a.NewProg()
	p.As = castAsGolangAsmInstruction[jmpInstruction]
	p.To.Type = obj.TYPE_REG
	p.To.Reg = castAsGolangAsmRegister[reg]
	a.AddInstruction(p)
}

// CompileRegisterToConst implements amd64.Assembler.CompileRegisterToConst.
func (a *assemblerGoAsmImpl) CompileRegisterToConst(instruction asm.Instruction, srcRegister asm.Register, value asm.ConstantValue) asm.Node {
	p := a.NewProg()
	p.As = castAsGolangAsmInstruction[instruction]
	p.From.Type = obj.TYPE_REG
	p.From.Reg = castAsGolangAsmRegister[srcRegister]
	p.To.Type = obj.TYPE_CONST
	p.To.Offset = value
	a.AddInstruction(p)
	return golang_asm.NewGolangAsmNode(p)
}

// CompileRegisterToNone implements amd64.Assembler.CompileRegisterToNone.
func (a *assemblerGoAsmImpl) CompileRegisterToNone(instruction asm.Instruction, register asm.Register) {
	p := a.NewProg()
	p.As = castAsGolangAsmInstruction[instruction]
	p.From.Type = obj.TYPE_REG
	p.From.Reg = castAsGolangAsmRegister[register]
	a.AddInstruction(p)
}

// CompileNoneToRegister implements amd64.Assembler.CompileNoneToRegister.
func (a *assemblerGoAsmImpl) CompileNoneToRegister(instruction asm.Instruction, register asm.Register) {
	p := a.NewProg()
	p.As = castAsGolangAsmInstruction[instruction]
	p.To.Type = obj.TYPE_REG
	p.To.Reg = castAsGolangAsmRegister[register]
	a.AddInstruction(p)
}

// CompileNoneToMemory implements amd64.Assembler.CompileNoneToMemory.
func (a *assemblerGoAsmImpl) CompileNoneToMemory(instruction asm.Instruction, baseReg asm.Register, offset asm.ConstantValue) {
	p := a.NewProg()
	p.As = castAsGolangAsmInstruction[instruction]
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = castAsGolangAsmRegister[baseReg]
	p.To.Offset = offset
	a.AddInstruction(p)
}

// CompileMemoryToNone implements amd64.Assembler.CompileMemoryToNone.
func (a *assemblerGoAsmImpl) CompileMemoryToNone(instruction asm.Instruction, baseReg asm.Register, offset asm.ConstantValue) {
	p := a.NewProg()
	p.As = castAsGolangAsmInstruction[instruction]
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = castAsGolangAsmRegister[baseReg]
	p.From.Offset = offset
	a.AddInstruction(p)
}

// CompileConstToMemory implements amd64.Assembler.CompileConstToMemory.
func (a *assemblerGoAsmImpl) CompileConstToMemory(instruction asm.Instruction, value asm.ConstantValue, dstBaseReg asm.Register, dstOffset asm.ConstantValue) asm.Node {
	p := a.NewProg()
	p.As = castAsGolangAsmInstruction[instruction]
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = value
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = castAsGolangAsmRegister[dstBaseReg]
	p.To.Offset = dstOffset
	a.AddInstruction(p)
	return golang_asm.NewGolangAsmNode(p)
}

// CompileMemoryToConst implements amd64.Assembler.CompileMemoryToConst.
func (a *assemblerGoAsmImpl) CompileMemoryToConst(instruction asm.Instruction, srcBaseReg asm.Register, srcOffset, value asm.ConstantValue) asm.Node {
	p := a.NewProg()
	p.As = castAsGolangAsmInstruction[instruction]
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = castAsGolangAsmRegister[srcBaseReg]
	p.From.Offset = srcOffset
	p.To.Type = obj.TYPE_CONST
	p.To.Offset = value
	a.AddInstruction(p)
	return golang_asm.NewGolangAsmNode(p)
}

// CompileMemoryWithIndexToRegister implements amd64.Assembler.CompileMemoryWithIndexToRegister.
func (a *assemblerGoAsmImpl) CompileMemoryWithIndexToRegister(instruction asm.Instruction, srcBaseReg asm.Register, srcOffsetConst asm.ConstantValue, srcIndex asm.Register, srcScale int16, dstReg asm.Register) {
	p := a.NewProg()
	p.As = castAsGolangAsmInstruction[instruction]
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = castAsGolangAsmRegister[srcBaseReg]
	p.From.Offset = srcOffsetConst
	p.From.Index = castAsGolangAsmRegister[srcIndex]
	p.From.Scale = srcScale
	p.To.Type = obj.TYPE_REG
	p.To.Reg = castAsGolangAsmRegister[dstReg]
	a.AddInstruction(p)
}

// CompileRegisterToMemoryWithIndex implements amd64.Assembler.CompileRegisterToMemoryWithIndex.
func (a *assemblerGoAsmImpl) CompileRegisterToMemoryWithIndex(instruction asm.Instruction, srcReg, dstBaseReg asm.Register, dstOffsetConst asm.ConstantValue, dstIndex asm.Register, dstScale int16) {
	p := a.NewProg()
	p.As = castAsGolangAsmInstruction[instruction]
	p.From.Type = obj.TYPE_REG
	p.From.Reg = castAsGolangAsmRegister[srcReg]
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = castAsGolangAsmRegister[dstBaseReg]
	p.To.Offset = dstOffsetConst
	p.To.Index = castAsGolangAsmRegister[dstIndex]
	p.To.Scale = dstScale
	a.AddInstruction(p)
}

// CompileInterrupt implements amd64.Assembler.CompileInterrupt.
func (a *assemblerGoAsmImpl) CompileInterrupt(vector byte) {
	p := a.NewProg()
	p.As = x86.AINT
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = int64(vector)
	a.AddInstruction(p)
}
