package amd64

import (
	"encoding/binary"
	"fmt"

	"github.com/protonos/ciljit/internal/asm"
)

// Assembler is the interface the compiler core uses to emit amd64 code.
type Assembler interface {
	asm.AssemblerBase

	// CompileRegisterToConst adds an instruction where the source operand is
	// the `srcRegister` register and the destination is the constant `value`.
	CompileRegisterToConst(instruction asm.Instruction, srcRegister asm.Register, value asm.ConstantValue) asm.Node

	// CompileRegisterToNone adds an instruction with a single register
	// operand, e.g. PUSHQ or IDIVQ.
	CompileRegisterToNone(instruction asm.Instruction, register asm.Register)

	// CompileNoneToRegister adds an instruction whose only operand is the
	// destination register, e.g. POPQ, NEGQ or SETcc.
	CompileNoneToRegister(instruction asm.Instruction, register asm.Register)

	// CompileNoneToMemory adds an instruction whose only operand is the
	// destination memory location `baseReg+offset`, e.g. POPQ [mem].
	CompileNoneToMemory(instruction asm.Instruction, baseReg asm.Register, offset asm.ConstantValue)

	// CompileMemoryToNone adds an instruction whose only operand is the
	// source memory location `baseReg+offset`, e.g. PUSHQ [mem].
	CompileMemoryToNone(instruction asm.Instruction, baseReg asm.Register, offset asm.ConstantValue)

	// CompileConstToMemory adds an instruction where the source operand is
	// the constant `value` and the destination is the memory location
	// `dstBaseReg+dstOffset`.
	CompileConstToMemory(instruction asm.Instruction, value asm.ConstantValue, dstBaseReg asm.Register, dstOffset asm.ConstantValue) asm.Node

	// CompileMemoryToConst adds an instruction where the source operand is
	// the memory location `srcBaseReg+srcOffset` and the destination is the
	// constant `value`, e.g. CMPQ [mem], imm.
	CompileMemoryToConst(instruction asm.Instruction, srcBaseReg asm.Register, srcOffset asm.ConstantValue, value asm.ConstantValue) asm.Node

	// CompileMemoryWithIndexToRegister adds an instruction where the source
	// operand is the memory address `srcBaseReg + srcOffsetConst +
	// srcIndex*srcScale` and the destination is the `dstReg` register.
	CompileMemoryWithIndexToRegister(instruction asm.Instruction, srcBaseReg asm.Register, srcOffsetConst asm.ConstantValue, srcIndex asm.Register, srcScale int16, dstReg asm.Register)

	// CompileRegisterToMemoryWithIndex adds an instruction where the source
	// operand is the `srcReg` register and the destination is the memory
	// address `dstBaseReg + dstOffsetConst + dstIndex*dstScale`.
	CompileRegisterToMemoryWithIndex(instruction asm.Instruction, srcReg asm.Register, dstBaseReg asm.Register, dstOffsetConst asm.ConstantValue, dstIndex asm.Register, dstScale int16)

	// CompileInterrupt adds an `INT imm8` instruction with the given vector.
	CompileInterrupt(vector byte)
}

// NewAssembler returns a new Assembler backed by the in-tree encoder.
func NewAssembler() Assembler {
	return NewAssemblerImpl()
}

// CompileStandAlone implements asm.AssemblerBase.CompileStandAlone.
func (a *AssemblerImpl) CompileStandAlone(instruction asm.Instruction) asm.Node {
	return a.newNode(instruction, operandTypesNoneToNone)
}

// CompileConstToRegister implements asm.AssemblerBase.CompileConstToRegister.
func (a *AssemblerImpl) CompileConstToRegister(instruction asm.Instruction, value asm.ConstantValue, destinationReg asm.Register) asm.Node {
	n := a.newNode(instruction, operandTypesConstToRegister)
	n.srcConst = value
	n.dstReg = destinationReg
	return n
}

// CompileRegisterToRegister implements asm.AssemblerBase.CompileRegisterToRegister.
func (a *AssemblerImpl) CompileRegisterToRegister(instruction asm.Instruction, from, to asm.Register) {
	n := a.newNode(instruction, operandTypesRegisterToRegister)
	n.srcReg = from
	n.dstReg = to
}

// CompileMemoryToRegister implements asm.AssemblerBase.CompileMemoryToRegister.
func (a *AssemblerImpl) CompileMemoryToRegister(instruction asm.Instruction, sourceBaseReg asm.Register, sourceOffsetConst asm.ConstantValue, destinationReg asm.Register) {
	n := a.newNode(instruction, operandTypesMemoryToRegister)
	n.srcReg = sourceBaseReg
	n.srcConst = sourceOffsetConst
	n.dstReg = destinationReg
}

// CompileRegisterToMemory implements asm.AssemblerBase.CompileRegisterToMemory.
func (a *AssemblerImpl) CompileRegisterToMemory(instruction asm.Instruction, sourceRegister, destinationBaseRegister asm.Register, destinationOffsetConst asm.ConstantValue) {
	n := a.newNode(instruction, operandTypesRegisterToMemory)
	n.srcReg = sourceRegister
	n.dstReg = destinationBaseRegister
	n.dstConst = destinationOffsetConst
}

// CompileJump implements asm.AssemblerBase.CompileJump.
func (a *AssemblerImpl) CompileJump(jmpInstruction asm.Instruction) asm.Node {
	return a.newNode(jmpInstruction, operandTypesNoneToBranch)
}

// CompileJumpToMemory implements asm.AssemblerBase.CompileJumpToMemory.
func (a *AssemblerImpl) CompileJumpToMemory(jmpInstruction asm.Instruction, baseReg asm.Register, offset asm.ConstantValue) {
	n := a.newNode(jmpInstruction, operandTypesNoneToMemory)
	n.dstReg = baseReg
	n.dstConst = offset
}

// CompileJumpToRegister implements asm.AssemblerBase.CompileJumpToRegister.
func (a *AssemblerImpl) CompileJumpToRegister(jmpInstruction asm.Instruction, reg asm.Register) {
	n := a.newNode(jmpInstruction, operandTypesNoneToRegister)
	n.dstReg = reg
}

// CompileRegisterToConst implements Assembler.CompileRegisterToConst.
func (a *AssemblerImpl) CompileRegisterToConst(instruction asm.Instruction, srcRegister asm.Register, value asm.ConstantValue) asm.Node {
	n := a.newNode(instruction, operandTypesRegisterToConst)
	n.srcReg = srcRegister
	n.dstConst = value
	return n
}

// CompileRegisterToNone implements Assembler.CompileRegisterToNone.
func (a *AssemblerImpl) CompileRegisterToNone(instruction asm.Instruction, register asm.Register) {
	n := a.newNode(instruction, operandTypesRegisterToNone)
	n.srcReg = register
}

// CompileNoneToRegister implements Assembler.CompileNoneToRegister.
func (a *AssemblerImpl) CompileNoneToRegister(instruction asm.Instruction, register asm.Register) {
	n := a.newNode(instruction, operandTypesNoneToRegister)
	n.dstReg = register
}

// CompileNoneToMemory implements Assembler.CompileNoneToMemory.
func (a *AssemblerImpl) CompileNoneToMemory(instruction asm.Instruction, baseReg asm.Register, offset asm.ConstantValue) {
	n := a.newNode(instruction, operandTypesNoneToMemory)
	n.dstReg = baseReg
	n.dstConst = offset
}

// CompileMemoryToNone implements Assembler.CompileMemoryToNone.
func (a *AssemblerImpl) CompileMemoryToNone(instruction asm.Instruction, baseReg asm.Register, offset asm.ConstantValue) {
	n := a.newNode(instruction, operandTypesMemoryToNone)
	n.srcReg = baseReg
	n.srcConst = offset
}

// CompileConstToMemory implements Assembler.CompileConstToMemory.
func (a *AssemblerImpl) CompileConstToMemory(instruction asm.Instruction, value asm.ConstantValue, dstBaseReg asm.Register, dstOffset asm.ConstantValue) asm.Node {
	n := a.newNode(instruction, operandTypesConstToMemory)
	n.srcConst = value
	n.dstReg = dstBaseReg
	n.dstConst = dstOffset
	return n
}

// CompileMemoryToConst implements Assembler.CompileMemoryToConst.
func (a *AssemblerImpl) CompileMemoryToConst(instruction asm.Instruction, srcBaseReg asm.Register, srcOffset, value asm.ConstantValue) asm.Node {
	n := a.newNode(instruction, operandTypesMemoryToConst)
	n.srcReg = srcBaseReg
	n.srcConst = srcOffset
	n.dstConst = value
	return n
}

// CompileMemoryWithIndexToRegister implements Assembler.CompileMemoryWithIndexToRegister.
func (a *AssemblerImpl) CompileMemoryWithIndexToRegister(instruction asm.Instruction, srcBaseReg asm.Register, srcOffsetConst asm.ConstantValue, srcIndex asm.Register, srcScale int16, dstReg asm.Register) {
	n := a.newNode(instruction, operandTypesMemoryToRegister)
	n.srcReg = srcBaseReg
	n.srcConst = srcOffsetConst
	n.srcMemIndex = srcIndex
	n.srcMemScale = byte(srcScale)
	n.dstReg = dstReg
}

// CompileRegisterToMemoryWithIndex implements Assembler.CompileRegisterToMemoryWithIndex.
func (a *AssemblerImpl) CompileRegisterToMemoryWithIndex(instruction asm.Instruction, srcReg, dstBaseReg asm.Register, dstOffsetConst asm.ConstantValue, dstIndex asm.Register, dstScale int16) {
	n := a.newNode(instruction, operandTypesRegisterToMemory)
	n.srcReg = srcReg
	n.dstReg = dstBaseReg
	n.dstConst = dstOffsetConst
	n.dstMemIndex = dstIndex
	n.dstMemScale = byte(dstScale)
}

// CompileInterrupt implements Assembler.CompileInterrupt.
func (a *AssemblerImpl) CompileInterrupt(vector byte) {
	n := a.newNode(INT, operandTypesConstToNone)
	n.srcConst = int64(vector)
}

// BuildJumpTable implements asm.AssemblerBase.BuildJumpTable.
//
// The table is filled on the generate callback, once all offsets are final:
// each 32-bit entry is the offset of initialInstructions[i] relative to
// initialInstructions[0].
func (a *AssemblerImpl) BuildJumpTable(table []byte, initialInstructions []asm.Node) {
	a.AddOnGenerateCallBack(func(code []byte) error {
		base := initialInstructions[0].OffsetInBinary()
		for i, inst := range initialInstructions {
			instructionOffset := inst.OffsetInBinary() - base
			if instructionOffset > asm.JumpTableMaximumOffset {
				return fmt.Errorf("too large jump table offset %d", instructionOffset)
			}
			binary.LittleEndian.PutUint32(table[i*4:(i+1)*4], uint32(instructionOffset))
		}
		return nil
	})
}
