package asm

import (
	"fmt"
	"math"
)

// Register represents architecture-specific registers.
type Register byte

// NilRegister is the only architecture-independent register, and
// can be used to indicate that no register is specified.
const NilRegister Register = 0

// Instruction represents architecture-specific instructions.
type Instruction byte

// Node represents a node in the linked list of assembled operations.
type Node interface {
	fmt.Stringer
	// AssignJumpTarget assigns the given target node as the destination of
	// jump instruction for this Node.
	AssignJumpTarget(target Node)
	// AssignDestinationConstant assigns the given constant as the destination
	// of the instruction for this node.
	AssignDestinationConstant(value ConstantValue)
	// AssignSourceConstant assigns the given constant as the source
	// of the instruction for this node.
	AssignSourceConstant(value ConstantValue)
	// OffsetInBinary returns the offset of this node in the assembled binary.
	OffsetInBinary() NodeOffsetInBinary
}

// NodeOffsetInBinary represents an offset of this node in the final binary.
type NodeOffsetInBinary = uint64

// ConstantValue represents a constant value used in an instruction.
type ConstantValue = int64

// AssemblerBase is the common interface for assemblers among multiple architectures.
//
// Note: some of these could be implemented in an arch-independent way, but not
// all can, so the arch-dependent methods live here too in order to provide a
// single documentation surface.
type AssemblerBase interface {
	// Assemble produces the final binary for the assembled operations.
	Assemble() ([]byte, error)
	// SetJumpTargetOnNext instructs the assembler that the next node must be
	// assigned as the given nodes' jump destination.
	SetJumpTargetOnNext(nodes ...Node)
	// BuildJumpTable calculates the offsets between the first instruction
	// `initialInstructions[0]` and the others (e.g. initialInstructions[3]),
	// and writes the calculated offsets into the pre-allocated `table` slice
	// in little endian.
	BuildJumpTable(table []byte, initialInstructions []Node)
	// AddOnGenerateCallBack adds a callback invoked with the final binary.
	AddOnGenerateCallBack(func(code []byte) error)
	// CompileStandAlone adds an instruction to take no arguments.
	CompileStandAlone(instruction Instruction) Node
	// CompileConstToRegister adds an instruction where the source operand is
	// `value` as constant and the destination is the `destinationReg` register.
	CompileConstToRegister(instruction Instruction, value ConstantValue, destinationReg Register) Node
	// CompileRegisterToRegister adds an instruction where source and
	// destination operands are registers.
	CompileRegisterToRegister(instruction Instruction, from, to Register)
	// CompileMemoryToRegister adds an instruction where the source operand is
	// the memory address specified by `sourceBaseReg+sourceOffsetConst` and
	// the destination is the `destinationReg` register.
	CompileMemoryToRegister(instruction Instruction, sourceBaseReg Register, sourceOffsetConst ConstantValue, destinationReg Register)
	// CompileRegisterToMemory adds an instruction where the source operand is
	// the `sourceRegister` register and the destination is the memory address
	// specified by `destinationBaseRegister+destinationOffsetConst`.
	CompileRegisterToMemory(instruction Instruction, sourceRegister Register, destinationBaseRegister Register, destinationOffsetConst ConstantValue)
	// CompileJump adds a jump-type instruction and returns the corresponding
	// Node in the assembled linked list.
	CompileJump(jmpInstruction Instruction) Node
	// CompileJumpToMemory adds a jump-type instruction whose destination is
	// stored in the memory address specified by `baseReg+offset`.
	CompileJumpToMemory(jmpInstruction Instruction, baseReg Register, offset ConstantValue)
	// CompileJumpToRegister adds a jump-type instruction whose destination is
	// the address held in the `reg` register.
	CompileJumpToRegister(jmpInstruction Instruction, reg Register)
}

// JumpTableMaximumOffset represents the limit on the size of a jump table in
// bytes. A switch table beyond this would mean gigabytes of generated code,
// which the registry's 32-bit native offsets cannot describe.
const JumpTableMaximumOffset = math.MaxUint32
