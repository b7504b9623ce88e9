// Package amd64_debug provides an assembler which cross-checks the in-tree
// encoder against golang-asm (a fork of Go's official assembler), failing on
// any byte divergence. It exists to debug encoder bugs and is only wired
// when explicitly requested through the engine configuration; construction
// and divergence failures surface as compilation errors.
package amd64_debug

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/protonos/ciljit/internal/asm"
	"github.com/protonos/ciljit/internal/asm/amd64"
)

// NewDebugAssembler returns an amd64.Assembler which runs every instruction
// through both the in-tree encoder and golang-asm, and errors on Assemble if
// the two binaries differ.
func NewDebugAssembler() (amd64.Assembler, error) {
	goasm, err := newGolangAsmAssembler()
	if err != nil {
		return nil, err
	}
	return &testAssembler{a: amd64.NewAssemblerImpl(), goasm: goasm}, nil
}

// testAssembler implements amd64.Assembler by pairing the two encoders.
type testAssembler struct {
	goasm *assemblerGoAsmImpl
	a     *amd64.AssemblerImpl
}

// testNode implements asm.Node for the usage with testAssembler.
type testNode struct {
	n     asm.Node
	goasm asm.Node
}

// String implements fmt.Stringer.
func (tn *testNode) String() string {
	return tn.n.String()
}

// AssignJumpTarget implements asm.Node.AssignJumpTarget.
func (tn *testNode) AssignJumpTarget(target asm.Node) {
	targetTestNode := target.(*testNode)
	tn.goasm.AssignJumpTarget(targetTestNode.goasm)
	tn.n.AssignJumpTarget(targetTestNode.n)
}

// AssignDestinationConstant implements asm.Node.AssignDestinationConstant.
func (tn *testNode) AssignDestinationConstant(value asm.ConstantValue) {
	tn.goasm.AssignDestinationConstant(value)
	tn.n.AssignDestinationConstant(value)
}

// AssignSourceConstant implements asm.Node.AssignSourceConstant.
func (tn *testNode) AssignSourceConstant(value asm.ConstantValue) {
	tn.goasm.AssignSourceConstant(value)
	tn.n.AssignSourceConstant(value)
}

// OffsetInBinary implements asm.Node.OffsetInBinary.
func (tn *testNode) OffsetInBinary() asm.NodeOffsetInBinary {
	return tn.goasm.OffsetInBinary()
}

// Assemble implements asm.AssemblerBase.Assemble.
func (ta *testAssembler) Assemble() ([]byte, error) {
	ret, err := ta.goasm.Assemble()
	if err != nil {
		return nil, err
	}

	a, err := ta.a.Assemble()
	if err != nil {
		return nil, fmt.Errorf("homemade assembler failed: %w", err)
	}

	if !bytes.Equal(ret, a) {
		expected := hex.EncodeToString(ret)
		actual := hex.EncodeToString(a)
		return nil, fmt.Errorf("expected (len=%d): %s\nactual(len=%d): %s", len(expected), expected, len(actual), actual)
	}
	return ret, nil
}

// SetJumpTargetOnNext implements asm.AssemblerBase.SetJumpTargetOnNext.
func (ta *testAssembler) SetJumpTargetOnNext(nodes ...asm.Node) {
	for _, n := range nodes {
		targetTestNode := n.(*testNode)
		ta.goasm.SetJumpTargetOnNext(targetTestNode.goasm)
		ta.a.SetJumpTargetOnNext(targetTestNode.n)
	}
}

// BuildJumpTable implements asm.AssemblerBase.BuildJumpTable.
func (ta *testAssembler) BuildJumpTable(table []byte, initialInstructions []asm.Node) {
	goasmNodes := make([]asm.Node, len(initialInstructions))
	ourNodes := make([]asm.Node, len(initialInstructions))
	for i, n := range initialInstructions {
		tn := n.(*testNode)
		goasmNodes[i] = tn.goasm
		ourNodes[i] = tn.n
	}
	ta.goasm.BuildJumpTable(table, goasmNodes)
	ta.a.BuildJumpTable(make([]byte, len(table)), ourNodes)
}

// AddOnGenerateCallBack implements asm.AssemblerBase.AddOnGenerateCallBack.
func (ta *testAssembler) AddOnGenerateCallBack(cb func([]byte) error) {
	ta.goasm.AddOnGenerateCallBack(cb)
}

// CompileStandAlone implements asm.AssemblerBase.CompileStandAlone.
func (ta *testAssembler) CompileStandAlone(instruction asm.Instruction) asm.Node {
	ret := ta.goasm.CompileStandAlone(instruction)
	ret2 := ta.a.CompileStandAlone(instruction)
	return &testNode{goasm: ret, n: ret2}
}

// CompileConstToRegister implements asm.AssemblerBase.CompileConstToRegister.
func (ta *testAssembler) CompileConstToRegister(instruction asm.Instruction, value asm.ConstantValue, destinationReg asm.Register) asm.Node {
	ret := ta.goasm.CompileConstToRegister(instruction, value, destinationReg)
	ret2 := ta.a.CompileConstToRegister(instruction, value, destinationReg)
	return &testNode{goasm: ret, n: ret2}
}

// CompileRegisterToRegister implements asm.AssemblerBase.CompileRegisterToRegister.
func (ta *testAssembler) CompileRegisterToRegister(instruction asm.Instruction, from, to asm.Register) {
	ta.goasm.CompileRegisterToRegister(instruction, from, to)
	ta.a.CompileRegisterToRegister(instruction, from, to)
}

// CompileMemoryToRegister implements asm.AssemblerBase.CompileMemoryToRegister.
func (ta *testAssembler) CompileMemoryToRegister(instruction asm.Instruction, sourceBaseReg asm.Register, sourceOffsetConst asm.ConstantValue, destinationReg asm.Register) {
	ta.goasm.CompileMemoryToRegister(instruction, sourceBaseReg, sourceOffsetConst, destinationReg)
	ta.a.CompileMemoryToRegister(instruction, sourceBaseReg, sourceOffsetConst, destinationReg)
}

// CompileRegisterToMemory implements asm.AssemblerBase.CompileRegisterToMemory.
func (ta *testAssembler) CompileRegisterToMemory(instruction asm.Instruction, sourceRegister, destinationBaseRegister asm.Register, destinationOffsetConst asm.ConstantValue) {
	ta.goasm.CompileRegisterToMemory(instruction, sourceRegister, destinationBaseRegister, destinationOffsetConst)
	ta.a.CompileRegisterToMemory(instruction, sourceRegister, destinationBaseRegister, destinationOffsetConst)
}

// CompileJump implements asm.AssemblerBase.CompileJump.
func (ta *testAssembler) CompileJump(jmpInstruction asm.Instruction) asm.Node {
	ret := ta.goasm.CompileJump(jmpInstruction)
	ret2 := ta.a.CompileJump(jmpInstruction)
	return &testNode{goasm: ret, n: ret2}
}

// CompileJumpToMemory implements asm.AssemblerBase.CompileJumpToMemory.
func (ta *testAssembler) CompileJumpToMemory(jmpInstruction asm.Instruction, baseReg asm.Register, offset asm.ConstantValue) {
	ta.goasm.CompileJumpToMemory(jmpInstruction, baseReg, offset)
	ta.a.CompileJumpToMemory(jmpInstruction, baseReg, offset)
}

// CompileJumpToRegister implements asm.AssemblerBase.CompileJumpToRegister.
func (ta *testAssembler) CompileJumpToRegister(jmpInstruction asm.Instruction, reg asm.Register) {
	ta.goasm.CompileJumpToRegister(jmpInstruction, reg)
	ta.a.CompileJumpToRegister(jmpInstruction, reg)
}

// CompileRegisterToConst implements amd64.Assembler.CompileRegisterToConst.
func (ta *testAssembler) CompileRegisterToConst(instruction asm.Instruction, srcRegister asm.Register, value asm.ConstantValue) asm.Node {
	ret := ta.goasm.CompileRegisterToConst(instruction, srcRegister, value)
	ret2 := ta.a.CompileRegisterToConst(instruction, srcRegister, value)
	return &testNode{goasm: ret, n: ret2}
}

// CompileRegisterToNone implements amd64.Assembler.CompileRegisterToNone.
func (ta *testAssembler) CompileRegisterToNone(instruction asm.Instruction, register asm.Register) {
	ta.goasm.CompileRegisterToNone(instruction, register)
	ta.a.CompileRegisterToNone(instruction, register)
}

// CompileNoneToRegister implements amd64.Assembler.CompileNoneToRegister.
func (ta *testAssembler) CompileNoneToRegister(instruction asm.Instruction, register asm.Register) {
	ta.goasm.CompileNoneToRegister(instruction, register)
	ta.a.CompileNoneToRegister(instruction, register)
}

// CompileNoneToMemory implements amd64.Assembler.CompileNoneToMemory.
func (ta *testAssembler) CompileNoneToMemory(instruction asm.Instruction, baseReg asm.Register, offset asm.ConstantValue) {
	ta.goasm.CompileNoneToMemory(instruction, baseReg, offset)
	ta.a.CompileNoneToMemory(instruction, baseReg, offset)
}

// CompileMemoryToNone implements amd64.Assembler.CompileMemoryToNone.
func (ta *testAssembler) CompileMemoryToNone(instruction asm.Instruction, baseReg asm.Register, offset asm.ConstantValue) {
	ta.goasm.CompileMemoryToNone(instruction, baseReg, offset)
	ta.a.CompileMemoryToNone(instruction, baseReg, offset)
}

// CompileConstToMemory implements amd64.Assembler.CompileConstToMemory.
func (ta *testAssembler) CompileConstToMemory(instruction asm.Instruction, value asm.ConstantValue, dstBaseReg asm.Register, dstOffset asm.ConstantValue) asm.Node {
	ret := ta.goasm.CompileConstToMemory(instruction, value, dstBaseReg, dstOffset)
	ret2 := ta.a.CompileConstToMemory(instruction, value, dstBaseReg, dstOffset)
	return &testNode{goasm: ret, n: ret2}
}

// CompileMemoryToConst implements amd64.Assembler.CompileMemoryToConst.
func (ta *testAssembler) CompileMemoryToConst(instruction asm.Instruction, srcBaseReg asm.Register, srcOffset, value asm.ConstantValue) asm.Node {
	ret := ta.goasm.CompileMemoryToConst(instruction, srcBaseReg, srcOffset, value)
	ret2 := ta.a.CompileMemoryToConst(instruction, srcBaseReg, srcOffset, value)
	return &testNode{goasm: ret, n: ret2}
}

// CompileMemoryWithIndexToRegister implements amd64.Assembler.CompileMemoryWithIndexToRegister.
func (ta *testAssembler) CompileMemoryWithIndexToRegister(instruction asm.Instruction, srcBaseReg asm.Register, srcOffsetConst asm.ConstantValue, srcIndex asm.Register, srcScale int16, dstReg asm.Register) {
	ta.goasm.CompileMemoryWithIndexToRegister(instruction, srcBaseReg, srcOffsetConst, srcIndex, srcScale, dstReg)
	ta.a.CompileMemoryWithIndexToRegister(instruction, srcBaseReg, srcOffsetConst, srcIndex, srcScale, dstReg)
}

// CompileRegisterToMemoryWithIndex implements amd64.Assembler.CompileRegisterToMemoryWithIndex.
func (ta *testAssembler) CompileRegisterToMemoryWithIndex(instruction asm.Instruction, srcReg, dstBaseReg asm.Register, dstOffsetConst asm.ConstantValue, dstIndex asm.Register, dstScale int16) {
	ta.goasm.CompileRegisterToMemoryWithIndex(instruction, srcReg, dstBaseReg, dstOffsetConst, dstIndex, dstScale)
	ta.a.CompileRegisterToMemoryWithIndex(instruction, srcReg, dstBaseReg, dstOffsetConst, dstIndex, dstScale)
}

// CompileInterrupt implements amd64.Assembler.CompileInterrupt.
func (ta *testAssembler) CompileInterrupt(vector byte) {
	ta.goasm.CompileInterrupt(vector)
	ta.a.CompileInterrupt(vector)
}
