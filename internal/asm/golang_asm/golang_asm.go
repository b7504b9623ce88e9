// Package golang_asm bridges the golang-asm library (a fork of Go's official
// assembler) to the asm.Node/AssemblerBase vocabulary. It exists solely to
// back the cross-checking assembler in internal/asm/amd64_debug.
package golang_asm

import (
	"encoding/binary"
	"fmt"

	goasm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"

	"github.com/protonos/ciljit/internal/asm"
)

// GolangAsmNode implements asm.Node for the golang-asm library.
type GolangAsmNode struct {
	prog *obj.Prog
}

func NewGolangAsmNode(p *obj.Prog) *GolangAsmNode {
	return &GolangAsmNode{prog: p}
}

// String implements fmt.Stringer.
func (n *GolangAsmNode) String() string {
	return n.prog.String()
}

// OffsetInBinary implements asm.Node.OffsetInBinary.
func (n *GolangAsmNode) OffsetInBinary() asm.NodeOffsetInBinary {
	return asm.NodeOffsetInBinary(n.prog.Pc)
}

// AssignJumpTarget implements asm.Node.AssignJumpTarget.
func (n *GolangAsmNode) AssignJumpTarget(target asm.Node) {
	b := target.(*GolangAsmNode)
	n.prog.To.SetTarget(b.prog)
}

// AssignDestinationConstant implements asm.Node.AssignDestinationConstant.
func (n *GolangAsmNode) AssignDestinationConstant(value asm.ConstantValue) {
	n.prog.To.Offset = value
}

// AssignSourceConstant implements asm.Node.AssignSourceConstant.
func (n *GolangAsmNode) AssignSourceConstant(value asm.ConstantValue) {
	n.prog.From.Offset = value
}

// GolangAsmBaseAssembler implements *part of* asm.AssemblerBase for the
// golang-asm library.
type GolangAsmBaseAssembler struct {
	b *goasm.Builder
	// setBranchTargetOnNextNodes holds branch kind instructions where the
	// next coming instruction is the destination.
	setBranchTargetOnNextNodes []asm.Node
	// onGenerateCallbacks holds the callbacks which are called after
	// generating native code.
	onGenerateCallbacks []func(code []byte) error
}

func NewGolangAsmBaseAssembler(arch string) (*GolangAsmBaseAssembler, error) {
	b, err := goasm.NewBuilder(arch, 1024)
	if err != nil {
		return nil, fmt.Errorf("failed to create a new assembly builder: %w", err)
	}
	return &GolangAsmBaseAssembler{b: b}, nil
}

// Assemble implements asm.AssemblerBase.Assemble.
func (a *GolangAsmBaseAssembler) Assemble() ([]byte, error) {
	code := a.b.Assemble()
	for _, cb := range a.onGenerateCallbacks {
		if err := cb(code); err != nil {
			return nil, err
		}
	}
	return code, nil
}

// SetJumpTargetOnNext implements asm.AssemblerBase.SetJumpTargetOnNext.
func (a *GolangAsmBaseAssembler) SetJumpTargetOnNext(nodes ...asm.Node) {
	a.setBranchTargetOnNextNodes = append(a.setBranchTargetOnNextNodes, nodes...)
}

// AddOnGenerateCallBack implements asm.AssemblerBase.AddOnGenerateCallBack.
func (a *GolangAsmBaseAssembler) AddOnGenerateCallBack(cb func([]byte) error) {
	a.onGenerateCallbacks = append(a.onGenerateCallbacks, cb)
}

// BuildJumpTable implements asm.AssemblerBase.BuildJumpTable.
func (a *GolangAsmBaseAssembler) BuildJumpTable(table []byte, initialInstructions []asm.Node) {
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

// AddInstruction appends an instruction to the builder and resolves any
// pending branch targets onto it.
func (a *GolangAsmBaseAssembler) AddInstruction(next *obj.Prog) {
	a.b.AddInstruction(next)
	for _, node := range a.setBranchTargetOnNextNodes {
		n := node.(*GolangAsmNode)
		n.prog.To.SetTarget(next)
	}
	a.setBranchTargetOnNextNodes = nil
}

// NewProg returns a new instruction.
func (a *GolangAsmBaseAssembler) NewProg() (prog *obj.Prog) {
	return a.b.NewProg()
}
