package tier0

import (
	"fmt"

	"github.com/protonos/ciljit/internal/asm"
	"github.com/protonos/ciljit/internal/asm/amd64"
	"github.com/protonos/ciljit/internal/cil"
)

func (c *compiler) compileBr(target uint32) error {
	c.spillTOS()
	j := c.asm.CompileJump(amd64.JMP)
	if err := c.branchTo(j, target); err != nil {
		return err
	}
	c.unreachable = true
	return nil
}

func (c *compiler) compileBrCond(target uint32, whenTrue bool) error {
	c.popInt(regAccum)
	c.spillTOS()
	c.asm.CompileRegisterToRegister(amd64.TESTQ, regAccum, regAccum)
	cc := amd64.JEQ
	if whenTrue {
		cc = amd64.JNE
	}
	j := c.asm.CompileJump(cc)
	return c.branchTo(j, target)
}

// branchCC maps the two-operand compare-and-branch opcodes to their
// condition after `cmp a, b` (flags of a-b).
var branchCC = map[cil.Opcode]asm.Instruction{
	cil.OpBeq: amd64.JEQ, cil.OpBeqS: amd64.JEQ,
	cil.OpBge: amd64.JGE, cil.OpBgeS: amd64.JGE,
	cil.OpBgt: amd64.JGT, cil.OpBgtS: amd64.JGT,
	cil.OpBle: amd64.JLE, cil.OpBleS: amd64.JLE,
	cil.OpBlt: amd64.JLT, cil.OpBltS: amd64.JLT,
	cil.OpBneUn: amd64.JNE, cil.OpBneUnS: amd64.JNE,
	cil.OpBgeUn: amd64.JCC, cil.OpBgeUnS: amd64.JCC,
	cil.OpBgtUn: amd64.JHI, cil.OpBgtUnS: amd64.JHI,
	cil.OpBleUn: amd64.JLS, cil.OpBleUnS: amd64.JLS,
	cil.OpBltUn: amd64.JCS, cil.OpBltUnS: amd64.JCS,
}

func isShortBranch(op cil.Opcode) bool {
	return cil.OperandKindOf(op) == cil.OperandBranch8
}

func (c *compiler) compileBrCmp(op cil.Opcode, r *cil.Reader) error {
	target, err := r.BranchTarget(isShortBranch(op))
	if err != nil {
		return err
	}
	if c.isFloatTop() {
		return c.compileBrCmpFloat(op, target)
	}
	if v, ok := c.tosConst(); ok && v >= -1<<31 && v < 1<<31 {
		c.popConst()
		c.popInt(regAccum)
		c.asm.CompileRegisterToConst(amd64.CMPQ, regAccum, v)
	} else {
		c.popInt(regScratch)
		c.popInt(regAccum)
		c.asm.CompileRegisterToRegister(amd64.CMPQ, regScratch, regAccum)
	}
	c.spillTOS()
	j := c.asm.CompileJump(branchCC[op])
	return c.branchTo(j, target)
}

func (c *compiler) compileBrCmpFloat(op cil.Opcode, target uint32) error {
	var cc asm.Instruction
	swap := false
	switch op {
	case cil.OpBeq, cil.OpBeqS:
		// beq on NaN must fall through; JEQ alone would take it on
		// unordered, so guard with parity first.
		return c.compileBeqFloat(target)
	case cil.OpBgt, cil.OpBgtS:
		cc = amd64.JHI
	case cil.OpBlt, cil.OpBltS:
		cc, swap = amd64.JHI, true
	case cil.OpBge, cil.OpBgeS:
		cc = amd64.JCC
	case cil.OpBle, cil.OpBleS:
		cc, swap = amd64.JCC, true
	case cil.OpBneUn, cil.OpBneUnS:
		// Unordered raises ZF, so JNE alone misses NaN; parity joins in.
		return c.compileBneUnFloat(target)
	case cil.OpBltUn, cil.OpBltUnS:
		cc = amd64.JCS
	case cil.OpBgtUn, cil.OpBgtUnS:
		cc, swap = amd64.JCS, true
	case cil.OpBleUn, cil.OpBleUnS:
		cc = amd64.JLS
	case cil.OpBgeUn, cil.OpBgeUnS:
		cc, swap = amd64.JLS, true
	default:
		return fmt.Errorf("%w: %s on floats", ErrUnsupportedOpcode, op.Name())
	}
	c.emitFloatCmpOperands(swap)
	c.spillTOS()
	j := c.asm.CompileJump(cc)
	return c.branchTo(j, target)
}

// emitFloatCmpOperands pops b then a and emits UCOMIS with the requested
// operand order.
func (c *compiler) emitFloatCmpOperands(swap bool) {
	c.popFloat(fregScratch) // b
	tag := c.popFloat(fregAccum)
	cmp := amd64.UCOMISD
	if tag == tagFloat32 {
		cmp = amd64.UCOMISS
	}
	if swap {
		c.asm.CompileRegisterToRegister(cmp, fregAccum, fregScratch)
	} else {
		c.asm.CompileRegisterToRegister(cmp, fregScratch, fregAccum)
	}
}

func (c *compiler) compileBeqFloat(target uint32) error {
	c.emitFloatCmpOperands(false)
	c.spillTOS()
	skip := c.asm.CompileJump(amd64.JPS) // NaN: not equal
	j := c.asm.CompileJump(amd64.JEQ)
	err := c.branchTo(j, target)
	c.asm.SetJumpTargetOnNext(skip)
	return err
}

func (c *compiler) compileBneUnFloat(target uint32) error {
	c.emitFloatCmpOperands(false)
	c.spillTOS()
	// Unordered compares equal on ZF, so branch on parity as well.
	jp := c.asm.CompileJump(amd64.JPS)
	if err := c.branchTo(jp, target); err != nil {
		return err
	}
	j := c.asm.CompileJump(amd64.JNE)
	return c.branchTo(j, target)
}

// compileSwitch lowers the jump table to a compare chain: Tier-0 trades the
// indirect table for simplicity, and the fall-through case costs nothing.
//
// TODO: lower dense tables through asm.BuildJumpTable once the method record
// owns table storage next to the code.
func (c *compiler) compileSwitch(r *cil.Reader) error {
	n, err := r.Int32()
	if err != nil {
		return err
	}
	base := r.Offset() + uint32(4*n)
	targets := make([]uint32, n)
	for i := range targets {
		rel, err := r.Int32()
		if err != nil {
			return err
		}
		targets[i] = base + uint32(rel)
	}
	c.popInt(regAccum)
	c.spillTOS()
	for i, t := range targets {
		c.asm.CompileRegisterToConst(amd64.CMPQ, regAccum, int64(i))
		j := c.asm.CompileJump(amd64.JEQ)
		if err := c.branchTo(j, t); err != nil {
			return err
		}
	}
	return nil
}

func (c *compiler) compileRet() error {
	switch c.frame.retKind {
	case RetVoid:

	case RetFloatInXmm0:
		c.popFloat(fregAccum)

	case RetInt64InRax, RetSmallStructInRax:
		if c.stack.peek() == tagValueTypeSlot {
			c.spillTOS()
			c.asm.CompileNoneToRegister(amd64.POPQ, regAccum)
			c.stack.pop()
		} else {
			c.popInt(regAccum)
		}

	case RetMediumStructInRaxRdx:
		c.spillTOS()
		// Image layout puts the low qword on top.
		c.asm.CompileNoneToRegister(amd64.POPQ, regAccum)
		c.asm.CompileNoneToRegister(amd64.POPQ, regScratch2)
		c.stack.pop()
		c.stack.pop()

	case RetHiddenBuffer:
		c.spillTOS()
		slots := slotsOf(c.frame.retSize)
		// Copy the result image into the caller's buffer and return its
		// address, which the prolog stashed in the frame.
		c.asm.CompileMemoryToRegister(amd64.MOVQ, amd64.REG_BP, retBufSlotOffset, regAccum)
		c.copyBytes(amd64.REG_SP, 0, regAccum, 0, c.frame.retSize)
		c.dropSlots(slots)
	}

	if c.stack.height() != 0 {
		return fmt.Errorf("%w: %d entries left on the stack at ret", ErrStackMismatch, c.stack.height())
	}
	c.emitEpilog()
	c.unreachable = true
	return nil
}
