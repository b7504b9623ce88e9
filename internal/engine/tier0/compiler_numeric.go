package tier0

import (
	"fmt"

	"github.com/protonos/ciljit/internal/asm"
	"github.com/protonos/ciljit/internal/asm/amd64"
	"github.com/protonos/ciljit/internal/cil"
)

// isFloatTop reports whether the logical top is float-tagged.
func (c *compiler) isFloatTop() bool {
	t := c.stack.peek()
	return t == tagFloat32 || t == tagFloat64
}

var intBinOps = map[cil.Opcode]asm.Instruction{
	cil.OpAdd: amd64.ADDQ,
	cil.OpSub: amd64.SUBQ,
	cil.OpAnd: amd64.ANDQ,
	cil.OpOr:  amd64.ORQ,
	cil.OpXor: amd64.XORQ,
}

var floatBinOps = map[cil.Opcode][2]asm.Instruction{
	cil.OpAdd: {amd64.ADDSS, amd64.ADDSD},
	cil.OpSub: {amd64.SUBSS, amd64.SUBSD},
	cil.OpMul: {amd64.MULSS, amd64.MULSD},
	cil.OpDiv: {amd64.DIVSS, amd64.DIVSD},
}

func (c *compiler) compileArith(op cil.Opcode) error {
	if c.isFloatTop() {
		return c.compileFloatArith(op)
	}

	switch op {
	case cil.OpAdd, cil.OpSub, cil.OpAnd, cil.OpOr, cil.OpXor:
		inst := intBinOps[op]
		// A deferred constant on top folds into the immediate form.
		if v, ok := c.tosConst(); ok && v >= -1<<31 && v < 1<<31 {
			c.popConst()
			c.popInt(regAccum)
			c.asm.CompileConstToRegister(inst, v, regAccum)
		} else {
			c.popInt(regScratch)
			c.popInt(regAccum)
			c.asm.CompileRegisterToRegister(inst, regScratch, regAccum)
		}
		c.pushedInt()
		return nil

	case cil.OpMul:
		if v, ok := c.tosConst(); ok && v >= -1<<31 && v < 1<<31 {
			c.popConst()
			c.popInt(regAccum)
			c.asm.CompileConstToRegister(amd64.IMULQ, v, regAccum)
		} else {
			c.popInt(regScratch)
			c.popInt(regAccum)
			c.asm.CompileRegisterToRegister(amd64.IMULQ, regScratch, regAccum)
		}
		c.pushedInt()
		return nil

	case cil.OpDiv, cil.OpRem:
		c.popInt(regScratch)
		c.popInt(regAccum)
		c.asm.CompileStandAlone(amd64.CQO)
		c.asm.CompileRegisterToNone(amd64.IDIVQ, regScratch)
		if op == cil.OpRem {
			c.asm.CompileRegisterToRegister(amd64.MOVQ, regScratch2, regAccum)
		}
		c.pushedInt()
		return nil

	case cil.OpDivUn, cil.OpRemUn:
		c.popInt(regScratch)
		c.popInt(regAccum)
		c.asm.CompileRegisterToRegister(amd64.XORL, regScratch2, regScratch2)
		c.asm.CompileRegisterToNone(amd64.DIVQ, regScratch)
		if op == cil.OpRemUn {
			c.asm.CompileRegisterToRegister(amd64.MOVQ, regScratch2, regAccum)
		}
		c.pushedInt()
		return nil

	case cil.OpShl, cil.OpShr, cil.OpShrUn:
		var inst asm.Instruction
		switch op {
		case cil.OpShl:
			inst = amd64.SHLQ
		case cil.OpShr:
			inst = amd64.SARQ
		default:
			inst = amd64.SHRQ
		}
		if v, ok := c.tosConst(); ok && v >= 0 && v < 64 {
			c.popConst()
			c.popInt(regAccum)
			c.asm.CompileConstToRegister(inst, v, regAccum)
		} else {
			c.popInt(amd64.REG_CX)
			c.popInt(regAccum)
			c.asm.CompileRegisterToRegister(inst, amd64.REG_CX, regAccum)
		}
		c.pushedInt()
		return nil

	case cil.OpNeg:
		c.popInt(regAccum)
		c.asm.CompileNoneToRegister(amd64.NEGQ, regAccum)
		c.pushedInt()
		return nil
	case cil.OpNot:
		c.popInt(regAccum)
		c.asm.CompileNoneToRegister(amd64.NOTQ, regAccum)
		c.pushedInt()
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedOpcode, op.Name())
}

func (c *compiler) compileFloatArith(op cil.Opcode) error {
	switch op {
	case cil.OpNeg:
		// Flip the sign bit through the integer side; there is no SSE negate.
		tag := c.popFloat(fregAccum)
		mask := int64(-1 << 63)
		if tag == tagFloat32 {
			mask = 1 << 31
		}
		c.asm.CompileRegisterToRegister(amd64.MOVQ, fregAccum, regAccum)
		c.materializeConst(regScratch, mask)
		c.asm.CompileRegisterToRegister(amd64.XORQ, regScratch, regAccum)
		c.asm.CompileRegisterToRegister(amd64.MOVQ, regAccum, fregAccum)
		c.pushedFloat(tag)
		return nil
	case cil.OpAdd, cil.OpSub, cil.OpMul, cil.OpDiv:
		insts, ok := floatBinOps[op]
		if !ok {
			return fmt.Errorf("%w: %s on floats", ErrUnsupportedOpcode, op.Name())
		}
		c.popFloat(fregScratch)
		tag := c.popFloat(fregAccum)
		inst := insts[1]
		if tag == tagFloat32 {
			inst = insts[0]
		}
		c.asm.CompileRegisterToRegister(inst, fregScratch, fregAccum)
		c.pushedFloat(tag)
		return nil
	}
	return fmt.Errorf("%w: %s on floats", ErrUnsupportedOpcode, op.Name())
}

func (c *compiler) compileArithOvf(op cil.Opcode) error {
	switch op {
	case cil.OpAddOvf, cil.OpAddOvfUn, cil.OpSubOvf, cil.OpSubOvfUn:
		var inst asm.Instruction
		if op == cil.OpAddOvf || op == cil.OpAddOvfUn {
			inst = amd64.ADDQ
		} else {
			inst = amd64.SUBQ
		}
		c.popInt(regScratch)
		c.popInt(regAccum)
		c.asm.CompileRegisterToRegister(inst, regScratch, regAccum)
		if op == cil.OpAddOvf || op == cil.OpSubOvf {
			c.jumpToOverflow(amd64.JOS)
		} else {
			c.jumpToOverflow(amd64.JCS)
		}
		c.pushedInt()
		return nil

	case cil.OpMulOvf:
		c.popInt(regScratch)
		c.popInt(regAccum)
		c.asm.CompileRegisterToRegister(amd64.IMULQ, regScratch, regAccum)
		c.jumpToOverflow(amd64.JOS)
		c.pushedInt()
		return nil

	case cil.OpMulOvfUn:
		c.popInt(regScratch)
		c.popInt(regAccum)
		// MUL widens into RDX:RAX; any high bits mean overflow.
		c.asm.CompileRegisterToNone(amd64.MULQ, regScratch)
		c.asm.CompileRegisterToRegister(amd64.TESTQ, regScratch2, regScratch2)
		c.jumpToOverflow(amd64.JNE)
		c.pushedInt()
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedOpcode, op.Name())
}

var compareSetcc = map[cil.Opcode]asm.Instruction{
	cil.OpCeq:   amd64.SETEQ,
	cil.OpCgt:   amd64.SETGT,
	cil.OpCgtUn: amd64.SETHI,
	cil.OpClt:   amd64.SETLT,
	cil.OpCltUn: amd64.SETCS,
}

func (c *compiler) compileCompare(op cil.Opcode) error {
	if c.isFloatTop() {
		return c.compileFloatCompare(op)
	}
	// flags := a - b where a was pushed first.
	if v, ok := c.tosConst(); ok && v >= -1<<31 && v < 1<<31 {
		c.popConst()
		c.popInt(regAccum)
		c.asm.CompileRegisterToConst(amd64.CMPQ, regAccum, v)
	} else {
		c.popInt(regScratch)
		c.popInt(regAccum)
		c.asm.CompileRegisterToRegister(amd64.CMPQ, regScratch, regAccum)
	}
	c.asm.CompileNoneToRegister(compareSetcc[op], regAccum)
	c.asm.CompileRegisterToRegister(amd64.MOVBLZX, regAccum, regAccum)
	c.pushedInt()
	return nil
}

func (c *compiler) compileFloatCompare(op cil.Opcode) error {
	// UCOMIS sets the unsigned flag group: with the comparison written as
	// (dst ? src), CF means dst < src or unordered, and above means strictly
	// greater and ordered. Each CIL comparison picks operand order and
	// condition so that NaN lands on the right side: false for the ordered
	// forms, true for the .un forms.
	var setcc asm.Instruction
	swap := false
	switch op {
	case cil.OpCeq:
		setcc = amd64.SETEQ
	case cil.OpCgt:
		setcc = amd64.SETHI // a > b, NaN fails (CF set on unordered)
	case cil.OpClt:
		setcc, swap = amd64.SETHI, true // b > a
	case cil.OpCltUn:
		setcc = amd64.SETCS // a < b or unordered
	case cil.OpCgtUn:
		setcc, swap = amd64.SETCS, true // b < a or unordered
	}
	c.popFloat(fregScratch) // b
	tag := c.popFloat(fregAccum)
	cmp := amd64.UCOMISD
	if tag == tagFloat32 {
		cmp = amd64.UCOMISS
	}
	if swap {
		c.asm.CompileRegisterToRegister(cmp, fregAccum, fregScratch) // b ? a
	} else {
		c.asm.CompileRegisterToRegister(cmp, fregScratch, fregAccum) // a ? b
	}
	c.asm.CompileNoneToRegister(setcc, regAccum)
	if op == cil.OpCeq {
		// Unordered raises ZF too; mask the result with NOT-parity.
		c.asm.CompileNoneToRegister(amd64.SETPC, regScratch)
		c.asm.CompileRegisterToRegister(amd64.ANDL, regScratch, regAccum)
	}
	c.asm.CompileRegisterToRegister(amd64.MOVBLZX, regAccum, regAccum)
	c.pushedInt()
	return nil
}

func (c *compiler) compileConv(op cil.Opcode) error {
	// Float source first: truncate toward zero into RAX, or convert across
	// float widths.
	if c.isFloatTop() {
		switch op {
		case cil.OpConvR4:
			tag := c.popFloat(fregAccum)
			if tag == tagFloat64 {
				c.asm.CompileRegisterToRegister(amd64.CVTSD2SS, fregAccum, fregAccum)
			}
			c.pushedFloat(tagFloat32)
			return nil
		case cil.OpConvR8, cil.OpConvRUn:
			tag := c.popFloat(fregAccum)
			if tag == tagFloat32 {
				c.asm.CompileRegisterToRegister(amd64.CVTSS2SD, fregAccum, fregAccum)
			}
			c.pushedFloat(tagFloat64)
			return nil
		}
		tag := c.popFloat(fregAccum)
		cvt := amd64.CVTTSD2SQ
		if tag == tagFloat32 {
			cvt = amd64.CVTTSS2SQ
		}
		c.asm.CompileRegisterToRegister(cvt, fregAccum, regAccum)
		return c.narrowAccum(op)
	}

	switch op {
	case cil.OpConvR4:
		c.popInt(regAccum)
		c.asm.CompileRegisterToRegister(amd64.CVTSQ2SS, regAccum, fregAccum)
		c.pushedFloat(tagFloat32)
		return nil
	case cil.OpConvR8:
		c.popInt(regAccum)
		c.asm.CompileRegisterToRegister(amd64.CVTSQ2SD, regAccum, fregAccum)
		c.pushedFloat(tagFloat64)
		return nil
	case cil.OpConvRUn:
		return c.compileConvRUn()
	}
	c.popInt(regAccum)
	return c.narrowAccum(op)
}

// narrowAccum truncates/extends RAX per the conversion opcode and pushes.
func (c *compiler) narrowAccum(op cil.Opcode) error {
	switch op {
	case cil.OpConvI1:
		c.asm.CompileRegisterToRegister(amd64.MOVBQSX, regAccum, regAccum)
	case cil.OpConvU1:
		c.asm.CompileRegisterToRegister(amd64.MOVBLZX, regAccum, regAccum)
	case cil.OpConvI2:
		c.asm.CompileRegisterToRegister(amd64.MOVWQSX, regAccum, regAccum)
	case cil.OpConvU2:
		c.asm.CompileRegisterToRegister(amd64.MOVWLZX, regAccum, regAccum)
	case cil.OpConvI4:
		c.asm.CompileRegisterToRegister(amd64.MOVLQSX, regAccum, regAccum)
	case cil.OpConvU4:
		c.asm.CompileRegisterToRegister(amd64.MOVLQZX, regAccum, regAccum)
	case cil.OpConvI8, cil.OpConvU8, cil.OpConvI, cil.OpConvU:
		// Already 64-bit.
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedOpcode, op.Name())
	}
	c.pushedInt()
	return nil
}

// compileConvRUn converts an unsigned 64-bit integer to float64, using the
// halve-and-double fixup for values with the top bit set.
func (c *compiler) compileConvRUn() error {
	c.popInt(regAccum)
	c.asm.CompileRegisterToRegister(amd64.TESTQ, regAccum, regAccum)
	big := c.asm.CompileJump(amd64.JMI)
	c.asm.CompileRegisterToRegister(amd64.CVTSQ2SD, regAccum, fregAccum)
	done := c.asm.CompileJump(amd64.JMP)
	c.asm.SetJumpTargetOnNext(big)
	c.asm.CompileRegisterToRegister(amd64.MOVQ, regAccum, regScratch)
	c.asm.CompileConstToRegister(amd64.SHRQ, 1, regScratch)
	c.asm.CompileConstToRegister(amd64.ANDQ, 1, regAccum)
	c.asm.CompileRegisterToRegister(amd64.ORQ, regAccum, regScratch)
	c.asm.CompileRegisterToRegister(amd64.CVTSQ2SD, regScratch, fregAccum)
	c.asm.CompileRegisterToRegister(amd64.ADDSD, fregAccum, fregAccum)
	c.asm.SetJumpTargetOnNext(done)
	c.pushedFloat(tagFloat64)
	return nil
}

func (c *compiler) compileConvOvf(op cil.Opcode) error {
	if c.isFloatTop() {
		// Float sources truncate first, then range-check as an integer.
		tag := c.popFloat(fregAccum)
		cvt := amd64.CVTTSD2SQ
		if tag == tagFloat32 {
			cvt = amd64.CVTTSS2SQ
		}
		c.asm.CompileRegisterToRegister(cvt, fregAccum, regAccum)
		// The sentinel 0x8000000000000000 means the conversion overflowed.
		c.materializeConst(regScratch, -1<<63)
		c.asm.CompileRegisterToRegister(amd64.CMPQ, regScratch, regAccum)
		c.jumpToOverflow(amd64.JEQ)
	} else {
		c.popInt(regAccum)
	}

	unsignedSource := false
	switch op {
	case cil.OpConvOvfI1Un, cil.OpConvOvfI2Un, cil.OpConvOvfI4Un, cil.OpConvOvfI8Un,
		cil.OpConvOvfU1Un, cil.OpConvOvfU2Un, cil.OpConvOvfU4Un, cil.OpConvOvfU8Un,
		cil.OpConvOvfIUn, cil.OpConvOvfUUn:
		unsignedSource = true
	}

	switch op {
	case cil.OpConvOvfI1, cil.OpConvOvfI1Un:
		c.checkSignedNarrow(amd64.MOVBQSX, unsignedSource)
	case cil.OpConvOvfI2, cil.OpConvOvfI2Un:
		c.checkSignedNarrow(amd64.MOVWQSX, unsignedSource)
	case cil.OpConvOvfI4, cil.OpConvOvfI4Un:
		c.checkSignedNarrow(amd64.MOVLQSX, unsignedSource)
	case cil.OpConvOvfI, cil.OpConvOvfI8:
		// Identity for signed sources.
	case cil.OpConvOvfIUn, cil.OpConvOvfI8Un:
		// Unsigned source must fit in the signed 64-bit range.
		c.asm.CompileRegisterToRegister(amd64.TESTQ, regAccum, regAccum)
		c.jumpToOverflow(amd64.JMI)
	case cil.OpConvOvfU1, cil.OpConvOvfU1Un:
		c.checkUnsignedMax(0xff, unsignedSource)
		c.asm.CompileRegisterToRegister(amd64.MOVBLZX, regAccum, regAccum)
	case cil.OpConvOvfU2, cil.OpConvOvfU2Un:
		c.checkUnsignedMax(0xffff, unsignedSource)
		c.asm.CompileRegisterToRegister(amd64.MOVWLZX, regAccum, regAccum)
	case cil.OpConvOvfU4, cil.OpConvOvfU4Un:
		c.checkUnsignedMax(0xffffffff, unsignedSource)
		c.asm.CompileRegisterToRegister(amd64.MOVLQZX, regAccum, regAccum)
	case cil.OpConvOvfU, cil.OpConvOvfU8:
		// Signed source must be non-negative.
		c.asm.CompileRegisterToRegister(amd64.TESTQ, regAccum, regAccum)
		c.jumpToOverflow(amd64.JMI)
	case cil.OpConvOvfUUn, cil.OpConvOvfU8Un:
		// Identity for unsigned sources.
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedOpcode, op.Name())
	}
	c.pushedInt()
	return nil
}

// checkSignedNarrow verifies RAX round-trips through the given
// sign-extending narrow, branching to the overflow stub otherwise, and
// leaves the narrowed value in RAX.
func (c *compiler) checkSignedNarrow(narrow asm.Instruction, unsignedSource bool) {
	if unsignedSource {
		// A negative 64-bit pattern is out of range for every signed target.
		c.asm.CompileRegisterToRegister(amd64.TESTQ, regAccum, regAccum)
		c.jumpToOverflow(amd64.JMI)
	}
	c.asm.CompileRegisterToRegister(narrow, regAccum, regScratch)
	c.asm.CompileRegisterToRegister(amd64.CMPQ, regAccum, regScratch)
	c.jumpToOverflow(amd64.JNE)
	c.asm.CompileRegisterToRegister(amd64.MOVQ, regScratch, regAccum)
}

// checkUnsignedMax verifies RAX, read as unsigned, does not exceed max.
func (c *compiler) checkUnsignedMax(max int64, unsignedSource bool) {
	_ = unsignedSource // negative signed sources read as huge unsigned values and fail too
	c.materializeConst(regScratch, max)
	c.asm.CompileRegisterToRegister(amd64.CMPQ, regScratch, regAccum)
	c.jumpToOverflow(amd64.JHI)
}

func (c *compiler) compileCkfinite() error {
	if !c.isFloatTop() {
		return fmt.Errorf("%w: ckfinite on integer", ErrStackMismatch)
	}
	tag := c.popFloat(fregAccum)
	var absMask, infBits int64
	if tag == tagFloat32 {
		absMask, infBits = 0x7fffffff, 0x7f800000
	} else {
		absMask, infBits = 0x7fffffffffffffff, 0x7ff0000000000000
	}
	c.asm.CompileRegisterToRegister(amd64.MOVQ, fregAccum, regAccum)
	c.materializeConst(regScratch, absMask)
	c.asm.CompileRegisterToRegister(amd64.ANDQ, regScratch, regAccum)
	c.materializeConst(regScratch, infBits)
	c.asm.CompileRegisterToRegister(amd64.CMPQ, regScratch, regAccum)
	c.jumpToOverflow(amd64.JCC) // abs(v) >= +Inf: NaN or infinite
	c.pushedFloat(tag)
	return nil
}

func (c *compiler) compileDup() error {
	// Duplicating must copy every slot of the logical top. The trailing
	// value-type run is the record of its width; getting this wrong corrupts
	// the stack.
	if c.stack.peek() != tagValueTypeSlot {
		c.spillTOS()
		tag := c.stack.peek()
		c.asm.CompileMemoryToNone(amd64.PUSHQ, amd64.REG_SP, 0)
		c.stack.push(tag)
		return nil
	}
	c.spillTOS()
	k := c.stack.valueTypeSlotRun()
	for i := 0; i < k; i++ {
		c.asm.CompileMemoryToNone(amd64.PUSHQ, amd64.REG_SP, int64(8*(k-1)))
		c.stack.push(tagValueTypeSlot)
	}
	return nil
}

func (c *compiler) compilePop() error {
	if c.tos.cached {
		// A cached (or deferred-constant) top dies without a single
		// instruction.
		c.tos.clear()
		c.stack.pop()
		return nil
	}
	k := c.stack.topSlots()
	c.dropSlots(k)
	return nil
}
