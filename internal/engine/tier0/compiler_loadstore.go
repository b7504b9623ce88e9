package tier0

import (
	"fmt"

	"github.com/protonos/ciljit/internal/asm"
	"github.com/protonos/ciljit/internal/asm/amd64"
	"github.com/protonos/ciljit/internal/cil"
)

func (c *compiler) compileLdcFloat(bits int64, tag stackTag) error {
	c.spillTOS()
	c.materializeConst(regAccum, bits)
	c.asm.CompileRegisterToRegister(amd64.MOVQ, regAccum, fregAccum)
	c.pushedFloat(tag)
	return nil
}

// pushImageFromMemory pushes a size-byte value-type image whose source is
// [baseReg+off], highest slot first so byte zero lands on the stack top.
func (c *compiler) pushImageFromMemory(base asm.Register, off int64, size uint32) {
	slots := slotsOf(size)
	for i := slots - 1; i >= 0; i-- {
		c.asm.CompileMemoryToNone(amd64.PUSHQ, base, off+int64(8*i))
	}
	for i := 0; i < slots; i++ {
		c.stack.push(tagValueTypeSlot)
	}
}

// popImageToMemory copies the top value-type image (slots qwords) into
// [baseReg+off] and drops it. Only full qwords move; frame and element slots
// are always padded to eight bytes.
func (c *compiler) popImageToMemory(base asm.Register, off int64, slots int) {
	for i := 0; i < slots; i++ {
		c.asm.CompileMemoryToRegister(amd64.MOVQ, amd64.REG_SP, int64(8*i), regScratch)
		c.asm.CompileRegisterToMemory(amd64.MOVQ, regScratch, base, off+int64(8*i))
	}
	c.dropSlots(slots)
}

func (c *compiler) compileLdloc(i int) error {
	off, err := c.frame.localOffset(i)
	if err != nil {
		return err
	}
	l := c.frame.locals[i]
	c.spillTOS()
	if l.slots > 1 {
		c.pushImageFromMemory(amd64.REG_BP, off, l.size)
		return nil
	}
	switch l.floatKind {
	case 4:
		c.asm.CompileMemoryToRegister(amd64.MOVSS, amd64.REG_BP, off, fregAccum)
		c.pushedFloat(tagFloat32)
	case 8:
		c.asm.CompileMemoryToRegister(amd64.MOVSD, amd64.REG_BP, off, fregAccum)
		c.pushedFloat(tagFloat64)
	default:
		c.asm.CompileMemoryToRegister(amd64.MOVQ, amd64.REG_BP, off, regAccum)
		c.pushedInt()
	}
	return nil
}

func (c *compiler) compileStloc(i int) error {
	off, err := c.frame.localOffset(i)
	if err != nil {
		return err
	}
	l := c.frame.locals[i]
	if l.slots > 1 {
		c.spillTOS()
		c.popImageToMemory(amd64.REG_BP, off, l.slots)
		return nil
	}
	c.popInt(regScratch)
	c.asm.CompileRegisterToMemory(amd64.MOVQ, regScratch, amd64.REG_BP, off)
	return nil
}

func (c *compiler) compileLdloca(i int) error {
	off, err := c.frame.localOffset(i)
	if err != nil {
		return err
	}
	c.spillTOS()
	c.asm.CompileMemoryToRegister(amd64.LEAQ, amd64.REG_BP, off, regAccum)
	c.pushedInt()
	return nil
}

func (c *compiler) compileLdarg(i int) error {
	home, err := c.frame.argHomeOffset(i)
	if err != nil {
		return err
	}
	a := c.frame.args[i]
	c.spillTOS()
	if c.frame.argByPointer(i) {
		// Large arguments live behind a pointer in the home slot.
		c.asm.CompileMemoryToRegister(amd64.MOVQ, amd64.REG_BP, home, regAccum)
		c.pushImageFromMemory(regAccum, 0, a.Size)
		return nil
	}
	if a.Size > 8 {
		c.pushImageFromMemory(amd64.REG_BP, home, a.Size)
		return nil
	}
	switch a.FloatKind {
	case 4:
		c.asm.CompileMemoryToRegister(amd64.MOVSS, amd64.REG_BP, home, fregAccum)
		c.pushedFloat(tagFloat32)
	case 8:
		c.asm.CompileMemoryToRegister(amd64.MOVSD, amd64.REG_BP, home, fregAccum)
		c.pushedFloat(tagFloat64)
	default:
		c.asm.CompileMemoryToRegister(amd64.MOVQ, amd64.REG_BP, home, regAccum)
		c.pushedInt()
	}
	return nil
}

func (c *compiler) compileStarg(i int) error {
	home, err := c.frame.argHomeOffset(i)
	if err != nil {
		return err
	}
	a := c.frame.args[i]
	if c.frame.argByPointer(i) {
		c.spillTOS()
		c.asm.CompileMemoryToRegister(amd64.MOVQ, amd64.REG_BP, home, regAccum)
		c.popImageToMemory(regAccum, 0, slotsOf(a.Size))
		return nil
	}
	if a.Size > 8 {
		c.spillTOS()
		c.popImageToMemory(amd64.REG_BP, home, slotsOf(a.Size))
		return nil
	}
	c.popInt(regScratch)
	c.asm.CompileRegisterToMemory(amd64.MOVQ, regScratch, amd64.REG_BP, home)
	return nil
}

func (c *compiler) compileLdarga(i int) error {
	home, err := c.frame.argHomeOffset(i)
	if err != nil {
		return err
	}
	c.spillTOS()
	if c.frame.argByPointer(i) {
		c.asm.CompileMemoryToRegister(amd64.MOVQ, amd64.REG_BP, home, regAccum)
	} else {
		c.asm.CompileMemoryToRegister(amd64.LEAQ, amd64.REG_BP, home, regAccum)
	}
	c.pushedInt()
	return nil
}

// loadScalarField emits a width- and sign-correct load of [base+off] into
// RAX or XMM0 and pushes it.
func (c *compiler) loadScalarField(base asm.Register, off int64, f *ResolvedField) {
	switch f.FloatKind {
	case 4:
		c.asm.CompileMemoryToRegister(amd64.MOVSS, base, off, fregAccum)
		c.pushedFloat(tagFloat32)
		return
	case 8:
		c.asm.CompileMemoryToRegister(amd64.MOVSD, base, off, fregAccum)
		c.pushedFloat(tagFloat64)
		return
	}
	var inst asm.Instruction
	switch {
	case f.Size == 1 && f.Signed:
		inst = amd64.MOVBQSX
	case f.Size == 1:
		inst = amd64.MOVBLZX
	case f.Size == 2 && f.Signed:
		inst = amd64.MOVWQSX
	case f.Size == 2:
		inst = amd64.MOVWLZX
	case f.Size == 4 && f.Signed:
		inst = amd64.MOVLQSX
	case f.Size == 4:
		inst = amd64.MOVLQZX
	default:
		inst = amd64.MOVQ
	}
	c.asm.CompileMemoryToRegister(inst, base, off, regAccum)
	c.pushedInt()
}

// storeScalarField stores the value in reg into [base+off] at the field's
// width.
func (c *compiler) storeScalarField(reg asm.Register, base asm.Register, off int64, size uint32) {
	var inst asm.Instruction
	switch size {
	case 1:
		inst = amd64.MOVB
	case 2:
		inst = amd64.MOVW
	case 4:
		inst = amd64.MOVL
	default:
		inst = amd64.MOVQ
	}
	c.asm.CompileRegisterToMemory(inst, reg, base, off)
}

// copyBytes copies size bytes from [srcBase+srcOff] to [dstBase+dstOff]
// through the scratch register, qwords first then a 4/2/1 tail.
func (c *compiler) copyBytes(srcBase asm.Register, srcOff int64, dstBase asm.Register, dstOff int64, size uint32) {
	var o int64
	for ; o+8 <= int64(size); o += 8 {
		c.asm.CompileMemoryToRegister(amd64.MOVQ, srcBase, srcOff+o, regScratch)
		c.asm.CompileRegisterToMemory(amd64.MOVQ, regScratch, dstBase, dstOff+o)
	}
	rest := int64(size) - o
	if rest >= 4 {
		c.asm.CompileMemoryToRegister(amd64.MOVLQZX, srcBase, srcOff+o, regScratch)
		c.asm.CompileRegisterToMemory(amd64.MOVL, regScratch, dstBase, dstOff+o)
		o += 4
		rest -= 4
	}
	if rest >= 2 {
		c.asm.CompileMemoryToRegister(amd64.MOVWLZX, srcBase, srcOff+o, regScratch)
		c.asm.CompileRegisterToMemory(amd64.MOVW, regScratch, dstBase, dstOff+o)
		o += 2
		rest -= 2
	}
	if rest >= 1 {
		c.asm.CompileMemoryToRegister(amd64.MOVBLZX, srcBase, srcOff+o, regScratch)
		c.asm.CompileRegisterToMemory(amd64.MOVB, regScratch, dstBase, dstOff+o)
	}
}

func (c *compiler) compileFieldOp(op cil.Opcode, token uint32) error {
	f, err := c.eng.resolver.ResolveField(token)
	if err != nil {
		return fmt.Errorf("resolving field 0x%08x: %w", token, err)
	}

	switch op {
	case cil.OpLdsfld, cil.OpLdsflda, cil.OpStsfld:
		return c.compileStaticFieldOp(op, &f)
	}

	switch op {
	case cil.OpLdfld:
		if c.stack.peek() == tagValueTypeSlot {
			return c.compileLdfldFromStack(&f)
		}
		c.popInt(regAccum)
		if slotsOf(f.Size) > 1 {
			c.pushImageFromMemory(regAccum, int64(f.Offset), f.Size)
			return nil
		}
		c.loadScalarField(regAccum, int64(f.Offset), &f)
		return nil

	case cil.OpLdflda:
		c.popInt(regAccum)
		c.asm.CompileMemoryToRegister(amd64.LEAQ, regAccum, int64(f.Offset), regAccum)
		c.pushedInt()
		return nil

	case cil.OpStfld:
		if slotsOf(f.Size) > 1 {
			c.spillTOS()
			valSlots := slotsOf(f.Size)
			// Stack: receiver, value image (top). The receiver pointer sits
			// just above the image.
			c.asm.CompileMemoryToRegister(amd64.MOVQ, amd64.REG_SP, int64(8*valSlots), regAccum)
			c.copyBytes(amd64.REG_SP, 0, regAccum, int64(f.Offset), f.Size)
			c.dropSlots(valSlots)
			c.popInt(regScratch) // receiver
			return nil
		}
		c.popInt(regScratch2) // value bits
		c.popInt(regAccum)    // receiver
		c.storeScalarField(regScratch2, regAccum, int64(f.Offset), f.Size)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedOpcode, op.Name())
}

// compileLdfldFromStack extracts a field from a value-type receiver that
// lives directly on the evaluation stack: the field bytes move down over the
// receiver image and the rest of the image is discarded.
func (c *compiler) compileLdfldFromStack(f *ResolvedField) error {
	c.spillTOS()
	recvSlots := c.stack.valueTypeSlotRun()
	if recvSlots == 0 {
		return fmt.Errorf("%w: ldfld on non-value-type stack entry", ErrStackMismatch)
	}
	fieldSlots := slotsOf(f.Size)
	if fieldSlots > 1 {
		// Move the field image to the top end of the receiver image, then
		// drop the leftover slots. Choose copy direction by overlap.
		dstBase := int64(8 * (recvSlots - fieldSlots))
		src := int64(f.Offset)
		if dstBase >= src {
			for i := fieldSlots - 1; i >= 0; i-- {
				c.asm.CompileMemoryToRegister(amd64.MOVQ, amd64.REG_SP, src+int64(8*i), regScratch)
				c.asm.CompileRegisterToMemory(amd64.MOVQ, regScratch, amd64.REG_SP, dstBase+int64(8*i))
			}
		} else {
			for i := 0; i < fieldSlots; i++ {
				c.asm.CompileMemoryToRegister(amd64.MOVQ, amd64.REG_SP, src+int64(8*i), regScratch)
				c.asm.CompileRegisterToMemory(amd64.MOVQ, regScratch, amd64.REG_SP, dstBase+int64(8*i))
			}
		}
		// The surviving slots keep their tagValueTypeSlot tags.
		c.dropSlots(recvSlots - fieldSlots)
		return nil
	}

	// Scalar field: read it width-correct out of the image, drop the whole
	// receiver, push.
	c.loadScalarFieldFromStackImage(f, recvSlots)
	return nil
}

// loadScalarFieldFromStackImage performs the width-correct read of a scalar
// field out of the stack-resident receiver image, then discards the image
// and pushes the field.
func (c *compiler) loadScalarFieldFromStackImage(f *ResolvedField, recvSlots int) {
	switch f.FloatKind {
	case 4:
		c.asm.CompileMemoryToRegister(amd64.MOVSS, amd64.REG_SP, int64(f.Offset), fregAccum)
		c.dropSlots(recvSlots)
		c.pushedFloat(tagFloat32)
		return
	case 8:
		c.asm.CompileMemoryToRegister(amd64.MOVSD, amd64.REG_SP, int64(f.Offset), fregAccum)
		c.dropSlots(recvSlots)
		c.pushedFloat(tagFloat64)
		return
	}
	var inst asm.Instruction
	switch {
	case f.Size == 1 && f.Signed:
		inst = amd64.MOVBQSX
	case f.Size == 1:
		inst = amd64.MOVBLZX
	case f.Size == 2 && f.Signed:
		inst = amd64.MOVWQSX
	case f.Size == 2:
		inst = amd64.MOVWLZX
	case f.Size == 4 && f.Signed:
		inst = amd64.MOVLQSX
	case f.Size == 4:
		inst = amd64.MOVLQZX
	default:
		inst = amd64.MOVQ
	}
	c.asm.CompileMemoryToRegister(inst, amd64.REG_SP, int64(f.Offset), regAccum)
	c.dropSlots(recvSlots)
	c.pushedInt()
}

func (c *compiler) compileStaticFieldOp(op cil.Opcode, f *ResolvedField) error {
	c.spillTOS()
	if err := c.emitCctorBarrier(f.DeclaringTypeToken); err != nil {
		return err
	}

	switch op {
	case cil.OpLdsflda:
		c.materializeConst(regAccum, int64(f.StaticAddr))
		c.pushedInt()
		return nil
	case cil.OpLdsfld:
		c.asm.CompileConstToRegister(amd64.MOVQ, int64(f.StaticAddr), regAccum)
		if slotsOf(f.Size) > 1 {
			c.pushImageFromMemory(regAccum, 0, f.Size)
			return nil
		}
		c.loadScalarField(regAccum, 0, f)
		return nil
	case cil.OpStsfld:
		if slotsOf(f.Size) > 1 {
			c.asm.CompileConstToRegister(amd64.MOVQ, int64(f.StaticAddr), regAccum)
			c.copyBytes(amd64.REG_SP, 0, regAccum, 0, f.Size)
			c.dropSlots(slotsOf(f.Size))
			return nil
		}
		c.popInt(regScratch2)
		c.asm.CompileConstToRegister(amd64.MOVQ, int64(f.StaticAddr), regAccum)
		c.storeScalarField(regScratch2, regAccum, 0, f.Size)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedOpcode, op.Name())
}

// emitCctorBarrier emits the inline class-initializer check: skip when the
// one-shot flag word is already zero, otherwise enter the slow helper which
// claims the flag with a compare-and-set and runs the cctor.
func (c *compiler) emitCctorBarrier(typeToken uint32) error {
	if typeToken == 0 {
		return nil
	}
	ctx, err := c.eng.resolver.GetOrRegisterCctorContext(typeToken)
	if err != nil {
		return fmt.Errorf("resolving cctor context for 0x%08x: %w", typeToken, err)
	}
	if ctx.InitFlagAddr == 0 {
		return nil
	}
	c.asm.CompileConstToRegister(amd64.MOVQ, int64(ctx.InitFlagAddr), regShuttle)
	c.asm.CompileMemoryToConst(amd64.CMPQ, regShuttle, 0, 0)
	skip := c.asm.CompileJump(amd64.JEQ)
	c.asm.CompileConstToRegister(amd64.MOVQ, int64(ctx.InitFlagAddr), intArgRegisters[0])
	c.asm.CompileConstToRegister(amd64.MOVQ, int64(ctx.CctorEntry), intArgRegisters[1])
	c.emitHelperCall(c.eng.helpers.EnsureClassInit)
	c.asm.SetJumpTargetOnNext(skip)
	return nil
}

func (c *compiler) compileLdind(op cil.Opcode) error {
	c.popInt(regAccum)
	var f ResolvedField
	switch op {
	case cil.OpLdindI1:
		f = ResolvedField{Size: 1, Signed: true}
	case cil.OpLdindU1:
		f = ResolvedField{Size: 1}
	case cil.OpLdindI2:
		f = ResolvedField{Size: 2, Signed: true}
	case cil.OpLdindU2:
		f = ResolvedField{Size: 2}
	case cil.OpLdindI4:
		f = ResolvedField{Size: 4, Signed: true}
	case cil.OpLdindU4:
		f = ResolvedField{Size: 4}
	case cil.OpLdindR4:
		f = ResolvedField{Size: 4, FloatKind: 4}
	case cil.OpLdindR8:
		f = ResolvedField{Size: 8, FloatKind: 8}
	default: // ldind.i8, ldind.i, ldind.ref
		f = ResolvedField{Size: 8}
	}
	c.loadScalarField(regAccum, 0, &f)
	return nil
}

func (c *compiler) compileStind(op cil.Opcode) error {
	c.popInt(regScratch2) // value bits
	c.popInt(regAccum)    // address
	var size uint32
	switch op {
	case cil.OpStindI1:
		size = 1
	case cil.OpStindI2:
		size = 2
	case cil.OpStindI4, cil.OpStindR4:
		size = 4
	default: // stind.i8, stind.i, stind.ref, stind.r8
		size = 8
	}
	c.storeScalarField(regScratch2, regAccum, 0, size)
	return nil
}
