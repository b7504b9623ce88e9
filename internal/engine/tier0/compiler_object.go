package tier0

import (
	"fmt"

	"github.com/protonos/ciljit/internal/asm"
	"github.com/protonos/ciljit/internal/asm/amd64"
	"github.com/protonos/ciljit/internal/cil"
)

func (c *compiler) compileLdlen() error {
	c.popInt(regAccum)
	// The length load doubles as the null check.
	c.asm.CompileMemoryToRegister(amd64.MOVQ, regAccum, arrayLengthOffset, regAccum)
	c.pushedInt()
	return nil
}

// emitBoundsCheck expects the array in arrayReg and the index in indexReg,
// and branches to the range-check stub unless 0 <= index < length. The
// unsigned compare folds the negative case in.
func (c *compiler) emitBoundsCheck(arrayReg, indexReg asm.Register) {
	c.asm.CompileMemoryToRegister(amd64.CMPQ, arrayReg, arrayLengthOffset, indexReg)
	c.jumpToRangeCheck(amd64.JCC)
}

// ldelemDesc maps the fixed-width element loads onto field descriptors.
var ldelemDesc = map[cil.Opcode]ResolvedField{
	cil.OpLdelemI1:  {Size: 1, Signed: true},
	cil.OpLdelemU1:  {Size: 1},
	cil.OpLdelemI2:  {Size: 2, Signed: true},
	cil.OpLdelemU2:  {Size: 2},
	cil.OpLdelemI4:  {Size: 4, Signed: true},
	cil.OpLdelemU4:  {Size: 4},
	cil.OpLdelemI8:  {Size: 8},
	cil.OpLdelemI:   {Size: 8},
	cil.OpLdelemR4:  {Size: 4, FloatKind: 4},
	cil.OpLdelemR8:  {Size: 8, FloatKind: 8},
	cil.OpLdelemRef: {Size: 8},
}

var stelemSize = map[cil.Opcode]uint32{
	cil.OpStelemI:   8,
	cil.OpStelemI1:  1,
	cil.OpStelemI2:  2,
	cil.OpStelemI4:  4,
	cil.OpStelemI8:  8,
	cil.OpStelemR4:  4,
	cil.OpStelemR8:  8,
	cil.OpStelemRef: 8,
}

func (c *compiler) compileLdelemFixed(op cil.Opcode) error {
	f := ldelemDesc[op]
	c.popInt(regScratch) // index
	c.popInt(regAccum)   // array
	c.emitBoundsCheck(regAccum, regScratch)
	// Scaled addressing covers the power-of-two element widths directly.
	c.asm.CompileMemoryWithIndexToRegister(elementLoadInstruction(&f), regAccum, arrayDataOffset, regScratch, int16(f.Size), loadTargetRegister(&f))
	c.finishScalarLoad(&f)
	return nil
}

func elementLoadInstruction(f *ResolvedField) asm.Instruction {
	switch f.FloatKind {
	case 4:
		return amd64.MOVSS
	case 8:
		return amd64.MOVSD
	}
	switch {
	case f.Size == 1 && f.Signed:
		return amd64.MOVBQSX
	case f.Size == 1:
		return amd64.MOVBLZX
	case f.Size == 2 && f.Signed:
		return amd64.MOVWQSX
	case f.Size == 2:
		return amd64.MOVWLZX
	case f.Size == 4 && f.Signed:
		return amd64.MOVLQSX
	case f.Size == 4:
		return amd64.MOVLQZX
	}
	return amd64.MOVQ
}

func loadTargetRegister(f *ResolvedField) asm.Register {
	if f.FloatKind != 0 {
		return fregAccum
	}
	return regAccum
}

func (c *compiler) finishScalarLoad(f *ResolvedField) {
	switch f.FloatKind {
	case 4:
		c.pushedFloat(tagFloat32)
	case 8:
		c.pushedFloat(tagFloat64)
	default:
		c.pushedInt()
	}
}

func (c *compiler) compileStelemFixed(op cil.Opcode) error {
	size := stelemSize[op]
	c.popInt(regScratch2) // value bits
	c.popInt(regScratch)  // index
	c.popInt(regAccum)    // array
	c.emitBoundsCheck(regAccum, regScratch)
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
	c.asm.CompileRegisterToMemoryWithIndex(inst, regScratch2, regAccum, arrayDataOffset, regScratch, int16(size))
	return nil
}

// compileTypeOp handles the token-carrying object-model opcodes.
func (c *compiler) compileTypeOp(op cil.Opcode, token uint32) error {
	rt, err := c.eng.resolver.ResolveType(token)
	if err != nil {
		return fmt.Errorf("resolving type 0x%08x: %w", token, err)
	}
	switch op {
	case cil.OpNewarr:
		c.popInt(intArgRegisters[1]) // element count
		c.spillTOS()
		c.asm.CompileConstToRegister(amd64.MOVQ, int64(rt.Descriptor), intArgRegisters[0])
		c.emitHelperCall(c.eng.helpers.AllocateArray)
		c.pushedInt()
		return nil

	case cil.OpCastclass, cil.OpIsinst:
		helper := c.eng.helpers.CastClass
		if op == cil.OpIsinst {
			helper = c.eng.helpers.IsInst
		}
		c.popInt(intArgRegisters[0])
		c.spillTOS()
		c.asm.CompileConstToRegister(amd64.MOVQ, int64(rt.Descriptor), intArgRegisters[1])
		c.emitHelperCall(helper)
		c.pushedInt()
		return nil

	case cil.OpLdelema:
		return c.compileLdelema(&rt)
	case cil.OpLdelem:
		return c.compileLdelemVT(&rt)
	case cil.OpStelem:
		return c.compileStelemVT(&rt)
	case cil.OpBox:
		return c.compileBox(&rt)
	case cil.OpUnbox:
		return c.compileUnbox(&rt)
	case cil.OpUnboxAny:
		return c.compileUnboxAny(&rt)
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedOpcode, op.Name())
}

// emitElementAddress leaves &array[index] in RAX, consuming index and array
// from the stack with a bounds check.
func (c *compiler) emitElementAddress(elemSize uint32) {
	c.popInt(regScratch) // index
	c.popInt(regAccum)   // array
	c.emitBoundsCheck(regAccum, regScratch)
	switch elemSize {
	case 1, 2, 4, 8:
		c.asm.CompileMemoryWithIndexToRegister(amd64.LEAQ, regAccum, arrayDataOffset, regScratch, int16(elemSize), regAccum)
	default:
		c.asm.CompileConstToRegister(amd64.IMULQ, int64(elemSize), regScratch)
		c.asm.CompileMemoryWithIndexToRegister(amd64.LEAQ, regAccum, arrayDataOffset, regScratch, 1, regAccum)
	}
}

func (c *compiler) compileLdelema(rt *ResolvedType) error {
	c.emitElementAddress(rt.ComponentSize)
	c.pushedInt()
	return nil
}

func (c *compiler) compileLdelemVT(rt *ResolvedType) error {
	size := rt.ComponentSize
	if size <= 8 {
		f := ResolvedField{Size: size, Signed: true}
		if rt.IsReferenceType {
			f.Signed = false
		}
		c.emitElementAddress(size)
		c.loadScalarField(regAccum, 0, &f)
		return nil
	}
	c.emitElementAddress(size)
	c.pushImageFromMemory(regAccum, 0, size)
	return nil
}

func (c *compiler) compileStelemVT(rt *ResolvedType) error {
	size := rt.ComponentSize
	if size <= 8 {
		c.popInt(regScratch2) // value bits
		c.emitElementAddress(size)
		c.storeScalarField(regScratch2, regAccum, 0, size)
		return nil
	}
	// Stack: array, index, value image (top). Reach past the image for the
	// index and the array.
	c.spillTOS()
	slots := slotsOf(size)
	c.asm.CompileMemoryToRegister(amd64.MOVQ, amd64.REG_SP, int64(8*slots), regScratch)   // index
	c.asm.CompileMemoryToRegister(amd64.MOVQ, amd64.REG_SP, int64(8*slots+8), regAccum)   // array
	c.emitBoundsCheck(regAccum, regScratch)
	c.asm.CompileConstToRegister(amd64.IMULQ, int64(size), regScratch)
	c.asm.CompileMemoryWithIndexToRegister(amd64.LEAQ, regAccum, arrayDataOffset, regScratch, 1, regAccum)
	c.copyBytes(amd64.REG_SP, 0, regAccum, 0, size)
	c.dropSlots(slots)    // value image
	c.popInt(regScratch)  // index
	c.popInt(regScratch)  // array
	return nil
}

func (c *compiler) compileBox(rt *ResolvedType) error {
	if rt.IsReferenceType {
		// Boxing a reference (a reference-typed generic instantiation) is a
		// no-op: the entry is already an object reference.
		return nil
	}
	c.spillTOS()
	slots := slotsOf(rt.BaseSize)
	if slots == 0 {
		slots = 1
	}

	if rt.IsNullable {
		// Nullable boxes to null when HasValue is clear; otherwise the
		// payload (sans the HasValue slot) is boxed.
		c.asm.CompileMemoryToConst(amd64.CMPQ, amd64.REG_SP, 0, 0)
		nullCase := c.asm.CompileJump(amd64.JEQ)
		c.asm.CompileConstToRegister(amd64.MOVQ, int64(rt.Descriptor), intArgRegisters[0])
		c.emitHelperCall(c.eng.helpers.Allocate)
		c.copyBytes(amd64.REG_SP, 8, regAccum, boxPayloadOffset, rt.BaseSize-8)
		done := c.asm.CompileJump(amd64.JMP)
		c.asm.SetJumpTargetOnNext(nullCase)
		c.asm.CompileRegisterToRegister(amd64.XORL, regAccum, regAccum)
		c.asm.SetJumpTargetOnNext(done)
		c.dropSlots(slots)
		c.pushedInt()
		return nil
	}

	c.asm.CompileConstToRegister(amd64.MOVQ, int64(rt.Descriptor), intArgRegisters[0])
	c.emitHelperCall(c.eng.helpers.Allocate)
	c.copyBytes(amd64.REG_SP, 0, regAccum, boxPayloadOffset, rt.BaseSize)
	c.dropSlots(slots)
	c.pushedInt()
	return nil
}

func (c *compiler) compileUnbox(rt *ResolvedType) error {
	// unbox yields the address of the payload after a type check.
	c.popInt(intArgRegisters[0])
	c.spillTOS()
	c.asm.CompileConstToRegister(amd64.MOVQ, int64(rt.Descriptor), intArgRegisters[1])
	c.emitHelperCall(c.eng.helpers.CastClass)
	c.asm.CompileMemoryToRegister(amd64.LEAQ, regAccum, boxPayloadOffset, regAccum)
	c.pushedInt()
	return nil
}

func (c *compiler) compileUnboxAny(rt *ResolvedType) error {
	if rt.IsReferenceType {
		// unbox.any on a reference type is exactly castclass.
		c.popInt(intArgRegisters[0])
		c.spillTOS()
		c.asm.CompileConstToRegister(amd64.MOVQ, int64(rt.Descriptor), intArgRegisters[1])
		c.emitHelperCall(c.eng.helpers.CastClass)
		c.pushedInt()
		return nil
	}

	slots := slotsOf(rt.BaseSize)
	if rt.IsNullable {
		// A null reference unboxes to a zero-initialised Nullable.
		c.popInt(regAccum)
		c.spillTOS()
		c.asm.CompileConstToRegister(amd64.SUBQ, int64(8*slots), amd64.REG_SP)
		c.asm.CompileRegisterToRegister(amd64.TESTQ, regAccum, regAccum)
		nullCase := c.asm.CompileJump(amd64.JEQ)
		c.asm.CompileConstToMemory(amd64.MOVQ, 1, amd64.REG_SP, 0)
		c.copyBytes(regAccum, boxPayloadOffset, amd64.REG_SP, 8, rt.BaseSize-8)
		done := c.asm.CompileJump(amd64.JMP)
		c.asm.SetJumpTargetOnNext(nullCase)
		c.asm.CompileRegisterToRegister(amd64.XORL, regScratch, regScratch)
		for i := 0; i < slots; i++ {
			c.asm.CompileRegisterToMemory(amd64.MOVQ, regScratch, amd64.REG_SP, int64(8*i))
		}
		c.asm.SetJumpTargetOnNext(done)
		for i := 0; i < slots; i++ {
			c.stack.push(tagValueTypeSlot)
		}
		return nil
	}

	// Plain value type: unbox (with type check) then load the image.
	if err := c.compileUnbox(rt); err != nil {
		return err
	}
	c.popInt(regAccum)
	if rt.BaseSize <= 8 {
		f := ResolvedField{Size: rt.BaseSize, Signed: true}
		c.loadScalarField(regAccum, 0, &f)
		return nil
	}
	c.pushImageFromMemory(regAccum, 0, rt.BaseSize)
	return nil
}

// compileObjOp handles ldobj/stobj/cpobj/initobj/sizeof.
func (c *compiler) compileObjOp(op cil.Opcode, token uint32) error {
	rt, err := c.eng.resolver.ResolveType(token)
	if err != nil {
		return fmt.Errorf("resolving type 0x%08x: %w", token, err)
	}
	size := rt.BaseSize
	switch op {
	case cil.OpSizeof:
		c.pushConst(int64(size))
		return nil

	case cil.OpLdobj:
		c.popInt(regAccum)
		if size <= 8 {
			f := ResolvedField{Size: size, Signed: true}
			c.loadScalarField(regAccum, 0, &f)
			return nil
		}
		c.pushImageFromMemory(regAccum, 0, size)
		return nil

	case cil.OpStobj:
		if size <= 8 {
			c.popInt(regScratch2)
			c.popInt(regAccum)
			c.storeScalarField(regScratch2, regAccum, 0, size)
			return nil
		}
		c.spillTOS()
		slots := slotsOf(size)
		c.asm.CompileMemoryToRegister(amd64.MOVQ, amd64.REG_SP, int64(8*slots), regAccum)
		c.copyBytes(amd64.REG_SP, 0, regAccum, 0, size)
		c.dropSlots(slots)
		c.popInt(regScratch) // destination address
		return nil

	case cil.OpCpobj:
		c.popInt(regAccum)    // source
		c.popInt(regScratch2) // destination
		c.copyBytesRegs(regAccum, regScratch2, size)
		return nil

	case cil.OpInitobj:
		c.popInt(regAccum)
		c.asm.CompileRegisterToRegister(amd64.XORL, regScratch, regScratch)
		var o int64
		for ; o+8 <= int64(size); o += 8 {
			c.asm.CompileRegisterToMemory(amd64.MOVQ, regScratch, regAccum, o)
		}
		for ; o < int64(size); o++ {
			c.asm.CompileRegisterToMemory(amd64.MOVB, regScratch, regAccum, o)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedOpcode, op.Name())
}

// copyBytesRegs copies size bytes between two pointer registers through the
// shuttle, leaving both pointers intact.
func (c *compiler) copyBytesRegs(srcReg, dstReg asm.Register, size uint32) {
	var o int64
	for ; o+8 <= int64(size); o += 8 {
		c.asm.CompileMemoryToRegister(amd64.MOVQ, srcReg, o, regShuttle)
		c.asm.CompileRegisterToMemory(amd64.MOVQ, regShuttle, dstReg, o)
	}
	rest := int64(size) - o
	if rest >= 4 {
		c.asm.CompileMemoryToRegister(amd64.MOVLQZX, srcReg, o, regShuttle)
		c.asm.CompileRegisterToMemory(amd64.MOVL, regShuttle, dstReg, o)
		o += 4
		rest -= 4
	}
	if rest >= 2 {
		c.asm.CompileMemoryToRegister(amd64.MOVWLZX, srcReg, o, regShuttle)
		c.asm.CompileRegisterToMemory(amd64.MOVW, regShuttle, dstReg, o)
		o += 2
		rest -= 2
	}
	if rest >= 1 {
		c.asm.CompileMemoryToRegister(amd64.MOVBLZX, srcReg, o, regShuttle)
		c.asm.CompileRegisterToMemory(amd64.MOVB, regShuttle, dstReg, o)
	}
}

// compileInitblk lowers to rep stosb. RDI is callee-saved under this ABI, so
// it survives around the fill.
func (c *compiler) compileInitblk() error {
	c.popInt(amd64.REG_CX)  // size
	c.popInt(regAccum)      // value (AL)
	c.popInt(regScratch2)   // address
	c.asm.CompileRegisterToNone(amd64.PUSHQ, amd64.REG_DI)
	c.asm.CompileRegisterToRegister(amd64.MOVQ, regScratch2, amd64.REG_DI)
	c.asm.CompileStandAlone(amd64.REPSTOSB)
	c.asm.CompileNoneToRegister(amd64.POPQ, amd64.REG_DI)
	return nil
}

// compileCpblk lowers to rep movsb, preserving RSI/RDI.
func (c *compiler) compileCpblk() error {
	c.popInt(amd64.REG_CX) // size
	c.popInt(regAccum)     // source
	c.popInt(regScratch2)  // destination
	c.asm.CompileRegisterToNone(amd64.PUSHQ, amd64.REG_SI)
	c.asm.CompileRegisterToNone(amd64.PUSHQ, amd64.REG_DI)
	c.asm.CompileRegisterToRegister(amd64.MOVQ, regAccum, amd64.REG_SI)
	c.asm.CompileRegisterToRegister(amd64.MOVQ, regScratch2, amd64.REG_DI)
	c.asm.CompileStandAlone(amd64.REPMOVSB)
	c.asm.CompileNoneToRegister(amd64.POPQ, amd64.REG_DI)
	c.asm.CompileNoneToRegister(amd64.POPQ, amd64.REG_SI)
	return nil
}

// compileLocalloc carves zero-unchecked storage off the machine stack; the
// verifier guarantees an empty evaluation stack here.
func (c *compiler) compileLocalloc() error {
	c.popInt(regAccum)
	c.asm.CompileConstToRegister(amd64.ADDQ, 15, regAccum)
	c.asm.CompileConstToRegister(amd64.ANDQ, -16, regAccum)
	c.asm.CompileRegisterToRegister(amd64.SUBQ, regAccum, amd64.REG_SP)
	c.asm.CompileRegisterToRegister(amd64.MOVQ, amd64.REG_SP, regAccum)
	c.pushedInt()
	return nil
}
