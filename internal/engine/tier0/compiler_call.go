package tier0

import (
	"fmt"

	"github.com/protonos/ciljit/internal/asm"
	"github.com/protonos/ciljit/internal/asm/amd64"
	"github.com/protonos/ciljit/internal/cil"
)

// callPlan gathers everything emitCall needs about one call site.
type callPlan struct {
	args    []ArgDesc
	retKind RetKind
	retSize uint32

	// receiverFromScratch injects the object stashed in the frame scratch
	// slot as argument zero (newobj constructor calls). args then excludes
	// the receiver's stack image.
	receiverFromScratch bool
	// receiverBuffer allocates a zeroed value-type image next to the
	// outgoing area, passes its address as argument zero, and pushes the
	// image as the new stack top after the call (value-type newobj).
	receiverBufferSize uint32

	// loadTarget emits the code that leaves the call target in R10. It runs
	// before the outgoing area is carved, and may read argument images via
	// the provided offset function (relative to the current RSP).
	loadTarget func(imageOffset func(argIdx int) int64)
}

// emitCall compiles one call site: spills the stack, computes the flattened
// argument units, carves the shadow/stack-arg/buffer area, loads every unit
// into its register or stack slot, performs the call, then reconstitutes the
// return value on the evaluation stack.
func (c *compiler) emitCall(p *callPlan) error {
	c.spillTOS()

	// Stack images: the last argument was pushed most recently and sits at
	// [rsp]; argument i's image starts above everything pushed after it.
	imageSlots := make([]int, len(p.args))
	for i, a := range p.args {
		imageSlots[i] = argImageSlots(a)
	}
	imageOff := make([]int64, len(p.args))
	total := int64(0)
	for i := len(p.args) - 1; i >= 0; i-- {
		imageOff[i] = total
		total += int64(8 * imageSlots[i])
	}

	if p.loadTarget != nil {
		p.loadTarget(func(argIdx int) int64 { return imageOff[argIdx] })
	}

	units := flattenArgs(p.args)
	shift := 0
	var bufBytes int64
	if p.retKind == RetHiddenBuffer {
		shift = 1
		bufBytes = alignTo(int64(p.retSize), 16)
	}
	if p.receiverFromScratch {
		shift = 1
	}
	if p.receiverBufferSize > 0 {
		shift = 1
		bufBytes = alignTo(int64(p.receiverBufferSize), 16)
	}
	posCount := len(units) + shift
	stackUnits := posCount - len(intArgRegisters)
	if stackUnits < 0 {
		stackUnits = 0
	}
	outBytes := int64(shadowSpaceBytes) + int64(8*stackUnits) + bufBytes
	bufOff := int64(shadowSpaceBytes) + int64(8*stackUnits)

	c.asm.CompileConstToRegister(amd64.SUBQ, outBytes, amd64.REG_SP)

	if p.receiverBufferSize > 0 {
		// Constructors expect zeroed storage.
		c.asm.CompileRegisterToRegister(amd64.XORL, regAccum, regAccum)
		for i := int64(0); i < bufBytes; i += 8 {
			c.asm.CompileRegisterToMemory(amd64.MOVQ, regAccum, amd64.REG_SP, bufOff+i)
		}
	}

	// Load units back-to-front so the shuttle register never clobbers a
	// register unit placed earlier.
	for u := len(units) - 1; u >= 0; u-- {
		unit := units[u]
		pos := u + shift
		srcOff := outBytes + imageOff[unit.argIndex] + int64(8*unit.slot)
		if pos < len(intArgRegisters) {
			switch {
			case unit.byPointer:
				c.asm.CompileMemoryToRegister(amd64.LEAQ, amd64.REG_SP, srcOff, intArgRegisters[pos])
			case unit.float:
				c.asm.CompileMemoryToRegister(amd64.MOVSD, amd64.REG_SP, srcOff, floatArgRegisters[pos])
			default:
				c.asm.CompileMemoryToRegister(amd64.MOVQ, amd64.REG_SP, srcOff, intArgRegisters[pos])
			}
		} else {
			if unit.byPointer {
				c.asm.CompileMemoryToRegister(amd64.LEAQ, amd64.REG_SP, srcOff, regShuttle)
			} else {
				c.asm.CompileMemoryToRegister(amd64.MOVQ, amd64.REG_SP, srcOff, regShuttle)
			}
			c.asm.CompileRegisterToMemory(amd64.MOVQ, regShuttle, amd64.REG_SP,
				int64(shadowSpaceBytes)+int64(8*(pos-len(intArgRegisters))))
		}
	}

	switch {
	case p.retKind == RetHiddenBuffer, p.receiverBufferSize > 0:
		c.asm.CompileMemoryToRegister(amd64.LEAQ, amd64.REG_SP, bufOff, intArgRegisters[0])
	case p.receiverFromScratch:
		c.asm.CompileMemoryToRegister(amd64.MOVQ, amd64.REG_BP, scratchSlotOffset, intArgRegisters[0])
	}

	c.asm.CompileNoneToRegister(amd64.CALL, regTarget)

	// Drop the argument tags.
	for i := range p.args {
		for s := 0; s < imageSlots[i]; s++ {
			c.stack.pop()
		}
	}
	totalFree := outBytes + total

	switch p.retKind {
	case RetVoid:
		if p.receiverBufferSize > 0 {
			// The constructed value-type image becomes the new top.
			c.liftImage(bufOff, totalFree, p.receiverBufferSize)
			return nil
		}
		c.asm.CompileConstToRegister(amd64.ADDQ, totalFree, amd64.REG_SP)
		return nil

	case RetInt64InRax, RetSmallStructInRax:
		c.asm.CompileConstToRegister(amd64.ADDQ, totalFree, amd64.REG_SP)
		c.pushedInt()
		return nil

	case RetFloatInXmm0:
		c.asm.CompileConstToRegister(amd64.ADDQ, totalFree, amd64.REG_SP)
		tag := tagFloat64
		if p.retSize == 4 {
			tag = tagFloat32
		}
		c.pushedFloat(tag)
		return nil

	case RetMediumStructInRaxRdx:
		c.asm.CompileConstToRegister(amd64.ADDQ, totalFree, amd64.REG_SP)
		c.asm.CompileRegisterToNone(amd64.PUSHQ, regScratch2)
		c.asm.CompileRegisterToNone(amd64.PUSHQ, regAccum)
		c.stack.push(tagValueTypeSlot)
		c.stack.push(tagValueTypeSlot)
		return nil

	case RetHiddenBuffer:
		// The callee returned the buffer address in RAX; its contents become
		// the new top of the evaluation stack.
		c.liftImageFrom(regAccum, totalFree, p.retSize)
		return nil
	}
	return fmt.Errorf("unknown return kind %s", p.retKind)
}

// liftImageFrom copies a size-byte image from [addrReg] over the dead upper
// end of the freed region, leaving it as the new stack top with value-type
// tags.
func (c *compiler) liftImageFrom(addrReg asm.Register, totalFree int64, size uint32) {
	slots := slotsOf(size)
	dst := totalFree - int64(8*slots)
	for i := 0; i < slots; i++ {
		c.asm.CompileMemoryToRegister(amd64.MOVQ, addrReg, int64(8*i), regShuttle)
		c.asm.CompileRegisterToMemory(amd64.MOVQ, regShuttle, amd64.REG_SP, dst+int64(8*i))
	}
	c.asm.CompileConstToRegister(amd64.ADDQ, dst, amd64.REG_SP)
	for i := 0; i < slots; i++ {
		c.stack.push(tagValueTypeSlot)
	}
}

// liftImage is liftImageFrom for an RSP-relative source.
func (c *compiler) liftImage(srcOff, totalFree int64, size uint32) {
	slots := slotsOf(size)
	dst := totalFree - int64(8*slots)
	for i := 0; i < slots; i++ {
		c.asm.CompileMemoryToRegister(amd64.MOVQ, amd64.REG_SP, srcOff+int64(8*i), regShuttle)
		c.asm.CompileRegisterToMemory(amd64.MOVQ, regShuttle, amd64.REG_SP, dst+int64(8*i))
	}
	c.asm.CompileConstToRegister(amd64.ADDQ, dst, amd64.REG_SP)
	for i := 0; i < slots; i++ {
		c.stack.push(tagValueTypeSlot)
	}
}

func (c *compiler) compileCallOp(op cil.Opcode, token uint32) error {
	switch op {
	case cil.OpCall, cil.OpCallvirt:
		m, err := c.eng.resolver.ResolveMethod(token)
		if err != nil {
			return fmt.Errorf("resolving method 0x%08x: %w", token, err)
		}
		constrained := c.constrainedToken
		c.constrainedToken = 0
		c.spillTOS()
		if !m.IsInstance {
			if err := c.emitCctorBarrier(m.DeclaringTypeToken); err != nil {
				return err
			}
		}
		plan := &callPlan{args: m.Args, retKind: m.RetKind, retSize: m.RetSize}
		switch {
		case op == cil.OpCall || constrained != 0 || (m.VTableSlot < 0 && m.InterfaceMethodID < 0):
			// Direct call. A constrained. callvirt resolves to the exact
			// target on the resolver side.
			entry := m.Entry
			plan.loadTarget = func(func(int) int64) {
				c.asm.CompileConstToRegister(amd64.MOVQ, int64(entry), regTarget)
			}
		case m.InterfaceMethodID >= 0:
			id := m.InterfaceMethodID
			plan.loadTarget = func(imageOffset func(int) int64) {
				// The interface-map lookup helper resolves the concrete
				// target from the receiver's type descriptor.
				c.asm.CompileMemoryToRegister(amd64.MOVQ, amd64.REG_SP, imageOffset(0), intArgRegisters[0])
				c.asm.CompileConstToRegister(amd64.MOVQ, int64(id), intArgRegisters[1])
				c.emitHelperCall(c.eng.helpers.InterfaceDispatch)
				c.asm.CompileRegisterToRegister(amd64.MOVQ, regAccum, regTarget)
			}
		default:
			slot := m.VTableSlot
			vtblOff := c.eng.helpers.VTableOffset
			plan.loadTarget = func(imageOffset func(int) int64) {
				// Receiver -> type descriptor -> vtable slot. The first load
				// is the implicit null check.
				c.asm.CompileMemoryToRegister(amd64.MOVQ, amd64.REG_SP, imageOffset(0), regAccum)
				c.asm.CompileMemoryToRegister(amd64.MOVQ, regAccum, 0, regAccum)
				c.asm.CompileMemoryToRegister(amd64.MOVQ, regAccum, vtblOff+int64(8*slot), regTarget)
			}
		}
		return c.emitCall(plan)

	case cil.OpCalli:
		sig, err := c.eng.resolver.ResolveStandAloneSig(token)
		if err != nil {
			return fmt.Errorf("resolving signature 0x%08x: %w", token, err)
		}
		// The function pointer rides on top of the arguments.
		c.popInt(regTarget)
		return c.emitCall(&callPlan{args: sig.Args, retKind: sig.RetKind, retSize: sig.RetSize})

	case cil.OpNewobj:
		return c.compileNewobj(token)

	case cil.OpLdftn:
		m, err := c.eng.resolver.ResolveMethod(token)
		if err != nil {
			return fmt.Errorf("resolving method 0x%08x: %w", token, err)
		}
		c.spillTOS()
		if !m.IsInstance {
			if err := c.emitCctorBarrier(m.DeclaringTypeToken); err != nil {
				return err
			}
		}
		c.materializeConst(regAccum, int64(m.Entry))
		c.pushedInt()
		return nil

	case cil.OpLdvirtftn:
		m, err := c.eng.resolver.ResolveMethod(token)
		if err != nil {
			return fmt.Errorf("resolving method 0x%08x: %w", token, err)
		}
		c.popInt(regAccum)
		if m.InterfaceMethodID >= 0 {
			c.asm.CompileRegisterToRegister(amd64.MOVQ, regAccum, intArgRegisters[0])
			c.asm.CompileConstToRegister(amd64.MOVQ, int64(m.InterfaceMethodID), intArgRegisters[1])
			c.emitHelperCall(c.eng.helpers.InterfaceDispatch)
		} else {
			c.asm.CompileMemoryToRegister(amd64.MOVQ, regAccum, 0, regAccum)
			c.asm.CompileMemoryToRegister(amd64.MOVQ, regAccum, c.eng.helpers.VTableOffset+int64(8*m.VTableSlot), regAccum)
		}
		c.pushedInt()
		return nil

	case cil.OpJmp:
		return fmt.Errorf("%w: jmp", ErrUnsupportedOpcode)
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedOpcode, op.Name())
}

func (c *compiler) compileNewobj(ctorToken uint32) error {
	m, err := c.eng.resolver.ResolveMethod(ctorToken)
	if err != nil {
		return fmt.Errorf("resolving constructor 0x%08x: %w", ctorToken, err)
	}
	rt, err := c.eng.resolver.ResolveType(m.DeclaringTypeToken)
	if err != nil {
		return fmt.Errorf("resolving constructed type 0x%08x: %w", m.DeclaringTypeToken, err)
	}
	c.spillTOS()
	if err := c.emitCctorBarrier(m.DeclaringTypeToken); err != nil {
		return err
	}

	ctorArgs := m.Args
	if m.IsInstance && len(ctorArgs) > 0 {
		ctorArgs = ctorArgs[1:]
	}

	entry := m.Entry
	if !rt.IsReferenceType {
		// Value-type construction builds the image next to the outgoing
		// area and lifts it onto the evaluation stack afterwards.
		plan := &callPlan{
			args:               ctorArgs,
			retKind:            RetVoid,
			receiverBufferSize: rt.BaseSize,
			loadTarget: func(func(int) int64) {
				c.asm.CompileConstToRegister(amd64.MOVQ, int64(entry), regTarget)
			},
		}
		return c.emitCall(plan)
	}

	// Reference type: allocate, stash the object across the constructor
	// call, push it as the result.
	c.asm.CompileConstToRegister(amd64.MOVQ, int64(rt.Descriptor), intArgRegisters[0])
	c.emitHelperCall(c.eng.helpers.Allocate)
	c.asm.CompileRegisterToMemory(amd64.MOVQ, regAccum, amd64.REG_BP, scratchSlotOffset)

	plan := &callPlan{
		args:                ctorArgs,
		retKind:             RetVoid,
		receiverFromScratch: true,
		loadTarget: func(func(int) int64) {
			c.asm.CompileConstToRegister(amd64.MOVQ, int64(entry), regTarget)
		},
	}
	if err := c.emitCall(plan); err != nil {
		return err
	}
	c.asm.CompileMemoryToRegister(amd64.MOVQ, amd64.REG_BP, scratchSlotOffset, regAccum)
	c.pushedInt()
	return nil
}

func (c *compiler) compileTokenLoad(op cil.Opcode, token uint32) error {
	c.spillTOS()
	switch op {
	case cil.OpLdstr:
		p, err := c.eng.resolver.ResolveString(token)
		if err != nil {
			return fmt.Errorf("resolving string 0x%08x: %w", token, err)
		}
		c.materializeConst(regAccum, int64(p))
	case cil.OpLdtoken:
		rt, err := c.eng.resolver.ResolveType(token)
		if err != nil {
			return fmt.Errorf("resolving token 0x%08x: %w", token, err)
		}
		c.materializeConst(regAccum, int64(rt.Descriptor))
	}
	c.pushedInt()
	return nil
}
