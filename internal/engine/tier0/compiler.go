package tier0

import (
	"errors"
	"fmt"
	"math"

	"github.com/protonos/ciljit/internal/asm"
	"github.com/protonos/ciljit/internal/asm/amd64"
	"github.com/protonos/ciljit/internal/cil"
)

var (
	ErrUnsupportedOpcode = errors.New("unsupported opcode")
	ErrStackMismatch     = errors.New("evaluation stack mismatch at branch target")

	// ErrMalformedBody re-exports the method-body decoder's sentinel so
	// hosts can test against it without reaching into internal/cil.
	ErrMalformedBody = cil.ErrMalformedBody
)

// compileMode selects parent-body vs funclet emission; it changes the
// meaning of endfinally/endfilter and leave.
type compileMode byte

const (
	modeParent compileMode = iota
	modeFunclet
)

// Register roles. RAX is the accumulator backing the TOS cache; XMM0 its
// float counterpart. RCX/RDX double as scratch and argument registers, R10
// carries indirect call targets, R11 is the helper/address shuttle.
const (
	regAccum  = amd64.REG_AX
	regScratch = amd64.REG_CX
	regScratch2 = amd64.REG_DX
	regTarget = amd64.REG_R10
	regShuttle = amd64.REG_R11

	fregAccum   = amd64.REG_X0
	fregScratch = amd64.REG_X1
)

// Object layout constants shared with the host runtime: every heap object
// leads with its type-descriptor pointer; arrays keep their length in the
// second qword with elements following; boxes keep the payload after the
// header.
const (
	objectHeaderSize  = 8
	arrayLengthOffset = 8
	arrayDataOffset   = 16
	boxPayloadOffset  = 8
)

// compiler compiles one CIL method body (or one funclet of it) to native
// code. It is single-use and strictly goroutine-local.
type compiler struct {
	eng   *Engine
	asm   amd64.Assembler
	body  *cil.Body
	frame *frame

	stack evalStack
	tos   tosCache

	enableTOSCache  bool
	enableConstFold bool

	mode compileMode
	// funcletKind is set in modeFunclet.
	funcletKind cil.ClauseKind

	// branchTargets holds every IL offset some instruction jumps to.
	branchTargets map[uint32]struct{}
	// anchors maps already-emitted IL offsets to their anchor node.
	anchors map[uint32]asm.Node
	// pendingJumps holds forward jumps awaiting their target's anchor.
	pendingJumps map[uint32][]asm.Node
	// targetTags records the agreed stack shape at each branch target.
	targetTags map[uint32][]stackTag

	// offsetAnchors collects anchors for offsets whose native position the
	// method record needs (clause boundaries, leave continuations).
	offsetAnchors map[uint32]asm.Node

	overflowJumps []asm.Node
	rangeJumps    []asm.Node

	// funcletSlotAddrs[i] is the address of the method record's funclet
	// table entry for clause i; parent leave stubs call through it.
	funcletSlotAddrs []uintptr

	// parentStart and parentOffsets are set for pass 2 so catch-funclet
	// leaves can materialize their continuation address.
	parentStart   uintptr
	parentOffsets map[uint32]uint64

	// unreachable is set after an unconditional transfer until the next
	// branch target re-establishes a stack shape.
	unreachable bool

	// volatilePrefix and friends are consumed by the next instruction.
	// unaligned. and volatile. are no-ops on x86-64 (TSO, unaligned loads
	// allowed); tail. is parsed and ignored in a Tier-0 compiler.
	constrainedToken uint32
}

func newCompiler(eng *Engine, a amd64.Assembler, body *cil.Body, f *frame) *compiler {
	return &compiler{
		eng:             eng,
		asm:             a,
		body:            body,
		frame:           f,
		enableTOSCache:  eng.enableTOSCache,
		enableConstFold: eng.enableConstFold,
		branchTargets:   map[uint32]struct{}{},
		anchors:         map[uint32]asm.Node{},
		pendingJumps:    map[uint32][]asm.Node{},
		targetTags:      map[uint32][]stackTag{},
		offsetAnchors:   map[uint32]asm.Node{},
	}
}

// prescan records every branch target in the body so the main pass knows
// where to drop anchors and check stack agreement.
func (c *compiler) prescan() error {
	r := cil.NewReader(c.body.Code)
	for r.More() {
		op, err := r.ReadOpcode()
		if err != nil {
			return err
		}
		kind := cil.OperandKindOf(op)
		switch kind {
		case cil.OperandBranch8, cil.OperandBranch32:
			t, err := r.BranchTarget(kind == cil.OperandBranch8)
			if err != nil {
				return err
			}
			c.branchTargets[t] = struct{}{}
			if op == cil.OpLeave || op == cil.OpLeaveS {
				// The stack is discarded at a leave boundary, so its target
				// starts empty. Recording that here keeps the continuation
				// reachable even when the only leave into it sits in a
				// handler body the parent pass skips.
				if _, ok := c.targetTags[t]; !ok {
					c.targetTags[t] = []stackTag{}
				}
			}
		case cil.OperandSwitch:
			n, err := r.Int32()
			if err != nil {
				return err
			}
			base := r.Offset() + uint32(4*n)
			for i := int32(0); i < n; i++ {
				rel, err := r.Int32()
				if err != nil {
					return err
				}
				c.branchTargets[base+uint32(rel)] = struct{}{}
			}
		default:
			if err := r.SkipOperand(op); err != nil {
				return err
			}
		}
	}
	for i := range c.body.Clauses {
		cl := &c.body.Clauses[i]
		c.branchTargets[cl.TryOffset] = struct{}{}
		c.branchTargets[cl.TryEnd()] = struct{}{}
	}
	return nil
}

// ilRange is a half-open IL interval.
type ilRange struct{ start, end uint32 }

func (r ilRange) contains(off uint32) bool { return r.start <= off && off < r.end }

// handlerRanges returns the IL intervals that belong to handler (and filter)
// bodies: pass 1 skips them, pass 2 compiles each separately.
func (c *compiler) handlerRanges() []ilRange {
	var rs []ilRange
	for i := range c.body.Clauses {
		cl := &c.body.Clauses[i]
		if cl.Kind == cil.ClauseFilter {
			rs = append(rs, ilRange{cl.FilterOffset, cl.HandlerOffset})
		}
		rs = append(rs, ilRange{cl.HandlerOffset, cl.HandlerEnd()})
	}
	return rs
}

// compileRange drives opcode dispatch over [from, end), skipping the given
// sub-ranges (handler bodies during pass 1).
func (c *compiler) compileRange(from, end uint32, skip []ilRange) error {
	r := cil.NewReader(c.body.Code)
	r.SeekTo(from)
	for r.Offset() < end {
		off := r.Offset()

		// Anchor before the skip check: a try end can coincide with the
		// start of a handler body, and the clause table needs its native
		// position in the parent stream.
		if _, isTarget := c.branchTargets[off]; isTarget {
			if err := c.placeAnchor(off); err != nil {
				return err
			}
		}

		if s, ok := inRanges(off, skip); ok {
			r.SeekTo(s.end)
			c.unreachable = true
			continue
		}
		if c.unreachable {
			// Dead code between an unconditional transfer and the next live
			// label: decode and discard.
			op, err := r.ReadOpcode()
			if err != nil {
				return err
			}
			if err := r.SkipOperand(op); err != nil {
				return err
			}
			continue
		}

		op, err := r.ReadOpcode()
		if err != nil {
			return err
		}
		if err := c.compileOp(op, r, off); err != nil {
			return fmt.Errorf("%s at IL_%04x: %w", op.Name(), off, err)
		}
	}
	// A clause boundary can sit at the very end of the range.
	if _, isTarget := c.branchTargets[end]; isTarget && c.mode == modeParent {
		if err := c.placeAnchor(end); err != nil {
			return err
		}
	}
	return nil
}

func inRanges(off uint32, rs []ilRange) (ilRange, bool) {
	for _, r := range rs {
		if r.contains(off) {
			return r, true
		}
	}
	return ilRange{}, false
}

// placeAnchor emits the label node for a branch target and reconciles the
// stack shape with every jump that arrives here.
func (c *compiler) placeAnchor(off uint32) error {
	c.spillTOS()

	want, recorded := c.targetTags[off]
	if c.unreachable {
		if recorded {
			c.stack.restore(want)
			c.unreachable = false
		}
		// No recorded shape means no live entry reaches this label yet;
		// stay unreachable until one does.
	} else if recorded {
		if !tagsEqual(want, c.stack.tags) {
			return fmt.Errorf("%w: IL_%04x has %v, predecessor recorded %v", ErrStackMismatch, off, &c.stack, want)
		}
	} else {
		c.targetTags[off] = c.stack.snapshot()
	}

	anchor := c.asm.CompileStandAlone(amd64.NOP)
	c.anchors[off] = anchor
	c.offsetAnchors[off] = anchor
	for _, j := range c.pendingJumps[off] {
		j.AssignJumpTarget(anchor)
	}
	delete(c.pendingJumps, off)
	return nil
}

// branchTo records a jump node against its IL target, checking (or
// recording) the stack shape the target expects.
func (c *compiler) branchTo(jmp asm.Node, target uint32) error {
	if want, ok := c.targetTags[target]; ok {
		if !tagsEqual(want, c.stack.tags) {
			return fmt.Errorf("%w: jump to IL_%04x with %v, target recorded %v", ErrStackMismatch, target, &c.stack, want)
		}
	} else {
		c.targetTags[target] = c.stack.snapshot()
	}
	if anchor, ok := c.anchors[target]; ok {
		jmp.AssignJumpTarget(anchor)
	} else {
		c.pendingJumps[target] = append(c.pendingJumps[target], jmp)
	}
	return nil
}

// ---- TOS cache and stack helpers ----

// spillTOS flushes the cached top entry to the memory stack. Mandatory
// before branches, calls, and anything that may clobber the accumulator.
func (c *compiler) spillTOS() {
	if !c.tos.cached {
		return
	}
	if c.tos.isConstant {
		c.materializeConst(regAccum, c.tos.constValue)
		c.asm.CompileRegisterToNone(amd64.PUSHQ, regAccum)
	} else {
		switch c.tos.kind {
		case tagFloat32:
			c.asm.CompileConstToRegister(amd64.SUBQ, 8, amd64.REG_SP)
			c.asm.CompileRegisterToMemory(amd64.MOVSS, fregAccum, amd64.REG_SP, 0)
		case tagFloat64:
			c.asm.CompileConstToRegister(amd64.SUBQ, 8, amd64.REG_SP)
			c.asm.CompileRegisterToMemory(amd64.MOVSD, fregAccum, amd64.REG_SP, 0)
		default:
			c.asm.CompileRegisterToNone(amd64.PUSHQ, regAccum)
		}
	}
	c.tos.clear()
}

// materializeConst loads a constant using the smallest encoding that
// preserves value and sign: zero is xor, positive 32-bit values use the
// implicitly zero-extending 32-bit move, everything else the full 64-bit
// immediate.
func (c *compiler) materializeConst(reg asm.Register, v int64) {
	switch {
	case v == 0:
		c.asm.CompileRegisterToRegister(amd64.XORL, reg, reg)
	case v > 0 && v <= math.MaxInt32:
		c.asm.CompileConstToRegister(amd64.MOVL, v, reg)
	default:
		c.asm.CompileConstToRegister(amd64.MOVQ, v, reg)
	}
}

// pushedInt marks RAX as the new logical top.
func (c *compiler) pushedInt() {
	c.stack.push(tagInt)
	if c.enableTOSCache {
		c.tos = tosCache{cached: true, kind: tagInt}
	} else {
		c.asm.CompileRegisterToNone(amd64.PUSHQ, regAccum)
	}
}

// pushedFloat marks XMM0 as the new logical top with the given tag.
func (c *compiler) pushedFloat(tag stackTag) {
	c.stack.push(tag)
	if c.enableTOSCache {
		c.tos = tosCache{cached: true, kind: tag}
	} else {
		c.asm.CompileConstToRegister(amd64.SUBQ, 8, amd64.REG_SP)
		mov := amd64.MOVSD
		if tag == tagFloat32 {
			mov = amd64.MOVSS
		}
		c.asm.CompileRegisterToMemory(asm.Instruction(mov), fregAccum, amd64.REG_SP, 0)
	}
}

// pushConst defers a compile-time integer constant: no instruction is
// emitted until the value is first needed.
func (c *compiler) pushConst(v int64) {
	c.spillTOS()
	if c.enableTOSCache && c.enableConstFold {
		c.stack.push(tagInt)
		c.tos = tosCache{cached: true, isConstant: true, constValue: v, kind: tagInt}
		return
	}
	c.materializeConst(regAccum, v)
	c.pushedInt()
}

// tosConst returns the deferred constant on top, if any.
func (c *compiler) tosConst() (int64, bool) {
	if c.tos.cached && c.tos.isConstant {
		return c.tos.constValue, true
	}
	return 0, false
}

// popConst consumes a deferred constant top without emitting anything.
func (c *compiler) popConst() int64 {
	v := c.tos.constValue
	c.tos.clear()
	c.stack.pop()
	return v
}

// popInt pops the top scalar into an integer register. Float-tagged entries
// pop as their raw bits.
func (c *compiler) popInt(reg asm.Register) {
	if c.tos.cached {
		if c.tos.isConstant {
			c.materializeConst(reg, c.tos.constValue)
		} else {
			switch c.tos.kind {
			case tagFloat32, tagFloat64:
				c.asm.CompileRegisterToRegister(amd64.MOVQ, fregAccum, reg)
			default:
				if reg != regAccum {
					c.asm.CompileRegisterToRegister(amd64.MOVQ, regAccum, reg)
				}
			}
		}
		c.tos.clear()
		c.stack.pop()
		return
	}
	c.asm.CompileNoneToRegister(amd64.POPQ, reg)
	c.stack.pop()
}

// popFloat pops the top into a float register, returning its tag. Int-tagged
// entries move as raw bits.
func (c *compiler) popFloat(reg asm.Register) stackTag {
	if c.tos.cached {
		tag := c.tos.kind
		if c.tos.isConstant {
			c.materializeConst(regAccum, c.tos.constValue)
			c.asm.CompileRegisterToRegister(amd64.MOVQ, regAccum, reg)
			tag = tagInt
		} else {
			switch tag {
			case tagFloat32, tagFloat64:
				if reg != fregAccum {
					c.asm.CompileRegisterToRegister(amd64.MOVSD, fregAccum, reg)
				}
			default:
				c.asm.CompileRegisterToRegister(amd64.MOVQ, regAccum, reg)
			}
		}
		c.tos.clear()
		c.stack.pop()
		return tag
	}
	tag := c.stack.pop()
	mov := amd64.MOVSD
	if tag == tagFloat32 {
		mov = amd64.MOVSS
	}
	c.asm.CompileMemoryToRegister(asm.Instruction(mov), amd64.REG_SP, 0, reg)
	c.asm.CompileConstToRegister(amd64.ADDQ, 8, amd64.REG_SP)
	return tag
}

// dropSlots frees n memory-stack slots (the cache must already be spilled or
// consumed) and pops their tags.
func (c *compiler) dropSlots(n int) {
	if n > 0 {
		c.asm.CompileConstToRegister(amd64.ADDQ, int64(8*n), amd64.REG_SP)
	}
	for i := 0; i < n; i++ {
		c.stack.pop()
	}
}

// emitHelperCall calls an absolute-address runtime helper, providing the
// callee-owned shadow area around the call.
func (c *compiler) emitHelperCall(addr uintptr) {
	c.asm.CompileConstToRegister(amd64.MOVQ, int64(addr), regShuttle)
	c.asm.CompileConstToRegister(amd64.SUBQ, shadowSpaceBytes, amd64.REG_SP)
	c.asm.CompileNoneToRegister(amd64.CALL, regShuttle)
	c.asm.CompileConstToRegister(amd64.ADDQ, shadowSpaceBytes, amd64.REG_SP)
}

// jumpToOverflow emits a conditional jump into the method's shared
// overflow-dispatch stub.
func (c *compiler) jumpToOverflow(cc asm.Instruction) {
	j := c.asm.CompileJump(cc)
	c.overflowJumps = append(c.overflowJumps, j)
}

// jumpToRangeCheck emits a conditional jump into the shared range-check stub.
func (c *compiler) jumpToRangeCheck(cc asm.Instruction) {
	j := c.asm.CompileJump(cc)
	c.rangeJumps = append(c.rangeJumps, j)
}

// emitTrapStubs appends the shared overflow and range-check stubs after the
// body. Each is an `INT imm8` the host's trap handlers turn into the managed
// exception.
func (c *compiler) emitTrapStubs() {
	if len(c.overflowJumps) > 0 {
		c.asm.SetJumpTargetOnNext(c.overflowJumps...)
		c.asm.CompileInterrupt(c.eng.helpers.OverflowVector)
	}
	if len(c.rangeJumps) > 0 {
		c.asm.SetJumpTargetOnNext(c.rangeJumps...)
		c.asm.CompileInterrupt(c.eng.helpers.RangeCheckVector)
	}
}

// ---- prolog / epilog ----

// emitProlog establishes the frame: saved RBP, the fixed local area, spilled
// argument registers, the stashed hidden return-buffer pointer, and the
// optional zero-fill of locals.
func (c *compiler) emitProlog() {
	c.asm.CompileRegisterToNone(amd64.PUSHQ, amd64.REG_BP)
	c.asm.CompileRegisterToRegister(amd64.MOVQ, amd64.REG_SP, amd64.REG_BP)
	if c.frame.size > 0 {
		c.asm.CompileConstToRegister(amd64.SUBQ, c.frame.size, amd64.REG_SP)
	}

	// Home the register argument units so every argument has a frame slot.
	units := c.frame.argUnits
	shift := 0
	if c.frame.retKind == RetHiddenBuffer {
		// The hidden buffer address arrives in the first register slot,
		// shifting declared arguments right by one.
		c.asm.CompileRegisterToMemory(amd64.MOVQ, intArgRegisters[0], amd64.REG_BP, retBufSlotOffset)
		shift = 1
	}
	for u, unit := range units {
		pos := u + shift
		home := argsHomeOffset + int64(8*u)
		if pos < len(intArgRegisters) {
			if unit.float {
				c.asm.CompileRegisterToMemory(amd64.MOVSD, floatArgRegisters[pos], amd64.REG_BP, home)
			} else {
				c.asm.CompileRegisterToMemory(amd64.MOVQ, intArgRegisters[pos], amd64.REG_BP, home)
			}
		} else if shift != 0 {
			// With the hidden-buffer shift, unit u arrived in caller stack
			// slot pos; re-home it at its unshifted position.
			c.asm.CompileMemoryToRegister(amd64.MOVQ, amd64.REG_BP, argsHomeOffset+int64(8*pos), regShuttle)
			c.asm.CompileRegisterToMemory(amd64.MOVQ, regShuttle, amd64.REG_BP, home)
		}
	}

	if (c.eng.initLocals || c.body.InitLocals) && len(c.frame.locals) > 0 {
		c.emitZeroLocals()
	}
}

func (c *compiler) emitZeroLocals() {
	totalSlots := 0
	for _, l := range c.frame.locals {
		totalSlots += l.slots
	}
	if totalSlots <= 16 {
		c.asm.CompileRegisterToRegister(amd64.XORL, regAccum, regAccum)
		for _, l := range c.frame.locals {
			for s := 0; s < l.slots; s++ {
				c.asm.CompileRegisterToMemory(amd64.MOVQ, regAccum, amd64.REG_BP, l.offset+int64(8*s))
			}
		}
		return
	}
	// Large frames zero with rep stosb; RDI is callee-saved here, so keep it
	// alive around the fill.
	low := c.frame.locals[len(c.frame.locals)-1].offset
	c.asm.CompileRegisterToNone(amd64.PUSHQ, amd64.REG_DI)
	c.asm.CompileMemoryToRegister(amd64.LEAQ, amd64.REG_BP, low, amd64.REG_DI)
	c.asm.CompileRegisterToRegister(amd64.XORL, regAccum, regAccum)
	c.materializeConst(regScratch, -low-reservedFrameBytes)
	c.asm.CompileStandAlone(amd64.REPSTOSB)
	c.asm.CompileNoneToRegister(amd64.POPQ, amd64.REG_DI)
}

// emitEpilog tears the frame down and returns.
func (c *compiler) emitEpilog() {
	c.asm.CompileRegisterToRegister(amd64.MOVQ, amd64.REG_BP, amd64.REG_SP)
	c.asm.CompileNoneToRegister(amd64.POPQ, amd64.REG_BP)
	c.asm.CompileStandAlone(amd64.RET)
}
