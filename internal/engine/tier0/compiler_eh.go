package tier0

import (
	"fmt"

	"github.com/protonos/ciljit/internal/asm/amd64"
	"github.com/protonos/ciljit/internal/cil"
)

// Funclet argument registers: the dispatcher passes the exception object in
// the first argument register and the parent frame pointer in the second.
var (
	funcletExceptionReg   = intArgRegisters[0]
	funcletParentFrameReg = intArgRegisters[1]
)

func (c *compiler) compileThrow() error {
	c.popInt(intArgRegisters[0])
	c.emitHelperCall(c.eng.helpers.Throw)
	// The throw helper never returns; the record simply ends here.
	c.discardStack()
	c.unreachable = true
	return nil
}

func (c *compiler) compileRethrow() error {
	if c.mode != modeFunclet || (c.funcletKind != cil.ClauseCatch && c.funcletKind != cil.ClauseFilter) {
		return fmt.Errorf("%w: rethrow outside a catch handler", ErrUnsupportedOpcode)
	}
	c.emitHelperCall(c.eng.helpers.Rethrow)
	c.discardStack()
	c.unreachable = true
	return nil
}

// discardStack throws away the whole evaluation stack; used at throw/leave
// boundaries where the spec pins the stack to zero.
func (c *compiler) discardStack() {
	if c.tos.cached {
		c.tos.clear()
		c.stack.pop()
	}
	if n := c.stack.height(); n > 0 {
		c.asm.CompileConstToRegister(amd64.ADDQ, int64(8*n), amd64.REG_SP)
		c.stack.tags = c.stack.tags[:0]
	}
}

func (c *compiler) compileLeave(off, target uint32) error {
	c.discardStack()

	if c.mode == modeFunclet {
		// Leaving a catch funclet unwinds to the dispatcher: the funclet
		// returns the continuation address in the parent body.
		nativeOff, ok := c.parentOffsets[target]
		if !ok {
			return fmt.Errorf("no continuation anchor for IL_%04x", target)
		}
		c.materializeConst(regAccum, int64(c.parentStart)+int64(nativeOff))
		c.emitFuncletEpilog()
		c.unreachable = true
		return nil
	}

	// Parent body: run every finally whose protected range covers the leave
	// site but not the destination, innermost (table order) first, then jump
	// to the destination. The funclet addresses are not known yet, so the
	// calls go through the method record's funclet table.
	for i := range c.body.Clauses {
		cl := &c.body.Clauses[i]
		if cl.Kind != cil.ClauseFinally || !cl.Covers(off) || cl.Covers(target) {
			continue
		}
		c.asm.CompileConstToRegister(amd64.MOVQ, int64(c.funcletSlotAddrs[i]), regShuttle)
		c.asm.CompileRegisterToRegister(amd64.MOVQ, amd64.REG_BP, funcletParentFrameReg)
		c.asm.CompileConstToRegister(amd64.SUBQ, shadowSpaceBytes, amd64.REG_SP)
		c.asm.CompileJumpToMemory(amd64.CALL, regShuttle, 0)
		c.asm.CompileConstToRegister(amd64.ADDQ, shadowSpaceBytes, amd64.REG_SP)
	}

	j := c.asm.CompileJump(amd64.JMP)
	if err := c.branchTo(j, target); err != nil {
		return err
	}
	c.unreachable = true
	return nil
}

func (c *compiler) compileEndfinally() error {
	if c.mode != modeFunclet {
		return fmt.Errorf("%w: endfinally outside a funclet", ErrUnsupportedOpcode)
	}
	if c.stack.height() != 0 {
		c.discardStack()
	}
	c.emitFuncletEpilog()
	c.unreachable = true
	return nil
}

func (c *compiler) compileEndfilter() error {
	if c.mode != modeFunclet || c.funcletKind != cil.ClauseFilter {
		return fmt.Errorf("%w: endfilter outside a filter", ErrUnsupportedOpcode)
	}
	// The filter's verdict (0 = continue search, 1 = accept) returns in RAX.
	c.popInt(regAccum)
	c.emitFuncletEpilog()
	c.unreachable = true
	return nil
}

// emitFuncletProlog establishes the funclet frame: the parent frame pointer
// arrives in a register and becomes RBP, so every local/argument offset
// compiled against the parent frame keeps working.
func (c *compiler) emitFuncletProlog(withException bool) {
	c.asm.CompileRegisterToNone(amd64.PUSHQ, amd64.REG_BP)
	c.asm.CompileRegisterToRegister(amd64.MOVQ, funcletParentFrameReg, amd64.REG_BP)
	if withException {
		// The handler IL begins with the exception object on the evaluation
		// stack.
		c.asm.CompileRegisterToNone(amd64.PUSHQ, funcletExceptionReg)
		c.stack.push(tagInt)
	}
}

func (c *compiler) emitFuncletEpilog() {
	c.asm.CompileNoneToRegister(amd64.POPQ, amd64.REG_BP)
	c.asm.CompileStandAlone(amd64.RET)
}

// compileParent runs pass 1: the full method with every handler body
// skipped, plus the trap stubs, assembled to bytes. The returned map carries
// the native offset of every anchored IL offset.
func (c *compiler) compileParent() ([]byte, map[uint32]uint64, error) {
	if err := c.prescan(); err != nil {
		return nil, nil, err
	}
	c.emitProlog()
	if err := c.compileRange(0, uint32(len(c.body.Code)), c.handlerRanges()); err != nil {
		return nil, nil, err
	}
	c.emitTrapStubs()
	code, err := c.asm.Assemble()
	if err != nil {
		return nil, nil, err
	}
	offs := make(map[uint32]uint64, len(c.offsetAnchors))
	for il, n := range c.offsetAnchors {
		offs[il] = n.OffsetInBinary()
	}
	return code, offs, nil
}

// compileFunclet runs one pass-2 compilation: the handler (or filter) IL
// range as a structurally separate function over the parent's frame.
func (c *compiler) compileFunclet(kind cil.ClauseKind, from, to uint32) ([]byte, error) {
	c.mode = modeFunclet
	c.funcletKind = kind
	if err := c.prescan(); err != nil {
		return nil, err
	}
	withException := kind == cil.ClauseCatch || kind == cil.ClauseFilter
	c.emitFuncletProlog(withException)
	if err := c.compileRange(from, to, nil); err != nil {
		return nil, err
	}
	c.emitTrapStubs()
	return c.asm.Assemble()
}
