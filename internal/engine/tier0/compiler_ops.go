package tier0

import (
	"fmt"

	"github.com/protonos/ciljit/internal/asm/amd64"
	"github.com/protonos/ciljit/internal/cil"
)

// compileOp dispatches one decoded opcode. The reader is positioned just
// past the opcode; operand decoding happens here.
func (c *compiler) compileOp(op cil.Opcode, r *cil.Reader, off uint32) error {
	switch op {
	case cil.OpNop:
		return nil
	case cil.OpBreak:
		c.asm.CompileStandAlone(amd64.INT3)
		return nil

	// Prefixes. unaligned. and volatile. are no-ops on x86-64; tail. is
	// parsed and ignored; constrained. is remembered for the next callvirt;
	// readonly. only affects ldelema verification.
	case cil.OpUnaligned:
		_, err := r.Uint8()
		return err
	case cil.OpVolatile, cil.OpTail, cil.OpReadonly:
		return nil
	case cil.OpConstrained:
		tok, err := r.Token()
		c.constrainedToken = tok
		return err

	// Constants.
	case cil.OpLdnull, cil.OpLdcI40:
		c.pushConst(0)
		return nil
	case cil.OpLdcI4M1:
		c.pushConst(-1)
		return nil
	case cil.OpLdcI41, cil.OpLdcI42, cil.OpLdcI43, cil.OpLdcI44,
		cil.OpLdcI45, cil.OpLdcI46, cil.OpLdcI47, cil.OpLdcI48:
		c.pushConst(int64(op - cil.OpLdcI40))
		return nil
	case cil.OpLdcI4S:
		v, err := r.Int8()
		if err != nil {
			return err
		}
		c.pushConst(int64(v))
		return nil
	case cil.OpLdcI4:
		v, err := r.Int32()
		if err != nil {
			return err
		}
		c.pushConst(int64(v))
		return nil
	case cil.OpLdcI8:
		v, err := r.Int64()
		if err != nil {
			return err
		}
		c.pushConst(v)
		return nil
	case cil.OpLdcR4:
		v, err := r.Int32()
		if err != nil {
			return err
		}
		return c.compileLdcFloat(int64(uint32(v)), tagFloat32)
	case cil.OpLdcR8:
		v, err := r.Int64()
		if err != nil {
			return err
		}
		return c.compileLdcFloat(v, tagFloat64)

	// Arguments and locals.
	case cil.OpLdarg0, cil.OpLdarg1, cil.OpLdarg2, cil.OpLdarg3:
		return c.compileLdarg(int(op - cil.OpLdarg0))
	case cil.OpLdargS:
		i, err := r.Uint8()
		if err != nil {
			return err
		}
		return c.compileLdarg(int(i))
	case cil.OpLdarg:
		i, err := r.Uint16()
		if err != nil {
			return err
		}
		return c.compileLdarg(int(i))
	case cil.OpLdargaS:
		i, err := r.Uint8()
		if err != nil {
			return err
		}
		return c.compileLdarga(int(i))
	case cil.OpLdarga:
		i, err := r.Uint16()
		if err != nil {
			return err
		}
		return c.compileLdarga(int(i))
	case cil.OpStargS:
		i, err := r.Uint8()
		if err != nil {
			return err
		}
		return c.compileStarg(int(i))
	case cil.OpStarg:
		i, err := r.Uint16()
		if err != nil {
			return err
		}
		return c.compileStarg(int(i))
	case cil.OpLdloc0, cil.OpLdloc1, cil.OpLdloc2, cil.OpLdloc3:
		return c.compileLdloc(int(op - cil.OpLdloc0))
	case cil.OpLdlocS:
		i, err := r.Uint8()
		if err != nil {
			return err
		}
		return c.compileLdloc(int(i))
	case cil.OpLdloc:
		i, err := r.Uint16()
		if err != nil {
			return err
		}
		return c.compileLdloc(int(i))
	case cil.OpLdlocaS:
		i, err := r.Uint8()
		if err != nil {
			return err
		}
		return c.compileLdloca(int(i))
	case cil.OpLdloca:
		i, err := r.Uint16()
		if err != nil {
			return err
		}
		return c.compileLdloca(int(i))
	case cil.OpStloc0, cil.OpStloc1, cil.OpStloc2, cil.OpStloc3:
		return c.compileStloc(int(op - cil.OpStloc0))
	case cil.OpStlocS:
		i, err := r.Uint8()
		if err != nil {
			return err
		}
		return c.compileStloc(int(i))
	case cil.OpStloc:
		i, err := r.Uint16()
		if err != nil {
			return err
		}
		return c.compileStloc(int(i))

	// Fields.
	case cil.OpLdfld, cil.OpLdflda, cil.OpStfld,
		cil.OpLdsfld, cil.OpLdsflda, cil.OpStsfld:
		tok, err := r.Token()
		if err != nil {
			return err
		}
		return c.compileFieldOp(op, tok)

	// Indirect loads/stores.
	case cil.OpLdindI1, cil.OpLdindU1, cil.OpLdindI2, cil.OpLdindU2,
		cil.OpLdindI4, cil.OpLdindU4, cil.OpLdindI8, cil.OpLdindI,
		cil.OpLdindR4, cil.OpLdindR8, cil.OpLdindRef:
		return c.compileLdind(op)
	case cil.OpStindRef, cil.OpStindI1, cil.OpStindI2, cil.OpStindI4,
		cil.OpStindI8, cil.OpStindR4, cil.OpStindR8, cil.OpStindI:
		return c.compileStind(op)
	case cil.OpLdobj, cil.OpStobj, cil.OpCpobj, cil.OpInitobj, cil.OpSizeof:
		tok, err := r.Token()
		if err != nil {
			return err
		}
		return c.compileObjOp(op, tok)
	case cil.OpInitblk:
		return c.compileInitblk()
	case cil.OpCpblk:
		return c.compileCpblk()
	case cil.OpLocalloc:
		return c.compileLocalloc()

	// Arithmetic, bitwise, shifts, comparison, conversion.
	case cil.OpAdd, cil.OpSub, cil.OpMul, cil.OpDiv, cil.OpDivUn,
		cil.OpRem, cil.OpRemUn, cil.OpAnd, cil.OpOr, cil.OpXor,
		cil.OpShl, cil.OpShr, cil.OpShrUn, cil.OpNeg, cil.OpNot:
		return c.compileArith(op)
	case cil.OpAddOvf, cil.OpAddOvfUn, cil.OpSubOvf, cil.OpSubOvfUn,
		cil.OpMulOvf, cil.OpMulOvfUn:
		return c.compileArithOvf(op)
	case cil.OpCeq, cil.OpCgt, cil.OpCgtUn, cil.OpClt, cil.OpCltUn:
		return c.compileCompare(op)
	case cil.OpConvI1, cil.OpConvI2, cil.OpConvI4, cil.OpConvI8,
		cil.OpConvU1, cil.OpConvU2, cil.OpConvU4, cil.OpConvU8,
		cil.OpConvI, cil.OpConvU, cil.OpConvR4, cil.OpConvR8, cil.OpConvRUn:
		return c.compileConv(op)
	case cil.OpConvOvfI1, cil.OpConvOvfU1, cil.OpConvOvfI2, cil.OpConvOvfU2,
		cil.OpConvOvfI4, cil.OpConvOvfU4, cil.OpConvOvfI8, cil.OpConvOvfU8,
		cil.OpConvOvfI, cil.OpConvOvfU,
		cil.OpConvOvfI1Un, cil.OpConvOvfU1Un, cil.OpConvOvfI2Un, cil.OpConvOvfU2Un,
		cil.OpConvOvfI4Un, cil.OpConvOvfU4Un, cil.OpConvOvfI8Un, cil.OpConvOvfU8Un,
		cil.OpConvOvfIUn, cil.OpConvOvfUUn:
		return c.compileConvOvf(op)
	case cil.OpCkfinite:
		return c.compileCkfinite()

	// Stack shuffling.
	case cil.OpDup:
		return c.compileDup()
	case cil.OpPop:
		return c.compilePop()

	// Control flow.
	case cil.OpBrS, cil.OpBr:
		t, err := r.BranchTarget(op == cil.OpBrS)
		if err != nil {
			return err
		}
		return c.compileBr(t)
	case cil.OpBrfalseS, cil.OpBrfalse, cil.OpBrtrueS, cil.OpBrtrue:
		t, err := r.BranchTarget(op == cil.OpBrfalseS || op == cil.OpBrtrueS)
		if err != nil {
			return err
		}
		return c.compileBrCond(t, op == cil.OpBrtrue || op == cil.OpBrtrueS)
	case cil.OpBeqS, cil.OpBgeS, cil.OpBgtS, cil.OpBleS, cil.OpBltS,
		cil.OpBneUnS, cil.OpBgeUnS, cil.OpBgtUnS, cil.OpBleUnS, cil.OpBltUnS,
		cil.OpBeq, cil.OpBge, cil.OpBgt, cil.OpBle, cil.OpBlt,
		cil.OpBneUn, cil.OpBgeUn, cil.OpBgtUn, cil.OpBleUn, cil.OpBltUn:
		return c.compileBrCmp(op, r)
	case cil.OpSwitch:
		return c.compileSwitch(r)
	case cil.OpRet:
		return c.compileRet()

	// Calls and object model.
	case cil.OpCall, cil.OpCallvirt, cil.OpCalli, cil.OpNewobj,
		cil.OpLdftn, cil.OpLdvirtftn, cil.OpJmp:
		tok, err := r.Token()
		if err != nil {
			return err
		}
		return c.compileCallOp(op, tok)
	case cil.OpLdstr, cil.OpLdtoken:
		tok, err := r.Token()
		if err != nil {
			return err
		}
		return c.compileTokenLoad(op, tok)
	case cil.OpNewarr, cil.OpBox, cil.OpUnbox, cil.OpUnboxAny,
		cil.OpCastclass, cil.OpIsinst, cil.OpLdelema, cil.OpLdelem, cil.OpStelem:
		tok, err := r.Token()
		if err != nil {
			return err
		}
		return c.compileTypeOp(op, tok)
	case cil.OpLdlen:
		return c.compileLdlen()
	case cil.OpLdelemI1, cil.OpLdelemU1, cil.OpLdelemI2, cil.OpLdelemU2,
		cil.OpLdelemI4, cil.OpLdelemU4, cil.OpLdelemI8, cil.OpLdelemI,
		cil.OpLdelemR4, cil.OpLdelemR8, cil.OpLdelemRef:
		return c.compileLdelemFixed(op)
	case cil.OpStelemI, cil.OpStelemI1, cil.OpStelemI2, cil.OpStelemI4,
		cil.OpStelemI8, cil.OpStelemR4, cil.OpStelemR8, cil.OpStelemRef:
		return c.compileStelemFixed(op)

	// Exception handling.
	case cil.OpThrow:
		return c.compileThrow()
	case cil.OpRethrow:
		return c.compileRethrow()
	case cil.OpLeave, cil.OpLeaveS:
		t, err := r.BranchTarget(op == cil.OpLeaveS)
		if err != nil {
			return err
		}
		return c.compileLeave(off, t)
	case cil.OpEndfinally:
		return c.compileEndfinally()
	case cil.OpEndfilter:
		return c.compileEndfilter()
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedOpcode, op.Name())
}
