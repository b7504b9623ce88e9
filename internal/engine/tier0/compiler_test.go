package tier0

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/protonos/ciljit/internal/cil"
)

func TestCompile_floatArithmetic(t *testing.T) {
	r := newFakeResolver()
	r.methods[mtokAdd] = ResolvedMethod{RetKind: RetFloatInXmm0, RetSize: 8, VTableSlot: -1, InterfaceMethodID: -1}
	e := newTestEngine(t, r)

	// ldc.r8 1.5; ldc.r8 2.25; add; ret
	code := []byte{byte(cil.OpLdcR8)}
	code = append(code, f64bits(1.5)...)
	code = append(code, byte(cil.OpLdcR8))
	code = append(code, f64bits(2.25)...)
	code = append(code, byte(cil.OpAdd), byte(cil.OpRet))
	_, err := e.CompileMethod(mtokAdd, tinyBody(code...))
	require.NoError(t, err)
}

func TestCompile_floatCompare(t *testing.T) {
	r := newFakeResolver()
	r.methods[mtokAdd] = ResolvedMethod{RetKind: RetInt64InRax, RetSize: 8, VTableSlot: -1, InterfaceMethodID: -1}
	e := newTestEngine(t, r)

	// ldc.r4 1; ldc.r4 2; clt; ret
	code := []byte{byte(cil.OpLdcR4)}
	code = append(code, f32bits(1)...)
	code = append(code, byte(cil.OpLdcR4))
	code = append(code, f32bits(2)...)
	code = append(code, 0xfe, 0x04, byte(cil.OpRet))
	_, err := e.CompileMethod(mtokAdd, tinyBody(code...))
	require.NoError(t, err)
}

func TestCompile_conversions(t *testing.T) {
	r := newFakeResolver()
	r.methods[mtokAdd] = ResolvedMethod{RetKind: RetInt64InRax, RetSize: 8, VTableSlot: -1, InterfaceMethodID: -1}
	e := newTestEngine(t, r)

	for name, ops := range map[string][]byte{
		"conv.i1":     {byte(cil.OpConvI1)},
		"conv.u2":     {byte(cil.OpConvU2)},
		"conv.i4":     {byte(cil.OpConvI4)},
		"conv.r8":     {byte(cil.OpConvR8), byte(cil.OpConvI8)},
		"conv.r.un":   {byte(cil.OpConvRUn), byte(cil.OpConvI8)},
		"conv.ovf.i4": {byte(cil.OpConvOvfI4)},
		"conv.ovf.u1": {byte(cil.OpConvOvfU1)},
		"conv.ovf.u8": {byte(cil.OpConvOvfU8)},
	} {
		t.Run(name, func(t *testing.T) {
			code := []byte{byte(cil.OpLdcI4), 0x2a, 0, 0, 0}
			code = append(code, ops...)
			code = append(code, byte(cil.OpRet))
			_, err := e.CompileMethod(mtokAdd, tinyBody(code...))
			require.NoError(t, err)
		})
	}
}

func TestCompile_divisionAndShifts(t *testing.T) {
	r := newFakeResolver()
	r.methods[mtokAdd] = ResolvedMethod{RetKind: RetInt64InRax, RetSize: 8, VTableSlot: -1, InterfaceMethodID: -1}
	e := newTestEngine(t, r)

	for name, op := range map[string]cil.Opcode{
		"div":    cil.OpDiv,
		"div.un": cil.OpDivUn,
		"rem":    cil.OpRem,
		"rem.un": cil.OpRemUn,
		"shl":    cil.OpShl,
		"shr":    cil.OpShr,
		"shr.un": cil.OpShrUn,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := e.CompileMethod(mtokAdd, tinyBody(
				byte(cil.OpLdcI48),
				byte(cil.OpLdcI42),
				byte(op),
				byte(cil.OpRet),
			))
			require.NoError(t, err)
		})
	}
}

func TestCompile_mediumStructReturnCall(t *testing.T) {
	const calleeTok = 0x06000040
	r := newFakeResolver()
	r.methods[mtokAdd] = ResolvedMethod{RetKind: RetInt64InRax, RetSize: 8, VTableSlot: -1, InterfaceMethodID: -1}
	r.methods[calleeTok] = ResolvedMethod{
		Entry: 0x7f0000009100, RetKind: RetMediumStructInRaxRdx, RetSize: 16,
		VTableSlot: -1, InterfaceMethodID: -1,
	}
	// Field b at offset 8 of the 16-byte result.
	r.fields[0x04000008] = ResolvedField{Offset: 8, Size: 8, Signed: true}
	e := newTestEngine(t, r)

	// var s = f(); return s.b;
	_, err := e.CompileMethod(mtokAdd, tinyBody(
		byte(cil.OpCall), 0x40, 0x00, 0x00, 0x06,
		byte(cil.OpLdfld), 0x08, 0x00, 0x00, 0x04,
		byte(cil.OpRet),
	))
	require.NoError(t, err)
}

func TestCompile_virtualAndInterfaceCalls(t *testing.T) {
	const virtTok, ifaceTok = 0x06000050, 0x06000051
	r := newFakeResolver()
	r.methods[mtokAdd] = ResolvedMethod{RetKind: RetVoid, VTableSlot: -1, InterfaceMethodID: -1}
	r.methods[virtTok] = ResolvedMethod{
		Args: []ArgDesc{{Size: 8}}, RetKind: RetVoid, IsInstance: true,
		VTableSlot: 3, InterfaceMethodID: -1,
	}
	r.methods[ifaceTok] = ResolvedMethod{
		Args: []ArgDesc{{Size: 8}}, RetKind: RetVoid, IsInstance: true,
		VTableSlot: -1, InterfaceMethodID: 17,
	}
	e := newTestEngine(t, r)

	for name, tok := range map[string]uint32{"virtual": virtTok, "interface": ifaceTok} {
		t.Run(name, func(t *testing.T) {
			_, err := e.CompileMethod(mtokAdd, tinyBody(
				byte(cil.OpLdnull),
				byte(cil.OpCallvirt), byte(tok), byte(tok >> 8), byte(tok >> 16), byte(tok >> 24),
				byte(cil.OpRet),
			))
			require.NoError(t, err)
		})
	}
}

func TestCompile_newobjAndArrays(t *testing.T) {
	const ctorTok, classTok, arrElemTok = 0x06000060, 0x02000003, 0x02000004
	r := newFakeResolver()
	r.methods[mtokAdd] = ResolvedMethod{RetKind: RetVoid, VTableSlot: -1, InterfaceMethodID: -1}
	r.methods[ctorTok] = ResolvedMethod{
		Entry: 0x7f0000009200, Args: []ArgDesc{{Size: 8}, {Size: 8}},
		RetKind: RetVoid, IsInstance: true, VTableSlot: -1, InterfaceMethodID: -1,
		DeclaringTypeToken: classTok,
	}
	r.types[classTok] = ResolvedType{Descriptor: 0xdead0020, BaseSize: 24, IsReferenceType: true}
	r.types[arrElemTok] = ResolvedType{Descriptor: 0xdead0030, ComponentSize: 8}
	e := newTestEngine(t, r)

	// newobj C(1) and drop it; allocate a four-element array and read its
	// length.
	_, err := e.CompileMethod(mtokAdd, tinyBody(
		byte(cil.OpLdcI41),
		byte(cil.OpNewobj), 0x60, 0x00, 0x00, 0x06,
		byte(cil.OpPop),
		byte(cil.OpLdcI44),
		byte(cil.OpNewarr), 0x04, 0x00, 0x00, 0x02,
		byte(cil.OpLdlen),
		byte(cil.OpPop),
		byte(cil.OpRet),
	))
	require.NoError(t, err)
}

func TestCompile_boxUnbox(t *testing.T) {
	const vtTok = 0x02000008
	r := newFakeResolver()
	r.methods[mtokAdd] = ResolvedMethod{RetKind: RetVoid, VTableSlot: -1, InterfaceMethodID: -1}
	r.types[vtTok] = ResolvedType{Descriptor: 0xdead0040, BaseSize: 16}
	r.sigs[0x11000003] = StandAloneSig{Locals: []LocalDesc{{Size: 16}}}
	e := newTestEngine(t, r)

	// ldloc.0 (16-byte struct); box; unbox.any; pop; ret
	_, err := e.CompileMethod(mtokAdd, fatBody(0x11000003, []byte{
		byte(cil.OpLdloc0),
		byte(cil.OpBox), 0x08, 0x00, 0x00, 0x02,
		byte(cil.OpUnboxAny), 0x08, 0x00, 0x00, 0x02,
		byte(cil.OpPop),
		byte(cil.OpRet),
	}, nil))
	require.NoError(t, err)
}

func TestCompile_switchLowering(t *testing.T) {
	r := newFakeResolver()
	r.methods[mtokAdd] = ResolvedMethod{RetKind: RetInt64InRax, RetSize: 8, VTableSlot: -1, InterfaceMethodID: -1}
	e := newTestEngine(t, r)

	// switch(2) { L0, L1 }; default falls through.
	// Layout: 0 ldc.i4.1, 1 switch, 2 n, 6 t0, 10 t1, 14 ldc.i4.0 (default),
	// 15 br.s M, 17 ldc.i4.1 (L0), 18 br.s M, 20 ldc.i4.2 (L1), 21 M: ret
	_, err := e.CompileMethod(mtokAdd, tinyBody(
		byte(cil.OpLdcI41),
		byte(cil.OpSwitch), 2, 0, 0, 0,
		3, 0, 0, 0, // -> 17
		6, 0, 0, 0, // -> 20
		byte(cil.OpLdcI40),    // 14
		byte(cil.OpBrS), 0x04, // 15 -> 21
		byte(cil.OpLdcI41),    // 17 L0
		byte(cil.OpBrS), 0x01, // 18 -> 21
		byte(cil.OpLdcI42), // 20 L1
		byte(cil.OpRet),    // 21 M
	))
	require.NoError(t, err)
}

func f64bits(v float64) []byte {
	bits := math.Float64bits(v)
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = byte(bits >> (8 * i))
	}
	return out
}

func f32bits(v float32) []byte {
	bits := math.Float32bits(v)
	out := make([]byte, 4)
	for i := 0; i < 4; i++ {
		out[i] = byte(bits >> (8 * i))
	}
	return out
}
