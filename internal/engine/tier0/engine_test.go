package tier0

import (
	"encoding/binary"
	"fmt"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/protonos/ciljit/internal/cil"
)

// fakeResolver is a map-backed Resolver for compiler tests.
type fakeResolver struct {
	methods map[uint32]ResolvedMethod
	fields  map[uint32]ResolvedField
	types   map[uint32]ResolvedType
	strings map[uint32]uintptr
	sigs    map[uint32]StandAloneSig
	cctors  *CctorRegistry
	// cctorEntries maps type tokens to initializer entrypoints; absent
	// tokens resolve to an empty context (no barrier).
	cctorEntries map[uint32]uintptr
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		methods:      map[uint32]ResolvedMethod{},
		fields:       map[uint32]ResolvedField{},
		types:        map[uint32]ResolvedType{},
		strings:      map[uint32]uintptr{},
		sigs:         map[uint32]StandAloneSig{},
		cctors:       NewCctorRegistry(),
		cctorEntries: map[uint32]uintptr{},
	}
}

func (r *fakeResolver) ResolveMethod(token uint32) (ResolvedMethod, error) {
	m, ok := r.methods[token]
	if !ok {
		return ResolvedMethod{}, fmt.Errorf("method 0x%08x: %w", token, ErrNotFound)
	}
	return m, nil
}

func (r *fakeResolver) ResolveField(token uint32) (ResolvedField, error) {
	f, ok := r.fields[token]
	if !ok {
		return ResolvedField{}, fmt.Errorf("field 0x%08x: %w", token, ErrNotFound)
	}
	return f, nil
}

func (r *fakeResolver) ResolveType(token uint32) (ResolvedType, error) {
	rt, ok := r.types[token]
	if !ok {
		return ResolvedType{}, fmt.Errorf("type 0x%08x: %w", token, ErrNotFound)
	}
	return rt, nil
}

func (r *fakeResolver) ResolveString(token uint32) (uintptr, error) {
	s, ok := r.strings[token]
	if !ok {
		return 0, fmt.Errorf("string 0x%08x: %w", token, ErrNotFound)
	}
	return s, nil
}

func (r *fakeResolver) ResolveStandAloneSig(token uint32) (StandAloneSig, error) {
	s, ok := r.sigs[token]
	if !ok {
		return StandAloneSig{}, fmt.Errorf("signature 0x%08x: %w", token, ErrNotFound)
	}
	return s, nil
}

func (r *fakeResolver) GetOrRegisterCctorContext(token uint32) (CctorContext, error) {
	entry, ok := r.cctorEntries[token]
	if !ok {
		return CctorContext{}, nil
	}
	return r.cctors.GetOrRegister(token, entry), nil
}

func tinyBody(code ...byte) []byte {
	return append([]byte{byte(len(code))<<2 | 0x2}, code...)
}

// fatBody assembles a fat method body with fat-format EH clauses.
func fatBody(localSig uint32, code []byte, clauses []cil.Clause) []byte {
	flags := uint16(0x3) | 3<<12 | 0x10
	if len(clauses) > 0 {
		flags |= 0x8
	}
	out := make([]byte, 12)
	binary.LittleEndian.PutUint16(out, flags)
	binary.LittleEndian.PutUint16(out[2:], 8)
	binary.LittleEndian.PutUint32(out[4:], uint32(len(code)))
	binary.LittleEndian.PutUint32(out[8:], localSig)
	out = append(out, code...)
	if len(clauses) == 0 {
		return out
	}
	for len(out)%4 != 0 {
		out = append(out, 0)
	}
	dataSize := 4 + 24*len(clauses)
	out = append(out, 0x41, byte(dataSize), byte(dataSize>>8), byte(dataSize>>16))
	for _, c := range clauses {
		var e [24]byte
		binary.LittleEndian.PutUint32(e[0:], uint32(c.Kind))
		binary.LittleEndian.PutUint32(e[4:], c.TryOffset)
		binary.LittleEndian.PutUint32(e[8:], c.TryLength)
		binary.LittleEndian.PutUint32(e[12:], c.HandlerOffset)
		binary.LittleEndian.PutUint32(e[16:], c.HandlerLength)
		tok := c.ClassToken
		if c.Kind == cil.ClauseFilter {
			tok = c.FilterOffset
		}
		binary.LittleEndian.PutUint32(e[20:], tok)
		out = append(out, e[:]...)
	}
	return out
}

func newTestEngine(t *testing.T, r Resolver) *Engine {
	e := NewEngine(Options{
		EnableTOSCache:  true,
		EnableConstFold: true,
		Resolver:        r,
		Helpers: RuntimeHelpers{
			Throw:             0x7f0000001000,
			Rethrow:           0x7f0000001100,
			Allocate:          0x7f0000001200,
			AllocateArray:     0x7f0000001300,
			InterfaceDispatch: 0x7f0000001400,
			CastClass:         0x7f0000001500,
			IsInst:            0x7f0000001600,
			EnsureClassInit:   0x7f0000001700,
			OverflowVector:    0x30,
			RangeCheckVector:  0x31,
			VTableOffset:      0x40,
		},
	})
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	return e
}

const mtokAdd = 0x06000001

func TestCompileMethod_addConstants(t *testing.T) {
	r := newFakeResolver()
	r.methods[mtokAdd] = ResolvedMethod{RetKind: RetInt64InRax, RetSize: 8, VTableSlot: -1, InterfaceMethodID: -1}
	e := newTestEngine(t, r)

	m, err := e.CompileMethod(mtokAdd, tinyBody(
		byte(cil.OpLdcI42),
		byte(cil.OpLdcI43),
		byte(cil.OpAdd),
		byte(cil.OpRet),
	))
	require.NoError(t, err)

	code := segmentBytes(e, m)
	// Deterministic lowering: prolog, spilled 2, deferred 3 folded into the
	// immediate add, epilog.
	require.Equal(t, []byte{
		0x55,                   // push rbp
		0x48, 0x89, 0xe5,       // mov rbp, rsp
		0x48, 0x83, 0xec, 0x10, // sub rsp, 16
		0xb8, 0x02, 0x00, 0x00, 0x00, // mov eax, 2
		0x50,                   // push rax
		0x58,                   // pop rax
		0x48, 0x83, 0xc0, 0x03, // add rax, 3
		0x48, 0x89, 0xec, // mov rsp, rbp
		0x5d, // pop rbp
		0xc3, // ret
	}, code)
}

func segmentBytes(e *Engine, m *CompiledMethod) []byte {
	all := e.seg.Bytes()
	start := int(m.Start - e.seg.Addr())
	return all[start : start+int(m.End-m.Start)]
}

func TestCompileMethod_localsRoundTrip(t *testing.T) {
	r := newFakeResolver()
	r.methods[mtokAdd] = ResolvedMethod{RetKind: RetInt64InRax, RetSize: 8, VTableSlot: -1, InterfaceMethodID: -1}
	r.sigs[0x11000001] = StandAloneSig{Locals: []LocalDesc{{Size: 8}, {Size: 32}}}
	e := newTestEngine(t, r)

	// ldc.i4 42; stloc.0; ldloc.0; ret
	m, err := e.CompileMethod(mtokAdd, fatBody(0x11000001, []byte{
		byte(cil.OpLdcI4), 42, 0, 0, 0,
		byte(cil.OpStloc0),
		byte(cil.OpLdloc0),
		byte(cil.OpRet),
	}, nil))
	require.NoError(t, err)
	require.NotZero(t, m.Start)
	require.Greater(t, m.End, m.Start)
	require.NotEmpty(t, m.Unwind)

	// Zero-filled locals (init-locals flag) appear in the prolog.
	code := segmentBytes(e, m)
	require.Equal(t, byte(0x55), code[0])
}

func TestCompileMethod_multiSlotDup(t *testing.T) {
	r := newFakeResolver()
	r.methods[mtokAdd] = ResolvedMethod{RetKind: RetVoid, VTableSlot: -1, InterfaceMethodID: -1}
	r.sigs[0x11000002] = StandAloneSig{Locals: []LocalDesc{{Size: 32}}}
	// Field `a` at offset 0 and `b` at offset 8 inside the 32-byte struct.
	r.fields[0x04000001] = ResolvedField{Offset: 0, Size: 8, Signed: true}
	r.fields[0x04000002] = ResolvedField{Offset: 8, Size: 8, Signed: true}
	e := newTestEngine(t, r)

	// ldloc.0; dup; ldfld a; pop; ldfld b; pop; ret — the dup must copy all
	// four slots or the second ldfld reads garbage.
	_, err := e.CompileMethod(mtokAdd, fatBody(0x11000002, []byte{
		byte(cil.OpLdloc0),
		byte(cil.OpDup),
		byte(cil.OpLdfld), 0x01, 0x00, 0x00, 0x04,
		byte(cil.OpPop),
		byte(cil.OpLdfld), 0x02, 0x00, 0x00, 0x04,
		byte(cil.OpPop),
		byte(cil.OpRet),
	}, nil))
	require.NoError(t, err)
}

func TestCompileMethod_branchStackAgreement(t *testing.T) {
	r := newFakeResolver()
	r.methods[mtokAdd] = ResolvedMethod{RetKind: RetInt64InRax, RetSize: 8, VTableSlot: -1, InterfaceMethodID: -1}
	e := newTestEngine(t, r)

	// ldc.i4.0; brtrue.s L; ldc.i4.1; br.s M; L: ldc.i4.2; M: ret
	// Both predecessors of M agree on one Int entry.
	_, err := e.CompileMethod(mtokAdd, tinyBody(
		byte(cil.OpLdcI40),
		byte(cil.OpBrtrueS), 0x03, // -> L (offset 6)
		byte(cil.OpLdcI41),
		byte(cil.OpBrS), 0x01, // -> M (offset 7)
		byte(cil.OpLdcI42), // L
		byte(cil.OpRet),    // M
	))
	require.NoError(t, err)
}

func TestCompileMethod_stackMismatchIsFatal(t *testing.T) {
	r := newFakeResolver()
	r.methods[mtokAdd] = ResolvedMethod{RetKind: RetInt64InRax, RetSize: 8, VTableSlot: -1, InterfaceMethodID: -1}
	e := newTestEngine(t, r)

	// One predecessor pushes one value, the other two; the join must be
	// rejected.
	_, err := e.CompileMethod(mtokAdd, tinyBody(
		byte(cil.OpLdcI40),
		byte(cil.OpBrtrueS), 0x04, // -> L (offset 7)
		byte(cil.OpLdcI41),
		byte(cil.OpLdcI41),
		byte(cil.OpBrS), 0x01, // -> M (offset 8)
		byte(cil.OpLdcI42), // L: one value
		byte(cil.OpRet),    // M: two values vs one
	))
	require.ErrorIs(t, err, ErrStackMismatch)
}

func TestCompileMethod_unsupportedOpcode(t *testing.T) {
	r := newFakeResolver()
	r.methods[mtokAdd] = ResolvedMethod{RetKind: RetVoid, VTableSlot: -1, InterfaceMethodID: -1}
	e := newTestEngine(t, r)

	_, err := e.CompileMethod(mtokAdd, tinyBody(byte(cil.OpJmp), 0x01, 0x00, 0x00, 0x06))
	require.ErrorIs(t, err, ErrUnsupportedOpcode)
}

func TestCompileMethod_resolverFailureIsFatal(t *testing.T) {
	r := newFakeResolver()
	r.methods[mtokAdd] = ResolvedMethod{RetKind: RetVoid, VTableSlot: -1, InterfaceMethodID: -1}
	e := newTestEngine(t, r)

	_, err := e.CompileMethod(mtokAdd, tinyBody(
		byte(cil.OpLdsfld), 0xff, 0x00, 0x00, 0x04,
		byte(cil.OpPop),
		byte(cil.OpRet),
	))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCompileMethod_tryFinally(t *testing.T) {
	r := newFakeResolver()
	r.methods[mtokAdd] = ResolvedMethod{RetKind: RetInt64InRax, RetSize: 8, VTableSlot: -1, InterfaceMethodID: -1}
	r.sigs[0x11000001] = StandAloneSig{Locals: []LocalDesc{{Size: 8}}}
	e := newTestEngine(t, r)

	// try { x=1; leave L } finally { x=99 } L: ldloc.0; ret
	code := []byte{
		byte(cil.OpLdcI41),        // 0
		byte(cil.OpStloc0),        // 1
		byte(cil.OpLeaveS), 0x04,  // 2 -> L (offset 8)
		byte(cil.OpLdcI4S), 99,    // 4
		byte(cil.OpStloc0),        // 6
		byte(cil.OpEndfinally),    // 7
		byte(cil.OpLdloc0),        // 8  L:
		byte(cil.OpRet),           // 9
	}
	clauses := []cil.Clause{{
		Kind: cil.ClauseFinally, TryOffset: 0, TryLength: 4, HandlerOffset: 4, HandlerLength: 4,
	}}
	m, err := e.CompileMethod(mtokAdd, fatBody(0x11000001, code, clauses))
	require.NoError(t, err)

	require.Len(t, m.Funclets, 1)
	f := m.Funclets[0]
	require.Equal(t, cil.ClauseFinally, f.Kind)
	require.Greater(t, f.End, f.Start)
	require.NotEmpty(t, f.Unwind)

	require.Len(t, m.Clauses, 1)
	nc := m.Clauses[0]
	require.Equal(t, cil.ClauseFinally, nc.Kind)
	require.GreaterOrEqual(t, nc.TryStart, m.Start)
	require.Greater(t, nc.TryEnd, nc.TryStart)
	require.LessOrEqual(t, nc.TryEnd, m.End)
	require.Equal(t, 0, nc.Handler)
	require.Equal(t, -1, nc.Filter)

	// The parent's leave stub calls through the funclet table, which now
	// holds the finally funclet's address.
	require.Equal(t, f.Start, m.funcletTable[0])

	// The funclet prolog: push rbp; mov rbp, rdx.
	fcode := e.seg.Bytes()[f.Start-e.seg.Addr() : f.End-e.seg.Addr()]
	require.Equal(t, []byte{0x55, 0x48, 0x89, 0xd5}, fcode[:4])
}

func TestCompileMethod_tryCatch(t *testing.T) {
	const excType = 0x01000010
	r := newFakeResolver()
	r.methods[mtokAdd] = ResolvedMethod{RetKind: RetVoid, VTableSlot: -1, InterfaceMethodID: -1}
	r.types[excType] = ResolvedType{Descriptor: 0xdead0010, BaseSize: 24, IsReferenceType: true}
	e := newTestEngine(t, r)

	// try { ldnull; throw } catch(Exception) { pop; leave L } L: ret
	code := []byte{
		byte(cil.OpLdnull),       // 0
		byte(cil.OpThrow),        // 1
		byte(cil.OpLeaveS), 0x03, // 2 (dead) -> L
		byte(cil.OpPop),          // 4  handler: exception on the stack
		byte(cil.OpLeaveS), 0x00, // 5 -> L (offset 7)
		byte(cil.OpRet),          // 7  L:
	}
	clauses := []cil.Clause{{
		Kind: cil.ClauseCatch, TryOffset: 0, TryLength: 4,
		HandlerOffset: 4, HandlerLength: 3, ClassToken: excType,
	}}
	m, err := e.CompileMethod(mtokAdd, fatBody(0, code, clauses))
	require.NoError(t, err)

	require.Len(t, m.Funclets, 1)
	f := m.Funclets[0]
	require.Equal(t, cil.ClauseCatch, f.Kind)
	require.Equal(t, uintptr(0xdead0010), f.CatchType)
	require.Equal(t, uintptr(0xdead0010), m.Clauses[0].CatchType)

	// Catch funclet prolog: push rbp; mov rbp, rdx; push rcx (the
	// exception becomes the handler's TOS).
	fcode := e.seg.Bytes()[f.Start-e.seg.Addr() : f.End-e.seg.Addr()]
	require.Equal(t, []byte{0x55, 0x48, 0x89, 0xd5, 0x51}, fcode[:5])
}

func TestCompileMethod_filterClause(t *testing.T) {
	const excType = 0x01000010
	r := newFakeResolver()
	r.methods[mtokAdd] = ResolvedMethod{RetKind: RetVoid, VTableSlot: -1, InterfaceMethodID: -1}
	r.types[excType] = ResolvedType{Descriptor: 0xdead0010, IsReferenceType: true}
	e := newTestEngine(t, r)

	// try { ldnull; throw } filter { pop; ldc.i4.1; endfilter } { pop; leave L } L: ret
	code := []byte{
		byte(cil.OpLdnull),       // 0
		byte(cil.OpThrow),        // 1
		byte(cil.OpLeaveS), 0x08, // 2 (dead) -> L (offset 12)
		byte(cil.OpPop),          // 4  filter: exception on the stack
		byte(cil.OpLdcI41),       // 5
		0xfe, 0x11,               // 6  endfilter
		byte(cil.OpPop),          // 8  handler
		byte(cil.OpLeaveS), 0x01, // 9 -> L (offset 12)
		byte(cil.OpNop),          // 11
		byte(cil.OpRet),          // 12 L:
	}
	clauses := []cil.Clause{{
		Kind: cil.ClauseFilter, TryOffset: 0, TryLength: 4,
		HandlerOffset: 8, HandlerLength: 4, FilterOffset: 4,
	}}
	m, err := e.CompileMethod(mtokAdd, fatBody(0, code, clauses))
	require.NoError(t, err)

	// One filter funclet plus one (catch-shaped) handler funclet.
	require.Len(t, m.Funclets, 2)
	require.Equal(t, cil.ClauseFilter, m.Funclets[0].Kind)
	require.Equal(t, cil.ClauseCatch, m.Funclets[1].Kind)
	require.Equal(t, 0, m.Clauses[0].Filter)
	require.Equal(t, 1, m.Clauses[0].Handler)
}

func TestCompileMethod_overflowStub(t *testing.T) {
	r := newFakeResolver()
	r.methods[mtokAdd] = ResolvedMethod{RetKind: RetInt64InRax, RetSize: 8, VTableSlot: -1, InterfaceMethodID: -1}
	e := newTestEngine(t, r)

	m, err := e.CompileMethod(mtokAdd, tinyBody(
		byte(cil.OpLdcI41),
		byte(cil.OpLdcI42),
		byte(cil.OpAddOvf),
		byte(cil.OpRet),
	))
	require.NoError(t, err)

	// The shared overflow stub is `int 0x30` (the configured vector).
	code := segmentBytes(e, m)
	require.Contains(t, string(code), string([]byte{0xcd, 0x30}))
}

func TestCompileMethod_cctorBarrier(t *testing.T) {
	const fieldTok, typeTok = 0x04000010, 0x02000002
	r := newFakeResolver()
	r.methods[mtokAdd] = ResolvedMethod{RetKind: RetInt64InRax, RetSize: 8, VTableSlot: -1, InterfaceMethodID: -1}
	staticCell := new(uint64)
	r.fields[fieldTok] = ResolvedField{
		Size: 8, Signed: true, IsStatic: true,
		StaticAddr:         uintptrOf(staticCell),
		DeclaringTypeToken: typeTok,
	}
	r.cctorEntries[typeTok] = 0x7f0000002000
	e := newTestEngine(t, r)

	m, err := e.CompileMethod(mtokAdd, tinyBody(
		byte(cil.OpLdsfld), 0x10, 0x00, 0x00, 0x04,
		byte(cil.OpRet),
	))
	require.NoError(t, err)

	// The barrier's slow path calls the EnsureClassInit helper; the inline
	// fast path tests the one-shot flag word against zero.
	ctx := r.cctors.GetOrRegister(typeTok, 0)
	require.NotZero(t, ctx.InitFlagAddr)
	code := segmentBytes(e, m)
	require.NotEmpty(t, code)
}

func TestCompileMethod_hiddenBufferReturn(t *testing.T) {
	const calleeTok = 0x06000030
	r := newFakeResolver()
	r.methods[mtokAdd] = ResolvedMethod{RetKind: RetInt64InRax, RetSize: 8, VTableSlot: -1, InterfaceMethodID: -1}
	r.methods[calleeTok] = ResolvedMethod{
		Entry: 0x7f0000009000, RetKind: RetHiddenBuffer, RetSize: 32,
		VTableSlot: -1, InterfaceMethodID: -1,
	}
	e := newTestEngine(t, r)

	// call S32 f(); discard the whole result image and return 0.
	_, err := e.CompileMethod(mtokAdd, tinyBody(
		byte(cil.OpCall), 0x30, 0x00, 0x00, 0x06,
		byte(cil.OpPop), // discards all four slots
		byte(cil.OpLdcI40),
		byte(cil.OpRet),
	))
	require.NoError(t, err)
}

func uintptrOf(p *uint64) uintptr {
	return uintptr(unsafe.Pointer(p))
}
