package cil

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildFatBody assembles a fat-header method body with optional fat EH
// clauses, the way loaders hand them to the compiler.
func buildFatBody(maxStack uint16, localSig uint32, initLocals bool, code []byte, clauses []Clause) []byte {
	flags := uint16(headerFat) | 3<<12
	if initLocals {
		flags |= fatFlagInitLocals
	}
	if len(clauses) > 0 {
		flags |= fatFlagMoreSects
	}
	out := make([]byte, 12)
	binary.LittleEndian.PutUint16(out, flags)
	binary.LittleEndian.PutUint16(out[2:], maxStack)
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
	out = append(out, sectEHTable|sectFatFormat, byte(dataSize), byte(dataSize>>8), byte(dataSize>>16))
	for _, c := range clauses {
		var e [24]byte
		binary.LittleEndian.PutUint32(e[0:], uint32(c.Kind))
		binary.LittleEndian.PutUint32(e[4:], c.TryOffset)
		binary.LittleEndian.PutUint32(e[8:], c.TryLength)
		binary.LittleEndian.PutUint32(e[12:], c.HandlerOffset)
		binary.LittleEndian.PutUint32(e[16:], c.HandlerLength)
		tok := c.ClassToken
		if c.Kind == ClauseFilter {
			tok = c.FilterOffset
		}
		binary.LittleEndian.PutUint32(e[20:], tok)
		out = append(out, e[:]...)
	}
	return out
}

func TestDecodeBody_tiny(t *testing.T) {
	code := []byte{byte(OpLdcI41), byte(OpRet)}
	raw := append([]byte{byte(len(code))<<2 | headerTiny}, code...)
	b, err := DecodeBody(raw)
	require.NoError(t, err)
	require.Equal(t, uint16(8), b.MaxStack)
	require.False(t, b.InitLocals)
	require.Zero(t, b.LocalVarSigToken)
	require.Equal(t, code, b.Code)
	require.Empty(t, b.Clauses)
}

func TestDecodeBody_fat(t *testing.T) {
	code := []byte{byte(OpLdcI41), byte(OpStloc0), byte(OpRet)}
	raw := buildFatBody(4, 0x11000001, true, code, nil)
	b, err := DecodeBody(raw)
	require.NoError(t, err)
	require.Equal(t, uint16(4), b.MaxStack)
	require.True(t, b.InitLocals)
	require.Equal(t, uint32(0x11000001), b.LocalVarSigToken)
	require.Equal(t, code, b.Code)
}

func TestDecodeBody_fatClauses(t *testing.T) {
	code := make([]byte, 16)
	clauses := []Clause{
		{Kind: ClauseFinally, TryOffset: 0, TryLength: 4, HandlerOffset: 4, HandlerLength: 4},
		{Kind: ClauseCatch, TryOffset: 0, TryLength: 8, HandlerOffset: 8, HandlerLength: 4, ClassToken: 0x0100001a},
		{Kind: ClauseFilter, TryOffset: 0, TryLength: 8, HandlerOffset: 14, HandlerLength: 2, FilterOffset: 12},
	}
	b, err := DecodeBody(buildFatBody(8, 0, false, code, clauses))
	require.NoError(t, err)
	require.Len(t, b.Clauses, 3)
	require.Equal(t, clauses, b.Clauses)

	fin := &b.Clauses[0]
	require.True(t, fin.Covers(0))
	require.True(t, fin.Covers(3))
	require.False(t, fin.Covers(4))
	require.Equal(t, uint32(8), fin.HandlerEnd())

	flt := &b.Clauses[2]
	require.True(t, flt.InHandler(12), "filter expression range belongs to the handler")
	require.True(t, flt.InHandler(14))
	require.False(t, flt.InHandler(10))
}

func TestDecodeBody_smallClauses(t *testing.T) {
	code := []byte{byte(OpNop), byte(OpRet)}
	raw := append([]byte{headerFat | 0x08, 0x30, 8, 0, 2, 0, 0, 0, 0, 0, 0, 0}, code...)
	for len(raw)%4 != 0 {
		raw = append(raw, 0)
	}
	// Small section: kind, dataSize, reserved, one 12-byte clause.
	clause := []byte{
		0x00, 0x00, // flags: catch
		0x00, 0x00, // try offset
		0x01,       // try length
		0x01, 0x00, // handler offset
		0x01,                   // handler length
		0x1a, 0x00, 0x00, 0x01, // class token
	}
	raw = append(raw, sectEHTable, byte(4+len(clause)), 0, 0)
	raw = append(raw, clause...)
	b, err := DecodeBody(raw)
	require.NoError(t, err)
	require.Len(t, b.Clauses, 1)
	c := b.Clauses[0]
	require.Equal(t, ClauseCatch, c.Kind)
	require.Equal(t, uint32(1), c.TryLength)
	require.Equal(t, uint32(1), c.HandlerOffset)
	require.Equal(t, uint32(0x0100001a), c.ClassToken)
}

func TestDecodeBody_malformed(t *testing.T) {
	for name, raw := range map[string][]byte{
		"empty":          {},
		"bad kind":       {0x00},
		"tiny truncated": {2<<2 | headerTiny, 0x17},
		"fat truncated":  {headerFat, 0x30, 0, 0},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeBody(raw)
			require.ErrorIs(t, err, ErrMalformedBody)
		})
	}
}

func TestReader_branchAndOperands(t *testing.T) {
	// br.s +2; nop; nop; switch(2) ...
	code := []byte{
		byte(OpBrS), 0x02,
		byte(OpNop), byte(OpNop),
		0x45, 0x01, 0x00, 0x00, 0x00, 0xfc, 0xff, 0xff, 0xff,
	}
	r := NewReader(code)
	op, err := r.ReadOpcode()
	require.NoError(t, err)
	require.Equal(t, OpBrS, op)
	target, err := r.BranchTarget(true)
	require.NoError(t, err)
	require.Equal(t, uint32(4), target)

	r.SeekTo(4)
	op, err = r.ReadOpcode()
	require.NoError(t, err)
	require.Equal(t, OpSwitch, op)
	n, err := r.Int32()
	require.NoError(t, err)
	require.Equal(t, int32(1), n)
	rel, err := r.Int32()
	require.NoError(t, err)
	require.Equal(t, int32(-4), rel)
}

func TestReader_twoByteOpcodes(t *testing.T) {
	r := NewReader([]byte{0xfe, 0x01})
	op, err := r.ReadOpcode()
	require.NoError(t, err)
	require.Equal(t, OpCeq, op)
	require.Equal(t, "ceq", op.Name())
}

func TestOperandKindSizes(t *testing.T) {
	require.Equal(t, 0, OperandKindOf(OpNop).Size())
	require.Equal(t, 1, OperandKindOf(OpLdcI4S).Size())
	require.Equal(t, 4, OperandKindOf(OpCall).Size())
	require.Equal(t, 8, OperandKindOf(OpLdcI8).Size())
	require.Equal(t, -1, OperandKindOf(OpSwitch).Size())
}
