package tier0

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFallbackResolver_fieldPacking(t *testing.T) {
	r := FallbackResolver{}
	f, err := r.ResolveField(0x0200_0018 | 1<<24)
	require.NoError(t, err)
	require.Equal(t, uint32(0x18), f.Offset)
	require.Equal(t, uint32(2), f.Size)
	require.True(t, f.Signed)
	require.False(t, f.IsStatic)

	f, err = r.ResolveField(0x0800_0000 | 1<<25)
	require.NoError(t, err)
	require.Equal(t, uint32(8), f.Size)
	require.True(t, f.IsStatic)
}

func TestFallbackResolver_typePacking(t *testing.T) {
	r := FallbackResolver{}
	rt, err := r.ResolveType(0x0008_0020 | 1<<24)
	require.NoError(t, err)
	require.Equal(t, uint32(0x20), rt.BaseSize)
	require.Equal(t, uint32(8), rt.ComponentSize)
	require.True(t, rt.IsReferenceType)
	require.False(t, rt.IsNullable)
	require.True(t, rt.IsJITed)
}

func TestFallbackResolver_methodPacking(t *testing.T) {
	r := FallbackResolver{}
	// Two qword args, int return of size 8, instance method.
	tok := uint32(2) | uint32(RetInt64InRax)<<8 | 8<<11 | 1<<21
	m, err := r.ResolveMethod(tok)
	require.NoError(t, err)
	require.Len(t, m.Args, 2)
	require.Equal(t, RetInt64InRax, m.RetKind)
	require.Equal(t, uint32(8), m.RetSize)
	require.True(t, m.IsInstance)
	require.Equal(t, int32(-1), m.VTableSlot)
	require.Equal(t, int32(-1), m.InterfaceMethodID)
}

func TestRetKindString(t *testing.T) {
	require.Equal(t, "void", RetVoid.String())
	require.Equal(t, "hidden-buffer", RetHiddenBuffer.String())
}
