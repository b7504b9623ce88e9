package tier0

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyReturn(t *testing.T) {
	require.Equal(t, RetVoid, classifyReturn(0, false))
	require.Equal(t, RetSmallStructInRax, classifyReturn(1, false))
	require.Equal(t, RetSmallStructInRax, classifyReturn(8, false))
	require.Equal(t, RetSmallStructInRax, classifyReturn(8, true))
	require.Equal(t, RetMediumStructInRaxRdx, classifyReturn(9, false))
	require.Equal(t, RetMediumStructInRaxRdx, classifyReturn(16, false))
	require.Equal(t, RetHiddenBuffer, classifyReturn(16, true))
	require.Equal(t, RetHiddenBuffer, classifyReturn(17, false))
	require.Equal(t, RetHiddenBuffer, classifyReturn(32, false))
}

func TestFlattenArgs(t *testing.T) {
	units := flattenArgs([]ArgDesc{
		{Size: 8},                // one unit
		{Size: 4, FloatKind: 4},  // one float unit
		{Size: 16},               // two units
		{Size: 32},               // by pointer
	})
	require.Len(t, units, 5)
	require.Equal(t, argUnit{argIndex: 0}, units[0])
	require.Equal(t, argUnit{argIndex: 1, float: true}, units[1])
	require.Equal(t, argUnit{argIndex: 2, slot: 0}, units[2])
	require.Equal(t, argUnit{argIndex: 2, slot: 1}, units[3])
	require.Equal(t, argUnit{argIndex: 3, byPointer: true}, units[4])
}

func TestNewFrame_localPacking(t *testing.T) {
	f := newFrame(nil, []LocalDesc{
		{Size: 8},
		{Size: 32},
		{Size: 4},
	}, RetVoid, 0)

	off0, err := f.localOffset(0)
	require.NoError(t, err)
	require.Equal(t, int64(-24), off0)

	// The 32-byte local is 16-byte aligned.
	off1, err := f.localOffset(1)
	require.NoError(t, err)
	require.Equal(t, int64(-64), off1)
	require.Zero(t, (-off1)%16)

	off2, err := f.localOffset(2)
	require.NoError(t, err)
	require.Equal(t, int64(-72), off2)

	require.Equal(t, int64(80), f.size)
	require.Zero(t, f.size%16)

	_, err = f.localOffset(3)
	require.Error(t, err)
}

func TestNewFrame_argHomes(t *testing.T) {
	f := newFrame([]ArgDesc{
		{Size: 8},
		{Size: 16},
		{Size: 8},
		{Size: 32},
	}, nil, RetVoid, 0)

	h0, err := f.argHomeOffset(0)
	require.NoError(t, err)
	require.Equal(t, int64(16), h0)

	// The 16-byte argument owns two consecutive units.
	h1, err := f.argHomeOffset(1)
	require.NoError(t, err)
	require.Equal(t, int64(24), h1)

	h2, err := f.argHomeOffset(2)
	require.NoError(t, err)
	require.Equal(t, int64(40), h2)

	h3, err := f.argHomeOffset(3)
	require.NoError(t, err)
	require.Equal(t, int64(48), h3)
	require.True(t, f.argByPointer(3))
	require.False(t, f.argByPointer(1))
}

func TestEvalStack_valueTypeRuns(t *testing.T) {
	var s evalStack
	s.push(tagInt)
	s.push(tagValueTypeSlot)
	s.push(tagValueTypeSlot)
	s.push(tagValueTypeSlot)
	require.Equal(t, 3, s.valueTypeSlotRun())
	require.Equal(t, 3, s.topSlots())
	require.Equal(t, "[int,vt,vt,vt]", s.String())

	s.pop()
	require.Equal(t, 2, s.topSlots())

	s.pop()
	s.pop()
	require.Equal(t, 1, s.topSlots())
	require.Equal(t, tagInt, s.peek())
}

func TestEvalStack_snapshotAgreement(t *testing.T) {
	var s evalStack
	s.push(tagInt)
	s.push(tagFloat64)
	snap := s.snapshot()

	s.pop()
	s.push(tagFloat64)
	require.True(t, tagsEqual(snap, s.tags))

	s.pop()
	s.push(tagFloat32)
	require.False(t, tagsEqual(snap, s.tags))
}

func TestAlignTo(t *testing.T) {
	require.Equal(t, int64(0), alignTo(0, 16))
	require.Equal(t, int64(16), alignTo(1, 16))
	require.Equal(t, int64(16), alignTo(16, 16))
	require.Equal(t, int64(32), alignTo(17, 16))
}

func TestSlotsOf(t *testing.T) {
	require.Equal(t, 0, slotsOf(0))
	require.Equal(t, 1, slotsOf(1))
	require.Equal(t, 1, slotsOf(8))
	require.Equal(t, 2, slotsOf(9))
	require.Equal(t, 4, slotsOf(32))
}
