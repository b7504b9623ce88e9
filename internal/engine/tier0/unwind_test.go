package tier0

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildParentUnwind_smallFrame(t *testing.T) {
	got := buildParentUnwind(0x40)
	require.Equal(t, []byte{
		0x09,       // version 1, EHANDLER
		0x08,       // prolog size
		0x03,       // three codes
		0x05,       // frame register RBP, offset 0
		0x08, 0x72, // UWOP_ALLOC_SMALL, (64-8)/8
		0x04, 0x03, // UWOP_SET_FPREG
		0x01, 0x50, // UWOP_PUSH_NONVOL RBP
	}, got)
}

func TestBuildParentUnwind_largeFrame(t *testing.T) {
	got := buildParentUnwind(0x1000)
	require.Equal(t, byte(0x0b), got[4], "first code at prolog offset 11 (sub rsp, imm32 is 7 bytes)")
	require.Equal(t, byte(uwopAllocLarge), got[5]&0xf)
	// The scaled 32-bit operand trails the code array.
	require.Equal(t, []byte{0x00, 0x02, 0x00, 0x00}, got[len(got)-4:])
}

func TestBuildFuncletUnwind(t *testing.T) {
	got := buildFuncletUnwind()
	require.Equal(t, []byte{
		0x81,       // version 1, funclet flag
		0x04,       // prolog size
		0x01,       // one code
		0x05,       // frame register RBP
		0x01, 0x50, // UWOP_PUSH_NONVOL RBP
	}, got)
}
