package asm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodeSegment_zeroValue(t *testing.T) {
	var seg CodeSegment
	require.Zero(t, seg.Size())
	require.Zero(t, seg.Addr())
	require.NoError(t, seg.Unmap())
}

func TestCodeSegment_writeAndAlign(t *testing.T) {
	var seg CodeSegment
	defer func() { require.NoError(t, seg.Unmap()) }()

	buf := seg.Next()
	n, err := buf.Write([]byte{0x90, 0x90, 0x90})
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, 3, buf.Len())
	require.Equal(t, []byte{0x90, 0x90, 0x90}, buf.Bytes())

	// The next function starts on a 16-byte boundary.
	buf2 := seg.Next()
	require.Zero(t, buf2.Addr()&15)
	_, err = buf2.Write([]byte{0xc3})
	require.NoError(t, err)

	require.Equal(t, 17, seg.Size())
	require.Equal(t, byte(0xc3), seg.Bytes()[16])
}

func TestCodeSegment_growsAcrossPages(t *testing.T) {
	var seg CodeSegment
	defer func() { require.NoError(t, seg.Unmap()) }()

	buf := seg.Next()
	chunk := make([]byte, 40000)
	for i := range chunk {
		chunk[i] = byte(i)
	}
	_, err := buf.Write(chunk)
	require.NoError(t, err)
	_, err = buf.Write(chunk)
	require.NoError(t, err)
	require.Equal(t, 80000, seg.Size())
	require.Equal(t, byte(0x7), seg.Bytes()[7])
	require.Equal(t, byte(0x7), seg.Bytes()[40007])
}

func TestCodeSegment_sealAndUnseal(t *testing.T) {
	var seg CodeSegment
	defer func() { require.NoError(t, seg.Unmap()) }()

	buf := seg.Next()
	_, err := buf.Write([]byte{0xc3})
	require.NoError(t, err)
	require.NoError(t, seg.Seal())
	require.NoError(t, seg.Unseal())

	buf2 := seg.Next()
	_, err = buf2.Write([]byte{0xc3})
	require.NoError(t, err)
}
