package ciljit_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/protonos/ciljit"
)

// The fallback resolver reinterprets tokens as bit-packed descriptors, which
// is enough to drive the public surface without a metadata layer.
func TestEngine_compileWithFallbackResolver(t *testing.T) {
	e := ciljit.NewEngine(ciljit.NewConfig())
	defer func() { require.NoError(t, e.Close()) }()

	// Method token: no args, int-in-rax return of size 8.
	tok := uint32(ciljit.RetInt64InRax)<<8 | 8<<11

	// ldc.i4.5; ldc.i4.2; sub; ret
	body := []byte{4<<2 | 0x2, 0x1b, 0x18, 0x59, 0x2a}
	m, err := e.CompileMethod(tok, body)
	require.NoError(t, err)
	require.NotZero(t, m.Start)
	require.Greater(t, m.End, m.Start)
	require.NotEmpty(t, m.Unwind)

	got, err := e.Registry().FindByToken(tok)
	require.NoError(t, err)
	require.Equal(t, m, got)

	found, funclet := e.Registry().FindByAddress(m.Start)
	require.Equal(t, m, found)
	require.Nil(t, funclet)
}

func TestConfig_isImmutable(t *testing.T) {
	base := ciljit.NewConfig()
	derived := base.WithStrictWX(true)
	require.NotSame(t, base, derived)

	again := derived.WithInitLocals(true)
	require.NotSame(t, derived, again)
}

func TestEngine_malformedBodyFails(t *testing.T) {
	e := ciljit.NewEngine(ciljit.NewConfig())
	defer e.Close()

	tok := uint32(ciljit.RetVoid) << 8
	_, err := e.CompileMethod(tok, []byte{0x00})
	require.ErrorIs(t, err, ciljit.ErrMalformedBody)
}

func TestEngine_debugAssembler(t *testing.T) {
	e := ciljit.NewEngine(ciljit.NewConfig().WithDebugAssembler(true))
	defer func() { require.NoError(t, e.Close()) }()

	// The whole method runs through both encoders; Assemble fails the
	// compilation if a single byte diverges.
	tok := uint32(ciljit.RetInt64InRax)<<8 | 8<<11
	body := []byte{4<<2 | 0x2, 0x17, 0x18, 0x58, 0x2a} // ldc.i4.1; ldc.i4.2; add; ret
	m, err := e.CompileMethod(tok, body)
	require.NoError(t, err)
	require.Greater(t, m.End, m.Start)
}
