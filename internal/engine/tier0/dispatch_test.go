package tier0

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/protonos/ciljit/internal/cil"
)

// recordingInvoker fakes funclet execution so the two-pass dispatch runs
// without native code.
type recordingInvoker struct {
	// filterResults keys filter funclet start addresses to their verdicts.
	filterResults map[uintptr]int32
	// invoked logs every handler funclet start in call order.
	invoked []uintptr
	// continuation is what catch funclets "return".
	continuation uintptr
}

func (r *recordingInvoker) InvokeFilter(f *FuncletRecord, _, _ uintptr) int32 {
	r.invoked = append(r.invoked, f.Start)
	return r.filterResults[f.Start]
}

func (r *recordingInvoker) InvokeHandler(f *FuncletRecord, _, _ uintptr) uintptr {
	r.invoked = append(r.invoked, f.Start)
	if f.Kind == cil.ClauseCatch {
		return r.continuation
	}
	return 0
}

// dispatchFixture builds a registry with two methods: an inner one with a
// finally, and an outer one with a filter clause followed by a typed catch.
func dispatchFixture() (*Registry, *CompiledMethod, *CompiledMethod) {
	reg := NewRegistry()

	inner := &CompiledMethod{
		Token: 1, Start: 0x1000, End: 0x1100,
		Funclets: []FuncletRecord{
			{Kind: cil.ClauseFinally, Start: 0x1100, End: 0x1140},
		},
		Clauses: []NativeClause{
			{Kind: cil.ClauseFinally, TryStart: 0x1010, TryEnd: 0x1080, Handler: 0, Filter: -1},
		},
	}
	outer := &CompiledMethod{
		Token: 2, Start: 0x2000, End: 0x2200,
		Funclets: []FuncletRecord{
			{Kind: cil.ClauseFilter, Start: 0x2200, End: 0x2240},
			{Kind: cil.ClauseCatch, Start: 0x2240, End: 0x2280},
			{Kind: cil.ClauseCatch, Start: 0x2280, End: 0x22c0, CatchType: 0xbeef},
		},
		Clauses: []NativeClause{
			{Kind: cil.ClauseFilter, TryStart: 0x2010, TryEnd: 0x2100, Handler: 1, Filter: 0},
			{Kind: cil.ClauseCatch, TryStart: 0x2010, TryEnd: 0x2100, Handler: 2, Filter: -1, CatchType: 0xbeef},
		},
	}
	reg.Install(inner)
	reg.Install(outer)
	return reg, inner, outer
}

func TestDispatch_typedCatchAfterFilterRejects(t *testing.T) {
	reg, inner, outer := dispatchFixture()
	inv := &recordingInvoker{
		filterResults: map[uintptr]int32{outer.Funclets[0].Start: 0},
		continuation:  0x2123,
	}
	d := &Dispatcher{
		Registry: reg,
		Invoker:  inv,
		Assignable: func(thrown, clause uintptr) bool {
			return thrown == clause
		},
	}

	frames := []Frame{
		{PC: 0x1050, FramePtr: 0x9000}, // inside inner's protected range
		{PC: 0x2050, FramePtr: 0x9100}, // inside outer's protected range
	}
	res, err := d.Dispatch(0xE0, 0xbeef, frames)
	require.NoError(t, err)
	require.Equal(t, 1, res.FrameIndex)
	require.Equal(t, outer, res.Method)
	require.Equal(t, 1, res.Clause, "the filter rejected, so table order continues to the typed catch")
	require.Equal(t, uintptr(0x2123), res.Continuation)

	// Order: filter probe (pass 1), inner finally (pass 2), catch handler.
	require.Equal(t, []uintptr{
		outer.Funclets[0].Start,
		inner.Funclets[0].Start,
		outer.Funclets[2].Start,
	}, inv.invoked)
}

func TestDispatch_filterAccepts(t *testing.T) {
	reg, inner, outer := dispatchFixture()
	inv := &recordingInvoker{
		filterResults: map[uintptr]int32{outer.Funclets[0].Start: 1},
		continuation:  0x20f0,
	}
	d := &Dispatcher{Registry: reg, Invoker: inv, Assignable: func(_, _ uintptr) bool { return false }}

	frames := []Frame{
		{PC: 0x1050, FramePtr: 0x9000},
		{PC: 0x2050, FramePtr: 0x9100},
	}
	res, err := d.Dispatch(0xE0, 0x1234, frames)
	require.NoError(t, err)
	require.Equal(t, 0, res.Clause, "the accepting filter wins by table order")
	require.Equal(t, outer.Funclets[1].Start, inv.invoked[len(inv.invoked)-1])

	// The inner finally still ran exactly once on the way out.
	var finallyRuns int
	for _, pc := range inv.invoked {
		if pc == inner.Funclets[0].Start {
			finallyRuns++
		}
	}
	require.Equal(t, 1, finallyRuns)
}

func TestDispatch_unhandled(t *testing.T) {
	reg, _, outer := dispatchFixture()
	inv := &recordingInvoker{filterResults: map[uintptr]int32{outer.Funclets[0].Start: 0}}
	d := &Dispatcher{Registry: reg, Invoker: inv, Assignable: func(_, _ uintptr) bool { return false }}

	_, err := d.Dispatch(0xE0, 0x1234, []Frame{
		{PC: 0x1050}, {PC: 0x2050},
	})
	require.ErrorIs(t, err, ErrUnhandledException)
}

func TestDispatch_throwOutsideProtectedRange(t *testing.T) {
	reg, _, outer := dispatchFixture()
	inv := &recordingInvoker{continuation: 0x20f8}
	d := &Dispatcher{Registry: reg, Invoker: inv, Assignable: func(thrown, clause uintptr) bool { return thrown == clause }}

	// The inner frame's PC sits outside its protected range; only the outer
	// clause can match, and no finally runs.
	res, err := d.Dispatch(0xE0, 0xbeef, []Frame{
		{PC: 0x1005}, {PC: 0x2050},
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.FrameIndex)
	require.Equal(t, []uintptr{outer.Funclets[2].Start}, inv.invoked)
}

func TestRegistry_lookup(t *testing.T) {
	reg, inner, outer := dispatchFixture()

	m, f := reg.FindByAddress(0x1050)
	require.Equal(t, inner, m)
	require.Nil(t, f)

	m, f = reg.FindByAddress(0x1120)
	require.Equal(t, inner, m)
	require.NotNil(t, f)
	require.Equal(t, cil.ClauseFinally, f.Kind)

	m, f = reg.FindByAddress(0x2290)
	require.Equal(t, outer, m)
	require.Equal(t, uintptr(0xbeef), f.CatchType)

	m, _ = reg.FindByAddress(0x5000)
	require.Nil(t, m)

	got, err := reg.FindByToken(2)
	require.NoError(t, err)
	require.Equal(t, outer, got)

	_, err = reg.FindByToken(99)
	require.ErrorIs(t, err, ErrNotFound)
}
