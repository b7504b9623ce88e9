package tier0

import (
	"errors"
	"fmt"

	"github.com/protonos/ciljit/internal/cil"
)

// Frame is one stack frame the host's stack walker hands to exception
// dispatch: the return address inside JIT code and the frame pointer of the
// method owning it.
type Frame struct {
	PC        uintptr
	FramePtr  uintptr
}

// FuncletInvoker is the seam through which the dispatcher runs funclets.
// The production implementation calls into the code heap; tests install a
// recording fake so the two-pass algorithm runs without executing native
// code.
type FuncletInvoker interface {
	// InvokeFilter runs a filter funclet; non-zero means the clause accepts
	// the exception.
	InvokeFilter(f *FuncletRecord, exception, framePtr uintptr) int32
	// InvokeHandler runs a catch, finally or fault funclet. Catch funclets
	// return the continuation address inside the parent body.
	InvokeHandler(f *FuncletRecord, exception, framePtr uintptr) uintptr
}

// TypeAssignability decides whether a thrown object's type is assignable to
// a clause's catch type; the host's type system implements it.
type TypeAssignability func(thrownType, clauseType uintptr) bool

// ErrUnhandledException reports a first-pass search that found no accepting
// clause in any frame.
var ErrUnhandledException = errors.New("unhandled exception")

// DispatchResult is the outcome of a completed two-pass dispatch.
type DispatchResult struct {
	// FrameIndex is the index into the walked frames of the catching frame.
	FrameIndex int
	// Method and Clause identify the accepting clause.
	Method *CompiledMethod
	Clause int
	// Continuation is the parent-body address execution resumes at, as
	// returned by the catch funclet.
	Continuation uintptr
}

// Dispatcher implements the IL-level two-pass exception dispatch over the
// registry's records. The platform unwinder drives the actual frame walk
// and register restoration; this is the table-driven policy it consults.
type Dispatcher struct {
	Registry   *Registry
	Invoker    FuncletInvoker
	Assignable TypeAssignability
}

// Dispatch runs both passes over the frames (innermost first) and returns
// where execution resumes. The second pass runs every finally and fault
// funclet between the throw point and the accepting clause exactly once.
func (d *Dispatcher) Dispatch(exception, exceptionType uintptr, frames []Frame) (DispatchResult, error) {
	catchFrame, clauseIdx, err := d.search(exception, exceptionType, frames)
	if err != nil {
		return DispatchResult{}, err
	}
	return d.unwind(exception, frames, catchFrame, clauseIdx)
}

// search is the first pass: find the frame and clause that accept the
// exception, invoking filters as encountered.
func (d *Dispatcher) search(exception, exceptionType uintptr, frames []Frame) (int, int, error) {
	for fi, fr := range frames {
		m, funclet := d.Registry.FindByAddress(fr.PC)
		if m == nil || funclet != nil {
			// Frames inside funclets unwind transparently; their clauses
			// belong to the parent pass they are already part of.
			continue
		}
		for ci := range m.Clauses {
			cl := &m.Clauses[ci]
			if !cl.Covers(fr.PC) {
				continue
			}
			switch cl.Kind {
			case cil.ClauseCatch:
				if d.Assignable == nil || d.Assignable(exceptionType, cl.CatchType) {
					return fi, ci, nil
				}
			case cil.ClauseFilter:
				if cl.Filter >= 0 && d.Invoker.InvokeFilter(&m.Funclets[cl.Filter], exception, fr.FramePtr) != 0 {
					return fi, ci, nil
				}
			}
		}
	}
	return 0, 0, fmt.Errorf("%w: no accepting clause for exception %#x", ErrUnhandledException, exception)
}

// unwind is the second pass: run finally/fault funclets from the innermost
// frame up to the accepting clause, then enter the catch funclet.
func (d *Dispatcher) unwind(exception uintptr, frames []Frame, catchFrame, clauseIdx int) (DispatchResult, error) {
	for fi := 0; fi <= catchFrame; fi++ {
		fr := frames[fi]
		m, funclet := d.Registry.FindByAddress(fr.PC)
		if m == nil || funclet != nil {
			continue
		}
		limit := len(m.Clauses)
		if fi == catchFrame {
			// Within the accepting frame, only clauses inner to the chosen
			// one (earlier in table order) still run.
			limit = clauseIdx
		}
		for ci := 0; ci < limit; ci++ {
			cl := &m.Clauses[ci]
			if cl.Kind != cil.ClauseFinally && cl.Kind != cil.ClauseFault {
				continue
			}
			if !cl.Covers(fr.PC) {
				continue
			}
			d.Invoker.InvokeHandler(&m.Funclets[cl.Handler], exception, fr.FramePtr)
		}
		if fi == catchFrame {
			m2 := m
			cl := &m2.Clauses[clauseIdx]
			cont := d.Invoker.InvokeHandler(&m2.Funclets[cl.Handler], exception, fr.FramePtr)
			return DispatchResult{
				FrameIndex:   fi,
				Method:       m2,
				Clause:       clauseIdx,
				Continuation: cont,
			}, nil
		}
	}
	return DispatchResult{}, fmt.Errorf("catch frame %d not reached", catchFrame)
}
