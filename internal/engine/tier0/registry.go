package tier0

import (
	"fmt"
	"sort"
	"sync"

	"github.com/protonos/ciljit/internal/cil"
)

// FuncletRecord is one separately emitted handler function.
type FuncletRecord struct {
	Kind cil.ClauseKind
	// Start and End delimit the funclet's bytes in the code heap.
	Start, End uintptr
	// Unwind is the serialised unwind info, flagged as a handler funclet.
	Unwind []byte
	// CatchType is the exception type descriptor for catch funclets.
	CatchType uintptr
}

// NativeClause is one EH clause translated to native addresses.
type NativeClause struct {
	Kind cil.ClauseKind
	// TryStart and TryEnd delimit the protected range inside the parent.
	TryStart, TryEnd uintptr
	// Handler indexes the method's funclet list; Filter does too for filter
	// clauses (-1 otherwise).
	Handler int
	Filter  int
	// CatchType is the clause's exception type descriptor for typed catches.
	CatchType uintptr
}

// Covers reports whether the protected native range contains pc.
func (nc *NativeClause) Covers(pc uintptr) bool {
	return nc.TryStart <= pc && pc < nc.TryEnd
}

// CompiledMethod is the published record of one compilation: the parent
// function, its funclets, the translated clause table, and the unwind data
// the OS unwinder consumes.
type CompiledMethod struct {
	Token uint32
	// Start and End delimit the parent function.
	Start, End uintptr
	// Unwind is the parent's serialised unwind info.
	Unwind []byte
	// Funclets lists the handler funclets in clause-table order.
	Funclets []FuncletRecord
	// Clauses is the EH table in native offsets, preserving IL table order
	// (innermost first).
	Clauses []NativeClause

	// funcletTable backs the parent's leave stubs: entry i holds the
	// finally funclet address for clause i, filled in after pass 2. The
	// slots are allocated before pass 1 so their addresses can be burned
	// into the parent's code.
	funcletTable []uintptr
}

// Contains reports whether pc lies in the parent or any funclet.
func (m *CompiledMethod) Contains(pc uintptr) bool {
	if m.Start <= pc && pc < m.End {
		return true
	}
	for i := range m.Funclets {
		if m.Funclets[i].Start <= pc && pc < m.Funclets[i].End {
			return true
		}
	}
	return false
}

// FuncletAt returns the funclet containing pc, or nil for the parent body.
func (m *CompiledMethod) FuncletAt(pc uintptr) *FuncletRecord {
	for i := range m.Funclets {
		if m.Funclets[i].Start <= pc && pc < m.Funclets[i].End {
			return &m.Funclets[i]
		}
	}
	return nil
}

// Registry records every compiled method and answers address and token
// lookups during exception dispatch. Publication and lookup are safe for
// concurrent use.
type Registry struct {
	mu sync.RWMutex
	// byStart is sorted by parent start address.
	byStart []*CompiledMethod
	byToken map[uint32]*CompiledMethod
}

func NewRegistry() *Registry {
	return &Registry{byToken: map[uint32]*CompiledMethod{}}
}

// Install publishes a compiled method to the unwinder's view.
func (r *Registry) Install(m *CompiledMethod) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := sort.Search(len(r.byStart), func(i int) bool { return r.byStart[i].Start >= m.Start })
	r.byStart = append(r.byStart, nil)
	copy(r.byStart[i+1:], r.byStart[i:])
	r.byStart[i] = m
	r.byToken[m.Token] = m
}

// FindByAddress answers, for a return address, which method and which
// funclet it belongs to. The funclet result is nil for parent-body
// addresses.
func (r *Registry) FindByAddress(pc uintptr) (*CompiledMethod, *FuncletRecord) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	// Funclets are placed after their parent, so scanning from the last
	// method whose parent start precedes pc covers both.
	i := sort.Search(len(r.byStart), func(i int) bool { return r.byStart[i].Start > pc })
	for j := i - 1; j >= 0; j-- {
		if m := r.byStart[j]; m.Contains(pc) {
			return m, m.FuncletAt(pc)
		}
	}
	// A funclet can sit above parents started later; fall back to a full
	// scan before giving up.
	for _, m := range r.byStart[i:] {
		if m.Contains(pc) {
			return m, m.FuncletAt(pc)
		}
	}
	return nil, nil
}

// FindByToken looks a method up by its metadata token.
func (r *Registry) FindByToken(token uint32) (*CompiledMethod, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byToken[token]
	if !ok {
		return nil, fmt.Errorf("method 0x%08x: %w", token, ErrNotFound)
	}
	return m, nil
}
