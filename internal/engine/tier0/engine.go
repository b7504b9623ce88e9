// Package tier0 is the baseline just-in-time compiler core: it walks
// verified CIL method bodies and emits x86-64 code into an executable code
// heap, together with the funclets, clause tables and unwind data exception
// dispatch needs.
package tier0

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/protonos/ciljit/internal/asm"
	"github.com/protonos/ciljit/internal/asm/amd64"
	"github.com/protonos/ciljit/internal/cil"
)

// RuntimeHelpers carries the absolute addresses of the host runtime's
// helper entrypoints the emitted code calls, plus the two trap vectors the
// host's interrupt handlers translate into managed exceptions.
type RuntimeHelpers struct {
	// Throw takes the exception object and never returns.
	Throw uintptr
	// Rethrow re-raises the in-flight exception from a catch handler.
	Rethrow uintptr
	// Allocate takes a type descriptor and returns a zeroed object.
	Allocate uintptr
	// AllocateArray takes a type descriptor and an element count.
	AllocateArray uintptr
	// InterfaceDispatch takes (receiver, interface method id) and returns
	// the concrete target.
	InterfaceDispatch uintptr
	// CastClass and IsInst take (object, type descriptor); CastClass traps
	// on failure, IsInst returns null.
	CastClass uintptr
	IsInst    uintptr
	// EnsureClassInit takes (init flag address, cctor entry) and runs the
	// class initializer at most once.
	EnsureClassInit uintptr

	// OverflowVector and RangeCheckVector are the `INT imm8` operands of
	// the shared trap stubs.
	OverflowVector   byte
	RangeCheckVector byte

	// VTableOffset is the byte offset of the vtable inside a type
	// descriptor; the host's MethodTable layout defines it.
	VTableOffset int64
}

// Options is the engine's construction-time configuration (§6.4 surface).
type Options struct {
	// InitLocals forces zero-filling the local area even when the IL header
	// does not demand it.
	InitLocals bool
	// EnableTOSCache enables the one-entry accumulator cache; off, every
	// push writes memory. Used for debugging.
	EnableTOSCache bool
	// EnableConstFold defers constant materialisation; off, constants emit
	// eagerly.
	EnableConstFold bool
	// StrictWX reseals code pages read-execute after each compilation.
	StrictWX bool
	// CodeSegment is the executable heap; a fresh one is mapped when nil.
	CodeSegment *asm.CodeSegment
	// Resolver supplies the six metadata seams; the bit-packed fallback is
	// installed when nil (unit testing only).
	Resolver Resolver
	// Helpers are the runtime helper entrypoints.
	Helpers RuntimeHelpers
	// NewAssembler overrides the encoder, e.g. with the cross-checking
	// debug assembler. Construction failure aborts the compilation that
	// requested the assembler.
	NewAssembler func() (amd64.Assembler, error)
}

// Engine compiles methods one at a time (per goroutine) and publishes them
// to the registry. Multiple goroutines may compile different methods
// concurrently; the code heap and publication are serialised internally.
type Engine struct {
	seg      *asm.CodeSegment
	registry *Registry
	cctors   *CctorRegistry
	resolver Resolver
	helpers  RuntimeHelpers

	initLocals      bool
	enableTOSCache  bool
	enableConstFold bool
	strictWX        bool

	newAssembler func() (amd64.Assembler, error)

	// mu serialises code-heap allocation and method publication.
	mu sync.Mutex
}

// NewEngine constructs an engine from options. A nil code segment, resolver
// or assembler factory becomes a fresh segment, the fallback resolver and the
// in-tree assembler; the cache and folding flags are taken from opts as given.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		seg:             opts.CodeSegment,
		registry:        NewRegistry(),
		cctors:          NewCctorRegistry(),
		resolver:        opts.Resolver,
		helpers:         opts.Helpers,
		initLocals:      opts.InitLocals,
		enableTOSCache:  opts.EnableTOSCache,
		enableConstFold: opts.EnableConstFold,
		strictWX:        opts.StrictWX,
		newAssembler:    opts.NewAssembler,
	}
	if e.seg == nil {
		e.seg = &asm.CodeSegment{}
	}
	if e.resolver == nil {
		e.resolver = FallbackResolver{}
	}
	if e.newAssembler == nil {
		e.newAssembler = func() (amd64.Assembler, error) { return amd64.NewAssembler(), nil }
	}
	return e
}

// Registry exposes the published method records to the host's exception
// dispatcher and stack walker.
func (e *Engine) Registry() *Registry { return e.registry }

// Cctors exposes the class-initializer context registry.
func (e *Engine) Cctors() *CctorRegistry { return e.cctors }

// Close unmaps the code heap. Compiled code must no longer be running.
func (e *Engine) Close() error {
	return e.seg.Unmap()
}

// CompileMethod compiles one method body and installs the result. The body
// is the raw ECMA-335 method body (header, IL, EH sections); the token
// resolves the method's own signature.
func (e *Engine) CompileMethod(token uint32, bodyBytes []byte) (*CompiledMethod, error) {
	self, err := e.resolver.ResolveMethod(token)
	if err != nil {
		return nil, fmt.Errorf("compiling 0x%08x: %w", token, err)
	}
	body, err := cil.DecodeBody(bodyBytes)
	if err != nil {
		return nil, fmt.Errorf("compiling 0x%08x: %w", token, err)
	}
	var locals []LocalDesc
	if body.LocalVarSigToken != 0 {
		sig, err := e.resolver.ResolveStandAloneSig(body.LocalVarSigToken)
		if err != nil {
			return nil, fmt.Errorf("compiling 0x%08x: locals: %w", token, err)
		}
		locals = sig.Locals
	}

	f := newFrame(self.Args, locals, self.RetKind, self.RetSize)
	record := &CompiledMethod{
		Token:        token,
		funcletTable: make([]uintptr, len(body.Clauses)),
	}
	slotAddrs := make([]uintptr, len(body.Clauses))
	for i := range record.funcletTable {
		slotAddrs[i] = uintptr(unsafe.Pointer(&record.funcletTable[i]))
	}

	a, err := e.newAssembler()
	if err != nil {
		return nil, fmt.Errorf("compiling 0x%08x: %w", token, err)
	}
	pc := newCompiler(e, a, body, f)
	pc.funcletSlotAddrs = slotAddrs
	parentCode, offs, err := pc.compileParent()
	if err != nil {
		return nil, fmt.Errorf("compiling 0x%08x: %w", token, err)
	}

	start, err := e.place(parentCode)
	if err != nil {
		return nil, err
	}
	record.Start = start
	record.End = start + uintptr(len(parentCode))
	record.Unwind = buildParentUnwind(f.size)

	// Translate the clause table to native offsets.
	record.Clauses = make([]NativeClause, len(body.Clauses))
	for i := range body.Clauses {
		cl := &body.Clauses[i]
		ts, okS := offs[cl.TryOffset]
		te, okE := offs[cl.TryEnd()]
		if !okS || !okE {
			return nil, fmt.Errorf("compiling 0x%08x: clause %d boundary not anchored", token, i)
		}
		nc := NativeClause{
			Kind:     cl.Kind,
			TryStart: record.Start + uintptr(ts),
			TryEnd:   record.Start + uintptr(te),
			Handler:  -1,
			Filter:   -1,
		}
		if cl.Kind == cil.ClauseCatch {
			rt, err := e.resolver.ResolveType(cl.ClassToken)
			if err != nil {
				return nil, fmt.Errorf("compiling 0x%08x: catch type 0x%08x: %w", token, cl.ClassToken, err)
			}
			nc.CatchType = rt.Descriptor
		}
		record.Clauses[i] = nc
	}

	// Pass 2: one funclet per handler, plus one per filter expression.
	for i := range body.Clauses {
		cl := &body.Clauses[i]

		if cl.Kind == cil.ClauseFilter {
			fk, err := e.emitFunclet(record, body, f, offs, slotAddrs, cil.ClauseFilter, cl.FilterOffset, cl.HandlerOffset, 0)
			if err != nil {
				return nil, fmt.Errorf("compiling 0x%08x: filter %d: %w", token, i, err)
			}
			record.Clauses[i].Filter = fk
		}

		handlerKind := cl.Kind
		if handlerKind == cil.ClauseFilter {
			// The handler of a filter clause behaves as a catch funclet.
			handlerKind = cil.ClauseCatch
		}
		fk, err := e.emitFunclet(record, body, f, offs, slotAddrs, handlerKind, cl.HandlerOffset, cl.HandlerEnd(), record.Clauses[i].CatchType)
		if err != nil {
			return nil, fmt.Errorf("compiling 0x%08x: handler %d: %w", token, i, err)
		}
		record.Clauses[i].Handler = fk
		record.funcletTable[i] = record.Funclets[fk].Start
	}

	e.registry.Install(record)
	return record, nil
}

// place appends one function's bytes to the code heap under the engine's
// allocation lock, honouring the strict W^X ordering when configured. The
// lock covers only placement: compilation happens outside it, so resolvers
// may trigger nested compilations (lazy first-use) without deadlocking.
func (e *Engine) place(code []byte) (uintptr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.strictWX {
		if err := e.seg.Unseal(); err != nil {
			return 0, err
		}
	}
	buf := e.seg.Next()
	if _, err := buf.Write(code); err != nil {
		return 0, err
	}
	if e.strictWX {
		if err := e.seg.Seal(); err != nil {
			return 0, err
		}
	}
	return buf.Addr(), nil
}

// emitFunclet compiles one handler range into its own function, places it in
// the code heap, and appends its record. Returns the funclet index.
func (e *Engine) emitFunclet(record *CompiledMethod, body *cil.Body, f *frame, offs map[uint32]uint64, slotAddrs []uintptr, kind cil.ClauseKind, from, to uint32, catchType uintptr) (int, error) {
	a, err := e.newAssembler()
	if err != nil {
		return 0, err
	}
	fc := newCompiler(e, a, body, f)
	fc.funcletSlotAddrs = slotAddrs
	fc.parentStart = record.Start
	fc.parentOffsets = offs
	code, err := fc.compileFunclet(kind, from, to)
	if err != nil {
		return 0, err
	}
	start, err := e.place(code)
	if err != nil {
		return 0, err
	}
	record.Funclets = append(record.Funclets, FuncletRecord{
		Kind:      kind,
		Start:     start,
		End:       start + uintptr(len(code)),
		Unwind:    buildFuncletUnwind(),
		CatchType: catchType,
	})
	return len(record.Funclets) - 1, nil
}
