// Package ciljit is a baseline (Tier-0) just-in-time compiler for ECMA-335
// CIL bytecode targeting x86-64. It ingests verified method bodies plus the
// resolver seams needed to interpret metadata tokens, and emits native code
// into an executable heap together with the funclets, clause tables and
// unwind metadata exception dispatch requires.
//
// The package deliberately excludes the metadata reader, the type system,
// the garbage collector and the platform unwinder: those are host
// collaborators reached through the Resolver and RuntimeHelpers contracts.
package ciljit

import (
	"github.com/protonos/ciljit/internal/engine/tier0"
)

// Re-exported core contracts: the host implements Resolver and
// FuncletInvoker, and consumes CompiledMethod records via the Registry.
type (
	Resolver       = tier0.Resolver
	ResolvedMethod = tier0.ResolvedMethod
	ResolvedField  = tier0.ResolvedField
	ResolvedType   = tier0.ResolvedType
	StandAloneSig  = tier0.StandAloneSig
	LocalDesc      = tier0.LocalDesc
	ArgDesc        = tier0.ArgDesc
	RetKind        = tier0.RetKind
	CctorContext   = tier0.CctorContext
	RuntimeHelpers = tier0.RuntimeHelpers
	CompiledMethod = tier0.CompiledMethod
	FuncletRecord  = tier0.FuncletRecord
	NativeClause   = tier0.NativeClause
	Registry       = tier0.Registry
	Dispatcher     = tier0.Dispatcher
	DispatchResult = tier0.DispatchResult
	Frame          = tier0.Frame
	FuncletInvoker = tier0.FuncletInvoker
)

// Return-kind classification re-exports.
const (
	RetVoid                 = tier0.RetVoid
	RetInt64InRax           = tier0.RetInt64InRax
	RetFloatInXmm0          = tier0.RetFloatInXmm0
	RetSmallStructInRax     = tier0.RetSmallStructInRax
	RetMediumStructInRaxRdx = tier0.RetMediumStructInRaxRdx
	RetHiddenBuffer         = tier0.RetHiddenBuffer
)

// Sentinel errors the host can test against.
var (
	ErrNotFound           = tier0.ErrNotFound
	ErrUnsupportedOpcode  = tier0.ErrUnsupportedOpcode
	ErrStackMismatch      = tier0.ErrStackMismatch
	ErrMalformedBody      = tier0.ErrMalformedBody
	ErrUnhandledException = tier0.ErrUnhandledException
)

// Engine compiles CIL method bodies into the code heap and publishes their
// records. It is safe for concurrent use across distinct methods.
type Engine struct {
	core *tier0.Engine
}

// NewEngine constructs an engine from the given configuration.
func NewEngine(cfg Config) *Engine {
	return &Engine{core: tier0.NewEngine(cfg.(*config).options())}
}

// CompileMethod compiles the raw ECMA-335 method body identified by token
// and installs the resulting native code.
func (e *Engine) CompileMethod(token uint32, body []byte) (*CompiledMethod, error) {
	return e.core.CompileMethod(token, body)
}

// Registry exposes the published method records for address and token
// lookup during exception dispatch and stack walking.
func (e *Engine) Registry() *Registry {
	return e.core.Registry()
}

// Cctors exposes the class-initializer registry backing the emitted
// first-touch barriers.
func (e *Engine) Cctors() *tier0.CctorRegistry {
	return e.core.Cctors()
}

// Close releases the engine's code heap. No compiled code may be running.
func (e *Engine) Close() error {
	return e.core.Close()
}
