package ciljit

import (
	"github.com/protonos/ciljit/internal/asm"
	"github.com/protonos/ciljit/internal/asm/amd64_debug"
	"github.com/protonos/ciljit/internal/engine/tier0"
)

// Config configures the compiler core. Each With method returns a new
// Config, so instances can be shared as templates.
//
//	cfg := ciljit.NewConfig().
//		WithResolver(loader).
//		WithRuntimeHelpers(helpers).
//		WithStrictWX(true)
type Config interface {
	// WithInitLocals zero-fills every method's local area, regardless of
	// the IL header's init-locals flag.
	WithInitLocals(bool) Config
	// WithTOSCache toggles the top-of-stack register cache. Disabled means
	// every push writes memory; useful when debugging codegen.
	WithTOSCache(bool) Config
	// WithConstantFolding toggles deferred constant materialisation.
	WithConstantFolding(bool) Config
	// WithCodeSegment supplies the executable code heap; a fresh mapping is
	// allocated when unset.
	WithCodeSegment(*asm.CodeSegment) Config
	// WithResolver installs the metadata resolver seams. Without one, the
	// token bit-packing fallback is used, which is only suitable for unit
	// tests.
	WithResolver(Resolver) Config
	// WithRuntimeHelpers supplies the host runtime's helper entrypoints.
	WithRuntimeHelpers(RuntimeHelpers) Config
	// WithStrictWX reseals code pages read-execute after each compilation.
	WithStrictWX(bool) Config
	// WithDebugAssembler routes every instruction through both the in-tree
	// encoder and golang-asm, failing the compilation on byte divergence.
	WithDebugAssembler(bool) Config
}

// NewConfig returns the default configuration: TOS cache and constant
// folding on, fallback resolver, production encoder.
func NewConfig() Config {
	return &config{enableTOSCache: true, enableConstFold: true}
}

type config struct {
	initLocals      bool
	enableTOSCache  bool
	enableConstFold bool
	strictWX        bool
	debugAssembler  bool
	codeSegment     *asm.CodeSegment
	resolver        Resolver
	helpers         RuntimeHelpers
}

func (c *config) clone() *config {
	d := *c
	return &d
}

func (c *config) WithInitLocals(v bool) Config {
	d := c.clone()
	d.initLocals = v
	return d
}

func (c *config) WithTOSCache(v bool) Config {
	d := c.clone()
	d.enableTOSCache = v
	return d
}

func (c *config) WithConstantFolding(v bool) Config {
	d := c.clone()
	d.enableConstFold = v
	return d
}

func (c *config) WithCodeSegment(seg *asm.CodeSegment) Config {
	d := c.clone()
	d.codeSegment = seg
	return d
}

func (c *config) WithResolver(r Resolver) Config {
	d := c.clone()
	d.resolver = r
	return d
}

func (c *config) WithRuntimeHelpers(h RuntimeHelpers) Config {
	d := c.clone()
	d.helpers = h
	return d
}

func (c *config) WithStrictWX(v bool) Config {
	d := c.clone()
	d.strictWX = v
	return d
}

func (c *config) WithDebugAssembler(v bool) Config {
	d := c.clone()
	d.debugAssembler = v
	return d
}

func (c *config) options() tier0.Options {
	opts := tier0.Options{
		InitLocals:      c.initLocals,
		EnableTOSCache:  c.enableTOSCache,
		EnableConstFold: c.enableConstFold,
		StrictWX:        c.strictWX,
		CodeSegment:     c.codeSegment,
		Resolver:        c.resolver,
		Helpers:         c.helpers,
	}
	if c.debugAssembler {
		// Construction is deferred to each compilation; a failure surfaces
		// as that CompileMethod's error rather than at engine construction.
		opts.NewAssembler = amd64_debug.NewDebugAssembler
	}
	return opts
}
