// Package reactor compiles shader-style programs to native code at run
// time. A Builder assembles an IR module around a fixed entry function that
// authenticates the host context before running user code; Compile
// optimises, lowers and links the module off the calling goroutine and
// yields a Module whose entry can be invoked repeatedly until it is closed.
package reactor

import (
	"github.com/tinyrange/reactor/internal/codegen"
	"github.com/tinyrange/reactor/internal/extern"
	"github.com/tinyrange/reactor/internal/ir"
	"github.com/tinyrange/reactor/internal/ir/opt"
	"github.com/tinyrange/reactor/internal/jit"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from the internal packages
// -----------------------------------------------------------------------------

// OptLevel selects how hard the code generator works.
type OptLevel = codegen.Level

// Pass is a bitfield of IR optimisation passes.
type Pass = opt.Flags

// Options configures the JIT session.
type Options = jit.Options

// Session holds the target description shared by every compile.
type Session = jit.Session

// TargetMachineBuilder describes the machine code is generated for.
type TargetMachineBuilder = jit.TargetMachineBuilder

// HostFunc is a host handle reachable from compiled code through the
// trampoline.
type HostFunc = jit.HostFunc

// HostContext is the structure handed to the entry function.
type HostContext = jit.HostContext

// Module is a compiled, linked module.
type Module = jit.Module

// Future delivers the result of Compile.
type Future = jit.Future

// LinkError lists the symbols a failed link could not resolve.
type LinkError = jit.LinkError

// VerifyError lists the problems found by the verifier.
type VerifyError = ir.VerifyError

// ExternalID names an entry of the external symbol table.
type ExternalID = extern.ID

// SymbolTable maps external ids to names, signatures and native code.
type SymbolTable = extern.Table

// IR building blocks.
type (
	IRBuilder = ir.Builder
	Context   = ir.Context
	Type      = ir.Type
	Value     = ir.Value
	Const     = ir.Const
	Instr     = ir.Instr
	Block     = ir.Block
	Function  = ir.Function
	Global    = ir.Global
	Pred      = ir.Pred
)

// Comparison predicates for IRBuilder.ICmp and IRBuilder.FCmp.
const (
	IntEQ    = ir.IntEQ
	IntNE    = ir.IntNE
	IntSLT   = ir.IntSLT
	IntSLE   = ir.IntSLE
	IntSGT   = ir.IntSGT
	IntSGE   = ir.IntSGE
	IntULT   = ir.IntULT
	IntULE   = ir.IntULE
	IntUGT   = ir.IntUGT
	IntUGE   = ir.IntUGE
	FloatOEQ = ir.FloatOEQ
	FloatONE = ir.FloatONE
	FloatOLT = ir.FloatOLT
	FloatOLE = ir.FloatOLE
	FloatOGT = ir.FloatOGT
	FloatOGE = ir.FloatOGE
	FloatUNE = ir.FloatUNE
)

// Optimisation levels.
const (
	OptNone       = codegen.LevelNone
	OptLess       = codegen.LevelLess
	OptDefault    = codegen.LevelDefault
	OptAggressive = codegen.LevelAggressive
)

// Optimisation passes, applied in the order CFGSimplification, Reassociate,
// LICM, AggressiveDCE, GVN, InstructionCombining, DeadStoreElimination,
// SCCP, SROA, EarlyCSE.
const (
	CFGSimplification    = opt.CFGSimplification
	Reassociate          = opt.Reassociate
	LICM                 = opt.LICM
	AggressiveDCE        = opt.AggressiveDCE
	GVN                  = opt.GVN
	InstructionCombining = opt.InstructionCombining
	DeadStoreElimination = opt.DeadStoreElimination
	SCCP                 = opt.SCCP
	SROA                 = opt.SROA
	EarlyCSE             = opt.EarlyCSE

	DefaultPasses = opt.DefaultFlags
	AllPasses     = opt.AllFlags
)

// External functions.
const (
	SinF      = extern.SinF
	CosF      = extern.CosF
	TanF      = extern.TanF
	SinF2     = extern.SinF2
	CosF2     = extern.CosF2
	TanF2     = extern.TanF2
	SinCosF2R = extern.SinCosF2R
	CosSinF2R = extern.CosSinF2R

	BuiltinV8Trampoline     = extern.BuiltinV8Trampoline
	BuiltinCheckHostContext = extern.BuiltinCheckHostContext
)

// HostContextMagic authenticates a HostContext.
const HostContextMagic = jit.HostContextMagic

// EntryName is the function Module.InvokeEntry calls.
const EntryName = jit.EntryName

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// DefaultOptions selects the default level and pass set.
func DefaultOptions() Options { return jit.DefaultOptions() }

// ParseOptions decodes YAML options.
func ParseOptions(data []byte) (Options, error) { return jit.ParseOptions(data) }

// LoadOptions reads YAML options from path.
func LoadOptions(path string) (Options, error) { return jit.LoadOptions(path) }

// ParseOptLevel maps "none", "less", "default" or "aggressive" to a level.
func ParseOptLevel(s string) (OptLevel, error) { return codegen.ParseLevel(s) }

// ParsePasses combines the flags of the named passes.
func ParsePasses(names []string) (Pass, error) { return opt.ParseFlags(names) }

// DefaultSymbols returns the process-wide external symbol table.
func DefaultSymbols() *SymbolTable { return extern.Default() }

// NewSession creates a session independent of the platform session, for
// hosts that need a different mapper or symbol table.
func NewSession(opts Options) (*Session, error) { return jit.NewSession(opts) }
