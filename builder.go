package reactor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/exp/constraints"

	"github.com/tinyrange/reactor/internal/extern"
	"github.com/tinyrange/reactor/internal/ir"
	"github.com/tinyrange/reactor/internal/jit"
)

const (
	hostContextGlobal = "__program_host_context"
	mainName          = "main"
	mainEntryName     = "__user_main_entrypoint"
)

// nextMethodID hands out host handle ids across every builder in the
// process. The first id is 1.
var nextMethodID atomic.Uint32

// Builder assembles one module. It is not safe for concurrent use and is
// spent once Compile has been called.
type Builder struct {
	session *Session
	symbols *extern.Table

	ctx       *ir.Context
	m         *ir.Module
	host      *ir.Global
	start     *ir.Function
	main      *ir.Function
	mainEntry *ir.Block
	exposed   []*ir.Function

	ids     map[string]uint32
	handles map[uint32]HostFunc
	spent   bool
}

// NewBuilder starts a module on the platform session.
func NewBuilder(name string) (*Builder, error) {
	s, err := Platform()
	if err != nil {
		return nil, err
	}
	return NewBuilderWithSession(s, name), nil
}

// NewBuilderWithSession starts a module on s.
//
// The module receives the entry function
//
//	i32 __start_user_main(ptr ctx)
//
// which stores ctx into @__program_host_context, returns 1 when
// __builtin_check_host_context rejects it, and otherwise calls @main and
// returns 0. User code goes into MainEntryBlock.
func NewBuilderWithSession(s *Session, name string) *Builder {
	ctx := ir.NewContext()
	m := ir.NewModule(ctx, name)
	s.Configure(m)

	b := &Builder{
		session: s,
		symbols: s.Symbols(),
		ctx:     ctx,
		m:       m,
		ids:     make(map[string]uint32),
		handles: make(map[uint32]HostFunc),
	}

	b.host = m.NewGlobal(hostContextGlobal, ctx.Ptr(), ir.ConstNull(ctx.Ptr()))

	b.start = m.NewFunction(EntryName, ctx.Func(ctx.I32(), ctx.Ptr()))
	b.main = m.NewFunction(mainName, ctx.Func(ctx.Void()))
	b.exposed = []*ir.Function{b.start, b.main}

	entry := b.start.NewBlock("entry")
	failed := b.start.NewBlock("check_failed")
	normal := b.start.NewBlock("normal_ret")

	irb := ir.NewBuilder(ctx).SetInsertPoint(entry)
	irb.Store(b.start.Param(0), b.host)
	check := b.mustExternal(extern.BuiltinCheckHostContext)
	rc := irb.Call(check, b.start.Param(0))
	irb.CondBr(irb.ICmp(ir.IntNE, rc, b.NewInt(0)), failed, normal)

	irb.SetInsertPoint(failed)
	irb.Ret(b.NewInt(1))

	irb.SetInsertPoint(normal)
	irb.Call(b.main)
	irb.Ret(b.NewInt(0))

	b.mainEntry = b.main.NewBlock(mainEntryName)
	return b
}

func (b *Builder) live() {
	if b.spent {
		panic(ErrBuilderSpent)
	}
}

func (b *Builder) external(id ExternalID) (*ir.Function, error) {
	name, err := b.symbols.NameFor(id)
	if err != nil {
		return nil, err
	}
	sig, err := b.symbols.SignatureFor(id, b.ctx)
	if err != nil {
		return nil, err
	}
	return b.m.GetOrInsertFunction(name, sig), nil
}

func (b *Builder) mustExternal(id ExternalID) *ir.Function {
	fn, err := b.external(id)
	if err != nil {
		panic(fmt.Sprintf("reactor: builtin missing from symbol table: %v", err))
	}
	return fn
}

func (b *Builder) Session() *Session    { return b.session }
func (b *Builder) Context() *ir.Context { return b.ctx }

// Module returns the module under construction, or nil once spent.
func (b *Builder) Module() *ir.Module { return b.m }

// MainEntryBlock is the first block of main.
func (b *Builder) MainEntryBlock() *ir.Block {
	b.live()
	return b.mainEntry
}

// IR returns an instruction builder positioned at the end of block.
func (b *Builder) IR(block *ir.Block) *ir.Builder {
	b.live()
	return ir.NewBuilder(b.ctx).SetInsertPoint(block)
}

// NewGlobal adds a global. Globals with external linkage can be found
// with Module.Lookup after compiling.
func (b *Builder) NewGlobal(name string, t *ir.Type, init *ir.Const) *ir.Global {
	b.live()
	return b.m.NewGlobal(name, t, init)
}

// NewFunction adds a function whose address is recorded after compiling.
// An empty name is replaced with __anonymous_f<index>.
func (b *Builder) NewFunction(name string, sig *ir.Type) *ir.Function {
	b.live()
	fn := b.m.NewFunction(name, sig)
	b.exposed = append(b.exposed, fn)
	return fn
}

// InsertHostFunctionSymbol registers fn under name and returns its id.
// Registering a name again assigns a new id that replaces the old one for
// later trampoline calls; both handles stay reachable by id.
func (b *Builder) InsertHostFunctionSymbol(fn HostFunc, name string) uint32 {
	b.live()
	id := nextMethodID.Add(1)
	if prev, ok := b.ids[name]; ok {
		slog.Warn("reactor: host function registered twice", "name", name, "previous", prev, "id", id)
	}
	b.ids[name] = id
	b.handles[id] = fn
	return id
}

// HostFunctionID returns the id last assigned to name.
func (b *Builder) HostFunctionID(name string) (uint32, bool) {
	id, ok := b.ids[name]
	return id, ok
}

// EmitHostTrampolineCall calls the host handle registered under name. It
// emits nothing and returns nil when name is unknown.
func (b *Builder) EmitHostTrampolineCall(block *ir.Block, name string) *ir.Instr {
	b.live()
	id, ok := b.ids[name]
	if !ok {
		return nil
	}
	irb := b.IR(block)
	ptr := irb.Load(b.ctx.Ptr(), b.host)
	return irb.Call(b.mustExternal(extern.BuiltinV8Trampoline), ptr, b.NewUInt(id))
}

// EmitExternalFunctionCall declares the external id if needed and calls it
// with args. Argument types are checked when the module is verified.
func (b *Builder) EmitExternalFunctionCall(block *ir.Block, id ExternalID, args ...ir.Value) (*ir.Instr, error) {
	if b.spent {
		return nil, ErrBuilderSpent
	}
	fn, err := b.external(id)
	if err != nil {
		return nil, err
	}
	return b.IR(block).Call(fn, args...), nil
}

// EmitLoadHostContext loads the host context pointer.
func (b *Builder) EmitLoadHostContext(block *ir.Block) *ir.Instr {
	b.live()
	return b.IR(block).Load(b.ctx.Ptr(), b.host)
}

// Compile hands the module to the session and returns immediately. The
// builder is spent afterwards; compiling it again yields ErrBuilderSpent.
func (b *Builder) Compile(ctx context.Context) *Future {
	if b.spent {
		return jit.Failed(ErrBuilderSpent)
	}
	if b.mainEntry.Terminator() == nil {
		ir.NewBuilder(b.ctx).SetInsertPoint(b.mainEntry).RetVoid()
	}
	u := jit.Unit{Module: b.m, Exposed: b.exposed, Handles: b.handles}

	b.spent = true
	b.m, b.host, b.start, b.main, b.mainEntry = nil, nil, nil, nil, nil
	b.exposed, b.handles = nil, nil

	return b.session.Compile(ctx, u)
}

// Compile is shorthand for b.Compile(ctx).
func Compile(ctx context.Context, b *Builder) *Future { return b.Compile(ctx) }

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

func intConst[T constraints.Integer](t *ir.Type, v T) *ir.Const {
	return ir.ConstInt(t, uint64(v))
}

func intVector[T constraints.Integer](ctx *ir.Context, elem *ir.Type, vs ...T) *ir.Const {
	lanes := make([]*ir.Const, len(vs))
	for i, v := range vs {
		lanes[i] = intConst(elem, v)
	}
	return ir.ConstVector(ctx.Vector(elem, len(vs)), lanes...)
}

func floatVector(ctx *ir.Context, vs ...float32) *ir.Const {
	lanes := make([]*ir.Const, len(vs))
	for i, v := range vs {
		lanes[i] = ir.ConstFloat(ctx.Float(), v)
	}
	return ir.ConstVector(ctx.Vector(ctx.Float(), len(vs)), lanes...)
}

// Unsigned constants share the integer types of their signed counterparts;
// the value's bits are kept as is.

func (b *Builder) NewSByte(v int8) *ir.Const    { return intConst(b.ctx.I8(), v) }
func (b *Builder) NewByte(v uint8) *ir.Const    { return intConst(b.ctx.I8(), v) }
func (b *Builder) NewShort(v int16) *ir.Const   { return intConst(b.ctx.I16(), v) }
func (b *Builder) NewUShort(v uint16) *ir.Const { return intConst(b.ctx.I16(), v) }
func (b *Builder) NewInt(v int32) *ir.Const     { return intConst(b.ctx.I32(), v) }
func (b *Builder) NewUInt(v uint32) *ir.Const   { return intConst(b.ctx.I32(), v) }
func (b *Builder) NewLong(v int64) *ir.Const    { return intConst(b.ctx.I64(), v) }
func (b *Builder) NewULong(v uint64) *ir.Const  { return intConst(b.ctx.I64(), v) }
func (b *Builder) NewFloat(v float32) *ir.Const { return ir.ConstFloat(b.ctx.Float(), v) }

func (b *Builder) NewSByte2(x, y int8) *ir.Const {
	return intVector(b.ctx, b.ctx.I8(), x, y)
}

func (b *Builder) NewSByte4(x, y, z, w int8) *ir.Const {
	return intVector(b.ctx, b.ctx.I8(), x, y, z, w)
}

func (b *Builder) NewByte2(x, y uint8) *ir.Const {
	return intVector(b.ctx, b.ctx.I8(), x, y)
}

func (b *Builder) NewByte4(x, y, z, w uint8) *ir.Const {
	return intVector(b.ctx, b.ctx.I8(), x, y, z, w)
}

func (b *Builder) NewShort2(x, y int16) *ir.Const {
	return intVector(b.ctx, b.ctx.I16(), x, y)
}

func (b *Builder) NewShort4(x, y, z, w int16) *ir.Const {
	return intVector(b.ctx, b.ctx.I16(), x, y, z, w)
}

func (b *Builder) NewUShort2(x, y uint16) *ir.Const {
	return intVector(b.ctx, b.ctx.I16(), x, y)
}

func (b *Builder) NewUShort4(x, y, z, w uint16) *ir.Const {
	return intVector(b.ctx, b.ctx.I16(), x, y, z, w)
}

func (b *Builder) NewInt2(x, y int32) *ir.Const {
	return intVector(b.ctx, b.ctx.I32(), x, y)
}

func (b *Builder) NewInt4(x, y, z, w int32) *ir.Const {
	return intVector(b.ctx, b.ctx.I32(), x, y, z, w)
}

func (b *Builder) NewUInt2(x, y uint32) *ir.Const {
	return intVector(b.ctx, b.ctx.I32(), x, y)
}

func (b *Builder) NewUInt4(x, y, z, w uint32) *ir.Const {
	return intVector(b.ctx, b.ctx.I32(), x, y, z, w)
}

func (b *Builder) NewLong2(x, y int64) *ir.Const {
	return intVector(b.ctx, b.ctx.I64(), x, y)
}

func (b *Builder) NewLong4(x, y, z, w int64) *ir.Const {
	return intVector(b.ctx, b.ctx.I64(), x, y, z, w)
}

func (b *Builder) NewULong2(x, y uint64) *ir.Const {
	return intVector(b.ctx, b.ctx.I64(), x, y)
}

func (b *Builder) NewULong4(x, y, z, w uint64) *ir.Const {
	return intVector(b.ctx, b.ctx.I64(), x, y, z, w)
}

func (b *Builder) NewFloat2(x, y float32) *ir.Const {
	return floatVector(b.ctx, x, y)
}

func (b *Builder) NewFloat4(x, y, z, w float32) *ir.Const {
	return floatVector(b.ctx, x, y, z, w)
}

// -----------------------------------------------------------------------------
// Undefined values
// -----------------------------------------------------------------------------

func (b *Builder) undef(t *ir.Type) *ir.Const { return ir.Undef(t) }

func (b *Builder) undefVector(elem *ir.Type, lanes int) *ir.Const {
	return ir.Undef(b.ctx.Vector(elem, lanes))
}

func (b *Builder) UndefSByte() *ir.Const  { return b.undef(b.ctx.I8()) }
func (b *Builder) UndefByte() *ir.Const   { return b.undef(b.ctx.I8()) }
func (b *Builder) UndefShort() *ir.Const  { return b.undef(b.ctx.I16()) }
func (b *Builder) UndefUShort() *ir.Const { return b.undef(b.ctx.I16()) }
func (b *Builder) UndefInt() *ir.Const    { return b.undef(b.ctx.I32()) }
func (b *Builder) UndefUInt() *ir.Const   { return b.undef(b.ctx.I32()) }
func (b *Builder) UndefLong() *ir.Const   { return b.undef(b.ctx.I64()) }
func (b *Builder) UndefULong() *ir.Const  { return b.undef(b.ctx.I64()) }
func (b *Builder) UndefFloat() *ir.Const  { return b.undef(b.ctx.Float()) }

func (b *Builder) UndefSByte2() *ir.Const  { return b.undefVector(b.ctx.I8(), 2) }
func (b *Builder) UndefSByte4() *ir.Const  { return b.undefVector(b.ctx.I8(), 4) }
func (b *Builder) UndefByte2() *ir.Const   { return b.undefVector(b.ctx.I8(), 2) }
func (b *Builder) UndefByte4() *ir.Const   { return b.undefVector(b.ctx.I8(), 4) }
func (b *Builder) UndefShort2() *ir.Const  { return b.undefVector(b.ctx.I16(), 2) }
func (b *Builder) UndefShort4() *ir.Const  { return b.undefVector(b.ctx.I16(), 4) }
func (b *Builder) UndefUShort2() *ir.Const { return b.undefVector(b.ctx.I16(), 2) }
func (b *Builder) UndefUShort4() *ir.Const { return b.undefVector(b.ctx.I16(), 4) }
func (b *Builder) UndefInt2() *ir.Const    { return b.undefVector(b.ctx.I32(), 2) }
func (b *Builder) UndefInt4() *ir.Const    { return b.undefVector(b.ctx.I32(), 4) }
func (b *Builder) UndefUInt2() *ir.Const   { return b.undefVector(b.ctx.I32(), 2) }
func (b *Builder) UndefUInt4() *ir.Const   { return b.undefVector(b.ctx.I32(), 4) }
func (b *Builder) UndefLong2() *ir.Const   { return b.undefVector(b.ctx.I64(), 2) }
func (b *Builder) UndefLong4() *ir.Const   { return b.undefVector(b.ctx.I64(), 4) }
func (b *Builder) UndefULong2() *ir.Const  { return b.undefVector(b.ctx.I64(), 2) }
func (b *Builder) UndefULong4() *ir.Const  { return b.undefVector(b.ctx.I64(), 4) }
func (b *Builder) UndefFloat2() *ir.Const  { return b.undefVector(b.ctx.Float(), 2) }
func (b *Builder) UndefFloat4() *ir.Const  { return b.undefVector(b.ctx.Float(), 4) }
