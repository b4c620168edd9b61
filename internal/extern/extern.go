// Package extern is the fixed table of runtime functions that compiled code
// may call by name. The same table drives call-site emission (names and
// signatures) and link-time symbol resolution (native addresses).
//
// Every external uses one native calling convention, uint64 fn(uint64 *argv):
// argument i occupies the 8-byte slot argv[i] as raw, zero-padded bits and
// the raw bits of the result come back in the integer return register.
package extern

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/reactor/internal/ir"
)

// ID identifies an external. IDs are stable across runs.
type ID int32

const (
	SinF                    ID = 1
	CosF                    ID = 2
	TanF                    ID = 3
	SinF2                   ID = 4
	CosF2                   ID = 5
	TanF2                   ID = 6
	SinCosF2R               ID = 7
	CosSinF2R               ID = 8
	BuiltinV8Trampoline     ID = 9
	BuiltinCheckHostContext ID = 10
)

const (
	// TrampolineName and CheckHostContextName are the two builtins every
	// compiled module links against.
	TrampolineName       = "__builtin_v8_trampoline"
	CheckHostContextName = "__builtin_check_host_context"
)

// ErrUnknownExternal is returned for an ID that is not in the table.
var ErrUnknownExternal = errors.New("unknown external")

// Entry describes one external.
type Entry struct {
	ID        ID
	Name      string
	Signature func(ctx *ir.Context) *ir.Type
	// Impl is the Go implementation behind the native entry point.
	Impl func(argv []uint64) uint64
}

// Table maps IDs and names to externals and their native addresses.
type Table struct {
	entries []Entry
	natives map[string]uintptr
}

func floatFloat(ctx *ir.Context) *ir.Type {
	return ctx.Func(ctx.Float(), ctx.Float())
}

func float2Float2(ctx *ir.Context) *ir.Type {
	f2 := ctx.Vector(ctx.Float(), 2)
	return ctx.Func(f2, f2)
}

func unary(fn func(float64) float64) func(argv []uint64) uint64 {
	return func(argv []uint64) uint64 {
		x := math.Float32frombits(uint32(argv[0]))
		return uint64(math.Float32bits(float32(fn(float64(x)))))
	}
}

// lanes applies lo to lane 0 and hi to lane 1 of a packed <2 x float>.
func lanes(lo, hi func(float64) float64) func(argv []uint64) uint64 {
	return func(argv []uint64) uint64 {
		x, y := UnpackFloat2(argv[0])
		return PackFloat2(float32(lo(float64(x))), float32(hi(float64(y))))
	}
}

// PackFloat2 returns the in-memory image of a <2 x float>.
func PackFloat2(x, y float32) uint64 {
	return uint64(math.Float32bits(x)) | uint64(math.Float32bits(y))<<32
}

// UnpackFloat2 splits a packed <2 x float>.
func UnpackFloat2(v uint64) (float32, float32) {
	return math.Float32frombits(uint32(v)), math.Float32frombits(uint32(v >> 32))
}

var builtinEntries = []Entry{
	{ID: SinF, Name: "sinf", Signature: floatFloat, Impl: unary(math.Sin)},
	{ID: CosF, Name: "cosf", Signature: floatFloat, Impl: unary(math.Cos)},
	{ID: TanF, Name: "tanf", Signature: floatFloat, Impl: unary(math.Tan)},
	{ID: SinF2, Name: "sinf2", Signature: float2Float2, Impl: lanes(math.Sin, math.Sin)},
	{ID: CosF2, Name: "cosf2", Signature: float2Float2, Impl: lanes(math.Cos, math.Cos)},
	{ID: TanF2, Name: "tanf2", Signature: float2Float2, Impl: lanes(math.Tan, math.Tan)},
	{ID: SinCosF2R, Name: "sincosf2r", Signature: float2Float2, Impl: lanes(math.Sin, math.Cos)},
	{ID: CosSinF2R, Name: "cossinf2r", Signature: float2Float2, Impl: lanes(math.Cos, math.Sin)},
	{
		ID:   BuiltinV8Trampoline,
		Name: TrampolineName,
		Signature: func(ctx *ir.Context) *ir.Type {
			return ctx.Func(ctx.Void(), ctx.Ptr(), ctx.I32())
		},
		Impl: func(argv []uint64) uint64 {
			if r := currentResolver(); r != nil {
				r.Trampoline(uintptr(argv[0]), uint32(argv[1]))
			}
			return 0
		},
	},
	{
		ID:   BuiltinCheckHostContext,
		Name: CheckHostContextName,
		Signature: func(ctx *ir.Context) *ir.Type {
			return ctx.Func(ctx.I32(), ctx.Ptr())
		},
		Impl: func(argv []uint64) uint64 {
			r := currentResolver()
			if r == nil {
				return 1
			}
			return uint64(uint32(r.CheckHostContext(uintptr(argv[0]))))
		},
	},
}

// HostResolver backs the two host-context builtins.
type HostResolver interface {
	// CheckHostContext returns 0 when ptr is a live host context with the
	// expected magic number and 1 otherwise.
	CheckHostContext(ptr uintptr) int32
	// Trampoline invokes the handle registered under id in the context at
	// ptr, if any.
	Trampoline(ptr uintptr, id uint32)
}

type resolverBox struct{ r HostResolver }

var resolver atomic.Pointer[resolverBox]

// SetHostResolver installs the process-wide resolver used by the builtins.
func SetHostResolver(r HostResolver) {
	if r == nil {
		resolver.Store(nil)
		return
	}
	resolver.Store(&resolverBox{r: r})
}

func currentResolver() HostResolver {
	if box := resolver.Load(); box != nil {
		return box.r
	}
	return nil
}

var (
	defaultOnce  sync.Once
	defaultTable *Table
)

// Default returns the process-wide table. Native entry points are created
// on first use and live for the rest of the process.
func Default() *Table {
	defaultOnce.Do(func() {
		t := &Table{
			entries: append([]Entry(nil), builtinEntries...),
			natives: make(map[string]uintptr, len(builtinEntries)),
		}
		for _, e := range t.entries {
			if addr := nativeEntry(e.Impl); addr != 0 {
				t.natives[e.Name] = addr
			}
		}
		defaultTable = t
	})
	return defaultTable
}

// LookupByName returns the native address of the external called name.
func (t *Table) LookupByName(name string) (uintptr, bool) {
	addr, ok := t.natives[name]
	return addr, ok && addr != 0
}

func (t *Table) entry(id ID) (Entry, error) {
	for _, e := range t.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: id %d", ErrUnknownExternal, id)
}

// SignatureFor returns the function type call sites of id must use.
func (t *Table) SignatureFor(id ID, ctx *ir.Context) (*ir.Type, error) {
	e, err := t.entry(id)
	if err != nil {
		return nil, err
	}
	return e.Signature(ctx), nil
}

// NameFor returns the link name of id.
func (t *Table) NameFor(id ID) (string, error) {
	e, err := t.entry(id)
	if err != nil {
		return "", err
	}
	return e.Name, nil
}

// Entries returns the entries sorted by ID.
func (t *Table) Entries() []Entry {
	out := append([]Entry(nil), t.entries...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Without returns a copy whose symbol map omits the named externals. Their
// IDs still resolve for emission, so calls to them compile but fail to link.
func (t *Table) Without(names ...string) *Table {
	c := &Table{
		entries: t.entries,
		natives: make(map[string]uintptr, len(t.natives)),
	}
	for k, v := range t.natives {
		c.natives[k] = v
	}
	for _, n := range names {
		delete(c.natives, n)
	}
	return c
}

// Invoke runs the Go implementation of id directly.
func (t *Table) Invoke(id ID, argv ...uint64) (uint64, error) {
	e, err := t.entry(id)
	if err != nil {
		return 0, err
	}
	sig := e.Signature(ir.NewContext())
	if len(argv) != len(sig.Params()) {
		return 0, fmt.Errorf("extern %s: got %d arguments, want %d", e.Name, len(argv), len(sig.Params()))
	}
	return e.Impl(argv), nil
}

// Validate checks the table invariants: unique non-zero IDs, unique names
// and signatures that fit the argv convention.
func (t *Table) Validate(ctx *ir.Context) error {
	ids := make(map[ID]string)
	names := make(map[string]bool)
	var errs []error
	for _, e := range t.entries {
		if e.ID == 0 {
			errs = append(errs, fmt.Errorf("extern %s: id 0 is reserved", e.Name))
		}
		if prev, dup := ids[e.ID]; dup {
			errs = append(errs, fmt.Errorf("extern %s: id %d already used by %s", e.Name, e.ID, prev))
		}
		ids[e.ID] = e.Name
		if names[e.Name] {
			errs = append(errs, fmt.Errorf("extern %s: duplicate name", e.Name))
		}
		names[e.Name] = true
		sig := e.Signature(ctx)
		if sig == nil || !sig.IsFunc() {
			errs = append(errs, fmt.Errorf("extern %s: signature is not a function type", e.Name))
			continue
		}
		if r := sig.Result(); !r.IsVoid() && !fitsSlot(r) {
			errs = append(errs, fmt.Errorf("extern %s: result %s does not fit an argument slot", e.Name, r))
		}
		for i, p := range sig.Params() {
			if !fitsSlot(p) {
				errs = append(errs, fmt.Errorf("extern %s: parameter %d of type %s does not fit an argument slot", e.Name, i, p))
			}
		}
	}
	return errors.Join(errs...)
}

func fitsSlot(t *ir.Type) bool {
	return t.IsFirstClass() && t.Size() <= 8
}
