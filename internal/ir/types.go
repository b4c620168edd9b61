package ir

import (
	"fmt"
	"strings"
)

// TypeKind classifies a Type.
type TypeKind uint8

const (
	VoidKind TypeKind = iota
	IntKind
	FloatKind
	PtrKind
	VectorKind
	FuncKind
)

func (k TypeKind) String() string {
	switch k {
	case VoidKind:
		return "void"
	case IntKind:
		return "int"
	case FloatKind:
		return "float"
	case PtrKind:
		return "ptr"
	case VectorKind:
		return "vector"
	case FuncKind:
		return "func"
	default:
		return fmt.Sprintf("TypeKind(%d)", uint8(k))
	}
}

// Type is an interned IR type. Types obtained from the same Context can be
// compared with ==.
type Type struct {
	kind   TypeKind
	bits   int
	elem   *Type
	lanes  int
	result *Type
	params []*Type
	str    string
}

func (t *Type) Kind() TypeKind { return t.kind }

// Bits returns the width of an integer type, 32 for float and 64 for ptr.
func (t *Type) Bits() int { return t.bits }

func (t *Type) IsVoid() bool   { return t.kind == VoidKind }
func (t *Type) IsInt() bool    { return t.kind == IntKind }
func (t *Type) IsFloat() bool  { return t.kind == FloatKind }
func (t *Type) IsPtr() bool    { return t.kind == PtrKind }
func (t *Type) IsVector() bool { return t.kind == VectorKind }
func (t *Type) IsFunc() bool   { return t.kind == FuncKind }

// IsBool reports whether t is i1.
func (t *Type) IsBool() bool { return t.kind == IntKind && t.bits == 1 }

// Elem returns the lane type of a vector.
func (t *Type) Elem() *Type { return t.elem }

// Lanes returns the lane count of a vector and 1 for scalars.
func (t *Type) Lanes() int {
	if t.kind == VectorKind {
		return t.lanes
	}
	return 1
}

// Scalar returns the lane type of a vector or t itself.
func (t *Type) Scalar() *Type {
	if t.kind == VectorKind {
		return t.elem
	}
	return t
}

// Result returns the result type of a function type.
func (t *Type) Result() *Type { return t.result }

// Params returns the parameter types of a function type.
func (t *Type) Params() []*Type { return t.params }

// IsIntLike reports whether t is an integer or a vector of integers.
func (t *Type) IsIntLike() bool { return t.Scalar().kind == IntKind }

// IsFloatLike reports whether t is a float or a vector of floats.
func (t *Type) IsFloatLike() bool { return t.Scalar().kind == FloatKind }

// IsFirstClass reports whether values of t can be produced by instructions,
// stored and loaded.
func (t *Type) IsFirstClass() bool {
	switch t.kind {
	case IntKind, FloatKind, PtrKind, VectorKind:
		return true
	}
	return false
}

// Size is the store size in bytes. i1 occupies one byte.
func (t *Type) Size() int {
	switch t.kind {
	case IntKind:
		return (t.bits + 7) / 8
	case FloatKind:
		return 4
	case PtrKind:
		return 8
	case VectorKind:
		return t.lanes * t.elem.Size()
	}
	return 0
}

// Align is the ABI alignment in bytes.
func (t *Type) Align() int {
	switch t.kind {
	case VectorKind:
		size := t.Size()
		align := 1
		for align < size && align < 16 {
			align <<= 1
		}
		return align
	case VoidKind, FuncKind:
		return 1
	}
	return t.Size()
}

func (t *Type) String() string {
	if t == nil {
		return "<nil>"
	}
	return t.str
}

// Context interns types. A Context is not safe for concurrent use; each
// builder owns one.
type Context struct {
	types map[string]*Type
}

// NewContext returns an empty type context.
func NewContext() *Context {
	return &Context{types: make(map[string]*Type)}
}

func (c *Context) intern(t *Type) *Type {
	if existing, ok := c.types[t.str]; ok {
		return existing
	}
	c.types[t.str] = t
	return t
}

func (c *Context) Void() *Type {
	return c.intern(&Type{kind: VoidKind, str: "void"})
}

// Int returns the integer type of the given width. Supported widths are 1,
// 8, 16, 32 and 64.
func (c *Context) Int(bits int) *Type {
	switch bits {
	case 1, 8, 16, 32, 64:
	default:
		panic(fmt.Sprintf("ir: unsupported integer width %d", bits))
	}
	return c.intern(&Type{kind: IntKind, bits: bits, str: fmt.Sprintf("i%d", bits)})
}

func (c *Context) I1() *Type  { return c.Int(1) }
func (c *Context) I8() *Type  { return c.Int(8) }
func (c *Context) I16() *Type { return c.Int(16) }
func (c *Context) I32() *Type { return c.Int(32) }
func (c *Context) I64() *Type { return c.Int(64) }

// Float returns the 32-bit IEEE float type.
func (c *Context) Float() *Type {
	return c.intern(&Type{kind: FloatKind, bits: 32, str: "float"})
}

// Ptr returns the opaque pointer type.
func (c *Context) Ptr() *Type {
	return c.intern(&Type{kind: PtrKind, bits: 64, str: "ptr"})
}

// Vector returns a fixed vector of lanes elements.
func (c *Context) Vector(elem *Type, lanes int) *Type {
	if elem == nil || (elem.kind != IntKind && elem.kind != FloatKind && elem.kind != PtrKind) {
		panic(fmt.Sprintf("ir: invalid vector element %s", elem))
	}
	if lanes < 1 {
		panic(fmt.Sprintf("ir: invalid vector lane count %d", lanes))
	}
	return c.intern(&Type{
		kind:  VectorKind,
		elem:  elem,
		lanes: lanes,
		bits:  elem.bits * lanes,
		str:   fmt.Sprintf("<%d x %s>", lanes, elem),
	})
}

// Func returns the function type result(params...).
func (c *Context) Func(result *Type, params ...*Type) *Type {
	var sb strings.Builder
	sb.WriteString(result.String())
	sb.WriteString(" (")
	for i, p := range params {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(p.String())
	}
	sb.WriteString(")")
	return c.intern(&Type{
		kind:   FuncKind,
		result: result,
		params: append([]*Type(nil), params...),
		str:    sb.String(),
	})
}

// BoolFor returns i1 for scalars and a vector of i1 with the same lane count
// for vectors. It is the result type of comparisons.
func (c *Context) BoolFor(t *Type) *Type {
	if t.kind == VectorKind {
		return c.Vector(c.I1(), t.lanes)
	}
	return c.I1()
}

// WithScalar returns t with its scalar part replaced by s.
func (c *Context) WithScalar(t, s *Type) *Type {
	if t.kind == VectorKind {
		return c.Vector(s, t.lanes)
	}
	return s
}

// DataLayout describes the target memory model.
type DataLayout struct {
	BigEndian   bool
	PointerSize int
	StackAlign  int
	Mangling    byte
}

// String renders the layout in the LLVM data layout string format.
func (dl DataLayout) String() string {
	var sb strings.Builder
	if dl.BigEndian {
		sb.WriteString("E")
	} else {
		sb.WriteString("e")
	}
	if dl.Mangling != 0 {
		fmt.Fprintf(&sb, "-m:%c", dl.Mangling)
	}
	fmt.Fprintf(&sb, "-p:%d:%d", dl.PointerSize*8, dl.PointerSize*8)
	sb.WriteString("-i64:64-f80:128-n8:16:32:64")
	fmt.Fprintf(&sb, "-S%d", dl.StackAlign*8)
	return sb.String()
}
