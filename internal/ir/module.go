// Package ir is a typed SSA intermediate representation: modules of globals
// and functions made of basic blocks, with a builder, a textual printer,
// dominator analysis, constant folding and a verifier.
package ir

import "fmt"

// Module is a translation unit: globals and functions sharing one Context.
type Module struct {
	ctx        *Context
	name       string
	triple     string
	dataLayout DataLayout
	globals    []*Global
	funcs      []*Function
}

// NewModule creates an empty module.
func NewModule(ctx *Context, name string) *Module {
	return &Module{ctx: ctx, name: name}
}

func (m *Module) Name() string                { return m.name }
func (m *Module) Context() *Context           { return m.ctx }
func (m *Module) Triple() string              { return m.triple }
func (m *Module) SetTriple(t string)          { m.triple = t }
func (m *Module) DataLayout() DataLayout      { return m.dataLayout }
func (m *Module) SetDataLayout(dl DataLayout) { m.dataLayout = dl }
func (m *Module) Globals() []*Global          { return m.globals }
func (m *Module) Functions() []*Function      { return m.funcs }

// NewGlobal adds a global of valueType. A nil init means zero-initialized.
func (m *Module) NewGlobal(name string, valueType *Type, init *Const) *Global {
	if !valueType.IsFirstClass() {
		panic(fmt.Sprintf("ir: global %q of non first-class type %s", name, valueType))
	}
	g := &Global{module: m, name: name, valueType: valueType, init: init}
	m.globals = append(m.globals, g)
	return g
}

// NewFunction adds a function of signature sig with no body.
func (m *Module) NewFunction(name string, sig *Type) *Function {
	if !sig.IsFunc() {
		panic(fmt.Sprintf("ir: function %q with non-function type %s", name, sig))
	}
	f := &Function{module: m, name: name, sig: sig}
	for i, pt := range sig.params {
		f.params = append(f.params, &Param{fn: f, index: i, typ: pt})
	}
	m.funcs = append(m.funcs, f)
	return f
}

// GetOrInsertFunction returns the function named name, declaring it with sig
// when absent. An existing function is returned as is even when its
// signature differs; the verifier reports the disagreement at call sites.
func (m *Module) GetOrInsertFunction(name string, sig *Type) *Function {
	if f := m.Function(name); f != nil {
		return f
	}
	return m.NewFunction(name, sig)
}

// Function looks a function up by name.
func (m *Module) Function(name string) *Function {
	if name == "" {
		return nil
	}
	for _, f := range m.funcs {
		if f.name == name {
			return f
		}
	}
	return nil
}

// Global looks a global up by name.
func (m *Module) Global(name string) *Global {
	for _, g := range m.globals {
		if g.name == name {
			return g
		}
	}
	return nil
}

// RemoveFunction drops an unreferenced function.
func (m *Module) RemoveFunction(f *Function) {
	for i, cur := range m.funcs {
		if cur == f {
			m.funcs = append(m.funcs[:i], m.funcs[i+1:]...)
			return
		}
	}
}

// Definitions returns the functions that have bodies.
func (m *Module) Definitions() []*Function {
	var defs []*Function
	for _, f := range m.funcs {
		if !f.IsDeclaration() {
			defs = append(defs, f)
		}
	}
	return defs
}

// Declarations returns the body-less functions.
func (m *Module) Declarations() []*Function {
	var decls []*Function
	for _, f := range m.funcs {
		if f.IsDeclaration() {
			decls = append(decls, f)
		}
	}
	return decls
}
