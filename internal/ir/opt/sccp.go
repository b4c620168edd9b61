package opt

import "github.com/tinyrange/reactor/internal/ir"

// sccp is sparse conditional constant propagation: values start unknown,
// only edges proven executable contribute to phis, and branches on
// constants make their other edge dead.
type sccp struct{}

func (sccp) Name() string { return "sccp" }

type latticeState uint8

const (
	unknown latticeState = iota
	constant
	overdefined
)

type lattice struct {
	state latticeState
	c     *ir.Const
}

type sccpSolver struct {
	fn        *ir.Function
	values    map[*ir.Instr]lattice
	execBlock map[*ir.Block]bool
	execEdge  map[[2]*ir.Block]bool
	users     map[*ir.Instr][]*ir.Instr
	blockWork []*ir.Block
	instrWork []*ir.Instr
}

func (sccp) Run(fn *ir.Function) bool {
	if fn.Entry() == nil {
		return false
	}
	s := &sccpSolver{
		fn:        fn,
		values:    make(map[*ir.Instr]lattice),
		execBlock: make(map[*ir.Block]bool),
		execEdge:  make(map[[2]*ir.Block]bool),
		users:     ir.Users(fn),
	}
	s.markBlock(fn.Entry())
	for len(s.blockWork) > 0 || len(s.instrWork) > 0 {
		for len(s.blockWork) > 0 {
			b := s.blockWork[len(s.blockWork)-1]
			s.blockWork = s.blockWork[:len(s.blockWork)-1]
			for _, in := range b.Instrs() {
				s.visit(in)
			}
		}
		for len(s.instrWork) > 0 {
			in := s.instrWork[len(s.instrWork)-1]
			s.instrWork = s.instrWork[:len(s.instrWork)-1]
			if in.Block() != nil && s.execBlock[in.Block()] {
				s.visit(in)
			}
		}
	}
	return s.rewrite()
}

func (s *sccpSolver) markBlock(b *ir.Block) {
	if s.execBlock[b] {
		return
	}
	s.execBlock[b] = true
	s.blockWork = append(s.blockWork, b)
}

func (s *sccpSolver) markEdge(from, to *ir.Block) {
	key := [2]*ir.Block{from, to}
	if s.execEdge[key] {
		return
	}
	s.execEdge[key] = true
	if s.execBlock[to] {
		// New edge into a visited block: its phis must be re-evaluated.
		for _, phi := range to.Phis() {
			s.instrWork = append(s.instrWork, phi)
		}
		return
	}
	s.markBlock(to)
}

func (s *sccpSolver) valueOf(v ir.Value) lattice {
	switch v := v.(type) {
	case *ir.Const:
		if v.IsUndef() {
			return lattice{state: unknown}
		}
		return lattice{state: constant, c: v}
	case *ir.Instr:
		return s.values[v]
	}
	return lattice{state: overdefined}
}

func (s *sccpSolver) update(in *ir.Instr, next lattice) {
	cur := s.values[in]
	if cur.state == overdefined || (cur.state == next.state && (next.state != constant || cur.c.Equal(next.c))) {
		return
	}
	if cur.state == constant && next.state == constant {
		next = lattice{state: overdefined}
	}
	s.values[in] = next
	s.instrWork = append(s.instrWork, s.users[in]...)
}

func (s *sccpSolver) visit(in *ir.Instr) {
	switch in.Op() {
	case ir.OpPhi:
		s.visitPhi(in)
		return
	case ir.OpBr:
		s.markEdge(in.Block(), in.Targets()[0])
		return
	case ir.OpCondBr:
		cond := s.valueOf(in.Operand(0))
		switch cond.state {
		case constant:
			if cond.c.Uint() != 0 {
				s.markEdge(in.Block(), in.Targets()[0])
			} else {
				s.markEdge(in.Block(), in.Targets()[1])
			}
		case overdefined:
			s.markEdge(in.Block(), in.Targets()[0])
			s.markEdge(in.Block(), in.Targets()[1])
		}
		return
	}
	if !in.HasResult() {
		return
	}
	if !in.IsPure() {
		s.update(in, lattice{state: overdefined})
		return
	}

	operands := make([]ir.Value, in.NumOperands())
	for i, op := range in.Operands() {
		l := s.valueOf(op)
		switch l.state {
		case unknown:
			if in.Op() == ir.OpSelect && i > 0 {
				operands[i] = op
				continue
			}
			return
		case overdefined:
			if in.Op() == ir.OpSelect && i > 0 {
				operands[i] = op
				continue
			}
			s.update(in, lattice{state: overdefined})
			return
		}
		operands[i] = l.c
	}
	probe := ir.NewInstr(in.Op(), in.Type(), operands...)
	probe.SetPred(in.Pred())
	v, ok := ir.FoldInstr(probe)
	if !ok {
		s.update(in, lattice{state: overdefined})
		return
	}
	if in.Op() == ir.OpSelect {
		v = s.resolveSelectArm(v)
		if v == nil {
			return
		}
	}
	if c, isConst := v.(*ir.Const); isConst && !c.IsUndef() {
		s.update(in, lattice{state: constant, c: c})
		return
	}
	s.update(in, lattice{state: overdefined})
}

// resolveSelectArm maps the chosen select arm to its lattice constant.
func (s *sccpSolver) resolveSelectArm(v ir.Value) ir.Value {
	l := s.valueOf(v)
	switch l.state {
	case constant:
		return l.c
	case unknown:
		return nil
	}
	return v
}

func (s *sccpSolver) visitPhi(phi *ir.Instr) {
	result := lattice{state: unknown}
	for i, pred := range phi.Targets() {
		if !s.execEdge[[2]*ir.Block{pred, phi.Block()}] {
			continue
		}
		l := s.valueOf(phi.Operand(i))
		switch l.state {
		case unknown:
			continue
		case overdefined:
			s.update(phi, l)
			return
		}
		if result.state == constant && !result.c.Equal(l.c) {
			s.update(phi, lattice{state: overdefined})
			return
		}
		result = l
	}
	if result.state == constant {
		s.update(phi, result)
	}
}

func (s *sccpSolver) rewrite() bool {
	changed := false
	for _, b := range s.fn.Blocks() {
		if !s.execBlock[b] {
			continue
		}
		for _, in := range append([]*ir.Instr(nil), b.Instrs()...) {
			if l := s.values[in]; l.state == constant && !in.HasSideEffects() {
				replaceInstr(s.fn, in, l.c)
				changed = true
			}
		}
		term := b.Terminator()
		if term == nil || term.Op() != ir.OpCondBr {
			continue
		}
		ifTrue, ifFalse := term.Targets()[0], term.Targets()[1]
		liveTrue := s.execEdge[[2]*ir.Block{b, ifTrue}]
		liveFalse := s.execEdge[[2]*ir.Block{b, ifFalse}]
		if liveTrue == liveFalse || ifTrue == ifFalse {
			continue
		}
		keep, drop := ifTrue, ifFalse
		if liveFalse {
			keep, drop = ifFalse, ifTrue
		}
		removeEdge(b, drop)
		replaceTerminator(b, term, keep)
		changed = true
	}
	return RemoveUnreachableBlocks(s.fn) || changed
}
