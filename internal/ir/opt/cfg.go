package opt

import "github.com/tinyrange/reactor/internal/ir"

// simplifyCFG folds constant branches, drops unreachable blocks, merges
// blocks into their sole predecessor and bypasses empty forwarding blocks.
type simplifyCFG struct{}

func (simplifyCFG) Name() string { return "cfg-simplification" }

func (simplifyCFG) Run(fn *ir.Function) bool {
	changed := false
	for {
		step := foldBranches(fn)
		step = RemoveUnreachableBlocks(fn) || step
		step = mergeIntoPredecessor(fn) || step
		step = bypassForwarders(fn) || step
		if !step {
			return changed
		}
		changed = true
	}
}

// foldBranches rewrites conditional branches whose condition is constant or
// whose arms agree into unconditional ones.
func foldBranches(fn *ir.Function) bool {
	changed := false
	for _, b := range fn.Blocks() {
		term := b.Terminator()
		if term == nil || term.Op() != ir.OpCondBr {
			continue
		}
		ifTrue, ifFalse := term.Targets()[0], term.Targets()[1]
		var keep, drop *ir.Block
		switch {
		case ifTrue == ifFalse:
			keep = ifTrue
		default:
			c, ok := constOf(term.Operand(0))
			if !ok {
				continue
			}
			if c.Uint() != 0 {
				keep, drop = ifTrue, ifFalse
			} else {
				keep, drop = ifFalse, ifTrue
			}
		}
		if drop != nil {
			removeEdge(b, drop)
		}
		replaceTerminator(b, term, keep)
		changed = true
	}
	return changed
}

func replaceTerminator(b *ir.Block, term *ir.Instr, dest *ir.Block) {
	term.EraseFromParent()
	ir.NewBuilder(b.Parent().Module().Context()).SetInsertPoint(b).Br(dest)
}

// mergeIntoPredecessor folds a block into its single predecessor when that
// predecessor jumps only to it.
func mergeIntoPredecessor(fn *ir.Function) bool {
	changed := false
	for {
		preds := ir.Predecessors(fn)
		merged := false
		for _, b := range fn.Blocks() {
			if b == fn.Entry() {
				continue
			}
			ps := preds[b]
			if len(ps) != 1 {
				continue
			}
			pred := ps[0]
			if pred == b {
				continue
			}
			term := pred.Terminator()
			if term == nil || term.Op() != ir.OpBr {
				continue
			}
			for _, phi := range b.Phis() {
				v, _ := phi.Incoming(pred)
				if v == nil {
					v = ir.Undef(phi.Type())
				}
				replaceInstr(fn, phi, v)
			}
			term.EraseFromParent()
			for _, in := range append([]*ir.Instr(nil), b.Instrs()...) {
				in.EraseFromParent()
				pred.Insert(pred.Len(), in)
			}
			for _, succ := range pred.Succs() {
				for _, phi := range succ.Phis() {
					phi.ReplaceTarget(b, pred)
				}
			}
			fn.RemoveBlock(b)
			merged = true
			break
		}
		if !merged {
			return changed
		}
		changed = true
	}
}

// bypassForwarders redirects predecessors of a block holding only "br dest"
// straight to dest.
func bypassForwarders(fn *ir.Function) bool {
	changed := false
	for {
		preds := ir.Predecessors(fn)
		bypassed := false
		for _, b := range fn.Blocks() {
			if b == fn.Entry() || b.Len() != 1 {
				continue
			}
			term := b.Terminator()
			if term == nil || term.Op() != ir.OpBr {
				continue
			}
			dest := term.Targets()[0]
			if dest == b || !canBypass(b, dest, preds) {
				continue
			}
			for _, phi := range dest.Phis() {
				v, _ := phi.Incoming(b)
				phi.RemoveIncoming(b)
				for _, p := range preds[b] {
					phi.AddIncoming(v, p)
				}
			}
			for _, p := range preds[b] {
				p.Terminator().ReplaceTarget(b, dest)
			}
			fn.RemoveBlock(b)
			bypassed = true
			break
		}
		if !bypassed {
			return changed
		}
		changed = true
	}
}

func canBypass(b, dest *ir.Block, preds map[*ir.Block][]*ir.Block) bool {
	if len(preds[b]) == 0 {
		return false
	}
	if len(dest.Phis()) == 0 {
		return true
	}
	destPreds := make(map[*ir.Block]bool)
	for _, p := range preds[dest] {
		destPreds[p] = true
	}
	for _, p := range preds[b] {
		if destPreds[p] {
			return false
		}
		// A conditional branch with both arms through b would need two
		// phi entries for the same predecessor.
		seen := 0
		for _, t := range p.Terminator().Targets() {
			if t == b {
				seen++
			}
		}
		if seen > 1 {
			return false
		}
	}
	return true
}
