package ir

// DomTree is the dominator tree of a function, computed with the
// Cooper-Harvey-Kennedy iterative algorithm over reverse post-order.
type DomTree struct {
	fn       *Function
	rpo      []*Block
	order    map[*Block]int
	idom     map[*Block]*Block
	children map[*Block][]*Block
	preds    map[*Block][]*Block
	frontier map[*Block][]*Block
}

// ComputeDominators builds the dominator tree of fn. Unreachable blocks are
// absent from the tree.
func ComputeDominators(fn *Function) *DomTree {
	dt := &DomTree{
		fn:       fn,
		order:    make(map[*Block]int),
		idom:     make(map[*Block]*Block),
		children: make(map[*Block][]*Block),
		preds:    Predecessors(fn),
	}
	entry := fn.Entry()
	if entry == nil {
		return dt
	}

	visited := make(map[*Block]bool)
	var post []*Block
	var walk func(b *Block)
	walk = func(b *Block) {
		visited[b] = true
		for _, s := range b.Succs() {
			if s != nil && !visited[s] {
				walk(s)
			}
		}
		post = append(post, b)
	}
	walk(entry)
	for i := len(post) - 1; i >= 0; i-- {
		dt.order[post[i]] = len(dt.rpo)
		dt.rpo = append(dt.rpo, post[i])
	}

	dt.idom[entry] = entry
	for changed := true; changed; {
		changed = false
		for _, b := range dt.rpo[1:] {
			var newIdom *Block
			for _, p := range dt.preds[b] {
				if _, ok := dt.idom[p]; !ok {
					continue
				}
				if newIdom == nil {
					newIdom = p
				} else {
					newIdom = dt.intersect(p, newIdom)
				}
			}
			if newIdom != nil && dt.idom[b] != newIdom {
				dt.idom[b] = newIdom
				changed = true
			}
		}
	}
	for _, b := range dt.rpo[1:] {
		parent := dt.idom[b]
		dt.children[parent] = append(dt.children[parent], b)
	}
	return dt
}

func (dt *DomTree) intersect(a, b *Block) *Block {
	for a != b {
		for dt.order[a] > dt.order[b] {
			a = dt.idom[a]
		}
		for dt.order[b] > dt.order[a] {
			b = dt.idom[b]
		}
	}
	return a
}

// RPO returns the reachable blocks in reverse post-order.
func (dt *DomTree) RPO() []*Block { return dt.rpo }

// Preds returns the predecessors of b.
func (dt *DomTree) Preds(b *Block) []*Block { return dt.preds[b] }

// Reachable reports whether b is reachable from the entry block.
func (dt *DomTree) Reachable(b *Block) bool {
	_, ok := dt.order[b]
	return ok
}

// IDom returns the immediate dominator of b, or nil for the entry block and
// unreachable blocks.
func (dt *DomTree) IDom(b *Block) *Block {
	d, ok := dt.idom[b]
	if !ok || d == b {
		return nil
	}
	return d
}

// Children returns the blocks immediately dominated by b.
func (dt *DomTree) Children(b *Block) []*Block { return dt.children[b] }

// Dominates reports whether a dominates b. Every block dominates itself.
func (dt *DomTree) Dominates(a, b *Block) bool {
	if !dt.Reachable(a) || !dt.Reachable(b) {
		return false
	}
	for {
		if a == b {
			return true
		}
		next := dt.idom[b]
		if next == b {
			return false
		}
		b = next
	}
}

// InstrDominates reports whether def dominates the use at user. For phi
// users the use is at the end of the incoming block pred.
func (dt *DomTree) InstrDominates(def, user *Instr, pred *Block) bool {
	if user.op == OpPhi {
		return dt.Dominates(def.block, pred)
	}
	if def.block != user.block {
		return dt.Dominates(def.block, user.block)
	}
	return def.block.indexOf(def) < user.block.indexOf(user)
}

// Frontier returns the dominance frontier of b.
func (dt *DomTree) Frontier(b *Block) []*Block {
	if dt.frontier == nil {
		dt.computeFrontiers()
	}
	return dt.frontier[b]
}

func (dt *DomTree) computeFrontiers() {
	dt.frontier = make(map[*Block][]*Block)
	seen := make(map[[2]*Block]bool)
	for _, b := range dt.rpo {
		preds := dt.preds[b]
		if len(preds) < 2 {
			continue
		}
		for _, p := range preds {
			if !dt.Reachable(p) {
				continue
			}
			for runner := p; runner != dt.idom[b]; runner = dt.idom[runner] {
				key := [2]*Block{runner, b}
				if !seen[key] {
					seen[key] = true
					dt.frontier[runner] = append(dt.frontier[runner], b)
				}
				if runner == dt.idom[runner] {
					break
				}
			}
		}
	}
}

// Loop is a natural loop discovered from a back edge.
type Loop struct {
	Header *Block
	Blocks map[*Block]bool
	// Preheader is the unique out-of-loop predecessor of the header that
	// branches only to it, or nil.
	Preheader *Block
}

// Contains reports whether b belongs to the loop.
func (l *Loop) Contains(b *Block) bool { return l.Blocks[b] }

// FindLoops returns the natural loops of fn, one per header, inner loops
// first.
func FindLoops(dt *DomTree) []*Loop {
	byHeader := make(map[*Block]*Loop)
	var headers []*Block
	for _, b := range dt.rpo {
		for _, s := range b.Succs() {
			if !dt.Dominates(s, b) {
				continue
			}
			l, ok := byHeader[s]
			if !ok {
				l = &Loop{Header: s, Blocks: map[*Block]bool{s: true}}
				byHeader[s] = l
				headers = append(headers, s)
			}
			stack := []*Block{b}
			for len(stack) > 0 {
				n := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				if l.Blocks[n] {
					continue
				}
				l.Blocks[n] = true
				for _, p := range dt.preds[n] {
					if dt.Reachable(p) {
						stack = append(stack, p)
					}
				}
			}
		}
	}
	loops := make([]*Loop, 0, len(headers))
	for i := len(headers) - 1; i >= 0; i-- {
		l := byHeader[headers[i]]
		var outside []*Block
		for _, p := range dt.preds[l.Header] {
			if !l.Blocks[p] {
				outside = append(outside, p)
			}
		}
		if len(outside) == 1 && len(outside[0].Succs()) == 1 {
			l.Preheader = outside[0]
		}
		loops = append(loops, l)
	}
	return loops
}
