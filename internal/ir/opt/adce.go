package opt

import "github.com/tinyrange/reactor/internal/ir"

// adce assumes every instruction dead until it is reached from a root with
// side effects. Unlike use-count DCE it removes dead phi cycles.
type adce struct{}

func (adce) Name() string { return "adce" }

func (adce) Run(fn *ir.Function) bool {
	live := make(map[*ir.Instr]bool)
	var work []*ir.Instr
	fn.Instructions(func(in *ir.Instr) {
		if in.HasSideEffects() {
			live[in] = true
			work = append(work, in)
		}
	})
	for len(work) > 0 {
		in := work[len(work)-1]
		work = work[:len(work)-1]
		for _, op := range in.Operands() {
			def, ok := op.(*ir.Instr)
			if !ok || live[def] {
				continue
			}
			live[def] = true
			work = append(work, def)
		}
	}

	var dead []*ir.Instr
	fn.Instructions(func(in *ir.Instr) {
		if !live[in] {
			dead = append(dead, in)
		}
	})
	for _, in := range dead {
		in.EraseFromParent()
	}
	return len(dead) > 0
}
