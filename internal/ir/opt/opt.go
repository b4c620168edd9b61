// Package opt implements the function passes run between verification and
// code generation.
package opt

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/tinyrange/reactor/internal/ir"
)

// Flags is a bitfield of enabled passes.
type Flags uint32

const (
	CFGSimplification    Flags = 1 << 1
	LICM                 Flags = 1 << 2
	AggressiveDCE        Flags = 1 << 3
	GVN                  Flags = 1 << 4
	InstructionCombining Flags = 1 << 5
	Reassociate          Flags = 1 << 6
	DeadStoreElimination Flags = 1 << 7
	SCCP                 Flags = 1 << 8
	SROA                 Flags = 1 << 9
	EarlyCSE             Flags = 1 << 10

	// DefaultFlags enables the passes used when no list is configured.
	DefaultFlags = CFGSimplification | InstructionCombining | SROA | EarlyCSE
	AllFlags     = CFGSimplification | LICM | AggressiveDCE | GVN | InstructionCombining |
		Reassociate | DeadStoreElimination | SCCP | SROA | EarlyCSE
)

// order is the application order of enabled passes.
var order = []struct {
	flag Flags
	name string
	new  func() Pass
}{
	{CFGSimplification, "cfg-simplification", func() Pass { return simplifyCFG{} }},
	{Reassociate, "reassociate", func() Pass { return reassociate{} }},
	{LICM, "licm", func() Pass { return licm{} }},
	{AggressiveDCE, "adce", func() Pass { return adce{} }},
	{GVN, "gvn", func() Pass { return gvn{} }},
	{InstructionCombining, "instcombine", func() Pass { return instCombine{} }},
	{DeadStoreElimination, "dse", func() Pass { return dse{} }},
	{SCCP, "sccp", func() Pass { return sccp{} }},
	{SROA, "sroa", func() Pass { return sroa{} }},
	{EarlyCSE, "early-cse", func() Pass { return earlyCSE{} }},
}

// ParseFlag maps a pass name to its flag.
func ParseFlag(name string) (Flags, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	for _, p := range order {
		if p.name == key {
			return p.flag, nil
		}
	}
	return 0, fmt.Errorf("opt: unknown pass %q", name)
}

// ParseFlags combines the flags of every named pass.
func ParseFlags(names []string) (Flags, error) {
	var flags Flags
	for _, n := range names {
		f, err := ParseFlag(n)
		if err != nil {
			return 0, err
		}
		flags |= f
	}
	return flags, nil
}

// Names returns the enabled pass names in application order.
func (f Flags) Names() []string {
	var names []string
	for _, p := range order {
		if f&p.flag != 0 {
			names = append(names, p.name)
		}
	}
	return names
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	return strings.Join(f.Names(), ",")
}

// Pass transforms one function and reports whether it changed anything.
type Pass interface {
	Name() string
	Run(fn *ir.Function) bool
}

// Pipeline runs a fixed sequence of passes over every defined function.
type Pipeline struct {
	passes []Pass
}

// New builds the pipeline for flags.
func New(flags Flags) *Pipeline {
	p := &Pipeline{}
	for _, entry := range order {
		if flags&entry.flag != 0 {
			p.passes = append(p.passes, entry.new())
		}
	}
	return p
}

// Passes returns the passes in application order.
func (p *Pipeline) Passes() []Pass { return p.passes }

// Stats counts, per pass name, the functions the pass changed.
type Stats map[string]int

// Run applies the pipeline to m.
func (p *Pipeline) Run(m *ir.Module) Stats {
	stats := make(Stats, len(p.passes))
	for _, pass := range p.passes {
		for _, fn := range m.Definitions() {
			if pass.Run(fn) {
				stats[pass.Name()]++
				slog.Debug("opt: pass changed function", "pass", pass.Name(), "function", fn.Name())
			}
		}
	}
	return stats
}
