//go:build ignore

// This file demonstrates every public API in the reactor package.
// It is excluded from the build and serves as a reference and compile-time check.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"unsafe"

	"github.com/tinyrange/reactor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// =========================================================================
	// Options - defaults, YAML and explicit overrides
	// =========================================================================
	opts, err := reactor.ParseOptions([]byte("opt_level: aggressive\npasses: [cfg-simplification, gvn, instcombine]\n"))
	if err != nil {
		return fmt.Errorf("parse options: %w", err)
	}
	level, err := reactor.ParseOptLevel("default")
	if err != nil {
		return err
	}
	opts.OptLevel = level
	passes, err := reactor.ParsePasses([]string{"sroa", "early-cse"})
	if err != nil {
		return err
	}
	opts.Passes |= passes | reactor.DefaultPasses
	_ = reactor.DefaultOptions()
	_ = reactor.AllPasses

	// =========================================================================
	// Platform - one process-wide session
	// =========================================================================
	if err := reactor.InitializePlatform(opts); err != nil {
		if errors.Is(err, reactor.ErrUnsupportedTarget) {
			fmt.Println("native code generation is not available on this host")
			return nil
		}
		return fmt.Errorf("initialize platform: %w", err)
	}
	defer reactor.DisposePlatform()

	sess, err := reactor.Platform()
	if err != nil {
		return err
	}
	tmb := sess.TargetMachineBuilder()
	fmt.Printf("target %s cpu %s features %s\n", sess.Triple(), tmb.CPU, tmb.FeatureString())

	// =========================================================================
	// Builder - host handles, helper functions, globals and main
	// =========================================================================
	b, err := reactor.NewBuilder("example")
	if err != nil {
		return err
	}
	irctx := b.Context()

	var mod *reactor.Module
	b.InsertHostFunctionSymbol(func() { slog.Info("hello from compiled code") }, "hello")
	b.InsertHostFunctionSymbol(func() {
		addr, ok := mod.Lookup("triangle")
		if ok {
			fmt.Println("triangle(10) =", *(*int32)(unsafe.Pointer(addr)))
		}
	}, "report")
	if id, ok := b.HostFunctionID("report"); ok {
		fmt.Println("report handle id", id)
	}

	// triangle(n) sums 1..n with a loop.
	tri := b.NewFunction("sum_to", irctx.Func(irctx.I32(), irctx.I32()))
	entry := tri.NewBlock("entry")
	loop := tri.NewBlock("loop")
	done := tri.NewBlock("done")
	b.IR(entry).Br(loop)

	lb := b.IR(loop)
	i := lb.Phi(irctx.I32())
	acc := lb.Phi(irctx.I32())
	nextAcc := lb.Add(acc, i)
	nextI := lb.Add(i, b.NewInt(1))
	i.AddIncoming(b.NewInt(1), entry)
	i.AddIncoming(nextI, loop)
	acc.AddIncoming(b.NewInt(0), entry)
	acc.AddIncoming(nextAcc, loop)
	lb.CondBr(lb.ICmp(reactor.IntSLE, nextI, tri.Param(0)), loop, done)
	b.IR(done).Ret(nextAcc)

	result := b.NewGlobal("triangle", irctx.I32(), b.UndefInt())
	angles := b.NewGlobal("angles", irctx.Vector(irctx.Float(), 2), b.UndefFloat2())

	main := b.MainEntryBlock()
	b.EmitHostTrampolineCall(main, "hello")
	_ = b.EmitLoadHostContext(main)

	mb := b.IR(main)
	mb.Store(mb.Call(tri, b.NewInt(10)), result)

	sc, err := b.EmitExternalFunctionCall(main, reactor.SinCosF2R, b.NewFloat2(0.5, 0.5))
	if err != nil {
		return fmt.Errorf("emit sincos: %w", err)
	}
	mb.Store(sc, angles)
	if _, err := b.EmitExternalFunctionCall(main, reactor.ExternalID(99)); errors.Is(err, reactor.ErrUnknownExternal) {
		fmt.Println("unknown external ids are rejected")
	}
	b.EmitHostTrampolineCall(main, "report")
	mb.RetVoid()

	// =========================================================================
	// Compile - asynchronous, awaited with a context
	// =========================================================================
	mod, err = reactor.Compile(ctx, b).Wait(ctx)
	if err != nil {
		var le *reactor.LinkError
		if errors.As(err, &le) {
			return fmt.Errorf("unresolved %v: %w", le.Missing, err)
		}
		return fmt.Errorf("compile: %w", err)
	}
	defer mod.Close()

	// =========================================================================
	// Module - invoke, look up, inspect
	// =========================================================================
	ok, err := mod.InvokeEntry()
	if err != nil {
		return err
	}
	fmt.Println("entry accepted host context:", ok)

	if addr, found := mod.Lookup("angles"); found {
		fmt.Println("sincos(0.5) =", *(*[2]float32)(unsafe.Pointer(addr)))
	}
	fmt.Println("entries:", mod.Entries())
	fmt.Println(mod.IR())
	if text, err := mod.Disassemble(); err == nil {
		fmt.Print(text)
	}

	// A context whose magic has been overwritten is refused by the entry.
	mod.HostContext().SetMagic(0)
	ok, _ = mod.InvokeEntry()
	fmt.Println("after corrupting the magic:", ok)
	mod.HostContext().SetMagic(reactor.HostContextMagic)

	// =========================================================================
	// Standalone sessions - a custom symbol table
	// =========================================================================
	custom := reactor.DefaultOptions()
	custom.Symbols = reactor.DefaultSymbols().Without("tanf")
	other, err := reactor.NewSession(custom)
	if err != nil {
		return err
	}
	nb := reactor.NewBuilderWithSession(other, "needs_tan")
	if _, err := nb.EmitExternalFunctionCall(nb.MainEntryBlock(), reactor.TanF, nb.NewFloat(1)); err != nil {
		return err
	}
	_, err = nb.Compile(ctx).Wait(ctx)
	fmt.Println("link without tanf fails:", errors.Is(err, reactor.ErrLinkFailed))
	return nil
}
