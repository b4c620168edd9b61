package jit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tinyrange/reactor/internal/codegen"
	"github.com/tinyrange/reactor/internal/ir"
	"github.com/tinyrange/reactor/internal/ir/opt"
)

// EntryName is the function InvokeEntry calls.
const EntryName = "__start_user_main"

// Unit is everything a compile consumes. The caller gives up the module
// when it submits a Unit.
type Unit struct {
	Module *ir.Module
	// Exposed functions get an address recorded after linking. Nameless
	// ones are named __anonymous_f<index>.
	Exposed []*ir.Function
	Handles map[uint32]HostFunc
}

// Future delivers the result of an asynchronous compile.
type Future struct {
	done chan struct{}
	mod  *Module
	err  error
}

// Failed returns a future that has already completed with err.
func Failed(err error) *Future {
	f := &Future{done: make(chan struct{}), err: err}
	close(f.done)
	return f
}

// Done is closed once the compile has finished.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the compile finishes or ctx is done. Giving up on the
// wait does not stop the compile.
func (f *Future) Wait(ctx context.Context) (*Module, error) {
	select {
	case <-f.done:
		return f.mod, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Compile runs the pipeline on a new goroutine. ctx parents the trace spans
// only; cancelling it does not abort the work.
func (s *Session) Compile(ctx context.Context, u Unit) *Future {
	f := &Future{done: make(chan struct{})}
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer close(f.done)
		f.mod, f.err = s.CompileSync(ctx, u)
	}()
	return f
}

// CompileSync runs the pipeline on the calling goroutine.
func (s *Session) CompileSync(ctx context.Context, u Unit) (mod *Module, err error) {
	m := u.Module
	if m == nil {
		return nil, fmt.Errorf("%w: no module", ErrVerifyFailed)
	}
	start := time.Now()

	ctx, span := s.tracer.Start(ctx, "reactor.compile", trace.WithAttributes(
		attribute.String("module", m.Name()),
		attribute.String("triple", s.triple),
		attribute.String("opt_level", s.opts.OptLevel.String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Debug("jit: compile failed", "module", m.Name(), "err", err)
		}
		span.End()
	}()

	if err := s.verify(ctx, m); err != nil {
		return nil, err
	}

	host := NewHostContext(u.Handles)

	s.optimize(ctx, m)

	exposed := make(map[string]string, len(u.Exposed))
	for i, fn := range u.Exposed {
		if fn.Name() == "" {
			fn.SetName(fmt.Sprintf("__anonymous_f%d", i))
		}
		exposed[fn.Name()] = s.Mangle(fn.Name())
	}

	obj, err := s.lower(ctx, m)
	if err != nil {
		return nil, err
	}

	linked, err := s.link(ctx, obj)
	if err != nil {
		return nil, err
	}

	entries := make(map[string]uintptr, len(exposed))
	var missing []string
	for name, mangled := range exposed {
		addr, ok := linked.Lookup(mangled)
		if !ok || addr == 0 {
			missing = append(missing, name)
			continue
		}
		entries[mangled] = addr
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		_ = linked.Close()
		return nil, &LinkError{Module: m.Name(), Missing: missing}
	}

	contexts.register(host)
	mod = &Module{
		session: s,
		ir:      m,
		linked:  linked,
		host:    host,
		entries: entries,
	}
	span.SetAttributes(attribute.Int("code_size", len(obj.Text())))
	slog.Debug("jit: compiled module",
		"module", m.Name(),
		"functions", len(obj.Funcs),
		"code", len(obj.Text()),
		"data", obj.DataSize(),
		"elapsed", time.Since(start),
	)
	return mod, nil
}

func (s *Session) verify(ctx context.Context, m *ir.Module) error {
	_, span := s.tracer.Start(ctx, "verify")
	defer span.End()

	if m.Triple() != "" && m.Triple() != s.triple {
		return fmt.Errorf("%w: module %s targets %s, session targets %s", ErrVerifyFailed, m.Name(), m.Triple(), s.triple)
	}
	if m.DataLayout() != (ir.DataLayout{}) && m.DataLayout() != s.layout {
		return fmt.Errorf("%w: module %s data layout %q differs from %q", ErrVerifyFailed, m.Name(), m.DataLayout(), s.layout)
	}

	err := ir.Verify(m)
	if err == nil {
		return nil
	}
	var ve *ir.VerifyError
	if errors.As(err, &ve) {
		span.SetAttributes(attribute.Int("messages", len(ve.Messages)))
		if ve.HasSignatureMismatch() {
			return fmt.Errorf("%w: %w: %w", ErrVerifyFailed, ErrSignatureMismatch, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrVerifyFailed, err)
}

func (s *Session) optimize(ctx context.Context, m *ir.Module) {
	pipeline := opt.New(s.opts.Passes)
	_, span := s.tracer.Start(ctx, "optimize", trace.WithAttributes(
		attribute.Int("passes", len(pipeline.Passes())),
		attribute.String("pass_list", s.opts.Passes.String()),
	))
	defer span.End()

	stats := pipeline.Run(m)
	changed := 0
	for _, n := range stats {
		changed += n
	}
	span.SetAttributes(attribute.Int("changed", changed))
}

func (s *Session) lower(ctx context.Context, m *ir.Module) (*codegen.Object, error) {
	_, span := s.tracer.Start(ctx, "codegen")
	defer span.End()

	obj, err := codegen.Lower(s.tmb.Arch(), m, codegen.Options{Level: s.opts.OptLevel})
	if err != nil {
		return nil, fmt.Errorf("codegen %s: %w", m.Name(), err)
	}
	span.SetAttributes(
		attribute.Int("code_size", len(obj.Text())),
		attribute.Int("relocations", len(obj.Relocations())),
	)
	return obj, nil
}

func (s *Session) link(ctx context.Context, obj *codegen.Object) (*LinkedObject, error) {
	_, span := s.tracer.Start(ctx, "link")
	defer span.End()

	lib := NewDylib(obj.Module)
	lib.AddGenerator(ExternalGenerator(s.symbols, s.Demangle))
	linked, err := Link(obj, lib, s.mapper, s.Mangle)
	if err != nil {
		var le *LinkError
		if errors.As(err, &le) {
			span.SetAttributes(attribute.StringSlice("missing", le.Missing))
		}
		return nil, err
	}
	return linked, nil
}
