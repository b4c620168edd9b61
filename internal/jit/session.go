// Package jit turns verified IR modules into callable machine code. A
// Session carries the target description and optimisation policy shared by
// every compile; Compile runs verification, the pass pipeline, code
// generation and linking, and hands back a Module whose pages it owns.
package jit

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/cpu"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/reactor/internal/codegen"
	"github.com/tinyrange/reactor/internal/execmem"
	"github.com/tinyrange/reactor/internal/extern"
	"github.com/tinyrange/reactor/internal/ir"
	"github.com/tinyrange/reactor/internal/ir/opt"

	// Registers the x86_64 backend.
	_ "github.com/tinyrange/reactor/internal/codegen/amd64"
)

var (
	ErrUnsupportedTarget = errors.New("unsupported target")
	ErrVerifyFailed      = errors.New("module verification failed")
	ErrSignatureMismatch = errors.New("call signature mismatch")
	ErrLinkFailed        = errors.New("link failed")
	ErrModuleClosed      = errors.New("module is closed")
)

// Options configures a Session.
type Options struct {
	OptLevel codegen.Level
	Passes   opt.Flags

	// Mapper provides code and data pages. Nil selects execmem.OS().
	Mapper execmem.Mapper
	// Symbols resolves external calls. Nil selects extern.Default().
	Symbols *extern.Table
	// TracerProvider receives compile spans. Nil selects the global provider.
	TracerProvider trace.TracerProvider
}

// DefaultOptions selects the default level and pass set.
func DefaultOptions() Options {
	return Options{OptLevel: codegen.LevelDefault, Passes: opt.DefaultFlags}
}

type fileOptions struct {
	OptLevel string   `yaml:"opt_level"`
	Passes   []string `yaml:"passes"`
}

// ParseOptions decodes the YAML options format:
//
//	opt_level: default
//	passes: [cfg-simplification, sroa, early-cse, instcombine]
//
// Omitted keys keep the values from DefaultOptions.
func ParseOptions(data []byte) (Options, error) {
	opts := DefaultOptions()
	var raw fileOptions
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return opts, fmt.Errorf("parse options: %w", err)
	}
	if raw.OptLevel != "" {
		level, err := codegen.ParseLevel(raw.OptLevel)
		if err != nil {
			return opts, fmt.Errorf("parse options: %w", err)
		}
		opts.OptLevel = level
	}
	if raw.Passes != nil {
		flags, err := opt.ParseFlags(raw.Passes)
		if err != nil {
			return opts, fmt.Errorf("parse options: %w", err)
		}
		opts.Passes = flags
	}
	return opts, nil
}

// LoadOptions reads ParseOptions input from path.
func LoadOptions(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("load options: %w", err)
	}
	return ParseOptions(data)
}

// TargetMachineBuilder describes the machine code is generated for.
type TargetMachineBuilder struct {
	Triple   string
	CPU      string
	Features []string
	OptLevel codegen.Level
}

// Arch is the architecture component of the triple.
func (t TargetMachineBuilder) Arch() string {
	arch, _, _ := strings.Cut(t.Triple, "-")
	return arch
}

// FeatureString joins the features the way LLVM spells them.
func (t TargetMachineBuilder) FeatureString() string {
	return strings.Join(t.Features, ",")
}

// HostTriple describes the running process.
func HostTriple() (string, error) {
	var arch string
	switch runtime.GOARCH {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "aarch64"
	default:
		return "", fmt.Errorf("%w: GOARCH %s", ErrUnsupportedTarget, runtime.GOARCH)
	}
	switch runtime.GOOS {
	case "linux":
		return arch + "-unknown-linux-gnu", nil
	case "darwin":
		return arch + "-apple-darwin", nil
	case "windows":
		return arch + "-pc-windows-msvc", nil
	default:
		return "", fmt.Errorf("%w: GOOS %s", ErrUnsupportedTarget, runtime.GOOS)
	}
}

// hostCPU names the x86-64 micro-architecture level and the enabled
// features of the running processor.
func hostCPU() (string, []string) {
	if runtime.GOARCH != "amd64" {
		return "generic", nil
	}
	x := cpu.X86
	var features []string
	add := func(ok bool, name string) {
		if ok {
			features = append(features, "+"+name)
		}
	}
	add(x.HasSSE2, "sse2")
	add(x.HasSSE3, "sse3")
	add(x.HasSSSE3, "ssse3")
	add(x.HasSSE41, "sse4.1")
	add(x.HasSSE42, "sse4.2")
	add(x.HasPOPCNT, "popcnt")
	add(x.HasAVX, "avx")
	add(x.HasAVX2, "avx2")
	add(x.HasBMI1, "bmi")
	add(x.HasBMI2, "bmi2")
	add(x.HasFMA, "fma")

	name := "x86-64"
	if x.HasSSE42 && x.HasSSSE3 && x.HasPOPCNT {
		name = "x86-64-v2"
		if x.HasAVX2 && x.HasBMI1 && x.HasBMI2 && x.HasFMA {
			name = "x86-64-v3"
		}
	}
	return name, features
}

func defaultLayout(triple string) ir.DataLayout {
	dl := ir.DataLayout{PointerSize: 8, StackAlign: 16, Mangling: 'e'}
	switch {
	case strings.Contains(triple, "apple"):
		dl.Mangling = 'o'
	case strings.Contains(triple, "windows"):
		dl.Mangling = 'w'
	}
	return dl
}

// Session is the process-wide compile configuration. It is read-only once
// created and safe for concurrent use.
type Session struct {
	opts    Options
	triple  string
	layout  ir.DataLayout
	tmb     TargetMachineBuilder
	mapper  execmem.Mapper
	symbols *extern.Table
	tracer  trace.Tracer
}

// NewSession probes the host and installs the host-context resolver.
func NewSession(opts Options) (*Session, error) {
	triple, err := HostTriple()
	if err != nil {
		return nil, err
	}
	if !nativeSupported() {
		return nil, fmt.Errorf("%w: cannot execute code for %s", ErrUnsupportedTarget, triple)
	}
	name, features := hostCPU()
	tmb := TargetMachineBuilder{Triple: triple, CPU: name, Features: features, OptLevel: opts.OptLevel}
	if _, err := codegen.LookupBackend(tmb.Arch()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedTarget, err)
	}

	s := &Session{
		opts:    opts,
		triple:  triple,
		layout:  defaultLayout(triple),
		tmb:     tmb,
		mapper:  opts.Mapper,
		symbols: opts.Symbols,
	}
	if s.mapper == nil {
		s.mapper = execmem.OS()
	}
	if s.symbols == nil {
		s.symbols = extern.Default()
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	s.tracer = tp.Tracer("github.com/tinyrange/reactor/jit")

	extern.SetHostResolver(contexts)

	slog.Debug("jit: session ready",
		"triple", triple,
		"cpu", name,
		"features", tmb.FeatureString(),
		"level", opts.OptLevel,
		"passes", opts.Passes,
	)
	return s, nil
}

func (s *Session) Triple() string                             { return s.triple }
func (s *Session) DataLayout() ir.DataLayout                  { return s.layout }
func (s *Session) TargetMachineBuilder() TargetMachineBuilder { return s.tmb }
func (s *Session) Options() Options                           { return s.opts }
func (s *Session) Mapper() execmem.Mapper                     { return s.mapper }
func (s *Session) Symbols() *extern.Table                     { return s.symbols }

// Mangle returns the linker-level name for an IR symbol.
func (s *Session) Mangle(name string) string {
	if s.layout.Mangling == 'o' {
		return "_" + name
	}
	return name
}

// Demangle reverses Mangle. Names without the prefix are returned as is.
func (s *Session) Demangle(name string) string {
	if s.layout.Mangling == 'o' {
		return strings.TrimPrefix(name, "_")
	}
	return name
}

// Configure stamps m with the session's triple and data layout.
func (s *Session) Configure(m *ir.Module) {
	m.SetTriple(s.triple)
	m.SetDataLayout(s.layout)
}
