// Command reactor compiles and runs the demo program, prints its IR and
// machine code, and measures compile throughput.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/tinyrange/reactor"
)

type globalFlags struct {
	config   string
	optLevel string
	passes   []string
	debug    bool
	trace    bool
}

func (g *globalFlags) options() (reactor.Options, error) {
	opts := reactor.DefaultOptions()
	if g.config != "" {
		loaded, err := reactor.LoadOptions(g.config)
		if err != nil {
			return opts, err
		}
		opts = loaded
	}
	if g.optLevel != "" {
		level, err := reactor.ParseOptLevel(g.optLevel)
		if err != nil {
			return opts, err
		}
		opts.OptLevel = level
	}
	if g.passes != nil {
		passes, err := reactor.ParsePasses(g.passes)
		if err != nil {
			return opts, err
		}
		opts.Passes = passes
	}
	if g.trace {
		opts.TracerProvider = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanLogger{}))
	}
	return opts, nil
}

func (g *globalFlags) setupLogging() {
	level := slog.LevelInfo
	if g.debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func (g *globalFlags) session() (*reactor.Session, error) {
	opts, err := g.options()
	if err != nil {
		return nil, err
	}
	if err := reactor.InitializePlatform(opts); err != nil {
		return nil, err
	}
	return reactor.Platform()
}

func compileSample(ctx context.Context, sess *reactor.Session, name string) (*sample, error) {
	s := &sample{}
	b, err := s.build(sess, name)
	if err != nil {
		return nil, err
	}
	mod, err := reactor.Compile(ctx, b).Wait(ctx)
	if err != nil {
		return nil, err
	}
	s.mod = mod
	return s, nil
}

func runCmd(g *globalFlags) *cobra.Command {
	var times int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Compile the demo program and invoke its entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := g.session()
			if err != nil {
				return err
			}
			start := time.Now()
			s, err := compileSample(cmd.Context(), sess, "sample")
			if err != nil {
				return err
			}
			defer s.mod.Close()
			slog.Info("compiled", "module", s.mod.Name(), "elapsed", time.Since(start))

			for i := 0; i < times; i++ {
				ok, err := s.mod.InvokeEntry()
				if err != nil {
					return err
				}
				if !ok {
					return errors.New("entry rejected the host context")
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "greeted %d times, reported %v\n", s.greeted, s.reported)
			return nil
		},
	}
	cmd.Flags().IntVar(&times, "times", 1, "number of entry invocations")
	return cmd
}

func dumpCmd(g *globalFlags) *cobra.Command {
	var irOnly, asmOnly bool
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the optimised IR and machine code of the demo program",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := g.session()
			if err != nil {
				return err
			}
			s, err := compileSample(cmd.Context(), sess, "sample")
			if err != nil {
				return err
			}
			defer s.mod.Close()

			out := cmd.OutOrStdout()
			if !asmOnly {
				fmt.Fprintf(out, "; target %s (%s)\n", sess.Triple(), sess.TargetMachineBuilder().CPU)
				fmt.Fprintln(out, s.mod.IR())
			}
			if !irOnly {
				text, err := s.mod.Disassemble()
				if err != nil {
					return err
				}
				fmt.Fprint(out, text)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&irOnly, "ir", false, "print only the IR")
	cmd.Flags().BoolVar(&asmOnly, "asm", false, "print only the machine code")
	return cmd
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "reactor",
		Short:         "JIT compiler for shader programs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			g.setupLogging()
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	flags := root.PersistentFlags()
	flags.StringVar(&g.config, "config", "", "YAML options file")
	flags.StringVar(&g.optLevel, "opt-level", "", "code generation level: none, less, default or aggressive")
	flags.StringSliceVar(&g.passes, "passes", nil, "comma separated optimisation passes")
	flags.BoolVar(&g.debug, "debug", false, "enable debug logging")
	flags.BoolVar(&g.trace, "trace", false, "log compile spans")

	root.AddCommand(runCmd(g), dumpCmd(g), benchCmd(g))
	return root
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
