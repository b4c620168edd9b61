package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

func benchCmd(g *globalFlags) *cobra.Command {
	var (
		count   int
		workers int
		invoke  bool
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Compile the demo program repeatedly and report latency",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := g.session()
			if err != nil {
				return err
			}
			if workers <= 0 {
				workers = runtime.GOMAXPROCS(0)
			}

			var bar *progressbar.ProgressBar
			if term.IsTerminal(int(os.Stdout.Fd())) {
				bar = progressbar.Default(int64(count), "compiling")
			}

			var (
				mu        sync.Mutex
				latencies = make([]time.Duration, 0, count)
			)
			start := time.Now()
			grp, ctx := errgroup.WithContext(cmd.Context())
			grp.SetLimit(workers)
			for i := 0; i < count; i++ {
				i := i
				grp.Go(func() error {
					t0 := time.Now()
					s, err := compileSample(ctx, sess, fmt.Sprintf("bench_%d", i))
					if err != nil {
						return err
					}
					elapsed := time.Since(t0)
					if invoke {
						if _, err := s.mod.InvokeEntry(); err != nil {
							s.mod.Close()
							return err
						}
					}
					if err := s.mod.Close(); err != nil {
						return err
					}

					mu.Lock()
					latencies = append(latencies, elapsed)
					mu.Unlock()
					if bar != nil {
						_ = bar.Add(1)
					}
					return nil
				})
			}
			if err := grp.Wait(); err != nil {
				return err
			}
			if bar != nil {
				_ = bar.Finish()
			}
			total := time.Since(start)

			sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
			pct := func(p float64) time.Duration {
				if len(latencies) == 0 {
					return 0
				}
				return latencies[int(p*float64(len(latencies)-1))]
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"%d modules on %d workers in %s (%.1f/s)\np50 %s  p90 %s  p99 %s  max %s\n",
				count, workers, total.Round(time.Millisecond),
				float64(count)/total.Seconds(),
				pct(0.5), pct(0.9), pct(0.99), pct(1),
			)
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 100, "modules to compile")
	cmd.Flags().IntVarP(&workers, "jobs", "j", 0, "concurrent compiles (default GOMAXPROCS)")
	cmd.Flags().BoolVar(&invoke, "invoke", false, "invoke each module once before closing it")
	return cmd
}

// spanLogger writes every finished span to the default logger.
type spanLogger struct{}

func (spanLogger) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (spanLogger) OnEnd(s sdktrace.ReadOnlySpan) {
	attrs := []any{"span", s.Name(), "elapsed", s.EndTime().Sub(s.StartTime())}
	for _, kv := range s.Attributes() {
		attrs = append(attrs, string(kv.Key), kv.Value.Emit())
	}
	slog.Info("trace", attrs...)
}

func (spanLogger) Shutdown(context.Context) error   { return nil }
func (spanLogger) ForceFlush(context.Context) error { return nil }
