// Command fairstress drives the fairsync primitives under concurrent load
// and checks their invariants.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/llxisdsh/fairsync/lockmetrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type stress struct {
	log       *zap.Logger
	out       io.Writer
	registry  *prometheus.Registry
	collector *lockmetrics.Collector

	verbose bool
	metrics bool

	writers    int
	readers    int
	iterations int
	expensive  bool

	capacity  int
	items     int
	producers int
	consumers int
}

func newStress(out io.Writer, log *zap.Logger) *stress {
	s := &stress{
		log:       log,
		out:       out,
		registry:  prometheus.NewRegistry(),
		collector: lockmetrics.NewCollector("fairstress"),
	}
	s.registry.MustRegister(s.collector)
	return s
}

func newRootCmd(s *stress) *cobra.Command {
	root := &cobra.Command{
		Use:           "fairstress",
		Short:         "stress the fairsync locks and buffer",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if s.log != nil {
				return nil
			}
			cfg := zap.NewDevelopmentConfig()
			if !s.verbose {
				cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
			}
			log, err := cfg.Build()
			if err != nil {
				return errors.Wrap(err, "building logger")
			}
			s.log = log
			return nil
		},
	}
	pf := root.PersistentFlags()
	pf.BoolVarP(&s.verbose, "verbose", "v", false, "log per-worker progress")
	pf.BoolVar(&s.metrics, "metrics", false, "print collected metrics in Prometheus text format after the run")

	root.AddCommand(
		s.command("rwlock", "mixed reader/writer load on a FairRWLock", addLockFlags, runRWLock),
		s.command("irw", "mixed reader/writer load on an InstrumentedRWLock", addIRWFlags, runIRW),
		s.command("buffer", "producer/consumer pipeline over a CircularBuffer", addBufferFlags, runBuffer),
	)
	return root
}

func (s *stress) command(
	use, short string,
	flags func(*pflag.FlagSet, *stress),
	run func(context.Context, *stress) error,
) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			err := run(cmd.Context(), s)
			s.log.Info("run finished",
				zap.String("workload", use),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err))
			if err != nil {
				return err
			}
			if s.metrics {
				return s.dumpMetrics()
			}
			return nil
		},
	}
	flags(cmd.Flags(), s)
	return cmd
}

func addLockFlags(fs *pflag.FlagSet, s *stress) {
	fs.IntVarP(&s.writers, "writers", "w", 4, "writer goroutines")
	fs.IntVarP(&s.readers, "readers", "r", 16, "reader goroutines")
	fs.IntVarP(&s.iterations, "iterations", "n", 10000, "lock acquisitions per goroutine")
}

func addIRWFlags(fs *pflag.FlagSet, s *stress) {
	addLockFlags(fs, s)
	fs.BoolVar(&s.expensive, "expensive", false, "mark write acquisitions as expensive")
}

func addBufferFlags(fs *pflag.FlagSet, s *stress) {
	fs.IntVarP(&s.capacity, "capacity", "c", 16, "buffer capacity")
	fs.IntVarP(&s.items, "items", "n", 100000, "items pushed in total")
	fs.IntVarP(&s.producers, "producers", "p", 4, "producer goroutines")
	fs.IntVar(&s.consumers, "consumers", 4, "consumer goroutines")
}

func (s *stress) dumpMetrics() error {
	mfs, err := s.registry.Gather()
	if err != nil {
		return errors.Wrap(err, "gathering metrics")
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(s.out, mf); err != nil {
			return errors.Wrap(err, "writing metrics")
		}
	}
	return nil
}

func positive(name string, v int) error {
	if v <= 0 {
		return errors.Newf("--%s must be positive, got %d", errors.Safe(name), errors.Safe(v))
	}
	return nil
}

func main() {
	s := newStress(os.Stdout, nil)
	if err := newRootCmd(s).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "fairstress: %v\n", err)
		os.Exit(1)
	}
	if s.log != nil {
		_ = s.log.Sync()
	}
}
