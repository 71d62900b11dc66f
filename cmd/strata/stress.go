package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sarchlab/strata/config"
	"github.com/sarchlab/strata/logging"
	"github.com/sarchlab/strata/monitoring"
	"github.com/sarchlab/strata/stress"
	"github.com/sarchlab/strata/tracing"
	"github.com/sarchlab/strata/transport"
)

const serveKind = "serve"

var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Run a fan-out workload over a server with several edges.",
	Long: "`stress` issues master packets from concurrent submitters. Each " +
		"master is split into subpackets that are served over the edges of " +
		"a single server and joined back. Settings come from --config, " +
		"--env, STRATA_* variables and the flags below, later ones winning.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := stressConfig(cmd.Flags())
		if err != nil {
			return err
		}

		logger := logging.InitConsole("strata", logging.ParseLevel(cfg.LogLevel))

		_, err = runStress(cmd.Context(), cfg, logger, cmd.OutOrStdout())

		return err
	},
}

func init() {
	addStressFlags(stressCmd.Flags())
	rootCmd.AddCommand(stressCmd)
}

func addStressFlags(f *pflag.FlagSet) {
	f.String("config", "", "TOML configuration file")
	f.String("env", ".env", "file with STRATA_* variables")
	f.String("log-level", "", "log level: debug, info, warn or error")
	f.Int("edges", 0, "number of client edges")
	f.Int("submitters", 0, "number of concurrent submitters")
	f.Int("packets", 0, "master packets per submitter")
	f.Int("fan-out", 0, "subpackets per master")
	f.Int("cancel-every", 0, "cancel every n-th master")
	f.Duration("timeout", 0, "deadline of each master")
	f.Duration("service-delay", 0, "time the server holds each subpacket")
	f.String("queue", "", "run queue: serial or parallel")
	f.Int("buckets", 0, "parallel run queue buckets")
	f.Bool("monitor", false, "serve the HTTP monitor")
	f.Int("port", 0, "monitor port")
	f.Bool("open-browser", false, "open the monitor in a browser")
	f.Bool("trace-json", false, "record serve tasks as JSON")
	f.Bool("trace-sqlite", false, "record serve tasks in SQLite")
	f.String("trace-dir", "", "directory of the trace files")
}

// stressConfig layers the changed flags over the loaded configuration.
func stressConfig(f *pflag.FlagSet) (config.Config, error) {
	path, _ := f.GetString("config")
	envFile, _ := f.GetString("env")

	cfg, err := config.Load(path, envFile)
	if err != nil {
		return config.Config{}, err
	}

	strs := map[string]*string{
		"log-level": &cfg.LogLevel,
		"queue":     &cfg.Stress.Queue,
		"trace-dir": &cfg.Trace.Dir,
	}
	for name, dst := range strs {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}

	ints := map[string]*int{
		"edges":        &cfg.Stress.Edges,
		"submitters":   &cfg.Stress.Submitters,
		"packets":      &cfg.Stress.Packets,
		"fan-out":      &cfg.Stress.FanOut,
		"cancel-every": &cfg.Stress.CancelEvery,
		"buckets":      &cfg.Stress.Buckets,
		"port":         &cfg.Monitor.Port,
	}
	for name, dst := range ints {
		if f.Changed(name) {
			*dst, _ = f.GetInt(name)
		}
	}

	durations := map[string]*time.Duration{
		"timeout":       &cfg.Stress.Timeout,
		"service-delay": &cfg.Stress.ServiceDelay,
	}
	for name, dst := range durations {
		if f.Changed(name) {
			*dst, _ = f.GetDuration(name)
		}
	}

	bools := map[string]*bool{
		"monitor":      &cfg.Monitor.Enabled,
		"open-browser": &cfg.Monitor.OpenBrowser,
		"trace-json":   &cfg.Trace.JSON,
		"trace-sqlite": &cfg.Trace.SQLite,
	}
	for name, dst := range bools {
		if f.Changed(name) {
			*dst, _ = f.GetBool(name)
		}
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}

	return cfg, nil
}

// traceSinks are the tracers a run records into and how to finish them.
type traceSinks struct {
	tracers []tracing.Tracer
	finish  []func()
	files   []string
}

func (s *traceSinks) close() {
	for _, f := range s.finish {
		f()
	}
}

func openTraceSinks(cfg config.Trace) (*traceSinks, error) {
	s := &traceSinks{}

	if cfg.JSON {
		t, name, err := tracing.NewJSONFileTracer(cfg.Dir)
		if err != nil {
			return nil, err
		}

		s.tracers = append(s.tracers, t)
		s.finish = append(s.finish, t.Finish)
		s.files = append(s.files, name)
	}

	if cfg.SQLite {
		name := ""
		if cfg.Dir != "" {
			name = filepath.Join(cfg.Dir, "strata_trace_"+xid.New().String())
		}

		w := tracing.NewSQLiteTraceWriter(name)
		if err := w.Init(); err != nil {
			s.close()
			return nil, err
		}

		t := tracing.NewDBTracer(nil, w, tracing.KindIs(serveKind))
		s.tracers = append(s.tracers, t)
		s.finish = append(s.finish, t.Terminate)
		s.files = append(s.files, w.FileName())
	}

	return s, nil
}

// runStress wires the observers asked for by cfg around a stress run and
// prints a summary to out.
func runStress(
	ctx context.Context,
	cfg config.Config,
	logger zerolog.Logger,
	out io.Writer,
) (stress.Result, error) {
	sinks, err := openTraceSinks(cfg.Trace)
	if err != nil {
		return stress.Result{}, err
	}

	for _, name := range sinks.files {
		logger.Info().Str("file", name).Msg("tracing")
	}

	latency := tracing.NewAverageTimeTracer(nil, tracing.KindIs(serveKind))

	opts := stress.Options{
		Logger:  logger,
		Tracers: append([]tracing.Tracer{latency}, sinks.tracers...),
	}

	if logger.GetLevel() <= zerolog.DebugLevel {
		opts.Hooks = append(opts.Hooks, logging.NewLogHook(logger,
			transport.HookPosServerAttach,
			transport.HookPosServerDetach,
			transport.HookPosServerPathStateChange,
		))
	}

	if cfg.Monitor.Enabled {
		m := monitoring.NewMonitor().
			WithLogger(logger).
			WithPortNumber(cfg.Monitor.Port)

		if _, err := m.StartServer(); err != nil {
			sinks.close()
			return stress.Result{}, err
		}

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(
				context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()

			_ = m.Shutdown(shutdownCtx)
		}()

		if cfg.Monitor.OpenBrowser {
			if err := m.OpenBrowser(); err != nil {
				logger.Warn().Err(err).Msg("cannot open browser")
			}
		}

		opts.Monitor = m
	}

	r, err := stress.Run(ctx, cfg.Stress, opts)
	sinks.close()

	fmt.Fprintf(out,
		"masters %d (ok %d, canceled %d, timed out %d, failed %d), "+
			"subpackets %d, %.0f masters/s, average serve %v\n",
		r.Masters, r.OK, r.Canceled, r.TimedOut, r.Failed,
		r.Subpackets, r.Throughput(), latency.AverageTime())

	return r, err
}
