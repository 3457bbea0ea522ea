// Command reconciled runs the reconciliation engine daemon: it loads one
// or more configuration files, wires up the driver registry, store,
// reconciler, dispatcher and metrics, and serves the wire protocol until
// interrupted.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/anchor/retcon/config"
	"github.com/anchor/retcon/dispatcher"
	"github.com/anchor/retcon/driver"
	"github.com/anchor/retcon/metrics"
	"github.com/anchor/retcon/model"
	"github.com/anchor/retcon/reconciler"
	"github.com/anchor/retcon/server"
	"github.com/anchor/retcon/store"
	"github.com/anchor/retcon/utils"
)

var (
	verbose     bool
	dbConn      string
	logSink     string
	listenAddr  string
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:   "reconciled [config files...]",
	Short: "Runs the multi-source reconciliation engine daemon",
	Args:  cobra.MinimumNArgs(1),
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&dbConn, "db", "d", "", "store connection string (Pebble directory path)")
	rootCmd.PersistentFlags().StringVarP(&logSink, "log", "l", "stderr", "log sink: stderr, stdout, or none")
	rootCmd.PersistentFlags().StringVarP(&listenAddr, "listen", "a", ":4470", "wire protocol listen address")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics", "", "Prometheus /metrics listen address (empty disables)")
	_ = rootCmd.MarkPersistentFlagRequired("db")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

type runtimeError struct{ error }

func exitCodeFor(err error) int {
	if _, ok := err.(runtimeError); ok {
		return 2
	}
	return 1
}

func run(cmd *cobra.Command, args []string) error {
	merged := config.Config{Entities: map[model.EntityName]config.EntityConfig{}}
	for _, path := range args {
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
		mergeConfig(&merged, cfg)
	}
	merged.Database = dbConn
	if !cmd.Flags().Changed("log") && merged.Logging != "" {
		logSink = string(merged.Logging)
	}

	log, err := newLogger()
	if err != nil {
		return err
	}

	reg := driver.NewRegistry()
	for entity, ec := range merged.Entities {
		for _, source := range ec.Enabled {
			sc := ec.Sources[source]
			reg.Register(entity, source, driver.NewShell(sc.Create, sc.Read, sc.Update, sc.Delete), nil)
		}
	}
	if err := reg.Init(); err != nil {
		return runtimeError{fmt.Errorf("init drivers: %w", err)}
	}
	defer reg.Close()

	s, err := store.Open(merged.Database)
	if err != nil {
		return runtimeError{fmt.Errorf("open store: %w", err)}
	}
	defer s.Close()

	m := metrics.New()
	reg2 := prometheus.NewRegistry()
	if err := m.Register(reg2); err != nil {
		return runtimeError{fmt.Errorf("register metrics: %w", err)}
	}
	storeCollector := store.NewCollector(s)
	if err := reg2.Register(storeCollector); err != nil {
		return runtimeError{fmt.Errorf("register store metrics: %w", err)}
	}

	rc := reconciler.New(s, reg, log)
	rc.SetMetrics(m)
	d := dispatcher.New(rc, s, log, dispatcher.DefaultConfig(8))
	d.SetMetrics(m)
	defer d.Close()

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg2, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Error("reconciled: metrics server failed", "err", err)
			}
		}()
		log.Info("reconciled: metrics listening", "addr", metricsAddr)
	}

	srv := server.New(listenAddr, d, s, reg, log)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		log.Info("reconciled: shutting down")
		return srv.Close()
	case err := <-errCh:
		if err != nil {
			return runtimeError{err}
		}
		return nil
	}
}

func newLogger() (utils.Logger, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	switch logSink {
	case "stderr":
		return utils.NewDefaultLoggerWithWriter(level, os.Stderr), nil
	case "stdout":
		return utils.NewDefaultLoggerWithWriter(level, os.Stdout), nil
	case "none":
		return utils.NewDefaultLoggerWithWriter(level, io.Discard), nil
	default:
		return nil, fmt.Errorf("--log: unrecognised sink %q", logSink)
	}
}

func mergeConfig(dst *config.Config, src config.Config) {
	if src.Database != "" {
		dst.Database = src.Database
	}
	if src.Logging != "" {
		dst.Logging = src.Logging
	}
	for entity, ec := range src.Entities {
		dst.Entities[entity] = ec
	}
}
