// noderefd is the node reference collector daemon.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtxerr/noderef/internal/backend"
	"github.com/xtxerr/noderef/internal/config"
	"github.com/xtxerr/noderef/internal/errors"
	"github.com/xtxerr/noderef/internal/journal"
	"github.com/xtxerr/noderef/internal/logging"
	"github.com/xtxerr/noderef/internal/metrics"
	"github.com/xtxerr/noderef/internal/persistence"
	"github.com/xtxerr/noderef/internal/pipeline"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// CLI flags
	cfgPath := flag.String("config", "noderef.yaml", "config file path")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	metricsListen := flag.String("metrics-listen", "", "metrics listen address (overrides config)")
	dsn := flag.String("dsn", "", "storage DSN (overrides config)")
	stdin := flag.Bool("stdin", false, "read JSON-lines observations from stdin, exit at EOF")
	stopTimeout := flag.Duration("stop-timeout", 30*time.Second, "graceful shutdown timeout")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = config.DefaultConfig()
		} else {
			logging.Error("load config", "path", *cfgPath, "error", err)
			os.Exit(1)
		}
	}

	// CLI overrides
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *metricsListen != "" {
		cfg.Metrics.Listen = *metricsListen
	}
	if *dsn != "" {
		cfg.Storage.DSN = *dsn
	}
	if err := cfg.Validate(); err != nil {
		logging.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logging.Init(logging.ParseLevel(cfg.Log.Level), cfg.Log.JSON)
	logging.Info("noderefd starting", "version", Version, "backend", cfg.Storage.Backend)

	if err := run(cfg, *stdin, *stopTimeout); err != nil {
		logging.Error("noderefd stopped with error", "error", err)
		os.Exit(1)
	}
	logging.Info("noderefd stopped")
}

func run(cfg *config.Config, stdin bool, stopTimeout time.Duration) (err error) {
	// =========================================================================
	// Storage
	// =========================================================================

	st, err := backend.Open(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = st.Ping(pingCtx)
	cancel()
	if err != nil {
		return errors.Wrap(err, "ping storage")
	}

	// =========================================================================
	// Collector
	// =========================================================================

	m, err := metrics.New()
	if err != nil {
		return errors.Wrap(err, "create metrics")
	}

	synchronizer, err := persistence.New(st, cfg.Persistence(), m)
	if err != nil {
		return err
	}

	opts := []pipeline.Option{pipeline.WithObserver(m)}
	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Dir, cfg.JournalOptions())
		if err != nil {
			return err
		}
		opts = append(opts, pipeline.WithJournal(j))
	}
	if cfg.Backpressure.Enabled {
		opts = append(opts, pipeline.WithBackpressure(cfg.Controller()))
	}

	p, err := pipeline.New(cfg.Pipeline(), synchronizer, opts...)
	if err != nil {
		return err
	}
	if err := p.Start(); err != nil {
		return err
	}

	// =========================================================================
	// Metrics endpoint
	// =========================================================================

	var srv *http.Server
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
		srv = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Error("metrics server", "error", err)
			}
		}()
		logging.Info("metrics listening", "addr", cfg.Metrics.Listen)
	}

	// =========================================================================
	// Signal Handling and Graceful Shutdown
	// =========================================================================

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	feedDone := make(chan error, 1)
	if stdin {
		go func() {
			res, err := feed(ctx, os.Stdin, p.Submit, time.Now)
			logging.Info("stdin feed finished", "submitted", res.Submitted,
				"malformed", res.Malformed, "rejected", res.Rejected)
			feedDone <- err
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logging.Info("shutting down")
	case runErr = <-p.Fatal():
		logging.Error("collector failed", "error", runErr)
	case runErr = <-feedDone:
		if runErr != nil {
			logging.Error("stdin feed failed", "error", runErr)
		}
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), stopTimeout)
	defer cancelStop()

	var result *multierror.Error
	if runErr != nil {
		result = multierror.Append(result, runErr)
	}
	if srv != nil {
		if err := srv.Shutdown(stopCtx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := p.Stop(stopCtx); err != nil {
		result = multierror.Append(result, err)
	}

	stats := p.Stats()
	lat := m.Stats()
	logging.Info("collector totals",
		"submitted", stats.Submitted,
		"rejected", stats.Rejected,
		"windows", stats.Windows,
		"inserted", stats.Sync.Inserted,
		"spills", stats.Spills,
		"pass_p50_sec", lat.P50,
		"pass_p99_sec", lat.P99)

	return result.ErrorOrNil()
}
