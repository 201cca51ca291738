package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/treesync/treesync/config"
	"github.com/treesync/treesync/internal/backfill"
	"github.com/treesync/treesync/internal/ledger"
	"github.com/treesync/treesync/internal/parser"
	"github.com/treesync/treesync/libs/log"
)

// MakeStartCommand returns the command that runs the periodic backfill
// service until interrupted.
func MakeStartCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start",
		Aliases: []string{"run"},
		Short:   "Run the backfill service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := openStore(conf)
			if err != nil {
				return err
			}
			defer s.Close()

			programs, err := parser.ProgramsFromConfig(conf.Programs)
			if err != nil {
				return err
			}
			compression, err := compressionPrograms(conf)
			if err != nil {
				return err
			}

			metrics := backfill.NopMetrics()
			if conf.Instrumentation.Prometheus {
				metrics = backfill.PrometheusMetrics(conf.Instrumentation.Namespace)
				srv := startPrometheusServer(conf.Instrumentation, logger)
				defer func() {
					sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer scancel()
					_ = srv.Shutdown(sctx)
				}()
			}

			client := newLedgerClient(conf, logger)
			b := backfill.NewBackfiller(conf.Backfill, s, client, programs,
				logger.With("module", "backfill"), backfill.WithMetrics(metrics))

			var source backfill.TreeSource
			if len(args) > 0 {
				trees, err := parseTrees(args)
				if err != nil {
					return err
				}
				source = backfill.StaticTrees(trees...)
			} else {
				source = backfill.LedgerTrees(ledger.NewTreeFetcher(client), compression)
			}

			svc := backfill.NewService(b, s, source, conf.Backfill.Interval, logger)
			if err := svc.Start(ctx); err != nil {
				return err
			}
			logger.Info("started backfill service", "interval", conf.Backfill.Interval)

			// the service stops when ctx ends; the deferred closes run after
			// the last pass has drained
			svc.Wait()
			logger.Info("stopped backfill service", "reason", context.Cause(ctx))
			return nil
		},
	}
	cmd.Flags().Bool("backfill.force", conf.Backfill.Force, "crawl the whole history of every tree")
	cmd.Flags().Duration("backfill.interval", conf.Backfill.Interval, "pause between backfill passes")
	cmd.Flags().String("rpc.ledger-url", conf.RPC.LedgerURL, "ledger JSON-RPC endpoint")
	return cmd
}

// startPrometheusServer serves the default registry under /metrics.
func startPrometheusServer(cfg *config.InstrumentationConfig, logger log.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.InstrumentMetricHandler(
		prometheus.DefaultRegisterer, promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{MaxRequestsInFlight: cfg.MaxOpenConnections},
		),
	))
	srv := &http.Server{
		Addr:              cfg.PrometheusListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("prometheus HTTP server ListenAndServe", "err", err)
		}
	}()
	return srv
}
