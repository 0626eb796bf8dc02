package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/commsync/internal/config"
	"github.com/sells-group/commsync/internal/importer"
	"github.com/sells-group/commsync/internal/model"
	"github.com/sells-group/commsync/internal/monitoring"
	"github.com/sells-group/commsync/internal/store"
)

var (
	importOutput      string
	importMetricsAddr string
	dryRunLimit       int
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import OpenPhone conversation history",
}

var importRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a fresh import, discarding any existing checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runImport(cmd, false)
	},
}

var importResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Continue an import from its checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runImport(cmd, true)
	},
}

var importResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the import checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		file := importer.NewCheckpointFile(cfg.Import.CheckpointPath)
		if err := file.Delete(); err != nil {
			return err
		}
		zap.L().Info("checkpoint removed", zap.String("path", file.Path()))
		return nil
	},
}

var importDryRunCmd = &cobra.Command{
	Use:   "dry-run",
	Short: "Fetch and reduce a sample of conversations without writing",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("dry-run"); err != nil {
			return err
		}
		im := importer.New(newOpenPhoneClient(cfg.OpenPhone), nil, importerConfig(cfg.Import))
		report, err := im.DryRun(ctx, dryRunLimit)
		if err != nil {
			return err
		}
		return writeOutput(cmd.OutOrStdout(), importOutput, report)
	},
}

var importStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current import checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		collector := monitoring.NewCollector(nil, importer.NewCheckpointFile(cfg.Import.CheckpointPath))
		status, err := collector.CheckpointStatus()
		if err != nil {
			return err
		}
		return writeOutput(cmd.OutOrStdout(), importOutput, status)
	},
}

func runImport(cmd *cobra.Command, resume bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cfg.Validate("import"); err != nil {
		return err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	cp, err := executeImport(ctx, cfg, st, newRegistry(), importMetricsAddr, resume)
	if eris.Is(err, importer.ErrInterrupted) {
		zap.L().Warn("import interrupted; continue with `commsync import resume`",
			zap.String("checkpoint", cfg.Import.CheckpointPath),
		)
		err = nil
	}
	if cp != nil {
		if werr := writeOutput(cmd.OutOrStdout(), importOutput, cp.Stats); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

// executeImport runs one import with its metrics registered on reg. A
// non-empty metricsAddr serves reg on /metrics until the run ends.
func executeImport(ctx context.Context, c *config.Config, st store.Store, reg *prometheus.Registry, metricsAddr string, resume bool) (*model.ImportCheckpoint, error) {
	im := newImporter(c, st, importer.WithObserver(monitoring.NewMetrics(reg)))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	var cp *model.ImportCheckpoint
	g.Go(func() error {
		defer cancel()
		var err error
		cp, err = im.Run(gctx, resume)
		return err
	})

	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			zap.L().Info("serving import metrics", zap.String("addr", metricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "metrics listen")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer stop()
			return eris.Wrap(srv.Shutdown(shutdownCtx), "metrics shutdown")
		})
	}

	err := g.Wait()
	return cp, err
}

func init() {
	importCmd.PersistentFlags().StringVarP(&importOutput, "output", "o", "json", "output format (json|yaml)")
	importCmd.PersistentFlags().StringVar(&importMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during run/resume (e.g. :9102)")
	importDryRunCmd.Flags().IntVar(&dryRunLimit, "limit", 10, "conversations to sample")

	importCmd.AddCommand(importRunCmd, importResumeCmd, importResetCmd, importDryRunCmd, importStatusCmd)
	rootCmd.AddCommand(importCmd)
}
