package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/commsync/internal/importer"
	"github.com/sells-group/commsync/internal/monitoring"
	"github.com/sells-group/commsync/internal/store"
	"github.com/sells-group/commsync/internal/webhook"
)

var servePort int

const shutdownTimeout = 15 * time.Second

// routes holds what the HTTP surface needs.
type routes struct {
	store          store.Store
	webhook        http.Handler
	webhookPath    string
	collector      *monitoring.Collector
	gatherer       prometheus.Gatherer
	allowedOrigins []string
}

func buildRouter(rt routes) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if rt.store != nil {
			if err := rt.store.Ping(r.Context()); err != nil {
				respond(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		respond(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Handle(rt.webhookPath, rt.webhook)

	r.Route("/status", func(r chi.Router) {
		origins := rt.allowedOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))

		r.Get("/import", func(w http.ResponseWriter, r *http.Request) {
			status, err := rt.collector.CheckpointStatus()
			if err != nil {
				respond(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			respond(w, http.StatusOK, status)
		})

		r.Get("/webhooks", func(w http.ResponseWriter, r *http.Request) {
			stats, err := rt.collector.WebhookStats(r.Context())
			if err != nil {
				respond(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			respond(w, http.StatusOK, map[string]any{
				"stats":        stats,
				"failure_rate": stats.FailureRate(),
			})
		})
	})

	if rt.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(rt.gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Receive OpenPhone webhooks and expose status endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		reg := newRegistry()
		metrics := monitoring.NewMetrics(reg)

		gate := webhook.NewGate(cfg.Webhook.Secret, time.Duration(cfg.Webhook.ToleranceSecs)*time.Second)
		router := webhook.NewRouter(newReducer(cfg, st), webhook.WithObserver(metrics))
		collector := monitoring.NewCollector(st, importer.NewCheckpointFile(cfg.Import.CheckpointPath))

		srv := &http.Server{
			Addr: fmt.Sprintf(":%d", cfg.Server.Port),
			Handler: buildRouter(routes{
				store:          st,
				webhook:        webhook.NewHandler(gate, router, cfg.Webhook.SignatureHeader, cfg.Webhook.MaxBodyBytes),
				webhookPath:    cfg.Webhook.Path,
				collector:      collector,
				gatherer:       reg,
				allowedOrigins: cfg.Server.AllowedOrigins,
			}),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			zap.L().Info("starting server",
				zap.Int("port", cfg.Server.Port),
				zap.String("webhook_path", cfg.Webhook.Path),
			)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return eris.Wrap(srv.Shutdown(shutdownCtx), "server shutdown")
		})

		if cfg.Monitoring.WebhookURL != "" {
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			g.Go(func() error {
				checker.Run(gctx)
				return nil
			})
		}

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
