package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/polisai/clearurls-dnr/pkg/domain"
	"github.com/polisai/clearurls-dnr/pkg/engine"
	"github.com/polisai/clearurls-dnr/pkg/syncer"
	"github.com/polisai/clearurls-dnr/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep the engine in sync with the provider database",
		Long: `Run a sync pass at startup, then again whenever the database file changes
(when database.watch is set) or a POST /sync request arrives. Metrics are
served on /metrics and URL decisions on /clean.`,
		RunE: runServe,
	}
	cmd.Flags().Bool("first-install", false, "Reload the static rule band in the startup pass")
	cmd.Flags().String("listen", "", "Address to listen on (overrides server.metrics_address)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
		a.cfg.Server.MetricsAddress = addr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName:  a.cfg.Telemetry.ServiceName,
		Endpoint:     a.cfg.Telemetry.OTLPEndpoint,
		Insecure:     a.cfg.Telemetry.Insecure,
		Headers:      a.cfg.Telemetry.Headers,
		SampleRatio:  a.cfg.Telemetry.SampleRatio,
		DatabasePath: a.cfg.Database.Path,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			a.logger.Error("Failed to flush traces", "error", err)
		}
	}()

	eng, err := a.openEngine(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	metrics := syncer.NewMetrics()
	s, err := a.newSyncer(eng, metrics)
	if err != nil {
		return err
	}

	trigger := syncer.TriggerStartup
	if first, _ := cmd.Flags().GetBool("first-install"); first {
		trigger = syncer.TriggerInstalled
	}
	// A failed startup pass leaves the previous rules in place; keep serving.
	_, _ = s.Run(ctx, trigger)

	if a.cfg.Database.Watch {
		w, err := syncer.NewWatcher(a.cfg.Database.Path, a.cfg.Database.Debounce.Std(), func() {
			metrics.RecordWatchEvent()
			go func() { _, _ = s.Run(ctx, syncer.TriggerDatabaseChanged) }()
		}, a.logger)
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = w.Stop() }()
	}

	server, err := a.newServer(s, eng, metrics)
	if err != nil {
		return err
	}
	listener, err := net.Listen("tcp", a.cfg.Server.MetricsAddress)
	if err != nil {
		return err
	}
	a.logger.Info("Server listening", "addr", listener.Addr().String(), "tls", server.TLSConfig != nil)

	errCh := make(chan error, 1)
	go func() {
		if server.TLSConfig != nil {
			errCh <- server.ServeTLS(listener, "", "")
			return
		}
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		a.logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("Shutdown error", "error", err)
		}
	}
	return nil
}

func (a *app) newServer(s *syncer.Syncer, eng ruleEngine, metrics *syncer.Metrics) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST /sync", func(w http.ResponseWriter, r *http.Request) {
		trigger, err := syncer.ParseTrigger(r.URL.Query().Get("trigger"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		res, runErr := s.Run(r.Context(), trigger)
		w.Header().Set("Content-Type", "application/json")
		if runErr != nil {
			w.WriteHeader(http.StatusUnprocessableEntity)
		}
		_ = writeJSON(w, passSummary(res))
	})
	mux.HandleFunc("GET /clean", func(w http.ResponseWriter, r *http.Request) {
		target := r.URL.Query().Get("url")
		if target == "" {
			http.Error(w, "missing url parameter", http.StatusBadRequest)
			return
		}
		typ := r.URL.Query().Get("type")
		if typ == "" {
			typ = string(domain.ResourceMainFrame)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = writeJSON(w, eng.Evaluate(target, domain.ResourceType(typ)))
	})

	tlsConfig, err := a.cfg.Server.TLS.ServerTLS()
	if err != nil {
		return nil, err
	}

	return &http.Server{
		Handler:      otelhttp.NewHandler(metrics.MetricsMiddleware(mux), "clearurls.server"),
		TLSConfig:    tlsConfig,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}, nil
}

// limiter returns nil when change-triggered passes are not throttled.
func (a *app) limiter() *rate.Limiter {
	if a.cfg.Sync.PassesPerMinute <= 0 {
		return nil
	}
	burst := a.cfg.Sync.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(a.cfg.Sync.PassesPerMinute/60), burst)
}

// scratchEngine is an empty in-memory engine with the configured limits.
func (a *app) scratchEngine() *engine.MemoryEngine {
	return engine.NewMemoryEngine(a.engineOptions())
}
