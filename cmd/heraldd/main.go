// heraldd runs Herald as a standalone service: the admin API, webhook
// dispatch and the retry scheduler, on the in-memory store or a Postgres or
// SQLite database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/xraph/herald"
	"github.com/xraph/herald/api"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("heraldd failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	policy, err := cfg.SSRF.policy()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx := context.Background()

	s, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck // process exit

	h, err := herald.New(
		herald.WithStore(s),
		herald.WithLogger(logger),
		herald.WithConfig(cfg.Herald),
		herald.WithSSRFPolicy(policy),
		herald.WithMetrics(reg),
	)
	if err != nil {
		return fmt.Errorf("init herald: %w", err)
	}

	if err := seed(ctx, h, cfg, logger); err != nil {
		return err
	}

	h.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.NewHandler(h, reg, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting admin API", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-serverErr:
		h.Stop(ctx)
		return fmt.Errorf("admin API: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Herald.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin API shutdown error", "error", err)
	}
	h.Stop(shutdownCtx)

	logger.Info("shutdown complete", "store", cfg.Store.Driver)
	return nil
}

// seed registers the configured event types and subscriptions.
func seed(ctx context.Context, h *herald.Herald, cfg fileConfig, logger *slog.Logger) error {
	for _, et := range cfg.EventTypes {
		def, err := et.definition()
		if err != nil {
			return err
		}
		if err := h.Catalog().Register(ctx, def); err != nil {
			return fmt.Errorf("register event type %s: %w", et.Name, err)
		}
	}

	if cfg.Store.persistent() && len(cfg.Subscriptions) > 0 {
		// Seeding on every start would duplicate persisted subscriptions.
		logger.Warn("ignoring seed subscriptions on a persistent store",
			"driver", cfg.Store.Driver,
			"count", len(cfg.Subscriptions),
		)
		return nil
	}

	for _, s := range cfg.Subscriptions {
		sub, err := h.Subscriptions().Create(ctx, s.input())
		if err != nil {
			return fmt.Errorf("seed subscription for tenant %s: %w", s.TenantID, err)
		}
		logger.Info("seeded subscription",
			"subscription_id", sub.ID,
			"tenant_id", sub.TenantID,
			"url", sub.URL,
		)
	}
	return nil
}
