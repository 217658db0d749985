package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/poiesic/archivist"
	"github.com/poiesic/archivist/metrics"
	"github.com/poiesic/archivist/transport/httpapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
)

func (r *runner) serveCommand(c *cli.Context) error {
	cfg := appConfig(c)
	if v := c.String("addr"); v != "" {
		cfg.HTTP.Addr = v
	}
	logger := slog.Default()

	serverOpts := []httpapi.Option{httpapi.WithLogger(logger)}
	var engineOpts []archivist.Option
	if c.Bool("metrics") {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m := metrics.New()
		if err := m.Register(reg); err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		engineOpts = append(engineOpts, archivist.WithMetrics(m))
		serverOpts = append(serverOpts, httpapi.WithMetrics(m, reg))
	}

	engine, err := r.open(c, engineOpts...)
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start ingestion: %w", err)
	}

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      httpapi.NewServer(engine, serverOpts...),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", cfg.HTTP.Addr, "storage", cfg.Storage.Path,
			"workers", cfg.Ingestion.Workers, "metrics", c.Bool("metrics"))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during HTTP shutdown", "err", err)
	}
	if err := engine.Stop(shutdownCtx); err != nil {
		logger.Error("error stopping ingestion", "err", err)
	}
	logger.Info("server stopped")
	return nil
}
