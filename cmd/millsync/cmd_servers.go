// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

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
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/millsync/pkg/telemetry"
	"github.com/AleutianAI/millsync/services/refdata/remote"
	"github.com/AleutianAI/millsync/services/refdata/transport"
)

const shutdownTimeout = 10 * time.Second

func (a *app) hubCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Run the change relay that sessions on this machine connect to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen == "" {
				listen = a.cfg.Transport.Listen
			}
			return serve(cmd.Context(), a.logger.Slog(), "hub", listen, hubRouter(a.logger.Slog(), a.trace))
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "bind address (default from config)")
	return cmd
}

// hubRouter serves the websocket relay, health and metrics.
func hubRouter(logger *slog.Logger, tracing bool) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if tracing {
		router.Use(otelgin.Middleware("millsync-hub"))
	}
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metricsHandler()))
	transport.NewServer(logger).RegisterRoutes(router)
	return router
}

func (a *app) apiCmd() *cobra.Command {
	var (
		listen string
		seed   []string
	)
	cmd := &cobra.Command{
		Use:   "api",
		Short: "Run an in-memory ERP API for development",
		Long: `Run an in-memory implementation of the dyeing firm and dyeing record
REST API. Data is lost when the process exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen == "" {
				listen = a.cfg.API.Listen
			}
			if len(seed) == 0 {
				seed = a.cfg.API.SeedFirms
			}
			gin.SetMode(gin.ReleaseMode)
			srv := remote.NewServer(remote.ServerOptions{
				Logger:  a.logger.Slog(),
				Firms:   seed,
				Metrics: true,
				Tracing: a.trace,
			})
			return serve(cmd.Context(), a.logger.Slog(), "api", listen, srv.Handler())
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "bind address (default from config)")
	cmd.Flags().StringSliceVar(&seed, "seed", nil, "firm names to create at start")
	return cmd
}

// metricsHandler prefers the handler of the otel prometheus exporter when
// telemetry is initialized with it. Both serve the default registry.
func metricsHandler() http.Handler {
	if h := telemetry.MetricsHandler(); h != nil {
		return h
	}
	return promhttp.Handler()
}

// serve runs handler on addr until SIGINT or SIGTERM.
func serve(ctx context.Context, logger *slog.Logger, name, addr string, handler http.Handler) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("server", name), slog.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
	}

	logger.Info("shutting down", slog.String("server", name))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
