// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stress

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// StatusServer serves a run's progress and metrics over HTTP.
//
// # Endpoints
//
//   - GET /healthz: Liveness.
//   - GET /status: The run's Status as JSON.
//   - GET /metrics: Prometheus metrics from the server's gatherer.
//   - GET /metrics/otel: OpenTelemetry metrics, when a handler is given.
type StatusServer struct {
	router *gin.Engine
	srv    *http.Server
	logger *slog.Logger
}

// NewStatusServer builds the router. otelMetrics may be nil.
func NewStatusServer(addr string, gatherer prometheus.Gatherer, status func() Status, otelMetrics http.Handler, logger *slog.Logger) *StatusServer {
	if logger == nil {
		logger = slog.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("snapstress"))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, status())
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	if otelMetrics != nil {
		router.GET("/metrics/otel", gin.WrapH(otelMetrics))
	}

	return &StatusServer{
		router: router,
		logger: logger,
		srv: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server's HTTP handler.
func (s *StatusServer) Handler() http.Handler {
	return s.router
}

// Start serves in the background until Shutdown.
func (s *StatusServer) Start() {
	go func() {
		s.logger.Info("status server listening", slog.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server failed", slog.String("error", err.Error()))
		}
	}()
}

// Shutdown stops the server, waiting for in-flight requests until ctx is
// done.
func (s *StatusServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
