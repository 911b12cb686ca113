package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/vk/agentgrid/internal/ctxlog"
	"github.com/vk/agentgrid/internal/dispatch"
	"github.com/vk/agentgrid/internal/metrics"
	"github.com/vk/agentgrid/internal/pool"
	"github.com/vk/agentgrid/internal/scheduler"
)

// statusRunLimit bounds the finished runs listed by /status.
const statusRunLimit = 20

// Status is the document served on /status.
type Status struct {
	Workflows []string                           `json:"workflows"`
	Pool      map[pool.WorkerType]pool.TypeStats `json:"pool"`
	Workers   []pool.Info                        `json:"workers"`
	Queue     dispatch.Stats                     `json:"queue"`
	Metrics   metrics.Snapshot                   `json:"metrics"`
	Runs      []*scheduler.Result                `json:"runs"`
}

// routes builds the operator endpoints.
func (a *App) routes(ctx context.Context) http.Handler {
	logger := ctxlog.FromContext(ctx)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		runs, err := a.scheduler.Runs(r.Context(), statusRunLimit)
		if err != nil {
			logger.Error("Failed to list runs for status.", "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		status := Status{
			Workflows: a.catalog.Names(),
			Pool:      a.pool.Stats(),
			Workers:   a.pool.Workers(),
			Queue:     a.queue.Stats(),
			Metrics:   a.metrics.Snapshot(),
			Runs:      runs,
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			logger.Warn("Failed to write status.", "error", err)
		}
	})
	mux.Handle("/metrics", a.metrics.Handler())
	return mux
}

// startHealthcheckServer runs the operator HTTP server in the background
// when a port is configured.
func (a *App) startHealthcheckServer(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Configuring health check server.")
	if a.config.HealthcheckPort <= 0 {
		logger.Debug("Health check server not started: disabled.")
		return
	}

	addr := fmt.Sprintf(":%d", a.config.HealthcheckPort)
	a.httpServer = &http.Server{
		Addr:              addr,
		Handler:           a.routes(ctx),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := a.httpServer

	go func() {
		logger.Info("🩺 Health check server starting", "address", fmt.Sprintf("http://localhost%s/health", addr))
		// ListenAndServe returns ErrServerClosed on graceful shutdown.
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Health check server failed unexpectedly", "error", err)
		}
	}()
}

func (a *App) closeHealthcheckServer(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	if a.httpServer == nil {
		logger.Debug("Health check server was not running.")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	logger.Info("🩺 Shutting down health check server...")
	if err := a.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	a.httpServer = nil
	logger.Debug("Health check server shut down gracefully.")
	return nil
}
