package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aggregat4/rowsync/internal/broadcast"
	"github.com/aggregat4/rowsync/internal/config"
	"github.com/aggregat4/rowsync/internal/connhandler"
	"github.com/aggregat4/rowsync/internal/kvdemo"
	"github.com/aggregat4/rowsync/internal/remote"
	"github.com/aggregat4/rowsync/internal/storage"
)

func main() {
	if err := run(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadServerConfigFromEnv(os.Getenv)
	if err != nil {
		return err
	}
	setLogLevel(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "journals"), 0o755); err != nil {
		return err
	}

	db, err := storage.OpenSQLite(ctx, filepath.Join(cfg.DataDir, "main.db"))
	if err != nil {
		return err
	}
	defer db.Close()

	if err := kvdemo.Bootstrap(ctx, db); err != nil {
		return err
	}

	metrics := remote.NewMetrics(prometheus.DefaultRegisterer)
	hub := broadcast.NewHub(slog.With("component", "broadcast"))

	rem := remote.New[kvdemo.Mutation](
		db,
		kvdemo.Mutator{},
		kvdemo.JSONCodec{},
		filepath.Join(cfg.DataDir, "journals"),
		hub,
		clock.WallClock,
		metrics,
	)
	if err := rem.Recover(ctx); err != nil {
		return err
	}
	rem.RunStepLoop()

	handler := connhandler.New[kvdemo.Mutation](rem, kvdemo.JSONCodec{}, slog.With("component", "connhandler"))
	router := mux.NewRouter()
	handler.Register(router)
	router.Methods(http.MethodGet).Path("/v1/announce").HandlerFunc(hub.ServeWS)
	router.Methods(http.MethodGet).Path("/healthz").HandlerFunc(handleHealthz)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var metricsServer *http.Server
	var metricsListener net.Listener
	if cfg.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsListener, err = net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			return err
		}
		metricsServer = &http.Server{Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
	}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if metricsServer != nil {
		go func() {
			slog.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := metricsServer.Serve(metricsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-exit:
		slog.Info("signal caught", "sig", sig)
	case err := <-errCh:
		slog.Error("server error", "error", err)
	}

	cancel()
	rem.Kill()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	if err := rem.Wait(); err != nil {
		slog.Warn("step loop exited", "error", err)
	}
	return nil
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func setLogLevel(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
