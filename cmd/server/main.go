package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nadmax/taskrec/internal/api"
	"github.com/nadmax/taskrec/internal/config"
	"github.com/nadmax/taskrec/internal/events"
	"github.com/nadmax/taskrec/internal/logger"
	"github.com/nadmax/taskrec/internal/middleware"
	"github.com/nadmax/taskrec/internal/repository"
	"github.com/nadmax/taskrec/internal/repository/sqlite"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", os.Getenv("TASKREC_CONFIG"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Errorw("server_exited", "error", err)
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := sqlite.Open(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := pool.Close(); err != nil {
			log.Warnw("store_close_failed", "error", err)
		}
	}()

	if err := pool.Migrate(ctx); err != nil {
		return err
	}

	retry := repository.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.Retry.MaxAttempts
	retry.BaseDelay = cfg.Retry.BaseDelay

	tasks := sqlite.NewTaskRepository(pool, retry, log)
	steps := sqlite.NewStepRepository(pool, retry, log)

	apiHandler := api.NewAPI(tasks, steps, log)

	if cfg.Redis.Enabled {
		pub, err := events.NewRedisPublisher(cfg.Redis.Addr, cfg.Redis.Stream)
		if err != nil {
			return err
		}
		defer func() { _ = pub.Close() }()
		apiHandler.WithEvents(pub)
		log.Infow("event_stream_enabled", "addr", cfg.Redis.Addr, "stream", pub.Stream())
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", apiHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	go startMetricsCollector(ctx, tasks, log)

	srv := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           middleware.MetricsMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infow("server_starting", "addr", srv.Addr, "database", cfg.Database.Path)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Infow("server_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
