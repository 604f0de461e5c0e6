package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nadmax/taskrec/internal/backup"
	"github.com/nadmax/taskrec/internal/config"
	"github.com/nadmax/taskrec/internal/driver"
	"github.com/nadmax/taskrec/internal/events"
	"github.com/nadmax/taskrec/internal/executor"
	"github.com/nadmax/taskrec/internal/logger"
	"github.com/nadmax/taskrec/internal/recovery"
	"github.com/nadmax/taskrec/internal/repository"
	"github.com/nadmax/taskrec/internal/repository/sqlite"
	"github.com/nadmax/taskrec/internal/task"
)

type options struct {
	configPath  string
	scriptPath  string
	description string
	sessionID   string
	userID      string
	interval    time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", os.Getenv("TASKREC_CONFIG"), "path to config file")
	flag.StringVar(&opts.scriptPath, "script", "", "JSONL file of step events to replay")
	flag.StringVar(&opts.description, "description", "", "task description")
	flag.StringVar(&opts.sessionID, "session", "", "session id (generated when empty)")
	flag.StringVar(&opts.userID, "user", task.DefaultUserID, "user id")
	flag.DurationVar(&opts.interval, "interval", 500*time.Millisecond, "delay between scripted steps")
	flag.Parse()

	if opts.scriptPath == "" {
		fmt.Fprintln(os.Stderr, "-script is required")
		os.Exit(2)
	}

	cfg, err := config.Load(opts.configPath)
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

	status, err := run(cfg, opts, log)
	if err != nil {
		log.Errorw("worker_exited", "error", err)
		_ = log.Sync()
		os.Exit(1)
	}
	if status != task.StatusSuccess && status != task.StatusStopped {
		_ = log.Sync()
		os.Exit(3)
	}
}

func run(cfg *config.Config, opts options, log *logger.Logger) (task.TaskStatus, error) {
	ctx := context.Background()

	script, err := driver.LoadScriptFile(opts.scriptPath)
	if err != nil {
		return "", err
	}

	pool, err := sqlite.Open(ctx, cfg.Database, log)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := pool.Close(); err != nil {
			log.Warnw("store_close_failed", "error", err)
		}
	}()

	if err := pool.Migrate(ctx); err != nil {
		return "", err
	}

	retry := repository.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.Retry.MaxAttempts
	retry.BaseDelay = cfg.Retry.BaseDelay

	tasks := sqlite.NewTaskRepository(pool, retry, log)
	steps := sqlite.NewStepRepository(pool, retry, log)

	backups, err := backup.NewManager(cfg.Backup.Dir, log)
	if err != nil {
		return "", err
	}

	report, ownership, err := recovery.New(tasks, steps, backups, log).
		RunGuarded(ctx, recovery.LockPath(cfg.Database.Path))
	if err != nil {
		if ownership != nil {
			_ = ownership.Release()
		}
		return "", fmt.Errorf("recovery failed: %w", err)
	}
	defer func() { _ = ownership.Release() }()
	if !report.Skipped && !report.Empty() {
		log.Infow("recovery_report",
			"tasks_crashed", report.TasksCrashed,
			"orphans_restored", report.OrphansRestored,
			"steps_restored", report.StepsRestored,
			"backups_kept", report.BackupsKept,
		)
	}

	publisher, closePublisher, err := newPublisher(cfg.Redis, log)
	if err != nil {
		return "", err
	}
	defer closePublisher()

	exec := executor.New(executor.Meta{
		SessionID:   opts.sessionID,
		UserID:      opts.userID,
		Description: opts.description,
	}, executor.Deps{
		Tasks:       tasks,
		Steps:       steps,
		Backups:     backups,
		Publisher:   publisher,
		Log:         log,
		HaltTimeout: cfg.Executor.HaltTimeout,
	})

	drv := driver.NewScripted(exec.SessionID(), script, log)
	drv.SetInterval(opts.interval)
	exec.Attach(drv)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if err := exec.Start(ctx); err != nil && !errors.Is(err, executor.ErrStopped) {
		<-exec.Done()
		return exec.Status(), err
	}

	select {
	case <-exec.Done():
	case sig := <-sigChan:
		log.Infow("worker_stop_requested", "signal", sig.String(), "session_id", exec.SessionID())
		exec.Stop(ctx)
		<-exec.Done()
	}

	log.Infow("worker_finished",
		"session_id", exec.SessionID(),
		"status", exec.Status(),
		"steps", exec.StepCount(),
		"elapsed", exec.Elapsed(),
	)
	return exec.Status(), nil
}

func newPublisher(cfg config.RedisConfig, log *logger.Logger) (events.Publisher, func(), error) {
	if !cfg.Enabled {
		return events.Nop{}, func() {}, nil
	}

	pub, err := events.NewRedisPublisher(cfg.Addr, cfg.Stream)
	if err != nil {
		return nil, nil, err
	}
	log.Infow("event_stream_enabled", "addr", cfg.Addr, "stream", pub.Stream())
	return pub, func() { _ = pub.Close() }, nil
}
