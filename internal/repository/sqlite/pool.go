// Package sqlite provides the embedded SQLite store: a bounded connection
// pool and SQLite-backed implementations of the repository interfaces.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nadmax/taskrec/internal/config"
	"github.com/nadmax/taskrec/internal/logger"
	"github.com/nadmax/taskrec/internal/repository"
	_ "modernc.org/sqlite"
)

const DefaultCheckoutTimeout = 5 * time.Second

// Pool hands out exclusive connections to the store, at most size at a time.
type Pool struct {
	db              *sql.DB
	size            int
	checkoutTimeout time.Duration
	log             *logger.Logger
}

func DSN(path string, busyTimeoutMs int) string {
	params := []string{
		fmt.Sprintf("_pragma=busy_timeout(%d)", busyTimeoutMs),
		"_pragma=journal_mode(WAL)",
		"_pragma=synchronous(NORMAL)",
		"_pragma=foreign_keys(1)",
		"_txlock=immediate",
	}
	return path + "?" + strings.Join(params, "&")
}

// Open creates the database file if needed and opens every pooled connection
// up front.
func Open(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*Pool, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	busy := cfg.BusyTimeoutMs
	if busy <= 0 {
		busy = 10000
	}

	db, err := sql.Open("sqlite", DSN(cfg.Path, busy))
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	pool := NewPool(db, cfg.PoolSize, cfg.CheckoutTimeout, log)
	if err := pool.warm(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	var journal string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journal); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to read journal mode: %w", err)
	}

	pool.log.Infow("store_pool_opened", "path", cfg.Path, "size", pool.size, "journal_mode", journal)
	return pool, nil
}

// NewPool wraps an already opened handle.
func NewPool(db *sql.DB, size int, checkoutTimeout time.Duration, log *logger.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if checkoutTimeout <= 0 {
		checkoutTimeout = DefaultCheckoutTimeout
	}
	if log == nil {
		log = logger.NewNop()
	}

	db.SetMaxOpenConns(size)
	db.SetMaxIdleConns(size)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	return &Pool{
		db:              db,
		size:            size,
		checkoutTimeout: checkoutTimeout,
		log:             log.Named("pool"),
	}
}

func (p *Pool) warm(ctx context.Context) error {
	conns := make([]*sql.Conn, 0, p.size)
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()

	for i := 0; i < p.size; i++ {
		c, err := p.db.Conn(ctx)
		if err != nil {
			return fmt.Errorf("failed to open pooled connection %d: %w", i+1, err)
		}
		if err := c.PingContext(ctx); err != nil {
			_ = c.Close()
			return fmt.Errorf("failed to ping pooled connection %d: %w", i+1, err)
		}
		conns = append(conns, c)
	}
	return nil
}

func (p *Pool) checkout(ctx context.Context) (*sql.Conn, error) {
	cctx, cancel := context.WithTimeout(ctx, p.checkoutTimeout)
	defer cancel()

	conn, err := p.db.Conn(cctx)
	if err == nil {
		return conn, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		p.log.Errorw("store_pool_exhausted", "timeout", p.checkoutTimeout)
		return nil, repository.ErrPoolExhausted
	}
	if strings.Contains(err.Error(), "database is closed") {
		return nil, repository.ErrPoolClosed
	}
	return nil, fmt.Errorf("failed to check out connection: %w", err)
}

// WithConn runs fn on an exclusively held connection and always returns it
// to the pool.
func (p *Pool) WithConn(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) error {
	conn, err := p.checkout(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if err := conn.Close(); err != nil {
			p.log.Warnw("store_conn_release_failed", "error", err)
		}
	}()

	return fn(ctx, conn)
}

// WithTx runs fn inside one transaction. The transaction is rolled back if fn
// returns an error or panics.
func (p *Pool) WithTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	return p.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) (err error) {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		committed := false
		defer func() {
			if committed {
				return
			}
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				p.log.Warnw("store_rollback_failed", "error", rbErr)
			}
		}()

		if err := fn(ctx, tx); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		committed = true
		return nil
	})
}

func (p *Pool) Size() int {
	return p.size
}

func (p *Pool) DB() *sql.DB {
	return p.db
}

func (p *Pool) Close() error {
	p.log.Infow("store_pool_closing", "size", p.size)
	return p.db.Close()
}
