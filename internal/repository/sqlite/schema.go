package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	session_id    TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL CHECK (status IN ('CREATED','RUNNING','STOPPING','STOPPED','SUCCESS','FAILED','CRASHED')),
	total_steps   INTEGER NOT NULL DEFAULT 0,
	total_time    REAL,
	error_message TEXT,
	device_id     TEXT,
	endpoint      TEXT,
	model_name    TEXT,
	updated_at    TEXT
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks (created_at);

CREATE TABLE IF NOT EXISTS steps (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id          TEXT NOT NULL REFERENCES tasks (session_id),
	step_num            INTEGER NOT NULL,
	screenshot_path     TEXT,
	screenshot_analysis TEXT,
	action              TEXT,
	action_params       TEXT,
	execution_time      REAL,
	success             INTEGER NOT NULL,
	message             TEXT NOT NULL DEFAULT '',
	reasoning_text      TEXT,
	UNIQUE (session_id, step_num)
);
`

// Migrate creates the tasks and steps tables if they do not exist.
func (p *Pool) Migrate(ctx context.Context) error {
	err := p.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, schema)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	p.log.Infow("store_schema_ready")
	return nil
}
