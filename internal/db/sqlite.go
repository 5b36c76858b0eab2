package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"
)

// ErrNotFound is returned when a lookup by id matches no row.
var ErrNotFound = errors.New("db: record not found")

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT NOT NULL DEFAULT 'New Chat',
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id INTEGER NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (conversation_id) REFERENCES conversations(id)
);

CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS model_sources (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id INTEGER NOT NULL UNIQUE,
    name TEXT NOT NULL,
    host TEXT,
    model TEXT,
    api_key TEXT,
    is_local BOOLEAN NOT NULL DEFAULT 1,
    FOREIGN KEY (conversation_id) REFERENCES conversations(id)
);`

type Database struct {
	db  *sql.DB
	now func() time.Time
}

type Option func(*Database)

// WithClock overrides the timestamp source used for new rows.
func WithClock(now func() time.Time) Option {
	return func(d *Database) { d.now = now }
}

func New(dbPath string, opts ...Option) (*Database, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to apply schema: %w", err), db.Close())
	}

	d := &Database{db: db, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Ping checks the underlying connection.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// WithTx runs fn inside a single unit of work. Everything fn did is committed
// when it returns nil and rolled back when it returns an error or panics.
func (d *Database) WithTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	sqlTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&Tx{ctx: ctx, tx: sqlTx, now: d.now}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return multierr.Append(err, fmt.Errorf("rollback failed: %w", rbErr))
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
