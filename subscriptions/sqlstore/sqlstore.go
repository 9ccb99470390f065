// Package sqlstore persists subscriptions in SQLite or PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/drblury/protobus/endpoint"
	"github.com/drblury/protobus/routing"
	"github.com/drblury/protobus/subscriptions"
)

// TableName is the table subscriptions are stored in.
const TableName = "protobus_subscriptions"

// Dialect captures the SQL differences between the supported databases.
type Dialect struct {
	Driver string
	Schema string
	Insert string
	Delete string
	Select string
}

// SQLite stores subscriptions through mattn/go-sqlite3.
var SQLite = Dialect{
	Driver: "sqlite3",
	Schema: `CREATE TABLE IF NOT EXISTS ` + TableName + ` (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		message_type TEXT NOT NULL,
		subscriber TEXT NOT NULL,
		subscriber_key TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (message_type, subscriber_key)
	)`,
	Insert: `INSERT INTO ` + TableName + ` (message_type, subscriber, subscriber_key)
		VALUES (?, ?, ?) ON CONFLICT (message_type, subscriber_key) DO NOTHING`,
	Delete: `DELETE FROM ` + TableName + ` WHERE message_type = ? AND subscriber_key = ?`,
	Select: `SELECT message_type, subscriber FROM ` + TableName + ` ORDER BY seq`,
}

// Postgres stores subscriptions through lib/pq.
var Postgres = Dialect{
	Driver: "postgres",
	Schema: `CREATE TABLE IF NOT EXISTS ` + TableName + ` (
		seq BIGSERIAL PRIMARY KEY,
		message_type TEXT NOT NULL,
		subscriber TEXT NOT NULL,
		subscriber_key TEXT NOT NULL,
		created_at TIMESTAMPTZ DEFAULT NOW(),
		UNIQUE (message_type, subscriber_key)
	)`,
	Insert: `INSERT INTO ` + TableName + ` (message_type, subscriber, subscriber_key)
		VALUES ($1, $2, $3) ON CONFLICT (message_type, subscriber_key) DO NOTHING`,
	Delete: `DELETE FROM ` + TableName + ` WHERE message_type = $1 AND subscriber_key = $2`,
	Select: `SELECT message_type, subscriber FROM ` + TableName + ` ORDER BY seq`,
}

// Store is a subscriptions.Store over database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
	owned   bool
}

// OpenSQLite opens (or creates) a SQLite database at path.
// Use ":memory:" for an in-memory database.
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlstore: sqlite path is required")
	}
	db, err := sql.Open(SQLite.Driver, path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// A second connection to ":memory:" would see a different database.
	db.SetMaxOpenConns(1)
	return open(ctx, db, SQLite, true)
}

// OpenPostgres connects using a lib/pq connection string.
func OpenPostgres(ctx context.Context, connStr string) (*Store, error) {
	if connStr == "" {
		return nil, errors.New("sqlstore: postgres connection string is required")
	}
	db, err := sql.Open(Postgres.Driver, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}
	return open(ctx, db, Postgres, true)
}

// New wraps an existing database. Close leaves db open.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	return open(ctx, db, dialect, false)
}

func open(ctx context.Context, db *sql.DB, dialect Dialect, owned bool) (*Store, error) {
	s := &Store{db: db, dialect: dialect, owned: owned}
	if _, err := db.ExecContext(ctx, dialect.Schema); err != nil {
		if owned {
			_ = db.Close()
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) Load(ctx context.Context) ([]subscriptions.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Select)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []subscriptions.Subscription
	for rows.Next() {
		var mt, subscriber string
		if err := rows.Scan(&mt, &subscriber); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		addr, err := endpoint.ParseAny(subscriber)
		if err != nil {
			return nil, fmt.Errorf("stored subscriber %q: %w", subscriber, err)
		}
		out = append(out, subscriptions.Subscription{
			Subscriber:  addr,
			MessageType: routing.ParseMessageType(mt),
		})
	}
	return out, rows.Err()
}

func (s *Store) Save(ctx context.Context, sub subscriptions.Subscription) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Insert,
		sub.MessageType.String(), sub.Subscriber.String(), sub.Subscriber.Key())
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, sub subscriptions.Subscription) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Delete, sub.MessageType.String(), sub.Subscriber.Key())
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
