// ABOUTME: database/sql implementation of relaydesk persistence
// ABOUTME: Runs on modernc sqlite (default), mattn sqlite3, or postgres via lib/pq

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite"  // modernc.org/sqlite, pure Go
	DriverSQLite3  = "sqlite3" // github.com/mattn/go-sqlite3, cgo
	DriverPostgres = "postgres"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLStore implements every relaydesk store on top of database/sql.
type SQLStore struct {
	db       *sql.DB
	driver   string
	logger   *slog.Logger
	postgres bool
}

// NewSQLiteStore opens (or creates) a pure-Go SQLite database at path.
// Parent directories are created if needed. ":memory:" is accepted.
func NewSQLiteStore(path string) (*SQLStore, error) {
	return Open(DriverSQLite, path)
}

// Open connects using the named driver and creates the schema if missing.
func Open(driver, dsn string) (*SQLStore, error) {
	logger := slog.Default().With("component", "store")

	isSQLite := driver == DriverSQLite || driver == DriverSQLite3
	if !isSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	if isSQLite && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if isSQLite {
		// One connection serializes writers and keeps :memory: databases whole.
		db.SetMaxOpenConns(1)

		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling foreign keys: %w", err)
		}
	}

	s := &SQLStore{
		db:       db,
		driver:   driver,
		logger:   logger,
		postgres: driver == DriverPostgres,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("store initialized", "driver", driver)
	return s, nil
}

// createSchema creates the tables if they don't exist. The DDL is shared by
// SQLite and Postgres.
func (s *SQLStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id               TEXT PRIMARY KEY,
			company_id       TEXT NOT NULL,
			contact_id       TEXT NOT NULL,
			channel_type     TEXT NOT NULL,
			status           TEXT NOT NULL,
			assigned_to      TEXT,
			last_assigned_to TEXT,
			unread_count     INTEGER NOT NULL DEFAULT 0,
			last_activity_at TEXT NOT NULL,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL,
			version          INTEGER NOT NULL DEFAULT 1,

			CHECK (status IN ('unassigned', 'active', 'closed')),
			CHECK (channel_type IN ('whatsapp', 'instagram', 'messenger', 'telegram', 'widget', 'email')),
			CHECK (unread_count >= 0),
			CHECK (assigned_to IS NULL OR status = 'active'),
			CHECK (status <> 'unassigned' OR assigned_to IS NULL)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_open
			ON conversations(company_id, contact_id, channel_type) WHERE status <> 'closed';
		CREATE INDEX IF NOT EXISTS idx_conversations_company
			ON conversations(company_id, status, last_activity_at);

		CREATE TABLE IF NOT EXISTS campaigns (
			id              TEXT PRIMARY KEY,
			company_id      TEXT NOT NULL,
			name            TEXT NOT NULL,
			content         TEXT NOT NULL,
			status          TEXT NOT NULL,
			sending_rate    INTEGER NOT NULL,
			total_contacts  INTEGER NOT NULL DEFAULT 0,
			sent_count      INTEGER NOT NULL DEFAULT 0,
			delivered_count INTEGER NOT NULL DEFAULT 0,
			read_count      INTEGER NOT NULL DEFAULT 0,
			reply_count     INTEGER NOT NULL DEFAULT 0,
			failed_count    INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,
			started_at      TEXT,
			finished_at     TEXT,

			CHECK (status IN ('draft', 'running', 'paused', 'completed', 'failed')),
			CHECK (sending_rate > 0),
			CHECK (sent_count <= total_contacts),
			CHECK (delivered_count <= sent_count),
			CHECK (read_count <= delivered_count),
			CHECK (reply_count <= read_count),
			CHECK (sent_count + failed_count <= total_contacts)
		);

		CREATE INDEX IF NOT EXISTS idx_campaigns_company ON campaigns(company_id, status);

		CREATE TABLE IF NOT EXISTS campaign_contacts (
			campaign_id  TEXT NOT NULL REFERENCES campaigns(id),
			contact_id   TEXT NOT NULL,
			address      TEXT NOT NULL,
			channel_type TEXT NOT NULL,
			position     INTEGER NOT NULL,

			PRIMARY KEY (campaign_id, contact_id)
		);

		CREATE TABLE IF NOT EXISTS dispatch_jobs (
			campaign_id         TEXT NOT NULL REFERENCES campaigns(id),
			contact_id          TEXT NOT NULL,
			address             TEXT NOT NULL,
			channel_type        TEXT NOT NULL,
			position            INTEGER NOT NULL,
			state               TEXT NOT NULL,
			attempts            INTEGER NOT NULL DEFAULT 0,
			last_error          TEXT,
			dispatch_key        TEXT NOT NULL UNIQUE,
			provider_message_id TEXT,
			in_flight           INTEGER NOT NULL DEFAULT 0,
			next_attempt_at     TEXT NOT NULL,
			updated_at          TEXT NOT NULL,

			PRIMARY KEY (campaign_id, contact_id),
			CHECK (state IN ('queued', 'sent', 'delivered', 'read', 'replied', 'failed')),
			CHECK (attempts >= 0)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_dispatch_jobs_provider_message
			ON dispatch_jobs(provider_message_id) WHERE provider_message_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_dispatch_jobs_ready
			ON dispatch_jobs(campaign_id, state, in_flight, next_attempt_at, position);

		CREATE TABLE IF NOT EXISTS recent_events (
			event_id    TEXT PRIMARY KEY,
			topic       TEXT NOT NULL,
			seq         INTEGER NOT NULL,
			type        TEXT NOT NULL,
			payload     TEXT NOT NULL,
			occurred_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_recent_events_topic ON recent_events(topic, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	s.logger.Info("closing store")
	return s.db.Close()
}

// Ping checks the database connection; used by the readiness check.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q rebinds ? placeholders for the active driver.
func (s *SQLStore) q(query string) string {
	if !s.postgres {
		return query
	}
	return rebindDollar(query)
}

// forUpdate locks selected rows until the transaction ends. SQLite already
// serializes transactions on its single connection.
func (s *SQLStore) forUpdate() string {
	if s.postgres {
		return " FOR UPDATE"
	}
	return ""
}

// rebindDollar rewrites ? placeholders as $1, $2, ... for Postgres.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// withTx runs fn in a transaction, committing on success.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// isConstraintViolation checks for a UNIQUE violation on either backend.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "duplicate key value")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// nullString returns nil for empty strings, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func ptrFromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
