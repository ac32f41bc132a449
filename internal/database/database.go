package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect identifies the SQL engine behind a DB
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

// DB wraps the database connection
type DB struct {
	conn    *sql.DB
	dialect Dialect
}

// New creates a new database connection.
// postgres:// and postgresql:// URLs use Postgres, anything else is a SQLite file path.
func New(dsn string) (*DB, error) {
	dialect := dialectFor(dsn)

	if dialect == DialectSQLite && !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	conn, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == DialectSQLite {
		// single writer; also keeps in-memory databases on one connection
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn, dialect: dialect}

	// Initialize tables and run migrations
	if err := db.createTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if err := db.migrateSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return db, nil
}

func dialectFor(dsn string) Dialect {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DialectPostgres
	}
	return DialectSQLite
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// rebind rewrites ? placeholders into $n for Postgres
func (db *DB) rebind(query string) string {
	if db.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// createTables creates the necessary tables
func (db *DB) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS attendance_events (
			guild_id TEXT NOT NULL PRIMARY KEY,
			channel_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_date TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			ended_at BIGINT,
			started_by TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS attendance_state (
			guild_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			event_date TEXT NOT NULL,
			session_start BIGINT,
			accumulated_seconds BIGINT NOT NULL DEFAULT 0,
			longest_session_seconds BIGINT NOT NULL DEFAULT 0,
			last_persisted_at BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (guild_id, user_id, event_date)
		)`,
		`CREATE TABLE IF NOT EXISTS attendance_records (
			guild_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			event_date TEXT NOT NULL,
			event_type TEXT NOT NULL,
			duration_seconds BIGINT NOT NULL DEFAULT 0,
			longest_session_seconds BIGINT NOT NULL DEFAULT 0,
			qualified INTEGER,
			adjustment_type TEXT NOT NULL DEFAULT 'automatic',
			adjusted_by TEXT,
			adjustment_reason TEXT,
			updated_at BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (guild_id, user_id, event_date)
		)`,
		`CREATE TABLE IF NOT EXISTS attendance_event_history (
			guild_id TEXT NOT NULL,
			event_date TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			ended_at BIGINT NOT NULL,
			started_by TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (guild_id, event_date)
		)`,
		`CREATE TABLE IF NOT EXISTS guild_attendance_config (
			guild_id TEXT NOT NULL PRIMARY KEY,
			movie_threshold_minutes INTEGER NOT NULL DEFAULT 30,
			attendance_mode TEXT NOT NULL DEFAULT 'cumulative',
			game_threshold_percent INTEGER NOT NULL DEFAULT 50,
			updated_at BIGINT NOT NULL DEFAULT 0
		)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// migrateSchema handles database schema migrations
func (db *DB) migrateSchema() error {
	columns := []struct {
		table  string
		column string
		ddl    string
	}{
		// event length is needed to re-evaluate game verdicts on manual adjustment
		{"attendance_records", "event_duration_seconds", "BIGINT NOT NULL DEFAULT 0"},
		{"guild_attendance_config", "qualified_role_id", "TEXT NOT NULL DEFAULT ''"},
		{"guild_attendance_config", "log_channel_id", "TEXT NOT NULL DEFAULT ''"},
	}

	for _, c := range columns {
		if err := db.addColumn(c.table, c.column, c.ddl); err != nil {
			log.Printf("Warning: Migration failed for %s.%s: %v", c.table, c.column, err)
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS attendance_records_event_idx ON attendance_records (guild_id, event_date)`,
		`CREATE INDEX IF NOT EXISTS attendance_events_open_idx ON attendance_events (ended_at)`,
	}
	for _, query := range indexes {
		if _, err := db.conn.Exec(query); err != nil {
			log.Printf("Warning: Migration failed (this might be expected): %v", err)
		}
	}

	return nil
}

// addColumn adds a column when it is not present yet
func (db *DB) addColumn(table, column, ddl string) error {
	var query string
	switch db.dialect {
	case DialectPostgres:
		query = `SELECT COUNT(*) FROM information_schema.columns WHERE table_name = ? AND column_name = ?`
	default:
		query = `SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`
	}

	var n int
	if err := db.conn.QueryRow(db.rebind(query), table, column).Scan(&n); err != nil {
		return fmt.Errorf("failed to inspect columns: %w", err)
	}
	if n > 0 {
		return nil
	}

	_, err := db.conn.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, ddl))
	return err
}

// RunInTx runs fn inside a transaction, committing when fn returns nil
func (db *DB) RunInTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
