// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides schema creation, migrations and connection setup for both sqlite drivers

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names
const (
	DriverModernc = "sqlite"  // pure Go, default
	DriverCGO     = "sqlite3" // mattn/go-sqlite3, requires cgo
)

// busyTimeoutMillis bounds how long a writer waits for the database lock
const busyTimeoutMillis = 5000

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the
// pure Go driver. The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithDriver(DriverModernc, path)
}

// NewSQLiteStoreWithDriver opens the store with an explicit driver name
// ("sqlite" or "sqlite3"). An empty driver selects the pure Go driver.
func NewSQLiteStoreWithDriver(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if driver == "" {
		driver = DriverModernc
	}
	if driver != DriverModernc && driver != DriverCGO {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	inMemory := path == ":memory:"
	if !inMemory {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, buildDSN(driver, path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if inMemory {
		// Every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		driver: driver,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// buildDSN sets per-connection pragmas through the DSN, since a PRAGMA run
// with db.Exec only reaches one connection of the pool.
func buildDSN(driver, path string) string {
	switch driver {
	case DriverCGO:
		return fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=%d", path, busyTimeoutMillis)
	default:
		return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)", path, busyTimeoutMillis)
	}
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id          INTEGER PRIMARY KEY,
			role        TEXT NOT NULL,
			first_name  TEXT NOT NULL DEFAULT '',
			last_name   TEXT NOT NULL DEFAULT '',
			profile_pic TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL,

			CHECK (role IN ('planner', 'vendor'))
		);

		CREATE TABLE IF NOT EXISTS vendors (
			vendor_user_id INTEGER PRIMARY KEY REFERENCES users(id),
			company_name   TEXT NOT NULL
		);

		-- sent_at is unix nanoseconds (UTC) so ordering is exact in SQL.
		-- conv_low/conv_high hold the conversation key computed by the application.
		CREATE TABLE IF NOT EXISTS messages (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			from_user INTEGER NOT NULL REFERENCES users(id),
			to_user   INTEGER NOT NULL REFERENCES users(id),
			conv_low  INTEGER NOT NULL,
			conv_high INTEGER NOT NULL,
			sent_at   INTEGER NOT NULL,
			body      TEXT NOT NULL,

			CHECK (from_user <> to_user),
			CHECK (conv_low < conv_high)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conv_low, conv_high, sent_at, id);
		CREATE INDEX IF NOT EXISTS idx_messages_from ON messages(from_user);
		CREATE INDEX IF NOT EXISTS idx_messages_to ON messages(to_user);

		-- Last message per conversation, maintained in the append transaction
		CREATE TABLE IF NOT EXISTS conversation_heads (
			conv_low   INTEGER NOT NULL,
			conv_high  INTEGER NOT NULL,
			message_id INTEGER NOT NULL REFERENCES messages(id),
			sent_at    INTEGER NOT NULL,

			PRIMARY KEY (conv_low, conv_high)
		);

		CREATE INDEX IF NOT EXISTS idx_conversation_heads_high ON conversation_heads(conv_high);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies data migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// Migration: backfill conversation_heads for databases that predate it
	var heads, messages int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM conversation_heads`).Scan(&heads); err != nil {
		return fmt.Errorf("counting conversation heads: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&messages); err != nil {
		return fmt.Errorf("counting messages: %w", err)
	}
	if heads > 0 || messages == 0 {
		return nil
	}

	result, err := s.db.Exec(`
		INSERT INTO conversation_heads (conv_low, conv_high, message_id, sent_at)
		SELECT conv_low, conv_high, id, sent_at FROM (
			SELECT conv_low, conv_high, id, sent_at,
			       ROW_NUMBER() OVER (
			           PARTITION BY conv_low, conv_high
			           ORDER BY sent_at DESC, id DESC
			       ) AS rn
			FROM messages
		)
		WHERE rn = 1
	`)
	if err != nil {
		return fmt.Errorf("backfilling conversation heads: %w", err)
	}
	n, _ := result.RowsAffected()
	s.logger.Info("applied migration", "table", "conversation_heads", "rows", n)
	return nil
}

// Ping checks that the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// placeholders returns "?, ?, ?" with n markers
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// int64Args converts ids to a []any suitable for query arguments
func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
