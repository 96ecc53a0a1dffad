// Package store provides persistent storage for huddle-chat using SQLite.
//
// # Architecture
//
// The store package splits its surface into two interfaces:
//
//   - MessageStore: the append-only message log and its read paths
//   - UserDirectory: read access to user display attributes and vendor profiles
//
// Store composes both with seeding helpers used by the CLI. SQLiteStore
// implements Store in a single struct.
//
// # Data Models
//
//   - User: a planner or vendor account (id, role, names, profile picture)
//   - VendorProfile: one-to-one vendor extension carrying the company name
//   - Message: immutable message between two distinct users
//   - MessageDraft: a message before the database assigns its id
//
// # Conversations
//
// Every message row carries conv_low and conv_high, the ordered participant
// pair. The conversation_heads table keeps the newest message of each pair,
// ordered by (sent_at, id), and is updated in the same transaction as the
// insert. Timestamps are stored as unix nanoseconds so SQL ordering is exact.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Two drivers are registered. "sqlite" (modernc.org/sqlite) is pure Go and
// the default; "sqlite3" (github.com/mattn/go-sqlite3) requires cgo.
//
// # Error Handling
//
//   - ErrNotFound: requested user does not exist
//   - ErrSelfMessage, ErrUnknownUser, ErrEmptyBody: rejected drafts
//   - *BatchError: per-index failures of AppendMessages; nothing is committed
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests:
//
//	s := store.NewMockStore()
//
// Use NewSQLiteStore(filepath.Join(t.TempDir(), "test.db")) for integration
// tests with real SQLite.
package store
