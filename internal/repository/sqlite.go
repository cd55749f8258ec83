package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/amazinernest/counsellhelp/internal/domain"
	"github.com/amazinernest/counsellhelp/internal/feed"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	pub feed.Publisher
	log *zap.Logger

	// Held across a write and its publish so feed order equals commit order
	writeMu sync.Mutex
	// Last message stamp, guarded by writeMu
	lastMessageAt time.Time
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithPublisher makes every durable write emit a change event.
func WithPublisher(p feed.Publisher) Option {
	return func(s *SQLiteStore) { s.pub = p }
}

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *SQLiteStore) { s.log = l }
}

// NewSQLiteStore opens the database and applies migrations.
func NewSQLiteStore(dsn string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Migrate runs database migrations. It is safe to call repeatedly.
func (s *SQLiteStore) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			full_name TEXT,
			role TEXT,
			credits INTEGER NOT NULL DEFAULT 0 CHECK (credits >= 0),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			counselor_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			last_message_at DATETIME,
			UNIQUE (client_id, counselor_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_counselor ON conversations(counselor_id)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			is_read INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			type TEXT NOT NULL,
			title TEXT NOT NULL,
			body TEXT NOT NULL,
			data TEXT,
			is_read INTEGER NOT NULL DEFAULT 0,
			dedupe_key TEXT,
			created_at DATETIME NOT NULL,
			UNIQUE (user_id, dedupe_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			counselor_id TEXT NOT NULL,
			conversation_id TEXT,
			scheduled_at DATETIME,
			status TEXT NOT NULL,
			amount INTEGER NOT NULL CHECK (amount >= 0),
			commission INTEGER NOT NULL CHECK (commission >= 0),
			counselor_payout INTEGER NOT NULL CHECK (counselor_payout >= 0),
			payment_reference TEXT NOT NULL UNIQUE,
			processor_reference TEXT,
			paid_at DATETIME,
			completed_at DATETIME,
			created_at DATETIME NOT NULL,
			CHECK (amount = commission + counselor_payout)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_pair ON sessions(client_id, counselor_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status_created ON sessions(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS counselor_earnings (
			id TEXT PRIMARY KEY,
			counselor_id TEXT NOT NULL,
			session_id TEXT NOT NULL UNIQUE,
			amount INTEGER NOT NULL,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		)`,
		`CREATE TABLE IF NOT EXISTS platform_earnings (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL UNIQUE,
			amount INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		)`,
		`CREATE TABLE IF NOT EXISTS credit_transactions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			amount INTEGER NOT NULL,
			type TEXT NOT NULL,
			description TEXT,
			payment_reference TEXT NOT NULL UNIQUE,
			processor_reference TEXT,
			price_amount INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (user_id) REFERENCES profiles(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_transactions_user ON credit_transactions(user_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// publish emits a change event. Callers hold writeMu.
func (s *SQLiteStore) publish(collection string, typ feed.EventType, rowID string, keys map[string]string, row interface{}) {
	if s.pub == nil {
		return
	}
	data, err := json.Marshal(row)
	if err != nil {
		s.log.Error("failed to encode change event",
			zap.String("collection", collection),
			zap.String("row_id", rowID),
			zap.Error(err))
		return
	}
	s.pub.Publish(feed.Event{
		Collection: collection,
		Type:       typ,
		RowID:      rowID,
		Keys:       keys,
		Row:        data,
		Ts:         time.Now().UnixMilli(),
	})
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func conflict(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrConflict, what, err)
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

type scanner interface {
	Scan(dest ...interface{}) error
}
