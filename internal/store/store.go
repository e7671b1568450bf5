// Package store persists users, sessions, credit transactions and reviews in
// SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sqlite3 "github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a uniqueness constraint rejects a write.
	ErrConflict = errors.New("store: conflict")
)

// Store is the database handle. Reads and single writes go through the
// embedded queries; multi-statement changes use InTx.
type Store struct {
	queries
	db *sql.DB
}

// Open opens (and migrates) the database at path. ":memory:" opens a private
// in-memory database.
func Open(path string) (*Store, error) {
	dsn := path
	memory := path == ":memory:" || strings.Contains(path, "mode=memory")
	if !memory {
		// Immediate transactions take the write lock up front so two
		// read-then-write transactions cannot deadlock each other.
		dsn = "file:" + path + "?_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Each in-memory connection is its own database.
	if memory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{queries: queries{q: db}, db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Tx exposes the same queries inside a transaction.
type Tx struct {
	queries
}

// InTx runs fn in a transaction, committing when fn returns nil. fn must only
// use the Tx it is given.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&Tx{queries: queries{q: sqlTx}}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			credits INTEGER NOT NULL DEFAULT 0,
			total_sessions_teaching INTEGER NOT NULL DEFAULT 0,
			total_sessions_learning INTEGER NOT NULL DEFAULT 0,
			review_count INTEGER NOT NULL DEFAULT 0,
			average_rating REAL NOT NULL DEFAULT 0,
			reputation TEXT NOT NULL DEFAULT 'New',
			skills_offered TEXT,
			skills_wanted TEXT,
			location TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			teacher_id TEXT NOT NULL REFERENCES users(user_id),
			learner_id TEXT NOT NULL REFERENCES users(user_id),
			skill_teaching TEXT NOT NULL,
			skill_learning TEXT NOT NULL DEFAULT '',
			session_type TEXT NOT NULL,
			status TEXT NOT NULL,
			scheduled_time DATETIME,
			schedule_revision INTEGER NOT NULL DEFAULT 0,
			teacher_confirmed INTEGER NOT NULL DEFAULT 0,
			learner_confirmed INTEGER NOT NULL DEFAULT 0,
			credits INTEGER NOT NULL DEFAULT 1,
			location TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			start_time DATETIME,
			end_time DATETIME,
			completed_at DATETIME,
			credits_transferred INTEGER NOT NULL DEFAULT 0,
			last_read TEXT,
			checked_in_by TEXT NOT NULL DEFAULT '',
			check_in_time DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_teacher ON sessions(teacher_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_learner ON sessions(learner_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS credit_transactions (
			transaction_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(user_id),
			session_id TEXT NOT NULL DEFAULT '',
			amount INTEGER NOT NULL,
			reason TEXT NOT NULL,
			new_balance INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			seq INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_transactions_user ON credit_transactions(user_id, seq)`,
		`CREATE TABLE IF NOT EXISTS reviews (
			review_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(session_id),
			reviewer_id TEXT NOT NULL,
			reviewee_id TEXT NOT NULL,
			rating INTEGER NOT NULL CHECK (rating BETWEEN 1 AND 5),
			comment TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			UNIQUE (session_id, reviewer_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reviews_reviewee ON reviews(reviewee_id, created_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q querier
}

// isUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY
// constraint failure. sqlite reports the two with different extended codes.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return err
}
