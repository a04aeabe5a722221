package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// SQLite is a key-value store backed by a SQLite database. Entries do
// not expire; this is the "local storage" persistence variant. All
// public methods are safe for concurrent use (SQLite serializes writes).
type SQLite struct {
	db *sql.DB
}

// NewSQLite creates a widget state store on an open database handle.
// The caller owns the handle and the driver registration. The schema is
// created automatically on first use.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate widget state: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS widget_state (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the stored value for key. Returns empty string and nil
// error if the key does not exist.
func (s *SQLite) Get(key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM widget_state WHERE key = ?`, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

// Set upserts a key/value pair. Existing values are overwritten and the
// updated_at timestamp is refreshed.
func (s *SQLite) Set(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO widget_state (key, value, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key. No error is returned if the key does not exist.
func (s *SQLite) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM widget_state WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
