package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrInvalidKey = errors.New("invalid key")
)

const maxKeyLen = 128

// Store is the durable process-wide key-value store. Writes are
// last-writer-wins per key; SetMany and Take are transactional.
type Store struct {
	db *sql.DB
}

type HistoryEntry struct {
	Key        string
	Op         string
	RecordedAt time.Time
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT pref_value FROM preferences WHERE pref_key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.SetMany(ctx, map[string]string{key: value})
}

// SetMany writes every pair in one transaction.
func (s *Store) SetMany(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		if err := validateKey(k); err != nil {
			return err
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	now := ts(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set tx: %w", err)
	}
	for _, k := range keys {
		_, err := tx.ExecContext(ctx, `
INSERT INTO preferences(pref_key, pref_value, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(pref_key) DO UPDATE SET
	pref_value = excluded.pref_value,
	updated_at = excluded.updated_at
`, k, values[k], now)
		if err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("set %s: %w", k, err)
		}
		if err := recordHistory(ctx, tx, k, "set", now); err != nil {
			tx.Rollback() //nolint:errcheck
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set tx: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	now := ts(time.Now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM preferences WHERE pref_key = ?`, key)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		if err := recordHistory(ctx, tx, key, "delete", now); err != nil {
			tx.Rollback() //nolint:errcheck
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete tx: %w", err)
	}
	return nil
}

// Take reads and clears key atomically. It backs one-shot handoff slots:
// at most one caller observes a written value.
func (s *Store) Take(ctx context.Context, key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin take tx: %w", err)
	}
	var value string
	err = tx.QueryRowContext(ctx, `SELECT pref_value FROM preferences WHERE pref_key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		tx.Rollback() //nolint:errcheck
		return "", ErrNotFound
	}
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return "", fmt.Errorf("take %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM preferences WHERE pref_key = ?`, key); err != nil {
		tx.Rollback() //nolint:errcheck
		return "", fmt.Errorf("clear %s: %w", key, err)
	}
	if err := recordHistory(ctx, tx, key, "take", ts(time.Now())); err != nil {
		tx.Rollback() //nolint:errcheck
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit take tx: %w", err)
	}
	return value, nil
}

func (s *Store) GetJSON(ctx context.Context, key string, out any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) SetJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, string(raw))
}

// History lists recorded writes for key, oldest first.
func (s *Store) History(ctx context.Context, key string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT pref_key, op, recorded_at
FROM preference_history
WHERE pref_key = ?
ORDER BY history_id ASC`, key)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	out := make([]HistoryEntry, 0)
	for rows.Next() {
		var (
			entry      HistoryEntry
			recordedAt string
		)
		if err := rows.Scan(&entry.Key, &entry.Op, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entry.RecordedAt, err = parseTS(recordedAt)
		if err != nil {
			return nil, fmt.Errorf("parse history time: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter history: %w", err)
	}
	return out, nil
}

func recordHistory(ctx context.Context, tx *sql.Tx, key, op, at string) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO preference_history(pref_key, op, recorded_at) VALUES (?, ?, ?)`, key, op, at); err != nil {
		return fmt.Errorf("record history %s: %w", key, err)
	}
	return nil
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" || len(key) > maxKeyLen {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
