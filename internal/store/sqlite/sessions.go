// Package sqlite implements the session backing on an embedded sqlite
// database. Entries keep their JSONL shape in a single column, so the
// manager and compactor behave identically over either backing.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bashclaw/bashclaw/internal/sessions"
	"github.com/bashclaw/bashclaw/internal/state"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_entries (
	session_key TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	body        TEXT NOT NULL,
	PRIMARY KEY (session_key, seq)
);
CREATE TABLE IF NOT EXISTS session_meta (
	session_key TEXT PRIMARY KEY,
	body        TEXT NOT NULL,
	updated_at  INTEGER NOT NULL
);
`

// Backing stores sessions in one sqlite file under the state root.
type Backing struct {
	db *sql.DB
}

// Open creates (or opens) sessions.db under the state root.
func Open(root *state.Root) (*Backing, error) {
	path := filepath.Join(root.Dir(), "sessions.db")
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sessions.db: %w", err)
	}
	// modernc sqlite is single-writer; serialize at the pool level.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sessions.db schema: %w", err)
	}
	return &Backing{db: db}, nil
}

// Close releases the database handle.
func (b *Backing) Close() error { return b.db.Close() }

// Append writes one entry at the next sequence number.
func (b *Backing) Append(key string, e sessions.Entry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	_, err = b.db.Exec(`
		INSERT INTO session_entries (session_key, seq, body)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM session_entries WHERE session_key = ?), ?)`,
		key, key, string(body))
	if err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	return nil
}

// Read loads all entries in order. Corrupt rows are skipped.
func (b *Backing) Read(key string) ([]sessions.Entry, error) {
	rows, err := b.db.Query(
		`SELECT body FROM session_entries WHERE session_key = ? ORDER BY seq`, key)
	if err != nil {
		return nil, fmt.Errorf("read entries: %w", err)
	}
	defer rows.Close()

	var entries []sessions.Entry
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var e sessions.Entry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Replace rewrites the whole log in one transaction.
func (b *Backing) Replace(key string, entries []sessions.Entry) error {
	tx, err := b.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM session_entries WHERE session_key = ?`, key); err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}
	for i, e := range entries {
		body, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO session_entries (session_key, seq, body) VALUES (?, ?, ?)`,
			key, i+1, string(body)); err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
	}
	return tx.Commit()
}

// Delete removes the log and sidecar row.
func (b *Backing) Delete(key string) error {
	if _, err := b.db.Exec(`DELETE FROM session_entries WHERE session_key = ?`, key); err != nil {
		return err
	}
	_, err := b.db.Exec(`DELETE FROM session_meta WHERE session_key = ?`, key)
	return err
}

// List returns all stored session keys.
func (b *Backing) List() ([]string, error) {
	rows, err := b.db.Query(`SELECT DISTINCT session_key FROM session_entries ORDER BY session_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Size returns the stored byte size of the log.
func (b *Backing) Size(key string) (int64, error) {
	var size sql.NullInt64
	err := b.db.QueryRow(
		`SELECT SUM(LENGTH(body)) FROM session_entries WHERE session_key = ?`, key).Scan(&size)
	if err != nil {
		return 0, err
	}
	return size.Int64, nil
}

// LoadMeta reads the sidecar row; a missing row yields a zero Meta.
func (b *Backing) LoadMeta(key string) (sessions.Meta, error) {
	var body string
	err := b.db.QueryRow(
		`SELECT body FROM session_meta WHERE session_key = ?`, key).Scan(&body)
	if err == sql.ErrNoRows {
		return sessions.Meta{}, nil
	}
	if err != nil {
		return sessions.Meta{}, err
	}
	var m sessions.Meta
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return sessions.Meta{}, fmt.Errorf("parse meta: %w", err)
	}
	return m, nil
}

// SaveMeta upserts the sidecar row.
func (b *Backing) SaveMeta(key string, m sessions.Meta) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	_, err = b.db.Exec(`
		INSERT INTO session_meta (session_key, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		key, string(body), time.Now().UnixMilli())
	return err
}
