package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"auditgate.org/internal/gateway"
)

// ErrSpoolDisabled is returned by Logger.DrainSpool when no spool is attached.
var ErrSpoolDisabled = errors.New("audit: spool not configured")

// Spool is a local SQLite file holding access log entries the primary store
// rejected. Entries leave the spool only after the store accepted them.
type Spool struct {
	db *sql.DB
}

// Fixed width so spooled_at sorts lexically.
const spoolTimeLayout = "2006-01-02T15:04:05.000000000Z"

const spoolSchema = `create table if not exists spooled_entries (
	id          text primary key,
	payload     text not null,
	spooled_at  text not null,
	attempts    integer not null default 1,
	last_error  text not null default ''
)`

// OpenSpool opens (creating if needed) the spool database at path.
func OpenSpool(path string) (*Spool, error) {
	if path == "" {
		return nil, errors.New("audit: spool path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit: create spool directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open spool: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
		spoolSchema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("audit: init spool: %w", err)
		}
	}
	return &Spool{db: db}, nil
}

// Put stores entry. Spooling the same entry again bumps its attempt count.
func (s *Spool) Put(ctx context.Context, entry gateway.LogEntry, cause error) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err = s.db.ExecContext(ctx, `
		insert into spooled_entries (id, payload, spooled_at, last_error)
		values (?, ?, ?, ?)
		on conflict(id) do update set attempts = attempts + 1, last_error = excluded.last_error`,
		entry.ID, string(payload), time.Now().UTC().Format(spoolTimeLayout), msg)
	return err
}

// Pending returns up to limit spooled entries, oldest first.
func (s *Spool) Pending(ctx context.Context, limit int) ([]gateway.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `select payload from spooled_entries order by spooled_at, id limit ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.LogEntry
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var entry gateway.LogEntry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			return nil, fmt.Errorf("audit: corrupt spool row: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Remove deletes an entry once the store has it.
func (s *Spool) Remove(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `delete from spooled_entries where id = ?`, id)
	return err
}

// Len counts spooled entries.
func (s *Spool) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `select count(*) from spooled_entries`).Scan(&n)
	return n, err
}

func (s *Spool) Close() error { return s.db.Close() }
