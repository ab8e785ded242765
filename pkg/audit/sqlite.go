package audit

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/civicmesh/bridgegate/pkg/classification"
)

// SQLiteStore persists audit entries in SQLite. The schema exposes only
// insert and select paths; there is no update statement anywhere in
// this file by design.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the audit database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an existing database handle.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		sequence INTEGER PRIMARY KEY,
		entry_id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		resource TEXT NOT NULL,
		classification TEXT NOT NULL,
		details TEXT,
		prior_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_entries(actor);
	CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_entries(action);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("audit: migrate sqlite: %w", err)
	}
	return nil
}

// Append inserts one entry. Timestamps are stored as RFC 3339 with
// nanoseconds so that hash recomputation round-trips exactly.
func (s *SQLiteStore) Append(entry Entry) error {
	var details []byte
	if entry.Details != nil {
		var err error
		details, err = json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("audit: serialize details: %w", err)
		}
	}
	_, err := s.db.Exec(`
		INSERT INTO audit_entries
			(sequence, entry_id, timestamp, actor, action, resource, classification, details, prior_hash, entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Sequence,
		entry.EntryID,
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
		entry.Actor,
		entry.Action,
		entry.Resource,
		string(entry.Classification),
		nullableString(details),
		entry.PriorHash,
		entry.EntryHash,
	)
	if err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	return nil
}

func nullableString(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return string(b)
}

// ReadRange returns entries with from <= sequence <= to in order.
func (s *SQLiteStore) ReadRange(from, to uint64) ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT sequence, entry_id, timestamp, actor, action, resource, classification, details, prior_hash, entry_hash
		FROM audit_entries
		WHERE sequence >= ? AND sequence <= ?
		ORDER BY sequence ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("audit: select range: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Last returns the highest-sequence entry.
func (s *SQLiteStore) Last() (Entry, bool, error) {
	row := s.db.QueryRow(`
		SELECT sequence, entry_id, timestamp, actor, action, resource, classification, details, prior_hash, entry_hash
		FROM audit_entries
		ORDER BY sequence DESC LIMIT 1`)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		entry   Entry
		ts      string
		level   string
		details sql.NullString
	)
	err := row.Scan(&entry.Sequence, &entry.EntryID, &ts, &entry.Actor, &entry.Action,
		&entry.Resource, &level, &details, &entry.PriorHash, &entry.EntryHash)
	if err != nil {
		return Entry{}, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: parse timestamp: %w", err)
	}
	entry.Timestamp = parsed
	entry.Classification = classification.Level(level)
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &entry.Details); err != nil {
			return Entry{}, fmt.Errorf("audit: parse details: %w", err)
		}
	}
	return entry, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
