package audit

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/civicmesh/bridgegate/pkg/classification"
)

// PostgresStore persists audit entries in Postgres for deployments that
// share one chain across replicas. Append-only like the SQLite store.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgresStore connects with a lib/pq DSN and ensures the schema.
func OpenPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing handle without migrating; used by
// tests and by callers that manage schema externally.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		sequence BIGINT PRIMARY KEY,
		entry_id TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		ts_raw TEXT NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		resource TEXT NOT NULL,
		classification TEXT NOT NULL,
		details JSONB,
		prior_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL
	)`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("audit: migrate postgres: %w", err)
	}
	return nil
}

// Append inserts one entry. ts_raw keeps the exact RFC 3339 form used
// in the chain hash; ts exists for time-range indexing.
func (s *PostgresStore) Append(entry Entry) error {
	var details interface{}
	if entry.Details != nil {
		b, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("audit: serialize details: %w", err)
		}
		details = string(b)
	}
	raw := entry.Timestamp.UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`
		INSERT INTO audit_entries
			(sequence, entry_id, ts, ts_raw, actor, action, resource, classification, details, prior_hash, entry_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.Sequence, entry.EntryID, entry.Timestamp.UTC(), raw,
		entry.Actor, entry.Action, entry.Resource, string(entry.Classification),
		details, entry.PriorHash, entry.EntryHash,
	)
	if err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	return nil
}

// ReadRange returns entries with from <= sequence <= to in order.
func (s *PostgresStore) ReadRange(from, to uint64) ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT sequence, entry_id, ts_raw, actor, action, resource, classification, details, prior_hash, entry_hash
		FROM audit_entries
		WHERE sequence >= $1 AND sequence <= $2
		ORDER BY sequence ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("audit: select range: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		entry, err := scanPostgresEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Last returns the highest-sequence entry.
func (s *PostgresStore) Last() (Entry, bool, error) {
	row := s.db.QueryRow(`
		SELECT sequence, entry_id, ts_raw, actor, action, resource, classification, details, prior_hash, entry_hash
		FROM audit_entries
		ORDER BY sequence DESC LIMIT 1`)
	entry, err := scanPostgresEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func scanPostgresEntry(row rowScanner) (Entry, error) {
	var (
		entry   Entry
		tsRaw   string
		level   string
		details sql.NullString
	)
	err := row.Scan(&entry.Sequence, &entry.EntryID, &tsRaw, &entry.Actor, &entry.Action,
		&entry.Resource, &level, &details, &entry.PriorHash, &entry.EntryHash)
	if err != nil {
		return Entry{}, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, tsRaw)
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
func (s *PostgresStore) Close() error { return s.db.Close() }
