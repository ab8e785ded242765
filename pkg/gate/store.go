package gate

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ApprovalStore persists approval requests keyed by id, with a lookup
// by idempotency key. Only the engine writes to it.
type ApprovalStore interface {
	Put(req ApprovalRequest) error
	Get(id string) (ApprovalRequest, bool, error)
	GetByIdempotencyKey(key string) (ApprovalRequest, bool, error)
	Delete(id string) error
	List(states ...State) ([]ApprovalRequest, error)
	Close() error
}

// MemoryApprovalStore is the in-process store used in tests and
// single-node demos.
type MemoryApprovalStore struct {
	mu    sync.RWMutex
	byID  map[string]ApprovalRequest
	byKey map[string]string
}

func NewMemoryApprovalStore() *MemoryApprovalStore {
	return &MemoryApprovalStore{
		byID:  make(map[string]ApprovalRequest),
		byKey: make(map[string]string),
	}
}

func (s *MemoryApprovalStore) Put(req ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[req.ID] = req
	s.byKey[req.Action.IdempotencyKey] = req.ID
	return nil
}

func (s *MemoryApprovalStore) Get(id string) (ApprovalRequest, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.byID[id]
	return req, ok, nil
}

func (s *MemoryApprovalStore) GetByIdempotencyKey(key string) (ApprovalRequest, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return ApprovalRequest{}, false, nil
	}
	req, ok := s.byID[id]
	return req, ok, nil
}

func (s *MemoryApprovalStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req, ok := s.byID[id]; ok {
		delete(s.byKey, req.Action.IdempotencyKey)
		delete(s.byID, id)
	}
	return nil
}

func (s *MemoryApprovalStore) List(states ...State) ([]ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[State]bool, len(states))
	for _, st := range states {
		want[st] = true
	}
	var out []ApprovalRequest
	for _, req := range s.byID {
		if len(want) == 0 || want[req.State] {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryApprovalStore) Close() error { return nil }

// SQLiteApprovalStore persists approval requests in an embedded
// database, keeping the full request as a JSON document with the
// queried columns broken out.
type SQLiteApprovalStore struct {
	db *sql.DB
}

// OpenSQLiteApprovalStore opens or creates the database at path and
// migrates the schema.
func OpenSQLiteApprovalStore(path string) (*SQLiteApprovalStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open approval store: %w", err)
	}
	s := &SQLiteApprovalStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteApprovalStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS approval_requests (
			id              TEXT PRIMARY KEY,
			idempotency_key TEXT NOT NULL UNIQUE,
			state           TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			doc             TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_approvals_state ON approval_requests(state);
	`)
	if err != nil {
		return fmt.Errorf("migrate approval store: %w", err)
	}
	return nil
}

func (s *SQLiteApprovalStore) Put(req ApprovalRequest) error {
	doc, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode approval request: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO approval_requests (id, idempotency_key, state, created_at, doc)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state, doc = excluded.doc
	`, req.ID, req.Action.IdempotencyKey, string(req.State), req.CreatedAt.UTC().Format(time.RFC3339Nano), string(doc))
	if err != nil {
		return fmt.Errorf("put approval request: %w", err)
	}
	return nil
}

func (s *SQLiteApprovalStore) Get(id string) (ApprovalRequest, bool, error) {
	row := s.db.QueryRow(`SELECT doc FROM approval_requests WHERE id = ?`, id)
	return scanApproval(row)
}

func (s *SQLiteApprovalStore) GetByIdempotencyKey(key string) (ApprovalRequest, bool, error) {
	row := s.db.QueryRow(`SELECT doc FROM approval_requests WHERE idempotency_key = ?`, key)
	return scanApproval(row)
}

func scanApproval(row *sql.Row) (ApprovalRequest, bool, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ApprovalRequest{}, false, nil
		}
		return ApprovalRequest{}, false, fmt.Errorf("scan approval request: %w", err)
	}
	var req ApprovalRequest
	if err := json.Unmarshal([]byte(doc), &req); err != nil {
		return ApprovalRequest{}, false, fmt.Errorf("decode approval request: %w", err)
	}
	return req, true, nil
}

func (s *SQLiteApprovalStore) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM approval_requests WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete approval request: %w", err)
	}
	return nil
}

func (s *SQLiteApprovalStore) List(states ...State) ([]ApprovalRequest, error) {
	query := `SELECT doc FROM approval_requests ORDER BY created_at`
	args := make([]interface{}, 0, len(states))
	if len(states) > 0 {
		query = `SELECT doc FROM approval_requests WHERE state IN (?` + strings.Repeat(",?", len(states)-1) + `) ORDER BY created_at`
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approval requests: %w", err)
	}
	defer rows.Close()

	var out []ApprovalRequest
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan approval request: %w", err)
		}
		var req ApprovalRequest
		if err := json.Unmarshal([]byte(doc), &req); err != nil {
			return nil, fmt.Errorf("decode approval request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *SQLiteApprovalStore) Close() error { return s.db.Close() }
