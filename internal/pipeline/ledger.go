package pipeline

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"coherencebus/internal/types"
)

// Ledger persists suspended mutations awaiting operator deliberation. A
// suspended mutation is neither applied nor rejected; it survives restarts
// and leaves the ledger only through an approve or discard decision.
type Ledger struct {
	db *sql.DB
	mu sync.Mutex
}

// Suspended is one parked mutation.
type Suspended struct {
	MutationID  string          `json:"mutation_id"`
	Mutation    *types.Mutation `json:"mutation"`
	Reason      string          `json:"reason"`
	SuspendedAt time.Time       `json:"suspended_at"`
}

// OpenLedger opens (or creates) the deliberation ledger at path.
func OpenLedger(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open deliberation ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.Exec("PRAGMA busy_timeout = 5000")
	db.Exec("PRAGMA journal_mode = WAL")
	db.Exec("PRAGMA synchronous = NORMAL")

	schema := `
	CREATE TABLE IF NOT EXISTS suspended_mutations (
		mutation_id   TEXT PRIMARY KEY,
		mutation_json BLOB NOT NULL,
		reason        TEXT NOT NULL,
		suspended_at  INTEGER NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize ledger schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Suspend parks a mutation. Idempotent on mutation_id.
func (l *Ledger) Suspend(m *types.Mutation, reason string) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode suspended mutation: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.db.Exec(
		`INSERT OR REPLACE INTO suspended_mutations (mutation_id, mutation_json, reason, suspended_at) VALUES (?, ?, ?, ?)`,
		m.MutationID, raw, reason, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("suspend mutation: %w", err)
	}
	return nil
}

// Take removes and returns a parked mutation. Returns (nil, nil) when the id
// is unknown, so duplicate decisions are harmless.
func (l *Ledger) Take(mutationID string) (*Suspended, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var raw []byte
	var reason string
	var at int64
	err := l.db.QueryRow(
		`SELECT mutation_json, reason, suspended_at FROM suspended_mutations WHERE mutation_id = ?`, mutationID,
	).Scan(&raw, &reason, &at)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load suspended mutation: %w", err)
	}
	var m types.Mutation
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode suspended mutation %s: %w", mutationID, err)
	}
	if _, err := l.db.Exec(`DELETE FROM suspended_mutations WHERE mutation_id = ?`, mutationID); err != nil {
		return nil, fmt.Errorf("remove suspended mutation: %w", err)
	}
	return &Suspended{MutationID: mutationID, Mutation: &m, Reason: reason, SuspendedAt: time.Unix(at, 0)}, nil
}

// List returns every parked mutation, oldest first.
func (l *Ledger) List() ([]Suspended, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rows, err := l.db.Query(
		`SELECT mutation_id, mutation_json, reason, suspended_at FROM suspended_mutations ORDER BY suspended_at`)
	if err != nil {
		return nil, fmt.Errorf("list suspended mutations: %w", err)
	}
	defer rows.Close()

	var out []Suspended
	for rows.Next() {
		var s Suspended
		var raw []byte
		var at int64
		if err := rows.Scan(&s.MutationID, &raw, &s.Reason, &at); err != nil {
			return nil, fmt.Errorf("scan suspended mutation: %w", err)
		}
		var m types.Mutation
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode suspended mutation %s: %w", s.MutationID, err)
		}
		s.Mutation = &m
		s.SuspendedAt = time.Unix(at, 0)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close releases the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
