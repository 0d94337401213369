package calibration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/vdplabs/guidance/internal/store"
)

// ErrNoCalibration is returned when a program has no calibration answers
// yet. Generation requires a completed calibration.
var ErrNoCalibration = errors.New("no calibration data for program")

// SnapshotStore reads calibration snapshots. The calibration UI that writes
// answers lives outside this service; we only ever read. Lookups are scoped
// to the calling organization: a program owned by another org is
// indistinguishable from one that does not exist.
type SnapshotStore interface {
	Snapshot(ctx context.Context, orgID, programID string) (*Snapshot, error)
}

// SQLStore reads snapshots from the calibration_answers table maintained by
// the platform's CRUD layer.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a snapshot reader backed by the shared database.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Snapshot(ctx context.Context, orgID, programID string) (*Snapshot, error) {
	var owned bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM programs WHERE id = $1 AND organization_id = $2)`,
		programID, orgID).Scan(&owned)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve program: %w", err)
	}
	if !owned {
		return nil, store.ErrTenantIsolation
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT question_key, answer_value FROM calibration_answers WHERE program_id = $1`,
		programID)
	if err != nil {
		return nil, fmt.Errorf("failed to query calibration answers: %w", err)
	}
	defer rows.Close()

	answers := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan calibration answer: %w", err)
		}
		answers[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(answers) == 0 {
		return nil, ErrNoCalibration
	}

	return &Snapshot{ProgramID: programID, Answers: answers}, nil
}

// MemoryStore is an in-memory SnapshotStore for tests and single-process
// development setups.
type MemoryStore struct {
	mu        sync.RWMutex
	owners    map[string]string
	snapshots map[string]map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		owners:    make(map[string]string),
		snapshots: make(map[string]map[string]string),
	}
}

// Put stores the answers for a program under its owning organization,
// replacing any previous set.
func (m *MemoryStore) Put(programID, orgID string, answers map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make(map[string]string, len(answers))
	for k, v := range answers {
		copied[k] = v
	}
	m.owners[programID] = orgID
	m.snapshots[programID] = copied
}

func (m *MemoryStore) Snapshot(ctx context.Context, orgID, programID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	owner, ok := m.owners[programID]
	if !ok || owner != orgID {
		return nil, store.ErrTenantIsolation
	}

	answers := m.snapshots[programID]
	if len(answers) == 0 {
		return nil, ErrNoCalibration
	}

	copied := make(map[string]string, len(answers))
	for k, v := range answers {
		copied[k] = v
	}
	return &Snapshot{ProgramID: programID, Answers: copied}, nil
}
