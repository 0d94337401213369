package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vdplabs/guidance/internal/guideline"
)

// MemoryStore is an in-process Store for tests and single-instance
// development. The mutex serializes activation the way the Postgres
// transaction does.
type MemoryStore struct {
	mu       sync.Mutex
	programs map[string]string // program id -> organization id
	versions map[string][]*guideline.Version
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		programs: make(map[string]string),
		versions: make(map[string][]*guideline.Version),
		now:      time.Now,
	}
}

// RegisterProgram records program ownership. In production the programs
// table is maintained by the platform's CRUD layer.
func (m *MemoryStore) RegisterProgram(programID, orgID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.programs[programID] = orgID
}

func (m *MemoryStore) checkProgram(orgID, programID string) error {
	owner, ok := m.programs[programID]
	if !ok || owner != orgID {
		return ErrTenantIsolation
	}
	return nil
}

func (m *MemoryStore) SaveDraft(ctx context.Context, orgID, programID string, doc guideline.Document, modelUsed, notes string, activate bool) (*guideline.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkProgram(orgID, programID); err != nil {
		return nil, err
	}

	next := 1
	for _, v := range m.versions[programID] {
		if v.Version >= next {
			next = v.Version + 1
		}
	}

	if activate {
		for _, v := range m.versions[programID] {
			v.IsActive = false
		}
	}

	v := &guideline.Version{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		ProgramID:      programID,
		Version:        next,
		Document:       doc,
		ModelUsed:      modelUsed,
		IsActive:       activate,
		Notes:          notes,
		CreatedAt:      m.now().UTC(),
	}
	m.versions[programID] = append(m.versions[programID], v)

	return copyVersion(v), nil
}

func (m *MemoryStore) Activate(ctx context.Context, orgID, programID string, version int) (*guideline.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkProgram(orgID, programID); err != nil {
		return nil, err
	}

	var target *guideline.Version
	for _, v := range m.versions[programID] {
		if v.Version == version {
			target = v
			break
		}
	}
	if target == nil {
		return nil, ErrVersionNotFound
	}

	for _, v := range m.versions[programID] {
		v.IsActive = v.Version == version
	}

	return copyVersion(target), nil
}

func (m *MemoryStore) History(ctx context.Context, orgID, programID string) ([]*guideline.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkProgram(orgID, programID); err != nil {
		return nil, err
	}

	versions := make([]*guideline.Version, 0, len(m.versions[programID]))
	for _, v := range m.versions[programID] {
		versions = append(versions, copyVersion(v))
	}
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Version > versions[j].Version
	})
	return versions, nil
}

func (m *MemoryStore) Active(ctx context.Context, orgID, programID string) (*guideline.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkProgram(orgID, programID); err != nil {
		return nil, err
	}

	for _, v := range m.versions[programID] {
		if v.IsActive {
			return copyVersion(v), nil
		}
	}
	return nil, nil
}

// copyVersion returns a defensive copy so callers cannot mutate stored
// records through the returned pointer.
func copyVersion(v *guideline.Version) *guideline.Version {
	out := *v
	out.Document.Categories = append([]guideline.Category(nil), v.Document.Categories...)
	return &out
}
