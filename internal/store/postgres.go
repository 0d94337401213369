package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/vdplabs/guidance/internal/guideline"
)

// Postgres error codes the store recovers from by retrying once.
const (
	pqUniqueViolation      = "23505"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
)

// PostgresStore persists guideline versions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres opens a PostgreSQL-backed store and initializes its schema.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// NewPostgresFromDB wraps an existing connection, for sharing one pool with
// the calibration reader.
func NewPostgresFromDB(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// DB exposes the underlying connection for collaborators that share it.
func (s *PostgresStore) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) initSchema() error {
	schema := `
	-- Programs are owned by the platform's CRUD layer; the store only
	-- reads them for tenancy checks.
	CREATE TABLE IF NOT EXISTS programs (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS calibration_answers (
		program_id TEXT NOT NULL,
		question_key TEXT NOT NULL,
		answer_value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (program_id, question_key),
		FOREIGN KEY (program_id) REFERENCES programs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS guideline_versions (
		id TEXT PRIMARY KEY,
		program_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		document JSONB NOT NULL,
		model_used TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT false,
		notes TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (program_id, version),
		FOREIGN KEY (program_id) REFERENCES programs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_guideline_versions_program_id ON guideline_versions(program_id);
	CREATE INDEX IF NOT EXISTS idx_guideline_versions_active ON guideline_versions(program_id, is_active);
	CREATE INDEX IF NOT EXISTS idx_programs_organization_id ON programs(organization_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// checkProgram verifies the program exists under the calling organization.
// Unknown program ids and mismatched organizations produce the same error
// so nothing about other tenants leaks.
func (s *PostgresStore) checkProgram(ctx context.Context, q rowQuerier, orgID, programID string) error {
	var owner string
	err := q.QueryRowContext(ctx,
		`SELECT organization_id FROM programs WHERE id = $1`, programID).Scan(&owner)
	if err == sql.ErrNoRows {
		return ErrTenantIsolation
	}
	if err != nil {
		return fmt.Errorf("failed to resolve program: %w", err)
	}
	if owner != orgID {
		return ErrTenantIsolation
	}
	return nil
}

func (s *PostgresStore) SaveDraft(ctx context.Context, orgID, programID string, doc guideline.Document, modelUsed, notes string, activate bool) (*guideline.Version, error) {
	v, err := s.saveDraftOnce(ctx, orgID, programID, doc, modelUsed, notes, activate)
	if retryable(err) {
		// Lost a version-number race. The transition has no external
		// side effect, so one transparent retry is safe.
		v, err = s.saveDraftOnce(ctx, orgID, programID, doc, modelUsed, notes, activate)
	}
	return v, err
}

func (s *PostgresStore) saveDraftOnce(ctx context.Context, orgID, programID string, doc guideline.Document, modelUsed, notes string, activate bool) (*guideline.Version, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.checkProgram(ctx, tx, orgID, programID); err != nil {
		return nil, err
	}

	var next int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM guideline_versions WHERE program_id = $1`,
		programID).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("failed to compute next version: %w", err)
	}

	if activate {
		_, err = tx.ExecContext(ctx,
			`UPDATE guideline_versions SET is_active = false WHERE program_id = $1 AND is_active`,
			programID)
		if err != nil {
			return nil, fmt.Errorf("failed to deactivate prior versions: %w", err)
		}
	}

	docJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
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
		CreatedAt:      time.Now().UTC(),
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO guideline_versions (id, program_id, version, document, model_used, is_active, notes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		v.ID, programID, v.Version, docJSON, modelUsed, activate, notes, v.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit save: %w", err)
	}

	return v, nil
}

func (s *PostgresStore) Activate(ctx context.Context, orgID, programID string, version int) (*guideline.Version, error) {
	v, err := s.activateOnce(ctx, orgID, programID, version)
	if retryable(err) {
		v, err = s.activateOnce(ctx, orgID, programID, version)
	}
	return v, err
}

func (s *PostgresStore) activateOnce(ctx context.Context, orgID, programID string, version int) (*guideline.Version, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.checkProgram(ctx, tx, orgID, programID); err != nil {
		return nil, err
	}

	var exists bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM guideline_versions WHERE program_id = $1 AND version = $2)`,
		programID, version).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check version: %w", err)
	}
	if !exists {
		return nil, ErrVersionNotFound
	}

	// A single statement flips the active pointer: there is no window in
	// which zero or two versions appear active.
	_, err = tx.ExecContext(ctx,
		`UPDATE guideline_versions SET is_active = (version = $2) WHERE program_id = $1`,
		programID, version)
	if err != nil {
		return nil, fmt.Errorf("failed to activate version: %w", err)
	}

	v, err := s.scanVersion(ctx, tx, orgID, programID,
		`SELECT id, version, document, model_used, is_active, notes, created_at
		 FROM guideline_versions WHERE program_id = $1 AND version = $2`,
		programID, version)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit activation: %w", err)
	}

	return v, nil
}

func (s *PostgresStore) History(ctx context.Context, orgID, programID string) ([]*guideline.Version, error) {
	if err := s.checkProgram(ctx, s.db, orgID, programID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, version, document, model_used, is_active, notes, created_at
		 FROM guideline_versions WHERE program_id = $1 ORDER BY version DESC`,
		programID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var versions []*guideline.Version
	for rows.Next() {
		v, err := scanVersionRow(rows, orgID, programID)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *PostgresStore) Active(ctx context.Context, orgID, programID string) (*guideline.Version, error) {
	if err := s.checkProgram(ctx, s.db, orgID, programID); err != nil {
		return nil, err
	}

	v, err := s.scanVersion(ctx, s.db, orgID, programID,
		`SELECT id, version, document, model_used, is_active, notes, created_at
		 FROM guideline_versions WHERE program_id = $1 AND is_active`,
		programID)
	if errors.Is(err, ErrVersionNotFound) {
		return nil, nil
	}
	return v, err
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *PostgresStore) scanVersion(ctx context.Context, q rowQuerier, orgID, programID, query string, args ...interface{}) (*guideline.Version, error) {
	row := q.QueryRowContext(ctx, query, args...)

	var (
		v       guideline.Version
		docJSON []byte
	)
	err := row.Scan(&v.ID, &v.Version, &docJSON, &v.ModelUsed, &v.IsActive, &v.Notes, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan version: %w", err)
	}
	if err := json.Unmarshal(docJSON, &v.Document); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	v.OrganizationID = orgID
	v.ProgramID = programID
	return &v, nil
}

func scanVersionRow(rows *sql.Rows, orgID, programID string) (*guideline.Version, error) {
	var (
		v       guideline.Version
		docJSON []byte
	)
	if err := rows.Scan(&v.ID, &v.Version, &docJSON, &v.ModelUsed, &v.IsActive, &v.Notes, &v.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan version: %w", err)
	}
	if err := json.Unmarshal(docJSON, &v.Document); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	v.OrganizationID = orgID
	v.ProgramID = programID
	return &v, nil
}

// retryable reports whether a failed transition lost a race it can safely
// re-run: a version-number conflict, serialization failure, or deadlock.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch string(pqErr.Code) {
	case pqUniqueViolation, pqSerializationFailure, pqDeadlockDetected:
		return true
	}
	return false
}
