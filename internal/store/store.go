// Package store persists guideline versions. Versions are immutable and
// append-only: discarding a draft is simply never saving it, and history is
// never rewritten.
package store

import (
	"context"
	"errors"

	"github.com/vdplabs/guidance/internal/guideline"
)

var (
	// ErrVersionNotFound is returned when a caller names a version that
	// does not exist for the program.
	ErrVersionNotFound = errors.New("guideline version not found")

	// ErrTenantIsolation is returned when a program does not exist under
	// the calling organization. Callers must surface it as a generic
	// authorization failure with no further detail.
	ErrTenantIsolation = errors.New("program not found or access denied")
)

// Store persists guideline versions scoped to a program and, transitively,
// to its organization. No operation may cross organization boundaries.
type Store interface {
	// SaveDraft persists a draft as the next version for the program.
	// When activate is true, the save and the deactivation of any prior
	// active version are a single atomic transition.
	SaveDraft(ctx context.Context, orgID, programID string, doc guideline.Document, modelUsed, notes string, activate bool) (*guideline.Version, error)

	// Activate flips the active pointer to the named version, atomically
	// deactivating all others for the program.
	Activate(ctx context.Context, orgID, programID string, version int) (*guideline.Version, error)

	// History returns all versions for the program, newest first.
	History(ctx context.Context, orgID, programID string) ([]*guideline.Version, error)

	// Active returns the active version, or nil when none is active.
	Active(ctx context.Context, orgID, programID string) (*guideline.Version, error)
}
