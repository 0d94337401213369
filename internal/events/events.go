// Package events publishes guideline lifecycle notifications for the
// dashboard and scoring consumers. Publishing is fire-and-forget: a lost
// event never fails the store operation that produced it.
package events

import (
	"github.com/vdplabs/guidance/internal/guideline"
)

// Publisher emits version lifecycle events.
type Publisher interface {
	VersionSaved(v *guideline.Version)
	VersionActivated(v *guideline.Version)
}

// Noop discards all events. Used when no message bus is configured.
type Noop struct{}

func (Noop) VersionSaved(*guideline.Version)     {}
func (Noop) VersionActivated(*guideline.Version) {}
