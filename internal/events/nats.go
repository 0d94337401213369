package events

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vdplabs/guidance/internal/guideline"
)

const (
	subjectSaved     = "guidance.guidelines.saved"
	subjectActivated = "guidance.guidelines.activated"
)

// NATSPublisher publishes lifecycle events to a NATS bus.
type NATSPublisher struct {
	conn *nats.Conn
}

// NewNATSPublisher connects to the given NATS URL.
func NewNATSPublisher(url string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &NATSPublisher{conn: conn}, nil
}

// Close drains the connection.
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Drain()
	}
}

type versionEvent struct {
	OrganizationID string    `json:"organization_id"`
	ProgramID      string    `json:"program_id"`
	Version        int       `json:"version"`
	ModelUsed      string    `json:"model_used"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
}

func (p *NATSPublisher) publish(subject string, v *guideline.Version) {
	payload, err := json.Marshal(versionEvent{
		OrganizationID: v.OrganizationID,
		ProgramID:      v.ProgramID,
		Version:        v.Version,
		ModelUsed:      v.ModelUsed,
		IsActive:       v.IsActive,
		CreatedAt:      v.CreatedAt,
	})
	if err != nil {
		log.Printf("[Events] failed to marshal event for %s: %v", subject, err)
		return
	}
	if err := p.conn.Publish(subject, payload); err != nil {
		log.Printf("[Events] failed to publish %s: %v", subject, err)
	}
}

func (p *NATSPublisher) VersionSaved(v *guideline.Version) {
	p.publish(subjectSaved, v)
}

func (p *NATSPublisher) VersionActivated(v *guideline.Version) {
	p.publish(subjectActivated, v)
}
