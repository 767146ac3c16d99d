package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/joescharf/apex/internal/models"
)

// BuildListFilter specifies filters for listing cached builds.
type BuildListFilter struct {
	Status   models.BuildStatus
	LiveOnly bool
	Limit    int
}

// RecordedEvent is a raw frame received on a build's event stream.
type RecordedEvent struct {
	ID         string          `json:"id"`
	BuildID    string          `json:"build_id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Store defines the persistence interface for apex.
type Store interface {
	// Build snapshots
	SaveBuild(ctx context.Context, b *models.BuildSession) error
	GetBuild(ctx context.Context, id string) (*models.BuildSession, error)
	ListBuilds(ctx context.Context, filter BuildListFilter) ([]*models.BuildSession, error)
	DeleteBuild(ctx context.Context, id string) error

	// Event journal
	RecordEvent(ctx context.Context, buildID, kind string, payload []byte) error
	ListEvents(ctx context.Context, buildID string) ([]*RecordedEvent, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
