package repository

import (
	"context"
	"time"

	"github.com/lifelink/alertcore/internal/domain"
)

// SnapshotSchemaVersion guards the persisted snapshot layout. Bump it when
// the envelope or entry shape changes; older snapshots are then discarded
// on load instead of being misread.
const SnapshotSchemaVersion = 1

// Snapshot is the singleton persisted form of the session map, wrapped in
// a small envelope validated on load: a snapshot written by a different
// device or an incompatible schema version is never adopted.
type Snapshot struct {
	DeviceID      string                         `json:"device_id"`
	SchemaVersion int                            `json:"schema_version"`
	SavedAt       time.Time                      `json:"saved_at"`
	Entries       map[string]domain.SessionEntry `json:"entries"`
}

// SessionRepository persists the session snapshot. Owned exclusively by
// the session manager.
type SessionRepository interface {
	Save(ctx context.Context, snap *Snapshot) error
	// Load returns domain.ErrNotFound when no snapshot has been saved yet.
	Load(ctx context.Context) (*Snapshot, error)
}
