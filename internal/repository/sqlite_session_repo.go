package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lifelink/alertcore/internal/domain"
	"github.com/lifelink/alertcore/internal/store"
)

type sqliteSessionRepository struct {
	db *sql.DB
}

// NewSQLiteSessionRepository returns a SessionRepository backed by the
// durable store. The sessions partition holds a single snapshot row that
// is overwritten on every save.
func NewSQLiteSessionRepository(s *store.Store) SessionRepository {
	return &sqliteSessionRepository{db: s.DB()}
}

func (r *sqliteSessionRepository) Save(ctx context.Context, snap *Snapshot) error {
	blob, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, snapshot, saved_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET snapshot = excluded.snapshot, saved_at = excluded.saved_at`,
		string(blob), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (r *sqliteSessionRepository) Load(ctx context.Context) (*Snapshot, error) {
	var blob string
	err := r.db.QueryRowContext(ctx,
		`SELECT snapshot FROM sessions WHERE id = 1`).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(blob), &snap); err != nil {
		// Corrupt local state must not fail startup; the caller treats
		// this the same as an envelope mismatch and starts empty.
		return nil, domain.ErrInvalidSnapshot
	}
	return &snap, nil
}
