package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lifelink/alertcore/internal/backend"
	"github.com/lifelink/alertcore/internal/domain"
	"github.com/lifelink/alertcore/internal/repository"
)

// Flush forces an immediate sync of all pending operations.
func (m *Manager) Flush(ctx context.Context) error {
	return m.syncNow(ctx)
}

// syncNow pushes the pending batch in one call. The batch is atomic from
// the caller's point of view: on failure every operation is re-queued
// unchanged (dedup keeps the batch from growing), so a later retry sends
// the same logical changes.
func (m *Manager) syncNow(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	m.mu.Lock()
	if !m.online || len(m.pendingOps) == 0 {
		m.mu.Unlock()
		return nil
	}
	batch := m.pendingOps
	m.pendingOps = nil
	m.mu.Unlock()

	result, err := m.client.SyncSession(ctx, backend.SyncRequest{
		UserID:     m.cfg.UserID,
		DeviceID:   m.cfg.DeviceID,
		SessionID:  m.sessionID,
		Operations: batch,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		m.mu.Lock()
		for _, op := range batch {
			m.queueOpLocked(op)
		}
		m.mu.Unlock()
		m.hooks.OnSync(false)
		return fmt.Errorf("sync batch of %d: %w", len(batch), err)
	}

	m.mu.Lock()
	m.lastSync = time.Now().UTC()
	m.mu.Unlock()
	m.hooks.OnSync(true)

	for _, c := range result.Conflicts {
		m.resolveConflict(ctx, c)
		m.hooks.OnConflict()
	}
	return nil
}

// resolveConflict applies last-writer-wins. A winning server value is
// written back with sync disabled for that write (no resolution ping-pong)
// but persisted; a winning local value needs no action beyond logging.
func (m *Manager) resolveConflict(ctx context.Context, c backend.Conflict) {
	if !c.ServerTimestamp.After(c.LocalTimestamp) {
		m.logger.Debug("conflict resolved locally",
			zap.String("key", c.Key),
			zap.Time("local_ts", c.LocalTimestamp),
			zap.Time("server_ts", c.ServerTimestamp))
		return
	}

	now := c.ServerTimestamp.UTC()
	m.mu.Lock()
	e := m.entries[c.Key]
	e.Key = c.Key
	e.Value = c.ServerValue
	e.UpdatedAt = now
	e.Persist = true
	m.entries[c.Key] = e
	snap := m.snapshotLocked(time.Now().UTC())
	m.mu.Unlock()

	if err := m.repo.Save(ctx, snap); err != nil {
		m.logger.Error("failed to persist resolved conflict",
			zap.String("key", c.Key), zap.Error(err))
	}
	m.publish(broadcastRecord{Session: m.sessionID, Key: c.Key, Value: c.ServerValue, Kind: domain.OpSet, UpdatedAt: now})
	m.logger.Info("conflict resolved from server",
		zap.String("key", c.Key), zap.Time("server_ts", c.ServerTimestamp))
}

// pullRemote merges the server's session view into local state: unknown
// keys are adopted, known keys are overwritten only when the remote
// timestamp is strictly newer. Local-only keys are left alone.
func (m *Manager) pullRemote(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	m.mu.Lock()
	online := m.online
	m.mu.Unlock()
	if !online {
		return nil
	}

	remote, err := m.client.PullSession(ctx, m.cfg.UserID)
	if err != nil {
		return fmt.Errorf("pull remote session: %w", err)
	}

	var adopted, updated int
	m.mu.Lock()
	for key, re := range remote {
		local, ok := m.entries[key]
		switch {
		case !ok:
			m.entries[key] = domain.SessionEntry{
				Key:         key,
				Value:       re.Value,
				UpdatedAt:   re.Timestamp.UTC(),
				Encrypted:   re.Encrypted,
				Persist:     true,
				SyncEnabled: true,
			}
			adopted++
		case re.Timestamp.After(local.UpdatedAt):
			local.Value = re.Value
			local.UpdatedAt = re.Timestamp.UTC()
			local.Encrypted = re.Encrypted
			m.entries[key] = local
			updated++
		}
	}
	var snap *repository.Snapshot
	if adopted > 0 || updated > 0 {
		snap = m.snapshotLocked(time.Now().UTC())
	}
	m.mu.Unlock()

	if snap != nil {
		if err := m.repo.Save(ctx, snap); err != nil {
			return fmt.Errorf("persist merged session: %w", err)
		}
		m.logger.Info("merged remote session state",
			zap.Int("adopted", adopted), zap.Int("updated", updated))
	}
	return nil
}
