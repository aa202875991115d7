package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/lifelink/alertcore/internal/domain"
)

// broadcastRecord is the short-lived marker written for sibling instances
// on the same device. The writer removes its own record after the TTL;
// readers ignore records that carry their own session ID.
type broadcastRecord struct {
	Session   string            `json:"session"`
	Key       string            `json:"key,omitempty"`
	Value     json.RawMessage   `json:"value,omitempty"`
	Kind      domain.SyncOpKind `json:"kind"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

func (m *Manager) startWatcher() error {
	if err := os.MkdirAll(m.cfg.BroadcastDir, 0o755); err != nil {
		return fmt.Errorf("create broadcast dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(m.cfg.BroadcastDir); err != nil {
		w.Close()
		return fmt.Errorf("watch broadcast dir: %w", err)
	}
	m.watcher = w

	m.wg.Add(1)
	go m.watchBroadcasts(w)
	return nil
}

func (m *Manager) watchBroadcasts(w *fsnotify.Watcher) {
	defer m.wg.Done()
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			m.consumeBroadcast(ev.Name)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			m.logger.Warn("broadcast watcher error", zap.Error(err))
		}
	}
}

// publish writes a broadcast record and schedules its removal after the
// TTL. Failures are logged and dropped: broadcast is best-effort and the
// periodic sync converges siblings anyway.
func (m *Manager) publish(rec broadcastRecord) {
	if m.cfg.BroadcastDir == "" {
		return
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		m.logger.Warn("failed to marshal broadcast record", zap.Error(err))
		return
	}

	name := fmt.Sprintf("%s-%d.json", m.sessionID, m.broadcastSeq.Add(1))
	path := filepath.Join(m.cfg.BroadcastDir, name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		m.logger.Warn("failed to write broadcast record", zap.Error(err))
		return
	}

	time.AfterFunc(m.cfg.BroadcastTTL, func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.logger.Debug("failed to clear broadcast record",
				zap.String("path", path), zap.Error(err))
		}
	})
}

// consumeBroadcast reads a sibling's record and merges it. The file may
// already have expired by the time the event arrives; that is not an
// error.
func (m *Manager) consumeBroadcast(path string) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".json") || strings.HasPrefix(base, m.sessionID+"-") {
		return
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Debug("unreadable broadcast record", zap.String("path", path), zap.Error(err))
		}
		return
	}
	var rec broadcastRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		m.logger.Debug("malformed broadcast record", zap.String("path", path), zap.Error(err))
		return
	}
	if rec.Session == m.sessionID {
		return
	}
	m.mergeBroadcast(rec)
}

// mergeBroadcast applies a sibling mutation by last-writer-wins, the same
// rule used for server conflicts. Sibling writes are not re-broadcast and
// not re-synced; the sibling that originated the write owns those.
func (m *Manager) mergeBroadcast(rec broadcastRecord) {
	ts := rec.UpdatedAt.UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	switch rec.Kind {
	case domain.OpSet:
		local, ok := m.entries[rec.Key]
		if ok && !ts.After(local.UpdatedAt) {
			return
		}
		local.Key = rec.Key
		local.Value = rec.Value
		local.UpdatedAt = ts
		m.entries[rec.Key] = local

	case domain.OpDelete:
		local, ok := m.entries[rec.Key]
		if !ok || !ts.After(local.UpdatedAt) {
			return
		}
		delete(m.entries, rec.Key)

	case domain.OpClear:
		for k, e := range m.entries {
			if ts.After(e.UpdatedAt) {
				delete(m.entries, k)
			}
		}

	default:
		m.logger.Debug("ignoring unknown broadcast kind", zap.String("kind", string(rec.Kind)))
	}
}
