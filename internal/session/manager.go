// Package session owns the local session key/value state and keeps it
// consistent across restarts (durable snapshot), sibling instances on the
// same device (broadcast records), and other devices (sync with the remote
// authority).
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lifelink/alertcore/internal/backend"
	"github.com/lifelink/alertcore/internal/domain"
	"github.com/lifelink/alertcore/internal/repository"
)

// SyncClient is the subset of the backend client the manager needs.
type SyncClient interface {
	SyncSession(ctx context.Context, req backend.SyncRequest) (*backend.SyncResult, error)
	PullSession(ctx context.Context, userID string) (map[string]backend.RemoteEntry, error)
}

// Options selects how one Set call is handled.
type Options struct {
	Persist bool // write the snapshot synchronously
	Sync    bool // propagate to the remote authority
	Encrypt bool // mark the value as sensitive for downstream surfaces
}

// Hooks carries metric callbacks. Nil fields become no-ops.
type Hooks struct {
	OnSync     func(ok bool)
	OnConflict func()
}

func (h *Hooks) fillDefaults() {
	if h.OnSync == nil {
		h.OnSync = func(bool) {}
	}
	if h.OnConflict == nil {
		h.OnConflict = func() {}
	}
}

// Config holds the manager's identity and tunables. Zero durations get
// defaults.
type Config struct {
	UserID   string
	DeviceID string

	SyncInterval       time.Duration
	BroadcastDir       string
	BroadcastTTL       time.Duration
	LongPauseThreshold time.Duration
}

func (c *Config) applyDefaults() {
	if c.SyncInterval <= 0 {
		c.SyncInterval = 30 * time.Second
	}
	if c.BroadcastTTL <= 0 {
		c.BroadcastTTL = time.Second
	}
	if c.LongPauseThreshold <= 0 {
		c.LongPauseThreshold = 5 * time.Minute
	}
}

// Manager is the session synchronization engine. Exactly one per running
// instance; each instance gets a fresh session ID so broadcast records can
// be told apart.
type Manager struct {
	cfg       Config
	sessionID string
	repo      repository.SessionRepository
	client    SyncClient
	logger    *zap.Logger
	hooks     Hooks

	mu          sync.Mutex
	entries     map[string]domain.SessionEntry
	pendingOps  []domain.SyncOperation
	online      bool
	lastSync    time.Time
	pausedAt    *time.Time
	totalPaused time.Duration

	broadcastSeq atomic.Int64
	watcher      *fsnotify.Watcher

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, repo repository.SessionRepository, client SyncClient, logger *zap.Logger, hooks Hooks) *Manager {
	cfg.applyDefaults()
	hooks.fillDefaults()
	return &Manager{
		cfg:       cfg,
		sessionID: uuid.New().String(),
		repo:      repo,
		client:    client,
		logger:    logger,
		hooks:     hooks,
		entries:   make(map[string]domain.SessionEntry),
		online:    true,
	}
}

// SessionID returns this instance's identity, used to tag sync batches and
// broadcast records.
func (m *Manager) SessionID() string { return m.sessionID }

// SetClient injects the sync client after construction. The backend
// client's credential source reads from this manager, so the two cannot be
// built in one shot; call before Start.
func (m *Manager) SetClient(c SyncClient) { m.client = c }

// Start loads the persisted snapshot, begins watching for sibling
// broadcasts, pulls remote state, and starts the periodic sync loop.
func (m *Manager) Start(ctx context.Context) error {
	m.loadSnapshot(ctx)

	if m.cfg.BroadcastDir != "" {
		if err := m.startWatcher(); err != nil {
			return fmt.Errorf("start broadcast watcher: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	if err := m.pullRemote(runCtx); err != nil {
		m.logger.Warn("initial session pull failed", zap.Error(err))
	}

	m.wg.Add(1)
	go m.run(runCtx)
	return nil
}

// Stop cancels the sync loop and the watcher and waits for both.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.watcher != nil {
		m.watcher.Close()
	}
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.syncNow(ctx); err != nil {
				m.logger.Warn("periodic sync failed", zap.Error(err))
			}
		}
	}
}

// loadSnapshot restores persisted entries. Corrupt or foreign snapshots
// are discarded: the manager proceeds with empty state rather than failing
// startup on bad local data.
func (m *Manager) loadSnapshot(ctx context.Context) {
	snap, err := m.repo.Load(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return
	}
	if err != nil {
		m.logger.Warn("discarding unreadable session snapshot", zap.Error(err))
		return
	}
	if snap.DeviceID != m.cfg.DeviceID || snap.SchemaVersion != repository.SnapshotSchemaVersion {
		m.logger.Warn("discarding foreign session snapshot",
			zap.String("snapshot_device", snap.DeviceID),
			zap.Int("schema_version", snap.SchemaVersion))
		return
	}

	m.mu.Lock()
	for k, e := range snap.Entries {
		m.entries[k] = e
	}
	m.mu.Unlock()
	m.logger.Info("session snapshot restored", zap.Int("entries", len(snap.Entries)))
}

// Set stores a value under key. The value is marshalled to JSON unless it
// already is raw JSON. Persisting writes the snapshot before Set returns;
// a sync-enabled write while online also queues an outbound operation.
// Every applied mutation is broadcast to sibling instances.
func (m *Manager) Set(ctx context.Context, key string, value any, opts Options) error {
	raw, err := marshalValue(value)
	if err != nil {
		return fmt.Errorf("marshal session value %q: %w", key, err)
	}
	now := time.Now().UTC()

	m.mu.Lock()
	m.entries[key] = domain.SessionEntry{
		Key:         key,
		Value:       raw,
		UpdatedAt:   now,
		Encrypted:   opts.Encrypt,
		Persist:     opts.Persist,
		SyncEnabled: opts.Sync,
	}
	if opts.Sync && m.online {
		m.queueOpLocked(domain.SyncOperation{
			Key: key, Value: raw, Kind: domain.OpSet, EnqueuedAt: now,
			OriginDevice: m.cfg.DeviceID, OriginSession: m.sessionID,
		})
	}
	var snap *repository.Snapshot
	if opts.Persist {
		snap = m.snapshotLocked(now)
	}
	m.mu.Unlock()

	if snap != nil {
		if err := m.repo.Save(ctx, snap); err != nil {
			return fmt.Errorf("persist session snapshot: %w", err)
		}
	}
	m.publish(broadcastRecord{Session: m.sessionID, Key: key, Value: raw, Kind: domain.OpSet, UpdatedAt: now})
	return nil
}

// Get returns the raw value for key.
func (m *Manager) Get(key string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// GetString unmarshals the value for key into a string. Missing keys and
// non-string values return "".
func (m *Manager) GetString(key string) string {
	raw, ok := m.Get(key)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// Remove deletes key locally, persists, and propagates the deletion.
func (m *Manager) Remove(ctx context.Context, key string) error {
	now := time.Now().UTC()

	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.entries, key)
	if e.SyncEnabled && m.online {
		m.queueOpLocked(domain.SyncOperation{
			Key: key, Kind: domain.OpDelete, EnqueuedAt: now,
			OriginDevice: m.cfg.DeviceID, OriginSession: m.sessionID,
		})
	}
	var snap *repository.Snapshot
	if e.Persist {
		snap = m.snapshotLocked(now)
	}
	m.mu.Unlock()

	if snap != nil {
		if err := m.repo.Save(ctx, snap); err != nil {
			return fmt.Errorf("persist session snapshot: %w", err)
		}
	}
	m.publish(broadcastRecord{Session: m.sessionID, Key: key, Kind: domain.OpDelete, UpdatedAt: now})
	return nil
}

// Clear wipes the session map and propagates the clear.
func (m *Manager) Clear(ctx context.Context) error {
	now := time.Now().UTC()

	m.mu.Lock()
	m.entries = make(map[string]domain.SessionEntry)
	if m.online {
		m.queueOpLocked(domain.SyncOperation{
			Kind: domain.OpClear, EnqueuedAt: now,
			OriginDevice: m.cfg.DeviceID, OriginSession: m.sessionID,
		})
	}
	snap := m.snapshotLocked(now)
	m.mu.Unlock()

	if err := m.repo.Save(ctx, snap); err != nil {
		return fmt.Errorf("persist session snapshot: %w", err)
	}
	m.publish(broadcastRecord{Session: m.sessionID, Kind: domain.OpClear, UpdatedAt: now})
	return nil
}

// Online records connectivity. Coming back online triggers an immediate
// sync of whatever is pending.
func (m *Manager) Online(ctx context.Context, online bool) {
	m.mu.Lock()
	was := m.online
	m.online = online
	m.mu.Unlock()

	if online && !was {
		if err := m.syncNow(ctx); err != nil {
			m.logger.Warn("reconnect sync failed", zap.Error(err))
		}
	}
}

// Pause records the transition to background.
func (m *Manager) Pause() {
	now := time.Now().UTC()
	m.mu.Lock()
	m.pausedAt = &now
	m.mu.Unlock()
}

// Resume accumulates the pause duration. A long pause likely means state
// drifted on another device, so it triggers a pull and an immediate sync.
func (m *Manager) Resume(ctx context.Context) {
	m.mu.Lock()
	if m.pausedAt == nil {
		m.mu.Unlock()
		return
	}
	elapsed := time.Since(*m.pausedAt)
	m.pausedAt = nil
	m.totalPaused += elapsed
	m.mu.Unlock()

	if elapsed < m.cfg.LongPauseThreshold {
		return
	}
	if err := m.pullRemote(ctx); err != nil {
		m.logger.Warn("post-pause session pull failed", zap.Error(err))
	}
	if err := m.syncNow(ctx); err != nil {
		m.logger.Warn("post-pause sync failed", zap.Error(err))
	}
}

// TotalPaused returns the accumulated background time.
func (m *Manager) TotalPaused() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalPaused
}

// LastSyncTime returns when the last batch was acknowledged.
func (m *Manager) LastSyncTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSync
}

// PendingOps returns how many outbound operations are waiting.
func (m *Manager) PendingOps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pendingOps)
}

// queueOpLocked appends an outbound operation, deduplicating by key+kind:
// a re-queued or repeated change replaces the older one instead of
// growing the batch.
func (m *Manager) queueOpLocked(op domain.SyncOperation) {
	for i, existing := range m.pendingOps {
		if existing.Key == op.Key && existing.Kind == op.Kind {
			m.pendingOps[i] = op
			return
		}
	}
	m.pendingOps = append(m.pendingOps, op)
}

// snapshotLocked builds the persisted envelope from persist-enabled entries.
func (m *Manager) snapshotLocked(now time.Time) *repository.Snapshot {
	entries := make(map[string]domain.SessionEntry)
	for k, e := range m.entries {
		if e.Persist {
			entries[k] = e
		}
	}
	return &repository.Snapshot{
		DeviceID:      m.cfg.DeviceID,
		SchemaVersion: repository.SnapshotSchemaVersion,
		SavedAt:       now,
		Entries:       entries,
	}
}

func marshalValue(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(value)
}
