package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"journal-sync-service/internal/config"
	"journal-sync-service/internal/logger"
	"journal-sync-service/internal/store"
)

// Manager is the sync orchestrator. It owns the optimistic local write path,
// the queue drain loop, and the wiring between monitor, scheduler, conflict
// resolution and transport. Construct it explicitly and pass it around;
// there is no process-wide instance.
type Manager struct {
	cfg       *config.Config
	store     store.Store // quota-guarded
	queue     *Queue
	monitor   *Monitor
	conflicts *ConflictManager
	transport Transport
	reporter  Reporter
	backoff   Backoff
	strategy  ConflictStrategy
	now       func() time.Time

	draining  atomic.Bool
	scheduler *Scheduler
	unsub     func()
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	runMu   sync.Mutex
	running bool
}

func NewManager(cfg *config.Config, st store.Store, transport Transport, reader Reader, reporter Reporter) *Manager {
	return newManager(cfg, st, transport, reader, reporter, time.Now)
}

func newManager(cfg *config.Config, st store.Store, transport Transport, reader Reader, reporter Reporter, now func() time.Time) *Manager {
	if reporter == nil {
		reporter = NopReporter{}
	}

	quota := NewQuotaManager(st, cfg.Quota, now)
	guarded := guardedStore{Store: st, quota: quota}

	m := &Manager{
		cfg:       cfg,
		store:     guarded,
		queue:     NewQueue(guarded, now),
		monitor:   NewMonitor(cfg.Network, guarded, now),
		conflicts: NewConflictManager(reader, now),
		transport: transport,
		reporter:  reporter,
		backoff:   NewBackoff(cfg.Sync),
		strategy:  ConflictStrategy(cfg.Sync.ConflictStrategy),
		now:       now,
	}
	m.scheduler = NewScheduler(cfg.Scheduler, m)
	return m
}

// Run starts the probe loop, the online-transition trigger and the periodic
// opportunistic drain. Stop tears them down.
func (m *Manager) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.runMu.Lock()
	m.running = true
	m.runMu.Unlock()

	m.unsub = m.monitor.Subscribe(func(status NetworkStatus) {
		if !status.IsOnline {
			return
		}
		// The monitor notifies from a snapshot taken before unsubscribe can
		// remove us; once Stop is waiting, the WaitGroup must not grow.
		m.runMu.Lock()
		if !m.running {
			m.runMu.Unlock()
			return
		}
		m.wg.Add(1)
		m.runMu.Unlock()

		go func() {
			defer m.wg.Done()
			if err := m.ProcessQueue(ctx); err != nil && !isBenignSkip(err) {
				logger.Log.Error("Drain after online transition failed", zap.Error(err))
			}
		}()
	})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.monitor.Run(ctx)
	}()

	m.scheduler.Start()
	logger.Log.Info("Sync manager started")
}

func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.unsub != nil {
		m.unsub()
	}

	m.runMu.Lock()
	m.running = false
	m.runMu.Unlock()

	m.scheduler.Stop()
	m.wg.Wait()
	logger.Log.Info("Sync manager stopped")
}

// SaveEntity performs the optimistic local write for a mutation and queues
// it for remote application. The operation type is derived from the cache:
// create when the entity is unknown locally, update otherwise.
func (m *Manager) SaveEntity(ctx context.Context, entityType, entityID string, payload json.RawMessage) (PendingOperation, error) {
	base, err := m.cachedEntity(ctx, entityType, entityID)
	if err != nil {
		return PendingOperation{}, err
	}

	// Capture the conflict base before the optimistic write replaces it.
	op := PendingOperation{
		Type:       OpCreate,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
	}
	if base != nil {
		op.Type = OpUpdate
		op.BaseState = base.Data
		op.BaseVersion = base.UpdatedAt
	}

	rec := EntityRecord{
		Version:    envelopeVersion,
		EntityType: entityType,
		EntityID:   entityID,
		UpdatedAt:  m.now(),
		Data:       payload,
	}
	if err := m.putEntity(ctx, rec); err != nil {
		return PendingOperation{}, err
	}

	return m.Enqueue(ctx, op)
}

// DeleteEntity removes the local cache entry and queues the remote delete.
func (m *Manager) DeleteEntity(ctx context.Context, entityType, entityID string) (PendingOperation, error) {
	base, err := m.cachedEntity(ctx, entityType, entityID)
	if err != nil {
		return PendingOperation{}, err
	}

	op := PendingOperation{
		Type:       OpDelete,
		EntityType: entityType,
		EntityID:   entityID,
	}
	if base != nil {
		op.BaseState = base.Data
		op.BaseVersion = base.UpdatedAt
	}

	if err := m.store.Remove(ctx, store.NamespaceEntities, entityKey(entityType, entityID)); err != nil {
		return PendingOperation{}, err
	}
	return m.Enqueue(ctx, op)
}

// Enqueue persists op for later remote application, capturing the cached
// entity as the conflict base when the caller didn't. It never blocks on
// connectivity; when online, the next drain picks the operation up.
func (m *Manager) Enqueue(ctx context.Context, op PendingOperation) (PendingOperation, error) {
	if op.MaxRetries == 0 {
		op.MaxRetries = m.cfg.Sync.MaxRetries
	}

	if op.BaseState == nil && op.Type != OpCreate {
		base, err := m.cachedEntity(ctx, op.EntityType, op.EntityID)
		if err != nil {
			return PendingOperation{}, err
		}
		if base != nil {
			op.BaseState = base.Data
			op.BaseVersion = base.UpdatedAt
		}
	}

	return m.queue.Enqueue(ctx, op)
}

// ProcessQueue drains eligible pending operations in FIFO order. Benign
// outcomes: ErrDrainInProgress when another drain holds the lock and
// ErrNetworkUnavailable while offline; both leave the queue untouched.
func (m *Manager) ProcessQueue(ctx context.Context) error {
	return m.drain(ctx, false)
}

// ForceSync drains like ProcessQueue but ignores per-operation backoff
// eligibility, attempting every remaining operation immediately.
func (m *Manager) ForceSync(ctx context.Context) error {
	return m.drain(ctx, true)
}

func (m *Manager) drain(ctx context.Context, ignoreBackoff bool) error {
	if !m.monitor.Status().IsOnline {
		return ErrNetworkUnavailable
	}
	if !m.draining.CompareAndSwap(false, true) {
		return ErrDrainInProgress
	}
	defer m.draining.Store(false)

	// Snapshot at drain start; operations enqueued mid-drain wait for the
	// next invocation.
	ops, err := m.queue.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list queue: %w", err)
	}
	if len(ops) == 0 {
		return nil
	}

	logger.Log.Info("Draining queue",
		zap.Int("pending", len(ops)), zap.Bool("force", ignoreBackoff))

	// A skipped or failed operation blocks every later operation for the
	// same entity in this pass; applying them out of order would let stale
	// intent overwrite newer intent.
	blocked := make(map[string]bool)
	now := m.now()

	for _, op := range ops {
		ek := entityKey(op.EntityType, op.EntityID)
		if blocked[ek] {
			continue
		}
		if !ignoreBackoff && !m.backoff.Eligible(op, now) {
			blocked[ek] = true
			continue
		}

		if err := m.applyOne(ctx, op); err != nil {
			blocked[ek] = true
		}
	}

	return nil
}

// applyOne attempts one remote apply, handling conflict resolution,
// idempotent successes, cache refresh and retry bookkeeping. A non-nil
// return means the operation stayed queued (or was evicted) after a failure.
func (m *Manager) applyOne(ctx context.Context, op PendingOperation) error {
	outcome := Outcome{Payload: op.Payload}
	if op.Type == OpUpdate || op.Type == OpDelete {
		var err error
		outcome, err = m.conflicts.Resolve(ctx, op, m.strategy)
		if err != nil {
			return m.recordFailure(ctx, op, err)
		}
	}

	if outcome.SkipApply {
		// Remote wins: keep the authoritative copy, complete the operation.
		if outcome.Remote != nil {
			m.refreshCache(ctx, outcome.Remote)
		}
		if outcome.Resolution != nil {
			m.reporter.ReportConflict(*outcome.Resolution)
		}
		return m.complete(ctx, op)
	}

	// The resolved payload goes over the wire, but the persisted operation
	// keeps the original local edit: a failed attempt must re-resolve against
	// whatever the remote holds at retry time, not against this merge.
	attempt := op
	attempt.Payload = outcome.Payload
	remote, err := m.transport.Apply(ctx, attempt)
	if err != nil {
		// Idempotent successes: a create that collided with an existing
		// server id, or a delete of an already-deleted entity.
		switch {
		case op.Type == OpCreate && errors.Is(err, ErrRemoteExists):
			logger.Log.Debug("Create collided with existing entity, treating as applied",
				zap.String("id", op.ID))
		case op.Type == OpDelete && errors.Is(err, ErrRemoteNotFound):
			logger.Log.Debug("Delete of missing entity, treating as applied",
				zap.String("id", op.ID))
		default:
			return m.recordFailure(ctx, op, err)
		}
	}

	switch op.Type {
	case OpDelete:
		if err := m.store.Remove(ctx, store.NamespaceEntities, entityKey(op.EntityType, op.EntityID)); err != nil {
			logger.Log.Warn("Failed to drop cached entity after delete", zap.Error(err))
		}
	default:
		if remote != nil {
			m.refreshCache(ctx, remote)
		}
	}

	// Report once the conflict's resolution actually stuck; a failed attempt
	// re-resolves on retry and would re-report otherwise.
	if outcome.Resolution != nil {
		m.reporter.ReportConflict(*outcome.Resolution)
	}

	return m.complete(ctx, op)
}

func (m *Manager) complete(ctx context.Context, op PendingOperation) error {
	if err := m.queue.Remove(ctx, op); err != nil {
		logger.Log.Error("Failed to remove applied operation from queue",
			zap.String("id", op.ID), zap.Error(err))
		// Keep the entity blocked for this pass; dedup by operation id is
		// not attempted beyond queue identity.
		return err
	}
	logger.Log.Debug("Applied operation", zap.String("id", op.ID))
	return nil
}

// recordFailure increments the persisted retry count and evicts the
// operation once it reaches its ceiling, surfacing ExhaustedError.
func (m *Manager) recordFailure(ctx context.Context, op PendingOperation, cause error) error {
	op.RetryCount++
	op.LastAttempt = m.now()
	op.LastError = cause.Error()

	if op.RetryCount >= op.MaxRetries {
		if err := m.queue.Remove(ctx, op); err != nil {
			logger.Log.Error("Failed to evict exhausted operation", zap.Error(err))
		}
		exhausted := &ExhaustedError{Op: op, LastErr: cause}
		logger.Log.Error("Operation exhausted its retries",
			zap.String("id", op.ID), zap.Error(cause))
		m.reporter.ReportError(exhausted)
		return exhausted
	}

	if err := m.queue.Update(ctx, op); err != nil {
		logger.Log.Error("Failed to persist retry state", zap.Error(err))
	}
	logger.Log.Warn("Remote apply failed, will retry",
		zap.String("id", op.ID),
		zap.Int("retryCount", op.RetryCount),
		zap.Error(cause),
	)
	return cause
}

// QueueLength reports the number of pending operations.
func (m *Manager) QueueLength(ctx context.Context) (int, error) {
	return m.queue.Len(ctx)
}

// Pending returns the queued operations in enqueue order.
func (m *Manager) Pending(ctx context.Context) ([]PendingOperation, error) {
	return m.queue.List(ctx)
}

// NetworkStatus returns the monitor's current view.
func (m *Manager) NetworkStatus() NetworkStatus {
	return m.monitor.Status()
}

// OnNetworkStatusChange registers a subscriber; the returned func
// unsubscribes it.
func (m *Manager) OnNetworkStatusChange(fn func(NetworkStatus)) func() {
	return m.monitor.Subscribe(fn)
}

// SetPassiveOnline feeds the host's passive connectivity signal through to
// the monitor.
func (m *Manager) SetPassiveOnline(online bool) {
	m.monitor.SetPassiveOnline(online)
}

// ClearOfflineData wipes entities, queue and metadata in one transaction;
// it never leaves a partial clear behind. Used on logout/reset.
func (m *Manager) ClearOfflineData(ctx context.Context) error {
	return m.store.Clear(ctx, store.Namespaces...)
}

// ExportData serializes the whole store for backup.
func (m *Manager) ExportData(ctx context.Context) (*store.Snapshot, error) {
	return m.store.Export(ctx)
}

// ImportData restores a backup snapshot, rejecting malformed input without
// touching the store.
func (m *Manager) ImportData(ctx context.Context, snap *store.Snapshot) error {
	return m.store.Import(ctx, snap)
}

// Entity returns the cached local copy of an entity, nil if absent.
func (m *Manager) Entity(ctx context.Context, entityType, entityID string) (*EntityRecord, error) {
	return m.cachedEntity(ctx, entityType, entityID)
}

func (m *Manager) cachedEntity(ctx context.Context, entityType, entityID string) (*EntityRecord, error) {
	data, err := m.store.Get(ctx, store.NamespaceEntities, entityKey(entityType, entityID))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}

	var rec EntityRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		logger.Log.Warn("Treating corrupt cached entity as absent",
			zap.String("key", entityKey(entityType, entityID)), zap.Error(err))
		return nil, nil
	}
	return &rec, nil
}

func (m *Manager) putEntity(ctx context.Context, rec EntityRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal entity record: %w", err)
	}
	return m.store.Set(ctx, store.NamespaceEntities, entityKey(rec.EntityType, rec.EntityID), data)
}

// refreshCache stores the server-confirmed copy after a successful apply.
func (m *Manager) refreshCache(ctx context.Context, remote *RemoteEntity) {
	rec := EntityRecord{
		Version:    envelopeVersion,
		EntityType: remote.EntityType,
		EntityID:   remote.EntityID,
		UpdatedAt:  remote.UpdatedAt,
		Data:       remote.Data,
	}
	if err := m.putEntity(ctx, rec); err != nil {
		logger.Log.Warn("Failed to refresh cached entity",
			zap.String("key", entityKey(remote.EntityType, remote.EntityID)), zap.Error(err))
	}
}

// isBenignSkip reports whether a drain outcome is an expected no-op rather
// than a failure worth logging.
func isBenignSkip(err error) bool {
	return errors.Is(err, ErrDrainInProgress) || errors.Is(err, ErrNetworkUnavailable)
}
