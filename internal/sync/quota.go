package sync

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"journal-sync-service/internal/config"
	"journal-sync-service/internal/logger"
	"journal-sync-service/internal/store"
)

// QuotaManager recovers space when a store write hits the size ceiling.
// Policy: keep only the most-recently-updated entities, then prune queue
// operations past the retention window. Operations are never pruned solely
// to make room; entity eviction always runs first.
type QuotaManager struct {
	store store.Store
	cfg   config.QuotaConfig
	now   func() time.Time
}

func NewQuotaManager(st store.Store, cfg config.QuotaConfig, now func() time.Time) *QuotaManager {
	if now == nil {
		now = time.Now
	}
	return &QuotaManager{store: st, cfg: cfg, now: now}
}

// Cleanup runs one eviction pass.
func (qm *QuotaManager) Cleanup(ctx context.Context) error {
	evicted, err := qm.evictOldEntities(ctx)
	if err != nil {
		return err
	}
	pruned, err := qm.pruneStaleOperations(ctx)
	if err != nil {
		return err
	}

	logger.Log.Info("Quota cleanup complete",
		zap.Int("entitiesEvicted", evicted),
		zap.Int("operationsPruned", pruned),
	)
	return nil
}

// evictOldEntities drops everything beyond the keep_entities most recently
// updated, oldest first.
func (qm *QuotaManager) evictOldEntities(ctx context.Context) (int, error) {
	keys, err := qm.store.Keys(ctx, store.NamespaceEntities)
	if err != nil {
		return 0, err
	}

	type aged struct {
		key       string
		updatedAt time.Time
	}
	records := make([]aged, 0, len(keys))
	for _, key := range keys {
		data, err := qm.store.Get(ctx, store.NamespaceEntities, key)
		if err != nil {
			return 0, err
		}
		if data == nil {
			continue
		}
		var rec EntityRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			// Corrupt entries are the first to go.
			records = append(records, aged{key: key})
			continue
		}
		records = append(records, aged{key: key, updatedAt: rec.UpdatedAt})
	}

	if len(records) <= qm.cfg.KeepEntities {
		return 0, nil
	}

	// Oldest first.
	sort.Slice(records, func(i, j int) bool {
		return records[i].updatedAt.Before(records[j].updatedAt)
	})

	evicted := 0
	for _, rec := range records[:len(records)-qm.cfg.KeepEntities] {
		if err := qm.store.Remove(ctx, store.NamespaceEntities, rec.key); err != nil {
			return evicted, err
		}
		evicted++
	}
	return evicted, nil
}

// pruneStaleOperations drops queued operations older than the retention
// window.
func (qm *QuotaManager) pruneStaleOperations(ctx context.Context) (int, error) {
	if qm.cfg.OpRetention <= 0 {
		return 0, nil
	}
	cutoff := qm.now().Add(-qm.cfg.OpRetention)

	keys, err := qm.store.Keys(ctx, store.NamespaceQueue)
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, key := range keys {
		data, err := qm.store.Get(ctx, store.NamespaceQueue, key)
		if err != nil {
			return pruned, err
		}
		if data == nil {
			continue
		}
		var op PendingOperation
		if err := json.Unmarshal(data, &op); err != nil {
			continue
		}
		if op.EnqueuedAt.Before(cutoff) {
			if err := qm.store.Remove(ctx, store.NamespaceQueue, key); err != nil {
				return pruned, err
			}
			logger.Log.Warn("Pruned stale queued operation",
				zap.String("id", op.ID),
				zap.Time("enqueuedAt", op.EnqueuedAt),
			)
			pruned++
		}
	}
	return pruned, nil
}

// guardedStore wraps a store so that a quota-exceeded write triggers one
// synchronous cleanup followed by exactly one retry. A second failure is
// surfaced to the caller; the mutation is never silently dropped.
type guardedStore struct {
	store.Store
	quota *QuotaManager
}

func (g guardedStore) Set(ctx context.Context, namespace, key string, value []byte) error {
	err := g.Store.Set(ctx, namespace, key, value)
	if !errors.Is(err, store.ErrQuotaExceeded) {
		return err
	}

	logger.Log.Warn("Store write over quota, running cleanup",
		zap.String("namespace", namespace), zap.String("key", key))

	if cerr := g.quota.Cleanup(ctx); cerr != nil {
		logger.Log.Error("Quota cleanup failed", zap.Error(cerr))
	}
	return g.Store.Set(ctx, namespace, key, value)
}
