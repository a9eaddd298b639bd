package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"journal-sync-service/internal/logger"
	"journal-sync-service/internal/store"
)

// seqCounterKey holds the queue's monotonic sequence counter in the
// metadata namespace.
const seqCounterKey = "queue_seq"

// Queue is the persisted FIFO of pending operations. Keys are zero-padded
// sequence numbers, so the store's lexicographic key order is enqueue order.
type Queue struct {
	store store.Store
	now   func() time.Time

	mu sync.Mutex // serializes sequence allocation
}

func NewQueue(st store.Store, now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{store: st, now: now}
}

func queueKey(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

// Enqueue stamps and persists op. It never blocks on connectivity and never
// takes the drain lock; a drain in flight works from its own snapshot.
func (q *Queue) Enqueue(ctx context.Context, op PendingOperation) (PendingOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	seq, err := q.nextSeq(ctx)
	if err != nil {
		return PendingOperation{}, fmt.Errorf("failed to allocate sequence: %w", err)
	}

	op.Version = envelopeVersion
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	op.Seq = seq
	op.EnqueuedAt = q.now()
	op.RetryCount = 0
	op.LastAttempt = time.Time{}
	op.LastError = ""

	data, err := json.Marshal(op)
	if err != nil {
		return PendingOperation{}, fmt.Errorf("failed to marshal operation: %w", err)
	}

	if err := q.store.Set(ctx, store.NamespaceQueue, queueKey(seq), data); err != nil {
		return PendingOperation{}, err
	}

	logger.Log.Debug("Enqueued operation",
		zap.String("id", op.ID),
		zap.String("type", string(op.Type)),
		zap.String("entity", entityKey(op.EntityType, op.EntityID)),
	)

	return op, nil
}

// List returns all pending operations in enqueue order. Corrupt or
// version-incompatible entries are logged and skipped, not fatal.
func (q *Queue) List(ctx context.Context) ([]PendingOperation, error) {
	keys, err := q.store.Keys(ctx, store.NamespaceQueue)
	if err != nil {
		return nil, err
	}

	ops := make([]PendingOperation, 0, len(keys))
	for _, key := range keys {
		data, err := q.store.Get(ctx, store.NamespaceQueue, key)
		if err != nil {
			return nil, err
		}
		if data == nil {
			continue
		}

		var op PendingOperation
		if err := json.Unmarshal(data, &op); err != nil || op.Version != envelopeVersion {
			logger.Log.Warn("Skipping corrupt queue entry",
				zap.String("key", key), zap.Error(err))
			continue
		}
		ops = append(ops, op)
	}

	return ops, nil
}

// Len returns the number of queued operations.
func (q *Queue) Len(ctx context.Context) (int, error) {
	keys, err := q.store.Keys(ctx, store.NamespaceQueue)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Update rewrites the persisted record for op (retry bookkeeping).
func (q *Queue) Update(ctx context.Context, op PendingOperation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal operation: %w", err)
	}
	return q.store.Set(ctx, store.NamespaceQueue, queueKey(op.Seq), data)
}

// Remove deletes op from the persisted queue.
func (q *Queue) Remove(ctx context.Context, op PendingOperation) error {
	return q.store.Remove(ctx, store.NamespaceQueue, queueKey(op.Seq))
}

func (q *Queue) nextSeq(ctx context.Context) (uint64, error) {
	var seq uint64
	data, err := q.store.Get(ctx, store.NamespaceMetadata, seqCounterKey)
	if err != nil {
		return 0, err
	}
	if data != nil {
		seq, err = strconv.ParseUint(string(data), 10, 64)
		if err != nil {
			logger.Log.Warn("Rebuilding corrupt queue sequence counter", zap.Error(err))
			seq, err = q.maxQueuedSeq(ctx)
			if err != nil {
				return 0, err
			}
		}
	}

	seq++
	if err := q.store.Set(ctx, store.NamespaceMetadata, seqCounterKey,
		[]byte(strconv.FormatUint(seq, 10))); err != nil {
		return 0, err
	}
	return seq, nil
}

// maxQueuedSeq scans queue keys for the highest allocated sequence, used to
// rebuild the counter after metadata corruption without reusing keys.
func (q *Queue) maxQueuedSeq(ctx context.Context) (uint64, error) {
	keys, err := q.store.Keys(ctx, store.NamespaceQueue)
	if err != nil {
		return 0, err
	}
	var max uint64
	for _, key := range keys {
		if n, err := strconv.ParseUint(key, 10, 64); err == nil && n > max {
			max = n
		}
	}
	return max, nil
}
