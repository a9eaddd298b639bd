package sync

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"journal-sync-service/internal/store"
)

func TestQueueEnqueueStampsOperation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	q := env.manager.queue

	op, err := q.Enqueue(ctx, PendingOperation{
		Type:       OpCreate,
		EntityType: "trades",
		EntityID:   "t-1",
		Payload:    json.RawMessage(`{"pnl":5}`),
		MaxRetries: 3,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, op.ID)
	assert.Equal(t, uint64(1), op.Seq)
	assert.Equal(t, env.clock.Now(), op.EnqueuedAt)
	assert.Zero(t, op.RetryCount)
	assert.Equal(t, envelopeVersion, op.Version)
}

func TestQueueFIFOOrder(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	q := env.manager.queue

	for _, id := range []string{"t-1", "t-2", "t-3"} {
		_, err := q.Enqueue(ctx, PendingOperation{Type: OpCreate, EntityType: "trades", EntityID: id})
		require.NoError(t, err)
	}

	ops, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, "t-1", ops[0].EntityID)
	assert.Equal(t, "t-2", ops[1].EntityID)
	assert.Equal(t, "t-3", ops[2].EntityID)
}

func TestQueueUpdateAndRemove(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	q := env.manager.queue

	op, err := q.Enqueue(ctx, PendingOperation{Type: OpCreate, EntityType: "trades", EntityID: "t-1"})
	require.NoError(t, err)

	op.RetryCount = 2
	op.LastError = "boom"
	require.NoError(t, q.Update(ctx, op))

	ops, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, 2, ops[0].RetryCount)
	assert.Equal(t, "boom", ops[0].LastError)

	require.NoError(t, q.Remove(ctx, op))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueueSkipsCorruptEntries(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	q := env.manager.queue

	_, err := q.Enqueue(ctx, PendingOperation{Type: OpCreate, EntityType: "trades", EntityID: "t-1"})
	require.NoError(t, err)

	// Hand-plant garbage and a version-mismatched entry next to it.
	require.NoError(t, env.store.Set(ctx, store.NamespaceQueue, queueKey(99), []byte("not json")))
	require.NoError(t, env.store.Set(ctx, store.NamespaceQueue, queueKey(100), []byte(`{"version":42}`)))

	ops, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1, "corrupt entries read as empty, not as errors")
	assert.Equal(t, "t-1", ops[0].EntityID)
}

func TestQueueSequenceSurvivesCounterCorruption(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	q := env.manager.queue

	first, err := q.Enqueue(ctx, PendingOperation{Type: OpCreate, EntityType: "trades", EntityID: "t-1"})
	require.NoError(t, err)

	require.NoError(t, env.store.Set(ctx, store.NamespaceMetadata, seqCounterKey, []byte("garbage")))

	second, err := q.Enqueue(ctx, PendingOperation{Type: OpCreate, EntityType: "trades", EntityID: "t-2"})
	require.NoError(t, err)
	assert.Greater(t, second.Seq, first.Seq, "rebuilt counter must not reuse keys")

	ops, err := q.List(ctx)
	require.NoError(t, err)
	assert.Len(t, ops, 2)
}
