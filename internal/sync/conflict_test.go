package sync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conflictFixture(t *testing.T) (*ConflictManager, *fakeRemote, PendingOperation, *fakeClock) {
	t.Helper()

	clock := newFakeClock()
	remote := newFakeRemote(clock)
	cm := NewConflictManager(remote, clock.Now)

	base := clock.Now().Add(-time.Hour)
	op := PendingOperation{
		ID:          "op-1",
		Type:        OpUpdate,
		EntityType:  "trades",
		EntityID:    "t-1",
		BaseVersion: base,
		BaseState:   json.RawMessage(`{"symbol":"ES","qty":1,"notes":"old"}`),
		Payload:     json.RawMessage(`{"symbol":"ES","qty":2,"notes":"old"}`),
	}
	return cm, remote, op, clock
}

func TestResolveNoRemoteState(t *testing.T) {
	cm, _, op, _ := conflictFixture(t)

	out, err := cm.Resolve(context.Background(), op, StrategyMerge)
	require.NoError(t, err)
	assert.Nil(t, out.Resolution)
	assert.False(t, out.SkipApply)
	assert.JSONEq(t, string(op.Payload), string(out.Payload))
}

func TestResolveRemoteNotNewer(t *testing.T) {
	cm, remote, op, _ := conflictFixture(t)
	remote.putRemote("trades", "t-1", op.BaseVersion, `{"symbol":"ES","qty":1,"notes":"old"}`)

	out, err := cm.Resolve(context.Background(), op, StrategyMerge)
	require.NoError(t, err)
	assert.Nil(t, out.Resolution, "equal versions are not a conflict")
	assert.JSONEq(t, string(op.Payload), string(out.Payload))
}

func TestResolveMergeDisjointFields(t *testing.T) {
	cm, remote, op, clock := conflictFixture(t)
	remoteVersion := clock.Now().Add(-time.Minute)
	// Remote touched only "notes"; local touched only "qty".
	remote.putRemote("trades", "t-1", remoteVersion, `{"symbol":"ES","qty":1,"notes":"from remote"}`)
	op.Payload = json.RawMessage(`{"symbol":"ES","qty":2,"notes":"old"}`)

	out, err := cm.Resolve(context.Background(), op, StrategyMerge)
	require.NoError(t, err)
	require.NotNil(t, out.Resolution)
	assert.Equal(t, StrategyMerge, out.Resolution.Strategy)
	assert.Equal(t, op.BaseVersion, out.Resolution.LocalVersion)
	assert.Equal(t, remoteVersion, out.Resolution.RemoteVersion)
	assert.Equal(t, []string{"qty"}, out.Resolution.MergedFields)

	// Union of both changes.
	assert.JSONEq(t, `{"symbol":"ES","qty":2,"notes":"from remote"}`, string(out.Payload))
}

func TestResolveMergeTieBreakPrefersLocal(t *testing.T) {
	cm, remote, op, clock := conflictFixture(t)
	remote.putRemote("trades", "t-1", clock.Now(), `{"symbol":"ES","qty":9,"notes":"old"}`)
	op.Payload = json.RawMessage(`{"symbol":"ES","qty":2,"notes":"old"}`)

	out, err := cm.Resolve(context.Background(), op, StrategyMerge)
	require.NoError(t, err)
	assert.JSONEq(t, `{"symbol":"ES","qty":2,"notes":"old"}`, string(out.Payload))
}

func TestResolveMergeLocallyDeletedField(t *testing.T) {
	cm, remote, op, clock := conflictFixture(t)
	remote.putRemote("trades", "t-1", clock.Now(), `{"symbol":"ES","qty":1,"notes":"old"}`)
	op.Payload = json.RawMessage(`{"symbol":"ES","qty":1}`)

	out, err := cm.Resolve(context.Background(), op, StrategyMerge)
	require.NoError(t, err)
	assert.JSONEq(t, `{"symbol":"ES","qty":1}`, string(out.Payload))
	assert.Contains(t, out.Resolution.MergedFields, "notes")
}

func TestResolveRemoteWins(t *testing.T) {
	cm, remote, op, clock := conflictFixture(t)
	remote.putRemote("trades", "t-1", clock.Now(), `{"symbol":"ES","qty":7,"notes":"remote"}`)

	out, err := cm.Resolve(context.Background(), op, StrategyRemoteWins)
	require.NoError(t, err)
	assert.True(t, out.SkipApply, "queued op completes as a no-op")
	require.NotNil(t, out.Remote)
	assert.JSONEq(t, `{"symbol":"ES","qty":7,"notes":"remote"}`, string(out.Remote.Data))
	require.NotNil(t, out.Resolution)
	assert.Equal(t, StrategyRemoteWins, out.Resolution.Strategy)
}

func TestResolveLocalWins(t *testing.T) {
	cm, remote, op, clock := conflictFixture(t)
	remote.putRemote("trades", "t-1", clock.Now(), `{"symbol":"ES","qty":7,"notes":"remote"}`)

	out, err := cm.Resolve(context.Background(), op, StrategyLocalWins)
	require.NoError(t, err)
	assert.False(t, out.SkipApply)
	assert.JSONEq(t, string(op.Payload), string(out.Payload))
	require.NotNil(t, out.Resolution)
	assert.Equal(t, StrategyLocalWins, out.Resolution.Strategy)
}

func TestResolveDeleteConflict(t *testing.T) {
	cm, remote, op, clock := conflictFixture(t)
	op.Type = OpDelete
	op.Payload = nil
	remote.putRemote("trades", "t-1", clock.Now(), `{"symbol":"ES","qty":7}`)

	out, err := cm.Resolve(context.Background(), op, StrategyRemoteWins)
	require.NoError(t, err)
	assert.True(t, out.SkipApply, "remote edit survives the queued delete")

	out, err = cm.Resolve(context.Background(), op, StrategyMerge)
	require.NoError(t, err)
	assert.False(t, out.SkipApply, "non-remote-wins strategies let the delete proceed")
	require.NotNil(t, out.Resolution)
}
