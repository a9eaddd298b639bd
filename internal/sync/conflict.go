package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"journal-sync-service/internal/logger"
)

// ConflictManager detects divergence between a queued edit's base state and
// the current remote state, and resolves it per strategy.
type ConflictManager struct {
	reader Reader
	now    func() time.Time
}

func NewConflictManager(reader Reader, now func() time.Time) *ConflictManager {
	if now == nil {
		now = time.Now
	}
	return &ConflictManager{reader: reader, now: now}
}

// Outcome is the resolver's decision for one operation.
type Outcome struct {
	// Payload to push to the remote. Equal to the operation's payload when
	// no conflict was found.
	Payload json.RawMessage

	// SkipApply means the queued operation completes as a no-op success
	// without a remote write (remote-wins).
	SkipApply bool

	// Remote is the fetched remote state, for cache refresh on SkipApply.
	Remote *RemoteEntity

	// Resolution is non-nil when a conflict was detected and resolved.
	Resolution *Resolution
}

// Resolve checks op against current remote state. A conflict exists when the
// remote version is strictly newer than the version the local edit was based
// on. No conflict (or no remote state at all) passes the local payload
// through untouched.
func (cm *ConflictManager) Resolve(ctx context.Context, op PendingOperation, strategy ConflictStrategy) (Outcome, error) {
	remote, err := cm.reader.FetchCurrent(ctx, op.EntityType, op.EntityID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to fetch remote state: %w", err)
	}

	if remote == nil || !remote.UpdatedAt.After(op.BaseVersion) {
		return Outcome{Payload: op.Payload, Remote: remote}, nil
	}

	res := &Resolution{
		ID:            uuid.New().String(),
		EntityType:    op.EntityType,
		EntityID:      op.EntityID,
		LocalVersion:  op.BaseVersion,
		RemoteVersion: remote.UpdatedAt,
		Strategy:      strategy,
		ResolvedAt:    cm.now(),
	}

	logger.Log.Info("Conflict detected",
		zap.String("entity", entityKey(op.EntityType, op.EntityID)),
		zap.String("strategy", string(strategy)),
		zap.Time("localVersion", op.BaseVersion),
		zap.Time("remoteVersion", remote.UpdatedAt),
	)

	if op.Type == OpDelete {
		// Field merge is meaningless for a delete: either the remote edit
		// survives (remote-wins) or the delete proceeds.
		if strategy == StrategyRemoteWins {
			return Outcome{SkipApply: true, Remote: remote, Resolution: res}, nil
		}
		return Outcome{Remote: remote, Resolution: res}, nil
	}

	switch strategy {
	case StrategyLocalWins:
		return Outcome{Payload: op.Payload, Remote: remote, Resolution: res}, nil

	case StrategyRemoteWins:
		return Outcome{SkipApply: true, Remote: remote, Resolution: res}, nil

	case StrategyMerge:
		merged, fields, err := mergePayloads(op.BaseState, op.Payload, remote.Data)
		if err != nil {
			return Outcome{}, fmt.Errorf("failed to merge payloads: %w", err)
		}
		res.MergedFields = fields
		return Outcome{Payload: merged, Remote: remote, Resolution: res}, nil

	default:
		return Outcome{}, fmt.Errorf("unknown conflict strategy %q", strategy)
	}
}

// mergePayloads combines local and remote edits field by field against the
// base snapshot: fields touched only locally take the local value, fields
// touched only remotely keep the remote value, and fields touched by both
// take the local value (a deliberate, simple tie-break, not a 3-way CRDT
// merge). Returns the merged object and the locally applied field names.
func mergePayloads(baseRaw, localRaw, remoteRaw json.RawMessage) (json.RawMessage, []string, error) {
	base, err := decodeObject(baseRaw)
	if err != nil {
		return nil, nil, fmt.Errorf("base state: %w", err)
	}
	local, err := decodeObject(localRaw)
	if err != nil {
		return nil, nil, fmt.Errorf("local payload: %w", err)
	}
	remote, err := decodeObject(remoteRaw)
	if err != nil {
		return nil, nil, fmt.Errorf("remote state: %w", err)
	}

	// Start from remote (it already carries the remote-only changes) and
	// overlay every field the local edit touched.
	merged := make(map[string]interface{}, len(remote))
	for k, v := range remote {
		merged[k] = v
	}

	var fields []string
	for k, v := range local {
		baseVal, inBase := base[k]
		if inBase && reflect.DeepEqual(baseVal, v) {
			continue // untouched locally
		}
		merged[k] = v
		fields = append(fields, k)
	}
	// Fields deleted locally (present in base, absent from the local edit).
	for k := range base {
		if _, ok := local[k]; !ok {
			delete(merged, k)
			fields = append(fields, k)
		}
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, nil, err
	}
	return out, fields, nil
}

func decodeObject(raw json.RawMessage) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		obj = map[string]interface{}{}
	}
	return obj, nil
}
