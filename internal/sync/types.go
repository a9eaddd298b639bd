package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"journal-sync-service/internal/logger"
)

type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

// envelopeVersion tags persisted queue and entity records so format changes
// are detectable instead of best-effort parsed.
const envelopeVersion = 1

// PendingOperation is a queued, not-yet-confirmed mutation. Immutable once
// enqueued except for RetryCount, LastAttempt and LastError, which track
// failed apply attempts.
type PendingOperation struct {
	Version    int             `json:"version"`
	ID         string          `json:"id"`
	Seq        uint64          `json:"seq"`
	Type       OperationType   `json:"type"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	// BaseState and BaseVersion capture the locally cached entity (and its
	// updatedAt) at enqueue time; the conflict detector compares BaseVersion
	// against the current remote version.
	BaseState   json.RawMessage `json:"baseState,omitempty"`
	BaseVersion time.Time       `json:"baseVersion,omitempty"`

	EnqueuedAt  time.Time `json:"enqueuedAt"`
	RetryCount  int       `json:"retryCount"`
	MaxRetries  int       `json:"maxRetries"`
	LastAttempt time.Time `json:"lastAttempt,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
}

func (op PendingOperation) String() string {
	return fmt.Sprintf("[%s] %s/%s (retry %d/%d)", op.Type, op.EntityType, op.EntityID, op.RetryCount, op.MaxRetries)
}

// EntityRecord is the cached local copy of a remote entity. Data is opaque
// to the engine; UpdatedAt drives conflict comparison and quota eviction.
type EntityRecord struct {
	Version    int             `json:"version"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	Data       json.RawMessage `json:"data"`
}

// entityKey builds the entities-namespace key for an entity.
func entityKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}

// NetworkStatus is the monitor's view of connectivity.
type NetworkStatus struct {
	IsOnline       bool      `json:"isOnline"`
	LastOnlineTime time.Time `json:"lastOnlineTime,omitempty"`
}

type ConflictStrategy string

const (
	StrategyLocalWins  ConflictStrategy = "local-wins"
	StrategyRemoteWins ConflictStrategy = "remote-wins"
	StrategyMerge      ConflictStrategy = "merge"
)

// Resolution records how a detected conflict was settled. Transient: handed
// to the reporter for display, never queued.
type Resolution struct {
	ID            string           `json:"id"`
	EntityType    string           `json:"entityType"`
	EntityID      string           `json:"entityId"`
	LocalVersion  time.Time        `json:"localVersion"`
	RemoteVersion time.Time        `json:"remoteVersion"`
	Strategy      ConflictStrategy `json:"strategy"`
	MergedFields  []string         `json:"mergedFields,omitempty"`
	ResolvedAt    time.Time        `json:"resolvedAt"`
}

var (
	// ErrNetworkUnavailable is returned when a drain is requested while
	// offline. Callers treat it as a benign skip.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrDrainInProgress is returned when a drain is requested while another
	// is running. Callers treat it as a benign skip.
	ErrDrainInProgress = errors.New("queue drain already in progress")
)

// ExhaustedError is the terminal failure for an operation that reached its
// retry ceiling. The operation has been evicted from the queue.
type ExhaustedError struct {
	Op      PendingOperation
	LastErr error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("operation %s exhausted after %d retries: %v", e.Op.ID, e.Op.RetryCount, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastErr
}

// Reporter is the error/notification sink owned by the presentation layer.
// Terminal errors and conflict resolutions flow through it.
type Reporter interface {
	ReportError(err error)
	ReportConflict(res Resolution)
}

// NopReporter discards everything; used when no sink is wired.
type NopReporter struct{}

func (NopReporter) ReportError(error)         {}
func (NopReporter) ReportConflict(Resolution) {}

// LogReporter is the default sink: it logs terminal errors and conflict
// resolutions instead of surfacing them to a UI.
type LogReporter struct{}

func NewLogReporter() LogReporter {
	return LogReporter{}
}

func (LogReporter) ReportError(err error) {
	logger.Log.Error("Terminal sync error", zap.Error(err))
}

func (LogReporter) ReportConflict(res Resolution) {
	logger.Log.Info("Conflict resolved",
		zap.String("entity", entityKey(res.EntityType, res.EntityID)),
		zap.String("strategy", string(res.Strategy)),
		zap.Strings("mergedFields", res.MergedFields),
	)
}
