package sync

import (
	"math"
	"time"

	"journal-sync-service/internal/config"
)

// Backoff computes retry delays from a persisted per-operation retry count,
// so eligibility survives restarts without in-memory scheduler state.
type Backoff struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

func NewBackoff(cfg config.SyncConfig) Backoff {
	return Backoff{
		BaseDelay:  cfg.BaseDelay,
		Multiplier: cfg.Multiplier,
		MaxDelay:   cfg.MaxDelay,
	}
}

// Delay returns min(maxDelay, baseDelay * multiplier^retryCount).
func (b Backoff) Delay(retryCount int) time.Duration {
	d := time.Duration(float64(b.BaseDelay) * math.Pow(b.Multiplier, float64(retryCount)))
	if b.MaxDelay > 0 && d > b.MaxDelay {
		return b.MaxDelay
	}
	return d
}

// Eligible reports whether an operation may be attempted at now. Operations
// that have never failed are always eligible; after the n-th failure the
// operation waits Delay(n-1) from its last attempt, so the wait sequence for
// the defaults is 1s, 2s, 4s.
func (b Backoff) Eligible(op PendingOperation, now time.Time) bool {
	if op.RetryCount == 0 || op.LastAttempt.IsZero() {
		return true
	}
	return !now.Before(op.LastAttempt.Add(b.Delay(op.RetryCount - 1)))
}
