package sync

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"journal-sync-service/internal/config"
	"journal-sync-service/internal/logger"
	"journal-sync-service/internal/store"
)

// lastOnlineKey caches the last online transition in the metadata namespace,
// best effort across restarts.
const lastOnlineKey = "last_online_time"

// ProbeFunc performs one active reachability check.
type ProbeFunc func(ctx context.Context) error

// Monitor is the single source of truth for connectivity. It combines a
// passive signal (fed by the host integration via SetPassiveOnline) with an
// active liveness probe on an interval: a failed probe forces offline even
// when the passive signal claims otherwise, which catches captive portals
// and dead proxies.
type Monitor struct {
	cfg   config.NetworkConfig
	store store.Store
	now   func() time.Time
	probe ProbeFunc

	mu            sync.Mutex
	passiveOnline bool
	probeOK       bool
	status        NetworkStatus
	subs          map[int]func(NetworkStatus)
	nextSubID     int
}

func NewMonitor(cfg config.NetworkConfig, st store.Store, now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}

	m := &Monitor{
		cfg:           cfg,
		store:         st,
		now:           now,
		passiveOnline: true,
		subs:          make(map[int]func(NetworkStatus)),
	}
	m.probe = m.httpProbe

	// Best-effort restore of the last known online time.
	if data, err := st.Get(context.Background(), store.NamespaceMetadata, lastOnlineKey); err == nil && data != nil {
		if t, err := time.Parse(time.RFC3339Nano, string(data)); err == nil {
			m.status.LastOnlineTime = t
		}
	}

	return m
}

// SetProbe replaces the active probe. Tests inject deterministic probes here.
func (m *Monitor) SetProbe(probe ProbeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probe = probe
}

// Status returns the current network status.
func (m *Monitor) Status() NetworkStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// SetPassiveOnline feeds the passive connectivity signal.
func (m *Monitor) SetPassiveOnline(online bool) {
	m.mu.Lock()
	m.passiveOnline = online
	status, changed, subs := m.recomputeLocked()
	m.mu.Unlock()

	m.notify(status, changed, subs)
}

// Check runs one probe synchronously and updates the status.
func (m *Monitor) Check(ctx context.Context) NetworkStatus {
	m.mu.Lock()
	probe := m.probe
	m.mu.Unlock()

	err := probe(ctx)

	m.mu.Lock()
	m.probeOK = err == nil
	status, changed, subs := m.recomputeLocked()
	m.mu.Unlock()

	if err != nil {
		logger.Log.Debug("Liveness probe failed", zap.Error(err))
	}
	m.notify(status, changed, subs)
	return status
}

// Subscribe registers fn for status transitions and returns an unsubscribe
// handle. Subscribers are called on transitions only, not on every probe.
func (m *Monitor) Subscribe(fn func(NetworkStatus)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Run drives the probe ticker until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.cfg.ProbeInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	m.Check(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// recomputeLocked derives online state and snapshots subscribers. Caller
// holds m.mu; notification happens outside the lock.
func (m *Monitor) recomputeLocked() (NetworkStatus, bool, []func(NetworkStatus)) {
	online := m.passiveOnline && m.probeOK
	if online == m.status.IsOnline {
		return m.status, false, nil
	}

	m.status.IsOnline = online
	if online {
		m.status.LastOnlineTime = m.now()
	}

	subs := make([]func(NetworkStatus), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	return m.status, true, subs
}

func (m *Monitor) notify(status NetworkStatus, changed bool, subs []func(NetworkStatus)) {
	if !changed {
		return
	}

	logger.Log.Info("Network status changed", zap.Bool("online", status.IsOnline))

	if status.IsOnline {
		// Best effort; the cached value is advisory.
		if err := m.store.Set(context.Background(), store.NamespaceMetadata, lastOnlineKey,
			[]byte(status.LastOnlineTime.Format(time.RFC3339Nano))); err != nil {
			logger.Log.Warn("Failed to cache last online time", zap.Error(err))
		}
	}

	for _, fn := range subs {
		fn(status)
	}
}

// httpProbe issues a lightweight request to the configured endpoint. The
// response body is discarded; any 2xx/3xx status counts as reachable. An
// empty probe URL disables active probing and the passive signal decides.
func (m *Monitor) httpProbe(ctx context.Context) error {
	if m.cfg.ProbeURL == "" {
		return nil
	}

	timeout := m.cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.cfg.ProbeURL, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("probe endpoint returned %s", resp.Status)
	}
	return nil
}
