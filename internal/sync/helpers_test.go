package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"journal-sync-service/internal/config"
	"journal-sync-service/internal/store"
)

// fakeClock is a settable clock shared by manager, queue and monitor in
// tests, so backoff eligibility can be simulated without sleeping.
type fakeClock struct {
	mu gosync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeRemote plays both collaborator roles: Transport for applies and
// Reader for conflict detection. Failures are scripted per operation id.
type fakeRemote struct {
	mu gosync.Mutex

	// entities is the authoritative remote state, keyed by type/id.
	entities map[string]*RemoteEntity

	// failures maps an operation id to how many times Apply should still
	// fail for it.
	failures map[string]int

	// failAll makes every Apply fail until cleared.
	failAll bool

	// gate, when set, blocks Apply until released; entered is signalled
	// once per Apply so tests know the drain is inside the transport.
	gate    chan struct{}
	entered chan struct{}

	applied []PendingOperation
	clock   *fakeClock
}

func newFakeRemote(clock *fakeClock) *fakeRemote {
	return &fakeRemote{
		entities: make(map[string]*RemoteEntity),
		failures: make(map[string]int),
		clock:    clock,
	}
}

func (r *fakeRemote) failNTimes(opID string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[opID] = n
}

func (r *fakeRemote) putRemote(entityType, entityID string, updatedAt time.Time, data string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities[entityType+"/"+entityID] = &RemoteEntity{
		EntityType: entityType,
		EntityID:   entityID,
		UpdatedAt:  updatedAt,
		Data:       json.RawMessage(data),
	}
}

func (r *fakeRemote) appliedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.applied)
}

func (r *fakeRemote) Apply(ctx context.Context, op PendingOperation) (*RemoteEntity, error) {
	r.mu.Lock()
	gate, entered := r.gate, r.entered
	r.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		<-gate
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failAll {
		return nil, errors.New("remote unavailable")
	}
	if n := r.failures[op.ID]; n > 0 {
		r.failures[op.ID] = n - 1
		return nil, fmt.Errorf("scripted failure for %s", op.ID)
	}

	key := op.EntityType + "/" + op.EntityID
	switch op.Type {
	case OpDelete:
		if _, ok := r.entities[key]; !ok {
			return nil, ErrRemoteNotFound
		}
		delete(r.entities, key)
		r.applied = append(r.applied, op)
		return nil, nil
	case OpCreate:
		if _, ok := r.entities[key]; ok {
			return nil, ErrRemoteExists
		}
	}

	entity := &RemoteEntity{
		EntityType: op.EntityType,
		EntityID:   op.EntityID,
		UpdatedAt:  r.clock.Now(),
		Data:       op.Payload,
	}
	r.entities[key] = entity
	r.applied = append(r.applied, op)
	return entity, nil
}

func (r *fakeRemote) FetchCurrent(ctx context.Context, entityType, entityID string) (*RemoteEntity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entity, ok := r.entities[entityType+"/"+entityID]
	if !ok {
		return nil, nil
	}
	return entity, nil
}

// fakeReporter collects terminal errors and conflict resolutions.
type fakeReporter struct {
	mu          gosync.Mutex
	errors      []error
	resolutions []Resolution
}

func (r *fakeReporter) ReportError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
}

func (r *fakeReporter) ReportConflict(res Resolution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolutions = append(r.resolutions, res)
}

func (r *fakeReporter) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errors)
}

func testConfig() *config.Config {
	return &config.Config{
		Storage: config.StorageConfig{Type: "sqlite"},
		Sync: config.SyncConfig{
			BaseDelay:        time.Second,
			Multiplier:       2,
			MaxDelay:         30 * time.Second,
			MaxRetries:       3,
			ConflictStrategy: "merge",
		},
		Network: config.NetworkConfig{
			ProbeInterval: 30 * time.Second,
			ProbeTimeout:  time.Second,
		},
		Quota: config.QuotaConfig{
			KeepEntities: 50,
			OpRetention:  7 * 24 * time.Hour,
		},
		Scheduler: config.SchedulerConfig{Enabled: false},
	}
}

type testEnv struct {
	manager  *Manager
	store    store.Store
	remote   *fakeRemote
	reporter *fakeReporter
	clock    *fakeClock
}

// newTestEnv builds a manager over a real sqlite store with fake
// collaborators. The empty probe URL makes the probe a trivial success, so
// connectivity is driven by the passive signal.
func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()

	if cfg == nil {
		cfg = testConfig()
	}
	cfg.Storage.FilePath = filepath.Join(t.TempDir(), "sync.db")

	st, err := store.NewSQLiteStore(cfg.Storage)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := newFakeClock()
	remote := newFakeRemote(clock)
	reporter := &fakeReporter{}

	m := newManager(cfg, st, remote, remote, reporter, clock.Now)
	return &testEnv{
		manager:  m,
		store:    st,
		remote:   remote,
		reporter: reporter,
		clock:    clock,
	}
}

// goOnline makes the monitor report online synchronously.
func (e *testEnv) goOnline(t *testing.T) {
	t.Helper()
	e.manager.SetPassiveOnline(true)
	e.manager.monitor.Check(context.Background())
	require.True(t, e.manager.NetworkStatus().IsOnline)
}

func (e *testEnv) goOffline(t *testing.T) {
	t.Helper()
	e.manager.SetPassiveOnline(false)
	require.False(t, e.manager.NetworkStatus().IsOnline)
}

func (e *testEnv) queueLen(t *testing.T) int {
	t.Helper()
	n, err := e.manager.QueueLength(context.Background())
	require.NoError(t, err)
	return n
}
