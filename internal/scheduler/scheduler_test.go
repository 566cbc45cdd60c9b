package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/hootmeow/bf1942-ingest/internal/addr"
	"github.com/hootmeow/bf1942-ingest/internal/exclusions"
	"github.com/hootmeow/bf1942-ingest/internal/gamespy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	mu         sync.Mutex
	known      []addr.Addr
	excl       *exclusions.Set
	successes  []addr.Addr
	failures   []addr.Addr
	successErr error
	refreshes  int
}

func (f *fakeStore) KnownAddresses(ctx context.Context) ([]addr.Addr, error) {
	return f.known, nil
}

func (f *fakeStore) LoadExclusions(ctx context.Context) (*exclusions.Set, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.excl == nil {
		return exclusions.NewSet(), nil
	}
	return f.excl, nil
}

func (f *fakeStore) RecordSuccess(ctx context.Context, a addr.Addr, st *gamespy.Status, excl *exclusions.Set) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = append(f.successes, a)
	return f.successErr
}

func (f *fakeStore) RecordFailure(ctx context.Context, a addr.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, a)
	return nil
}

func (f *fakeStore) RefreshPlayerStats(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return nil
}

func (f *fakeStore) successCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.successes)
}

func (f *fakeStore) failureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.failures)
}

type fakeQuerier struct {
	fn func(a addr.Addr) (*gamespy.Status, error)
}

func (f *fakeQuerier) Query(ctx context.Context, a addr.Addr) (*gamespy.Status, error) {
	return f.fn(a)
}

type fakeMasterList struct {
	fn func() ([]addr.Addr, error)
}

func (f *fakeMasterList) FetchServers(ctx context.Context) ([]addr.Addr, error) {
	return f.fn()
}

func emptyStatus() *gamespy.Status {
	return &gamespy.Status{Info: map[string]string{"numplayers": "0"}}
}

func newTestConfig(st Store) *Config {
	return &Config{
		Clock:      clockwork.NewFakeClock(),
		Store:      st,
		Querier:    &fakeQuerier{fn: func(addr.Addr) (*gamespy.Status, error) { return emptyStatus(), nil }},
		MasterList: &fakeMasterList{fn: func() ([]addr.Addr, error) { return nil, nil }},
		Exclusions: exclusions.NewCache(),

		WorkerCount: 2,

		MasterListPollInterval: 60 * time.Second,
		MasterListMaxBackoff:   300 * time.Second,

		PollIntervalActive:  20 * time.Second,
		PollIntervalEmpty:   180 * time.Second,
		PollIntervalOffline: 900 * time.Second,
	}
}

func newTestScheduler(t *testing.T, cfg *Config) *Scheduler {
	t.Helper()
	s, err := New(testLogger(), cfg)
	require.NoError(t, err)
	return s
}

func TestScheduler_ConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(&fakeStore{})
	require.NoError(t, cfg.Validate())

	bad := *cfg
	bad.Store = nil
	require.Error(t, bad.Validate())

	bad = *cfg
	bad.WorkerCount = 0
	require.Error(t, bad.Validate())

	bad = *cfg
	bad.MasterListMaxBackoff = time.Second
	require.Error(t, bad.Validate())
}

func TestScheduler_NextDelay(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, newTestConfig(&fakeStore{}))
	a := addr.Addr{IP: "1.2.3.4", Port: 14567}

	tests := []struct {
		name string
		info map[string]string
		want time.Duration
	}{
		{name: "empty server", info: map[string]string{"numplayers": "0"}, want: 180 * time.Second},
		{name: "numplayers missing", info: map[string]string{}, want: 180 * time.Second},
		{name: "numplayers empty", info: map[string]string{"numplayers": ""}, want: 180 * time.Second},
		{name: "numplayers junk", info: map[string]string{"numplayers": "lots"}, want: 180 * time.Second},
		{name: "active server", info: map[string]string{"numplayers": "16", "roundtimeremain": "600"}, want: 20 * time.Second},
		{name: "round ending", info: map[string]string{"numplayers": "16", "roundtimeremain": "7"}, want: 10 * time.Second},
		{name: "round boundary not dynamic", info: map[string]string{"numplayers": "16", "roundtimeremain": "25"}, want: 20 * time.Second},
		{name: "falls back to roundtime", info: map[string]string{"numplayers": "16", "roundtime": "4"}, want: 7 * time.Second},
		{name: "empty roundtimeremain falls back", info: map[string]string{"numplayers": "16", "roundtimeremain": "", "roundtime": "4"}, want: 7 * time.Second},
		{name: "no timers", info: map[string]string{"numplayers": "16"}, want: 20 * time.Second},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, s.nextDelay(a, tt.info), tt.name)
	}
}

func TestScheduler_SeedParksExcluded(t *testing.T) {
	t.Parallel()

	a1 := addr.Addr{IP: "1.1.1.1", Port: 14567}
	a2 := addr.Addr{IP: "2.2.2.2", Port: 14567}
	st := &fakeStore{known: []addr.Addr{a1, a2, a1}}

	cfg := newTestConfig(st)
	excl := exclusions.NewSet()
	excl.AddServer(a2.IP, a2.Port)
	cfg.Exclusions.Replace(excl)

	s := newTestScheduler(t, cfg)
	require.NoError(t, s.seed(context.Background()))

	require.Equal(t, 1, s.queue.Len())
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.known, 2)
	require.Contains(t, s.parked, a2.String())
	require.NotContains(t, s.parked, a1.String())
}

func TestScheduler_ProcessParksExcludedEntry(t *testing.T) {
	t.Parallel()

	a := addr.Addr{IP: "1.1.1.1", Port: 14567}
	st := &fakeStore{}
	cfg := newTestConfig(st)
	queried := false
	cfg.Querier = &fakeQuerier{fn: func(addr.Addr) (*gamespy.Status, error) {
		queried = true
		return emptyStatus(), nil
	}}
	excl := exclusions.NewSet()
	excl.AddServer(a.IP, a.Port)
	cfg.Exclusions.Replace(excl)

	s := newTestScheduler(t, cfg)
	s.process(context.Background(), Entry{Due: cfg.Clock.Now(), Addr: a})

	require.False(t, queried)
	require.Zero(t, s.queue.Len())
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Contains(t, s.parked, a.String())
}

func TestScheduler_ProcessSuccessReschedules(t *testing.T) {
	t.Parallel()

	a := addr.Addr{IP: "1.1.1.1", Port: 14567}
	st := &fakeStore{}
	cfg := newTestConfig(st)
	cfg.Querier = &fakeQuerier{fn: func(addr.Addr) (*gamespy.Status, error) {
		return &gamespy.Status{Info: map[string]string{"numplayers": "8"}}, nil
	}}

	s := newTestScheduler(t, cfg)
	s.process(context.Background(), Entry{Due: cfg.Clock.Now().Add(-time.Second), Addr: a})

	require.Equal(t, 1, st.successCount())
	require.Equal(t, 1, s.queue.Len())

	e, err := s.queue.Pop(context.Background())
	require.NoError(t, err)
	require.Equal(t, a, e.Addr)
	require.Equal(t, cfg.Clock.Now().Add(cfg.PollIntervalActive), e.Due)
}

func TestScheduler_ProcessFailureUsesOfflineDelay(t *testing.T) {
	t.Parallel()

	a := addr.Addr{IP: "1.1.1.1", Port: 14567}
	st := &fakeStore{}
	cfg := newTestConfig(st)
	cfg.Querier = &fakeQuerier{fn: func(addr.Addr) (*gamespy.Status, error) {
		return nil, errors.New("timeout")
	}}

	s := newTestScheduler(t, cfg)
	s.process(context.Background(), Entry{Due: cfg.Clock.Now().Add(-time.Second), Addr: a})

	require.Equal(t, 1, st.failureCount())
	require.Zero(t, st.successCount())

	e, err := s.queue.Pop(context.Background())
	require.NoError(t, err)
	require.Equal(t, cfg.Clock.Now().Add(cfg.PollIntervalOffline), e.Due)
}

func TestScheduler_ProcessStoreErrorUsesOfflineDelay(t *testing.T) {
	t.Parallel()

	a := addr.Addr{IP: "1.1.1.1", Port: 14567}
	st := &fakeStore{successErr: errors.New("connection reset")}
	cfg := newTestConfig(st)

	s := newTestScheduler(t, cfg)
	s.process(context.Background(), Entry{Due: cfg.Clock.Now().Add(-time.Second), Addr: a})

	// The probe succeeded, so no failure is recorded, but the address is
	// retried on the offline cadence.
	require.Zero(t, st.failureCount())
	e, err := s.queue.Pop(context.Background())
	require.NoError(t, err)
	require.Equal(t, cfg.Clock.Now().Add(cfg.PollIntervalOffline), e.Due)
}

func TestScheduler_AdmitDeduplicates(t *testing.T) {
	t.Parallel()

	a := addr.Addr{IP: "1.1.1.1", Port: 14567}
	s := newTestScheduler(t, newTestConfig(&fakeStore{}))

	s.admit([]addr.Addr{a, a})
	s.admit([]addr.Addr{a})

	require.Equal(t, 1, s.queue.Len())
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.known, 1)
}

func TestScheduler_RefreshReleasesParked(t *testing.T) {
	t.Parallel()

	a := addr.Addr{IP: "1.1.1.1", Port: 14567}
	st := &fakeStore{}
	cfg := newTestConfig(st)

	excl := exclusions.NewSet()
	excl.AddServer(a.IP, a.Port)
	cfg.Exclusions.Replace(excl)

	s := newTestScheduler(t, cfg)
	s.mu.Lock()
	s.known[a.String()] = struct{}{}
	s.parked[a.String()] = a
	s.mu.Unlock()

	// The store now returns no exclusions, so the refresh must release the
	// parked address back into the queue.
	require.NoError(t, s.refreshExclusions(context.Background()))

	require.False(t, cfg.Exclusions.Current().ServerExcluded(a.IP, a.Port))
	require.Equal(t, 1, s.queue.Len())
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Empty(t, s.parked)
}

func TestScheduler_RefreshKeepsStillExcludedParked(t *testing.T) {
	t.Parallel()

	a := addr.Addr{IP: "1.1.1.1", Port: 14567}
	excl := exclusions.NewSet()
	excl.AddServer(a.IP, a.Port)
	st := &fakeStore{excl: excl}
	cfg := newTestConfig(st)

	s := newTestScheduler(t, cfg)
	s.mu.Lock()
	s.known[a.String()] = struct{}{}
	s.parked[a.String()] = a
	s.mu.Unlock()

	require.NoError(t, s.refreshExclusions(context.Background()))

	require.Zero(t, s.queue.Len())
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Contains(t, s.parked, a.String())
}

// End-to-end: discovery admits a server and a worker probes and reschedules
// it, with the real clock and short intervals.
func TestScheduler_RunProbesDiscoveredServer(t *testing.T) {
	t.Parallel()

	a := addr.Addr{IP: "1.1.1.1", Port: 14567}
	st := &fakeStore{}
	cfg := newTestConfig(st)
	cfg.Clock = clockwork.NewRealClock()
	cfg.MasterListPollInterval = 10 * time.Millisecond
	cfg.MasterListMaxBackoff = 10 * time.Millisecond
	cfg.PollIntervalActive = 10 * time.Millisecond
	cfg.PollIntervalEmpty = 10 * time.Millisecond
	cfg.PollIntervalOffline = 10 * time.Millisecond
	cfg.MasterList = &fakeMasterList{fn: func() ([]addr.Addr, error) {
		return []addr.Addr{a}, nil
	}}

	s := newTestScheduler(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := s.Start(ctx)

	require.Eventually(t, func() bool {
		return st.successCount() >= 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}
