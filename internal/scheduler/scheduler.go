// Package scheduler drives the adaptive polling loop: a due-time priority
// queue over all known server addresses, a worker pool probing them, and the
// singleton loops that discover servers, refresh exclusions, and refresh the
// derived stats view.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/hootmeow/bf1942-ingest/internal/addr"
	"github.com/hootmeow/bf1942-ingest/internal/exclusions"
	"github.com/hootmeow/bf1942-ingest/internal/gamespy"
	"github.com/hootmeow/bf1942-ingest/internal/metrics"
)

const (
	exclusionRefreshInterval = 300 * time.Second
	statsRefreshInterval     = 300 * time.Second
)

// Store is the persistence boundary the scheduler depends on.
type Store interface {
	KnownAddresses(ctx context.Context) ([]addr.Addr, error)
	LoadExclusions(ctx context.Context) (*exclusions.Set, error)
	RecordSuccess(ctx context.Context, a addr.Addr, st *gamespy.Status, excl *exclusions.Set) error
	RecordFailure(ctx context.Context, a addr.Addr) error
	RefreshPlayerStats(ctx context.Context) error
}

// Querier probes one address, port fallback included.
type Querier interface {
	Query(ctx context.Context, a addr.Addr) (*gamespy.Status, error)
}

// MasterList fetches the authoritative address list.
type MasterList interface {
	FetchServers(ctx context.Context) ([]addr.Addr, error)
}

type Config struct {
	Clock      clockwork.Clock
	Store      Store
	Querier    Querier
	MasterList MasterList
	Exclusions *exclusions.Cache

	WorkerCount int

	MasterListPollInterval time.Duration
	MasterListMaxBackoff   time.Duration

	PollIntervalActive  time.Duration
	PollIntervalEmpty   time.Duration
	PollIntervalOffline time.Duration
}

func (c *Config) Validate() error {
	if c.Clock == nil {
		return errors.New("clock is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Querier == nil {
		return errors.New("querier is required")
	}
	if c.MasterList == nil {
		return errors.New("master list client is required")
	}
	if c.Exclusions == nil {
		return errors.New("exclusion cache is required")
	}
	if c.WorkerCount <= 0 {
		return errors.New("worker count must be greater than 0")
	}
	if c.MasterListPollInterval <= 0 {
		return errors.New("master list poll interval must be greater than 0")
	}
	if c.MasterListMaxBackoff < c.MasterListPollInterval {
		return errors.New("master list max backoff must be at least the poll interval")
	}
	if c.PollIntervalActive <= 0 || c.PollIntervalEmpty <= 0 || c.PollIntervalOffline <= 0 {
		return errors.New("poll intervals must be greater than 0")
	}
	return nil
}

// Scheduler owns the poll queue and the known/parked address sets. An
// address has exactly one live representation at any time: a queue entry, a
// worker holding it, or a slot in the parked set.
type Scheduler struct {
	log   *slog.Logger
	cfg   *Config
	queue *PollQueue

	mu     sync.Mutex
	known  map[string]struct{}
	parked map[string]addr.Addr
}

func New(log *slog.Logger, cfg *Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	return &Scheduler{
		log:    log,
		cfg:    cfg,
		queue:  NewPollQueue(),
		known:  make(map[string]struct{}),
		parked: make(map[string]addr.Addr),
	}, nil
}

// Start runs the scheduler in the background and reports a terminal error,
// if any, on the returned channel.
func (s *Scheduler) Start(ctx context.Context) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := s.Run(ctx); err != nil {
			errCh <- err
		}
	}()
	return errCh
}

// Run seeds the queue and blocks until ctx is canceled. Queue entries held
// by workers at shutdown are dropped; the next start reseeds from the store.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.refreshExclusions(ctx); err != nil {
		s.log.Warn("unable to refresh exclusions before seeding", "error", err)
	}
	if err := s.seed(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, loop := range []func(context.Context){
		s.discoveryLoop,
		s.exclusionRefreshLoop,
		s.statsRefreshLoop,
	} {
		loop := loop
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop(ctx)
		}()
	}
	for i := 0; i < s.cfg.WorkerCount; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx, i)
		}()
	}
	s.log.Info("scheduler running", "workers", s.cfg.WorkerCount)

	wg.Wait()
	s.log.Info("scheduler stopped", "reason", ctx.Err())
	return nil
}

// seed loads every address the store already knows and enqueues it due now,
// parking those currently excluded.
func (s *Scheduler) seed(ctx context.Context) error {
	addrs, err := s.cfg.Store.KnownAddresses(ctx)
	if err != nil {
		return fmt.Errorf("seed known servers: %w", err)
	}

	excl := s.cfg.Exclusions.Current()
	now := s.cfg.Clock.Now()
	seeded, parked := 0, 0

	s.mu.Lock()
	for _, a := range addrs {
		key := a.String()
		if _, ok := s.known[key]; ok {
			continue
		}
		s.known[key] = struct{}{}
		if excl.ServerExcluded(a.IP, a.Port) {
			s.parked[key] = a
			parked++
			continue
		}
		s.queue.Push(now, a)
		seeded++
	}
	s.mu.Unlock()

	s.publishGauges()
	s.log.Info("seeded polling queue from known servers", "seeded", seeded, "parked", parked)
	return nil
}

// worker dequeues entries, waits out their remaining delay, probes, and
// re-enqueues with a state-dependent delay.
func (s *Scheduler) worker(ctx context.Context, id int) {
	s.log.Debug("worker started", "worker", id)
	for {
		e, err := s.queue.Pop(ctx)
		if err != nil {
			return
		}
		s.process(ctx, e)
		if ctx.Err() != nil {
			return
		}
	}
}

// process handles a single dequeued entry. Exclusions are checked against
// the snapshot current at dequeue time, so an address excluded while queued
// is parked instead of probed.
func (s *Scheduler) process(ctx context.Context, e Entry) {
	if s.cfg.Exclusions.Current().ServerExcluded(e.Addr.IP, e.Addr.Port) {
		s.log.Debug("parking excluded server before polling", "server", e.Addr.String())
		s.park(e.Addr)
		return
	}

	if wait := e.Due.Sub(s.cfg.Clock.Now()); wait > 0 {
		select {
		case <-ctx.Done():
			return
		case <-s.cfg.Clock.After(wait):
		}
	}

	started := s.cfg.Clock.Now()
	st, err := s.cfg.Querier.Query(ctx, e.Addr)
	metrics.ProbeDuration.Observe(s.cfg.Clock.Now().Sub(started).Seconds())
	if ctx.Err() != nil {
		return
	}

	var delay time.Duration
	if err != nil {
		metrics.ProbesTotal.WithLabelValues("failure").Inc()
		delay = s.cfg.PollIntervalOffline
		if err := s.cfg.Store.RecordFailure(ctx, e.Addr); err != nil {
			s.log.Error("failed to record probe failure", "server", e.Addr.String(), "error", err)
		}
	} else {
		metrics.ProbesTotal.WithLabelValues("success").Inc()
		if err := s.cfg.Store.RecordSuccess(ctx, e.Addr, st, s.cfg.Exclusions.Current()); err != nil {
			// The server may still be up; re-enqueue on the offline cadence
			// without touching the failure counter.
			s.log.Error("failed to record probe result", "server", e.Addr.String(), "error", err)
			delay = s.cfg.PollIntervalOffline
		} else {
			delay = s.nextDelay(e.Addr, st.Info)
		}
	}

	s.queue.Push(s.cfg.Clock.Now().Add(delay), e.Addr)
	s.publishGauges()
}

// nextDelay picks the next poll spacing from the probe's info map. Empty
// servers are polled slowly; a round about to end gets one dynamic poll just
// after the expected boundary.
func (s *Scheduler) nextDelay(a addr.Addr, info map[string]string) time.Duration {
	if coerceInt(info["numplayers"]) == 0 {
		return s.cfg.PollIntervalEmpty
	}
	remainRaw := info["roundtimeremain"]
	if remainRaw == "" {
		remainRaw = info["roundtime"]
	}
	remain := time.Duration(coerceInt(remainRaw)) * time.Second
	if remain > 0 && remain < s.cfg.PollIntervalActive+5*time.Second {
		delay := remain + 3*time.Second
		s.log.Info("round ending; scheduling dynamic poll", "server", a.String(), "delay", delay)
		return delay
	}
	return s.cfg.PollIntervalActive
}

func (s *Scheduler) park(a addr.Addr) {
	s.mu.Lock()
	s.parked[a.String()] = a
	s.mu.Unlock()
	s.publishGauges()
}

// discoveryLoop periodically fetches the master list and admits unseen
// addresses. Fetch failures back off exponentially from double the base
// interval up to the configured cap; the first success resets the cadence.
func (s *Scheduler) discoveryLoop(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * s.cfg.MasterListPollInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = s.cfg.MasterListMaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		servers, err := s.cfg.MasterList.FetchServers(ctx)

		var wait time.Duration
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.MasterListFetchTotal.WithLabelValues("error").Inc()
			wait = bo.NextBackOff()
			if wait > s.cfg.MasterListMaxBackoff {
				wait = s.cfg.MasterListMaxBackoff
			}
			s.log.Warn("master list fetch failed; backing off", "retry_in", wait, "error", err)
		} else {
			metrics.MasterListFetchTotal.WithLabelValues("ok").Inc()
			bo.Reset()
			s.admit(servers)
			wait = s.cfg.MasterListPollInterval
		}

		select {
		case <-ctx.Done():
			return
		case <-s.cfg.Clock.After(wait):
		}
	}
}

// admit adds unseen addresses to the known set and enqueues them due now,
// parking any that are excluded.
func (s *Scheduler) admit(servers []addr.Addr) {
	if len(servers) == 0 {
		s.log.Info("master list returned no servers")
		return
	}
	s.log.Info("fetched master server list", "servers", len(servers))

	excl := s.cfg.Exclusions.Current()
	now := s.cfg.Clock.Now()
	discovered := 0

	s.mu.Lock()
	for _, a := range servers {
		key := a.String()
		if _, ok := s.known[key]; ok {
			continue
		}
		s.known[key] = struct{}{}
		discovered++
		if excl.ServerExcluded(a.IP, a.Port) {
			s.log.Info("discovered server is currently excluded", "server", key)
			s.parked[key] = a
			continue
		}
		s.log.Info("discovered new server", "server", key)
		s.queue.Push(now, a)
	}
	s.mu.Unlock()

	if discovered > 0 {
		metrics.DiscoveredServersTotal.Add(float64(discovered))
	}
	s.publishGauges()
}

func (s *Scheduler) exclusionRefreshLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.cfg.Clock.After(exclusionRefreshInterval):
		}
		if err := s.refreshExclusions(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.ExclusionRefreshTotal.WithLabelValues("error").Inc()
			s.log.Error("failed to refresh exclusions", "error", err)
			continue
		}
		metrics.ExclusionRefreshTotal.WithLabelValues("ok").Inc()
	}
}

// refreshExclusions reloads the exclusion table, swaps the shared snapshot,
// and releases parked servers that are no longer excluded back into the
// queue.
func (s *Scheduler) refreshExclusions(ctx context.Context) error {
	set, err := s.cfg.Store.LoadExclusions(ctx)
	if err != nil {
		return err
	}
	s.cfg.Exclusions.Replace(set)

	gametypes, players, servers := set.Counts()
	s.log.Info("exclusions cache updated",
		"gametypes", gametypes,
		"players", players,
		"servers", servers,
	)

	now := s.cfg.Clock.Now()
	s.mu.Lock()
	for key, a := range s.parked {
		if set.ServerExcluded(a.IP, a.Port) {
			continue
		}
		s.log.Info("releasing previously excluded server into the polling queue", "server", key)
		delete(s.parked, key)
		s.queue.Push(now, a)
	}
	s.mu.Unlock()

	s.publishGauges()
	return nil
}

func (s *Scheduler) statsRefreshLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.cfg.Clock.After(statsRefreshInterval):
		}
		s.log.Info("refreshing player stats materialized view")
		if err := s.cfg.Store.RefreshPlayerStats(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.StatsViewRefreshTotal.WithLabelValues("error").Inc()
			s.log.Error("failed to refresh player stats view", "error", err)
			continue
		}
		metrics.StatsViewRefreshTotal.WithLabelValues("ok").Inc()
	}
}

func (s *Scheduler) publishGauges() {
	s.mu.Lock()
	known := len(s.known)
	parked := len(s.parked)
	s.mu.Unlock()
	metrics.KnownServers.Set(float64(known))
	metrics.ParkedServers.Set(float64(parked))
	metrics.QueueLength.Set(float64(s.queue.Len()))
}

func coerceInt(s string) int {
	if s == "" {
		return 0
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
