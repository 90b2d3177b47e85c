// Package scheduler runs one refresh job per source type: tick on a fixed
// interval, fetch through the source adapter, write the shared cache, and
// publish the update on the broadcast bus. Jobs are process-local; every
// process in the fleet polls independently and the cache's monotonic rule
// absorbs the resulting races.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tlammers/skyfeed/internal/domain"
	"github.com/tlammers/skyfeed/internal/metrics"
)

// Backoff after consecutive failures doubles per failure, capped at this
// multiple of the source interval.
const maxBackoffMultiple = 5

// Publisher is the slice of the bus the scheduler needs.
type Publisher interface {
	Publish(ctx context.Context, msg domain.BroadcastMessage) error
}

type job struct {
	spec    domain.SourceSpec
	topic   domain.Topic
	adapter domain.SourceAdapter

	mu                  sync.Mutex
	inFlight            bool
	lastAttemptAt       time.Time
	lastSuccessAt       time.Time
	consecutiveFailures int
	backoffUntil        time.Time
}

// Scheduler owns the per-source refresh jobs.
type Scheduler struct {
	cache domain.CacheStore
	bus   Publisher
	clock clockwork.Clock
	jobs  map[domain.SourceType]*job

	wg     sync.WaitGroup
	cancel context.CancelFunc

	startMu sync.Mutex
	started bool
}

// New builds a scheduler with one job per adapter. Each adapter must map to
// a known source spec.
func New(adapters []domain.SourceAdapter, cache domain.CacheStore, bus Publisher, clock clockwork.Clock) *Scheduler {
	s := &Scheduler{
		cache: cache,
		bus:   bus,
		clock: clock,
		jobs:  make(map[domain.SourceType]*job),
	}
	for _, adapter := range adapters {
		spec, ok := domain.SourceSpecFor(adapter.Source())
		if !ok {
			continue
		}
		s.jobs[spec.Type] = &job{
			spec:    spec,
			topic:   domain.NewTopic(spec.Type, spec.Discriminator),
			adapter: adapter,
		}
	}
	return s
}

// Start launches one timer goroutine per job. Each job fires immediately
// once so subscribers get data without waiting a full interval.
func (s *Scheduler) Start(ctx context.Context) {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.runJob(runCtx, j)
	}
}

// Stop cancels all timers and waits for in-flight work to finish.
func (s *Scheduler) Stop() {
	s.startMu.Lock()
	started := s.started
	cancel := s.cancel
	s.startMu.Unlock()

	if !started {
		return
	}
	cancel()
	s.wg.Wait()
}

// ForceRefresh triggers an out-of-band tick for a source type. The
// in-flight guard still applies. Returns false for unknown sources.
func (s *Scheduler) ForceRefresh(source domain.SourceType) bool {
	j, ok := s.jobs[source]
	if !ok {
		return false
	}
	metrics.SchedulerForcedRefreshes.WithLabelValues(string(source)).Inc()
	go s.tick(context.Background(), j, true)
	return true
}

// Status returns the read-only per-source view for the operator snapshot.
func (s *Scheduler) Status() []domain.SchedulerStatus {
	out := make([]domain.SchedulerStatus, 0, len(s.jobs))
	for _, spec := range domain.Sources {
		j, ok := s.jobs[spec.Type]
		if !ok {
			continue
		}
		j.mu.Lock()
		out = append(out, domain.SchedulerStatus{
			Source:              j.spec.Type,
			Interval:            j.spec.Interval,
			InFlight:            j.inFlight,
			LastAttemptAt:       j.lastAttemptAt,
			LastSuccessAt:       j.lastSuccessAt,
			ConsecutiveFailures: j.consecutiveFailures,
		})
		j.mu.Unlock()
	}
	return out
}

func (s *Scheduler) runJob(ctx context.Context, j *job) {
	defer s.wg.Done()

	s.tick(ctx, j, false)

	ticker := s.clock.NewTicker(j.spec.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.tick(ctx, j, false)
		}
	}
}

// tick runs one refresh attempt. force bypasses the freshness check but
// never the in-flight guard.
func (s *Scheduler) tick(ctx context.Context, j *job, force bool) {
	now := s.clock.Now()

	j.mu.Lock()
	if j.inFlight {
		j.mu.Unlock()
		metrics.SchedulerSkippedTicks.WithLabelValues(string(j.spec.Type)).Inc()
		slog.Debug("Skipped tick, fetch in flight", "source", j.spec.Type)
		return
	}
	if !force && now.Before(j.backoffUntil) {
		j.mu.Unlock()
		return
	}
	j.inFlight = true
	j.lastAttemptAt = now
	j.mu.Unlock()

	defer func() {
		j.mu.Lock()
		j.inFlight = false
		j.mu.Unlock()
	}()

	// Cache-aside: another process may have refreshed this topic already.
	if !force {
		if entry, err := s.cache.Get(ctx, j.topic); err == nil && now.Before(entry.ValidUntil) {
			s.recordSuccess(j, entry.FetchedAt)
			return
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, fetchBudget(j.spec.Interval))
	payload, err := j.adapter.Fetch(fetchCtx, nil)
	cancel()

	if err != nil {
		s.recordFailure(j, err)
		return
	}

	fetchedAt := s.clock.Now()
	entry := domain.CacheEntry{
		Topic:      j.topic,
		Payload:    payload,
		FetchedAt:  fetchedAt,
		ValidUntil: fetchedAt.Add(j.spec.Interval),
	}

	applied, err := s.cache.SetMonotonic(ctx, entry)
	if err != nil {
		// The fetch itself succeeded; treat a cache write error like an
		// upstream failure so backoff kicks in.
		s.recordFailure(j, err)
		return
	}
	if !applied {
		// A newer entry is already stored; do not republish stale data.
		metrics.SchedulerCacheWritesRejected.Inc()
		s.recordSuccess(j, fetchedAt)
		return
	}

	msg := domain.BroadcastMessage{Topic: j.topic, Payload: payload, PublishedAt: fetchedAt}
	if err := s.bus.Publish(ctx, msg); err != nil {
		// Local cache is updated; other processes will catch up on their
		// own schedule. Degraded, not fatal.
		slog.Warn("Broadcast publish failed", "source", j.spec.Type, "error", err)
	}

	s.recordSuccess(j, fetchedAt)
}

func (s *Scheduler) recordSuccess(j *job, at time.Time) {
	j.mu.Lock()
	j.consecutiveFailures = 0
	j.backoffUntil = time.Time{}
	j.lastSuccessAt = at
	j.mu.Unlock()
	metrics.SchedulerConsecutiveFailures.WithLabelValues(string(j.spec.Type)).Set(0)
}

func (s *Scheduler) recordFailure(j *job, err error) {
	now := s.clock.Now()

	j.mu.Lock()
	j.consecutiveFailures++
	failures := j.consecutiveFailures
	j.backoffUntil = now.Add(failureBackoff(j.spec.Interval, failures))
	j.mu.Unlock()

	metrics.SchedulerConsecutiveFailures.WithLabelValues(string(j.spec.Type)).Set(float64(failures))

	var upstream *domain.UpstreamError
	if errors.As(err, &upstream) {
		slog.Warn("Upstream fetch failed, serving stale cache",
			"source", j.spec.Type,
			"status", upstream.StatusCode,
			"consecutive_failures", failures,
			"error", err)
	} else {
		slog.Warn("Refresh failed",
			"source", j.spec.Type,
			"consecutive_failures", failures,
			"error", err)
	}
}

// failureBackoff doubles per consecutive failure, capped at
// maxBackoffMultiple times the interval.
func failureBackoff(interval time.Duration, failures int) time.Duration {
	backoff := interval
	for i := 1; i < failures; i++ {
		backoff *= 2
		if backoff >= maxBackoffMultiple*interval {
			return maxBackoffMultiple * interval
		}
	}
	if backoff > maxBackoffMultiple*interval {
		return maxBackoffMultiple * interval
	}
	return backoff
}

// fetchBudget bounds a single fetch: never longer than the interval, never
// more than 30 seconds.
func fetchBudget(interval time.Duration) time.Duration {
	if interval < 30*time.Second {
		return interval
	}
	return 30 * time.Second
}
