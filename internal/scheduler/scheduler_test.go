package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tlammers/skyfeed/internal/domain"
)

type fakeCache struct {
	mu      sync.Mutex
	entries map[domain.Topic]domain.CacheEntry
	getErr  error
	setErr  error
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[domain.Topic]domain.CacheEntry)}
}

func (c *fakeCache) Get(_ context.Context, topic domain.Topic) (*domain.CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	entry, ok := c.entries[topic]
	if !ok {
		return nil, domain.ErrNoData
	}
	return &entry, nil
}

func (c *fakeCache) SetMonotonic(_ context.Context, entry domain.CacheEntry) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return false, c.setErr
	}
	if cur, ok := c.entries[entry.Topic]; ok && !entry.FetchedAt.After(cur.FetchedAt) {
		return false, nil
	}
	c.entries[entry.Topic] = entry
	return true, nil
}

type fakeBus struct {
	mu        sync.Mutex
	published []domain.BroadcastMessage
	err       error
}

func (b *fakeBus) Publish(_ context.Context, msg domain.BroadcastMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.published = append(b.published, msg)
	return nil
}

func (b *fakeBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

type fakeAdapter struct {
	source  domain.SourceType
	mu      sync.Mutex
	calls   int
	err     error
	payload domain.Payload
	block   chan struct{}
}

func newFakeAdapter(source domain.SourceType) *fakeAdapter {
	return &fakeAdapter{
		source:  source,
		payload: domain.Payload{Body: []byte(`{"ok":true}`), ContentType: "application/json"},
	}
}

func (a *fakeAdapter) Source() domain.SourceType { return a.source }

func (a *fakeAdapter) Fetch(ctx context.Context, _ map[string]string) (domain.Payload, error) {
	a.mu.Lock()
	a.calls++
	block := a.block
	err := a.err
	payload := a.payload
	a.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return domain.Payload{}, ctx.Err()
		}
	}
	if err != nil {
		return domain.Payload{}, err
	}
	return payload, nil
}

func (a *fakeAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func orbitScheduler(t *testing.T) (*Scheduler, *fakeAdapter, *fakeCache, *fakeBus, *clockwork.FakeClock) {
	t.Helper()
	adapter := newFakeAdapter(domain.SourceOrbitPosition)
	cache := newFakeCache()
	bus := &fakeBus{}
	clock := clockwork.NewFakeClock()
	s := New([]domain.SourceAdapter{adapter}, cache, bus, clock)
	return s, adapter, cache, bus, clock
}

func TestScheduler_TickFetchesWritesAndPublishes(t *testing.T) {
	s, adapter, cache, bus, clock := orbitScheduler(t)
	j := s.jobs[domain.SourceOrbitPosition]
	require.NotNil(t, j)

	s.tick(context.Background(), j, false)

	assert.Equal(t, 1, adapter.callCount())
	require.Equal(t, 1, bus.count())
	assert.Equal(t, j.topic, bus.published[0].Topic)

	entry, err := cache.Get(context.Background(), j.topic)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), entry.FetchedAt)
	assert.Equal(t, clock.Now().Add(j.spec.Interval), entry.ValidUntil)
}

func TestScheduler_FreshCacheSkipsFetch(t *testing.T) {
	s, adapter, cache, bus, clock := orbitScheduler(t)
	j := s.jobs[domain.SourceOrbitPosition]

	cache.entries[j.topic] = domain.CacheEntry{
		Topic:      j.topic,
		FetchedAt:  clock.Now(),
		ValidUntil: clock.Now().Add(time.Minute),
	}

	s.tick(context.Background(), j, false)

	assert.Equal(t, 0, adapter.callCount())
	assert.Equal(t, 0, bus.count())
}

func TestScheduler_ForceBypassesFreshnessCheck(t *testing.T) {
	s, adapter, cache, _, clock := orbitScheduler(t)
	j := s.jobs[domain.SourceOrbitPosition]

	cache.entries[j.topic] = domain.CacheEntry{
		Topic:      j.topic,
		FetchedAt:  clock.Now().Add(-time.Second),
		ValidUntil: clock.Now().Add(time.Minute),
	}

	s.tick(context.Background(), j, true)

	assert.Equal(t, 1, adapter.callCount())
}

func TestScheduler_InFlightGuardAllowsSingleFetch(t *testing.T) {
	s, adapter, _, _, _ := orbitScheduler(t)
	j := s.jobs[domain.SourceOrbitPosition]

	adapter.block = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.tick(context.Background(), j, false)
	}()

	// Wait for the first tick to take the guard.
	require.Eventually(t, func() bool {
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.inFlight
	}, time.Second, time.Millisecond)

	// A burst of ticks while the fetch is in flight all bounce off.
	for i := 0; i < 10; i++ {
		s.tick(context.Background(), j, false)
	}

	close(adapter.block)
	wg.Wait()

	assert.Equal(t, 1, adapter.callCount())
}

func TestScheduler_FailuresKeepCacheAndBackOff(t *testing.T) {
	s, adapter, cache, bus, clock := orbitScheduler(t)
	j := s.jobs[domain.SourceOrbitPosition]

	stale := domain.CacheEntry{
		Topic:      j.topic,
		Payload:    domain.Payload{Body: []byte(`{"old":true}`)},
		FetchedAt:  clock.Now().Add(-time.Hour),
		ValidUntil: clock.Now().Add(-time.Minute),
	}
	cache.entries[j.topic] = stale
	adapter.err = &domain.UpstreamError{Source: j.spec.Type, StatusCode: 502, Err: errors.New("bad gateway")}

	for i := 0; i < 3; i++ {
		s.tick(context.Background(), j, false)
		clock.Advance(maxBackoffMultiple * j.spec.Interval)
	}

	j.mu.Lock()
	assert.Equal(t, 3, j.consecutiveFailures)
	j.mu.Unlock()

	// Stale data survives every failure; nothing was published.
	entry, err := cache.Get(context.Background(), j.topic)
	require.NoError(t, err)
	assert.Equal(t, stale.FetchedAt, entry.FetchedAt)
	assert.Equal(t, 0, bus.count())
}

func TestScheduler_BackoffSuppressesTicks(t *testing.T) {
	s, adapter, _, _, clock := orbitScheduler(t)
	j := s.jobs[domain.SourceOrbitPosition]

	adapter.err = errors.New("boom")
	s.tick(context.Background(), j, false)
	require.Equal(t, 1, adapter.callCount())

	// Still inside the backoff window: no new attempt.
	s.tick(context.Background(), j, false)
	assert.Equal(t, 1, adapter.callCount())

	clock.Advance(j.spec.Interval)
	s.tick(context.Background(), j, false)
	assert.Equal(t, 2, adapter.callCount())
}

func TestScheduler_SuccessResetsFailures(t *testing.T) {
	s, adapter, _, _, clock := orbitScheduler(t)
	j := s.jobs[domain.SourceOrbitPosition]

	adapter.err = errors.New("boom")
	s.tick(context.Background(), j, false)
	clock.Advance(maxBackoffMultiple * j.spec.Interval)

	adapter.mu.Lock()
	adapter.err = nil
	adapter.mu.Unlock()
	s.tick(context.Background(), j, false)

	j.mu.Lock()
	assert.Equal(t, 0, j.consecutiveFailures)
	assert.True(t, j.backoffUntil.IsZero())
	j.mu.Unlock()
}

func TestScheduler_RejectedCacheWriteIsNotPublished(t *testing.T) {
	s, _, cache, bus, clock := orbitScheduler(t)
	j := s.jobs[domain.SourceOrbitPosition]

	// A future-dated entry wins against anything this tick produces, but it
	// is already expired so the freshness check does not short-circuit.
	cache.entries[j.topic] = domain.CacheEntry{
		Topic:      j.topic,
		FetchedAt:  clock.Now().Add(time.Hour),
		ValidUntil: clock.Now().Add(-time.Second),
	}

	s.tick(context.Background(), j, false)

	assert.Equal(t, 0, bus.count())
	j.mu.Lock()
	assert.Equal(t, 0, j.consecutiveFailures)
	j.mu.Unlock()
}

func TestScheduler_ForceRefreshUnknownSource(t *testing.T) {
	s, _, _, _, _ := orbitScheduler(t)
	assert.False(t, s.ForceRefresh(domain.SourceType("nope")))
	assert.True(t, s.ForceRefresh(domain.SourceOrbitPosition))
}

func TestScheduler_StatusReportsAllJobs(t *testing.T) {
	adapters := []domain.SourceAdapter{
		newFakeAdapter(domain.SourceOrbitPosition),
		newFakeAdapter(domain.SourceDailyImage),
	}
	clock := clockwork.NewFakeClock()
	s := New(adapters, newFakeCache(), &fakeBus{}, clock)

	s.tick(context.Background(), s.jobs[domain.SourceOrbitPosition], false)

	status := s.Status()
	require.Len(t, status, 2)

	bySource := make(map[domain.SourceType]domain.SchedulerStatus)
	for _, st := range status {
		bySource[st.Source] = st
	}
	assert.Equal(t, clock.Now(), bySource[domain.SourceOrbitPosition].LastSuccessAt)
	assert.True(t, bySource[domain.SourceDailyImage].LastAttemptAt.IsZero())
}

func TestScheduler_StartRunsInitialFetchAndTicks(t *testing.T) {
	s, adapter, _, _, clock := orbitScheduler(t)
	j := s.jobs[domain.SourceOrbitPosition]

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	require.Eventually(t, func() bool { return adapter.callCount() == 1 }, time.Second, time.Millisecond)

	clock.BlockUntil(1)
	clock.Advance(j.spec.Interval)
	require.Eventually(t, func() bool { return adapter.callCount() == 2 }, time.Second, time.Millisecond)
}

func TestFailureBackoff_CapsAtFiveIntervals(t *testing.T) {
	interval := 30 * time.Second

	assert.Equal(t, interval, failureBackoff(interval, 1))
	assert.Equal(t, 2*interval, failureBackoff(interval, 2))
	assert.Equal(t, 4*interval, failureBackoff(interval, 3))
	assert.Equal(t, 5*interval, failureBackoff(interval, 4))
	assert.Equal(t, 5*interval, failureBackoff(interval, 10))
}
