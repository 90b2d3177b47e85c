package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tlammers/skyfeed/internal/domain"
)

// Snapshot is the read-only operator view, sampled periodically off the hot
// path.
type Snapshot struct {
	SampledAt          time.Time                `json:"sampledAt"`
	ActiveConnections  int                      `json:"activeConnections"`
	TotalSubscriptions int                      `json:"totalSubscriptions"`
	MessagesDelivered  uint64                   `json:"messagesDelivered"`
	MessagesPerSecond  float64                  `json:"messagesPerSecond"`
	Sources            []domain.SchedulerStatus `json:"sources"`
	BusState           string                   `json:"busState"`
}

// SnapshotSources wires the sampler to the live components. All funcs must
// be safe for concurrent use and cheap; the sampler only reads.
type SnapshotSources struct {
	Connections   func() int
	Subscriptions func() int
	Delivered     func() uint64
	Scheduler     func() []domain.SchedulerStatus
	BusState      func() domain.BusState
}

// Sampler periodically captures a Snapshot. It has no side effects on the
// data path.
type Sampler struct {
	sources  SnapshotSources
	interval time.Duration
	clock    clockwork.Clock

	mu            sync.RWMutex
	current       Snapshot
	lastDelivered uint64
	lastSample    time.Time
}

func NewSampler(sources SnapshotSources, interval time.Duration, clock clockwork.Clock) *Sampler {
	return &Sampler{
		sources:  sources,
		interval: interval,
		clock:    clock,
	}
}

// Run samples on the configured interval until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	s.sample()

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.sample()
		}
	}
}

// Current returns the latest snapshot.
func (s *Sampler) Current() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Sampler) sample() {
	now := s.clock.Now()
	delivered := s.sources.Delivered()

	s.mu.Lock()
	defer s.mu.Unlock()

	var perSecond float64
	if !s.lastSample.IsZero() {
		elapsed := now.Sub(s.lastSample).Seconds()
		if elapsed > 0 && delivered >= s.lastDelivered {
			perSecond = float64(delivered-s.lastDelivered) / elapsed
		}
	}

	s.current = Snapshot{
		SampledAt:          now,
		ActiveConnections:  s.sources.Connections(),
		TotalSubscriptions: s.sources.Subscriptions(),
		MessagesDelivered:  delivered,
		MessagesPerSecond:  perSecond,
		Sources:            s.sources.Scheduler(),
		BusState:           s.sources.BusState().String(),
	}
	s.lastDelivered = delivered
	s.lastSample = now
}
