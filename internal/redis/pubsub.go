package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	goredis "github.com/redis/go-redis/v9"
	"github.com/tlammers/skyfeed/internal/domain"
	"github.com/tlammers/skyfeed/internal/metrics"
)

// All updates cross a single channel; the gateway filters by consulting the
// local registry, which is cheap.
const busChannel = "skyfeed:updates"

const (
	reconnectInitialBackoff = 500 * time.Millisecond
	reconnectMaxBackoff     = 30 * time.Second
)

// Bus is the Redis Pub/Sub broadcast bus. One process-wide subscription
// receives every update; reconnection after a dropped link is automatic.
// While the link is down the process serves only local cache reads.
type Bus struct {
	rdb    *goredis.Client
	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	started bool
}

func NewBus(rdb *goredis.Client) *Bus {
	b := &Bus{rdb: rdb, done: make(chan struct{})}
	b.state.Store(int32(domain.BusDisconnected))
	return b
}

// Publish sends one broadcast message to every subscribed process.
func (b *Bus) Publish(ctx context.Context, msg domain.BroadcastMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal broadcast message: %w", err)
	}
	if err := b.rdb.Publish(ctx, busChannel, data).Err(); err != nil {
		metrics.BusPublishErrors.Inc()
		return fmt.Errorf("publish %s: %w: %w", msg.Topic, domain.ErrBusDisconnected, err)
	}
	metrics.BusMessagesPublished.Inc()
	return nil
}

// Subscribe starts the process-wide receive loop and returns. The link
// state is observable via State; handlers run on the receive goroutine, so
// they must hand off quickly.
func (b *Bus) Subscribe(ctx context.Context, handler domain.BusHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("bus already subscribed")
	}
	b.started = true

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.setState(domain.BusConnecting)

	go b.receiveLoop(runCtx, handler)
	return nil
}

// State reports the current link state.
func (b *Bus) State() domain.BusState {
	return domain.BusState(b.state.Load())
}

// Close stops the receive loop and waits for it to exit.
func (b *Bus) Close() error {
	b.mu.Lock()
	started := b.started
	cancel := b.cancel
	b.mu.Unlock()

	if !started {
		b.setState(domain.BusDisconnected)
		return nil
	}
	cancel()
	<-b.done
	return nil
}

func (b *Bus) receiveLoop(ctx context.Context, handler domain.BusHandler) {
	defer close(b.done)
	defer b.setState(domain.BusDisconnected)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectInitialBackoff
	bo.MaxInterval = reconnectMaxBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		sub := b.rdb.Subscribe(ctx, busChannel)
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Bus subscription failed, serving from local cache only", "error", err)
			if !b.waitReconnect(ctx, bo) {
				return
			}
			continue
		}

		b.setState(domain.BusConnected)
		bo.Reset()
		slog.Info("Bus subscription established", "channel", busChannel)

		b.drain(ctx, sub, handler)
		_ = sub.Close()

		if ctx.Err() != nil {
			return
		}
		slog.Warn("Bus link dropped, entering degraded mode")
		if !b.waitReconnect(ctx, bo) {
			return
		}
	}
}

// drain receives until the link errors or ctx is cancelled.
func (b *Bus) drain(ctx context.Context, sub *goredis.PubSub, handler domain.BusHandler) {
	for {
		raw, err := sub.ReceiveMessage(ctx)
		if err != nil {
			return
		}

		var msg domain.BroadcastMessage
		if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
			slog.Warn("Dropping malformed bus message", "error", err)
			continue
		}
		metrics.BusMessagesReceived.Inc()
		handler(msg)
	}
}

// waitReconnect sleeps the backoff interval. Returns false when ctx ended.
func (b *Bus) waitReconnect(ctx context.Context, bo *backoff.ExponentialBackOff) bool {
	b.setState(domain.BusReconnecting)
	metrics.BusReconnects.Inc()

	select {
	case <-time.After(bo.NextBackOff()):
		return true
	case <-ctx.Done():
		return false
	}
}

func (b *Bus) setState(s domain.BusState) {
	b.state.Store(int32(s))
	if s == domain.BusConnected {
		metrics.BusConnectivity.Set(1)
	} else {
		metrics.BusConnectivity.Set(0)
	}
}
