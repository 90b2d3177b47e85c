package domain

import (
	"context"
	"time"
)

// CacheStore is the shared key/value store holding the last-known payload
// per topic. Writes go through SetMonotonic, which refuses entries with an
// older FetchedAt than the stored one.
type CacheStore interface {
	// Get returns the entry for a topic, or ErrNoData on a miss.
	Get(ctx context.Context, topic Topic) (*CacheEntry, error)
	// SetMonotonic writes an entry unless the stored entry is newer.
	// Returns true if the write was applied.
	SetMonotonic(ctx context.Context, entry CacheEntry) (bool, error)
}

// SourceAdapter performs one stateless upstream retrieval for its source
// type. No caching, no scheduling.
type SourceAdapter interface {
	Source() SourceType
	Fetch(ctx context.Context, params map[string]string) (Payload, error)
}

// BusHandler receives every broadcast message the process is subscribed to.
type BusHandler func(msg BroadcastMessage)

// Bus is the cross-process publish/subscribe channel. Delivery is
// best-effort; a process disconnected at publish time simply misses the
// message.
type Bus interface {
	Publish(ctx context.Context, msg BroadcastMessage) error
	// Subscribe registers the single process-wide handler and starts the
	// receive loop. The link state is observable via State.
	Subscribe(ctx context.Context, handler BusHandler) error
	// State reports the current link state for health and metrics.
	State() BusState
	Close() error
}

// BusState is the broadcast link state machine: the bus is Connected,
// actively Reconnecting after a dropped link, or Disconnected (closed).
type BusState int32

const (
	BusDisconnected BusState = iota
	BusConnecting
	BusConnected
	BusReconnecting
)

func (s BusState) String() string {
	switch s {
	case BusConnected:
		return "connected"
	case BusConnecting:
		return "connecting"
	case BusReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// CredentialVerifier is the external "verify bearer credential → principal"
// collaborator.
type CredentialVerifier interface {
	Verify(ctx context.Context, credential string) (Principal, error)
}

// QuotaService is the external "check-and-increment operation quota"
// collaborator. Allow returns ErrQuotaExceeded when the principal is over
// budget for the window.
type QuotaService interface {
	Allow(ctx context.Context, principal Principal, cost int) error
}

// Refresher triggers an out-of-band scheduler tick for a source type. The
// in-flight guard still applies.
type Refresher interface {
	ForceRefresh(source SourceType) bool
}

// SchedulerStatus is a read-only per-source view for the operator snapshot.
type SchedulerStatus struct {
	Source              SourceType    `json:"source"`
	Interval            time.Duration `json:"interval"`
	InFlight            bool          `json:"inFlight"`
	LastAttemptAt       time.Time     `json:"lastAttemptAt"`
	LastSuccessAt       time.Time     `json:"lastSuccessAt"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
}
