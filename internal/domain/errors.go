package domain

import (
	"errors"
	"fmt"
)

// Failure taxonomy of the fan-out subsystem. Nothing here is fatal to the
// process: auth and quota failures reject a single connection or operation,
// upstream and bus failures degrade to serving cached data.
var (
	// ErrAuthenticationFailed rejects a connection at handshake. The
	// server never retries on the client's behalf.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrQuotaExceeded rejects a single operation; the connection stays
	// open.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrSubscriptionLimit rejects a subscribe beyond the per-connection
	// topic cap without mutating any state.
	ErrSubscriptionLimit = errors.New("subscription limit reached")

	// ErrBusDisconnected marks publishes attempted while the broadcast
	// bus link is down. Surfaced via metrics and health, never to clients.
	ErrBusDisconnected = errors.New("broadcast bus disconnected")

	// ErrNoData marks a cache miss for a topic that has never been
	// fetched. Responses carry an explicit "no data yet" marker, not an
	// error frame.
	ErrNoData = errors.New("no data yet")

	// ErrMalformedMessage marks a client frame that failed to parse or
	// validate. The connection stays open.
	ErrMalformedMessage = errors.New("malformed client message")
)

// UpstreamError wraps a failed source fetch. Recovered locally: the
// scheduler serves stale cache and backs off, clients never see it.
type UpstreamError struct {
	Source     SourceType
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream fetch failed for %s (status %d): %v", e.Source, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream fetch failed for %s: %v", e.Source, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
