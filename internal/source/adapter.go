// Package source implements the stateless upstream adapters, one per data
// feed. An adapter performs a single retrieval and normalizes the response;
// caching and scheduling live elsewhere.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
	"github.com/tlammers/skyfeed/internal/domain"
	"github.com/tlammers/skyfeed/internal/metrics"
	"github.com/tlammers/skyfeed/internal/platform/retry"
)

const (
	fetchTimeout   = 20 * time.Second
	maxBodyBytes   = 4 << 20
	maxAttempts    = 3
	initialBackoff = 500 * time.Millisecond
	rateBackoff    = 5 * time.Second
)

// Client is the shared HTTP layer under every adapter: request execution,
// retry with failure classification, and response size limits.
type Client struct {
	httpClient *http.Client
	clock      clockwork.Clock
	apiKey     string
}

func NewClient(apiKey string, clock clockwork.Clock) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: fetchTimeout},
		clock:      clock,
		apiKey:     apiKey,
	}
}

// getJSON fetches a URL with retries and returns the raw body. Failures
// come back as *domain.UpstreamError.
func (c *Client) getJSON(ctx context.Context, source domain.SourceType, rawURL string) ([]byte, error) {
	policy := retry.Policy{
		MaxAttempts:      maxAttempts,
		InitialBackoff:   initialBackoff,
		RateLimitBackoff: rateBackoff,
		Clock:            c.clock,
	}

	body, err := retry.Do(ctx, policy, classifyUpstream, func() ([]byte, error) {
		return c.doGet(ctx, source, rawURL)
	})
	if err != nil {
		var upstream *domain.UpstreamError
		if errors.As(err, &upstream) {
			return nil, upstream
		}
		return nil, &domain.UpstreamError{Source: source, Err: err}
	}
	return body, nil
}

func (c *Client) doGet(ctx context.Context, source domain.SourceType, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &domain.UpstreamError{Source: source, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.UpstreamError{Source: source, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &domain.UpstreamError{
			Source:     source,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &domain.UpstreamError{Source: source, Err: err}
	}
	return body, nil
}

// classifyUpstream maps HTTP failures onto retry actions: 429 waits out the
// rate limit, 5xx and transport errors retry, other 4xx are permanent.
func classifyUpstream(err error) retry.Action {
	var upstream *domain.UpstreamError
	if !errors.As(err, &upstream) {
		return retry.Retry
	}
	switch {
	case upstream.StatusCode == http.StatusTooManyRequests:
		return retry.After
	case upstream.StatusCode >= 500 || upstream.StatusCode == 0:
		return retry.Retry
	default:
		return retry.Stop
	}
}

// withKey appends the NASA API key to a query.
func (c *Client) withKey(values url.Values) url.Values {
	values.Set("api_key", c.apiKey)
	return values
}

// breakerAdapter wraps an adapter in a circuit breaker so a flapping
// upstream fails fast between scheduler ticks instead of burning the whole
// fetch timeout every interval.
type breakerAdapter struct {
	inner   domain.SourceAdapter
	breaker *gobreaker.CircuitBreaker
}

// WithBreaker guards an adapter with a per-source circuit breaker.
func WithBreaker(inner domain.SourceAdapter) domain.SourceAdapter {
	settings := gobreaker.Settings{
		Name:    string(inner.Source()),
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &breakerAdapter{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (b *breakerAdapter) Source() domain.SourceType { return b.inner.Source() }

func (b *breakerAdapter) Fetch(ctx context.Context, params map[string]string) (domain.Payload, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.inner.Fetch(ctx, params)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return domain.Payload{}, &domain.UpstreamError{Source: b.inner.Source(), Err: err}
		}
		return domain.Payload{}, err
	}
	return result.(domain.Payload), nil
}

// timedAdapter records fetch duration and outcome metrics around an adapter.
type timedAdapter struct {
	inner domain.SourceAdapter
	clock clockwork.Clock
}

func WithMetrics(inner domain.SourceAdapter, clock clockwork.Clock) domain.SourceAdapter {
	return &timedAdapter{inner: inner, clock: clock}
}

func (t *timedAdapter) Source() domain.SourceType { return t.inner.Source() }

func (t *timedAdapter) Fetch(ctx context.Context, params map[string]string) (domain.Payload, error) {
	name := string(t.inner.Source())
	start := t.clock.Now()
	payload, err := t.inner.Fetch(ctx, params)
	metrics.SchedulerFetchDuration.WithLabelValues(name).Observe(t.clock.Since(start).Seconds())
	if err != nil {
		metrics.SchedulerFetchTotal.WithLabelValues(name, "failure").Inc()
	} else {
		metrics.SchedulerFetchTotal.WithLabelValues(name, "success").Inc()
	}
	return payload, err
}

// DefaultAdapters builds the production adapter set, each behind metrics
// and a circuit breaker.
func DefaultAdapters(client *Client, clock clockwork.Clock) []domain.SourceAdapter {
	bare := []domain.SourceAdapter{
		NewAPODAdapter(client, nasaAPIBase),
		NewNeoFeedAdapter(client, nasaAPIBase),
		NewSpaceWeatherAdapter(client, nasaAPIBase),
		NewOrbitAdapter(client, issAPIBase),
		NewEarthImageryAdapter(client, nasaAPIBase),
	}
	adapters := make([]domain.SourceAdapter, 0, len(bare))
	for _, a := range bare {
		adapters = append(adapters, WithMetrics(WithBreaker(a), clock))
	}
	return adapters
}

const (
	nasaAPIBase = "https://api.nasa.gov"
	issAPIBase  = "https://api.wheretheiss.at"
)
