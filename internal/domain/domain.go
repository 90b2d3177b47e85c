package domain

import (
	"fmt"
	"strings"
	"time"
)

// SourceType identifies one upstream data feed.
type SourceType string

const (
	SourceDailyImage    SourceType = "daily-image"
	SourceNearObjects   SourceType = "near-object-feed"
	SourceSpaceWeather  SourceType = "space-weather-alerts"
	SourceOrbitPosition SourceType = "orbital-position"
	SourceEarthImagery  SourceType = "earth-imagery"
)

// SourceSpec describes the fixed per-source refresh configuration.
type SourceSpec struct {
	Type SourceType
	// Interval between scheduler ticks. Not tunable at runtime.
	Interval time.Duration
	// Discriminator is the canonical topic discriminator the scheduler
	// publishes under (e.g. "today" for the daily image).
	Discriminator string
}

// Sources is the fixed refresh table for all known source types.
var Sources = []SourceSpec{
	{Type: SourceDailyImage, Interval: 24 * time.Hour, Discriminator: "today"},
	{Type: SourceNearObjects, Interval: time.Hour, Discriminator: "today"},
	{Type: SourceSpaceWeather, Interval: 5 * time.Minute, Discriminator: "current"},
	{Type: SourceOrbitPosition, Interval: 30 * time.Second, Discriminator: "current"},
	{Type: SourceEarthImagery, Interval: time.Hour, Discriminator: "latest"},
}

// SourceSpecFor returns the spec for a source type, or false if unknown.
func SourceSpecFor(t SourceType) (SourceSpec, bool) {
	for _, s := range Sources {
		if s.Type == t {
			return s, true
		}
	}
	return SourceSpec{}, false
}

// SourceTypeNames returns all known source type names.
func SourceTypeNames() []string {
	names := make([]string, 0, len(Sources))
	for _, s := range Sources {
		names = append(names, string(s.Type))
	}
	return names
}

// Topic is the unit of subscription: a source type plus a discriminating
// parameter, rendered as "sourceType/discriminator".
type Topic string

// NewTopic builds a topic from its two parts.
func NewTopic(source SourceType, discriminator string) Topic {
	return Topic(string(source) + "/" + discriminator)
}

// ParseTopic splits and validates a topic string. The source type must be
// one of the known Sources and the discriminator must be non-empty.
func ParseTopic(s string) (Topic, error) {
	source, discriminator, ok := strings.Cut(s, "/")
	if !ok || discriminator == "" {
		return "", fmt.Errorf("topic %q: want sourceType/discriminator", s)
	}
	if _, known := SourceSpecFor(SourceType(source)); !known {
		return "", fmt.Errorf("topic %q: unknown source type %q", s, source)
	}
	return Topic(s), nil
}

// Source returns the source type part of the topic.
func (t Topic) Source() SourceType {
	source, _, _ := strings.Cut(string(t), "/")
	return SourceType(source)
}

// Payload is a normalized upstream response: an opaque blob plus its
// content type. The fan-out path never inspects the body.
type Payload struct {
	Body        []byte `json:"body"`
	ContentType string `json:"contentType"`
}

// CacheEntry is the last-known payload for a topic, shared across the fleet.
// Writes are monotonic by FetchedAt: an older fetch never overwrites a
// newer one.
type CacheEntry struct {
	Topic      Topic     `json:"topic"`
	Payload    Payload   `json:"payload"`
	FetchedAt  time.Time `json:"fetchedAt"`
	ValidUntil time.Time `json:"validUntil"`
}

// BroadcastMessage crosses processes on the broadcast bus. Transient,
// best-effort, at-most-once per subscriber process.
type BroadcastMessage struct {
	Topic       Topic     `json:"topic"`
	Payload     Payload   `json:"payload"`
	PublishedAt time.Time `json:"publishedAt"`
}

// Principal is the identity the credential collaborator vouches for.
type Principal struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}
