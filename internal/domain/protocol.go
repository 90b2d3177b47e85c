package domain

import (
	"encoding/json"
	"time"
)

// Client→server frame kinds.
const (
	KindSubscribe   = "subscribe"
	KindUnsubscribe = "unsubscribe"
	KindQueryLatest = "queryLatest"
	KindHeartbeat   = "heartbeat"
)

// Server→client frame kinds.
const (
	KindSession      = "session"
	KindSubscribed   = "subscribed"
	KindUnsubscribed = "unsubscribed"
	KindUpdate       = "update"
	KindQueryResult  = "queryResult"
	KindNoData       = "noData"
	KindError        = "error"
	KindHeartbeatAck = "heartbeatAck"
)

// Protocol error codes carried in ErrorFrame.Code.
const (
	CodeAuthFailed        = "auth_failed"
	CodeRateLimited       = "rate_limited"
	CodeQuotaExceeded     = "quota_exceeded"
	CodeSubscriptionLimit = "subscription_limit"
	CodeMalformed         = "malformed"
	CodeUnknownSource     = "unknown_source"
)

// ClientFrame is the envelope for every client→server message. Exactly one
// payload section is meaningful for a given kind.
type ClientFrame struct {
	Kind string `json:"kind" validate:"required,oneof=subscribe unsubscribe queryLatest heartbeat"`

	// subscribe / unsubscribe: either a full topic or sourceType+params.
	Topic      string            `json:"topic,omitempty"`
	SourceType string            `json:"sourceType,omitempty"`
	Params     map[string]string `json:"params,omitempty"`

	// queryLatest: force triggers an out-of-band refresh tick.
	Force bool `json:"force,omitempty"`

	// heartbeat
	ClientTime int64 `json:"clientTime,omitempty"`
}

// SessionFrame is the handshake acceptance message.
type SessionFrame struct {
	Kind                 string   `json:"kind"`
	ConnectionID         string   `json:"connectionId"`
	ServerTime           int64    `json:"serverTime"`
	AvailableSourceTypes []string `json:"availableSourceTypes"`
	SubscriptionLimit    int      `json:"subscriptionLimit"`
}

// TopicFrame acknowledges subscribe/unsubscribe.
type TopicFrame struct {
	Kind  string `json:"kind"`
	Topic Topic  `json:"topic"`
}

// UpdateFrame carries a fan-out payload for a subscribed topic.
type UpdateFrame struct {
	Kind        string          `json:"kind"`
	Topic       Topic           `json:"topic"`
	ContentType string          `json:"contentType"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   int64           `json:"timestamp"`
}

// QueryResultFrame answers queryLatest from the cache.
type QueryResultFrame struct {
	Kind        string          `json:"kind"`
	SourceType  SourceType      `json:"sourceType"`
	Topic       Topic           `json:"topic"`
	ContentType string          `json:"contentType"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   int64           `json:"timestamp"`
}

// NoDataFrame marks a cache miss for a topic that has never been fetched.
// Explicitly not an error: the scheduler simply has not produced data yet.
type NoDataFrame struct {
	Kind  string `json:"kind"`
	Topic Topic  `json:"topic"`
}

// ErrorFrame reports a rejected operation. The connection stays open for
// every code except auth_failed, which closes it.
type ErrorFrame struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatAckFrame echoes the client clock next to the server clock.
type HeartbeatAckFrame struct {
	Kind       string `json:"kind"`
	ClientTime int64  `json:"clientTime"`
	ServerTime int64  `json:"serverTime"`
}

// NewUpdateFrame renders a broadcast message for a client. JSON payloads are
// embedded raw; anything else is wrapped as a JSON string.
func NewUpdateFrame(msg BroadcastMessage) UpdateFrame {
	return UpdateFrame{
		Kind:        KindUpdate,
		Topic:       msg.Topic,
		ContentType: msg.Payload.ContentType,
		Payload:     rawPayload(msg.Payload),
		Timestamp:   msg.PublishedAt.UnixMilli(),
	}
}

// NewQueryResultFrame renders a cache entry for a queryLatest response.
func NewQueryResultFrame(entry *CacheEntry) QueryResultFrame {
	return QueryResultFrame{
		Kind:        KindQueryResult,
		SourceType:  entry.Topic.Source(),
		Topic:       entry.Topic,
		ContentType: entry.Payload.ContentType,
		Payload:     rawPayload(entry.Payload),
		Timestamp:   entry.FetchedAt.UnixMilli(),
	}
}

// NewCacheUpdateFrame renders a cache entry as an update, used for the
// immediate push on subscribe.
func NewCacheUpdateFrame(entry *CacheEntry) UpdateFrame {
	return UpdateFrame{
		Kind:        KindUpdate,
		Topic:       entry.Topic,
		ContentType: entry.Payload.ContentType,
		Payload:     rawPayload(entry.Payload),
		Timestamp:   entry.FetchedAt.UnixMilli(),
	}
}

func rawPayload(p Payload) json.RawMessage {
	if p.ContentType == "application/json" && json.Valid(p.Body) {
		return json.RawMessage(p.Body)
	}
	quoted, err := json.Marshal(string(p.Body))
	if err != nil {
		return json.RawMessage(`null`)
	}
	return json.RawMessage(quoted)
}

// NewErrorFrame builds an error frame for a protocol error code.
func NewErrorFrame(code, message string) ErrorFrame {
	return ErrorFrame{Kind: KindError, Code: code, Message: message}
}

// NewHeartbeatAck answers a heartbeat.
func NewHeartbeatAck(clientTime int64, serverTime time.Time) HeartbeatAckFrame {
	return HeartbeatAckFrame{Kind: KindHeartbeatAck, ClientTime: clientTime, ServerTime: serverTime.UnixMilli()}
}
