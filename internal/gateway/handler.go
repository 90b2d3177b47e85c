package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/tlammers/skyfeed/internal/domain"
	"github.com/tlammers/skyfeed/internal/metrics"
)

var validate = validator.New()

// HandleMessage processes one client frame on the connection's reader
// goroutine. A bad frame answers with an error frame and keeps the
// connection open; only the handshake ever closes a connection here.
func (g *Gateway) HandleMessage(ctx context.Context, conn *Conn, data []byte) {
	conn.touch()

	var frame domain.ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		g.rejectFrame(conn, domain.CodeMalformed, "invalid JSON")
		return
	}
	if err := validate.Struct(frame); err != nil {
		g.rejectFrame(conn, domain.CodeMalformed, "unknown frame kind")
		return
	}

	metrics.GatewayMessagesReceived.WithLabelValues(frame.Kind).Inc()

	if !conn.limiter.Allow() {
		metrics.GatewayRateLimitedMessages.Inc()
		conn.send(domain.NewErrorFrame(domain.CodeRateLimited, "message rate exceeded, frame dropped"))
		return
	}

	switch frame.Kind {
	case domain.KindSubscribe:
		g.handleSubscribe(ctx, conn, frame)
	case domain.KindUnsubscribe:
		g.handleUnsubscribe(conn, frame)
	case domain.KindQueryLatest:
		g.handleQueryLatest(ctx, conn, frame)
	case domain.KindHeartbeat:
		conn.send(domain.NewHeartbeatAck(frame.ClientTime, g.clock.Now()))
	}
}

func (g *Gateway) handleSubscribe(ctx context.Context, conn *Conn, frame domain.ClientFrame) {
	topic, ok := g.resolveTopic(conn, frame)
	if !ok {
		return
	}

	if err := g.quota.Allow(ctx, conn.Principal, operationCost); err != nil {
		conn.send(domain.NewErrorFrame(domain.CodeQuotaExceeded, "operation quota exceeded"))
		return
	}

	if err := g.registry.AddMember(topic, conn.ID); err != nil {
		if errors.Is(err, domain.ErrSubscriptionLimit) {
			conn.send(domain.NewErrorFrame(domain.CodeSubscriptionLimit, "subscription limit reached"))
			return
		}
		slog.Error("Subscribe failed", "connection_id", conn.ID, "topic", topic, "error", err)
		return
	}

	conn.send(domain.TopicFrame{Kind: domain.KindSubscribed, Topic: topic})

	// Immediate push of the last-known payload, so a new subscriber does not
	// wait out a refresh interval.
	entry, err := g.cache.Get(ctx, topic)
	switch {
	case err == nil:
		conn.send(domain.NewCacheUpdateFrame(entry))
	case errors.Is(err, domain.ErrNoData):
		conn.send(domain.NoDataFrame{Kind: domain.KindNoData, Topic: topic})
	default:
		slog.Warn("Cache read failed on subscribe", "topic", topic, "error", err)
	}
}

func (g *Gateway) handleUnsubscribe(conn *Conn, frame domain.ClientFrame) {
	topic, ok := g.resolveTopic(conn, frame)
	if !ok {
		return
	}
	// Idempotent: unsubscribing a topic never subscribed still acks.
	g.registry.RemoveMember(topic, conn.ID)
	conn.send(domain.TopicFrame{Kind: domain.KindUnsubscribed, Topic: topic})
}

func (g *Gateway) handleQueryLatest(ctx context.Context, conn *Conn, frame domain.ClientFrame) {
	topic, ok := g.resolveTopic(conn, frame)
	if !ok {
		return
	}

	if err := g.quota.Allow(ctx, conn.Principal, operationCost); err != nil {
		conn.send(domain.NewErrorFrame(domain.CodeQuotaExceeded, "operation quota exceeded"))
		return
	}

	if frame.Force && g.refresher != nil {
		g.refresher.ForceRefresh(topic.Source())
	}

	entry, err := g.cache.Get(ctx, topic)
	switch {
	case err == nil:
		conn.send(domain.NewQueryResultFrame(entry))
	case errors.Is(err, domain.ErrNoData):
		conn.send(domain.NoDataFrame{Kind: domain.KindNoData, Topic: topic})
	default:
		slog.Warn("Cache read failed on query", "topic", topic, "error", err)
		conn.send(domain.NoDataFrame{Kind: domain.KindNoData, Topic: topic})
	}
}

// resolveTopic extracts the topic from a frame: either an explicit
// "sourceType/discriminator" string or a source type with an optional
// discriminator param, defaulting to the source's canonical one.
func (g *Gateway) resolveTopic(conn *Conn, frame domain.ClientFrame) (domain.Topic, bool) {
	if frame.Topic != "" {
		topic, err := domain.ParseTopic(frame.Topic)
		if err != nil {
			g.rejectFrame(conn, domain.CodeUnknownSource, err.Error())
			return "", false
		}
		return topic, true
	}

	spec, known := domain.SourceSpecFor(domain.SourceType(frame.SourceType))
	if !known {
		g.rejectFrame(conn, domain.CodeUnknownSource, "unknown source type")
		return "", false
	}
	discriminator := spec.Discriminator
	if d := frame.Params["discriminator"]; d != "" {
		discriminator = d
	}
	return domain.NewTopic(spec.Type, discriminator), true
}

func (g *Gateway) rejectFrame(conn *Conn, code, message string) {
	if code == domain.CodeMalformed {
		metrics.GatewayMalformedMessages.Inc()
	}
	conn.send(domain.NewErrorFrame(code, message))
}
