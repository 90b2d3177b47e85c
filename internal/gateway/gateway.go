// Package gateway terminates WebSocket connections: handshake, per-frame
// dispatch, and local fan-out of broadcast updates. All connection
// bookkeeping lives in a single actor goroutine driven by a command channel;
// frame handling runs on each connection's reader goroutine.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/tlammers/skyfeed/internal/domain"
	"github.com/tlammers/skyfeed/internal/metrics"
	"github.com/tlammers/skyfeed/internal/registry"
)

const (
	commandTimeout = 5 * time.Second
	stopTimeout    = 10 * time.Second
	// Cost of one handshake or client operation against the quota window.
	operationCost = 1
)

type gatewayCmd interface{ isGatewayCmd() }

type baseGatewayCmd struct{}

func (baseGatewayCmd) isGatewayCmd() {}

type registerCmd struct {
	baseGatewayCmd
	conn    *Conn
	replyCh chan struct{}
}

type unregisterCmd struct {
	baseGatewayCmd
	connID uuid.UUID
}

type pushCmd struct {
	baseGatewayCmd
	msg domain.BroadcastMessage
}

type countCmd struct {
	baseGatewayCmd
	replyCh chan int
}

type stopCmd struct {
	baseGatewayCmd
}

// Config carries the per-connection knobs the gateway enforces.
type Config struct {
	// MessageRate is the sustained client frames per second per connection.
	MessageRate float64
	// MessageBurst is the rate limiter burst size.
	MessageBurst int
}

// Gateway owns all WebSocket connections of this process.
type Gateway struct {
	cmdCh     chan gatewayCmd
	conns     map[uuid.UUID]*Conn
	delivered atomic.Uint64
	registry  *registry.Registry
	cache     domain.CacheStore
	verifier  domain.CredentialVerifier
	quota     domain.QuotaService
	refresher domain.Refresher
	clock     clockwork.Clock
	cfg       Config
	done      chan struct{}
}

// New starts the gateway actor. The refresher is optional and can be wired
// later with SetRefresher, before any connection is accepted.
func New(reg *registry.Registry, cache domain.CacheStore, verifier domain.CredentialVerifier, quota domain.QuotaService, clock clockwork.Clock, cfg Config) *Gateway {
	g := &Gateway{
		cmdCh:    make(chan gatewayCmd, 256),
		conns:    make(map[uuid.UUID]*Conn),
		registry: reg,
		cache:    cache,
		verifier: verifier,
		quota:    quota,
		clock:    clock,
		cfg:      cfg,
		done:     make(chan struct{}),
	}
	go g.run()
	return g
}

// SetRefresher wires the out-of-band refresh hook. Must be called during
// startup, before connections arrive.
func (g *Gateway) SetRefresher(r domain.Refresher) { g.refresher = r }

// Accept runs the handshake on a freshly upgraded socket: verify the
// credential, charge the quota, register the connection, and send the
// session frame. On failure the socket is closed with an error frame.
func (g *Gateway) Accept(ctx context.Context, ws *websocket.Conn, credential string) (*Conn, error) {
	principal, err := g.verifier.Verify(ctx, credential)
	if err != nil {
		metrics.GatewayConnectionsTotal.WithLabelValues("auth_failed").Inc()
		g.rejectSocket(ws, domain.CodeAuthFailed, "authentication failed")
		return nil, domain.ErrAuthenticationFailed
	}

	if err := g.quota.Allow(ctx, principal, operationCost); err != nil {
		metrics.GatewayConnectionsTotal.WithLabelValues("quota_exceeded").Inc()
		g.rejectSocket(ws, domain.CodeQuotaExceeded, "operation quota exceeded")
		return nil, err
	}

	conn := newConn(ws, principal, g.clock, g.cfg.MessageRate, g.cfg.MessageBurst)
	if err := g.register(conn); err != nil {
		conn.writer.stop()
		metrics.GatewayConnectionsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	conn.send(domain.SessionFrame{
		Kind:                 domain.KindSession,
		ConnectionID:         conn.ID.String(),
		ServerTime:           g.clock.Now().UnixMilli(),
		AvailableSourceTypes: domain.SourceTypeNames(),
		SubscriptionLimit:    g.registry.Limit(),
	})

	metrics.GatewayConnectionsTotal.WithLabelValues("accepted").Inc()
	metrics.GatewayConnectionsCurrent.Inc()
	slog.Info("Connection accepted", "connection_id", conn.ID, "principal", principal.ID)
	return conn, nil
}

// Disconnect tears a connection down. Registry cleanup happens here,
// synchronously, so no membership outlives its connection.
func (g *Gateway) Disconnect(conn *Conn) {
	vacated := g.registry.RemoveConnection(conn.ID)
	g.cmdCh <- unregisterCmd{connID: conn.ID}
	slog.Info("Connection closed", "connection_id", conn.ID, "vacated_topics", len(vacated))
}

// PushToTopic is the bus handler: fan a broadcast message out to every
// local member of its topic.
func (g *Gateway) PushToTopic(msg domain.BroadcastMessage) {
	g.cmdCh <- pushCmd{msg: msg}
}

// Delivered returns the total update frames handed to client writers.
func (g *Gateway) Delivered() uint64 { return g.delivered.Load() }

// ConnectionCount returns the number of registered connections, or -1 if
// the actor did not answer in time.
func (g *Gateway) ConnectionCount() int {
	replyCh := make(chan int, 1)
	g.cmdCh <- countCmd{replyCh: replyCh}

	timer := g.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case n := <-replyCh:
		return n
	case <-timer.Chan():
		return -1
	}
}

// Stop closes every connection and shuts the actor down.
func (g *Gateway) Stop() {
	g.cmdCh <- stopCmd{}

	timer := g.clock.NewTimer(stopTimeout)
	defer timer.Stop()

	select {
	case <-g.done:
		slog.Info("Gateway stopped")
	case <-timer.Chan():
		slog.Warn("Gateway stop timed out", "timeout", stopTimeout)
	}
}

func (g *Gateway) register(conn *Conn) error {
	replyCh := make(chan struct{}, 1)
	g.cmdCh <- registerCmd{conn: conn, replyCh: replyCh}

	timer := g.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case <-replyCh:
		return nil
	case <-timer.Chan():
		return fmt.Errorf("register command timed out after %v", commandTimeout)
	}
}

func (g *Gateway) run() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Gateway panic recovered", "panic", r)
			g.closeAll("internal error")
			close(g.done)
		}
	}()

	for cmd := range g.cmdCh {
		switch c := cmd.(type) {
		case registerCmd:
			g.conns[c.conn.ID] = c.conn
			c.replyCh <- struct{}{}
		case unregisterCmd:
			g.handleUnregister(c.connID)
		case pushCmd:
			g.handlePush(c.msg)
		case countCmd:
			c.replyCh <- len(g.conns)
		case stopCmd:
			g.closeAll("server shutting down")
			close(g.done)
			return
		}
	}
}

func (g *Gateway) handleUnregister(connID uuid.UUID) {
	conn, ok := g.conns[connID]
	if !ok {
		return
	}
	delete(g.conns, connID)
	conn.writer.stop()
	metrics.GatewayConnectionsCurrent.Dec()
}

// handlePush delivers one broadcast message to every local member of its
// topic. A member whose buffer is full is evicted rather than allowed to
// stall everyone behind it.
func (g *Gateway) handlePush(msg domain.BroadcastMessage) {
	members := g.registry.MembersOf(msg.Topic)
	if len(members) == 0 {
		return
	}

	start := g.clock.Now()
	data, err := json.Marshal(domain.NewUpdateFrame(msg))
	if err != nil {
		slog.Error("Failed to marshal update frame", "topic", msg.Topic, "error", err)
		return
	}

	var slow []uuid.UUID
	for _, id := range members {
		conn, ok := g.conns[id]
		if !ok {
			continue
		}
		if conn.writer.trySend(data) {
			g.delivered.Add(1)
			metrics.GatewayMessagesDelivered.Inc()
		} else {
			slow = append(slow, id)
		}
	}

	for _, id := range slow {
		slog.Warn("Evicting slow client", "connection_id", id, "topic", msg.Topic)
		metrics.GatewaySlowClientsEvicted.Inc()
		g.registry.RemoveConnection(id)
		g.handleUnregister(id)
	}

	metrics.GatewayFanoutDuration.Observe(g.clock.Since(start).Seconds())
}

func (g *Gateway) closeAll(reason string) {
	for id, conn := range g.conns {
		g.registry.RemoveConnection(id)
		conn.writer.stopGraceful(reason)
		delete(g.conns, id)
	}
	metrics.GatewayConnectionsCurrent.Set(0)
}

// rejectSocket writes one error frame straight to a not-yet-registered
// socket and closes it.
func (g *Gateway) rejectSocket(ws *websocket.Conn, code, message string) {
	_ = ws.SetWriteDeadline(g.clock.Now().Add(writeDeadline))
	_ = ws.WriteJSON(domain.NewErrorFrame(code, message))
	closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code)
	_ = ws.WriteMessage(websocket.CloseMessage, closeMsg)
	_ = ws.Close()
}
