package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/tlammers/skyfeed/internal/domain"
	"github.com/tlammers/skyfeed/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	writeDeadline  = 5 * time.Second
	pingInterval   = 30 * time.Second
	pongDeadline   = 60 * time.Second
	idleTimeout    = 5 * time.Minute
	sendBufferSize = 16
)

// Conn is one authenticated WebSocket connection. The reader goroutine in
// the HTTP handler feeds frames to the gateway; the embedded writer owns
// every outbound byte.
type Conn struct {
	ID        uuid.UUID
	Principal domain.Principal
	CreatedAt time.Time

	limiter *rate.Limiter
	writer  *clientWriter
}

func newConn(ws *websocket.Conn, principal domain.Principal, clock clockwork.Clock, msgRate float64, burst int) *Conn {
	return &Conn{
		ID:        uuid.New(),
		Principal: principal,
		CreatedAt: clock.Now(),
		limiter:   rate.NewLimiter(rate.Limit(msgRate), burst),
		writer:    newClientWriter(ws, clock),
	}
}

// touch marks the connection live and extends the read deadline. Called for
// every client frame.
func (c *Conn) touch() {
	c.writer.recordActivity()
	c.writer.updateReadDeadline()
}

// send marshals a frame and enqueues it without blocking. Returns false when
// the client's buffer is full.
func (c *Conn) send(frame any) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		return false
	}
	return c.writer.trySend(data)
}

// clientWriter is the single writer goroutine per connection: it drains the
// send buffer, pings on an interval, and enforces the idle timeout. All
// writes to the socket happen here, so no write is ever concurrent.
type clientWriter struct {
	ws    *websocket.Conn
	clock clockwork.Clock

	sendCh   chan []byte
	doneCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	activityMu   sync.Mutex
	lastActivity time.Time
}

func newClientWriter(ws *websocket.Conn, clock clockwork.Clock) *clientWriter {
	cw := &clientWriter{
		ws:           ws,
		clock:        clock,
		sendCh:       make(chan []byte, sendBufferSize),
		doneCh:       make(chan struct{}),
		lastActivity: clock.Now(),
	}
	cw.configurePongHandler()
	cw.wg.Add(1)
	go cw.run()
	return cw
}

// trySend enqueues a message without blocking. A full buffer means the
// client is not keeping up.
func (cw *clientWriter) trySend(data []byte) bool {
	select {
	case cw.sendCh <- data:
		return true
	default:
		return false
	}
}

func (cw *clientWriter) run() {
	ticker := cw.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer cw.wg.Done()

	for {
		select {
		case msg := <-cw.sendCh:
			cw.updateWriteDeadline()
			if err := cw.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.Chan():
			if cw.idleExceeded() {
				metrics.GatewayIdleDisconnects.Inc()
				_ = cw.ws.Close()
				return
			}
			cw.updateWriteDeadline()
			if err := cw.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				metrics.GatewayPingFailures.Inc()
				return
			}
		case <-cw.doneCh:
			return
		}
	}
}

func (cw *clientWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.doneCh)
		_ = cw.ws.Close()
	})
	cw.wg.Wait()
}

// stopGraceful sends a close frame with a reason before closing. Waits for
// the run goroutine first so the close write is never concurrent.
func (cw *clientWriter) stopGraceful(reason string) {
	cw.stopOnce.Do(func() {
		close(cw.doneCh)
		cw.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		cw.updateWriteDeadline()
		_ = cw.ws.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = cw.ws.Close()
	})
	cw.wg.Wait()
}

func (cw *clientWriter) configurePongHandler() {
	cw.updateReadDeadline()
	cw.ws.SetPongHandler(func(string) error {
		cw.updateReadDeadline()
		return nil
	})
}

// recordActivity marks the connection live for the idle check. Called for
// every client frame the reader hands us.
func (cw *clientWriter) recordActivity() {
	cw.activityMu.Lock()
	defer cw.activityMu.Unlock()
	cw.lastActivity = cw.clock.Now()
}

func (cw *clientWriter) idleExceeded() bool {
	cw.activityMu.Lock()
	defer cw.activityMu.Unlock()
	return cw.clock.Since(cw.lastActivity) >= idleTimeout
}

func (cw *clientWriter) updateWriteDeadline() {
	_ = cw.ws.SetWriteDeadline(cw.clock.Now().Add(writeDeadline))
}

func (cw *clientWriter) updateReadDeadline() {
	_ = cw.ws.SetReadDeadline(cw.clock.Now().Add(pongDeadline))
}
