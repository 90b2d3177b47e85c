package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tlammers/skyfeed/internal/domain"
	"github.com/tlammers/skyfeed/internal/registry"
)

type fakeVerifier struct{}

func (fakeVerifier) Verify(_ context.Context, credential string) (domain.Principal, error) {
	if credential == "" || credential == "bad" {
		return domain.Principal{}, domain.ErrAuthenticationFailed
	}
	return domain.Principal{ID: "user-" + credential, Role: "viewer"}, nil
}

type fakeQuota struct {
	mu    sync.Mutex
	calls int
	// allowFirst grants this many calls before rejecting; negative means
	// unlimited.
	allowFirst int
}

func (q *fakeQuota) Allow(_ context.Context, _ domain.Principal, _ int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if q.allowFirst >= 0 && q.calls > q.allowFirst {
		return domain.ErrQuotaExceeded
	}
	return nil
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[domain.Topic]domain.CacheEntry
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[domain.Topic]domain.CacheEntry)}
}

func (c *fakeCache) Get(_ context.Context, topic domain.Topic) (*domain.CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[topic]
	if !ok {
		return nil, domain.ErrNoData
	}
	return &entry, nil
}

func (c *fakeCache) SetMonotonic(_ context.Context, entry domain.CacheEntry) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.Topic] = entry
	return true, nil
}

type fakeRefresher struct {
	mu      sync.Mutex
	forced  []domain.SourceType
	answers bool
}

func (r *fakeRefresher) ForceRefresh(source domain.SourceType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forced = append(r.forced, source)
	return r.answers
}

type testEnv struct {
	gw        *Gateway
	registry  *registry.Registry
	cache     *fakeCache
	quota     *fakeQuota
	refresher *fakeRefresher
	server    *httptest.Server
}

func newTestEnv(t *testing.T, limit int, cfg Config) *testEnv {
	t.Helper()

	env := &testEnv{
		registry:  registry.New(limit),
		cache:     newFakeCache(),
		quota:     &fakeQuota{allowFirst: -1},
		refresher: &fakeRefresher{answers: true},
	}
	env.gw = New(env.registry, env.cache, fakeVerifier{}, env.quota, clockwork.NewRealClock(), cfg)
	env.gw.SetRefresher(env.refresher)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	env.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn, err := env.gw.Accept(r.Context(), ws, r.URL.Query().Get("token"))
		if err != nil {
			return
		}
		defer env.gw.Disconnect(conn)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			env.gw.HandleMessage(context.Background(), conn, data)
		}
	}))

	t.Cleanup(func() {
		env.server.Close()
		env.gw.Stop()
	})
	return env
}

func (env *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func sendFrame(t *testing.T, ws *websocket.Conn, frame any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(frame))
}

// connect dials and consumes the session frame.
func (env *testEnv) connect(t *testing.T) *websocket.Conn {
	t.Helper()
	ws := env.dial(t, "alice")
	session := readFrame(t, ws)
	require.Equal(t, domain.KindSession, session["kind"])
	return ws
}

func defaultConfig() Config {
	return Config{MessageRate: 100, MessageBurst: 100}
}

func TestGateway_HandshakeSendsSessionFrame(t *testing.T) {
	env := newTestEnv(t, 10, defaultConfig())
	ws := env.dial(t, "alice")

	session := readFrame(t, ws)
	assert.Equal(t, domain.KindSession, session["kind"])
	assert.NotEmpty(t, session["connectionId"])
	assert.Equal(t, float64(10), session["subscriptionLimit"])
	assert.Len(t, session["availableSourceTypes"], len(domain.Sources))
}

func TestGateway_AuthFailureClosesConnection(t *testing.T) {
	env := newTestEnv(t, 10, defaultConfig())
	ws := env.dial(t, "bad")

	frame := readFrame(t, ws)
	assert.Equal(t, domain.KindError, frame["kind"])
	assert.Equal(t, domain.CodeAuthFailed, frame["code"])

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
}

func TestGateway_QuotaExceededAtHandshake(t *testing.T) {
	env := newTestEnv(t, 10, defaultConfig())
	env.quota.allowFirst = 0

	ws := env.dial(t, "alice")
	frame := readFrame(t, ws)
	assert.Equal(t, domain.KindError, frame["kind"])
	assert.Equal(t, domain.CodeQuotaExceeded, frame["code"])
}

func TestGateway_SubscribePushesCachedPayload(t *testing.T) {
	env := newTestEnv(t, 10, defaultConfig())
	topic := domain.NewTopic(domain.SourceOrbitPosition, "current")
	env.cache.entries[topic] = domain.CacheEntry{
		Topic:     topic,
		Payload:   domain.Payload{Body: []byte(`{"lat":1}`), ContentType: "application/json"},
		FetchedAt: time.Now(),
	}

	ws := env.connect(t)
	sendFrame(t, ws, domain.ClientFrame{Kind: domain.KindSubscribe, Topic: string(topic)})

	ack := readFrame(t, ws)
	assert.Equal(t, domain.KindSubscribed, ack["kind"])
	assert.Equal(t, string(topic), ack["topic"])

	update := readFrame(t, ws)
	assert.Equal(t, domain.KindUpdate, update["kind"])
	assert.Equal(t, map[string]any{"lat": float64(1)}, update["payload"])
}

func TestGateway_SubscribeEmptyCacheSendsNoData(t *testing.T) {
	env := newTestEnv(t, 10, defaultConfig())
	ws := env.connect(t)

	sendFrame(t, ws, domain.ClientFrame{Kind: domain.KindSubscribe, SourceType: string(domain.SourceDailyImage)})

	ack := readFrame(t, ws)
	assert.Equal(t, domain.KindSubscribed, ack["kind"])
	assert.Equal(t, "daily-image/today", ack["topic"])

	noData := readFrame(t, ws)
	assert.Equal(t, domain.KindNoData, noData["kind"])
}

func TestGateway_UpdateDeliveredExactlyOnceToSubscribers(t *testing.T) {
	env := newTestEnv(t, 10, defaultConfig())
	topic := domain.NewTopic(domain.SourceOrbitPosition, "current")

	subscriber := env.connect(t)
	bystander := env.connect(t)

	sendFrame(t, subscriber, domain.ClientFrame{Kind: domain.KindSubscribe, Topic: string(topic)})
	require.Equal(t, domain.KindSubscribed, readFrame(t, subscriber)["kind"])
	require.Equal(t, domain.KindNoData, readFrame(t, subscriber)["kind"])

	env.gw.PushToTopic(domain.BroadcastMessage{
		Topic:       topic,
		Payload:     domain.Payload{Body: []byte(`{"lat":2}`), ContentType: "application/json"},
		PublishedAt: time.Now(),
	})

	update := readFrame(t, subscriber)
	assert.Equal(t, domain.KindUpdate, update["kind"])
	assert.Equal(t, string(topic), update["topic"])

	// A heartbeat sentinel proves no duplicate update is queued behind it.
	sendFrame(t, subscriber, domain.ClientFrame{Kind: domain.KindHeartbeat, ClientTime: 42})
	assert.Equal(t, domain.KindHeartbeatAck, readFrame(t, subscriber)["kind"])

	// The unsubscribed connection sees nothing but its own sentinel.
	sendFrame(t, bystander, domain.ClientFrame{Kind: domain.KindHeartbeat, ClientTime: 1})
	assert.Equal(t, domain.KindHeartbeatAck, readFrame(t, bystander)["kind"])
}

func TestGateway_NoDeliveryAfterDisconnect(t *testing.T) {
	env := newTestEnv(t, 10, defaultConfig())
	topic := domain.NewTopic(domain.SourceOrbitPosition, "current")

	leaver := env.connect(t)
	stayer := env.connect(t)

	for _, ws := range []*websocket.Conn{leaver, stayer} {
		sendFrame(t, ws, domain.ClientFrame{Kind: domain.KindSubscribe, Topic: string(topic)})
		require.Equal(t, domain.KindSubscribed, readFrame(t, ws)["kind"])
		require.Equal(t, domain.KindNoData, readFrame(t, ws)["kind"])
	}

	require.NoError(t, leaver.Close())
	require.Eventually(t, func() bool {
		return len(env.registry.MembersOf(topic)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	env.gw.PushToTopic(domain.BroadcastMessage{
		Topic:       topic,
		Payload:     domain.Payload{Body: []byte(`{}`), ContentType: "application/json"},
		PublishedAt: time.Now(),
	})

	assert.Equal(t, domain.KindUpdate, readFrame(t, stayer)["kind"])
}

func TestGateway_SubscriptionLimitRejectsWithoutStateChange(t *testing.T) {
	env := newTestEnv(t, 1, defaultConfig())
	ws := env.connect(t)

	sendFrame(t, ws, domain.ClientFrame{Kind: domain.KindSubscribe, SourceType: string(domain.SourceOrbitPosition)})
	require.Equal(t, domain.KindSubscribed, readFrame(t, ws)["kind"])
	require.Equal(t, domain.KindNoData, readFrame(t, ws)["kind"])

	sendFrame(t, ws, domain.ClientFrame{Kind: domain.KindSubscribe, SourceType: string(domain.SourceDailyImage)})
	frame := readFrame(t, ws)
	assert.Equal(t, domain.KindError, frame["kind"])
	assert.Equal(t, domain.CodeSubscriptionLimit, frame["code"])

	assert.Equal(t, 1, env.registry.SubscriptionCount())
}

func TestGateway_UnsubscribeIsIdempotent(t *testing.T) {
	env := newTestEnv(t, 10, defaultConfig())
	ws := env.connect(t)

	for i := 0; i < 2; i++ {
		sendFrame(t, ws, domain.ClientFrame{Kind: domain.KindUnsubscribe, SourceType: string(domain.SourceOrbitPosition)})
		frame := readFrame(t, ws)
		assert.Equal(t, domain.KindUnsubscribed, frame["kind"])
	}
}

func TestGateway_RateLimitDropsFrameKeepsConnection(t *testing.T) {
	env := newTestEnv(t, 10, Config{MessageRate: 1, MessageBurst: 2})
	ws := env.connect(t)

	for i := 0; i < 3; i++ {
		sendFrame(t, ws, domain.ClientFrame{Kind: domain.KindHeartbeat, ClientTime: int64(i)})
	}

	assert.Equal(t, domain.KindHeartbeatAck, readFrame(t, ws)["kind"])
	assert.Equal(t, domain.KindHeartbeatAck, readFrame(t, ws)["kind"])

	frame := readFrame(t, ws)
	assert.Equal(t, domain.KindError, frame["kind"])
	assert.Equal(t, domain.CodeRateLimited, frame["code"])
}

func TestGateway_MalformedFrameKeepsConnectionOpen(t *testing.T) {
	env := newTestEnv(t, 10, defaultConfig())
	ws := env.connect(t)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	frame := readFrame(t, ws)
	assert.Equal(t, domain.KindError, frame["kind"])
	assert.Equal(t, domain.CodeMalformed, frame["code"])

	sendFrame(t, ws, map[string]any{"kind": "teleport"})
	frame = readFrame(t, ws)
	assert.Equal(t, domain.CodeMalformed, frame["code"])

	sendFrame(t, ws, domain.ClientFrame{Kind: domain.KindHeartbeat, ClientTime: 7})
	ack := readFrame(t, ws)
	assert.Equal(t, domain.KindHeartbeatAck, ack["kind"])
	assert.Equal(t, float64(7), ack["clientTime"])
}

func TestGateway_UnknownSourceRejected(t *testing.T) {
	env := newTestEnv(t, 10, defaultConfig())
	ws := env.connect(t)

	sendFrame(t, ws, domain.ClientFrame{Kind: domain.KindSubscribe, SourceType: "moon-cheese"})
	frame := readFrame(t, ws)
	assert.Equal(t, domain.KindError, frame["kind"])
	assert.Equal(t, domain.CodeUnknownSource, frame["code"])
}

func TestGateway_QueryLatestReturnsCacheWithoutSubscribing(t *testing.T) {
	env := newTestEnv(t, 10, defaultConfig())
	topic := domain.NewTopic(domain.SourceDailyImage, "today")
	env.cache.entries[topic] = domain.CacheEntry{
		Topic:     topic,
		Payload:   domain.Payload{Body: []byte(`{"title":"x"}`), ContentType: "application/json"},
		FetchedAt: time.Now(),
	}

	ws := env.connect(t)
	sendFrame(t, ws, domain.ClientFrame{Kind: domain.KindQueryLatest, Topic: string(topic)})

	result := readFrame(t, ws)
	assert.Equal(t, domain.KindQueryResult, result["kind"])
	assert.Equal(t, string(domain.SourceDailyImage), result["sourceType"])

	assert.Equal(t, 0, env.registry.SubscriptionCount())
}

func TestGateway_QueryLatestForceTriggersRefresh(t *testing.T) {
	env := newTestEnv(t, 10, defaultConfig())
	ws := env.connect(t)

	sendFrame(t, ws, domain.ClientFrame{Kind: domain.KindQueryLatest, SourceType: string(domain.SourceOrbitPosition), Force: true})
	assert.Equal(t, domain.KindNoData, readFrame(t, ws)["kind"])

	env.refresher.mu.Lock()
	defer env.refresher.mu.Unlock()
	require.Len(t, env.refresher.forced, 1)
	assert.Equal(t, domain.SourceOrbitPosition, env.refresher.forced[0])
}

func TestGateway_QuotaExceededOnSubscribeKeepsConnection(t *testing.T) {
	env := newTestEnv(t, 10, defaultConfig())
	ws := env.connect(t)
	// The handshake consumed the only allowed operation.
	env.quota.mu.Lock()
	env.quota.allowFirst = env.quota.calls
	env.quota.mu.Unlock()

	sendFrame(t, ws, domain.ClientFrame{Kind: domain.KindSubscribe, SourceType: string(domain.SourceOrbitPosition)})
	frame := readFrame(t, ws)
	assert.Equal(t, domain.KindError, frame["kind"])
	assert.Equal(t, domain.CodeQuotaExceeded, frame["code"])

	// Heartbeats are free and the connection is still live.
	sendFrame(t, ws, domain.ClientFrame{Kind: domain.KindHeartbeat})
	assert.Equal(t, domain.KindHeartbeatAck, readFrame(t, ws)["kind"])
}

func TestGateway_ConnectionCount(t *testing.T) {
	env := newTestEnv(t, 10, defaultConfig())
	assert.Equal(t, 0, env.gw.ConnectionCount())

	env.connect(t)
	env.connect(t)
	assert.Equal(t, 2, env.gw.ConnectionCount())
}

func TestGateway_StopClosesClients(t *testing.T) {
	env := newTestEnv(t, 10, defaultConfig())
	ws := env.connect(t)

	env.gw.Stop()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	if assert.Error(t, err) && errors.As(err, &closeErr) {
		assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	}
}

func TestGateway_DisconnectVacatesRegistrySynchronously(t *testing.T) {
	env := newTestEnv(t, 10, defaultConfig())
	topic := domain.NewTopic(domain.SourceOrbitPosition, "current")

	reg := env.registry
	conn := &Conn{ID: uuid.New()}
	require.NoError(t, reg.AddMember(topic, conn.ID))

	env.gw.Disconnect(conn)
	assert.Empty(t, reg.TopicsOf(conn.ID))
	assert.False(t, reg.HasMembers(topic))
}
