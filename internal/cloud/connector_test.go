package cloud

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hearth.io/hearth/pkg/log"
	"hearth.io/hearth/pkg/mqtt"
	"hearth.io/hearth/pkg/mqtt/topic"
)

type fakePublish struct {
	topic   string
	payload []byte
}

// fakeTransport records publishes and subscriptions and lets the test drive
// the event callbacks directly.
type fakeTransport struct {
	mu        sync.Mutex
	ev        mqtt.Events
	cfg       mqtt.ConnectConfig
	nextID    uint16
	closed    int
	publishes []fakePublish
	subs      []string
}

func (f *fakeTransport) Connect(cfg mqtt.ConnectConfig, ev mqtt.Events) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg = cfg
	f.ev = ev
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

func (f *fakeTransport) Publish(topicName string, payload []byte) uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.publishes = append(f.publishes, fakePublish{topic: topicName, payload: payload})
	return f.nextID
}

func (f *fakeTransport) Subscribe(filter string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, filter)
}

func (f *fakeTransport) published(topicName string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, p := range f.publishes {
		if p.topic != topicName {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(p.payload, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) subscribed(filter string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if s == filter {
			return true
		}
	}
	return false
}

func (f *fakeTransport) timesClosed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type memStore struct {
	registered    bool
	syncedName    string
	endpoint      string
	ca, cert, key string
}

func (s *memStore) Registered() bool              { return s.registered }
func (s *memStore) SetRegistered(r bool)          { s.registered = r }
func (s *memStore) SyncedName() string            { return s.syncedName }
func (s *memStore) SetSyncedName(n string)        { s.syncedName = n }
func (s *memStore) Endpoint() string              { return s.endpoint }
func (s *memStore) SetEndpoint(e string)          { s.endpoint = e }
func (s *memStore) CertificatePaths() (string, string, string) {
	return s.ca, s.cert, s.key
}
func (s *memStore) SetCertificatePaths(ca, cert, key string) {
	s.ca, s.cert, s.key = ca, cert, key
}

type pairResult struct {
	userID  string
	status  int
	message string
}

type notifyResult struct {
	id     uint64
	status int
}

type relayRequest struct {
	token string
	nonce string
}

// harness wires a Connector to a fake transport and records every callback.
type harness struct {
	t     *testing.T
	c     *Connector
	tr    *fakeTransport
	store *memStore

	mu           sync.Mutex
	connected    int
	disconnected int
	paired       []pairResult
	notified     []notifyResult
	turn         []TurnCredentials
	relays       []relayRequest
	endpoints    [][]PushEndpoint
	added        []PushEndpoint
}

func newHarness(t *testing.T, registered bool) *harness {
	h := &harness{t: t, store: &memStore{registered: registered}}

	cb := Callbacks{
		OnConnected:    func() { h.mu.Lock(); h.connected++; h.mu.Unlock() },
		OnDisconnected: func() { h.mu.Lock(); h.disconnected++; h.mu.Unlock() },
		OnDevicePaired: func(userID string, status int, message string) {
			h.mu.Lock()
			h.paired = append(h.paired, pairResult{userID, status, message})
			h.mu.Unlock()
		},
		OnPushNotificationSent: func(id uint64, status int) {
			h.mu.Lock()
			h.notified = append(h.notified, notifyResult{id, status})
			h.mu.Unlock()
		},
		OnTurnCredentials: func(creds TurnCredentials) {
			h.mu.Lock()
			h.turn = append(h.turn, creds)
			h.mu.Unlock()
		},
		OnRelayConnectionRequest: func(token, nonce string) {
			h.mu.Lock()
			h.relays = append(h.relays, relayRequest{token, nonce})
			h.mu.Unlock()
		},
		OnPushEndpointsUpdated: func(eps []PushEndpoint) {
			h.mu.Lock()
			h.endpoints = append(h.endpoints, eps)
			h.mu.Unlock()
		},
		OnPushEndpointAdded: func(ep PushEndpoint) {
			h.mu.Lock()
			h.added = append(h.added, ep)
			h.mu.Unlock()
		},
	}

	h.c = NewConnector(h.store, h.dial, cb, log.NewNopLogger())
	t.Cleanup(h.c.Disconnect)
	return h
}

func (h *harness) dial() mqtt.Transport {
	h.tr = &fakeTransport{}
	return h.tr
}

func (h *harness) topics() *topic.Builder {
	return topic.NewBuilder("hub-1")
}

func (h *harness) connect() {
	h.c.Connect(ConnectionConfig{
		Endpoint:          "cloud.example.com",
		ClientID:          "hub-1",
		HubName:           "Living Room",
		CACertificate:     "ca.pem",
		ClientCertificate: "client.pem",
		ClientKey:         "client.key",
	})
}

func (h *harness) deliver(topicName string, body map[string]any) {
	payload, err := json.Marshal(body)
	require.NoError(h.t, err)
	h.tr.ev.OnMessage(topicName, payload)
}

// establish drives an already registered connector from transport connect to
// the connected state.
func (h *harness) establish() {
	h.tr.ev.OnConnected()
	require.Equal(h.t, StateSubscribing, h.c.State())
	h.deliver(h.topics().UsersReply(), map[string]any{"users": []any{"user-1"}})
	require.Equal(h.t, StateConnected, h.c.State())
}

func TestRegistrationFirstContact(t *testing.T) {
	h := newHarness(t, false)
	h.connect()

	h.tr.ev.OnConnected()
	assert.Equal(t, StateRegistering, h.c.State())

	replyTopic := h.topics().RegistrationReply(h.c.tempID)
	require.True(t, h.tr.subscribed(replyTopic))

	// The request goes out only once the reply channel is confirmed.
	require.Empty(t, h.tr.published("create/device"))
	h.tr.ev.OnSubscribed(replyTopic, 1)

	reqs := h.tr.published("create/device")
	require.Len(t, reqs, 1)
	assert.Equal(t, h.c.tempID, reqs[0]["id"])
	assert.Equal(t, "hub-1", reqs[0]["UUID"])

	// 201 means the broker just created the device entry. The session is
	// torn down so the next one runs with full permissions, and the
	// registration must survive that deliberate drop.
	h.deliver(replyTopic, map[string]any{"result": map[string]any{"code": 201}})
	assert.True(t, h.store.Registered())
	assert.Equal(t, 1, h.tr.timesClosed())

	h.tr.ev.OnDisconnected()
	assert.Equal(t, StateDisconnected, h.c.State())
	assert.True(t, h.store.Registered())
}

func TestRegistrationAlreadyKnown(t *testing.T) {
	h := newHarness(t, false)
	h.connect()

	h.tr.ev.OnConnected()
	replyTopic := h.topics().RegistrationReply(h.c.tempID)
	h.tr.ev.OnSubscribed(replyTopic, 1)

	h.deliver(replyTopic, map[string]any{"result": map[string]any{"code": 200}})
	assert.True(t, h.store.Registered())
	assert.Equal(t, 0, h.tr.timesClosed())
	assert.Equal(t, StateSubscribing, h.c.State())
	require.Len(t, h.tr.published(h.topics().Users()), 1)
}

func TestRegisteredHubSkipsRegistration(t *testing.T) {
	h := newHarness(t, true)
	h.connect()

	h.tr.ev.OnConnected()
	assert.Equal(t, StateSubscribing, h.c.State())

	for _, filter := range []string{
		h.topics().PairReply(),
		h.topics().UsersReply(),
		h.topics().NameReply(),
		h.topics().NotifyReply(),
		h.topics().NotifyEndpointInfo(),
		h.topics().TurnReply(),
	} {
		assert.True(t, h.tr.subscribed(filter), filter)
	}

	reqs := h.tr.published(h.topics().Users())
	require.Len(t, reqs, 1)
	assert.Equal(t, "getUsers", reqs[0]["command"])
}

func TestEstablishmentSequence(t *testing.T) {
	h := newHarness(t, true)
	h.connect()
	h.tr.ev.OnConnected()

	h.deliver(h.topics().UsersReply(), map[string]any{
		"users": []any{"user-1", "user-2"},
		"pushNotificationsEndpoints": []any{
			map[string]any{"user-1": []any{
				map[string]any{"endpointId": "ep-1", "displayName": "Phone"},
			}},
		},
	})

	assert.Equal(t, StateConnected, h.c.State())
	assert.Equal(t, 1, h.connected)

	assert.True(t, h.tr.subscribed(h.topics().UserWildcard("user-1")))
	assert.True(t, h.tr.subscribed(h.topics().UserWildcard("user-2")))

	require.Len(t, h.endpoints, 1)
	require.Len(t, h.endpoints[0], 1)
	assert.Equal(t, PushEndpoint{UserID: "user-1", EndpointID: "ep-1", DisplayName: "Phone"}, h.endpoints[0][0])

	// The cloud copy of the name is stale, so it is synced. This request
	// carries a second-resolution timestamp.
	names := h.tr.published(h.topics().Name())
	require.Len(t, names, 1)
	assert.Equal(t, "postName", names[0]["command"])
	assert.Equal(t, "Living Room", names[0]["name"])
	assert.Less(t, names[0]["timestamp"].(float64), 1e12)

	// Relay credentials are fetched right after establishment.
	turns := h.tr.published(h.topics().Turn())
	require.Len(t, turns, 1)
	assert.Equal(t, "getTurnCredentials", turns[0]["command"])
	assert.Greater(t, turns[0]["timestamp"].(float64), 1e12)
}

func TestNameSyncAcknowledged(t *testing.T) {
	h := newHarness(t, true)
	h.connect()
	h.establish()

	h.deliver(h.topics().NameReply(), map[string]any{"status": 200})
	assert.Equal(t, "Living Room", h.store.SyncedName())

	// A synced name is not sent again on the next listing.
	h.deliver(h.topics().UsersReply(), map[string]any{"users": []any{"user-1"}})
	assert.Len(t, h.tr.published(h.topics().Name()), 1)
}

func TestSetHubNameWhileConnected(t *testing.T) {
	h := newHarness(t, true)
	h.connect()
	h.establish()
	h.deliver(h.topics().NameReply(), map[string]any{"status": 200})

	h.c.SetHubName("Kitchen")
	assert.Equal(t, "", h.store.SyncedName())

	names := h.tr.published(h.topics().Name())
	require.Len(t, names, 2)
	assert.Equal(t, "Kitchen", names[1]["name"])
}

func TestPairDeviceRoundTrip(t *testing.T) {
	h := newHarness(t, true)
	h.connect()
	h.establish()
	usersBefore := len(h.tr.published(h.topics().Users()))

	h.c.PairDevice("token-abc", "user-9")

	reqs := h.tr.published(h.topics().Pair())
	require.Len(t, reqs, 1)
	assert.Equal(t, "token-abc", reqs[0]["idToken"])
	assert.Equal(t, "user-9", reqs[0]["userId"])
	assert.Greater(t, reqs[0]["timestamp"].(float64), 1e12)

	id := reqs[0]["id"]
	h.deliver(h.topics().PairReply(), map[string]any{"id": id, "status": 200})

	require.Len(t, h.paired, 1)
	assert.Equal(t, pairResult{userID: "user-9", status: 200}, h.paired[0])

	// A successful pairing refreshes the user listing.
	assert.Len(t, h.tr.published(h.topics().Users()), usersBefore+1)

	// A redelivered reply has no matching request anymore.
	h.deliver(h.topics().PairReply(), map[string]any{"id": id, "status": 200})
	assert.Len(t, h.paired, 1)
}

func TestPairReplyWithoutRequestIsIgnored(t *testing.T) {
	h := newHarness(t, true)
	h.connect()
	h.establish()

	h.deliver(h.topics().PairReply(), map[string]any{"id": 42, "status": 200})
	assert.Empty(t, h.paired)
}

func TestPushNotificationCorrelation(t *testing.T) {
	h := newHarness(t, true)
	h.connect()
	h.establish()

	ep := PushEndpoint{UserID: "user-1", EndpointID: "ep-1"}
	id := h.c.SendPushNotification(ep, "Alarm", "Front door opened")
	require.NotZero(t, id)

	reqs := h.tr.published(h.topics().Notify("user-1", "ep-1"))
	require.Len(t, reqs, 1)
	assert.Equal(t, "Alarm", reqs[0]["title"])
	assert.Equal(t, "Front door opened", reqs[0]["text"])

	h.deliver(h.topics().NotifyReply(), map[string]any{"id": id, "status": 200})
	require.Len(t, h.notified, 1)
	assert.Equal(t, notifyResult{id: id, status: 200}, h.notified[0])
}

func TestPushEndpointAnnouncement(t *testing.T) {
	h := newHarness(t, true)
	h.connect()
	h.establish()

	h.deliver(h.topics().NotifyEndpointInfo(), map[string]any{
		"newPushNotificationsEndpoint": map[string]any{
			"user-1": map[string]any{"endpointId": "ep-2", "displayName": "Tablet"},
		},
	})

	require.Len(t, h.added, 1)
	assert.Equal(t, PushEndpoint{UserID: "user-1", EndpointID: "ep-2", DisplayName: "Tablet"}, h.added[0])
}

func TestPublishWhileDisconnected(t *testing.T) {
	h := newHarness(t, true)

	// Never configured.
	assert.Zero(t, h.c.SendPushNotification(PushEndpoint{UserID: "u", EndpointID: "e"}, "t", "x"))

	// Configured but dropped.
	h.connect()
	h.establish()
	h.tr.ev.OnDisconnected()

	assert.Zero(t, h.c.SendPushNotification(PushEndpoint{UserID: "u", EndpointID: "e"}, "t", "x"))
	assert.Empty(t, h.tr.published(h.topics().Notify("u", "e")))

	h.c.PairDevice("token", "user-1")
	h.c.mu.Lock()
	assert.Empty(t, h.c.pairings)
	h.c.mu.Unlock()
}

func TestTurnCredentialsCached(t *testing.T) {
	h := newHarness(t, true)
	h.connect()
	h.establish()

	h.deliver(h.topics().TurnReply(), map[string]any{
		"result": map[string]any{"code": 201},
		"turnCredentials": map[string]any{
			"ttl":      300,
			"username": "u",
			"password": "p",
		},
	})

	require.Len(t, h.turn, 1)
	assert.Equal(t, "u", h.turn[0]["username"])

	// Within the TTL the cache answers without another round trip.
	creds := h.c.RequestTurnCredentials()
	require.NotNil(t, creds)
	assert.Equal(t, "u", creds["username"])
	assert.Len(t, h.tr.published(h.topics().Turn()), 1)

	// Past the TTL a fresh request goes out.
	h.c.mu.Lock()
	h.c.turnExpiry = time.Now().Add(-time.Second)
	h.c.mu.Unlock()

	assert.Nil(t, h.c.RequestTurnCredentials())
	assert.Len(t, h.tr.published(h.topics().Turn()), 2)
}

func TestTurnRequestRejectedWhileDisconnected(t *testing.T) {
	h := newHarness(t, true)
	assert.Nil(t, h.c.RequestTurnCredentials())
	assert.Empty(t, h.turn)
}

func TestRelayRequestDeduplication(t *testing.T) {
	h := newHarness(t, true)
	h.connect()
	h.establish()

	relayTopic := "hub-1/eu-west-1:abc/proxy/request"
	body := map[string]any{"token": "tok-1", "timestamp": 1700000000}

	h.deliver(relayTopic, body)
	h.deliver(relayTopic, body)

	require.Len(t, h.relays, 1)
	assert.Equal(t, relayRequest{token: "tok-1", nonce: "1700000000"}, h.relays[0])

	// The same key counts as new again once the window has passed.
	h.c.mu.Lock()
	for k := range h.c.dedup.seen {
		h.c.dedup.seen[k] = time.Now().Add(-dedupWindow - time.Second)
	}
	h.c.mu.Unlock()

	h.deliver(relayTopic, body)
	assert.Len(t, h.relays, 2)
}

func TestDropDuringSetupForcesReregistration(t *testing.T) {
	h := newHarness(t, true)
	h.store.syncedName = "Living Room"
	h.connect()
	h.tr.ev.OnConnected()
	require.Equal(t, StateSubscribing, h.c.State())

	h.tr.ev.OnDisconnected()

	assert.Equal(t, StateDisconnected, h.c.State())
	assert.False(t, h.store.Registered())
	assert.Empty(t, h.store.SyncedName())
}

func TestSpacedDropsDoNotForceReregistration(t *testing.T) {
	h := newHarness(t, true)
	h.store.syncedName = "Living Room"
	h.connect()
	h.establish()

	for i := 0; i < 10; i++ {
		h.tr.ev.OnDisconnected()
		assert.True(t, h.store.Registered())

		h.c.mu.Lock()
		assert.Equal(t, 1, h.c.dropCount)
		h.c.mu.Unlock()

		// Space the drops beyond the hysteresis window.
		h.c.mu.Lock()
		h.c.lastDrop = time.Now().Add(-dropWindow - time.Second)
		h.c.mu.Unlock()

		h.c.reconnect()
		h.establish()
	}

	assert.True(t, h.store.Registered())
	assert.Equal(t, "Living Room", h.store.SyncedName())
}

func TestDropStormForcesReregistration(t *testing.T) {
	h := newHarness(t, true)
	h.store.syncedName = "Living Room"
	h.connect()
	h.establish()

	for i := 0; i < maxConsecutiveDrops; i++ {
		h.tr.ev.OnDisconnected()
		assert.True(t, h.store.Registered(), "drop %d", i+1)
		h.c.reconnect()
		h.establish()
	}

	// One drop beyond the limit trips the policy exactly once.
	h.tr.ev.OnDisconnected()
	assert.False(t, h.store.Registered())
	assert.Empty(t, h.store.SyncedName())

	h.c.mu.Lock()
	assert.Zero(t, h.c.dropCount)
	h.c.mu.Unlock()
}

func TestDisconnectIsClean(t *testing.T) {
	h := newHarness(t, true)
	h.store.syncedName = "Living Room"
	h.connect()
	h.establish()

	h.c.Disconnect()
	assert.Equal(t, 1, h.tr.timesClosed())

	h.tr.ev.OnDisconnected()
	assert.Equal(t, StateDisconnected, h.c.State())
	assert.Equal(t, 1, h.disconnected)
	assert.True(t, h.store.Registered())
	assert.Equal(t, "Living Room", h.store.SyncedName())
}

func TestReconnectWithNewConfiguration(t *testing.T) {
	h := newHarness(t, true)
	h.store.syncedName = "Living Room"
	h.connect()
	h.establish()
	first := h.tr

	h.c.Connect(ConnectionConfig{
		Endpoint:          "other.example.com",
		ClientID:          "hub-1",
		HubName:           "Living Room",
		CACertificate:     "ca.pem",
		ClientCertificate: "client.pem",
		ClientKey:         "client.key",
	})
	assert.Equal(t, 1, first.timesClosed())

	// The deliberate teardown must not count against the registration.
	first.ev.OnDisconnected()
	assert.True(t, h.store.Registered())
	assert.Equal(t, "Living Room", h.store.SyncedName())
}

func TestRepeatConnectIsNoOp(t *testing.T) {
	h := newHarness(t, true)
	h.connect()
	h.establish()
	tr := h.tr

	h.connect()
	assert.Zero(t, tr.timesClosed())
	assert.Same(t, tr, h.tr)
	assert.Equal(t, StateConnected, h.c.State())
}

func TestReconnectTearsDownActiveSession(t *testing.T) {
	h := newHarness(t, true)
	h.store.syncedName = "Living Room"
	h.connect()
	h.establish()
	first := h.tr

	// Same configuration, so Connect alone would leave the session alone.
	// Reconnect has to force the teardown regardless.
	h.c.Reconnect()
	assert.Equal(t, 1, first.timesClosed())

	first.ev.OnDisconnected()
	assert.Equal(t, StateDisconnected, h.c.State())
	assert.True(t, h.store.Registered())
	assert.Equal(t, "Living Room", h.store.SyncedName())

	h.c.reconnect()
	assert.NotSame(t, first, h.tr)
	assert.Equal(t, StateConnecting, h.c.State())
}

func TestReconnectWithoutConfigurationIsIgnored(t *testing.T) {
	h := newHarness(t, true)

	h.c.Reconnect()
	assert.Nil(t, h.tr)
	assert.Equal(t, StateDisconnected, h.c.State())
}

func TestUnhandledMessageIsIgnored(t *testing.T) {
	h := newHarness(t, true)
	h.connect()
	h.establish()

	h.deliver("hub-1/some/unknown/topic", map[string]any{"hello": "world"})
	h.tr.ev.OnMessage(h.topics().PairReply(), []byte("not json"))

	assert.Equal(t, StateConnected, h.c.State())
}
