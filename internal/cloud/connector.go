package cloud

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"hearth.io/hearth/internal/pkg/metrics"
	"hearth.io/hearth/pkg/log"
	"hearth.io/hearth/pkg/mqtt"
	"hearth.io/hearth/pkg/mqtt/topic"
)

const (
	// reconnectDelay is the pause before redialing after a drop.
	reconnectDelay = 5 * time.Second

	// dropWindow and maxConsecutiveDrops implement the drop hysteresis: a
	// drop within dropWindow of the previous one counts as part of the same
	// streak, and a streak longer than maxConsecutiveDrops forces a fresh
	// registration on the next connect.
	dropWindow          = 60 * time.Second
	maxConsecutiveDrops = 5

	// turnRefreshLead is how long before expiry cached relay credentials are
	// refreshed.
	turnRefreshLead = 10 * time.Second
)

// ConnectionConfig is the material for one cloud link.
type ConnectionConfig struct {
	// Endpoint is the broker host, optionally with a port.
	Endpoint string

	// ClientID is the stable identity of this hub towards the cloud.
	ClientID string

	// HubName is the user-facing display name to sync to the cloud.
	HubName string

	// Paths to the PEM encoded TLS client material.
	CACertificate     string
	ClientCertificate string
	ClientKey         string
}

// Callbacks are the notifications the Connector emits. Nil entries are
// skipped. They fire on the connector's execution context while its lock is
// held; handlers must not call back into the Connector.
type Callbacks struct {
	// OnConnected fires when the session reaches the connected state.
	OnConnected func()

	// OnDisconnected fires when an active or in-progress session drops.
	OnDisconnected func()

	// OnDevicePaired reports the outcome of a pairing attempt.
	OnDevicePaired func(userID string, status int, message string)

	// OnPushEndpointsUpdated delivers the full current endpoint list.
	OnPushEndpointsUpdated func(endpoints []PushEndpoint)

	// OnPushEndpointAdded announces a single newly registered endpoint.
	OnPushEndpointAdded func(endpoint PushEndpoint)

	// OnPushNotificationSent correlates a notification reply by the id
	// returned from SendPushNotification.
	OnPushNotificationSent func(id uint64, status int)

	// OnTurnCredentials delivers relay credentials, cached or fresh.
	OnTurnCredentials func(creds TurnCredentials)

	// OnRelayConnectionRequest announces an incoming remote-access request.
	// The token and nonce pair identifies the requesting session.
	OnRelayConnectionRequest func(token, nonce string)
}

// Connector maintains the pub/sub session to the cloud: registration on
// first contact, the subscription handshake, pairing, push notifications,
// relay credential caching and the reconnect policy.
//
// All transport callbacks, timers and public methods are serialized by one
// mutex, so internal state needs no further synchronization.
type Connector struct {
	mu  sync.Mutex
	log log.Logger

	store Store
	dial  mqtt.DialFunc
	cb    Callbacks

	sm     *connectionFSM
	cfg    ConnectionConfig
	topics *topic.Builder

	transport       mqtt.Transport
	shouldReconnect bool

	// expectedDrop marks the next session loss as deliberate, exempting it
	// from the re-registration policy.
	expectedDrop bool

	// tempID keys the reply topic of the in-flight registration attempt.
	tempID string

	// txn numbers outgoing requests so replies can be correlated.
	txn uint64

	// pairings maps in-flight pairing transaction ids to user ids.
	pairings map[uint64]string

	// subs tracks filters already handed to the current transport.
	subs map[string]struct{}

	dedup *dedupCache

	turnCreds        TurnCredentials
	turnExpiry       time.Time
	turnRefreshTimer *time.Timer

	lastDrop       time.Time
	dropCount      int
	reconnectTimer *time.Timer
}

// NewConnector creates a Connector. Connect must be called to start it.
func NewConnector(store Store, dial mqtt.DialFunc, cb Callbacks, logger log.Logger) *Connector {
	l := logger.WithName("cloud")
	return &Connector{
		log:      l,
		store:    store,
		dial:     dial,
		cb:       cb,
		sm:       newConnectionFSM(l),
		pairings: make(map[uint64]string),
		subs:     make(map[string]struct{}),
		dedup:    newDedupCache(),
	}
}

// Connect starts (or restarts with new material) the cloud link. A repeat
// call with unchanged configuration while a session exists is a no-op; a
// changed configuration tears the session down and the automatic reconnect
// picks up the new material.
func (c *Connector) Connect(cfg ConnectionConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport != nil && cfg == c.cfg {
		c.log.Warn("Connect requested while session active", "state", c.sm.Current())
		return
	}

	c.cfg = cfg
	c.topics = topic.NewBuilder(cfg.ClientID)
	c.shouldReconnect = true

	if c.transport != nil {
		c.log.Info("Reconnecting cloud link with new configuration")
		c.expectedDrop = true
		c.transport.Disconnect()
		return
	}
	c.connectLocked()
}

// Reconnect tears the active session down and redials with the current
// configuration. Needed when the certificate files were rewritten in place,
// which leaves the configuration itself unchanged.
func (c *Connector) Reconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.topics == nil {
		c.log.Warn("Reconnect requested before any configuration")
		return
	}
	c.shouldReconnect = true

	if c.transport != nil {
		c.log.Info("Reconnecting cloud link")
		c.expectedDrop = true
		c.transport.Disconnect()
		return
	}
	c.connectLocked()
}

// Disconnect tears the link down and disables automatic reconnects.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.shouldReconnect = false
	c.stopTimerLocked(&c.reconnectTimer)
	c.stopTimerLocked(&c.turnRefreshTimer)

	if c.transport != nil {
		c.expectedDrop = true
		c.transport.Disconnect()
	}
}

// IsConnected reports whether the session is fully established.
func (c *Connector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sm.Current() == StateConnected
}

// State returns the current session state.
func (c *Connector) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sm.Current()
}

// SetHubName updates the display name. A changed name is marked out of sync
// and pushed to the cloud immediately when the session is up.
func (c *Connector) SetHubName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if name == c.cfg.HubName {
		return
	}
	c.cfg.HubName = name
	c.store.SetSyncedName("")

	if c.sm.Current() == StateConnected {
		c.sendNameLocked()
	}
}

// PairDevice asks the cloud to pair this hub with the user authenticated by
// idToken.  The outcome arrives via OnDevicePaired.
func (c *Connector) PairDevice(idToken, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.topics == nil {
		c.log.Warn("Dropping pairing request, link never configured")
		return
	}

	c.txn++
	id := c.txn
	packet := c.publishLocked(c.topics.Pair(), map[string]any{
		"idToken":   idToken,
		"userId":    userID,
		"id":        id,
		"timestamp": time.Now().UnixMilli(),
	})
	if packet == 0 {
		return
	}
	c.pairings[id] = userID
	c.log.Info("Pairing requested", "userId", userID, "id", id)
}

// SendPushNotification publishes a push notification to one endpoint and
// returns the transaction id later echoed by OnPushNotificationSent, or 0
// when no session exists.
func (c *Connector) SendPushNotification(endpoint PushEndpoint, title, text string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.topics == nil {
		c.log.Warn("Dropping push notification, link never configured")
		return 0
	}

	c.txn++
	id := c.txn
	packet := c.publishLocked(c.topics.Notify(endpoint.UserID, endpoint.EndpointID), map[string]any{
		"id":        id,
		"timestamp": time.Now().UnixMilli(),
		"title":     title,
		"text":      text,
	})
	if packet == 0 {
		return 0
	}
	return id
}

// RequestTurnCredentials returns unexpired cached relay credentials, or nil
// when none are cached or the session is not established. A cache miss sends
// a request; the fresh credentials arrive later via OnTurnCredentials.
func (c *Connector) RequestTurnCredentials() TurnCredentials {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sm.Current() != StateConnected {
		c.log.Warn("Relay credentials unavailable without a session")
		return nil
	}
	if c.turnCreds != nil && time.Now().Before(c.turnExpiry) {
		c.log.Debug("Serving cached relay credentials")
		return c.turnCreds
	}
	c.sendTurnRequestLocked()
	return nil
}

// connectLocked dials a fresh transport. Caller holds c.mu.
func (c *Connector) connectLocked() {
	if c.sm.Current() != StateDisconnected {
		c.log.Warn("Connect requested while session active", "state", c.sm.Current())
		return
	}

	c.subs = make(map[string]struct{})
	c.dedup.reset()
	c.mustFireLocked(eventConnect)
	metrics.CloudConnectAttempts.Inc()

	ca, cert, key := c.cfg.CACertificate, c.cfg.ClientCertificate, c.cfg.ClientKey
	c.log.Info("Connecting to cloud", "endpoint", c.cfg.Endpoint, "clientId", c.cfg.ClientID)

	t := c.dial()
	err := t.Connect(mqtt.ConnectConfig{
		Endpoint: c.cfg.Endpoint,
		ClientID: c.cfg.ClientID,
		CAFile:   ca,
		CertFile: cert,
		KeyFile:  key,
	}, mqtt.Events{
		OnConnected:    c.onTransportConnected,
		OnDisconnected: c.onTransportDown,
		OnError:        c.onTransportError,
		OnSubscribed:   c.onSubscribed,
		OnPublished:    c.onPublished,
		OnMessage:      c.onMessage,
	})
	if err != nil {
		c.log.Error(err, "Cloud dial failed")
		c.dropLocked()
		return
	}
	c.transport = t
}

func (c *Connector) onTransportConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sm.Current() != StateConnecting {
		c.log.Debug("Stale transport connect event", "state", c.sm.Current())
		return
	}

	if !c.store.Registered() {
		c.mustFireLocked(eventRegister)
		c.tempID = uuid.NewString()
		c.log.Info("Registering with cloud", "tempId", c.tempID)
		c.subscribeLocked(c.topics.RegistrationReply(c.tempID))
		return
	}
	c.beginSubscribingLocked()
}

// beginSubscribingLocked enters the subscription handshake of an already
// registered hub. Caller holds c.mu.
func (c *Connector) beginSubscribingLocked() {
	c.mustFireLocked(eventSubscribe)

	c.subscribeLocked(c.topics.PairReply())
	c.subscribeLocked(c.topics.UsersReply())
	c.subscribeLocked(c.topics.NameReply())
	c.subscribeLocked(c.topics.NotifyReply())
	c.subscribeLocked(c.topics.NotifyEndpointInfo())
	c.subscribeLocked(c.topics.TurnReply())

	c.fetchPairingsLocked()
}

// fetchPairingsLocked requests the current paired user listing. Caller holds
// c.mu.
func (c *Connector) fetchPairingsLocked() {
	c.txn++
	c.publishLocked(c.topics.Users(), map[string]any{
		"id":        c.txn,
		"timestamp": time.Now().UnixMilli(),
		"command":   "getUsers",
	})
}

// sendNameLocked pushes the display name to the cloud. This request carries
// a second-resolution timestamp, unlike every other request. Caller holds
// c.mu.
func (c *Connector) sendNameLocked() {
	c.txn++
	c.publishLocked(c.topics.Name(), map[string]any{
		"id":        c.txn,
		"timestamp": time.Now().Unix(),
		"command":   "postName",
		"name":      c.cfg.HubName,
	})
}

// sendTurnRequestLocked requests fresh relay credentials, bypassing the
// cache. Caller holds c.mu.
func (c *Connector) sendTurnRequestLocked() {
	c.publishLocked(c.topics.Turn(), map[string]any{
		"id":        uuid.NewString(),
		"command":   "getTurnCredentials",
		"timestamp": time.Now().UnixMilli(),
	})
}

func (c *Connector) onSubscribed(filter string, code byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.log.Debug("Subscription confirmed", "filter", filter, "code", code)

	if c.topics != nil && c.topics.IsRegistrationReply(filter) && !c.store.Registered() {
		c.publishLocked(c.topics.Registration(), map[string]any{
			"id":   c.tempID,
			"UUID": c.cfg.ClientID,
		})
	}
}

func (c *Connector) onPublished(id uint16, topicName string) {
	c.log.Debug("Publish acknowledged", "id", id, "topic", topicName)
}

func (c *Connector) onTransportDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()
}

func (c *Connector) onTransportError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sm.Current() == StateDisconnected {
		return
	}
	c.log.Error(err, "Cloud transport failure")
	c.dropLocked()
}

// dropLocked handles any session loss: it applies the drop hysteresis,
// clears transient session state and schedules the reconnect. Caller holds
// c.mu.
func (c *Connector) dropLocked() {
	prev := c.sm.Current()
	if prev == StateDisconnected {
		return
	}
	c.mustFireLocked(eventDrop)

	expected := c.expectedDrop
	c.expectedDrop = false

	c.transport = nil
	c.stopTimerLocked(&c.turnRefreshTimer)
	c.pairings = make(map[uint64]string)

	metrics.CloudConnected.Set(0)
	metrics.CloudDrops.Inc()
	c.emitDisconnectedLocked()

	reRegister := false
	if expected {
		// Deliberate teardown, not a link failure.
	} else if prev != StateConnected {
		// A session that never fully established points at stale
		// registration state on the broker side.
		c.log.Warn("Session lost during setup, forcing re-registration", "state", prev)
		reRegister = true
	} else {
		now := time.Now()
		if !c.lastDrop.IsZero() && now.Sub(c.lastDrop) < dropWindow {
			c.dropCount++
		} else {
			c.dropCount = 1
		}
		c.lastDrop = now
		if c.dropCount > maxConsecutiveDrops {
			c.log.Warn("Connection dropping repeatedly, forcing re-registration", "drops", c.dropCount)
			reRegister = true
			c.dropCount = 0
		}
	}
	if reRegister {
		c.store.SetRegistered(false)
		c.store.SetSyncedName("")
	}

	if !c.shouldReconnect {
		c.log.Info("Cloud link closed")
		return
	}
	c.log.Info("Cloud link lost, reconnecting", "delay", reconnectDelay)
	c.stopTimerLocked(&c.reconnectTimer)
	c.reconnectTimer = time.AfterFunc(reconnectDelay, c.reconnect)
}

func (c *Connector) reconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.shouldReconnect {
		return
	}
	c.connectLocked()
}

// publishLocked marshals and publishes a request, returning the transport
// packet id or 0 when no session exists. Caller holds c.mu.
func (c *Connector) publishLocked(topicName string, body map[string]any) uint16 {
	if c.sm.Current() == StateDisconnected || c.transport == nil {
		c.log.Warn("Dropping publish while disconnected", "topic", topicName)
		return 0
	}
	payload, err := marshalEnvelope(body)
	if err != nil {
		c.log.Error(err, "Failed to encode request", "topic", topicName)
		return 0
	}
	metrics.CloudMessagesPublished.Inc()
	return c.transport.Publish(topicName, payload)
}

// subscribeLocked registers a filter once per transport session. Caller
// holds c.mu.
func (c *Connector) subscribeLocked(filter string) {
	if _, ok := c.subs[filter]; ok {
		c.log.Debug("Filter already subscribed", "filter", filter)
		return
	}
	if c.transport == nil {
		return
	}
	c.subs[filter] = struct{}{}
	c.transport.Subscribe(filter)
}

func (c *Connector) stopTimerLocked(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (c *Connector) mustFireLocked(event string) {
	if err := c.sm.fire(event); err != nil {
		c.log.Error(err, "Invalid session transition", "event", event, "state", c.sm.Current())
	}
}

func (c *Connector) emitConnectedLocked() {
	metrics.CloudConnected.Set(1)
	if c.cb.OnConnected != nil {
		c.cb.OnConnected()
	}
}

func (c *Connector) emitDisconnectedLocked() {
	if c.cb.OnDisconnected != nil {
		c.cb.OnDisconnected()
	}
}

func (c *Connector) emitTurnCredentialsLocked(creds TurnCredentials) {
	if c.cb.OnTurnCredentials != nil {
		c.cb.OnTurnCredentials(creds)
	}
}
