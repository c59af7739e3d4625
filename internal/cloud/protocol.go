package cloud

import (
	"net/http"
	"strconv"
	"time"

	"hearth.io/hearth/internal/pkg/metrics"
)

// onMessage dispatches one inbound cloud message to its protocol handler.
func (c *Connector) onMessage(topicName string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	metrics.CloudMessagesReceived.Inc()

	if c.topics == nil {
		return
	}
	if c.topics.IsRelayConnection(topicName) {
		c.handleRelayRequestLocked(topicName, payload)
		return
	}

	m, err := decodeEnvelope(payload)
	if err != nil {
		c.log.Warn("Discarding malformed cloud message", "topic", topicName, "error", err)
		return
	}

	switch {
	case c.topics.IsRegistrationReply(topicName):
		c.handleRegistrationReplyLocked(m)
	case topicName == c.topics.PairReply():
		c.handlePairReplyLocked(m)
	case topicName == c.topics.UsersReply():
		c.handlePairingsLocked(m)
	case topicName == c.topics.NameReply():
		c.handleNameReplyLocked(m)
	case topicName == c.topics.NotifyReply():
		c.handleNotifyReplyLocked(m)
	case topicName == c.topics.NotifyEndpointInfo():
		c.handleEndpointNoticeLocked(m)
	case topicName == c.topics.TurnReply():
		c.handleTurnReplyLocked(m)
	default:
		c.log.Warn("Unhandled cloud message", "topic", topicName)
	}
}

// handleRegistrationReplyLocked completes the first-contact handshake. The
// broker answers 201 when it just created the device entry; that session is
// torn down so the next one runs with full permissions. 200 means the device
// was already known and the session can proceed directly.
func (c *Connector) handleRegistrationReplyLocked(m map[string]any) {
	if c.sm.Current() != StateRegistering {
		c.log.Debug("Stale registration reply", "state", c.sm.Current())
		return
	}

	code, message := replyOutcome(m)
	switch code {
	case http.StatusCreated:
		c.log.Info("Device registered with cloud, reconnecting for a full session")
		c.store.SetRegistered(true)
		if c.transport != nil {
			c.expectedDrop = true
			c.transport.Disconnect()
		}
	case http.StatusOK:
		c.log.Info("Device already registered with cloud")
		c.store.SetRegistered(true)
		c.beginSubscribingLocked()
	default:
		c.log.Warn("Cloud registration failed", "code", code, "message", message)
	}
}

func (c *Connector) handlePairReplyLocked(m map[string]any) {
	id := toUint64(m["id"])
	userID, ok := c.pairings[id]
	if !ok {
		c.log.Warn("Pairing reply without matching request", "id", id)
		return
	}
	delete(c.pairings, id)

	code, message := replyOutcome(m)
	c.log.Info("Pairing finished", "userId", userID, "status", code)
	metrics.CloudPairings.WithLabelValues(strconv.Itoa(code)).Inc()

	if c.cb.OnDevicePaired != nil {
		c.cb.OnDevicePaired(userID, code, message)
	}
	if code == http.StatusOK {
		c.fetchPairingsLocked()
	}
}

// handlePairingsLocked processes the paired-user listing. On the first
// listing of a session the remaining setup runs here: per-user wildcard
// subscriptions, the endpoint announcement, the display name sync if the
// cloud copy is stale, the connected transition and the initial relay
// credential fetch.
func (c *Connector) handlePairingsLocked(m map[string]any) {
	users, endpoints := parsePairings(m)
	c.log.Info("Paired users received", "users", len(users), "endpoints", len(endpoints))

	for _, userID := range users {
		c.subscribeLocked(c.topics.UserWildcard(userID))
	}
	if c.cb.OnPushEndpointsUpdated != nil {
		c.cb.OnPushEndpointsUpdated(endpoints)
	}

	if c.store.SyncedName() != c.cfg.HubName {
		c.sendNameLocked()
	}

	// The initial relay credential fetch goes out before the connected
	// transition so no caller-visible message is sent after the connected
	// event of the same attempt.
	if c.sm.Current() == StateSubscribing {
		c.sendTurnRequestLocked()
		c.mustFireLocked(eventEstablish)
		c.log.Info("Cloud link established", "endpoint", c.cfg.Endpoint)
		c.emitConnectedLocked()
	}
}

func (c *Connector) handleNameReplyLocked(m map[string]any) {
	code, message := replyOutcome(m)
	if code != http.StatusOK {
		c.log.Warn("Cloud rejected display name", "code", code, "message", message)
		return
	}
	c.store.SetSyncedName(c.cfg.HubName)
	c.log.Debug("Display name synced", "name", c.cfg.HubName)
}

func (c *Connector) handleNotifyReplyLocked(m map[string]any) {
	code, _ := replyOutcome(m)
	id := toUint64(m["id"])
	c.log.Debug("Push notification acknowledged", "id", id, "status", code)
	if c.cb.OnPushNotificationSent != nil {
		c.cb.OnPushNotificationSent(id, code)
	}
}

func (c *Connector) handleEndpointNoticeLocked(m map[string]any) {
	ep, ok := parseEndpointNotice(m)
	if !ok {
		c.log.Warn("Endpoint announcement without endpoint")
		return
	}
	c.log.Info("Push endpoint registered", "userId", ep.UserID, "endpointId", ep.EndpointID)
	if c.cb.OnPushEndpointAdded != nil {
		c.cb.OnPushEndpointAdded(ep)
	}
}

// handleTurnReplyLocked caches fresh relay credentials and arms the refresh
// timer so they are renewed shortly before they expire.
func (c *Connector) handleTurnReplyLocked(m map[string]any) {
	code, message := replyOutcome(m)
	if code != http.StatusCreated {
		c.log.Warn("Relay credential request failed", "code", code, "message", message)
		return
	}

	raw, _ := m["turnCredentials"].(map[string]any)
	if raw == nil {
		c.log.Warn("Relay credential reply without credentials")
		return
	}
	creds := TurnCredentials(raw)
	ttl := time.Duration(toInt(creds["ttl"])) * time.Second

	c.turnCreds = creds
	c.turnExpiry = time.Now().Add(ttl)
	c.log.Info("Relay credentials received", "ttl", ttl)
	c.emitTurnCredentialsLocked(creds)

	c.stopTimerLocked(&c.turnRefreshTimer)
	if lead := ttl - turnRefreshLead; lead > 0 {
		c.turnRefreshTimer = time.AfterFunc(lead, c.refreshTurnCredentials)
	}
}

// refreshTurnCredentials renews the cached relay credentials before they
// expire. It always requests fresh ones.
func (c *Connector) refreshTurnCredentials() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sm.Current() != StateConnected {
		return
	}
	c.log.Debug("Refreshing relay credentials")
	c.sendTurnRequestLocked()
}

// handleRelayRequestLocked surfaces a remote-access request, dropping
// redeliveries of the same token and nonce seen within the dedup window.
func (c *Connector) handleRelayRequestLocked(topicName string, payload []byte) {
	m, err := decodeEnvelope(payload)
	if err != nil {
		c.log.Warn("Discarding malformed relay request", "topic", topicName, "error", err)
		return
	}

	token := toString(m["token"])
	nonce := stringify(m["timestamp"])

	key := topicName + token + nonce
	if c.dedup.check(key, time.Now()) {
		c.log.Debug("Dropping duplicate relay request", "topic", topicName)
		return
	}

	c.log.Info("Relay connection requested", "topic", topicName)
	if c.cb.OnRelayConnectionRequest != nil {
		c.cb.OnRelayConnectionRequest(token, nonce)
	}
}
