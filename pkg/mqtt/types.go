package mqtt

// Events carries the asynchronous notifications a Transport delivers to its
// consumer. Any nil callback is simply skipped.
//
// Callbacks are invoked from transport-owned goroutines; consumers are
// expected to serialize them onto their own execution context.
type Events struct {
	// OnConnected fires once the session is established.
	OnConnected func()

	// OnDisconnected fires when an established session ends, whether the
	// close was requested locally or by the broker.
	OnDisconnected func()

	// OnError fires on connection or socket level failures. A consumer
	// should treat it like a disconnect.
	OnError func(err error)

	// OnSubscribed reports the broker's result code for a subscribe call.
	OnSubscribed func(topic string, code byte)

	// OnPublished reports the acknowledgement of a published message by its
	// transport-assigned id. Diagnostic only.
	OnPublished func(id uint16, topic string)

	// OnMessage delivers an inbound message. Messages arrive one at a time
	// in broker order. Delivery is at-least-once; consumers must tolerate
	// duplicates.
	OnMessage func(topic string, payload []byte)
}

// Transport is the secure pub/sub channel consumed by the cloud connector.
// It abstracts the underlying MQTT implementation details.
type Transport interface {
	// Connect starts the session using the supplied TLS client material.
	// It is non-blocking: the outcome arrives via OnConnected or OnError.
	Connect(cfg ConnectConfig, ev Events) error

	// Disconnect closes the session. OnDisconnected fires exactly once for
	// a session that was being established or was established.
	Disconnect()

	// Publish sends a message with at-least-once delivery and returns the
	// transport-assigned message id, or 0 when no session exists.
	Publish(topic string, payload []byte) uint16

	// Subscribe registers a topic filter with at-least-once delivery. The
	// result arrives via OnSubscribed.
	Subscribe(filter string)
}

// DialFunc produces a fresh Transport for one connection attempt.
type DialFunc func() Transport
