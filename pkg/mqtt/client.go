package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"hearth.io/hearth/pkg/log"
)

const opTimeout = 10 * time.Second

// inboundBuffer bounds the inbound dispatch queue. A full queue applies
// backpressure to the broker reader instead of reordering messages.
const inboundBuffer = 64

// pahoTransport implements Transport on top of the paho v5 client over a
// raw TLS connection. Reconnection is deliberately NOT handled here; the
// consumer owns the retry policy and dials a fresh transport per attempt.
//
// A transport is single use: once it is closed, by either side or by a
// setup failure, it stays closed.
type pahoTransport struct {
	mu     sync.Mutex
	cfg    ConnectConfig
	ev     Events
	conn   net.Conn
	client *paho.Client
	closed bool
	nextID uint16

	messages chan *paho.Publish
	quit     chan struct{}
}

// Dial returns a fresh, unconnected Transport. It matches DialFunc.
func Dial() Transport {
	return &pahoTransport{}
}

func (t *pahoTransport) Connect(cfg ConnectConfig, ev Events) error {
	setDefaultConfig(&cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid transport config: %w", err)
	}

	t.mu.Lock()
	t.cfg = cfg
	t.ev = ev
	t.messages = make(chan *paho.Publish, inboundBuffer)
	t.quit = make(chan struct{})
	t.mu.Unlock()

	go t.dispatch()
	go t.run()
	return nil
}

func (t *pahoTransport) run() {
	tlsCfg, err := newTLSConfig(t.cfg)
	if err != nil {
		t.fail(fmt.Errorf("loading TLS material: %w", err))
		return
	}

	addr := t.cfg.Endpoint
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(addr, defaultPort)
	}

	dialer := &net.Dialer{Timeout: t.cfg.ConnectTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsCfg)
	if err != nil {
		t.fail(fmt.Errorf("dialing %s: %w", addr, err))
		return
	}

	// The consumer may have called Disconnect while the dial was in
	// flight; that close already emitted OnDisconnected.
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	t.mu.Unlock()

	client := paho.NewClient(paho.ClientConfig{
		ClientID:           t.cfg.ClientID,
		Conn:               conn,
		OnServerDisconnect: t.onServerDisconnect,
		OnClientError:      t.onClientError,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			t.onPublishReceived,
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.ConnectTimeout)
	defer cancel()

	connack, err := client.Connect(ctx, &paho.Connect{
		ClientID:   t.cfg.ClientID,
		KeepAlive:  t.cfg.KeepAlive,
		CleanStart: true,
	})
	if err != nil {
		t.fail(fmt.Errorf("mqtt connect: %w", err))
		return
	}
	if connack.ReasonCode != 0 {
		t.fail(fmt.Errorf("mqtt connect refused, reason code %d", connack.ReasonCode))
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = client.Disconnect(&paho.Disconnect{ReasonCode: 0})
		return
	}
	t.client = client
	t.mu.Unlock()

	log.Debug("MQTT session established", "endpoint", addr, "clientID", t.cfg.ClientID)
	if t.ev.OnConnected != nil {
		t.ev.OnConnected()
	}
}

func (t *pahoTransport) Disconnect() {
	client, conn, first := t.markClosed()
	if !first {
		return
	}

	if client != nil {
		if err := client.Disconnect(&paho.Disconnect{ReasonCode: 0}); err != nil {
			log.Debug("MQTT disconnect returned error", err)
		}
	} else if conn != nil {
		conn.Close()
	}

	// The paho client does not call back for locally requested closes.
	// Emit on a fresh goroutine so a consumer may call Disconnect from
	// inside its own event handling without deadlocking.
	if t.ev.OnDisconnected != nil {
		go t.ev.OnDisconnected()
	}
}

func (t *pahoTransport) Publish(topic string, payload []byte) uint16 {
	t.mu.Lock()
	client := t.client
	t.nextID++
	if t.nextID == 0 {
		t.nextID = 1
	}
	id := t.nextID
	t.mu.Unlock()

	if client == nil {
		return 0
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if _, err := client.Publish(ctx, &paho.Publish{
			Topic:   topic,
			QoS:     1,
			Payload: payload,
		}); err != nil {
			log.Warn("MQTT publish failed", "topic", topic, err)
			return
		}
		if t.ev.OnPublished != nil {
			t.ev.OnPublished(id, topic)
		}
	}()

	return id
}

func (t *pahoTransport) Subscribe(filter string) {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	if client == nil {
		log.Warn("MQTT subscribe without session", "topic", filter)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		suback, err := client.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{
				{Topic: filter, QoS: 1},
			},
		})
		if err != nil {
			log.Warn("MQTT subscribe failed", "topic", filter, err)
			return
		}
		var code byte
		if len(suback.Reasons) > 0 {
			code = suback.Reasons[0]
		}
		if t.ev.OnSubscribed != nil {
			t.ev.OnSubscribed(filter, code)
		}
	}()
}

func (t *pahoTransport) onServerDisconnect(d *paho.Disconnect) {
	if _, _, first := t.markClosed(); !first {
		return
	}
	reason := ""
	if d != nil && d.Properties != nil {
		reason = d.Properties.ReasonString
	}
	log.Warn("MQTT broker closed the session", "reason", reason)
	if t.ev.OnDisconnected != nil {
		t.ev.OnDisconnected()
	}
}

func (t *pahoTransport) onClientError(err error) {
	if _, _, first := t.markClosed(); !first {
		return
	}
	t.emitError(err)
}

// onPublishReceived queues each inbound message for the single dispatch
// goroutine, preserving arrival order towards the consumer.
func (t *pahoTransport) onPublishReceived(p paho.PublishReceived) (bool, error) {
	select {
	case t.messages <- p.Packet:
	case <-t.quit:
	}
	return true, nil
}

// dispatch delivers inbound messages one at a time, in arrival order, until
// the transport closes.
func (t *pahoTransport) dispatch() {
	for {
		select {
		case <-t.quit:
			return
		case p := <-t.messages:
			if t.ev.OnMessage != nil {
				t.ev.OnMessage(p.Topic, p.Payload)
			}
		}
	}
}

// markClosed flips the transport into its terminal closed state and hands
// back whatever session material existed. first is false when the transport
// was closed already.
func (t *pahoTransport) markClosed() (client *paho.Client, conn net.Conn, first bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, nil, false
	}
	t.closed = true
	client, conn = t.client, t.conn
	t.client, t.conn = nil, nil
	if t.quit != nil {
		close(t.quit)
	}
	return client, conn, true
}

func (t *pahoTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// fail closes the transport after a setup error and reports it, unless the
// consumer already closed it deliberately.
func (t *pahoTransport) fail(err error) {
	if _, _, first := t.markClosed(); !first {
		return
	}
	t.emitError(err)
}

func (t *pahoTransport) emitError(err error) {
	log.Warn("MQTT transport error", err)
	if t.ev.OnError != nil {
		t.ev.OnError(err)
	}
}

func newTLSConfig(cfg ConnectConfig) (*tls.Config, error) {
	caPEM, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no usable certificates in %s", cfg.CAFile)
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading client key pair: %w", err)
	}

	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
	}, nil
}
