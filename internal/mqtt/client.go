package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/nugget/powerstation-simulator/internal/channel"
	"github.com/nugget/powerstation-simulator/internal/config"
)

// ErrNotConnected is returned by operations that need a live broker
// session.
var ErrNotConnected = errors.New("mqtt client not connected")

// session is the subset of [paho.Client] and
// [autopaho.ConnectionManager] the client needs after connecting.
type session interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Subscribe(ctx context.Context, s *paho.Subscribe) (*paho.Suback, error)
	Done() <-chan struct{}
}

// subscription is a registered topic filter and its handler.
type subscription struct {
	qos     byte
	handler channel.Handler
}

// Client is an MQTT [channel.Channel]. Create one with [New]; it does
// not connect until [Client.Connect].
type Client struct {
	cfg      config.MQTTConfig
	clientID string
	logger   *slog.Logger
	counters *DailyCounters

	connecting atomic.Bool // a session is open or being opened
	connected  atomic.Bool
	limiter    *messageRateLimiter

	mu      sync.Mutex
	sess    session
	closeFn func(ctx context.Context) error
	cancel  context.CancelFunc
	subs    map[string]subscription
}

var _ channel.Channel = (*Client)(nil)

// New creates a Client. clientID is usually the station ID; see
// [ClientID].
func New(cfg config.MQTTConfig, clientID string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")

	c := &Client{
		cfg:      cfg,
		clientID: clientID,
		logger:   logger,
		counters: NewDailyCounters(nil),
		subs:     make(map[string]subscription),
	}
	// A zero limit leaves inbound messages unthrottled. Every control
	// message is a state transition, so dropping one changes behavior.
	if cfg.ControlRateLimit > 0 {
		c.limiter = newMessageRateLimiter(int64(cfg.ControlRateLimit), time.Second, logger)
	}
	return c
}

// ClientID returns the MQTT client identifier for a station: the
// configured client_id, or the station ID, with a short random suffix
// when unique_client_id is set.
func ClientID(cfg config.MQTTConfig, stationID string) string {
	id := cfg.ClientID
	if id == "" {
		id = stationID
	}
	if cfg.UniqueClientID {
		id += "-" + uuid.NewString()[:8]
	}
	return id
}

// brokerURL parses the configured broker address. WebSocket URLs get
// the conventional /mqtt path when none is given.
func brokerURL(cfg config.MQTTConfig) (*url.URL, error) {
	u, err := url.Parse(cfg.BrokerURL())
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	if (u.Scheme == "ws" || u.Scheme == "wss") && u.Path == "" {
		u.Path = "/mqtt"
	}
	return u, nil
}

func (c *Client) tlsConfig(u *url.URL) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: u.Hostname(),
	}
}

func (c *Client) connectTimeout() time.Duration {
	if c.cfg.ConnectTimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.cfg.ConnectTimeoutSec) * time.Second
}

// Connect opens the broker session. It fails if the broker cannot be
// reached within the connect timeout; nothing is retried unless
// auto_reconnect is enabled, and even then only after the first
// connection succeeded.
func (c *Client) Connect(ctx context.Context) error {
	u, err := brokerURL(c.cfg)
	if err != nil {
		return err
	}

	// The lock is not held while dialling: managed connections call
	// back into the client before the first connect returns.
	if !c.connecting.CompareAndSwap(false, true) {
		return fmt.Errorf("mqtt client already connected")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	var sess session
	var closeFn func(context.Context) error
	if c.cfg.AutoReconnect {
		sess, closeFn, err = c.connectManaged(ctx, runCtx, u)
	} else {
		sess, closeFn, err = c.connectDirect(ctx, u)
	}
	if err != nil {
		cancel()
		c.connecting.Store(false)
		return err
	}

	c.mu.Lock()
	c.sess = sess
	c.closeFn = closeFn
	c.cancel = cancel
	c.mu.Unlock()
	c.connected.Store(true)

	if c.limiter != nil {
		go c.limiter.start(runCtx)
	}
	go c.watchSession(runCtx, sess)

	c.logger.Info("mqtt connected to broker",
		"broker", u.Redacted(),
		"client_id", c.clientID,
		"auto_reconnect", c.cfg.AutoReconnect,
	)
	return nil
}

// watchSession marks the client disconnected when the session ends on
// its own (broker drop in direct mode).
func (c *Client) watchSession(ctx context.Context, sess session) {
	select {
	case <-ctx.Done():
	case <-sess.Done():
		if c.connected.Swap(false) {
			c.logger.Warn("mqtt connection lost")
		}
	}
}

// Connected reports whether the broker session is currently up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Probe returns nil while the session is up. It is the health check
// registered with connwatch.
func (c *Client) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.connected.Load() {
		return ErrNotConnected
	}
	return nil
}

// Counters returns today's publish counters.
func (c *Client) Counters() *DailyCounters {
	return c.counters
}

// Publish implements [channel.Channel]. The payload is encoded with
// [channel.Encode]. Failures are logged and reported as false.
func (c *Client) Publish(ctx context.Context, topic string, payload any, qos byte) bool {
	data, err := channel.Encode(payload)
	if err != nil {
		c.logger.Error("mqtt payload encode failed", "topic", topic, "error", err)
		c.counters.OnPublish(false)
		return false
	}

	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()

	if sess == nil || !c.connected.Load() {
		c.logger.Warn("mqtt client not connected, cannot publish", "topic", topic)
		c.counters.OnPublish(false)
		return false
	}

	if _, err := sess.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     qos,
		Payload: data,
	}); err != nil {
		c.logger.Error("mqtt publish failed", "topic", topic, "error", err)
		c.counters.OnPublish(false)
		return false
	}

	c.counters.OnPublish(true)
	c.logger.Debug("mqtt published", "topic", topic, "payload", string(data))
	return true
}

// Subscribe implements [channel.Channel]. A nil handler installs
// [channel.LogHandler]. The subscription is remembered so a managed
// connection can restore it after reconnecting.
func (c *Client) Subscribe(ctx context.Context, topic string, qos byte, h channel.Handler) error {
	if h == nil {
		h = channel.LogHandler(c.logger)
	}

	c.mu.Lock()
	sess := c.sess
	if sess != nil {
		c.subs[topic] = subscription{qos: qos, handler: h}
	}
	c.mu.Unlock()

	if sess == nil {
		return ErrNotConnected
	}
	if err := subscribe(ctx, sess, topic, qos); err != nil {
		c.mu.Lock()
		delete(c.subs, topic)
		c.mu.Unlock()
		return err
	}

	c.logger.Info("mqtt subscribed", "topic", topic, "qos", qos)
	return nil
}

func subscribe(ctx context.Context, sess session, topic string, qos byte) error {
	suback, err := sess.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: qos}},
	})
	if err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	if suback != nil {
		for _, code := range suback.Reasons {
			if code >= 0x80 {
				return fmt.Errorf("mqtt subscribe %s: broker refused (reason 0x%02x)", topic, code)
			}
		}
	}
	return nil
}

// Disconnect implements [channel.Channel]. Calling it on a client that
// never connected is a no-op.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	closeFn, cancel := c.closeFn, c.cancel
	c.sess, c.closeFn, c.cancel = nil, nil, nil
	c.subs = make(map[string]subscription)
	c.mu.Unlock()

	c.connected.Store(false)
	if closeFn == nil {
		return nil
	}

	err := closeFn(ctx)
	cancel()
	c.connecting.Store(false)

	published, failed := c.counters.Snapshot()
	c.logger.Info("mqtt disconnected from broker",
		"published_today", published,
		"failed_today", failed,
	)
	return err
}

// route dispatches an inbound message to the handlers whose filters
// match its topic.
func (c *Client) route(topic string, payload []byte) {
	if c.limiter != nil && !c.limiter.allow() {
		return
	}

	c.mu.Lock()
	var handlers []channel.Handler
	for filter, sub := range c.subs {
		if topicMatches(filter, topic) {
			handlers = append(handlers, sub.handler)
		}
	}
	c.mu.Unlock()

	if len(handlers) == 0 {
		c.logger.Debug("mqtt message on unrouted topic", "topic", topic, "payload_size", len(payload))
		return
	}
	for _, h := range handlers {
		h.HandleMessage(topic, payload)
	}
}

// onPublishReceived adapts [Client.route] to paho's receive callback.
func (c *Client) onPublishReceived(pr paho.PublishReceived) (bool, error) {
	c.logger.Log(context.Background(), config.LevelTrace, "mqtt packet received",
		"topic", pr.Packet.Topic, "qos", pr.Packet.QoS, "payload_size", len(pr.Packet.Payload))
	c.route(pr.Packet.Topic, pr.Packet.Payload)
	return true, nil
}

// subscriptions returns a snapshot of the registered topic filters.
func (c *Client) subscriptions() map[string]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]byte, len(c.subs))
	for topic, sub := range c.subs {
		out[topic] = sub.qos
	}
	return out
}
