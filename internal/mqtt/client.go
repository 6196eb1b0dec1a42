package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	defaultKeepAlive       = 30 * time.Second
	defaultConnectRetry    = 5 * time.Second
	defaultMaxReconnectGap = 2 * time.Minute
	defaultQueueSize       = 1024
)

// Config holds connection parameters for the MQTT broker.
type Config struct {
	BrokerHost string
	BrokerPort int
	Username   string
	Password   string
	Topics     []string
	ClientID   string
	KeepAlive  time.Duration

	// ReconnectGap is the initial retry interval; the client backs off
	// exponentially up to MaxReconnectGap.
	ReconnectGap    time.Duration
	MaxReconnectGap time.Duration

	// QueueSize bounds the hand-off queue to the decode stage. When full,
	// the oldest unprocessed message is evicted rather than stalling the
	// broker connection.
	QueueSize int
}

func (c *Config) normalise() {
	if c.KeepAlive == 0 {
		c.KeepAlive = defaultKeepAlive
	}
	if c.ReconnectGap == 0 {
		c.ReconnectGap = defaultConnectRetry
	}
	if c.MaxReconnectGap == 0 {
		c.MaxReconnectGap = defaultMaxReconnectGap
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.ClientID == "" {
		c.ClientID = "meshsink-" + uuid.NewString()[:8]
	}
}

func (c Config) validate() error {
	if strings.TrimSpace(c.BrokerHost) == "" {
		return errors.New("mqtt: broker host must be provided")
	}
	if c.BrokerPort <= 0 {
		return errors.New("mqtt: broker port must be positive")
	}
	if len(c.Topics) == 0 {
		return errors.New("mqtt: at least one topic filter must be provided")
	}
	for _, t := range c.Topics {
		if strings.TrimSpace(t) == "" {
			return errors.New("mqtt: topic filters must not be empty")
		}
	}
	return nil
}

// Message is a raw broker delivery. It is owned by the listener until handed
// to the decode stage and is never persisted as-is.
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// ConnState reports a broker connection transition.
type ConnState struct {
	Connected bool
	Err       error
}

// Client maintains one logical subscription over the configured topic filters
// and exposes an async message stream. Reconnect and resubscription are owned
// here; in-flight undelivered messages are the broker's responsibility.
type Client struct {
	cfg      Config
	client   mqtt.Client
	messages chan Message
	errs     chan error
	states   chan ConnState
	dropped  atomic.Uint64
	mu       sync.Mutex
	closed   bool
	stopOnce sync.Once
}

// NewClient creates a Client with the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.normalise()

	return &Client{
		cfg:      cfg,
		messages: make(chan Message, cfg.QueueSize),
		errs:     make(chan error, 16),
		states:   make(chan ConnState, 8),
	}, nil
}

// Messages returns a read-only channel with incoming broker messages.
func (c *Client) Messages() <-chan Message {
	return c.messages
}

// Errors returns asynchronous error notifications (connection loss, subscribe
// failures). These are recoverable; the client keeps retrying.
func (c *Client) Errors() <-chan error {
	return c.errs
}

// States returns connection-state transitions for health reporting.
func (c *Client) States() <-chan ConnState {
	return c.states
}

// Dropped reports how many messages were evicted from the full hand-off queue.
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}

// Start connects to the broker and begins streaming messages until the
// context is cancelled.
func (c *Client) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.cfg.BrokerHost, c.cfg.BrokerPort))
	opts.SetClientID(c.cfg.ClientID)
	opts.SetOrderMatters(false)
	opts.SetKeepAlive(c.cfg.KeepAlive)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(c.cfg.ReconnectGap)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(c.cfg.MaxReconnectGap)

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		c.enqueue(Message{
			Topic:      msg.Topic(),
			Payload:    append([]byte(nil), msg.Payload()...),
			ReceivedAt: time.Now(),
		})
	})

	opts.OnConnect = func(m mqtt.Client) {
		c.publishState(ConnState{Connected: true})
		filters := make(map[string]byte, len(c.cfg.Topics))
		for _, topic := range c.cfg.Topics {
			filters[topic] = 0
		}
		token := m.SubscribeMultiple(filters, nil)
		token.Wait()
		if err := token.Error(); err != nil {
			c.publishErr(fmt.Errorf("mqtt: subscribe failed for %v: %w", c.cfg.Topics, err))
		}
	}

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.publishState(ConnState{Connected: false, Err: err})
		c.publishErr(fmt.Errorf("mqtt: connection lost: %w", err))
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect failed: %w", err)
	}

	c.client = client

	go func() {
		<-ctx.Done()
		c.stop()
	}()

	return nil
}

// enqueue hands a message to the decode stage without ever blocking the
// broker client. A full queue evicts the oldest unprocessed message. Paho
// can still deliver after Disconnect returns, so a stopped client discards
// instead of touching the closed channel.
func (c *Client) enqueue(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	select {
	case c.messages <- msg:
		return
	default:
	}

	select {
	case <-c.messages:
		c.dropped.Add(1)
	default:
	}

	select {
	case c.messages <- msg:
	default:
		c.dropped.Add(1)
	}
}

// Stop terminates the MQTT session and closes channels.
func (c *Client) Stop() {
	c.stop()
}

func (c *Client) stop() {
	c.stopOnce.Do(func() {
		if c.client != nil && c.client.IsConnected() {
			c.client.Disconnect(250)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		c.closed = true
		close(c.messages)
		close(c.errs)
		close(c.states)
	})
}

func (c *Client) publishErr(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.errs <- err:
	default:
	}
}

func (c *Client) publishState(state ConnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.states <- state:
	default:
	}
}
