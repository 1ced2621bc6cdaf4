// Package natsclient wraps the NATS connection used by the notification
// relay and the KV-backed store. It owns connection lifecycle, stream
// provisioning and durable consumption; reconnect and retry behavior is
// handled here so callers never see transient broker churn.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/randallard/friends-connect/errors"
)

// Error variables for connection state
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
)

// Client manages a NATS connection with JetStream support
type Client struct {
	url    string
	logger *slog.Logger

	mu   sync.RWMutex
	conn *nats.Conn
	js   jetstream.JetStream

	consumers   map[string]jetstream.ConsumeContext
	consumersMu sync.Mutex

	closed atomic.Bool

	// Connection options
	clientName    string
	username      string
	password      string
	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	// Callbacks
	onHealthChange func(bool)
}

// NewClient creates a NATS client with optional configuration
func NewClient(url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:           url,
		logger:        slog.Default(),
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		timeout:       5 * time.Second,
		drainTimeout:  30 * time.Second,
		consumers:     make(map[string]jetstream.ConsumeContext),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.Wrap(err, "Client", "NewClient", "apply option")
		}
	}

	return c, nil
}

// URL returns the NATS server URL
func (c *Client) URL() string {
	return c.url
}

// IsConnected reports whether the underlying connection is healthy
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.conn.IsConnected()
}

// Connect establishes the connection and initializes JetStream
func (c *Client) Connect(ctx context.Context) error {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn("nats disconnected", "error", err)
			c.notifyHealth(false)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
			c.notifyHealth(true)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.notifyHealth(false)
		}),
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}
	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}

	connectDone := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(c.url, opts...)
		if err != nil {
			connectDone <- err
			return
		}

		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			connectDone <- err
			return
		}

		c.mu.Lock()
		c.conn = conn
		c.js = js
		c.mu.Unlock()
		connectDone <- nil
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			return errors.Wrap(err, "Client", "Connect", "establish connection")
		}
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "Client", "Connect", "establish connection")
	}

	c.logger.Info("connected to NATS", "url", c.url)
	c.notifyHealth(true)
	return nil
}

// Close drains and closes the connection. Safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.consumersMu.Lock()
	for name, cc := range c.consumers {
		cc.Stop()
		c.logger.Debug("stopped consumer", "consumer", name)
	}
	c.consumers = nil
	c.consumersMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	drainDone := make(chan error, 1)
	go func() { drainDone <- c.conn.Drain() }()

	var err error
	select {
	case err = <-drainDone:
	case <-time.After(c.drainTimeout):
		err = fmt.Errorf("drain timeout after %v", c.drainTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}

	c.conn.Close()
	c.conn = nil
	if err != nil {
		return errors.Wrap(err, "Client", "Close", "drain connection")
	}
	return nil
}

// Publish publishes data to a core NATS subject
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	return conn.Publish(subject, data)
}

// EnsureStream creates or updates a JetStream stream covering the given
// subjects
func (c *Client) EnsureStream(ctx context.Context, name string, subjects []string) error {
	js, err := c.jetStream()
	if err != nil {
		return err
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return errors.Wrap(err, "Client", "EnsureStream", fmt.Sprintf("create stream %s", name))
	}
	return nil
}

// PublishToStream publishes data to a JetStream-backed subject with the
// given partition key carried as a message header
func (c *Client) PublishToStream(ctx context.Context, subject, key string, data []byte) error {
	js, err := c.jetStream()
	if err != nil {
		return err
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  nats.Header{"Partition-Key": []string{key}},
	}
	if _, err := js.PublishMsg(ctx, msg); err != nil {
		return errors.Wrap(err, "Client", "PublishToStream", fmt.Sprintf("publish to %s", subject))
	}
	return nil
}

// Consume starts a durable consumer on the stream. The handler is invoked
// for each message; the message is acknowledged only when the handler
// returns nil (commit-after-apply), and redelivered otherwise.
func (c *Client) Consume(
	ctx context.Context,
	stream, subject, durable string,
	handler func([]byte) error,
) error {
	js, err := c.jetStream()
	if err != nil {
		return err
	}

	if c.closed.Load() {
		return errors.Wrap(fmt.Errorf("client is closed"), "Client", "Consume", "check client state")
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return errors.Wrap(err, "Client", "Consume", fmt.Sprintf("create consumer %s", durable))
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := handler(msg.Data()); err != nil {
			c.logger.Error("message handler failed, scheduling redelivery",
				"subject", msg.Subject(), "error", err)
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		return errors.Wrap(err, "Client", "Consume", "start consumption")
	}

	c.consumersMu.Lock()
	defer c.consumersMu.Unlock()
	if c.closed.Load() {
		cc.Stop()
		return errors.Wrap(fmt.Errorf("client is closing"), "Client", "Consume", "register consumer")
	}
	key := fmt.Sprintf("%s:%s", stream, durable)
	if existing, ok := c.consumers[key]; ok {
		existing.Stop()
	}
	c.consumers[key] = cc
	return nil
}

// CreateKeyValueBucket creates or opens a JetStream KV bucket
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.jetStream()
	if err != nil {
		return nil, err
	}

	bucket, err := js.KeyValue(ctx, cfg.Bucket)
	if err == nil {
		return bucket, nil
	}

	bucket, err = js.CreateKeyValue(ctx, cfg)
	if err != nil {
		// Lost a create race; the bucket exists now
		if bucket, getErr := js.KeyValue(ctx, cfg.Bucket); getErr == nil {
			return bucket, nil
		}
		return nil, errors.Wrap(err, "Client", "CreateKeyValueBucket",
			fmt.Sprintf("create bucket %s", cfg.Bucket))
	}
	return bucket, nil
}

func (c *Client) jetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil {
		return nil, ErrNotConnected
	}
	return c.js, nil
}

func (c *Client) notifyHealth(healthy bool) {
	c.mu.RLock()
	fn := c.onHealthChange
	c.mu.RUnlock()
	if fn != nil {
		go fn(healthy)
	}
}
