// Package relay bridges in-process lifecycle events to the external
// pub/sub broker and drains the inbound notification topic into
// per-player inboxes.
//
// The outbound path is fire-and-forget: events are handed to a worker
// pool and published with a bounded timeout; a failed publish is logged
// and dropped, never surfaced to the operation that triggered it. The
// inbound consumer acknowledges a notification only after the inbox
// append succeeded, so a crash between receipt and commit redelivers
// rather than loses.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/randallard/friends-connect/metric"
	"github.com/randallard/friends-connect/pkg/retry"
	"github.com/randallard/friends-connect/pkg/worker"
)

// Stream names backing the broker topics
const (
	outboundStream     = "CONNECT_EVENTS"
	notificationStream = "USER_NOTIFICATIONS"
)

// Broker is the publish/subscribe surface the relay needs. It is
// satisfied by natsclient.Client; tests substitute a fake.
type Broker interface {
	EnsureStream(ctx context.Context, name string, subjects []string) error
	PublishToStream(ctx context.Context, subject, key string, data []byte) error
	Consume(ctx context.Context, stream, subject, durable string, handler func([]byte) error) error
}

// Inbox receives inbound notifications drained from the broker. It is
// satisfied by store.InboxStore.
type Inbox interface {
	Append(playerID, content string)
}

// Config holds relay tuning parameters
type Config struct {
	Durable        string        // durable consumer name on the notification topic
	PublishTimeout time.Duration // bound on a single outbound publish
	Workers        int           // outbound publisher goroutines
	QueueSize      int           // outbound queue capacity
	ConsumeBackoff time.Duration // wait between consumer (re)subscription attempts
}

// DefaultConfig returns relay defaults matching the deployed service
func DefaultConfig() Config {
	return Config{
		Durable:        "friends-connect-server",
		PublishTimeout: time.Second,
		Workers:        4,
		QueueSize:      256,
		ConsumeBackoff: time.Second,
	}
}

type outbound struct {
	subject string
	key     string
	payload []byte
}

// Relay bridges lifecycle events to the broker and the broker back to
// inboxes. A nil *Relay is valid and inert, for deployments without a
// broker configured.
type Relay struct {
	broker  Broker
	inboxes Inbox
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Metrics

	pool *worker.Pool[outbound]
}

// New creates a relay. metrics may be nil.
func New(broker Broker, inboxes Inbox, cfg Config, logger *slog.Logger, metrics *metric.Metrics) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = time.Second
	}
	if cfg.ConsumeBackoff <= 0 {
		cfg.ConsumeBackoff = time.Second
	}
	if cfg.Durable == "" {
		cfg.Durable = "friends-connect-server"
	}

	r := &Relay{
		broker:  broker,
		inboxes: inboxes,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
	r.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, r.publishOne)
	return r
}

// Start provisions the broker streams and launches the publisher pool
// and the notification consumer. The consumer runs until ctx is
// cancelled, retrying subscription failures indefinitely with backoff.
func (r *Relay) Start(ctx context.Context) error {
	if r == nil || r.broker == nil {
		return nil
	}

	if err := r.broker.EnsureStream(ctx, outboundStream,
		[]string{TopicConnectionEvents, TopicConnectionMessages}); err != nil {
		return err
	}
	if err := r.broker.EnsureStream(ctx, notificationStream,
		[]string{TopicUserNotifications}); err != nil {
		return err
	}

	if err := r.pool.Start(ctx); err != nil {
		return err
	}

	go r.consumeLoop(ctx)
	return nil
}

// Stop drains the publisher pool
func (r *Relay) Stop(timeout time.Duration) error {
	if r == nil || r.broker == nil {
		return nil
	}
	return r.pool.Stop(timeout)
}

// Publish hands an event to the outbound path. It never blocks and never
// returns an error to the triggering operation: a full queue or a failed
// publish is logged, counted, and dropped.
func (r *Relay) Publish(topic, key string, event Event) {
	if r == nil || r.broker == nil {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("failed to encode event", "event", event.Event, "error", err)
		return
	}

	if err := r.pool.Submit(outbound{subject: topic, key: key, payload: payload}); err != nil {
		r.logger.Error("dropped outbound event", "event", event.Event, "topic", topic, "error", err)
		r.countPublishFailure()
	}
}

func (r *Relay) publishOne(ctx context.Context, out outbound) error {
	pubCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()

	if err := r.broker.PublishToStream(pubCtx, out.subject, out.key, out.payload); err != nil {
		r.logger.Error("failed to publish event", "topic", out.subject, "key", out.key, "error", err)
		r.countPublishFailure()
		return err
	}
	return nil
}

func (r *Relay) consumeLoop(ctx context.Context) {
	backoff := retry.Config{
		MaxAttempts:  0, // never give up on transient broker errors
		InitialDelay: r.cfg.ConsumeBackoff,
		MaxDelay:     r.cfg.ConsumeBackoff,
		Multiplier:   1.0,
	}

	err := retry.Do(ctx, backoff, func() error {
		err := r.broker.Consume(ctx, notificationStream, TopicUserNotifications,
			r.cfg.Durable, r.handleNotification)
		if err != nil {
			r.logger.Error("notification consumer failed, backing off", "error", err)
			r.countConsumerError()
			return err
		}

		// Subscription established; hold it until shutdown.
		<-ctx.Done()
		return nil
	})
	if err != nil && ctx.Err() == nil {
		r.logger.Error("notification consumer stopped", "error", err)
	}
}

// handleNotification appends an inbound notification to its player's
// inbox. A nil return acknowledges the message; unparseable payloads are
// acknowledged too, since redelivery cannot fix them.
func (r *Relay) handleNotification(data []byte) error {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		r.logger.Warn("discarding malformed notification", "error", err)
		return nil
	}
	if n.PlayerID == "" || n.Content == "" {
		r.logger.Warn("discarding incomplete notification", "player_id", n.PlayerID)
		return nil
	}

	r.inboxes.Append(n.PlayerID, n.Content)
	if r.metrics != nil {
		r.metrics.NotificationsDelivered.WithLabelValues("relay").Inc()
	}
	return nil
}

func (r *Relay) countPublishFailure() {
	if r.metrics != nil {
		r.metrics.PublishFailures.Inc()
	}
}

func (r *Relay) countConsumerError() {
	if r.metrics != nil {
		r.metrics.ConsumerErrors.Inc()
	}
}
