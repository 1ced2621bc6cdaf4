package connection

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/randallard/friends-connect/errors"
	"github.com/randallard/friends-connect/metric"
	"github.com/randallard/friends-connect/relay"
)

// Policy holds the lifecycle TTLs
type Policy struct {
	// RequestTTL bounds how long a directed invitation stays joinable.
	RequestTTL time.Duration
	// LinkTTL bounds how long a shareable link stays joinable.
	LinkTTL time.Duration
}

// DefaultPolicy returns the deployed TTLs: seven days for directed
// invitations, ten minutes for shareable links.
func DefaultPolicy() Policy {
	return Policy{
		RequestTTL: 7 * 24 * time.Hour,
		LinkTTL:    10 * time.Minute,
	}
}

const sendStripes = 64

// Manager owns the connection lifecycle: creation, joining, messaging,
// rejection, and recovery. Every mutation is validated before commit and
// applied inside the store's per-record critical section, so concurrent
// operations on the same connection serialize and at most one join can
// win. Lifecycle events are handed to the relay fire-and-forget; inbox
// notifications are appended before the triggering call returns.
type Manager struct {
	store     Store
	inboxes   Inbox
	validator Validator
	relay     *relay.Relay
	policy    Policy
	logger    *slog.Logger
	metrics   *metric.Metrics

	// sendMu serializes message fan-out per connection so each
	// recipient's inbox observes messages in send order.
	sendMu [sendStripes]sync.Mutex
}

// NewManager creates a connection manager. relay may be nil for
// deployments without a broker; metrics may be nil in tests.
func NewManager(st Store, inboxes Inbox, validator Validator, rl *relay.Relay, policy Policy, logger *slog.Logger, metrics *metric.Metrics) *Manager {
	if validator == nil {
		validator = NewValidator()
	}
	if policy.RequestTTL <= 0 {
		policy.RequestTTL = DefaultPolicy().RequestTTL
	}
	if policy.LinkTTL <= 0 {
		policy.LinkTTL = DefaultPolicy().LinkTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		store:     st,
		inboxes:   inboxes,
		validator: validator,
		relay:     rl,
		policy:    policy,
		logger:    logger,
		metrics:   metrics,
	}
}

// Create starts a directed invitation: a Request addressed from
// initiator to an optional recipient, plus its companion pending
// connection. Both records share the connection ID and the request TTL.
func (m *Manager) Create(ctx context.Context, initiatorID, initiatorLabel, recipientID string) (*Request, error) {
	now := time.Now().UTC()

	req := &Request{
		ConnectionID:  NewID(),
		FromProfileID: initiatorID,
		ToProfileID:   recipientID,
		ExpiresAt:     now.Add(m.policy.RequestTTL),
	}
	if err := m.validator.ValidateRequest(req, now); err != nil {
		return nil, err
	}

	conn := &Connection{
		ID:             req.ConnectionID,
		LinkID:         NewID(),
		InitiatorID:    initiatorID,
		InitiatorLabel: initiatorLabel,
		Status:         StatusPending,
		CreatedAt:      now,
		ExpiresAt:      req.ExpiresAt,
	}
	if err := m.validator.ValidateConnection(conn); err != nil {
		return nil, err
	}

	if err := m.store.PutRequest(ctx, req); err != nil {
		return nil, errors.Wrap(err, "connection.Manager", "Create", "store request")
	}
	if err := m.store.Create(ctx, conn); err != nil {
		return nil, errors.Wrap(err, "connection.Manager", "Create", "store connection")
	}

	if m.metrics != nil {
		m.metrics.ConnectionsCreated.Inc()
	}
	m.relay.Publish(relay.TopicConnectionEvents, conn.ID,
		relay.ConnectionCreated(conn.ID, initiatorID))
	m.logger.Info("connection created",
		"connection_id", conn.ID, "initiator", initiatorID)

	return req, nil
}

// CreateLinked starts a link-based connection: a pending record holding
// only its creator, joinable by anyone holding the link ID until the
// link TTL elapses.
func (m *Manager) CreateLinked(ctx context.Context, creatorID string) (*Connection, error) {
	if creatorID == "" {
		return nil, errors.InvalidRequest("creator profile ID cannot be empty")
	}
	now := time.Now().UTC()

	conn := &Connection{
		ID:             NewID(),
		LinkID:         NewID(),
		InitiatorID:    creatorID,
		InitiatorLabel: creatorID,
		Status:         StatusPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.policy.LinkTTL),
	}
	if err := m.validator.ValidateConnection(conn); err != nil {
		return nil, err
	}

	if err := m.store.Create(ctx, conn); err != nil {
		return nil, errors.Wrap(err, "connection.Manager", "CreateLinked", "store connection")
	}

	if m.metrics != nil {
		m.metrics.ConnectionsCreated.Inc()
	}
	m.relay.Publish(relay.TopicConnectionEvents, conn.ID,
		relay.ConnectionCreated(conn.ID, creatorID))
	m.logger.Info("linked connection created",
		"connection_id", conn.ID, "link_id", conn.LinkID, "creator", creatorID)

	return conn, nil
}

// Accept transitions a pending invitation to active on behalf of the
// recipient. The pending check and the transition run inside a single
// critical section; the record is re-validated post-transition before
// commit, so a failed transition leaves the stored record untouched.
func (m *Manager) Accept(ctx context.Context, id, recipientID, recipientLabel string) (*Connection, error) {
	now := time.Now().UTC()

	conn, err := m.store.Update(ctx, id, func(c *Connection) error {
		if c.IsExpired(now) {
			return errors.ErrExpired
		}
		if c.Status != StatusPending {
			return errors.InvalidRequest("connection is not pending")
		}
		if recipientID == c.InitiatorID {
			return errors.InvalidRequest("cannot create connection with self")
		}

		c.RecipientID = recipientID
		c.RecipientLabel = recipientLabel
		c.Status = StatusActive
		c.ConnectedAt = &now
		return m.validator.ValidateConnection(c)
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("connection accepted",
		"connection_id", id, "recipient", recipientID)
	return conn, nil
}

// JoinByLink adds a second participant to a link-based connection. The
// expiry, capacity, and duplicate checks run in the same critical
// section as the write, so two concurrent joins cannot both succeed.
// The creator's inbox notification is appended before JoinByLink
// returns.
func (m *Manager) JoinByLink(ctx context.Context, linkID, playerID string) (*Connection, error) {
	if playerID == "" {
		return nil, errors.InvalidRequest("player ID cannot be empty")
	}
	now := time.Now().UTC()

	var creator string
	conn, err := m.store.UpdateByLink(ctx, linkID, func(c *Connection) error {
		if c.IsExpired(now) {
			return errors.ErrExpired
		}
		if len(c.Participants()) >= 2 {
			return errors.InvalidRequest("connection already has maximum players")
		}
		if c.HasParticipant(playerID) {
			return errors.InvalidRequest("player already in connection")
		}

		creator = c.InitiatorID
		c.RecipientID = playerID
		c.RecipientLabel = playerID
		c.Status = StatusActive
		c.ConnectedAt = &now
		return m.validator.ValidateConnection(c)
	})
	if err != nil {
		return nil, err
	}

	m.inboxes.Append(creator, fmt.Sprintf("Player %s joined your connection", playerID))
	if m.metrics != nil {
		m.metrics.ConnectionsJoined.Inc()
		m.metrics.NotificationsDelivered.WithLabelValues("lifecycle").Inc()
	}
	m.relay.Publish(relay.TopicConnectionEvents, conn.ID,
		relay.PlayerJoined(conn.ID, playerID))
	m.logger.Info("player joined connection",
		"connection_id", conn.ID, "player", playerID)

	return conn, nil
}

// SendMessage relays a message from one participant to every other
// participant's inbox. Fan-out for a given connection is serialized, so
// each recipient observes messages in send order.
func (m *Manager) SendMessage(ctx context.Context, connectionID, senderID, content string) (*Message, error) {
	if content == "" {
		return nil, errors.InvalidRequest("message content cannot be empty")
	}

	conn, err := m.store.Get(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if !conn.HasParticipant(senderID) {
		return nil, errors.InvalidRequest("player not in this connection")
	}

	msg := &Message{
		ID:        NewID(),
		From:      senderID,
		Content:   content,
		Timestamp: time.Now().Unix(),
	}

	mu := &m.sendMu[stripe(connectionID)]
	mu.Lock()
	for _, p := range conn.Participants() {
		if p == senderID {
			continue
		}
		m.inboxes.Append(p, fmt.Sprintf("Message from %s: %s", senderID, content))
		if m.metrics != nil {
			m.metrics.NotificationsDelivered.WithLabelValues("lifecycle").Inc()
		}
	}
	mu.Unlock()

	if m.metrics != nil {
		m.metrics.MessagesSent.Inc()
	}
	m.relay.Publish(relay.TopicConnectionMessages, connectionID,
		relay.MessageSent(connectionID, msg.ID, senderID, content, msg.Timestamp))

	return msg, nil
}

// Reject transitions a pending invitation to rejected on behalf of the
// recipient. Rejected is terminal.
func (m *Manager) Reject(ctx context.Context, id, recipientID string) (*Connection, error) {
	now := time.Now().UTC()

	conn, err := m.store.Update(ctx, id, func(c *Connection) error {
		if c.IsExpired(now) {
			return errors.ErrExpired
		}
		if c.Status != StatusPending {
			return errors.InvalidRequest("connection is not pending")
		}

		c.RecipientID = recipientID
		c.Status = StatusRejected
		return m.validator.ValidateConnection(c)
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("connection rejected",
		"connection_id", id, "recipient", recipientID)
	return conn, nil
}

// Get returns the connection by ID with lazy expiry applied: a pending
// record past its TTL reads as expired without a stored transition.
func (m *Manager) Get(ctx context.Context, id string) (*Connection, error) {
	conn, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.applyExpiry(conn), nil
}

// GetByLink returns the connection by link ID with lazy expiry applied
func (m *Manager) GetByLink(ctx context.Context, linkID string) (*Connection, error) {
	conn, err := m.store.GetByLink(ctx, linkID)
	if err != nil {
		return nil, err
	}
	return m.applyExpiry(conn), nil
}

// GetRequest returns the invitation record for a connection
func (m *Manager) GetRequest(ctx context.Context, id string) (*Request, error) {
	return m.store.GetRequest(ctx, id)
}

// ListForParticipant returns every connection profileID takes part in,
// with lazy expiry applied
func (m *Manager) ListForParticipant(ctx context.Context, profileID string) ([]*Connection, error) {
	conns, err := m.store.ListByParticipant(ctx, profileID)
	if err != nil {
		return nil, err
	}
	for i, c := range conns {
		conns[i] = m.applyExpiry(c)
	}
	return conns, nil
}

// ListAll returns every stored connection with lazy expiry applied
func (m *Manager) ListAll(ctx context.Context) ([]*Connection, error) {
	conns, err := m.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	for i, c := range conns {
		conns[i] = m.applyExpiry(c)
	}
	return conns, nil
}

// Delete removes a connection
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	m.logger.Info("connection deleted", "connection_id", id)
	return nil
}

// Recover restores a client-held backup of a connection record. The
// record is fully validated, including the cross-field invariants of its
// status, before it is stored. A record whose ID already exists is
// refused with ErrAlreadyExists rather than overwritten.
func (m *Manager) Recover(ctx context.Context, conn *Connection) (*Connection, error) {
	if conn == nil {
		return nil, errors.InvalidRequest("connection payload cannot be empty")
	}
	if err := m.validator.ValidateConnection(conn); err != nil {
		return nil, err
	}
	if conn.InitiatorID == "" {
		return nil, errors.InvalidRequest("initiator profile ID cannot be empty")
	}

	restored := conn.Clone()
	if err := m.store.Create(ctx, restored); err != nil {
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.ConnectionsRecovered.Inc()
	}
	m.logger.Info("connection recovered",
		"connection_id", restored.ID, "status", restored.Status)
	return restored, nil
}

func (m *Manager) applyExpiry(conn *Connection) *Connection {
	if conn.IsExpired(time.Now().UTC()) {
		conn.Status = StatusExpired
	}
	return conn
}

func stripe(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % sendStripes
}
