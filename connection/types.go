package connection

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a connection
type Status string

// Connection lifecycle states
const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Valid reports whether s is a known lifecycle state
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition can leave s
func (s Status) Terminal() bool {
	return s == StatusActive || s == StatusRejected || s == StatusExpired
}

// Connection is a pairing record between an initiator and a recipient.
// A connection is addressable by both ID and LinkID; the LinkID is the
// shareable identifier a second participant joins through.
type Connection struct {
	ID             string     `json:"id"`
	LinkID         string     `json:"link_id"`
	InitiatorID    string     `json:"initiator_id"`
	InitiatorLabel string     `json:"initiator_label"`
	RecipientID    string     `json:"recipient_id,omitempty"`
	RecipientLabel string     `json:"recipient_label,omitempty"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	ConnectedAt    *time.Time `json:"connected_at,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at"`
}

// Participants returns the ordered participant list: the initiator first,
// then the recipient once one has joined.
func (c *Connection) Participants() []string {
	players := []string{c.InitiatorID}
	if c.RecipientID != "" {
		players = append(players, c.RecipientID)
	}
	return players
}

// HasParticipant reports whether profileID occupies either slot
func (c *Connection) HasParticipant(profileID string) bool {
	return c.InitiatorID == profileID || (c.RecipientID != "" && c.RecipientID == profileID)
}

// IsExpired reports whether a still-pending, single-participant
// connection has outlived its TTL at the given instant. Expiration is
// evaluated lazily on read; there is no background sweep.
func (c *Connection) IsExpired(now time.Time) bool {
	return c.Status == StatusPending && c.RecipientID == "" && now.After(c.ExpiresAt)
}

// Clone returns a deep copy of the connection
func (c *Connection) Clone() *Connection {
	clone := *c
	if c.ConnectedAt != nil {
		ts := *c.ConnectedAt
		clone.ConnectedAt = &ts
	}
	return &clone
}

// Request is an immutable invitation record created alongside a pending
// connection. It is looked up by connection ID and never mutated, only
// superseded by the connection itself.
type Request struct {
	ConnectionID  string    `json:"connection_id"`
	FromProfileID string    `json:"from_profile_id"`
	ToProfileID   string    `json:"to_profile_id,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Message is a chat-style message relayed between paired participants
type Message struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// NewID generates a globally unique random identifier
func NewID() string {
	return uuid.NewString()
}
