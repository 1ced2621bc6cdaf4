package connection

import (
	"time"

	"github.com/randallard/friends-connect/errors"
)

// Validator checks structural and state invariants before any mutation
// is committed. Implementations must be pure: no I/O, no mutation.
type Validator interface {
	ValidateRequest(req *Request, now time.Time) error
	ValidateConnection(conn *Connection) error
}

// DefaultValidator implements the standard invariant checks
type DefaultValidator struct{}

// NewValidator creates the default validator
func NewValidator() *DefaultValidator {
	return &DefaultValidator{}
}

// ValidateRequest checks an invitation record. It fails with ErrExpired
// when the request outlived its TTL and with an invalid-request error
// when the initiator is missing or invites themselves.
func (v *DefaultValidator) ValidateRequest(req *Request, now time.Time) error {
	if req.ExpiresAt.Before(now) {
		return errors.ErrExpired
	}
	if req.FromProfileID == "" {
		return errors.InvalidRequest("initiator profile ID cannot be empty")
	}
	if req.ToProfileID != "" && req.ToProfileID == req.FromProfileID {
		return errors.InvalidRequest("cannot create connection with self")
	}
	return nil
}

// ValidateConnection checks the cross-field consistency of a connection
// record for its current status. Active connections must carry a full
// recipient identity and a connected timestamp; rejected connections must
// record who rejected them.
func (v *DefaultValidator) ValidateConnection(conn *Connection) error {
	if conn.ID == "" {
		return errors.InvalidRequest("connection ID cannot be empty")
	}
	if conn.InitiatorLabel == "" {
		return errors.InvalidRequest("initiator label cannot be empty")
	}
	if !conn.Status.Valid() {
		return errors.InvalidRequestf("unknown connection status %q", conn.Status)
	}

	switch conn.Status {
	case StatusActive:
		if conn.RecipientID == "" || conn.RecipientLabel == "" {
			return errors.InvalidRequest("active connection must have recipient information")
		}
		if conn.ConnectedAt == nil {
			return errors.InvalidRequest("active connection must have connected_at")
		}
	case StatusRejected:
		if conn.RecipientID == "" {
			return errors.InvalidRequest("rejected connection must have recipient ID")
		}
	}

	return nil
}
