package connection

import "context"

// Store is the storage contract the Manager depends on. All operations
// are safe under concurrent invocation; mutations acquire exclusive
// access scoped to the affected record, reads use shared access. The
// store package provides an in-memory implementation and a NATS KV one.
type Store interface {
	// Put stores the connection, overwriting any existing record with the
	// same ID and keeping the link index synchronized.
	Put(ctx context.Context, conn *Connection) error

	// Create stores the connection only if no record with its ID exists,
	// returning ErrAlreadyExists otherwise.
	Create(ctx context.Context, conn *Connection) error

	// Get returns the connection by ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*Connection, error)

	// GetByLink returns the connection by its shareable link ID.
	GetByLink(ctx context.Context, linkID string) (*Connection, error)

	// Update applies fn to the connection under exclusive access and
	// persists the result only when fn returns nil. The checks inside fn
	// and the write form a single critical section.
	Update(ctx context.Context, id string, fn func(*Connection) error) (*Connection, error)

	// UpdateByLink is Update addressed by link ID.
	UpdateByLink(ctx context.Context, linkID string, fn func(*Connection) error) (*Connection, error)

	// ListByParticipant returns connections where profileID occupies
	// either participant slot. Order is not guaranteed.
	ListByParticipant(ctx context.Context, profileID string) ([]*Connection, error)

	// ListAll returns every stored connection.
	ListAll(ctx context.Context) ([]*Connection, error)

	// Delete removes the connection, or returns ErrNotFound if absent.
	Delete(ctx context.Context, id string) error

	// PutRequest stores an invitation record keyed by connection ID.
	PutRequest(ctx context.Context, req *Request) error

	// GetRequest returns the invitation record, or ErrNotFound.
	GetRequest(ctx context.Context, id string) (*Request, error)
}

// Inbox is the notification sink the Manager appends to on join and
// message fan-out. Appends for a given player must be ordered.
type Inbox interface {
	Append(playerID, content string)
}
