package store

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/randallard/friends-connect/connection"
	"github.com/randallard/friends-connect/errors"
)

const shardCount = 16

type shard struct {
	mu    sync.RWMutex
	conns map[string]*connection.Connection
}

// MemoryStore is the in-memory Store implementation. Connection records
// are sharded by ID so unrelated connections never contend on one lock;
// the link index and the request map carry their own locks.
type MemoryStore struct {
	shards [shardCount]*shard

	linkMu sync.RWMutex
	links  map[string]string // linkID -> connection ID

	reqMu    sync.RWMutex
	requests map[string]*connection.Request
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		links:    make(map[string]string),
		requests: make(map[string]*connection.Request),
	}
	for i := range s.shards {
		s.shards[i] = &shard{conns: make(map[string]*connection.Connection)}
	}
	return s
}

func (s *MemoryStore) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return s.shards[h.Sum32()%shardCount]
}

// Put stores the connection, overwriting any existing record
func (s *MemoryStore) Put(_ context.Context, conn *connection.Connection) error {
	if conn == nil || conn.ID == "" {
		return errors.InvalidRequest("connection ID cannot be empty")
	}

	sh := s.shardFor(conn.ID)
	sh.mu.Lock()
	sh.conns[conn.ID] = conn.Clone()
	sh.mu.Unlock()

	s.indexLink(conn)
	return nil
}

// Create stores the connection only if its ID is unused
func (s *MemoryStore) Create(_ context.Context, conn *connection.Connection) error {
	if conn == nil || conn.ID == "" {
		return errors.InvalidRequest("connection ID cannot be empty")
	}

	sh := s.shardFor(conn.ID)
	sh.mu.Lock()
	if _, exists := sh.conns[conn.ID]; exists {
		sh.mu.Unlock()
		return errors.ErrAlreadyExists
	}
	sh.conns[conn.ID] = conn.Clone()
	sh.mu.Unlock()

	s.indexLink(conn)
	return nil
}

func (s *MemoryStore) indexLink(conn *connection.Connection) {
	if conn.LinkID == "" {
		return
	}
	s.linkMu.Lock()
	s.links[conn.LinkID] = conn.ID
	s.linkMu.Unlock()
}

// Get returns the connection by ID
func (s *MemoryStore) Get(_ context.Context, id string) (*connection.Connection, error) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	conn, ok := sh.conns[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return conn.Clone(), nil
}

// GetByLink resolves the link ID and returns the connection
func (s *MemoryStore) GetByLink(ctx context.Context, linkID string) (*connection.Connection, error) {
	id, err := s.resolveLink(linkID)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) resolveLink(linkID string) (string, error) {
	s.linkMu.RLock()
	defer s.linkMu.RUnlock()

	id, ok := s.links[linkID]
	if !ok {
		return "", errors.ErrNotFound
	}
	return id, nil
}

// Update applies fn under the shard's write lock. The closure sees a
// private copy; the store commits it only when fn returns nil, so a
// failed check leaves the record untouched and check-then-act callers
// get a single critical section.
func (s *MemoryStore) Update(
	_ context.Context,
	id string,
	fn func(*connection.Connection) error,
) (*connection.Connection, error) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	current, ok := sh.conns[id]
	if !ok {
		return nil, errors.ErrNotFound
	}

	updated := current.Clone()
	if err := fn(updated); err != nil {
		return nil, err
	}

	sh.conns[id] = updated

	if updated.LinkID != "" {
		s.linkMu.Lock()
		s.links[updated.LinkID] = updated.ID
		s.linkMu.Unlock()
	}

	return updated.Clone(), nil
}

// UpdateByLink is Update addressed by link ID
func (s *MemoryStore) UpdateByLink(
	ctx context.Context,
	linkID string,
	fn func(*connection.Connection) error,
) (*connection.Connection, error) {
	id, err := s.resolveLink(linkID)
	if err != nil {
		return nil, err
	}
	return s.Update(ctx, id, fn)
}

// ListByParticipant returns connections involving profileID
func (s *MemoryStore) ListByParticipant(_ context.Context, profileID string) ([]*connection.Connection, error) {
	var result []*connection.Connection
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, conn := range sh.conns {
			if conn.HasParticipant(profileID) {
				result = append(result, conn.Clone())
			}
		}
		sh.mu.RUnlock()
	}
	return result, nil
}

// ListAll returns every stored connection
func (s *MemoryStore) ListAll(_ context.Context) ([]*connection.Connection, error) {
	var result []*connection.Connection
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, conn := range sh.conns {
			result = append(result, conn.Clone())
		}
		sh.mu.RUnlock()
	}
	return result, nil
}

// Delete removes the connection and its link index entry
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	sh := s.shardFor(id)
	sh.mu.Lock()
	conn, ok := sh.conns[id]
	if !ok {
		sh.mu.Unlock()
		return errors.ErrNotFound
	}
	delete(sh.conns, id)
	sh.mu.Unlock()

	if conn.LinkID != "" {
		s.linkMu.Lock()
		delete(s.links, conn.LinkID)
		s.linkMu.Unlock()
	}
	return nil
}

// PutRequest stores an invitation record
func (s *MemoryStore) PutRequest(_ context.Context, req *connection.Request) error {
	if req == nil || req.ConnectionID == "" {
		return errors.InvalidRequest("request connection ID cannot be empty")
	}
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	clone := *req
	s.requests[req.ConnectionID] = &clone
	return nil
}

// GetRequest returns the invitation record by connection ID
func (s *MemoryStore) GetRequest(_ context.Context, id string) (*connection.Request, error) {
	s.reqMu.RLock()
	defer s.reqMu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	clone := *req
	return &clone, nil
}
