package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/randallard/friends-connect/connection"
	"github.com/randallard/friends-connect/errors"
	"github.com/randallard/friends-connect/natsclient"
)

// KV bucket names
const (
	connectionsBucket = "connect_connections"
	linksBucket       = "connect_links"
	requestsBucket    = "connect_requests"
)

// casAttempts bounds the optimistic-concurrency retry loop in Update
const casAttempts = 5

// KVStore is the NATS JetStream KV implementation of Store. Records are
// JSON documents keyed by connection ID; the link bucket maps LinkID to
// ID. Concurrent mutations are serialized per key with compare-and-swap
// on the entry revision.
type KVStore struct {
	conns    jetstream.KeyValue
	links    jetstream.KeyValue
	requests jetstream.KeyValue
}

// NewKVStore provisions the KV buckets and returns the store
func NewKVStore(ctx context.Context, client *natsclient.Client) (*KVStore, error) {
	if client == nil {
		return nil, errors.InvalidRequest("nats client cannot be nil")
	}

	conns, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      connectionsBucket,
		Description: "Connection records keyed by ID",
	})
	if err != nil {
		return nil, errors.Storage("create connections bucket", err)
	}

	links, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      linksBucket,
		Description: "Link ID to connection ID index",
	})
	if err != nil {
		return nil, errors.Storage("create links bucket", err)
	}

	requests, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      requestsBucket,
		Description: "Invitation records keyed by connection ID",
	})
	if err != nil {
		return nil, errors.Storage("create requests bucket", err)
	}

	return &KVStore{conns: conns, links: links, requests: requests}, nil
}

// Put stores the connection, overwriting any existing record
func (s *KVStore) Put(ctx context.Context, conn *connection.Connection) error {
	if conn == nil || conn.ID == "" {
		return errors.InvalidRequest("connection ID cannot be empty")
	}

	data, err := json.Marshal(conn)
	if err != nil {
		return errors.Storage("marshal connection", err)
	}
	if _, err := s.conns.Put(ctx, conn.ID, data); err != nil {
		return errors.Storage("put connection", err)
	}
	return s.indexLink(ctx, conn)
}

// Create stores the connection only if its ID is unused
func (s *KVStore) Create(ctx context.Context, conn *connection.Connection) error {
	if conn == nil || conn.ID == "" {
		return errors.InvalidRequest("connection ID cannot be empty")
	}

	data, err := json.Marshal(conn)
	if err != nil {
		return errors.Storage("marshal connection", err)
	}
	if _, err := s.conns.Create(ctx, conn.ID, data); err != nil {
		if stderrors.Is(err, jetstream.ErrKeyExists) {
			return errors.ErrAlreadyExists
		}
		return errors.Storage("create connection", err)
	}
	return s.indexLink(ctx, conn)
}

func (s *KVStore) indexLink(ctx context.Context, conn *connection.Connection) error {
	if conn.LinkID == "" {
		return nil
	}
	if _, err := s.links.Put(ctx, conn.LinkID, []byte(conn.ID)); err != nil {
		return errors.Storage("index link", err)
	}
	return nil
}

// Get returns the connection by ID
func (s *KVStore) Get(ctx context.Context, id string) (*connection.Connection, error) {
	entry, err := s.conns.Get(ctx, id)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, errors.ErrNotFound
		}
		return nil, errors.Storage("get connection", err)
	}

	var conn connection.Connection
	if err := json.Unmarshal(entry.Value(), &conn); err != nil {
		return nil, errors.Storage("unmarshal connection", err)
	}
	return &conn, nil
}

// GetByLink resolves the link index and returns the connection
func (s *KVStore) GetByLink(ctx context.Context, linkID string) (*connection.Connection, error) {
	id, err := s.resolveLink(ctx, linkID)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *KVStore) resolveLink(ctx context.Context, linkID string) (string, error) {
	entry, err := s.links.Get(ctx, linkID)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return "", errors.ErrNotFound
		}
		return "", errors.Storage("resolve link", err)
	}
	return string(entry.Value()), nil
}

// Update applies fn with compare-and-swap on the record revision, so the
// check inside fn and the write commit atomically with respect to other
// writers of the same key.
func (s *KVStore) Update(
	ctx context.Context,
	id string,
	fn func(*connection.Connection) error,
) (*connection.Connection, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		entry, err := s.conns.Get(ctx, id)
		if err != nil {
			if stderrors.Is(err, jetstream.ErrKeyNotFound) {
				return nil, errors.ErrNotFound
			}
			return nil, errors.Storage("get connection", err)
		}

		var conn connection.Connection
		if err := json.Unmarshal(entry.Value(), &conn); err != nil {
			return nil, errors.Storage("unmarshal connection", err)
		}

		if err := fn(&conn); err != nil {
			return nil, err
		}

		data, err := json.Marshal(&conn)
		if err != nil {
			return nil, errors.Storage("marshal connection", err)
		}

		_, err = s.conns.Update(ctx, id, data, entry.Revision())
		if err == nil {
			if err := s.indexLink(ctx, &conn); err != nil {
				return nil, err
			}
			return &conn, nil
		}
		// Revision conflict: another writer got there first, reload and retry
		if !stderrors.Is(err, jetstream.ErrKeyExists) && ctx.Err() != nil {
			return nil, errors.Storage("update connection", ctx.Err())
		}
	}
	return nil, errors.Storage("update connection",
		fmt.Errorf("gave up after %d CAS attempts for %s", casAttempts, id))
}

// UpdateByLink is Update addressed by link ID
func (s *KVStore) UpdateByLink(
	ctx context.Context,
	linkID string,
	fn func(*connection.Connection) error,
) (*connection.Connection, error) {
	id, err := s.resolveLink(ctx, linkID)
	if err != nil {
		return nil, err
	}
	return s.Update(ctx, id, fn)
}

// ListByParticipant returns connections involving profileID
func (s *KVStore) ListByParticipant(ctx context.Context, profileID string) ([]*connection.Connection, error) {
	all, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	var result []*connection.Connection
	for _, conn := range all {
		if conn.HasParticipant(profileID) {
			result = append(result, conn)
		}
	}
	return result, nil
}

// ListAll returns every stored connection
func (s *KVStore) ListAll(ctx context.Context) ([]*connection.Connection, error) {
	keys, err := s.conns.Keys(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, errors.Storage("list keys", err)
	}

	result := make([]*connection.Connection, 0, len(keys))
	for _, key := range keys {
		conn, err := s.Get(ctx, key)
		if err != nil {
			if errors.IsNotFound(err) {
				continue // deleted between Keys and Get
			}
			return nil, err
		}
		result = append(result, conn)
	}
	return result, nil
}

// Delete removes the connection and its link index entry
func (s *KVStore) Delete(ctx context.Context, id string) error {
	conn, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := s.conns.Delete(ctx, id); err != nil {
		return errors.Storage("delete connection", err)
	}
	if conn.LinkID != "" {
		if err := s.links.Delete(ctx, conn.LinkID); err != nil {
			return errors.Storage("delete link index", err)
		}
	}
	return nil
}

// PutRequest stores an invitation record
func (s *KVStore) PutRequest(ctx context.Context, req *connection.Request) error {
	if req == nil || req.ConnectionID == "" {
		return errors.InvalidRequest("request connection ID cannot be empty")
	}

	data, err := json.Marshal(req)
	if err != nil {
		return errors.Storage("marshal request", err)
	}
	if _, err := s.requests.Put(ctx, req.ConnectionID, data); err != nil {
		return errors.Storage("put request", err)
	}
	return nil
}

// GetRequest returns the invitation record by connection ID
func (s *KVStore) GetRequest(ctx context.Context, id string) (*connection.Request, error) {
	entry, err := s.requests.Get(ctx, id)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, errors.ErrNotFound
		}
		return nil, errors.Storage("get request", err)
	}

	var req connection.Request
	if err := json.Unmarshal(entry.Value(), &req); err != nil {
		return nil, errors.Storage("unmarshal request", err)
	}
	return &req, nil
}
