package store

import (
	"hash/fnv"
	"sync"
)

// InboxStore holds the per-participant ordered notification queues.
// Each append for a given player happens under that player's shard lock,
// so notification order per recipient matches append order even under
// concurrent senders. Reads are non-destructive; a poll-then-ack pattern
// gives at-least-once delivery to clients that crash between the two.
type InboxStore struct {
	shards [shardCount]*inboxShard
}

type inboxShard struct {
	mu      sync.RWMutex
	inboxes map[string][]string
}

// NewInboxStore creates an empty inbox store
func NewInboxStore() *InboxStore {
	s := &InboxStore{}
	for i := range s.shards {
		s.shards[i] = &inboxShard{inboxes: make(map[string][]string)}
	}
	return s
}

func (s *InboxStore) shardFor(playerID string) *inboxShard {
	h := fnv.New32a()
	h.Write([]byte(playerID))
	return s.shards[h.Sum32()%shardCount]
}

// Append adds a notification to the end of the player's inbox
func (s *InboxStore) Append(playerID, content string) {
	sh := s.shardFor(playerID)
	sh.mu.Lock()
	sh.inboxes[playerID] = append(sh.inboxes[playerID], content)
	sh.mu.Unlock()
}

// List returns a copy of the player's pending notifications in order.
// An unknown player yields an empty slice, never nil-vs-missing
// ambiguity at the transport boundary.
func (s *InboxStore) List(playerID string) []string {
	sh := s.shardFor(playerID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	pending := sh.inboxes[playerID]
	out := make([]string, len(pending))
	copy(out, pending)
	return out
}

// Acknowledge clears the player's inbox and returns how many
// notifications were drained
func (s *InboxStore) Acknowledge(playerID string) int {
	sh := s.shardFor(playerID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	n := len(sh.inboxes[playerID])
	delete(sh.inboxes, playerID)
	return n
}
