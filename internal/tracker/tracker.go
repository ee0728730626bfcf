// Package tracker records which response messages were produced for which
// request so edits and deletes can find them again.
package tracker

import (
	"hash/fnv"
	"sync"

	"github.com/ashureev/shsh-eval/internal/domain"
)

const shardCount = 32

type shard struct {
	mu      sync.RWMutex
	entries map[string]domain.Response
}

// Tracker owns the requestID -> Response map. Every operation is atomic per
// key; there is no lock spanning the whole map.
type Tracker struct {
	shards [shardCount]*shard
}

// New creates an empty tracker.
func New() *Tracker {
	t := &Tracker{}
	for i := range t.shards {
		t.shards[i] = &shard{entries: make(map[string]domain.Response)}
	}
	return t
}

func (t *Tracker) shardFor(requestID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(requestID))
	return t.shards[h.Sum32()%shardCount]
}

// Record stores resp for requestID, replacing any previous entry.
func (t *Tracker) Record(requestID string, resp domain.Response) {
	resp.MessageIDs = append([]string(nil), resp.MessageIDs...)

	s := t.shardFor(requestID)
	s.mu.Lock()
	s.entries[requestID] = resp
	s.mu.Unlock()
}

// Lookup returns the response currently tracked for requestID.
func (t *Tracker) Lookup(requestID string) (domain.Response, bool) {
	s := t.shardFor(requestID)
	s.mu.RLock()
	resp, ok := s.entries[requestID]
	s.mu.RUnlock()
	if !ok {
		return domain.Response{}, false
	}
	resp.MessageIDs = append([]string(nil), resp.MessageIDs...)
	return resp, true
}

// Clear forgets requestID. Clearing an unknown ID is a no-op.
func (t *Tracker) Clear(requestID string) {
	s := t.shardFor(requestID)
	s.mu.Lock()
	delete(s.entries, requestID)
	s.mu.Unlock()
}

// Len returns the number of tracked requests.
func (t *Tracker) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}
