package mesh

import (
	"sync"

	"github.com/golang/groupcache/lru"
)

// Ledger is the dedup gate: it remembers message ids already processed so a
// flooded envelope is handled at most once per node.
type Ledger struct {
	mu sync.Mutex
	// order tracks recency for eviction; index answers lookups without
	// touching it.
	order *lru.Cache
	index map[string]struct{}
}

// NewLedger returns a ledger holding at most capacity ids, evicting the least
// recently recorded. A capacity of zero keeps every id for the process
// lifetime.
func NewLedger(capacity int) *Ledger {
	if capacity < 0 {
		capacity = 0
	}
	l := &Ledger{
		order: lru.New(capacity),
		index: make(map[string]struct{}),
	}
	l.order.OnEvicted = func(key lru.Key, _ interface{}) {
		delete(l.index, key.(string))
	}
	return l
}

// RecordIfNew records id and reports whether it was unseen. The check and
// the insert are one atomic step. Recording a known id again refreshes it.
func (l *Ledger) RecordIfNew(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.index[id]; ok {
		l.order.Get(id)
		return false
	}
	l.index[id] = struct{}{}
	l.order.Add(id, struct{}{})
	return true
}

// Contains reports whether id has been recorded. It does not change which
// id is evicted next.
func (l *Ledger) Contains(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.index[id]
	return ok
}

// Len returns the number of ids held.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.index)
}
