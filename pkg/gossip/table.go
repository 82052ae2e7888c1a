package gossip

import (
    "time"

    lru "github.com/hashicorp/golang-lru"
)

// entry is a remembered gossip plus its per-member send counts. A member
// missing from sent has not been sent the gossip yet.
type entry struct {
    gossip Gossip
    seen   time.Time
    sent   map[string]int
}

// table remembers gossip ids for deduplication. It is bounded both by size
// (oldest evicted first) and by age. Not safe for concurrent use; the
// Protocol lock guards it.
type table struct {
    cache *lru.Cache
    ttl   time.Duration
}

func newTable(size int, ttl time.Duration) (*table, error) {
    c, err := lru.New(size)
    if err != nil { return nil, err }
    return &table{cache: c, ttl: ttl}, nil
}

// add inserts g unless its id is already known and reports whether it did.
func (t *table) add(g Gossip, now time.Time) bool {
    known, _ := t.cache.ContainsOrAdd(g.ID, &entry{gossip: g, seen: now, sent: make(map[string]int)})
    return !known
}

func (t *table) get(id string) (*entry, bool) {
    v, ok := t.cache.Peek(id)
    if !ok { return nil, false }
    return v.(*entry), true
}

// expire drops entries first seen at least ttl ago and returns how many.
// Entries are never touched after insertion, so cache order is insertion
// order and the scan stops at the first live entry.
func (t *table) expire(now time.Time) int {
    if t.ttl <= 0 { return 0 }
    n := 0
    for _, k := range t.cache.Keys() {
        v, ok := t.cache.Peek(k)
        if !ok { continue }
        if now.Sub(v.(*entry).seen) < t.ttl { break }
        t.cache.Remove(k)
        n++
    }
    return n
}

// entries returns live entries, oldest first.
func (t *table) entries() []*entry {
    keys := t.cache.Keys()
    out := make([]*entry, 0, len(keys))
    for _, k := range keys {
        if v, ok := t.cache.Peek(k); ok { out = append(out, v.(*entry)) }
    }
    return out
}

func (t *table) len() int { return t.cache.Len() }
