// Package seen implements the bounded table of recently seen packet hashes.
//
// Every node receiving a flood packet checks its hash against this table.
// If seen: drop silently (prevents infinite re-broadcast loops).
// If not seen: add and let the mesh engine decide to forward or consume.
//
// The table is a fixed ring, so memory is bounded by size no matter the
// traffic; entries also age out after maxAge. Forgetting an entry early only
// costs a redundant relay, while reporting an unseen hash as seen would drop
// traffic, so lookups never match anything that was not inserted.
package seen

import (
	"sync"
	"time"

	"github.com/ripplebiz/MeshCore/internal/clock"
	"github.com/ripplebiz/MeshCore/internal/protocol"
)

const (
	DefaultSize   = 128
	DefaultMaxAge = 10 * time.Minute
)

type Hash = [protocol.HashSize]byte

type entry struct {
	slot int
	at   uint64
}

// Table is a concurrent-safe dedup store.
type Table struct {
	mu      sync.Mutex
	clk     clock.Clock
	maxAge  uint64
	ring    []Hash
	used    []bool
	next    int
	entries map[Hash]entry

	directDups uint32
	floodDups  uint32
}

// New creates a Table holding at most size hashes for maxAge each.
func New(clk clock.Clock, size int, maxAge time.Duration) *Table {
	if size <= 0 {
		size = DefaultSize
	}
	return &Table{
		clk:     clk,
		maxAge:  uint64(maxAge.Milliseconds()),
		ring:    make([]Hash, size),
		used:    make([]bool, size),
		entries: make(map[Hash]entry, size),
	}
}

func (t *Table) fresh(e entry, now uint64) bool {
	return t.maxAge == 0 || now-e.at < t.maxAge
}

// Has returns true if h was added and has not expired or been evicted.
func (t *Table) Has(h Hash) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[h]
	if !ok {
		return false
	}
	if !t.fresh(e, t.clk.Millis()) {
		delete(t.entries, h)
		return false
	}
	return true
}

// Add records h. Returns true if h was not previously seen (new traffic).
func (t *Table) Add(h Hash) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.add(h)
}

func (t *Table) add(h Hash) bool {
	now := t.clk.Millis()
	if e, ok := t.entries[h]; ok && t.fresh(e, now) {
		return false // already seen
	}
	slot := t.next
	if t.used[slot] {
		old := t.ring[slot]
		if e, ok := t.entries[old]; ok && e.slot == slot {
			delete(t.entries, old)
		}
	}
	t.ring[slot] = h
	t.used[slot] = true
	t.entries[h] = entry{slot: slot, at: now}
	t.next = (t.next + 1) % len(t.ring)
	return true
}

// HasSeen checks and records the packet's hash in one step, counting
// duplicates per route type.
func (t *Table) HasSeen(pkt *protocol.Packet) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.add(pkt.Hash()) {
		return false
	}
	if pkt.IsDirect() {
		t.directDups++
	} else {
		t.floodDups++
	}
	return true
}

// Len returns the current number of cached entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Table) DirectDups() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.directDups
}

func (t *Table) FloodDups() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.floodDups
}

// ResetStats zeroes the duplicate counters.
func (t *Table) ResetStats() {
	t.mu.Lock()
	t.directDups, t.floodDups = 0, 0
	t.mu.Unlock()
}
