package journal

import (
	"sync"

	"github.com/jonboulle/clockwork"
)

// DefaultCapacity bounds the in-memory journal.
const DefaultCapacity = 500

// Ring keeps the most recent entries in a fixed-size buffer.
type Ring struct {
	mu    sync.RWMutex
	buf   []Entry
	next  int
	full  bool
	seq   uint64
	clock clockwork.Clock
}

func NewRing(capacity int, clock clockwork.Clock) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Ring{
		buf:   make([]Entry, capacity),
		clock: clock,
	}
}

// Record stores e, overwriting the oldest entry once the ring is full.
func (r *Ring) Record(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	e.Seq = r.seq
	if e.At.IsZero() {
		e.At = r.clock.Now()
	}

	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// Recent returns up to limit entries, oldest first. A non-positive limit
// returns everything retained.
func (r *Ring) Recent(limit int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := r.next
	if r.full {
		size = len(r.buf)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]Entry, 0, limit)
	start := (r.next - limit + len(r.buf)) % len(r.buf)
	for i := 0; i < limit; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// Len reports how many entries are retained.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}
