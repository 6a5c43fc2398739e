package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/vrsync/go/internal/clocksync"
	"github.com/mcdev12/vrsync/go/internal/protocol"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a connection id is not registered.
var ErrNotFound = errors.New("connection not found")

// Conn is the outbound side of a device socket.
type Conn interface {
	Send(msg protocol.ServerMessage) error
	Close() error
}

// Target pairs a live connection with its id for fan-out.
type Target struct {
	ID   string
	Conn Conn
}

// Reason explains why a connection left the registry.
type Reason string

const (
	ReasonClosed     Reason = "closed"
	ReasonSendFailed Reason = "send_failed"
	ReasonTimeout    Reason = "timeout"
	ReasonShutdown   Reason = "shutdown"
)

// Observer is told about registry membership changes. Calls happen outside
// the registry lock.
type Observer interface {
	ConnectionRegistered(rec Record)
	ConnectionUnregistered(rec Record, reason Reason)
}

// Option configures a Registry.
type Option func(*Registry)

// WithObserver attaches an observer for register/unregister events.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		r.observer = o
	}
}

type entry struct {
	conn   Conn
	record Record
}

// Registry maps connection ids to their records. All record mutation happens
// under mu; callers only ever see copies.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	clock    clockwork.Clock
	observer Observer
}

func New(clock clockwork.Clock, opts ...Option) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	r := &Registry{
		entries: make(map[string]*entry),
		clock:   clock,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a connection and returns its freshly generated id.
func (r *Registry) Register(conn Conn) string {
	id := uuid.New().String()
	now := r.clock.Now()

	rec := Record{
		ID:          id,
		Status:      StatusConnected,
		ConnectedAt: now,
		LastPingAt:  now,
		LastStateAt: now,
	}

	r.mu.Lock()
	r.entries[id] = &entry{conn: conn, record: rec}
	total := len(r.entries)
	r.mu.Unlock()

	log.Debug().Str("connection_id", id).Int("total_connections", total).Msg("connection registered")
	if r.observer != nil {
		r.observer.ConnectionRegistered(rec)
	}
	return id
}

// Touch records inbound activity for liveness.
func (r *Registry) Touch(id string) error {
	return r.update(id, func(rec *Record, now time.Time) {
		rec.LastPingAt = now
	})
}

// ApplyHello stores the device identity. A repeated HELLO overwrites it.
func (r *Registry) ApplyHello(id string, m protocol.Hello) error {
	return r.update(id, func(rec *Record, _ time.Time) {
		rec.DeviceID = m.DeviceID
		rec.Version = m.Version
		if m.UserAgent != "" {
			rec.UserAgent = m.UserAgent
		}
		if m.Battery != nil {
			b := *m.Battery
			rec.Battery = &b
		}
	})
}

// ApplyPing replaces the latency and offset estimates with the newest sample.
func (r *Registry) ApplyPing(id string, s clocksync.Sample) error {
	return r.update(id, func(rec *Record, _ time.Time) {
		rec.LatencyMs = s.LatencyMs
		rec.ClockOffsetMs = s.OffsetMs
	})
}

// ApplyReady marks the device ready on the given scene.
func (r *Registry) ApplyReady(id string, m protocol.Ready) error {
	return r.update(id, func(rec *Record, now time.Time) {
		rec.CurrentSceneID = m.SceneID
		rec.Status = StatusReady
		rec.LastStateAt = now
	})
}

// ApplyState records a playback report.
func (r *Registry) ApplyState(id string, m protocol.State) error {
	return r.update(id, func(rec *Record, now time.Time) {
		rec.CurrentSceneID = m.SceneID
		rec.CurrentTimeSec = m.CurrentTime
		if m.Playing {
			rec.Status = StatusPlaying
		} else {
			rec.Status = StatusPaused
		}
		if m.Buffered != nil {
			b := *m.Buffered
			rec.Buffered = &b
		}
		rec.LastStateAt = now
	})
}

func (r *Registry) update(id string, fn func(rec *Record, now time.Time)) error {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return ErrNotFound
	}
	fn(&e.record, now)
	return nil
}

// Unregister removes the connection and closes its socket. It returns the
// final record marked disconnected, or false if the id was already gone.
func (r *Registry) Unregister(id string, reason Reason) (Record, bool) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	total := len(r.entries)
	r.mu.Unlock()

	if !ok {
		return Record{}, false
	}

	if err := e.conn.Close(); err != nil {
		log.Debug().Err(err).Str("connection_id", id).Msg("close on unregister")
	}

	rec := e.record.clone()
	rec.Status = StatusDisconnected

	log.Debug().
		Str("connection_id", id).
		Str("reason", string(reason)).
		Int("total_connections", total).
		Msg("connection unregistered")
	if r.observer != nil {
		r.observer.ConnectionUnregistered(rec, reason)
	}
	return rec, true
}

// Get returns a copy of one record.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Record{}, false
	}
	return e.record.clone(), true
}

// Snapshot copies every record, ordered by connect time.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.record.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Connections returns the live sockets for broadcasting. The lock is not held
// while callers send.
func (r *Registry) Connections() []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Target, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, Target{ID: id, Conn: e.conn})
	}
	return out
}

// Conn returns the socket registered under id.
func (r *Registry) Conn(id string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CountByStatus tallies records per playback status.
func (r *Registry) CountByStatus() map[PlaybackStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[PlaybackStatus]int, len(Statuses))
	for _, e := range r.entries {
		counts[e.record.Status]++
	}
	return counts
}

// Stale lists connections whose last inbound message is older than cutoff.
func (r *Registry) Stale(cutoff time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, e := range r.entries {
		if e.record.LastPingAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}
