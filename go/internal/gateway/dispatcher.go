package gateway

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/vrsync/go/internal/clocksync"
	"github.com/mcdev12/vrsync/go/internal/journal"
	"github.com/mcdev12/vrsync/go/internal/metrics"
	"github.com/mcdev12/vrsync/go/internal/protocol"
	"github.com/mcdev12/vrsync/go/internal/registry"
	"github.com/mcdev12/vrsync/go/internal/room"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// RateLimitConfig bounds inbound frames per connection. Zero PerSecond
// disables limiting.
type RateLimitConfig struct {
	PerSecond float64
	Burst     int
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{PerSecond: 20, Burst: 40}
}

// Dispatcher routes decoded device frames to the registry, the clock engine
// and the coordinator.
type Dispatcher struct {
	registry    *registry.Registry
	coordinator *room.Coordinator
	engine      *clocksync.Engine
	clock       clockwork.Clock
	metrics     metrics.Collector
	journal     journal.Recorder
	limits      RateLimitConfig
	maxSize     int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

type DispatcherOption func(*Dispatcher)

func WithDispatcherMetrics(m metrics.Collector) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithDispatcherJournal(r journal.Recorder) DispatcherOption {
	return func(d *Dispatcher) { d.journal = r }
}

func WithRateLimit(cfg RateLimitConfig) DispatcherOption {
	return func(d *Dispatcher) { d.limits = cfg }
}

// WithMaxMessageSize overrides protocol.MaxMessageSize. Non-positive values
// keep the default.
func WithMaxMessageSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxSize = n
		}
	}
}

func NewDispatcher(reg *registry.Registry, coord *room.Coordinator, clock clockwork.Clock, opts ...DispatcherOption) *Dispatcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	d := &Dispatcher{
		registry:    reg,
		coordinator: coord,
		engine:      clocksync.NewEngine(clock),
		clock:       clock,
		metrics:     metrics.NoOpCollector{},
		journal:     journal.Nop{},
		maxSize:     protocol.MaxMessageSize,
		limiters:    make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch handles one inbound frame from connection id. Any frame, valid or
// not, counts as a sign of life.
func (d *Dispatcher) Dispatch(id string, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("connection_id", id).
				Interface("panic", r).
				Msg("recovered from panic while handling message")
		}
	}()

	if err := d.registry.Touch(id); err != nil {
		return
	}

	if len(data) > d.maxSize {
		if d.allow(id) {
			d.reject(id, fmt.Errorf("%w: %d bytes", protocol.ErrOversized, len(data)))
		}
		return
	}

	msg, err := protocol.DecodeClient(data)

	// PING is exempt so clock sampling survives a burst.
	if _, isPing := msg.(protocol.Ping); !isPing && !d.allow(id) {
		d.metrics.MessageRejected("rate_limited")
		log.Warn().Str("connection_id", id).Msg("dropping message over rate limit")
		return
	}

	switch {
	case errors.Is(err, protocol.ErrUnknownType):
		d.metrics.MessageRejected("unknown_type")
		log.Warn().Err(err).Str("connection_id", id).Msg("ignoring unknown message type")
		return
	case err != nil:
		d.reject(id, err)
		return
	}

	d.metrics.MessageReceived(string(msg.MessageType()))

	if err := d.route(id, msg); err != nil && !errors.Is(err, registry.ErrNotFound) {
		log.Error().
			Err(err).
			Str("connection_id", id).
			Str("message_type", string(msg.MessageType())).
			Msg("failed to handle message")
	}
}

func (d *Dispatcher) route(id string, msg protocol.ClientMessage) error {
	switch m := msg.(type) {
	case protocol.Hello:
		return d.handleHello(id, m)
	case protocol.Ping:
		return d.handlePing(id, m)
	case protocol.Ready:
		if err := d.registry.ApplyReady(id, m); err != nil {
			return err
		}
		log.Info().Str("connection_id", id).Str("scene_id", m.SceneID).Msg("device ready")
		return nil
	case protocol.State:
		return d.registry.ApplyState(id, m)
	default:
		return fmt.Errorf("%w: %T", protocol.ErrUnknownType, msg)
	}
}

func (d *Dispatcher) handleHello(id string, m protocol.Hello) error {
	if err := d.registry.ApplyHello(id, m); err != nil {
		return err
	}

	log.Info().
		Str("connection_id", id).
		Str("device_id", m.DeviceID).
		Str("version", m.Version).
		Msg("device said hello")

	welcome := protocol.Welcome{
		ServerEpochMs: d.engine.Now(),
		ConnectionID:  id,
		ServerVersion: protocol.Version,
	}
	if err := d.reply(id, welcome); err != nil {
		return err
	}

	// Bring a late joiner up to the room's current scene and timeline.
	for _, cmd := range d.coordinator.CatchUpCommands() {
		if err := d.reply(id, protocol.CommandMessage{Command: cmd}); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) handlePing(id string, m protocol.Ping) error {
	pong, sample := d.engine.HandlePing(m)
	if err := d.registry.ApplyPing(id, sample); err != nil {
		return err
	}
	d.metrics.ClockSample(sample.LatencyMs, sample.OffsetMs)
	if sample.Suspect {
		log.Warn().
			Str("connection_id", id).
			Int64("latency_ms", sample.LatencyMs).
			Msg("clock sample latency out of range")
	}
	return d.reply(id, pong)
}

func (d *Dispatcher) reject(id string, cause error) {
	d.metrics.MessageRejected("invalid")
	log.Warn().Err(cause).Str("connection_id", id).Msg("rejecting invalid message")

	rec, _ := d.registry.Get(id)
	d.journal.Record(journal.Entry{
		At:           d.clock.Now(),
		Kind:         journal.KindReject,
		ConnectionID: id,
		DeviceID:     rec.DeviceID,
		Detail:       cause.Error(),
	})

	if err := d.reply(id, protocol.ErrorMessage{Message: protocol.InvalidMessageText}); err != nil {
		log.Debug().Err(err).Str("connection_id", id).Msg("could not deliver error reply")
	}
}

func (d *Dispatcher) reply(id string, msg protocol.ServerMessage) error {
	conn, ok := d.registry.Conn(id)
	if !ok {
		return registry.ErrNotFound
	}
	if err := conn.Send(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.MessageType(), err)
	}
	return nil
}

func (d *Dispatcher) allow(id string) bool {
	if d.limits.PerSecond <= 0 {
		return true
	}

	d.mu.Lock()
	l, ok := d.limiters[id]
	if !ok {
		burst := d.limits.Burst
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(d.limits.PerSecond), burst)
		d.limiters[id] = l
	}
	d.mu.Unlock()

	return l.AllowN(d.clock.Now(), 1)
}

// Forget drops per-connection state once a connection is gone.
func (d *Dispatcher) Forget(id string) {
	d.mu.Lock()
	delete(d.limiters, id)
	d.mu.Unlock()
}
