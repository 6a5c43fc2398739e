package heartbeat

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/vrsync/go/internal/metrics"
	"github.com/mcdev12/vrsync/go/internal/registry"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  60 * time.Second,
	}
}

// Supervisor evicts connections that have been silent longer than Timeout.
type Supervisor struct {
	registry *registry.Registry
	clock    clockwork.Clock
	cfg      Config
	metrics  metrics.Collector
}

func NewSupervisor(reg *registry.Registry, clock clockwork.Clock, cfg Config, m metrics.Collector) *Supervisor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if m == nil {
		m = metrics.NoOpCollector{}
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Supervisor{
		registry: reg,
		clock:    clock,
		cfg:      cfg,
		metrics:  m,
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	log.Info().
		Dur("interval", s.cfg.Interval).
		Dur("timeout", s.cfg.Timeout).
		Msg("heartbeat supervisor started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("heartbeat supervisor stopped")
			return
		case <-ticker.Chan():
			s.Sweep()
		}
	}
}

// Sweep unregisters every stale connection and returns the evicted ids.
func (s *Supervisor) Sweep() []string {
	cutoff := s.clock.Now().Add(-s.cfg.Timeout)
	stale := s.registry.Stale(cutoff)

	evicted := make([]string, 0, len(stale))
	for _, id := range stale {
		rec, ok := s.registry.Unregister(id, registry.ReasonTimeout)
		if !ok {
			continue
		}
		log.Warn().
			Str("connection_id", id).
			Str("device_id", rec.DeviceID).
			Dur("silent_for", s.clock.Since(rec.LastPingAt)).
			Msg("evicting unresponsive connection")
		evicted = append(evicted, id)
	}

	if len(evicted) > 0 {
		s.metrics.ConnectionsEvicted(len(evicted))
	}
	return evicted
}
