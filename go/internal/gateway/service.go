package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/vrsync/go/internal/heartbeat"
	"github.com/mcdev12/vrsync/go/internal/journal"
	"github.com/mcdev12/vrsync/go/internal/metrics"
	"github.com/mcdev12/vrsync/go/internal/registry"
	"github.com/mcdev12/vrsync/go/internal/room"
	"github.com/mcdev12/vrsync/go/internal/scenes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Config holds configuration for the sync gateway service
type Config struct {
	Connection      ConnectionConfig
	RateLimit       RateLimitConfig
	Heartbeat       heartbeat.Config
	Timing          DeviceTiming
	StartDelay      time.Duration
	JournalCapacity int
	// JetStream enables the message-bus command intake when set.
	JetStream *JetStreamConsumerConfig
}

// DefaultConfig returns default configuration for the sync gateway
func DefaultConfig() Config {
	return Config{
		Connection:      DefaultConnectionConfig(),
		RateLimit:       DefaultRateLimitConfig(),
		Heartbeat:       heartbeat.DefaultConfig(),
		Timing:          DefaultDeviceTiming(),
		StartDelay:      room.DefaultStartDelay,
		JournalCapacity: journal.DefaultCapacity,
	}
}

type ServiceOption func(*Service)

func WithServiceClock(clock clockwork.Clock) ServiceOption {
	return func(s *Service) { s.clock = clock }
}

// WithCatalog enables LOAD validation and the /api/scenes listing.
func WithCatalog(c *scenes.Catalog) ServiceOption {
	return func(s *Service) { s.catalog = c }
}

// WithPrometheus records metrics into reg and serves them on /metrics.
func WithPrometheus(reg *prometheus.Registry) ServiceOption {
	return func(s *Service) {
		pc := metrics.NewPrometheusCollector(reg)
		s.metrics = pc
		s.metricsHandler = pc.Handler()
	}
}

// WithJournalSink adds a durable recorder next to the in-memory ring.
func WithJournalSink(r journal.Recorder) ServiceOption {
	return func(s *Service) { s.sinks = append(s.sinks, r) }
}

// WithJournalStore serves persisted entries on /api/journal?source=db.
func WithJournalStore(store JournalStore) ServiceOption {
	return func(s *Service) { s.store = store }
}

func WithAuthenticator(a *Authenticator) ServiceOption {
	return func(s *Service) { s.auth = a }
}

// Service is the sync server: device sockets, the room, the liveness sweep
// and every operator intake.
type Service struct {
	cfg            Config
	clock          clockwork.Clock
	catalog        *scenes.Catalog
	metrics        metrics.Collector
	metricsHandler http.Handler
	sinks          []journal.Recorder
	store          JournalStore
	auth           *Authenticator

	ring        *journal.Ring
	registry    *registry.Registry
	coordinator *room.Coordinator
	dispatcher  *Dispatcher
	supervisor  *heartbeat.Supervisor
	connections *ConnectionManager
	api         *APIHandler
	control     *ControlService
	consumer    *CommandConsumer
}

// NewService wires the sync core together.
func NewService(cfg Config, opts ...ServiceOption) *Service {
	s := &Service{
		cfg:     cfg,
		clock:   clockwork.NewRealClock(),
		metrics: metrics.NoOpCollector{},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.ring = journal.NewRing(cfg.JournalCapacity, s.clock)
	recorder := journal.Tee(append([]journal.Recorder{s.ring}, s.sinks...))

	observer := &lifecycleObserver{clock: s.clock, journal: recorder, metrics: s.metrics}
	s.registry = registry.New(s.clock, registry.WithObserver(observer))

	coordOpts := []room.Option{
		room.WithClock(s.clock),
		room.WithRecorder(recorder),
		room.WithMetrics(s.metrics),
		room.WithDefaultStartDelay(cfg.StartDelay),
	}
	if s.catalog != nil {
		coordOpts = append(coordOpts, room.WithScenes(s.catalog))
	}
	s.coordinator = room.NewCoordinator(s.registry, coordOpts...)

	s.dispatcher = NewDispatcher(s.registry, s.coordinator, s.clock,
		WithDispatcherMetrics(s.metrics),
		WithDispatcherJournal(recorder),
		WithRateLimit(cfg.RateLimit),
		WithMaxMessageSize(cfg.Connection.MaxMessageSize),
	)
	observer.dispatcher = s.dispatcher

	s.supervisor = heartbeat.NewSupervisor(s.registry, s.clock, cfg.Heartbeat, s.metrics)
	s.connections = NewConnectionManager(s.registry, s.dispatcher, cfg.Connection)
	s.api = NewAPIHandler(s.coordinator, s.registry, s.catalog, s.ring, s.auth, s.clock, cfg.Timing)
	s.api.store = s.store
	s.control = NewControlService(s.coordinator, s.auth)
	return s
}

func (s *Service) Coordinator() *room.Coordinator { return s.coordinator }

func (s *Service) Registry() *registry.Registry { return s.registry }

// Handler returns the HTTP surface: /ws, /api/*, /metrics and the RPC service.
func (s *Service) Handler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/ws", s.connections)
	s.api.RegisterRoutes(r)
	if s.metricsHandler != nil {
		r.Handle("/metrics", s.metricsHandler).Methods(http.MethodGet)
	}
	path, rpc := s.control.Handler()
	r.PathPrefix(path).Handler(rpc)
	return r
}

// Start runs the background loops until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting sync gateway service")

	if s.cfg.JetStream != nil {
		consumer, err := NewCommandConsumer(ctx, s.coordinator, *s.cfg.JetStream)
		if err != nil {
			return fmt.Errorf("failed to create command consumer: %w", err)
		}
		s.consumer = consumer
		go func() {
			if err := consumer.Start(ctx); err != nil {
				log.Error().Err(err).Msg("command consumer failed")
			}
		}()
	}

	go s.supervisor.Run(ctx)

	<-ctx.Done()
	log.Info().Msg("sync gateway service shutting down")
	return s.Stop()
}

// Stop closes every device connection and the message-bus intake.
func (s *Service) Stop() error {
	if s.consumer != nil {
		if err := s.consumer.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop command consumer")
		}
	}

	closed := 0
	for _, t := range s.registry.Connections() {
		if _, ok := s.registry.Unregister(t.ID, registry.ReasonShutdown); ok {
			closed++
		}
	}
	log.Info().Int("connections_closed", closed).Msg("sync gateway service stopped")
	return nil
}
