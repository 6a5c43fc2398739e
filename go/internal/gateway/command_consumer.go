package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mcdev12/vrsync/go/internal/protocol"
	"github.com/mcdev12/vrsync/go/internal/room"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// JetStreamConsumerConfig holds configuration for the JetStream command consumer
type JetStreamConsumerConfig struct {
	URL           string
	StreamName    string
	ConsumerName  string
	SubjectFilter string        // e.g., "vrsync.commands.>"
	MaxDeliver    int           // Max delivery attempts
	AckWait       time.Duration // How long to wait for ack
	MaxAckPending int           // Max messages pending ack
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultJetStreamConsumerConfig returns default JetStream consumer configuration
func DefaultJetStreamConsumerConfig() JetStreamConsumerConfig {
	return JetStreamConsumerConfig{
		URL:           nats.DefaultURL,
		StreamName:    "VRSYNC_COMMANDS",
		ConsumerName:  "vrsync-server",
		SubjectFilter: "vrsync.commands.>",
		MaxDeliver:    3,
		AckWait:       10 * time.Second,
		MaxAckPending: 100,
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// CommandConsumer feeds operator commands published on JetStream into the
// coordinator, so automation can drive the tour without the dashboard.
type CommandConsumer struct {
	coordinator *room.Coordinator
	nc          *nats.Conn
	js          jetstream.JetStream
	consumer    jetstream.Consumer
	config      JetStreamConsumerConfig
}

// NewCommandConsumer connects to NATS and ensures the stream and durable
// consumer exist.
func NewCommandConsumer(ctx context.Context, coord *room.Coordinator, config JetStreamConsumerConfig) (*CommandConsumer, error) {
	opts := []nats.Option{
		nats.Name("vrsync-server"),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	cc := &CommandConsumer{
		coordinator: coord,
		nc:          nc,
		js:          js,
		config:      config,
	}

	if err := cc.ensureConsumer(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure consumer: %w", err)
	}

	return cc, nil
}

func (cc *CommandConsumer) ensureConsumer(ctx context.Context) error {
	stream, err := cc.js.Stream(ctx, cc.config.StreamName)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		stream, err = cc.js.CreateStream(ctx, jetstream.StreamConfig{
			Name:      cc.config.StreamName,
			Subjects:  []string{cc.config.SubjectFilter},
			Retention: jetstream.WorkQueuePolicy,
			MaxAge:    time.Hour,
		})
		if err == nil {
			log.Info().Str("stream", cc.config.StreamName).Msg("created JetStream stream")
		}
	}
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          cc.config.ConsumerName,
		Durable:       cc.config.ConsumerName,
		Description:   "vrsync operator command intake",
		FilterSubject: cc.config.SubjectFilter,
		// Commands are time-sensitive; never replay old ones after a restart.
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    cc.config.MaxDeliver,
		AckWait:       cc.config.AckWait,
		MaxAckPending: cc.config.MaxAckPending,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	log.Info().
		Str("consumer", cc.config.ConsumerName).
		Str("stream", cc.config.StreamName).
		Msg("JetStream command consumer ready")
	cc.consumer = consumer
	return nil
}

// Start consumes commands until ctx is cancelled.
func (cc *CommandConsumer) Start(ctx context.Context) error {
	log.Info().
		Str("consumer", cc.config.ConsumerName).
		Str("subject", cc.config.SubjectFilter).
		Msg("starting JetStream command consumer")

	messageCh := make(chan jetstream.Msg, 100)
	consumeCtx, err := cc.consumer.Consume(func(msg jetstream.Msg) {
		select {
		case messageCh <- msg:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumeCtx.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("command consumer shutting down")
			return nil
		case msg := <-messageCh:
			cc.handle(msg)
		}
	}
}

func (cc *CommandConsumer) handle(msg jetstream.Msg) {
	err := processCommandMessage(cc.coordinator, msg.Data())
	switch {
	case err == nil:
		if ackErr := msg.Ack(); ackErr != nil {
			log.Error().Err(ackErr).Msg("failed to ACK message")
		}
	case isRequestError(err):
		// Redelivery cannot fix a bad command.
		log.Warn().Err(err).Str("subject", msg.Subject()).Msg("discarding invalid command")
		if termErr := msg.Term(); termErr != nil {
			log.Error().Err(termErr).Msg("failed to TERM message")
		}
	default:
		log.Error().Err(err).Str("subject", msg.Subject()).Msg("failed to process command")
		if nakErr := msg.Nak(); nakErr != nil {
			log.Error().Err(nakErr).Msg("failed to NAK message")
		}
	}
}

// processCommandMessage decodes one bus payload and submits it.
func processCommandMessage(coord *room.Coordinator, data []byte) error {
	var req CommandRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrInvalid, err)
	}
	resp, err := submit(coord, req)
	if err != nil {
		return err
	}
	log.Info().
		Str("command_type", string(resp.Command)).
		Int("attempted", resp.Broadcast.Attempted).
		Msg("command received from message bus")
	return nil
}

// Stop closes the NATS connection.
func (cc *CommandConsumer) Stop() error {
	log.Info().Msg("stopping command consumer")
	if cc.nc != nil {
		cc.nc.Drain()
	}
	return nil
}
