package devicesync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/vrsync/go/internal/clocksync"
	"github.com/mcdev12/vrsync/go/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
)

// ConnectionState is the device's view of its server link.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateError        ConnectionState = "error"
)

// Handler receives what the client reads off the wire.
type Handler interface {
	HandleCommand(cmd protocol.Command) error
	HandleConnectionState(state ConnectionState)
}

// ClientConfig describes how a device reaches the sync server.
type ClientConfig struct {
	URL       string
	DeviceID  string
	UserAgent string
	Battery   *int

	// Token, when set, is sent as a bearer credential on the upgrade request.
	Token string

	PingInterval    time.Duration
	ConnectTimeout  time.Duration
	WriteTimeout    time.Duration
	SendBufferSize  int
	Reconnect       ReconnectPolicy
	SlowRoundTrip   time.Duration
	LargeOffsetWarn time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = protocol.PingIntervalMs * time.Millisecond
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = 256
	}
	if c.Reconnect == (ReconnectPolicy{}) {
		c.Reconnect = DefaultReconnectPolicy()
	}
	if c.SlowRoundTrip <= 0 {
		c.SlowRoundTrip = time.Second
	}
	if c.LargeOffsetWarn <= 0 {
		c.LargeOffsetWarn = protocol.MaxLatencyMs * time.Millisecond
	}
	return c
}

// Client keeps one device connected to the server, reconnecting with
// backoff, and feeds clock samples into the estimator.
type Client struct {
	cfg       ClientConfig
	clock     clockwork.Clock
	estimator *clocksync.Estimator
	dialer    *websocket.Dialer

	mu       sync.Mutex
	send     chan []byte
	state    ConnectionState
	attempts int
}

func NewClient(cfg ClientConfig, clock clockwork.Clock, est *clocksync.Estimator) *Client {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if est == nil {
		est = clocksync.NewEstimator()
	}
	cfg = cfg.withDefaults()
	return &Client{
		cfg:       cfg,
		clock:     clock,
		estimator: est,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		state: StateDisconnected,
	}
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send queues msg on the live connection.
func (c *Client) Send(msg protocol.ClientMessage) error {
	data, err := protocol.EncodeClient(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.send == nil {
		return ErrNotConnected
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Run connects and stays connected until ctx is cancelled or the retry
// budget is spent.
func (c *Client) Run(ctx context.Context, h Handler) error {
	for {
		err := c.session(ctx, h)
		if ctx.Err() != nil {
			c.setState(h, StateDisconnected)
			return nil
		}
		if err != nil {
			log.Warn().Err(err).Str("url", c.cfg.URL).Msg("connection lost")
			c.setState(h, StateError)
		} else {
			c.setState(h, StateDisconnected)
		}

		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		if c.cfg.Reconnect.Exhausted(attempt) {
			log.Error().Int("attempts", attempt-1).Msg("giving up on reconnect")
			return ErrRetriesExhausted
		}

		delay := c.cfg.Reconnect.Delay(attempt)
		log.Info().
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-c.clock.After(delay):
		}
	}
}

func (c *Client) setState(h Handler, state ConnectionState) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	c.mu.Unlock()

	if changed && h != nil {
		h.HandleConnectionState(state)
	}
}

func (c *Client) session(ctx context.Context, h Handler) error {
	c.setState(h, StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, _, err := c.dialer.DialContext(dialCtx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	defer conn.Close()

	send := make(chan []byte, c.cfg.SendBufferSize)
	c.mu.Lock()
	c.attempts = 0
	c.send = send
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.send = nil
		c.mu.Unlock()
	}()

	c.estimator.Reset()
	c.setState(h, StateConnected)
	log.Info().Str("url", c.cfg.URL).Str("device_id", c.cfg.DeviceID).Msg("connected to sync server")

	hello := protocol.Hello{
		DeviceID:  c.cfg.DeviceID,
		Version:   protocol.Version,
		UserAgent: c.cfg.UserAgent,
		Battery:   c.cfg.Battery,
	}
	if err := c.Send(hello); err != nil {
		return err
	}

	sessCtx, stop := context.WithCancel(ctx)
	defer stop()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		c.writePump(sessCtx, conn, send)
	}()

	// Unblock ReadMessage when the caller goes away.
	go func() {
		<-sessCtx.Done()
		conn.Close()
	}()

	err = c.readPump(conn, h)
	stop()
	<-writeDone
	return err
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte) {
	ticker := c.clock.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	write := func(data []byte) error {
		conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	for {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-send:
			if err := write(data); err != nil {
				log.Debug().Err(err).Msg("write failed")
				conn.Close()
				return
			}
		case <-ticker.Chan():
			data, err := protocol.EncodeClient(protocol.Ping{ClientSendTime: c.clock.Now().UnixMilli()})
			if err != nil {
				continue
			}
			if err := write(data); err != nil {
				log.Debug().Err(err).Msg("ping failed")
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) readPump(conn *websocket.Conn, h Handler) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		msg, err := protocol.DecodeServer(data)
		if err != nil {
			log.Warn().Err(err).Msg("dropping undecodable server message")
			continue
		}
		c.handle(msg, h)
	}
}

func (c *Client) handle(msg protocol.ServerMessage, h Handler) {
	now := c.clock.Now().UnixMilli()

	switch m := msg.(type) {
	case protocol.Welcome:
		c.estimator.Seed(m.ServerEpochMs, now)
		log.Info().
			Str("connection_id", m.ConnectionID).
			Str("server_version", m.ServerVersion).
			Int64("offset_ms", c.estimator.Offset()).
			Msg("welcome received")
	case protocol.Pong:
		sample := c.estimator.Observe(m, now)
		if sample.RoundTripMs > c.cfg.SlowRoundTrip.Milliseconds() {
			log.Warn().Int64("rtt_ms", sample.RoundTripMs).Msg("high round trip time")
		}
		if abs64(sample.OffsetMs) > c.cfg.LargeOffsetWarn.Milliseconds() {
			log.Warn().Int64("offset_ms", sample.OffsetMs).Msg("large clock offset")
		}
	case protocol.CommandMessage:
		if h == nil {
			return
		}
		if err := h.HandleCommand(m.Command); err != nil {
			log.Warn().
				Err(err).
				Str("command", string(m.Command.CommandType())).
				Msg("command not applied")
		}
	case protocol.ErrorMessage:
		log.Warn().Str("message", m.Message).Msg("server rejected a message")
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
