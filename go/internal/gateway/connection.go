package gateway

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mcdev12/vrsync/go/internal/protocol"
	"github.com/mcdev12/vrsync/go/internal/registry"
	"github.com/rs/zerolog/log"
)

var (
	// ErrSendBufferFull is returned when a device is not draining its socket.
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrConnectionClosed is returned for sends after Close.
	ErrConnectionClosed = errors.New("connection closed")
)

// ConnectionConfig holds configuration for device WebSocket connections.
// Frames over MaxMessageSize get an ERROR reply; frames over ReadLimit close
// the socket.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int
	ReadLimit       int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	AllowedOrigins  []string
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     90 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  protocol.MaxMessageSize,
		ReadLimit:       64 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
	}
}

// checkOrigin allows every origin unless a list is configured.
func (c ConnectionConfig) checkOrigin(r *http.Request) bool {
	if len(c.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range c.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// Connection is one device socket. It satisfies registry.Conn.
type Connection struct {
	ID   string
	ws   *websocket.Conn
	send chan []byte
	cfg  ConnectionConfig

	mu     sync.Mutex
	closed bool
}

func newConnection(ws *websocket.Conn, cfg ConnectionConfig) *Connection {
	return &Connection{
		ws:   ws,
		send: make(chan []byte, cfg.SendBufferSize),
		cfg:  cfg,
	}
}

// Send encodes msg and queues it for the write pump without blocking.
func (c *Connection) Send(msg protocol.ServerMessage) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close stops the write pump, which sends a close frame and drops the socket.
// Safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.send)
	return nil
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump feeds every frame to the dispatcher until the socket fails.
func (c *Connection) readPump(d *Dispatcher, reg *registry.Registry) {
	defer func() {
		reg.Unregister(c.ID, registry.ReasonClosed)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(c.cfg.ReadLimit)
	c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			return
		}

		d.Dispatch(c.ID, message)
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	}
}

// ConnectionManager upgrades device requests and runs their pumps.
type ConnectionManager struct {
	registry   *registry.Registry
	dispatcher *Dispatcher
	upgrader   websocket.Upgrader
	config     ConnectionConfig
}

func NewConnectionManager(reg *registry.Registry, d *Dispatcher, config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		registry:   reg,
		dispatcher: d,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.checkOrigin,
		},
		config: config,
	}
}

// ServeHTTP upgrades the request and registers the device. The server waits
// for HELLO before sending WELCOME.
func (cm *ConnectionManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("failed to upgrade WebSocket connection")
		return
	}

	conn := newConnection(ws, cm.config)
	conn.ID = cm.registry.Register(conn)

	go conn.writePump()
	go conn.readPump(cm.dispatcher, cm.registry)

	log.Info().
		Str("connection_id", conn.ID).
		Str("remote_addr", r.RemoteAddr).
		Msg("WebSocket connection established")
}
