package devicesync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/vrsync/go/internal/clocksync"
	"github.com/mcdev12/vrsync/go/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer speaks the server side of the protocol for one connection.
type fakeServer struct {
	t        *testing.T
	upgrader websocket.Upgrader
	offsetMs int64

	mu       sync.Mutex
	received []protocol.ClientMessage
	auth     string
}

func (s *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.auth = r.Header.Get("Authorization")
	s.mu.Unlock()

	write := func(msg protocol.ServerMessage) {
		data, err := protocol.Encode(msg)
		assert.NoError(s.t, err)
		conn.WriteMessage(websocket.TextMessage, data)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.DecodeClient(data)
		if err != nil {
			write(protocol.ErrorMessage{Message: protocol.InvalidMessageText})
			continue
		}

		s.mu.Lock()
		s.received = append(s.received, msg)
		s.mu.Unlock()

		now := time.Now().UnixMilli() + s.offsetMs
		switch m := msg.(type) {
		case protocol.Hello:
			write(protocol.Welcome{ServerEpochMs: now, ConnectionID: "conn-1", ServerVersion: protocol.Version})
			write(protocol.CommandMessage{Command: protocol.Load{SceneID: "escena-1"}})
		case protocol.Ping:
			write(protocol.Pong{ServerTime: now, EchoedClientSendTime: m.ClientSendTime})
		}
	}
}

func (s *fakeServer) messages() []protocol.ClientMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.ClientMessage(nil), s.received...)
}

func (s *fakeServer) has(t protocol.MessageType) bool {
	for _, m := range s.messages() {
		if m.MessageType() == t {
			return true
		}
	}
	return false
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientHandshakeAndCommandFlow(t *testing.T) {
	fake := &fakeServer{t: t, offsetMs: 30_000}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	clock := clockwork.NewRealClock()
	est := clocksync.NewEstimator()
	client := NewClient(ClientConfig{
		URL:          wsURL(srv),
		DeviceID:     "quest-07",
		UserAgent:    "simulator",
		Token:        "secret-token",
		PingInterval: 20 * time.Millisecond,
	}, clock, est)
	player := NewSimulatedPlayer(clock)
	ctrl := NewController(DefaultConfig(), clock, player, est, client)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx, ctrl) }()

	assert.Eventually(t, func() bool { return fake.has(protocol.TypeReady) }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, ok := est.Last()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	msgs := fake.messages()
	require.NotEmpty(t, msgs)
	hello, ok := msgs[0].(protocol.Hello)
	require.True(t, ok, "HELLO is the first frame")
	assert.Equal(t, "quest-07", hello.DeviceID)
	assert.Equal(t, protocol.Version, hello.Version)

	assert.Equal(t, StateConnected, client.State())
	assert.Equal(t, "escena-1", player.SceneID())
	assert.InDelta(t, 30_000, est.Offset(), 1_000)

	fake.mu.Lock()
	assert.Equal(t, "Bearer secret-token", fake.auth)
	fake.mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop")
	}
	assert.Equal(t, StateDisconnected, client.State())
}

func TestClientSendWithoutConnection(t *testing.T) {
	client := NewClient(ClientConfig{URL: "ws://127.0.0.1:1/ws", DeviceID: "d"}, nil, nil)

	err := client.Send(protocol.Ready{SceneID: "escena-1"})

	assert.ErrorIs(t, err, ErrNotConnected)
}

type stateRecorder struct {
	mu     sync.Mutex
	states []ConnectionState
}

func (r *stateRecorder) HandleCommand(protocol.Command) error { return nil }

func (r *stateRecorder) HandleConnectionState(s ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func TestClientGivesUpAfterRetryBudget(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	client := NewClient(ClientConfig{
		URL:            url,
		DeviceID:       "quest-01",
		ConnectTimeout: 200 * time.Millisecond,
		Reconnect: ReconnectPolicy{
			InitialDelay: time.Millisecond,
			Interval:     time.Millisecond,
			Factor:       1,
			FastAttempts: 1,
			MaxAttempts:  2,
		},
	}, clockwork.NewRealClock(), nil)

	rec := &stateRecorder{}
	err := client.Run(context.Background(), rec)

	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, StateError, client.State())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Contains(t, rec.states, StateConnecting)
	assert.Contains(t, rec.states, StateError)
	assert.NotContains(t, rec.states, StateConnected)
}
