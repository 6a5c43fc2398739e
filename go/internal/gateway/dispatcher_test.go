package gateway

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/vrsync/go/internal/journal"
	"github.com/mcdev12/vrsync/go/internal/protocol"
	"github.com/mcdev12/vrsync/go/internal/registry"
	"github.com/mcdev12/vrsync/go/internal/room"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConn struct {
	mu     sync.Mutex
	sent   []protocol.ServerMessage
	closed bool
}

func (m *mockConn) Send(msg protocol.ServerMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) messages() []protocol.ServerMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.ServerMessage(nil), m.sent...)
}

type dispatcherFixture struct {
	clock       *clockwork.FakeClock
	registry    *registry.Registry
	coordinator *room.Coordinator
	dispatcher  *Dispatcher
	ring        *journal.Ring
}

func newDispatcherFixture(t *testing.T, opts ...DispatcherOption) *dispatcherFixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	ring := journal.NewRing(50, clock)
	reg := registry.New(clock)
	coord := room.NewCoordinator(reg, room.WithClock(clock), room.WithRecorder(ring))

	opts = append([]DispatcherOption{WithDispatcherJournal(ring), WithRateLimit(RateLimitConfig{})}, opts...)
	return &dispatcherFixture{
		clock:       clock,
		registry:    reg,
		coordinator: coord,
		dispatcher:  NewDispatcher(reg, coord, clock, opts...),
		ring:        ring,
	}
}

func (f *dispatcherFixture) connect() (string, *mockConn) {
	conn := &mockConn{}
	return f.registry.Register(conn), conn
}

func TestDispatchHelloSendsWelcome(t *testing.T) {
	f := newDispatcherFixture(t)
	id, conn := f.connect()

	f.dispatcher.Dispatch(id, []byte(`{"type":"HELLO","payload":{"deviceId":"quest-01","version":"1.0.0","userAgent":"OculusBrowser"}}`))

	msgs := conn.messages()
	require.Len(t, msgs, 1)
	welcome, ok := msgs[0].(protocol.Welcome)
	require.True(t, ok, "expected WELCOME, got %T", msgs[0])
	assert.Equal(t, id, welcome.ConnectionID)
	assert.Equal(t, f.clock.Now().UnixMilli(), welcome.ServerEpochMs)
	assert.Equal(t, protocol.Version, welcome.ServerVersion)

	rec, ok := f.registry.Get(id)
	require.True(t, ok)
	assert.Equal(t, "quest-01", rec.DeviceID)
	assert.Equal(t, "OculusBrowser", rec.UserAgent)
}

func TestDispatchHelloCatchesUpLateJoiner(t *testing.T) {
	f := newDispatcherFixture(t)

	_, err := f.coordinator.Submit(protocol.Load{SceneID: "escena-2"})
	require.NoError(t, err)
	startEpoch := f.clock.Now().UnixMilli() + 3000
	_, err = f.coordinator.Submit(protocol.StartAt{EpochMs: startEpoch})
	require.NoError(t, err)

	id, conn := f.connect()
	f.dispatcher.Dispatch(id, []byte(`{"type":"HELLO","payload":{"deviceId":"quest-02"}}`))

	msgs := conn.messages()
	require.Len(t, msgs, 3)
	assert.IsType(t, protocol.Welcome{}, msgs[0])
	assert.Equal(t, protocol.CommandMessage{Command: protocol.Load{SceneID: "escena-2"}}, msgs[1])
	assert.Equal(t, protocol.CommandMessage{Command: protocol.StartAt{EpochMs: startEpoch}}, msgs[2])
}

func TestDispatchPingRepliesWithPong(t *testing.T) {
	f := newDispatcherFixture(t)
	id, conn := f.connect()

	sent := f.clock.Now().UnixMilli() - 40
	f.dispatcher.Dispatch(id, []byte(fmt.Sprintf(`{"type":"PING","payload":{"clientSendTime":%d}}`, sent)))

	msgs := conn.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.Pong{ServerTime: f.clock.Now().UnixMilli(), EchoedClientSendTime: sent}, msgs[0])

	rec, _ := f.registry.Get(id)
	assert.Equal(t, int64(40), rec.LatencyMs)
	assert.Equal(t, int64(20), rec.ClockOffsetMs)
}

func TestDispatchReadyAndState(t *testing.T) {
	f := newDispatcherFixture(t)
	id, conn := f.connect()

	f.dispatcher.Dispatch(id, []byte(`{"type":"READY","payload":{"sceneId":"escena-1"}}`))
	rec, _ := f.registry.Get(id)
	assert.Equal(t, registry.StatusReady, rec.Status)
	assert.Equal(t, "escena-1", rec.CurrentSceneID)

	f.dispatcher.Dispatch(id, []byte(`{"type":"STATE","payload":{"sceneId":"escena-1","currentTime":12.5,"playing":true}}`))
	rec, _ = f.registry.Get(id)
	assert.Equal(t, registry.StatusPlaying, rec.Status)
	assert.InDelta(t, 12.5, rec.CurrentTimeSec, 0.001)

	assert.Empty(t, conn.messages(), "READY and STATE get no reply")
}

func TestDispatchInvalidMessageRepliesWithError(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not json", data: `hello`},
		{name: "missing type", data: `{"payload":{}}`},
		{name: "zero send time", data: `{"type":"PING","payload":{"clientSendTime":0}}`},
		{name: "empty device id", data: `{"type":"HELLO","payload":{"deviceId":""}}`},
		{name: "battery out of range", data: `{"type":"HELLO","payload":{"deviceId":"q","battery":150}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDispatcherFixture(t)
			id, conn := f.connect()

			f.dispatcher.Dispatch(id, []byte(tt.data))

			msgs := conn.messages()
			require.Len(t, msgs, 1)
			assert.Equal(t, protocol.ErrorMessage{Message: protocol.InvalidMessageText}, msgs[0])

			entries := f.ring.Recent(10)
			require.NotEmpty(t, entries)
			last := entries[len(entries)-1]
			assert.Equal(t, journal.KindReject, last.Kind)
			assert.Equal(t, id, last.ConnectionID)
			assert.Equal(t, 1, f.registry.Count(), "a bad frame does not drop the connection")
		})
	}
}

func TestDispatchUnknownTypeIsIgnored(t *testing.T) {
	f := newDispatcherFixture(t)
	id, conn := f.connect()

	f.dispatcher.Dispatch(id, []byte(`{"type":"TELEMETRY","payload":{}}`))

	assert.Empty(t, conn.messages())
	assert.Equal(t, 1, f.registry.Count())
}

func TestDispatchTouchesOnAnyFrame(t *testing.T) {
	f := newDispatcherFixture(t)
	id, _ := f.connect()

	f.clock.Advance(20 * time.Second)
	f.dispatcher.Dispatch(id, []byte(`garbage`))

	rec, _ := f.registry.Get(id)
	assert.Equal(t, f.clock.Now(), rec.LastPingAt)
}

func TestDispatchUnknownConnection(t *testing.T) {
	f := newDispatcherFixture(t)

	assert.NotPanics(t, func() {
		f.dispatcher.Dispatch("missing", []byte(`{"type":"PING","payload":{"clientSendTime":1}}`))
	})
}

func TestDispatchRateLimit(t *testing.T) {
	f := newDispatcherFixture(t, WithRateLimit(RateLimitConfig{PerSecond: 1, Burst: 2}))
	id, conn := f.connect()

	hello := []byte(`{"type":"HELLO","payload":{"deviceId":"quest-01"}}`)
	for i := 0; i < 3; i++ {
		f.dispatcher.Dispatch(id, hello)
	}
	assert.Len(t, conn.messages(), 2, "third frame exceeds the burst")

	f.clock.Advance(time.Second)
	f.dispatcher.Dispatch(id, hello)
	assert.Len(t, conn.messages(), 3)
}

func TestDispatchRateLimitExemptsPing(t *testing.T) {
	f := newDispatcherFixture(t, WithRateLimit(RateLimitConfig{PerSecond: 1, Burst: 1}))
	id, conn := f.connect()

	f.dispatcher.Dispatch(id, []byte(`{"type":"READY","payload":{"sceneId":"escena-1"}}`))
	ping := []byte(fmt.Sprintf(`{"type":"PING","payload":{"clientSendTime":%d}}`, f.clock.Now().UnixMilli()))
	for i := 0; i < 5; i++ {
		f.dispatcher.Dispatch(id, ping)
	}

	msgs := conn.messages()
	require.Len(t, msgs, 5)
	for _, m := range msgs {
		assert.IsType(t, protocol.Pong{}, m)
	}
}

func TestDispatchOversizedFrameRepliesWithError(t *testing.T) {
	f := newDispatcherFixture(t, WithMaxMessageSize(64))
	id, conn := f.connect()

	frame := fmt.Sprintf(`{"type":"STATE","payload":{"sceneId":"%s","currentTime":1,"playing":true}}`, strings.Repeat("x", 64))
	f.dispatcher.Dispatch(id, []byte(frame))

	assert.Equal(t, []protocol.ServerMessage{protocol.ErrorMessage{Message: protocol.InvalidMessageText}}, conn.messages())
	entries := f.ring.Recent(10)
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, journal.KindReject, last.Kind)
	assert.Contains(t, last.Detail, protocol.ErrOversized.Error())

	rec, ok := f.registry.Get(id)
	require.True(t, ok, "an oversized frame does not drop the connection")
	assert.Equal(t, registry.StatusConnected, rec.Status, "the frame is not applied")

	f.dispatcher.Dispatch(id, []byte(`{"type":"READY","payload":{"sceneId":"escena-1"}}`))
	rec, _ = f.registry.Get(id)
	assert.Equal(t, registry.StatusReady, rec.Status)
}

func TestForgetReleasesLimiter(t *testing.T) {
	f := newDispatcherFixture(t, WithRateLimit(RateLimitConfig{PerSecond: 1, Burst: 1}))
	id, _ := f.connect()

	f.dispatcher.Dispatch(id, []byte(`{"type":"READY","payload":{"sceneId":"escena-1"}}`))
	f.dispatcher.mu.Lock()
	assert.Len(t, f.dispatcher.limiters, 1)
	f.dispatcher.mu.Unlock()

	f.dispatcher.Forget(id)
	f.dispatcher.mu.Lock()
	assert.Empty(t, f.dispatcher.limiters)
	f.dispatcher.mu.Unlock()
}
