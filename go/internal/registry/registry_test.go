package registry

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/vrsync/go/internal/clocksync"
	"github.com/mcdev12/vrsync/go/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConn struct {
	mu     sync.Mutex
	sent   []protocol.ServerMessage
	closed int
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
	m.closed++
	return nil
}

func (m *mockConn) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func newTestRegistry() (*Registry, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_000_000))
	return New(clock), clock
}

func TestRegister(t *testing.T) {
	reg, clock := newTestRegistry()

	id1 := reg.Register(&mockConn{})
	id2 := reg.Register(&mockConn{})

	assert.NotEmpty(t, id1)
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, 2, reg.Count())

	rec, ok := reg.Get(id1)
	require.True(t, ok)
	assert.Equal(t, StatusConnected, rec.Status)
	assert.Equal(t, clock.Now(), rec.ConnectedAt)
	assert.Equal(t, clock.Now(), rec.LastPingAt)
}

func TestUnregisterIsIdempotent(t *testing.T) {
	reg, _ := newTestRegistry()
	conn := &mockConn{}
	id := reg.Register(conn)

	rec, ok := reg.Unregister(id, ReasonClosed)
	require.True(t, ok)
	assert.Equal(t, StatusDisconnected, rec.Status)
	assert.Equal(t, 1, conn.closeCount())
	assert.Equal(t, 0, reg.Count())

	_, ok = reg.Unregister(id, ReasonTimeout)
	assert.False(t, ok)
	assert.Equal(t, 1, conn.closeCount(), "second unregister must not close again")
}

func TestApplyMessages(t *testing.T) {
	reg, clock := newTestRegistry()
	id := reg.Register(&mockConn{})
	battery := 42

	require.NoError(t, reg.ApplyHello(id, protocol.Hello{DeviceID: "dev1", Version: "1.0.0", UserAgent: "Quest 3", Battery: &battery}))
	require.NoError(t, reg.ApplyPing(id, clocksync.Sample{LatencyMs: 30, OffsetMs: -12}))

	clock.Advance(time.Second)
	require.NoError(t, reg.ApplyReady(id, protocol.Ready{SceneID: "intro"}))

	rec, _ := reg.Get(id)
	assert.Equal(t, "dev1", rec.DeviceID)
	assert.Equal(t, "Quest 3", rec.UserAgent)
	require.NotNil(t, rec.Battery)
	assert.Equal(t, 42, *rec.Battery)
	assert.Equal(t, int64(30), rec.LatencyMs)
	assert.Equal(t, int64(-12), rec.ClockOffsetMs)
	assert.Equal(t, StatusReady, rec.Status)
	assert.Equal(t, "intro", rec.CurrentSceneID)
	assert.Equal(t, clock.Now(), rec.LastStateAt)

	require.NoError(t, reg.ApplyState(id, protocol.State{SceneID: "intro", CurrentTime: 3.5, Playing: true}))
	rec, _ = reg.Get(id)
	assert.Equal(t, StatusPlaying, rec.Status)
	assert.Equal(t, 3.5, rec.CurrentTimeSec)

	require.NoError(t, reg.ApplyState(id, protocol.State{SceneID: "intro", CurrentTime: 4, Playing: false}))
	rec, _ = reg.Get(id)
	assert.Equal(t, StatusPaused, rec.Status)
}

func TestLastHelloWins(t *testing.T) {
	reg, _ := newTestRegistry()
	id := reg.Register(&mockConn{})

	require.NoError(t, reg.ApplyHello(id, protocol.Hello{DeviceID: "first"}))
	require.NoError(t, reg.ApplyHello(id, protocol.Hello{DeviceID: "second"}))

	rec, _ := reg.Get(id)
	assert.Equal(t, "second", rec.DeviceID)
}

func TestApplyUnknownConnection(t *testing.T) {
	reg, _ := newTestRegistry()

	assert.ErrorIs(t, reg.Touch("missing"), ErrNotFound)
	assert.ErrorIs(t, reg.ApplyReady("missing", protocol.Ready{SceneID: "x"}), ErrNotFound)
}

func TestSnapshotIsACopy(t *testing.T) {
	reg, clock := newTestRegistry()
	battery := 90

	first := reg.Register(&mockConn{})
	clock.Advance(time.Millisecond)
	second := reg.Register(&mockConn{})
	require.NoError(t, reg.ApplyHello(first, protocol.Hello{DeviceID: "a", Battery: &battery}))

	snap := reg.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, first, snap[0].ID)
	assert.Equal(t, second, snap[1].ID)

	*snap[0].Battery = 1
	snap[0].DeviceID = "mutated"

	rec, _ := reg.Get(first)
	assert.Equal(t, "a", rec.DeviceID)
	assert.Equal(t, 90, *rec.Battery)
}

func TestStale(t *testing.T) {
	reg, clock := newTestRegistry()

	quiet := reg.Register(&mockConn{})
	clock.Advance(45 * time.Second)
	active := reg.Register(&mockConn{})
	clock.Advance(20 * time.Second)
	require.NoError(t, reg.Touch(active))

	stale := reg.Stale(clock.Now().Add(-60 * time.Second))
	assert.Equal(t, []string{quiet}, stale)
}

func TestCountByStatus(t *testing.T) {
	reg, _ := newTestRegistry()
	a := reg.Register(&mockConn{})
	b := reg.Register(&mockConn{})
	reg.Register(&mockConn{})

	require.NoError(t, reg.ApplyReady(a, protocol.Ready{SceneID: "s"}))
	require.NoError(t, reg.ApplyState(b, protocol.State{SceneID: "s", Playing: true}))

	counts := reg.CountByStatus()
	assert.Equal(t, 1, counts[StatusReady])
	assert.Equal(t, 1, counts[StatusPlaying])
	assert.Equal(t, 1, counts[StatusConnected])
}

func TestRecordJSONUsesEpochMillis(t *testing.T) {
	reg, _ := newTestRegistry()
	id := reg.Register(&mockConn{})
	rec, _ := reg.Get(id)

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, float64(1_000_000), out["connectedAt"])
	assert.Equal(t, "connected", out["status"])
	assert.NotContains(t, out, "battery")
}

func TestConcurrentAccess(t *testing.T) {
	reg, _ := newTestRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := reg.Register(&mockConn{})
			_ = reg.Touch(id)
			_ = reg.ApplyState(id, protocol.State{SceneID: "s", Playing: true})
			_ = reg.Snapshot()
			reg.Unregister(id, ReasonClosed)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, reg.Count())
}

type recordingObserver struct {
	mu           sync.Mutex
	registered   []string
	unregistered map[string]Reason
}

func (o *recordingObserver) ConnectionRegistered(rec Record) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.registered = append(o.registered, rec.ID)
}

func (o *recordingObserver) ConnectionUnregistered(rec Record, reason Reason) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.unregistered == nil {
		o.unregistered = make(map[string]Reason)
	}
	o.unregistered[rec.ID] = reason
}

func TestObserverSeesMembershipChanges(t *testing.T) {
	obs := &recordingObserver{}
	reg := New(clockwork.NewFakeClock(), WithObserver(obs))

	id := reg.Register(&mockConn{})
	reg.Unregister(id, ReasonSendFailed)
	reg.Unregister(id, ReasonClosed)

	assert.Equal(t, []string{id}, obs.registered)
	assert.Equal(t, map[string]Reason{id: ReasonSendFailed}, obs.unregistered)
}
