package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mcdev12/vrsync/go/internal/protocol"
	"github.com/mcdev12/vrsync/go/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialDevice(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readServerMessage(t *testing.T, ws *websocket.Conn) protocol.ServerMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.DecodeServer(data)
	require.NoError(t, err)
	return msg
}

func TestWebSocketSession(t *testing.T) {
	svc, clock := newTestService(t)
	server := httptest.NewServer(svc.Handler())
	t.Cleanup(server.Close)

	ws := dialDevice(t, server)
	require.Eventually(t, func() bool { return svc.Registry().Count() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"HELLO","payload":{"deviceId":"quest-07","battery":64}}`)))
	welcome, ok := readServerMessage(t, ws).(protocol.Welcome)
	require.True(t, ok)
	assert.Equal(t, clock.Now().UnixMilli(), welcome.ServerEpochMs)

	sent := clock.Now().UnixMilli() - 30
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(`{"type":"PING","payload":{"clientSendTime":%d}}`, sent))))
	pong, ok := readServerMessage(t, ws).(protocol.Pong)
	require.True(t, ok)
	assert.Equal(t, sent, pong.EchoedClientSendTime)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"PING"`)))
	assert.Equal(t, protocol.ErrorMessage{Message: protocol.InvalidMessageText}, readServerMessage(t, ws))

	_, err := svc.Coordinator().Submit(protocol.Load{SceneID: "escena-1"})
	require.NoError(t, err)
	assert.Equal(t, protocol.CommandMessage{Command: protocol.Load{SceneID: "escena-1"}}, readServerMessage(t, ws))

	records := svc.Registry().Snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, "quest-07", records[0].DeviceID)
	assert.Equal(t, int64(30), records[0].LatencyMs)
}

func TestWebSocketOversizedFrameKeepsConnection(t *testing.T) {
	svc, _ := newTestService(t)
	server := httptest.NewServer(svc.Handler())
	t.Cleanup(server.Close)

	ws := dialDevice(t, server)
	require.Eventually(t, func() bool { return svc.Registry().Count() == 1 }, time.Second, 10*time.Millisecond)

	frame := fmt.Sprintf(`{"type":"STATE","payload":{"sceneId":"%s","currentTime":1,"playing":true}}`,
		strings.Repeat("x", 5*1024))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(frame)))
	assert.Equal(t, protocol.ErrorMessage{Message: protocol.InvalidMessageText}, readServerMessage(t, ws))
	assert.Equal(t, 1, svc.Registry().Count())

	sent := time.Now().UnixMilli()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(`{"type":"PING","payload":{"clientSendTime":%d}}`, sent))))
	pong, ok := readServerMessage(t, ws).(protocol.Pong)
	require.True(t, ok, "the socket stays usable")
	assert.Equal(t, sent, pong.EchoedClientSendTime)
}

func TestWebSocketCloseUnregisters(t *testing.T) {
	svc, _ := newTestService(t)
	server := httptest.NewServer(svc.Handler())
	t.Cleanup(server.Close)

	ws := dialDevice(t, server)
	require.Eventually(t, func() bool { return svc.Registry().Count() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	ws.Close()

	assert.Eventually(t, func() bool { return svc.Registry().Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServiceStopClosesDevices(t *testing.T) {
	svc, _ := newTestService(t)
	server := httptest.NewServer(svc.Handler())
	t.Cleanup(server.Close)

	ws := dialDevice(t, server)
	require.Eventually(t, func() bool { return svc.Registry().Count() == 1 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
	assert.Equal(t, 0, svc.Registry().Count())

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err, "the server closes the socket on stop")
}

func TestConnectionSendAfterClose(t *testing.T) {
	c := newConnection(nil, ConnectionConfig{SendBufferSize: 1})

	require.NoError(t, c.Send(protocol.Pong{ServerTime: 1, EchoedClientSendTime: 1}))
	assert.ErrorIs(t, c.Send(protocol.Pong{ServerTime: 2, EchoedClientSendTime: 2}), ErrSendBufferFull)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Send(protocol.Pong{ServerTime: 3, EchoedClientSendTime: 3}), ErrConnectionClosed)
}

func TestCheckOrigin(t *testing.T) {
	cfg := ConnectionConfig{AllowedOrigins: []string{"http://dashboard.local"}}

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	assert.True(t, cfg.checkOrigin(req))

	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, cfg.checkOrigin(req))

	assert.True(t, ConnectionConfig{}.checkOrigin(req))
}

var _ registry.Conn = (*Connection)(nil)
