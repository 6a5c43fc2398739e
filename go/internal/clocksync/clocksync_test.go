package clocksync

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/vrsync/go/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineEchoesClientSendTime(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1050))
	engine := NewEngine(clock)

	for _, sent := range []int64{1, 1000, 1049, 1700000000000} {
		pong, _ := engine.HandlePing(protocol.Ping{ClientSendTime: sent})
		assert.Equal(t, sent, pong.EchoedClientSendTime)
		assert.Equal(t, int64(1050), pong.ServerTime)
	}
}

func TestEngineSample(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1050))
	engine := NewEngine(clock)

	pong, sample := engine.HandlePing(protocol.Ping{ClientSendTime: 1000})

	assert.Equal(t, protocol.Pong{ServerTime: 1050, EchoedClientSendTime: 1000}, pong)
	assert.Equal(t, int64(50), sample.LatencyMs)
	assert.Equal(t, int64(25), sample.OffsetMs)
	assert.False(t, sample.Suspect)
	assert.Equal(t, clock.Now(), sample.ReceivedAt)
}

func TestEngineFlagsExcessiveLatency(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.UnixMilli(100_000))
	engine := NewEngine(clock)

	_, sample := engine.HandlePing(protocol.Ping{ClientSendTime: 100_000 - protocol.MaxLatencyMs - 1})
	assert.True(t, sample.Suspect)
}

func TestMeasureZeroSkew(t *testing.T) {
	m := Measure(protocol.Pong{ServerTime: 1050, EchoedClientSendTime: 1000}, 1100)
	assert.Equal(t, int64(100), m.RoundTripMs)
	assert.Equal(t, int64(0), m.OffsetMs)
}

func TestMeasureRecoversSkewIndependentOfLatency(t *testing.T) {
	// Server runs `skew` ms ahead of the device; delay is symmetric.
	tests := []struct {
		name    string
		skew    int64
		oneWay  int64
		localTx int64
	}{
		{"ahead small latency", 250, 10, 5_000},
		{"ahead large latency", 250, 400, 5_000},
		{"behind", -1200, 35, 90_000},
		{"in sync", 0, 75, 1_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			serverRecv := tt.localTx + tt.oneWay + tt.skew
			localRx := tt.localTx + 2*tt.oneWay

			m := Measure(protocol.Pong{ServerTime: serverRecv, EchoedClientSendTime: tt.localTx}, localRx)
			assert.Equal(t, 2*tt.oneWay, m.RoundTripMs)
			assert.Equal(t, tt.skew, m.OffsetMs)
		})
	}
}

func TestEstimatorLatestWins(t *testing.T) {
	e := NewEstimator()
	assert.False(t, e.Synced())

	e.Observe(protocol.Pong{ServerTime: 1150, EchoedClientSendTime: 1000}, 1100)
	assert.Equal(t, int64(100), e.Offset())

	e.Observe(protocol.Pong{ServerTime: 2030, EchoedClientSendTime: 2000}, 2060)
	assert.Equal(t, int64(0), e.Offset())

	last, ok := e.Last()
	require.True(t, ok)
	assert.Equal(t, int64(60), last.RoundTripMs)
	assert.Equal(t, int64(5000), e.EstimatedServerTime(5000))
}

func TestEstimatorSmoothing(t *testing.T) {
	e := NewEstimator(WithSmoothing(0.5))

	e.Observe(protocol.Pong{ServerTime: 1100, EchoedClientSendTime: 1000}, 1000)
	assert.Equal(t, int64(100), e.Offset())

	e.Observe(protocol.Pong{ServerTime: 2300, EchoedClientSendTime: 2000}, 2000)
	assert.Equal(t, int64(200), e.Offset())
}

func TestEstimatorSmoothingOutOfRangeIsIgnored(t *testing.T) {
	e := NewEstimator(WithSmoothing(1.5))

	e.Observe(protocol.Pong{ServerTime: 1100, EchoedClientSendTime: 1000}, 1000)
	e.Observe(protocol.Pong{ServerTime: 2300, EchoedClientSendTime: 2000}, 2000)
	assert.Equal(t, int64(300), e.Offset())
}

func TestEstimatorSeed(t *testing.T) {
	e := NewEstimator()
	e.Seed(10_500, 10_000)
	assert.True(t, e.Synced())
	assert.Equal(t, int64(500), e.Offset())

	e.Observe(protocol.Pong{ServerTime: 1040, EchoedClientSendTime: 1000}, 1080)
	assert.Equal(t, int64(0), e.Offset())

	e.Seed(99_999, 0)
	assert.Equal(t, int64(0), e.Offset(), "seed must not override a measured offset")

	e.Reset()
	assert.False(t, e.Synced())
}
