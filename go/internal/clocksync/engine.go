package clocksync

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/vrsync/go/internal/protocol"
)

// Sample is the server's view of one PING.
type Sample struct {
	LatencyMs  int64
	OffsetMs   int64
	ReceivedAt time.Time
	// Suspect is set when the one-way latency exceeds protocol.MaxLatencyMs.
	Suspect bool
}

// Engine answers PINGs using the server clock.
type Engine struct {
	clock clockwork.Clock
}

func NewEngine(clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{clock: clock}
}

// HandlePing stamps the PONG with the receive time and derives a latency and
// offset estimate for the sending connection. The reply echoes the client's
// send time unchanged.
func (e *Engine) HandlePing(p protocol.Ping) (protocol.Pong, Sample) {
	received := e.clock.Now()
	now := received.UnixMilli()

	latency := now - p.ClientSendTime
	offset := now - (p.ClientSendTime + latency/2)

	pong := protocol.Pong{
		ServerTime:           now,
		EchoedClientSendTime: p.ClientSendTime,
	}
	sample := Sample{
		LatencyMs:  latency,
		OffsetMs:   offset,
		ReceivedAt: received,
		Suspect:    latency > protocol.MaxLatencyMs,
	}
	return pong, sample
}

// Now returns the server clock in epoch milliseconds.
func (e *Engine) Now() int64 {
	return e.clock.Now().UnixMilli()
}
