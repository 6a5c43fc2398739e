package clocksync

import (
	"math"
	"sync"

	"github.com/mcdev12/vrsync/go/internal/protocol"
)

// Measurement is the device's view of one PING/PONG round.
type Measurement struct {
	RoundTripMs int64
	OffsetMs    int64
}

// Measure computes round trip and offset for a PONG received at receivedMs
// on the local clock, assuming symmetric network delay.
func Measure(p protocol.Pong, receivedMs int64) Measurement {
	rtt := receivedMs - p.EchoedClientSendTime
	return Measurement{
		RoundTripMs: rtt,
		OffsetMs:    p.ServerTime - (p.EchoedClientSendTime + rtt/2),
	}
}

// Estimator keeps the device's current clock offset. By default every new
// round replaces the previous estimate.
type Estimator struct {
	mu      sync.RWMutex
	alpha   float64
	offset  float64
	last    Measurement
	samples int
	seeded  bool
}

type EstimatorOption func(*Estimator)

// WithSmoothing blends each round into the estimate with an exponential
// moving average. Alpha outside (0, 1) keeps latest-wins behaviour.
func WithSmoothing(alpha float64) EstimatorOption {
	return func(e *Estimator) {
		if alpha > 0 && alpha < 1 {
			e.alpha = alpha
		}
	}
}

func NewEstimator(opts ...EstimatorOption) *Estimator {
	e := &Estimator{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Seed sets a coarse offset from a WELCOME before any PONG has arrived.
func (e *Estimator) Seed(serverEpochMs, localMs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.samples > 0 {
		return
	}
	e.offset = float64(serverEpochMs - localMs)
	e.seeded = true
}

// Observe folds one PONG into the estimate and returns the raw measurement.
func (e *Estimator) Observe(p protocol.Pong, receivedMs int64) Measurement {
	m := Measure(p, receivedMs)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.alpha == 0 || e.samples == 0 {
		e.offset = float64(m.OffsetMs)
	} else {
		e.offset = e.alpha*float64(m.OffsetMs) + (1-e.alpha)*e.offset
	}
	e.last = m
	e.samples++
	return m
}

// Offset returns the current estimate in milliseconds (server minus local).
func (e *Estimator) Offset() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return int64(math.Round(e.offset))
}

// EstimatedServerTime translates a local epoch into server time.
func (e *Estimator) EstimatedServerTime(localMs int64) int64 {
	return localMs + e.Offset()
}

// Last returns the most recent measurement, if any.
func (e *Estimator) Last() (Measurement, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last, e.samples > 0
}

// Synced reports whether any offset information is available.
func (e *Estimator) Synced() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.samples > 0 || e.seeded
}

// Reset discards all samples, used when a connection is re-established.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offset = 0
	e.last = Measurement{}
	e.samples = 0
	e.seeded = false
}
