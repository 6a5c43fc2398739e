package devicesync

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// SimulatedPlayer is a Player with no media attached. Its position advances
// with the clock, scaled by Rate to emulate a drifting decoder.
type SimulatedPlayer struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	rate    float64
	known   map[string]bool
	sceneID string
	playing bool
	base    float64
	since   time.Time
}

type PlayerOption func(*SimulatedPlayer)

// WithRate makes playback run rate times faster than the clock.
func WithRate(rate float64) PlayerOption {
	return func(p *SimulatedPlayer) {
		if rate > 0 {
			p.rate = rate
		}
	}
}

// WithScenes restricts Load to the given scene ids.
func WithScenes(ids ...string) PlayerOption {
	return func(p *SimulatedPlayer) {
		p.known = make(map[string]bool, len(ids))
		for _, id := range ids {
			p.known[id] = true
		}
	}
}

func NewSimulatedPlayer(clock clockwork.Clock, opts ...PlayerOption) *SimulatedPlayer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	p := &SimulatedPlayer{clock: clock, rate: 1}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *SimulatedPlayer) Load(sceneID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.known != nil && !p.known[sceneID] {
		return fmt.Errorf("unknown scene %q", sceneID)
	}
	p.sceneID = sceneID
	p.playing = false
	p.base = 0
	return nil
}

func (p *SimulatedPlayer) Play(fromSec float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.base = fromSec
	p.since = p.clock.Now()
	p.playing = true
}

func (p *SimulatedPlayer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.base = p.position()
	p.playing = false
}

func (p *SimulatedPlayer) Seek(toSec float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.base = toSec
	p.since = p.clock.Now()
}

func (p *SimulatedPlayer) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position()
}

func (p *SimulatedPlayer) position() float64 {
	if !p.playing {
		return p.base
	}
	return p.base + p.clock.Since(p.since).Seconds()*p.rate
}

func (p *SimulatedPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *SimulatedPlayer) SceneID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sceneID
}
