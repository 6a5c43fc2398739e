package devicesync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/vrsync/go/internal/clocksync"
	"github.com/mcdev12/vrsync/go/internal/protocol"
	"github.com/rs/zerolog/log"
)

// ErrNoScene is returned by playback commands that arrive before any LOAD.
var ErrNoScene = errors.New("no scene loaded")

// Player is the local media engine driven by the controller. Positions are
// in seconds. Implementations must not call back into the controller.
type Player interface {
	Load(sceneID string) error
	Play(fromSec float64)
	Pause()
	Seek(toSec float64)
	Position() float64
	Playing() bool
}

// Sender delivers device messages to the server.
type Sender interface {
	Send(msg protocol.ClientMessage) error
}

// Stats counts what the controller has done since it was created.
type Stats struct {
	StartsImmediate int
	StartsScheduled int
	StartsClamped   int
	Corrections     int
	Suppressed      int
	LastDriftMs     int64
}

// Controller turns server commands into local playback and keeps it aligned
// with the shared timeline.
type Controller struct {
	mu        sync.Mutex
	cfg       Config
	clock     clockwork.Clock
	player    Player
	estimator *clocksync.Estimator
	sender    Sender

	sceneID string
	// anchorMs is the server epoch at which position zero played.
	anchorMs *int64
	pending  clockwork.Timer
	// gen invalidates timers that fire after being superseded.
	gen     uint64
	screens map[protocol.ScreenType]bool
	stats   Stats
}

func NewController(cfg Config, clock clockwork.Clock, player Player, est *clocksync.Estimator, sender Sender) *Controller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if est == nil {
		est = clocksync.NewEstimator()
	}
	c := &Controller{
		cfg:       cfg.withDefaults(),
		clock:     clock,
		player:    player,
		estimator: est,
		sender:    sender,
		screens:   make(map[protocol.ScreenType]bool, len(protocol.ScreenTypes)),
	}
	for _, s := range protocol.ScreenTypes {
		c.screens[s] = false
	}
	return c
}

func (c *Controller) localNowMs() int64 {
	return c.clock.Now().UnixMilli()
}

func (c *Controller) serverNowMs() int64 {
	return c.estimator.EstimatedServerTime(c.localNowMs())
}

// HandleCommand applies one COMMAND received from the server.
func (c *Controller) HandleCommand(cmd protocol.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	log.Debug().Str("command", string(cmd.CommandType())).Msg("applying command")

	switch cmd := cmd.(type) {
	case protocol.Load:
		return c.load(cmd.SceneID)
	case protocol.StartAt:
		return c.startAt(cmd.EpochMs)
	case protocol.Pause:
		c.cancelPending()
		c.player.Pause()
	case protocol.Resume:
		c.resume()
	case protocol.Seek:
		c.seek(cmd.DeltaMs)
	case protocol.ShowScreen:
		c.screens[cmd.ScreenType] = true
	case protocol.HideScreen:
		c.screens[cmd.ScreenType] = false
	case protocol.ToggleScreen:
		c.screens[cmd.ScreenType] = !c.screens[cmd.ScreenType]
	case protocol.ShowAllScreens:
		for _, s := range c.cfg.SceneScreens[c.sceneID] {
			c.screens[s] = true
		}
	case protocol.HideAllScreens:
		for s := range c.screens {
			c.screens[s] = false
		}
	default:
		return fmt.Errorf("%w: %T", protocol.ErrUnknownCommand, cmd)
	}
	return nil
}

// HandleConnectionState is notified by the client on every transition.
func (c *Controller) HandleConnectionState(state ConnectionState) {
	log.Info().Str("state", string(state)).Msg("connection state changed")
}

func (c *Controller) load(sceneID string) error {
	c.cancelPending()
	c.player.Pause()
	if err := c.player.Load(sceneID); err != nil {
		return fmt.Errorf("load scene %s: %w", sceneID, err)
	}
	c.sceneID = sceneID
	c.anchorMs = nil

	if c.sender != nil {
		if err := c.sender.Send(protocol.Ready{SceneID: sceneID}); err != nil {
			log.Warn().Err(err).Str("scene_id", sceneID).Msg("failed to report ready")
		}
	}
	return nil
}

func (c *Controller) startAt(epochMs int64) error {
	if c.sceneID == "" {
		return ErrNoScene
	}
	c.cancelPending()

	now := c.localNowMs()
	plan := PlanStart(epochMs, c.estimator.Offset(), now, c.cfg.StartDelayCeiling)

	switch plan.Mode {
	case StartImmediate:
		c.stats.StartsImmediate++
		anchor := epochMs
		c.anchorMs = &anchor
		c.player.Play(float64(-plan.DelayMs) / 1000)
	case StartClamped:
		c.stats.StartsClamped++
		log.Warn().
			Int64("delay_ms", plan.DelayMs).
			Dur("ceiling", c.cfg.StartDelayCeiling).
			Msg("start delay too large, playing immediately")
		anchor := c.estimator.EstimatedServerTime(now)
		c.anchorMs = &anchor
		c.player.Play(0)
	case StartScheduled:
		c.stats.StartsScheduled++
		anchor := epochMs
		c.anchorMs = &anchor
		gen := c.gen
		c.pending = c.clock.AfterFunc(msDuration(plan.DelayMs), func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.gen != gen {
				return
			}
			c.pending = nil
			c.player.Play(0)
		})
		log.Debug().Int64("delay_ms", plan.DelayMs).Msg("playback scheduled")
	}
	return nil
}

func (c *Controller) resume() {
	if c.player.Playing() {
		return
	}
	pos := c.player.Position()
	anchor := c.serverNowMs() - int64(math.Round(pos*1000))
	c.anchorMs = &anchor
	c.player.Play(pos)
}

func (c *Controller) seek(deltaMs int64) {
	target := c.player.Position() + float64(deltaMs)/1000
	if target < 0 {
		target = 0
	}
	c.player.Seek(target)
	if c.anchorMs != nil {
		anchor := *c.anchorMs - deltaMs
		c.anchorMs = &anchor
	}
}

func (c *Controller) cancelPending() {
	c.gen++
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
}

// CheckDrift compares the local position with the shared timeline and
// corrects it when it is off by more than the tolerance.
func (c *Controller) CheckDrift() (DriftAction, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.anchorMs == nil || !c.player.Playing() {
		return DriftNone, 0
	}

	expectedSec := float64(c.serverNowMs()-*c.anchorMs) / 1000
	actualSec := c.player.Position()
	driftMs := int64(math.Round((actualSec - expectedSec) * 1000))
	c.stats.LastDriftMs = driftMs

	action := EvaluateDrift(driftMs, c.cfg.DriftTolerance, c.cfg.MaxCorrection)
	switch action {
	case DriftCorrect:
		c.stats.Corrections++
		c.player.Seek(expectedSec)
		log.Debug().
			Int64("drift_ms", driftMs).
			Float64("expected_sec", expectedSec).
			Msg("drift corrected")
	case DriftSuppress:
		c.stats.Suppressed++
		log.Error().
			Int64("drift_ms", driftMs).
			Msg("drift exceeds correction limit")
	}
	return action, driftMs
}

// ReportState sends the current playback state to the server.
func (c *Controller) ReportState() error {
	c.mu.Lock()
	if c.sceneID == "" || c.sender == nil {
		c.mu.Unlock()
		return nil
	}
	buffered := 100
	msg := protocol.State{
		SceneID:     c.sceneID,
		CurrentTime: math.Max(0, c.player.Position()),
		Playing:     c.player.Playing(),
		Buffered:    &buffered,
	}
	c.mu.Unlock()

	return c.sender.Send(msg)
}

// Run drives the drift check and state report loops until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	drift := c.clock.NewTicker(c.cfg.DriftInterval)
	defer drift.Stop()
	report := c.clock.NewTicker(c.cfg.StateInterval)
	defer report.Stop()

	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.cancelPending()
			c.mu.Unlock()
			return
		case <-drift.Chan():
			c.CheckDrift()
		case <-report.Chan():
			if err := c.ReportState(); err != nil {
				log.Debug().Err(err).Msg("state report not sent")
			}
		}
	}
}

// SceneID returns the loaded scene, if any.
func (c *Controller) SceneID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sceneID
}

// ScreenVisible reports whether the overlay for s is shown.
func (c *Controller) ScreenVisible(s protocol.ScreenType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screens[s]
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
