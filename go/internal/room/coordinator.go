package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/vrsync/go/internal/journal"
	"github.com/mcdev12/vrsync/go/internal/metrics"
	"github.com/mcdev12/vrsync/go/internal/protocol"
	"github.com/mcdev12/vrsync/go/internal/registry"
	"github.com/rs/zerolog/log"
)

// DefaultStartDelay is used for START_AT requests that give neither an epoch
// nor a delay.
const DefaultStartDelay = 3 * time.Second

// ErrInvalidCommand is returned for nil or unsupported commands.
var ErrInvalidCommand = errors.New("invalid command")

// SceneValidator rejects unknown scene ids. scenes.Catalog implements it.
type SceneValidator interface {
	Validate(id string) error
}

// BroadcastResult counts the sends made for one command.
type BroadcastResult struct {
	Attempted int `json:"attempted"`
	Failed    int `json:"failed"`
}

// Result describes an accepted command.
type Result struct {
	Command    protocol.Command
	Broadcast  BroadcastResult
	Room       State
	IssuedAtMs int64
}

type Option func(*Coordinator)

func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithScenes enables LOAD validation. Without it scene ids pass through.
func WithScenes(v SceneValidator) Option {
	return func(c *Coordinator) { c.scenes = v }
}

func WithRecorder(r journal.Recorder) Option {
	return func(c *Coordinator) { c.journal = r }
}

func WithMetrics(m metrics.Collector) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithDefaultStartDelay(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= 0 {
			c.startDelay = d
		}
	}
}

// Coordinator owns the room state and fans operator commands out to every
// registered connection. All state changes go through Submit.
type Coordinator struct {
	// submitMu orders apply+broadcast so each connection sees commands in
	// the order they changed the room.
	submitMu sync.Mutex

	mu    sync.RWMutex
	state playback

	registry   *registry.Registry
	clock      clockwork.Clock
	scenes     SceneValidator
	journal    journal.Recorder
	metrics    metrics.Collector
	startDelay time.Duration
}

func NewCoordinator(reg *registry.Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry:   reg,
		clock:      clockwork.NewRealClock(),
		journal:    journal.Nop{},
		metrics:    metrics.NoOpCollector{},
		startDelay: DefaultStartDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit validates cmd, applies it to the room and broadcasts it. It is the
// single entry point for the dashboard, RPC and message-bus paths.
func (c *Coordinator) Submit(cmd protocol.Command) (Result, error) {
	if cmd == nil {
		return Result{}, ErrInvalidCommand
	}
	if err := protocol.Validate(cmd); err != nil {
		return Result{}, err
	}

	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	issued := c.clock.Now().UnixMilli()
	if err := c.apply(cmd, issued); err != nil {
		return Result{}, err
	}

	res := c.BroadcastCommand(cmd)
	c.recordCommand(cmd, res)

	log.Info().
		Str("command_type", string(cmd.CommandType())).
		Int("attempted", res.Attempted).
		Int("failed", res.Failed).
		Msg("command broadcast")

	c.mu.RLock()
	view := c.state.view()
	c.mu.RUnlock()

	return Result{Command: cmd, Broadcast: res, Room: view, IssuedAtMs: issued}, nil
}

// Load switches the room to sceneID and stops playback.
func (c *Coordinator) Load(sceneID string) (Result, error) {
	return c.Submit(protocol.Load{SceneID: sceneID})
}

// StartAt schedules a synchronized start at an absolute server epoch.
func (c *Coordinator) StartAt(epochMs int64) (Result, error) {
	return c.Submit(protocol.StartAt{EpochMs: epochMs})
}

// StartIn schedules a synchronized start delay from now.
func (c *Coordinator) StartIn(delay time.Duration) (Result, error) {
	return c.Submit(c.ResolveStartAt(0, &delay))
}

func (c *Coordinator) Pause() (Result, error) {
	return c.Submit(protocol.Pause{})
}

func (c *Coordinator) Resume() (Result, error) {
	return c.Submit(protocol.Resume{})
}

// Seek shifts playback by deltaMs on every device.
func (c *Coordinator) Seek(deltaMs int64) (Result, error) {
	return c.Submit(protocol.Seek{DeltaMs: deltaMs})
}

// ResolveStartAt turns an operator START_AT request into an absolute epoch.
// A positive epochMs wins; otherwise delay (or the default delay) from now.
func (c *Coordinator) ResolveStartAt(epochMs int64, delay *time.Duration) protocol.StartAt {
	if epochMs > 0 {
		return protocol.StartAt{EpochMs: epochMs}
	}
	d := c.startDelay
	if delay != nil {
		d = *delay
	}
	if d < 0 {
		d = 0
	}
	return protocol.StartAt{EpochMs: c.clock.Now().Add(d).UnixMilli()}
}

func (c *Coordinator) apply(cmd protocol.Command, nowMs int64) error {
	if load, ok := cmd.(protocol.Load); ok && c.scenes != nil {
		if err := c.scenes.Validate(load.SceneID); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch cmd := cmd.(type) {
	case protocol.Load:
		c.state = playback{sceneID: cmd.SceneID}
	case protocol.StartAt:
		// Devices re-anchor on START_AT, so earlier seeks no longer apply.
		c.state.isPlaying = true
		c.state.startedAt = msPtr(cmd.EpochMs)
		c.state.pausedAt = nil
		c.state.seekOffsetMs = 0
	case protocol.Pause:
		if c.state.isPlaying {
			c.state.isPlaying = false
			c.state.pausedAt = msPtr(nowMs)
		}
	case protocol.Resume:
		if !c.state.isPlaying {
			switch {
			case c.state.startedAt == nil:
				// A seek on a stopped player clamps to zero on the device.
				c.state.startedAt = msPtr(nowMs)
				c.state.seekOffsetMs = 0
			case c.state.pausedAt != nil:
				shifted := *c.state.startedAt + (nowMs - *c.state.pausedAt)
				c.state.startedAt = msPtr(shifted)
			}
			c.state.isPlaying = true
			c.state.pausedAt = nil
		}
	case protocol.Seek:
		c.state.seekOffsetMs += cmd.DeltaMs
	case protocol.ShowScreen, protocol.HideScreen, protocol.ToggleScreen,
		protocol.ShowAllScreens, protocol.HideAllScreens:
		// relayed only
	default:
		return fmt.Errorf("%w: %T", ErrInvalidCommand, cmd)
	}
	return nil
}

// BroadcastCommand sends cmd to every live connection. A failed send is
// logged and does not stop the remaining sends; failed connections are
// unregistered once the fan-out is complete.
func (c *Coordinator) BroadcastCommand(cmd protocol.Command) BroadcastResult {
	start := c.clock.Now()
	targets := c.registry.Connections()
	msg := protocol.CommandMessage{Command: cmd}

	var failed []string
	for _, t := range targets {
		if err := safeSend(t.Conn, msg); err != nil {
			log.Warn().
				Err(err).
				Str("connection_id", t.ID).
				Str("command_type", string(cmd.CommandType())).
				Msg("broadcast send failed")
			failed = append(failed, t.ID)
		}
	}

	for _, id := range failed {
		c.registry.Unregister(id, registry.ReasonSendFailed)
	}

	res := BroadcastResult{Attempted: len(targets), Failed: len(failed)}
	c.metrics.CommandBroadcast(string(cmd.CommandType()), res.Attempted, res.Failed, c.clock.Since(start))
	return res
}

func safeSend(conn registry.Conn, msg protocol.ServerMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send panicked: %v", r)
		}
	}()
	return conn.Send(msg)
}

// Snapshot returns the room state with a freshly computed client list.
func (c *Coordinator) Snapshot() State {
	c.mu.RLock()
	view := c.state.view()
	c.mu.RUnlock()

	view.Clients = c.registry.Snapshot()
	return view
}

// Stats summarises the current client population.
func (c *Coordinator) Stats() Stats {
	snap := c.Snapshot()

	stats := Stats{
		TotalClients:    len(snap.Clients),
		ClientsByStatus: make(map[registry.PlaybackStatus]int, len(registry.Statuses)),
		CurrentSceneID:  snap.CurrentSceneID,
		IsPlaying:       snap.IsPlaying,
		LastUpdateMs:    c.clock.Now().UnixMilli(),
	}
	for _, s := range registry.Statuses {
		if s != registry.StatusDisconnected {
			stats.ClientsByStatus[s] = 0
		}
	}

	var latencySum int64
	for _, rec := range snap.Clients {
		stats.ClientsByStatus[rec.Status]++
		latencySum += rec.LatencyMs
		if snap.CurrentSceneID != "" && rec.CurrentSceneID == snap.CurrentSceneID && rec.Status != registry.StatusConnected {
			stats.ReadyOnScene++
		}
	}
	if n := len(snap.Clients); n > 0 {
		stats.AverageLatencyMs = roundDiv(latencySum, int64(n))
	}
	return stats
}

// CatchUpCommands returns the commands a device joining mid-tour needs to
// reach the current room state.
func (c *Coordinator) CatchUpCommands() []protocol.Command {
	now := c.clock.Now().UnixMilli()

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.state.sceneID == "" {
		return nil
	}
	cmds := []protocol.Command{protocol.Load{SceneID: c.state.sceneID}}
	if c.state.startedAt != nil {
		started := *c.state.startedAt
		if !c.state.isPlaying && c.state.pausedAt != nil {
			// freeze the joiner at the paused position
			started += now - *c.state.pausedAt
		}
		cmds = append(cmds, protocol.StartAt{EpochMs: started})
	}
	if c.state.seekOffsetMs != 0 {
		cmds = append(cmds, protocol.Seek{DeltaMs: c.state.seekOffsetMs})
	}
	if c.state.startedAt != nil && !c.state.isPlaying {
		cmds = append(cmds, protocol.Pause{})
	}
	return cmds
}

func (c *Coordinator) recordCommand(cmd protocol.Command, res BroadcastResult) {
	var payload json.RawMessage
	if p, err := protocol.PayloadOf(cmd); err == nil {
		payload, _ = json.Marshal(p)
	}
	c.journal.Record(journal.Entry{
		At:      c.clock.Now(),
		Kind:    journal.KindCommand,
		Detail:  fmt.Sprintf("%s attempted=%d failed=%d", cmd.CommandType(), res.Attempted, res.Failed),
		Payload: payload,
	})
}

func roundDiv(sum, n int64) int64 {
	if sum >= 0 {
		return (sum + n/2) / n
	}
	return (sum - n/2) / n
}
