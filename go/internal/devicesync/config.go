package devicesync

import (
	"time"

	"github.com/mcdev12/vrsync/go/internal/protocol"
)

// Config holds the device-side timing policy.
type Config struct {
	PingInterval      time.Duration
	DriftInterval     time.Duration
	StateInterval     time.Duration
	StartDelayCeiling time.Duration
	DriftTolerance    time.Duration
	MaxCorrection     time.Duration
	// SceneScreens lists the overlays SHOW_ALL_SCREENS reveals per scene.
	SceneScreens map[string][]protocol.ScreenType
}

func DefaultConfig() Config {
	return Config{
		PingInterval:      protocol.PingIntervalMs * time.Millisecond,
		DriftInterval:     time.Second,
		StateInterval:     2 * time.Second,
		StartDelayCeiling: 10 * time.Second,
		DriftTolerance:    protocol.SyncToleranceMs * time.Millisecond,
		MaxCorrection:     time.Second,
		SceneScreens: map[string][]protocol.ScreenType{
			"escena-1": {protocol.ScreenSolar},
			"escena-2": {protocol.ScreenPetroleo},
			"escena-3": {protocol.ScreenPlataforma},
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.DriftInterval <= 0 {
		c.DriftInterval = def.DriftInterval
	}
	if c.StateInterval <= 0 {
		c.StateInterval = def.StateInterval
	}
	if c.StartDelayCeiling <= 0 {
		c.StartDelayCeiling = def.StartDelayCeiling
	}
	if c.DriftTolerance <= 0 {
		c.DriftTolerance = def.DriftTolerance
	}
	if c.MaxCorrection <= 0 {
		c.MaxCorrection = def.MaxCorrection
	}
	if c.SceneScreens == nil {
		c.SceneScreens = def.SceneScreens
	}
	return c
}
