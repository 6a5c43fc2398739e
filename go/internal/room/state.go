package room

import "github.com/mcdev12/vrsync/go/internal/registry"

// ID is the identifier of the single shared room.
const ID = "main"

// State is a point-in-time view of the room. Clients is recomputed from the
// registry for every snapshot.
type State struct {
	ID             string            `json:"id"`
	Clients        []registry.Record `json:"clients"`
	CurrentSceneID string            `json:"currentScene,omitempty"`
	IsPlaying      bool              `json:"isPlaying"`
	StartedAtMs    *int64            `json:"startedAt,omitempty"`
	PausedAtMs     *int64            `json:"pausedAt,omitempty"`
	SeekOffsetMs   int64             `json:"seekOffset"`
}

// Stats aggregates per-device status for the dashboard.
type Stats struct {
	TotalClients     int                             `json:"totalClients"`
	ClientsByStatus  map[registry.PlaybackStatus]int `json:"clientsByStatus"`
	AverageLatencyMs int64                           `json:"averageLatency"`
	ReadyOnScene     int                             `json:"readyOnScene"`
	CurrentSceneID   string                          `json:"currentScene,omitempty"`
	IsPlaying        bool                            `json:"isPlaying"`
	LastUpdateMs     int64                           `json:"lastUpdate"`
}

// playback holds the mutable room fields. Only the Coordinator touches it.
type playback struct {
	sceneID      string
	isPlaying    bool
	startedAt    *int64
	pausedAt     *int64
	seekOffsetMs int64
}

func (p playback) view() State {
	return State{
		ID:             ID,
		CurrentSceneID: p.sceneID,
		IsPlaying:      p.isPlaying,
		StartedAtMs:    copyMs(p.startedAt),
		PausedAtMs:     copyMs(p.pausedAt),
		SeekOffsetMs:   p.seekOffsetMs,
	}
}

func copyMs(v *int64) *int64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func msPtr(v int64) *int64 {
	return &v
}
