package registry

import (
	"encoding/json"
	"time"
)

// PlaybackStatus is the last playback state a device reported.
type PlaybackStatus string

const (
	StatusConnected    PlaybackStatus = "connected"
	StatusReady        PlaybackStatus = "ready"
	StatusPlaying      PlaybackStatus = "playing"
	StatusPaused       PlaybackStatus = "paused"
	StatusDisconnected PlaybackStatus = "disconnected"
)

// Statuses lists every status in lifecycle order.
var Statuses = []PlaybackStatus{StatusConnected, StatusReady, StatusPlaying, StatusPaused, StatusDisconnected}

// Record is everything the server knows about one live connection.
type Record struct {
	ID             string
	DeviceID       string
	Version        string
	UserAgent      string
	Battery        *int
	CurrentSceneID string
	Status         PlaybackStatus

	LatencyMs     int64
	ClockOffsetMs int64

	CurrentTimeSec float64
	Buffered       *int

	ConnectedAt time.Time
	LastPingAt  time.Time
	LastStateAt time.Time
}

func (r Record) clone() Record {
	out := r
	if r.Battery != nil {
		b := *r.Battery
		out.Battery = &b
	}
	if r.Buffered != nil {
		b := *r.Buffered
		out.Buffered = &b
	}
	return out
}

type recordJSON struct {
	ID              string         `json:"id"`
	DeviceID        string         `json:"deviceId"`
	Version         string         `json:"version,omitempty"`
	LastPingMs      int64          `json:"lastPingMs"`
	LatencyMs       int64          `json:"latencyMs"`
	OffsetMs        int64          `json:"offsetMs"`
	SceneID         string         `json:"sceneId,omitempty"`
	Status          PlaybackStatus `json:"status"`
	CurrentTime     float64        `json:"currentTime"`
	Buffered        *int           `json:"buffered,omitempty"`
	Battery         *int           `json:"battery,omitempty"`
	UserAgent       string         `json:"userAgent,omitempty"`
	ConnectedAt     int64          `json:"connectedAt"`
	LastStateUpdate int64          `json:"lastStateUpdate"`
}

// MarshalJSON renders timestamps as epoch milliseconds.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		ID:              r.ID,
		DeviceID:        r.DeviceID,
		Version:         r.Version,
		LastPingMs:      r.LastPingAt.UnixMilli(),
		LatencyMs:       r.LatencyMs,
		OffsetMs:        r.ClockOffsetMs,
		SceneID:         r.CurrentSceneID,
		Status:          r.Status,
		CurrentTime:     r.CurrentTimeSec,
		Buffered:        r.Buffered,
		Battery:         r.Battery,
		UserAgent:       r.UserAgent,
		ConnectedAt:     r.ConnectedAt.UnixMilli(),
		LastStateUpdate: r.LastStateAt.UnixMilli(),
	})
}
