package journal

import (
	"encoding/json"
	"time"
)

// Kind classifies a journal entry.
type Kind string

const (
	KindCommand    Kind = "command"
	KindConnect    Kind = "connect"
	KindDisconnect Kind = "disconnect"
	KindEvict      Kind = "evict"
	KindReject     Kind = "reject"
)

// Entry is one diagnostics record.
type Entry struct {
	Seq          uint64          `json:"seq"`
	At           time.Time       `json:"at"`
	Kind         Kind            `json:"kind"`
	ConnectionID string          `json:"connectionId,omitempty"`
	DeviceID     string          `json:"deviceId,omitempty"`
	Detail       string          `json:"detail,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Recorder accepts entries. Implementations must not block the caller on I/O.
type Recorder interface {
	Record(e Entry)
}

// Nop drops every entry.
type Nop struct{}

func (Nop) Record(Entry) {}

// Tee fans an entry out to several recorders.
type Tee []Recorder

func (t Tee) Record(e Entry) {
	for _, r := range t {
		r.Record(e)
	}
}
