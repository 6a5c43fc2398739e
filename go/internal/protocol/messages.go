package protocol

import "encoding/json"

// Version is the protocol version announced in WELCOME and assumed for HELLOs
// that omit one.
const Version = "1.0.0"

// Protocol timing constants shared by the server and device clients.
const (
	MaxLatencyMs        = 5000
	HeartbeatIntervalMs = 30000
	ClientTimeoutMs     = 60000
	SyncToleranceMs     = 120
	PingIntervalMs      = 5000
)

// MessageType is the discriminant carried in every envelope.
type MessageType string

const (
	TypeHello MessageType = "HELLO"
	TypePing  MessageType = "PING"
	TypeReady MessageType = "READY"
	TypeState MessageType = "STATE"

	TypeWelcome MessageType = "WELCOME"
	TypePong    MessageType = "PONG"
	TypeCommand MessageType = "COMMAND"
	TypeError   MessageType = "ERROR"
)

// Envelope is the on-wire frame: a type tag and its payload object.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ClientMessage is implemented by every message a device may send.
type ClientMessage interface {
	MessageType() MessageType
	isClientMessage()
}

// ServerMessage is implemented by every message the server may send.
type ServerMessage interface {
	MessageType() MessageType
	isServerMessage()
}

// Hello identifies a device right after the socket opens.
type Hello struct {
	DeviceID  string `json:"deviceId" validate:"required,min=1,max=50"`
	Version   string `json:"version"`
	UserAgent string `json:"userAgent,omitempty"`
	Battery   *int   `json:"battery,omitempty" validate:"omitempty,min=0,max=100"`
}

// Ping carries the device's local send time in epoch milliseconds.
type Ping struct {
	ClientSendTime int64 `json:"clientSendTime" validate:"gt=0"`
}

// Ready reports that a scene finished loading on the device.
type Ready struct {
	SceneID string `json:"sceneId" validate:"required,min=1,max=50"`
}

// State is the periodic playback report.
type State struct {
	SceneID     string  `json:"sceneId" validate:"required,min=1,max=50"`
	CurrentTime float64 `json:"currentTime" validate:"gte=0"`
	Playing     bool    `json:"playing"`
	Buffered    *int    `json:"buffered,omitempty" validate:"omitempty,min=0,max=100"`
}

func (Hello) MessageType() MessageType { return TypeHello }
func (Ping) MessageType() MessageType  { return TypePing }
func (Ready) MessageType() MessageType { return TypeReady }
func (State) MessageType() MessageType { return TypeState }

func (Hello) isClientMessage() {}
func (Ping) isClientMessage()  {}
func (Ready) isClientMessage() {}
func (State) isClientMessage() {}

// Welcome is sent once per connection after the upgrade.
type Welcome struct {
	ServerEpochMs int64  `json:"serverEpochMs"`
	ConnectionID  string `json:"connectionId"`
	ServerVersion string `json:"serverVersion"`
}

// Pong answers a Ping. EchoedClientSendTime is the Ping's ClientSendTime, unchanged.
type Pong struct {
	ServerTime           int64 `json:"serverTime"`
	EchoedClientSendTime int64 `json:"echoedClientSendTime"`
}

// CommandMessage wraps an operator command for delivery to devices.
type CommandMessage struct {
	Command Command
}

// ErrorMessage reports a rejected inbound message.
type ErrorMessage struct {
	Message string `json:"message"`
}

func (Welcome) MessageType() MessageType        { return TypeWelcome }
func (Pong) MessageType() MessageType           { return TypePong }
func (CommandMessage) MessageType() MessageType { return TypeCommand }
func (ErrorMessage) MessageType() MessageType   { return TypeError }

func (Welcome) isServerMessage()        {}
func (Pong) isServerMessage()           {}
func (CommandMessage) isServerMessage() {}
func (ErrorMessage) isServerMessage()   {}
