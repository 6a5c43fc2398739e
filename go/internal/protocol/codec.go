package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformed is returned when a frame is not a JSON envelope.
	ErrMalformed = errors.New("malformed message")
	// ErrInvalid is returned when a payload fails decoding or validation.
	ErrInvalid = errors.New("invalid message")
	// ErrUnknownType is returned for envelopes whose type is not part of the protocol.
	ErrUnknownType = errors.New("unknown message type")
	// ErrUnknownCommand is returned for COMMAND payloads with an unrecognised commandType.
	ErrUnknownCommand = errors.New("unknown command type")
	// ErrOversized is returned for frames larger than MaxMessageSize.
	ErrOversized = errors.New("message too large")
)

// InvalidMessageText is the ERROR text sent back for rejected frames.
const InvalidMessageText = "Invalid message format"

// MaxMessageSize bounds a single inbound device frame in bytes.
const MaxMessageSize = 4096

// DecodeClient parses and validates one inbound device frame.
func DecodeClient(data []byte) (ClientMessage, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case TypeHello:
		return decodeClientPayload[Hello](env.Payload)
	case TypePing:
		return decodeClientPayload[Ping](env.Payload)
	case TypeReady:
		return decodeClientPayload[Ready](env.Payload)
	case TypeState:
		return decodeClientPayload[State](env.Payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func decodeClientPayload[T ClientMessage](raw json.RawMessage) (ClientMessage, error) {
	var m T
	if err := decodePayload(raw, &m); err != nil {
		return nil, err
	}
	if h, ok := any(&m).(*Hello); ok && h.Version == "" {
		h.Version = Version
	}
	if err := Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

// DecodeServer parses one frame received by a device from the server.
func DecodeServer(data []byte) (ServerMessage, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case TypeWelcome:
		var m Welcome
		if err := decodePayload(env.Payload, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypePong:
		var m Pong
		if err := decodePayload(env.Payload, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeCommand:
		cmd, err := ParseCommand(env.Payload)
		if err != nil {
			return nil, err
		}
		return CommandMessage{Command: cmd}, nil
	case TypeError:
		var m ErrorMessage
		if err := decodePayload(env.Payload, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// Encode serializes a server message into its envelope.
func Encode(msg ServerMessage) ([]byte, error) {
	var payload any
	switch m := msg.(type) {
	case Welcome, Pong, ErrorMessage:
		payload = m
	case CommandMessage:
		w, err := PayloadOf(m.Command)
		if err != nil {
			return nil, err
		}
		payload = w
	default:
		return nil, fmt.Errorf("encode: unsupported message %T", msg)
	}
	return encodeEnvelope(msg.MessageType(), payload)
}

// EncodeClient serializes a device message into its envelope.
func EncodeClient(msg ClientMessage) ([]byte, error) {
	switch msg.(type) {
	case Hello, Ping, Ready, State:
		return encodeEnvelope(msg.MessageType(), msg)
	default:
		return nil, fmt.Errorf("encode: unsupported message %T", msg)
	}
}

// PayloadOf flattens a command for encoding.
func PayloadOf(c Command) (CommandPayload, error) {
	w := CommandPayload{CommandType: c.CommandType()}
	switch cmd := c.(type) {
	case Load:
		w.SceneID = cmd.SceneID
	case StartAt:
		w.EpochMs = cmd.EpochMs
	case Seek:
		delta := cmd.DeltaMs
		w.DeltaMs = &delta
	case ShowScreen:
		w.ScreenType = cmd.ScreenType
	case HideScreen:
		w.ScreenType = cmd.ScreenType
	case ToggleScreen:
		w.ScreenType = cmd.ScreenType
	case Pause, Resume, HideAllScreens, ShowAllScreens:
	default:
		return CommandPayload{}, fmt.Errorf("%w: %T", ErrUnknownCommand, c)
	}
	return w, nil
}

// ParseCommand decodes and validates a flattened COMMAND payload.
func ParseCommand(raw json.RawMessage) (Command, error) {
	var w CommandPayload
	if err := decodePayload(raw, &w); err != nil {
		return nil, err
	}
	return w.Command()
}

// Command builds the typed command described by the payload and validates it.
func (w CommandPayload) Command() (Command, error) {
	var c Command
	switch w.CommandType {
	case CommandLoad:
		c = Load{SceneID: w.SceneID}
	case CommandStartAt:
		c = StartAt{EpochMs: w.EpochMs}
	case CommandPause:
		c = Pause{}
	case CommandResume:
		c = Resume{}
	case CommandSeek:
		if w.DeltaMs == nil {
			return nil, fmt.Errorf("%w: SEEK requires deltaMs", ErrInvalid)
		}
		c = Seek{DeltaMs: *w.DeltaMs}
	case CommandShowScreen:
		c = ShowScreen{ScreenType: w.ScreenType}
	case CommandHideScreen:
		c = HideScreen{ScreenType: w.ScreenType}
	case CommandHideAllScreens:
		c = HideAllScreens{}
	case CommandShowAllScreens:
		c = ShowAllScreens{}
	case CommandToggleScreen:
		c = ToggleScreen{ScreenType: w.ScreenType}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, w.CommandType)
	}
	if err := Validate(c); err != nil {
		return nil, err
	}
	return c, nil
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

func decodePayload(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func encodeEnvelope(t MessageType, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Payload: body})
}
