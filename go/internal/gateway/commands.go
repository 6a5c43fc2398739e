package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/mcdev12/vrsync/go/internal/protocol"
	"github.com/mcdev12/vrsync/go/internal/room"
	"github.com/mcdev12/vrsync/go/internal/scenes"
)

// CommandRequest is the operator-facing command body shared by the REST,
// RPC and message-bus intakes. START_AT may carry delayMs instead of epochMs.
type CommandRequest struct {
	CommandType protocol.CommandType `json:"commandType"`
	SceneID     string               `json:"sceneId,omitempty"`
	EpochMs     int64                `json:"epochMs,omitempty"`
	DelayMs     *int64               `json:"delayMs,omitempty"`
	DeltaMs     *int64               `json:"deltaMs,omitempty"`
	ScreenType  protocol.ScreenType  `json:"screenType,omitempty"`
}

// CommandResponse reports an accepted command.
type CommandResponse struct {
	Success   bool                    `json:"success"`
	Command   protocol.CommandType    `json:"command"`
	Payload   protocol.CommandPayload `json:"payload"`
	Broadcast room.BroadcastResult    `json:"broadcast"`
	Timestamp int64                   `json:"timestamp"`
}

// resolve builds the typed command, filling START_AT's epoch from the
// coordinator clock when only a delay was given.
func (r CommandRequest) resolve(coord *room.Coordinator) (protocol.Command, error) {
	switch r.CommandType {
	case "":
		return nil, fmt.Errorf("%w: commandType is required", protocol.ErrInvalid)
	case protocol.CommandStartAt:
		var delay *time.Duration
		if r.DelayMs != nil {
			d := time.Duration(*r.DelayMs) * time.Millisecond
			delay = &d
		}
		return coord.ResolveStartAt(r.EpochMs, delay), nil
	}

	return protocol.CommandPayload{
		CommandType: r.CommandType,
		SceneID:     r.SceneID,
		EpochMs:     r.EpochMs,
		DeltaMs:     r.DeltaMs,
		ScreenType:  r.ScreenType,
	}.Command()
}

// submit resolves req and hands it to the coordinator.
func submit(coord *room.Coordinator, req CommandRequest) (CommandResponse, error) {
	cmd, err := req.resolve(coord)
	if err != nil {
		return CommandResponse{}, err
	}
	res, err := coord.Submit(cmd)
	if err != nil {
		return CommandResponse{}, err
	}
	payload, err := protocol.PayloadOf(res.Command)
	if err != nil {
		return CommandResponse{}, err
	}
	return CommandResponse{
		Success:   true,
		Command:   res.Command.CommandType(),
		Payload:   payload,
		Broadcast: res.Broadcast,
		Timestamp: res.IssuedAtMs,
	}, nil
}

// isRequestError reports whether err is the caller's fault.
func isRequestError(err error) bool {
	return errors.Is(err, protocol.ErrInvalid) ||
		errors.Is(err, protocol.ErrUnknownCommand) ||
		errors.Is(err, room.ErrInvalidCommand) ||
		errors.Is(err, scenes.ErrUnknownScene)
}
