package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"connectrpc.com/connect"
	"github.com/mcdev12/vrsync/go/internal/room"
	"github.com/rs/zerolog/log"
)

const (
	// ControlServiceName is the fully-qualified name of the control service.
	ControlServiceName = "vrsync.v1.ControlService"

	SubmitCommandProcedure = "/" + ControlServiceName + "/SubmitCommand"
	GetRoomProcedure       = "/" + ControlServiceName + "/GetRoom"
)

// jsonCodec lets connect carry plain Go structs. It replaces the built-in
// protojson codec, which only accepts generated messages.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// JSONCodec returns the option both handlers and clients need.
func JSONCodec() connect.Option {
	return connect.WithCodec(jsonCodec{})
}

type GetRoomRequest struct{}

type GetRoomResponse struct {
	Room  room.State `json:"room"`
	Stats room.Stats `json:"stats"`
}

// ControlService exposes command submission over connect for operator
// tooling that prefers RPC to the REST dashboard.
type ControlService struct {
	coordinator *room.Coordinator
	auth        *Authenticator
}

func NewControlService(coord *room.Coordinator, auth *Authenticator) *ControlService {
	return &ControlService{coordinator: coord, auth: auth}
}

func (s *ControlService) SubmitCommand(ctx context.Context, req *connect.Request[CommandRequest]) (*connect.Response[CommandResponse], error) {
	claims, err := s.auth.Authorize(req.Header())
	if err != nil {
		return nil, connect.NewError(connect.CodeUnauthenticated, err)
	}

	resp, err := submit(s.coordinator, *req.Msg)
	if err != nil {
		if isRequestError(err) {
			return nil, connect.NewError(connect.CodeInvalidArgument, err)
		}
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	operator := ""
	if claims != nil {
		operator = claims.Operator
	}
	log.Info().
		Str("command_type", string(resp.Command)).
		Str("operator", operator).
		Msg("command sent via RPC")
	return connect.NewResponse(&resp), nil
}

func (s *ControlService) GetRoom(ctx context.Context, req *connect.Request[GetRoomRequest]) (*connect.Response[GetRoomResponse], error) {
	return connect.NewResponse(&GetRoomResponse{
		Room:  s.coordinator.Snapshot(),
		Stats: s.coordinator.Stats(),
	}), nil
}

// Handler returns the mount path and handler for the service.
func (s *ControlService) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{JSONCodec()}, opts...)

	mux := http.NewServeMux()
	mux.Handle(SubmitCommandProcedure, connect.NewUnaryHandler(SubmitCommandProcedure, s.SubmitCommand, opts...))
	mux.Handle(GetRoomProcedure, connect.NewUnaryHandler(GetRoomProcedure, s.GetRoom, opts...))
	return "/" + ControlServiceName + "/", mux
}
