package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/vrsync/go/internal/journal"
	"github.com/mcdev12/vrsync/go/internal/protocol"
	"github.com/mcdev12/vrsync/go/internal/registry"
	"github.com/mcdev12/vrsync/go/internal/room"
	"github.com/mcdev12/vrsync/go/internal/scenes"
	"github.com/rs/zerolog/log"
)

// JournalReader exposes recent diagnostics entries.
type JournalReader interface {
	Recent(limit int) []journal.Entry
}

// JournalStore reads persisted diagnostics entries. journal.Postgres
// implements it.
type JournalStore interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// DeviceTiming is the timing policy advertised to devices via /api/config.
type DeviceTiming struct {
	PingIntervalMs    int64 `json:"pingIntervalMs"`
	DriftIntervalMs   int64 `json:"driftIntervalMs"`
	StateIntervalMs   int64 `json:"stateIntervalMs"`
	SyncToleranceMs   int64 `json:"syncToleranceMs"`
	MaxCorrectionMs   int64 `json:"maxCorrectionMs"`
	StartDelayLimitMs int64 `json:"startDelayLimitMs"`
}

func DefaultDeviceTiming() DeviceTiming {
	return DeviceTiming{
		PingIntervalMs:    protocol.PingIntervalMs,
		DriftIntervalMs:   1000,
		StateIntervalMs:   2000,
		SyncToleranceMs:   protocol.SyncToleranceMs,
		MaxCorrectionMs:   1000,
		StartDelayLimitMs: 10000,
	}
}

// APIHandler serves the operator dashboard REST endpoints.
type APIHandler struct {
	coordinator *room.Coordinator
	registry    *registry.Registry
	catalog     *scenes.Catalog
	journal     JournalReader
	store       JournalStore
	auth        *Authenticator
	clock       clockwork.Clock
	timing      DeviceTiming
	startedAt   time.Time
}

func NewAPIHandler(coord *room.Coordinator, reg *registry.Registry, catalog *scenes.Catalog, j JournalReader, auth *Authenticator, clock clockwork.Clock, timing DeviceTiming) *APIHandler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &APIHandler{
		coordinator: coord,
		registry:    reg,
		catalog:     catalog,
		journal:     j,
		auth:        auth,
		clock:       clock,
		timing:      timing,
		startedAt:   clock.Now(),
	}
}

// RegisterRoutes mounts the dashboard API under /api.
func (h *APIHandler) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", h.HandleHealth).Methods(http.MethodGet)
	api.HandleFunc("/room", h.HandleRoom).Methods(http.MethodGet)
	api.HandleFunc("/stats", h.HandleStats).Methods(http.MethodGet)
	api.HandleFunc("/scenes", h.HandleScenes).Methods(http.MethodGet)
	api.HandleFunc("/journal", h.HandleJournal).Methods(http.MethodGet)
	api.HandleFunc("/config", h.HandleConfig).Methods(http.MethodGet)
	api.Handle("/command", h.auth.Middleware(http.HandlerFunc(h.HandleCommand))).Methods(http.MethodPost)
}

// HandleHealth handles GET /api/health
func (h *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	byStatus := h.registry.CountByStatus()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "OK",
		"timestamp": h.clock.Now().UTC().Format(time.RFC3339Nano),
		"uptime":    int64(h.clock.Since(h.startedAt).Seconds()),
		"clients": map[string]int{
			"total": h.registry.Count(),
			"ready": byStatus[registry.StatusReady],
		},
	})
}

// HandleRoom handles GET /api/room
func (h *APIHandler) HandleRoom(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coordinator.Snapshot())
}

// HandleStats handles GET /api/stats
func (h *APIHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coordinator.Stats())
}

// HandleScenes handles GET /api/scenes
func (h *APIHandler) HandleScenes(w http.ResponseWriter, r *http.Request) {
	list := []scenes.Scene{}
	if h.catalog != nil {
		list = h.catalog.All()
	}
	writeJSON(w, http.StatusOK, map[string]any{"scenes": list})
}

// HandleJournal handles GET /api/journal?limit=N&source=memory|db
func (h *APIHandler) HandleJournal(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries := []journal.Entry{}
	switch source := r.URL.Query().Get("source"); source {
	case "", "memory":
		if h.journal != nil {
			entries = h.journal.Recent(limit)
		}
	case "db":
		if h.store == nil {
			writeError(w, http.StatusNotFound, "persistent journal is not configured")
			return
		}
		stored, err := h.store.Recent(r.Context(), limit)
		if err != nil {
			log.Error().Err(err).Msg("failed to read persisted journal")
			writeError(w, http.StatusInternalServerError, "failed to read journal")
			return
		}
		if stored != nil {
			entries = stored
		}
	default:
		writeError(w, http.StatusBadRequest, "source must be memory or db")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// HandleConfig handles GET /api/config. URLs are derived from the request
// host so devices on the venue network get a reachable address.
func (h *APIHandler) HandleConfig(w http.ResponseWriter, r *http.Request) {
	clientIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		clientIP = host
	}
	isLocal := clientIP == "127.0.0.1" || clientIP == "::1"

	scheme, wsScheme := "http", "ws"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme, wsScheme = "https", "wss"
	}
	server := scheme + "://" + r.Host

	writeJSON(w, http.StatusOK, map[string]any{
		"network": map[string]any{
			"clientIP": clientIP,
			"isLocal":  isLocal,
		},
		"urls": map[string]string{
			"websocket": wsScheme + "://" + r.Host + "/ws",
			"server":    server,
		},
		"timing":        h.timing,
		"serverVersion": protocol.Version,
		"timestamp":     h.clock.Now().UnixMilli(),
	})
}

// HandleCommand handles POST /api/command
func (h *APIHandler) HandleCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	resp, err := submit(h.coordinator, req)
	if err != nil {
		if isRequestError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Error().Err(err).Str("command_type", string(req.CommandType)).Msg("failed to submit command")
		writeError(w, http.StatusInternalServerError, "failed to send command")
		return
	}

	log.Info().
		Str("command_type", string(resp.Command)).
		Str("operator", OperatorFrom(r.Context())).
		Msg("command sent via API")
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
