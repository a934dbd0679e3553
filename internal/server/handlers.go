package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"pulsecast/internal/archive"
	"pulsecast/internal/compositor"
	"pulsecast/internal/gateway"
	"pulsecast/internal/media"
	"pulsecast/internal/models"
	"pulsecast/internal/orchestrator"
)

// SessionController is the orchestrator surface the control API drives.
type SessionController interface {
	StartStreaming(ctx context.Context, req orchestrator.StartRequest) (models.StreamingSession, error)
	StopStreaming(ctx context.Context) error
	SetComposition(comp *compositor.SceneComposition, transition *compositor.TransitionConfig) error
	RegisterSource(id string, element media.Renderable)
	Session() (models.StreamingSession, bool)
	Archive() archive.Repository
}

// Handler serves the /api routes.
type Handler struct {
	Controller SessionController
	Logger     *slog.Logger
}

type startSessionRequest struct {
	Platforms   []orchestrator.PlatformConfig `json:"platforms"`
	Composition *compositor.SceneComposition  `json:"composition"`
	Connection  startConnectionRequest        `json:"connection"`
	Transition  *compositor.TransitionConfig  `json:"transition,omitempty"`
}

type startConnectionRequest struct {
	Endpoint    string              `json:"endpoint"`
	BearerToken string              `json:"bearerToken,omitempty"`
	ICEServers  []gateway.ICEServer `json:"iceServers,omitempty"`
	CodecPrefs  []string            `json:"codecPreferences,omitempty"`
}

type switchCompositionRequest struct {
	Composition *compositor.SceneComposition `json:"composition"`
	Transition  *compositor.TransitionConfig `json:"transition,omitempty"`
}

// Sessions handles the /api/sessions collection.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.startSession(w, r)
	case http.MethodGet:
		h.listSessions(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// SessionByID handles /api/sessions/{id} and /api/sessions/{id}/composition.
func (h *Handler) SessionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("session id is required"))
		return
	}
	switch {
	case sub == "" && r.Method == http.MethodGet:
		h.getSession(w, r, id)
	case sub == "" && r.Method == http.MethodDelete:
		h.stopSession(w, r, id)
	case sub == "composition" && r.Method == http.MethodPost:
		h.switchComposition(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Composition == nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("composition is required"))
		return
	}
	if len(req.Platforms) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("at least one platform is required"))
		return
	}
	if strings.TrimSpace(req.Connection.Endpoint) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("connection endpoint is required"))
		return
	}

	session, err := h.Controller.StartStreaming(r.Context(), orchestrator.StartRequest{
		Platforms:   req.Platforms,
		Composition: req.Composition,
		Connection: gateway.ConnectionConfig{
			Endpoint:         req.Connection.Endpoint,
			BearerToken:      req.Connection.BearerToken,
			ICEServers:       req.Connection.ICEServers,
			CodecPreferences: req.Connection.CodecPrefs,
		},
	})
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrSessionActive):
			writeError(w, http.StatusConflict, err)
		case errors.Is(err, orchestrator.ErrNoPlatformsLive):
			writeError(w, http.StatusBadGateway, err)
		case errors.Is(err, gateway.ErrNegotiationFailed), errors.Is(err, gateway.ErrTimeout):
			writeError(w, http.StatusBadGateway, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}
	sessions, err := h.Controller.Archive().List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request, id string) {
	// The active session carries live connection quality; archived records
	// hold the last persisted snapshot.
	if active, ok := h.Controller.Session(); ok && active.ID == id {
		writeJSON(w, http.StatusOK, active)
		return
	}
	session, err := h.Controller.Archive().Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("session %s not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) stopSession(w http.ResponseWriter, r *http.Request, id string) {
	active, ok := h.Controller.Session()
	if !ok || active.ID != id {
		writeError(w, http.StatusNotFound, fmt.Errorf("no active session with id %s", id))
		return
	}
	if err := h.Controller.StopStreaming(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) switchComposition(w http.ResponseWriter, r *http.Request, id string) {
	active, ok := h.Controller.Session()
	if !ok || active.ID != id {
		writeError(w, http.StatusNotFound, fmt.Errorf("no active session with id %s", id))
		return
	}
	var req switchCompositionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Composition == nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("composition is required"))
		return
	}
	if err := h.Controller.SetComposition(req.Composition, req.Transition); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type healthResponse struct {
	Status        string `json:"status"`
	ActiveSession string `json:"activeSession,omitempty"`
	SessionStatus string `json:"sessionStatus,omitempty"`
}

// Health reports process liveness and the active session, if any.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	resp := healthResponse{Status: "ok"}
	if session, ok := h.Controller.Session(); ok {
		resp.ActiveSession = session.ID
		resp.SessionStatus = string(session.Status)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}
