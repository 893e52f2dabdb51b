package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-captions/internal/capture"
	"github.com/loqalabs/loqa-captions/internal/controller"
	"github.com/loqalabs/loqa-captions/internal/eventstore"
	"github.com/loqalabs/loqa-captions/internal/inference"
	"github.com/loqalabs/loqa-captions/internal/language"
	"github.com/loqalabs/loqa-captions/internal/transcript"
)

const maxRequestBodySize = 1 << 16

// Captions is the controller surface the API drives.
type Captions interface {
	Load(ctx context.Context) error
	Start(ctx context.Context, deviceID, language string) error
	Stop(ctx context.Context) error
	Destroy(ctx context.Context) error
	Output() transcript.Output
	Status() controller.Status
	Subscribe(buffer int) (<-chan controller.Snapshot, func())
}

// Devices lists capture devices.
type Devices interface {
	Devices(ctx context.Context) ([]capture.Device, error)
}

// Sessions reads the diagnostics timeline.
type Sessions interface {
	ListSessions(ctx context.Context, limit int) ([]eventstore.Session, error)
	ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]eventstore.Event, error)
}

// Handler provides the local captions REST and WebSocket endpoints.
type Handler struct {
	captions Captions
	devices  Devices
	sessions Sessions
	logger   *slog.Logger
}

// NewHandler creates a handler. sessions may be nil when the timeline is
// disabled.
func NewHandler(captions Captions, devices Devices, sessions Sessions, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{
		captions: captions,
		devices:  devices,
		sessions: sessions,
		logger:   logger.With(slog.String("component", "api")),
	}
}

// RegisterRoutes registers all captions routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/languages", h.Languages)
	mux.HandleFunc("GET /v1/devices", h.Devices)
	mux.HandleFunc("GET /v1/captions", h.Captions)
	mux.HandleFunc("POST /v1/captions/load", h.Load)
	mux.HandleFunc("POST /v1/captions/start", h.Start)
	mux.HandleFunc("POST /v1/captions/stop", h.Stop)
	mux.HandleFunc("POST /v1/captions/destroy", h.Destroy)
	mux.HandleFunc("GET /v1/captions/stream", h.Stream)
	mux.HandleFunc("GET /v1/sessions", h.ListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}/events", h.ListSessionEvents)
}

// StartRequest is the body of POST /v1/captions/start.
type StartRequest struct {
	DeviceID string `json:"device_id"`
	Language string `json:"language"`
}

// CaptionsResponse is the body of GET /v1/captions.
type CaptionsResponse struct {
	Status controller.Status `json:"status"`
	Output transcript.Output `json:"output"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		unsupported *language.UnsupportedError
		devErr      *capture.DeviceError
		inferErr    *inference.InferenceError
	)
	switch {
	case errors.As(err, &unsupported):
		return http.StatusBadRequest
	case errors.As(err, &devErr):
		return http.StatusConflict
	case errors.As(err, &inferErr):
		return http.StatusBadGateway
	case errors.Is(err, controller.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(op+" failed", slog.String("error", err.Error()))
	}
	writeError(w, status, err.Error())
}

// Languages handles GET /v1/languages
func (h *Handler) Languages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, language.Supported())
}

// Devices handles GET /v1/devices
func (h *Handler) Devices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.devices.Devices(r.Context())
	if err != nil {
		h.fail(w, "list devices", err)
		return
	}
	if devices == nil {
		devices = []capture.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

// Captions handles GET /v1/captions
func (h *Handler) Captions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, CaptionsResponse{
		Status: h.captions.Status(),
		Output: h.captions.Output(),
	})
}

// Load handles POST /v1/captions/load
func (h *Handler) Load(w http.ResponseWriter, r *http.Request) {
	if err := h.captions.Load(r.Context()); err != nil {
		h.fail(w, "load model", err)
		return
	}
	writeJSON(w, http.StatusOK, h.captions.Status())
}

// Start handles POST /v1/captions/start
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Language == "" {
		writeError(w, http.StatusBadRequest, "language is required")
		return
	}
	if err := h.captions.Start(r.Context(), req.DeviceID, req.Language); err != nil {
		h.fail(w, "start captions", err)
		return
	}
	writeJSON(w, http.StatusOK, h.captions.Status())
}

// Stop handles POST /v1/captions/stop
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.captions.Stop(r.Context()); err != nil {
		h.fail(w, "stop captions", err)
		return
	}
	writeJSON(w, http.StatusOK, h.captions.Status())
}

// Destroy handles POST /v1/captions/destroy
func (h *Handler) Destroy(w http.ResponseWriter, r *http.Request) {
	if err := h.captions.Destroy(r.Context()); err != nil {
		h.fail(w, "destroy captions", err)
		return
	}
	writeJSON(w, http.StatusOK, h.captions.Status())
}

// ListSessions handles GET /v1/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeJSON(w, http.StatusOK, []eventstore.Session{})
		return
	}
	sessions, err := h.sessions.ListSessions(r.Context(), queryLimit(r))
	if err != nil {
		h.fail(w, "list sessions", err)
		return
	}
	if sessions == nil {
		sessions = []eventstore.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// ListSessionEvents handles GET /v1/sessions/{id}/events
func (h *Handler) ListSessionEvents(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeJSON(w, http.StatusOK, []eventstore.Event{})
		return
	}
	events, err := h.sessions.ListSessionEvents(r.Context(), r.PathValue("id"), queryLimit(r))
	if err != nil {
		h.fail(w, "list session events", err)
		return
	}
	if events == nil {
		events = []eventstore.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return 0
	}
	return min(limit, 1000)
}
