package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"sessiond/cmd/internal/supervisor"
)

const (
	defaultMaxBodyBytes = 16 << 10
	defaultStartTimeout = 30 * time.Second
)

// Sessions is the part of the supervisor the handler drives. *supervisor.Supervisor implements it.
type Sessions interface {
	Start(ctx context.Context, id string, opts supervisor.StartOptions) (supervisor.Status, error)
	Delete(ctx context.Context, id string) error
	Get(id string) (supervisor.Status, bool)
	List() []supervisor.Status
}

// Handler serves the session lifecycle routes.
type Handler struct {
	log      *slog.Logger
	sessions Sessions

	maxBodyBytes int64
	startTimeout time.Duration
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithStartTimeout bounds how long POST /sessions waits for the engine handshake.
func WithStartTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.startTimeout = d
		}
	}
}

// NewHandler constructs a Handler over sessions.
func NewHandler(log *slog.Logger, sessions Sessions, opts ...HandlerOption) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		log:          log,
		sessions:     sessions,
		maxBodyBytes: defaultMaxBodyBytes,
		startTimeout: defaultStartTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Register wires the routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /sessions", h.handleList)
	mux.HandleFunc("POST /sessions", h.handleStart)
	mux.HandleFunc("GET /sessions/{id}", h.handleGet)
	mux.HandleFunc("DELETE /sessions/{id}", h.handleDelete)
}

// ---- handlers ----

func (h *Handler) handleList(w http.ResponseWriter, _ *http.Request) {
	list := h.sessions.List()
	if list == nil {
		list = []supervisor.Status{}
	}
	writeJSON(w, http.StatusOK, listResponse{Sessions: list})
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	mode, err := supervisor.ParseMode(strings.TrimSpace(req.Mode))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "mode must be qr or pairing_code")
		return
	}

	var pc pairingCapture
	opts := supervisor.StartOptions{
		Mode:          mode,
		PhoneNumber:   req.PhoneNumber,
		PrintQR:       req.PrintQR,
		OnPairingCode: pc.set,
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.startTimeout)
	defer cancel()

	id := strings.TrimSpace(req.SessionID)
	st, err := h.sessions.Start(ctx, id, opts)
	if err != nil {
		h.writeStartError(w, id, err)
		return
	}

	h.log.Info("api.session.start", "session_id", id, "mode", mode.String())
	w.Header().Set("Location", "/sessions/"+id)
	writeJSON(w, http.StatusCreated, startResponse{Session: st, PairingCode: pc.take()})
}

// pairingCapture keeps the pairing code issued during Start. Codes issued by later
// reconnects arrive after take and are dropped; they reach clients through the event bus.
type pairingCapture struct {
	mu   sync.Mutex
	code string
	done bool
}

func (p *pairingCapture) set(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.done {
		p.code = code
	}
}

func (p *pairingCapture) take() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = true
	return p.code
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, ok := h.sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: st})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := h.sessions.Delete(r.Context(), id)
	switch {
	case err == nil:
		h.log.Info("api.session.delete", "session_id", id)
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, supervisor.ErrInvalidSessionID):
		writeError(w, http.StatusBadRequest, "invalid_session_id", "invalid session id")
	default:
		h.log.Error("api.session.delete.fail", "session_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func (h *Handler) writeStartError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, supervisor.ErrInvalidSessionID):
		writeError(w, http.StatusBadRequest, "invalid_session_id", "invalid session id")
	case errors.Is(err, supervisor.ErrInvalidPhone):
		writeError(w, http.StatusBadRequest, "bad_request", "invalid phone_number")
	case errors.Is(err, supervisor.ErrInvalidMode):
		writeError(w, http.StatusBadRequest, "bad_request", "invalid mode")
	case errors.Is(err, supervisor.ErrSessionExists):
		writeError(w, http.StatusConflict, "session_exists", "session already exists")
	case errors.Is(err, supervisor.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "supervisor_closed", "supervisor is shutting down")
	default:
		h.log.Error("api.session.start.fail", "session_id", id, "err", err)
		writeError(w, http.StatusBadGateway, "start_failed", "engine did not accept the session")
	}
}
