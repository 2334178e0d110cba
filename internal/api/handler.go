// Package api provides HTTP handlers for the kiosk API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/stella/internal/domain"
	"github.com/ashureev/stella/internal/identity"
	"github.com/ashureev/stella/internal/session"
	"github.com/ashureev/stella/internal/stock"
	"github.com/ashureev/stella/internal/store"
	"github.com/ashureev/stella/internal/workflow"
)

const maxRequestBodySize = 64 << 10

// Workflow is the state machine surface the handlers drive.
type Workflow interface {
	Start(ctx context.Context, key string) (domain.SessionView, error)
	Session(ctx context.Context, key string) (domain.SessionView, bool)
	End(key string) bool
	HandleMessage(ctx context.Context, key, text string) (workflow.Outcome, error)
	Authenticate(ctx context.Context, key, userName, pin string) (workflow.Result, error)
	SubmitItems(ctx context.Context, key string, items []domain.Item) (workflow.Result, error)
	Confirm(ctx context.Context, key string) (workflow.Result, error)
	Cancel(ctx context.Context, key string) (workflow.Result, error)
	ConfirmIdentity(ctx context.Context, key string) (workflow.Result, error)
	SubmitFallbackPIN(ctx context.Context, key, pin string) (workflow.Result, error)
}

var _ Workflow = (*workflow.Workflow)(nil)

// Handler serves the session, message, withdrawal and audit endpoints.
type Handler struct {
	wf      Workflow
	repo    store.Repository
	stock   stock.Source
	limiter *RateLimiter
	logger  *slog.Logger
}

// NewHandler creates a handler. limiter may be nil to disable message
// throttling.
func NewHandler(wf Workflow, repo store.Repository, src stock.Source, limiter *RateLimiter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		wf:      wf,
		repo:    repo,
		stock:   src,
		limiter: limiter,
		logger:  logger,
	}
}

// RegisterRoutes registers the API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/session/start", h.StartSession)
		r.Post("/session/end", h.EndSession)
		r.Get("/session", h.GetSession)
		r.Post("/messages", h.PostMessage)
		r.Post("/auth", h.Authenticate)
		r.Post("/withdrawal", h.SubmitWithdrawal)
		r.Post("/withdrawal/confirm", h.ConfirmWithdrawal)
		r.Post("/withdrawal/cancel", h.CancelWithdrawal)
		r.Post("/identity/verify", h.VerifyIdentity)
		r.Post("/identity/pin", h.FallbackPIN)
		r.Get("/events", h.ListEvents)
		r.Get("/stock", h.GetStock)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	Error(w, http.StatusBadRequest, "invalid request body")
	return false
}

// writeFailure maps workflow errors to HTTP statuses.
func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, workflow.ErrEmptyText):
		Error(w, http.StatusBadRequest, "text is required")
	case errors.Is(err, workflow.ErrTextTooLong):
		Error(w, http.StatusBadRequest, "text is too long")
	case errors.Is(err, session.ErrEmptyKey):
		Error(w, http.StatusBadRequest, "session_id required")
	default:
		h.logger.Error("Request failed", "operation", op, "session_id", identity.SessionKeyFromContext(r.Context()), "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

func sessionKey(r *http.Request) string {
	return identity.SessionKeyFromContext(r.Context())
}
