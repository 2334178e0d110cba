package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ashureev/stella/internal/domain"
	"github.com/ashureev/stella/internal/stock"
	"github.com/ashureev/stella/internal/store"
)

const maxEventLimit = 500

// ListEvents returns recorded notification events, newest first. Query
// parameters: session_id, type, limit.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.EventFilter{
		SessionKey: q.Get("session_id"),
		Type:       domain.EventType(q.Get("type")),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = min(n, maxEventLimit)
	}

	events, err := h.repo.ListEvents(r.Context(), f)
	if err != nil {
		h.logger.Error("Failed to list events", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	JSON(w, http.StatusOK, map[string]any{"events": events})
}

// GetStock returns the current stock snapshot.
func (h *Handler) GetStock(w http.ResponseWriter, r *http.Request) {
	snap, err := h.stock.Load(r.Context())
	if err != nil {
		h.logger.Warn("Stock unavailable", "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, stock.ErrUnavailable) {
			status = http.StatusServiceUnavailable
		}
		Error(w, status, "stock unavailable")
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"items":    snap.Levels(),
		"taken_at": snap.TakenAt(),
	})
}
