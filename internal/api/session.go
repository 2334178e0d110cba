package api

import (
	"net/http"

	"github.com/ashureev/stella/internal/domain"
	"github.com/ashureev/stella/internal/identity"
	"github.com/ashureev/stella/internal/workflow"
)

type messageRequest struct {
	Text string `json:"text"`
}

type authRequest struct {
	UserName string `json:"user_name"`
	PIN      string `json:"pin"`
}

type pinRequest struct {
	PIN string `json:"pin"`
}

type withdrawalRequest struct {
	Items []domain.Item `json:"items"`
}

// StartSession makes the caller's session the active one.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	view, err := h.wf.Start(r.Context(), sessionKey(r))
	if err != nil {
		h.writeFailure(w, r, "start_session", err)
		return
	}
	JSON(w, http.StatusOK, view)
}

// EndSession ends the caller's session and discards any pending withdrawal.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)
	if key == "" {
		Error(w, http.StatusBadRequest, "session_id required")
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"session_id": key,
		"ended":      h.wf.End(key),
	})
}

// GetSession returns the caller's session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	view, ok := h.wf.Session(r.Context(), sessionKey(r))
	if !ok {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	JSON(w, http.StatusOK, view)
}

// PostMessage interprets one utterance. The outcome is also pushed to the
// session's realtime client.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil {
		client := identity.DeviceIDFromContext(r.Context())
		if client == "" {
			client = sessionKey(r)
		}
		if !h.limiter.Allow(client) {
			Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	var req messageRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := h.wf.HandleMessage(r.Context(), sessionKey(r), req.Text)
	if err != nil {
		h.writeFailure(w, r, "message", err)
		return
	}
	JSON(w, http.StatusOK, out)
}

// Authenticate checks the unit PIN and registers the user's face.
func (h *Handler) Authenticate(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if !decode(w, r, &req) {
		return
	}
	if req.PIN == "" {
		Error(w, http.StatusBadRequest, "pin is required")
		return
	}
	h.writeResult(w, r, "authenticate", func() (workflow.Result, error) {
		return h.wf.Authenticate(r.Context(), sessionKey(r), req.UserName, req.PIN)
	})
}

// SubmitWithdrawal opens a withdrawal request with explicit items.
func (h *Handler) SubmitWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req withdrawalRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Items) == 0 {
		Error(w, http.StatusBadRequest, "items are required")
		return
	}
	h.writeResult(w, r, "submit_items", func() (workflow.Result, error) {
		return h.wf.SubmitItems(r.Context(), sessionKey(r), req.Items)
	})
}

// ConfirmWithdrawal re-checks the pending request against fresh stock.
func (h *Handler) ConfirmWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.writeResult(w, r, "confirm", func() (workflow.Result, error) {
		return h.wf.Confirm(r.Context(), sessionKey(r))
	})
}

// CancelWithdrawal discards the pending request.
func (h *Handler) CancelWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.writeResult(w, r, "cancel", func() (workflow.Result, error) {
		return h.wf.Cancel(r.Context(), sessionKey(r))
	})
}

// VerifyIdentity runs the face validation loop.
func (h *Handler) VerifyIdentity(w http.ResponseWriter, r *http.Request) {
	h.writeResult(w, r, "confirm_identity", func() (workflow.Result, error) {
		return h.wf.ConfirmIdentity(r.Context(), sessionKey(r))
	})
}

// FallbackPIN completes a request waiting for the fallback PIN.
func (h *Handler) FallbackPIN(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if !decode(w, r, &req) {
		return
	}
	if req.PIN == "" {
		Error(w, http.StatusBadRequest, "pin is required")
		return
	}
	h.writeResult(w, r, "fallback_pin", func() (workflow.Result, error) {
		return h.wf.SubmitFallbackPIN(r.Context(), sessionKey(r), req.PIN)
	})
}

// writeResult runs op and writes its Result. Refused transitions are still
// 200; the body carries ok=false and the reply to show.
func (h *Handler) writeResult(w http.ResponseWriter, r *http.Request, name string, op func() (workflow.Result, error)) {
	res, err := op()
	if err != nil {
		h.writeFailure(w, r, name, err)
		return
	}
	JSON(w, http.StatusOK, res)
}
