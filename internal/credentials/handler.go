package credentials

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/lumora/backend/internal/httpx"
)

type Handler struct {
	mgr *Manager
	log *slog.Logger
}

func NewHandler(mgr *Manager, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{mgr: mgr, log: log}
}

// GET /api/v1/admin/credentials
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.mgr.List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, c := range list {
		out = append(out, map[string]any{
			"id":            c.ID,
			"label":         c.Label,
			"secret_ref":    c.Redacted(),
			"status":        c.Status,
			"failure_count": c.FailureCount,
			"last_used_at":  c.LastUsedAt,
			"last_error":    c.LastError,
			"created_at":    c.CreatedAt,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"credentials": out, "active": h.mgr.ActiveCount()})
}

// POST /api/v1/admin/credentials
func (h *Handler) Add(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Label     string `json:"label"`
		SecretRef string `json:"secret_ref"`
	}
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	c, err := h.mgr.Add(r.Context(), req.Label, req.SecretRef)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"id": c.ID, "label": c.Label, "secret_ref": c.Redacted(), "status": c.Status})
}

func (h *Handler) withID(w http.ResponseWriter, r *http.Request, fn func(id uuid.UUID) error) {
	id, ok := httpx.PathUUID(r, "id")
	if !ok {
		httpx.Error(w, http.StatusBadRequest, "invalid credential id")
		return
	}
	if err := fn(id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DELETE /api/v1/admin/credentials/{id}
func (h *Handler) Remove(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, func(id uuid.UUID) error { return h.mgr.Remove(r.Context(), id) })
}

// POST /api/v1/admin/credentials/{id}/disable
func (h *Handler) Disable(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, func(id uuid.UUID) error { return h.mgr.Disable(r.Context(), id) })
}

// POST /api/v1/admin/credentials/{id}/enable
func (h *Handler) Enable(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, func(id uuid.UUID) error { return h.mgr.Enable(r.Context(), id) })
}

// POST /api/v1/admin/credentials/{id}/test
func (h *Handler) Test(w http.ResponseWriter, r *http.Request) {
	id, ok := httpx.PathUUID(r, "id")
	if !ok {
		httpx.Error(w, http.StatusBadRequest, "invalid credential id")
		return
	}
	res, err := h.mgr.Test(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

// POST /api/v1/admin/credentials/test
func (h *Handler) TestAll(w http.ResponseWriter, r *http.Request) {
	res, err := h.mgr.TestAll(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"results": res})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidInput):
		httpx.Error(w, http.StatusBadRequest, err.Error())
	default:
		h.log.Error("credential request failed", "error", err)
		httpx.Error(w, http.StatusInternalServerError, "internal error")
	}
}
