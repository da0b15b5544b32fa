package giftcode

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/lumora/backend/internal/httpx"
	"github.com/lumora/backend/internal/middleware"
)

type Handler struct {
	svc Service
	log *slog.Logger
}

func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// POST /api/v1/giftcodes/redeem
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		httpx.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		Code string `json:"code"`
	}
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := h.svc.Redeem(r.Context(), p.UserID, req.Code)
	if err != nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusOK
	if !res.Credited {
		status = http.StatusAccepted
	}
	httpx.WriteJSON(w, status, res)
}

// GET /api/v1/admin/giftcodes
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"giftcodes": list})
}

// POST /api/v1/admin/giftcodes
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var in CreateInput
	if err := httpx.Decode(r, &in); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	g, err := h.svc.Create(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, g)
}

// PATCH /api/v1/admin/giftcodes/{id}
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := httpx.PathUUID(r, "id")
	if !ok {
		httpx.Error(w, http.StatusBadRequest, "invalid giftcode id")
		return
	}
	var in UpdateInput
	if err := httpx.Decode(r, &in); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	g, err := h.svc.Update(r.Context(), id, in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, g)
}

// DELETE /api/v1/admin/giftcodes/{id}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := httpx.PathUUID(r, "id")
	if !ok {
		httpx.Error(w, http.StatusBadRequest, "invalid giftcode id")
		return
	}
	hard, err := h.svc.Delete(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": hard, "deactivated": !hard})
}

// POST /api/v1/admin/giftcodes/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.ReconcilePending(r.Context())
	if err != nil {
		h.log.Error("giftcode reconcile incomplete", "credited", n, "error", err)
		httpx.WriteJSON(w, http.StatusInternalServerError, map[string]any{"credited": n, "error": "some credits failed"})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"credited": n})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidCode), errors.Is(err, ErrNotFound):
		httpx.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrLimitReached), errors.Is(err, ErrAlreadyRedeemed), errors.Is(err, ErrDuplicateCode):
		httpx.Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrLimitBelowUsage):
		httpx.Error(w, http.StatusBadRequest, err.Error())
	default:
		h.log.Error("giftcode request failed", "error", err)
		httpx.Error(w, http.StatusInternalServerError, "internal error")
	}
}
