package ledger

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/lumora/backend/internal/httpx"
	"github.com/lumora/backend/internal/middleware"
	"github.com/lumora/backend/internal/models"
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

// GET /api/v1/me/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		httpx.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	bal, err := h.svc.GetBalance(r.Context(), p.UserID)
	if err != nil {
		h.log.Error("get balance failed", "user_id", p.UserID, "error", err)
		httpx.Error(w, http.StatusInternalServerError, "could not load balance")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"user_id": p.UserID, "balance": bal})
}

// GET /api/v1/me/ledger?limit=&offset=
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		httpx.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	page := Page{
		Limit:  httpx.QueryInt(r, "limit", DefaultPageSize),
		Offset: httpx.QueryInt(r, "offset", 0),
	}
	entries, err := h.svc.GetHistory(r.Context(), p.UserID, page)
	if err != nil {
		h.log.Error("list ledger failed", "user_id", p.UserID, "error", err)
		httpx.Error(w, http.StatusInternalServerError, "could not load history")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type adjustRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

// POST /api/v1/admin/users/{id}/adjust
func (h *Handler) AdminAdjust(w http.ResponseWriter, r *http.Request) {
	userID, ok := httpx.PathUUID(r, "id")
	if !ok {
		httpx.Error(w, http.StatusBadRequest, "invalid user id")
		return
	}
	var req adjustRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	desc := req.Description
	if desc == "" {
		desc = "admin adjustment"
	}
	receipt, err := h.svc.ApplyDelta(r.Context(), Delta{
		UserID:      userID,
		Amount:      req.Amount,
		Kind:        models.EntryAdminAdjust,
		Description: desc,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	admin := middleware.PrincipalFromCtx(r.Context())
	h.log.Info("admin balance adjustment", "admin_id", admin.UserID, "user_id", userID, "amount", req.Amount)
	httpx.WriteJSON(w, http.StatusOK, receipt)
}

// GET /api/v1/admin/users/{id}/reconcile
func (h *Handler) AdminReconcile(w http.ResponseWriter, r *http.Request) {
	userID, ok := httpx.PathUUID(r, "id")
	if !ok {
		httpx.Error(w, http.StatusBadRequest, "invalid user id")
		return
	}
	rec, err := h.svc.Reconcile(r.Context(), userID)
	if err != nil {
		h.log.Error("reconcile failed", "user_id", userID, "error", err)
		httpx.Error(w, http.StatusInternalServerError, "reconcile failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		httpx.Error(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, ErrZeroAmount), errors.Is(err, ErrInvalidKind), errors.Is(err, ErrWrongSign):
		httpx.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrUnknownUser):
		httpx.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicateEntry):
		httpx.Error(w, http.StatusConflict, err.Error())
	default:
		h.log.Error("ledger request failed", "error", err)
		httpx.Error(w, http.StatusInternalServerError, "internal error")
	}
}
