package topup

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/lumora/backend/internal/httpx"
	"github.com/lumora/backend/internal/middleware"
	"github.com/lumora/backend/internal/models"
	"github.com/lumora/backend/internal/notify"
)

// WebhookSecretHeader carries the shared secret on payment gateway callbacks.
const WebhookSecretHeader = "X-Webhook-Secret"

type Handler struct {
	svc           Service
	dispatch      notify.Dispatcher
	webhookSecret string
	log           *slog.Logger
}

func NewHandler(svc Service, dispatch notify.Dispatcher, webhookSecret string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, dispatch: dispatch, webhookSecret: webhookSecret, log: log}
}

// GET /api/v1/topup/packages
func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"packages": h.svc.Offers()})
}

// POST /api/v1/topup/transactions
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		httpx.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		PackageID string `json:"package_id"`
	}
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	t, err := h.svc.CreateTransaction(r.Context(), p.UserID, req.PackageID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, t)
}

// GET /api/v1/topup/transactions
func (h *Handler) ListMine(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		httpx.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	list, err := h.svc.List(r.Context(), Filter{
		Status: r.URL.Query().Get("status"),
		UserID: &p.UserID,
		Limit:  httpx.QueryInt(r, "limit", defaultListLimit),
		Offset: httpx.QueryInt(r, "offset", 0),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"transactions": list})
}

// GET /api/v1/topup/transactions/{id}
func (h *Handler) GetMine(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		httpx.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id, ok := httpx.PathUUID(r, "id")
	if !ok {
		httpx.Error(w, http.StatusBadRequest, "invalid transaction id")
		return
	}
	t, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if t.UserID != p.UserID && !p.IsAdmin() {
		h.writeError(w, ErrNotFound)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, t)
}

// GET /api/v1/admin/topups?status=
func (h *Handler) AdminList(w http.ResponseWriter, r *http.Request) {
	f := Filter{
		Status: r.URL.Query().Get("status"),
		Limit:  httpx.QueryInt(r, "limit", defaultListLimit),
		Offset: httpx.QueryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("user_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, "invalid user_id")
			return
		}
		f.UserID = &id
	}
	list, err := h.svc.List(r.Context(), f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"transactions": list})
}

// POST /api/v1/admin/topups/{id}/approve
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, models.TopupPaid)
}

// POST /api/v1/admin/topups/{id}/reject
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, models.TopupFailed)
}

func (h *Handler) settle(w http.ResponseWriter, r *http.Request, outcome string) {
	id, ok := httpx.PathUUID(r, "id")
	if !ok {
		httpx.Error(w, http.StatusBadRequest, "invalid transaction id")
		return
	}
	res, effects, err := h.svc.Settle(r.Context(), id, outcome)
	h.dispatch.Dispatch(r.Context(), effects...)
	h.writeSettle(w, res, err)
}

func (h *Handler) writeSettle(w http.ResponseWriter, res *SettleResult, err error) {
	switch {
	case err == nil:
		httpx.WriteJSON(w, http.StatusOK, res)
	case errors.Is(err, ErrAlreadySettled):
		httpx.WriteJSON(w, http.StatusOK, res)
	case errors.Is(err, ErrConflictingSettlement):
		httpx.WriteJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "transaction": res.Transaction})
	default:
		h.writeError(w, err)
	}
}

type bulkRequest struct {
	IDs     []uuid.UUID `json:"ids"`
	Outcome string      `json:"outcome"`
}

// POST /api/v1/admin/topups/bulk
func (h *Handler) Bulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !validOutcome(req.Outcome) {
		h.writeError(w, ErrInvalidOutcome)
		return
	}
	if len(req.IDs) == 0 || len(req.IDs) > 500 {
		httpx.Error(w, http.StatusBadRequest, "ids must hold 1 to 500 entries")
		return
	}
	results, effects := h.svc.BulkSettle(r.Context(), req.IDs, req.Outcome)
	h.dispatch.Dispatch(r.Context(), effects...)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"results": results})
}

// DELETE /api/v1/admin/topups/{id}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := httpx.PathUUID(r, "id")
	if !ok {
		httpx.Error(w, http.StatusBadRequest, "invalid transaction id")
		return
	}
	if err := h.svc.Delete(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/v1/webhooks/payments
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	got := r.Header.Get(WebhookSecretHeader)
	if h.webhookSecret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.webhookSecret)) != 1 {
		httpx.Error(w, http.StatusUnauthorized, "invalid webhook secret")
		return
	}
	var req struct {
		Code   string `json:"code"`
		Status string `json:"status"`
	}
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, effects, err := h.svc.SettleByCode(r.Context(), req.Code, req.Status)
	h.dispatch.Dispatch(r.Context(), effects...)
	if err != nil && !errors.Is(err, ErrAlreadySettled) {
		h.log.Warn("payment webhook not applied", "code", req.Code, "status", req.Status, "error", err)
	}
	h.writeSettle(w, res, err)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrUnknownPackage), errors.Is(err, ErrInvalidOutcome), errors.Is(err, ErrUnknownStatus):
		httpx.Error(w, http.StatusBadRequest, err.Error())
	default:
		h.log.Error("top-up request failed", "error", err)
		httpx.Error(w, http.StatusInternalServerError, "internal error")
	}
}
