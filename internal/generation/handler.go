package generation

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/lumora/backend/internal/credentials"
	"github.com/lumora/backend/internal/httpx"
	"github.com/lumora/backend/internal/ledger"
	"github.com/lumora/backend/internal/middleware"
)

type Handler struct {
	svc       *Service
	validator *Validator
	log       *slog.Logger
}

func NewHandler(svc *Service, validator *Validator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, validator: validator, log: log}
}

// POST /api/v1/generations
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		httpx.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "could not read body")
		return
	}
	req, err := h.validator.Parse(body)
	if err != nil {
		h.writeError(w, err)
		return
	}
	res, err := h.svc.Generate(r.Context(), p.UserID, req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

// GET /api/v1/generations/quote?tier=&resolution=&add_ons=a,b&count=
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := Request{Tier: q.Get("tier"), Resolution: q.Get("resolution")}
	if a := q.Get("add_ons"); a != "" {
		req.AddOns = strings.Split(a, ",")
	}
	if c := q.Get("count"); c != "" {
		n, err := strconv.Atoi(c)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, "count must be an integer")
			return
		}
		req.Count = n
	}
	quote, err := h.svc.Quote(req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, quote)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var ext *ExternalServiceError
	switch {
	case errors.Is(err, ErrInvalidRequest):
		httpx.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		httpx.Error(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, ErrDuplicateJob):
		httpx.Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrRefundFailed):
		h.log.Error("generation failed without refund", "error", err)
		httpx.Error(w, http.StatusInternalServerError, "generation failed; refund pending review")
	case errors.Is(err, credentials.ErrNoCredentialsAvailable):
		httpx.Error(w, http.StatusServiceUnavailable, "generation service unavailable")
	case errors.As(err, &ext):
		if ext.Kind == KindSafetyRejected {
			httpx.Error(w, http.StatusUnprocessableEntity, "request rejected by content policy; coins refunded")
			return
		}
		httpx.Error(w, http.StatusBadGateway, "generation failed ("+ext.Kind+"); coins refunded")
	default:
		h.log.Error("generation request failed", "error", err)
		httpx.Error(w, http.StatusInternalServerError, "internal error")
	}
}
