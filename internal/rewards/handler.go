package rewards

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/lumora/backend/internal/httpx"
	"github.com/lumora/backend/internal/ledger"
	"github.com/lumora/backend/internal/middleware"
	"github.com/lumora/backend/internal/notify"
)

type Handler struct {
	svc      Service
	dispatch notify.Dispatcher
	log      *slog.Logger
}

func NewHandler(svc Service, dispatch notify.Dispatcher, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, dispatch: dispatch, log: log}
}

// POST /api/v1/rewards/check-in
func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		httpx.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	res, err := h.svc.CheckIn(r.Context(), p.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

// GET /api/v1/rewards/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		httpx.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	st, err := h.svc.Status(r.Context(), p.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, st)
}

// POST /api/v1/rewards/milestones/{day}/claim
func (h *Handler) ClaimMilestone(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		httpx.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	day, err := strconv.Atoi(r.PathValue("day"))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid milestone day")
		return
	}
	res, err := h.svc.ClaimMilestone(r.Context(), p.UserID, day)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

// GET /api/v1/leaderboard/weekly?limit=
func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.Leaderboard(r.Context(), httpx.QueryInt(r, "limit", 10))
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"leaderboard": list})
}

// GET /api/v1/admin/rewards/config
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Settings(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, st)
}

// PUT /api/v1/admin/rewards/config
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var st Settings
	if err := httpx.Decode(r, &st); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := h.svc.UpdateSettings(r.Context(), st); err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, st)
}

// POST /api/v1/admin/rewards/weekly-reset?week_start=2006-01-02
// Without week_start the previous week is closed.
func (h *Handler) RunWeeklyReset(w http.ResponseWriter, r *http.Request) {
	weekStart, ok := h.weekStartParam(w, r)
	if !ok {
		return
	}
	report, effects, err := h.svc.ResetWeeklyRewards(r.Context(), weekStart)
	h.dispatch.Dispatch(r.Context(), effects...)
	if err != nil {
		h.log.Error("manual weekly reset incomplete", "error", err)
		httpx.WriteJSON(w, http.StatusInternalServerError, map[string]any{"report": report, "error": err.Error()})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, report)
}

// GET /api/v1/admin/rewards/weekly-logs?week_start=2006-01-02
// Without week_start the previous week is listed.
func (h *Handler) WeeklyRewardLogs(w http.ResponseWriter, r *http.Request) {
	weekStart, ok := h.weekStartParam(w, r)
	if !ok {
		return
	}
	logs, err := h.svc.RewardLogs(r.Context(), weekStart)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"week_start": weekStart.Format(dayLayout), "winners": logs})
}

func (h *Handler) weekStartParam(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	v := r.URL.Query().Get("week_start")
	if v == "" {
		return h.svc.WeekStart(time.Now()).AddDate(0, 0, -7), true
	}
	t, err := time.Parse(dayLayout, v)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "week_start must be YYYY-MM-DD")
		return time.Time{}, false
	}
	return t, true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrAlreadyClaimed):
		httpx.Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrNotEligible):
		httpx.Error(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrUnknownMilestone):
		httpx.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidSettings):
		httpx.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrUnknownUser):
		httpx.Error(w, http.StatusNotFound, err.Error())
	default:
		h.log.Error("rewards request failed", "error", err)
		httpx.Error(w, http.StatusInternalServerError, "internal error")
	}
}
