package notify

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/lumora/backend/internal/httpx"
	"github.com/lumora/backend/internal/middleware"
)

type Lister interface {
	ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]*Notification, error)
}

type Handler struct {
	list Lister
	log  *slog.Logger
}

func NewHandler(list Lister, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{list: list, log: log}
}

// GET /api/v1/me/notifications?limit=
func (h *Handler) ListMine(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		httpx.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit := httpx.QueryInt(r, "limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}
	list, err := h.list.ListForUser(r.Context(), p.UserID, limit)
	if err != nil {
		h.log.Error("list notifications failed", "user_id", p.UserID, "error", err)
		httpx.Error(w, http.StatusInternalServerError, "could not load notifications")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"notifications": list})
}
