package router

import (
	"net/http"

	"github.com/lumora/backend/internal/auth"
	"github.com/lumora/backend/internal/credentials"
	"github.com/lumora/backend/internal/generation"
	"github.com/lumora/backend/internal/giftcode"
	"github.com/lumora/backend/internal/httpx"
	"github.com/lumora/backend/internal/ledger"
	"github.com/lumora/backend/internal/middleware"
	"github.com/lumora/backend/internal/notify"
	"github.com/lumora/backend/internal/rewards"
	"github.com/lumora/backend/internal/topup"
)

// Handlers bundles every HTTP handler the API serves.
type Handlers struct {
	Auth          *auth.Handler
	Ledger        *ledger.Handler
	Rewards       *rewards.Handler
	Giftcodes     *giftcode.Handler
	Topups        *topup.Handler
	Generations   *generation.Handler
	Credentials   *credentials.Handler
	Notifications *notify.Handler

	Authenticator *middleware.Authenticator
	// GenerationGate runs before POST /generations; nil skips the early balance check.
	GenerationGate func(http.Handler) http.Handler
}

// New returns an http.Handler that serves the API under /api/v1.
func New(h Handlers) http.Handler {
	mux := http.NewServeMux()
	const base = "/api/v1"

	user := func(fn http.HandlerFunc) http.Handler {
		return h.Authenticator.Authenticate(fn)
	}
	admin := func(fn http.HandlerFunc) http.Handler {
		return h.Authenticator.Authenticate(middleware.RequireAdmin(fn))
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// public
	mux.HandleFunc("POST "+base+"/auth/register", h.Auth.Register)
	mux.HandleFunc("POST "+base+"/auth/login", h.Auth.Login)
	mux.HandleFunc("GET "+base+"/topup/packages", h.Topups.ListPackages)
	mux.HandleFunc("GET "+base+"/leaderboard/weekly", h.Rewards.Leaderboard)
	mux.HandleFunc("GET "+base+"/generations/quote", h.Generations.Quote)
	mux.HandleFunc("POST "+base+"/webhooks/payments", h.Topups.PaymentWebhook)

	// signed-in users
	mux.Handle("GET "+base+"/me", user(h.Auth.Me))
	mux.Handle("GET "+base+"/me/balance", user(h.Ledger.GetBalance))
	mux.Handle("GET "+base+"/me/ledger", user(h.Ledger.ListHistory))
	mux.Handle("GET "+base+"/me/notifications", user(h.Notifications.ListMine))

	mux.Handle("POST "+base+"/rewards/check-in", user(h.Rewards.CheckIn))
	mux.Handle("GET "+base+"/rewards/status", user(h.Rewards.Status))
	mux.Handle("POST "+base+"/rewards/milestones/{day}/claim", user(h.Rewards.ClaimMilestone))

	mux.Handle("POST "+base+"/giftcodes/redeem", user(h.Giftcodes.Redeem))

	mux.Handle("POST "+base+"/topup/transactions", user(h.Topups.Create))
	mux.Handle("GET "+base+"/topup/transactions", user(h.Topups.ListMine))
	mux.Handle("GET "+base+"/topup/transactions/{id}", user(h.Topups.GetMine))

	var generate http.Handler = http.HandlerFunc(h.Generations.Create)
	if h.GenerationGate != nil {
		generate = h.GenerationGate(generate)
	}
	mux.Handle("POST "+base+"/generations", h.Authenticator.Authenticate(generate))

	// admin
	mux.Handle("POST "+base+"/admin/users/{id}/adjust", admin(h.Ledger.AdminAdjust))
	mux.Handle("GET "+base+"/admin/users/{id}/reconcile", admin(h.Ledger.AdminReconcile))

	mux.Handle("GET "+base+"/admin/rewards/config", admin(h.Rewards.GetSettings))
	mux.Handle("PUT "+base+"/admin/rewards/config", admin(h.Rewards.UpdateSettings))
	mux.Handle("POST "+base+"/admin/rewards/weekly-reset", admin(h.Rewards.RunWeeklyReset))
	mux.Handle("GET "+base+"/admin/rewards/weekly-logs", admin(h.Rewards.WeeklyRewardLogs))

	mux.Handle("GET "+base+"/admin/giftcodes", admin(h.Giftcodes.List))
	mux.Handle("POST "+base+"/admin/giftcodes", admin(h.Giftcodes.Create))
	mux.Handle("POST "+base+"/admin/giftcodes/reconcile", admin(h.Giftcodes.Reconcile))
	mux.Handle("PATCH "+base+"/admin/giftcodes/{id}", admin(h.Giftcodes.Update))
	mux.Handle("DELETE "+base+"/admin/giftcodes/{id}", admin(h.Giftcodes.Delete))

	mux.Handle("GET "+base+"/admin/topups", admin(h.Topups.AdminList))
	mux.Handle("POST "+base+"/admin/topups/bulk", admin(h.Topups.Bulk))
	mux.Handle("POST "+base+"/admin/topups/{id}/approve", admin(h.Topups.Approve))
	mux.Handle("POST "+base+"/admin/topups/{id}/reject", admin(h.Topups.Reject))
	mux.Handle("DELETE "+base+"/admin/topups/{id}", admin(h.Topups.Delete))

	mux.Handle("GET "+base+"/admin/credentials", admin(h.Credentials.List))
	mux.Handle("POST "+base+"/admin/credentials", admin(h.Credentials.Add))
	mux.Handle("POST "+base+"/admin/credentials/test", admin(h.Credentials.TestAll))
	mux.Handle("DELETE "+base+"/admin/credentials/{id}", admin(h.Credentials.Remove))
	mux.Handle("POST "+base+"/admin/credentials/{id}/disable", admin(h.Credentials.Disable))
	mux.Handle("POST "+base+"/admin/credentials/{id}/enable", admin(h.Credentials.Enable))
	mux.Handle("POST "+base+"/admin/credentials/{id}/test", admin(h.Credentials.Test))

	return mux
}
