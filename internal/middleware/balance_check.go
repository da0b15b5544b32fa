package middleware

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/lumora/backend/internal/httpx"
)

const maxCheckedBody = 1 << 20

// BalanceReader is implemented by ledger.Service.
type BalanceReader interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (int64, error)
}

// CostFunc prices a request body. An error means the body is not a valid request.
type CostFunc func(body []byte) (int64, error)

// BalanceCheck rejects a billable request early when the caller's balance
// cannot cover its price. It reads the body to price it, then replaces r.Body
// so downstream handlers can re-read it. Bodies that cannot be priced are
// passed through for the handler to reject. The ledger's own check at
// reservation time remains authoritative.
func BalanceCheck(balances BalanceReader, cost CostFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFromCtx(r.Context())
			if p == nil {
				httpx.Error(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxCheckedBody))
			r.Body.Close()
			if err != nil {
				httpx.Error(w, http.StatusBadRequest, "failed to read body")
				return
			}
			// Restore body for the handler.
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			price, err := cost(bodyBytes)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			balance, err := balances.GetBalance(r.Context(), p.UserID)
			if err != nil {
				httpx.Error(w, http.StatusInternalServerError, "failed to check balance")
				return
			}
			if balance < price {
				httpx.Error(w, http.StatusPaymentRequired, fmt.Sprintf("insufficient funds: cost %d, balance %d", price, balance))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
