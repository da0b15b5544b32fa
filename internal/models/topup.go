package models

import (
	"time"

	"github.com/google/uuid"
)

// Top-up transaction statuses. pending is initial; paid and failed are terminal.
const (
	TopupPending = "pending"
	TopupPaid    = "paid"
	TopupFailed  = "failed"
)

type TopupTransaction struct {
	ID            uuid.UUID  `json:"id"`
	UserID        uuid.UUID  `json:"user_id"`
	PackageID     string     `json:"package_id"`
	AmountDue     int64      `json:"amount_due"`
	Currency      string     `json:"currency"`
	CoinsToCredit int64      `json:"coins_to_credit"`
	Code          string     `json:"code"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	SettledAt     *time.Time `json:"settled_at,omitempty"`
}
