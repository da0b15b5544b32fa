package models

import (
	"time"

	"github.com/google/uuid"
)

// Ledger entry kinds.
const (
	EntryUsage       = "usage"
	EntryTopup       = "topup"
	EntryReward      = "reward"
	EntryGiftcode    = "giftcode"
	EntryRefund      = "refund"
	EntryAdminAdjust = "admin_adjust"
)

// ValidEntryKind reports whether kind is one of the ledger entry kinds.
func ValidEntryKind(kind string) bool {
	switch kind {
	case EntryUsage, EntryTopup, EntryReward, EntryGiftcode, EntryRefund, EntryAdminAdjust:
		return true
	}
	return false
}

// Balance is the per-user coin balance row. Only the ledger mutates it.
type Balance struct {
	UserID    uuid.UUID `json:"user_id"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerEntry is an immutable record of one balance change.
type LedgerEntry struct {
	ID          uuid.UUID  `json:"id"`
	UserID      uuid.UUID  `json:"user_id"`
	Amount      int64      `json:"amount"`
	Kind        string     `json:"kind"`
	Description string     `json:"description"`
	RelatedID   *uuid.UUID `json:"related_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
