package models

import (
	"time"

	"github.com/google/uuid"
)

// Giftcode is a limited-use redemption code. Code is stored normalised (trimmed, upper case).
type Giftcode struct {
	ID           uuid.UUID `json:"id"`
	Code         string    `json:"code"`
	RewardAmount int64     `json:"reward_amount"`
	TotalLimit   int       `json:"total_limit"`
	UsedCount    int       `json:"used_count"`
	MaxPerUser   int       `json:"max_per_user"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// GiftcodeUsage is one redemption. LedgerEntryID stays nil until the reward has been credited.
type GiftcodeUsage struct {
	ID            uuid.UUID  `json:"id"`
	GiftcodeID    uuid.UUID  `json:"giftcode_id"`
	UserID        uuid.UUID  `json:"user_id"`
	Seq           int        `json:"seq"`
	RewardAmount  int64      `json:"reward_amount"`
	LedgerEntryID *uuid.UUID `json:"ledger_entry_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}
