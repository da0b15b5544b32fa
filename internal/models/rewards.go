package models

import (
	"time"

	"github.com/google/uuid"
)

type CheckIn struct {
	UserID    uuid.UUID `json:"user_id"`
	Day       time.Time `json:"day"`
	Reward    int64     `json:"reward"`
	CreatedAt time.Time `json:"created_at"`
}

// MilestoneClaim is unique per (user, cycle, milestone day); cycle is the calendar month "2006-01".
type MilestoneClaim struct {
	UserID       uuid.UUID `json:"user_id"`
	Cycle        string    `json:"cycle"`
	MilestoneDay int       `json:"milestone_day"`
	Reward       int64     `json:"reward"`
	CreatedAt    time.Time `json:"created_at"`
}

// WeeklyScore is one leaderboard row. CreatedAt is the user's account creation time (tie-break).
type WeeklyScore struct {
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Score       int64     `json:"score"`
	CreatedAt   time.Time `json:"-"`
}

// WeeklyRewardLog is a winner recorded when a week closes. PaidAt is set once the reward is credited.
type WeeklyRewardLog struct {
	UserID            uuid.UUID  `json:"user_id"`
	WeekStart         time.Time  `json:"week_start"`
	Rank              int        `json:"rank"`
	Score             int64      `json:"score"`
	Reward            int64      `json:"reward"`
	RewardDescription string     `json:"reward_description"`
	LedgerEntryID     *uuid.UUID `json:"ledger_entry_id,omitempty"`
	PaidAt            *time.Time `json:"paid_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}
