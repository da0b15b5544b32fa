package giftcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lumora/backend/internal/db"
	"github.com/lumora/backend/internal/ledger"
	"github.com/lumora/backend/internal/models"
)

var (
	ErrInvalidCode     = errors.New("invalid giftcode")
	ErrLimitReached    = errors.New("giftcode usage limit reached")
	ErrAlreadyRedeemed = errors.New("giftcode already redeemed")
	ErrDuplicateCode   = errors.New("giftcode already exists")
	ErrNotFound        = errors.New("giftcode not found")
	ErrInvalidInput    = errors.New("invalid giftcode input")
	ErrLimitBelowUsage = errors.New("total limit below current usage")

	errAlreadyCredited = errors.New("usage already credited")
)

const reconcileBatch = 100

// PendingUsage is a usage whose reward has not reached the ledger yet.
type PendingUsage struct {
	models.GiftcodeUsage
	Code string
}

type RedeemResult struct {
	Code         string `json:"code"`
	RewardAmount int64  `json:"reward_amount"`
	NewBalance   int64  `json:"new_balance,omitempty"`
	// Credited is false when the reward is queued for reconciliation.
	Credited bool `json:"credited"`
}

type CreateInput struct {
	Code         string `json:"code"`
	RewardAmount int64  `json:"reward_amount"`
	TotalLimit   int    `json:"total_limit"`
	MaxPerUser   int    `json:"max_per_user"`
	IsActive     *bool  `json:"is_active"`
}

type UpdateInput struct {
	RewardAmount *int64 `json:"reward_amount"`
	TotalLimit   *int   `json:"total_limit"`
	MaxPerUser   *int   `json:"max_per_user"`
	IsActive     *bool  `json:"is_active"`
}

type Service interface {
	Redeem(ctx context.Context, userID uuid.UUID, code string) (*RedeemResult, error)
	ReconcilePending(ctx context.Context) (int, error)
	Create(ctx context.Context, in CreateInput) (*models.Giftcode, error)
	Update(ctx context.Context, id uuid.UUID, in UpdateInput) (*models.Giftcode, error)
	Delete(ctx context.Context, id uuid.UUID) (hard bool, err error)
	List(ctx context.Context) ([]*models.Giftcode, error)
}

type Store interface {
	db.TxBeginner
	GetActiveByCodeTx(ctx context.Context, tx pgx.Tx, code string) (*models.Giftcode, error)
	CountUserUsagesTx(ctx context.Context, tx pgx.Tx, giftcodeID, userID uuid.UUID) (int, error)
	IncrementUsedTx(ctx context.Context, tx pgx.Tx, giftcodeID uuid.UUID) (bool, error)
	InsertUsageTx(ctx context.Context, tx pgx.Tx, u *models.GiftcodeUsage) error
	MarkCreditedTx(ctx context.Context, tx pgx.Tx, usageID, entryID uuid.UUID) (bool, error)
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*PendingUsage, error)
	Create(ctx context.Context, g *models.Giftcode) error
	Update(ctx context.Context, id uuid.UUID, in UpdateInput) (*models.Giftcode, error)
	Delete(ctx context.Context, id uuid.UUID) (bool, error)
	List(ctx context.Context) ([]*models.Giftcode, error)
}

type service struct {
	store  Store
	ledger ledger.Service
	grace  time.Duration
	log    *slog.Logger
}

// NewService creates the redemption service. grace is how old an uncredited usage must be
// before the reconciler picks it up, leaving in-flight redemptions alone.
func NewService(store Store, ledgerSvc ledger.Service, grace time.Duration, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	return &service{store: store, ledger: ledgerSvc, grace: grace, log: log}
}

var _ Service = (*service)(nil)

// Normalize trims and upper-cases a code as typed by a user.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Redeem claims one use of code for the user and credits the reward. The usage row and
// counter increment commit first; the credit follows in its own transaction and, if it
// fails, is left to ReconcilePending rather than undone.
func (s *service) Redeem(ctx context.Context, userID uuid.UUID, code string) (*RedeemResult, error) {
	code = Normalize(code)
	if code == "" {
		return nil, ErrInvalidCode
	}
	var usage models.GiftcodeUsage
	err := db.RunInTx(ctx, s.store, func(tx pgx.Tx) error {
		g, err := s.store.GetActiveByCodeTx(ctx, tx, code)
		if err != nil {
			return err
		}
		// The gate runs first: an exhausted code reports LimitReached to everyone,
		// and its row lock serialises a user's concurrent attempts on the count below.
		ok, err := s.store.IncrementUsedTx(ctx, tx, g.ID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrLimitReached
		}
		n, err := s.store.CountUserUsagesTx(ctx, tx, g.ID, userID)
		if err != nil {
			return err
		}
		if n >= g.MaxPerUser {
			return ErrAlreadyRedeemed
		}
		usage = models.GiftcodeUsage{GiftcodeID: g.ID, UserID: userID, Seq: n + 1, RewardAmount: g.RewardAmount}
		return s.store.InsertUsageTx(ctx, tx, &usage)
	})
	if err != nil {
		return nil, err
	}
	res := &RedeemResult{Code: code, RewardAmount: usage.RewardAmount}
	receipt, err := s.credit(ctx, &PendingUsage{GiftcodeUsage: usage, Code: code})
	if err != nil {
		s.log.Error("giftcode credit failed, left for reconciliation",
			"usage_id", usage.ID, "user_id", userID, "code", code, "error", err, "reconcile", true)
		return res, nil
	}
	res.Credited = true
	res.NewBalance = receipt.NewBalance
	return res, nil
}

func (s *service) credit(ctx context.Context, u *PendingUsage) (*ledger.Receipt, error) {
	var receipt *ledger.Receipt
	err := db.RunInTx(ctx, s.store, func(tx pgx.Tx) error {
		r, err := s.ledger.ApplyDeltaTx(ctx, tx, ledger.Delta{
			UserID:      u.UserID,
			Amount:      u.RewardAmount,
			Kind:        models.EntryGiftcode,
			Description: "giftcode " + u.Code,
			RelatedID:   &u.ID,
		})
		if err != nil {
			return err
		}
		ok, err := s.store.MarkCreditedTx(ctx, tx, u.ID, r.EntryID)
		if err != nil {
			return err
		}
		if !ok {
			return errAlreadyCredited
		}
		receipt = r
		return nil
	})
	return receipt, err
}

// ReconcilePending credits usages whose credit step never completed. It returns how many it credited.
func (s *service) ReconcilePending(ctx context.Context) (int, error) {
	pending, err := s.store.ListPending(ctx, time.Now().Add(-s.grace), reconcileBatch)
	if err != nil {
		return 0, err
	}
	credited := 0
	var errs []error
	for _, u := range pending {
		_, err := s.credit(ctx, u)
		switch {
		case err == nil:
			credited++
			s.log.Info("giftcode credit reconciled", "usage_id", u.ID, "user_id", u.UserID, "amount", u.RewardAmount)
		case errors.Is(err, errAlreadyCredited):
		default:
			s.log.Error("giftcode reconcile failed", "usage_id", u.ID, "user_id", u.UserID, "error", err, "reconcile", true)
			errs = append(errs, err)
		}
	}
	return credited, errors.Join(errs...)
}

func (s *service) Create(ctx context.Context, in CreateInput) (*models.Giftcode, error) {
	g := &models.Giftcode{
		Code:         Normalize(in.Code),
		RewardAmount: in.RewardAmount,
		TotalLimit:   in.TotalLimit,
		MaxPerUser:   in.MaxPerUser,
		IsActive:     true,
	}
	if g.MaxPerUser == 0 {
		g.MaxPerUser = 1
	}
	if in.IsActive != nil {
		g.IsActive = *in.IsActive
	}
	switch {
	case g.Code == "":
		return nil, fmt.Errorf("%w: code is required", ErrInvalidInput)
	case g.RewardAmount <= 0:
		return nil, fmt.Errorf("%w: reward_amount must be positive", ErrInvalidInput)
	case g.TotalLimit <= 0:
		return nil, fmt.Errorf("%w: total_limit must be positive", ErrInvalidInput)
	case g.MaxPerUser < 0:
		return nil, fmt.Errorf("%w: max_per_user must be positive", ErrInvalidInput)
	}
	if err := s.store.Create(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *service) Update(ctx context.Context, id uuid.UUID, in UpdateInput) (*models.Giftcode, error) {
	if in.RewardAmount != nil && *in.RewardAmount <= 0 {
		return nil, fmt.Errorf("%w: reward_amount must be positive", ErrInvalidInput)
	}
	if in.TotalLimit != nil && *in.TotalLimit <= 0 {
		return nil, fmt.Errorf("%w: total_limit must be positive", ErrInvalidInput)
	}
	if in.MaxPerUser != nil && *in.MaxPerUser <= 0 {
		return nil, fmt.Errorf("%w: max_per_user must be positive", ErrInvalidInput)
	}
	return s.store.Update(ctx, id, in)
}

func (s *service) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.store.Delete(ctx, id)
}

func (s *service) List(ctx context.Context) ([]*models.Giftcode, error) {
	return s.store.List(ctx)
}
