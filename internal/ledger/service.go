package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lumora/backend/internal/db"
	"github.com/lumora/backend/internal/models"
)

var (
	// ErrInsufficientFunds is returned when a debit would drive the balance below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrDuplicateEntry is returned when a usage, refund or top-up entry already exists for the related id.
	ErrDuplicateEntry = errors.New("ledger entry already recorded")
	ErrZeroAmount     = errors.New("amount must be non-zero")
	ErrInvalidKind    = errors.New("invalid ledger entry kind")
	// ErrWrongSign: usage must debit, every kind other than admin_adjust must credit.
	ErrWrongSign   = errors.New("amount sign does not match entry kind")
	ErrUnknownUser = errors.New("unknown user")
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Delta is one requested balance change.
type Delta struct {
	UserID      uuid.UUID
	Amount      int64
	Kind        string
	Description string
	RelatedID   *uuid.UUID
}

// Receipt identifies the entry written for a Delta and the balance after it.
type Receipt struct {
	EntryID    uuid.UUID `json:"entry_id"`
	NewBalance int64     `json:"new_balance"`
}

type Page struct {
	Limit  int
	Offset int
}

// Reconciliation compares the stored balance with the sum of the user's entries.
type Reconciliation struct {
	UserID     uuid.UUID `json:"user_id"`
	Balance    int64     `json:"balance"`
	EntrySum   int64     `json:"entry_sum"`
	Consistent bool      `json:"consistent"`
}

type Service interface {
	ApplyDelta(ctx context.Context, d Delta) (*Receipt, error)
	ApplyDeltaTx(ctx context.Context, tx pgx.Tx, d Delta) (*Receipt, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (int64, error)
	GetHistory(ctx context.Context, userID uuid.UUID, p Page) ([]*models.LedgerEntry, error)
	Reconcile(ctx context.Context, userID uuid.UUID) (*Reconciliation, error)
}

// Store is the persistence the ledger service needs; *Repository implements it.
type Store interface {
	db.TxBeginner
	ApplyDeltaTx(ctx context.Context, tx pgx.Tx, d Delta) (*Receipt, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (int64, error)
	ListHistory(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, error)
	SumEntries(ctx context.Context, userID uuid.UUID) (balance, sum int64, err error)
}

type service struct {
	store Store
	log   *slog.Logger
}

func NewService(store Store, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	return &service{store: store, log: log}
}

var _ Service = (*service)(nil)

// Validate checks a Delta before it reaches the store.
func Validate(d Delta) error {
	if d.UserID == uuid.Nil {
		return ErrUnknownUser
	}
	if d.Amount == 0 {
		return ErrZeroAmount
	}
	if !models.ValidEntryKind(d.Kind) {
		return fmt.Errorf("%w: %q", ErrInvalidKind, d.Kind)
	}
	switch d.Kind {
	case models.EntryAdminAdjust:
	case models.EntryUsage:
		if d.Amount > 0 {
			return fmt.Errorf("%w: %s %d", ErrWrongSign, d.Kind, d.Amount)
		}
	default:
		if d.Amount < 0 {
			return fmt.Errorf("%w: %s %d", ErrWrongSign, d.Kind, d.Amount)
		}
	}
	return nil
}

// ApplyDelta applies d in its own transaction, retrying transient store failures.
func (s *service) ApplyDelta(ctx context.Context, d Delta) (*Receipt, error) {
	if err := Validate(d); err != nil {
		return nil, err
	}
	var receipt *Receipt
	err := db.RunInTx(ctx, s.store, func(tx pgx.Tx) error {
		r, err := s.store.ApplyDeltaTx(ctx, tx, d)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("ledger delta applied", "user_id", d.UserID, "amount", d.Amount, "kind", d.Kind, "entry_id", receipt.EntryID)
	return receipt, nil
}

// ApplyDeltaTx applies d inside the caller's transaction.
func (s *service) ApplyDeltaTx(ctx context.Context, tx pgx.Tx, d Delta) (*Receipt, error) {
	if err := Validate(d); err != nil {
		return nil, err
	}
	return s.store.ApplyDeltaTx(ctx, tx, d)
}

func (s *service) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.store.GetBalance(ctx, userID)
}

// GetHistory returns entries newest first.
func (s *service) GetHistory(ctx context.Context, userID uuid.UUID, p Page) ([]*models.LedgerEntry, error) {
	p = p.normalize()
	return s.store.ListHistory(ctx, userID, p.Limit, p.Offset)
}

func (s *service) Reconcile(ctx context.Context, userID uuid.UUID) (*Reconciliation, error) {
	balance, sum, err := s.store.SumEntries(ctx, userID)
	if err != nil {
		return nil, err
	}
	rec := &Reconciliation{UserID: userID, Balance: balance, EntrySum: sum, Consistent: balance == sum}
	if !rec.Consistent {
		s.log.Error("balance does not match ledger entries", "user_id", userID, "balance", balance, "entry_sum", sum, "reconcile", true)
	}
	return rec, nil
}

func (p Page) normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
