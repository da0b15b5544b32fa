package topup

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"github.com/lumora/backend/internal/config"
	"github.com/lumora/backend/internal/db"
	"github.com/lumora/backend/internal/ledger"
	"github.com/lumora/backend/internal/models"
	"github.com/lumora/backend/internal/notify"
)

var (
	ErrNotFound              = errors.New("top-up transaction not found")
	ErrUnknownPackage        = errors.New("unknown package")
	ErrInvalidOutcome        = errors.New("outcome must be paid or failed")
	ErrAlreadySettled        = errors.New("transaction already settled with this outcome")
	ErrConflictingSettlement = errors.New("transaction already settled with a different outcome")
	ErrUnknownStatus         = errors.New("unknown status")

	errDuplicateCode = errors.New("duplicate top-up code")
)

const (
	codeAlphabet     = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength       = 8
	codeAttempts     = 5
	bulkSettleLimit  = 4
	defaultListLimit = 50
)

type Filter struct {
	Status string
	UserID *uuid.UUID
	Limit  int
	Offset int
}

// Offer is a catalog package priced with the promotion active at the time of the quote.
type Offer struct {
	config.Package
	BonusPercent  int64  `json:"bonus_percent"`
	Promotion     string `json:"promotion,omitempty"`
	CoinsToCredit int64  `json:"coins_to_credit"`
}

type SettleResult struct {
	Transaction *models.TopupTransaction `json:"transaction"`
	// Changed is true only for the call that moved the transaction out of pending.
	Changed    bool  `json:"changed"`
	NewBalance int64 `json:"new_balance,omitempty"`
}

type BulkResult struct {
	ID      uuid.UUID `json:"id"`
	Status  string    `json:"status,omitempty"`
	Changed bool      `json:"changed"`
	Error   string    `json:"error,omitempty"`
}

type Service interface {
	Offers() []Offer
	CreateTransaction(ctx context.Context, userID uuid.UUID, packageID string) (*models.TopupTransaction, error)
	Settle(ctx context.Context, id uuid.UUID, outcome string) (*SettleResult, []notify.Request, error)
	SettleByCode(ctx context.Context, code, outcome string) (*SettleResult, []notify.Request, error)
	BulkSettle(ctx context.Context, ids []uuid.UUID, outcome string) ([]BulkResult, []notify.Request)
	Get(ctx context.Context, id uuid.UUID) (*models.TopupTransaction, error)
	List(ctx context.Context, f Filter) ([]*models.TopupTransaction, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type Store interface {
	db.TxBeginner
	Insert(ctx context.Context, t *models.TopupTransaction) error
	CompareAndSettleTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string) (*models.TopupTransaction, bool, error)
	GetTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.TopupTransaction, error)
	Get(ctx context.Context, id uuid.UUID) (*models.TopupTransaction, error)
	GetByCode(ctx context.Context, code string) (*models.TopupTransaction, error)
	List(ctx context.Context, f Filter) ([]*models.TopupTransaction, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type service struct {
	store  Store
	ledger ledger.Service
	cfg    config.TopupConfig
	now    func() time.Time
	log    *slog.Logger
}

func NewService(store Store, ledgerSvc ledger.Service, cfg config.TopupConfig, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	return &service{store: store, ledger: ledgerSvc, cfg: cfg, now: time.Now, log: log}
}

var _ Service = (*service)(nil)

// CoinsWithBonus adds bonusPercent of base, rounded down.
func CoinsWithBonus(base, bonusPercent int64) int64 {
	return base + base*bonusPercent/100
}

// activePromotion returns the promotion with the highest bonus whose window contains t.
func activePromotion(promos []config.Promotion, t time.Time) (config.Promotion, bool) {
	var best config.Promotion
	found := false
	for _, p := range promos {
		if t.Before(p.Start) || !t.Before(p.End) {
			continue
		}
		if !found || p.BonusPercent > best.BonusPercent {
			best, found = p, true
		}
	}
	return best, found
}

func (s *service) offer(p config.Package, t time.Time) Offer {
	o := Offer{Package: p, CoinsToCredit: p.Coins}
	if promo, ok := activePromotion(s.cfg.Promotions, t); ok {
		o.BonusPercent = promo.BonusPercent
		o.Promotion = promo.Name
		o.CoinsToCredit = CoinsWithBonus(p.Coins, promo.BonusPercent)
	}
	return o
}

func (s *service) Offers() []Offer {
	now := s.now()
	out := make([]Offer, 0, len(s.cfg.Packages))
	for _, p := range s.cfg.Packages {
		out = append(out, s.offer(p, now))
	}
	return out
}

func (s *service) CreateTransaction(ctx context.Context, userID uuid.UUID, packageID string) (*models.TopupTransaction, error) {
	var pkg *config.Package
	for i := range s.cfg.Packages {
		if s.cfg.Packages[i].ID == packageID {
			pkg = &s.cfg.Packages[i]
			break
		}
	}
	if pkg == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPackage, packageID)
	}
	o := s.offer(*pkg, s.now())
	t := &models.TopupTransaction{
		UserID:        userID,
		PackageID:     pkg.ID,
		AmountDue:     pkg.Price,
		Currency:      pkg.Currency,
		CoinsToCredit: o.CoinsToCredit,
	}
	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := generateCode(s.cfg.CodePrefix)
		if err != nil {
			return nil, err
		}
		t.Code = code
		err = s.store.Insert(ctx, t)
		if errors.Is(err, errDuplicateCode) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.log.Info("top-up created", "transaction_id", t.ID, "user_id", userID, "package_id", pkg.ID, "coins", t.CoinsToCredit)
		return t, nil
	}
	return nil, fmt.Errorf("could not allocate a unique top-up code after %d attempts", codeAttempts)
}

func generateCode(prefix string) (string, error) {
	b := make([]byte, codeLength)
	alphabetLen := big.NewInt(int64(len(codeAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", err
		}
		b[i] = codeAlphabet[n.Int64()]
	}
	return prefix + string(b), nil
}

func validOutcome(o string) bool {
	return o == models.TopupPaid || o == models.TopupFailed
}

// Settle moves a pending transaction to outcome. Only the caller whose compare-and-swap wins
// credits the ledger; later callers get ErrAlreadySettled or ErrConflictingSettlement.
func (s *service) Settle(ctx context.Context, id uuid.UUID, outcome string) (*SettleResult, []notify.Request, error) {
	if !validOutcome(outcome) {
		return nil, nil, ErrInvalidOutcome
	}
	var res SettleResult
	err := db.RunInTx(ctx, s.store, func(tx pgx.Tx) error {
		res = SettleResult{}
		t, ok, err := s.store.CompareAndSettleTx(ctx, tx, id, outcome)
		if err != nil {
			return err
		}
		if !ok {
			current, err := s.store.GetTx(ctx, tx, id)
			if err != nil {
				return err
			}
			res.Transaction = current
			if current.Status == outcome {
				return ErrAlreadySettled
			}
			return ErrConflictingSettlement
		}
		res.Transaction, res.Changed = t, true
		if outcome != models.TopupPaid {
			return nil
		}
		receipt, err := s.ledger.ApplyDeltaTx(ctx, tx, ledger.Delta{
			UserID:      t.UserID,
			Amount:      t.CoinsToCredit,
			Kind:        models.EntryTopup,
			Description: fmt.Sprintf("top-up %s (%s)", t.Code, t.PackageID),
			RelatedID:   &t.ID,
		})
		if err != nil {
			return err
		}
		res.NewBalance = receipt.NewBalance
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAlreadySettled) || errors.Is(err, ErrConflictingSettlement) {
			return &res, nil, err
		}
		return nil, nil, err
	}
	t := res.Transaction
	s.log.Info("top-up settled", "transaction_id", t.ID, "user_id", t.UserID, "status", t.Status)
	msg := fmt.Sprintf("Your top-up %s was confirmed: %d coins added.", t.Code, t.CoinsToCredit)
	if t.Status == models.TopupFailed {
		msg = fmt.Sprintf("Your top-up %s could not be confirmed.", t.Code)
	}
	return &res, []notify.Request{{UserID: t.UserID, Message: msg}}, nil
}

func (s *service) SettleByCode(ctx context.Context, code, outcome string) (*SettleResult, []notify.Request, error) {
	t, err := s.store.GetByCode(ctx, code)
	if err != nil {
		return nil, nil, err
	}
	return s.Settle(ctx, t.ID, outcome)
}

// BulkSettle settles each id independently; the result order matches ids.
func (s *service) BulkSettle(ctx context.Context, ids []uuid.UUID, outcome string) ([]BulkResult, []notify.Request) {
	results := make([]BulkResult, len(ids))
	effects := make([][]notify.Request, len(ids))
	var g errgroup.Group
	g.SetLimit(bulkSettleLimit)
	for i, id := range ids {
		g.Go(func() error {
			res, eff, err := s.Settle(ctx, id, outcome)
			r := BulkResult{ID: id}
			if res != nil && res.Transaction != nil {
				r.Status = res.Transaction.Status
				r.Changed = res.Changed
			}
			if err != nil && !errors.Is(err, ErrAlreadySettled) {
				r.Error = err.Error()
			}
			results[i] = r
			effects[i] = eff
			return nil
		})
	}
	_ = g.Wait()
	var all []notify.Request
	for _, e := range effects {
		all = append(all, e...)
	}
	return results, all
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*models.TopupTransaction, error) {
	return s.store.Get(ctx, id)
}

func (s *service) List(ctx context.Context, f Filter) ([]*models.TopupTransaction, error) {
	if f.Status != "" && f.Status != models.TopupPending && !validOutcome(f.Status) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, f.Status)
	}
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = defaultListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.store.List(ctx, f)
}

func (s *service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info("top-up deleted", "transaction_id", id)
	return nil
}
