// Package ledgertest provides an in-memory ledger.Service for tests of the
// components that move coins.
package ledgertest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lumora/backend/internal/db/dbtest"
	"github.com/lumora/backend/internal/ledger"
	"github.com/lumora/backend/internal/models"
)

// Ledger mirrors the store rules: balances never go negative and usage, refund
// and top-up entries are unique per related id.
type Ledger struct {
	mu       sync.Mutex
	balances map[uuid.UUID]int64
	entries  []models.LedgerEntry

	// Fail, when set, is consulted before every delta; a non-nil result is returned unchanged.
	Fail func(d ledger.Delta) error
}

func New() *Ledger {
	return &Ledger{balances: map[uuid.UUID]int64{}}
}

var _ ledger.Service = (*Ledger)(nil)

// Seed sets a starting balance without writing an entry, as if it predates the fake.
// CheckInvariant accounts for it.
func (l *Ledger) Seed(userID uuid.UUID, balance int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID] = balance
	if balance != 0 {
		l.entries = append(l.entries, models.LedgerEntry{
			ID: uuid.New(), UserID: userID, Amount: balance, Kind: models.EntryAdminAdjust,
			Description: "seed", CreatedAt: time.Now(),
		})
	}
}

func (l *Ledger) ApplyDelta(ctx context.Context, d ledger.Delta) (*ledger.Receipt, error) {
	return l.apply(d, nil)
}

// ApplyDeltaTx undoes the delta if tx came from a dbtest.JournalBeginner and rolls back.
func (l *Ledger) ApplyDeltaTx(ctx context.Context, tx pgx.Tx, d ledger.Delta) (*ledger.Receipt, error) {
	return l.apply(d, dbtest.Journal(tx))
}

func (l *Ledger) apply(d ledger.Delta, tx *dbtest.Tx) (*ledger.Receipt, error) {
	if err := ledger.Validate(d); err != nil {
		return nil, err
	}
	if l.Fail != nil {
		if err := l.Fail(d); err != nil {
			return nil, err
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if d.RelatedID != nil && uniquePerRelated(d.Kind) {
		for _, e := range l.entries {
			if e.Kind == d.Kind && e.RelatedID != nil && *e.RelatedID == *d.RelatedID {
				return nil, ledger.ErrDuplicateEntry
			}
		}
	}
	next := l.balances[d.UserID] + d.Amount
	if next < 0 {
		return nil, ledger.ErrInsufficientFunds
	}
	l.balances[d.UserID] = next
	e := models.LedgerEntry{
		ID:          uuid.New(),
		UserID:      d.UserID,
		Amount:      d.Amount,
		Kind:        d.Kind,
		Description: d.Description,
		RelatedID:   d.RelatedID,
		CreatedAt:   time.Now(),
	}
	l.entries = append(l.entries, e)
	if tx != nil {
		tx.OnRollback(func() { l.undo(e) })
	}
	return &ledger.Receipt{EntryID: e.ID, NewBalance: next}, nil
}

func (l *Ledger) undo(e models.LedgerEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		if l.entries[i].ID == e.ID {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			l.balances[e.UserID] -= e.Amount
			return
		}
	}
}

func uniquePerRelated(kind string) bool {
	return kind == models.EntryUsage || kind == models.EntryRefund || kind == models.EntryTopup
}

func (l *Ledger) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	return l.Balance(userID), nil
}

func (l *Ledger) GetHistory(ctx context.Context, userID uuid.UUID, p ledger.Page) ([]*models.LedgerEntry, error) {
	all := l.Entries(userID)
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if p.Offset >= len(all) {
		return []*models.LedgerEntry{}, nil
	}
	all = all[p.Offset:]
	if p.Limit > 0 && p.Limit < len(all) {
		all = all[:p.Limit]
	}
	out := make([]*models.LedgerEntry, len(all))
	for i := range all {
		out[i] = &all[i]
	}
	return out, nil
}

func (l *Ledger) Reconcile(ctx context.Context, userID uuid.UUID) (*ledger.Reconciliation, error) {
	bal := l.Balance(userID)
	var sum int64
	for _, e := range l.Entries(userID) {
		sum += e.Amount
	}
	return &ledger.Reconciliation{UserID: userID, Balance: bal, EntrySum: sum, Consistent: bal == sum}, nil
}

func (l *Ledger) Balance(userID uuid.UUID) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID]
}

// Entries returns a copy of the user's entries in insertion order.
func (l *Ledger) Entries(userID uuid.UUID) []models.LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range l.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}

// EntriesOfKind filters Entries by kind.
func (l *Ledger) EntriesOfKind(userID uuid.UUID, kind string) []models.LedgerEntry {
	var out []models.LedgerEntry
	for _, e := range l.Entries(userID) {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// CheckInvariant returns an error when any balance differs from its entry sum or is negative.
func (l *Ledger) CheckInvariant() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	sums := map[uuid.UUID]int64{}
	for _, e := range l.entries {
		sums[e.UserID] += e.Amount
	}
	for id, bal := range l.balances {
		if bal < 0 {
			return fmt.Errorf("user %s: negative balance %d", id, bal)
		}
		if sums[id] != bal {
			return fmt.Errorf("user %s: balance %d, entry sum %d", id, bal, sums[id])
		}
	}
	return nil
}
