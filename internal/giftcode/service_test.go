package giftcode

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/lumora/backend/internal/db/dbtest"
	"github.com/lumora/backend/internal/ledger"
	"github.com/lumora/backend/internal/ledger/ledgertest"
	"github.com/lumora/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Fake store: journaled transactions plus a per-code row lock held until the
// transaction ends, which is what the conditional UPDATE takes in PostgreSQL.
// ---------------------------------------------------------------------------

type fakeStore struct {
	dbtest.JournalBeginner
	mu       sync.Mutex
	codes    map[uuid.UUID]*models.Giftcode
	rowLocks map[uuid.UUID]*sync.Mutex
	usages   []*models.GiftcodeUsage
}

func newFakeStore() *fakeStore {
	return &fakeStore{codes: map[uuid.UUID]*models.Giftcode{}, rowLocks: map[uuid.UUID]*sync.Mutex{}}
}

func (f *fakeStore) add(g models.Giftcode) *models.Giftcode {
	f.mu.Lock()
	defer f.mu.Unlock()
	g.ID = uuid.New()
	f.codes[g.ID] = &g
	f.rowLocks[g.ID] = &sync.Mutex{}
	return &g
}

func (f *fakeStore) get(id uuid.UUID) models.Giftcode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.codes[id]
}

func (f *fakeStore) usageCount(giftcodeID, userID uuid.UUID) int {
	n := 0
	for _, u := range f.usages {
		if u.GiftcodeID == giftcodeID && u.UserID == userID {
			n++
		}
	}
	return n
}

func (f *fakeStore) GetActiveByCodeTx(_ context.Context, _ pgx.Tx, code string) (*models.Giftcode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.codes {
		if g.Code == code && g.IsActive {
			c := *g
			return &c, nil
		}
	}
	return nil, ErrInvalidCode
}

func (f *fakeStore) CountUserUsagesTx(_ context.Context, _ pgx.Tx, giftcodeID, userID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usageCount(giftcodeID, userID), nil
}

func (f *fakeStore) IncrementUsedTx(_ context.Context, tx pgx.Tx, giftcodeID uuid.UUID) (bool, error) {
	lock := f.rowLocks[giftcodeID]
	lock.Lock()
	dbtest.Journal(tx).OnEnd(lock.Unlock)

	f.mu.Lock()
	defer f.mu.Unlock()
	g := f.codes[giftcodeID]
	if !g.IsActive || g.UsedCount >= g.TotalLimit {
		return false, nil
	}
	g.UsedCount++
	dbtest.Journal(tx).OnRollback(func() {
		f.mu.Lock()
		g.UsedCount--
		f.mu.Unlock()
	})
	return true, nil
}

func (f *fakeStore) InsertUsageTx(_ context.Context, tx pgx.Tx, u *models.GiftcodeUsage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, x := range f.usages {
		if x.GiftcodeID == u.GiftcodeID && x.UserID == u.UserID && x.Seq == u.Seq {
			return ErrAlreadyRedeemed
		}
	}
	u.ID = uuid.New()
	u.CreatedAt = time.Now().Add(-time.Minute)
	row := *u
	f.usages = append(f.usages, &row)
	dbtest.Journal(tx).OnRollback(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, x := range f.usages {
			if x.ID == row.ID {
				f.usages = append(f.usages[:i], f.usages[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (f *fakeStore) MarkCreditedTx(_ context.Context, tx pgx.Tx, usageID, entryID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.usages {
		if u.ID == usageID {
			if u.LedgerEntryID != nil {
				return false, nil
			}
			id := entryID
			u.LedgerEntryID = &id
			dbtest.Journal(tx).OnRollback(func() {
				f.mu.Lock()
				u.LedgerEntryID = nil
				f.mu.Unlock()
			})
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) ListPending(_ context.Context, olderThan time.Time, limit int) ([]*PendingUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*PendingUsage
	for _, u := range f.usages {
		if u.LedgerEntryID == nil && u.CreatedAt.Before(olderThan) && len(out) < limit {
			out = append(out, &PendingUsage{GiftcodeUsage: *u, Code: f.codes[u.GiftcodeID].Code})
		}
	}
	return out, nil
}

func (f *fakeStore) Create(_ context.Context, g *models.Giftcode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, x := range f.codes {
		if x.Code == g.Code {
			return ErrDuplicateCode
		}
	}
	g.ID = uuid.New()
	c := *g
	f.codes[g.ID] = &c
	f.rowLocks[g.ID] = &sync.Mutex{}
	return nil
}

func (f *fakeStore) Update(_ context.Context, id uuid.UUID, in UpdateInput) (*models.Giftcode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.codes[id]
	if !ok {
		return nil, ErrNotFound
	}
	if in.TotalLimit != nil {
		if *in.TotalLimit < g.UsedCount {
			return nil, ErrLimitBelowUsage
		}
		g.TotalLimit = *in.TotalLimit
	}
	if in.IsActive != nil {
		g.IsActive = *in.IsActive
	}
	c := *g
	return &c, nil
}

func (f *fakeStore) Delete(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.codes[id]
	if !ok {
		return false, ErrNotFound
	}
	if g.UsedCount == 0 {
		delete(f.codes, id)
		return true, nil
	}
	g.IsActive = false
	return false, nil
}

func (f *fakeStore) List(context.Context) ([]*models.Giftcode, error) { return nil, nil }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func setup() (Service, *fakeStore, *ledgertest.Ledger) {
	store := newFakeStore()
	l := ledgertest.New()
	return NewService(store, l, 0, quiet()), store, l
}

// ---------------------------------------------------------------------------
// Redeem
// ---------------------------------------------------------------------------

func TestRedeem_ScenarioTenPlusTwenty(t *testing.T) {
	svc, store, l := setup()
	ctx := context.Background()
	user := uuid.New()
	l.Seed(user, 10)
	g := store.add(models.Giftcode{Code: "SPRING20", RewardAmount: 20, TotalLimit: 100, MaxPerUser: 1, IsActive: true})

	res, err := svc.Redeem(ctx, user, "spring20")
	require.NoError(t, err)
	require.True(t, res.Credited)
	require.Equal(t, int64(20), res.RewardAmount)
	require.Equal(t, int64(30), l.Balance(user))
	require.Equal(t, 1, store.get(g.ID).UsedCount)
	require.Len(t, store.usages, 1)

	_, err = svc.Redeem(ctx, user, "SPRING20")
	require.ErrorIs(t, err, ErrAlreadyRedeemed)
	require.Equal(t, int64(30), l.Balance(user))
	require.Equal(t, 1, store.get(g.ID).UsedCount)
	require.NoError(t, l.CheckInvariant())
}

func TestRedeem_NormalisesInput(t *testing.T) {
	svc, store, _ := setup()
	store.add(models.Giftcode{Code: "WELCOME10", RewardAmount: 10, TotalLimit: 5, MaxPerUser: 1, IsActive: true})
	_, err := svc.Redeem(context.Background(), uuid.New(), "  welcome10\t")
	require.NoError(t, err)
}

func TestRedeem_Failures(t *testing.T) {
	tests := []struct {
		name string
		code models.Giftcode
		in   string
		want error
	}{
		{"unknown", models.Giftcode{Code: "A", RewardAmount: 1, TotalLimit: 1, MaxPerUser: 1, IsActive: true}, "B", ErrInvalidCode},
		{"blank", models.Giftcode{Code: "A", RewardAmount: 1, TotalLimit: 1, MaxPerUser: 1, IsActive: true}, "   ", ErrInvalidCode},
		{"inactive", models.Giftcode{Code: "A", RewardAmount: 1, TotalLimit: 1, MaxPerUser: 1}, "A", ErrInvalidCode},
		{"exhausted", models.Giftcode{Code: "A", RewardAmount: 1, TotalLimit: 3, UsedCount: 3, MaxPerUser: 1, IsActive: true}, "A", ErrLimitReached},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, l := setup()
			store.add(tt.code)
			user := uuid.New()
			_, err := svc.Redeem(context.Background(), user, tt.in)
			require.ErrorIs(t, err, tt.want)
			require.Equal(t, int64(0), l.Balance(user))
		})
	}
}

func TestRedeem_MaxPerUserAboveOne(t *testing.T) {
	svc, store, l := setup()
	ctx := context.Background()
	user := uuid.New()
	store.add(models.Giftcode{Code: "TWICE", RewardAmount: 4, TotalLimit: 10, MaxPerUser: 2, IsActive: true})

	for i := 0; i < 2; i++ {
		_, err := svc.Redeem(ctx, user, "TWICE")
		require.NoError(t, err)
	}
	_, err := svc.Redeem(ctx, user, "TWICE")
	require.ErrorIs(t, err, ErrAlreadyRedeemed)
	require.Equal(t, int64(8), l.Balance(user))
}

func TestRedeem_ExhaustedCodeReportsLimitBeforePerUserCap(t *testing.T) {
	svc, store, _ := setup()
	ctx := context.Background()
	user := uuid.New()
	g := store.add(models.Giftcode{Code: "LAST", RewardAmount: 3, TotalLimit: 1, MaxPerUser: 1, IsActive: true})

	_, err := svc.Redeem(ctx, user, "LAST")
	require.NoError(t, err)
	_, err = svc.Redeem(ctx, user, "LAST")
	require.ErrorIs(t, err, ErrLimitReached)
	require.Equal(t, 1, store.get(g.ID).UsedCount)
}

func TestRedeem_PerUserCapRollsBackIncrement(t *testing.T) {
	svc, store, _ := setup()
	ctx := context.Background()
	user := uuid.New()
	g := store.add(models.Giftcode{Code: "ONCE", RewardAmount: 3, TotalLimit: 5, MaxPerUser: 1, IsActive: true})

	_, err := svc.Redeem(ctx, user, "ONCE")
	require.NoError(t, err)
	_, err = svc.Redeem(ctx, user, "ONCE")
	require.ErrorIs(t, err, ErrAlreadyRedeemed)
	require.Equal(t, 1, store.get(g.ID).UsedCount)

	_, err = svc.Redeem(ctx, uuid.New(), "ONCE")
	require.NoError(t, err)
	require.Equal(t, 2, store.get(g.ID).UsedCount)
}

func TestRedeem_ConcurrentSingleUseCode(t *testing.T) {
	svc, store, l := setup()
	g := store.add(models.Giftcode{Code: "ONLYONE", RewardAmount: 50, TotalLimit: 1, MaxPerUser: 1, IsActive: true})

	const n = 25
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, rejected := 0, 0
	users := make([]uuid.UUID, n)
	for i := range users {
		users[i] = uuid.New()
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(user uuid.UUID) {
			defer wg.Done()
			_, err := svc.Redeem(context.Background(), user, "ONLYONE")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrLimitReached), errors.Is(err, ErrAlreadyRedeemed):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(users[i])
	}
	wg.Wait()
	require.Equal(t, 1, wins)
	require.Equal(t, n-1, rejected)
	require.Equal(t, 1, store.get(g.ID).UsedCount)
	var total int64
	for _, u := range users {
		total += l.Balance(u)
	}
	require.Equal(t, int64(50), total)
}

func TestRedeem_ConcurrentSameUser(t *testing.T) {
	svc, store, l := setup()
	g := store.add(models.Giftcode{Code: "MINE", RewardAmount: 7, TotalLimit: 100, MaxPerUser: 1, IsActive: true})
	user := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Redeem(context.Background(), user, "MINE")
		}()
	}
	wg.Wait()
	require.Equal(t, int64(7), l.Balance(user))
	require.Equal(t, 1, store.get(g.ID).UsedCount)
	require.Len(t, l.EntriesOfKind(user, models.EntryGiftcode), 1)
}

// ---------------------------------------------------------------------------
// Credit failure and reconciliation
// ---------------------------------------------------------------------------

func TestRedeem_CreditFailureIsReconciledOnce(t *testing.T) {
	svc, store, l := setup()
	ctx := context.Background()
	user := uuid.New()
	store.add(models.Giftcode{Code: "LATE", RewardAmount: 15, TotalLimit: 10, MaxPerUser: 1, IsActive: true})

	l.Fail = func(ledger.Delta) error { return errors.New("connection refused") }
	res, err := svc.Redeem(ctx, user, "LATE")
	require.NoError(t, err)
	require.False(t, res.Credited)
	require.Equal(t, int64(0), l.Balance(user))

	// the usage stands: the user cannot redeem again, and nothing was lost
	_, err = svc.Redeem(ctx, user, "LATE")
	require.ErrorIs(t, err, ErrAlreadyRedeemed)

	l.Fail = nil
	n, err := svc.ReconcilePending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, int64(15), l.Balance(user))

	n, err = svc.ReconcilePending(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, int64(15), l.Balance(user))
	require.NoError(t, l.CheckInvariant())
}

// ---------------------------------------------------------------------------
// Admin
// ---------------------------------------------------------------------------

func TestCreate_Validation(t *testing.T) {
	svc, _, _ := setup()
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateInput{Code: " ", RewardAmount: 5, TotalLimit: 1})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.Create(ctx, CreateInput{Code: "X", RewardAmount: 0, TotalLimit: 1})
	require.ErrorIs(t, err, ErrInvalidInput)

	g, err := svc.Create(ctx, CreateInput{Code: " summer ", RewardAmount: 5, TotalLimit: 3})
	require.NoError(t, err)
	require.Equal(t, "SUMMER", g.Code)
	require.Equal(t, 1, g.MaxPerUser)
	require.True(t, g.IsActive)

	_, err = svc.Create(ctx, CreateInput{Code: "Summer", RewardAmount: 5, TotalLimit: 3})
	require.ErrorIs(t, err, ErrDuplicateCode)
}

func TestDelete_UsedCodeIsDeactivated(t *testing.T) {
	svc, store, _ := setup()
	ctx := context.Background()
	used := store.add(models.Giftcode{Code: "USED", RewardAmount: 1, TotalLimit: 5, MaxPerUser: 1, IsActive: true})
	unused := store.add(models.Giftcode{Code: "FRESH", RewardAmount: 1, TotalLimit: 5, MaxPerUser: 1, IsActive: true})
	_, err := svc.Redeem(ctx, uuid.New(), "USED")
	require.NoError(t, err)

	hard, err := svc.Delete(ctx, used.ID)
	require.NoError(t, err)
	require.False(t, hard)
	require.False(t, store.get(used.ID).IsActive)

	hard, err = svc.Delete(ctx, unused.ID)
	require.NoError(t, err)
	require.True(t, hard)
}
