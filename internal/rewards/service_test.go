package rewards

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/lumora/backend/internal/config"
	"github.com/lumora/backend/internal/db/dbtest"
	"github.com/lumora/backend/internal/ledger"
	"github.com/lumora/backend/internal/ledger/ledgertest"
	"github.com/lumora/backend/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory store; uniqueness is enforced the way the table keys do it.
// ---------------------------------------------------------------------------

type logKey struct {
	user uuid.UUID
	week string
}

type fakeStore struct {
	dbtest.JournalBeginner
	mu         sync.Mutex
	checkIns   map[uuid.UUID]map[string]bool
	milestones map[string]bool
	scores     map[uuid.UUID]int64
	created    map[uuid.UUID]time.Time
	logs       map[logKey]models.WeeklyRewardLog
	closedWeek map[string]bool
	settings   *Settings
	logErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		checkIns:   map[uuid.UUID]map[string]bool{},
		milestones: map[string]bool{},
		scores:     map[uuid.UUID]int64{},
		created:    map[uuid.UUID]time.Time{},
		logs:       map[logKey]models.WeeklyRewardLog{},
		closedWeek: map[string]bool{},
	}
}

func (f *fakeStore) InsertCheckInTx(_ context.Context, _ pgx.Tx, userID uuid.UUID, day time.Time, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := day.Format(dayLayout)
	if f.checkIns[userID] == nil {
		f.checkIns[userID] = map[string]bool{}
	}
	if f.checkIns[userID][k] {
		return ErrAlreadyClaimed
	}
	f.checkIns[userID][k] = true
	return nil
}

func (f *fakeStore) CountCheckIns(_ context.Context, userID uuid.UUID, from, to time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k := range f.checkIns[userID] {
		d, _ := time.Parse(dayLayout, k)
		if !d.Before(from) && d.Before(to) {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) HasCheckIn(_ context.Context, userID uuid.UUID, day time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkIns[userID][day.Format(dayLayout)], nil
}

func (f *fakeStore) InsertMilestoneClaimTx(_ context.Context, _ pgx.Tx, c models.MilestoneClaim) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := fmt.Sprintf("%s/%s/%d", c.UserID, c.Cycle, c.MilestoneDay)
	if f.milestones[k] {
		return ErrAlreadyClaimed
	}
	f.milestones[k] = true
	return nil
}

func (f *fakeStore) ClaimedMilestones(_ context.Context, userID uuid.UUID, cycle string) (map[int]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[int]bool{}
	for _, d := range []int{7, 14, 30} {
		if f.milestones[fmt.Sprintf("%s/%s/%d", userID, cycle, d)] {
			out[d] = true
		}
	}
	return out, nil
}

func (f *fakeStore) AddScore(_ context.Context, userID uuid.UUID, points int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scores[userID] += points
	return nil
}

func (f *fakeStore) TopScores(_ context.Context, n int) ([]models.WeeklyScore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []models.WeeklyScore
	for id, s := range f.scores {
		if s > 0 {
			list = append(list, models.WeeklyScore{UserID: id, Score: s, CreatedAt: f.created[id]})
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Score != list[j].Score {
			return list[i].Score > list[j].Score
		}
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].UserID.String() < list[j].UserID.String()
	})
	if len(list) > n {
		list = list[:n]
	}
	return list, nil
}

func (f *fakeStore) MarkWeekClosedTx(_ context.Context, tx pgx.Tx, weekStart time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := weekStart.Format(dayLayout)
	if f.closedWeek[k] {
		return false, nil
	}
	f.closedWeek[k] = true
	dbtest.Journal(tx).OnRollback(func() {
		f.mu.Lock()
		delete(f.closedWeek, k)
		f.mu.Unlock()
	})
	return true, nil
}

func (f *fakeStore) CloseScoresTx(ctx context.Context, tx pgx.Tx) ([]models.WeeklyScore, error) {
	f.mu.Lock()
	n := len(f.scores)
	f.mu.Unlock()
	list, err := f.TopScores(ctx, n)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range list {
		f.scores[w.UserID] -= w.Score
	}
	dbtest.Journal(tx).OnRollback(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, w := range list {
			f.scores[w.UserID] += w.Score
		}
	})
	return list, nil
}

func (f *fakeStore) InsertRewardLogTx(_ context.Context, tx pgx.Tx, l models.WeeklyRewardLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.logErr != nil {
		return f.logErr
	}
	k := logKey{l.UserID, l.WeekStart.Format(dayLayout)}
	if _, ok := f.logs[k]; ok {
		return fmt.Errorf("duplicate reward log %v", k)
	}
	l.CreatedAt = time.Now()
	f.logs[k] = l
	dbtest.Journal(tx).OnRollback(func() {
		f.mu.Lock()
		delete(f.logs, k)
		f.mu.Unlock()
	})
	return nil
}

func (f *fakeStore) MarkRewardPaidTx(_ context.Context, tx pgx.Tx, userID uuid.UUID, weekStart time.Time, entryID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := logKey{userID, weekStart.Format(dayLayout)}
	l, ok := f.logs[k]
	if !ok || l.PaidAt != nil {
		return false, nil
	}
	now := time.Now()
	l.PaidAt, l.LedgerEntryID = &now, &entryID
	f.logs[k] = l
	dbtest.Journal(tx).OnRollback(func() {
		f.mu.Lock()
		l := f.logs[k]
		l.PaidAt, l.LedgerEntryID = nil, nil
		f.logs[k] = l
		f.mu.Unlock()
	})
	return true, nil
}

func (f *fakeStore) ListRewardLogs(_ context.Context, weekStart time.Time) ([]models.WeeklyRewardLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []models.WeeklyRewardLog
	for k, l := range f.logs {
		if k.week == weekStart.Format(dayLayout) {
			list = append(list, l)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Rank < list[j].Rank })
	return list, nil
}

func (f *fakeStore) LoadSettings(context.Context) (*Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings, nil
}

func (f *fakeStore) SaveSettings(_ context.Context, s Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = &s
	return nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T, start time.Time) (*service, *fakeStore, *ledgertest.Ledger, *clock) {
	t.Helper()
	store := newFakeStore()
	l := ledgertest.New()
	c := &clock{t: start}
	svc := NewService(store, l, config.Default().Rewards, quiet(), WithClock(c.now)).(*service)
	return svc, store, l, c
}

// ---------------------------------------------------------------------------
// Check-in
// ---------------------------------------------------------------------------

func TestCheckIn_IdempotentPerDay(t *testing.T) {
	svc, _, l, _ := newTestService(t, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()
	user := uuid.New()

	res, err := svc.CheckIn(ctx, user)
	require.NoError(t, err)
	require.Equal(t, int64(5), res.Reward)
	require.Equal(t, 1, res.MonthlyCount)
	require.Equal(t, "2026-03-10", res.Day)

	_, err = svc.CheckIn(ctx, user)
	require.ErrorIs(t, err, ErrAlreadyClaimed)

	require.Equal(t, int64(5), l.Balance(user))
	require.Len(t, l.EntriesOfKind(user, models.EntryReward), 1)
	require.NoError(t, l.CheckInvariant())
}

func TestCheckIn_ConcurrentSameDay(t *testing.T) {
	svc, _, l, _ := newTestService(t, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	user := uuid.New()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, dupes := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CheckIn(context.Background(), user)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrAlreadyClaimed):
				dupes++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
	require.Equal(t, 9, dupes)
	require.Equal(t, int64(5), l.Balance(user))
}

func TestCheckIn_DayBoundaryFollowsConfiguredZone(t *testing.T) {
	store := newFakeStore()
	l := ledgertest.New()
	cfg := config.Default().Rewards
	cfg.Timezone = "Asia/Ho_Chi_Minh"
	// 18:30 UTC on the 10th is already the 11th in UTC+7
	now := time.Date(2026, 3, 10, 18, 30, 0, 0, time.UTC)
	svc := NewService(store, l, cfg, quiet(), WithClock(func() time.Time { return now }))

	res, err := svc.CheckIn(context.Background(), uuid.New())
	require.NoError(t, err)
	require.Equal(t, "2026-03-11", res.Day)
}

func TestMonthlyCount_ResetsWithCalendarMonth(t *testing.T) {
	svc, _, _, c := newTestService(t, time.Date(2026, 1, 30, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()
	user := uuid.New()

	for i := 0; i < 2; i++ {
		_, err := svc.CheckIn(ctx, user)
		require.NoError(t, err)
		c.advance(24 * time.Hour)
	}
	// now 2026-02-01
	n, err := svc.MonthlyCount(ctx, user)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	_, err = svc.CheckIn(ctx, user)
	require.NoError(t, err)
	n, _ = svc.MonthlyCount(ctx, user)
	require.Equal(t, 1, n)
}

// ---------------------------------------------------------------------------
// Milestones
// ---------------------------------------------------------------------------

func TestClaimMilestone(t *testing.T) {
	svc, _, l, c := newTestService(t, time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	ctx := context.Background()
	user := uuid.New()

	for i := 0; i < 6; i++ {
		_, err := svc.CheckIn(ctx, user)
		require.NoError(t, err)
		c.advance(24 * time.Hour)
	}
	_, err := svc.ClaimMilestone(ctx, user, 7)
	require.ErrorIs(t, err, ErrNotEligible)

	_, err = svc.CheckIn(ctx, user)
	require.NoError(t, err)

	res, err := svc.ClaimMilestone(ctx, user, 7)
	require.NoError(t, err)
	require.Equal(t, int64(20), res.Reward)
	require.Equal(t, int64(7*5+20), res.NewBalance)

	_, err = svc.ClaimMilestone(ctx, user, 7)
	require.ErrorIs(t, err, ErrAlreadyClaimed)

	_, err = svc.ClaimMilestone(ctx, user, 8)
	require.ErrorIs(t, err, ErrUnknownMilestone)

	st, err := svc.Status(ctx, user)
	require.NoError(t, err)
	require.True(t, st.CheckedInToday)
	require.Equal(t, 7, st.MonthlyCount)
	require.True(t, st.Milestones[0].Claimed)
	require.False(t, st.Milestones[1].Eligible)
	require.NoError(t, l.CheckInvariant())
}

// ---------------------------------------------------------------------------
// Weekly reset
// ---------------------------------------------------------------------------

func TestResetWeeklyRewards_RerunPaysOnce(t *testing.T) {
	svc, store, l, _ := newTestService(t, time.Date(2026, 6, 8, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()
	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New(), uuid.New()}
	for i, u := range users {
		store.created[u] = time.Date(2025, 1, i+1, 0, 0, 0, 0, time.UTC)
		require.NoError(t, svc.AddScore(ctx, u, int64(100-i*10)))
	}
	week := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	report, effects, err := svc.ResetWeeklyRewards(ctx, week)
	require.NoError(t, err)
	require.True(t, report.Closed)
	require.Equal(t, 3, report.Winners)
	require.Equal(t, 3, report.Paid)
	require.Len(t, effects, 3)
	require.Equal(t, 4, report.ScoresClosed)

	report, effects, err = svc.ResetWeeklyRewards(ctx, week)
	require.NoError(t, err)
	require.False(t, report.Closed)
	require.Equal(t, 0, report.Paid)
	require.Equal(t, 3, report.AlreadyPaid)
	require.Empty(t, effects)

	require.Equal(t, int64(100), l.Balance(users[0]))
	require.Equal(t, int64(50), l.Balance(users[1]))
	require.Equal(t, int64(30), l.Balance(users[2]))
	require.Equal(t, int64(0), l.Balance(users[3]))
	for _, u := range users {
		require.Equal(t, int64(0), store.scores[u])
	}

	logs, err := svc.RewardLogs(ctx, week)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	require.Equal(t, users[0], logs[0].UserID)
	require.Equal(t, int64(100), logs[0].Score)
	require.NotNil(t, logs[0].PaidAt)
	require.NotNil(t, logs[0].LedgerEntryID)
}

func TestResetWeeklyRewards_RetryPaysClosedWeekWinners(t *testing.T) {
	svc, store, l, _ := newTestService(t, time.Date(2026, 6, 8, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()
	a, b, late := uuid.New(), uuid.New(), uuid.New()
	store.created[a] = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store.created[b] = time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	store.created[late] = time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)
	require.NoError(t, svc.AddScore(ctx, a, 50))
	require.NoError(t, svc.AddScore(ctx, b, 40))
	week := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	l.Fail = func(d ledger.Delta) error {
		if d.UserID == a {
			return errors.New("connection reset")
		}
		return nil
	}
	report, effects, err := svc.ResetWeeklyRewards(ctx, week)
	require.Error(t, err)
	require.Equal(t, 1, report.Paid)
	require.Len(t, effects, 1)
	require.Equal(t, int64(0), l.Balance(a))
	require.Equal(t, int64(50), l.Balance(b))

	// New-week activity before the retry must neither change the closed ranking nor be wiped.
	require.NoError(t, svc.AddScore(ctx, late, 500))
	require.NoError(t, svc.AddScore(ctx, b, 5))

	l.Fail = nil
	report, effects, err = svc.ResetWeeklyRewards(ctx, week)
	require.NoError(t, err)
	require.False(t, report.Closed)
	require.Equal(t, 1, report.Paid)
	require.Equal(t, 1, report.AlreadyPaid)
	require.Len(t, effects, 1)
	require.Equal(t, a, effects[0].UserID)

	require.Equal(t, int64(100), l.Balance(a))
	require.Equal(t, int64(50), l.Balance(b))
	require.Equal(t, int64(0), l.Balance(late))
	require.Equal(t, int64(500), store.scores[late])
	require.Equal(t, int64(5), store.scores[b])
	require.Equal(t, int64(0), store.scores[a])
	require.NoError(t, l.CheckInvariant())
}

func TestResetWeeklyRewards_FailedCloseLeavesBoardIntact(t *testing.T) {
	svc, store, l, _ := newTestService(t, time.Date(2026, 6, 8, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()
	u := uuid.New()
	require.NoError(t, svc.AddScore(ctx, u, 10))
	week := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	store.logErr = errors.New("store unavailable")
	_, _, err := svc.ResetWeeklyRewards(ctx, week)
	require.Error(t, err)
	require.Equal(t, int64(10), store.scores[u])
	require.False(t, store.closedWeek[week.Format(dayLayout)])
	require.Empty(t, store.logs)

	store.logErr = nil
	report, _, err := svc.ResetWeeklyRewards(ctx, week)
	require.NoError(t, err)
	require.True(t, report.Closed)
	require.Equal(t, 1, report.Paid)
	require.Equal(t, int64(100), l.Balance(u))
	require.Equal(t, int64(0), store.scores[u])
}

func TestResetWeeklyRewards_NoScoresStillClosesWeek(t *testing.T) {
	svc, _, _, _ := newTestService(t, time.Date(2026, 6, 8, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()
	week := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	report, effects, err := svc.ResetWeeklyRewards(ctx, week)
	require.NoError(t, err)
	require.True(t, report.Closed)
	require.Equal(t, 0, report.Winners)
	require.Empty(t, effects)

	report, _, err = svc.ResetWeeklyRewards(ctx, week)
	require.NoError(t, err)
	require.False(t, report.Closed)
}

func TestResetWeeklyRewards_TieGoesToOlderAccount(t *testing.T) {
	svc, store, l, _ := newTestService(t, time.Date(2026, 6, 8, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()
	older, newer := uuid.New(), uuid.New()
	store.created[older] = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.created[newer] = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, svc.AddScore(ctx, newer, 70))
	require.NoError(t, svc.AddScore(ctx, older, 70))

	_, _, err := svc.ResetWeeklyRewards(ctx, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, int64(100), l.Balance(older))
	require.Equal(t, int64(50), l.Balance(newer))
}

func TestWeekStartAndSchedule(t *testing.T) {
	svc, _, _, _ := newTestService(t, time.Now())
	// Sunday 2026-06-07
	got := svc.WeekStart(time.Date(2026, 6, 7, 23, 0, 0, 0, time.UTC))
	require.Equal(t, "2026-06-01", got.Format(dayLayout))

	sched := weeklySchedule{loc: time.UTC}
	next := sched.Next(time.Date(2026, 6, 7, 23, 0, 0, 0, time.UTC))
	require.Equal(t, time.Date(2026, 6, 8, 0, 0, 0, 0, time.UTC), next)
	next = sched.Next(next)
	require.Equal(t, time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC), next)
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

func TestUpdateSettings(t *testing.T) {
	svc, _, _, _ := newTestService(t, time.Now())
	ctx := context.Background()

	err := svc.UpdateSettings(ctx, Settings{DailyReward: 0})
	require.ErrorIs(t, err, ErrInvalidSettings)

	err = svc.UpdateSettings(ctx, Settings{
		DailyReward:   8,
		Milestones:    []Milestone{{Day: 14, Reward: 60}, {Day: 5, Reward: 10}},
		WeeklyRewards: []int64{200},
	})
	require.NoError(t, err)
	st, err := svc.Settings(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(8), st.DailyReward)
	require.Equal(t, 5, st.Milestones[0].Day)
}
