package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lumora/backend/internal/config"
	"github.com/lumora/backend/internal/db"
	"github.com/lumora/backend/internal/ledger"
	"github.com/lumora/backend/internal/models"
	"github.com/lumora/backend/internal/notify"
)

var (
	ErrAlreadyClaimed   = errors.New("already claimed")
	ErrNotEligible      = errors.New("not eligible for this milestone yet")
	ErrUnknownMilestone = errors.New("unknown milestone")
	ErrInvalidSettings  = errors.New("invalid reward settings")
)

const dayLayout = "2006-01-02"

type Milestone struct {
	Day    int   `json:"day"`
	Reward int64 `json:"reward"`
}

// Settings is the admin-editable reward configuration.
type Settings struct {
	DailyReward   int64       `json:"daily_reward"`
	Milestones    []Milestone `json:"milestones"`
	WeeklyRewards []int64     `json:"weekly_rewards"`
}

func (s Settings) Validate() error {
	if s.DailyReward <= 0 {
		return fmt.Errorf("%w: daily_reward must be positive", ErrInvalidSettings)
	}
	seen := map[int]bool{}
	for _, m := range s.Milestones {
		if m.Day < 1 || m.Day > 31 || m.Reward <= 0 {
			return fmt.Errorf("%w: milestone %+v", ErrInvalidSettings, m)
		}
		if seen[m.Day] {
			return fmt.Errorf("%w: duplicate milestone day %d", ErrInvalidSettings, m.Day)
		}
		seen[m.Day] = true
	}
	for i, r := range s.WeeklyRewards {
		if r <= 0 {
			return fmt.Errorf("%w: weekly reward for rank %d must be positive", ErrInvalidSettings, i+1)
		}
	}
	return nil
}

func (s Settings) milestone(day int) (Milestone, bool) {
	for _, m := range s.Milestones {
		if m.Day == day {
			return m, true
		}
	}
	return Milestone{}, false
}

// SettingsFromConfig converts the [rewards] config section.
func SettingsFromConfig(c config.RewardsConfig) Settings {
	s := Settings{DailyReward: c.DailyReward, WeeklyRewards: append([]int64(nil), c.WeeklyRewards...)}
	for _, m := range c.Milestones {
		s.Milestones = append(s.Milestones, Milestone{Day: m.Day, Reward: m.Reward})
	}
	return s
}

type CheckInResult struct {
	Day          string `json:"day"`
	Reward       int64  `json:"reward"`
	MonthlyCount int    `json:"monthly_count"`
	NewBalance   int64  `json:"new_balance"`
}

type MilestoneStatus struct {
	Day      int   `json:"day"`
	Reward   int64 `json:"reward"`
	Claimed  bool  `json:"claimed"`
	Eligible bool  `json:"eligible"`
}

type Status struct {
	Today          string            `json:"today"`
	CheckedInToday bool              `json:"checked_in_today"`
	MonthlyCount   int               `json:"monthly_count"`
	Milestones     []MilestoneStatus `json:"milestones"`
}

type MilestoneResult struct {
	Day        int   `json:"day"`
	Reward     int64 `json:"reward"`
	NewBalance int64 `json:"new_balance"`
}

// ResetReport summarises one weekly reset run.
type ResetReport struct {
	WeekStart   string `json:"week_start"`
	Closed      bool   `json:"closed"`
	Winners     int    `json:"winners"`
	Paid        int    `json:"paid"`
	AlreadyPaid int    `json:"already_paid"`
	// ScoresClosed counts the scores taken off the board by this run's close.
	ScoresClosed int `json:"scores_closed"`
}

type Service interface {
	CheckIn(ctx context.Context, userID uuid.UUID) (*CheckInResult, error)
	MonthlyCount(ctx context.Context, userID uuid.UUID) (int, error)
	Status(ctx context.Context, userID uuid.UUID) (*Status, error)
	ClaimMilestone(ctx context.Context, userID uuid.UUID, day int) (*MilestoneResult, error)
	AddScore(ctx context.Context, userID uuid.UUID, points int64) error
	ResetWeeklyRewards(ctx context.Context, weekStart time.Time) (*ResetReport, []notify.Request, error)
	// RewardLogs lists the winners recorded for the week starting at weekStart.
	RewardLogs(ctx context.Context, weekStart time.Time) ([]models.WeeklyRewardLog, error)
	Leaderboard(ctx context.Context, limit int) ([]models.WeeklyScore, error)
	Settings(ctx context.Context) (Settings, error)
	UpdateSettings(ctx context.Context, s Settings) error
	// WeekStart returns the Monday that starts the week containing t, in the reward zone.
	WeekStart(t time.Time) time.Time
}

type Store interface {
	db.TxBeginner
	InsertCheckInTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, day time.Time, reward int64) error
	CountCheckIns(ctx context.Context, userID uuid.UUID, from, to time.Time) (int, error)
	HasCheckIn(ctx context.Context, userID uuid.UUID, day time.Time) (bool, error)
	InsertMilestoneClaimTx(ctx context.Context, tx pgx.Tx, c models.MilestoneClaim) error
	ClaimedMilestones(ctx context.Context, userID uuid.UUID, cycle string) (map[int]bool, error)
	AddScore(ctx context.Context, userID uuid.UUID, points int64) error
	TopScores(ctx context.Context, n int) ([]models.WeeklyScore, error)
	MarkWeekClosedTx(ctx context.Context, tx pgx.Tx, weekStart time.Time) (bool, error)
	CloseScoresTx(ctx context.Context, tx pgx.Tx) ([]models.WeeklyScore, error)
	InsertRewardLogTx(ctx context.Context, tx pgx.Tx, l models.WeeklyRewardLog) error
	MarkRewardPaidTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, weekStart time.Time, entryID uuid.UUID) (bool, error)
	ListRewardLogs(ctx context.Context, weekStart time.Time) ([]models.WeeklyRewardLog, error)
	LoadSettings(ctx context.Context) (*Settings, error)
	SaveSettings(ctx context.Context, s Settings) error
}

type service struct {
	store    Store
	ledger   ledger.Service
	defaults Settings
	loc      *time.Location
	now      func() time.Time
	log      *slog.Logger
}

type Option func(*service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

func NewService(store Store, ledgerSvc ledger.Service, cfg config.RewardsConfig, log *slog.Logger, opts ...Option) Service {
	if log == nil {
		log = slog.Default()
	}
	s := &service{
		store:    store,
		ledger:   ledgerSvc,
		defaults: SettingsFromConfig(cfg),
		loc:      cfg.Location(),
		now:      time.Now,
		log:      log,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ Service = (*service)(nil)

// today is the current calendar day in the reward zone, as a UTC midnight suitable for a DATE column.
func (s *service) today() time.Time {
	t := s.now().In(s.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func monthBounds(day time.Time) (time.Time, time.Time) {
	start := time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

func cycleOf(day time.Time) string { return day.Format("2006-01") }

func (s *service) Settings(ctx context.Context) (Settings, error) {
	stored, err := s.store.LoadSettings(ctx)
	if err != nil {
		return Settings{}, err
	}
	if stored == nil {
		return s.defaults, nil
	}
	return *stored, nil
}

func (s *service) UpdateSettings(ctx context.Context, st Settings) error {
	if err := st.Validate(); err != nil {
		return err
	}
	sort.Slice(st.Milestones, func(i, j int) bool { return st.Milestones[i].Day < st.Milestones[j].Day })
	return s.store.SaveSettings(ctx, st)
}

func (s *service) CheckIn(ctx context.Context, userID uuid.UUID) (*CheckInResult, error) {
	st, err := s.Settings(ctx)
	if err != nil {
		return nil, err
	}
	day := s.today()
	var receipt *ledger.Receipt
	err = db.RunInTx(ctx, s.store, func(tx pgx.Tx) error {
		if err := s.store.InsertCheckInTx(ctx, tx, userID, day, st.DailyReward); err != nil {
			return err
		}
		r, err := s.ledger.ApplyDeltaTx(ctx, tx, ledger.Delta{
			UserID:      userID,
			Amount:      st.DailyReward,
			Kind:        models.EntryReward,
			Description: "daily check-in " + day.Format(dayLayout),
		})
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	count, err := s.MonthlyCount(ctx, userID)
	if err != nil {
		// the check-in committed; the count is informational
		s.log.Warn("monthly count after check-in failed", "user_id", userID, "error", err)
	}
	return &CheckInResult{
		Day:          day.Format(dayLayout),
		Reward:       st.DailyReward,
		MonthlyCount: count,
		NewBalance:   receipt.NewBalance,
	}, nil
}

// MonthlyCount is derived from check-in rows on every call.
func (s *service) MonthlyCount(ctx context.Context, userID uuid.UUID) (int, error) {
	from, to := monthBounds(s.today())
	return s.store.CountCheckIns(ctx, userID, from, to)
}

func (s *service) Status(ctx context.Context, userID uuid.UUID) (*Status, error) {
	st, err := s.Settings(ctx)
	if err != nil {
		return nil, err
	}
	day := s.today()
	checked, err := s.store.HasCheckIn(ctx, userID, day)
	if err != nil {
		return nil, err
	}
	count, err := s.MonthlyCount(ctx, userID)
	if err != nil {
		return nil, err
	}
	claimed, err := s.store.ClaimedMilestones(ctx, userID, cycleOf(day))
	if err != nil {
		return nil, err
	}
	out := &Status{Today: day.Format(dayLayout), CheckedInToday: checked, MonthlyCount: count}
	for _, m := range st.Milestones {
		out.Milestones = append(out.Milestones, MilestoneStatus{
			Day:      m.Day,
			Reward:   m.Reward,
			Claimed:  claimed[m.Day],
			Eligible: !claimed[m.Day] && count >= m.Day,
		})
	}
	return out, nil
}

func (s *service) ClaimMilestone(ctx context.Context, userID uuid.UUID, day int) (*MilestoneResult, error) {
	st, err := s.Settings(ctx)
	if err != nil {
		return nil, err
	}
	m, ok := st.milestone(day)
	if !ok {
		return nil, ErrUnknownMilestone
	}
	count, err := s.MonthlyCount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if count < m.Day {
		return nil, ErrNotEligible
	}
	cycle := cycleOf(s.today())
	var receipt *ledger.Receipt
	err = db.RunInTx(ctx, s.store, func(tx pgx.Tx) error {
		if err := s.store.InsertMilestoneClaimTx(ctx, tx, models.MilestoneClaim{
			UserID: userID, Cycle: cycle, MilestoneDay: m.Day, Reward: m.Reward,
		}); err != nil {
			return err
		}
		r, err := s.ledger.ApplyDeltaTx(ctx, tx, ledger.Delta{
			UserID:      userID,
			Amount:      m.Reward,
			Kind:        models.EntryReward,
			Description: fmt.Sprintf("%d-day check-in milestone (%s)", m.Day, cycle),
		})
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &MilestoneResult{Day: m.Day, Reward: m.Reward, NewBalance: receipt.NewBalance}, nil
}

func (s *service) AddScore(ctx context.Context, userID uuid.UUID, points int64) error {
	if points <= 0 {
		return nil
	}
	return s.store.AddScore(ctx, userID, points)
}

func (s *service) Leaderboard(ctx context.Context, limit int) ([]models.WeeklyScore, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	return s.store.TopScores(ctx, limit)
}

func (s *service) WeekStart(t time.Time) time.Time {
	t = t.In(s.loc)
	offset := (int(t.Weekday()) + 6) % 7
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return d.AddDate(0, 0, -offset)
}

// ResetWeeklyRewards closes the week starting at weekStart and pays its winners.
// The close runs once per week in one transaction: the top scorers are recorded with
// their rank and reward, and each recorded score is taken off the board, so points
// earned after the close count toward the new week. Payouts then work from those
// records; a repeat run skips the close and pays only winners still unpaid.
func (s *service) ResetWeeklyRewards(ctx context.Context, weekStart time.Time) (*ResetReport, []notify.Request, error) {
	weekStart = time.Date(weekStart.Year(), weekStart.Month(), weekStart.Day(), 0, 0, 0, 0, time.UTC)
	report := &ResetReport{WeekStart: weekStart.Format(dayLayout)}
	closed, scores, err := s.closeWeek(ctx, weekStart)
	if err != nil {
		return nil, nil, err
	}
	report.Closed = closed
	report.ScoresClosed = scores

	winners, err := s.store.ListRewardLogs(ctx, weekStart)
	if err != nil {
		return report, nil, err
	}
	report.Winners = len(winners)
	var effects []notify.Request
	var errs []error
	for _, w := range winners {
		if w.PaidAt != nil {
			report.AlreadyPaid++
			continue
		}
		paid, err := s.payWinner(ctx, w)
		if err != nil {
			s.log.Error("weekly reward payout failed", "user_id", w.UserID, "rank", w.Rank, "week_start", report.WeekStart, "error", err)
			errs = append(errs, fmt.Errorf("rank %d: %w", w.Rank, err))
			continue
		}
		if !paid {
			report.AlreadyPaid++
			continue
		}
		report.Paid++
		effects = append(effects, notify.Request{
			UserID:  w.UserID,
			Message: fmt.Sprintf("You placed #%d on the weekly leaderboard and earned %d coins.", w.Rank, w.Reward),
		})
	}
	if len(errs) > 0 {
		return report, effects, errors.Join(errs...)
	}
	s.log.Info("weekly rewards reset", "week_start", report.WeekStart, "closed", closed,
		"paid", report.Paid, "already_paid", report.AlreadyPaid, "scores_closed", scores)
	return report, effects, nil
}

func (s *service) closeWeek(ctx context.Context, weekStart time.Time) (bool, int, error) {
	st, err := s.Settings(ctx)
	if err != nil {
		return false, 0, err
	}
	var closed bool
	var n int
	err = db.RunInTx(ctx, s.store, func(tx pgx.Tx) error {
		closed, n = false, 0
		first, err := s.store.MarkWeekClosedTx(ctx, tx, weekStart)
		if err != nil || !first {
			return err
		}
		scores, err := s.store.CloseScoresTx(ctx, tx)
		if err != nil {
			return err
		}
		for i, w := range scores {
			if i == len(st.WeeklyRewards) {
				break
			}
			rank := i + 1
			if err := s.store.InsertRewardLogTx(ctx, tx, models.WeeklyRewardLog{
				UserID:            w.UserID,
				WeekStart:         weekStart,
				Rank:              rank,
				Score:             w.Score,
				Reward:            st.WeeklyRewards[i],
				RewardDescription: fmt.Sprintf("weekly leaderboard rank %d (week of %s)", rank, weekStart.Format(dayLayout)),
			}); err != nil {
				return err
			}
		}
		closed, n = true, len(scores)
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	return closed, n, nil
}

var errAlreadyPaid = errors.New("weekly reward already paid")

func (s *service) payWinner(ctx context.Context, w models.WeeklyRewardLog) (bool, error) {
	err := db.RunInTx(ctx, s.store, func(tx pgx.Tx) error {
		r, err := s.ledger.ApplyDeltaTx(ctx, tx, ledger.Delta{
			UserID:      w.UserID,
			Amount:      w.Reward,
			Kind:        models.EntryReward,
			Description: w.RewardDescription,
		})
		if err != nil {
			return err
		}
		ok, err := s.store.MarkRewardPaidTx(ctx, tx, w.UserID, w.WeekStart, r.EntryID)
		if err != nil {
			return err
		}
		if !ok {
			return errAlreadyPaid
		}
		return nil
	})
	if errors.Is(err, errAlreadyPaid) {
		return false, nil
	}
	return err == nil, err
}

func (s *service) RewardLogs(ctx context.Context, weekStart time.Time) ([]models.WeeklyRewardLog, error) {
	weekStart = time.Date(weekStart.Year(), weekStart.Month(), weekStart.Day(), 0, 0, 0, 0, time.UTC)
	return s.store.ListRewardLogs(ctx, weekStart)
}
