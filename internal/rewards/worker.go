package rewards

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"

	"github.com/lumora/backend/internal/notify"
)

// WeeklyResetArgs fixes the week being closed at enqueue time, so a retry that
// runs after midnight still settles the same week.
type WeeklyResetArgs struct {
	WeekStart string `json:"week_start"`
}

func (WeeklyResetArgs) Kind() string { return "weekly_reward_reset" }

type WeeklyResetWorker struct {
	river.WorkerDefaults[WeeklyResetArgs]
	svc      Service
	dispatch notify.Dispatcher
}

func NewWeeklyResetWorker(svc Service, dispatch notify.Dispatcher) *WeeklyResetWorker {
	return &WeeklyResetWorker{svc: svc, dispatch: dispatch}
}

func (w *WeeklyResetWorker) Work(ctx context.Context, job *river.Job[WeeklyResetArgs]) error {
	weekStart, err := time.Parse(dayLayout, job.Args.WeekStart)
	if err != nil {
		return river.JobCancel(fmt.Errorf("bad week_start %q: %w", job.Args.WeekStart, err))
	}
	_, effects, err := w.svc.ResetWeeklyRewards(ctx, weekStart)
	w.dispatch.Dispatch(ctx, effects...)
	return err
}

// weeklySchedule fires every Monday at 00:00 in loc.
type weeklySchedule struct {
	loc *time.Location
}

func (s weeklySchedule) Next(current time.Time) time.Time {
	t := current.In(s.loc)
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.loc)
	days := (int(time.Monday) - int(t.Weekday()) + 7) % 7
	next := midnight.AddDate(0, 0, days)
	if !next.After(current) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}

// PeriodicWeeklyReset closes the previous week every Monday at midnight in loc.
func PeriodicWeeklyReset(svc Service, loc *time.Location) *river.PeriodicJob {
	return river.NewPeriodicJob(
		weeklySchedule{loc: loc},
		func() (river.JobArgs, *river.InsertOpts) {
			closing := svc.WeekStart(time.Now()).AddDate(0, 0, -7)
			return WeeklyResetArgs{WeekStart: closing.Format(dayLayout)}, &river.InsertOpts{
				UniqueOpts: river.UniqueOpts{ByArgs: true},
			}
		},
		nil,
	)
}
