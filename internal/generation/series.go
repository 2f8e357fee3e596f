package generation

import (
	"context"
	"log/slog"
	"time"

	"postflow/pkg/domain"
	"postflow/pkg/queue"
	"postflow/pkg/store"
)

// Enqueuer is the slice of the generation queue the runner needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) (queue.Job, error)
}

// Gap between publish instants of posts produced by one series run.
const defaultRunSpacing = 15 * time.Minute

// Runner enqueues generation jobs for series whose next run is due.
type Runner struct {
	store   store.Store
	queue   Enqueuer
	log     *slog.Logger
	now     func() time.Time
	tick    time.Duration
	spacing time.Duration
}

type RunnerOption func(*Runner)

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// WithSpacing sets the gap between posts within one run.
func WithSpacing(d time.Duration) RunnerOption {
	return func(r *Runner) { r.spacing = d }
}

func NewRunner(st store.Store, q Enqueuer, log *slog.Logger, opts ...RunnerOption) *Runner {
	if log == nil {
		log = slog.Default()
	}
	r := &Runner{
		store:   st,
		queue:   q,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
		tick:    time.Minute,
		spacing: defaultRunSpacing,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run checks for due series until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()
	r.log.Info("series runner started", "tick", r.tick.String())
	for {
		select {
		case <-ctx.Done():
			r.log.Info("series runner stopped")
			return ctx.Err()
		case <-ticker.C:
			r.Tick(context.WithoutCancel(ctx))
		}
	}
}

// Tick enqueues jobs for every due series and advances its schedule.
// A series is advanced even when some jobs fail to enqueue; the run is
// not repeated.
func (r *Runner) Tick(ctx context.Context) {
	now := r.now()
	due, err := r.store.FindDueSeries(ctx, now)
	if err != nil {
		r.log.Error("find due series", "err", err)
		return
	}
	for _, s := range due {
		r.runSeries(ctx, s, now)
	}
}

func (r *Runner) runSeries(ctx context.Context, s domain.Series, now time.Time) {
	count := s.PerRunLimit
	if count <= 0 {
		count = 1
	}
	base := s.NextRunAt
	if base.Before(now) {
		base = now
	}
	enqueued := 0
	for i := 0; i < count; i++ {
		_, err := r.queue.Enqueue(ctx, queue.Job{
			UserID:            s.CreatedBy,
			ChannelID:         s.ChannelID,
			SeriesID:          s.ID,
			Prompt:            s.Prompt,
			RequireModeration: s.RequireModeration,
			PublishAt:         base.Add(time.Duration(i) * r.spacing),
		})
		if err != nil {
			r.log.Error("enqueue series job", "seriesId", s.ID, "err", err)
			continue
		}
		enqueued++
	}
	r.log.Info("series run enqueued", "seriesId", s.ID, "jobs", enqueued)

	nextRun, active := nextSchedule(s, now)
	if err := r.store.AdvanceSeries(ctx, s.ID, nextRun, active); err != nil {
		r.log.Error("advance series", "seriesId", s.ID, "err", err)
	}
}

func nextSchedule(s domain.Series, now time.Time) (time.Time, bool) {
	switch s.Cadence {
	case domain.CadenceHourly:
		return s.NextRunAt.Add(time.Hour), true
	case domain.CadenceDaily:
		return s.NextRunAt.Add(24 * time.Hour), true
	default: // once
		return now, false
	}
}
