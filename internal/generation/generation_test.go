package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"postflow/pkg/domain"
	"postflow/pkg/events"
	"postflow/pkg/psm"
	"postflow/pkg/queue"
	"postflow/pkg/store"
)

type fakeGenerator struct {
	text string
	err  error
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string, _ int) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.text + " (" + prompt + ")", nil
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []queue.Job
	err  error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, job queue.Job) (queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return queue.Job{}, f.err
	}
	f.jobs = append(f.jobs, job)
	return job, nil
}

func seedStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()
	if err := st.UpsertUser(ctx, domain.User{ID: "owner-1", Role: domain.RoleOwner, Active: true}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if err := st.SaveChannel(ctx, domain.Channel{ID: "chan-1", Title: "News", OwnerID: "owner-1", Active: true}); err != nil {
		t.Fatalf("seed channel: %v", err)
	}
	return st
}

func TestConsumerCreatesPostFromJob(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	st := seedStore(t)
	notifier := &events.MemoryNotifier{}
	machine := psm.New(st, notifier, slog.Default(), psm.WithClock(func() time.Time { return now }))
	c := NewConsumer(st, machine, &fakeGenerator{text: "generated"}, notifier, slog.Default())

	publishAt := now.Add(time.Hour)
	err := c.Handle(context.Background(), queue.Job{
		ID: "job-1", UserID: "owner-1", ChannelID: "chan-1", SeriesID: "series-1",
		Prompt: "daily digest", PublishAt: publishAt,
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	posts, err := st.ListQueuedPosts(context.Background(), "chan-1")
	if err != nil || len(posts) != 1 {
		t.Fatalf("queued posts = %d err=%v", len(posts), err)
	}
	post := posts[0]
	if post.Origin != domain.OriginGenerated || post.SeriesID != "series-1" {
		t.Fatalf("post provenance: %+v", post)
	}
	if post.Status != domain.StatusApproved {
		t.Fatalf("moderation-off job should be approved, got %s", post.Status)
	}
	if post.Body != "generated (daily digest)" {
		t.Fatalf("post body = %q", post.Body)
	}
}

func TestConsumerModerationJobLandsInPending(t *testing.T) {
	now := time.Now().UTC()
	st := seedStore(t)
	machine := psm.New(st, &events.MemoryNotifier{}, slog.Default(), psm.WithClock(func() time.Time { return now }))
	c := NewConsumer(st, machine, &fakeGenerator{text: "g"}, &events.MemoryNotifier{}, slog.Default())

	err := c.Handle(context.Background(), queue.Job{
		ID: "job-1", UserID: "owner-1", ChannelID: "chan-1",
		Prompt: "p", RequireModeration: true, PublishAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	posts, _ := st.ListQueuedPosts(context.Background(), "chan-1")
	if len(posts) != 1 || posts[0].Status != domain.StatusPending {
		t.Fatalf("expected one pending post, got %+v", posts)
	}
}

func TestConsumerGeneratorFailureReportsAndErrors(t *testing.T) {
	st := seedStore(t)
	notifier := &events.MemoryNotifier{}
	machine := psm.New(st, notifier, slog.Default())
	c := NewConsumer(st, machine, &fakeGenerator{err: errors.New("model overloaded")}, notifier, slog.Default())

	// Attempts == retry budget: this is the job's last chance.
	err := c.Handle(context.Background(), queue.Job{ID: "job-1", UserID: "owner-1", ChannelID: "chan-1", Prompt: "p", Attempts: 3})
	if err == nil {
		t.Fatal("expected error from failed generation")
	}
	var sawFailure bool
	for _, ev := range notifier.Events() {
		if ev.Type == events.TypeGenerationFailed {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Fatal("expected generation.failed event")
	}
	posts, _ := st.ListQueuedPosts(context.Background(), "chan-1")
	if len(posts) != 0 {
		t.Fatalf("post created despite failure: %+v", posts)
	}
}

func TestConsumerRetryableFailuresStayQuiet(t *testing.T) {
	st := seedStore(t)
	notifier := &events.MemoryNotifier{}
	machine := psm.New(st, notifier, slog.Default())
	c := NewConsumer(st, machine, &fakeGenerator{err: errors.New("model overloaded")}, notifier, slog.Default(),
		WithMaxAttempts(3))

	ctx := context.Background()
	// Attempts 1 and 2 go back to the queue without bothering the user.
	for attempt := 1; attempt <= 2; attempt++ {
		err := c.Handle(ctx, queue.Job{ID: "job-1", UserID: "owner-1", ChannelID: "chan-1", Prompt: "p", Attempts: attempt})
		if err == nil {
			t.Fatalf("attempt %d: expected error", attempt)
		}
		if n := len(notifier.Events()); n != 0 {
			t.Fatalf("attempt %d: %d events before retries were spent", attempt, n)
		}
	}

	// The final attempt notifies exactly once.
	if err := c.Handle(ctx, queue.Job{ID: "job-1", UserID: "owner-1", ChannelID: "chan-1", Prompt: "p", Attempts: 3}); err == nil {
		t.Fatal("expected error on final attempt")
	}
	var failures int
	for _, ev := range notifier.Events() {
		if ev.Type == events.TypeGenerationFailed {
			failures++
		}
	}
	if failures != 1 {
		t.Fatalf("expected one failure notification, got %d", failures)
	}
}

func TestConsumerUnknownUserFails(t *testing.T) {
	st := seedStore(t)
	machine := psm.New(st, &events.MemoryNotifier{}, slog.Default())
	c := NewConsumer(st, machine, &fakeGenerator{text: "g"}, &events.MemoryNotifier{}, slog.Default())

	err := c.Handle(context.Background(), queue.Job{ID: "job-1", UserID: "ghost", ChannelID: "chan-1", Prompt: "p"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestRunnerEnqueuesDueSeriesAndAdvances(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	st := seedStore(t)
	q := &fakeEnqueuer{}
	r := NewRunner(st, q, slog.Default(), WithClock(func() time.Time { return now }))

	ctx := context.Background()
	if _, err := st.CreateSeries(ctx, domain.Series{
		ID: "series-daily", ChannelID: "chan-1", Prompt: "digest",
		Cadence: domain.CadenceDaily, NextRunAt: now.Add(-time.Minute),
		PerRunLimit: 3, RequireModeration: true, Active: true, CreatedBy: "owner-1",
	}); err != nil {
		t.Fatalf("seed series: %v", err)
	}
	if _, err := st.CreateSeries(ctx, domain.Series{
		ID: "series-future", ChannelID: "chan-1", Prompt: "later",
		Cadence: domain.CadenceDaily, NextRunAt: now.Add(time.Hour),
		PerRunLimit: 1, Active: true, CreatedBy: "owner-1",
	}); err != nil {
		t.Fatalf("seed series: %v", err)
	}

	r.Tick(ctx)

	if len(q.jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(q.jobs))
	}
	for i, job := range q.jobs {
		if job.SeriesID != "series-daily" || job.Prompt != "digest" || !job.RequireModeration {
			t.Fatalf("job %d: %+v", i, job)
		}
	}
	// Posts inside one run are spaced out.
	gap := q.jobs[1].PublishAt.Sub(q.jobs[0].PublishAt)
	if gap != defaultRunSpacing {
		t.Fatalf("spacing = %v", gap)
	}

	s, err := st.GetSeries(ctx, "series-daily")
	if err != nil {
		t.Fatalf("get series: %v", err)
	}
	if !s.Active || !s.NextRunAt.After(now) {
		t.Fatalf("series not advanced: %+v", s)
	}

	// Second tick: nothing is due anymore.
	r.Tick(ctx)
	if len(q.jobs) != 3 {
		t.Fatalf("due series re-run, jobs = %d", len(q.jobs))
	}
}

func TestRunnerOneShotSeriesDeactivates(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	st := seedStore(t)
	q := &fakeEnqueuer{}
	r := NewRunner(st, q, slog.Default(), WithClock(func() time.Time { return now }))

	ctx := context.Background()
	if _, err := st.CreateSeries(ctx, domain.Series{
		ID: "series-once", ChannelID: "chan-1", Prompt: "p",
		Cadence: domain.CadenceOnce, NextRunAt: now.Add(-time.Minute),
		PerRunLimit: 1, Active: true, CreatedBy: "owner-1",
	}); err != nil {
		t.Fatalf("seed series: %v", err)
	}

	r.Tick(ctx)
	if len(q.jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(q.jobs))
	}
	s, _ := st.GetSeries(ctx, "series-once")
	if s.Active {
		t.Fatal("one-shot series still active after run")
	}
}

func TestRunnerAdvancesEvenWhenEnqueueFails(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	st := seedStore(t)
	q := &fakeEnqueuer{err: fmt.Errorf("redis down")}
	r := NewRunner(st, q, slog.Default(), WithClock(func() time.Time { return now }))

	ctx := context.Background()
	if _, err := st.CreateSeries(ctx, domain.Series{
		ID: "series-hourly", ChannelID: "chan-1", Prompt: "p",
		Cadence: domain.CadenceHourly, NextRunAt: now.Add(-time.Minute),
		PerRunLimit: 2, Active: true, CreatedBy: "owner-1",
	}); err != nil {
		t.Fatalf("seed series: %v", err)
	}

	r.Tick(ctx)
	s, _ := st.GetSeries(ctx, "series-hourly")
	if !s.NextRunAt.After(now.Add(-time.Minute)) {
		t.Fatalf("series not advanced: %+v", s)
	}
}
