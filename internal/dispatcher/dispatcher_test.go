package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"postflow/pkg/delivery"
	"postflow/pkg/domain"
	"postflow/pkg/events"
	"postflow/pkg/psm"
	"postflow/pkg/store"
)

type fakeAdapter struct {
	mu    sync.Mutex
	sent  []sentCall
	fail  error
	calls int
}

type sentCall struct {
	ChannelID string
	Body      string
	MediaRef  string
}

func (f *fakeAdapter) Send(_ context.Context, channelID, body, mediaRef string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		return "", f.fail
	}
	f.sent = append(f.sent, sentCall{channelID, body, mediaRef})
	return fmt.Sprintf("msg-%d", f.calls), nil
}

type recordedDelivery struct {
	PostID  string
	Outcome string
	Note    string
}

type fakeHistory struct {
	mu      sync.Mutex
	records []recordedDelivery
}

func (f *fakeHistory) RecordDelivery(_ context.Context, post domain.Post, outcome string, _ time.Time, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, recordedDelivery{post.ID, outcome, note})
	return nil
}

func newDispatchFixture(t *testing.T, now time.Time, adapter *fakeAdapter, opts ...Option) (*Dispatcher, *store.MemoryStore, *events.MemoryNotifier) {
	t.Helper()
	st := store.NewMemoryStore()
	notifier := &events.MemoryNotifier{}
	machine := psm.New(st, notifier, slog.Default(), psm.WithClock(func() time.Time { return now }))
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	d := New(st, machine, adapter, notifier, slog.Default(), Config{StallThreshold: 3}, opts...)
	seedChannel(t, st)
	return d, st, notifier
}

func seedChannel(t *testing.T, st store.Store) {
	t.Helper()
	if err := st.SaveChannel(context.Background(), domain.Channel{
		ID: "chan-1", Title: "News", OwnerID: "owner-1", Active: true,
		Settings: domain.ChannelSettings{Signature: "— Editors", Hashtags: []string{"news", "#daily"}},
	}); err != nil {
		t.Fatalf("seed channel: %v", err)
	}
}

func seedDuePost(t *testing.T, st *store.MemoryStore, id string, now time.Time) domain.Post {
	t.Helper()
	at := now.Add(-time.Minute)
	post := domain.Post{
		ID: id, ChannelID: "chan-1", Body: "hello", Status: domain.StatusApproved,
		PublishAt: &at, CreatedBy: "owner-1", Origin: domain.OriginManual,
		CreatedAt: now, UpdatedAt: now,
	}
	if _, err := st.CreatePost(context.Background(), post); err != nil {
		t.Fatalf("seed post: %v", err)
	}
	return post
}

func TestTickDeliversDuePost(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	adapter := &fakeAdapter{}
	d, st, _ := newDispatchFixture(t, now, adapter)
	post := seedDuePost(t, st, "post-1", now)

	d.Tick(context.Background())

	if len(adapter.sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(adapter.sent))
	}
	got := adapter.sent[0]
	if got.ChannelID != "chan-1" {
		t.Fatalf("sent to %q", got.ChannelID)
	}
	if got.Body != "hello\n\n— Editors\n\n#news #daily" {
		t.Fatalf("rendered body = %q", got.Body)
	}

	stored, err := st.GetPost(context.Background(), post.ID)
	if err != nil {
		t.Fatalf("get post: %v", err)
	}
	if stored.Status != domain.StatusSent || !stored.Published || stored.SentAt == nil {
		t.Fatalf("post after delivery: %+v", stored)
	}
}

func TestTickSkipsPostsNotYetDue(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	adapter := &fakeAdapter{}
	d, st, _ := newDispatchFixture(t, now, adapter)

	future := now.Add(time.Hour)
	if _, err := st.CreatePost(context.Background(), domain.Post{
		ID: "post-future", ChannelID: "chan-1", Body: "later",
		Status: domain.StatusApproved, PublishAt: &future, CreatedBy: "owner-1",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	d.Tick(context.Background())
	if adapter.calls != 0 {
		t.Fatalf("expected no sends, got %d", adapter.calls)
	}
}

func TestTransientFailureReleasesClaimAndEscalates(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	adapter := &fakeAdapter{fail: fmt.Errorf("telegram status 429: %w", delivery.ErrTransient)}
	d, st, notifier := newDispatchFixture(t, now, adapter)
	post := seedDuePost(t, st, "post-1", now)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		d.Tick(ctx)
	}
	if adapter.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", adapter.calls)
	}

	// Still approved, claim released, ready for the next tick.
	stored, err := st.GetPost(ctx, post.ID)
	if err != nil {
		t.Fatalf("get post: %v", err)
	}
	if stored.Status != domain.StatusApproved || stored.DispatchToken != "" {
		t.Fatalf("post after transient failures: %+v", stored)
	}

	var stalled int
	for _, ev := range notifier.Events() {
		if ev.Type == events.TypeDeliveryStalled {
			stalled++
		}
	}
	if stalled != 1 {
		t.Fatalf("expected exactly one stall escalation, got %d", stalled)
	}

	// Recovery clears the counter and delivers.
	adapter.fail = nil
	d.Tick(ctx)
	stored, _ = st.GetPost(ctx, post.ID)
	if stored.Status != domain.StatusSent {
		t.Fatalf("post after recovery: %s", stored.Status)
	}
}

func TestPermanentFailureMarksError(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	adapter := &fakeAdapter{fail: fmt.Errorf("telegram: chat not found: %w", delivery.ErrPermanent)}
	d, st, notifier := newDispatchFixture(t, now, adapter)
	post := seedDuePost(t, st, "post-1", now)

	ctx := context.Background()
	d.Tick(ctx)

	stored, err := st.GetPost(ctx, post.ID)
	if err != nil {
		t.Fatalf("get post: %v", err)
	}
	if stored.Status != domain.StatusError || stored.ErrorReason == "" {
		t.Fatalf("post after permanent failure: %+v", stored)
	}

	var sawError bool
	for _, ev := range notifier.Events() {
		if ev.Type == events.TypePostError {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("expected post.error event")
	}

	// Errored posts are out of the due set.
	adapter.fail = nil
	d.Tick(ctx)
	if adapter.calls != 1 {
		t.Fatalf("errored post re-dispatched, calls = %d", adapter.calls)
	}
}

func TestInactiveChannelFailsDelivery(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	adapter := &fakeAdapter{}
	d, st, _ := newDispatchFixture(t, now, adapter)
	post := seedDuePost(t, st, "post-1", now)

	ctx := context.Background()
	if err := st.DeactivateChannel(ctx, "chan-1"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	d.Tick(ctx)

	if adapter.calls != 0 {
		t.Fatalf("sent to inactive channel, calls = %d", adapter.calls)
	}
	stored, _ := st.GetPost(ctx, post.ID)
	if stored.Status != domain.StatusError {
		t.Fatalf("post status = %s, want error", stored.Status)
	}
}

// flakyCommitStore fails transitions to sent while failures last,
// mimicking a store outage between a successful send and its commit.
type flakyCommitStore struct {
	store.Store
	failures int
}

func (f *flakyCommitStore) UpdatePost(ctx context.Context, id string, patch store.PostPatch, expected domain.PostStatus) error {
	if f.failures > 0 && patch.Status != nil && *patch.Status == domain.StatusSent {
		f.failures--
		return store.ErrUnavailable
	}
	return f.Store.UpdatePost(ctx, id, patch, expected)
}

func TestFailedCommitReleasesClaimForRetry(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	mem := store.NewMemoryStore()
	st := &flakyCommitStore{Store: mem, failures: 1}
	notifier := &events.MemoryNotifier{}
	machine := psm.New(st, notifier, slog.Default(), psm.WithClock(func() time.Time { return now }))
	adapter := &fakeAdapter{}
	d := New(st, machine, adapter, notifier, slog.Default(), Config{StallThreshold: 3}, WithClock(func() time.Time { return now }))
	seedChannel(t, mem)
	post := seedDuePost(t, mem, "post-1", now)

	ctx := context.Background()
	d.Tick(ctx) // message goes out, commit fails

	stored, err := mem.GetPost(ctx, post.ID)
	if err != nil {
		t.Fatalf("get post: %v", err)
	}
	if stored.Status != domain.StatusApproved || stored.DispatchToken != "" {
		t.Fatalf("claim not released after failed commit: status=%s token=%q", stored.Status, stored.DispatchToken)
	}

	// Store healthy again: the next tick re-dispatches. The duplicate
	// send is the accepted cost of the crash window.
	d.Tick(ctx)
	if adapter.calls != 2 {
		t.Fatalf("expected a second send, got %d calls", adapter.calls)
	}
	stored, _ = mem.GetPost(ctx, post.ID)
	if stored.Status != domain.StatusSent || !stored.Published {
		t.Fatalf("post after retry: %+v", stored)
	}
}

func TestStaleClaimTakenOverAfterLease(t *testing.T) {
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	current := start
	clock := func() time.Time { return current }
	mem := store.NewMemoryStore()
	notifier := &events.MemoryNotifier{}
	machine := psm.New(mem, notifier, slog.Default(), psm.WithClock(clock))
	adapter := &fakeAdapter{}
	d := New(mem, machine, adapter, notifier, slog.Default(), Config{StallThreshold: 3}, WithClock(clock))
	seedChannel(t, mem)
	post := seedDuePost(t, mem, "post-1", start)

	ctx := context.Background()
	// Another dispatcher claimed the post and crashed; its token is
	// durable in the store.
	if err := mem.ClaimDispatch(ctx, post.ID, "tok-dead", start, start.Add(-time.Minute)); err != nil {
		t.Fatalf("seed claim: %v", err)
	}

	// While the lease is live the claim is honored.
	d.Tick(ctx)
	if adapter.calls != 0 {
		t.Fatalf("live claim was stolen, calls = %d", adapter.calls)
	}

	// Past the lease the claim is taken over and the post delivered.
	current = start.Add(5 * time.Minute)
	d.Tick(ctx)
	if adapter.calls != 1 {
		t.Fatalf("expected takeover send, got %d calls", adapter.calls)
	}
	stored, err := mem.GetPost(ctx, post.ID)
	if err != nil {
		t.Fatalf("get post: %v", err)
	}
	if stored.Status != domain.StatusSent {
		t.Fatalf("post after takeover: %s", stored.Status)
	}
}

func TestSheetPostOutcomeRecordedInHistory(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	adapter := &fakeAdapter{}
	history := &fakeHistory{}
	d, st, _ := newDispatchFixture(t, now, adapter, WithHistory(history))

	at := now.Add(-time.Minute)
	if _, err := st.CreatePost(context.Background(), domain.Post{
		ID: "post-sheet", ChannelID: "chan-1", Body: "from the plan",
		Status: domain.StatusApproved, PublishAt: &at, CreatedBy: "owner-1",
		Origin:      domain.OriginSheet,
		SheetRowRef: &domain.SheetRowRef{BindingID: "bind-1", RowID: "row-1"},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	seedDuePost(t, st, "post-manual", now)

	d.Tick(context.Background())

	if len(history.records) != 1 {
		t.Fatalf("expected 1 history record, got %d", len(history.records))
	}
	rec := history.records[0]
	if rec.PostID != "post-sheet" || rec.Outcome != "published" {
		t.Fatalf("unexpected history record: %+v", rec)
	}
}
