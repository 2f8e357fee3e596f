package app

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"postflow/pkg/domain"
	"postflow/pkg/events"
	"postflow/pkg/psm"
	"postflow/pkg/queue"
	"postflow/pkg/store"
)

type fakeJobs struct {
	jobs []queue.Job
	err  error
}

func (f *fakeJobs) Enqueue(_ context.Context, job queue.Job) (queue.Job, error) {
	if f.err != nil {
		return queue.Job{}, f.err
	}
	job.ID = "job-" + time.Now().Format("150405.000000000")
	f.jobs = append(f.jobs, job)
	return job, nil
}

func (f *fakeJobs) GetJob(_ context.Context, jobID string) (queue.Job, bool, error) {
	for _, j := range f.jobs {
		if j.ID == jobID {
			return j, true, nil
		}
	}
	return queue.Job{}, false, nil
}

type fakeProvisioner struct {
	bootstrapped []string
	err          error
}

func (f *fakeProvisioner) Bootstrap(_ context.Context, b domain.SheetBinding) error {
	if f.err != nil {
		return f.err
	}
	f.bootstrapped = append(f.bootstrapped, b.SpreadsheetID)
	return nil
}

func newTestApp(t *testing.T) (*App, *store.MemoryStore, *fakeJobs, *fakeProvisioner) {
	t.Helper()
	st := store.NewMemoryStore()
	machine := psm.New(st, &events.MemoryNotifier{}, slog.Default())
	jobs := &fakeJobs{}
	prov := &fakeProvisioner{}
	a, err := New(Config{
		Store:               st,
		Machine:             machine,
		Jobs:                jobs,
		Sheets:              prov,
		Log:                 slog.Default(),
		AdminUserIDs:        []string{"admin-1"},
		DefaultSyncInterval: 30,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, st, jobs, prov
}

func identify(t *testing.T, a *App, id string) domain.User {
	t.Helper()
	u, err := a.Identify(context.Background(), id, id, "")
	if err != nil {
		t.Fatalf("identify %s: %v", id, err)
	}
	return u
}

func TestIdentifyAssignsConfiguredRoles(t *testing.T) {
	a, _, _, _ := newTestApp(t)

	admin := identify(t, a, "admin-1")
	if admin.Role != domain.RoleAdmin || !admin.Active {
		t.Fatalf("admin user: %+v", admin)
	}
	owner := identify(t, a, "user-7")
	if owner.Role != domain.RoleOwner {
		t.Fatalf("regular user: %+v", owner)
	}
}

func TestIdentifyRefusesDeactivatedUser(t *testing.T) {
	a, _, _, _ := newTestApp(t)
	ctx := context.Background()

	admin := identify(t, a, "admin-1")
	user := identify(t, a, "user-7")
	if err := a.DeactivateUser(ctx, admin, user.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := a.Identify(ctx, "user-7", "user-7", ""); !errors.Is(err, psm.ErrForbidden) {
		t.Fatalf("deactivated user identified: err = %v", err)
	}
	// Non-admins cannot deactivate anyone.
	other := identify(t, a, "user-8")
	if err := a.DeactivateUser(ctx, other, "admin-1"); !errors.Is(err, psm.ErrForbidden) {
		t.Fatalf("owner deactivated a user: err = %v", err)
	}
}

func TestRegisterChannelOwnership(t *testing.T) {
	a, _, _, _ := newTestApp(t)
	ctx := context.Background()
	owner := identify(t, a, "user-7")
	intruder := identify(t, a, "user-8")

	channel, err := a.RegisterChannel(ctx, owner, "chan-1", "News", domain.ChannelSettings{Timezone: "Europe/Moscow"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if channel.OwnerID != owner.ID || !channel.Active {
		t.Fatalf("channel: %+v", channel)
	}

	// Someone else cannot take over the channel.
	if _, err := a.RegisterChannel(ctx, intruder, "chan-1", "Mine now", domain.ChannelSettings{}); !errors.Is(err, psm.ErrForbidden) {
		t.Fatalf("takeover: err = %v", err)
	}

	// Re-registration by the owner updates the title and keeps ownership.
	updated, err := a.RegisterChannel(ctx, owner, "chan-1", "Daily News", domain.ChannelSettings{})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if updated.Title != "Daily News" || updated.OwnerID != owner.ID {
		t.Fatalf("updated channel: %+v", updated)
	}

	if _, err := a.RegisterChannel(ctx, owner, "chan-2", "Bad TZ", domain.ChannelSettings{Timezone: "Nowhere/Void"}); !errors.Is(err, psm.ErrValidation) {
		t.Fatalf("bad timezone: err = %v", err)
	}
}

func TestListChannelsScopedToOwner(t *testing.T) {
	a, _, _, _ := newTestApp(t)
	ctx := context.Background()
	admin := identify(t, a, "admin-1")
	owner := identify(t, a, "user-7")
	other := identify(t, a, "user-8")

	if _, err := a.RegisterChannel(ctx, owner, "chan-1", "A", domain.ChannelSettings{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := a.RegisterChannel(ctx, other, "chan-2", "B", domain.ChannelSettings{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	mine, err := a.ListChannels(ctx, owner)
	if err != nil || len(mine) != 1 || mine[0].ID != "chan-1" {
		t.Fatalf("owner channels: %+v err=%v", mine, err)
	}
	all, err := a.ListChannels(ctx, admin)
	if err != nil || len(all) != 2 {
		t.Fatalf("admin channels: %+v err=%v", all, err)
	}
}

func TestBindSpreadsheetValidatesInterval(t *testing.T) {
	a, _, _, prov := newTestApp(t)
	ctx := context.Background()
	owner := identify(t, a, "user-7")
	if _, err := a.RegisterChannel(ctx, owner, "chan-1", "News", domain.ChannelSettings{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	for _, interval := range []int{3, 121, -10} {
		if _, err := a.BindSpreadsheet(ctx, owner, "chan-1", "sheet-1", "", interval, false); !errors.Is(err, psm.ErrValidation) {
			t.Errorf("interval %d: err = %v", interval, err)
		}
	}
	if len(prov.bootstrapped) != 0 {
		t.Fatalf("bootstrap ran for rejected binding")
	}

	binding, err := a.BindSpreadsheet(ctx, owner, "chan-1", "sheet-1", "", 0, true)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if binding.SyncInterval != 30 || !binding.RequireModeration {
		t.Fatalf("binding defaults: %+v", binding)
	}
	if len(prov.bootstrapped) != 1 {
		t.Fatalf("bootstrap calls = %d", len(prov.bootstrapped))
	}
}

func TestUnbindSpreadsheet(t *testing.T) {
	a, st, _, _ := newTestApp(t)
	ctx := context.Background()
	owner := identify(t, a, "user-7")
	other := identify(t, a, "user-8")
	if _, err := a.RegisterChannel(ctx, owner, "chan-1", "News", domain.ChannelSettings{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	binding, err := a.BindSpreadsheet(ctx, owner, "chan-1", "sheet-1", "", 15, false)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}

	if err := a.UnbindSpreadsheet(ctx, other, binding.ID); !errors.Is(err, psm.ErrForbidden) {
		t.Fatalf("foreign unbind: err = %v", err)
	}
	if err := a.UnbindSpreadsheet(ctx, owner, binding.ID); err != nil {
		t.Fatalf("unbind: %v", err)
	}
	active, err := st.ListActiveBindings(ctx)
	if err != nil || len(active) != 0 {
		t.Fatalf("active bindings after unbind: %+v err=%v", active, err)
	}
}

func TestRequestGenerationSpacingAndCap(t *testing.T) {
	a, _, jobs, _ := newTestApp(t)
	ctx := context.Background()
	owner := identify(t, a, "user-7")
	if _, err := a.RegisterChannel(ctx, owner, "chan-1", "News", domain.ChannelSettings{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	base := time.Now().UTC().Add(time.Hour)
	created, err := a.RequestGeneration(ctx, owner, "chan-1", "digest", 3, base, true)
	if err != nil {
		t.Fatalf("request generation: %v", err)
	}
	if len(created) != 3 {
		t.Fatalf("jobs = %d", len(created))
	}
	for i, job := range created {
		want := base.Add(time.Duration(i) * generationSpacing)
		if !job.PublishAt.Equal(want) {
			t.Fatalf("job %d publishAt = %v, want %v", i, job.PublishAt, want)
		}
		if !job.RequireModeration || job.UserID != owner.ID {
			t.Fatalf("job %d: %+v", i, job)
		}
	}

	if _, err := a.RequestGeneration(ctx, owner, "chan-1", "digest", maxGenerationBatch+1, base, false); !errors.Is(err, psm.ErrValidation) {
		t.Fatalf("oversized batch: err = %v", err)
	}
	if _, err := a.RequestGeneration(ctx, owner, "chan-1", "  ", 1, base, false); !errors.Is(err, psm.ErrValidation) {
		t.Fatalf("empty prompt: err = %v", err)
	}

	// Status lookup is scoped to the requester.
	job, err := a.GenerationStatus(ctx, owner, jobs.jobs[0].ID)
	if err != nil || job.ChannelID != "chan-1" {
		t.Fatalf("status: %+v err=%v", job, err)
	}
	stranger := identify(t, a, "user-9")
	if _, err := a.GenerationStatus(ctx, stranger, jobs.jobs[0].ID); !errors.Is(err, psm.ErrForbidden) {
		t.Fatalf("foreign status read: err = %v", err)
	}
}

func TestCreateSeriesValidation(t *testing.T) {
	a, _, _, _ := newTestApp(t)
	ctx := context.Background()
	owner := identify(t, a, "user-7")
	if _, err := a.RegisterChannel(ctx, owner, "chan-1", "News", domain.ChannelSettings{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	s, err := a.CreateSeries(ctx, owner, domain.Series{
		ChannelID: "chan-1", Prompt: "digest", Cadence: domain.CadenceDaily, PerRunLimit: 2,
	})
	if err != nil {
		t.Fatalf("create series: %v", err)
	}
	if s.ID == "" || !s.Active || s.CreatedBy != owner.ID || s.NextRunAt.IsZero() {
		t.Fatalf("series: %+v", s)
	}

	if _, err := a.CreateSeries(ctx, owner, domain.Series{ChannelID: "chan-1", Prompt: "p", Cadence: "weekly"}); !errors.Is(err, psm.ErrValidation) {
		t.Fatalf("bad cadence: err = %v", err)
	}
}

func TestQueueViewAuthorization(t *testing.T) {
	a, _, _, _ := newTestApp(t)
	ctx := context.Background()
	owner := identify(t, a, "user-7")
	other := identify(t, a, "user-8")
	if _, err := a.RegisterChannel(ctx, owner, "chan-1", "News", domain.ChannelSettings{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	at := time.Now().UTC().Add(time.Hour)
	if _, err := a.CreatePost(ctx, owner, psm.CreateSpec{ChannelID: "chan-1", Body: "x", PublishAt: &at}); err != nil {
		t.Fatalf("create post: %v", err)
	}

	posts, err := a.QueueView(ctx, owner, "chan-1")
	if err != nil || len(posts) != 1 {
		t.Fatalf("queue view: %+v err=%v", posts, err)
	}
	if _, err := a.QueueView(ctx, other, "chan-1"); !errors.Is(err, psm.ErrForbidden) {
		t.Fatalf("foreign queue view: err = %v", err)
	}
}
