// Package app is the orchestrator's command surface: it brokers
// front-end commands to the state machine, the store, the spreadsheet
// synchronizer and the generation queue, applying per-command
// authorization.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"postflow/internal/util"
	"postflow/pkg/domain"
	"postflow/pkg/psm"
	"postflow/pkg/queue"
	"postflow/pkg/store"
)

// Sync interval bounds for spreadsheet bindings, in minutes. Intervals
// outside the range are rejected at bind time.
const (
	minSyncIntervalMinutes = 5
	maxSyncIntervalMinutes = 120
)

// Generation requests are capped per command.
const maxGenerationBatch = 10

const generationSpacing = 15 * time.Minute

// GenerationJobs is the slice of the generation queue the app needs.
type GenerationJobs interface {
	Enqueue(ctx context.Context, job queue.Job) (queue.Job, error)
	GetJob(ctx context.Context, jobID string) (queue.Job, bool, error)
}

// SheetProvisioner bootstraps spreadsheet structure for new bindings.
type SheetProvisioner interface {
	Bootstrap(ctx context.Context, b domain.SheetBinding) error
}

// Config holds runtime configuration for the core application.
type Config struct {
	Store               store.Store
	Machine             *psm.Machine
	Jobs                GenerationJobs
	Sheets              SheetProvisioner
	Log                 *slog.Logger
	AdminUserIDs        []string
	DefaultSyncInterval int
}

// App wires the orchestrator's collaborators behind one command API.
type App struct {
	store   store.Store
	machine *psm.Machine
	jobs    GenerationJobs
	sheets  SheetProvisioner
	log     *slog.Logger
	now     func() time.Time

	admins              map[string]bool
	defaultSyncInterval int
}

func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Machine == nil {
		return nil, fmt.Errorf("state machine required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	admins := make(map[string]bool, len(cfg.AdminUserIDs))
	for _, id := range cfg.AdminUserIDs {
		admins[id] = true
	}
	interval := cfg.DefaultSyncInterval
	if interval < minSyncIntervalMinutes || interval > maxSyncIntervalMinutes {
		interval = 30
	}
	return &App{
		store:               cfg.Store,
		machine:             cfg.Machine,
		jobs:                cfg.Jobs,
		sheets:              cfg.Sheets,
		log:                 log,
		now:                 func() time.Time { return time.Now().UTC() },
		admins:              admins,
		defaultSyncInterval: interval,
	}, nil
}

// Identify upserts the acting user on every command and returns the
// current record. Admin role comes from configuration, not from the
// caller.
func (a *App) Identify(ctx context.Context, userID, username, fullName string) (domain.User, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.User{}, fmt.Errorf("%w: user id required", psm.ErrValidation)
	}
	now := a.now()
	role := domain.RoleOwner
	if a.admins[userID] {
		role = domain.RoleAdmin
	}
	existing, err := a.store.GetUser(ctx, userID)
	if err == nil && !existing.Active {
		return domain.User{}, psm.ErrForbidden
	}
	u := domain.User{
		ID:           userID,
		Username:     username,
		FullName:     fullName,
		Role:         role,
		Active:       true,
		CreatedAt:    now,
		LastActiveAt: &now,
	}
	if err := a.store.UpsertUser(ctx, u); err != nil {
		return domain.User{}, fmt.Errorf("upsert user: %w", err)
	}
	return a.store.GetUser(ctx, userID)
}

// DeactivateUser revokes access. Admin only.
func (a *App) DeactivateUser(ctx context.Context, actor domain.User, userID string) error {
	if actor.Role != domain.RoleAdmin {
		return psm.ErrForbidden
	}
	return a.store.DeactivateUser(ctx, userID)
}

// RegisterChannel records a channel under the actor's ownership.
// Re-registering an existing channel updates its title and settings.
func (a *App) RegisterChannel(ctx context.Context, actor domain.User, channelID, title string, settings domain.ChannelSettings) (domain.Channel, error) {
	if strings.TrimSpace(channelID) == "" || strings.TrimSpace(title) == "" {
		return domain.Channel{}, fmt.Errorf("%w: channel id and title required", psm.ErrValidation)
	}
	if tz := strings.TrimSpace(settings.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return domain.Channel{}, fmt.Errorf("%w: unknown timezone %q", psm.ErrValidation, tz)
		}
	}
	channel := domain.Channel{
		ID:        channelID,
		Title:     title,
		OwnerID:   actor.ID,
		Active:    true,
		Settings:  settings,
		CreatedAt: a.now(),
	}
	if existing, err := a.store.GetChannel(ctx, channelID); err == nil {
		if err := a.canManage(actor, existing); err != nil {
			return domain.Channel{}, err
		}
		channel.OwnerID = existing.OwnerID
		channel.CreatedAt = existing.CreatedAt
	}
	if err := a.store.SaveChannel(ctx, channel); err != nil {
		return domain.Channel{}, fmt.Errorf("save channel: %w", err)
	}
	return channel, nil
}

// DeactivateChannel soft-deletes a channel. Its pending work stays in
// the store; the dispatcher refuses to deliver to inactive channels.
func (a *App) DeactivateChannel(ctx context.Context, actor domain.User, channelID string) error {
	channel, err := a.store.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if err := a.canManage(actor, channel); err != nil {
		return err
	}
	return a.store.DeactivateChannel(ctx, channelID)
}

// ListChannels returns the actor's channels, or all channels for an
// admin.
func (a *App) ListChannels(ctx context.Context, actor domain.User) ([]domain.Channel, error) {
	channels, err := a.store.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	if actor.Role == domain.RoleAdmin {
		return channels, nil
	}
	own := channels[:0]
	for _, c := range channels {
		if c.OwnerID == actor.ID {
			own = append(own, c)
		}
	}
	return own, nil
}

// SetCurrentChannel remembers the actor's working channel.
func (a *App) SetCurrentChannel(ctx context.Context, actor domain.User, channelID string) error {
	channel, err := a.store.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if err := a.canManage(actor, channel); err != nil {
		return err
	}
	return a.store.SetCurrentChannel(ctx, actor.ID, channelID)
}

// CreatePost routes a new manual post through the state machine.
func (a *App) CreatePost(ctx context.Context, actor domain.User, spec psm.CreateSpec) (domain.Post, error) {
	if spec.Origin == "" {
		spec.Origin = domain.OriginManual
	}
	return a.machine.CreatePost(ctx, actor, spec)
}

func (a *App) GetPost(ctx context.Context, actor domain.User, postID string) (domain.Post, error) {
	post, err := a.store.GetPost(ctx, postID)
	if err != nil {
		return domain.Post{}, err
	}
	channel, err := a.store.GetChannel(ctx, post.ChannelID)
	if err != nil {
		return domain.Post{}, err
	}
	if err := a.canManage(actor, channel); err != nil {
		return domain.Post{}, err
	}
	return post, nil
}

func (a *App) EditPost(ctx context.Context, actor domain.User, postID string, patch psm.EditPatch) (domain.Post, error) {
	return a.machine.Edit(ctx, actor, postID, patch)
}

func (a *App) SubmitPost(ctx context.Context, actor domain.User, postID string) (domain.Post, error) {
	return a.machine.Submit(ctx, actor, postID)
}

func (a *App) ApprovePost(ctx context.Context, actor domain.User, postID string) (domain.Post, error) {
	return a.machine.Approve(ctx, actor, postID)
}

func (a *App) RejectPost(ctx context.Context, actor domain.User, postID, reason string) (domain.Post, error) {
	return a.machine.Reject(ctx, actor, postID, reason)
}

func (a *App) DiscardPost(ctx context.Context, actor domain.User, postID, reason string) (domain.Post, error) {
	return a.machine.Discard(ctx, actor, postID, reason)
}

func (a *App) ReschedulePost(ctx context.Context, actor domain.User, postID string, at time.Time) (domain.Post, error) {
	return a.machine.Reschedule(ctx, actor, postID, at)
}

func (a *App) UnschedulePost(ctx context.Context, actor domain.User, postID string) (domain.Post, error) {
	return a.machine.Unschedule(ctx, actor, postID)
}

func (a *App) RequeuePost(ctx context.Context, actor domain.User, postID string) (domain.Post, error) {
	return a.machine.Requeue(ctx, actor, postID)
}

// QueueView lists a channel's pending and scheduled posts in publish
// order.
func (a *App) QueueView(ctx context.Context, actor domain.User, channelID string) ([]domain.Post, error) {
	channel, err := a.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if err := a.canManage(actor, channel); err != nil {
		return nil, err
	}
	return a.store.ListQueuedPosts(ctx, channelID)
}

// BindSpreadsheet attaches a content-plan spreadsheet to a channel and
// provisions its structure. The sync interval must lie within
// [5, 120] minutes; zero selects the configured default.
func (a *App) BindSpreadsheet(ctx context.Context, actor domain.User, channelID, spreadsheetID, worksheet string, intervalMinutes int, requireModeration bool) (domain.SheetBinding, error) {
	if strings.TrimSpace(spreadsheetID) == "" {
		return domain.SheetBinding{}, fmt.Errorf("%w: spreadsheet id required", psm.ErrValidation)
	}
	if intervalMinutes == 0 {
		intervalMinutes = a.defaultSyncInterval
	}
	if intervalMinutes < minSyncIntervalMinutes || intervalMinutes > maxSyncIntervalMinutes {
		return domain.SheetBinding{}, fmt.Errorf("%w: sync interval must be between %d and %d minutes",
			psm.ErrValidation, minSyncIntervalMinutes, maxSyncIntervalMinutes)
	}
	channel, err := a.store.GetChannel(ctx, channelID)
	if err != nil {
		return domain.SheetBinding{}, err
	}
	if !channel.Active {
		return domain.SheetBinding{}, psm.ErrChannelInactive
	}
	if err := a.canManage(actor, channel); err != nil {
		return domain.SheetBinding{}, err
	}

	binding := domain.SheetBinding{
		ID:                util.NewID(),
		ChannelID:         channelID,
		SpreadsheetID:     spreadsheetID,
		Worksheet:         worksheet,
		SyncInterval:      intervalMinutes,
		RequireModeration: requireModeration,
		Active:            true,
		CreatedBy:         actor.ID,
		CreatedAt:         a.now(),
	}
	if a.sheets != nil {
		if err := a.sheets.Bootstrap(ctx, binding); err != nil {
			return domain.SheetBinding{}, fmt.Errorf("provision spreadsheet: %w", err)
		}
	}
	if _, err := a.store.CreateBinding(ctx, binding); err != nil {
		return domain.SheetBinding{}, fmt.Errorf("create binding: %w", err)
	}
	a.log.Info("spreadsheet bound", "bindingId", binding.ID, "channelId", channelID, "spreadsheetId", spreadsheetID)
	return binding, nil
}

// UnbindSpreadsheet deactivates a binding. Already ingested posts are
// unaffected.
func (a *App) UnbindSpreadsheet(ctx context.Context, actor domain.User, bindingID string) error {
	binding, err := a.store.GetBinding(ctx, bindingID)
	if err != nil {
		return err
	}
	channel, err := a.store.GetChannel(ctx, binding.ChannelID)
	if err != nil {
		return err
	}
	if err := a.canManage(actor, channel); err != nil {
		return err
	}
	return a.store.DeactivateBinding(ctx, bindingID)
}

// RequestGeneration enqueues count generation jobs for a channel. The
// publish instants start at base and are spaced out to avoid a burst.
func (a *App) RequestGeneration(ctx context.Context, actor domain.User, channelID, prompt string, count int, base time.Time, requireModeration bool) ([]queue.Job, error) {
	if a.jobs == nil {
		return nil, fmt.Errorf("generation not configured")
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("%w: prompt required", psm.ErrValidation)
	}
	if count <= 0 {
		count = 1
	}
	if count > maxGenerationBatch {
		return nil, fmt.Errorf("%w: at most %d posts per request", psm.ErrValidation, maxGenerationBatch)
	}
	channel, err := a.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if !channel.Active {
		return nil, psm.ErrChannelInactive
	}
	if err := a.canManage(actor, channel); err != nil {
		return nil, err
	}
	if base.IsZero() || base.Before(a.now()) {
		base = a.now()
	}

	jobs := make([]queue.Job, 0, count)
	for i := 0; i < count; i++ {
		job, err := a.jobs.Enqueue(ctx, queue.Job{
			UserID:            actor.ID,
			ChannelID:         channelID,
			Prompt:            prompt,
			RequireModeration: requireModeration,
			PublishAt:         base.Add(time.Duration(i) * generationSpacing),
		})
		if err != nil {
			return jobs, fmt.Errorf("enqueue generation: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// GenerationStatus looks up a previously enqueued job.
func (a *App) GenerationStatus(ctx context.Context, actor domain.User, jobID string) (queue.Job, error) {
	if a.jobs == nil {
		return queue.Job{}, fmt.Errorf("generation not configured")
	}
	job, found, err := a.jobs.GetJob(ctx, jobID)
	if err != nil {
		return queue.Job{}, err
	}
	if !found {
		return queue.Job{}, store.ErrNotFound
	}
	if actor.Role != domain.RoleAdmin && job.UserID != actor.ID {
		return queue.Job{}, psm.ErrForbidden
	}
	return job, nil
}

// CreateSeries registers a recurring generation schedule.
func (a *App) CreateSeries(ctx context.Context, actor domain.User, s domain.Series) (domain.Series, error) {
	if strings.TrimSpace(s.Prompt) == "" {
		return domain.Series{}, fmt.Errorf("%w: prompt required", psm.ErrValidation)
	}
	switch s.Cadence {
	case domain.CadenceOnce, domain.CadenceDaily, domain.CadenceHourly:
	default:
		return domain.Series{}, fmt.Errorf("%w: unknown cadence %q", psm.ErrValidation, s.Cadence)
	}
	channel, err := a.store.GetChannel(ctx, s.ChannelID)
	if err != nil {
		return domain.Series{}, err
	}
	if !channel.Active {
		return domain.Series{}, psm.ErrChannelInactive
	}
	if err := a.canManage(actor, channel); err != nil {
		return domain.Series{}, err
	}

	s.ID = util.NewID()
	s.Active = true
	s.CreatedBy = actor.ID
	s.CreatedAt = a.now()
	if s.NextRunAt.IsZero() || s.NextRunAt.Before(a.now()) {
		s.NextRunAt = a.now()
	}
	if s.PerRunLimit <= 0 {
		s.PerRunLimit = 1
	}
	if _, err := a.store.CreateSeries(ctx, s); err != nil {
		return domain.Series{}, fmt.Errorf("create series: %w", err)
	}
	return s, nil
}

func (a *App) canManage(actor domain.User, channel domain.Channel) error {
	if !actor.Active {
		return psm.ErrForbidden
	}
	if actor.Role == domain.RoleAdmin || channel.OwnerID == actor.ID {
		return nil
	}
	return psm.ErrForbidden
}
