// Package psm implements the post state machine: the legal transitions
// of a post, their preconditions, and the effects each transition
// applies through the store. All mutations are optimistic; a stale
// update is retried against a fresh read a bounded number of times.
package psm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"postflow/internal/util"
	"postflow/pkg/domain"
	"postflow/pkg/events"
	"postflow/pkg/store"
)

var (
	// ErrForbidden indicates the acting user may not mutate the post.
	ErrForbidden = errors.New("forbidden")
	// ErrTerminal indicates the post already reached a terminal status.
	ErrTerminal = errors.New("post in terminal status")
	// ErrInvalidTransition indicates the requested transition is not
	// legal from the post's current status.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrAlreadyApproved is returned to the loser of an approval race.
	ErrAlreadyApproved = errors.New("post already approved")
	// ErrConflict is surfaced after the stale-retry budget is spent.
	ErrConflict = errors.New("post changed concurrently")
	// ErrChannelInactive rejects work targeted at a deactivated channel.
	ErrChannelInactive = errors.New("channel inactive")
	// ErrValidation covers bad input; no state is changed.
	ErrValidation = errors.New("validation failed")
	// ErrRescheduleTooLate asks the caller to unschedule first.
	ErrRescheduleTooLate = errors.New("too close to publication, unschedule first")
)

const staleRetries = 3

// Grace within which a publish instant in the past is still honored
// as-is at approval time; anything older is clamped to now.
const pastGrace = 5 * time.Minute

// Machine applies transitions for one post at a time. It holds
// identifiers only and re-reads the record before every mutation.
type Machine struct {
	store          store.Store
	notifier       events.Notifier
	log            *slog.Logger
	now            func() time.Time
	dispatcherTick time.Duration
}

type Option func(*Machine)

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithDispatcherTick sets the dispatcher cadence used by the
// reschedule guard.
func WithDispatcherTick(d time.Duration) Option {
	return func(m *Machine) { m.dispatcherTick = d }
}

func New(st store.Store, notifier events.Notifier, log *slog.Logger, opts ...Option) *Machine {
	if log == nil {
		log = slog.Default()
	}
	if notifier == nil {
		notifier = events.LogNotifier{Log: log}
	}
	m := &Machine{
		store:          st,
		notifier:       notifier,
		log:            log,
		now:            func() time.Time { return time.Now().UTC() },
		dispatcherTick: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateSpec describes a post to create.
type CreateSpec struct {
	ChannelID         string
	Body              string
	MediaRef          string
	PublishAt         *time.Time
	RequireModeration bool
	Origin            domain.PostOrigin
	SheetRowRef       *domain.SheetRowRef
	SeriesID          string
}

// CreatePost validates the spec, routes the new post into pending or
// approved per the moderation policy (draft when no publish instant is
// given), and persists it.
func (m *Machine) CreatePost(ctx context.Context, actor domain.User, spec CreateSpec) (domain.Post, error) {
	if strings.TrimSpace(spec.Body) == "" {
		return domain.Post{}, fmt.Errorf("%w: empty body", ErrValidation)
	}
	channel, err := m.store.GetChannel(ctx, spec.ChannelID)
	if err != nil {
		return domain.Post{}, err
	}
	if !channel.Active {
		return domain.Post{}, ErrChannelInactive
	}
	if err := m.authorize(actor, channel); err != nil {
		return domain.Post{}, err
	}

	now := m.now()
	origin := spec.Origin
	if origin == "" {
		origin = domain.OriginManual
	}
	post := domain.Post{
		ID:          util.NewID(),
		ChannelID:   spec.ChannelID,
		Body:        spec.Body,
		MediaRef:    spec.MediaRef,
		CreatedBy:   actor.ID,
		Origin:      origin,
		SheetRowRef: spec.SheetRowRef,
		SeriesID:    spec.SeriesID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	switch {
	case spec.PublishAt == nil:
		post.Status = domain.StatusDraft
	case spec.RequireModeration:
		post.Status = domain.StatusPending
		at := m.clampPublishAt(spec.PublishAt, now)
		post.PublishAt = &at
	default:
		post.Status = domain.StatusApproved
		at := m.clampPublishAt(spec.PublishAt, now)
		post.PublishAt = &at
	}

	if _, err := m.store.CreatePost(ctx, post); err != nil {
		return domain.Post{}, err
	}
	m.notify(ctx, eventTypeForStatus(post.Status), post)
	return post, nil
}

// Submit moves a draft into moderation.
func (m *Machine) Submit(ctx context.Context, actor domain.User, postID string) (domain.Post, error) {
	return m.transition(ctx, postID, func(p domain.Post) (store.PostPatch, error) {
		if err := m.authorizePost(ctx, actor, p); err != nil {
			return store.PostPatch{}, err
		}
		if p.Status != domain.StatusDraft {
			return store.PostPatch{}, fmt.Errorf("%w: submit from %s", ErrInvalidTransition, p.Status)
		}
		status := domain.StatusPending
		at := m.clampPublishAt(p.PublishAt, m.now())
		return store.PostPatch{Status: &status, PublishAt: &at}, nil
	}, events.TypePostPending)
}

// Approve moves a pending post (or a draft on the no-moderation path)
// into the dispatch queue, recomputing the publish instant.
func (m *Machine) Approve(ctx context.Context, actor domain.User, postID string) (domain.Post, error) {
	return m.transition(ctx, postID, func(p domain.Post) (store.PostPatch, error) {
		if err := m.authorizePost(ctx, actor, p); err != nil {
			return store.PostPatch{}, err
		}
		switch p.Status {
		case domain.StatusPending, domain.StatusDraft:
		case domain.StatusApproved:
			return store.PostPatch{}, ErrAlreadyApproved
		default:
			return store.PostPatch{}, fmt.Errorf("%w: approve from %s", ErrInvalidTransition, p.Status)
		}
		status := domain.StatusApproved
		at := m.clampPublishAt(p.PublishAt, m.now())
		return store.PostPatch{Status: &status, PublishAt: &at}, nil
	}, events.TypePostApproved)
}

// Reject terminates a pending post with a reason.
func (m *Machine) Reject(ctx context.Context, actor domain.User, postID, reason string) (domain.Post, error) {
	return m.transition(ctx, postID, func(p domain.Post) (store.PostPatch, error) {
		if err := m.authorizePost(ctx, actor, p); err != nil {
			return store.PostPatch{}, err
		}
		if p.Status != domain.StatusPending {
			return store.PostPatch{}, fmt.Errorf("%w: reject from %s", ErrInvalidTransition, p.Status)
		}
		status := domain.StatusRejected
		return store.PostPatch{Status: &status, ErrorReason: &reason}, nil
	}, events.TypePostRejected)
}

// Discard terminates a non-sent post. Used for drafts and for sheet
// rows whose status turned terminal at the source.
func (m *Machine) Discard(ctx context.Context, actor domain.User, postID, reason string) (domain.Post, error) {
	return m.transition(ctx, postID, func(p domain.Post) (store.PostPatch, error) {
		if err := m.authorizePost(ctx, actor, p); err != nil {
			return store.PostPatch{}, err
		}
		switch p.Status {
		case domain.StatusDraft, domain.StatusPending, domain.StatusApproved:
		default:
			return store.PostPatch{}, fmt.Errorf("%w: discard from %s", ErrInvalidTransition, p.Status)
		}
		status := domain.StatusRejected
		empty := ""
		return store.PostPatch{Status: &status, ErrorReason: &reason, DispatchToken: &empty}, nil
	}, events.TypePostRejected)
}

// EditPatch carries editable fields for a non-terminal post.
type EditPatch struct {
	Body     *string
	MediaRef *string
}

// Edit patches body and media on a non-terminal post.
func (m *Machine) Edit(ctx context.Context, actor domain.User, postID string, edit EditPatch) (domain.Post, error) {
	if edit.Body != nil && strings.TrimSpace(*edit.Body) == "" {
		return domain.Post{}, fmt.Errorf("%w: empty body", ErrValidation)
	}
	return m.transition(ctx, postID, func(p domain.Post) (store.PostPatch, error) {
		if err := m.authorizePost(ctx, actor, p); err != nil {
			return store.PostPatch{}, err
		}
		if p.Status.Terminal() || p.Status == domain.StatusError {
			return store.PostPatch{}, ErrTerminal
		}
		return store.PostPatch{Body: edit.Body, MediaRef: edit.MediaRef}, nil
	}, "")
}

// Reschedule changes publish_at on an approved post. It refuses when
// the previous instant is within one dispatcher tick of now: the post
// may already be in a dispatch batch.
func (m *Machine) Reschedule(ctx context.Context, actor domain.User, postID string, at time.Time) (domain.Post, error) {
	return m.transition(ctx, postID, func(p domain.Post) (store.PostPatch, error) {
		if err := m.authorizePost(ctx, actor, p); err != nil {
			return store.PostPatch{}, err
		}
		if p.Status != domain.StatusApproved {
			return store.PostPatch{}, fmt.Errorf("%w: reschedule from %s", ErrInvalidTransition, p.Status)
		}
		if p.PublishAt != nil && !m.now().Before(p.PublishAt.Add(-m.dispatcherTick)) {
			return store.PostPatch{}, ErrRescheduleTooLate
		}
		clamped := m.clampPublishAt(&at, m.now())
		return store.PostPatch{PublishAt: &clamped}, nil
	}, "")
}

// Unschedule pulls an approved post back to draft. Admin only.
func (m *Machine) Unschedule(ctx context.Context, actor domain.User, postID string) (domain.Post, error) {
	if actor.Role != domain.RoleAdmin {
		return domain.Post{}, ErrForbidden
	}
	return m.transition(ctx, postID, func(p domain.Post) (store.PostPatch, error) {
		if p.Status != domain.StatusApproved {
			return store.PostPatch{}, fmt.Errorf("%w: unschedule from %s", ErrInvalidTransition, p.Status)
		}
		status := domain.StatusDraft
		empty := ""
		return store.PostPatch{Status: &status, DispatchToken: &empty}, nil
	}, "")
}

// CommitDelivery records a successful send: status sent, published
// true, send instant recorded. Must be called only after the delivery
// transport acknowledged the message.
func (m *Machine) CommitDelivery(ctx context.Context, postID string, sentAt time.Time) (domain.Post, error) {
	return m.transition(ctx, postID, func(p domain.Post) (store.PostPatch, error) {
		if p.Status != domain.StatusApproved {
			return store.PostPatch{}, fmt.Errorf("%w: deliver from %s", ErrInvalidTransition, p.Status)
		}
		status := domain.StatusSent
		published := true
		empty := ""
		at := sentAt
		return store.PostPatch{Status: &status, Published: &published, SentAt: &at, DispatchToken: &empty, ErrorReason: &empty}, nil
	}, events.TypePostSent)
}

// FailDelivery records a permanent delivery failure.
func (m *Machine) FailDelivery(ctx context.Context, postID, reason string) (domain.Post, error) {
	return m.transition(ctx, postID, func(p domain.Post) (store.PostPatch, error) {
		if p.Status != domain.StatusApproved {
			return store.PostPatch{}, fmt.Errorf("%w: deliver-error from %s", ErrInvalidTransition, p.Status)
		}
		status := domain.StatusError
		empty := ""
		return store.PostPatch{Status: &status, ErrorReason: &reason, DispatchToken: &empty}, nil
	}, events.TypePostError)
}

// Requeue returns an errored post to the dispatch queue. Operator
// (admin) only.
func (m *Machine) Requeue(ctx context.Context, actor domain.User, postID string) (domain.Post, error) {
	if actor.Role != domain.RoleAdmin {
		return domain.Post{}, ErrForbidden
	}
	return m.transition(ctx, postID, func(p domain.Post) (store.PostPatch, error) {
		if p.Status != domain.StatusError {
			return store.PostPatch{}, fmt.Errorf("%w: requeue from %s", ErrInvalidTransition, p.Status)
		}
		status := domain.StatusApproved
		at := m.clampPublishAt(p.PublishAt, m.now())
		empty := ""
		return store.PostPatch{Status: &status, PublishAt: &at, ErrorReason: &empty, DispatchToken: &empty}, nil
	}, events.TypePostRequeued)
}

// transition re-reads the post, validates preconditions via apply, and
// attempts the optimistic update. On a stale write it retries against
// a fresh read up to staleRetries times, then reports ErrConflict.
func (m *Machine) transition(ctx context.Context, postID string, apply func(domain.Post) (store.PostPatch, error), evType events.Type) (domain.Post, error) {
	for attempt := 0; attempt < staleRetries; attempt++ {
		post, err := m.store.GetPost(ctx, postID)
		if err != nil {
			return domain.Post{}, err
		}
		patch, err := apply(post)
		if err != nil {
			return post, err
		}
		if err := m.store.UpdatePost(ctx, postID, patch, post.Status); err != nil {
			if errors.Is(err, store.ErrStale) {
				continue
			}
			return post, err
		}
		updated, err := m.store.GetPost(ctx, postID)
		if err != nil {
			return domain.Post{}, err
		}
		if evType != "" {
			m.notify(ctx, evType, updated)
		}
		return updated, nil
	}
	return domain.Post{}, fmt.Errorf("%w: %s", ErrConflict, postID)
}

func (m *Machine) authorizePost(ctx context.Context, actor domain.User, p domain.Post) error {
	channel, err := m.store.GetChannel(ctx, p.ChannelID)
	if err != nil {
		return err
	}
	return m.authorize(actor, channel)
}

func (m *Machine) authorize(actor domain.User, channel domain.Channel) error {
	if !actor.Active {
		return ErrForbidden
	}
	if actor.Role == domain.RoleAdmin {
		return nil
	}
	if channel.OwnerID != actor.ID {
		return ErrForbidden
	}
	return nil
}

// clampPublishAt resolves the effective publish instant at transition
// time: missing or stale-past instants collapse to now.
func (m *Machine) clampPublishAt(at *time.Time, now time.Time) time.Time {
	if at == nil || at.Before(now.Add(-pastGrace)) {
		return now
	}
	return at.UTC()
}

func (m *Machine) notify(ctx context.Context, evType events.Type, p domain.Post) {
	ev := events.Event{
		Type:      evType,
		UserID:    p.CreatedBy,
		ChannelID: p.ChannelID,
		PostID:    p.ID,
		Reason:    p.ErrorReason,
		At:        m.now(),
	}
	if err := m.notifier.Notify(ctx, ev); err != nil {
		m.log.Warn("notify failed", "type", evType, "postId", p.ID, "err", err)
	}
}

func eventTypeForStatus(s domain.PostStatus) events.Type {
	switch s {
	case domain.StatusPending:
		return events.TypePostPending
	case domain.StatusApproved:
		return events.TypePostApproved
	default:
		return events.TypePostCreated
	}
}
