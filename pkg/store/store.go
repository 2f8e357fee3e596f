package store

import (
	"context"
	"errors"
	"time"

	"postflow/pkg/domain"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a unique constraint violation, e.g. a
	// duplicate sheet row reference.
	ErrConflict = errors.New("conflict")
	// ErrStale indicates an optimistic concurrency mismatch: the
	// record's status changed since it was read.
	ErrStale = errors.New("stale")
	// ErrUnavailable indicates the backend cannot be reached.
	ErrUnavailable = errors.New("backend unavailable")
)

// PostPatch describes a partial update of a post. Nil fields are left
// untouched. DispatchToken and ErrorReason may be set to the empty
// string to clear them.
type PostPatch struct {
	Status        *domain.PostStatus
	Published     *bool
	Body          *string
	MediaRef      *string
	PublishAt     *time.Time
	ErrorReason   *string
	DispatchToken *string
	SentAt        *time.Time
}

// Store is the durable repository shared by all actors. Every mutation
// of a post goes through UpdatePost with an expected status; callers
// re-read and retry on ErrStale.
type Store interface {
	// users
	UpsertUser(ctx context.Context, u domain.User) error
	GetUser(ctx context.Context, id string) (domain.User, error)
	DeactivateUser(ctx context.Context, id string) error
	SetCurrentChannel(ctx context.Context, userID, channelID string) error

	// channels
	SaveChannel(ctx context.Context, c domain.Channel) error
	GetChannel(ctx context.Context, id string) (domain.Channel, error)
	ListChannels(ctx context.Context) ([]domain.Channel, error)
	DeactivateChannel(ctx context.Context, id string) error

	// posts
	CreatePost(ctx context.Context, p domain.Post) (string, error)
	GetPost(ctx context.Context, id string) (domain.Post, error)
	FindDuePosts(ctx context.Context, now time.Time, limit int) ([]domain.Post, error)
	FindSheetPost(ctx context.Context, bindingID, rowID string) (domain.Post, bool, error)
	UpdatePost(ctx context.Context, id string, patch PostPatch, expected domain.PostStatus) error
	// ClaimDispatch marks an approved post as in-flight. A claim is a
	// lease, not a lock: one placed before staleBefore belongs to a
	// dispatcher that crashed or wedged and may be taken over.
	ClaimDispatch(ctx context.Context, id, token string, at, staleBefore time.Time) error
	ClearDispatchToken(ctx context.Context, id string) error
	ListQueuedPosts(ctx context.Context, channelID string) ([]domain.Post, error)

	// generation series
	CreateSeries(ctx context.Context, s domain.Series) (string, error)
	GetSeries(ctx context.Context, id string) (domain.Series, error)
	FindDueSeries(ctx context.Context, now time.Time) ([]domain.Series, error)
	AdvanceSeries(ctx context.Context, id string, nextRun time.Time, active bool) error

	// sheet bindings
	CreateBinding(ctx context.Context, b domain.SheetBinding) (string, error)
	GetBinding(ctx context.Context, id string) (domain.SheetBinding, error)
	ListActiveBindings(ctx context.Context) ([]domain.SheetBinding, error)
	DeactivateBinding(ctx context.Context, id string) error
	TouchBinding(ctx context.Context, id string, now time.Time) error
}
