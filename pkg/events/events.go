package events

import (
	"context"
	"time"
)

type Type string

const (
	TypePostCreated      Type = "post.created"
	TypePostPending      Type = "post.pending"
	TypePostApproved     Type = "post.approved"
	TypePostRejected     Type = "post.rejected"
	TypePostSent         Type = "post.sent"
	TypePostError        Type = "post.error"
	TypePostRequeued     Type = "post.requeued"
	TypeDeliveryStalled  Type = "delivery.stalled"
	TypeSyncError        Type = "sync.error"
	TypeGenerationFailed Type = "generation.failed"
)

// Event is a notification consumed by the interaction front-end.
type Event struct {
	Type      Type      `json:"type"`
	UserID    string    `json:"userId,omitempty"`
	ChannelID string    `json:"channelId,omitempty"`
	PostID    string    `json:"postId,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Notifier delivers events to the front-end. Implementations must not
// block beyond their own transport timeout; event loss is acceptable,
// post state is not derived from events.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}
