package delivery

import (
	"context"
	"errors"
)

var (
	// ErrTransient marks failures worth retrying on the next tick:
	// network faults, rate limits, upstream 5xx.
	ErrTransient = errors.New("transient delivery error")
	// ErrPermanent marks failures that will not succeed on retry:
	// unknown channel, rejected message, revoked credentials.
	ErrPermanent = errors.New("permanent delivery error")
)

// Adapter transmits one post to a channel. On success it returns an
// opaque token identifying the delivered message.
type Adapter interface {
	Send(ctx context.Context, channelID, body, mediaRef string) (string, error)
}

// IsTransient reports whether the dispatcher should retry on a later
// tick.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
