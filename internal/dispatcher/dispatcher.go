// Package dispatcher drives time-based publication: every tick it
// collects due approved posts, claims each one with a dispatch token,
// and pushes it through the delivery adapter exactly once.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"postflow/internal/util"
	"postflow/pkg/delivery"
	"postflow/pkg/domain"
	"postflow/pkg/events"
	"postflow/pkg/psm"
	"postflow/pkg/store"
)

// HistoryRecorder receives the outcome of resolved deliveries. The
// sheet synchronizer implements it to append history rows for posts
// that came from a spreadsheet.
type HistoryRecorder interface {
	RecordDelivery(ctx context.Context, post domain.Post, outcome string, at time.Time, note string) error
}

type Dispatcher struct {
	store    store.Store
	machine  *psm.Machine
	adapter  delivery.Adapter
	notifier events.Notifier
	history  HistoryRecorder
	log      *slog.Logger
	now      func() time.Time

	tick           time.Duration
	batchSize      int
	sendTimeout    time.Duration
	stallThreshold int

	// consecutive transient failures per post, reset on any resolution
	stalls map[string]int
}

type Config struct {
	Tick           time.Duration
	BatchSize      int
	SendTimeout    time.Duration
	StallThreshold int
}

type Option func(*Dispatcher)

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithHistory attaches a delivery-history recorder.
func WithHistory(h HistoryRecorder) Option {
	return func(d *Dispatcher) { d.history = h }
}

func New(st store.Store, machine *psm.Machine, adapter delivery.Adapter, notifier events.Notifier, log *slog.Logger, cfg Config, opts ...Option) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if notifier == nil {
		notifier = events.LogNotifier{Log: log}
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = 5
	}
	d := &Dispatcher{
		store:          st,
		machine:        machine,
		adapter:        adapter,
		notifier:       notifier,
		log:            log,
		now:            func() time.Time { return time.Now().UTC() },
		tick:           cfg.Tick,
		batchSize:      cfg.BatchSize,
		sendTimeout:    cfg.SendTimeout,
		stallThreshold: cfg.StallThreshold,
		stalls:         make(map[string]int),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run ticks until ctx is cancelled. The tick in flight finishes before
// Run returns; a post is never abandoned mid-send.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()
	d.log.Info("dispatcher started", "tick", d.tick.String(), "batchSize", d.batchSize)
	for {
		select {
		case <-ctx.Done():
			d.log.Info("dispatcher stopped")
			return ctx.Err()
		case <-ticker.C:
			d.Tick(context.WithoutCancel(ctx))
		}
	}
}

// Tick processes one batch of due posts.
func (d *Dispatcher) Tick(ctx context.Context) {
	now := d.now()
	posts, err := d.store.FindDuePosts(ctx, now, d.batchSize)
	if err != nil {
		d.log.Error("find due posts", "err", err)
		return
	}
	for _, post := range posts {
		d.dispatchOne(ctx, post, now)
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, post domain.Post, now time.Time) {
	token := util.NewID()
	if err := d.store.ClaimDispatch(ctx, post.ID, token, now, now.Add(-d.claimLease())); err != nil {
		// Live claim held by a concurrent dispatcher, or no longer
		// approved. A claim older than the lease is taken over: its
		// holder crashed mid-send or failed to commit, and the post
		// must go out again rather than sit claimed forever. That can
		// produce a duplicate send, which delivery tolerates.
		if !errors.Is(err, store.ErrStale) {
			d.log.Error("claim dispatch", "postId", post.ID, "err", err)
		}
		return
	}

	channel, err := d.store.GetChannel(ctx, post.ChannelID)
	if err != nil {
		d.log.Error("load channel", "postId", post.ID, "channelId", post.ChannelID, "err", err)
		d.release(ctx, post.ID)
		return
	}
	if !channel.Active {
		d.resolvePermanent(ctx, post, "channel deactivated", now)
		return
	}

	body := renderBody(post.Body, channel.Settings)
	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	msgRef, err := d.adapter.Send(sendCtx, channel.ID, body, post.MediaRef)
	cancel()
	if err == nil {
		d.resolveSent(ctx, post, msgRef, now)
		return
	}
	if delivery.IsTransient(err) {
		d.resolveTransient(ctx, post, err)
		return
	}
	d.resolvePermanent(ctx, post, err.Error(), now)
}

// claimLease is how long a dispatch claim stays authoritative: a full
// send window plus one tick of slack.
func (d *Dispatcher) claimLease() time.Duration {
	return d.sendTimeout + d.tick
}

func (d *Dispatcher) resolveSent(ctx context.Context, post domain.Post, msgRef string, now time.Time) {
	delete(d.stalls, post.ID)
	if _, err := d.machine.CommitDelivery(ctx, post.ID, now); err != nil {
		// The message is out but the store does not know. Release the
		// claim so the next tick retries the whole dispatch; a
		// duplicate send beats a post wedged in approved.
		d.log.Error("commit delivery", "postId", post.ID, "err", err)
		d.release(ctx, post.ID)
		return
	}
	d.log.Info("post delivered", "postId", post.ID, "channelId", post.ChannelID, "messageRef", msgRef)
	d.recordHistory(ctx, post, "published", now, "")
}

// resolveTransient releases the claim so the next tick retries, and
// escalates once the post has failed stallThreshold ticks in a row.
func (d *Dispatcher) resolveTransient(ctx context.Context, post domain.Post, cause error) {
	d.release(ctx, post.ID)
	d.stalls[post.ID]++
	count := d.stalls[post.ID]
	d.log.Warn("delivery deferred", "postId", post.ID, "attempt", count, "err", cause)
	if count == d.stallThreshold {
		ev := events.Event{
			Type:      events.TypeDeliveryStalled,
			UserID:    post.CreatedBy,
			ChannelID: post.ChannelID,
			PostID:    post.ID,
			Reason:    cause.Error(),
			At:        d.now(),
		}
		if err := d.notifier.Notify(ctx, ev); err != nil {
			d.log.Warn("notify stalled delivery", "postId", post.ID, "err", err)
		}
	}
}

func (d *Dispatcher) resolvePermanent(ctx context.Context, post domain.Post, reason string, now time.Time) {
	delete(d.stalls, post.ID)
	if _, err := d.machine.FailDelivery(ctx, post.ID, reason); err != nil {
		d.log.Error("record delivery failure", "postId", post.ID, "err", err)
		return
	}
	d.log.Warn("delivery failed", "postId", post.ID, "channelId", post.ChannelID, "reason", reason)
	d.recordHistory(ctx, post, "error", now, reason)
}

func (d *Dispatcher) release(ctx context.Context, postID string) {
	if err := d.store.ClearDispatchToken(ctx, postID); err != nil {
		d.log.Error("release dispatch claim", "postId", postID, "err", err)
	}
}

func (d *Dispatcher) recordHistory(ctx context.Context, post domain.Post, outcome string, at time.Time, note string) {
	if d.history == nil || post.SheetRowRef == nil {
		return
	}
	if err := d.history.RecordDelivery(ctx, post, outcome, at, note); err != nil {
		d.log.Warn("record delivery history", "postId", post.ID, "err", err)
	}
}

// renderBody appends the channel signature and hashtags to the post
// text.
func renderBody(body string, settings domain.ChannelSettings) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(body))
	if sig := strings.TrimSpace(settings.Signature); sig != "" {
		b.WriteString("\n\n")
		b.WriteString(sig)
	}
	if len(settings.Hashtags) > 0 {
		tags := make([]string, 0, len(settings.Hashtags))
		for _, tag := range settings.Hashtags {
			tag = strings.TrimSpace(tag)
			if tag == "" {
				continue
			}
			if !strings.HasPrefix(tag, "#") {
				tag = "#" + tag
			}
			tags = append(tags, tag)
		}
		if len(tags) > 0 {
			b.WriteString("\n\n")
			b.WriteString(strings.Join(tags, " "))
		}
	}
	return b.String()
}
