// Package generation turns generation jobs into posts: a series runner
// enqueues jobs on the schedule of each active series, and a consumer
// calls the text generator and creates the resulting post through the
// state machine.
package generation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"postflow/pkg/ai"
	"postflow/pkg/domain"
	"postflow/pkg/events"
	"postflow/pkg/psm"
	"postflow/pkg/queue"
	"postflow/pkg/store"
)

const defaultGenerateTimeout = 120 * time.Second

// Matches the queue's default retry budget.
const defaultMaxAttempts = 3

// Consumer handles dequeued generation jobs. Jobs of the same user are
// serialized to bound spend on the external generator.
type Consumer struct {
	store       store.Store
	machine     *psm.Machine
	generator   ai.TextGenerator
	notifier    events.Notifier
	log         *slog.Logger
	timeout     time.Duration
	maxAttempts int

	mu        sync.Mutex
	userLocks map[string]*sync.Mutex
}

type ConsumerOption func(*Consumer)

// WithMaxAttempts aligns failure notification with the queue's retry
// budget: the user hears about a failed job once, on its last attempt.
func WithMaxAttempts(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func NewConsumer(st store.Store, machine *psm.Machine, generator ai.TextGenerator, notifier events.Notifier, log *slog.Logger, opts ...ConsumerOption) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	if notifier == nil {
		notifier = events.LogNotifier{Log: log}
	}
	c := &Consumer{
		store:       st,
		machine:     machine,
		generator:   generator,
		notifier:    notifier,
		log:         log,
		timeout:     defaultGenerateTimeout,
		maxAttempts: defaultMaxAttempts,
		userLocks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle processes one job. A returned error sends the job back to the
// queue for retry; the queue marks it failed once retries are spent.
func (c *Consumer) Handle(ctx context.Context, job queue.Job) error {
	lock := c.userLock(job.UserID)
	lock.Lock()
	defer lock.Unlock()

	actor, err := c.store.GetUser(ctx, job.UserID)
	if err != nil {
		c.reportFailure(ctx, job, err)
		return fmt.Errorf("load user %s: %w", job.UserID, err)
	}

	genCtx, cancel := context.WithTimeout(ctx, c.timeout)
	text, err := c.generator.Generate(genCtx, job.Prompt, job.MaxLength)
	cancel()
	if err != nil {
		c.reportFailure(ctx, job, err)
		return fmt.Errorf("generate: %w", err)
	}

	spec := psm.CreateSpec{
		ChannelID:         job.ChannelID,
		Body:              text,
		RequireModeration: job.RequireModeration,
		Origin:            domain.OriginGenerated,
		SeriesID:          job.SeriesID,
	}
	if !job.PublishAt.IsZero() {
		at := job.PublishAt
		spec.PublishAt = &at
	}
	post, err := c.machine.CreatePost(ctx, actor, spec)
	if err != nil {
		c.reportFailure(ctx, job, err)
		return fmt.Errorf("create post: %w", err)
	}
	c.log.Info("generated post created", "jobId", job.ID, "postId", post.ID, "channelId", job.ChannelID, "status", post.Status)
	return nil
}

func (c *Consumer) userLock(userID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		c.userLocks[userID] = lock
	}
	return lock
}

// reportFailure notifies the requesting user, but only once the job is
// out of retries; earlier attempts fail quietly back into the queue.
func (c *Consumer) reportFailure(ctx context.Context, job queue.Job, cause error) {
	if job.Attempts < c.maxAttempts {
		return
	}
	ev := events.Event{
		Type:      events.TypeGenerationFailed,
		UserID:    job.UserID,
		ChannelID: job.ChannelID,
		Reason:    cause.Error(),
		At:        time.Now().UTC(),
	}
	if err := c.notifier.Notify(ctx, ev); err != nil {
		c.log.Warn("notify generation failure", "jobId", job.ID, "err", err)
	}
}
