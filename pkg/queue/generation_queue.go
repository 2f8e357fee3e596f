// Package queue carries generation requests between the command path
// and the generation workers over a Redis Stream with a consumer
// group, so that a restart does not drop accepted requests.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Job is one generation request: produce one post for a channel.
type Job struct {
	ID                string    `json:"id"`
	UserID            string    `json:"userId"`
	ChannelID         string    `json:"channelId"`
	SeriesID          string    `json:"seriesId,omitempty"`
	Prompt            string    `json:"prompt"`
	MaxLength         int       `json:"maxLength"`
	RequireModeration bool      `json:"requireModeration"`
	PublishAt         time.Time `json:"publishAt"`
	Status            string    `json:"status"`
	ErrorMessage      string    `json:"errorMessage,omitempty"`
	Attempts          int       `json:"attempts"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// GenerationQueue is a Redis Streams job queue with at-least-once
// consumption: unacked messages are reclaimed after claimIdle.
type GenerationQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	once         sync.Once
}

type Config struct {
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
}

func NewGenerationQueue(cfg Config) (*GenerationQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "postflow:generation"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "generators"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = uuid.NewString()
	}
	jobTTL := cfg.JobTTL
	if jobTTL <= 0 {
		jobTTL = 24 * time.Hour
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 2 * time.Minute
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &GenerationQueue{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		jobTTL:       jobTTL,
		maxRetries:   maxRetries,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
	}, nil
}

// Enqueue accepts a generation request and persists its status hash.
func (q *GenerationQueue) Enqueue(ctx context.Context, job Job) (Job, error) {
	if strings.TrimSpace(job.ChannelID) == "" {
		return Job{}, errors.New("channelId required")
	}
	if strings.TrimSpace(job.Prompt) == "" {
		return Job{}, errors.New("prompt required")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = StatusQueued
	job.Attempts = 0
	job.CreatedAt = time.Now().UTC()
	job.UpdatedAt = job.CreatedAt
	if err := q.writeStatus(ctx, job); err != nil {
		return Job{}, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: jobValues(job),
	}).Err(); err != nil {
		return Job{}, err
	}
	return job, nil
}

// GetJob returns the recorded status for a job id.
func (q *GenerationQueue) GetJob(ctx context.Context, jobID string) (Job, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return Job{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return Job{}, false, err
	}
	if len(data) == 0 {
		return Job{}, false, nil
	}
	return decodeJob(jobID, data), true, nil
}

// Start launches concurrency consumer goroutines calling handler for
// each job. Failed jobs are retried up to maxRetries with retryDelay
// between attempts.
func (q *GenerationQueue) Start(ctx context.Context, concurrency int, handler func(context.Context, Job) error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

func (q *GenerationQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		// BUSYGROUP means the group already exists; other errors
		// surface on the first consume.
		_ = q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	})
}

func (q *GenerationQueue) consumeLoop(ctx context.Context, consumer string, handler func(context.Context, Job) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    10,
			Block:    q.block,
		}).Result()
		if err != nil {
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *GenerationQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    10,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *GenerationQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler func(context.Context, Job) error) {
	job, ok := jobFromValues(msg.Values)
	if !ok {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	job, err := q.markProcessing(ctx, job)
	if err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if err := handler(ctx, job); err == nil {
		_ = q.markStatus(ctx, job.ID, StatusDone, "")
		q.ackAndDel(ctx, msg.ID)
		return
	} else if job.Attempts >= q.maxRetries {
		_ = q.markStatus(ctx, job.ID, StatusFailed, err.Error())
		q.ackAndDel(ctx, msg.ID)
		return
	} else {
		_ = q.markStatus(ctx, job.ID, StatusQueued, err.Error())
	}
	if q.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.retryDelay):
		}
	}
	_ = q.requeueAndAck(ctx, msg.ID, msg.Values)
}

func (q *GenerationQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *GenerationQueue) requeueAndAck(ctx context.Context, msgID string, values map[string]any) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: values,
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *GenerationQueue) markProcessing(ctx context.Context, job Job) (Job, error) {
	stored, found, err := q.GetJob(ctx, job.ID)
	if err != nil {
		return Job{}, err
	}
	if found {
		job.Attempts = stored.Attempts
		job.CreatedAt = stored.CreatedAt
	}
	job.Attempts++
	job.Status = StatusProcessing
	job.UpdatedAt = time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (q *GenerationQueue) markStatus(ctx context.Context, jobID, status, errMsg string) error {
	job, found, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !found {
		job = Job{ID: jobID}
	}
	job.Status = status
	job.ErrorMessage = errMsg
	job.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, job)
}

func (q *GenerationQueue) writeStatus(ctx context.Context, job Job) error {
	payload := map[string]any{
		"id":                job.ID,
		"userId":            job.UserID,
		"channelId":         job.ChannelID,
		"seriesId":          job.SeriesID,
		"prompt":            job.Prompt,
		"maxLength":         strconv.Itoa(job.MaxLength),
		"requireModeration": strconv.FormatBool(job.RequireModeration),
		"publishAt":         job.PublishAt.Format(time.RFC3339Nano),
		"status":            job.Status,
		"error":             job.ErrorMessage,
		"attempts":          strconv.Itoa(job.Attempts),
		"createdAt":         job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt":         job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, q.jobKey(job.ID), payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, q.jobKey(job.ID), q.jobTTL).Err()
	return nil
}

func (q *GenerationQueue) jobKey(jobID string) string {
	return fmt.Sprintf("job:%s:%s", q.stream, jobID)
}

func jobValues(job Job) map[string]any {
	return map[string]any{
		"job_id":             job.ID,
		"user_id":            job.UserID,
		"channel_id":         job.ChannelID,
		"series_id":          job.SeriesID,
		"prompt":             job.Prompt,
		"max_length":         strconv.Itoa(job.MaxLength),
		"require_moderation": strconv.FormatBool(job.RequireModeration),
		"publish_at":         job.PublishAt.Format(time.RFC3339Nano),
	}
}

func jobFromValues(values map[string]any) (Job, bool) {
	id, _ := values["job_id"].(string)
	channelID, _ := values["channel_id"].(string)
	prompt, _ := values["prompt"].(string)
	if id == "" || channelID == "" || prompt == "" {
		return Job{}, false
	}
	job := Job{ID: id, ChannelID: channelID, Prompt: prompt}
	job.UserID, _ = values["user_id"].(string)
	job.SeriesID, _ = values["series_id"].(string)
	if v, _ := values["max_length"].(string); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.MaxLength = n
		}
	}
	if v, _ := values["require_moderation"].(string); v != "" {
		job.RequireModeration = v == "true"
	}
	if v, _ := values["publish_at"].(string); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.PublishAt = t
		}
	}
	return job, true
}

func decodeJob(jobID string, data map[string]string) Job {
	job := Job{ID: jobID}
	job.UserID = data["userId"]
	job.ChannelID = data["channelId"]
	job.SeriesID = data["seriesId"]
	job.Prompt = data["prompt"]
	job.Status = data["status"]
	job.ErrorMessage = data["error"]
	if v := data["maxLength"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.MaxLength = n
		}
	}
	if v := data["requireModeration"]; v != "" {
		job.RequireModeration = v == "true"
	}
	if v := data["publishAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.PublishAt = t
		}
	}
	if v := data["attempts"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.Attempts = n
		}
	}
	if v := data["createdAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.CreatedAt = t
		}
	}
	if v := data["updatedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.UpdatedAt = t
		}
	}
	return job
}
