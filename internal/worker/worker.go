// Package worker runs batch dispatches asynchronously. Jobs are queued in
// a redis list and their state lives under a TTL'd key, so a crashed
// gateway loses in-flight work but never strands the queue.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/minhvu-dev/fanout-gateway/internal/dispatch"
	"github.com/minhvu-dev/fanout-gateway/internal/provider"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

var ErrJobNotFound = errors.New("job not found")

const (
	pendingKey = "dispatch:jobs:pending"
	jobPrefix  = "dispatch:jobs:"
)

type Job struct {
	ID          string                   `json:"id"`
	UserID      string                   `json:"user_id"`
	Messages    []provider.Message       `json:"messages"`
	Targets     []dispatch.Target        `json:"targets"`
	Status      Status                   `json:"status"`
	Results     []dispatch.ModelResponse `json:"results,omitempty"`
	Error       string                   `json:"error,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
	CompletedAt *time.Time               `json:"completed_at,omitempty"`
}

type Queue struct {
	rdb   *redis.Client
	coord *dispatch.Coordinator
	log   *zap.Logger
	ttl   time.Duration
}

func NewQueue(rdb *redis.Client, coord *dispatch.Coordinator, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{rdb: rdb, coord: coord, log: log, ttl: time.Hour}
}

// Enqueue validates the dispatch inputs eagerly (the same caller errors a
// synchronous dispatch would raise) and queues the job.
func (q *Queue) Enqueue(ctx context.Context, userID string, messages []provider.Message, targets []dispatch.Target) (*Job, error) {
	if len(messages) == 0 {
		return nil, dispatch.ErrNoMessages
	}
	if len(targets) == 0 {
		return nil, dispatch.ErrNoTargets
	}

	job := &Job{
		ID:        uuid.New().String(),
		UserID:    userID,
		Messages:  messages,
		Targets:   targets,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := q.save(ctx, job); err != nil {
		return nil, err
	}
	if err := q.rdb.LPush(ctx, pendingKey, job.ID).Err(); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	return job, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	data, err := q.rdb.Get(ctx, jobPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return &job, nil
}

// Run processes jobs until the context is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	q.log.Info("dispatch worker started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if _, err := q.ProcessOne(ctx); err != nil && !errors.Is(err, context.Canceled) {
			q.log.Error("worker iteration failed", zap.Error(err))
		}
	}
}

// ProcessOne blocks briefly for the next pending job and runs it. Returns
// false when the queue was empty.
func (q *Queue) ProcessOne(ctx context.Context) (bool, error) {
	popped, err := q.rdb.BRPop(ctx, time.Second, pendingKey).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	id := popped[1]

	job, err := q.Get(ctx, id)
	if err != nil {
		return true, fmt.Errorf("job %s vanished from store: %w", id, err)
	}

	job.Status = StatusRunning
	if err := q.save(ctx, job); err != nil {
		return true, err
	}

	results, err := q.coord.DispatchBatch(ctx, job.Messages, job.Targets)
	now := time.Now().UTC()
	job.CompletedAt = &now
	if err != nil {
		job.Status = StatusFailed
		job.Error = err.Error()
	} else {
		job.Status = StatusDone
		job.Results = results
	}

	if err := q.save(ctx, job); err != nil {
		return true, err
	}
	q.log.Info("job processed",
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)),
		zap.Int("targets", len(job.Targets)),
	)
	return true, nil
}

func (q *Queue) save(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	if err := q.rdb.Set(ctx, jobPrefix+job.ID, data, q.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	return nil
}
