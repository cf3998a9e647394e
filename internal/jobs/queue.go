// Package jobs is the durable settlement job queue. Delivery is at least
// once; a job is held by at most one worker at a time through the
// queued -> processing claim.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/terminal-bench/tokensettle/internal/metrics"
	"github.com/terminal-bench/tokensettle/internal/models"
	"github.com/terminal-bench/tokensettle/internal/store"
	"github.com/terminal-bench/tokensettle/pkg/messaging"
	"go.uber.org/zap"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrJobNotProcessing = errors.New("job is not processing")
)

// maxClaimRetries bounds how often DequeueNext re-selects after losing a claim
const maxClaimRetries = 16

const defaultClaimLease = 2 * time.Minute

// Backoff computes retry delays as Base * Multiplier^attempts, capped at Max
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

// Delay returns the wait before the next attempt
func (b Backoff) Delay(attempts int) time.Duration {
	d := float64(b.Base) * math.Pow(b.Multiplier, float64(attempts))
	if b.Max > 0 && (d > float64(b.Max) || math.IsInf(d, 1)) {
		return b.Max
	}
	return time.Duration(d)
}

// Options tune a single Enqueue call
type Options struct {
	MaxAttempts int
	Priority    int
	// DedupeKey makes Enqueue return the existing job instead of a second one
	DedupeKey string
}

// Config holds queue defaults
type Config struct {
	MaxAttempts int
	Backoff     Backoff
	// ClaimLease is how long a claimed job stays with its worker. It must
	// outlast one attempt; an expired claim is requeued for another worker.
	ClaimLease time.Duration
}

// Queue is the settlement job queue
type Queue struct {
	store   store.JobStore
	cfg     Config
	pub     messaging.Publisher
	metrics metrics.Recorder
	logger  *zap.Logger
	wake    chan struct{}
	now     func() time.Time
}

// NewQueue creates a queue. pub may be nil when no other process needs waking.
func NewQueue(st store.JobStore, cfg Config, pub messaging.Publisher, rec metrics.Recorder, logger *zap.Logger) *Queue {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = defaultClaimLease
	}
	return &Queue{
		store:   st,
		cfg:     cfg,
		pub:     pub,
		metrics: rec,
		logger:  logger.Named("jobs"),
		wake:    make(chan struct{}, 1),
		now:     time.Now,
	}
}

// Enqueue stores a new queued job and returns it. With a DedupeKey that is
// already taken, the existing job is returned unchanged.
func (q *Queue) Enqueue(ctx context.Context, jobType models.JobType, payload interface{}, opts Options) (*models.Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = q.cfg.MaxAttempts
	}

	now := q.now().UTC()
	job := &models.Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		Payload:     body,
		Status:      models.JobQueued,
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
		DedupeKey:   opts.DedupeKey,
		ScheduledAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	stored, created, err := q.store.InsertJob(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}
	if !created {
		q.logger.Debug("job already enqueued",
			zap.String("dedupe_key", opts.DedupeKey),
			zap.String("job_id", stored.ID))
		return stored, nil
	}

	q.Signal()
	if q.pub != nil {
		hint := messaging.JobEvent{JobID: stored.ID, Type: string(jobType)}
		if err := q.pub.Publish(ctx, messaging.SubjectJobPrefix+string(jobType), hint); err != nil {
			q.logger.Debug("failed to publish job wake-up", zap.Error(err))
		}
	}
	return stored, nil
}

// DequeueNext claims the next due job of one of types. It returns nil when
// nothing is eligible. Jobs held past their lease by a worker that went away
// are taken back first.
func (q *Queue) DequeueNext(ctx context.Context, types ...models.JobType) (*models.Job, error) {
	for i := 0; i < maxClaimRetries; i++ {
		now := q.now().UTC()
		reclaimed, err := q.store.ReclaimExpiredJobs(ctx, now)
		if err != nil {
			return nil, fmt.Errorf("failed to reclaim expired jobs: %w", err)
		}
		if reclaimed > 0 {
			q.logger.Warn("reclaimed jobs with expired claim leases", zap.Int("count", reclaimed))
		}
		if _, err := q.store.PromoteDueJobs(ctx, now); err != nil {
			return nil, fmt.Errorf("failed to promote retrying jobs: %w", err)
		}

		candidate, err := q.store.NextQueuedJob(ctx, types, now)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to select job: %w", err)
		}

		claimed, err := q.store.ClaimJob(ctx, candidate.ID, now, now.Add(q.cfg.ClaimLease))
		if err != nil {
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}
		if !claimed {
			// another worker won the race; pick again
			continue
		}

		job, err := q.store.GetJob(ctx, candidate.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load claimed job: %w", err)
		}
		return job, nil
	}
	return nil, nil
}

// MarkCompleted finishes a processing job
func (q *Queue) MarkCompleted(ctx context.Context, job *models.Job) error {
	now := q.now().UTC()
	ok, err := q.store.TransitionJob(ctx, job.ID, models.JobProcessing, models.JobUpdate{
		Status:    models.JobCompleted,
		UpdatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if !ok {
		return ErrJobNotProcessing
	}
	q.metrics.JobFinished(string(job.Type), string(models.JobCompleted), job.Attempts, now.Sub(job.CreatedAt))
	return nil
}

// MarkFailed records a failed attempt. With retry set and attempts left the
// job waits in retrying for its backoff delay; otherwise it fails terminally.
// The returned status is the one the job landed in.
func (q *Queue) MarkFailed(ctx context.Context, jobID string, cause error, retry bool) (models.JobStatus, error) {
	job, err := q.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrJobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load job: %w", err)
	}
	if job.Status != models.JobProcessing {
		return job.Status, ErrJobNotProcessing
	}

	now := q.now().UTC()
	upd := models.JobUpdate{
		Status:       models.JobFailed,
		ErrorMessage: errorMessage(cause),
		UpdatedAt:    now,
	}
	if retry && job.Attempts < job.MaxAttempts {
		next := now.Add(q.cfg.Backoff.Delay(job.Attempts))
		upd.Status = models.JobRetrying
		upd.ScheduledAt = &next
	}

	ok, err := q.store.TransitionJob(ctx, job.ID, models.JobProcessing, upd)
	if err != nil {
		return "", fmt.Errorf("failed to fail job: %w", err)
	}
	if !ok {
		return "", ErrJobNotProcessing
	}

	if upd.Status == models.JobFailed {
		q.logger.Warn("job failed terminally",
			zap.String("job_id", job.ID),
			zap.String("type", string(job.Type)),
			zap.Int("attempts", job.Attempts),
			zap.Error(cause))
		q.metrics.JobFinished(string(job.Type), string(models.JobFailed), job.Attempts, now.Sub(job.CreatedAt))
	} else {
		q.logger.Info("job scheduled for retry",
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempts),
			zap.Time("scheduled_at", *upd.ScheduledAt),
			zap.Error(cause))
	}
	return upd.Status, nil
}

// Postpone puts a processing job back to wait for delay without spending
// the attempt its claim took. It is for work that was refused before it
// started, such as a call rejected by an open circuit breaker.
func (q *Queue) Postpone(ctx context.Context, jobID string, delay time.Duration, cause error) error {
	job, err := q.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}
	if job.Status != models.JobProcessing {
		return ErrJobNotProcessing
	}

	now := q.now().UTC()
	next := now.Add(delay)
	attempts := job.Attempts - 1
	if attempts < 0 {
		attempts = 0
	}
	ok, err := q.store.TransitionJob(ctx, job.ID, models.JobProcessing, models.JobUpdate{
		Status:       models.JobRetrying,
		ScheduledAt:  &next,
		Attempts:     &attempts,
		ErrorMessage: errorMessage(cause),
		UpdatedAt:    now,
	})
	if err != nil {
		return fmt.Errorf("failed to postpone job: %w", err)
	}
	if !ok {
		return ErrJobNotProcessing
	}
	q.logger.Info("job postponed",
		zap.String("job_id", job.ID),
		zap.Int("attempts", attempts),
		zap.Time("scheduled_at", next),
		zap.Error(cause))
	return nil
}

// Signal wakes one idle worker in this process
func (q *Queue) Signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Wake is signalled when new work may be available
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

// SubscribeWakeups turns job hints published by other processes into
// local signals. One process in the queue group receives each hint.
func (q *Queue) SubscribeWakeups(client *messaging.Client, group string, types ...models.JobType) error {
	for _, t := range types {
		err := client.QueueSubscribe(messaging.SubjectJobPrefix+string(t), group, func(*nats.Msg) {
			q.Signal()
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func errorMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
