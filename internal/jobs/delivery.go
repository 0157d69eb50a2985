// Package jobs runs the service's background work: notification delivery
// on a River queue and the periodic escalation and analytics passes.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-edu-approvals/internal/retry"
	"github.com/pesio-ai/be-edu-approvals/internal/service"
)

// JobKindDelivery identifies notification delivery jobs.
const JobKindDelivery = "notification_delivery"

// DeliveryArgs is the payload of one delivery job.
type DeliveryArgs struct {
	NotificationID string `json:"notification_id"`
}

// Kind implements river.JobArgs.
func (DeliveryArgs) Kind() string { return JobKindDelivery }

// Deliverer sends one stored notification. attempt and maxAttempts let it
// decide when a failure becomes permanent.
type Deliverer interface {
	Deliver(ctx context.Context, notificationID string, attempt, maxAttempts int) error
}

// deliveryWorker hands jobs to the dispatcher. A returned error makes River
// retry the job after NextRetry.
type deliveryWorker struct {
	river.WorkerDefaults[DeliveryArgs]
	deliverer Deliverer
	backoff   *retry.Policy
}

func (w *deliveryWorker) Work(ctx context.Context, job *river.Job[DeliveryArgs]) error {
	return w.deliverer.Deliver(ctx, job.Args.NotificationID, job.Attempt, job.MaxAttempts)
}

func (w *deliveryWorker) NextRetry(job *river.Job[DeliveryArgs]) time.Time {
	return time.Now().Add(w.backoff.NextDelay(job.Attempt))
}

// QueueConfig sizes the delivery queue.
type QueueConfig struct {
	Workers     int
	JobTimeout  time.Duration
	MaxAttempts int
	// InsertOnly builds a client that enqueues but never works jobs, for
	// one-shot commands that leave delivery to the running server.
	InsertOnly bool
}

// Queue owns the River client. It implements service.Enqueuer.
type Queue struct {
	client      *river.Client[pgx.Tx]
	maxAttempts int
	log         zerolog.Logger
}

var _ service.Enqueuer = (*Queue)(nil)

// deliveryBackoff spaces delivery retries from seconds up to ten minutes.
func deliveryBackoff() *retry.Policy {
	return &retry.Policy{
		InitialDelay: 5 * time.Second,
		MaxDelay:     10 * time.Minute,
		Multiplier:   3,
		Jitter:       0.2,
	}
}

// NewQueue builds the River client with the delivery worker registered.
func NewQueue(pool *pgxpool.Pool, deliverer Deliverer, cfg QueueConfig, log zerolog.Logger) (*Queue, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &deliveryWorker{deliverer: deliverer, backoff: deliveryBackoff()})

	rc := &river.Config{
		Workers:      workers,
		JobTimeout:   cfg.JobTimeout,
		MaxAttempts:  cfg.MaxAttempts,
		ErrorHandler: &errorHandler{log: log},
	}
	if !cfg.InsertOnly {
		rc.Queues = map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.Workers},
		}
	}
	client, err := river.NewClient(riverpgxv5.New(pool), rc)
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	return &Queue{client: client, maxAttempts: cfg.MaxAttempts, log: log}, nil
}

// EnqueueDelivery schedules delivery of a notification. Enqueueing the same
// id while an earlier job is still pending is a no-op.
func (q *Queue) EnqueueDelivery(ctx context.Context, notificationID string) error {
	_, err := q.client.Insert(ctx, DeliveryArgs{NotificationID: notificationID}, &river.InsertOpts{
		MaxAttempts: q.maxAttempts,
		UniqueOpts: river.UniqueOpts{
			ByArgs: true,
			ByState: []rivertype.JobState{
				rivertype.JobStateAvailable,
				rivertype.JobStatePending,
				rivertype.JobStateRetryable,
				rivertype.JobStateRunning,
				rivertype.JobStateScheduled,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("enqueue delivery: %w", err)
	}
	return nil
}

// Start begins working jobs.
func (q *Queue) Start(ctx context.Context) error {
	if err := q.client.Start(ctx); err != nil {
		return fmt.Errorf("start river client: %w", err)
	}
	q.log.Info().Msg("Delivery queue started")
	return nil
}

// Stop waits for running jobs until ctx expires.
func (q *Queue) Stop(ctx context.Context) error {
	if err := q.client.Stop(ctx); err != nil {
		q.log.Warn().Err(err).Msg("River client stop error")
		return err
	}
	q.log.Info().Msg("Delivery queue stopped")
	return nil
}

// Migrate creates or upgrades River's tables.
func Migrate(ctx context.Context, pool *pgxpool.Pool, log zerolog.Logger) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("run river migrations: %w", err)
	}
	log.Info().Int("applied", len(res.Versions)).Msg("River migrations applied")
	return nil
}

// errorHandler logs failed and panicking jobs. Retry scheduling is left to
// River.
type errorHandler struct {
	log zerolog.Logger
}

func (h *errorHandler) HandleError(_ context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	h.log.Warn().Err(err).
		Str("job_kind", job.Kind).
		Int64("job_id", job.ID).
		Int("attempt", job.Attempt).
		Int("max_attempts", job.MaxAttempts).
		Msg("Job failed")
	return nil
}

func (h *errorHandler) HandlePanic(_ context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	h.log.Error().
		Str("job_kind", job.Kind).
		Int64("job_id", job.ID).
		Interface("panic", panicVal).
		Str("trace", trace).
		Msg("Job panicked")
	return nil
}
