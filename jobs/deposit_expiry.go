package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-pos/internal/deposits"
	jobmetrics "github.com/odyssey-erp/odyssey-pos/internal/jobs"
	"github.com/odyssey-erp/odyssey-pos/internal/shared"
)

// Locker serialises a job across worker processes.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

// OverdueExpirer expires overdue deposit orders.
type OverdueExpirer interface {
	ExpireOverdue(ctx context.Context, asOf time.Time) (deposits.ExpirySummary, error)
}

// DepositExpiryJob runs the overdue deposit sweep under a distributed lock.
type DepositExpiryJob struct {
	Expirer OverdueExpirer
	Locker  Locker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewDepositExpiryJob initialises the sweep handler.
func NewDepositExpiryJob(expirer OverdueExpirer, locker Locker, logger *slog.Logger, metrics *jobmetrics.Metrics) *DepositExpiryJob {
	return &DepositExpiryJob{
		Expirer: expirer,
		Locker:  locker,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one sweep. Per-order failures are reported through the error
// outcome without failing the task, so asynq does not replay expiries that succeeded.
func (j *DepositExpiryJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Expirer == nil {
		return errors.New("deposit expiry: handler not configured")
	}
	var payload ExpireOverduePayload
	if err := decodePayload(t, &payload); err != nil {
		return fmt.Errorf("deposit expiry: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	asOf := payload.AsOf
	if asOf.IsZero() {
		asOf = j.now()
	}

	_, err := j.Run(ctx, asOf)
	return err
}

// Run sweeps as of asOf. It returns a zero summary when another worker holds the lock.
func (j *DepositExpiryJob) Run(ctx context.Context, asOf time.Time) (deposits.ExpirySummary, error) {
	tracker := j.Metrics.Track(TaskDepositExpireOverdue)
	logger := j.logger().With(slog.Time("as_of", asOf))

	var summary deposits.ExpirySummary
	err := withLock(ctx, j.Locker, shared.DepositExpiryLockKey(), func(ctx context.Context) error {
		var err error
		summary, err = j.Expirer.ExpireOverdue(ctx, asOf)
		return err
	})
	switch {
	case errors.Is(err, shared.ErrLockNotObtained):
		logger.Info("deposit expiry sweep already running elsewhere")
		return summary, tracker.End(jobmetrics.OutcomeSkipped, nil)
	case err != nil:
		logger.Error("deposit expiry sweep failed", slog.Any("error", err))
		return summary, tracker.End(jobmetrics.OutcomeError, err)
	}

	outcome := jobmetrics.OutcomeOK
	if len(summary.Failed) > 0 {
		outcome = jobmetrics.OutcomeError
		for id, reason := range summary.Failed {
			logger.Warn("deposit order not expired", slog.Int64("order_id", id), slog.String("reason", reason))
		}
	}
	logger.Info("completed deposit expiry sweep",
		slog.Int("candidates", summary.Candidates),
		slog.Int("expired", len(summary.Expired)),
		slog.Int("skipped", len(summary.Skipped)),
		slog.Int("failed", len(summary.Failed)),
	)
	return summary, tracker.End(outcome, nil)
}

func (j *DepositExpiryJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

func (j *DepositExpiryJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func withLock(ctx context.Context, locker Locker, key string, fn func(context.Context) error) error {
	if locker == nil {
		return fn(ctx)
	}
	return locker.WithLock(ctx, key, fn)
}
