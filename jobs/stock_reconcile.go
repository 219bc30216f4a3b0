package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-pos/internal/jobs"
	"github.com/odyssey-erp/odyssey-pos/internal/shared"
	"github.com/odyssey-erp/odyssey-pos/internal/stock"
)

// LedgerReconciler checks stock ledgers for release anomalies.
type LedgerReconciler interface {
	Reconcile(ctx context.Context, productID int64) (stock.ReconcileReport, error)
	ReconcileAll(ctx context.Context) ([]stock.ReconcileReport, error)
}

// StockReconcileJob reports ledger anomalies. It never rewrites movements.
type StockReconcileJob struct {
	Reconciler LedgerReconciler
	Locker     Locker
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewStockReconcileJob initialises the reconciliation handler.
func NewStockReconcileJob(reconciler LedgerReconciler, locker Locker, logger *slog.Logger, metrics *jobmetrics.Metrics) *StockReconcileJob {
	return &StockReconcileJob{Reconciler: reconciler, Locker: locker, Logger: logger, Metrics: metrics}
}

// Handle executes the reconciliation task.
func (j *StockReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Reconciler == nil {
		return errors.New("stock reconcile: handler not configured")
	}
	var payload StockReconcilePayload
	if err := decodePayload(t, &payload); err != nil {
		return fmt.Errorf("stock reconcile: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	_, err := j.Run(ctx, payload.ProductIDs...)
	return err
}

// Run reconciles the given products, or every product with history when none are
// given, and returns the reports containing anomalies.
func (j *StockReconcileJob) Run(ctx context.Context, productIDs ...int64) ([]stock.ReconcileReport, error) {
	tracker := j.Metrics.Track(TaskStockReconcile)
	logger := j.logger()

	var dirty []stock.ReconcileReport
	err := withLock(ctx, j.Locker, shared.StockReconcileLockKey(), func(ctx context.Context) error {
		var err error
		dirty, err = j.reconcile(ctx, productIDs)
		return err
	})
	switch {
	case errors.Is(err, shared.ErrLockNotObtained):
		logger.Info("stock reconciliation already running elsewhere")
		return nil, tracker.End(jobmetrics.OutcomeSkipped, nil)
	case err != nil:
		logger.Error("stock reconciliation failed", slog.Any("error", err))
		return dirty, tracker.End(jobmetrics.OutcomeError, err)
	}

	anomalies := 0
	for _, report := range dirty {
		for _, a := range report.Anomalies {
			logger.Warn("stock ledger anomaly",
				slog.Int64("product_id", report.ProductID),
				slog.String("kind", string(a.Kind)),
				slog.Int64("movement_id", a.MovementID),
				slog.String("detail", a.Detail),
			)
			j.Metrics.AddAnomalies(string(a.Kind), 1)
			anomalies++
		}
	}
	logger.Info("completed stock reconciliation",
		slog.Int("dirty_products", len(dirty)),
		slog.Int("anomalies", anomalies),
	)
	outcome := jobmetrics.OutcomeOK
	if anomalies > 0 {
		outcome = jobmetrics.OutcomeAnomaly
	}
	return dirty, tracker.End(outcome, nil)
}

func (j *StockReconcileJob) reconcile(ctx context.Context, productIDs []int64) ([]stock.ReconcileReport, error) {
	if len(productIDs) == 0 {
		return j.Reconciler.ReconcileAll(ctx)
	}
	var dirty []stock.ReconcileReport
	for _, id := range productIDs {
		report, err := j.Reconciler.Reconcile(ctx, id)
		if err != nil {
			return dirty, fmt.Errorf("stock reconcile: product %d: %w", id, err)
		}
		if !report.Clean() {
			dirty = append(dirty, report)
		}
	}
	return dirty, nil
}

func (j *StockReconcileJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
