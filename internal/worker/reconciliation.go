package worker

import (
	"context"
	"log/slog"
	"time"

	"checkout-orchestrator/internal/service"
)

// Reconciler is the part of the checkout service the worker drives.
type Reconciler interface {
	ReconcileStuck(ctx context.Context, limit int) (service.ReconcileReport, error)
	PurgeExpiredKeys(ctx context.Context) (int64, error)
}

type ReconciliationWorker struct {
	reconciler Reconciler
	interval   time.Duration
	batchSize  int
	log        *slog.Logger
}

func NewReconciliationWorker(reconciler Reconciler, interval time.Duration, batchSize int, logger *slog.Logger) *ReconciliationWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &ReconciliationWorker{
		reconciler: reconciler,
		interval:   interval,
		batchSize:  batchSize,
		log:        logger.With("component", "reconciler"),
	}
}

// Run sweeps on every tick until ctx is done.
func (rw *ReconciliationWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(rw.interval)
	defer ticker.Stop()

	rw.log.InfoContext(ctx, "reconciliation worker started", "interval", rw.interval, "batch_size", rw.batchSize)

	for {
		select {
		case <-ctx.Done():
			rw.log.InfoContext(ctx, "reconciliation worker stopped")
			return
		case <-ticker.C:
			rw.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep and returns what it did.
func (rw *ReconciliationWorker) RunOnce(ctx context.Context) service.ReconcileReport {
	report, err := rw.reconciler.ReconcileStuck(ctx, rw.batchSize)
	if err != nil {
		rw.log.ErrorContext(ctx, "reconciliation sweep failed", "error", err)
	} else if report.Scanned > 0 {
		rw.log.InfoContext(ctx, "reconciliation sweep finished",
			"scanned", report.Scanned,
			"paid", report.Paid,
			"failed", report.Failed,
			"cancelled", report.Cancelled,
			"unresolved", report.Unresolved,
			"errors", report.Errors,
		)
	}

	purged, err := rw.reconciler.PurgeExpiredKeys(ctx)
	if err != nil {
		rw.log.ErrorContext(ctx, "purge expired idempotency keys failed", "error", err)
	} else if purged > 0 {
		rw.log.InfoContext(ctx, "expired idempotency keys purged", "count", purged)
	}
	return report
}
