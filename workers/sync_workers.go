// workers/sync_workers.go
package workers

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"platform-sync/services"
)

// EventSyncWorker fails stale claims, requeues retryable failures and drains
// pending events.
type EventSyncWorker struct {
	processor *services.EventProcessor
	batchSize int
	log       *logrus.Entry
}

func NewEventSyncWorker(processor *services.EventProcessor, batchSize int, log *logrus.Entry) *EventSyncWorker {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &EventSyncWorker{processor: processor, batchSize: batchSize, log: log.WithField("component", "event_sync_worker")}
}

func (w *EventSyncWorker) Run(ctx context.Context) error {
	stale, err := w.processor.RecoverStale(ctx)
	if err != nil {
		return err
	}
	if stale > 0 {
		w.log.WithField("stale", stale).Warn("⏱️ Stale processing events marked failed")
	}
	requeued, err := w.processor.RequeueFailed(ctx)
	if err != nil {
		return err
	}
	if requeued > 0 {
		w.log.WithField("requeued", requeued).Info("🔁 Failed events requeued")
	}
	stats, err := w.processor.ProcessPending(ctx, w.batchSize)
	if errors.Is(err, services.ErrDrainInProgress) {
		w.log.Debug("drain already running, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	if stats.Fetched > 0 {
		w.log.WithFields(logrus.Fields{
			"fetched":   stats.Fetched,
			"completed": stats.Completed,
			"failed":    stats.Failed,
			"skipped":   stats.Skipped,
		}).Info("📦 Event batch processed")
	}
	return nil
}

// ReconcileWorker sweeps users whose sync state went stale.
type ReconcileWorker struct {
	reconciler *services.Reconciler
	limit      int
}

func NewReconcileWorker(reconciler *services.Reconciler, limit int) *ReconcileWorker {
	if limit <= 0 {
		limit = 100
	}
	return &ReconcileWorker{reconciler: reconciler, limit: limit}
}

func (w *ReconcileWorker) Run(ctx context.Context) error {
	_, err := w.reconciler.ReconcileAll(ctx, w.limit)
	return err
}

// RoleGrantWorker retries pending role grants.
type RoleGrantWorker struct {
	grants *services.RoleGrantService
	limit  int
}

func NewRoleGrantWorker(grants *services.RoleGrantService, limit int) *RoleGrantWorker {
	if limit <= 0 {
		limit = 50
	}
	return &RoleGrantWorker{grants: grants, limit: limit}
}

func (w *RoleGrantWorker) Run(ctx context.Context) error {
	if !w.grants.Enabled() {
		return nil
	}
	_, err := w.grants.ProcessPendingRoleGrants(ctx, w.limit)
	return err
}

// CleanupWorker expires link codes and prunes old events.
type CleanupWorker struct {
	janitor *services.Janitor
}

func NewCleanupWorker(janitor *services.Janitor) *CleanupWorker {
	return &CleanupWorker{janitor: janitor}
}

func (w *CleanupWorker) Run(ctx context.Context) error {
	_, err := w.janitor.Cleanup(ctx)
	return err
}
