// internal/worker/reconciler.go
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/javajoker/traceledger/internal/archive"
	"github.com/javajoker/traceledger/internal/config"
	"github.com/javajoker/traceledger/internal/metrics"
	"github.com/javajoker/traceledger/internal/models"
	"github.com/javajoker/traceledger/internal/oplog"
	"github.com/javajoker/traceledger/internal/services"
)

// Resumer is the part of the synchronization engine the reconciler drives.
type Resumer interface {
	Resume(ctx context.Context, key string) (models.OperationEntry, error)
	Abandon(ctx context.Context, key, reason string) (models.OperationEntry, error)
}

// Reconciler periodically finishes in-flight operations left behind by
// interrupted callers and purges expired terminal entries.
type Reconciler struct {
	ops      oplog.Store
	sync     Resumer
	archiver archive.Archiver
	metrics  *metrics.Metrics
	cfg      config.ReconcilerConfig
	now      func() time.Time
}

// RunStats summarizes one pass.
type RunStats struct {
	Resumed   int
	Pending   int
	Abandoned int
	Errors    int
	Archived  int
}

func NewReconciler(ops oplog.Store, sync Resumer, archiver archive.Archiver, m *metrics.Metrics, cfg config.ReconcilerConfig) *Reconciler {
	if archiver == nil {
		archiver = archive.LogArchiver{}
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Reconciler{
		ops:      ops,
		sync:     sync,
		archiver: archiver,
		metrics:  m,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Start ticks until ctx is done. It returns a channel closed on exit.
func (r *Reconciler) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()

		logrus.WithField("interval", r.cfg.Interval).Info("Reconciler started")
		for {
			select {
			case <-ctx.Done():
				logrus.Info("Reconciler shutting down")
				return
			case <-ticker.C:
				r.RunOnce(ctx)
			}
		}
	}()
	return done
}

// RunOnce performs a single resume and purge pass.
func (r *Reconciler) RunOnce(ctx context.Context) RunStats {
	var stats RunStats
	r.resumeDue(ctx, &stats)
	r.purge(ctx, &stats)

	if stats != (RunStats{}) {
		logrus.WithFields(logrus.Fields{
			"resumed":   stats.Resumed,
			"pending":   stats.Pending,
			"abandoned": stats.Abandoned,
			"errors":    stats.Errors,
			"archived":  stats.Archived,
		}).Info("Reconciler pass finished")
	}
	return stats
}

func (r *Reconciler) resumeDue(ctx context.Context, stats *RunStats) {
	entries, err := r.ops.ListDue(ctx, r.now(), r.cfg.BatchSize)
	if err != nil {
		logrus.WithError(err).Error("Reconciler failed to list due operations")
		r.metrics.ReconcilerRunsTotal.WithLabelValues("error").Inc()
		stats.Errors++
		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		log := logrus.WithFields(logrus.Fields{
			"operation_key": entry.Key,
			"qr_code":       entry.QRCode,
			"stage":         entry.Stage,
			"attempts":      entry.Attempts,
		})

		// A broadcast transaction may still be mined; keep awaiting its receipt.
		if entry.Stage == models.StageStarted && entry.PendingTxHash == "" && r.cfg.MaxAttempts > 0 && entry.Attempts >= r.cfg.MaxAttempts {
			reason := fmt.Sprintf("max attempts (%d) exceeded: %s", r.cfg.MaxAttempts, entry.LastError)
			if _, err := r.sync.Abandon(ctx, entry.Key, reason); err != nil {
				log.WithError(err).Warn("Reconciler failed to abandon operation")
				r.record(stats, "error")
				continue
			}
			r.record(stats, "abandoned")
			continue
		}

		_, err := r.sync.Resume(ctx, entry.Key)
		switch {
		case err == nil:
			log.Info("Reconciler completed operation")
			r.record(stats, "resumed")
		case errors.Is(err, services.ErrPending), errors.Is(err, services.ErrLedgerTransient), errors.Is(err, services.ErrStoreTransient):
			log.WithError(err).Debug("Operation still pending")
			r.record(stats, "pending")
		default:
			log.WithError(err).Warn("Reconciler could not complete operation")
			r.record(stats, "error")
		}
	}
}

func (r *Reconciler) purge(ctx context.Context, stats *RunStats) {
	r.purgeStage(ctx, stats, models.StageCompleted, r.cfg.CompletedRetention)
	r.purgeStage(ctx, stats, models.StageFailed, r.cfg.FailedRetention)
}

// purgeStage archives then deletes entries of stage untouched for longer than retention.
func (r *Reconciler) purgeStage(ctx context.Context, stats *RunStats, stage models.OperationStage, retention time.Duration) {
	if retention <= 0 {
		return
	}
	entries, err := r.ops.ListByStage(ctx, stage, r.cfg.BatchSize)
	if err != nil {
		logrus.WithError(err).WithField("stage", stage).Error("Reconciler failed to list operations for purge")
		stats.Errors++
		return
	}

	cutoff := r.now().Add(-retention)
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if entry.UpdatedAt.After(cutoff) {
			continue
		}
		if err := r.archiver.Archive(ctx, entry); err != nil {
			logrus.WithError(err).WithField("operation_key", entry.Key).Warn("Failed to archive operation")
			r.metrics.ArchivedEntriesTotal.WithLabelValues("error").Inc()
			stats.Errors++
			continue
		}
		if err := r.ops.Delete(ctx, entry.Key); err != nil {
			logrus.WithError(err).WithField("operation_key", entry.Key).Warn("Failed to delete archived operation")
			stats.Errors++
			continue
		}
		r.metrics.ArchivedEntriesTotal.WithLabelValues(string(stage)).Inc()
		stats.Archived++
	}
}

func (r *Reconciler) record(stats *RunStats, result string) {
	r.metrics.ReconcilerRunsTotal.WithLabelValues(result).Inc()
	switch result {
	case "resumed":
		stats.Resumed++
	case "pending":
		stats.Pending++
	case "abandoned":
		stats.Abandoned++
	default:
		stats.Errors++
	}
}
