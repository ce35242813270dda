// Package jobs runs the periodic background work: the reconcile loop
// against the external feed and the intake/housekeeping loop.
package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/feedline/feedline-backend/internal/cache"
	"github.com/feedline/feedline-backend/internal/schedule"
)

// Reconciler drives periodic reconcile passes. The cache lock collapses
// overlapping passes across instances into one.
type Reconciler struct {
	engine   *schedule.Engine
	cache    *cache.Cache
	logger   *zap.SugaredLogger
	interval time.Duration

	cancel context.CancelFunc
}

func NewReconciler(engine *schedule.Engine, c *cache.Cache, interval time.Duration, logger *zap.SugaredLogger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Reconciler{
		engine:   engine,
		cache:    c,
		logger:   logger,
		interval: interval,
	}
}

func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	go r.loop(ctx)
	r.logger.Infow("reconciler started", "interval", r.interval)
}

func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Reconciler) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// One pass right away so a restart converges without waiting a full
	// interval.
	r.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce takes the shared lock and runs one pass. Skipped silently when
// another instance holds the lock.
func (r *Reconciler) RunOnce(ctx context.Context) {
	if r.cache != nil {
		got, err := r.cache.TryLock(ctx, cache.KeyReconcileLock, r.interval)
		if err != nil {
			r.logger.Warnw("reconcile lock unavailable", "error", err)
			return
		}
		if !got {
			r.logger.Debugw("reconcile pass already running elsewhere")
			return
		}
		defer r.cache.Unlock(ctx, cache.KeyReconcileLock)
	}

	res, err := r.engine.Reconcile(ctx)
	if err != nil {
		if schedule.IsRetryable(err) {
			r.logger.Warnw("reconcile pass skipped, feed unavailable", "error", err)
		} else {
			r.logger.Errorw("reconcile pass failed", "error", err)
		}
		return
	}

	if res.OrphansRemoved > 0 || res.Renumbered > 0 || res.HolesFilled > 0 || res.Adopted > 0 {
		r.logger.Infow("reconcile pass repaired state",
			"orphans_removed", res.OrphansRemoved,
			"renumbered", res.Renumbered,
			"holes_filled", res.HolesFilled,
			"adopted", res.Adopted,
		)
	}
}
