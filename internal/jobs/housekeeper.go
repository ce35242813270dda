package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/feedline/feedline-backend/internal/calendar"
	"github.com/feedline/feedline-backend/internal/intake"
	"github.com/feedline/feedline-backend/internal/notify"
	"github.com/feedline/feedline-backend/internal/store"
)

// Housekeeper owns the non-feed periodic work: intake sync, denied
// retention cleanup and moderator alerts.
type Housekeeper struct {
	store    store.Store
	intake   *intake.Syncer
	notifier *notify.Notifier
	gen      *calendar.Generator
	logger   *zap.SugaredLogger

	interval         time.Duration
	deniedRetention  time.Duration
	pendingThreshold int

	cancel context.CancelFunc
}

type HousekeeperConfig struct {
	Interval         time.Duration
	DeniedRetention  time.Duration
	PendingThreshold int
}

func NewHousekeeper(st store.Store, in *intake.Syncer, n *notify.Notifier,
	gen *calendar.Generator, cfg HousekeeperConfig, logger *zap.SugaredLogger) *Housekeeper {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Housekeeper{
		store:            st,
		intake:           in,
		notifier:         n,
		gen:              gen,
		logger:           logger,
		interval:         cfg.Interval,
		deniedRetention:  cfg.DeniedRetention,
		pendingThreshold: cfg.PendingThreshold,
	}
}

func (h *Housekeeper) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	go h.loop(ctx)
	h.logger.Infow("housekeeper started", "interval", h.interval)
}

func (h *Housekeeper) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
}

func (h *Housekeeper) loop(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.RunOnce(ctx)
		}
	}
}

func (h *Housekeeper) RunOnce(ctx context.Context) {
	if h.intake != nil && h.intake.Configured() {
		if _, err := h.intake.Sync(ctx); err != nil {
			h.logger.Warnw("intake sync failed", "error", err)
		}
	}

	if h.deniedRetention > 0 {
		cutoff := time.Now().Add(-h.deniedRetention)
		removed, err := h.store.CleanupDenied(ctx, cutoff)
		if err != nil {
			h.logger.Warnw("denied cleanup failed", "error", err)
		} else if removed > 0 {
			h.logger.Infow("expired denied entries removed", "count", removed)
		}
	}

	h.checkAlerts(ctx)
}

// checkAlerts looks at the queue shape and raises the moderator alerts.
func (h *Housekeeper) checkAlerts(ctx context.Context) {
	if h.notifier == nil || !h.notifier.Enabled() {
		return
	}

	pending, err := h.store.ListByStatus(ctx, store.StatusPending)
	if err != nil {
		h.logger.Warnw("listing pending entries failed", "error", err)
		return
	}
	if h.pendingThreshold > 0 && len(pending) >= h.pendingThreshold {
		if err := h.notifier.AlertPendingBacklog(ctx, len(pending)); err != nil {
			h.logger.Warnw("backlog alert failed", "error", err)
		}
		return
	}

	scheduled, err := h.store.ListByStatus(ctx, store.StatusScheduled)
	if err != nil {
		h.logger.Warnw("listing scheduled entries failed", "error", err)
		return
	}
	times := make([]time.Time, 0, len(scheduled))
	for _, ent := range scheduled {
		if ent.ScheduledTime != nil {
			times = append(times, *ent.ScheduledTime)
		}
	}
	if empty := h.gen.NextEmptyWindow(time.Now(), 24*time.Hour, times); !empty.IsZero() {
		if err := h.notifier.AlertEmptyWindow(ctx, empty); err != nil {
			h.logger.Warnw("empty window alert failed", "error", err)
		}
	}
}
