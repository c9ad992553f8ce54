package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/tweetkb/internal/config"
	"github.com/randalmurphal/tweetkb/internal/db"
	"github.com/randalmurphal/tweetkb/internal/events"
)

// Reconciler fails tasks that stopped heartbeating without reaching a
// terminal state, typically after a crash or kill. It is the backstop
// for the absent task-level timeout.
type Reconciler struct {
	store     *db.Store
	pool      *Pool
	notify    Notifier
	logger    *slog.Logger
	threshold time.Duration
	interval  time.Duration
}

// NewReconciler creates a reconciler. The stale threshold comes from
// the worker configuration (default 2h); the sweep interval is a
// fraction of it.
func NewReconciler(store *db.Store, pool *Pool, notify Notifier, cfg config.Workers, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	threshold := cfg.StaleThreshold
	if threshold <= 0 {
		threshold = 2 * time.Hour
	}
	interval := threshold / 4
	if interval > 5*time.Minute {
		interval = 5 * time.Minute
	}
	return &Reconciler{
		store:     store,
		pool:      pool,
		notify:    notify,
		logger:    logger,
		threshold: threshold,
		interval:  interval,
	}
}

// Run sweeps periodically until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("stale task sweep failed", "error", err)
			}
		}
	}
}

// Sweep fails every stale task with no live worker and clears the
// agent singleton if it points at one of them. It returns the IDs of
// the tasks it failed.
func (r *Reconciler) Sweep(ctx context.Context) ([]string, error) {
	cutoff := time.Now().Add(-r.threshold)
	stale, err := r.store.ListStaleTasks(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	var failed []string
	for _, t := range stale {
		if r.pool != nil && r.pool.IsLive(t.ID) {
			continue
		}
		msg := fmt.Sprintf("stale: no heartbeat since %s (threshold %s)",
			lastBeat(t).UTC().Format(time.RFC3339), r.threshold)
		if err := r.store.UpdateTaskStatus(ctx, t.ID, db.TaskFailed, msg); err != nil {
			r.logger.Error("fail stale task failed", "task", t.ID, "error", err)
			continue
		}
		if err := r.store.DequeueTask(ctx, t.ID); err != nil {
			r.logger.Warn("dequeue stale task failed", "task", t.ID, "error", err)
		}
		if err := r.store.ClearAgentStateIf(ctx, t.ID); err != nil {
			r.logger.Warn("clear agent state for stale task failed", "task", t.ID, "error", err)
		}
		r.logger.Warn("failed stale task", "task", t.ID, "kind", t.Kind)
		if r.notify != nil {
			r.notify.Task(events.TaskStatus{TaskID: t.ID, Status: db.TaskFailed, ErrorMessage: msg})
		}
		failed = append(failed, t.ID)
	}
	return failed, nil
}

func lastBeat(t *db.Task) time.Time {
	if t.LastHeartbeatAt != nil {
		return *t.LastHeartbeatAt
	}
	return t.CreatedAt
}
