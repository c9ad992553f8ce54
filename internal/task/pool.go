package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/tweetkb/internal/config"
	"github.com/randalmurphal/tweetkb/internal/db"
	"github.com/randalmurphal/tweetkb/internal/errors"
	"github.com/randalmurphal/tweetkb/internal/events"
)

// pollInterval bounds how long an idle worker waits before re-reading
// the durable queue. Submissions normally wake a worker immediately.
const pollInterval = time.Second

// Notifier is the event surface the pool reports task transitions to.
// *events.Emitter satisfies it.
type Notifier interface {
	Log(taskID, level, message string)
	Task(status events.TaskStatus)
}

// Pool runs registered task kinds off the durable queue with a fixed
// number of long-lived workers.
type Pool struct {
	store    *db.Store
	registry *Registry
	notify   Notifier
	logger   *slog.Logger

	workers   int
	heartbeat time.Duration

	mu      sync.Mutex
	claimed map[string]bool               // queue entries taken by a worker
	cancels map[string]context.CancelFunc // running task cancellation
	wake    chan struct{}

	wg      sync.WaitGroup
	stop    context.CancelFunc
	started bool
}

// NewPool creates a worker pool. Worker count and heartbeat interval
// come from the worker configuration.
func NewPool(store *db.Store, registry *Registry, notify Notifier, cfg config.Workers, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Concurrency
	if workers < 1 {
		workers = 1
	}
	hb := cfg.HeartbeatInterval
	if hb <= 0 {
		hb = 30 * time.Second
	}
	return &Pool{
		store:     store,
		registry:  registry,
		notify:    notify,
		logger:    logger,
		workers:   workers,
		heartbeat: hb,
		claimed:   make(map[string]bool),
		cancels:   make(map[string]context.CancelFunc),
		wake:      make(chan struct{}, 1),
	}
}

// Start launches the workers. The queue table is the source of truth,
// so tasks enqueued before a restart are picked up on the first poll.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx, p.stop = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Stop cancels all running tasks and waits for the workers to drain.
func (p *Pool) Stop() {
	p.mu.Lock()
	stop := p.stop
	p.mu.Unlock()
	if stop != nil {
		stop()
	}
	p.wg.Wait()
}

// Wake nudges an idle worker, typically right after a submission.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// IsLive reports whether a task is currently held by one of this
// pool's workers. The stale reconciler consults it.
func (p *Pool) IsLive(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.cancels[taskID]
	return ok
}

// RunningCount returns the number of tasks currently executing.
func (p *Pool) RunningCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cancels)
}

// CancelTask requests cooperative cancellation of a task. A queued
// task is dequeued and moved straight to canceled; a running task has
// its context canceled and transitions once the handler returns.
func (p *Pool) CancelTask(ctx context.Context, taskID string) error {
	p.mu.Lock()
	cancel, running := p.cancels[taskID]
	p.mu.Unlock()
	if running {
		cancel()
		return nil
	}

	t, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if db.TerminalStatus(t.Status) {
		return errors.ErrTaskInvalidState(taskID, t.Status, db.TaskRunning)
	}
	if err := p.store.DequeueTask(ctx, taskID); err != nil {
		return err
	}
	if err := p.store.UpdateTaskStatus(ctx, taskID, db.TaskCanceled, "canceled before start"); err != nil {
		return err
	}
	p.notify.Task(events.TaskStatus{TaskID: taskID, Status: db.TaskCanceled})
	return nil
}

// RevokeAll cancels every running task and every queued task.
func (p *Pool) RevokeAll(ctx context.Context) error {
	p.mu.Lock()
	for _, cancel := range p.cancels {
		cancel()
	}
	p.mu.Unlock()

	entries, err := p.store.ListQueueEntries(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if p.IsLive(e.TaskID) {
			continue
		}
		if err := p.CancelTask(ctx, e.TaskID); err != nil {
			p.logger.Warn("revoke queued task failed", "task", e.TaskID, "error", err)
		}
	}
	return nil
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		taskID, ok := p.claimNext(ctx)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
			case <-time.After(pollInterval):
			}
			continue
		}
		p.runTask(ctx, taskID)
	}
}

// claimNext pops the highest-priority unclaimed queue entry.
func (p *Pool) claimNext(ctx context.Context) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries, err := p.store.ListQueueEntries(ctx)
	if err != nil {
		p.logger.Error("read task queue failed", "error", err)
		return "", false
	}
	for _, e := range entries {
		if p.claimed[e.TaskID] {
			continue
		}
		if err := p.store.DequeueTask(ctx, e.TaskID); err != nil {
			p.logger.Error("dequeue task failed", "task", e.TaskID, "error", err)
			return "", false
		}
		p.claimed[e.TaskID] = true
		return e.TaskID, true
	}
	return "", false
}

// runTask drives one task through prerun, handler execution with
// heartbeats, and postrun or failure bookkeeping.
func (p *Pool) runTask(ctx context.Context, taskID string) {
	defer func() {
		p.mu.Lock()
		delete(p.claimed, taskID)
		p.mu.Unlock()
	}()

	t, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		p.logger.Error("load claimed task failed", "task", taskID, "error", err)
		return
	}
	if t.Status != db.TaskPending {
		return
	}

	def, ok := p.registry.handler(t.Kind)
	if !ok {
		p.fail(ctx, t, fmt.Sprintf("no handler registered for kind %q", t.Kind))
		return
	}
	prefs, err := ParsePreferences(t.Preferences)
	if err != nil {
		p.fail(ctx, t, err.Error())
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mu.Lock()
	p.cancels[taskID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.cancels, taskID)
		p.mu.Unlock()
	}()

	// prerun: task row and agent singleton move together.
	if err := p.store.UpdateTaskStatus(ctx, taskID, db.TaskRunning, ""); err != nil {
		p.logger.Error("transition task to running failed", "task", taskID, "error", err)
		return
	}
	if err := p.store.SetAgentRunning(ctx, taskID, "starting "+t.Kind); err != nil {
		p.logger.Error("set agent state failed", "task", taskID, "error", err)
	}
	p.notify.Task(events.TaskStatus{TaskID: taskID, Status: db.TaskRunning})

	hbStop := p.startHeartbeat(taskID, cancel)
	summary, handlerErr := def.handler(taskCtx, t, prefs)
	hbStop()

	// postrun/failure: always release the singleton before reporting.
	if err := p.store.ClearAgentStateIf(context.WithoutCancel(ctx), taskID); err != nil {
		p.logger.Error("clear agent state failed", "task", taskID, "error", err)
	}

	finalCtx := context.WithoutCancel(ctx)
	switch {
	case handlerErr != nil && (errors.IsCode(handlerErr, errors.CodeCanceled) || taskCtx.Err() != nil):
		// An externally issued cancel already moved the row terminal.
		if cur, err := p.store.GetTask(finalCtx, taskID); err == nil && !db.TerminalStatus(cur.Status) {
			if err := p.store.UpdateTaskStatus(finalCtx, taskID, db.TaskCanceled, ""); err != nil {
				p.logger.Error("transition task to canceled failed", "task", taskID, "error", err)
			}
		}
		p.notify.Task(events.TaskStatus{TaskID: taskID, Status: db.TaskCanceled})
	case handlerErr != nil:
		p.fail(finalCtx, t, handlerErr.Error())
	default:
		if err := p.store.UpdateTaskStatus(finalCtx, taskID, db.TaskSucceeded, ""); err != nil {
			p.logger.Error("transition task to succeeded failed", "task", taskID, "error", err)
		}
		if summary != "" && json.Valid([]byte(summary)) {
			if fresh, err := p.store.GetTask(finalCtx, taskID); err == nil {
				fresh.ResultSummary = summary
				if err := p.store.SaveTask(finalCtx, fresh); err != nil {
					p.logger.Error("persist result summary failed", "task", taskID, "error", err)
				}
			}
		}
		p.notify.Task(events.TaskStatus{TaskID: taskID, Status: db.TaskSucceeded, ResultSummary: summary})
	}
}

func (p *Pool) fail(ctx context.Context, t *db.Task, message string) {
	if err := p.store.UpdateTaskStatus(ctx, t.ID, db.TaskFailed, message); err != nil {
		p.logger.Error("transition task to failed failed", "task", t.ID, "error", err)
	}
	p.notify.Log(t.ID, events.LevelError, message)
	p.notify.Task(events.TaskStatus{TaskID: t.ID, Status: db.TaskFailed, ErrorMessage: message})
}

// startHeartbeat refreshes last_heartbeat_at until the returned stop
// function is called. Each beat also re-reads the task row so a cancel
// issued from another process (which moves the row terminal) reaches
// this worker's handler.
func (p *Pool) startHeartbeat(taskID string, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(p.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if t, err := p.store.GetTask(context.Background(), taskID); err == nil && db.TerminalStatus(t.Status) {
					cancel()
					return
				}
				if err := p.store.HeartbeatTask(context.Background(), taskID); err != nil {
					p.logger.Warn("heartbeat failed", "task", taskID, "error", err)
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}
