package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/randalmurphal/tweetkb/internal/db"
	"github.com/randalmurphal/tweetkb/internal/errors"
	"github.com/randalmurphal/tweetkb/internal/events"
)

// phaseDef describes one executor for the shared phase runner.
type phaseDef struct {
	id string
	// eligible filters items by prior-phase flags.
	eligible func(*db.Item) bool
	// needsWork partitions eligible items into work vs skip.
	needsWork func(*db.Item, Forces) bool
	// run performs the per-item work and persists the item on success.
	run func(context.Context, *db.Item) error
	// parallel bounds concurrent items; values below 1 mean sequential.
	parallel int
}

// phaseOutcome summarizes one phase execution.
type phaseOutcome struct {
	Eligible    int
	Skipped     int
	Processed   int
	Errored     int
	Interrupted bool
}

// runPhase executes one phase over the batch following the shared
// executor shape: plan event, skip short-circuit, active event with
// ETC, bounded-concurrency item work with in_progress events, stats
// recording, and cooperative cancellation at item boundaries.
func (p *Pipeline) runPhase(ctx context.Context, taskID string, items []*db.Item, def phaseDef, forces Forces) (*phaseOutcome, error) {
	var eligible, needsWork []*db.Item
	for _, it := range items {
		if !def.eligible(it) || it.HasPhaseError() {
			continue
		}
		eligible = append(eligible, it)
		if def.needsWork(it, forces) {
			needsWork = append(needsWork, it)
		}
	}

	out := &phaseOutcome{
		Eligible: len(eligible),
		Skipped:  len(eligible) - len(needsWork),
	}

	p.bus.Phase(taskID, events.PhaseUpdate{
		PhaseID:        def.id,
		Status:         events.PhasePending,
		ProcessedCount: out.Skipped,
		TotalCount:     len(eligible),
	})

	if len(needsWork) == 0 {
		p.bus.Phase(taskID, events.PhaseUpdate{
			PhaseID:        def.id,
			Status:         events.PhaseCompleted,
			ProcessedCount: out.Skipped,
			TotalCount:     len(eligible),
		})
		return out, nil
	}

	avg := p.stats.GetAverage(ctx, def.id)
	p.bus.Phase(taskID, events.PhaseUpdate{
		PhaseID:                   def.id,
		Status:                    events.PhaseActive,
		TotalCount:                len(needsWork),
		EstimatedSecondsRemaining: avg * float64(len(needsWork)),
	})

	parallel := def.parallel
	if parallel < 1 {
		parallel = 1
	}
	sem := semaphore.NewWeighted(int64(parallel))

	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		start = time.Now()
	)

	for _, it := range needsWork {
		// Cancellation is observed at every item boundary: committed
		// items stay, no new items begin.
		if ctx.Err() != nil {
			out.Interrupted = true
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			out.Interrupted = true
			break
		}

		wg.Add(1)
		go func(it *db.Item) {
			defer wg.Done()
			defer sem.Release(1)

			err := def.run(ctx, it)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				out.Processed++
				p.bus.Phase(taskID, events.PhaseUpdate{
					PhaseID:        def.id,
					Status:         events.PhaseInProgress,
					ProcessedCount: out.Processed,
					TotalCount:     len(needsWork),
				})
			case errors.IsCode(err, errors.CodeCanceled):
				out.Interrupted = true
			default:
				out.Errored++
				it.SetPhaseError(def.id, err.Error())
				if saveErr := p.store.SaveItem(context.WithoutCancel(ctx), it); saveErr != nil {
					p.logger.Error("persist phase error failed",
						"phase", def.id, "item", it.ID, "error", saveErr)
				}
				p.bus.Log(taskID, events.LevelError,
					fmt.Sprintf("%s: item %s: %v", def.id, it.ID, err))
			}
		}(it)
	}
	wg.Wait()

	if out.Processed > 0 {
		if err := p.stats.Update(context.WithoutCancel(ctx), def.id, out.Processed, time.Since(start)); err != nil {
			p.logger.Warn("record phase stats failed", "phase", def.id, "error", err)
		}
	}

	if out.Interrupted || ctx.Err() != nil {
		out.Interrupted = true
		p.bus.Phase(taskID, events.PhaseUpdate{
			PhaseID:        def.id,
			Status:         events.PhaseInterrupted,
			ProcessedCount: out.Processed,
			TotalCount:     len(needsWork),
		})
		return out, nil
	}

	p.bus.Phase(taskID, events.PhaseUpdate{
		PhaseID:        def.id,
		Status:         events.PhaseCompleted,
		ProcessedCount: out.Processed,
		TotalCount:     len(needsWork),
		ErrorCount:     out.Errored,
	})
	return out, nil
}

// skipPhase reports a phase as skipped without touching any item.
func (p *Pipeline) skipPhase(taskID, phaseID string, total int) {
	p.bus.Phase(taskID, events.PhaseUpdate{
		PhaseID:        phaseID,
		Status:         events.PhaseSkipped,
		ProcessedCount: total,
		TotalCount:     total,
	})
}
