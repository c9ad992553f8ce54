package pipeline

import (
	"context"
	"fmt"

	"github.com/randalmurphal/tweetkb/internal/db"
	"github.com/randalmurphal/tweetkb/internal/events"
)

// Run summary values, from best to worst.
const (
	SummaryCompleted             = "completed"
	SummaryCompletedWithWarnings = "completed_with_warnings"
	SummaryCompletedWithErrors   = "completed_with_errors"
	SummaryInterrupted           = "interrupted"
)

// RunResult summarizes one pipeline run over a batch.
type RunResult struct {
	Summary string

	ItemsTotal int
	// ItemsCompleted counts items that finished all five phases.
	ItemsCompleted int
	// ItemsErrored counts items carrying at least one phase error.
	ItemsErrored int
	// Repairs counts pre-run validator fixes.
	Repairs int

	Interrupted bool
}

// Run drives a batch of items through validation and the five phases
// in order. Item IDs without a stored row start from an empty item.
// Cancellation is honored at item boundaries; completed work stays
// committed.
func (p *Pipeline) Run(ctx context.Context, taskID string, itemIDs []string, forces Forces) (*RunResult, error) {
	items, err := p.loadBatch(ctx, itemIDs)
	if err != nil {
		return nil, err
	}

	res := &RunResult{ItemsTotal: len(items)}
	if len(items) == 0 {
		res.Summary = SummaryCompleted
		return res, nil
	}

	// Phase errors are per-run annotations. Clear before validating so
	// the validator's collision marks are the only pre-phase errors.
	existing := make([]string, 0, len(items))
	for _, it := range items {
		if !it.CreatedAt.IsZero() {
			existing = append(existing, it.ID)
		}
		it.PhaseErrors = nil
	}
	if err := p.store.ClearPhaseErrors(ctx, existing); err != nil {
		return nil, err
	}

	validator := NewValidator(p.store, p.cfg, p.bus, p.logger)
	vres, err := validator.ValidateBatch(ctx, taskID, items)
	if err != nil {
		return nil, fmt.Errorf("pre-run validation: %w", err)
	}
	res.Repairs = vres.Repairs

	claims := newPathClaims()
	phases := []phaseDef{
		p.cachePhase(),
		p.mediaPhase(forces),
		p.categorizePhase(),
		p.generatePhase(claims),
		p.dbSyncPhase(),
	}

	start := 0
	if llmOnly(items, forces) {
		p.skipPhase(taskID, db.PhaseCache, len(items))
		p.skipPhase(taskID, db.PhaseMedia, len(items))
		start = 2
	}

	for i := start; i < len(phases); i++ {
		out, err := p.runPhase(ctx, taskID, items, phases[i], forces)
		if err != nil {
			return nil, err
		}
		p.bus.Progress(taskID, i+1, len(phases))
		if out.Interrupted {
			res.Interrupted = true
			break
		}
	}

	p.finalize(ctx, items, res)

	switch {
	case res.Interrupted:
		res.Summary = SummaryInterrupted
	case res.ItemsErrored > 0:
		res.Summary = SummaryCompletedWithErrors
	case res.Repairs > 0:
		res.Summary = SummaryCompletedWithWarnings
	default:
		res.Summary = SummaryCompleted
	}

	p.bus.Log(taskID, events.LevelInfo, fmt.Sprintf(
		"pipeline %s: %d/%d items complete, %d errored, %d repaired",
		res.Summary, res.ItemsCompleted, res.ItemsTotal, res.ItemsErrored, res.Repairs))
	return res, nil
}

// loadBatch fetches stored rows for the requested IDs and seeds empty
// items for IDs the store has never seen.
func (p *Pipeline) loadBatch(ctx context.Context, itemIDs []string) ([]*db.Item, error) {
	stored, err := p.store.ListItems(ctx, itemIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*db.Item, len(stored))
	for _, it := range stored {
		byID[it.ID] = it
	}

	items := make([]*db.Item, 0, len(itemIDs))
	seen := make(map[string]bool, len(itemIDs))
	for _, id := range itemIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if it, ok := byID[id]; ok {
			items = append(items, it)
		} else {
			items = append(items, &db.Item{ID: id})
		}
	}
	return items, nil
}

// llmOnly reports whether the run can skip cache and media entirely:
// only regeneration was requested and every item already has its
// content cached and media described.
func llmOnly(items []*db.Item, f Forces) bool {
	if !f.RegenerateArticles || f.Recache || f.ReprocessMedia {
		return false
	}
	for _, it := range items {
		if !it.CacheComplete || !it.MediaProcessed {
			return false
		}
	}
	return true
}

// finalize marks fully completed, error-free items as processed and
// tallies the result counts.
func (p *Pipeline) finalize(ctx context.Context, items []*db.Item, res *RunResult) {
	for _, it := range items {
		if it.HasPhaseError() {
			res.ItemsErrored++
			continue
		}
		if !it.AllPhasesComplete() {
			continue
		}
		res.ItemsCompleted++
		if it.Processed {
			continue
		}
		if err := p.store.MarkProcessed(context.WithoutCancel(ctx), it.ID); err != nil {
			p.logger.Error("mark processed failed", "item", it.ID, "error", err)
			continue
		}
		it.Processed = true
	}
}
