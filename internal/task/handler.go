package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/randalmurphal/tweetkb/internal/db"
	"github.com/randalmurphal/tweetkb/internal/events"
	"github.com/randalmurphal/tweetkb/internal/pipeline"
)

// KindProcessBookmarks is the built-in task kind that runs the
// five-phase pipeline over every unprocessed item.
const KindProcessBookmarks = "process_bookmarks"

// NewPipelineHandler returns the handler for KindProcessBookmarks.
// The batch is every item not yet terminally processed, or every item
// when a force_* preference asks for reprocessing.
func NewPipelineHandler(pipe *pipeline.Pipeline, store *db.Store, notify Notifier, logger *slog.Logger) HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, t *db.Task, prefs *Preferences) (string, error) {
		for _, skip := range prefs.DelegatedSkips() {
			notify.Log(t.ID, events.LevelInfo, skip+" is handled by an external collaborator, recorded only")
		}
		if prefs.SkipProcessContent {
			notify.Log(t.ID, events.LevelInfo, "skip_process_content set, pipeline not run")
			return `{"summary": "skipped"}`, nil
		}

		ids, err := selectBatch(ctx, store, prefs)
		if err != nil {
			return "", err
		}
		res, err := pipe.Run(ctx, t.ID, ids, prefs.Forces())
		if err != nil {
			return "", err
		}

		summary, err := json.Marshal(res)
		if err != nil {
			return "", fmt.Errorf("encode run summary: %w", err)
		}
		if res.Summary == pipeline.SummaryInterrupted {
			return string(summary), ctx.Err()
		}
		return string(summary), nil
	}
}

// selectBatch picks the item IDs for a pipeline run. Forced re-runs
// include already-processed items.
func selectBatch(ctx context.Context, store *db.Store, prefs *Preferences) ([]string, error) {
	items, err := store.ListAllItems(ctx)
	if err != nil {
		return nil, err
	}
	forces := prefs.Forces()
	forced := forces.Recache || forces.ReprocessMedia || forces.ReprocessLLM ||
		forces.RegenerateArticles || forces.RegenerateDBSync

	var ids []string
	for _, it := range items {
		if strings.TrimSpace(it.ID) == "" {
			continue
		}
		if it.Processed && !forced {
			continue
		}
		ids = append(ids, it.ID)
	}
	return ids, nil
}
