package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/tweetkb/internal/db"
	"github.com/randalmurphal/tweetkb/internal/errors"
	"github.com/randalmurphal/tweetkb/internal/events"
)

func TestRunHappyPath(t *testing.T) {
	h := newHarness(t)
	h.fetcher.posts["t1"] = &FetchedPost{
		SourceURL: "https://x.com/u/status/1",
		Segments: []db.Segment{{
			Text:      "first tweet about agent frameworks",
			MediaURLs: []string{"https://cdn.example/img1.jpg"},
		}},
		URLs: []string{"https://example.com/post"},
	}
	h.fetcher.posts["t2"] = &FetchedPost{
		SourceURL: "https://x.com/u/status/2",
		Segments:  []db.Segment{{Text: "second tweet about vector stores"}},
	}
	h.respondWith(func(prompt string) string {
		if strings.Contains(prompt, "second tweet") {
			return classificationJSON("AI Tools", "Retrieval", "Vector Stores")
		}
		return classificationJSON("AI Tools", "Agents", "Agent Frameworks")
	})

	res, err := h.pipe.Run(context.Background(), "task-1", []string{"t1", "t2"}, Forces{})
	require.NoError(t, err)

	assert.Equal(t, SummaryCompleted, res.Summary)
	assert.Equal(t, 2, res.ItemsTotal)
	assert.Equal(t, 2, res.ItemsCompleted)
	assert.Equal(t, 0, res.ItemsErrored)

	it, err := h.store.GetItem(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, it.AllPhasesComplete())
	assert.True(t, it.Processed)
	assert.Equal(t, "first tweet about agent frameworks", it.FullText)
	assert.Equal(t, "kb-generated/ai_tools/agents/agent_frameworks", it.KBDirPath)
	require.Len(t, it.Media, 1)
	assert.Equal(t, "A diagram of an agent loop.", it.Media[0].Description)
	assert.Equal(t, []string{"media/t1_0.jpg"}, it.KBMediaPaths)

	readme := filepath.Join(h.cfg.KBPath(it.KBDirPath), "README.md")
	body, err := os.ReadFile(readme)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "# Understanding Raft"))
	_, err = os.Stat(filepath.Join(h.cfg.KBPath(it.KBDirPath), "media", "t1_0.jpg"))
	assert.NoError(t, err)

	kb, err := h.store.GetKBItem(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, it.ArticleMarkdown, kb.Content)
	assert.Equal(t, "ai_tools", kb.MainCategory)

	assert.Contains(t, h.cats.ensured, [2]string{"ai_tools", "agents"})
	assert.Contains(t, h.cats.ensured, [2]string{"ai_tools", "retrieval"})

	for _, phase := range db.Phases {
		statuses := h.bus.statuses(phase)
		assert.Equal(t, events.PhasePending, statuses[0], "phase %s", phase)
		assert.Equal(t, events.PhaseCompleted, statuses[len(statuses)-1], "phase %s", phase)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.fetcher.posts["t1"] = &FetchedPost{
		SourceURL: "https://x.com/u/status/1",
		Segments:  []db.Segment{{Text: "a tweet"}},
	}
	h.respondWith(func(string) string {
		return classificationJSON("Dev", "Tools", "Thing")
	})

	_, err := h.pipe.Run(context.Background(), "task-1", []string{"t1"}, Forces{})
	require.NoError(t, err)
	fetchesAfterFirst := h.fetcher.fetchCalls
	callsAfterFirst := len(h.backend.generateLog)

	res, err := h.pipe.Run(context.Background(), "task-2", []string{"t1"}, Forces{})
	require.NoError(t, err)

	assert.Equal(t, SummaryCompleted, res.Summary)
	assert.Equal(t, fetchesAfterFirst, h.fetcher.fetchCalls)
	assert.Equal(t, callsAfterFirst, len(h.backend.generateLog))
}

func TestRunLLMOnlyShortcutSkipsCacheAndMedia(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.SaveItem(context.Background(), &db.Item{
		ID:                  "t1",
		SourceURL:           "https://x.com/u/status/1",
		FullText:            "cached tweet text",
		CacheComplete:       true,
		MediaProcessed:      true,
		CategoriesProcessed: true,
		MainCategory:        "dev",
		SubCategory:         "tools",
		ItemName:            "cached_thing",
	}))
	h.respondWith(func(string) string {
		return classificationJSON("dev", "tools", "cached_thing")
	})

	res, err := h.pipe.Run(context.Background(), "task-1", []string{"t1"},
		Forces{RegenerateArticles: true})
	require.NoError(t, err)

	assert.Equal(t, SummaryCompleted, res.Summary)
	assert.Equal(t, 0, h.fetcher.fetchCalls)
	assert.Equal(t, []string{events.PhaseSkipped}, h.bus.statuses(db.PhaseCache))
	assert.Equal(t, []string{events.PhaseSkipped}, h.bus.statuses(db.PhaseMedia))

	it, err := h.store.GetItem(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, it.ArticleCreated)
	assert.True(t, it.DBSynced)
}

func TestRunRetriesParseFailureThenSucceeds(t *testing.T) {
	h := newHarness(t)
	h.fetcher.posts["t1"] = &FetchedPost{
		SourceURL: "https://x.com/u/status/1",
		Segments:  []db.Segment{{Text: "a tweet"}},
	}
	attempts := 0
	h.backend.generateFn = func(_, prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "suggested_title"):
			return articleJSON, nil
		case strings.Contains(prompt, "main_category"):
			attempts++
			if attempts == 1 {
				return "I think this belongs under developer tools.", nil
			}
			return classificationJSON("Dev", "Tools", "Thing"), nil
		default:
			return "A diagram.", nil
		}
	}

	res, err := h.pipe.Run(context.Background(), "task-1", []string{"t1"}, Forces{})
	require.NoError(t, err)

	assert.Equal(t, SummaryCompleted, res.Summary)
	assert.Equal(t, 2, attempts)

	it, err := h.store.GetItem(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, it.CategoriesProcessed)
	assert.Equal(t, "thing", it.ItemName)
}

func TestRunMarksItemErrorWhenRetriesExhausted(t *testing.T) {
	h := newHarness(t)
	h.cfg.Ollama.MaxRetries = 2
	h.fetcher.posts["t1"] = &FetchedPost{
		SourceURL: "https://x.com/u/status/1",
		Segments:  []db.Segment{{Text: "a tweet"}},
	}
	h.backend.generateFn = func(_, prompt string) (string, error) {
		if strings.Contains(prompt, "main_category") {
			return "never json", nil
		}
		return "A diagram.", nil
	}

	res, err := h.pipe.Run(context.Background(), "task-1", []string{"t1"}, Forces{})
	require.NoError(t, err)

	assert.Equal(t, SummaryCompletedWithErrors, res.Summary)
	assert.Equal(t, 1, res.ItemsErrored)
	assert.Equal(t, 0, res.ItemsCompleted)

	it, err := h.store.GetItem(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, it.CacheComplete)
	assert.False(t, it.CategoriesProcessed)
	assert.False(t, it.Processed)
	assert.True(t, it.HasPhaseError())
	assert.Contains(t, it.PhaseErrors, db.PhaseCategorize)
}

func TestRunFallsBackToSecondaryModel(t *testing.T) {
	h := newHarness(t)
	h.cfg.Ollama.MaxRetries = 1
	h.cfg.Models.Fallback.Name = "small-model"
	h.fetcher.posts["t1"] = &FetchedPost{
		SourceURL: "https://x.com/u/status/1",
		Segments:  []db.Segment{{Text: "a tweet"}},
	}
	h.backend.generateFn = func(model, prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "suggested_title"):
			return articleJSON, nil
		case strings.Contains(prompt, "main_category"):
			if model == "small-model" {
				return classificationJSON("Dev", "Tools", "Thing"), nil
			}
			return "not json", nil
		default:
			return "A diagram.", nil
		}
	}

	res, err := h.pipe.Run(context.Background(), "task-1", []string{"t1"}, Forces{})
	require.NoError(t, err)
	assert.Equal(t, SummaryCompleted, res.Summary)

	it, err := h.store.GetItem(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "thing", it.ItemName)
}

func TestRunCancellationInterruptsAtItemBoundary(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.SaveItem(context.Background(), &db.Item{
		ID:             "t1",
		SourceURL:      "https://x.com/u/status/1",
		FullText:       "cached tweet",
		CacheComplete:  true,
		MediaProcessed: true,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	h.backend.generateFn = func(_, prompt string) (string, error) {
		if strings.Contains(prompt, "main_category") {
			cancel()
			return "", errors.ErrCanceled("classification")
		}
		return "A diagram.", nil
	}

	res, err := h.pipe.Run(ctx, "task-1", []string{"t1"}, Forces{})
	require.NoError(t, err)

	assert.Equal(t, SummaryInterrupted, res.Summary)
	assert.True(t, res.Interrupted)

	it, err := h.store.GetItem(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, it.CacheComplete)
	assert.False(t, it.CategoriesProcessed)
	assert.False(t, it.Processed)
	assert.False(t, it.HasPhaseError())

	statuses := h.bus.statuses(db.PhaseCategorize)
	assert.Equal(t, events.PhaseInterrupted, statuses[len(statuses)-1])
	assert.Empty(t, h.bus.statuses(db.PhaseGenerate))
}

func TestRunPathCollisionExcludesLaterClaimant(t *testing.T) {
	h := newHarness(t)
	h.fetcher.posts["t1"] = &FetchedPost{
		SourceURL: "https://x.com/u/status/1",
		Segments:  []db.Segment{{Text: "first tweet"}},
	}
	h.fetcher.posts["t2"] = &FetchedPost{
		SourceURL: "https://x.com/u/status/2",
		Segments:  []db.Segment{{Text: "second tweet"}},
	}
	h.respondWith(func(string) string {
		return classificationJSON("Dev", "Tools", "Same Name")
	})

	res, err := h.pipe.Run(context.Background(), "task-1", []string{"t1", "t2"}, Forces{})
	require.NoError(t, err)

	assert.Equal(t, SummaryCompletedWithErrors, res.Summary)
	assert.Equal(t, 1, res.ItemsCompleted)
	assert.Equal(t, 1, res.ItemsErrored)

	winner, err := h.store.GetItem(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, winner.ArticleCreated)
	assert.True(t, winner.Processed)

	loser, err := h.store.GetItem(context.Background(), "t2")
	require.NoError(t, err)
	assert.False(t, loser.ArticleCreated)
	assert.False(t, loser.DBSynced)
	assert.False(t, loser.Processed)
	assert.Contains(t, loser.PhaseErrors, db.PhaseGenerate)
}

func TestRunEmptyBatch(t *testing.T) {
	h := newHarness(t)
	res, err := h.pipe.Run(context.Background(), "task-1", nil, Forces{})
	require.NoError(t, err)
	assert.Equal(t, SummaryCompleted, res.Summary)
	assert.Equal(t, 0, res.ItemsTotal)
}

func TestRunReportsWarningsAfterRepairs(t *testing.T) {
	h := newHarness(t)
	// categories_processed without a full classification gets repaired,
	// then the run completes normally.
	require.NoError(t, h.store.SaveItem(context.Background(), &db.Item{
		ID:                  "t1",
		SourceURL:           "https://x.com/u/status/1",
		FullText:            "cached tweet",
		CacheComplete:       true,
		MediaProcessed:      true,
		CategoriesProcessed: true,
		MainCategory:        "dev",
	}))
	h.respondWith(func(string) string {
		return classificationJSON("Dev", "Tools", "Thing")
	})

	res, err := h.pipe.Run(context.Background(), "task-1", []string{"t1"}, Forces{})
	require.NoError(t, err)

	assert.Equal(t, SummaryCompletedWithWarnings, res.Summary)
	assert.Equal(t, 1, res.Repairs)
	assert.Equal(t, 1, res.ItemsCompleted)
}
