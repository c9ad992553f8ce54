// Package pipeline implements the five-phase processing pipeline:
// cache, media analysis, categorization, article generation, and
// database sync, plus the pre-run consistency validator and the
// orchestrator that drives a batch through the phases.
package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/randalmurphal/tweetkb/internal/backend"
	"github.com/randalmurphal/tweetkb/internal/config"
	"github.com/randalmurphal/tweetkb/internal/db"
	"github.com/randalmurphal/tweetkb/internal/events"
	"github.com/randalmurphal/tweetkb/internal/prompt"
)

// FetchedPost is the source data returned by a Fetcher.
type FetchedPost struct {
	SourceURL string
	IsThread  bool
	Segments  []db.Segment
	URLs      []string
}

// Fetcher retrieves source posts and their media. Implemented outside
// the core by the bookmark ingestion service.
type Fetcher interface {
	// Fetch returns the post's text, media URL list, and expanded URLs.
	Fetch(ctx context.Context, itemID string) (*FetchedPost, error)
	// DownloadMedia writes the media at url to destPath and reports its
	// MIME type. Existing files are not re-downloaded by the caller.
	DownloadMedia(ctx context.Context, url, destPath string) (mimeType string, err error)
}

// CategoryManager maintains the category tree. Implemented outside the
// core.
type CategoryManager interface {
	// GetCategories returns main categories mapped to their sub-categories.
	GetCategories(ctx context.Context) (map[string][]string, error)
	// EnsureCategory idempotently creates a category pair.
	EnsureCategory(ctx context.Context, main, sub string) error
}

// Bus is the event emission surface the pipeline writes to.
// *events.Emitter satisfies it.
type Bus interface {
	Log(taskID, level, message string)
	Phase(taskID string, update events.PhaseUpdate)
	Progress(taskID string, processed, total int)
}

// Forces are the preference-driven re-run switches for each phase.
type Forces struct {
	Recache            bool
	ReprocessMedia     bool
	ReprocessLLM       bool
	RegenerateArticles bool
	RegenerateDBSync   bool
}

// Pipeline drives a batch of items through the five phases.
type Pipeline struct {
	store   *db.Store
	backend backend.Backend
	prompts *prompt.Store
	fetcher Fetcher
	catmgr  CategoryManager
	bus     Bus
	cfg     *config.Config
	logger  *slog.Logger
	stats   *Stats

	// gpuNext distributes GPU-bound items round-robin. The per-phase
	// concurrency bound matches the GPU count.
	gpuNext atomic.Int64
}

// New creates a pipeline. All collaborators are required except logger,
// which defaults to slog.Default().
func New(store *db.Store, be backend.Backend, prompts *prompt.Store, fetcher Fetcher,
	catmgr CategoryManager, bus Bus, cfg *config.Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:   store,
		backend: be,
		prompts: prompts,
		fetcher: fetcher,
		catmgr:  catmgr,
		bus:     bus,
		cfg:     cfg,
		logger:  logger,
		stats:   NewStats(store),
	}
}

// gpuParallel is the concurrency bound for GPU-bound phases.
func (p *Pipeline) gpuParallel() int {
	if p.cfg.NumGPUs < 1 {
		return 1
	}
	return p.cfg.NumGPUs
}

// nextGPU returns the next GPU device hint, round-robin.
func (p *Pipeline) nextGPU() int {
	gpus := p.cfg.NumGPUs
	if gpus < 1 {
		return 0
	}
	return int(p.gpuNext.Add(1)-1) % gpus
}

// chatMessages converts rendered prompt messages to backend messages.
func chatMessages(msgs []prompt.Message) []backend.Message {
	out := make([]backend.Message, len(msgs))
	for i, m := range msgs {
		out[i] = backend.Message{Role: m.Role, Content: m.Content}
	}
	return out
}
