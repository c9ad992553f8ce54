package pipeline

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/randalmurphal/tweetkb/internal/backend"
	"github.com/randalmurphal/tweetkb/internal/db"
	"github.com/randalmurphal/tweetkb/internal/errors"
	"github.com/randalmurphal/tweetkb/internal/prompt"
)

func (p *Pipeline) mediaPhase(forces Forces) phaseDef {
	return phaseDef{
		id: db.PhaseMedia,
		eligible: func(it *db.Item) bool {
			return it.CacheComplete
		},
		needsWork: func(it *db.Item, f Forces) bool {
			return f.ReprocessMedia || !it.MediaProcessed
		},
		run: func(ctx context.Context, it *db.Item) error {
			return p.describeMedia(ctx, it, forces.ReprocessMedia)
		},
		parallel: p.gpuParallel(),
	}
}

// describeMedia generates a vision-model description for every cached
// image on the item. Videos are never described; a nil description on
// a video still satisfies the phase.
func (p *Pipeline) describeMedia(ctx context.Context, it *db.Item, force bool) error {
	for i := range it.Media {
		m := &it.Media[i]
		if m.IsVideo || m.LocalCachePath == "" {
			continue
		}
		if m.Description != "" && !force {
			continue
		}
		desc, err := p.describeOne(ctx, it, m)
		if err != nil {
			return fmt.Errorf("describe %s: %w", m.SourceURL, err)
		}
		m.Description = desc
	}

	it.MediaProcessed = true
	return p.store.SaveItem(ctx, it)
}

// describeOne sends one cached image to the vision model, retrying
// empty responses up to the backend's retry budget.
func (p *Pipeline) describeOne(ctx context.Context, it *db.Item, m *db.Media) (string, error) {
	img, err := os.ReadFile(p.cfg.KBPath(m.LocalCachePath))
	if err != nil {
		return "", fmt.Errorf("read cached media: %w", err)
	}

	res, err := p.prompts.Render("media_description", prompt.ModelStandard,
		map[string]string{
			"POST_TEXT": it.FullText,
			"MEDIA_URL": m.SourceURL,
		}, "")
	if err != nil {
		return "", err
	}

	attempts := p.cfg.ActiveBackend().MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	gpu := p.nextGPU()
	model := p.cfg.Models.Vision
	opts := &backend.Options{GPUDevice: &gpu, Images: [][]byte{img}}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return "", errors.ErrCanceled("media description")
		}
		out, err := p.backend.Generate(ctx, model.Name, res.Text, opts)
		if err != nil {
			return "", err
		}
		if desc := strings.TrimSpace(out); desc != "" {
			return desc, nil
		}
		lastErr = errors.ErrParseFailure("vision model returned an empty description")
	}
	return "", lastErr
}
