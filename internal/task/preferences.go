// Package task provides the persisted task registry, the worker pool
// that executes registered task kinds, heartbeating, and the stale-task
// reconciler.
package task

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/randalmurphal/tweetkb/internal/errors"
	"github.com/randalmurphal/tweetkb/internal/pipeline"
)

// Preferences are the per-task options submitted with a task. All
// fields default to false; unknown keys are a submission error.
type Preferences struct {
	SkipFetchBookmarks      bool `json:"skip_fetch_bookmarks,omitempty"`
	SkipProcessContent      bool `json:"skip_process_content,omitempty"`
	SkipSynthesisGeneration bool `json:"skip_synthesis_generation,omitempty"`
	SkipEmbeddingGeneration bool `json:"skip_embedding_generation,omitempty"`
	SkipReadmeGeneration    bool `json:"skip_readme_generation,omitempty"`
	SkipGitPush             bool `json:"skip_git_push,omitempty"`

	ForceRecache            bool `json:"force_recache,omitempty"`
	ForceReprocessMedia     bool `json:"force_reprocess_media,omitempty"`
	ForceReprocessLLM       bool `json:"force_reprocess_llm,omitempty"`
	ForceRegenerateArticles bool `json:"force_regenerate_articles,omitempty"`
	ForceRegenerateDBSync   bool `json:"force_regenerate_db_sync,omitempty"`
}

// ParsePreferences decodes a preferences JSON object. Empty input
// yields the defaults; unknown keys are rejected.
func ParsePreferences(raw string) (*Preferences, error) {
	p := &Preferences{}
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "{}" {
		return p, nil
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, errors.ErrValidation("preferences: " + err.Error())
	}
	return p, nil
}

// Encode returns the canonical JSON form for persistence.
func (p *Preferences) Encode() string {
	b, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Forces maps the force_* preferences onto pipeline re-run switches.
func (p *Preferences) Forces() pipeline.Forces {
	return pipeline.Forces{
		Recache:            p.ForceRecache,
		ReprocessMedia:     p.ForceReprocessMedia,
		ReprocessLLM:       p.ForceReprocessLLM,
		RegenerateArticles: p.ForceRegenerateArticles,
		RegenerateDBSync:   p.ForceRegenerateDBSync,
	}
}

// DelegatedSkips names the skip_* options this process records but
// does not act on itself; they address post-pipeline steps owned by
// external collaborators.
func (p *Preferences) DelegatedSkips() []string {
	var out []string
	if p.SkipFetchBookmarks {
		out = append(out, "skip_fetch_bookmarks")
	}
	if p.SkipSynthesisGeneration {
		out = append(out, "skip_synthesis_generation")
	}
	if p.SkipEmbeddingGeneration {
		out = append(out, "skip_embedding_generation")
	}
	if p.SkipReadmeGeneration {
		out = append(out, "skip_readme_generation")
	}
	if p.SkipGitPush {
		out = append(out, "skip_git_push")
	}
	return out
}
