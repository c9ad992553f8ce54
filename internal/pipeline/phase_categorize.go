package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/randalmurphal/tweetkb/internal/backend"
	"github.com/randalmurphal/tweetkb/internal/config"
	"github.com/randalmurphal/tweetkb/internal/db"
	"github.com/randalmurphal/tweetkb/internal/errors"
	"github.com/randalmurphal/tweetkb/internal/prompt"
)

func (p *Pipeline) categorizePhase() phaseDef {
	return phaseDef{
		id: db.PhaseCategorize,
		eligible: func(it *db.Item) bool {
			return it.CacheComplete && it.MediaProcessed
		},
		needsWork: func(it *db.Item, f Forces) bool {
			return f.ReprocessLLM || !it.CategoriesProcessed
		},
		run:      p.categorizeItem,
		parallel: p.gpuParallel(),
	}
}

// classification is the parsed three-level classification result.
type classification struct {
	main, sub, name string
}

// categorizeItem classifies an item into main category, sub-category,
// and item name, creating the category pair if it is new.
func (p *Pipeline) categorizeItem(ctx context.Context, it *db.Item) error {
	content := categorizeContext(it)
	if strings.TrimSpace(content) == "" {
		return errors.ErrValidation("item has no content to categorize")
	}

	cats, err := p.catmgr.GetCategories(ctx)
	if err != nil {
		return fmt.Errorf("load categories: %w", err)
	}

	params := map[string]string{
		"CONTENT":    content,
		"MAX_LENGTH": strconv.Itoa(p.cfg.MaxCategoryLength),
	}
	if listing := formatCategories(cats); listing != "" {
		params["EXISTING_CATEGORIES"] = listing
	}

	cls, err := p.classify(ctx, params)
	if err != nil {
		return err
	}

	main := SanitizeName(cls.main, p.cfg.MaxCategoryLength)
	sub := SanitizeName(cls.sub, p.cfg.MaxCategoryLength)
	name := SanitizeName(cls.name, p.cfg.MaxCategoryLength)
	if main == "" || sub == "" || name == "" {
		return errors.ErrParseFailure("classification field empty after sanitizing")
	}

	if err := p.catmgr.EnsureCategory(ctx, main, sub); err != nil {
		return fmt.Errorf("ensure category %s/%s: %w", main, sub, err)
	}

	it.MainCategory = main
	it.SubCategory = sub
	it.ItemName = name
	it.CategoriesProcessed = true
	return p.store.SaveItem(ctx, it)
}

// classify runs the categorization model with parse-failure retries.
// The primary model gets the backend's retry budget; when a fallback
// model is configured it gets the same budget after the primary's is
// exhausted, starting a fresh conversation.
func (p *Pipeline) classify(ctx context.Context, params map[string]string) (*classification, error) {
	budget := p.cfg.ActiveBackend().MaxRetries
	if budget < 1 {
		budget = 1
	}
	model := p.cfg.Models.Categorization
	if model.Name == "" {
		model = p.cfg.Models.Text
	}
	fallback := p.cfg.Models.Fallback

	total := budget
	if fallback.Name != "" {
		total += budget
	}
	gpu := p.nextGPU()

	var msgs []backend.Message
	var lastErr error
	for attempt := 0; attempt < total; attempt++ {
		if ctx.Err() != nil {
			return nil, errors.ErrCanceled("categorization")
		}

		m := model
		if fallback.Name != "" && attempt >= budget {
			m = fallback
			if attempt == budget {
				msgs = nil
			}
		}

		raw, err := p.classifyOnce(ctx, m, params, &msgs, gpu, attempt > 0)
		if err != nil {
			return nil, err
		}

		cls, perr := parseClassification(raw)
		if perr == nil {
			return cls, nil
		}
		lastErr = perr

		// In chat mode the bad response stays in the conversation so the
		// corrective turn can reference it.
		if m.Thinking {
			msgs = append(msgs,
				backend.Message{Role: backend.RoleAssistant, Content: raw},
				backend.Message{Role: backend.RoleUser, Content: p.correctiveTurn(params)})
		}
	}
	return nil, lastErr
}

// classifyOnce issues one model call in the model's native mode.
func (p *Pipeline) classifyOnce(ctx context.Context, m config.ModelConfig, params map[string]string, msgs *[]backend.Message, gpu int, retry bool) (string, error) {
	if m.Thinking {
		if *msgs == nil {
			res, err := p.prompts.Render("categorization", prompt.ModelReasoning, params, "")
			if err != nil {
				return "", err
			}
			*msgs = chatMessages(res.Messages)
		}
		return p.backend.Chat(ctx, m.Name, *msgs, &backend.Options{GPUDevice: &gpu})
	}

	variant := ""
	if retry {
		variant = "retry"
	}
	res, err := p.prompts.Render("categorization", prompt.ModelStandard, params, variant)
	if err != nil {
		return "", err
	}
	return p.backend.Generate(ctx, m.Name, res.Text, &backend.Options{JSONMode: true, GPUDevice: &gpu})
}

// correctiveTurn renders the retry variant as the next user message in
// a chat-mode classification conversation.
func (p *Pipeline) correctiveTurn(params map[string]string) string {
	res, err := p.prompts.Render("categorization", prompt.ModelReasoning, params, "retry")
	if err == nil && len(res.Messages) > 0 {
		return res.Messages[len(res.Messages)-1].Content
	}
	return "The previous response could not be parsed. Respond with only a JSON object " +
		"containing main_category, sub_category, and item_name."
}

// parseClassification extracts the three classification fields from a
// model response.
func parseClassification(raw string) (*classification, error) {
	obj, ok := extractJSON(raw)
	if !ok {
		return nil, errors.ErrParseFailure("classification response contains no JSON object")
	}
	root := gjson.Parse(obj)
	cls := &classification{
		main: strings.TrimSpace(root.Get("main_category").String()),
		sub:  strings.TrimSpace(root.Get("sub_category").String()),
		name: strings.TrimSpace(root.Get("item_name").String()),
	}
	if cls.main == "" || cls.sub == "" || cls.name == "" {
		return nil, errors.ErrParseFailure("classification is missing a required field")
	}
	return cls, nil
}

// categorizeContext assembles the classification input: post text,
// image descriptions, and expanded links.
func categorizeContext(it *db.Item) string {
	var b strings.Builder
	b.WriteString(it.FullText)
	for _, m := range it.Media {
		if m.Description != "" {
			fmt.Fprintf(&b, "\n\n[Image] %s", m.Description)
		}
	}
	if len(it.URLs) > 0 {
		b.WriteString("\n\nLinks:")
		for _, u := range it.URLs {
			fmt.Fprintf(&b, "\n- %s", u)
		}
	}
	return b.String()
}

// formatCategories renders the existing category tree as a listing for
// the prompt, sorted for determinism.
func formatCategories(cats map[string][]string) string {
	if len(cats) == 0 {
		return ""
	}
	mains := make([]string, 0, len(cats))
	for main := range cats {
		mains = append(mains, main)
	}
	sort.Strings(mains)

	var b strings.Builder
	for _, main := range mains {
		subs := append([]string(nil), cats[main]...)
		sort.Strings(subs)
		fmt.Fprintf(&b, "%s: %s\n", main, strings.Join(subs, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}
