package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/randalmurphal/tweetkb/internal/backend"
	"github.com/randalmurphal/tweetkb/internal/db"
	"github.com/randalmurphal/tweetkb/internal/errors"
	"github.com/randalmurphal/tweetkb/internal/prompt"
)

// pathClaims tracks kb_dir_path ownership within a single run so two
// concurrently generated items can never settle on the same directory.
type pathClaims struct {
	mu    sync.Mutex
	owner map[string]string
}

func newPathClaims() *pathClaims {
	return &pathClaims{owner: make(map[string]string)}
}

// claim reserves path for itemID. It returns the current owner when
// the path is already taken by another item.
func (c *pathClaims) claim(path, itemID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if owner, ok := c.owner[path]; ok && owner != itemID {
		return owner, false
	}
	c.owner[path] = itemID
	return itemID, true
}

func (p *Pipeline) generatePhase(claims *pathClaims) phaseDef {
	return phaseDef{
		id: db.PhaseGenerate,
		eligible: func(it *db.Item) bool {
			return it.CacheComplete && it.MediaProcessed && it.CategoriesProcessed
		},
		needsWork: func(it *db.Item, f Forces) bool {
			return f.RegenerateArticles || !it.ArticleCreated
		},
		run: func(ctx context.Context, it *db.Item) error {
			return p.generateItem(ctx, it, claims)
		},
		parallel: p.gpuParallel(),
	}
}

// generateItem produces the article, writes it to the knowledge-base
// tree, and records the result on the item. Disk writes happen before
// the flag write-back so article_created always implies a README.
func (p *Pipeline) generateItem(ctx context.Context, it *db.Item, claims *pathClaims) error {
	if !it.HasCategories() {
		return errors.ErrInvariant("generate reached an item without a full classification")
	}

	dirPath := path.Join(p.cfg.Storage.KBRoot, it.MainCategory, it.SubCategory, it.ItemName)
	if owner, ok := claims.claim(dirPath, it.ID); !ok {
		return errors.ErrPathCollision(dirPath, owner)
	}
	owner, err := p.store.KBPathOwner(ctx, dirPath)
	if err != nil {
		return err
	}
	if owner != "" && owner != it.ID {
		return errors.ErrPathCollision(dirPath, owner)
	}

	article, raw, err := p.generateArticle(ctx, it)
	if err != nil {
		return err
	}
	markdown := article.RenderMarkdown()

	absDir := p.cfg.KBPath(dirPath)
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return fmt.Errorf("create article dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(absDir, "README.md"), []byte(markdown), 0o644); err != nil {
		return fmt.Errorf("write README: %w", err)
	}
	mediaPaths, err := p.copyArticleMedia(it, absDir)
	if err != nil {
		return err
	}

	it.ArticleTitle = article.SuggestedTitle
	it.ArticleMarkdown = markdown
	it.ArticleRawJSON = raw
	it.KBDirPath = dirPath
	it.KBMediaPaths = mediaPaths
	it.ArticleCreated = true
	return p.store.SaveItem(ctx, it)
}

// generateArticle runs the text model with parse-failure retries,
// mirroring the categorization retry shape.
func (p *Pipeline) generateArticle(ctx context.Context, it *db.Item) (*Article, string, error) {
	params := map[string]string{
		"CONTENT":       it.FullText,
		"MAIN_CATEGORY": it.MainCategory,
		"SUB_CATEGORY":  it.SubCategory,
		"ITEM_NAME":     it.ItemName,
	}
	if descs := mediaDescriptions(it); descs != "" {
		params["MEDIA_DESCRIPTIONS"] = descs
	}
	if len(it.URLs) > 0 {
		params["URLS"] = strings.Join(it.URLs, "\n")
	}

	budget := p.cfg.ActiveBackend().MaxRetries
	if budget < 1 {
		budget = 1
	}
	model := p.cfg.Models.Text
	gpu := p.nextGPU()

	var msgs []backend.Message
	var lastErr error
	for attempt := 0; attempt < budget; attempt++ {
		if ctx.Err() != nil {
			return nil, "", errors.ErrCanceled("article generation")
		}

		var raw string
		var err error
		if model.Thinking {
			if msgs == nil {
				res, rerr := p.prompts.Render("kb_item_generation", prompt.ModelReasoning, params, "")
				if rerr != nil {
					return nil, "", rerr
				}
				msgs = chatMessages(res.Messages)
			}
			raw, err = p.backend.Chat(ctx, model.Name, msgs, &backend.Options{GPUDevice: &gpu})
		} else {
			res, rerr := p.prompts.Render("kb_item_generation", prompt.ModelStandard, params, "")
			if rerr != nil {
				return nil, "", rerr
			}
			raw, err = p.backend.Generate(ctx, model.Name, res.Text, &backend.Options{JSONMode: true, GPUDevice: &gpu})
		}
		if err != nil {
			return nil, "", err
		}

		article, perr := ParseArticle(raw)
		if perr == nil {
			obj, _ := extractJSON(raw)
			return article, obj, nil
		}
		lastErr = perr

		if model.Thinking {
			msgs = append(msgs,
				backend.Message{Role: backend.RoleAssistant, Content: raw},
				backend.Message{Role: backend.RoleUser, Content: "The previous response could not be parsed " +
					"as the required article JSON. Respond again with only the JSON object."})
		}
	}
	return nil, "", lastErr
}

// copyArticleMedia copies the item's cached media into the article's
// media/ subdirectory and returns the article-relative paths.
func (p *Pipeline) copyArticleMedia(it *db.Item, absDir string) ([]string, error) {
	var rels []string
	for _, m := range it.Media {
		if m.LocalCachePath == "" {
			continue
		}
		src := p.cfg.KBPath(m.LocalCachePath)
		rel := path.Join("media", path.Base(m.LocalCachePath))
		dst := filepath.Join(absDir, filepath.FromSlash(rel))
		if err := copyFile(src, dst); err != nil {
			return nil, fmt.Errorf("copy media %s: %w", m.LocalCachePath, err)
		}
		rels = append(rels, rel)
	}
	return rels, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// mediaDescriptions joins image descriptions for the generation prompt.
func mediaDescriptions(it *db.Item) string {
	var parts []string
	for _, m := range it.Media {
		if m.Description != "" {
			parts = append(parts, m.Description)
		}
	}
	return strings.Join(parts, "\n\n")
}
