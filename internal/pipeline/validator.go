package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/randalmurphal/tweetkb/internal/config"
	"github.com/randalmurphal/tweetkb/internal/db"
	"github.com/randalmurphal/tweetkb/internal/events"
)

// Validator reconciles item flags with on-disk and in-row reality
// before a run. Repairable mismatches are fixed and persisted;
// kb_dir_path collisions are fatal for the colliding items.
type Validator struct {
	store  *db.Store
	cfg    *config.Config
	bus    Bus
	logger *slog.Logger
}

// NewValidator creates a validator. bus may be nil for CLI audits.
func NewValidator(store *db.Store, cfg *config.Config, bus Bus, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{store: store, cfg: cfg, bus: bus, logger: logger}
}

// ValidationResult summarizes a pre-run validation pass.
type ValidationResult struct {
	// Repairs counts auto-repaired flag mismatches.
	Repairs int
	// Collisions maps item IDs excluded from generate to the contested
	// kb_dir_path.
	Collisions map[string]string
}

// ValidateBatch runs the repair rules and the collision scan over the
// batch, persisting every change before any phase executor runs.
func (v *Validator) ValidateBatch(ctx context.Context, taskID string, items []*db.Item) (*ValidationResult, error) {
	res := &ValidationResult{Collisions: make(map[string]string)}

	for _, it := range items {
		repairs := v.repairItem(it)
		if len(repairs) == 0 {
			continue
		}
		res.Repairs += len(repairs)
		for _, msg := range repairs {
			v.warn(taskID, fmt.Sprintf("item %s: %s", it.ID, msg))
		}
		if err := v.store.SaveItem(ctx, it); err != nil {
			return nil, fmt.Errorf("persist repair for %s: %w", it.ID, err)
		}
	}

	// Collision scan. First claimant keeps the path; later claimants
	// are excluded from generate for this run.
	owners := make(map[string]string)
	for _, it := range items {
		if it.KBDirPath == "" {
			continue
		}
		first, taken := owners[it.KBDirPath]
		if !taken {
			owners[it.KBDirPath] = it.ID
			continue
		}
		res.Collisions[it.ID] = it.KBDirPath
		it.SetPhaseError(db.PhaseGenerate,
			fmt.Sprintf("kb path %q already claimed by item %s", it.KBDirPath, first))
		v.warn(taskID, fmt.Sprintf("item %s collides with item %s on %q", it.ID, first, it.KBDirPath))
		if err := v.store.SaveItem(ctx, it); err != nil {
			return nil, fmt.Errorf("persist collision for %s: %w", it.ID, err)
		}
	}

	return res, nil
}

// repairItem applies the five repair rules in order and returns a
// description of each repair made.
func (v *Validator) repairItem(it *db.Item) []string {
	var repairs []string

	readmeExists := it.KBDirPath != "" && v.fileExists(filepath.Join(it.KBDirPath, "README.md"))

	if it.ArticleCreated && !readmeExists {
		it.ArticleCreated = false
		repairs = append(repairs, "article_created set but README missing, reset")
	} else if !it.ArticleCreated && readmeExists {
		it.ArticleCreated = true
		repairs = append(repairs, "README exists on disk, article_created set")
	}

	if it.CategoriesProcessed && !it.HasCategories() {
		it.CategoriesProcessed = false
		repairs = append(repairs, "categories_processed set but classification incomplete, reset")
	}

	if it.DBSynced && !it.CategoriesProcessed {
		it.DBSynced = false
		repairs = append(repairs, "db_synced set without categories_processed, reset")
	}

	if it.MediaProcessed && hasUndescribedMedia(it) {
		it.MediaProcessed = false
		repairs = append(repairs, "media_processed set but cached image lacks description, reset")
	}

	return repairs
}

// hasUndescribedMedia reports whether a cached non-video media entry
// is missing its description.
func hasUndescribedMedia(it *db.Item) bool {
	for _, m := range it.Media {
		if !m.IsVideo && m.LocalCachePath != "" && m.Description == "" {
			return true
		}
	}
	return false
}

func (v *Validator) fileExists(rel string) bool {
	info, err := os.Stat(v.cfg.KBPath(rel))
	return err == nil && !info.IsDir() && info.Size() > 0
}

func (v *Validator) warn(taskID, msg string) {
	v.logger.Warn("validator repair", "detail", msg)
	if v.bus != nil {
		v.bus.Log(taskID, events.LevelWarning, "validator: "+msg)
	}
}

// AuditReport is the result of a full-store audit.
type AuditReport struct {
	ItemsChecked int
	// Violations describes flag mismatches found, without repairing.
	Violations []string
	// Collisions maps kb_dir_path to the item IDs contesting it.
	Collisions map[string][]string
	// OrphanedDirs lists article directories on disk that no item
	// references.
	OrphanedDirs []string
}

// Audit inspects the entire state store plus the knowledge-base tree
// and reports invariant violations without mutating anything.
func (v *Validator) Audit(ctx context.Context) (*AuditReport, error) {
	items, err := v.store.ListAllItems(ctx)
	if err != nil {
		return nil, err
	}

	report := &AuditReport{
		ItemsChecked: len(items),
		Collisions:   make(map[string][]string),
	}

	claimed := make(map[string][]string)
	for _, it := range items {
		cp := *it
		for _, msg := range v.repairItem(&cp) {
			report.Violations = append(report.Violations, fmt.Sprintf("item %s: %s", it.ID, msg))
		}
		if it.KBDirPath != "" {
			claimed[it.KBDirPath] = append(claimed[it.KBDirPath], it.ID)
		}
	}
	for path, ids := range claimed {
		if len(ids) > 1 {
			sort.Strings(ids)
			report.Collisions[path] = ids
		}
	}

	orphans, err := v.orphanedDirs(claimed)
	if err != nil {
		return nil, err
	}
	report.OrphanedDirs = orphans
	sort.Strings(report.Violations)

	return report, nil
}

// orphanedDirs scans kb_root for article directories no item claims.
func (v *Validator) orphanedDirs(claimed map[string][]string) ([]string, error) {
	root := v.cfg.KBPath(v.cfg.Storage.KBRoot)
	var orphans []string

	mains, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan kb root: %w", err)
	}
	for _, main := range mains {
		if !main.IsDir() {
			continue
		}
		subs, err := os.ReadDir(filepath.Join(root, main.Name()))
		if err != nil {
			continue
		}
		for _, sub := range subs {
			if !sub.IsDir() {
				continue
			}
			names, err := os.ReadDir(filepath.Join(root, main.Name(), sub.Name()))
			if err != nil {
				continue
			}
			for _, name := range names {
				if !name.IsDir() {
					continue
				}
				rel := filepath.ToSlash(filepath.Join(v.cfg.Storage.KBRoot, main.Name(), sub.Name(), name.Name()))
				if _, ok := claimed[rel]; !ok {
					orphans = append(orphans, rel)
				}
			}
		}
	}
	sort.Strings(orphans)
	return orphans, nil
}
