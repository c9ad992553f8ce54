package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("db: not found")

// Phase identifiers, in pipeline order.
const (
	PhaseCache      = "cache"
	PhaseMedia      = "media"
	PhaseCategorize = "categorize"
	PhaseGenerate   = "generate"
	PhaseDBSync     = "db_sync"
)

// Phases lists the pipeline phases in execution order.
var Phases = []string{PhaseCache, PhaseMedia, PhaseCategorize, PhaseGenerate, PhaseDBSync}

// Media is one media attachment on an item.
type Media struct {
	SourceURL      string `json:"source_url"`
	LocalCachePath string `json:"local_cache_path,omitempty"`
	MimeType       string `json:"mime_type,omitempty"`
	Description    string `json:"description,omitempty"`
	IsVideo        bool   `json:"is_video"`
}

// Segment is one post of a thread. A non-thread item has exactly one.
type Segment struct {
	Text      string   `json:"text"`
	MediaURLs []string `json:"media,omitempty"`
	URLs      []string `json:"urls,omitempty"`
}

// Item is one ingested post or thread plus everything derived from it.
type Item struct {
	ID        string
	SourceURL string
	IsThread  bool
	Segments  []Segment
	FullText  string
	Media     []Media
	URLs      []string

	MainCategory string
	SubCategory  string
	ItemName     string

	ArticleTitle    string
	ArticleMarkdown string
	ArticleRawJSON  string
	KBDirPath       string
	KBMediaPaths    []string

	CacheComplete       bool
	MediaProcessed      bool
	CategoriesProcessed bool
	ArticleCreated      bool
	DBSynced            bool
	Processed           bool

	// PhaseErrors holds per-phase error annotations for the current run.
	PhaseErrors map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasCategories reports whether all three classification fields are set.
func (i *Item) HasCategories() bool {
	return i.MainCategory != "" && i.SubCategory != "" && i.ItemName != ""
}

// SetPhaseError records an error annotation for a phase.
func (i *Item) SetPhaseError(phase, message string) {
	if i.PhaseErrors == nil {
		i.PhaseErrors = make(map[string]string)
	}
	i.PhaseErrors[phase] = message
}

// HasPhaseError reports whether any phase recorded an error this run.
func (i *Item) HasPhaseError() bool {
	return len(i.PhaseErrors) > 0
}

// AllPhasesComplete reports whether all five phase flags are set.
func (i *Item) AllPhasesComplete() bool {
	return i.CacheComplete && i.MediaProcessed && i.CategoriesProcessed && i.ArticleCreated && i.DBSynced
}

const itemColumns = `item_id, source_url, is_thread, segments, full_text, media, urls,
	main_category, sub_category, item_name,
	article_title, article_markdown, article_raw_json, kb_dir_path, kb_media_paths,
	cache_complete, media_processed, categories_processed, article_created, db_synced, processed,
	phase_errors, created_at, updated_at`

// SaveItem creates or updates an item. The write is atomic at the row
// level; callers never interleave writes to the same item.
func (s *Store) SaveItem(ctx context.Context, it *Item) error {
	now := time.Now().UTC()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	it.UpdatedAt = now

	var kbDirPath *string
	if it.KBDirPath != "" {
		kbDirPath = &it.KBDirPath
	}

	_, err := s.Exec(ctx, `
		INSERT INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET
			source_url = excluded.source_url,
			is_thread = excluded.is_thread,
			segments = excluded.segments,
			full_text = excluded.full_text,
			media = excluded.media,
			urls = excluded.urls,
			main_category = excluded.main_category,
			sub_category = excluded.sub_category,
			item_name = excluded.item_name,
			article_title = excluded.article_title,
			article_markdown = excluded.article_markdown,
			article_raw_json = excluded.article_raw_json,
			kb_dir_path = excluded.kb_dir_path,
			kb_media_paths = excluded.kb_media_paths,
			cache_complete = excluded.cache_complete,
			media_processed = excluded.media_processed,
			categories_processed = excluded.categories_processed,
			article_created = excluded.article_created,
			db_synced = excluded.db_synced,
			processed = excluded.processed,
			phase_errors = excluded.phase_errors,
			updated_at = excluded.updated_at
	`,
		it.ID, it.SourceURL, it.IsThread,
		marshalJSON(orEmptySegments(it.Segments)), it.FullText,
		marshalJSON(orEmptyMedia(it.Media)), marshalJSON(orEmptyStrings(it.URLs)),
		it.MainCategory, it.SubCategory, it.ItemName,
		it.ArticleTitle, it.ArticleMarkdown, it.ArticleRawJSON, kbDirPath,
		marshalJSON(orEmptyStrings(it.KBMediaPaths)),
		it.CacheComplete, it.MediaProcessed, it.CategoriesProcessed, it.ArticleCreated, it.DBSynced, it.Processed,
		marshalJSON(orEmptyMap(it.PhaseErrors)),
		it.CreatedAt.Format(time.RFC3339), it.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save item %s: %w", it.ID, err)
	}
	return nil
}

// GetItem retrieves an item by ID. Returns ErrNotFound if absent.
func (s *Store) GetItem(ctx context.Context, id string) (*Item, error) {
	row := s.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE item_id = ?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return it, err
}

// ListItems loads the given item IDs. Missing IDs are skipped.
func (s *Store) ListItems(ctx context.Context, ids []string) ([]*Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.Query(ctx, `SELECT `+itemColumns+` FROM items WHERE item_id IN (`+placeholders+`) ORDER BY item_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return scanItems(rows)
}

// ListAllItems returns every item in the store, ordered by ID.
func (s *Store) ListAllItems(ctx context.Context) ([]*Item, error) {
	rows, err := s.Query(ctx, `SELECT `+itemColumns+` FROM items ORDER BY item_id`)
	if err != nil {
		return nil, fmt.Errorf("list all items: %w", err)
	}
	return scanItems(rows)
}

// EligibleFilter selects items by flag state for BulkListEligible.
// Nil fields are not constrained.
type EligibleFilter struct {
	CacheComplete       *bool
	MediaProcessed      *bool
	CategoriesProcessed *bool
	ArticleCreated      *bool
	DBSynced            *bool
	HasCategories       *bool
}

// BulkListEligible returns items matching a conjunction of flag and
// category-presence constraints.
func (s *Store) BulkListEligible(ctx context.Context, f EligibleFilter) ([]*Item, error) {
	var conds []string
	var args []any
	addFlag := func(col string, v *bool) {
		if v != nil {
			conds = append(conds, col+" = ?")
			args = append(args, *v)
		}
	}
	addFlag("cache_complete", f.CacheComplete)
	addFlag("media_processed", f.MediaProcessed)
	addFlag("categories_processed", f.CategoriesProcessed)
	addFlag("article_created", f.ArticleCreated)
	addFlag("db_synced", f.DBSynced)
	if f.HasCategories != nil {
		if *f.HasCategories {
			conds = append(conds, "main_category != '' AND sub_category != '' AND item_name != ''")
		} else {
			conds = append(conds, "(main_category = '' OR sub_category = '' OR item_name = '')")
		}
	}

	query := `SELECT ` + itemColumns + ` FROM items`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY item_id`

	rows, err := s.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list eligible items: %w", err)
	}
	return scanItems(rows)
}

// MarkProcessed sets the terminal processed flag for an item.
func (s *Store) MarkProcessed(ctx context.Context, id string) error {
	res, err := s.Exec(ctx, `UPDATE items SET processed = ?, updated_at = ? WHERE item_id = ?`,
		true, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("mark processed %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return nil
}

// ClearPhaseErrors resets transient error annotations for the given
// items. Run at the start of every pipeline run.
func (s *Store) ClearPhaseErrors(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := []any{time.Now().UTC().Format(time.RFC3339)}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.Exec(ctx, `UPDATE items SET phase_errors = '{}', updated_at = ? WHERE item_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("clear phase errors: %w", err)
	}
	return nil
}

// KBPathOwner returns the ID of the item owning kb_dir_path, or "" if
// the path is unclaimed.
func (s *Store) KBPathOwner(ctx context.Context, path string) (string, error) {
	var id string
	err := s.QueryRow(ctx, `SELECT item_id FROM items WHERE kb_dir_path = ?`, path).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("kb path owner: %w", err)
	}
	return id, nil
}

// FlagCounts summarizes item flag state across the store.
type FlagCounts struct {
	Total               int
	CacheComplete       int
	MediaProcessed      int
	CategoriesProcessed int
	ArticleCreated      int
	DBSynced            int
	Processed           int
}

// CountItemFlags returns per-flag item counts.
func (s *Store) CountItemFlags(ctx context.Context) (*FlagCounts, error) {
	var c FlagCounts
	err := s.QueryRow(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN cache_complete THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN media_processed THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN categories_processed THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN article_created THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN db_synced THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN processed THEN 1 ELSE 0 END), 0)
		FROM items
	`).Scan(&c.Total, &c.CacheComplete, &c.MediaProcessed, &c.CategoriesProcessed,
		&c.ArticleCreated, &c.DBSynced, &c.Processed)
	if err != nil {
		return nil, fmt.Errorf("count item flags: %w", err)
	}
	return &c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var it Item
	var segments, media, urls, kbMediaPaths, phaseErrors string
	var kbDirPath sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&it.ID, &it.SourceURL, &it.IsThread, &segments, &it.FullText, &media, &urls,
		&it.MainCategory, &it.SubCategory, &it.ItemName,
		&it.ArticleTitle, &it.ArticleMarkdown, &it.ArticleRawJSON, &kbDirPath, &kbMediaPaths,
		&it.CacheComplete, &it.MediaProcessed, &it.CategoriesProcessed, &it.ArticleCreated, &it.DBSynced, &it.Processed,
		&phaseErrors, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	it.KBDirPath = kbDirPath.String
	if err := json.Unmarshal([]byte(segments), &it.Segments); err != nil {
		return nil, fmt.Errorf("item %s: decode segments: %w", it.ID, err)
	}
	if err := json.Unmarshal([]byte(media), &it.Media); err != nil {
		return nil, fmt.Errorf("item %s: decode media: %w", it.ID, err)
	}
	if err := json.Unmarshal([]byte(urls), &it.URLs); err != nil {
		return nil, fmt.Errorf("item %s: decode urls: %w", it.ID, err)
	}
	if err := json.Unmarshal([]byte(kbMediaPaths), &it.KBMediaPaths); err != nil {
		return nil, fmt.Errorf("item %s: decode kb_media_paths: %w", it.ID, err)
	}
	if err := json.Unmarshal([]byte(phaseErrors), &it.PhaseErrors); err != nil {
		return nil, fmt.Errorf("item %s: decode phase_errors: %w", it.ID, err)
	}
	it.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	it.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &it, nil
}

func scanItems(rows *sql.Rows) ([]*Item, error) {
	defer func() { _ = rows.Close() }()
	var items []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func orEmptySegments(s []Segment) []Segment {
	if s == nil {
		return []Segment{}
	}
	return s
}

func orEmptyMedia(m []Media) []Media {
	if m == nil {
		return []Media{}
	}
	return m
}

func orEmptyStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
