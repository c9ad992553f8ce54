package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// KBItem is the downstream row written by the db-sync phase.
type KBItem struct {
	ItemID          string
	Content         string
	MainCategory    string
	SubCategory     string
	ItemName        string
	SourceURL       string
	KBDirPath       string
	KBMediaPaths    []string
	CreatedAtSource *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// UpsertKBItem creates or refreshes the downstream kb-item row.
func (s *Store) UpsertKBItem(ctx context.Context, k *KBItem) error {
	now := time.Now().UTC()
	if k.CreatedAt.IsZero() {
		k.CreatedAt = now
	}
	k.UpdatedAt = now

	_, err := s.Exec(ctx, `
		INSERT INTO kb_items (item_id, content, main_category, sub_category, item_name,
			source_url, kb_dir_path, kb_media_paths, created_at_source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET
			content = excluded.content,
			main_category = excluded.main_category,
			sub_category = excluded.sub_category,
			item_name = excluded.item_name,
			source_url = excluded.source_url,
			kb_dir_path = excluded.kb_dir_path,
			kb_media_paths = excluded.kb_media_paths,
			created_at_source = excluded.created_at_source,
			updated_at = excluded.updated_at
	`, k.ItemID, k.Content, k.MainCategory, k.SubCategory, k.ItemName,
		k.SourceURL, k.KBDirPath, marshalJSON(orEmptyStrings(k.KBMediaPaths)),
		fmtTimePtr(k.CreatedAtSource), k.CreatedAt.Format(time.RFC3339), k.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert kb item %s: %w", k.ItemID, err)
	}
	return nil
}

// GetKBItem retrieves a kb-item row by item ID. Returns ErrNotFound if absent.
func (s *Store) GetKBItem(ctx context.Context, itemID string) (*KBItem, error) {
	var k KBItem
	var mediaPaths, createdAt, updatedAt string
	var createdAtSource sql.NullString

	err := s.QueryRow(ctx, `
		SELECT item_id, content, main_category, sub_category, item_name,
			source_url, kb_dir_path, kb_media_paths, created_at_source, created_at, updated_at
		FROM kb_items WHERE item_id = ?
	`, itemID).Scan(&k.ItemID, &k.Content, &k.MainCategory, &k.SubCategory, &k.ItemName,
		&k.SourceURL, &k.KBDirPath, &mediaPaths, &createdAtSource, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("kb item %s: %w", itemID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get kb item %s: %w", itemID, err)
	}

	if err := json.Unmarshal([]byte(mediaPaths), &k.KBMediaPaths); err != nil {
		return nil, fmt.Errorf("kb item %s: decode kb_media_paths: %w", itemID, err)
	}
	k.CreatedAtSource = parseTimePtr(createdAtSource)
	k.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	k.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &k, nil
}
