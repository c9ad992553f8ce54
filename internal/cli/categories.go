package cli

import (
	"context"
	"fmt"

	"github.com/randalmurphal/tweetkb/internal/db"
	"github.com/randalmurphal/tweetkb/internal/errors"
)

// storeCategoryManager derives the category tree from the items table.
// Categories exist by virtue of classified items, so EnsureCategory
// only validates; the tree materializes when the item row is saved.
type storeCategoryManager struct {
	store *db.Store
}

func (m *storeCategoryManager) GetCategories(ctx context.Context) (map[string][]string, error) {
	rows, err := m.store.Query(ctx, `
		SELECT DISTINCT main_category, sub_category FROM items
		WHERE main_category != '' AND sub_category != ''
	`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tree := make(map[string][]string)
	for rows.Next() {
		var main, sub string
		if err := rows.Scan(&main, &sub); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		tree[main] = append(tree[main], sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}
	return tree, nil
}

func (m *storeCategoryManager) EnsureCategory(_ context.Context, main, sub string) error {
	if main == "" || sub == "" {
		return errors.ErrValidation("category names must be non-empty")
	}
	return nil
}
