package pipeline

import (
	"context"

	"github.com/randalmurphal/tweetkb/internal/db"
)

// dbSyncParallel bounds concurrent downstream writes. The sync phase
// is database bound.
const dbSyncParallel = 4

func (p *Pipeline) dbSyncPhase() phaseDef {
	return phaseDef{
		id: db.PhaseDBSync,
		eligible: func(it *db.Item) bool {
			return it.CategoriesProcessed && it.ArticleCreated
		},
		needsWork: func(it *db.Item, f Forces) bool {
			return f.RegenerateDBSync || !it.DBSynced
		},
		run:      p.syncItem,
		parallel: dbSyncParallel,
	}
}

// syncItem upserts the downstream kb-item row. The upsert is
// idempotent, so a re-run refreshes rather than duplicates.
func (p *Pipeline) syncItem(ctx context.Context, it *db.Item) error {
	created := it.CreatedAt
	err := p.store.UpsertKBItem(ctx, &db.KBItem{
		ItemID:          it.ID,
		Content:         it.ArticleMarkdown,
		MainCategory:    it.MainCategory,
		SubCategory:     it.SubCategory,
		ItemName:        it.ItemName,
		SourceURL:       it.SourceURL,
		KBDirPath:       it.KBDirPath,
		KBMediaPaths:    it.KBMediaPaths,
		CreatedAtSource: &created,
	})
	if err != nil {
		return err
	}

	it.DBSynced = true
	return p.store.SaveItem(ctx, it)
}
