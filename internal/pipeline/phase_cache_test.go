package pipeline

import (
	"context"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/tweetkb/internal/db"
)

func TestCacheItemKeepsDescriptionAcrossRedownload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.fetcher.posts["t1"] = &FetchedPost{
		SourceURL: "https://x.com/u/status/1",
		Segments:  []db.Segment{{Text: "hello", MediaURLs: []string{"https://img.example/one.jpg"}}},
	}
	it := &db.Item{
		ID:            "t1",
		CacheComplete: true,
		Media: []db.Media{{
			SourceURL:      "https://img.example/one.jpg",
			LocalCachePath: path.Join(h.cfg.Storage.MediaCacheDir, "t1_0.jpg"),
			MimeType:       "image/jpeg",
			Description:    "a sunset over water",
		}},
	}

	// The cached file is gone, so the media is downloaded again. The
	// description is keyed by source URL and survives.
	require.NoError(t, h.pipe.cacheItem(ctx, it))

	require.Len(t, it.Media, 1)
	assert.Equal(t, "a sunset over water", it.Media[0].Description)
	assert.Equal(t, "image/jpeg", it.Media[0].MimeType)
	assert.Equal(t, 1, h.fetcher.downloads)
}
