package pipeline

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/randalmurphal/tweetkb/internal/db"
)

// cacheParallel bounds concurrent fetch-and-download work. The cache
// phase is network bound, not GPU bound.
const cacheParallel = 4

func (p *Pipeline) cachePhase() phaseDef {
	return phaseDef{
		id:       db.PhaseCache,
		eligible: func(*db.Item) bool { return true },
		needsWork: func(it *db.Item, f Forces) bool {
			return f.Recache || !it.CacheComplete
		},
		run:      p.cacheItem,
		parallel: cacheParallel,
	}
}

// cacheItem fetches a post's full content and downloads its media into
// the local cache. The item row is written once, after every download
// succeeded, so a partially cached item never carries cache_complete.
func (p *Pipeline) cacheItem(ctx context.Context, it *db.Item) error {
	post, err := p.fetcher.Fetch(ctx, it.ID)
	if err != nil {
		return fmt.Errorf("fetch post: %w", err)
	}

	it.SourceURL = post.SourceURL
	it.IsThread = post.IsThread
	it.Segments = post.Segments
	it.URLs = post.URLs
	it.FullText = joinSegments(post.Segments)

	// Descriptions survive a re-cache when the media URL is unchanged.
	prior := make(map[string]db.Media, len(it.Media))
	for _, m := range it.Media {
		prior[m.SourceURL] = m
	}

	var media []db.Media
	idx := 0
	for _, seg := range post.Segments {
		for _, murl := range seg.MediaURLs {
			m, err := p.cacheMedia(ctx, it.ID, idx, murl, prior[murl])
			if err != nil {
				return fmt.Errorf("media %d (%s): %w", idx, murl, err)
			}
			media = append(media, m)
			idx++
		}
	}

	it.Media = media
	it.CacheComplete = true
	return p.store.SaveItem(ctx, it)
}

// cacheMedia downloads one attachment to media_cache_dir unless the
// file is already present from a previous run.
func (p *Pipeline) cacheMedia(ctx context.Context, itemID string, idx int, srcURL string, prior db.Media) (db.Media, error) {
	ext := mediaExt(srcURL)
	rel := path.Join(p.cfg.Storage.MediaCacheDir, fmt.Sprintf("%s_%d%s", itemID, idx, ext))
	abs := p.cfg.KBPath(rel)

	m := db.Media{
		SourceURL:      srcURL,
		LocalCachePath: rel,
		MimeType:       prior.MimeType,
		Description:    prior.Description,
	}

	if info, err := os.Stat(abs); err == nil && info.Size() > 0 {
		if m.MimeType == "" {
			m.MimeType = mime.TypeByExtension(ext)
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return m, fmt.Errorf("create media cache dir: %w", err)
		}
		mimeType, err := p.fetcher.DownloadMedia(ctx, srcURL, abs)
		if err != nil {
			return m, err
		}
		m.MimeType = mimeType
	}

	m.IsVideo = strings.HasPrefix(m.MimeType, "video/")
	return m, nil
}

// joinSegments concatenates segment texts into the item's full_text.
func joinSegments(segs []db.Segment) string {
	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

// mediaExt derives a filename extension from a media URL, defaulting
// to .bin when the URL path has none.
func mediaExt(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ".bin"
	}
	if ext := path.Ext(u.Path); ext != "" && len(ext) <= 8 {
		return strings.ToLower(ext)
	}
	return ".bin"
}
