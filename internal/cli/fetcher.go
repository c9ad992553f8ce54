package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/randalmurphal/tweetkb/internal/config"
	"github.com/randalmurphal/tweetkb/internal/db"
	"github.com/randalmurphal/tweetkb/internal/pipeline"
)

// archiveFetcher serves posts from the bookmark exporter's drop
// directory: one <item_id>.json file per post under
// data_processing_dir. Media is fetched over HTTP.
type archiveFetcher struct {
	cfg    *config.Config
	client *http.Client
}

func newArchiveFetcher(cfg *config.Config) *archiveFetcher {
	return &archiveFetcher{
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

// archivedPost is the exporter's on-disk post format.
type archivedPost struct {
	SourceURL string       `json:"source_url"`
	IsThread  bool         `json:"is_thread"`
	Segments  []db.Segment `json:"segments"`
	URLs      []string     `json:"urls"`
}

func (f *archiveFetcher) Fetch(_ context.Context, itemID string) (*pipeline.FetchedPost, error) {
	path := f.cfg.KBPath(filepath.Join(f.cfg.Storage.DataProcessingDir, itemID+".json"))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read archived post: %w", err)
	}
	var post archivedPost
	if err := json.Unmarshal(data, &post); err != nil {
		return nil, fmt.Errorf("decode archived post %s: %w", itemID, err)
	}
	return &pipeline.FetchedPost{
		SourceURL: post.SourceURL,
		IsThread:  post.IsThread,
		Segments:  post.Segments,
		URLs:      post.URLs,
	}, nil
}

func (f *archiveFetcher) DownloadMedia(ctx context.Context, url, destPath string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		_ = os.Remove(destPath)
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}

	mimeType := resp.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = mediaType
	}
	return mimeType, nil
}
