package pipeline

import (
	"context"
	goerrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/tweetkb/internal/backend"
	"github.com/randalmurphal/tweetkb/internal/config"
	"github.com/randalmurphal/tweetkb/internal/db"
	"github.com/randalmurphal/tweetkb/internal/events"
	"github.com/randalmurphal/tweetkb/internal/prompt"
)

// fakeBackend routes model calls to test-provided functions.
type fakeBackend struct {
	mu          sync.Mutex
	generateFn  func(model, prompt string) (string, error)
	chatFn      func(model string, msgs []backend.Message) (string, error)
	generateLog []string
	imagesLog   [][][]byte
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Generate(_ context.Context, model, prompt string, opts *backend.Options) (string, error) {
	f.mu.Lock()
	f.generateLog = append(f.generateLog, prompt)
	var imgs [][]byte
	if opts != nil {
		imgs = opts.Images
	}
	f.imagesLog = append(f.imagesLog, imgs)
	fn := f.generateFn
	f.mu.Unlock()
	if fn == nil {
		return "", goerrors.New("fakeBackend: no generateFn")
	}
	return fn(model, prompt)
}

func (f *fakeBackend) Chat(_ context.Context, model string, msgs []backend.Message, _ *backend.Options) (string, error) {
	f.mu.Lock()
	fn := f.chatFn
	f.mu.Unlock()
	if fn == nil {
		return "", goerrors.New("fakeBackend: no chatFn")
	}
	return fn(model, msgs)
}

func (f *fakeBackend) Embed(context.Context, string, string, *backend.Options) ([]float64, error) {
	return []float64{0.1, 0.2}, nil
}

func (f *fakeBackend) ListModels(context.Context) ([]backend.ModelInfo, error) {
	return nil, nil
}

func (f *fakeBackend) Health(context.Context) *backend.Health {
	return &backend.Health{Status: backend.HealthHealthy}
}

// generateCount returns how many generate prompts contained marker.
func (f *fakeBackend) generateCount(marker string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.generateLog {
		if strings.Contains(p, marker) {
			n++
		}
	}
	return n
}

// fakeFetcher serves canned posts and writes stub media files.
type fakeFetcher struct {
	mu         sync.Mutex
	posts      map[string]*FetchedPost
	fetchCalls int
	downloads  int
}

func (f *fakeFetcher) Fetch(_ context.Context, itemID string) (*FetchedPost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	post, ok := f.posts[itemID]
	if !ok {
		return nil, fmt.Errorf("no such post %s", itemID)
	}
	return post, nil
}

func (f *fakeFetcher) DownloadMedia(_ context.Context, _, destPath string) (string, error) {
	f.mu.Lock()
	f.downloads++
	f.mu.Unlock()
	if err := os.WriteFile(destPath, []byte("media-bytes"), 0o644); err != nil {
		return "", err
	}
	return "image/jpeg", nil
}

// fakeCategories is an in-memory category tree.
type fakeCategories struct {
	mu      sync.Mutex
	tree    map[string][]string
	ensured [][2]string
}

func (f *fakeCategories) GetCategories(context.Context) (map[string][]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]string, len(f.tree))
	for k, v := range f.tree {
		out[k] = append([]string(nil), v...)
	}
	return out, nil
}

func (f *fakeCategories) EnsureCategory(_ context.Context, main, sub string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tree[main] = append(f.tree[main], sub)
	f.ensured = append(f.ensured, [2]string{main, sub})
	return nil
}

// captureBus records emitted events for assertions.
type captureBus struct {
	mu       sync.Mutex
	logs     []string
	phases   []events.PhaseUpdate
	progress [][2]int
}

func (b *captureBus) Log(_, level, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logs = append(b.logs, level+": "+message)
}

func (b *captureBus) Phase(_ string, update events.PhaseUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.phases = append(b.phases, update)
}

func (b *captureBus) Progress(_ string, processed, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.progress = append(b.progress, [2]int{processed, total})
}

// statuses returns the ordered status sequence seen for a phase.
func (b *captureBus) statuses(phaseID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, u := range b.phases {
		if u.PhaseID == phaseID {
			out = append(out, u.Status)
		}
	}
	return out
}

// harness bundles a pipeline with all fake collaborators.
type harness struct {
	pipe    *Pipeline
	store   *db.Store
	cfg     *config.Config
	backend *fakeBackend
	fetcher *fakeFetcher
	cats    *fakeCategories
	bus     *captureBus
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Default()
	cfg.Storage.ProjectRoot = t.TempDir()
	cfg.Ollama.MaxRetries = 3

	h := &harness{
		store:   store,
		cfg:     cfg,
		backend: &fakeBackend{},
		fetcher: &fakeFetcher{posts: make(map[string]*FetchedPost)},
		cats:    &fakeCategories{tree: make(map[string][]string)},
		bus:     &captureBus{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.pipe = New(store, h.backend, prompt.NewStore(""), h.fetcher, h.cats, h.bus, cfg, logger)
	return h
}

// respondWith installs the standard happy-path responder: a valid
// classification, a valid article, and a media description, routed by
// prompt contents. classify names the item per content marker.
func (h *harness) respondWith(classify func(prompt string) string) {
	h.backend.generateFn = func(_, prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "suggested_title"):
			return articleJSON, nil
		case strings.Contains(prompt, "main_category"):
			return classify(prompt), nil
		default:
			return "A diagram of an agent loop.", nil
		}
	}
}

func classificationJSON(main, sub, name string) string {
	return fmt.Sprintf(`{"main_category": %q, "sub_category": %q, "item_name": %q}`, main, sub, name)
}
