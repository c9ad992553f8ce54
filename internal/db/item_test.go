package db

import (
	"context"
	"errors"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleItem(id string) *Item {
	return &Item{
		ID:        id,
		SourceURL: "https://x.com/u/status/" + id,
		IsThread:  true,
		Segments: []Segment{
			{Text: "first post", MediaURLs: []string{"https://pbs.example/a.jpg"}},
			{Text: "second post", URLs: []string{"https://example.com/doc"}},
		},
		FullText: "first post\nsecond post",
		Media: []Media{
			{SourceURL: "https://pbs.example/a.jpg", LocalCachePath: "data/media_cache/" + id + "_0.jpg", MimeType: "image/jpeg"},
		},
		URLs: []string{"https://example.com/doc"},
	}
}

func TestSaveGetItemRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	it := sampleItem("1001")
	it.SetPhaseError("cache", "boom")
	if err := s.SaveItem(ctx, it); err != nil {
		t.Fatalf("SaveItem: %v", err)
	}

	got, err := s.GetItem(ctx, "1001")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.SourceURL != it.SourceURL || !got.IsThread {
		t.Errorf("scalar fields lost: %+v", got)
	}
	if len(got.Segments) != 2 || got.Segments[0].Text != "first post" {
		t.Errorf("segments = %+v", got.Segments)
	}
	if len(got.Media) != 1 || got.Media[0].MimeType != "image/jpeg" {
		t.Errorf("media = %+v", got.Media)
	}
	if got.PhaseErrors["cache"] != "boom" {
		t.Errorf("phase_errors = %+v", got.PhaseErrors)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not persisted")
	}
}

func TestGetItemNotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.GetItem(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveItemUpsertIsLastWriterWins(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	it := sampleItem("1002")
	if err := s.SaveItem(ctx, it); err != nil {
		t.Fatal(err)
	}
	it.CacheComplete = true
	it.MainCategory = "programming"
	if err := s.SaveItem(ctx, it); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetItem(ctx, "1002")
	if err != nil {
		t.Fatal(err)
	}
	if !got.CacheComplete || got.MainCategory != "programming" {
		t.Errorf("update lost: %+v", got)
	}
}

func TestKBDirPathUniqueness(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a := sampleItem("2001")
	a.KBDirPath = "kb-generated/programming/go/concurrency"
	if err := s.SaveItem(ctx, a); err != nil {
		t.Fatal(err)
	}

	b := sampleItem("2002")
	b.KBDirPath = a.KBDirPath
	if err := s.SaveItem(ctx, b); err == nil {
		t.Fatal("expected unique index violation for duplicate kb_dir_path")
	}

	// Empty paths must not collide.
	c := sampleItem("2003")
	d := sampleItem("2004")
	if err := s.SaveItem(ctx, c); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveItem(ctx, d); err != nil {
		t.Fatalf("items without kb_dir_path should coexist: %v", err)
	}
}

func TestKBPathOwner(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a := sampleItem("2101")
	a.KBDirPath = "kb-generated/devops/docker/compose_tips"
	if err := s.SaveItem(ctx, a); err != nil {
		t.Fatal(err)
	}

	owner, err := s.KBPathOwner(ctx, a.KBDirPath)
	if err != nil {
		t.Fatal(err)
	}
	if owner != "2101" {
		t.Errorf("owner = %q, want 2101", owner)
	}

	owner, err = s.KBPathOwner(ctx, "kb-generated/unclaimed/path/x")
	if err != nil {
		t.Fatal(err)
	}
	if owner != "" {
		t.Errorf("owner = %q, want empty", owner)
	}
}

func TestBulkListEligible(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	cached := sampleItem("3001")
	cached.CacheComplete = true
	uncached := sampleItem("3002")
	categorized := sampleItem("3003")
	categorized.CacheComplete = true
	categorized.MediaProcessed = true
	categorized.CategoriesProcessed = true
	categorized.MainCategory = "ml"
	categorized.SubCategory = "training"
	categorized.ItemName = "lora_notes"

	for _, it := range []*Item{cached, uncached, categorized} {
		if err := s.SaveItem(ctx, it); err != nil {
			t.Fatal(err)
		}
	}

	tr := true
	got, err := s.BulkListEligible(ctx, EligibleFilter{CacheComplete: &tr})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("cache_complete filter: got %d items", len(got))
	}

	got, err = s.BulkListEligible(ctx, EligibleFilter{CacheComplete: &tr, HasCategories: &tr})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "3003" {
		t.Fatalf("categories filter: got %+v", got)
	}
}

func TestMarkProcessedAndClearPhaseErrors(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	it := sampleItem("4001")
	it.SetPhaseError("generate", "collision")
	if err := s.SaveItem(ctx, it); err != nil {
		t.Fatal(err)
	}

	if err := s.MarkProcessed(ctx, "4001"); err != nil {
		t.Fatal(err)
	}
	if err := s.ClearPhaseErrors(ctx, []string{"4001"}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetItem(ctx, "4001")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Processed {
		t.Error("processed flag not set")
	}
	if len(got.PhaseErrors) != 0 {
		t.Errorf("phase_errors = %+v, want empty", got.PhaseErrors)
	}

	if err := s.MarkProcessed(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkProcessed(missing) = %v, want ErrNotFound", err)
	}
}

func TestCountItemFlags(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a := sampleItem("5001")
	a.CacheComplete = true
	a.MediaProcessed = true
	b := sampleItem("5002")
	b.CacheComplete = true
	for _, it := range []*Item{a, b} {
		if err := s.SaveItem(ctx, it); err != nil {
			t.Fatal(err)
		}
	}

	c, err := s.CountItemFlags(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c.Total != 2 || c.CacheComplete != 2 || c.MediaProcessed != 1 || c.DBSynced != 0 {
		t.Errorf("counts = %+v", c)
	}
}
