package db

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

// rerunNormalizeMigration executes the 002 statements against rows
// mutated into the legacy shape after the initial migration ran.
func rerunNormalizeMigration(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	sqlText, err := schemaFS.ReadFile("schema/002_normalize_media_json.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	for _, stmt := range strings.Split(string(sqlText), ";") {
		if commentOnly(stmt) {
			continue
		}
		if _, err := s.Exec(ctx, stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
}

func commentOnly(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}

func TestNormalizeMigrationUnwrapsLegacyMediaString(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	it := sampleItem("3001")
	if err := s.SaveItem(ctx, it); err != nil {
		t.Fatal(err)
	}

	// Legacy rows stored the media array serialized once more, as a
	// JSON string wrapping the array text.
	inner, err := json.Marshal(it.Media)
	if err != nil {
		t.Fatal(err)
	}
	legacyMedia, err := json.Marshal(string(inner))
	if err != nil {
		t.Fatal(err)
	}
	legacyPaths, err := json.Marshal("media/a.jpg")
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.Exec(ctx, `UPDATE items SET media = ?, kb_media_paths = ? WHERE item_id = ?`,
		string(legacyMedia), string(legacyPaths), it.ID)
	if err != nil {
		t.Fatal(err)
	}

	rerunNormalizeMigration(t, s)

	got, err := s.GetItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("migrated media row is unreadable: %v", err)
	}
	if len(got.Media) != 1 || got.Media[0].SourceURL != it.Media[0].SourceURL {
		t.Errorf("media = %+v, want the unwrapped legacy array", got.Media)
	}
	if len(got.KBMediaPaths) != 1 || got.KBMediaPaths[0] != "media/a.jpg" {
		t.Errorf("kb_media_paths = %+v, want [media/a.jpg]", got.KBMediaPaths)
	}
}

func TestNormalizeMigrationEmptiesUnparsableMedia(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	it := sampleItem("3002")
	if err := s.SaveItem(ctx, it); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Exec(ctx, `UPDATE items SET media = ? WHERE item_id = ?`, `"not a json payload"`, it.ID); err != nil {
		t.Fatal(err)
	}

	rerunNormalizeMigration(t, s)

	got, err := s.GetItem(ctx, it.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Media) != 0 {
		t.Errorf("media = %+v, want empty after normalizing garbage", got.Media)
	}
}
