package flagindex

import (
	"path/filepath"
	"strings"
	"testing"
)

func tempIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := NewIndex(filepath.Join(t.TempDir(), "flagindex.db"))
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func scanPayload(flags ...map[string]any) map[string]any {
	items := make([]any, 0, len(flags))
	for _, f := range flags {
		items = append(items, f)
	}
	return map[string]any{"flags_found": items}
}

func TestIndex_RecordScanAndSearch(t *testing.T) {
	idx := tempIndex(t)

	err := idx.RecordScan("https://github.com/acme/api", scanPayload(
		map[string]any{
			"flag_key":    "checkout-v2",
			"file_path":   "src/checkout.ts",
			"line_number": float64(42),
			"context":     "if (flags.isEnabled('checkout-v2'))",
		},
		map[string]any{
			"flag_key":    "dark-mode",
			"file_path":   "src/theme.ts",
			"line_number": float64(7),
			"context":     "useFlag('dark-mode')",
		},
	))
	if err != nil {
		t.Fatalf("RecordScan: %v", err)
	}

	results, err := idx.Search("checkout", "", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one result")
	}
	got := results[0]
	if got.Repository != "https://github.com/acme/api" {
		t.Errorf("Repository = %q", got.Repository)
	}
	if got.FlagKey != "checkout-v2" {
		t.Errorf("FlagKey = %q, want \"checkout-v2\"", got.FlagKey)
	}
	if got.File != "src/checkout.ts" || got.Line != 42 {
		t.Errorf("File/Line = %q/%d", got.File, got.Line)
	}
	if !strings.Contains(got.Snippet, ">>>") {
		t.Errorf("Snippet %q has no highlight markers", got.Snippet)
	}
}

func TestIndex_SearchHyphenatedFlagKey(t *testing.T) {
	idx := tempIndex(t)

	if err := idx.RecordScan("https://github.com/acme/api", scanPayload(
		map[string]any{"flag_key": "checkout-v2", "file_path": "a.ts", "context": "isEnabled('checkout-v2')"},
	)); err != nil {
		t.Fatalf("RecordScan: %v", err)
	}

	results, err := idx.Search("checkout-v2", "", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
}

func TestIndex_RecordScanReplacesRepository(t *testing.T) {
	idx := tempIndex(t)
	repo := "https://github.com/acme/api"
	other := "https://github.com/acme/web"

	if err := idx.RecordScan(repo, scanPayload(
		map[string]any{"flag_key": "old-flag", "file_path": "a.go", "context": "old reference"},
		map[string]any{"flag_key": "old-flag", "file_path": "b.go", "context": "old reference"},
	)); err != nil {
		t.Fatalf("first RecordScan: %v", err)
	}
	if err := idx.RecordScan(other, scanPayload(
		map[string]any{"flag_key": "web-flag", "file_path": "w.go", "context": "web reference"},
	)); err != nil {
		t.Fatalf("other RecordScan: %v", err)
	}

	// Re-scan finds different flags
	if err := idx.RecordScan(repo, scanPayload(
		map[string]any{"flag_key": "new-flag", "file_path": "c.go", "context": "new reference"},
	)); err != nil {
		t.Fatalf("second RecordScan: %v", err)
	}

	stale, err := idx.Search("old", "", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("stale references survived re-scan: %v", stale)
	}

	stats, err := idx.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Repositories != 2 || stats.Flags != 2 || stats.References != 2 {
		t.Errorf("Stats = %+v, want 2 repositories, 2 flags, 2 references", stats)
	}
}

func TestIndex_SearchFiltersByRepository(t *testing.T) {
	idx := tempIndex(t)

	idx.RecordScan("https://github.com/acme/api", scanPayload(
		map[string]any{"flag_key": "shared-flag", "file_path": "a.go", "context": "api reference"},
	))
	idx.RecordScan("https://github.com/acme/web", scanPayload(
		map[string]any{"flag_key": "shared-flag", "file_path": "w.go", "context": "web reference"},
	))

	results, err := idx.Search("shared", "https://github.com/acme/web", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	if results[0].Repository != "https://github.com/acme/web" {
		t.Errorf("Repository = %q, want the web repo", results[0].Repository)
	}
}

func TestIndex_FlagKeys(t *testing.T) {
	idx := tempIndex(t)

	idx.RecordScan("https://github.com/acme/api", scanPayload(
		map[string]any{"flag_key": "zeta", "file_path": "a.go"},
		map[string]any{"flag_key": "alpha", "file_path": "b.go"},
		map[string]any{"flag_key": "alpha", "file_path": "c.go"},
	))

	keys, err := idx.FlagKeys()
	if err != nil {
		t.Fatalf("FlagKeys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "alpha" || keys[1] != "zeta" {
		t.Errorf("FlagKeys = %v, want [alpha zeta]", keys)
	}
}

func TestIndex_Repositories(t *testing.T) {
	idx := tempIndex(t)

	idx.RecordScan("https://github.com/acme/api", scanPayload(
		map[string]any{"flag_key": "a", "file_path": "x.go"},
		map[string]any{"flag_key": "b", "file_path": "y.go"},
	))

	scans, err := idx.Repositories()
	if err != nil {
		t.Fatalf("Repositories: %v", err)
	}
	if len(scans) != 1 {
		t.Fatalf("len(scans) = %d, want 1", len(scans))
	}
	sc := scans[0]
	if sc.Repository != "https://github.com/acme/api" || sc.Flags != 2 || sc.References != 2 {
		t.Errorf("scan = %+v", sc)
	}
	if sc.ScannedAt.IsZero() {
		t.Error("ScannedAt not recorded")
	}
}

func TestIndex_EmptyScanStillRegistersRepository(t *testing.T) {
	idx := tempIndex(t)

	if err := idx.RecordScan("https://github.com/acme/clean", map[string]any{"flags_found": []any{}}); err != nil {
		t.Fatalf("RecordScan: %v", err)
	}

	scans, err := idx.Repositories()
	if err != nil {
		t.Fatalf("Repositories: %v", err)
	}
	if len(scans) != 1 || scans[0].Flags != 0 || scans[0].References != 0 {
		t.Errorf("scans = %+v, want one entry with zero counts", scans)
	}
}

func TestIndex_EmptyQuery(t *testing.T) {
	idx := tempIndex(t)

	results, err := idx.Search("", "", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Error("expected no results for empty query")
	}
}

func TestSanitizeFTSQuery(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello world"},
		{"checkout-v2", "checkout v2"},
		{"isEnabled('dark-mode')", "isEnabled dark mode"},
		{"", ""},
		{"AND OR NOT", ""},
		{`"quoted" text`, "quoted text"},
	}

	for _, tt := range tests {
		got := sanitizeFTSQuery(tt.input)
		if got != tt.expected {
			t.Errorf("sanitizeFTSQuery(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
