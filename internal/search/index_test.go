package search

import (
	"testing"

	"github.com/tbourn/impulse-backend/internal/domain"
)

func strptr(s string) *string { return &s }

// ---------- Options + defaultConfig ----------
func TestOptionsAndDefaults(t *testing.T) {
	def := defaultConfig()
	if def.stopwords != nil || def.maxDocs != 0 || def.minScore != 0 {
		t.Fatalf("defaultConfig unexpected: %#v", def)
	}

	cfg := def
	WithStopwords([]string{"  The ", "", "An"})(&cfg)
	if _, ok := cfg.stopwords["the"]; !ok {
		t.Fatalf("WithStopwords failed (missing 'the'): %#v", cfg.stopwords)
	}
	if _, ok := cfg.stopwords["an"]; !ok {
		t.Fatalf("WithStopwords failed (missing 'an'): %#v", cfg.stopwords)
	}

	cfg2 := def
	WithStopwords(nil)(&cfg2) // no change
	if cfg2.stopwords != nil {
		t.Fatalf("empty stopwords should remain nil")
	}

	WithMaxDocs(2)(&cfg)
	WithMaxDocs(0)(&cfg) // no-op
	if cfg.maxDocs != 2 {
		t.Fatalf("WithMaxDocs: got %d", cfg.maxDocs)
	}

	WithMinScore(0.5)(&cfg)
	WithMinScore(1.5)(&cfg) // out of range -> ignored
	WithMinScore(-1)(&cfg)
	if cfg.minScore != 0.5 {
		t.Fatalf("WithMinScore: got %v", cfg.minScore)
	}
}

// ---------- NewIndex filters ----------
func TestNewIndex_FiltersAndMaxDocs(t *testing.T) {
	docs := []Document{
		{ID: "1", Text: ""},
		{ID: "2", Text: " -- !! "},   // no tokens
		{ID: "3", Text: "The and a"}, // all stopwords
		{ID: "4", Text: "Concert Hall"},
		{ID: "5", Text: "Stone church nave"},
	}
	idx := NewIndex(docs, WithStopwords([]string{"the", "and", "a"}))
	if ii := idx.(*index); len(ii.docs) != 2 {
		t.Fatalf("expected 2 docs, got %d", len(ii.docs))
	}

	capped := NewIndex(docs, WithMaxDocs(1))
	if ii := capped.(*index); len(ii.docs) != 1 || ii.docs[0].id != "3" {
		t.Fatalf("maxDocs cap failed: %#v", ii.docs)
	}
}

// ---------- TopK branches & tie-breakers ----------
func TestTopK_BranchesAndSorting(t *testing.T) {
	empty := NewIndex(nil)
	if res := empty.TopK("x", 3); res != nil {
		t.Fatalf("empty index should return nil")
	}

	idx := NewIndex([]Document{
		{ID: "d1", Text: "alpha beta"},
		{ID: "d2", Text: "alpha beta gamma"},
		{ID: "d0", Text: "beta alpha"},
		{ID: "d4", Text: "delta epsilon"},
	})
	if out := idx.TopK("   ", 2); out != nil {
		t.Fatalf("blank query should return nil")
	}
	if out := idx.TopK("?!", 2); out != nil {
		t.Fatalf("tokenless query should return nil")
	}

	got := idx.TopK("alpha beta", 0)
	if len(got) != 3 {
		t.Fatalf("expected 3 results, got %#v", got)
	}
	// equal score and length tie-break on ID
	if got[0].ID != "d0" || got[1].ID != "d1" || got[2].ID != "d2" {
		t.Fatalf("unexpected order: %#v", got)
	}
	if got[0].Score != 1 || got[2].Score >= 1 {
		t.Fatalf("unexpected scores: %#v", got)
	}

	if top := idx.TopK("alpha beta", 1); len(top) != 1 || top[0].ID != "d0" {
		t.Fatalf("k=1: %#v", top)
	}
	if none := idx.TopK("zeta", 5); none != nil {
		t.Fatalf("no overlap should return nil, got %#v", none)
	}
}

func TestTopK_MinScore(t *testing.T) {
	idx := NewIndex([]Document{
		{ID: "exact", Text: "vienna hall"},
		{ID: "loose", Text: "vienna hall with a very long description"},
	}, WithMinScore(0.5))
	got := idx.TopK("vienna hall", 0)
	if len(got) != 1 || got[0].ID != "exact" {
		t.Fatalf("minScore filter failed: %#v", got)
	}
}

func TestTokenize_FoldsAccentsAndCase(t *testing.T) {
	toks := tokenize("Kölner DOM, 2023!", nil)
	for _, w := range []string{"kolner", "dom", "2023"} {
		if _, ok := toks[w]; !ok {
			t.Fatalf("missing %q in %v", w, toks)
		}
	}
	if len(toks) != 3 {
		t.Fatalf("unexpected tokens %v", toks)
	}
	if tokenize("...", nil) != nil {
		t.Fatalf("expected nil for punctuation-only input")
	}
}

func TestOverlap(t *testing.T) {
	a := map[string]struct{}{"x": {}, "y": {}}
	b := map[string]struct{}{"y": {}, "z": {}, "w": {}}
	if overlap(a, b) != 1 || overlap(b, a) != 1 {
		t.Fatalf("overlap should be symmetric and 1")
	}
	if overlap(nil, b) != 0 {
		t.Fatalf("overlap with empty set should be 0")
	}
}

// ---------- ImpulseDocuments ----------
func TestImpulseDocuments(t *testing.T) {
	items := []domain.Impulse{
		{ID: "a", Name: "Kölner Dom", Description: "Cathedral nave", Location: strptr("Cologne")},
		{ID: "b", Name: "Tunnel", Description: "Railway tunnel", GPSLocation: &domain.Point{Type: "Point", Coordinates: []float64{6.9, 50.9}}},
	}
	docs := ImpulseDocuments(items)
	if len(docs) != 2 {
		t.Fatalf("expected 2 docs, got %d", len(docs))
	}
	if docs[0].ID != "a" || docs[0].Text != "Kölner Dom Cathedral nave Cologne" {
		t.Fatalf("unexpected doc: %#v", docs[0])
	}
	if docs[1].Text != "Tunnel Railway tunnel" {
		t.Fatalf("GPS-only impulse should not add location text: %#v", docs[1])
	}

	got := NewIndex(docs).TopK("kolner cologne", 0)
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("expected accent-folded match on a, got %#v", got)
	}
}
