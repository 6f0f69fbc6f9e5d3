// Package search ranks impulses against a free-text query.
//
// An Index is built from a snapshot of documents (one per impulse: name,
// description and location text) and is read-only afterwards, so it is safe
// for concurrent use. Tokens are lower-cased and accent-folded, so "koln"
// matches "Köln".
//
// Scoring uses Jaccard similarity between the query token set and each
// document's token set: score = |Q ∩ D| / |Q ∪ D|. Ties are broken by
// shorter document, then by ID, so results are deterministic.
package search

import (
	"regexp"
	"sort"
	"strings"

	"github.com/tbourn/impulse-backend/internal/domain"
)

// Document is one searchable entry.
type Document struct {
	ID   string
	Text string
}

// Result is a ranked document ID with its similarity score.
type Result struct {
	ID    string
	Score float64
}

// Index is the minimal interface implemented by all search indices.
type Index interface {
	// TopK returns up to k matches, best first. k <= 0 returns every match.
	TopK(query string, k int) []Result
}

// ----------------------------------------------------------------------------
// Options

type Option func(*config)

type config struct {
	stopwords map[string]struct{}
	minScore  float64
	maxDocs   int
}

func defaultConfig() config {
	return config{}
}

// WithStopwords drops the given words from documents and queries.
func WithStopwords(words []string) Option {
	return func(c *config) {
		m := make(map[string]struct{}, len(words))
		for _, w := range words {
			w = strings.ToLower(strings.TrimSpace(w))
			if w != "" {
				m[w] = struct{}{}
			}
		}
		if len(m) > 0 {
			c.stopwords = m
		}
	}
}

// WithMinScore discards results scoring below s.
func WithMinScore(s float64) Option {
	return func(c *config) {
		if s > 0 && s <= 1 {
			c.minScore = s
		}
	}
}

// WithMaxDocs caps how many documents are indexed.
func WithMaxDocs(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxDocs = n
		}
	}
}

// ----------------------------------------------------------------------------
// Implementation

type doc struct {
	id     string
	tokens map[string]struct{}
	tLen   int
}

type index struct {
	cfg  config
	docs []doc
}

// NewIndex builds an Index from docs. Documents without tokens are skipped.
func NewIndex(docs []Document, opts ...Option) Index {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	out := make([]doc, 0, len(docs))
	for _, d := range docs {
		toks := tokenize(d.Text, cfg.stopwords)
		if len(toks) == 0 {
			continue
		}
		out = append(out, doc{id: d.ID, tokens: toks, tLen: len(toks)})
		if cfg.maxDocs > 0 && len(out) >= cfg.maxDocs {
			break
		}
	}
	return &index{cfg: cfg, docs: out}
}

// ImpulseDocuments turns impulses into documents keyed by impulse ID.
func ImpulseDocuments(items []domain.Impulse) []Document {
	out := make([]Document, 0, len(items))
	for _, imp := range items {
		parts := []string{imp.Name, imp.Description}
		if imp.Location != nil {
			parts = append(parts, *imp.Location)
		}
		out = append(out, Document{ID: imp.ID, Text: strings.Join(parts, " ")})
	}
	return out
}

func (i *index) TopK(q string, k int) []Result {
	if len(i.docs) == 0 || strings.TrimSpace(q) == "" {
		return nil
	}
	qTokens := tokenize(q, i.cfg.stopwords)
	if len(qTokens) == 0 {
		return nil
	}
	qLen := len(qTokens)

	type scored struct {
		id    string
		score float64
		tLen  int
	}

	buf := make([]scored, 0, len(i.docs))
	for _, d := range i.docs {
		over := overlap(qTokens, d.tokens)
		if over == 0 {
			continue
		}
		score := float64(over) / float64(qLen+d.tLen-over)
		if score < i.cfg.minScore {
			continue
		}
		buf = append(buf, scored{id: d.id, score: score, tLen: d.tLen})
	}
	if len(buf) == 0 {
		return nil
	}

	sort.SliceStable(buf, func(a, b int) bool {
		if buf[a].score != buf[b].score {
			return buf[a].score > buf[b].score
		}
		if buf[a].tLen != buf[b].tLen {
			return buf[a].tLen < buf[b].tLen
		}
		return buf[a].id < buf[b].id
	})

	if k <= 0 || k > len(buf) {
		k = len(buf)
	}
	out := make([]Result, k)
	for n := 0; n < k; n++ {
		out[n] = Result{ID: buf[n].id, Score: buf[n].score}
	}
	return out
}

// ----------------------------------------------------------------------------
// Helpers

var wordRE = regexp.MustCompile(`[\p{L}\p{N}]+`)

func tokenize(s string, stop map[string]struct{}) map[string]struct{} {
	words := wordRE.FindAllString(strings.ToLower(domain.FoldAccents(s)), -1)
	if len(words) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		if _, skip := stop[w]; skip {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

func overlap(a, b map[string]struct{}) int {
	if len(a) > len(b) {
		a, b = b, a
	}
	n := 0
	for k := range a {
		if _, ok := b[k]; ok {
			n++
		}
	}
	return n
}
