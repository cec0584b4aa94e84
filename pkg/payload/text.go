package payload

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "has": {}, "he": {}, "in": {}, "is": {},
	"it": {}, "its": {}, "of": {}, "on": {}, "or": {}, "that": {}, "the": {},
	"to": {}, "was": {}, "were": {}, "will": {}, "with": {},
}

// tokenize splits s on non-letter/digit runes, lowercases, and drops
// stopwords and single-character tokens.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ToLower(f)
		if len(f) < 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// textIndex is an in-memory inverted index over tokenized documents, with
// a BM25-lite scorer for ranking (no positions, no phrase queries). mu is
// this field's own exclusive guard, independent of every other field's
// sub-index.
type textIndex struct {
	mu       sync.RWMutex
	postings map[string]map[string]int // term -> id -> term frequency
	docLen   map[string]int
	totalLen int
}

func newTextIndex() *textIndex {
	return &textIndex{
		postings: make(map[string]map[string]int),
		docLen:   make(map[string]int),
	}
}

func (t *textIndex) add(id, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(id)
	terms := tokenize(text)
	if len(terms) == 0 {
		return
	}
	tf := make(map[string]int, len(terms))
	for _, term := range terms {
		tf[term]++
	}
	for term, count := range tf {
		posting, ok := t.postings[term]
		if !ok {
			posting = make(map[string]int)
			t.postings[term] = posting
		}
		posting[id] = count
	}
	t.docLen[id] = len(terms)
	t.totalLen += len(terms)
}

func (t *textIndex) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(id)
}

func (t *textIndex) removeLocked(id string) {
	length, ok := t.docLen[id]
	if !ok {
		return
	}
	for term, posting := range t.postings {
		if _, has := posting[id]; has {
			delete(posting, id)
			if len(posting) == 0 {
				delete(t.postings, term)
			}
		}
	}
	delete(t.docLen, id)
	t.totalLen -= length
}

func (t *textIndex) avgDocLen() float64 {
	if len(t.docLen) == 0 {
		return 0
	}
	return float64(t.totalLen) / float64(len(t.docLen))
}

// ids returns every id whose document contains at least one query token.
func (t *textIndex) ids(query string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	terms := tokenize(query)
	seen := make(map[string]struct{})
	for _, term := range terms {
		for id := range t.postings[term] {
			seen[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

// TextHit is a ranked full-text match.
type TextHit struct {
	ID    string
	Score float64
}

// topN ranks matching ids by BM25-lite score, descending.
func (t *textIndex) topN(query string, n int) []TextHit {
	t.mu.RLock()
	defer t.mu.RUnlock()
	terms := tokenize(query)
	scores := make(map[string]float64)
	avgdl := t.avgDocLen()
	numDocs := float64(len(t.docLen))

	for _, term := range terms {
		posting := t.postings[term]
		if len(posting) == 0 {
			continue
		}
		idf := math.Log(1 + (numDocs-float64(len(posting))+0.5)/(float64(len(posting))+0.5))
		for id, tf := range posting {
			dl := float64(t.docLen[id])
			denom := float64(tf) + bm25K1*(1-bm25B+bm25B*dl/maxFloat(avgdl, 1))
			scores[id] += idf * (float64(tf) * (bm25K1 + 1)) / denom
		}
	}

	hits := make([]TextHit, 0, len(scores))
	for id, score := range scores {
		hits = append(hits, TextHit{ID: id, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if n > 0 && len(hits) > n {
		hits = hits[:n]
	}
	return hits
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
