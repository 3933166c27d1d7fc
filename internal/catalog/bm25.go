package catalog

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

// BM25 parameters (spec §4.3).
const (
	k1 = 1.2
	b  = 0.75

	nameBoost     = 3.0
	descBoost     = 1.0
	serverIDBoost = 0.5
)

var tokenSplit = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// tokenize lowercases and splits on non-letter/non-digit runs, keeping only
// tokens of length >= 2, then stems each (spec §4.3).
func tokenize(s string) []string {
	lower := strings.ToLower(s)
	raw := tokenSplit.Split(lower, -1)
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		if len([]rune(t)) < 2 {
			continue
		}
		out = append(out, stem(t))
	}
	return out
}

// stems, longest suffix first, never stripping below 2 runes (spec §4.3's
// "minimal suffix-stripping stem").
var suffixes = []string{"ness", "tion", "ing", "est", "ed", "er", "ly", "es", "s"}

func stem(word string) string {
	for _, suf := range suffixes {
		if strings.HasSuffix(word, suf) && len(word)-len(suf) >= 2 {
			return word[:len(word)-len(suf)]
		}
	}
	return word
}

// docVector is one indexed tool: a term → weighted-tf map plus the field
// boost math needed for BM25's |D|/avgdl normalization.
type docVector struct {
	docID  string
	terms  map[string]float64 // term -> field-boosted term frequency
	length float64            // sum of boost*tokenCount across fields
}

// Index is the catalog's full-text search structure, rebuilt whenever the
// catalog refreshes. It holds no reference to Tool itself — callers map
// docID back to a Tool via the catalog's own byServer view.
type Index struct {
	docs     map[string]*docVector
	docOrder []string
	df       map[string]int // term -> number of docs containing it
	avgdl    float64
}

// NewIndex builds an index from (docID, name, description, serverID)
// triples — one per tool in the catalog.
func NewIndex(entries []IndexEntry) *Index {
	idx := &Index{
		docs: make(map[string]*docVector, len(entries)),
		df:   make(map[string]int),
	}

	var totalLen float64
	for _, e := range entries {
		nameToks := tokenize(e.Name)
		descToks := tokenize(e.Description)
		serverToks := tokenize(e.ServerID)

		terms := make(map[string]float64)
		addToks := func(toks []string, boost float64) {
			for _, t := range toks {
				terms[t] += boost
			}
		}
		addToks(nameToks, nameBoost)
		addToks(descToks, descBoost)
		addToks(serverToks, serverIDBoost)

		length := float64(len(nameToks))*nameBoost + float64(len(descToks))*descBoost + float64(len(serverToks))*serverIDBoost

		dv := &docVector{docID: e.DocID, terms: terms, length: length}
		idx.docs[e.DocID] = dv
		idx.docOrder = append(idx.docOrder, e.DocID)
		totalLen += length

		seen := make(map[string]bool, len(terms))
		for t := range terms {
			if !seen[t] {
				idx.df[t]++
				seen[t] = true
			}
		}
	}

	if n := len(idx.docs); n > 0 {
		idx.avgdl = totalLen / float64(n)
	}
	return idx
}

// IndexEntry is one document's raw indexable fields.
type IndexEntry struct {
	DocID       string
	Name        string
	Description string
	ServerID    string
}

// Hit is one search result.
type Hit struct {
	DocID string
	Score float64
}

func (idx *Index) idf(term string) float64 {
	n := float64(len(idx.docs))
	df := float64(idx.df[term])
	return math.Log((n-df+0.5)/(df+0.5) + 1)
}

func (idx *Index) bm25(tf, idfVal, docLen float64) float64 {
	if idx.avgdl == 0 {
		return 0
	}
	denom := tf + k1*(1-b+b*docLen/idx.avgdl)
	if denom == 0 {
		return 0
	}
	return idfVal * (tf * (k1 + 1)) / denom
}

// Search scores every document against the tokenized query (same tokenizer
// as indexing) and returns the top `limit` hits, sorted by score desc then
// docID lex (the caller re-sorts by exposed name for the final tie-break).
// A query term absent from the vocabulary falls back once to a
// prefix-match against each doc's own terms, at half score (spec §4.3).
func (idx *Index) Search(query string, limit int) []Hit {
	terms := tokenize(query)
	if len(terms) == 0 || len(idx.docs) == 0 {
		return nil
	}

	scores := make(map[string]float64, len(idx.docs))
	for _, qt := range terms {
		exact := idx.df[qt] > 0
		if exact {
			idfVal := idx.idf(qt)
			for docID, dv := range idx.docs {
				if tf := dv.terms[qt]; tf > 0 {
					scores[docID] += idx.bm25(tf, idfVal, dv.length)
				}
			}
			continue
		}

		// Prefix fallback: per doc, sum weighted tf over the doc's own
		// terms that share a prefix relation with qt in either direction.
		for docID, dv := range idx.docs {
			var tf float64
			for term, w := range dv.terms {
				if strings.HasPrefix(term, qt) || strings.HasPrefix(qt, term) {
					tf += w
				}
			}
			if tf == 0 {
				continue
			}
			matchingDocs := idx.docsMatchingPrefix(qt)
			idfVal := idx.idfForCount(matchingDocs)
			scores[docID] += 0.5 * idx.bm25(tf, idfVal, dv.length)
		}
	}

	hits := make([]Hit, 0, len(scores))
	for docID, score := range scores {
		if score > 0 {
			hits = append(hits, Hit{DocID: docID, Score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DocID < hits[j].DocID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func (idx *Index) docsMatchingPrefix(qt string) int {
	count := 0
	for _, dv := range idx.docs {
		for term := range dv.terms {
			if strings.HasPrefix(term, qt) || strings.HasPrefix(qt, term) {
				count++
				break
			}
		}
	}
	return count
}

func (idx *Index) idfForCount(df int) float64 {
	n := float64(len(idx.docs))
	d := float64(df)
	return math.Log((n-d+0.5)/(d+0.5) + 1)
}
