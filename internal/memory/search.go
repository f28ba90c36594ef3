package memory

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// Field weights for scoring.
const (
	weightKey   = 2.0
	weightTag   = 1.5
	weightValue = 1.0
)

// Match is one scored search result.
type Match struct {
	Entry Entry   `json:"entry"`
	Score float64 `json:"score"`
}

// Search ranks entries against the query with TF-IDF scoring over key
// (2×), tags (1.5×) and value (1×) text. Entries scoring zero are dropped.
func (s *Store) Search(query string, limit int) ([]Match, error) {
	entries, err := s.List()
	if err != nil {
		return nil, err
	}
	return Rank(entries, query, limit), nil
}

// Rank scores entries against query. Exposed separately so the workspace
// markdown sections can be ranked alongside the KV store.
func Rank(entries []Entry, query string, limit int) []Match {
	terms := tokenize(query)
	if len(terms) == 0 || len(entries) == 0 {
		return nil
	}

	// Document frequency per term across all entries.
	df := make(map[string]int, len(terms))
	docs := make([]map[string]float64, len(entries))
	for i, e := range entries {
		tf := make(map[string]float64)
		addTerms(tf, tokenize(e.Key), weightKey)
		for _, tag := range e.Tags {
			addTerms(tf, tokenize(tag), weightTag)
		}
		addTerms(tf, tokenize(e.Value), weightValue)
		docs[i] = tf
		for term := range tf {
			df[term]++
		}
	}

	n := float64(len(entries))
	var matches []Match
	for i, e := range entries {
		score := 0.0
		for _, term := range terms {
			tf := docs[i][term]
			if tf == 0 {
				continue
			}
			idf := math.Log(1 + n/float64(df[term]))
			score += tf * idf
		}
		if score > 0 {
			matches = append(matches, Match{Entry: e, Score: score})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

func addTerms(tf map[string]float64, terms []string, weight float64) {
	for _, t := range terms {
		tf[t] += weight
	}
}

// tokenize lowercases and splits on non-alphanumeric runs.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
