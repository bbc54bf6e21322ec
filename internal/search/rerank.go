package search

import (
	"sort"
	"strings"
	"unicode"

	"github.com/nickcecere/codechat/internal/fs"
	"github.com/nickcecere/codechat/internal/store"
)

// lexicalWeight is the share of the final score given to query term overlap.
const lexicalWeight = 0.2

var stopwords = map[string]bool{
	"the": true, "and": true, "that": true, "for": true, "with": true, "what": true, "how": true,
	"does": true, "this": true, "from": true, "are": true, "which": true, "where": true, "when": true,
	"who": true, "why": true, "can": true, "into": true, "code": true, "file": true, "there": true,
	"its": true, "you": true, "show": true, "use": true, "used": true, "uses": true,
}

// terms returns the distinct lowercased words of a query worth matching.
func terms(query string) []string {
	words := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	seen := make(map[string]bool)
	var out []string
	for _, w := range words {
		if len(w) < 3 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// lexicalScore is the fraction of terms found in the chunk's content, path or symbol.
func lexicalScore(terms []string, c store.ChunkRecord) float64 {
	if len(terms) == 0 {
		return 0
	}
	haystack := strings.ToLower(c.RelativePath + "\n" + c.Symbol + "\n" + c.Content)
	found := 0
	for _, t := range terms {
		if strings.Contains(haystack, t) {
			found++
		}
	}
	return float64(found) / float64(len(terms))
}

// Rerank blends vector similarity with query term overlap and orders the results
// by the blended score with the index's tie-breaks.
func Rerank(query string, hits []store.Hit) []Result {
	qterms := terms(query)
	results := make([]Result, len(hits))
	for i, h := range hits {
		res := fromChunk(h.Chunk)
		res.Similarity = h.Score
		res.Score = (1-lexicalWeight)*max(h.Score, 0) + lexicalWeight*lexicalScore(qterms, h.Chunk)
		results[i] = res
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if len(a.Path) != len(b.Path) {
			return len(a.Path) < len(b.Path)
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.StartLine < b.StartLine
	})
	return results
}

// Dedup drops results overlapping the lines of a better result in the same file.
// results must be ordered best first. Commit chunks have no range and are never merged.
func Dedup(results []Result) []Result {
	kept := make([]Result, 0, len(results))
	byPath := make(map[string][]Result)

	for _, res := range results {
		if res.Kind != fs.KindCommit && overlapsAny(res, byPath[res.Path]) {
			continue
		}
		byPath[res.Path] = append(byPath[res.Path], res)
		kept = append(kept, res)
	}
	return kept
}

func overlapsAny(res Result, others []Result) bool {
	for _, o := range others {
		if res.StartLine <= o.EndLine && o.StartLine <= res.EndLine {
			return true
		}
	}
	return false
}
