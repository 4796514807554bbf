package query

import (
	"math"
	"strings"
	"unicode/utf8"
)

const maxRerankChunks = 200

// chunkText splits text into overlapping chunks on rune boundaries.
func chunkText(text string, maxChars, overlap int) []string {
	if len(text) == 0 {
		return nil
	}
	if len(text) <= maxChars {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(text) && len(chunks) < maxRerankChunks {
		end := start + maxChars
		if end > len(text) {
			end = len(text)
		}
		end = alignBoundary(text, end)

		chunks = append(chunks, text[start:end])
		if end == len(text) {
			break
		}

		next := end - overlap
		if next < 0 {
			next = 0
		}
		next = alignBoundary(text, next)
		if next <= start {
			break
		}
		start = next
	}
	return chunks
}

func alignBoundary(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// rerankScore scores a chunk against the query with term coverage, an
// exact-phrase bonus, and a log-scaled frequency bonus, normalized to
// (0, 1).
func rerankScore(query, chunk string) float64 {
	queryLower := strings.ToLower(query)

	var terms []string
	for _, t := range strings.Fields(queryLower) {
		if len(t) >= 3 {
			terms = append(terms, t)
		}
	}
	if len(terms) == 0 {
		return 0
	}

	chunkLower := strings.ToLower(chunk)

	var matched, freq int
	for _, term := range terms {
		if strings.Contains(chunkLower, term) {
			matched++
		}
		freq += strings.Count(chunkLower, term)
	}

	coverage := float64(matched) / float64(len(terms))

	var phraseBonus float64
	if strings.Contains(chunkLower, queryLower) {
		phraseBonus = 0.2
	}

	freqBonus := math.Log1p(float64(freq)) * 0.05

	raw := coverage + phraseBonus + freqBonus
	return raw / (1 + raw)
}

// bestChunk returns the highest scoring chunk of text and its score.
func bestChunk(query, text string, maxChars, overlap int) (string, float64) {
	var (
		best      string
		bestScore float64
	)
	for _, chunk := range chunkText(text, maxChars, overlap) {
		if score := rerankScore(query, chunk); score > bestScore {
			bestScore = score
			best = chunk
		}
	}
	return best, bestScore
}
