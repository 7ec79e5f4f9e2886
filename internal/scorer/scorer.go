// Package scorer ranks candidate tracks against a query and derives the
// identity used to deduplicate them. Everything here is pure.
package scorer

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/gosimple/slug"
)

// Fields are the comparable parts of a query or a candidate.
type Fields struct {
	Artist   string
	Track    string
	Album    string
	Duration time.Duration
}

// Key identifies duplicate results regardless of which resolver produced them.
type Key string

// Field weights when the query has all three fields. Missing query fields
// drop out and the rest are renormalized.
const (
	trackWeight  = 0.5
	artistWeight = 0.35
	albumWeight  = 0.15

	matchShare  = 0.85
	sourceShare = 0.15

	durationGrace      = 5 * time.Second
	durationMaxPenalty = 0.3
	durationMaxDiff    = 60 * time.Second
)

// EquivalenceKey folds case, strips punctuation and transliterates each field.
func EquivalenceKey(f Fields) Key {
	return Key(compact(f.Artist) + "|" + compact(f.Track) + "|" + compact(f.Album))
}

// Score computes a match confidence in [0,1] for candidate against query.
// weight is the source resolver's weight, itself in [0,1].
func Score(query, candidate Fields, weight float64) float64 {
	var sum, total float64
	add := func(w float64, q, c string) {
		if strings.TrimSpace(q) == "" {
			return
		}
		total += w
		sum += w * Similarity(Normalize(q), Normalize(c))
	}
	add(trackWeight, query.Track, candidate.Track)
	add(artistWeight, query.Artist, candidate.Artist)
	add(albumWeight, query.Album, candidate.Album)

	var match float64
	if total > 0 {
		match = sum / total
	}

	s := matchShare*match + sourceShare*clamp(weight)
	s -= durationPenalty(query.Duration, candidate.Duration)
	return clamp(s)
}

// ScoreText scores a candidate against free text that could not be split
// into fields, by comparing it with the candidate's "artist track album".
func ScoreText(text string, candidate Fields, weight float64) float64 {
	combined := strings.Join([]string{candidate.Artist, candidate.Track, candidate.Album}, " ")
	match := Similarity(Normalize(text), Normalize(combined))
	if withoutAlbum := Similarity(Normalize(text), Normalize(candidate.Artist+" "+candidate.Track)); withoutAlbum > match {
		match = withoutAlbum
	}
	return clamp(matchShare*match + sourceShare*clamp(weight))
}

func durationPenalty(hint, actual time.Duration) float64 {
	if hint <= 0 || actual <= 0 {
		return 0
	}
	diff := hint - actual
	if diff < 0 {
		diff = -diff
	}
	if diff <= durationGrace {
		return 0
	}
	ratio := float64(diff-durationGrace) / float64(durationMaxDiff-durationGrace)
	if ratio > 1 {
		ratio = 1
	}
	return durationMaxPenalty * ratio
}

// Similarity returns how similar two normalized strings are (0.0-1.0).
// It takes the better of token overlap and edit distance, and treats strings
// equal once spaces are removed ("theweeknd" vs "the weeknd") as identical.
func Similarity(a, b string) float64 {
	if a == "" && b == "" {
		return 1.0
	}
	if a == "" || b == "" {
		return 0.0
	}

	compactA := strings.ReplaceAll(a, " ", "")
	compactB := strings.ReplaceAll(b, " ", "")
	if compactA == compactB {
		return 1.0
	}

	overlap := tokenOverlap(strings.Fields(a), strings.Fields(b))

	longest := utf8.RuneCountInString(compactA)
	if n := utf8.RuneCountInString(compactB); n > longest {
		longest = n
	}
	edit := 1 - float64(levenshtein.ComputeDistance(compactA, compactB))/float64(longest)

	if edit > overlap {
		return clamp(edit)
	}
	return overlap
}

func tokenOverlap(tokensA, tokensB []string) float64 {
	if len(tokensA) == 0 || len(tokensB) == 0 {
		return 0.0
	}

	setB := make(map[string]bool, len(tokensB))
	for _, t := range tokensB {
		setB[t] = true
	}

	matches := 0
	for _, t := range tokensA {
		if setB[t] {
			matches++
		}
	}

	maxLen := len(tokensA)
	if len(tokensB) > maxLen {
		maxLen = len(tokensB)
	}
	return float64(matches) / float64(maxLen)
}

// Normalize lowercases, transliterates and strips punctuation, leaving
// single-space separated tokens.
func Normalize(s string) string {
	return strings.ReplaceAll(slug.Make(strings.TrimSpace(s)), "-", " ")
}

func compact(s string) string {
	return strings.ReplaceAll(slug.Make(strings.TrimSpace(s)), "-", "")
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
