package query

import (
	"time"

	"resolvd/internal/scorer"
)

// Source describes the resolver a result came from.
type Source struct {
	ID       string
	Priority int
	Weight   float64
}

// Result is one candidate match for a Query. It is a value: the copies
// handed out by a Query never alias its internal state, and re-scoring
// produces a new Result.
type Result struct {
	Artist   string
	Track    string
	Album    string
	Duration time.Duration

	// Locator is how the source would play the track (URL, URI or path).
	Locator string

	Source         string
	SourcePriority int
	Weight         float64
	Score          float64
	Key            scorer.Key

	arrival uint64
}

// NewResult builds a scored Result with its equivalence key filled in.
func NewResult(f scorer.Fields, locator string, src Source, score float64) Result {
	return Result{
		Artist:         f.Artist,
		Track:          f.Track,
		Album:          f.Album,
		Duration:       f.Duration,
		Locator:        locator,
		Source:         src.ID,
		SourcePriority: src.Priority,
		Weight:         src.Weight,
		Score:          score,
		Key:            scorer.EquivalenceKey(f),
	}
}

// Fields returns the comparable fields of the result.
func (r Result) Fields() scorer.Fields {
	return scorer.Fields{Artist: r.Artist, Track: r.Track, Album: r.Album, Duration: r.Duration}
}

// Arrival is the order in which the query first accepted this result.
func (r Result) Arrival() uint64 { return r.arrival }

// outranks reports whether r should replace or sort ahead of other.
// Equal score falls back to source priority, then to arrival order.
func (r Result) outranks(other Result) bool {
	if r.Score != other.Score {
		return r.Score > other.Score
	}
	if r.SourcePriority != other.SourcePriority {
		return r.SourcePriority > other.SourcePriority
	}
	return r.arrival < other.arrival
}

func (r Result) same(other Result) bool {
	return r.Key == other.Key && r.Source == other.Source && r.Score == other.Score && r.Locator == other.Locator
}
