package query

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resolvd/internal/scorer"
)

func mustQuery(t *testing.T, artist, track string) *Query {
	t.Helper()
	q, err := New(artist, track, "")
	require.NoError(t, err)
	return q
}

func result(key, source string, priority int, score float64) Result {
	return Result{
		Track:          key,
		Source:         source,
		SourcePriority: priority,
		Score:          score,
		Key:            scorer.Key(key),
	}
}

type summary struct {
	Key    scorer.Key
	Source string
	Score  float64
}

func summarize(rs []Result) []summary {
	out := make([]summary, len(rs))
	for i, r := range rs {
		out[i] = summary{Key: r.Key, Source: r.Source, Score: r.Score}
	}
	return out
}

func TestNewRequiresAField(t *testing.T) {
	_, err := New("", "  ", "")
	require.ErrorIs(t, err, ErrInvalidArgument)

	for _, fields := range [][3]string{{"Muse", "", ""}, {"", "Starlight", ""}, {"", "", "Absolution"}} {
		q, err := New(fields[0], fields[1], fields[2])
		require.NoError(t, err)
		assert.NotEmpty(t, q.ID())
		assert.False(t, q.IsFullText())
	}
}

func TestNewFullText(t *testing.T) {
	_, err := NewFullText("   ")
	require.ErrorIs(t, err, ErrInvalidArgument)

	q, err := NewFullText("Muse - Starlight (Official Video)")
	require.NoError(t, err)
	assert.True(t, q.IsFullText())
	assert.Equal(t, "Muse", q.Artist())
	assert.Equal(t, "Starlight", q.Track())
	assert.Equal(t, "Muse - Starlight (Official Video)", q.FullText())
}

func TestWithDuration(t *testing.T) {
	q, err := New("Muse", "Starlight", "", WithDuration(4*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 4*time.Minute, q.Fields().Duration)
}

func TestUniqueIDs(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		q := mustQuery(t, "Muse", "Starlight")
		require.False(t, ids[q.ID()], "duplicate query ID %s", q.ID())
		ids[q.ID()] = true
	}
}

func TestAddResultsKeepsHigherScoredDuplicate(t *testing.T) {
	q := mustQuery(t, "Muse", "Starlight")

	q.AddResults(
		result("K1", "A", 10, 0.4),
		result("K1", "B", 10, 0.9),
		result("K2", "C", 10, 0.5),
	)

	assert.Equal(t, []summary{
		{Key: "K1", Source: "B", Score: 0.9},
		{Key: "K2", Source: "C", Score: 0.5},
	}, summarize(q.Results()))

	best, ok := q.BestResult()
	require.True(t, ok)
	assert.Equal(t, scorer.Key("K1"), best.Key)
	assert.Equal(t, 0.9, best.Score)
}

func TestAddResultsIf(t *testing.T) {
	q := mustQuery(t, "Muse", "Starlight")

	assert.False(t, q.AddResultsIf(func() bool { return false }, result("K1", "A", 10, 0.4)))
	assert.Zero(t, q.Len())

	assert.True(t, q.AddResultsIf(func() bool { return true }, result("K1", "A", 10, 0.4)))
	assert.Equal(t, 1, q.Len())
}

func TestAddResultsCommutative(t *testing.T) {
	c1 := []Result{result("K1", "A", 5, 0.4), result("K2", "C", 1, 0.5)}
	c2 := []Result{result("K1", "B", 9, 0.9), result("K3", "D", 3, 0.2)}

	split := mustQuery(t, "Muse", "Starlight")
	split.AddResults(c1...)
	split.AddResults(c2...)

	reversed := mustQuery(t, "Muse", "Starlight")
	reversed.AddResults(c2...)
	reversed.AddResults(c1...)

	union := mustQuery(t, "Muse", "Starlight")
	union.AddResults(append(append([]Result{}, c1...), c2...)...)

	want := summarize(union.Results())
	assert.Equal(t, want, summarize(split.Results()))
	assert.Equal(t, want, summarize(reversed.Results()))
}

func TestAddResultsIdempotent(t *testing.T) {
	q := mustQuery(t, "Muse", "Starlight")
	batch := []Result{result("K1", "A", 5, 0.4), result("K2", "B", 1, 0.8)}

	var events int
	q.Subscribe(func(Event) { events++ })

	q.AddResults(batch...)
	first := summarize(q.Results())
	firstBest, _ := q.BestResult()

	q.AddResults(batch...)
	assert.Equal(t, first, summarize(q.Results()))
	best, _ := q.BestResult()
	assert.Equal(t, firstBest, best)
	assert.Equal(t, 1, events, "replaying a batch must not notify")
}

func TestEqualScoreTieBreak(t *testing.T) {
	t.Run("higher priority wins", func(t *testing.T) {
		q := mustQuery(t, "Muse", "Starlight")
		q.AddResults(result("K1", "low", 1, 0.7))
		q.AddResults(result("K1", "high", 9, 0.7))

		best, _ := q.BestResult()
		assert.Equal(t, "high", best.Source)
	})

	t.Run("first received wins", func(t *testing.T) {
		q := mustQuery(t, "Muse", "Starlight")
		q.AddResults(result("K1", "first", 5, 0.7))
		q.AddResults(result("K1", "second", 5, 0.7))

		best, _ := q.BestResult()
		assert.Equal(t, "first", best.Source)
	})

	t.Run("ordering across keys", func(t *testing.T) {
		q := mustQuery(t, "Muse", "Starlight")
		q.AddResults(
			result("K1", "a", 1, 0.7),
			result("K2", "b", 5, 0.7),
			result("K3", "c", 1, 0.7),
		)
		got := summarize(q.Results())
		require.Len(t, got, 3)
		assert.Equal(t, scorer.Key("K2"), got[0].Key)
		assert.Equal(t, scorer.Key("K1"), got[1].Key)
		assert.Equal(t, scorer.Key("K3"), got[2].Key)
	})
}

func TestBestMatchesMaximum(t *testing.T) {
	q := mustQuery(t, "Muse", "Starlight")
	scores := []float64{0.3, 0.8, 0.1, 0.95, 0.5, 0.95, 0.2}
	for i, s := range scores {
		q.AddResults(result(fmt.Sprintf("K%d", i%4), fmt.Sprintf("src%d", i), i, s))

		best, ok := q.BestResult()
		require.True(t, ok)
		for _, r := range q.Results() {
			assert.LessOrEqual(t, r.Score, best.Score)
		}
		assert.Equal(t, q.Results()[0], best)
	}
}

func TestKeyDerivedWhenMissing(t *testing.T) {
	q := mustQuery(t, "Muse", "Starlight")
	q.AddResults(
		Result{Artist: "Muse", Track: "Starlight", Source: "a", Score: 0.5},
		Result{Artist: "MUSE", Track: "starlight!", Source: "b", Score: 0.6},
	)
	require.Equal(t, 1, q.Len())
	best, _ := q.BestResult()
	assert.Equal(t, "b", best.Source)
}

func TestNotifications(t *testing.T) {
	q := mustQuery(t, "Muse", "Starlight")

	var got []Event
	unsubscribe := q.Subscribe(func(ev Event) { got = append(got, ev) })

	q.AddResults(result("K1", "A", 1, 0.4))
	q.AddResults(result("K1", "A", 1, 0.3)) // worse duplicate: no change
	q.AddResults(result("K1", "B", 1, 0.6)) // best changed
	q.AddResults(result("K2", "C", 1, 0.1)) // set grew

	require.Len(t, got, 3)
	for _, ev := range got {
		assert.Equal(t, EventUpdated, ev.Kind)
		assert.Same(t, q, ev.Query)
		assert.True(t, ev.HasBest)
	}
	assert.Equal(t, "B", got[1].Best.Source)
	assert.Equal(t, 2, got[2].Count)

	unsubscribe()
	unsubscribe()
	q.AddResults(result("K3", "D", 1, 0.9))
	assert.Len(t, got, 3)
}

func TestListenerMayCallBack(t *testing.T) {
	q := mustQuery(t, "Muse", "Starlight")

	done := make(chan int, 1)
	q.Subscribe(func(ev Event) {
		// Reading the query from a listener must not deadlock.
		done <- len(ev.Query.Results())
	})
	q.AddResults(result("K1", "A", 1, 0.4))

	select {
	case n := <-done:
		assert.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("listener deadlocked")
	}
}

func TestCancelledQueryMergesSilently(t *testing.T) {
	q := mustQuery(t, "Muse", "Starlight")
	var events int
	q.Subscribe(func(Event) { events++ })

	q.Cancel()
	assert.True(t, q.Cancelled())
	q.AddResults(result("K1", "A", 1, 0.4))

	assert.Equal(t, 0, events)
	assert.Equal(t, 1, q.Len())

	q.StartRound()
	assert.False(t, q.Cancelled())
	q.AddResults(result("K2", "B", 1, 0.5))
	assert.Equal(t, 1, events)
}

func TestMarkExhausted(t *testing.T) {
	q := mustQuery(t, "Muse", "Starlight")
	var kinds []EventKind
	q.Subscribe(func(ev Event) { kinds = append(kinds, ev.Kind) })

	assert.Equal(t, StatePending, q.State())
	first := q.StartRound()
	assert.True(t, q.MarkExhausted(first))
	assert.False(t, q.MarkExhausted(first))
	assert.Equal(t, StateExhausted, q.State())
	assert.Equal(t, []EventKind{EventExhausted}, kinds)

	second := q.StartRound()
	assert.Equal(t, first+1, second)
	assert.Equal(t, StatePending, q.State())
	assert.False(t, q.MarkExhausted(first), "a superseded round cannot exhaust")
	assert.False(t, q.Exhausted())

	q.AddResults(result("K1", "A", 1, 0.4))
	assert.False(t, q.MarkExhausted(second), "a query with results is never exhausted")
	assert.Equal(t, StateResolved, q.State())
	assert.Equal(t, []EventKind{EventExhausted, EventUpdated}, kinds)
}

func TestRemoveSource(t *testing.T) {
	q := mustQuery(t, "Muse", "Starlight")
	q.AddResults(
		result("K1", "peer", 1, 0.9),
		result("K2", "local", 1, 0.5),
		result("K3", "peer", 1, 0.4),
	)

	var events []Event
	q.Subscribe(func(ev Event) { events = append(events, ev) })

	assert.Equal(t, 2, q.RemoveSource("peer"))
	assert.Equal(t, 0, q.RemoveSource("peer"))

	best, ok := q.BestResult()
	require.True(t, ok)
	assert.Equal(t, "local", best.Source)
	require.Len(t, events, 1)
	assert.Equal(t, "local", events[0].Best.Source)
}

func TestConcurrentAddResults(t *testing.T) {
	q := mustQuery(t, "Muse", "Starlight")

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				q.AddResults(result(fmt.Sprintf("K%d", i%10), fmt.Sprintf("w%d", w), w, float64(i%10)/10+float64(w)/100))
				q.BestResult()
				q.Results()
			}
		}(w)
	}
	wg.Wait()

	rs := q.Results()
	require.Len(t, rs, 10)
	best, _ := q.BestResult()
	assert.Equal(t, rs[0], best)
	assert.Equal(t, "w7", best.Source)
	assert.InDelta(t, 0.97, best.Score, 1e-9)
}

func TestResultsSnapshotIsolated(t *testing.T) {
	q := mustQuery(t, "Muse", "Starlight")
	q.AddResults(result("K1", "A", 1, 0.4))

	rs := q.Results()
	rs[0].Score = 1
	best, _ := q.BestResult()
	assert.Equal(t, 0.4, best.Score)
}

func TestNewResult(t *testing.T) {
	f := scorer.Fields{Artist: "Muse", Track: "Starlight", Duration: 4 * time.Minute}
	r := NewResult(f, "file:///music/starlight.mp3", Source{ID: "collection", Priority: 100, Weight: 1}, 0.9)

	assert.Equal(t, scorer.EquivalenceKey(f), r.Key)
	assert.Equal(t, "collection", r.Source)
	assert.Equal(t, 100, r.SourcePriority)
	assert.Equal(t, f, r.Fields())
}
