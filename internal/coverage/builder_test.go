package coverage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/versesung/coverage-server/internal/domain"
	"github.com/versesung/coverage-server/internal/index"
	"github.com/versesung/coverage-server/internal/scripture"
	"github.com/versesung/coverage-server/internal/sse"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []sse.Event
}

func (r *recordingEmitter) Emit(e any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev, ok := e.(sse.Event); ok {
		r.events = append(r.events, ev)
	}
}

func (r *recordingEmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func setupBuilder(t *testing.T, mode Mode) (*Builder, *index.Store, *recordingEmitter) {
	t.Helper()
	idx := index.New(nil, nil)
	em := &recordingEmitter{}
	b, err := New(idx, Config{Mode: mode, Parallelism: 4}, em, nil)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b, idx, em
}

func book(t *testing.T, name string) scripture.Book {
	t.Helper()
	b, ok := scripture.LookupBook(name)
	require.True(t, ok, name)
	return b
}

func verseOf(t *testing.T, name string, chapter, v int) scripture.VerseID {
	t.Helper()
	id, err := scripture.Lookup(book(t, name).ID, chapter, v)
	require.NoError(t, err)
	return id
}

func view(t *testing.T, b *Builder, name string, f Filter, force bool) BookView {
	t.Helper()
	views, err := b.Views(context.Background(), []scripture.BookID{book(t, name).ID}, f.Normalize(), force)
	require.NoError(t, err)
	return views[0]
}

var w1Attrs = domain.Attributes{
	LyricOrigin: domain.OriginAI,
	MusicOrigin: domain.OriginHuman,
	Continuity:  domain.Continuous,
	Adherence:   domain.WordForWord,
}

func TestPercentage(t *testing.T) {
	assert.InDelta(t, 8.0, Percentage(2, 25), 1e-9)
	assert.Zero(t, Percentage(0, 25))
	assert.Zero(t, Percentage(3, 0))
}

func TestJudeScenario(t *testing.T) {
	for _, mode := range []Mode{Eager, Lazy} {
		t.Run(string(mode), func(t *testing.T) {
			ctx := context.Background()
			b, idx, _ := setupBuilder(t, mode)
			force := mode == Lazy

			wordForWord := Filter{Adherence: []domain.Adherence{domain.WordForWord}}
			paraphrase := Filter{Adherence: []domain.Adherence{domain.CloseParaphrase}}

			_, err := idx.Apply(ctx, index.Batch{Ops: []index.Op{
				{Kind: index.OpAdd, Verse: verseOf(t, "Jude", 1, 24), Work: "W1", Attrs: w1Attrs},
				{Kind: index.OpAdd, Verse: verseOf(t, "Jude", 1, 25), Work: "W1", Attrs: w1Attrs},
			}})
			require.NoError(t, err)

			v := view(t, b, "Jude", wordForWord, force)
			assert.Equal(t, 25, v.Aggregate.Total)
			assert.Equal(t, 2, v.Aggregate.Covered)
			assert.InDelta(t, 8.0, v.Aggregate.Percentage, 1e-9)
			assert.InDelta(t, 8.0, Percentage(v.Filtered, v.Aggregate.Total), 1e-9)

			v = view(t, b, "Jude", paraphrase, force)
			assert.Zero(t, v.Filtered)
			assert.InDelta(t, 8.0, v.Aggregate.Percentage, 1e-9)

			_, err = idx.Apply(ctx, index.Batch{Ops: []index.Op{
				{Kind: index.OpRemove, Verse: verseOf(t, "Jude", 1, 24), Work: "W1"},
				{Kind: index.OpRemove, Verse: verseOf(t, "Jude", 1, 25), Work: "W1"},
			}})
			require.NoError(t, err)

			v = view(t, b, "Jude", wordForWord, force)
			assert.Zero(t, v.Aggregate.Covered)
			assert.Zero(t, v.Filtered)
			assert.Zero(t, v.Aggregate.Percentage)
		})
	}
}

func TestEagerRefreshesInWritePath(t *testing.T) {
	ctx := context.Background()
	b, idx, em := setupBuilder(t, Eager)
	ruth := book(t, "Ruth")

	require.NoError(t, idx.AddAssociation(ctx, ruth.FirstVerse, "w", w1Attrs))

	row, ok := b.Row(ruth.ID)
	require.True(t, ok)
	assert.Equal(t, 1, row.Covered)
	assert.Equal(t, idx.Version(ruth.ID), row.Version)
	assert.False(t, idx.Dirty(ruth.ID))
	assert.False(t, view(t, b, "Ruth", Filter{}, false).Stale)
	assert.Equal(t, 1, em.count())
}

func TestLazyReportsStalenessUntilRefreshed(t *testing.T) {
	ctx := context.Background()
	b, idx, em := setupBuilder(t, Lazy)
	ruth := book(t, "Ruth")

	require.NoError(t, idx.AddAssociation(ctx, ruth.FirstVerse, "w", w1Attrs))

	v := view(t, b, "Ruth", Filter{}, false)
	assert.True(t, v.Stale)
	assert.Zero(t, v.Aggregate.Covered)
	assert.True(t, idx.Dirty(ruth.ID))

	refreshed := b.RefreshDirty(ctx)
	assert.Equal(t, []scripture.BookID{ruth.ID}, refreshed)
	assert.False(t, idx.Dirty(ruth.ID))
	assert.Equal(t, 1, em.count())

	v = view(t, b, "Ruth", Filter{}, false)
	assert.False(t, v.Stale)
	assert.Equal(t, 1, v.Aggregate.Covered)

	// Forced reads refresh on the spot.
	require.NoError(t, idx.AddAssociation(ctx, ruth.FirstVerse+1, "w", w1Attrs))
	v = view(t, b, "Ruth", Filter{}, true)
	assert.False(t, v.Stale)
	assert.Equal(t, 2, v.Aggregate.Covered)
}

func TestFilteredNeverExceedsCovered(t *testing.T) {
	ctx := context.Background()
	b, idx, _ := setupBuilder(t, Lazy)
	ruth := book(t, "Ruth")

	require.NoError(t, idx.AddAssociation(ctx, ruth.FirstVerse, "w", w1Attrs))
	// The row is stale but the filtered count is computed fresh, so the row
	// is brought along with it.
	v := view(t, b, "Ruth", Filter{AILyrics: Yes}, false)
	assert.Equal(t, 1, v.Filtered)
	assert.Equal(t, 1, v.Aggregate.Covered)
	assert.False(t, v.Stale)
}

func TestFilterMemoIsKeyedByVersion(t *testing.T) {
	ctx := context.Background()
	b, idx, _ := setupBuilder(t, Eager)
	f := Filter{AILyrics: Yes}.Normalize()
	ruth := book(t, "Ruth")

	require.NoError(t, idx.AddAssociation(ctx, ruth.FirstVerse, "w1", w1Attrs))
	assert.Equal(t, 1, view(t, b, "Ruth", f, false).Filtered)
	b.memo.Wait()
	_, ok := b.memo.Get(memoKey(ruth.ID, f, idx.Version(ruth.ID)))
	assert.True(t, ok)

	require.NoError(t, idx.AddAssociation(ctx, ruth.FirstVerse+1, "w2", w1Attrs))
	assert.Equal(t, 2, view(t, b, "Ruth", f, false).Filtered)
}

func TestMonotonicUnderAdds(t *testing.T) {
	ctx := context.Background()
	b, idx, _ := setupBuilder(t, Eager)
	ps := book(t, "Ps")

	last := -1.0
	for i := range 40 {
		v := ps.FirstVerse + scripture.VerseID((i*37)%ps.Verses)
		require.NoError(t, idx.AddAssociation(ctx, v, fmt.Sprintf("w%d", i%7), w1Attrs))
		p := view(t, b, "Ps", Filter{}, false).Aggregate.Percentage
		assert.GreaterOrEqual(t, p, last)
		last = p
	}
}

func TestReportRollsUpTestaments(t *testing.T) {
	ctx := context.Background()
	b, idx, _ := setupBuilder(t, Eager)

	require.NoError(t, idx.AddAssociation(ctx, verseOf(t, "Gen", 1, 1), "a", w1Attrs))
	require.NoError(t, idx.AddAssociation(ctx, verseOf(t, "Jude", 1, 1), "b", w1Attrs))
	human := w1Attrs
	human.LyricOrigin = domain.OriginHuman
	require.NoError(t, idx.AddAssociation(ctx, verseOf(t, "Jude", 1, 2), "c", human))

	r, err := b.Report(ctx, Filter{AILyrics: Yes}.Normalize(), false)
	require.NoError(t, err)
	require.Len(t, r.Books, scripture.BookCount)
	require.Len(t, r.Testaments, 2)
	assert.False(t, r.Stale())

	ot, nt := r.Testaments[0], r.Testaments[1]
	assert.Equal(t, scripture.OldTestament, ot.Testament)
	assert.Equal(t, scripture.TotalVerses(scripture.OldTestament), ot.Total)
	assert.Equal(t, 1, ot.Covered)
	assert.Equal(t, 1, ot.Filtered)
	assert.Equal(t, 2, nt.Covered)
	assert.Equal(t, 1, nt.Filtered)

	assert.Equal(t, scripture.VerseCount, r.Corpus.Total)
	assert.Equal(t, 3, r.Corpus.Covered)
	assert.Equal(t, 2, r.Corpus.Filtered)
	assert.InDelta(t, Percentage(3, scripture.VerseCount), r.Corpus.Percentage, 1e-12)
}

func TestRunRefreshesOnTick(t *testing.T) {
	idx := index.New(nil, nil)
	b, err := New(idx, Config{Mode: Lazy, RefreshInterval: 5 * time.Millisecond}, nil, nil)
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	ruth := book(t, "Ruth")
	require.NoError(t, idx.AddAssociation(context.Background(), ruth.FirstVerse, "w", w1Attrs))
	assert.Eventually(t, func() bool {
		row, _ := b.Row(ruth.ID)
		return row.Covered == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestNewRejectsUnknownMode(t *testing.T) {
	_, err := New(index.New(nil, nil), Config{Mode: "sometimes"}, nil, nil)
	assert.Error(t, err)
}
