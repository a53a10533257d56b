package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/versesung/coverage-server/internal/domain"
	"github.com/versesung/coverage-server/internal/errors"
	"github.com/versesung/coverage-server/internal/index"
	"github.com/versesung/coverage-server/internal/scripture"
	"github.com/versesung/coverage-server/internal/store"
)

func record(t *testing.T, e *Engine, v scripture.VerseID) *index.Record {
	t.Helper()
	r, err := e.Index().Record(v)
	require.NoError(t, err)
	return r
}

// assertMembership checks that work appears exactly in the sub-sets its
// attributes imply on verse.
func assertMembership(t *testing.T, e *Engine, v scripture.VerseID, work string, a domain.Attributes) {
	t.Helper()
	r := record(t, e, v)
	require.True(t, r.All.Contains(work), "verse %d should list %s", v, work)

	want := make(map[index.Key]bool)
	for _, k := range index.KeysFor(a.Normalize()) {
		want[k] = true
	}
	for _, k := range r.Keys() {
		assert.Equal(t, want[k], r.Members(k).Contains(work), "verse %d key %s", v, k)
	}
	for k := range want {
		assert.True(t, r.Members(k).Contains(work), "verse %d missing %s", v, k)
	}
}

func TestHandle_CreateIndexesEveryVerse(t *testing.T) {
	ctx := context.Background()
	e, ms := setupTestEngine(t)

	a := attrs(domain.OriginAI, domain.OriginHuman, domain.Continuous, domain.WordForWord, "Hymn")
	v1, v2 := verse(t, "Jude", 1, 24), verse(t, "Jude", 1, 25)

	res, err := e.Handle(ctx, event(domain.EventCreated, "w1", a, t0, v2, v1, v1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, 2, res.Added)

	assertMembership(t, e, v1, "w1", a)
	assertMembership(t, e, v2, "w1", a)

	snap, err := ms.GetWork(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, []scripture.VerseID{v1, v2}, snap.Verses)
	assert.True(t, t0.Equal(snap.UpdatedAt))
}

func TestHandle_UpdateAppliesThreeWayDiff(t *testing.T) {
	ctx := context.Background()
	e, _ := setupTestEngine(t)

	a, b, c := verse(t, "Ps", 23, 1), verse(t, "Ps", 23, 2), verse(t, "Ps", 23, 3)
	oldAttrs := attrs(domain.OriginHuman, domain.OriginHuman, domain.Continuous, domain.CloseParaphrase)
	newAttrs := attrs(domain.OriginAI, domain.OriginHuman, domain.NonContinuous, domain.CreativeInspiration)

	_, err := e.Handle(ctx, event(domain.EventCreated, "w1", oldAttrs, t0, a, b))
	require.NoError(t, err)

	res, err := e.Handle(ctx, event(domain.EventUpdated, "w1", newAttrs, t0.Add(time.Minute), b, c))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, 1, res.Reclassified)

	assert.True(t, record(t, e, a).Empty())
	assertMembership(t, e, b, "w1", newAttrs)
	assertMembership(t, e, c, "w1", newAttrs)
	assert.Empty(t, e.Index().CheckInvariants())
}

func TestHandle_UnchangedSnapshotIsNoop(t *testing.T) {
	ctx := context.Background()
	e, _ := setupTestEngine(t)
	a := attrs(domain.OriginAI, domain.OriginAI, domain.Continuous, domain.WordForWord)
	v := verse(t, "John", 3, 16)

	_, err := e.Handle(ctx, event(domain.EventCreated, "w1", a, t0, v))
	require.NoError(t, err)
	john := mustBook(t, "John")
	version := e.Index().Version(john)

	res, err := e.Handle(ctx, event(domain.EventUpdated, "w1", a, t0, v))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res.Outcome)
	assert.Equal(t, version, e.Index().Version(john))
}

func TestHandle_GenreChangeIsAdditive(t *testing.T) {
	ctx := context.Background()
	e, _ := setupTestEngine(t)

	verses := []scripture.VerseID{verse(t, "Ps", 100, 1), verse(t, "Ps", 100, 2), verse(t, "Ps", 100, 3)}
	hymn := attrs(domain.OriginHuman, domain.OriginHuman, domain.Continuous, domain.WordForWord, "Hymn")
	both := attrs(domain.OriginHuman, domain.OriginHuman, domain.Continuous, domain.WordForWord, "Hymn", "Rock")

	_, err := e.Handle(ctx, event(domain.EventCreated, "w2", hymn, t0, verses...))
	require.NoError(t, err)

	res, err := e.Handle(ctx, event(domain.EventUpdated, "w2", both, t0.Add(time.Second), verses...))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Reclassified)
	assert.Zero(t, res.Added)
	assert.Zero(t, res.Removed)

	for _, v := range verses {
		r := record(t, e, v)
		assert.True(t, r.Genres["rock"].Contains("w2"), "verse %d rock", v)
		assert.True(t, r.Genres["hymn"].Contains("w2"), "verse %d hymn", v)
		assert.True(t, r.All.Contains("w2"))
	}
}

func TestHandle_DeleteUsesStoredSnapshot(t *testing.T) {
	ctx := context.Background()
	e, ms := setupTestEngine(t)
	a := attrs(domain.OriginAI, domain.OriginHuman, domain.Continuous, domain.WordForWord)
	v1, v2 := verse(t, "Jude", 1, 24), verse(t, "Jude", 1, 25)

	_, err := e.Handle(ctx, event(domain.EventCreated, "w1", a, t0, v1, v2))
	require.NoError(t, err)

	// The delete carries no snapshot at all.
	res, err := e.Handle(ctx, domain.LifecycleEvent{
		Type:       domain.EventDeleted,
		Work:       domain.Work{ID: "w1"},
		OccurredAt: t0.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, 2, res.Removed)
	assert.True(t, record(t, e, v1).Empty())
	assert.True(t, record(t, e, v2).Empty())

	_, err = ms.GetWork(ctx, "w1")
	assert.Error(t, err)
}

func TestHandle_DeleteFallsBackToEventSnapshot(t *testing.T) {
	ctx := context.Background()
	e, _ := setupTestEngine(t)
	v := verse(t, "Gen", 1, 1)

	// Index knows the association but not the snapshot.
	require.NoError(t, e.Index().AddAssociation(ctx, v, "orphan",
		attrs(domain.OriginAI, domain.OriginAI, domain.Continuous, domain.WordForWord)))

	res, err := e.Handle(ctx, domain.LifecycleEvent{
		Type: domain.EventDeleted,
		Work: domain.Work{ID: "orphan", Verses: []scripture.VerseID{v}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	assert.True(t, record(t, e, v).Empty())

	res, err = e.Handle(ctx, domain.LifecycleEvent{Type: domain.EventDeleted, Work: domain.Work{ID: "ghost"}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res.Outcome)
}

func TestHandle_DropsStaleEvents(t *testing.T) {
	ctx := context.Background()
	e, _ := setupTestEngine(t)
	a := attrs(domain.OriginAI, domain.OriginAI, domain.Continuous, domain.WordForWord)
	v1, v2 := verse(t, "Ruth", 1, 16), verse(t, "Ruth", 1, 17)

	_, err := e.Handle(ctx, event(domain.EventUpdated, "w1", a, t0.Add(time.Hour), v2))
	require.NoError(t, err)

	res, err := e.Handle(ctx, event(domain.EventCreated, "w1", a, t0, v1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, res.Outcome)
	assert.True(t, record(t, e, v1).Empty())
	assert.True(t, record(t, e, v2).All.Contains("w1"))
}

func TestHandle_TombstoneDropsOlderEvents(t *testing.T) {
	ctx := context.Background()
	e, ms := setupTestEngine(t)
	a := attrs(domain.OriginHuman, domain.OriginHuman, domain.Continuous, domain.CloseParaphrase)
	v := verse(t, "Ruth", 1, 16)

	_, err := e.Handle(ctx, event(domain.EventCreated, "w1", a, t0, v))
	require.NoError(t, err)
	res, err := e.Handle(ctx, domain.LifecycleEvent{
		Type:       domain.EventDeleted,
		Work:       domain.Work{ID: "w1"},
		OccurredAt: t0.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, res.Outcome)

	// An update issued before the delete arrives after it.
	res, err = e.Handle(ctx, event(domain.EventUpdated, "w1", a, t0.Add(time.Hour), v))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, res.Outcome)
	assert.True(t, record(t, e, v).Empty())
	_, err = ms.GetWork(ctx, "w1")
	assert.ErrorIs(t, err, store.ErrWorkNotFound)

	// A genuine recreate is newer than the tombstone and clears it.
	res, err = e.Handle(ctx, event(domain.EventCreated, "w1", a, t0.Add(3*time.Hour), v))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.True(t, record(t, e, v).All.Contains("w1"))
	deletedAt, err := ms.DeletedAt(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, deletedAt.IsZero())
}

func TestHandle_DeleteBeforeCreateLeavesTombstone(t *testing.T) {
	ctx := context.Background()
	e, _ := setupTestEngine(t)
	a := attrs(domain.OriginAI, domain.OriginHuman, domain.NonContinuous, domain.CreativeInspiration)
	v := verse(t, "Jonah", 2, 9)

	res, err := e.Handle(ctx, domain.LifecycleEvent{
		Type:       domain.EventDeleted,
		Work:       domain.Work{ID: "w1"},
		OccurredAt: t0.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res.Outcome)

	res, err = e.Handle(ctx, event(domain.EventCreated, "w1", a, t0, v))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, res.Outcome)
	assert.True(t, record(t, e, v).Empty())
}

func TestHandle_SkipsUnresolvableReferences(t *testing.T) {
	ctx := context.Background()
	e, _ := setupTestEngine(t)
	a := attrs(domain.OriginHuman, domain.OriginAI, domain.NonContinuous, domain.CloseParaphrase)

	ev := event(domain.EventCreated, "w1", a, t0, scripture.VerseID(scripture.VerseCount+5))
	ev.References = []string{"Jude 1:24-25", "Hezekiah 3:1", "Jude 1:99"}

	res, err := e.Handle(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, 2, res.Added)
	assert.Equal(t, []string{"Hezekiah 3:1", "Jude 1:99"}, res.Unresolved)
	assert.Equal(t, []scripture.VerseID{scripture.VerseID(scripture.VerseCount + 5)}, res.Skipped)
	assertMembership(t, e, verse(t, "Jude", 1, 24), "w1", a)
}

func TestHandle_RejectsInvalidEvents(t *testing.T) {
	ctx := context.Background()
	e, _ := setupTestEngine(t)

	_, err := e.Handle(ctx, event(domain.EventCreated, "w1", domain.Attributes{LyricOrigin: "robot"}, t0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	_, err = e.Handle(ctx, domain.LifecycleEvent{Type: domain.EventDeleted})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	// Deletes need nothing but the id.
	_, err = e.Handle(ctx, domain.LifecycleEvent{Type: domain.EventDeleted, Work: domain.Work{ID: "w1"}})
	assert.NoError(t, err)
}

func TestHandle_RollbackQueuesForReconciliation(t *testing.T) {
	ctx := context.Background()
	e, ms := setupTestEngine(t)
	a := attrs(domain.OriginAI, domain.OriginAI, domain.Continuous, domain.WordForWord)
	v := verse(t, "Jude", 1, 1)

	ms.setFail(assert.AnError)
	res, err := e.Handle(ctx, event(domain.EventCreated, "w1", a, t0, v))
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, res.Outcome)

	// Nothing was applied.
	assert.True(t, record(t, e, v).Empty())
	assert.False(t, e.Index().Dirty(mustBook(t, "Jude")))
	_, err = ms.GetWork(ctx, "w1")
	assert.Error(t, err)

	entries, err := ms.ListReconcile(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "w1", entries[0].WorkID)

	ms.setFail(nil)
	rec := NewReconciler(e, ReconcilerConfig{}, testLogger())
	stats, err := rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Succeeded)

	assertMembership(t, e, v, "w1", a)
	entries, err = ms.ListReconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestHandle_WithoutQueueReturnsConsistencyError(t *testing.T) {
	ms := newMemStore()
	e := New(index.New(ms, testLogger()), ms, nil, testLogger())
	ms.setFail(assert.AnError)

	res, err := e.Handle(context.Background(), event(domain.EventCreated, "w1",
		attrs(domain.OriginAI, domain.OriginAI, domain.Continuous, domain.WordForWord), t0, verse(t, "Gen", 1, 1)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConsistency))
	assert.Equal(t, OutcomeFailed, res.Outcome)
}

func TestHandle_SuccessClearsSupersededRetry(t *testing.T) {
	ctx := context.Background()
	e, ms := setupTestEngine(t)
	a := attrs(domain.OriginAI, domain.OriginAI, domain.Continuous, domain.WordForWord)

	ms.setFail(assert.AnError)
	_, err := e.Handle(ctx, event(domain.EventCreated, "w1", a, t0, verse(t, "Gen", 1, 1)))
	require.NoError(t, err)

	ms.setFail(nil)
	_, err = e.Handle(ctx, event(domain.EventUpdated, "w1", a, t0.Add(time.Minute), verse(t, "Gen", 1, 2)))
	require.NoError(t, err)

	entries, err := ms.ListReconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConcurrentEventsConvergeToLatestSnapshot(t *testing.T) {
	ctx := context.Background()
	e, ms := setupTestEngine(t)

	adherences := domain.Adherences
	const works, updates = 8, 12
	var wg sync.WaitGroup
	for w := range works {
		for u := range updates {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id := fmt.Sprintf("w%d", w)
				origin := domain.OriginAI
				if u%2 == 0 {
					origin = domain.OriginHuman
				}
				a := attrs(origin, domain.OriginHuman, domain.Continuous, adherences[u%3], fmt.Sprintf("g%d", u%4))
				start := verse(t, "Prov", 1+u%3, 1)
				_, err := e.Handle(ctx, event(domain.EventUpdated, id, a, t0.Add(time.Duration(u)*time.Second),
					start, start+1, start+scripture.VerseID(w)))
				assert.NoError(t, err)
			}()
		}
	}
	wg.Wait()

	assert.Empty(t, e.Index().CheckInvariants())
	assert.Zero(t, e.locks.Len(), "per-work locks outlive their events")

	// Every work ends at its latest event, and the index agrees with it.
	for w := range works {
		id := fmt.Sprintf("w%d", w)
		snap, err := ms.GetWork(ctx, id)
		require.NoError(t, err)
		assert.True(t, snap.UpdatedAt.Equal(t0.Add((updates-1)*time.Second)), "%s at %s", id, snap.UpdatedAt)

		for _, v := range snap.Verses {
			assertMembership(t, e, v, id, snap.Attributes)
		}
		book := mustBook(t, "Prov")
		held := 0
		e.Index().ReadBook(book, func(_ scripture.VerseID, r *index.Record) {
			if r.All.Contains(id) {
				held++
			}
		})
		assert.Equal(t, len(snap.Verses), held, "%s verse count", id)
	}
}

func mustBook(t *testing.T, name string) scripture.BookID {
	t.Helper()
	b, ok := scripture.LookupBook(name)
	require.True(t, ok, name)
	return b.ID
}

func TestDiff(t *testing.T) {
	a := attrs(domain.OriginAI, domain.OriginAI, domain.Continuous, domain.WordForWord)
	b := attrs(domain.OriginHuman, domain.OriginAI, domain.Continuous, domain.WordForWord)

	prev := &domain.Work{ID: "w", Attributes: a, Verses: []scripture.VerseID{1, 2, 3}}
	sameAttrs := &domain.Work{ID: "w", Attributes: a, Verses: []scripture.VerseID{2, 3, 4}}
	newAttrs := &domain.Work{ID: "w", Attributes: b, Verses: []scripture.VerseID{2, 3, 4}}

	kinds := func(ops []index.Op) []string {
		var out []string
		for _, op := range ops {
			out = append(out, fmt.Sprintf("%s:%d", op.Kind, op.Verse))
		}
		return out
	}

	assert.Equal(t, []string{"add:1", "add:2", "add:3"}, kinds(Diff(nil, prev)))
	assert.Equal(t, []string{"remove:1", "remove:2", "remove:3"}, kinds(Diff(prev, nil)))
	assert.Equal(t, []string{"remove:1", "add:4"}, kinds(Diff(prev, sameAttrs)))
	assert.Equal(t, []string{"remove:1", "reclassify:2", "reclassify:3", "add:4"}, kinds(Diff(prev, newAttrs)))

	ops := Diff(prev, newAttrs)
	assert.Equal(t, a, ops[1].Old)
	assert.Equal(t, b, ops[1].Attrs)
	assert.Empty(t, Diff(prev, prev))
}
