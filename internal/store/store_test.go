package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/versesung/coverage-server/internal/domain"
	"github.com/versesung/coverage-server/internal/index"
	"github.com/versesung/coverage-server/internal/scripture"
	"github.com/versesung/coverage-server/internal/sse"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []sse.Event
}

func (r *recordingEmitter) Emit(event any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := event.(sse.Event); ok {
		r.events = append(r.events, e)
	}
}

func setupTestStore(t *testing.T, emitter EventEmitter) (*Store, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "coverage-store-test-*")
	require.NoError(t, err)

	dbPath := filepath.Join(tmpDir, "test.db")
	s, err := New(dbPath, nil, emitter)
	require.NoError(t, err)

	cleanup := func() {
		_ = s.Close()
		_ = os.RemoveAll(tmpDir)
	}
	return s, cleanup
}

func hymn() domain.Attributes {
	return domain.Attributes{
		LyricOrigin: domain.OriginHuman,
		MusicOrigin: domain.OriginAI,
		Continuity:  domain.Continuous,
		Adherence:   domain.WordForWord,
		Genres:      []string{"Hymn"},
	}
}

func TestCommit_RoundTripsThroughIndex(t *testing.T) {
	ctx := context.Background()
	emitter := &recordingEmitter{}
	s, cleanup := setupTestStore(t, emitter)
	defer cleanup()

	jude, _ := scripture.LookupBook("Jude")
	v24 := jude.FirstVerse + 23
	v25 := jude.FirstVerse + 24
	work := &domain.Work{ID: "w1", Attributes: hymn(), Verses: []scripture.VerseID{v24, v25}}

	idx := index.New(s, nil)
	_, err := idx.Apply(ctx, index.Batch{
		Ops: []index.Op{
			{Kind: index.OpAdd, Verse: v24, Work: "w1", Attrs: hymn()},
			{Kind: index.OpAdd, Verse: v25, Work: "w1", Attrs: hymn()},
		},
		Work: work,
	})
	require.NoError(t, err)

	n, err := s.CountRecords()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stored, err := s.GetWork(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, work.Verses, stored.Verses)

	// A fresh index loads the same state.
	reloaded := index.New(s, nil)
	repaired, err := reloaded.Load(ctx)
	require.NoError(t, err)
	assert.Zero(t, repaired)
	rec, err := reloaded.Record(v25)
	require.NoError(t, err)
	assert.Equal(t, index.Set{"w1"}, rec.All)
	assert.Equal(t, index.Set{"w1"}, rec.MusicAI)
	assert.Equal(t, index.Set{"w1"}, rec.Genres["hymn"])

	require.Len(t, emitter.events, 1)
	assert.Equal(t, sse.EventWorkIndexed, emitter.events[0].Type)
}

func TestCommit_DeletesEmptyRecordsAndSnapshot(t *testing.T) {
	ctx := context.Background()
	emitter := &recordingEmitter{}
	s, cleanup := setupTestStore(t, emitter)
	defer cleanup()

	rec := &index.Record{All: index.Set{"w1"}}
	require.NoError(t, s.Commit(ctx, &index.Commit{
		Records: map[scripture.VerseID]*index.Record{0: rec},
		Work:    &domain.Work{ID: "w1", Verses: []scripture.VerseID{0}},
	}))

	require.NoError(t, s.Commit(ctx, &index.Commit{
		Records:    map[scripture.VerseID]*index.Record{0: {}},
		DeleteWork: "w1",
	}))

	n, err := s.CountRecords()
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = s.GetWork(ctx, "w1")
	assert.ErrorIs(t, err, ErrWorkNotFound)

	require.Len(t, emitter.events, 2)
	assert.Equal(t, sse.EventWorkRemoved, emitter.events[1].Type)
}

func TestCommit_DeleteLeavesTombstone(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStore(t, nil)
	defer cleanup()

	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	deletedAt, err := s.DeletedAt(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, deletedAt.IsZero())

	require.NoError(t, s.Commit(ctx, &index.Commit{DeleteWork: "w1", DeletedAt: at}))
	deletedAt, err = s.DeletedAt(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, deletedAt.Equal(at))

	require.NoError(t, s.Commit(ctx, &index.Commit{Work: &domain.Work{ID: "w1", UpdatedAt: at.Add(time.Hour)}}))
	deletedAt, err = s.DeletedAt(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, deletedAt.IsZero(), "recreating a work clears its tombstone")

	n, err := s.CountWorks()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCommit_CanceledContextWritesNothing(t *testing.T) {
	s, cleanup := setupTestStore(t, nil)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Commit(ctx, &index.Commit{
		Records: map[scripture.VerseID]*index.Record{0: {All: index.Set{"w1"}}},
	})
	require.ErrorIs(t, err, context.Canceled)

	n, err := s.CountRecords()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLoadRecords_CanonicalOrder(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStore(t, nil)
	defer cleanup()

	last := scripture.VerseID(scripture.VerseCount - 1)
	require.NoError(t, s.Commit(ctx, &index.Commit{Records: map[scripture.VerseID]*index.Record{
		last: {All: index.Set{"a"}},
		9:    {All: index.Set{"b"}},
		10:   {All: index.Set{"c"}},
	}}))

	var got []scripture.VerseID
	require.NoError(t, s.LoadRecords(ctx, func(v scripture.VerseID, _ *index.Record) error {
		got = append(got, v)
		return nil
	}))
	assert.Equal(t, []scripture.VerseID{9, 10, last}, got)
}

func TestWorks_ListPutDelete(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStore(t, nil)
	defer cleanup()

	require.NoError(t, s.PutWorks(ctx, []*domain.Work{{ID: "a"}, {ID: "b"}}))
	n, err := s.CountWorks()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var ids []string
	require.NoError(t, s.ListWorks(ctx, func(w *domain.Work) error {
		ids = append(ids, w.ID)
		return nil
	}))
	assert.Equal(t, []string{"a", "b"}, ids)

	require.NoError(t, s.DeleteAllWorks(ctx))
	n, err = s.CountWorks()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRebuildCheckpoint(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStore(t, nil)
	defer cleanup()

	_, err := s.GetRebuildCheckpoint(ctx)
	assert.ErrorIs(t, err, ErrNoCheckpoint)

	cp := &RebuildCheckpoint{RunID: "run-1", Source: "catalog.db", StartedAt: time.Now(), Completed: []scripture.BookID{0, 64}}
	require.NoError(t, s.SaveRebuildCheckpoint(ctx, cp))

	got, err := s.GetRebuildCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
	assert.True(t, got.Done(64))
	assert.False(t, got.Done(1))
	assert.False(t, got.UpdatedAt.IsZero())

	require.NoError(t, s.ClearRebuildCheckpoint(ctx))
	_, err = s.GetRebuildCheckpoint(ctx)
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestReconcileQueue(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStore(t, nil)
	defer cleanup()

	e := &ReconcileEntry{
		WorkID:   "w1",
		Event:    domain.LifecycleEvent{Type: domain.EventUpdated, Work: domain.Work{ID: "w1"}},
		Attempts: 1,
	}
	require.NoError(t, s.PutReconcile(ctx, e))
	e.Attempts = 2
	require.NoError(t, s.PutReconcile(ctx, e))

	entries, err := s.ListReconcile(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Attempts)
	assert.Equal(t, domain.EventUpdated, entries[0].Event.Type)

	require.NoError(t, s.DeleteReconcile(ctx, "w1"))
	entries, err = s.ListReconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestParseVerseKey(t *testing.T) {
	v, err := parseVerseKey(verseKey(31101))
	require.NoError(t, err)
	assert.Equal(t, scripture.VerseID(31101), v)

	_, err = parseVerseKey([]byte("verse:abc"))
	assert.ErrorIs(t, err, ErrCorruptKey)
}

func TestPing(t *testing.T) {
	s, cleanup := setupTestStore(t, nil)
	defer cleanup()
	require.NoError(t, s.Ping(context.Background()))
}
