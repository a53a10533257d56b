package sqlite

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/versesung/coverage-server/internal/domain"
	"github.com/versesung/coverage-server/internal/scripture"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "catalog.db")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c, err := Open(dbPath, logger)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestOpen_CreatesTables(t *testing.T) {
	c := newTestCatalog(t)

	for _, table := range []string{"songs", "song_verses"} {
		var name string
		err := c.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestEachWork_MergesVersesAndReferences(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)

	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := &domain.Work{
		ID: "song-a",
		Attributes: domain.Attributes{
			LyricOrigin: domain.OriginHuman,
			MusicOrigin: domain.OriginAI,
			Continuity:  domain.Continuous,
			Adherence:   domain.WordForWord,
			Genres:      []string{"Hymn", "Choral"},
			Translation: "KJV",
		},
		Verses:    []scripture.VerseID{10, 11},
		UpdatedAt: updated,
	}
	b := &domain.Work{
		ID: "song-b",
		Attributes: domain.Attributes{
			LyricOrigin: domain.OriginAI,
			MusicOrigin: domain.OriginAI,
			Continuity:  domain.NonContinuous,
			Adherence:   domain.CreativeInspiration,
		},
		UpdatedAt: updated,
	}
	empty := &domain.Work{ID: "song-c", Attributes: b.Attributes, UpdatedAt: updated}

	require.NoError(t, c.InsertWork(ctx, b, "B", []string{"Jude 1:24-25"}))
	require.NoError(t, c.InsertWork(ctx, a, "A", []string{"Ps 23"}))
	require.NoError(t, c.InsertWork(ctx, empty, "C", nil))

	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var got []*CatalogWork
	require.NoError(t, c.EachWork(ctx, func(cw *CatalogWork) error {
		got = append(got, cw)
		return nil
	}))
	require.Len(t, got, 3)

	assert.Equal(t, "song-a", got[0].Work.ID)
	assert.Equal(t, "A", got[0].Title)
	assert.Equal(t, []scripture.VerseID{10, 11}, got[0].Work.Verses)
	assert.Equal(t, []string{"Ps 23"}, got[0].References)
	assert.Equal(t, a.Attributes, got[0].Work.Attributes)
	assert.True(t, updated.Equal(got[0].Work.UpdatedAt))

	assert.Equal(t, "song-b", got[1].Work.ID)
	assert.Empty(t, got[1].Work.Verses)
	assert.Equal(t, []string{"Jude 1:24-25"}, got[1].References)
	assert.Empty(t, got[1].Work.Attributes.Genres)

	assert.Equal(t, "song-c", got[2].Work.ID)
	assert.Empty(t, got[2].References)
}

func TestInsertWork_ReplacesReferences(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)

	w := &domain.Work{ID: "song-a", Attributes: domain.Attributes{
		LyricOrigin: domain.OriginHuman, MusicOrigin: domain.OriginHuman,
		Continuity: domain.Continuous, Adherence: domain.CloseParaphrase,
	}, Verses: []scripture.VerseID{1, 2, 3}}
	require.NoError(t, c.InsertWork(ctx, w, "A", nil))

	w.Verses = []scripture.VerseID{5}
	require.NoError(t, c.InsertWork(ctx, w, "A", nil))

	var got []scripture.VerseID
	require.NoError(t, c.EachWork(ctx, func(cw *CatalogWork) error {
		got = cw.Work.Verses
		return nil
	}))
	assert.Equal(t, []scripture.VerseID{5}, got)

	require.NoError(t, c.DeleteWork(ctx, "song-a"))
	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEachWork_StopsOnCallbackError(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)
	for _, id := range []string{"a", "b"} {
		require.NoError(t, c.InsertWork(ctx, &domain.Work{ID: id}, id, nil))
	}

	calls := 0
	err := c.EachWork(ctx, func(*CatalogWork) error {
		calls++
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, calls)
}
