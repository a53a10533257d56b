package scripture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonShape(t *testing.T) {
	all := Books()
	require.Len(t, all, BookCount)

	chapters := 0
	verses := 0
	for i, b := range all {
		assert.Equal(t, BookID(i), b.ID)
		assert.Equal(t, VerseID(verses), b.FirstVerse, "book %s", b.Name)
		chapters += b.Chapters
		verses += b.Verses
	}
	assert.Equal(t, ChapterCount, chapters)
	assert.Equal(t, VerseCount, verses)

	assert.Len(t, BooksIn(OldTestament), 39)
	assert.Len(t, BooksIn(NewTestament), 27)
	assert.Equal(t, 23145, TotalVerses(OldTestament))
	assert.Equal(t, 7957, TotalVerses(NewTestament))
	assert.Equal(t, VerseCount, TotalVerses(""))
}

func TestKnownBookTotals(t *testing.T) {
	tests := map[string]int{
		"Genesis":    1533,
		"Psalms":     2461,
		"Obadiah":    21,
		"Matthew":    1071,
		"Jude":       25,
		"3 John":     14,
		"Revelation": 404,
	}
	for name, want := range tests {
		t.Run(name, func(t *testing.T) {
			b, ok := LookupBook(name)
			require.True(t, ok)
			assert.Equal(t, want, b.Verses)
		})
	}
}

func TestLookupBook_Aliases(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Jude", "Jude"},
		{"jude", "Jude"},
		{"Ps", "Psalms"},
		{"Psalm", "Psalms"},
		{"1 Sam", "1 Samuel"},
		{"1sam", "1 Samuel"},
		{"I Samuel", "1 Samuel"},
		{"First John", "1 John"},
		{"1-john", "1 John"},
		{"Song of Songs", "Song of Solomon"},
		{"Rev.", "Revelation"},
		{"  Génesis ", "Genesis"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			b, ok := LookupBook(tt.input)
			require.True(t, ok, "lookup %q", tt.input)
			assert.Equal(t, tt.want, b.Name)
		})
	}

	_, ok := LookupBook("Hezekiah")
	assert.False(t, ok)
}

func TestLookupAndResolve(t *testing.T) {
	id, err := Lookup(0, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, VerseID(0), id)

	rev, _ := LookupBook("Revelation")
	id, err = Lookup(rev.ID, 22, 21)
	require.NoError(t, err)
	assert.Equal(t, VerseID(VerseCount-1), id)

	v, err := Resolve(id)
	require.NoError(t, err)
	assert.Equal(t, rev.ID, v.Book)
	assert.Equal(t, 22, v.Chapter)
	assert.Equal(t, 21, v.Verse)
	assert.Equal(t, "Revelation 22:21", v.String())

	_, err = Lookup(rev.ID, 23, 1)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = Lookup(rev.ID, 22, 22)
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = Resolve(VerseCount)
	assert.ErrorIs(t, err, ErrUnknownVerse)
	_, err = Resolve(-1)
	assert.ErrorIs(t, err, ErrUnknownVerse)
}

func TestResolve_RoundTripEveryVerse(t *testing.T) {
	for id := VerseID(0); id < VerseCount; id++ {
		v, err := Resolve(id)
		require.NoError(t, err)
		back, err := Lookup(v.Book, v.Chapter, v.Verse)
		require.NoError(t, err)
		require.Equal(t, id, back)
	}
}

func TestBookOf(t *testing.T) {
	jude, _ := LookupBook("Jude")
	b, ok := BookOf(jude.FirstVerse)
	assert.True(t, ok)
	assert.Equal(t, jude.ID, b)

	b, ok = BookOf(jude.LastVerse())
	assert.True(t, ok)
	assert.Equal(t, jude.ID, b)

	_, ok = BookOf(VerseCount)
	assert.False(t, ok)
	assert.True(t, jude.Contains(jude.FirstVerse+24))
	assert.False(t, jude.Contains(jude.FirstVerse+25))
}
