package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/versesung/coverage-server/internal/scripture"
)

func TestAttributes_Normalize(t *testing.T) {
	a := Attributes{
		Genres:      []string{" Hymn ", "hymn", "Rock  Ballad", "", "HYMN"},
		Translation: "  ESV ",
	}
	got := a.Normalize()
	assert.Equal(t, []string{"Hymn", "Rock Ballad"}, got.Genres)
	assert.Equal(t, "ESV", got.Translation)
}

func TestAttributes_Equal(t *testing.T) {
	base := Attributes{
		LyricOrigin: OriginHuman,
		MusicOrigin: OriginAI,
		Continuity:  Continuous,
		Adherence:   WordForWord,
		Genres:      []string{"Rock", "Hymn"},
		Translation: "KJV",
	}

	same := base
	same.Genres = []string{"hymn", "ROCK"}
	same.Translation = "kjv"
	assert.True(t, base.Equal(same))

	moved := base
	moved.Adherence = CloseParaphrase
	assert.False(t, base.Equal(moved))

	regenred := base
	regenred.Genres = []string{"Rock"}
	assert.False(t, base.Equal(regenred))
}

func TestEnumValid(t *testing.T) {
	assert.True(t, OriginAI.Valid())
	assert.False(t, Origin("robot").Valid())
	assert.True(t, NonContinuous.Valid())
	assert.False(t, Continuity("sometimes").Valid())
	assert.True(t, CreativeInspiration.Valid())
	assert.False(t, Adherence("loose").Valid())
	assert.True(t, EventDeleted.Valid())
	assert.False(t, EventType("archived").Valid())
}

func TestWork_CloneIsDeep(t *testing.T) {
	w := &Work{ID: "w1", Verses: []scripture.VerseID{1, 2}, Attributes: Attributes{Genres: []string{"Rock"}}}
	c := w.Clone()
	c.Verses[0] = 99
	c.Attributes.Genres[0] = "Jazz"
	assert.NotEqual(t, w.Verses[0], c.Verses[0])
	assert.Equal(t, "Rock", w.Attributes.Genres[0])

	var nilWork *Work
	assert.Nil(t, nilWork.Clone())
	assert.Empty(t, nilWork.VerseSet())
}
