package domain

import (
	"slices"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/versesung/coverage-server/internal/scripture"
)

// Origin records whether a part of a work was AI generated or human made.
type Origin string

const (
	OriginAI    Origin = "ai"
	OriginHuman Origin = "human"
)

// Valid reports whether o is a known origin.
func (o Origin) Valid() bool {
	return o == OriginAI || o == OriginHuman
}

// Continuity records whether a work sets one unbroken passage.
type Continuity string

const (
	Continuous    Continuity = "continuous"
	NonContinuous Continuity = "non_continuous"
)

// Valid reports whether c is a known continuity value.
func (c Continuity) Valid() bool {
	return c == Continuous || c == NonContinuous
}

// Adherence describes how closely the lyrics follow the scripture text.
type Adherence string

const (
	WordForWord         Adherence = "word_for_word"
	CloseParaphrase     Adherence = "close_paraphrase"
	CreativeInspiration Adherence = "creative_inspiration"
)

// Adherences lists every adherence value in display order.
var Adherences = []Adherence{WordForWord, CloseParaphrase, CreativeInspiration}

// Valid reports whether a is a known adherence value.
func (a Adherence) Valid() bool {
	return slices.Contains(Adherences, a)
}

// Attributes is the classification tuple a work carries.
// Every scripture reference of a work shares the same tuple.
type Attributes struct {
	LyricOrigin Origin     `json:"lyric_origin" validate:"required,oneof=ai human"`
	MusicOrigin Origin     `json:"music_origin" validate:"required,oneof=ai human"`
	Continuity  Continuity `json:"continuity" validate:"required,oneof=continuous non_continuous"`
	Adherence   Adherence  `json:"adherence" validate:"required,oneof=word_for_word close_paraphrase creative_inspiration"`
	Genres      []string   `json:"genres,omitempty" validate:"max=16,dive,required,max=64"`
	Translation string     `json:"translation,omitempty" validate:"max=64"`
}

// Normalize returns a copy with labels trimmed, NFC normalized and the genre
// list deduplicated by LabelKey. First spelling wins.
func (a Attributes) Normalize() Attributes {
	out := a
	out.Translation = NormalizeLabel(a.Translation)
	out.Genres = nil
	seen := make(map[string]struct{}, len(a.Genres))
	for _, g := range a.Genres {
		g = NormalizeLabel(g)
		if g == "" {
			continue
		}
		k := LabelKey(g)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out.Genres = append(out.Genres, g)
	}
	return out
}

// Equal reports whether two tuples imply the same memberships.
func (a Attributes) Equal(b Attributes) bool {
	if a.LyricOrigin != b.LyricOrigin || a.MusicOrigin != b.MusicOrigin ||
		a.Continuity != b.Continuity || a.Adherence != b.Adherence ||
		LabelKey(a.Translation) != LabelKey(b.Translation) {
		return false
	}
	return slices.Equal(genreKeys(a.Genres), genreKeys(b.Genres))
}

func genreKeys(genres []string) []string {
	keys := make([]string, 0, len(genres))
	for _, g := range genres {
		if k := LabelKey(g); k != "" {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return slices.Compact(keys)
}

// NormalizeLabel trims a free-text label, collapses inner whitespace and
// applies NFC. Case is preserved.
func NormalizeLabel(s string) string {
	return norm.NFC.String(strings.Join(strings.Fields(s), " "))
}

// LabelKey is the identity of a genre or translation label: "Hymn", " hymn"
// and "HYMN" share a key.
func LabelKey(s string) string {
	return cases.Fold().String(NormalizeLabel(s))
}

// Work is the catalog's view of a musical work as the index needs it.
type Work struct {
	ID         string              `json:"id" validate:"required,max=128"`
	Attributes Attributes          `json:"attributes"`
	Verses     []scripture.VerseID `json:"verses"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// VerseSet returns the work's references as a set.
func (w *Work) VerseSet() map[scripture.VerseID]struct{} {
	if w == nil {
		return map[scripture.VerseID]struct{}{}
	}
	set := make(map[scripture.VerseID]struct{}, len(w.Verses))
	for _, v := range w.Verses {
		set[v] = struct{}{}
	}
	return set
}

// Clone returns a deep copy.
func (w *Work) Clone() *Work {
	if w == nil {
		return nil
	}
	c := *w
	c.Verses = slices.Clone(w.Verses)
	c.Attributes.Genres = slices.Clone(w.Attributes.Genres)
	return &c
}
