package index

import (
	"cmp"
	"slices"

	"github.com/versesung/coverage-server/internal/domain"
)

// Dimension is one classification axis a verse record is partitioned by.
type Dimension string

const (
	DimLyricOrigin Dimension = "lyric_origin"
	DimMusicOrigin Dimension = "music_origin"
	DimContinuity  Dimension = "continuity"
	DimAdherence   Dimension = "adherence"
	DimGenre       Dimension = "genre"
	DimTranslation Dimension = "translation"
)

// Key names one sub-set of a record: a dimension and a value on it.
// Genre and translation values are label keys (see domain.LabelKey).
type Key struct {
	Dim   Dimension `json:"dimension"`
	Value string    `json:"value"`
}

func (k Key) String() string { return string(k.Dim) + "=" + k.Value }

func compareKeys(a, b Key) int {
	if c := cmp.Compare(a.Dim, b.Dim); c != 0 {
		return c
	}
	return cmp.Compare(a.Value, b.Value)
}

// KeysFor returns the sub-sets a work with attrs belongs to on every verse it
// references, sorted and deduplicated. Unset values imply no membership.
func KeysFor(attrs domain.Attributes) []Key {
	keys := make([]Key, 0, 5+len(attrs.Genres))
	if attrs.LyricOrigin.Valid() {
		keys = append(keys, Key{DimLyricOrigin, string(attrs.LyricOrigin)})
	}
	if attrs.MusicOrigin.Valid() {
		keys = append(keys, Key{DimMusicOrigin, string(attrs.MusicOrigin)})
	}
	if attrs.Continuity.Valid() {
		keys = append(keys, Key{DimContinuity, string(attrs.Continuity)})
	}
	if attrs.Adherence.Valid() {
		keys = append(keys, Key{DimAdherence, string(attrs.Adherence)})
	}
	for _, g := range attrs.Genres {
		if k := domain.LabelKey(g); k != "" {
			keys = append(keys, Key{DimGenre, k})
		}
	}
	if k := domain.LabelKey(attrs.Translation); k != "" {
		keys = append(keys, Key{DimTranslation, k})
	}
	slices.SortFunc(keys, compareKeys)
	return slices.Compact(keys)
}

// diffKeys returns the keys only in old and the keys only in next.
// Both inputs must be sorted, as KeysFor returns them.
func diffKeys(old, next []Key) (removed, added []Key) {
	i, j := 0, 0
	for i < len(old) && j < len(next) {
		switch c := compareKeys(old[i], next[j]); {
		case c == 0:
			i++
			j++
		case c < 0:
			removed = append(removed, old[i])
			i++
		default:
			added = append(added, next[j])
			j++
		}
	}
	removed = append(removed, old[i:]...)
	added = append(added, next[j:]...)
	return removed, added
}
