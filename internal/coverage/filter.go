package coverage

import (
	"slices"
	"strings"

	"github.com/versesung/coverage-server/internal/domain"
	"github.com/versesung/coverage-server/internal/index"
)

// Tri is a three-way filter switch.
type Tri int8

const (
	Any Tri = iota
	Yes
	No
)

// String returns the query spelling of t.
func (t Tri) String() string {
	switch t {
	case Yes:
		return "true"
	case No:
		return "false"
	default:
		return "all"
	}
}

// ParseTri parses "all", "true" or "false". The empty string means all.
func ParseTri(s string) (Tri, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all", "any":
		return Any, true
	case "true":
		return Yes, true
	case "false":
		return No, true
	}
	return Any, false
}

// Filter selects the works a verse must be covered by.
//
// Categories combine conjunctively on a single work: a verse is covered when
// one work satisfies every constrained category at once. Within a
// multi-valued category (adherence, genres, translations) any listed value
// will do. Empty lists and Any leave a category unconstrained.
type Filter struct {
	Adherence    []domain.Adherence
	Continuous   Tri
	AIMusic      Tri
	AILyrics     Tri
	Genres       []string
	Translations []string
}

// Normalize sorts and deduplicates the lists and turns labels into label
// keys. Listing every adherence value is the same as listing none.
func (f Filter) Normalize() Filter {
	out := f
	out.Adherence = slices.Clone(f.Adherence)
	slices.Sort(out.Adherence)
	out.Adherence = slices.Compact(out.Adherence)
	// Validation requires exactly one adherence per work, so the union of
	// every adherence set is every work on the verse.
	if len(out.Adherence) == len(domain.Adherences) {
		out.Adherence = nil
	}
	out.Genres = labelKeys(f.Genres)
	out.Translations = labelKeys(f.Translations)
	return out
}

func labelKeys(labels []string) []string {
	var keys []string
	for _, l := range labels {
		if k := domain.LabelKey(l); k != "" {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return slices.Compact(keys)
}

// IsZero reports whether f constrains nothing.
func (f Filter) IsZero() bool {
	return len(f.Adherence) == 0 && f.Continuous == Any && f.AIMusic == Any &&
		f.AILyrics == Any && len(f.Genres) == 0 && len(f.Translations) == 0
}

// Key is a canonical encoding of a normalized filter, used as a memo key.
func (f Filter) Key() string {
	var b strings.Builder
	b.WriteString("adh=")
	for i, a := range f.Adherence {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(string(a))
	}
	b.WriteString(";cont=")
	b.WriteString(f.Continuous.String())
	b.WriteString(";music=")
	b.WriteString(f.AIMusic.String())
	b.WriteString(";lyric=")
	b.WriteString(f.AILyrics.String())
	b.WriteString(";genre=")
	b.WriteString(strings.Join(f.Genres, ","))
	b.WriteString(";tr=")
	b.WriteString(strings.Join(f.Translations, ","))
	return b.String()
}

// groups returns, per constrained category, the sub-sets whose union
// satisfies it.
func (f Filter) groups(r *index.Record) [][]index.Set {
	var gs [][]index.Set
	if len(f.Adherence) > 0 {
		g := make([]index.Set, 0, len(f.Adherence))
		for _, a := range f.Adherence {
			g = append(g, r.Adherence[a])
		}
		gs = append(gs, g)
	}
	if s, ok := tri(f.Continuous, r.Continuous, r.NonContinuous); ok {
		gs = append(gs, []index.Set{s})
	}
	if s, ok := tri(f.AIMusic, r.MusicAI, r.MusicHuman); ok {
		gs = append(gs, []index.Set{s})
	}
	if s, ok := tri(f.AILyrics, r.LyricAI, r.LyricHuman); ok {
		gs = append(gs, []index.Set{s})
	}
	if len(f.Genres) > 0 {
		g := make([]index.Set, 0, len(f.Genres))
		for _, k := range f.Genres {
			g = append(g, r.Genres[k])
		}
		gs = append(gs, g)
	}
	if len(f.Translations) > 0 {
		g := make([]index.Set, 0, len(f.Translations))
		for _, k := range f.Translations {
			g = append(g, r.Translations[k])
		}
		gs = append(gs, g)
	}
	return gs
}

func tri(t Tri, yes, no index.Set) (index.Set, bool) {
	switch t {
	case Yes:
		return yes, true
	case No:
		return no, true
	}
	return nil, false
}

// Matches reports whether some single work on r satisfies every category
// of f. f must be normalized.
func (f Filter) Matches(r *index.Record) bool {
	if r.Empty() {
		return false
	}
	gs := f.groups(r)
	if len(gs) == 0 {
		return true
	}

	// Drive from the smallest category and probe the others.
	driver := 0
	for i := range gs {
		if groupSize(gs[i]) < groupSize(gs[driver]) {
			driver = i
		}
	}
	for _, s := range gs[driver] {
		for _, work := range s {
			if inAll(gs, driver, work) {
				return true
			}
		}
	}
	return false
}

func groupSize(g []index.Set) int {
	n := 0
	for _, s := range g {
		n += s.Len()
	}
	return n
}

func inAll(gs [][]index.Set, skip int, work string) bool {
	for i, g := range gs {
		if i == skip {
			continue
		}
		if !slices.ContainsFunc(g, func(s index.Set) bool { return s.Contains(work) }) {
			return false
		}
	}
	return true
}
