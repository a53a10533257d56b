package index

import (
	"fmt"
	"maps"
	"slices"

	"github.com/versesung/coverage-server/internal/domain"
)

// Record is the membership record of one canonical verse.
//
// All holds every work referencing the verse. The remaining sets partition
// All along each classification dimension. Installed records are never
// mutated; writers clone, modify and swap.
type Record struct {
	All Set `json:"all"`

	LyricAI       Set `json:"lyric_ai,omitempty"`
	LyricHuman    Set `json:"lyric_human,omitempty"`
	MusicAI       Set `json:"music_ai,omitempty"`
	MusicHuman    Set `json:"music_human,omitempty"`
	Continuous    Set `json:"continuous,omitempty"`
	NonContinuous Set `json:"non_continuous,omitempty"`

	Adherence    map[domain.Adherence]Set `json:"adherence,omitempty"`
	Genres       map[string]Set           `json:"genres,omitempty"`
	Translations map[string]Set           `json:"translations,omitempty"`
}

// Empty reports whether no work references the verse.
func (r *Record) Empty() bool {
	return r == nil || len(r.All) == 0
}

// Clone returns a deep copy. Cloning nil yields an empty record.
func (r *Record) Clone() *Record {
	if r == nil {
		return &Record{}
	}
	return &Record{
		All:           r.All.Clone(),
		LyricAI:       r.LyricAI.Clone(),
		LyricHuman:    r.LyricHuman.Clone(),
		MusicAI:       r.MusicAI.Clone(),
		MusicHuman:    r.MusicHuman.Clone(),
		Continuous:    r.Continuous.Clone(),
		NonContinuous: r.NonContinuous.Clone(),
		Adherence:     cloneSets(r.Adherence),
		Genres:        cloneSets(r.Genres),
		Translations:  cloneSets(r.Translations),
	}
}

func cloneSets[K comparable](m map[K]Set) map[K]Set {
	if m == nil {
		return nil
	}
	out := make(map[K]Set, len(m))
	for k, s := range m {
		out[k] = s.Clone()
	}
	return out
}

// Members returns the sub-set named by k. The result must not be modified.
func (r *Record) Members(k Key) Set {
	if r == nil {
		return nil
	}
	switch k.Dim {
	case DimLyricOrigin:
		return pickOrigin(k.Value, r.LyricAI, r.LyricHuman)
	case DimMusicOrigin:
		return pickOrigin(k.Value, r.MusicAI, r.MusicHuman)
	case DimContinuity:
		switch domain.Continuity(k.Value) {
		case domain.Continuous:
			return r.Continuous
		case domain.NonContinuous:
			return r.NonContinuous
		}
	case DimAdherence:
		return r.Adherence[domain.Adherence(k.Value)]
	case DimGenre:
		return r.Genres[k.Value]
	case DimTranslation:
		return r.Translations[k.Value]
	}
	return nil
}

func pickOrigin(v string, ai, human Set) Set {
	switch domain.Origin(v) {
	case domain.OriginAI:
		return ai
	case domain.OriginHuman:
		return human
	}
	return nil
}

// put replaces the sub-set named by k. Empty map entries are dropped.
func (r *Record) put(k Key, s Set) {
	if len(s) == 0 {
		s = nil
	}
	switch k.Dim {
	case DimLyricOrigin:
		setOrigin(k.Value, s, &r.LyricAI, &r.LyricHuman)
	case DimMusicOrigin:
		setOrigin(k.Value, s, &r.MusicAI, &r.MusicHuman)
	case DimContinuity:
		switch domain.Continuity(k.Value) {
		case domain.Continuous:
			r.Continuous = s
		case domain.NonContinuous:
			r.NonContinuous = s
		}
	case DimAdherence:
		r.Adherence = putSet(r.Adherence, domain.Adherence(k.Value), s)
	case DimGenre:
		r.Genres = putSet(r.Genres, k.Value, s)
	case DimTranslation:
		r.Translations = putSet(r.Translations, k.Value, s)
	}
}

func setOrigin(v string, s Set, ai, human *Set) {
	switch domain.Origin(v) {
	case domain.OriginAI:
		*ai = s
	case domain.OriginHuman:
		*human = s
	}
}

func putSet[K comparable](m map[K]Set, k K, s Set) map[K]Set {
	if s == nil {
		delete(m, k)
		if len(m) == 0 {
			return nil
		}
		return m
	}
	if m == nil {
		m = make(map[K]Set)
	}
	m[k] = s
	return m
}

// Keys lists every non-empty sub-set, sorted.
func (r *Record) Keys() []Key {
	if r == nil {
		return nil
	}
	var keys []Key
	fixed := []struct {
		key Key
		set Set
	}{
		{Key{DimLyricOrigin, string(domain.OriginAI)}, r.LyricAI},
		{Key{DimLyricOrigin, string(domain.OriginHuman)}, r.LyricHuman},
		{Key{DimMusicOrigin, string(domain.OriginAI)}, r.MusicAI},
		{Key{DimMusicOrigin, string(domain.OriginHuman)}, r.MusicHuman},
		{Key{DimContinuity, string(domain.Continuous)}, r.Continuous},
		{Key{DimContinuity, string(domain.NonContinuous)}, r.NonContinuous},
	}
	for _, f := range fixed {
		if len(f.set) > 0 {
			keys = append(keys, f.key)
		}
	}
	for a, s := range r.Adherence {
		if len(s) > 0 {
			keys = append(keys, Key{DimAdherence, string(a)})
		}
	}
	for _, g := range slices.Sorted(maps.Keys(r.Genres)) {
		keys = append(keys, Key{DimGenre, g})
	}
	for _, t := range slices.Sorted(maps.Keys(r.Translations)) {
		keys = append(keys, Key{DimTranslation, t})
	}
	slices.SortFunc(keys, compareKeys)
	return keys
}

// Add inserts work with attrs into a record that is not yet installed.
// Rebuild stages whole books this way before handing them to ReplaceBook.
func (r *Record) Add(work string, attrs domain.Attributes) bool {
	return r.add(work, KeysFor(attrs))
}

// add inserts work into All and every sub-set in keys.
func (r *Record) add(work string, keys []Key) bool {
	all, changed := r.All.with(work)
	r.All = all
	for _, k := range keys {
		s, ok := r.Members(k).with(work)
		if ok {
			r.put(k, s)
			changed = true
		}
	}
	return changed
}

// remove deletes work from All and from every sub-set.
func (r *Record) remove(work string) bool {
	all, changed := r.All.without(work)
	r.All = all
	for _, k := range r.Keys() {
		s, ok := r.Members(k).without(work)
		if ok {
			r.put(k, s)
			changed = true
		}
	}
	return changed
}

// reclassify moves work between sub-sets, touching only the keys that
// differ between old and next. All is left alone, and a work that does not
// reference the verse is not reclassified onto it.
func (r *Record) reclassify(work string, old, next []Key) bool {
	if !r.All.Contains(work) {
		return false
	}
	removed, added := diffKeys(old, next)
	changed := false
	for _, k := range removed {
		if s, ok := r.Members(k).without(work); ok {
			r.put(k, s)
			changed = true
		}
	}
	for _, k := range added {
		if s, ok := r.Members(k).with(work); ok {
			r.put(k, s)
			changed = true
		}
	}
	return changed
}

// singleValued dimensions allow a work in at most one of their sub-sets.
var singleValued = []Dimension{DimLyricOrigin, DimMusicOrigin, DimContinuity, DimAdherence, DimTranslation}

// Check returns every invariant the record violates.
func (r *Record) Check() []string {
	if r == nil {
		return nil
	}
	var problems []string
	if _, dirty := r.All.normalized(); dirty {
		problems = append(problems, "all: unsorted or duplicate members")
	}
	seen := make(map[Dimension]map[string]string)
	for _, k := range r.Keys() {
		s := r.Members(k)
		if _, dirty := s.normalized(); dirty {
			problems = append(problems, fmt.Sprintf("%s: unsorted or duplicate members", k))
		}
		for _, w := range s {
			if !r.All.Contains(w) {
				problems = append(problems, fmt.Sprintf("%s: work %s missing from all", k, w))
			}
			if !slices.Contains(singleValued, k.Dim) {
				continue
			}
			if seen[k.Dim] == nil {
				seen[k.Dim] = make(map[string]string)
			}
			if prev, ok := seen[k.Dim][w]; ok && prev != k.Value {
				problems = append(problems, fmt.Sprintf("%s: work %s also under %s", k, w, prev))
			}
			seen[k.Dim][w] = k.Value
		}
	}
	return problems
}

// Repair sorts and deduplicates every set and drops sub-set members absent
// from All. It reports whether anything changed. Conflicting values on a
// single-valued dimension are left for reconciliation.
func (r *Record) Repair() bool {
	changed := false
	if all, dirty := r.All.normalized(); dirty {
		r.All = all
		changed = true
	}
	for _, k := range r.Keys() {
		s, dirty := r.Members(k).normalized()
		kept := s[:0:0]
		for _, w := range s {
			if r.All.Contains(w) {
				kept = append(kept, w)
			}
		}
		if dirty || len(kept) != len(s) {
			r.put(k, kept)
			changed = true
		}
	}
	return changed
}
