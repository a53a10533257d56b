package coverage

import (
	"context"
	"time"

	"github.com/versesung/coverage-server/internal/scripture"
)

// Summary is coverage summed over a group of books.
type Summary struct {
	Total              int     `json:"total_verses"`
	Covered            int     `json:"verses_covered"`
	Filtered           int     `json:"filtered_verses_covered"`
	Percentage         float64 `json:"book_percentage"`
	FilteredPercentage float64 `json:"filtered_book_percentage"`
}

// Rollup sums views. Totals are the fixed canonical verse counts.
func Rollup(views []BookView) Summary {
	var s Summary
	for _, v := range views {
		s.Total += v.Aggregate.Total
		s.Covered += v.Aggregate.Covered
		s.Filtered += v.Filtered
	}
	s.Percentage = Percentage(s.Covered, s.Total)
	s.FilteredPercentage = Percentage(s.Filtered, s.Total)
	return s
}

// TestamentSummary is the roll-up of one testament.
type TestamentSummary struct {
	Testament scripture.Testament `json:"testament"`
	Summary
}

// Report is the coverage of the whole canon under one filter.
type Report struct {
	Books       []BookView
	Testaments  []TestamentSummary
	Corpus      Summary
	StaleBooks  []scripture.BookID
	GeneratedAt time.Time
}

// Stale reports whether any book was served from an outdated row.
func (r *Report) Stale() bool {
	return len(r.StaleBooks) > 0
}

// Report computes every book in canonical order and rolls them up.
// f must be normalized.
func (b *Builder) Report(ctx context.Context, f Filter, force bool) (*Report, error) {
	all := scripture.Books()
	ids := make([]scripture.BookID, len(all))
	for i, book := range all {
		ids[i] = book.ID
	}
	views, err := b.Views(ctx, ids, f, force)
	if err != nil {
		return nil, err
	}

	r := &Report{
		Books:       views,
		Corpus:      Rollup(views),
		GeneratedAt: time.Now().UTC(),
	}
	for _, t := range []scripture.Testament{scripture.OldTestament, scripture.NewTestament} {
		var group []BookView
		for i, v := range views {
			if all[i].Testament == t {
				group = append(group, v)
			}
		}
		r.Testaments = append(r.Testaments, TestamentSummary{Testament: t, Summary: Rollup(group)})
	}
	for _, v := range views {
		if v.Stale {
			r.StaleBooks = append(r.StaleBooks, v.Aggregate.Book)
		}
	}
	return r, nil
}
