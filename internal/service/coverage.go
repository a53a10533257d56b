package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/versesung/coverage-server/internal/coverage"
	"github.com/versesung/coverage-server/internal/domain"
	"github.com/versesung/coverage-server/internal/errors"
	"github.com/versesung/coverage-server/internal/index"
	"github.com/versesung/coverage-server/internal/scripture"
)

// Query parameter names, used as field names in validation errors.
const (
	FieldLyricsAdherence = "lyricsAdherence"
	FieldIsContinuous    = "isContinuous"
	FieldAIMusic         = "aiMusic"
	FieldAILyrics        = "aiLyrics"
	FieldGenres          = "genres"
	FieldTranslations    = "translations"
	FieldBook            = "book"
	FieldRef             = "ref"
)

// maxVerseLookup caps how many verses one membership lookup may expand to.
const maxVerseLookup = 200

// CoverageQuery is a coverage request as the client sends it. List values
// may repeat or be comma separated. "all", given alone, leaves a category
// unconstrained.
type CoverageQuery struct {
	LyricsAdherence []string
	IsContinuous    string
	AIMusic         string
	AILyrics        string
	Genres          []string
	Translations    []string
	Refresh         bool
}

// BookCoverage is one book of a coverage response.
type BookCoverage struct {
	Book                   string  `json:"book"`
	Slug                   string  `json:"slug"`
	Testament              string  `json:"testament"`
	TotalVerses            int     `json:"total_verses"`
	VersesCovered          int     `json:"verses_covered"`
	FilteredVersesCovered  int     `json:"filtered_verses_covered"`
	BookPercentage         float64 `json:"book_percentage"`
	FilteredBookPercentage float64 `json:"filtered_book_percentage"`
	Stale                  bool    `json:"stale,omitempty"`
}

// RollupCoverage is a testament or corpus roll-up.
type RollupCoverage struct {
	Testament              string  `json:"testament,omitempty"`
	TotalVerses            int     `json:"total_verses"`
	VersesCovered          int     `json:"verses_covered"`
	FilteredVersesCovered  int     `json:"filtered_verses_covered"`
	BookPercentage         float64 `json:"book_percentage"`
	FilteredBookPercentage float64 `json:"filtered_book_percentage"`
}

// CoverageMeta describes how a response was produced.
type CoverageMeta struct {
	RefreshMode string    `json:"refresh_mode"`
	Filter      string    `json:"filter"`
	Stale       bool      `json:"stale"`
	StaleBooks  []string  `json:"stale_books,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// CoverageResponse is the full coverage report.
type CoverageResponse struct {
	Books      []BookCoverage   `json:"books"`
	Testaments []RollupCoverage `json:"testaments"`
	Corpus     RollupCoverage   `json:"corpus"`
	Meta       CoverageMeta     `json:"meta"`
}

// BookCoverageResponse is the coverage of a single book.
type BookCoverageResponse struct {
	Book BookCoverage `json:"book"`
	Meta CoverageMeta `json:"meta"`
}

// VerseMembership is the index record of one verse.
type VerseMembership struct {
	Ref     string        `json:"ref"`
	VerseID int32         `json:"verse_id"`
	Record  *index.Record `json:"record"`
}

// CoverageService validates coverage queries and shapes their results.
type CoverageService struct {
	builder   *coverage.Builder
	index     *index.Store
	logger    *slog.Logger
	maxValues int
}

// NewCoverageService creates a coverage service. maxValues caps the genre
// and translation lists of a filter.
func NewCoverageService(builder *coverage.Builder, idx *index.Store, maxValues int, logger *slog.Logger) *CoverageService {
	if maxValues <= 0 {
		maxValues = 16
	}
	return &CoverageService{
		builder:   builder,
		index:     idx,
		logger:    logger,
		maxValues: maxValues,
	}
}

// ParseFilter validates q. Unknown values are rejected with the offending
// field named, never defaulted.
func (s *CoverageService) ParseFilter(q CoverageQuery) (coverage.Filter, error) {
	var f coverage.Filter

	adherence, err := listOrAll(FieldLyricsAdherence, q.LyricsAdherence)
	if err != nil {
		return f, err
	}
	if len(adherence) > len(domain.Adherences) {
		return f, errors.Validationf("%s accepts at most %d values", FieldLyricsAdherence, len(domain.Adherences)).
			WithField(FieldLyricsAdherence)
	}
	for _, v := range adherence {
		a := domain.Adherence(strings.ToLower(v))
		if !a.Valid() {
			return f, errors.Validationf("unknown %s value %q", FieldLyricsAdherence, v).WithField(FieldLyricsAdherence)
		}
		f.Adherence = append(f.Adherence, a)
	}

	tris := []struct {
		field string
		raw   string
		dst   *coverage.Tri
	}{
		{FieldIsContinuous, q.IsContinuous, &f.Continuous},
		{FieldAIMusic, q.AIMusic, &f.AIMusic},
		{FieldAILyrics, q.AILyrics, &f.AILyrics},
	}
	for _, t := range tris {
		v, ok := coverage.ParseTri(t.raw)
		if !ok {
			return f, errors.Validationf("%s must be all, true or false, got %q", t.field, t.raw).WithField(t.field)
		}
		*t.dst = v
	}

	if f.Genres, err = s.labels(FieldGenres, q.Genres); err != nil {
		return f, err
	}
	if f.Translations, err = s.labels(FieldTranslations, q.Translations); err != nil {
		return f, err
	}
	return f.Normalize(), nil
}

func (s *CoverageService) labels(field string, raw []string) ([]string, error) {
	values := splitList(raw)
	if len(values) > s.maxValues {
		return nil, errors.Validationf("%s accepts at most %d values", field, s.maxValues).WithField(field)
	}
	return listOrAll(field, values)
}

// listOrAll returns the values of a list parameter, or nil when it is the
// single value "all". "all" next to any other value is rejected.
func listOrAll(field string, raw []string) ([]string, error) {
	values := splitList(raw)
	for _, v := range values {
		if !strings.EqualFold(v, "all") {
			continue
		}
		if len(values) > 1 {
			return nil, errors.Validationf("%s: all cannot be combined with other values", field).WithField(field)
		}
		return nil, nil
	}
	return values, nil
}

// splitList flattens repeated and comma separated values and drops blanks.
func splitList(raw []string) []string {
	var out []string
	for _, r := range raw {
		for part := range strings.SplitSeq(r, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Coverage returns every book with testament and corpus roll-ups.
func (s *CoverageService) Coverage(ctx context.Context, q CoverageQuery) (*CoverageResponse, error) {
	f, err := s.ParseFilter(q)
	if err != nil {
		return nil, err
	}
	report, err := s.builder.Report(ctx, f, q.Refresh)
	if err != nil {
		return nil, err
	}

	resp := &CoverageResponse{
		Books:      make([]BookCoverage, 0, len(report.Books)),
		Testaments: make([]RollupCoverage, 0, len(report.Testaments)),
		Corpus:     rollup("", report.Corpus),
		Meta:       s.meta(f, report.StaleBooks, report.GeneratedAt),
	}
	for _, v := range report.Books {
		resp.Books = append(resp.Books, bookCoverage(v))
	}
	for _, t := range report.Testaments {
		resp.Testaments = append(resp.Testaments, rollup(string(t.Testament), t.Summary))
	}
	if report.Stale() {
		s.logger.Debug("served stale coverage", "stale_books", len(report.StaleBooks))
	}
	return resp, nil
}

// BookCoverage returns the coverage of one book, looked up by name, alias
// or slug.
func (s *CoverageService) BookCoverage(ctx context.Context, name string, q CoverageQuery) (*BookCoverageResponse, error) {
	book, ok := scripture.LookupBook(name)
	if !ok {
		return nil, errors.Validationf("unknown book %q", name).WithField(FieldBook)
	}
	f, err := s.ParseFilter(q)
	if err != nil {
		return nil, err
	}
	views, err := s.builder.Views(ctx, []scripture.BookID{book.ID}, f, q.Refresh)
	if err != nil {
		return nil, err
	}
	v := views[0]
	var stale []scripture.BookID
	if v.Stale {
		stale = append(stale, book.ID)
	}
	return &BookCoverageResponse{
		Book: bookCoverage(v),
		Meta: s.meta(f, stale, time.Now().UTC()),
	}, nil
}

// Verses returns the membership records of every verse ref names.
func (s *CoverageService) Verses(ctx context.Context, ref string) ([]VerseMembership, error) {
	ids, err := scripture.ParseVerses(ref)
	if err != nil {
		return nil, errors.Validationf("unresolvable reference %q", ref).WithField(FieldRef).WithCause(err)
	}
	if len(ids) > maxVerseLookup {
		return nil, errors.Validationf("reference %q spans %d verses, at most %d allowed", ref, len(ids), maxVerseLookup).
			WithField(FieldRef)
	}

	out := make([]VerseMembership, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := s.index.Record(id)
		if err != nil {
			return nil, err
		}
		v, err := scripture.Resolve(id)
		if err != nil {
			return nil, err
		}
		out = append(out, VerseMembership{Ref: v.String(), VerseID: int32(id), Record: r})
	}
	return out, nil
}

func (s *CoverageService) meta(f coverage.Filter, stale []scripture.BookID, at time.Time) CoverageMeta {
	m := CoverageMeta{
		RefreshMode: string(s.builder.Mode()),
		Filter:      f.Key(),
		Stale:       len(stale) > 0,
		GeneratedAt: at,
	}
	for _, id := range stale {
		if b, ok := scripture.BookByID(id); ok {
			m.StaleBooks = append(m.StaleBooks, b.Name)
		}
	}
	return m
}

func bookCoverage(v coverage.BookView) BookCoverage {
	b, _ := scripture.BookByID(v.Aggregate.Book)
	return BookCoverage{
		Book:                   b.Name,
		Slug:                   b.Slug,
		Testament:              string(b.Testament),
		TotalVerses:            v.Aggregate.Total,
		VersesCovered:          v.Aggregate.Covered,
		FilteredVersesCovered:  v.Filtered,
		BookPercentage:         v.Aggregate.Percentage,
		FilteredBookPercentage: coverage.Percentage(v.Filtered, v.Aggregate.Total),
		Stale:                  v.Stale,
	}
}

func rollup(testament string, s coverage.Summary) RollupCoverage {
	return RollupCoverage{
		Testament:              testament,
		TotalVerses:            s.Total,
		VersesCovered:          s.Covered,
		FilteredVersesCovered:  s.Filtered,
		BookPercentage:         s.Percentage,
		FilteredBookPercentage: s.FilteredPercentage,
	}
}

// RefreshState reports the refresh mode and how many books are dirty.
func (s *CoverageService) RefreshState() (mode string, dirty int) {
	return string(s.builder.Mode()), len(s.index.DirtyBooks())
}
