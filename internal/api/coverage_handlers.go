package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/versesung/coverage-server/internal/service"
)

func (s *Server) registerCoverageRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "getCoverage",
		Method:      http.MethodGet,
		Path:        "/api/v1/coverage",
		Summary:     "Coverage report",
		Description: "Returns per-book, per-testament and corpus coverage, unfiltered and under the requested filter",
		Tags:        []string{"Coverage"},
		Middlewares: huma.Middlewares{s.rateLimitQueries},
	}, s.handleGetCoverage)

	huma.Register(s.api, huma.Operation{
		OperationID: "getBookCoverage",
		Method:      http.MethodGet,
		Path:        "/api/v1/coverage/books/{book}",
		Summary:     "Book coverage",
		Description: "Returns coverage of a single book. Book names accept common abbreviations",
		Tags:        []string{"Coverage"},
		Middlewares: huma.Middlewares{s.rateLimitQueries},
	}, s.handleGetBookCoverage)

	huma.Register(s.api, huma.Operation{
		OperationID: "getVerseMembership",
		Method:      http.MethodGet,
		Path:        "/api/v1/coverage/verses/{ref}",
		Summary:     "Verse membership",
		Description: "Returns the membership record of every verse a reference resolves to",
		Tags:        []string{"Coverage"},
		Middlewares: huma.Middlewares{s.rateLimitQueries},
	}, s.handleGetVerseMembership)
}

// === DTOs ===

// CoverageInput holds the filter query parameters.
type CoverageInput struct {
	LyricsAdherence []string `query:"lyricsAdherence" doc:"all, or any of word_for_word, close_paraphrase, creative_inspiration (comma-separated)"`
	IsContinuous    string   `query:"isContinuous" doc:"all, true or false"`
	AIMusic         string   `query:"aiMusic" doc:"all, true or false"`
	AILyrics        string   `query:"aiLyrics" doc:"all, true or false"`
	Genres          []string `query:"genres" doc:"Genre labels; a verse matches if one work carries any of them"`
	Translations    []string `query:"translations" doc:"Translation labels; a verse matches if one work uses any of them"`
	Refresh         bool     `query:"refresh" doc:"Recompute stale books before answering (lazy mode)"`
}

func (in *CoverageInput) query() service.CoverageQuery {
	return service.CoverageQuery{
		LyricsAdherence: in.LyricsAdherence,
		IsContinuous:    in.IsContinuous,
		AIMusic:         in.AIMusic,
		AILyrics:        in.AILyrics,
		Genres:          in.Genres,
		Translations:    in.Translations,
		Refresh:         in.Refresh,
	}
}

// CoverageOutput wraps the full report.
type CoverageOutput struct {
	CacheControl string `header:"Cache-Control"`
	Body         *service.CoverageResponse
}

// BookCoverageInput names one book plus the filter.
type BookCoverageInput struct {
	Book string `path:"book" maxLength:"64" doc:"Book name or abbreviation (Jude, 1 Cor, Ps)"`
	CoverageInput
}

// BookCoverageOutput wraps a single-book report.
type BookCoverageOutput struct {
	CacheControl string `header:"Cache-Control"`
	Body         *service.BookCoverageResponse
}

// VerseMembershipInput names a scripture reference.
type VerseMembershipInput struct {
	Ref string `path:"ref" maxLength:"128" doc:"Scripture reference (Jude 1:24-25, Ps 23)"`
}

// VerseMembershipOutput lists the membership of each resolved verse.
type VerseMembershipOutput struct {
	Body []service.VerseMembership
}

// === Handlers ===

func (s *Server) handleGetCoverage(ctx context.Context, input *CoverageInput) (*CoverageOutput, error) {
	resp, err := s.services.Coverage.Coverage(ctx, input.query())
	if err != nil {
		return nil, handlerError(err)
	}
	return &CoverageOutput{CacheControl: CacheNoStore, Body: resp}, nil
}

func (s *Server) handleGetBookCoverage(ctx context.Context, input *BookCoverageInput) (*BookCoverageOutput, error) {
	resp, err := s.services.Coverage.BookCoverage(ctx, input.Book, input.query())
	if err != nil {
		return nil, handlerError(err)
	}
	return &BookCoverageOutput{CacheControl: CacheNoStore, Body: resp}, nil
}

func (s *Server) handleGetVerseMembership(ctx context.Context, input *VerseMembershipInput) (*VerseMembershipOutput, error) {
	verses, err := s.services.Coverage.Verses(ctx, input.Ref)
	if err != nil {
		return nil, handlerError(err)
	}
	return &VerseMembershipOutput{Body: verses}, nil
}
