package validation_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/versesung/coverage-server/internal/domain"
	"github.com/versesung/coverage-server/internal/errors"
	"github.com/versesung/coverage-server/internal/validation"
)

func validEvent() domain.LifecycleEvent {
	return domain.LifecycleEvent{
		Type: domain.EventCreated,
		Work: domain.Work{
			ID: "song-1",
			Attributes: domain.Attributes{
				LyricOrigin: domain.OriginHuman,
				MusicOrigin: domain.OriginAI,
				Continuity:  domain.Continuous,
				Adherence:   domain.WordForWord,
				Genres:      []string{"Hymn"},
			},
		},
	}
}

func TestValidator_ValidateSuccess(t *testing.T) {
	v := validation.New()
	assert.NoError(t, v.Validate(validEvent()))
}

func TestValidator_ValidateErrors(t *testing.T) {
	v := validation.New()

	tests := []struct {
		name      string
		mutate    func(*domain.LifecycleEvent)
		wantField string
		wantMsg   string
	}{
		{
			name:      "missing work id",
			mutate:    func(e *domain.LifecycleEvent) { e.Work.ID = "" },
			wantField: "work.id",
			wantMsg:   "is required",
		},
		{
			name:      "unknown event type",
			mutate:    func(e *domain.LifecycleEvent) { e.Type = "archived" },
			wantField: "type",
			wantMsg:   "must be one of: created updated deleted",
		},
		{
			name:      "missing adherence",
			mutate:    func(e *domain.LifecycleEvent) { e.Work.Attributes.Adherence = "" },
			wantField: "work.attributes.adherence",
			wantMsg:   "is required",
		},
		{
			name:      "unknown adherence",
			mutate:    func(e *domain.LifecycleEvent) { e.Work.Attributes.Adherence = "loose" },
			wantField: "work.attributes.adherence",
			wantMsg:   "must be one of: word_for_word close_paraphrase creative_inspiration",
		},
		{
			name: "too many genres",
			mutate: func(e *domain.LifecycleEvent) {
				e.Work.Attributes.Genres = make([]string, 17)
				for i := range e.Work.Attributes.Genres {
					e.Work.Attributes.Genres[i] = "g"
				}
			},
			wantField: "work.attributes.genres",
			wantMsg:   "must not exceed 16 items",
		},
		{
			name:      "empty genre label",
			mutate:    func(e *domain.LifecycleEvent) { e.Work.Attributes.Genres = []string{""} },
			wantField: "work.attributes.genres[0]",
			wantMsg:   "is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := validEvent()
			tt.mutate(&ev)
			err := v.Validate(ev)
			require.Error(t, err)

			var domainErr *errors.Error
			require.True(t, errors.As(err, &domainErr))
			assert.Equal(t, errors.CodeValidation, domainErr.Code)
			assert.Equal(t, http.StatusBadRequest, domainErr.HTTPStatus())
			assert.Equal(t, tt.wantField, domainErr.Field)

			details, ok := domainErr.Details.(map[string]string)
			require.True(t, ok)
			assert.Equal(t, tt.wantMsg, details[tt.wantField])
		})
	}
}

func TestValidator_JSONFieldNames(t *testing.T) {
	v := validation.New()
	ev := validEvent()
	ev.Work.Attributes.LyricOrigin = ""

	err := v.Validate(ev)
	require.Error(t, err)

	// JSON tag names, not struct field names.
	assert.Contains(t, err.Error(), "lyric_origin")
	assert.NotContains(t, err.Error(), "LyricOrigin")
}
