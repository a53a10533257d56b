package api

import (
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/versesung/coverage-server/internal/ratelimit"
)

// EnvelopeVersion is bumped when the envelope shape changes.
const EnvelopeVersion = 1

// APIEnvelope wraps every successful response and plain errors.
type APIEnvelope struct {
	Version int    `json:"v"`
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// APIErrorEnvelope wraps structured domain errors.
type APIErrorEnvelope struct {
	Version int    `json:"v"`
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Details any    `json:"details,omitempty"`
}

// EnvelopeTransformer is a huma transformer that wraps response bodies as
// {v, success, data} or {v, success, error}.
func EnvelopeTransformer(_ huma.Context, status string, v any) (any, error) {
	switch body := v.(type) {
	case *APIError:
		return APIErrorEnvelope{
			Version: EnvelopeVersion,
			Success: false,
			Error:   body.Message,
			Code:    body.Code,
			Message: body.Message,
			Field:   body.Field,
			Details: body.Details,
		}, nil
	case error:
		return APIEnvelope{Version: EnvelopeVersion, Success: false, Error: body.Error()}, nil
	}

	return APIEnvelope{
		Version: EnvelopeVersion,
		Success: len(status) > 0 && status[0] < '4',
		Data:    v,
	}, nil
}

// requestLogger logs one line per request through the server logger.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

// rateLimitQueries rejects query operations over the per-client limit.
func (s *Server) rateLimitQueries(ctx huma.Context, next func(huma.Context)) {
	if s.queryLimiter == nil {
		next(ctx)
		return
	}
	r, _ := humachi.Unwrap(ctx)
	key := ratelimit.ClientKey(r)
	if !s.queryLimiter.Allow(key) {
		s.logger.Warn("rate limit exceeded", "client", key, "path", r.URL.Path)
		ctx.SetHeader("Retry-After", "1")
		_ = huma.WriteErr(s.api, ctx, http.StatusTooManyRequests, "too many requests, retry later")
		return
	}
	next(ctx)
}
