package metrics

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// unmatched labels requests no route claimed, so stray 404s cannot grow the
// label set.
const unmatched = "unmatched"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// RequestMiddleware counts control requests by chi route pattern and counts
// responses with status >= 400 as errors. It must be installed with r.Use on
// the root router; the pattern is read after the request is routed.
// A nil m passes requests through untouched.
func RequestMiddleware(m *Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			route := routePattern(r)
			m.IncRequests(route)
			if rec.status >= 400 {
				m.IncErrors(route, rec.status)
			}
		})
	}
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return unmatched
	}
	if p := rctx.RoutePattern(); p != "" {
		return p
	}
	return unmatched
}
