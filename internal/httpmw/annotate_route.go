package httpmw

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RouteLabel names the route of a request that no chi pattern matched.
// It returns "" when it has no name for it.
type RouteLabel func(*http.Request) string

// UnmatchedRoute is used when neither chi nor the RouteLabel knows the route.
const UnmatchedRoute = "unmatched"

// routeOf picks the chi pattern, then label, then UnmatchedRoute. Raw paths
// never become route names.
func routeOf(r *http.Request, label RouteLabel) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	if label != nil {
		if p := label(r); p != "" {
			return p
		}
	}
	return UnmatchedRoute
}

// AnnotateHTTPRoute sets http.route and renames the span after the handler
// ran, once chi has resolved the pattern.
func AnnotateHTTPRoute(label RouteLabel) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)

			span := trace.SpanFromContext(r.Context())
			if !span.IsRecording() {
				return
			}
			route := routeOf(r, label)
			span.SetAttributes(attribute.String("http.route", route))
			span.SetName(r.Method + " " + route)
		})
	}
}
