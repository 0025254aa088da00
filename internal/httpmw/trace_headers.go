package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultTraceIDHeader = "X-Trace-Id"
	DefaultSpanIDHeader  = "X-Span-Id"
)

// TraceResponseHeaders echoes the IDs of a valid span context so an
// operator can find the trace behind a trigger. Empty names use the defaults.
func TraceResponseHeaders(traceHeader, spanHeader string) func(http.Handler) http.Handler {
	traceHeader = orDefault(traceHeader, DefaultTraceIDHeader)
	spanHeader = orDefault(spanHeader, DefaultSpanIDHeader)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sc := trace.SpanContextFromContext(r.Context())
			if sc.IsValid() {
				h := w.Header()
				h.Set(traceHeader, sc.TraceID().String())
				h.Set(spanHeader, sc.SpanID().String())
			}
			next.ServeHTTP(w, r)
		})
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
