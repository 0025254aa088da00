package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// Unmatched is the route label for requests no route claims.
const Unmatched = "unmatched"

type statusWriter struct {
	http.ResponseWriter
	status int
	n      int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.n += n
	return n, err
}

// RouteLabeler names the route a request belongs to. It must return values
// from a bounded set.
type RouteLabeler func(r *http.Request) string

// Middleware measures inflight, total, duration, and size. The route label is
// the chi pattern when one matched, else label(r), else Unmatched. Raw paths
// are never used as labels.
func (m *ServerMetrics) Middleware(label RouteLabeler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			if chi.RouteContext(r.Context()) == nil {
				r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, chi.NewRouteContext()))
			}

			m.inflight.Inc()
			defer m.inflight.Dec()

			sw := &statusWriter{ResponseWriter: w}
			next.ServeHTTP(sw, r)

			code := sw.status
			if code == 0 {
				code = http.StatusOK
			}

			ctx := r.Context()
			route := ""
			if rc := chi.RouteContext(ctx); rc != nil {
				route = rc.RoutePattern()
			}
			if route == "" && label != nil {
				route = label(r)
			}
			if route == "" {
				route = Unmatched
			}

			method := r.Method
			m.reqTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
			if code >= 500 {
				m.errorsTotal.WithLabelValues(method, route).Inc()
			}

			lat := time.Since(start).Seconds()
			obs := m.reqDur.WithLabelValues(method, route)
			if ex := traceExemplar(ctx); ex != nil {
				if eo, ok := obs.(prometheus.ExemplarObserver); ok {
					eo.ObserveWithExemplar(lat, ex)
				} else {
					obs.Observe(lat)
				}
			} else {
				obs.Observe(lat)
			}
			m.respBytes.WithLabelValues(method, route).Observe(float64(sw.n))
		})
	}
}

// if a sampled trace is present attach its trace_id as an exemplar
func traceExemplar(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}
