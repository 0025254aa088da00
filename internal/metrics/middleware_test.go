package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
)

// statusWriter

func TestStatusWriter_DefaultsTo200AndCountsBytes(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec}

	sw.Write([]byte("abc"))
	sw.Write([]byte("de"))

	if sw.status != http.StatusOK || sw.n != 5 {
		t.Fatalf("status=%d n=%d", sw.status, sw.n)
	}
}

func TestStatusWriter_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec}
	sw.WriteHeader(http.StatusTeapot)
	if sw.status != http.StatusTeapot || rec.Code != http.StatusTeapot {
		t.Fatalf("status=%d rec=%d", sw.status, rec.Code)
	}
}

// Middleware

func TestMiddleware_ChiPatternWins(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {})
	h := m.Middleware(func(*http.Request) string { return "labeler" })(r)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/items/42", nil))

	labeled(t, m.reg, "http_requests_total", map[string]string{
		"method": "GET", "route": "/items/{id}", "status": "200",
	})
}

func TestMiddleware_LabelerForFallback(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	label := func(r *http.Request) string {
		if r.URL.Path == "/reload" {
			return "/reload"
		}
		return ""
	}
	h := m.Middleware(label)(r)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/reload", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/random/1", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/random/2", nil))

	labeled(t, m.reg, "http_requests_total", map[string]string{"method": "POST", "route": "/reload"})
	got := labeled(t, m.reg, "http_requests_total", map[string]string{"method": "GET", "route": Unmatched})
	if got.GetCounter().GetValue() != 2 {
		t.Fatalf("unmatched count = %v, want 2", got.GetCounter().GetValue())
	}
}

func TestMiddleware_NilLabeler(t *testing.T) {
	m := New()
	h := m.Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/anything", nil))
	labeled(t, m.reg, "http_requests_total", map[string]string{"route": Unmatched, "status": "200"})
}

func TestMiddleware_5xxCountsError(t *testing.T) {
	m := New()
	h := m.Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	labeled(t, m.reg, "http_errors_total", map[string]string{"method": "GET", "route": Unmatched})
}

func TestMiddleware_2xxNoError(t *testing.T) {
	m := New()
	h := m.Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if f := gatherMetric(t, m.reg, "http_errors_total"); f != nil && len(f.GetMetric()) > 0 {
		t.Fatal("http_errors_total recorded for a 200")
	}
}

func TestMiddleware_InflightReturnsToZero(t *testing.T) {
	m := New()
	var during float64
	h := m.Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = scalar(t, m.reg, "http_inflight_requests").GetGauge().GetValue()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if during != 1 {
		t.Fatalf("inflight during request = %v", during)
	}
	if v := scalar(t, m.reg, "http_inflight_requests").GetGauge().GetValue(); v != 0 {
		t.Fatalf("inflight after = %v", v)
	}
}

func TestMiddleware_ResponseSize(t *testing.T) {
	m := New()
	h := m.Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 300))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	hist := labeled(t, m.reg, "http_response_size_bytes", map[string]string{"route": Unmatched}).GetHistogram()
	if hist.GetSampleCount() != 1 || hist.GetSampleSum() != 300 {
		t.Fatalf("count=%d sum=%v", hist.GetSampleCount(), hist.GetSampleSum())
	}
}

// traceExemplar

func TestTraceExemplar(t *testing.T) {
	tid, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	sid, _ := trace.SpanIDFromHex("0102030405060708")

	sampled := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled,
	}))
	if ex := traceExemplar(sampled); ex["trace_id"] != tid.String() {
		t.Fatalf("exemplar = %v", ex)
	}

	unsampled := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: tid, SpanID: sid,
	}))
	if ex := traceExemplar(unsampled); ex != nil {
		t.Fatalf("unsampled exemplar = %v", ex)
	}

	if ex := traceExemplar(context.Background()); ex != nil {
		t.Fatalf("no-trace exemplar = %v", ex)
	}
}
