package httpserver

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/wsexec/internal/log"
	"github.com/keithlinneman/wsexec/internal/metrics"
	"github.com/keithlinneman/wsexec/internal/routes"
	"github.com/keithlinneman/wsexec/internal/state"
	"github.com/keithlinneman/wsexec/internal/trigger"
)

// test helpers

const mainPage = "<html><body>relay</body></html>"

func defaultOpts() *Options {
	return &Options{Logger: log.Nop()}
}

// triggerOpts wires a real trigger handler over a fresh store.
func triggerOpts(t *testing.T) (*Options, *state.Store) {
	t.Helper()
	store := state.New()
	table, err := routes.New(map[string]string{"reload": "location.reload()", "alert": "alert(1)"})
	if err != nil {
		t.Fatalf("routes.New: %v", err)
	}
	th, err := trigger.New(trigger.Options{Table: table, Store: store, MainPage: []byte(mainPage)})
	if err != nil {
		t.Fatalf("trigger.New: %v", err)
	}
	opts := defaultOpts()
	opts.Routes = th.RegisterRoutes
	opts.RouteLabel = func(r *http.Request) string {
		if _, ok := table.Lookup(r.URL.Path); ok {
			return r.URL.Path
		}
		return ""
	}
	return opts, store
}

func doRequest(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func getFreeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// NewHandler - trigger contract

func TestNewHandler_EveryPathGetsMainPage(t *testing.T) {
	opts, store := triggerOpts(t)
	h := NewHandler(opts)

	for _, method := range []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"} {
		for _, path := range []string{"/", "/reload", "/missing", "/a/b/c"} {
			rec := doRequest(t, h, method, path)
			if rec.Code != http.StatusOK {
				t.Fatalf("%s %s status = %d", method, path, rec.Code)
			}
			if rec.Body.String() != mainPage {
				t.Fatalf("%s %s body = %q", method, path, rec.Body.String())
			}
		}
	}
	// six methods hit /reload once each
	if v := store.Version(); v != 6 {
		t.Fatalf("store version = %d, want 6", v)
	}
}

func TestNewHandler_UnmatchedLeavesStore(t *testing.T) {
	opts, store := triggerOpts(t)
	h := NewHandler(opts)
	doRequest(t, h, "GET", "/reload/extra")
	doRequest(t, h, "GET", "/Reload")
	if v := store.Version(); v != 0 {
		t.Fatalf("store version = %d, want 0", v)
	}
}

func TestNewHandler_BodyIgnored(t *testing.T) {
	opts, store := triggerOpts(t)
	h := NewHandler(opts)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/alert", strings.NewReader(strings.Repeat("x", 4096))))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if _, p := store.Read(); p != "alert(1)" {
		t.Fatalf("payload = %q", p)
	}
}

// NewHandler - middleware stack

func TestNewHandler_SecurityHeaders(t *testing.T) {
	opts, _ := triggerOpts(t)
	rec := doRequest(t, NewHandler(opts), "GET", "/anything")

	for _, k := range []string{"X-Content-Type-Options", "X-Frame-Options", "Referrer-Policy"} {
		if rec.Header().Get(k) == "" {
			t.Errorf("missing %s", k)
		}
	}
}

func TestNewHandler_RequestID(t *testing.T) {
	opts, _ := triggerOpts(t)
	h := NewHandler(opts)

	a := doRequest(t, h, "GET", "/").Header().Get("X-Request-Id")
	b := doRequest(t, h, "GET", "/").Header().Get("X-Request-Id")
	if len(a) != 32 || a == b {
		t.Fatalf("request ids %q %q", a, b)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-Id", "client-abc")
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "client-abc" {
		t.Fatalf("propagated id = %q", got)
	}
}

func TestNewHandler_ExplicitRouteBeforeFallback(t *testing.T) {
	opts, _ := triggerOpts(t)
	register := opts.Routes
	opts.Routes = func(r chi.Router) {
		r.Get("/explicit", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("explicit")) })
		register(r)
	}
	h := NewHandler(opts)

	if body := doRequest(t, h, "GET", "/explicit").Body.String(); body != "explicit" {
		t.Fatalf("body = %q", body)
	}
	if body := doRequest(t, h, "GET", "/other").Body.String(); body != mainPage {
		t.Fatalf("fallback body = %q", body)
	}
}

func TestNewHandler_NoRoutes(t *testing.T) {
	rec := doRequest(t, NewHandler(defaultOpts()), "GET", "/")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want chi default 404", rec.Code)
	}
	if rec.Header().Get("X-Content-Type-Options") == "" {
		t.Fatal("security headers missing with no routes")
	}
}

func TestNewHandler_MetricsLabels(t *testing.T) {
	opts, _ := triggerOpts(t)
	m := metrics.New()
	opts.MetricsMW = m.Middleware(func(r *http.Request) string { return opts.RouteLabel(r) })
	h := NewHandler(opts)

	doRequest(t, h, "GET", "/reload")
	doRequest(t, h, "GET", "/random-1")
	doRequest(t, h, "GET", "/random-2")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	if !strings.Contains(body, `route="/reload"`) {
		t.Fatal("matched route label missing")
	}
	if !strings.Contains(body, `route="unmatched"`) {
		t.Fatal("unmatched label missing")
	}
	if strings.Contains(body, "random-1") {
		t.Fatal("raw path leaked into metric labels")
	}
}

func TestNewHandler_RecoverMW(t *testing.T) {
	opts := defaultOpts()
	opts.UseRecoverMW = true
	called := false
	opts.OnPanic = func() { called = true }
	opts.Routes = func(r chi.Router) {
		r.Get("/boom", func(w http.ResponseWriter, r *http.Request) { panic("test panic") })
	}

	rec := doRequest(t, NewHandler(opts), "GET", "/boom")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if !called {
		t.Fatal("OnPanic not called")
	}
	if rec.Header().Get("X-Content-Type-Options") == "" {
		t.Fatal("security headers missing after panic recovery")
	}
}

func TestNewHandler_RecoverMWDisabled(t *testing.T) {
	opts := defaultOpts()
	opts.Routes = func(r chi.Router) {
		r.Get("/boom", func(w http.ResponseWriter, r *http.Request) { panic("test panic") })
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic to propagate when recover MW is disabled")
		}
	}()
	doRequest(t, NewHandler(opts), "GET", "/boom")
}

func TestNewHandler_CompressesMainPage(t *testing.T) {
	opts, _ := triggerOpts(t)
	h := NewHandler(opts)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	h.ServeHTTP(rec, req)

	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("Content-Encoding = %q", rec.Header().Get("Content-Encoding"))
	}
	zr, err := gzip.NewReader(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	body, _ := io.ReadAll(zr)
	if string(body) != mainPage {
		t.Fatalf("decompressed body = %q", body)
	}
}

// NewServer

func TestNewServer_Configuration(t *testing.T) {
	srv := NewServer("127.0.0.1:8000", http.NotFoundHandler())
	if srv.Addr != "127.0.0.1:8000" {
		t.Fatalf("Addr = %q", srv.Addr)
	}
	if srv.ReadHeaderTimeout != DefaultReadHeaderTimeout || srv.ReadTimeout != DefaultReadTimeout ||
		srv.WriteTimeout != DefaultWriteTimeout || srv.IdleTimeout != DefaultIdleTimeout {
		t.Fatalf("timeouts = %v %v %v %v", srv.ReadHeaderTimeout, srv.ReadTimeout, srv.WriteTimeout, srv.IdleTimeout)
	}
	if srv.MaxHeaderBytes != DefaultMaxHeaderBytes {
		t.Fatalf("MaxHeaderBytes = %d", srv.MaxHeaderBytes)
	}
}

// Start - lifecycle

func TestStart_ServesTrigger(t *testing.T) {
	opts, store := triggerOpts(t)
	opts.Addr = getFreeAddr(t)

	ctx := context.Background()
	stop, err := Start(ctx, opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stop(ctx)

	resp, err := http.Post(fmt.Sprintf("http://%s/reload", opts.Addr), "text/plain", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK || string(body) != mainPage {
		t.Fatalf("status=%d body=%q", resp.StatusCode, body)
	}
	if v, p := store.Read(); v != 1 || p != "location.reload()" {
		t.Fatalf("store = (%d, %q)", v, p)
	}
}

func TestStart_GracefulShutdown(t *testing.T) {
	opts, _ := triggerOpts(t)
	opts.Addr = getFreeAddr(t)

	ctx := context.Background()
	stop, err := Start(ctx, opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	url := fmt.Sprintf("http://%s/", opts.Addr)
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("server not accepting: %v", err)
	}
	resp.Body.Close()

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := stop(sctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(sctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	if _, err := client.Get(url); err == nil {
		t.Fatal("server still accepting connections after shutdown")
	}
}

func TestStart_AddrConflict(t *testing.T) {
	opts := defaultOpts()
	opts.Addr = getFreeAddr(t)

	ctx := context.Background()
	stop, err := Start(ctx, opts)
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer stop(ctx)

	if _, err := Start(ctx, opts); err == nil {
		t.Fatal("expected error for address conflict")
	}
}
