// Package trigger is the HTTP side of the relay. Every request gets the main
// page back; a request whose path is a configured route also publishes that
// route's content to the shared store.
package trigger

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/wsexec/internal/log"
	"github.com/keithlinneman/wsexec/internal/routes"
	"github.com/keithlinneman/wsexec/internal/xerrors"
)

// Writer is the store surface the handler needs.
type Writer interface {
	Write(payload string) uint32
}

// Observer is notified of trigger outcomes. Optional.
type Observer interface {
	OnTrigger(route string, version uint32)
	OnUnmatched()
}

type Options struct {
	Logger   log.Logger
	Table    *routes.Table
	Store    Writer
	MainPage []byte
	Metrics  Observer
}

type Handler struct {
	logger   log.Logger
	table    *routes.Table
	store    Writer
	page     []byte
	pageLen  string
	observer Observer
}

func New(opts Options) (*Handler, error) {
	if opts.Store == nil {
		return nil, xerrors.New("trigger: store is required")
	}
	if opts.Table == nil {
		return nil, xerrors.New("trigger: route table is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	page := append([]byte(nil), opts.MainPage...)
	return &Handler{
		logger:   opts.Logger,
		table:    opts.Table,
		store:    opts.Store,
		page:     page,
		pageLen:  strconv.Itoa(len(page)),
		observer: opts.Metrics,
	}, nil
}

// Route reports the content published by a request on path.
func (h *Handler) Route(path string) (string, bool) {
	return h.table.Lookup(path)
}

// ServeHTTP publishes on an exact route match and always answers 200 with the
// main page, whatever the method or path.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	path := r.URL.Path

	if content, ok := h.Route(path); ok {
		v := h.store.Write(content)

		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetAttributes(
				attribute.String("relay.route", path),
				attribute.Int64("relay.state_version", int64(v)),
			)
		}
		if h.observer != nil {
			h.observer.OnTrigger(path, v)
		}
		h.logger.Info(ctx, "route triggered", "route", path, "state_version", v)
	} else if h.observer != nil {
		h.observer.OnUnmatched()
	}

	hdr := w.Header()
	hdr.Set("Content-Type", "text/html; charset=utf-8")
	hdr.Set("Cache-Control", "no-store")
	hdr.Set("Content-Length", h.pageLen)
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(h.page); err != nil {
		h.logger.Debug(ctx, "write main page", "err", err)
	}
}

// RegisterRoutes installs the handler as the router fallback so it sees every
// path and method. Routes registered elsewhere on r still take precedence.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.NotFound(h.ServeHTTP)
	r.MethodNotAllowed(h.ServeHTTP)
}
