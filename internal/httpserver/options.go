package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/wsexec/internal/httpmw"
	"github.com/keithlinneman/wsexec/internal/log"
)

type Options struct {
	Logger log.Logger
	// Addr is host:port. Defaults to DefaultAddr.
	Addr         string
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions
	// RouteLabel names requests that only the fallback handled, for spans and
	// access logs.
	RouteLabel httpmw.RouteLabel
	// Routes installs handlers on the router. The trigger registers itself as
	// the catch-all here.
	Routes func(r chi.Router)
}
