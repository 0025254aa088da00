package httpmw

import (
	"fmt"
	"net/http"

	"github.com/keithlinneman/wsexec/internal/log"
	"github.com/keithlinneman/wsexec/internal/xerrors"
)

// Recover turns a handler panic into a logged error and a 500. onPanic, if
// set, runs once per recovered panic. http.ErrAbortHandler is re-raised so
// net/http can abort the connection quietly.
func Recover(base log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if base == nil {
		base = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				if onPanic != nil {
					onPanic()
				}

				var err error
				if e, ok := rec.(error); ok {
					err = xerrors.Wrap(e, "handler panic")
				} else {
					err = xerrors.New(fmt.Sprintf("handler panic: %v", rec))
				}
				base.With(
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()),
				).Error(r.Context(), err, "httpserver panic recovered")

				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
