package httpmw

import "net/http"

// MaxBody caps how much of a request body a handler can read. The trigger
// never reads bodies, so the cap only bounds what a client can make us
// buffer.
func MaxBody(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}
