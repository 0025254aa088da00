package httpmw

import "net/http"

// SecurityHeaders sets headers that are safe for any operator supplied page.
// No CSP or HSTS: the page and its scripts belong to the operator and the
// listener usually runs on plain http on localhost.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}
