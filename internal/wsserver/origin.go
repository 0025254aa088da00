package wsserver

import (
	"net/http"
	"net/url"
	"strings"
)

// checkOrigin builds the upgrader's origin policy. An empty list or a "*"
// entry admits every origin. Requests without an Origin header come from
// non-browser clients and are always admitted.
func checkOrigin(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		o = normalizeOrigin(o)
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			set[o] = struct{}{}
		}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[normalizeOrigin(origin)]
		return ok
	}
}

// normalizeOrigin lowercases scheme and host and drops any path.
func normalizeOrigin(o string) string {
	o = strings.TrimSpace(o)
	if o == "" || o == "*" {
		return o
	}
	u, err := url.Parse(o)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return strings.ToLower(strings.TrimRight(o, "/"))
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}
