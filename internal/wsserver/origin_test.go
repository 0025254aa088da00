package wsserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"empty list allows any", nil, "http://anything.example", true},
		{"star allows any", []string{"http://a.example", "*"}, "http://b.example", true},
		{"exact match", []string{"http://localhost:8000"}, "http://localhost:8000", true},
		{"case and trailing slash", []string{"HTTP://Localhost:8000/"}, "http://localhost:8000", true},
		{"port differs", []string{"http://localhost:8000"}, "http://localhost:9000", false},
		{"scheme differs", []string{"http://localhost:8000"}, "https://localhost:8000", false},
		{"no origin header", []string{"http://localhost:8000"}, "", true},
		{"extension origin", []string{"moz-extension://abc-123"}, "moz-extension://abc-123", true},
		{"blank entries ignored", []string{" ", ""}, "http://x.example", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := checkOrigin(tt.allowed)(r); got != tt.want {
				t.Fatalf("checkOrigin(%v)(%q) = %v, want %v", tt.allowed, tt.origin, got, tt.want)
			}
		})
	}
}
