// Package ratelimit admits new WebSocket connections per client IP.
//
// Each IP gets a token bucket. Idle buckets are evicted after a TTL, and the
// number of tracked IPs can be capped so a spray of addresses cannot grow the
// map without bound. State is in memory and local to one process.
package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/wsexec/internal/httpmw"
)

// Denial reasons passed to the OnDenied hook.
const (
	ReasonRate     = "rate"
	ReasonCapacity = "capacity"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// reported is set after the first denial so the hook can log once per offender
	reported bool
}

type Limiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	perSecond   rate.Limit
	burst       int
	ttl         time.Duration
	maxVisitors int
	clock       clockwork.Clock

	onDenied      func(ip, reason string, first bool)
	capacityNoted bool
}

type Option func(*Limiter)

// WithRate sets the refill rate and bucket size. WithRate(2, 10) admits 10
// connections at once, then two per second.
func WithRate(perSecond float64, burst int) Option {
	return func(l *Limiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL sets how long an idle IP is remembered.
func WithTTL(d time.Duration) Option {
	return func(l *Limiter) { l.ttl = d }
}

// WithMaxVisitors caps tracked IPs. Zero disables the cap.
func WithMaxVisitors(n int) Option {
	return func(l *Limiter) { l.maxVisitors = n }
}

func WithClock(c clockwork.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithOnDenied registers a hook called on every denial. first is true the
// first time an IP is denied since it was last evicted, or the first time the
// capacity cap is hit.
func WithOnDenied(fn func(ip, reason string, first bool)) Option {
	return func(l *Limiter) { l.onDenied = fn }
}

// New returns a Limiter and starts eviction, which stops when ctx is done.
func New(ctx context.Context, opts ...Option) *Limiter {
	l := &Limiter{
		visitors:    make(map[string]*visitor),
		perSecond:   2,
		burst:       10,
		ttl:         5 * time.Minute,
		maxVisitors: 10000,
		clock:       clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(l)
	}
	go l.evictLoop(ctx)
	return l
}

// Allow reports whether ip may open a connection now. The reason is empty
// when allowed.
func (l *Limiter) Allow(ip string) (bool, string) {
	now := l.clock.Now()

	l.mu.Lock()
	v, ok := l.visitors[ip]
	if !ok {
		if l.maxVisitors > 0 && len(l.visitors) >= l.maxVisitors {
			first := !l.capacityNoted
			l.capacityNoted = true
			l.mu.Unlock()
			l.denied(ip, ReasonCapacity, first)
			return false, ReasonCapacity
		}
		v = &visitor{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	allowed := v.limiter.AllowN(now, 1)
	first := false
	if !allowed && !v.reported {
		v.reported = true
		first = true
	}
	l.mu.Unlock()

	if !allowed {
		l.denied(ip, ReasonRate, first)
		return false, ReasonRate
	}
	return true, ""
}

func (l *Limiter) denied(ip, reason string, first bool) {
	if l.onDenied != nil {
		l.onDenied(ip, reason, first)
	}
}

// Len is the number of tracked IPs.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

func (l *Limiter) evictLoop(ctx context.Context) {
	t := l.clock.NewTicker(l.ttl / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			l.evict(l.clock.Now())
		}
	}
}

func (l *Limiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.ttl {
			delete(l.visitors, ip)
		}
	}
	if l.maxVisitors > 0 && len(l.visitors) < l.maxVisitors {
		l.capacityNoted = false
	}
}

// Middleware answers 429 to requests over the limit. The client IP comes from
// httpmw.ClientIP, which must run first.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := httpmw.ClientIPFromContext(r.Context())
		if ok, _ := l.Allow(ip); !ok {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte("too many connection attempts\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
