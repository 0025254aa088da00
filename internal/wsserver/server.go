// Package wsserver accepts WebSocket clients and gives each one a
// session.Session fed from the shared store.
package wsserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/keithlinneman/wsexec/internal/httpmw"
	"github.com/keithlinneman/wsexec/internal/log"
	"github.com/keithlinneman/wsexec/internal/session"
	"github.com/keithlinneman/wsexec/internal/wire"
	"github.com/keithlinneman/wsexec/internal/xerrors"
)

const (
	// DefaultReadLimit bounds a single client frame. Clients have nothing to
	// say, so anything larger ends the session.
	DefaultReadLimit    = 4096
	DefaultWriteTimeout = 5 * time.Second
)

// Upgrade rejection reasons.
const (
	RejectOrigin    = "origin"
	RejectHandshake = "handshake"
)

// Metrics is the subset of metrics.ServerMetrics the listener reports to.
type Metrics interface {
	session.Observer
	SessionOpened()
	SessionClosed(lifetime time.Duration)
	UpgradeRejected(reason string)
}

type Options struct {
	Logger log.Logger
	Addr   string

	Store        session.Reader
	Codec        wire.Codec
	Clock        clockwork.Clock
	Keepalive    time.Duration
	PollInitial  time.Duration
	PollInterval time.Duration
	Version      string
	WriteTimeout time.Duration
	ReadLimit    int64

	AllowedOrigins []string
	ClientIPOpts   httpmw.ClientIPOptions
	// RateLimitMW runs after client IP resolution and before the upgrade.
	RateLimitMW func(http.Handler) http.Handler
	Metrics     Metrics
}

// Handler upgrades requests on any path and runs one session per
// connection until the client goes away or Close is called.
type Handler struct {
	opts     Options
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	nextID atomic.Uint64
}

// NewHandler returns the bare upgrade handler, without middleware.
func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Codec == nil {
		opts.Codec = wire.Raw
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}

	h := &Handler{opts: opts}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin(opts.AllowedOrigins),
		Error:           h.rejectUpgrade,
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// rejectUpgrade already answered
		return
	}
	h.serve(r, conn)
}

func (h *Handler) rejectUpgrade(w http.ResponseWriter, r *http.Request, status int, reason error) {
	kind := RejectHandshake
	if status == http.StatusForbidden {
		kind = RejectOrigin
	}
	h.opts.Metrics.UpgradeRejected(kind)
	log.FromContext(r.Context()).Warn(r.Context(), "websocket upgrade rejected",
		"reason", kind,
		"http.response.status_code", status,
		"detail", reason.Error(),
	)
	http.Error(w, http.StatusText(status), status)
}

func (h *Handler) serve(r *http.Request, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()

	id := strconv.FormatUint(h.nextID.Add(1), 10)
	L := h.opts.Logger.With(
		"session_id", id,
		"client.address", httpmw.ClientIPFromContext(r.Context()),
		"request_id", httpmw.RequestIDFromContext(r.Context()),
	)
	ctx = log.WithContext(ctx, L)

	sess := session.New(session.Options{
		Conn:         conn,
		Store:        h.opts.Store,
		Codec:        h.opts.Codec,
		Clock:        h.opts.Clock,
		Keepalive:    h.opts.Keepalive,
		PollInitial:  h.opts.PollInitial,
		PollInterval: h.opts.PollInterval,
		Version:      h.opts.Version,
		Logger:       L,
		Metrics:      h.opts.Metrics,
		WriteTimeout: h.opts.WriteTimeout,
	})

	conn.SetReadLimit(h.opts.ReadLimit)
	go readPump(ctx, conn, sess)

	if err := sess.Open(); err != nil {
		L.Warn(ctx, "session handshake failed", "err", err.Error())
		return
	}
	started := h.opts.Clock.Now()
	h.opts.Metrics.SessionOpened()
	L.Info(ctx, "session opened", "last_seen", sess.LastSeen())

	err := sess.Run(ctx)

	lifetime := h.opts.Clock.Since(started)
	h.opts.Metrics.SessionClosed(lifetime)
	if err != nil {
		L.Info(ctx, "session ended", "reason", err.Error(), "duration_seconds", lifetime.Seconds())
		return
	}
	L.Info(ctx, "session ended", "duration_seconds", lifetime.Seconds())
}

// readPump drains client frames so control frames are answered and a
// disconnect is noticed. Client messages carry no meaning and are dropped.
func readPump(ctx context.Context, conn *websocket.Conn, sess *session.Session) {
	defer sess.Close()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, net.ErrClosed) {
				log.FromContext(ctx).Debug(ctx, "client read ended", "err", err.Error())
			}
			return
		}
	}
}

// Close ends every running session and waits for them, or for ctx.
func (h *Handler) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.cancel()
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return xerrors.Wrap(ctx.Err(), "wait for websocket sessions")
	}
}

// Middleware returns the chain used in front of the upgrader.
func Middleware(opts Options) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		httpmw.Recover(opts.Logger, nil),
		httpmw.RequestID(httpmw.DefaultRequestIDHeader),
		httpmw.ClientIPWithOptions(opts.ClientIPOpts),
		httpmw.WithLogger(opts.Logger),
		httpmw.Scope("websocket"),
		opts.RateLimitMW,
	}
}

// Start listens on opts.Addr and serves WebSocket clients.
// Returns stop(ctx) for graceful shutdown.
func Start(ctx context.Context, opts Options) (func(context.Context) error, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Addr == "" {
		return nil, xerrors.New("websocket listen address is empty")
	}

	h := NewHandler(opts)
	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           httpmw.Chain(h, Middleware(opts)...),
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 16,
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", opts.Addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen websocket on %s", opts.Addr)
	}

	go func() {
		opts.Logger.Info(ctx, "websocket server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			opts.Logger.Error(ctx, err, "websocket server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			opts.Logger.Info(sctx, "websocket server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			// hijacked connections are not tracked by Shutdown
			retErr = errors.Join(srv.Shutdown(c), h.Close(c))
		})
		return retErr
	}
	return stop, nil
}

type nopMetrics struct{}

func (nopMetrics) OnSent(string)               {}
func (nopMetrics) OnSendFailure(string)        {}
func (nopMetrics) SessionOpened()              {}
func (nopMetrics) SessionClosed(time.Duration) {}
func (nopMetrics) UpgradeRejected(string)      {}
